package ratelimit

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/google/uuid"
)

// RedisWindow is a sliding-window limiter backed by redis sorted sets,
// for deployments running more than one node behind a balancer. Each
// request is a member scored by its timestamp; counting the members
// inside the window gives the rolling total.
type RedisWindow struct {
	client *redis.Client
	limit  Limit
	prefix string
	now    func() time.Time
}

// NewRedisWindow creates a redis-backed limiter. prefix namespaces the
// keys so several limiters can share one database.
func NewRedisWindow(client *redis.Client, limit Limit, prefix string) *RedisWindow {
	return &RedisWindow{
		client: client,
		limit:  limit,
		prefix: prefix,
		now:    time.Now,
	}
}

// allowScript trims, counts, and conditionally records in one atomic
// step. Splitting these across round trips would let two nodes both see
// the last free slot and both admit.
var allowScript = redis.NewScript(`
redis.call('ZREMRANGEBYSCORE', KEYS[1], 0, ARGV[1])
if redis.call('ZCARD', KEYS[1]) >= tonumber(ARGV[2]) then
	return 0
end
redis.call('ZADD', KEYS[1], ARGV[3], ARGV[4])
redis.call('PEXPIRE', KEYS[1], ARGV[5])
return 1
`)

// Allow records one request for key and reports whether it fits the
// budget. On redis failure the request is allowed: the limiter protects
// capacity, and a degraded limiter must not take the service down with
// it.
func (w *RedisWindow) Allow(ctx context.Context, key string) (bool, error) {
	redisKey := w.prefix + ":" + key
	now := w.now()
	cutoff := now.Add(-w.limit.Window)

	// Members must be unique or same-nanosecond requests collapse into
	// one zset entry and undercount.
	member := fmt.Sprintf("%d:%s", now.UnixNano(), uuid.NewString())
	admitted, err := allowScript.Run(ctx, w.client, []string{redisKey},
		cutoff.UnixNano(), w.limit.Count,
		now.UnixNano(), member,
		w.limit.Window.Milliseconds(),
	).Int()
	if err != nil {
		return true, fmt.Errorf("rate limit check: %w", err)
	}
	return admitted == 1, nil
}
