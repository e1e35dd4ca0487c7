package auth

import (
	"sync"
	"time"
)

// ReplayRegistry tracks refresh token ids that have already been spent.
// A refresh token is single-use: rotation marks the presented jti as
// used, and a second presentation is treated as theft. Entries expire
// with the token they belong to, so the registry stays bounded.
type ReplayRegistry struct {
	mu   sync.Mutex
	used map[string]time.Time
	now  func() time.Time
}

// NewReplayRegistry creates an empty registry.
func NewReplayRegistry() *ReplayRegistry {
	return &ReplayRegistry{
		used: make(map[string]time.Time),
		now:  time.Now,
	}
}

// MarkUsed records the jti as spent until expiresAt. Returns false if
// the jti was already marked, which is the replay signal.
func (r *ReplayRegistry) MarkUsed(jti string, expiresAt time.Time) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	if _, spent := r.used[jti]; spent {
		return false
	}
	r.used[jti] = expiresAt
	return true
}

// IsUsed reports whether the jti has been spent.
func (r *ReplayRegistry) IsUsed(jti string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	_, spent := r.used[jti]
	return spent
}

// Len reports the number of live entries. Exposed for the cleanup job's
// gauge.
func (r *ReplayRegistry) Len() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
	return len(r.used)
}

// Prune drops expired entries. Called periodically by the janitor in
// addition to the lazy pruning on every access.
func (r *ReplayRegistry) Prune() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.pruneLocked()
}

func (r *ReplayRegistry) pruneLocked() {
	now := r.now()
	for jti, exp := range r.used {
		if !exp.After(now) {
			delete(r.used, jti)
		}
	}
}
