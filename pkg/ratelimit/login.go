package ratelimit

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// LoginLimiter throttles credential attempts per client and target
// account. The key couples the source ip with the lowercased username so
// an attacker cannot spray one account from one address, while users
// behind a shared NAT only lock their own account attempts.
type LoginLimiter struct {
	mu          sync.Mutex
	maxFailures int
	window      time.Duration
	failures    map[string][]time.Time
	now         func() time.Time
}

// NewLoginLimiter creates a login limiter allowing maxFailures failed
// attempts per key within window.
func NewLoginLimiter(maxFailures int, window time.Duration) *LoginLimiter {
	return &LoginLimiter{
		maxFailures: maxFailures,
		window:      window,
		failures:    make(map[string][]time.Time),
		now:         time.Now,
	}
}

func loginKey(ip, username string) string {
	return fmt.Sprintf("%s:%s", ip, strings.ToLower(strings.TrimSpace(username)))
}

// IsBlocked reports whether the key has exhausted its failure budget,
// and if so, how long until the oldest failure ages out.
func (l *LoginLimiter) IsBlocked(ip, username string) (bool, time.Duration) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := loginKey(ip, username)
	now := l.now()
	kept := pruneBefore(l.failures[key], now.Add(-l.window))
	l.failures[key] = kept
	if len(kept) < l.maxFailures {
		return false, 0
	}
	return true, kept[0].Add(l.window).Sub(now)
}

// AddFailure records one failed attempt.
func (l *LoginLimiter) AddFailure(ip, username string) {
	l.mu.Lock()
	defer l.mu.Unlock()

	key := loginKey(ip, username)
	now := l.now()
	kept := pruneBefore(l.failures[key], now.Add(-l.window))
	l.failures[key] = append(kept, now)
}

// Clear wipes the failure history for the key. Called on successful
// login so a remembered typo does not haunt the next session.
func (l *LoginLimiter) Clear(ip, username string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.failures, loginKey(ip, username))
}

// Cleanup drops keys whose failures have all aged out.
func (l *LoginLimiter) Cleanup() int {
	l.mu.Lock()
	defer l.mu.Unlock()

	cutoff := l.now().Add(-l.window)
	removed := 0
	for key, times := range l.failures {
		if kept := pruneBefore(times, cutoff); len(kept) == 0 {
			delete(l.failures, key)
			removed++
		} else {
			l.failures[key] = kept
		}
	}
	return removed
}
