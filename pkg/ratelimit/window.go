// Package ratelimit implements the two request throttles: a dedicated
// login attempt limiter and a general sliding-window limiter keyed by
// endpoint class, with an optional redis backend for multi-node setups.
package ratelimit

import (
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"
)

// Limit is a request budget over a rolling window.
type Limit struct {
	Count  int
	Window time.Duration
}

// DefaultLimit applies when a limit spec is missing or malformed.
var DefaultLimit = Limit{Count: 600, Window: time.Minute}

// ParseRateLimit parses a "count/period" spec: "600/minute", "10/second",
// "100/hour", "120/30" with a bare number of seconds, or "5/300s" with a
// duration suffix. A bare count ("600") uses a one-minute window.
// Malformed specs fall back to DefaultLimit with a non-nil error so
// callers can log the fallback.
func ParseRateLimit(spec string) (Limit, error) {
	spec = strings.TrimSpace(spec)
	if spec == "" {
		return DefaultLimit, fmt.Errorf("empty rate limit spec")
	}

	parts := strings.SplitN(spec, "/", 2)
	count, err := strconv.Atoi(strings.TrimSpace(parts[0]))
	if err != nil || count <= 0 {
		return DefaultLimit, fmt.Errorf("invalid rate limit count %q", spec)
	}
	if len(parts) == 1 {
		return Limit{Count: count, Window: time.Minute}, nil
	}

	period := strings.TrimSpace(strings.ToLower(parts[1]))
	switch period {
	case "second", "sec", "s":
		return Limit{Count: count, Window: time.Second}, nil
	case "minute", "min", "m":
		return Limit{Count: count, Window: time.Minute}, nil
	case "hour", "h":
		return Limit{Count: count, Window: time.Hour}, nil
	}
	if seconds, err := strconv.Atoi(period); err == nil {
		if seconds <= 0 {
			return DefaultLimit, fmt.Errorf("invalid rate limit period %q", spec)
		}
		return Limit{Count: count, Window: time.Duration(seconds) * time.Second}, nil
	}
	window, err := time.ParseDuration(period)
	if err != nil || window <= 0 {
		return DefaultLimit, fmt.Errorf("invalid rate limit period %q", spec)
	}
	return Limit{Count: count, Window: window}, nil
}

// SlidingWindow is an in-memory sliding-window limiter. The check and
// the recording happen under one lock so concurrent requests cannot
// both squeeze through the last slot.
type SlidingWindow struct {
	mu      sync.Mutex
	limit   Limit
	history map[string][]time.Time
	now     func() time.Time
}

// NewSlidingWindow creates a limiter with the given budget.
func NewSlidingWindow(limit Limit) *SlidingWindow {
	return &SlidingWindow{
		limit:   limit,
		history: make(map[string][]time.Time),
		now:     time.Now,
	}
}

// Allow records one request for key and reports whether it fits the
// budget. Rejected requests are not recorded: a hammering client does
// not extend its own block.
func (w *SlidingWindow) Allow(key string) bool {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	kept := pruneBefore(w.history[key], now.Add(-w.limit.Window))
	if len(kept) >= w.limit.Count {
		w.history[key] = kept
		return false
	}
	w.history[key] = append(kept, now)
	return true
}

// RetryAfter reports how long until the oldest recorded request leaves
// the window. Zero when the key is not currently saturated.
func (w *SlidingWindow) RetryAfter(key string) time.Duration {
	w.mu.Lock()
	defer w.mu.Unlock()

	now := w.now()
	kept := pruneBefore(w.history[key], now.Add(-w.limit.Window))
	w.history[key] = kept
	if len(kept) < w.limit.Count {
		return 0
	}
	return kept[0].Add(w.limit.Window).Sub(now)
}

// Cleanup drops keys whose entire history has aged out. Called
// periodically by the janitor; returns the number of keys removed.
func (w *SlidingWindow) Cleanup() int {
	w.mu.Lock()
	defer w.mu.Unlock()

	cutoff := w.now().Add(-w.limit.Window)
	removed := 0
	for key, times := range w.history {
		if kept := pruneBefore(times, cutoff); len(kept) == 0 {
			delete(w.history, key)
			removed++
		} else {
			w.history[key] = kept
		}
	}
	return removed
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && !times[idx].After(cutoff) {
		idx++
	}
	return times[idx:]
}
