package middleware

import (
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/canopyworks/canopy/pkg/apierror"
	"github.com/canopyworks/canopy/pkg/contextkeys"
	"github.com/canopyworks/canopy/pkg/httputil"
	"github.com/canopyworks/canopy/pkg/observability"
	"github.com/canopyworks/canopy/pkg/ratelimit"
)

// RateLimit throttles requests per endpoint class. Each class carries
// its own budget; keys combine the class with the client IP, the
// authenticated user and the route so one noisy client cannot starve
// the rest.
type RateLimit struct {
	mu          sync.RWMutex
	classes     map[string]*ratelimit.SlidingWindow
	distributed map[string]*ratelimit.RedisWindow
	log         *observability.Logger
	metrics     *observability.Metrics
}

// NewRateLimit creates rate limit middleware. log and metrics may be
// nil in tests.
func NewRateLimit(log *observability.Logger, metrics *observability.Metrics) *RateLimit {
	return &RateLimit{
		classes:     make(map[string]*ratelimit.SlidingWindow),
		distributed: make(map[string]*ratelimit.RedisWindow),
		log:         log,
		metrics:     metrics,
	}
}

// Register installs an in-process budget for an endpoint class.
func (m *RateLimit) Register(class string, limit ratelimit.Limit) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.classes[class] = ratelimit.NewSlidingWindow(limit)
}

// RegisterDistributed installs a redis-backed budget for an endpoint
// class, replacing the in-process one for multi-node deployments.
func (m *RateLimit) RegisterDistributed(class string, window *ratelimit.RedisWindow) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.distributed[class] = window
}

// Class wraps a handler with the budget registered for the class.
// Unregistered classes pass requests through untouched.
func (m *RateLimit) Class(class string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			key := m.key(class, r)

			m.mu.RLock()
			redisWindow := m.distributed[class]
			window := m.classes[class]
			m.mu.RUnlock()

			if redisWindow != nil {
				allowed, err := redisWindow.Allow(r.Context(), key)
				if err != nil && m.log != nil {
					m.log.WithError(err).WithField("class", class).
						Warn("distributed rate limit degraded")
				}
				if !allowed {
					m.reject(w, class, 0)
					return
				}
				next.ServeHTTP(w, r)
				return
			}

			if window == nil {
				next.ServeHTTP(w, r)
				return
			}
			if !window.Allow(key) {
				m.reject(w, class, window.RetryAfter(key))
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// Cleanup prunes aged-out keys from every in-process window. Called by
// the janitor; returns the number of keys removed.
func (m *RateLimit) Cleanup() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	removed := 0
	for _, window := range m.classes {
		removed += window.Cleanup()
	}
	return removed
}

func (m *RateLimit) key(class string, r *http.Request) string {
	userPart := "-"
	if user := contextkeys.GetUser(r.Context()); user != nil {
		userPart = fmt.Sprintf("%d", user.ID)
	}
	return class + ":" + httputil.ClientIP(r) + ":" + userPart + ":" + r.URL.Path
}

func (m *RateLimit) reject(w http.ResponseWriter, class string, retryAfter time.Duration) {
	if m.metrics != nil {
		m.metrics.RateLimitRejectionsTotal.WithLabelValues(class).Inc()
	}
	err := apierror.RateLimited("Too many requests.")
	if seconds := int(retryAfter.Seconds()); seconds > 0 {
		err = err.WithDetails(map[string]interface{}{"retry_after_seconds": seconds})
	}
	httputil.WriteAPIError(w, err)
}
