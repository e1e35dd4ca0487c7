package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the Prometheus metrics for the authorization and audit core.
type Metrics struct {
	// Authentication
	LoginAttemptsTotal  *prometheus.CounterVec // outcome: success|failure|rate_limited
	TokenRefreshesTotal *prometheus.CounterVec // outcome: success|reused|expired|invalid

	// Authorization
	AuthzDecisionsTotal *prometheus.CounterVec // action, decision: allow|deny

	// Rate limiting
	RateLimitRejectionsTotal *prometheus.CounterVec // limiter: endpoint class

	// Audit chain
	AuditEventsTotal        prometheus.Counter
	AuditEmitFailuresTotal  prometheus.Counter
	AuditChainLength        prometheus.Gauge
	AuditVerificationErrors prometheus.Counter

	// Quota
	QuotaRejectionsTotal *prometheus.CounterVec // kind: storage|bandwidth
}

// NewMetrics creates and registers all metrics on the given registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		LoginAttemptsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canopy_login_attempts_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		TokenRefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canopy_token_refreshes_total",
				Help: "Refresh token redemptions by outcome",
			},
			[]string{"outcome"},
		),
		AuthzDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canopy_authz_decisions_total",
				Help: "Access decisions by action and result",
			},
			[]string{"action", "decision"},
		),
		RateLimitRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canopy_rate_limit_rejections_total",
				Help: "Requests rejected by rate limiting",
			},
			[]string{"limiter"},
		),
		AuditEventsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canopy_audit_events_total",
			Help: "Audit events appended to the hash chain",
		}),
		AuditEmitFailuresTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canopy_audit_emit_failures_total",
			Help: "Audit emissions discarded due to storage failures",
		}),
		AuditChainLength: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "canopy_audit_chain_length",
			Help: "Number of records in the audit hash chain",
		}),
		AuditVerificationErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "canopy_audit_verification_errors_total",
			Help: "Hash mismatches found during chain verification",
		}),
		QuotaRejectionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "canopy_quota_rejections_total",
				Help: "Writes rejected by quota enforcement",
			},
			[]string{"kind"},
		),
	}

	registry.MustRegister(
		m.LoginAttemptsTotal,
		m.TokenRefreshesTotal,
		m.AuthzDecisionsTotal,
		m.RateLimitRejectionsTotal,
		m.AuditEventsTotal,
		m.AuditEmitFailuresTotal,
		m.AuditChainLength,
		m.AuditVerificationErrors,
		m.QuotaRejectionsTotal,
	)

	return m
}

// Handler returns the promhttp handler for the given registry.
func Handler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
