package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Metrics holds all Prometheus collectors for the SpendGuard gateway.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP metrics.
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Reservation lifecycle metrics.
	ReservationsTotal        *prometheus.CounterVec
	SettlementsTotal         prometheus.Counter
	ReleasesTotal            *prometheus.CounterVec
	BudgetRejectionsTotal    prometheus.Counter
	LockConflictsTotal       prometheus.Counter
	EstimatorViolationsTotal prometheus.Counter
	ReservedCentsTotal       prometheus.Counter
	RealizedCentsTotal       prometheus.Counter

	// Pricing catalog metrics.
	PricingRefreshTotal *prometheus.CounterVec

	// Upstream metrics.
	UpstreamDuration    *prometheus.HistogramVec
	UpstreamErrorsTotal *prometheus.CounterVec

	// Rate limiting.
	RateLimitRejectionsTotal prometheus.Counter

	// Usage collector metrics.
	CollectorFlushesTotal *prometheus.CounterVec

	// Server lifecycle.
	ServerStartTime prometheus.Gauge
}

// New creates and registers all metrics on a private registry.
func New() *Metrics {
	reg := prometheus.NewRegistry()

	m := &Metrics{
		registry: reg,

		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status_code"}),

		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spendguard_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"method", "path_pattern"}),

		ReservationsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_reservations_total",
			Help: "Total number of reservation attempts by outcome.",
		}, []string{"outcome"}),

		SettlementsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendguard_settlements_total",
			Help: "Total number of settled reservations.",
		}),

		ReleasesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_releases_total",
			Help: "Total number of released reservations by reason.",
		}, []string{"reason"}),

		BudgetRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendguard_budget_rejections_total",
			Help: "Total number of requests rejected for insufficient budget.",
		}),

		LockConflictsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendguard_lock_conflicts_total",
			Help: "Total number of run lock conflicts.",
		}),

		EstimatorViolationsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendguard_estimator_violations_total",
			Help: "Settlements where actual cost exceeded the reserved worst case.",
		}),

		ReservedCentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendguard_reserved_cents_total",
			Help: "Total cents reserved across all agents.",
		}),

		RealizedCentsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendguard_realized_cents_total",
			Help: "Total cents of realized (settled) spend across all agents.",
		}),

		PricingRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_pricing_refresh_total",
			Help: "Total pricing catalog refresh attempts by status.",
		}, []string{"status"}),

		UpstreamDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "spendguard_upstream_duration_seconds",
			Help:    "Provider request duration in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),

		UpstreamErrorsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_upstream_errors_total",
			Help: "Total provider request errors by error type.",
		}, []string{"error_type", "provider"}),

		RateLimitRejectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "spendguard_ratelimit_rejections_total",
			Help: "Total number of rate limit rejections.",
		}),

		CollectorFlushesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "spendguard_usage_flushes_total",
			Help: "Total number of usage ledger flushes.",
		}, []string{"status"}),

		ServerStartTime: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "spendguard_server_start_time_seconds",
			Help: "Unix timestamp when the server started.",
		}),
	}

	reg.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.ReservationsTotal,
		m.SettlementsTotal,
		m.ReleasesTotal,
		m.BudgetRejectionsTotal,
		m.LockConflictsTotal,
		m.EstimatorViolationsTotal,
		m.ReservedCentsTotal,
		m.RealizedCentsTotal,
		m.PricingRefreshTotal,
		m.UpstreamDuration,
		m.UpstreamErrorsTotal,
		m.RateLimitRejectionsTotal,
		m.CollectorFlushesTotal,
		m.ServerStartTime,
	)

	m.ServerStartTime.Set(float64(time.Now().Unix()))

	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}
