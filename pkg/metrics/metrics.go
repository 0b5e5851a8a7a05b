package metrics

import (
	"strconv"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds all Prometheus metrics. A nil *Metrics is valid and records
// nothing.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Business metrics
	Redemptions          *prometheus.CounterVec
	ReferrerRevenue      *prometheus.CounterVec
	CodeCollisions       prometheus.Counter
	Applications         *prometheus.CounterVec
	Payouts              *prometheus.CounterVec
	PayoutAmountMinor    prometheus.Counter
	NotificationFailures *prometheus.CounterVec

	RateLimited *prometheus.CounterVec

	// Database metrics
	DBConnections prometheus.Gauge

	// Cache metrics
	CacheHits   *prometheus.CounterVec
	CacheMisses *prometheus.CounterVec
}

// New creates a new Metrics instance with all metrics registered on reg.
func New(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		HTTPRequestsTotal: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "path", "status"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "path", "status"},
		),

		Redemptions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "code_redemptions_total",
			Help: "Code redemption attempts by role and result",
		}, []string{"role", "result"}),
		ReferrerRevenue: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "referrer_revenue_total",
			Help: "Revenue credited to referrers in major currency units",
		}, []string{"role"}),
		CodeCollisions: factory.NewCounter(prometheus.CounterOpts{
			Name: "code_generation_collisions_total",
			Help: "Generated code candidates rejected because they were taken",
		}),
		Applications: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "referrer_applications_total",
			Help: "Referrer application transitions by role and status",
		}, []string{"role", "status"}),
		Payouts: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "payouts_total",
			Help: "Payout request transitions by status",
		}, []string{"status"}),
		PayoutAmountMinor: factory.NewCounter(prometheus.CounterOpts{
			Name: "payout_amount_minor_units_total",
			Help: "Sum of transferred payout amounts in minor units",
		}),
		NotificationFailures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "notification_failures_total",
			Help: "Emails that could not be delivered",
		}, []string{"kind"}),
		RateLimited: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "rate_limited_requests_total",
			Help: "Requests rejected by a rate limiter",
		}, []string{"limiter"}),

		DBConnections: factory.NewGauge(prometheus.GaugeOpts{
			Name: "db_connections_open",
			Help: "Number of open database connections",
		}),

		CacheHits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_hits_total",
			Help: "Total number of cache hits",
		}, []string{"cache_type"}),
		CacheMisses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "cache_misses_total",
			Help: "Total number of cache misses",
		}, []string{"cache_type"}),
	}
}

// Middleware creates an Echo middleware for Prometheus metrics
func (m *Metrics) Middleware() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			req := c.Request()
			path := c.Path() // route pattern, not the raw path

			err := next(c)

			status := c.Response().Status
			if err != nil {
				if he, ok := err.(*echo.HTTPError); ok {
					status = he.Code
				}
			}
			duration := time.Since(start).Seconds()

			m.HTTPRequestsTotal.WithLabelValues(req.Method, path, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(req.Method, path, strconv.Itoa(status)).Observe(duration)

			return err
		}
	}
}

// RecordRedemption counts a redemption attempt and, on success, the revenue
// credited to the referrer.
func (m *Metrics) RecordRedemption(role, result string, referrerRevenue float64) {
	if m == nil {
		return
	}
	m.Redemptions.WithLabelValues(role, result).Inc()
	if referrerRevenue > 0 {
		m.ReferrerRevenue.WithLabelValues(role).Add(referrerRevenue)
	}
}

// RecordCodeCollision increments the generation collision counter
func (m *Metrics) RecordCodeCollision() {
	if m == nil {
		return
	}
	m.CodeCollisions.Inc()
}

// RecordApplication counts an application status transition
func (m *Metrics) RecordApplication(role, status string) {
	if m == nil {
		return
	}
	m.Applications.WithLabelValues(role, status).Inc()
}

// RecordPayout counts a payout transition; amountMinor is added for approvals.
func (m *Metrics) RecordPayout(status string, amountMinor int64) {
	if m == nil {
		return
	}
	m.Payouts.WithLabelValues(status).Inc()
	if amountMinor > 0 {
		m.PayoutAmountMinor.Add(float64(amountMinor))
	}
}

// RecordNotificationFailure counts an email that failed to send
func (m *Metrics) RecordNotificationFailure(kind string) {
	if m == nil {
		return
	}
	m.NotificationFailures.WithLabelValues(kind).Inc()
}

// RecordRateLimited counts a request rejected by the named limiter.
func (m *Metrics) RecordRateLimited(limiter string) {
	if m == nil {
		return
	}
	m.RateLimited.WithLabelValues(limiter).Inc()
}

// UpdateDBConnections updates active database connections gauge
func (m *Metrics) UpdateDBConnections(count float64) {
	if m == nil {
		return
	}
	m.DBConnections.Set(count)
}

// RecordCacheHit increments cache hits counter
func (m *Metrics) RecordCacheHit(cacheType string) {
	if m == nil {
		return
	}
	m.CacheHits.WithLabelValues(cacheType).Inc()
}

// RecordCacheMiss increments cache misses counter
func (m *Metrics) RecordCacheMiss(cacheType string) {
	if m == nil {
		return
	}
	m.CacheMisses.WithLabelValues(cacheType).Inc()
}
