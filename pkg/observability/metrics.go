package observability

import (
	"database/sql"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus metrics. Every recording method is safe to
// call on a nil *Metrics, so components can run without instrumentation.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authentication metrics
	LoginsTotal         *prometheus.CounterVec
	RefreshesTotal      *prometheus.CounterVec
	SecurityEventsTotal *prometheus.CounterVec
	PermissionChecks    *prometheus.CounterVec
	SessionsPurgedTotal prometheus.Counter

	// Permission cache metrics
	CacheHitsTotal          *prometheus.CounterVec
	CacheMissesTotal        *prometheus.CounterVec
	CacheInvalidationsTotal *prometheus.CounterVec
	CacheComputeErrorsTotal prometheus.Counter
	CacheComputeDuration    prometheus.Histogram

	// Audit metrics
	AuditRecordsTotal *prometheus.CounterVec

	// Database metrics
	DBConnectionsOpen  prometheus.Gauge
	DBConnectionsInUse prometheus.Gauge
	DBConnectionsIdle  prometheus.Gauge
	DBWaitCount        prometheus.Gauge
}

// NewMetrics creates and registers all metrics on registry
func NewMetrics(registry prometheus.Registerer) *Metrics {
	m := &Metrics{
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoke_iam_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "spoke_iam_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),

		LoginsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoke_iam_logins_total",
				Help: "Login attempts by outcome",
			},
			[]string{"outcome"},
		),
		RefreshesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoke_iam_refreshes_total",
				Help: "Refresh token rotations by outcome",
			},
			[]string{"outcome"},
		),
		SecurityEventsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoke_iam_security_events_total",
				Help: "Security relevant failures such as lockouts and token reuse",
			},
			[]string{"event"},
		),
		PermissionChecks: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoke_iam_permission_checks_total",
				Help: "Permission checks by decision",
			},
			[]string{"decision"},
		),
		SessionsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "spoke_iam_sessions_purged_total",
				Help: "Expired sessions deleted by the janitor",
			},
		),

		CacheHitsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoke_iam_permission_cache_hits_total",
				Help: "Permission cache hits",
			},
			[]string{"backend"},
		),
		CacheMissesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoke_iam_permission_cache_misses_total",
				Help: "Permission cache misses, including backend errors",
			},
			[]string{"backend"},
		),
		CacheInvalidationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoke_iam_permission_cache_invalidations_total",
				Help: "Permission cache invalidations by scope",
			},
			[]string{"scope"},
		),
		CacheComputeErrorsTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "spoke_iam_permission_cache_compute_errors_total",
				Help: "Failed permission resolutions on cache miss",
			},
		),
		CacheComputeDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "spoke_iam_permission_cache_compute_duration_seconds",
				Help:    "Permission resolution duration on cache miss",
				Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
			},
		),

		AuditRecordsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "spoke_iam_audit_records_total",
				Help: "Audit records by status (written, failed, dropped)",
			},
			[]string{"status"},
		),

		DBConnectionsOpen: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spoke_iam_db_connections_open",
				Help: "Number of open database connections",
			},
		),
		DBConnectionsInUse: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spoke_iam_db_connections_in_use",
				Help: "Number of database connections in use",
			},
		),
		DBConnectionsIdle: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spoke_iam_db_connections_idle",
				Help: "Number of idle database connections",
			},
		),
		DBWaitCount: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Name: "spoke_iam_db_connections_wait_count",
				Help: "Total number of connections waited for",
			},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.LoginsTotal,
		m.RefreshesTotal,
		m.SecurityEventsTotal,
		m.PermissionChecks,
		m.SessionsPurgedTotal,
		m.CacheHitsTotal,
		m.CacheMissesTotal,
		m.CacheInvalidationsTotal,
		m.CacheComputeErrorsTotal,
		m.CacheComputeDuration,
		m.AuditRecordsTotal,
		m.DBConnectionsOpen,
		m.DBConnectionsInUse,
		m.DBConnectionsIdle,
		m.DBWaitCount,
	)

	return m
}

// Login counts a login attempt
func (m *Metrics) Login(outcome string) {
	if m == nil {
		return
	}
	m.LoginsTotal.WithLabelValues(outcome).Inc()
}

// Refresh counts a refresh attempt
func (m *Metrics) Refresh(outcome string) {
	if m == nil {
		return
	}
	m.RefreshesTotal.WithLabelValues(outcome).Inc()
}

// SecurityEvent counts a security relevant failure
func (m *Metrics) SecurityEvent(event string) {
	if m == nil {
		return
	}
	m.SecurityEventsTotal.WithLabelValues(event).Inc()
}

// PermissionCheck counts an authorization decision
func (m *Metrics) PermissionCheck(allowed bool) {
	if m == nil {
		return
	}
	decision := "deny"
	if allowed {
		decision = "allow"
	}
	m.PermissionChecks.WithLabelValues(decision).Inc()
}

// SessionsPurged adds to the purged session count
func (m *Metrics) SessionsPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.SessionsPurgedTotal.Add(float64(n))
}

// CacheHit counts a permission cache hit
func (m *Metrics) CacheHit(backend string) {
	if m == nil {
		return
	}
	m.CacheHitsTotal.WithLabelValues(backend).Inc()
}

// CacheMiss counts a permission cache miss
func (m *Metrics) CacheMiss(backend string) {
	if m == nil {
		return
	}
	m.CacheMissesTotal.WithLabelValues(backend).Inc()
}

// CacheInvalidation counts an invalidation; scope is principal, role or all
func (m *Metrics) CacheInvalidation(scope string) {
	if m == nil {
		return
	}
	m.CacheInvalidationsTotal.WithLabelValues(scope).Inc()
}

// CacheCompute records a resolution on cache miss
func (m *Metrics) CacheCompute(d time.Duration, err error) {
	if m == nil {
		return
	}
	m.CacheComputeDuration.Observe(d.Seconds())
	if err != nil {
		m.CacheComputeErrorsTotal.Inc()
	}
}

// AuditRecord counts an audit record by status
func (m *Metrics) AuditRecord(status string) {
	if m == nil {
		return
	}
	m.AuditRecordsTotal.WithLabelValues(status).Inc()
}

// ObserveDBStats copies connection pool statistics into the gauges
func (m *Metrics) ObserveDBStats(stats sql.DBStats) {
	if m == nil {
		return
	}
	m.DBConnectionsOpen.Set(float64(stats.OpenConnections))
	m.DBConnectionsInUse.Set(float64(stats.InUse))
	m.DBConnectionsIdle.Set(float64(stats.Idle))
	m.DBWaitCount.Set(float64(stats.WaitCount))
}

// responseWriter wraps http.ResponseWriter to capture the status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}

// HTTPMetricsMiddleware instruments requests. Routes are labelled by their
// mux path template so ids in the path do not create new series.
func HTTPMetricsMiddleware(metrics *Metrics) mux.MiddlewareFunc {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if metrics == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(rw, r)

			route := "unmatched"
			if current := mux.CurrentRoute(r); current != nil {
				if tmpl, err := current.GetPathTemplate(); err == nil {
					route = tmpl
				}
			}
			metrics.HTTPRequestsTotal.WithLabelValues(r.Method, route, strconv.Itoa(rw.statusCode)).Inc()
			metrics.HTTPRequestDuration.WithLabelValues(r.Method, route).Observe(time.Since(start).Seconds())
		})
	}
}

// MetricsHandler serves registry in the Prometheus exposition format
func MetricsHandler(registry *prometheus.Registry) http.Handler {
	return promhttp.HandlerFor(registry, promhttp.HandlerOpts{})
}
