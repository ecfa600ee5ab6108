package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds all Prometheus collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTP
	HTTPRequestsTotal   *prometheus.CounterVec
	HTTPRequestDuration *prometheus.HistogramVec

	// Authorization
	PolicyDecisionsTotal *prometheus.CounterVec
	PermissionCacheTotal *prometheus.CounterVec

	// Auditing
	AuditWritesTotal   *prometheus.CounterVec
	AuditQueryDuration prometheus.Histogram

	// Notifications
	NotificationsTotal       *prometheus.CounterVec
	NotificationsPurgedTotal prometheus.Counter

	// Batch operations
	BatchItemsTotal *prometheus.CounterVec
}

// NewMetrics creates and registers all collectors on registry.
func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		registry: registry,
		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_http_requests_total",
				Help: "Total number of HTTP requests",
			},
			[]string{"method", "route", "status"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "bastion_http_request_duration_seconds",
				Help:    "HTTP request duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"method", "route"},
		),
		PolicyDecisionsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_policy_decisions_total",
				Help: "Authorization decisions by action and outcome",
			},
			[]string{"action", "outcome"},
		),
		PermissionCacheTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_permission_cache_total",
				Help: "Permission set cache lookups by tier and result",
			},
			[]string{"tier", "result"},
		),
		AuditWritesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_audit_writes_total",
				Help: "Activity log writes by log name and result",
			},
			[]string{"log_name", "result"},
		),
		AuditQueryDuration: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "bastion_audit_query_duration_seconds",
				Help:    "Activity log query duration in seconds",
				Buckets: prometheus.DefBuckets,
			},
		),
		NotificationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_notifications_total",
				Help: "Notification deliveries by kind and result",
			},
			[]string{"kind", "result"},
		),
		NotificationsPurgedTotal: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "bastion_notifications_purged_total",
				Help: "Notifications removed by the retention sweep",
			},
		),
		BatchItemsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "bastion_batch_items_total",
				Help: "Items processed by batch operations",
			},
			[]string{"operation", "result"},
		),
	}

	registry.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.PolicyDecisionsTotal,
		m.PermissionCacheTotal,
		m.AuditWritesTotal,
		m.AuditQueryDuration,
		m.NotificationsTotal,
		m.NotificationsPurgedTotal,
		m.BatchItemsTotal,
	)

	return m
}

// Handler exposes the registry in the Prometheus text format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *Metrics) RecordDecision(action, outcome string) {
	if m == nil {
		return
	}
	m.PolicyDecisionsTotal.WithLabelValues(action, outcome).Inc()
}

func (m *Metrics) RecordCache(tier string, hit bool) {
	if m == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	m.PermissionCacheTotal.WithLabelValues(tier, result).Inc()
}

func (m *Metrics) RecordAuditWrite(logName string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.AuditWritesTotal.WithLabelValues(logName, result).Inc()
}

func (m *Metrics) ObserveAuditQuery(d time.Duration) {
	if m == nil {
		return
	}
	m.AuditQueryDuration.Observe(d.Seconds())
}

func (m *Metrics) RecordNotification(kind string, err error) {
	if m == nil {
		return
	}
	result := "ok"
	if err != nil {
		result = "error"
	}
	m.NotificationsTotal.WithLabelValues(kind, result).Inc()
}

func (m *Metrics) RecordPurged(n int64) {
	if m == nil || n <= 0 {
		return
	}
	m.NotificationsPurgedTotal.Add(float64(n))
}

func (m *Metrics) RecordBatch(operation string, succeeded, failed int) {
	if m == nil {
		return
	}
	m.BatchItemsTotal.WithLabelValues(operation, "succeeded").Add(float64(succeeded))
	m.BatchItemsTotal.WithLabelValues(operation, "failed").Add(float64(failed))
}

// HTTPMiddleware records request counts and latency per route template.
func (m *Metrics) HTTPMiddleware(route func(*http.Request) string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if m == nil {
				next.ServeHTTP(w, r)
				return
			}
			start := time.Now()
			rw := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
			next.ServeHTTP(rw, r)

			name := r.URL.Path
			if route != nil {
				if tmpl := route(r); tmpl != "" {
					name = tmpl
				}
			}
			m.HTTPRequestsTotal.WithLabelValues(r.Method, name, strconv.Itoa(rw.status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(r.Method, name).Observe(time.Since(start).Seconds())
		})
	}
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}
