package observability

import (
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/warden-sec/warden/internal/monitor"
)

// Metrics holds the Prometheus registry and every exported series.
type Metrics struct {
	registry        *prometheus.Registry
	handler         http.Handler
	requestsTotal   *prometheus.CounterVec
	requestDuration *prometheus.HistogramVec

	permissionChecks *prometheus.CounterVec
	securityAlerts   *prometheus.CounterVec
	keyOperations    *prometheus.CounterVec
	auditEvents      *prometheus.CounterVec

	failedLoginsHour  prometheus.Gauge
	denialsHour       prometheus.Gauge
	accessSuccessRate prometheus.Gauge
	activeAlerts      prometheus.Gauge
}

// NewMetrics initializes the registry and all series.
func NewMetrics() *Metrics {
	registry := prometheus.NewRegistry()
	requests := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_http_requests_total",
		Help: "HTTP requests by route and status code.",
	}, []string{"route", "code"})
	duration := prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "warden_http_request_duration_seconds",
		Help:    "HTTP request duration by route.",
		Buckets: prometheus.DefBuckets,
	}, []string{"route"})
	checks := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_permission_checks_total",
		Help: "Permission check outcomes.",
	}, []string{"decision"})
	alerts := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_security_alerts_total",
		Help: "Security alerts raised by type and threat level.",
	}, []string{"type", "level"})
	keyOps := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_key_operations_total",
		Help: "Key manager operations.",
	}, []string{"operation"})
	auditEvents := prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "warden_audit_events_total",
		Help: "Audit events recorded by type.",
	}, []string{"type"})
	failedLogins := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_failed_logins_last_hour",
		Help: "Failed logins observed in the last hour.",
	})
	denials := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_permission_denials_last_hour",
		Help: "Permission denials observed in the last hour.",
	})
	successRate := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_access_success_rate",
		Help: "Share of permission checks granted in the last hour.",
	})
	activeAlerts := prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "warden_active_alerts",
		Help: "Unresolved security alerts.",
	})
	registry.MustRegister(requests, duration, checks, alerts, keyOps, auditEvents,
		failedLogins, denials, successRate, activeAlerts)
	return &Metrics{
		registry:          registry,
		handler:           promhttp.HandlerFor(registry, promhttp.HandlerOpts{}),
		requestsTotal:     requests,
		requestDuration:   duration,
		permissionChecks:  checks,
		securityAlerts:    alerts,
		keyOperations:     keyOps,
		auditEvents:       auditEvents,
		failedLoginsHour:  failedLogins,
		denialsHour:       denials,
		accessSuccessRate: successRate,
		activeAlerts:      activeAlerts,
	}
}

// Handler returns the http.Handler for the /metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, http.StatusText(http.StatusServiceUnavailable), http.StatusServiceUnavailable)
		})
	}
	return m.handler
}

// Middleware records request count and duration for every HTTP request.
func (m *Metrics) Middleware(next http.Handler) http.Handler {
	if m == nil {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		recorder := statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(&recorder, r)
		route := routePattern(r)
		m.requestsTotal.WithLabelValues(route, strconv.Itoa(recorder.status)).Inc()
		m.requestDuration.WithLabelValues(route).Observe(time.Since(start).Seconds())
	})
}

// Registerer exposes the registry for custom series.
func (m *Metrics) Registerer() prometheus.Registerer {
	if m == nil {
		return prometheus.DefaultRegisterer
	}
	return m.registry
}

// PermissionCheck counts one resolver decision.
func (m *Metrics) PermissionCheck(granted bool) {
	if m == nil {
		return
	}
	decision := "denied"
	if granted {
		decision = "granted"
	}
	m.permissionChecks.WithLabelValues(decision).Inc()
}

// KeyOperation counts one key manager operation.
func (m *Metrics) KeyOperation(op string) {
	if m == nil {
		return
	}
	m.keyOperations.WithLabelValues(op).Inc()
}

// AuditEvent counts one recorded audit event.
func (m *Metrics) AuditEvent(eventType string) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(eventType).Inc()
}

// AlertRaised implements monitor.MetricsRecorder.
func (m *Metrics) AlertRaised(alertType, level string) {
	if m == nil {
		return
	}
	m.securityAlerts.WithLabelValues(alertType, level).Inc()
}

// SecuritySample implements monitor.MetricsRecorder.
func (m *Metrics) SecuritySample(sample monitor.SecurityMetrics) {
	if m == nil {
		return
	}
	m.failedLoginsHour.Set(float64(sample.FailedLoginsHour))
	m.denialsHour.Set(float64(sample.DenialsHour))
	m.accessSuccessRate.Set(sample.AccessSuccessRate)
	m.activeAlerts.Set(float64(sample.ActiveAlerts))
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func routePattern(r *http.Request) string {
	if routeCtx := chi.RouteContext(r.Context()); routeCtx != nil {
		if pattern := routeCtx.RoutePattern(); pattern != "" {
			return pattern
		}
	}
	return "unknown"
}
