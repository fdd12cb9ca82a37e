package observability

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/warden-sec/warden/internal/monitor"
)

func TestMetricsMiddlewareAndHandler(t *testing.T) {
	m := NewMetrics()

	h := m.Middleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	}))
	req := httptest.NewRequest(http.MethodGet, "/x", nil)
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	if rec.Code != http.StatusTeapot {
		t.Fatalf("status = %d, want %d", rec.Code, http.StatusTeapot)
	}

	m.PermissionCheck(true)
	m.PermissionCheck(false)
	m.AlertRaised("brute_force", "high")
	m.KeyOperation("rotate")
	m.AuditEvent("login_failed")
	m.SecuritySample(monitor.SecurityMetrics{
		ComputedAt:        time.Now(),
		FailedLoginsHour:  3,
		DenialsHour:       1,
		AccessSuccessRate: 0.9,
		ActiveAlerts:      2,
	})

	metricsReq := httptest.NewRequest(http.MethodGet, "/metrics", nil)
	metricsRec := httptest.NewRecorder()
	m.Handler().ServeHTTP(metricsRec, metricsReq)
	body := metricsRec.Body.String()

	for _, want := range []string{
		"warden_http_requests_total",
		`warden_permission_checks_total{decision="granted"} 1`,
		`warden_permission_checks_total{decision="denied"} 1`,
		`warden_security_alerts_total{level="high",type="brute_force"} 1`,
		`warden_key_operations_total{operation="rotate"} 1`,
		"warden_failed_logins_last_hour 3",
		"warden_active_alerts 2",
	} {
		if !strings.Contains(body, want) {
			t.Fatalf("metrics output missing %q", want)
		}
	}
}

func TestNilMetricsIsSafe(t *testing.T) {
	var m *Metrics
	m.PermissionCheck(true)
	m.AlertRaised("x", "y")
	m.KeyOperation("create")
	m.SecuritySample(monitor.SecurityMetrics{})
	if m.Middleware(nil) != nil {
		t.Fatal("nil metrics middleware should pass through")
	}
}
