package monitor

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warden-sec/warden/internal/audit"
)

func fixedClock(t time.Time) func() time.Time {
	return func() time.Time { return t }
}

func newTestMonitor() (*Monitor, time.Time) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	m := New(Config{}, nil, nil, nil)
	m.SetClock(fixedClock(now))
	return m, now
}

func ingestN(m *Monitor, n int, base time.Time, gap time.Duration, template audit.Event) {
	for i := 0; i < n; i++ {
		e := template
		e.Timestamp = base.Add(time.Duration(i) * gap)
		m.Ingest(e)
	}
}

func TestBruteForceDetection(t *testing.T) {
	m, now := newTestMonitor()

	// Four failures stay quiet; the fifth crosses the threshold.
	ingestN(m, 4, now.Add(-10*time.Minute), time.Minute, audit.Event{
		Type: audit.EventLoginFailed, UserID: "victim", ClientIP: "10.0.0.9",
	})
	require.Empty(t, m.Alerts(false))

	m.Ingest(audit.Event{Type: audit.EventLoginFailed, UserID: "victim", ClientIP: "10.0.0.9", Timestamp: now})
	alerts := m.Alerts(false)
	require.NotEmpty(t, alerts)
	require.Equal(t, AlertBruteForce, alerts[0].Type)
	require.Equal(t, LevelHigh, alerts[0].Level)
	require.GreaterOrEqual(t, alerts[0].Confidence, 0.7)
}

func TestBruteForceDeduplicated(t *testing.T) {
	m, now := newTestMonitor()

	ingestN(m, 8, now.Add(-10*time.Minute), time.Minute, audit.Event{
		Type: audit.EventLoginFailed, UserID: "victim",
	})
	// Eight failures in one window produce one user alert, not four.
	var userAlerts []Alert
	for _, a := range m.Alerts(false) {
		if a.Subject == "victim" {
			userAlerts = append(userAlerts, a)
		}
	}
	require.Len(t, userAlerts, 1)
}

func TestFailedLoginsOutsideWindowIgnored(t *testing.T) {
	m, now := newTestMonitor()

	ingestN(m, 4, now.Add(-3*time.Hour), time.Minute, audit.Event{
		Type: audit.EventLoginFailed, UserID: "victim",
	})
	m.Ingest(audit.Event{Type: audit.EventLoginFailed, UserID: "victim", Timestamp: now})
	require.Empty(t, m.Alerts(false))
}

func TestEscalationDetection(t *testing.T) {
	m, now := newTestMonitor()

	ingestN(m, 10, now.Add(-30*time.Minute), time.Minute, audit.Event{
		Type: audit.EventPermissionDenied, UserID: "intruder", Decision: "denied",
	})
	alerts := m.Alerts(false)
	require.NotEmpty(t, alerts)
	require.Equal(t, AlertEscalationAttempt, alerts[0].Type)
	require.Equal(t, LevelMedium, alerts[0].Level)
}

func TestBulkOperationDetection(t *testing.T) {
	m, now := newTestMonitor()

	ingestN(m, 10, now.Add(-2*time.Hour), 10*time.Minute, audit.Event{
		Type: audit.EventPermissionGranted, UserID: "exfil", Operation: "delete", Decision: "granted",
	})
	alerts := m.Alerts(false)
	require.NotEmpty(t, alerts)
	require.Equal(t, AlertBulkOperation, alerts[0].Type)
}

func TestReadsDoNotCountAsBulkOps(t *testing.T) {
	m, now := newTestMonitor()

	ingestN(m, 20, now.Add(-2*time.Hour), 5*time.Minute, audit.Event{
		Type: audit.EventPermissionGranted, UserID: "reader", Operation: "read", Decision: "granted",
	})
	for _, a := range m.Alerts(false) {
		require.NotEqual(t, AlertBulkOperation, a.Type)
	}
}

func TestRoleChurnDetection(t *testing.T) {
	m, now := newTestMonitor()

	events := []audit.EventType{audit.EventRoleAssigned, audit.EventRoleRemoved, audit.EventRoleAssigned}
	for i, et := range events {
		m.Ingest(audit.Event{Type: et, UserID: "churner", Timestamp: now.Add(time.Duration(i) * time.Minute)})
	}
	alerts := m.Alerts(false)
	require.NotEmpty(t, alerts)
	require.Equal(t, AlertRoleChurn, alerts[0].Type)
}

func TestCrossBoundaryDelegation(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	m := New(Config{AdminRoleIDs: []string{"role-admin"}}, nil, nil, nil)
	m.SetClock(fixedClock(now))

	m.Ingest(audit.Event{
		Type:     audit.EventRoleDelegated,
		UserID:   "delegatee",
		Metadata: map[string]string{"role_id": "role-admin", "delegator": "boss"},
	})
	alerts := m.Alerts(false)
	require.Len(t, alerts, 1)
	require.Equal(t, AlertCrossBoundary, alerts[0].Type)
	require.Equal(t, LevelHigh, alerts[0].Level)

	// Delegating a non-admin role is quiet.
	m.Ingest(audit.Event{
		Type:     audit.EventRoleDelegated,
		UserID:   "delegatee-2",
		Metadata: map[string]string{"role_id": "role-viewer"},
	})
	require.Len(t, m.Alerts(false), 1)
}

func TestAnomalousRateDetection(t *testing.T) {
	m, now := newTestMonitor()

	// Ten events two seconds apart: mean interval far below the floor.
	ingestN(m, 10, now.Add(-time.Minute), 2*time.Second, audit.Event{
		Type: audit.EventPermissionGranted, UserID: "bot", Operation: "read", Decision: "granted",
	})
	var found bool
	for _, a := range m.Alerts(false) {
		if a.Type == AlertAnomalousRate {
			found = true
			require.GreaterOrEqual(t, a.Confidence, 0.7)
		}
	}
	require.True(t, found, "expected anomalous rate alert")
}

func TestHumanPaceDoesNotTriggerRateAlert(t *testing.T) {
	m, now := newTestMonitor()

	ingestN(m, 12, now.Add(-2*time.Hour), 10*time.Minute, audit.Event{
		Type: audit.EventPermissionGranted, UserID: "human", Operation: "read", Decision: "granted",
	})
	for _, a := range m.Alerts(false) {
		require.NotEqual(t, AlertAnomalousRate, a.Type)
	}
}

func TestOffHoursScan(t *testing.T) {
	m, now := newTestMonitor()

	// Six accesses at 03:00, well outside the 06-22 working window.
	night := now.Add(-9 * time.Hour)
	ingestN(m, 6, night, time.Minute, audit.Event{
		Type: audit.EventPermissionGranted, UserID: "owl", Operation: "read", Decision: "granted",
	})
	m.Scan()

	var found bool
	for _, a := range m.Alerts(false) {
		if a.Type == AlertUnusualTiming {
			found = true
			require.Equal(t, LevelLow, a.Level)
		}
	}
	require.True(t, found, "expected unusual timing alert")
}

func TestConfidenceGateOnlyAppliesToRateDetection(t *testing.T) {
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	m := New(Config{ConfidenceThreshold: 0.95}, nil, nil, nil)
	m.SetClock(fixedClock(now))

	// Five failures sit exactly at the threshold, confidence 0.7. The
	// deterministic detection must still fire under a strict gate.
	ingestN(m, 5, now.Add(-10*time.Minute), time.Minute, audit.Event{
		Type: audit.EventLoginFailed, UserID: "victim",
	})
	var bruteForce bool
	for _, a := range m.Alerts(false) {
		if a.Type == AlertBruteForce {
			bruteForce = true
		}
	}
	require.True(t, bruteForce, "expected brute force alert despite strict confidence gate")

	// A barely-subminute cadence yields rate confidence near 0.7, which the
	// 0.95 gate suppresses.
	ingestN(m, 10, now.Add(-10*time.Minute), 59*time.Second, audit.Event{
		Type: audit.EventPermissionGranted, UserID: "slowbot", Operation: "read", Decision: "granted",
	})
	for _, a := range m.Alerts(false) {
		require.NotEqual(t, AlertAnomalousRate, a.Type)
	}
}

func TestOffHoursMidnightBoundaryConfigurable(t *testing.T) {
	m := New(Config{OffHoursStart: 0, OffHoursEnd: 6}, nil, nil, nil)

	day := time.Date(2026, 3, 2, 0, 0, 0, 0, time.UTC)
	require.True(t, m.offHours(day.Add(3*time.Hour)))
	require.False(t, m.offHours(day.Add(7*time.Hour)))
	require.False(t, m.offHours(day.Add(23*time.Hour)))
}

func TestResolveAlert(t *testing.T) {
	m, now := newTestMonitor()

	ingestN(m, 5, now.Add(-10*time.Minute), time.Minute, audit.Event{
		Type: audit.EventLoginFailed, UserID: "victim",
	})
	alerts := m.Alerts(false)
	require.NotEmpty(t, alerts)

	require.NoError(t, m.Resolve(alerts[0].ID))
	for _, a := range m.Alerts(false) {
		require.NotEqual(t, alerts[0].ID, a.ID)
	}
	resolved := m.Alerts(true)
	require.NotEmpty(t, resolved)

	err := m.Resolve("missing")
	require.Error(t, err)
}

func TestCleanupDropsOldAlertsAndRecords(t *testing.T) {
	m, now := newTestMonitor()

	ingestN(m, 5, now.Add(-10*time.Minute), time.Minute, audit.Event{
		Type: audit.EventLoginFailed, UserID: "victim",
	})
	require.NotEmpty(t, m.Alerts(false))

	// Eight days later both the alert and the window records are gone.
	m.SetClock(fixedClock(now.Add(8 * 24 * time.Hour)))
	dropped := m.Cleanup()
	require.Equal(t, 1, dropped)
	require.Empty(t, m.Alerts(true))

	d := m.Dashboard()
	require.Zero(t, d.TrackedUsers)
}

func TestDashboardAggregates(t *testing.T) {
	m, now := newTestMonitor()

	ingestN(m, 5, now.Add(-10*time.Minute), time.Minute, audit.Event{
		Type: audit.EventLoginFailed, UserID: "victim", ClientIP: "10.0.0.9",
	})
	ingestN(m, 10, now.Add(-30*time.Minute), time.Minute, audit.Event{
		Type: audit.EventPermissionDenied, UserID: "intruder", Decision: "denied",
	})

	d := m.Dashboard()
	require.Greater(t, d.ActiveAlerts, 0)
	require.Greater(t, d.ByLevel[LevelHigh], 0)
	require.Greater(t, d.ByLevel[LevelMedium], 0)
	require.Equal(t, 2, d.TrackedUsers)
	require.Equal(t, 1, d.TrackedIPs)
}

func TestUserProfileRiskScore(t *testing.T) {
	m, now := newTestMonitor()

	ingestN(m, 6, now.Add(-time.Hour), time.Minute, audit.Event{
		Type: audit.EventLoginFailed, UserID: "risky",
	})
	ingestN(m, 8, now.Add(-2*time.Hour), time.Minute, audit.Event{
		Type: audit.EventPermissionDenied, UserID: "risky", Decision: "denied",
	})

	p := m.Profile("risky")
	require.Equal(t, 6, p.FailedLogins)
	require.Equal(t, 8, p.DeniedAccesses)
	require.Greater(t, p.RiskScore, 0.3)
	require.LessOrEqual(t, p.RiskScore, 1.0)

	clean := m.Profile("clean")
	require.Zero(t, clean.RiskScore)
}

func TestComputeMetrics(t *testing.T) {
	m, now := newTestMonitor()

	ingestN(m, 3, now.Add(-30*time.Minute), time.Minute, audit.Event{
		Type: audit.EventLoginFailed, UserID: "a",
	})
	ingestN(m, 2, now.Add(-20*time.Minute), time.Minute, audit.Event{
		Type: audit.EventPermissionDenied, UserID: "b", Decision: "denied",
	})
	ingestN(m, 6, now.Add(-15*time.Minute), time.Minute, audit.Event{
		Type: audit.EventPermissionGranted, UserID: "b", Operation: "read", Decision: "granted",
	})

	sample := m.ComputeMetrics()
	require.Equal(t, 3, sample.FailedLoginsHour)
	require.Equal(t, 2, sample.DenialsHour)
	require.InDelta(t, 0.75, sample.AccessSuccessRate, 0.001)
	require.Equal(t, sample, m.LastMetrics())
}

func TestDetectionPanicIsolated(t *testing.T) {
	m, _ := newTestMonitor()

	// A panicking rule must not take the monitor down.
	require.NotPanics(t, func() {
		m.detect("boom", func() { panic("rule bug") })
	})
}
