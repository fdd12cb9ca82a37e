package monitor

import (
	"fmt"
	"slices"
	"time"

	"github.com/warden-sec/warden/internal/audit"
)

func isFailedLogin(r record) bool {
	return r.eventType == audit.EventLoginFailed
}

func isDenial(r record) bool {
	return r.eventType == audit.EventPermissionDenied
}

func isMutation(r record) bool {
	if r.eventType != audit.EventPermissionGranted {
		return false
	}
	switch r.operation {
	case "create", "update", "delete", "share":
		return true
	}
	return false
}

func isRoleChange(r record) bool {
	return r.eventType == audit.EventRoleAssigned || r.eventType == audit.EventRoleRemoved
}

func isAccess(r record) bool {
	return r.eventType == audit.EventPermissionGranted || r.eventType == audit.EventPermissionDenied
}

// thresholdConfidence grows from the configured floor toward 1.0 as count
// exceeds threshold.
func thresholdConfidence(count, threshold int) float64 {
	c := 0.7 + 0.1*float64(count-threshold)
	if c > 1 {
		c = 1
	}
	return c
}

func (m *Monitor) detectBruteForce(e audit.Event) {
	cutoff := m.clock().Add(-m.cfg.FailedLoginWindow)
	m.mu.Lock()
	count := m.userWindowLocked(e.UserID).countSince(cutoff, isFailedLogin)
	m.mu.Unlock()
	if count < m.cfg.FailedLoginThreshold {
		return
	}
	m.raise(Alert{
		Type:        AlertBruteForce,
		Level:       LevelHigh,
		Subject:     e.UserID,
		Description: fmt.Sprintf("%d failed logins within %s", count, m.cfg.FailedLoginWindow),
		Confidence:  thresholdConfidence(count, m.cfg.FailedLoginThreshold),
		Metadata:    map[string]string{"client_ip": e.ClientIP},
	}, m.cfg.FailedLoginWindow)
}

func (m *Monitor) detectBruteForceIP(e audit.Event) {
	cutoff := m.clock().Add(-m.cfg.FailedLoginWindow)
	m.mu.Lock()
	count := m.ipWindowLocked(e.ClientIP).countSince(cutoff, isFailedLogin)
	m.mu.Unlock()
	if count < m.cfg.FailedLoginThreshold {
		return
	}
	m.raise(Alert{
		Type:        AlertBruteForce,
		Level:       LevelHigh,
		Subject:     e.ClientIP,
		Description: fmt.Sprintf("%d failed logins from one address within %s", count, m.cfg.FailedLoginWindow),
		Confidence:  thresholdConfidence(count, m.cfg.FailedLoginThreshold),
	}, m.cfg.FailedLoginWindow)
}

func (m *Monitor) detectEscalation(e audit.Event) {
	cutoff := m.clock().Add(-m.cfg.DenialWindow)
	m.mu.Lock()
	count := m.userWindowLocked(e.UserID).countSince(cutoff, isDenial)
	m.mu.Unlock()
	if count < m.cfg.DenialThreshold {
		return
	}
	m.raise(Alert{
		Type:        AlertEscalationAttempt,
		Level:       LevelMedium,
		Subject:     e.UserID,
		Description: fmt.Sprintf("%d permission denials within %s", count, m.cfg.DenialWindow),
		Confidence:  thresholdConfidence(count, m.cfg.DenialThreshold),
	}, m.cfg.DenialWindow)
}

func (m *Monitor) detectBulkOps(e audit.Event) {
	cutoff := m.clock().Add(-m.cfg.BulkOpWindow)
	m.mu.Lock()
	count := m.userWindowLocked(e.UserID).countSince(cutoff, isMutation)
	m.mu.Unlock()
	if count < m.cfg.BulkOpThreshold {
		return
	}
	m.raise(Alert{
		Type:        AlertBulkOperation,
		Level:       LevelMedium,
		Subject:     e.UserID,
		Description: fmt.Sprintf("%d mutating operations within %s", count, m.cfg.BulkOpWindow),
		Confidence:  thresholdConfidence(count, m.cfg.BulkOpThreshold),
	}, m.cfg.BulkOpWindow)
}

func (m *Monitor) detectRoleChurn(e audit.Event) {
	cutoff := m.clock().Add(-m.cfg.RoleChurnWindow)
	m.mu.Lock()
	count := m.userWindowLocked(e.UserID).countSince(cutoff, isRoleChange)
	m.mu.Unlock()
	if count < m.cfg.RoleChurnThreshold {
		return
	}
	m.raise(Alert{
		Type:        AlertRoleChurn,
		Level:       LevelMedium,
		Subject:     e.UserID,
		Description: fmt.Sprintf("%d role changes within %s", count, m.cfg.RoleChurnWindow),
		Confidence:  thresholdConfidence(count, m.cfg.RoleChurnThreshold),
	}, m.cfg.RoleChurnWindow)
}

// detectCrossBoundary flags delegation of an administrative role. The role
// ids carried in the event metadata come from the assignment engine.
func (m *Monitor) detectCrossBoundary(e audit.Event) {
	roleID := e.Metadata["role_id"]
	if roleID == "" || !slices.Contains(m.cfg.AdminRoleIDs, roleID) {
		return
	}
	m.raise(Alert{
		Type:        AlertCrossBoundary,
		Level:       LevelHigh,
		Subject:     e.UserID,
		Description: "administrative role delegated across the privilege boundary",
		Confidence:  0.9,
		Metadata: map[string]string{
			"role_id":   roleID,
			"delegator": e.Metadata["delegator"],
		},
	}, time.Hour)
}

// detectAnomalousRate compares the mean inter-event interval against the
// configured floor: sustained sub-minute cadence across enough events reads
// as scripted activity.
func (m *Monitor) detectAnomalousRate(e audit.Event) {
	cutoff := m.clock().Add(-m.cfg.EventWindow)
	m.mu.Lock()
	stamps := m.userWindowLocked(e.UserID).timestampsSince(cutoff, func(record) bool { return true })
	m.mu.Unlock()
	if len(stamps) < m.cfg.MinEventsForRate {
		return
	}
	span := stamps[len(stamps)-1].Sub(stamps[0])
	if span <= 0 {
		return
	}
	mean := span / time.Duration(len(stamps)-1)
	if mean >= m.cfg.MeanIntervalFloor {
		return
	}
	confidence := 0.7 + 0.3*(1-float64(mean)/float64(m.cfg.MeanIntervalFloor))
	m.raise(Alert{
		Type:        AlertAnomalousRate,
		Level:       LevelMedium,
		Subject:     e.UserID,
		Description: fmt.Sprintf("mean interval between events is %s across %d events", mean.Round(time.Millisecond), len(stamps)),
		Confidence:  confidence,
	}, m.cfg.EventWindow)
}

// Scan runs the detections that only make sense over the whole window, such
// as the off-hours access ratio, and prunes stale records on the way.
func (m *Monitor) Scan() {
	now := m.clock()
	cutoff := now.Add(-m.cfg.EventWindow)

	type sample struct {
		userID   string
		total    int
		offHours int
	}
	var samples []sample

	m.mu.Lock()
	for userID, w := range m.byUser {
		w.prune(cutoff)
		s := sample{userID: userID}
		w.each(func(r record) {
			if !isAccess(r) {
				return
			}
			s.total++
			if m.offHours(r.at) {
				s.offHours++
			}
		})
		if s.total >= m.cfg.OffHoursMinCount {
			samples = append(samples, s)
		}
	}
	m.mu.Unlock()

	for _, s := range samples {
		ratio := float64(s.offHours) / float64(s.total)
		if ratio <= m.cfg.OffHoursRatio {
			continue
		}
		m.detect("unusual_timing", func() {
			m.raise(Alert{
				Type:        AlertUnusualTiming,
				Level:       LevelLow,
				Subject:     s.userID,
				Description: fmt.Sprintf("%.0f%% of accesses outside working hours", ratio*100),
				Confidence:  0.7 + 0.3*(ratio-m.cfg.OffHoursRatio)/(1-m.cfg.OffHoursRatio),
			}, m.cfg.EventWindow)
		})
	}
}

// offHours reports whether t falls outside the working window. The window
// wraps midnight: with start 22 and end 6, hours 22..23 and 0..5 are off.
func (m *Monitor) offHours(t time.Time) bool {
	h := t.Hour()
	if m.cfg.OffHoursStart > m.cfg.OffHoursEnd {
		return h >= m.cfg.OffHoursStart || h < m.cfg.OffHoursEnd
	}
	return h >= m.cfg.OffHoursStart && h < m.cfg.OffHoursEnd
}
