package monitor

import (
	"time"
)

const profileWindow = 7 * 24 * time.Hour
const recentAlertLimit = 20

// Dashboard snapshots the current security posture.
func (m *Monitor) Dashboard() Dashboard {
	now := m.clock()
	d := Dashboard{
		GeneratedAt: now,
		ByLevel:     make(map[ThreatLevel]int),
		ByType:      make(map[AlertType]int),
	}

	alerts := m.Alerts(false)
	d.ActiveAlerts = len(alerts)
	for _, a := range alerts {
		d.ByLevel[a.Level]++
		d.ByType[a.Type]++
	}
	if len(alerts) > recentAlertLimit {
		alerts = alerts[:recentAlertLimit]
	}
	d.RecentAlerts = alerts

	m.mu.Lock()
	d.TrackedUsers = len(m.byUser)
	d.TrackedIPs = len(m.byIP)
	for _, w := range m.byUser {
		d.WindowedItems += w.len()
	}
	m.mu.Unlock()
	return d
}

// Profile builds the rolling seven-day security view of one user. The risk
// score weighs failed logins, denials, off-hours activity, and open alerts
// into [0,1].
func (m *Monitor) Profile(userID string) UserProfile {
	now := m.clock()
	cutoff := now.Add(-profileWindow)
	p := UserProfile{UserID: userID, GeneratedAt: now}

	m.mu.Lock()
	if w, ok := m.byUser[userID]; ok {
		offHours := 0
		w.each(func(r record) {
			if r.at.Before(cutoff) {
				return
			}
			switch {
			case isFailedLogin(r):
				p.FailedLogins++
			case isDenial(r):
				p.DeniedAccesses++
				p.TotalAccesses++
			case isAccess(r):
				p.TotalAccesses++
			}
			if isAccess(r) && m.offHours(r.at) {
				offHours++
			}
		})
		if p.TotalAccesses > 0 {
			p.OffHoursRatio = float64(offHours) / float64(p.TotalAccesses)
		}
	}
	for _, a := range m.alerts {
		if a.Subject == userID && !a.Resolved {
			p.ActiveAlerts++
		}
	}
	m.mu.Unlock()

	p.RiskScore = riskScore(p)
	return p
}

func riskScore(p UserProfile) float64 {
	score := 0.0
	score += capped(float64(p.FailedLogins)/10, 0.3)
	score += capped(float64(p.DeniedAccesses)/20, 0.3)
	score += capped(p.OffHoursRatio, 0.2)
	score += capped(float64(p.ActiveAlerts)/5, 0.2)
	if score > 1 {
		score = 1
	}
	return score
}

func capped(v, max float64) float64 {
	if v > max {
		return max
	}
	if v < 0 {
		return 0
	}
	return v
}

// ComputeMetrics takes one sample of the security metrics series and hands
// it to the recorder.
func (m *Monitor) ComputeMetrics() SecurityMetrics {
	now := m.clock()
	hourAgo := now.Add(-time.Hour)

	sample := SecurityMetrics{ComputedAt: now}
	granted := 0

	m.mu.Lock()
	for _, w := range m.byUser {
		sample.FailedLoginsHour += w.countSince(hourAgo, isFailedLogin)
		sample.DenialsHour += w.countSince(hourAgo, isDenial)
		granted += w.countSince(hourAgo, func(r record) bool {
			return r.decision == "granted"
		})
	}
	for _, a := range m.alerts {
		if !a.Resolved {
			sample.ActiveAlerts++
		}
	}
	m.mu.Unlock()

	if total := granted + sample.DenialsHour; total > 0 {
		sample.AccessSuccessRate = float64(granted) / float64(total)
	} else {
		sample.AccessSuccessRate = 1
	}

	m.mu.Lock()
	m.lastSample = sample
	m.mu.Unlock()

	if m.metrics != nil {
		m.metrics.SecuritySample(sample)
	}
	return sample
}

// LastMetrics returns the most recent metrics sample.
func (m *Monitor) LastMetrics() SecurityMetrics {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.lastSample
}
