package monitor

import "time"

// ThreatLevel ranks alert severity.
type ThreatLevel string

const (
	LevelLow      ThreatLevel = "low"
	LevelMedium   ThreatLevel = "medium"
	LevelHigh     ThreatLevel = "high"
	LevelCritical ThreatLevel = "critical"
)

// AlertType names a detection.
type AlertType string

const (
	AlertBruteForce        AlertType = "brute_force"
	AlertEscalationAttempt AlertType = "privilege_escalation"
	AlertUnusualTiming     AlertType = "unusual_timing"
	AlertBulkOperation     AlertType = "bulk_operation"
	AlertRoleChurn         AlertType = "role_churn"
	AlertCrossBoundary     AlertType = "cross_boundary_delegation"
	AlertAnomalousRate     AlertType = "anomalous_rate"
)

// Alert is one finding raised by a detection. Subject is the user or client
// address the finding is about.
type Alert struct {
	ID          string
	Type        AlertType
	Level       ThreatLevel
	Subject     string
	Description string
	// Confidence in [0,1]; detections only raise at or above the
	// configured threshold.
	Confidence float64
	DetectedAt time.Time
	Resolved   bool
	ResolvedAt *time.Time
	Metadata   map[string]string
}

// Dashboard aggregates the live security posture.
type Dashboard struct {
	GeneratedAt   time.Time
	ActiveAlerts  int
	ByLevel       map[ThreatLevel]int
	ByType        map[AlertType]int
	RecentAlerts  []Alert
	TrackedUsers  int
	TrackedIPs    int
	WindowedItems int
}

// UserProfile is the rolling seven-day security view of one user.
type UserProfile struct {
	UserID         string
	GeneratedAt    time.Time
	FailedLogins   int
	DeniedAccesses int
	TotalAccesses  int
	OffHoursRatio  float64
	ActiveAlerts   int
	RiskScore      float64
}

// SecurityMetrics is one sample of the periodic metrics series.
type SecurityMetrics struct {
	ComputedAt        time.Time
	FailedLoginsHour  int
	DenialsHour       int
	AccessSuccessRate float64
	ActiveAlerts      int
}
