package audit

import "time"

// EventType names a security-relevant action recorded on the trail.
type EventType string

const (
	EventLoginSuccess      EventType = "login_success"
	EventLoginFailed       EventType = "login_failed"
	EventPermissionGranted EventType = "permission_granted"
	EventPermissionDenied  EventType = "permission_denied"
	EventRoleAssigned      EventType = "role_assigned"
	EventRoleRemoved       EventType = "role_removed"
	EventRoleDelegated     EventType = "role_delegated"
	EventRoleRevoked       EventType = "role_revoked"
	EventKeyCreated        EventType = "key_created"
	EventKeyRotated        EventType = "key_rotated"
	EventKeyAccessDenied   EventType = "key_access_denied"
	EventDataEncrypted     EventType = "data_encrypted"
	EventDataDecrypted     EventType = "data_decrypted"
	EventShareCreated      EventType = "share_created"
	EventAnomalyDetected   EventType = "anomaly_detected"
	EventSecurityViolation EventType = "security_violation"
)

// Event is one immutable record on the audit trail. The trail fills ID and
// Timestamp on append; callers never mutate an event after logging it.
type Event struct {
	ID        string
	Type      EventType
	Timestamp time.Time

	UserID   string
	Username string
	ClientIP string

	ResourceType string
	ResourceID   string
	Operation    string

	// Decision is "granted" or "denied" for permission events, empty otherwise.
	Decision string
	Reason   string

	// Success records whether the audited action went through; denials and
	// rejected key access log Success false.
	Success bool
	// Duration is how long the audited operation took, when measured.
	Duration time.Duration

	Metadata map[string]string
}

// Query filters trail reads. Zero-valued fields are ignored.
type Query struct {
	UserID string
	Type   EventType
	From   time.Time
	To     time.Time
	Limit  int
}

// Matches reports whether an event satisfies every set filter.
func (q Query) Matches(e Event) bool {
	if q.UserID != "" && e.UserID != q.UserID {
		return false
	}
	if q.Type != "" && e.Type != q.Type {
		return false
	}
	if !q.From.IsZero() && e.Timestamp.Before(q.From) {
		return false
	}
	if !q.To.IsZero() && e.Timestamp.After(q.To) {
		return false
	}
	return true
}
