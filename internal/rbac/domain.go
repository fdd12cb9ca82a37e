package rbac

import (
	"fmt"
	"net/netip"
	"time"

	"golang.org/x/text/cases"

	"github.com/warden-sec/warden/internal/shared"
)

// ResourceType classifies the object a permission applies to.
type ResourceType string

const (
	ResourceNote     ResourceType = "note"
	ResourceTodo     ResourceType = "todo"
	ResourceEmail    ResourceType = "email"
	ResourceDocument ResourceType = "document"
	ResourceWorld    ResourceType = "world"
	ResourceTool     ResourceType = "tool"
	ResourceUser     ResourceType = "user"
	ResourceSystem   ResourceType = "system"
)

// Operation is the action a permission allows on a resource.
type Operation string

const (
	OpCreate  Operation = "create"
	OpRead    Operation = "read"
	OpUpdate  Operation = "update"
	OpDelete  Operation = "delete"
	OpShare   Operation = "share"
	OpExecute Operation = "execute"
	OpManage  Operation = "manage"
)

// Scope is the breadth of a grant.
type Scope string

const (
	ScopeOwn          Scope = "own"
	ScopeTeam         Scope = "team"
	ScopeOrganization Scope = "organization"
	ScopeGlobal       Scope = "global"
)

// InheritanceType controls how a child role pulls permissions from a parent.
type InheritanceType string

const (
	InheritFull    InheritanceType = "full"
	InheritPartial InheritanceType = "partial"
	InheritNone    InheritanceType = "none"
)

// OverrideType is the effect of a per-role permission override.
type OverrideType string

const (
	OverrideGrant  OverrideType = "grant"
	OverrideDeny   OverrideType = "deny"
	OverrideModify OverrideType = "modify"
)

// TriggerType names the event that causes assignment rules to run.
type TriggerType string

const (
	TriggerUserCreated  TriggerType = "user_created"
	TriggerTimeBased    TriggerType = "time_based"
	TriggerConditionMet TriggerType = "condition_met"
)

var nameFolder = cases.Fold()

// FoldName normalizes role and permission names for case-insensitive lookup.
func FoldName(name string) string {
	return nameFolder.String(name)
}

// Role is a named permission grouping with an advisory seniority level.
type Role struct {
	ID           string
	Name         string
	Description  string
	Level        int
	ParentRoleID string
	IsSystemRole bool
	IsActive     bool
	Metadata     map[string]string
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// Validate rejects malformed roles before they reach the store.
func (r Role) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rbac: role name required")
	}
	if r.Level < 0 || r.Level > 100 {
		return fmt.Errorf("rbac: role level must be within 0..100, got %d", r.Level)
	}
	return nil
}

// Permission is an atomic capability on a resource type.
type Permission struct {
	ID           string
	Name         string
	ResourceType ResourceType
	Operation    Operation
	Scope        Scope
	Conditions   map[string]any
	IsActive     bool
	CreatedAt    time.Time
}

// HierarchyEdge links a parent role to a child role. The graph must stay
// acyclic; the store rejects edges that would close a cycle.
type HierarchyEdge struct {
	ID              string
	ParentRoleID    string
	ChildRoleID     string
	InheritanceType InheritanceType
	// InheritedPermissionIDs limits inheritance when the type is partial.
	InheritedPermissionIDs []string
	// ExcludedPermissionIDs blocks inheritance when the type is full.
	ExcludedPermissionIDs []string
	IsActive              bool
	CreatedAt             time.Time
}

// Assignment ties a user to a role, optionally scoped to a context and
// bounded in time. Removal deactivates rather than deletes, preserving the
// audit history.
type Assignment struct {
	ID          string
	UserID      string
	RoleID      string
	ContextType string
	ContextID   string
	AssignedAt  time.Time
	ExpiresAt   *time.Time
	IsActive    bool
	Conditions  map[string]string
}

// Active reports whether the assignment is usable at the given instant.
func (a Assignment) Active(now time.Time) bool {
	if !a.IsActive {
		return false
	}
	if a.ExpiresAt != nil && now.After(*a.ExpiresAt) {
		return false
	}
	return true
}

// MatchesContext reports whether the assignment applies under the requested
// context filter. Unscoped assignments apply everywhere.
func (a Assignment) MatchesContext(contextType, contextID string) bool {
	if contextType == "" {
		return true
	}
	if a.ContextType == "" {
		return true
	}
	return a.ContextType == contextType && a.ContextID == contextID
}

// TimeCondition gates access to a window of instants, weekdays, and hours,
// interpreted in the configured timezone (UTC when empty).
type TimeCondition struct {
	StartTime  *time.Time
	EndTime    *time.Time
	DaysOfWeek []int
	HoursOfDay []int
	Timezone   string
}

// Validate checks field ranges and that the timezone resolves.
func (c TimeCondition) Validate() error {
	for _, d := range c.DaysOfWeek {
		if d < 0 || d > 6 {
			return fmt.Errorf("rbac: day of week out of range: %d", d)
		}
	}
	for _, h := range c.HoursOfDay {
		if h < 0 || h > 23 {
			return fmt.Errorf("rbac: hour of day out of range: %d", h)
		}
	}
	if c.Timezone != "" {
		if _, err := time.LoadLocation(c.Timezone); err != nil {
			return fmt.Errorf("rbac: invalid timezone %q: %w", c.Timezone, err)
		}
	}
	return nil
}

// Location resolves the condition's timezone, defaulting to UTC.
func (c TimeCondition) Location() *time.Location {
	if c.Timezone == "" {
		return time.UTC
	}
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// IPCondition gates access by client address. Block lists are evaluated
// before allow lists.
type IPCondition struct {
	AllowedIPs   []string
	BlockedIPs   []string
	AllowedCIDRs []string
	BlockedCIDRs []string
}

// Validate parses every configured address and prefix.
func (c IPCondition) Validate() error {
	for _, raw := range append(append([]string{}, c.AllowedIPs...), c.BlockedIPs...) {
		if _, err := netip.ParseAddr(raw); err != nil {
			return fmt.Errorf("rbac: invalid IP %q: %w", raw, err)
		}
	}
	for _, raw := range append(append([]string{}, c.AllowedCIDRs...), c.BlockedCIDRs...) {
		if _, err := netip.ParsePrefix(raw); err != nil {
			return fmt.Errorf("rbac: invalid CIDR %q: %w", raw, err)
		}
	}
	return nil
}

// DeviceCondition gates access by user agent and device class.
type DeviceCondition struct {
	AllowedUserAgents  []string
	BlockedUserAgents  []string
	AllowedDeviceTypes []string
	// RequireVerification rejects unless the request context asserts a
	// verified device. Verification itself belongs to the identity layer.
	RequireVerification bool
}

// ConditionalPermission wraps a permission with optional gates per category.
type ConditionalPermission struct {
	ID           string
	PermissionID string
	Time         *TimeCondition
	IP           *IPCondition
	Device       *DeviceCondition
	IsActive     bool
	CreatedAt    time.Time
}

// Validate checks every configured condition category.
func (c ConditionalPermission) Validate() error {
	if c.PermissionID == "" {
		return fmt.Errorf("rbac: conditional permission requires a permission id")
	}
	if c.Time != nil {
		if err := c.Time.Validate(); err != nil {
			return err
		}
	}
	if c.IP != nil {
		if err := c.IP.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// Override is a per-role exception that grants or denies a permission
// regardless of inherited state. An active deny always wins.
type Override struct {
	ID           string
	RoleID       string
	PermissionID string
	Type         OverrideType
	Conditions   map[string]any
	IsActive     bool
	CreatedAt    time.Time
}

// Delegation is a time-boxed, revocable grant of a role between principals.
type Delegation struct {
	ID              string
	DelegatorUserID string
	DelegateeUserID string
	RoleID          string
	ContextType     string
	ContextID       string
	DelegatedAt     time.Time
	ExpiresAt       *time.Time
	IsActive        bool
}

// Expired reports whether the delegation is past its validity.
func (d Delegation) Expired(now time.Time) bool {
	return d.ExpiresAt != nil && now.After(*d.ExpiresAt)
}

// RuleConditions is the closed set of predicates an assignment rule can test
// against a user snapshot. Unknown condition keys are rejected at
// construction instead of being ignored at evaluation time.
type RuleConditions struct {
	CreatedAfter  *time.Time
	CreatedBefore *time.Time
	HasRole       string
	Metadata      map[string]string
}

// AssignmentRule auto-assigns a role when its trigger fires and its
// conditions hold for the user snapshot.
type AssignmentRule struct {
	ID           string
	Name         string
	Description  string
	Trigger      TriggerType
	TargetRoleID string
	Conditions   RuleConditions
	IsActive     bool
	CreatedAt    time.Time
}

// Validate rejects malformed rules.
func (r AssignmentRule) Validate() error {
	if r.Name == "" {
		return fmt.Errorf("rbac: rule name required")
	}
	if r.TargetRoleID == "" {
		return fmt.Errorf("rbac: rule target role required")
	}
	switch r.Trigger {
	case TriggerUserCreated, TriggerTimeBased, TriggerConditionMet:
	default:
		return fmt.Errorf("rbac: unknown trigger type %q", r.Trigger)
	}
	return nil
}

// UserSnapshot is the view of a user that assignment rules evaluate against.
// It is supplied by the identity layer at trigger time.
type UserSnapshot struct {
	UserID    string
	Username  string
	CreatedAt time.Time
	RoleNames []string
	Metadata  map[string]string
}

// PermissionResult is the outcome of a permission check. Deny/grant is a
// value, never an error, so callers cannot fail open by mishandling a panic
// or a thrown error.
type PermissionResult struct {
	Granted       bool
	Reason        string
	ConditionsMet bool
	ExpiresAt     *time.Time
}

// AccessContext aliases the shared request context for package-local use.
type AccessContext = shared.AccessContext
