package rbac

import (
	"context"
	"time"
)

// Store is the persistence contract for the role graph and its satellites.
// Implementations translate backend failures into the shared error taxonomy:
// missing rows become shared.ErrNotFound, uniqueness conflicts become
// shared.ErrAlreadyExists, and timeouts become shared.ErrBackendUnavailable.
type Store interface {
	CreateRole(ctx context.Context, role Role) (Role, error)
	RoleByID(ctx context.Context, id string) (Role, error)
	// RoleByName matches case-insensitively via folded names.
	RoleByName(ctx context.Context, name string) (Role, error)
	ListRoles(ctx context.Context) ([]Role, error)

	CreatePermission(ctx context.Context, perm Permission) (Permission, error)
	PermissionByID(ctx context.Context, id string) (Permission, error)
	PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error)
	AttachPermission(ctx context.Context, roleID, permissionID string) error

	CreateEdge(ctx context.Context, edge HierarchyEdge) (HierarchyEdge, error)
	EdgesByChild(ctx context.Context, childRoleID string) ([]HierarchyEdge, error)

	CreateAssignment(ctx context.Context, a Assignment) (Assignment, error)
	AssignmentsForUser(ctx context.Context, userID string) ([]Assignment, error)
	// DeactivateAssignment flips the active assignment of role to user off.
	// Returns shared.ErrNotFound when no active assignment matches.
	DeactivateAssignment(ctx context.Context, userID, roleID string) error

	CreateConditionalPermission(ctx context.Context, cp ConditionalPermission) (ConditionalPermission, error)
	ConditionalsForPermission(ctx context.Context, permissionID string) ([]ConditionalPermission, error)

	CreateOverride(ctx context.Context, o Override) (Override, error)
	OverridesForRole(ctx context.Context, roleID string) ([]Override, error)

	CreateRule(ctx context.Context, rule AssignmentRule) (AssignmentRule, error)
	RulesByTrigger(ctx context.Context, trigger TriggerType) ([]AssignmentRule, error)

	CreateDelegation(ctx context.Context, d Delegation) (Delegation, error)
	DelegationByID(ctx context.Context, id string) (Delegation, error)
	// DeactivateDelegation atomically flips an active delegation off. It
	// returns shared.ErrNotFound when the delegation is already inactive or
	// absent, which keeps revocation idempotent under concurrent callers.
	DeactivateDelegation(ctx context.Context, id string) (Delegation, error)
	ExpiredDelegations(ctx context.Context, now time.Time) ([]Delegation, error)

	Health(ctx context.Context) error
}
