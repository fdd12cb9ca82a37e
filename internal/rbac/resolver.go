package rbac

import (
	"context"
	"log/slog"
	"time"

	"github.com/warden-sec/warden/internal/audit"
)

// PermissionCache stores per-role effective permission sets. A miss is never
// an error; the resolver falls through to the graph.
type PermissionCache interface {
	Get(ctx context.Context, roleID string) ([]Permission, bool)
	Set(ctx context.Context, roleID string, perms []Permission)
	Invalidate(ctx context.Context, roleIDs ...string)
}

// Resolver answers permission checks. Resolution order is fixed: an active
// deny override on any of the user's roles wins first, then grant overrides,
// then inherited permissions gated by their conditions. The deny/grant
// outcome is always a result value; errors are reserved for backend failures.
type Resolver struct {
	store  Store
	graph  *Graph
	trail  *audit.Trail
	cache  PermissionCache
	logger *slog.Logger
	clock  func() time.Time
}

// NewResolver wires a resolver. trail and cache may be nil.
func NewResolver(store Store, graph *Graph, trail *audit.Trail, cache PermissionCache, logger *slog.Logger) *Resolver {
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		store:  store,
		graph:  graph,
		trail:  trail,
		cache:  cache,
		logger: logger,
		clock:  time.Now,
	}
}

// SetClock overrides the resolver clock. Test hook.
func (r *Resolver) SetClock(clock func() time.Time) {
	r.clock = clock
}

// Check resolves whether userID may perform op on the resource under the
// given access context. Exactly one audit event is emitted per call.
func (r *Resolver) Check(ctx context.Context, userID string, resource ResourceType, resourceID string, op Operation, access AccessContext) (PermissionResult, error) {
	now := r.clock()
	started := time.Now()

	assignments, err := r.store.AssignmentsForUser(ctx, userID)
	if err != nil {
		return PermissionResult{}, err
	}
	var active []Assignment
	for _, a := range assignments {
		if a.Active(now) && a.MatchesContext(access.ContextType, access.ContextID) {
			active = append(active, a)
		}
	}
	if len(active) == 0 {
		return r.finish(ctx, started, userID, resource, resourceID, op, access, PermissionResult{
			Granted: false,
			Reason:  "no active role assignments",
		}), nil
	}

	// Deny overrides across every role are consulted before anything can
	// grant, so a single deny is never shadowed by role ordering.
	for _, a := range active {
		overrides, err := r.store.OverridesForRole(ctx, a.RoleID)
		if err != nil {
			return PermissionResult{}, err
		}
		for _, o := range overrides {
			if o.Type != OverrideDeny {
				continue
			}
			match, err := r.overrideMatches(ctx, o, resource, op)
			if err != nil {
				return PermissionResult{}, err
			}
			if match {
				return r.finish(ctx, started, userID, resource, resourceID, op, access, PermissionResult{
					Granted: false,
					Reason:  "denied by override",
				}), nil
			}
		}
	}

	for _, a := range active {
		overrides, err := r.store.OverridesForRole(ctx, a.RoleID)
		if err != nil {
			return PermissionResult{}, err
		}
		for _, o := range overrides {
			if o.Type != OverrideGrant {
				continue
			}
			match, err := r.overrideMatches(ctx, o, resource, op)
			if err != nil {
				return PermissionResult{}, err
			}
			if match {
				return r.finish(ctx, started, userID, resource, resourceID, op, access, PermissionResult{
					Granted:       true,
					Reason:        "granted by override",
					ConditionsMet: true,
					ExpiresAt:     a.ExpiresAt,
				}), nil
			}
		}
	}

	// The first condition failure is remembered so a full deny can explain
	// what almost granted.
	var conditionFailure string
	for _, a := range active {
		perms, err := r.effectivePermissions(ctx, a.RoleID)
		if err != nil {
			return PermissionResult{}, err
		}
		for _, p := range perms {
			if p.ResourceType != resource || p.Operation != op {
				continue
			}
			conditionals, err := r.store.ConditionalsForPermission(ctx, p.ID)
			if err != nil {
				return PermissionResult{}, err
			}
			failed := false
			for _, cp := range conditionals {
				if err := EvaluateConditions(cp, now, access); err != nil {
					if conditionFailure == "" {
						conditionFailure = err.Error()
					}
					failed = true
					break
				}
			}
			if failed {
				continue
			}
			return r.finish(ctx, started, userID, resource, resourceID, op, access, PermissionResult{
				Granted:       true,
				Reason:        "granted by role",
				ConditionsMet: true,
				ExpiresAt:     a.ExpiresAt,
			}), nil
		}
	}

	reason := "no matching permission"
	if conditionFailure != "" {
		reason = conditionFailure
	}
	return r.finish(ctx, started, userID, resource, resourceID, op, access, PermissionResult{
		Granted: false,
		Reason:  reason,
	}), nil
}

// RoleNamesForUser returns the names of the user's active roles. The key
// manager gates key access on these names.
func (r *Resolver) RoleNamesForUser(ctx context.Context, userID string) ([]string, error) {
	now := r.clock()
	assignments, err := r.store.AssignmentsForUser(ctx, userID)
	if err != nil {
		return nil, err
	}
	var names []string
	seen := make(map[string]struct{})
	for _, a := range assignments {
		if !a.Active(now) {
			continue
		}
		if _, ok := seen[a.RoleID]; ok {
			continue
		}
		seen[a.RoleID] = struct{}{}
		role, err := r.store.RoleByID(ctx, a.RoleID)
		if err != nil {
			return nil, err
		}
		names = append(names, role.Name)
	}
	return names, nil
}

// overrideMatches resolves the override's permission and compares it to the
// requested resource and operation.
func (r *Resolver) overrideMatches(ctx context.Context, o Override, resource ResourceType, op Operation) (bool, error) {
	perm, err := r.store.PermissionByID(ctx, o.PermissionID)
	if err != nil {
		return false, err
	}
	return perm.ResourceType == resource && perm.Operation == op, nil
}

func (r *Resolver) effectivePermissions(ctx context.Context, roleID string) ([]Permission, error) {
	if r.cache != nil {
		if perms, ok := r.cache.Get(ctx, roleID); ok {
			return perms, nil
		}
	}
	perms, err := r.graph.InheritedPermissions(ctx, roleID)
	if err != nil {
		return nil, err
	}
	if r.cache != nil {
		r.cache.Set(ctx, roleID, perms)
	}
	return perms, nil
}

func (r *Resolver) finish(ctx context.Context, started time.Time, userID string, resource ResourceType, resourceID string, op Operation, access AccessContext, result PermissionResult) PermissionResult {
	if r.trail != nil {
		eventType := audit.EventPermissionDenied
		decision := "denied"
		if result.Granted {
			eventType = audit.EventPermissionGranted
			decision = "granted"
		}
		r.trail.Log(ctx, audit.Event{
			Type:         eventType,
			UserID:       userID,
			ClientIP:     access.ClientIP,
			ResourceType: string(resource),
			ResourceID:   resourceID,
			Operation:    string(op),
			Decision:     decision,
			Reason:       result.Reason,
			Success:      result.Granted,
			Duration:     time.Since(started),
		})
	}
	r.logger.Debug("permission check",
		slog.String("user_id", userID),
		slog.String("resource", string(resource)),
		slog.String("operation", string(op)),
		slog.Bool("granted", result.Granted),
		slog.String("reason", result.Reason))
	return result
}
