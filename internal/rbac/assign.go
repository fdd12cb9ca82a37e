package rbac

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"github.com/warden-sec/warden/internal/audit"
	"github.com/warden-sec/warden/internal/shared"
)

// Engine manages role assignments: rule-driven automatic assignment, direct
// grants, and the delegation lifecycle.
type Engine struct {
	store  Store
	trail  *audit.Trail
	cache  PermissionCache
	locks  *shared.KeyedMutex
	logger *slog.Logger
	clock  func() time.Time
}

// NewEngine constructs the assignment engine. trail and cache may be nil.
func NewEngine(store Store, trail *audit.Trail, cache PermissionCache, logger *slog.Logger) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:  store,
		trail:  trail,
		cache:  cache,
		locks:  shared.NewKeyedMutex(),
		logger: logger,
		clock:  time.Now,
	}
}

// SetClock overrides the engine clock. Test hook.
func (e *Engine) SetClock(clock func() time.Time) {
	e.clock = clock
}

// Assign grants a role to a user and records the grant on the trail.
func (e *Engine) Assign(ctx context.Context, a Assignment) (Assignment, error) {
	created, err := e.store.CreateAssignment(ctx, a)
	if err != nil {
		return Assignment{}, err
	}
	e.log(ctx, audit.EventRoleAssigned, created.UserID, created.RoleID, nil)
	return created, nil
}

// Remove deactivates a user's role assignment.
func (e *Engine) Remove(ctx context.Context, userID, roleID string) error {
	if err := e.store.DeactivateAssignment(ctx, userID, roleID); err != nil {
		return err
	}
	e.log(ctx, audit.EventRoleRemoved, userID, roleID, nil)
	return nil
}

// ProcessRules runs every active rule registered for the trigger against the
// user snapshot. Assignment is idempotent: a user already holding the target
// role is skipped without error. The evaluation order of rules is
// unspecified.
func (e *Engine) ProcessRules(ctx context.Context, snapshot UserSnapshot, trigger TriggerType) ([]Assignment, error) {
	rules, err := e.store.RulesByTrigger(ctx, trigger)
	if err != nil {
		return nil, err
	}
	existing, err := e.store.AssignmentsForUser(ctx, snapshot.UserID)
	if err != nil {
		return nil, err
	}
	now := e.clock()
	held := map[string]bool{}
	for _, a := range existing {
		if a.Active(now) {
			held[a.RoleID] = true
		}
	}

	var created []Assignment
	for _, rule := range rules {
		if !e.ruleApplies(rule.Conditions, snapshot) {
			continue
		}
		if held[rule.TargetRoleID] {
			continue
		}
		a, err := e.store.CreateAssignment(ctx, Assignment{
			UserID: snapshot.UserID,
			RoleID: rule.TargetRoleID,
			Conditions: map[string]string{
				"rule_id":   rule.ID,
				"rule_name": rule.Name,
			},
		})
		if err != nil {
			return created, fmt.Errorf("rbac: rule %q: %w", rule.Name, err)
		}
		held[rule.TargetRoleID] = true
		created = append(created, a)
		e.log(ctx, audit.EventRoleAssigned, snapshot.UserID, rule.TargetRoleID, map[string]string{"rule": rule.Name})
	}
	return created, nil
}

func (e *Engine) ruleApplies(c RuleConditions, snapshot UserSnapshot) bool {
	if c.CreatedAfter != nil && !snapshot.CreatedAt.After(*c.CreatedAfter) {
		return false
	}
	if c.CreatedBefore != nil && !snapshot.CreatedAt.Before(*c.CreatedBefore) {
		return false
	}
	if c.HasRole != "" {
		found := false
		for _, name := range snapshot.RoleNames {
			if FoldName(name) == FoldName(c.HasRole) {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	for k, want := range c.Metadata {
		if snapshot.Metadata[k] != want {
			return false
		}
	}
	return true
}

// Delegate lends a role from delegator to delegatee. The delegator must hold
// an active assignment of the role; delegation cannot mint authority the
// delegator lacks.
func (e *Engine) Delegate(ctx context.Context, d Delegation) (Delegation, error) {
	now := e.clock()
	assignments, err := e.store.AssignmentsForUser(ctx, d.DelegatorUserID)
	if err != nil {
		return Delegation{}, err
	}
	holds := slices.ContainsFunc(assignments, func(a Assignment) bool {
		return a.RoleID == d.RoleID && a.Active(now)
	})
	if !holds {
		return Delegation{}, fmt.Errorf("rbac: delegator %s does not hold role %s: %w", d.DelegatorUserID, d.RoleID, shared.ErrAccessDenied)
	}
	if d.ExpiresAt != nil && !d.ExpiresAt.After(now) {
		return Delegation{}, fmt.Errorf("rbac: delegation expiry in the past: %w", shared.ErrExpired)
	}

	created, err := e.store.CreateDelegation(ctx, d)
	if err != nil {
		return Delegation{}, err
	}
	_, err = e.store.CreateAssignment(ctx, Assignment{
		UserID:      created.DelegateeUserID,
		RoleID:      created.RoleID,
		ContextType: created.ContextType,
		ContextID:   created.ContextID,
		ExpiresAt:   created.ExpiresAt,
		Conditions:  map[string]string{"delegation_id": created.ID},
	})
	if err != nil {
		// Roll the record back so a half-applied delegation never grants.
		if _, derr := e.store.DeactivateDelegation(ctx, created.ID); derr != nil {
			e.logger.Error("delegation rollback failed",
				slog.String("delegation_id", created.ID),
				slog.Any("error", derr))
		}
		return Delegation{}, fmt.Errorf("rbac: delegation grant: %w", err)
	}
	e.log(ctx, audit.EventRoleDelegated, created.DelegateeUserID, created.RoleID, map[string]string{
		"delegator":     created.DelegatorUserID,
		"delegation_id": created.ID,
	})
	return created, nil
}

// Revoke ends a delegation: the record is deactivated first, then the
// delegatee's grant is removed. Deactivation is a compare-and-set, so
// concurrent revokes see exactly one winner; the loser gets ErrNotFound.
// A partial failure reports which step failed.
func (e *Engine) Revoke(ctx context.Context, delegationID string) error {
	unlock := e.locks.Lock(shared.DelegationLockKey(delegationID))
	defer unlock()

	d, err := e.store.DeactivateDelegation(ctx, delegationID)
	if err != nil {
		return fmt.Errorf("rbac: revoke: deactivate record: %w", err)
	}
	if err := e.store.DeactivateAssignment(ctx, d.DelegateeUserID, d.RoleID); err != nil {
		return fmt.Errorf("rbac: revoke: remove delegated grant: %w", err)
	}
	if e.cache != nil {
		e.cache.Invalidate(ctx, d.RoleID)
	}
	e.log(ctx, audit.EventRoleRevoked, d.DelegateeUserID, d.RoleID, map[string]string{
		"delegator":     d.DelegatorUserID,
		"delegation_id": d.ID,
	})
	return nil
}

// ExpireDelegations revokes every delegation past its expiry. Failures are
// logged per delegation; the sweep keeps going.
func (e *Engine) ExpireDelegations(ctx context.Context) (int, error) {
	expired, err := e.store.ExpiredDelegations(ctx, e.clock())
	if err != nil {
		return 0, err
	}
	revoked := 0
	for _, d := range expired {
		if err := e.Revoke(ctx, d.ID); err != nil {
			e.logger.Warn("expire delegation",
				slog.String("delegation_id", d.ID),
				slog.Any("error", err))
			continue
		}
		revoked++
	}
	return revoked, nil
}

func (e *Engine) log(ctx context.Context, eventType audit.EventType, userID, roleID string, meta map[string]string) {
	if e.trail == nil {
		return
	}
	if meta == nil {
		meta = map[string]string{}
	}
	meta["role_id"] = roleID
	e.trail.Log(ctx, audit.Event{
		Type:     eventType,
		UserID:   userID,
		Success:  true,
		Metadata: meta,
	})
}
