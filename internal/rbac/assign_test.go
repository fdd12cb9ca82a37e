package rbac

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/warden-sec/warden/internal/audit"
	"github.com/warden-sec/warden/internal/shared"
)

func newEngineFixture(t *testing.T) (*MemoryStore, *audit.MemorySink, *Engine) {
	t.Helper()
	store := NewMemoryStore()
	sink := audit.NewMemorySink()
	trail := audit.NewTrail(sink, nil)
	return store, sink, NewEngine(store, trail, nil, nil)
}

func TestProcessRulesAssignsMatchingRule(t *testing.T) {
	ctx := context.Background()
	store, _, engine := newEngineFixture(t)

	member := seedRole(t, store, "member")
	_, err := store.CreateRule(ctx, AssignmentRule{
		Name:         "new users become members",
		Trigger:      TriggerUserCreated,
		TargetRoleID: member.ID,
	})
	require.NoError(t, err)

	snapshot := UserSnapshot{UserID: "user-1", CreatedAt: time.Now()}
	created, err := engine.ProcessRules(ctx, snapshot, TriggerUserCreated)
	require.NoError(t, err)
	require.Len(t, created, 1)
	require.Equal(t, member.ID, created[0].RoleID)

	// Running the same trigger again must not duplicate the grant.
	created, err = engine.ProcessRules(ctx, snapshot, TriggerUserCreated)
	require.NoError(t, err)
	require.Empty(t, created)
}

func TestProcessRulesConditions(t *testing.T) {
	ctx := context.Background()
	store, _, engine := newEngineFixture(t)

	beta := seedRole(t, store, "beta-tester")
	cutoff := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	_, err := store.CreateRule(ctx, AssignmentRule{
		Name:         "recent beta users",
		Trigger:      TriggerUserCreated,
		TargetRoleID: beta.ID,
		Conditions: RuleConditions{
			CreatedAfter: &cutoff,
			Metadata:     map[string]string{"plan": "beta"},
		},
	})
	require.NoError(t, err)

	matching := UserSnapshot{
		UserID:    "user-1",
		CreatedAt: cutoff.Add(24 * time.Hour),
		Metadata:  map[string]string{"plan": "beta"},
	}
	created, err := engine.ProcessRules(ctx, matching, TriggerUserCreated)
	require.NoError(t, err)
	require.Len(t, created, 1)

	tooOld := UserSnapshot{
		UserID:    "user-2",
		CreatedAt: cutoff.Add(-24 * time.Hour),
		Metadata:  map[string]string{"plan": "beta"},
	}
	created, err = engine.ProcessRules(ctx, tooOld, TriggerUserCreated)
	require.NoError(t, err)
	require.Empty(t, created)

	wrongPlan := UserSnapshot{
		UserID:    "user-3",
		CreatedAt: cutoff.Add(24 * time.Hour),
		Metadata:  map[string]string{"plan": "free"},
	}
	created, err = engine.ProcessRules(ctx, wrongPlan, TriggerUserCreated)
	require.NoError(t, err)
	require.Empty(t, created)
}

func TestProcessRulesHasRoleCondition(t *testing.T) {
	ctx := context.Background()
	store, _, engine := newEngineFixture(t)

	senior := seedRole(t, store, "senior")
	_, err := store.CreateRule(ctx, AssignmentRule{
		Name:         "editors get senior",
		Trigger:      TriggerConditionMet,
		TargetRoleID: senior.ID,
		Conditions:   RuleConditions{HasRole: "Editor"},
	})
	require.NoError(t, err)

	// Role name matching folds case.
	created, err := engine.ProcessRules(ctx, UserSnapshot{UserID: "u-1", RoleNames: []string{"EDITOR"}}, TriggerConditionMet)
	require.NoError(t, err)
	require.Len(t, created, 1)

	created, err = engine.ProcessRules(ctx, UserSnapshot{UserID: "u-2", RoleNames: []string{"viewer"}}, TriggerConditionMet)
	require.NoError(t, err)
	require.Empty(t, created)
}

func TestDelegateRequiresDelegatorHoldsRole(t *testing.T) {
	ctx := context.Background()
	store, _, engine := newEngineFixture(t)

	role := seedRole(t, store, "operator")
	_, err := engine.Delegate(ctx, Delegation{
		DelegatorUserID: "owner",
		DelegateeUserID: "helper",
		RoleID:          role.ID,
	})
	require.ErrorIs(t, err, shared.ErrAccessDenied)
}

func TestDelegateGrantsRole(t *testing.T) {
	ctx := context.Background()
	store, sink, engine := newEngineFixture(t)

	role := seedRole(t, store, "operator")
	_, err := store.CreateAssignment(ctx, Assignment{UserID: "owner", RoleID: role.ID})
	require.NoError(t, err)

	expires := time.Now().Add(time.Hour)
	d, err := engine.Delegate(ctx, Delegation{
		DelegatorUserID: "owner",
		DelegateeUserID: "helper",
		RoleID:          role.ID,
		ExpiresAt:       &expires,
	})
	require.NoError(t, err)
	require.True(t, d.IsActive)

	assignments, err := store.AssignmentsForUser(ctx, "helper")
	require.NoError(t, err)
	require.Len(t, assignments, 1)
	require.Equal(t, d.ID, assignments[0].Conditions["delegation_id"])

	events, err := sink.Events(ctx, audit.Query{Type: audit.EventRoleDelegated})
	require.NoError(t, err)
	require.Len(t, events, 1)
	require.Equal(t, "owner", events[0].Metadata["delegator"])
}

func TestDelegateRejectsPastExpiry(t *testing.T) {
	ctx := context.Background()
	store, _, engine := newEngineFixture(t)

	role := seedRole(t, store, "operator")
	_, err := store.CreateAssignment(ctx, Assignment{UserID: "owner", RoleID: role.ID})
	require.NoError(t, err)

	past := time.Now().Add(-time.Minute)
	_, err = engine.Delegate(ctx, Delegation{
		DelegatorUserID: "owner",
		DelegateeUserID: "helper",
		RoleID:          role.ID,
		ExpiresAt:       &past,
	})
	require.ErrorIs(t, err, shared.ErrExpired)
}

func TestRevokeRemovesGrant(t *testing.T) {
	ctx := context.Background()
	store, _, engine := newEngineFixture(t)

	role := seedRole(t, store, "operator")
	_, err := store.CreateAssignment(ctx, Assignment{UserID: "owner", RoleID: role.ID})
	require.NoError(t, err)
	d, err := engine.Delegate(ctx, Delegation{
		DelegatorUserID: "owner",
		DelegateeUserID: "helper",
		RoleID:          role.ID,
	})
	require.NoError(t, err)

	require.NoError(t, engine.Revoke(ctx, d.ID))

	got, err := store.DelegationByID(ctx, d.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)

	assignments, err := store.AssignmentsForUser(ctx, "helper")
	require.NoError(t, err)
	for _, a := range assignments {
		require.False(t, a.IsActive)
	}

	// Revoking twice reports the record step as the failure.
	err = engine.Revoke(ctx, d.ID)
	require.ErrorIs(t, err, shared.ErrNotFound)
	require.Contains(t, err.Error(), "deactivate record")
}

func TestRevokeConcurrentSingleWinner(t *testing.T) {
	ctx := context.Background()
	store, _, engine := newEngineFixture(t)

	role := seedRole(t, store, "operator")
	_, err := store.CreateAssignment(ctx, Assignment{UserID: "owner", RoleID: role.ID})
	require.NoError(t, err)
	d, err := engine.Delegate(ctx, Delegation{
		DelegatorUserID: "owner",
		DelegateeUserID: "helper",
		RoleID:          role.ID,
	})
	require.NoError(t, err)

	const workers = 8
	var wg sync.WaitGroup
	results := make(chan error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			results <- engine.Revoke(ctx, d.ID)
		}()
	}
	wg.Wait()
	close(results)

	succeeded := 0
	for err := range results {
		if err == nil {
			succeeded++
		}
	}
	require.Equal(t, 1, succeeded)
}

func TestExpireDelegationsSweep(t *testing.T) {
	ctx := context.Background()
	store, _, engine := newEngineFixture(t)

	role := seedRole(t, store, "operator")
	_, err := store.CreateAssignment(ctx, Assignment{UserID: "owner", RoleID: role.ID})
	require.NoError(t, err)

	expires := time.Now().Add(time.Minute)
	d, err := engine.Delegate(ctx, Delegation{
		DelegatorUserID: "owner",
		DelegateeUserID: "helper",
		RoleID:          role.ID,
		ExpiresAt:       &expires,
	})
	require.NoError(t, err)

	engine.SetClock(func() time.Time { return time.Now().Add(2 * time.Minute) })
	revoked, err := engine.ExpireDelegations(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, revoked)

	got, err := store.DelegationByID(ctx, d.ID)
	require.NoError(t, err)
	require.False(t, got.IsActive)
}
