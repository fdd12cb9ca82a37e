package rbac

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

func newTestCache(t *testing.T) *RedisPermissionCache {
	t.Helper()
	srv := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: srv.Addr()})
	t.Cleanup(func() { _ = client.Close() })
	return NewRedisPermissionCache(client, time.Minute, nil)
}

func TestPermissionCacheRoundTrip(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	_, ok := cache.Get(ctx, "role-1")
	require.False(t, ok)

	perms := []Permission{{ID: "p-1", Name: "notes.read", ResourceType: ResourceNote, Operation: OpRead, Scope: ScopeOwn}}
	cache.Set(ctx, "role-1", perms)

	got, ok := cache.Get(ctx, "role-1")
	require.True(t, ok)
	require.Equal(t, perms, got)
}

func TestPermissionCacheInvalidate(t *testing.T) {
	ctx := context.Background()
	cache := newTestCache(t)

	cache.Set(ctx, "role-1", []Permission{{ID: "p-1"}})
	cache.Set(ctx, "role-2", []Permission{{ID: "p-2"}})
	cache.Invalidate(ctx, "role-1")

	_, ok := cache.Get(ctx, "role-1")
	require.False(t, ok)
	_, ok = cache.Get(ctx, "role-2")
	require.True(t, ok)
}

func TestResolverUsesCache(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	graph := NewGraph(store)
	cache := newTestCache(t)
	resolver := NewResolver(store, graph, nil, cache, nil)

	role := seedRole(t, store, "editor")
	perm := seedPermission(t, store, "notes.read", ResourceNote, OpRead)
	require.NoError(t, store.AttachPermission(ctx, role.ID, perm.ID))
	_, err := store.CreateAssignment(ctx, Assignment{UserID: "user-1", RoleID: role.ID})
	require.NoError(t, err)

	result, err := resolver.Check(ctx, "user-1", ResourceNote, "", OpRead, AccessContext{})
	require.NoError(t, err)
	require.True(t, result.Granted)

	// The computed set is now cached per role.
	cached, ok := cache.Get(ctx, role.ID)
	require.True(t, ok)
	require.Len(t, cached, 1)
}
