package rbac

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/warden-sec/warden/internal/shared"
)

func seedRole(t *testing.T, store *MemoryStore, name string) Role {
	t.Helper()
	role, err := store.CreateRole(context.Background(), Role{Name: name})
	require.NoError(t, err)
	return role
}

func seedPermission(t *testing.T, store *MemoryStore, name string, resource ResourceType, op Operation) Permission {
	t.Helper()
	perm, err := store.CreatePermission(context.Background(), Permission{
		Name:         name,
		ResourceType: resource,
		Operation:    op,
		Scope:        ScopeOwn,
	})
	require.NoError(t, err)
	return perm
}

func TestAddEdgeRejectsCycle(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	graph := NewGraph(store)

	a := seedRole(t, store, "alpha")
	b := seedRole(t, store, "beta")
	c := seedRole(t, store, "gamma")

	_, err := graph.AddEdge(ctx, HierarchyEdge{ParentRoleID: a.ID, ChildRoleID: b.ID, InheritanceType: InheritFull})
	require.NoError(t, err)
	_, err = graph.AddEdge(ctx, HierarchyEdge{ParentRoleID: b.ID, ChildRoleID: c.ID, InheritanceType: InheritFull})
	require.NoError(t, err)

	// Closing c -> a would make a loop.
	_, err = graph.AddEdge(ctx, HierarchyEdge{ParentRoleID: c.ID, ChildRoleID: a.ID, InheritanceType: InheritFull})
	require.ErrorIs(t, err, shared.ErrCycle)

	// The rejected edge must leave the graph untouched.
	edges, err := store.EdgesByChild(ctx, a.ID)
	require.NoError(t, err)
	require.Empty(t, edges)
}

func TestAddEdgeRejectsSelfLoop(t *testing.T) {
	store := NewMemoryStore()
	graph := NewGraph(store)
	a := seedRole(t, store, "alpha")

	_, err := graph.AddEdge(context.Background(), HierarchyEdge{ParentRoleID: a.ID, ChildRoleID: a.ID})
	if !errors.Is(err, shared.ErrCycle) {
		t.Fatalf("expected cycle rejection, got %v", err)
	}
}

func TestInheritedPermissionsFull(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	graph := NewGraph(store)

	admin := seedRole(t, store, "admin")
	editor := seedRole(t, store, "editor")

	readNotes := seedPermission(t, store, "notes.read", ResourceNote, OpRead)
	deleteNotes := seedPermission(t, store, "notes.delete", ResourceNote, OpDelete)
	editNotes := seedPermission(t, store, "notes.update", ResourceNote, OpUpdate)

	require.NoError(t, store.AttachPermission(ctx, admin.ID, readNotes.ID))
	require.NoError(t, store.AttachPermission(ctx, admin.ID, deleteNotes.ID))
	require.NoError(t, store.AttachPermission(ctx, editor.ID, editNotes.ID))

	_, err := graph.AddEdge(ctx, HierarchyEdge{
		ParentRoleID:          admin.ID,
		ChildRoleID:           editor.ID,
		InheritanceType:       InheritFull,
		ExcludedPermissionIDs: []string{deleteNotes.ID},
	})
	require.NoError(t, err)

	perms, err := graph.InheritedPermissions(ctx, editor.ID)
	require.NoError(t, err)

	names := permissionNames(perms)
	require.ElementsMatch(t, []string{"notes.read", "notes.update"}, names)
}

func TestInheritedPermissionsPartial(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	graph := NewGraph(store)

	admin := seedRole(t, store, "admin")
	viewer := seedRole(t, store, "viewer")

	readDocs := seedPermission(t, store, "docs.read", ResourceDocument, OpRead)
	manageDocs := seedPermission(t, store, "docs.manage", ResourceDocument, OpManage)

	require.NoError(t, store.AttachPermission(ctx, admin.ID, readDocs.ID))
	require.NoError(t, store.AttachPermission(ctx, admin.ID, manageDocs.ID))

	_, err := graph.AddEdge(ctx, HierarchyEdge{
		ParentRoleID:           admin.ID,
		ChildRoleID:            viewer.ID,
		InheritanceType:        InheritPartial,
		InheritedPermissionIDs: []string{readDocs.ID},
	})
	require.NoError(t, err)

	perms, err := graph.InheritedPermissions(ctx, viewer.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"docs.read"}, permissionNames(perms))
}

func TestInheritedPermissionsNone(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	graph := NewGraph(store)

	admin := seedRole(t, store, "admin")
	guest := seedRole(t, store, "guest")
	readDocs := seedPermission(t, store, "docs.read", ResourceDocument, OpRead)
	require.NoError(t, store.AttachPermission(ctx, admin.ID, readDocs.ID))

	_, err := graph.AddEdge(ctx, HierarchyEdge{
		ParentRoleID:    admin.ID,
		ChildRoleID:     guest.ID,
		InheritanceType: InheritNone,
	})
	require.NoError(t, err)

	perms, err := graph.InheritedPermissions(ctx, guest.ID)
	require.NoError(t, err)
	require.Empty(t, perms)
}

func TestInheritedPermissionsTransitive(t *testing.T) {
	ctx := context.Background()
	store := NewMemoryStore()
	graph := NewGraph(store)

	top := seedRole(t, store, "top")
	mid := seedRole(t, store, "mid")
	leaf := seedRole(t, store, "leaf")

	topPerm := seedPermission(t, store, "system.manage", ResourceSystem, OpManage)
	require.NoError(t, store.AttachPermission(ctx, top.ID, topPerm.ID))

	_, err := graph.AddEdge(ctx, HierarchyEdge{ParentRoleID: top.ID, ChildRoleID: mid.ID, InheritanceType: InheritFull})
	require.NoError(t, err)
	_, err = graph.AddEdge(ctx, HierarchyEdge{ParentRoleID: mid.ID, ChildRoleID: leaf.ID, InheritanceType: InheritFull})
	require.NoError(t, err)

	perms, err := graph.InheritedPermissions(ctx, leaf.ID)
	require.NoError(t, err)
	require.Equal(t, []string{"system.manage"}, permissionNames(perms))
}

func TestRoleNameLookupFoldsCase(t *testing.T) {
	store := NewMemoryStore()
	seedRole(t, store, "Admin")

	role, err := store.RoleByName(context.Background(), "ADMIN")
	require.NoError(t, err)
	require.Equal(t, "Admin", role.Name)

	_, err = store.CreateRole(context.Background(), Role{Name: "admin"})
	require.ErrorIs(t, err, shared.ErrAlreadyExists)
}

func permissionNames(perms []Permission) []string {
	names := make([]string, 0, len(perms))
	for _, p := range perms {
		names = append(names, p.Name)
	}
	return names
}
