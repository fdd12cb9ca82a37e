package rbac

import (
	"context"
	"fmt"

	"github.com/warden-sec/warden/internal/shared"
)

// Graph layers hierarchy traversal over a Store. Edges point parent->child;
// a child inherits from its parents according to each edge's inheritance
// type. The graph stays acyclic: AddEdge walks the ancestor chain of the
// prospective parent before persisting anything, so a rejected edge leaves
// the store untouched.
type Graph struct {
	store Store
}

// NewGraph wraps the store with hierarchy traversal.
func NewGraph(store Store) *Graph {
	return &Graph{store: store}
}

// AddEdge persists a parent->child edge after verifying it cannot close a
// cycle. The check asks whether child is already an ancestor of parent.
func (g *Graph) AddEdge(ctx context.Context, edge HierarchyEdge) (HierarchyEdge, error) {
	if edge.ParentRoleID == edge.ChildRoleID {
		return HierarchyEdge{}, fmt.Errorf("rbac: edge %s->%s: %w", edge.ParentRoleID, edge.ChildRoleID, shared.ErrCycle)
	}
	switch edge.InheritanceType {
	case InheritFull, InheritPartial, InheritNone:
	case "":
		edge.InheritanceType = InheritFull
	default:
		return HierarchyEdge{}, fmt.Errorf("rbac: unknown inheritance type %q", edge.InheritanceType)
	}

	ancestor, err := g.isAncestor(ctx, edge.ChildRoleID, edge.ParentRoleID)
	if err != nil {
		return HierarchyEdge{}, err
	}
	if ancestor {
		return HierarchyEdge{}, fmt.Errorf("rbac: edge %s->%s: %w", edge.ParentRoleID, edge.ChildRoleID, shared.ErrCycle)
	}
	return g.store.CreateEdge(ctx, edge)
}

// isAncestor reports whether candidate appears anywhere above roleID.
func (g *Graph) isAncestor(ctx context.Context, candidate, roleID string) (bool, error) {
	visited := map[string]bool{}
	stack := []string{roleID}
	for len(stack) > 0 {
		current := stack[len(stack)-1]
		stack = stack[:len(stack)-1]
		if visited[current] {
			continue
		}
		visited[current] = true
		edges, err := g.store.EdgesByChild(ctx, current)
		if err != nil {
			return false, err
		}
		for _, e := range edges {
			if e.ParentRoleID == candidate {
				return true, nil
			}
			stack = append(stack, e.ParentRoleID)
		}
	}
	return false, nil
}

// InheritedPermissions computes the effective permission set of a role:
// its direct permissions plus whatever each active parent edge lets
// through. Full inheritance passes the parent's entire effective set minus
// the edge's exclusions; partial passes only the listed ids; none passes
// nothing. Traversal is iterative with a visited set, so even a cycle
// introduced behind the store's back terminates.
func (g *Graph) InheritedPermissions(ctx context.Context, roleID string) ([]Permission, error) {
	seen := map[string][]Permission{}
	if err := g.collect(ctx, roleID, seen, map[string]bool{}); err != nil {
		return nil, err
	}
	return seen[roleID], nil
}

func (g *Graph) collect(ctx context.Context, roleID string, memo map[string][]Permission, inProgress map[string]bool) error {
	if _, done := memo[roleID]; done || inProgress[roleID] {
		return nil
	}
	inProgress[roleID] = true
	defer delete(inProgress, roleID)

	direct, err := g.store.PermissionsForRole(ctx, roleID)
	if err != nil {
		return err
	}
	byID := map[string]Permission{}
	for _, p := range direct {
		byID[p.ID] = p
	}

	edges, err := g.store.EdgesByChild(ctx, roleID)
	if err != nil {
		return err
	}
	for _, edge := range edges {
		if edge.InheritanceType == InheritNone {
			continue
		}
		if err := g.collect(ctx, edge.ParentRoleID, memo, inProgress); err != nil {
			return err
		}
		parentPerms := memo[edge.ParentRoleID]
		switch edge.InheritanceType {
		case InheritFull:
			excluded := map[string]bool{}
			for _, id := range edge.ExcludedPermissionIDs {
				excluded[id] = true
			}
			for _, p := range parentPerms {
				if !excluded[p.ID] {
					byID[p.ID] = p
				}
			}
		case InheritPartial:
			allowed := map[string]bool{}
			for _, id := range edge.InheritedPermissionIDs {
				allowed[id] = true
			}
			for _, p := range parentPerms {
				if allowed[p.ID] {
					byID[p.ID] = p
				}
			}
		}
	}

	out := make([]Permission, 0, len(byID))
	for _, p := range byID {
		out = append(out, p)
	}
	memo[roleID] = out
	return nil
}
