package rbac

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/warden-sec/warden/internal/shared"
)

// MemoryStore is an in-process Store for embedded deployments and tests.
// All returned slices are copies; callers may mutate them freely.
type MemoryStore struct {
	mu sync.RWMutex

	roles        map[string]Role
	rolesByName  map[string]string
	permissions  map[string]Permission
	rolePerms    map[string][]string
	edges        map[string]HierarchyEdge
	assignments  map[string]Assignment
	conditionals map[string]ConditionalPermission
	overrides    map[string]Override
	rules        map[string]AssignmentRule
	delegations  map[string]Delegation

	clock func() time.Time
}

// NewMemoryStore returns an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		roles:        make(map[string]Role),
		rolesByName:  make(map[string]string),
		permissions:  make(map[string]Permission),
		rolePerms:    make(map[string][]string),
		edges:        make(map[string]HierarchyEdge),
		assignments:  make(map[string]Assignment),
		conditionals: make(map[string]ConditionalPermission),
		overrides:    make(map[string]Override),
		rules:        make(map[string]AssignmentRule),
		delegations:  make(map[string]Delegation),
		clock:        time.Now,
	}
}

// SetClock overrides the store clock. Test hook.
func (s *MemoryStore) SetClock(clock func() time.Time) {
	s.clock = clock
}

func (s *MemoryStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	if err := role.Validate(); err != nil {
		return Role{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	folded := FoldName(role.Name)
	if _, ok := s.rolesByName[folded]; ok {
		return Role{}, fmt.Errorf("rbac: role %q: %w", role.Name, shared.ErrAlreadyExists)
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	now := s.clock()
	role.CreatedAt = now
	role.UpdatedAt = now
	role.IsActive = true
	s.roles[role.ID] = role
	s.rolesByName[folded] = role.ID
	return role, nil
}

func (s *MemoryStore) RoleByID(ctx context.Context, id string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	role, ok := s.roles[id]
	if !ok {
		return Role{}, fmt.Errorf("rbac: role %s: %w", id, shared.ErrNotFound)
	}
	return role, nil
}

func (s *MemoryStore) RoleByName(ctx context.Context, name string) (Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	id, ok := s.rolesByName[FoldName(name)]
	if !ok {
		return Role{}, fmt.Errorf("rbac: role %q: %w", name, shared.ErrNotFound)
	}
	return s.roles[id], nil
}

func (s *MemoryStore) ListRoles(ctx context.Context) ([]Role, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Role, 0, len(s.roles))
	for _, r := range s.roles {
		out = append(out, r)
	}
	return out, nil
}

func (s *MemoryStore) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	if perm.Name == "" {
		return Permission{}, fmt.Errorf("rbac: permission name required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.permissions {
		if FoldName(existing.Name) == FoldName(perm.Name) {
			return Permission{}, fmt.Errorf("rbac: permission %q: %w", perm.Name, shared.ErrAlreadyExists)
		}
	}
	if perm.ID == "" {
		perm.ID = uuid.NewString()
	}
	perm.CreatedAt = s.clock()
	perm.IsActive = true
	s.permissions[perm.ID] = perm
	return perm, nil
}

func (s *MemoryStore) PermissionByID(ctx context.Context, id string) (Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	perm, ok := s.permissions[id]
	if !ok {
		return Permission{}, fmt.Errorf("rbac: permission %s: %w", id, shared.ErrNotFound)
	}
	return perm, nil
}

func (s *MemoryStore) PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := s.rolePerms[roleID]
	out := make([]Permission, 0, len(ids))
	for _, id := range ids {
		if perm, ok := s.permissions[id]; ok && perm.IsActive {
			out = append(out, perm)
		}
	}
	return out, nil
}

func (s *MemoryStore) AttachPermission(ctx context.Context, roleID, permissionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[roleID]; !ok {
		return fmt.Errorf("rbac: role %s: %w", roleID, shared.ErrNotFound)
	}
	if _, ok := s.permissions[permissionID]; !ok {
		return fmt.Errorf("rbac: permission %s: %w", permissionID, shared.ErrNotFound)
	}
	for _, id := range s.rolePerms[roleID] {
		if id == permissionID {
			return nil
		}
	}
	s.rolePerms[roleID] = append(s.rolePerms[roleID], permissionID)
	return nil
}

func (s *MemoryStore) CreateEdge(ctx context.Context, edge HierarchyEdge) (HierarchyEdge, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[edge.ParentRoleID]; !ok {
		return HierarchyEdge{}, fmt.Errorf("rbac: parent role %s: %w", edge.ParentRoleID, shared.ErrNotFound)
	}
	if _, ok := s.roles[edge.ChildRoleID]; !ok {
		return HierarchyEdge{}, fmt.Errorf("rbac: child role %s: %w", edge.ChildRoleID, shared.ErrNotFound)
	}
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	edge.CreatedAt = s.clock()
	edge.IsActive = true
	s.edges[edge.ID] = edge
	return edge, nil
}

func (s *MemoryStore) EdgesByChild(ctx context.Context, childRoleID string) ([]HierarchyEdge, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []HierarchyEdge
	for _, e := range s.edges {
		if e.ChildRoleID == childRoleID && e.IsActive {
			out = append(out, e)
		}
	}
	return out, nil
}

// DeactivateEdge flips an edge off. Used by cycle rejection rollback in the
// graph layer when edge creation is split across store calls.
func (s *MemoryStore) DeactivateEdge(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	edge, ok := s.edges[id]
	if !ok {
		return fmt.Errorf("rbac: edge %s: %w", id, shared.ErrNotFound)
	}
	edge.IsActive = false
	s.edges[id] = edge
	return nil
}

func (s *MemoryStore) CreateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[a.RoleID]; !ok {
		return Assignment{}, fmt.Errorf("rbac: role %s: %w", a.RoleID, shared.ErrNotFound)
	}
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	a.AssignedAt = s.clock()
	a.IsActive = true
	s.assignments[a.ID] = a
	return a, nil
}

func (s *MemoryStore) AssignmentsForUser(ctx context.Context, userID string) ([]Assignment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Assignment
	for _, a := range s.assignments {
		if a.UserID == userID {
			out = append(out, a)
		}
	}
	return out, nil
}

func (s *MemoryStore) DeactivateAssignment(ctx context.Context, userID, roleID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, a := range s.assignments {
		if a.UserID == userID && a.RoleID == roleID && a.IsActive {
			a.IsActive = false
			s.assignments[id] = a
			return nil
		}
	}
	return fmt.Errorf("rbac: active assignment of %s to %s: %w", roleID, userID, shared.ErrNotFound)
}

func (s *MemoryStore) CreateConditionalPermission(ctx context.Context, cp ConditionalPermission) (ConditionalPermission, error) {
	if err := cp.Validate(); err != nil {
		return ConditionalPermission{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.permissions[cp.PermissionID]; !ok {
		return ConditionalPermission{}, fmt.Errorf("rbac: permission %s: %w", cp.PermissionID, shared.ErrNotFound)
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	cp.CreatedAt = s.clock()
	cp.IsActive = true
	s.conditionals[cp.ID] = cp
	return cp, nil
}

func (s *MemoryStore) ConditionalsForPermission(ctx context.Context, permissionID string) ([]ConditionalPermission, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []ConditionalPermission
	for _, cp := range s.conditionals {
		if cp.PermissionID == permissionID && cp.IsActive {
			out = append(out, cp)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateOverride(ctx context.Context, o Override) (Override, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[o.RoleID]; !ok {
		return Override{}, fmt.Errorf("rbac: role %s: %w", o.RoleID, shared.ErrNotFound)
	}
	if _, ok := s.permissions[o.PermissionID]; !ok {
		return Override{}, fmt.Errorf("rbac: permission %s: %w", o.PermissionID, shared.ErrNotFound)
	}
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.CreatedAt = s.clock()
	o.IsActive = true
	s.overrides[o.ID] = o
	return o, nil
}

func (s *MemoryStore) OverridesForRole(ctx context.Context, roleID string) ([]Override, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Override
	for _, o := range s.overrides {
		if o.RoleID == roleID && o.IsActive {
			out = append(out, o)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateRule(ctx context.Context, rule AssignmentRule) (AssignmentRule, error) {
	if err := rule.Validate(); err != nil {
		return AssignmentRule{}, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[rule.TargetRoleID]; !ok {
		return AssignmentRule{}, fmt.Errorf("rbac: role %s: %w", rule.TargetRoleID, shared.ErrNotFound)
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	rule.CreatedAt = s.clock()
	rule.IsActive = true
	s.rules[rule.ID] = rule
	return rule, nil
}

func (s *MemoryStore) RulesByTrigger(ctx context.Context, trigger TriggerType) ([]AssignmentRule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []AssignmentRule
	for _, r := range s.rules {
		if r.Trigger == trigger && r.IsActive {
			out = append(out, r)
		}
	}
	return out, nil
}

func (s *MemoryStore) CreateDelegation(ctx context.Context, d Delegation) (Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.roles[d.RoleID]; !ok {
		return Delegation{}, fmt.Errorf("rbac: role %s: %w", d.RoleID, shared.ErrNotFound)
	}
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	d.DelegatedAt = s.clock()
	d.IsActive = true
	s.delegations[d.ID] = d
	return d, nil
}

func (s *MemoryStore) DelegationByID(ctx context.Context, id string) (Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.delegations[id]
	if !ok {
		return Delegation{}, fmt.Errorf("rbac: delegation %s: %w", id, shared.ErrNotFound)
	}
	return d, nil
}

func (s *MemoryStore) DeactivateDelegation(ctx context.Context, id string) (Delegation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.delegations[id]
	if !ok || !d.IsActive {
		return Delegation{}, fmt.Errorf("rbac: active delegation %s: %w", id, shared.ErrNotFound)
	}
	d.IsActive = false
	s.delegations[id] = d
	return d, nil
}

func (s *MemoryStore) ExpiredDelegations(ctx context.Context, now time.Time) ([]Delegation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []Delegation
	for _, d := range s.delegations {
		if d.IsActive && d.Expired(now) {
			out = append(out, d)
		}
	}
	return out, nil
}

func (s *MemoryStore) Health(ctx context.Context) error {
	return nil
}
