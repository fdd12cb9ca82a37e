package rbac

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warden-sec/warden/internal/shared"
)

// PGStore is the Postgres-backed Store. Condition payloads and permission
// lists are stored as JSONB; everything else is plain columns.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore constructs a PGStore on the provided pool.
func NewPGStore(pool *pgxpool.Pool) *PGStore {
	return &PGStore{pool: pool}
}

func pgErr(op string, err error) error {
	var pge *pgconn.PgError
	if errors.As(err, &pge) && pge.Code == "23505" {
		return fmt.Errorf("rbac: %s: %w", op, shared.ErrAlreadyExists)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("rbac: %s: %w", op, shared.ErrBackendUnavailable)
	}
	return fmt.Errorf("rbac: %s: %w", op, err)
}

func (s *PGStore) CreateRole(ctx context.Context, role Role) (Role, error) {
	if err := role.Validate(); err != nil {
		return Role{}, err
	}
	if role.ID == "" {
		role.ID = uuid.NewString()
	}
	meta, err := json.Marshal(role.Metadata)
	if err != nil {
		return Role{}, fmt.Errorf("rbac: encode role metadata: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rbac_roles (id, name, folded_name, description, level, parent_role_id, is_system_role, is_active, metadata, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, NULLIF($6, ''), $7, TRUE, $8, NOW(), NOW())
		RETURNING created_at, updated_at`,
		role.ID, role.Name, FoldName(role.Name), role.Description, role.Level, role.ParentRoleID, role.IsSystemRole, meta)
	if err := row.Scan(&role.CreatedAt, &role.UpdatedAt); err != nil {
		return Role{}, pgErr("create role", err)
	}
	role.IsActive = true
	return role, nil
}

func (s *PGStore) roleQuery(ctx context.Context, where string, arg any) (Role, error) {
	var (
		role   Role
		parent *string
		meta   []byte
	)
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, description, level, parent_role_id, is_system_role, is_active, metadata, created_at, updated_at
		FROM rbac_roles WHERE `+where, arg)
	err := row.Scan(&role.ID, &role.Name, &role.Description, &role.Level, &parent, &role.IsSystemRole, &role.IsActive, &meta, &role.CreatedAt, &role.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Role{}, fmt.Errorf("rbac: role: %w", shared.ErrNotFound)
		}
		return Role{}, pgErr("get role", err)
	}
	if parent != nil {
		role.ParentRoleID = *parent
	}
	if len(meta) > 0 {
		_ = json.Unmarshal(meta, &role.Metadata)
	}
	return role, nil
}

func (s *PGStore) RoleByID(ctx context.Context, id string) (Role, error) {
	return s.roleQuery(ctx, `id = $1`, id)
}

func (s *PGStore) RoleByName(ctx context.Context, name string) (Role, error) {
	return s.roleQuery(ctx, `folded_name = $1`, FoldName(name))
}

func (s *PGStore) ListRoles(ctx context.Context) ([]Role, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, level, parent_role_id, is_system_role, is_active, metadata, created_at, updated_at
		FROM rbac_roles ORDER BY name`)
	if err != nil {
		return nil, pgErr("list roles", err)
	}
	defer rows.Close()
	var out []Role
	for rows.Next() {
		var (
			role   Role
			parent *string
			meta   []byte
		)
		if err := rows.Scan(&role.ID, &role.Name, &role.Description, &role.Level, &parent, &role.IsSystemRole, &role.IsActive, &meta, &role.CreatedAt, &role.UpdatedAt); err != nil {
			return nil, pgErr("scan role", err)
		}
		if parent != nil {
			role.ParentRoleID = *parent
		}
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &role.Metadata)
		}
		out = append(out, role)
	}
	return out, rows.Err()
}

func (s *PGStore) CreatePermission(ctx context.Context, perm Permission) (Permission, error) {
	if perm.Name == "" {
		return Permission{}, fmt.Errorf("rbac: permission name required")
	}
	if perm.ID == "" {
		perm.ID = uuid.NewString()
	}
	conds, err := json.Marshal(perm.Conditions)
	if err != nil {
		return Permission{}, fmt.Errorf("rbac: encode permission conditions: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rbac_permissions (id, name, folded_name, resource_type, operation, scope, conditions, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, TRUE, NOW())
		RETURNING created_at`,
		perm.ID, perm.Name, FoldName(perm.Name), perm.ResourceType, perm.Operation, perm.Scope, conds)
	if err := row.Scan(&perm.CreatedAt); err != nil {
		return Permission{}, pgErr("create permission", err)
	}
	perm.IsActive = true
	return perm, nil
}

func scanPermission(rows pgx.Rows) (Permission, error) {
	var (
		perm  Permission
		conds []byte
	)
	if err := rows.Scan(&perm.ID, &perm.Name, &perm.ResourceType, &perm.Operation, &perm.Scope, &conds, &perm.IsActive, &perm.CreatedAt); err != nil {
		return Permission{}, err
	}
	if len(conds) > 0 {
		_ = json.Unmarshal(conds, &perm.Conditions)
	}
	return perm, nil
}

func (s *PGStore) PermissionByID(ctx context.Context, id string) (Permission, error) {
	var (
		perm  Permission
		conds []byte
	)
	row := s.pool.QueryRow(ctx, `
		SELECT id, name, resource_type, operation, scope, conditions, is_active, created_at
		FROM rbac_permissions WHERE id = $1`, id)
	err := row.Scan(&perm.ID, &perm.Name, &perm.ResourceType, &perm.Operation, &perm.Scope, &conds, &perm.IsActive, &perm.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Permission{}, fmt.Errorf("rbac: permission %s: %w", id, shared.ErrNotFound)
		}
		return Permission{}, pgErr("get permission", err)
	}
	if len(conds) > 0 {
		_ = json.Unmarshal(conds, &perm.Conditions)
	}
	return perm, nil
}

func (s *PGStore) PermissionsForRole(ctx context.Context, roleID string) ([]Permission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT p.id, p.name, p.resource_type, p.operation, p.scope, p.conditions, p.is_active, p.created_at
		FROM rbac_permissions p
		JOIN rbac_role_permissions rp ON rp.permission_id = p.id
		WHERE rp.role_id = $1 AND p.is_active`, roleID)
	if err != nil {
		return nil, pgErr("permissions for role", err)
	}
	defer rows.Close()
	var out []Permission
	for rows.Next() {
		perm, err := scanPermission(rows)
		if err != nil {
			return nil, pgErr("scan permission", err)
		}
		out = append(out, perm)
	}
	return out, rows.Err()
}

func (s *PGStore) AttachPermission(ctx context.Context, roleID, permissionID string) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO rbac_role_permissions (role_id, permission_id)
		VALUES ($1, $2) ON CONFLICT DO NOTHING`, roleID, permissionID)
	if err != nil {
		var pge *pgconn.PgError
		if errors.As(err, &pge) && pge.Code == "23503" {
			return fmt.Errorf("rbac: attach permission: %w", shared.ErrNotFound)
		}
		return pgErr("attach permission", err)
	}
	return nil
}

func (s *PGStore) CreateEdge(ctx context.Context, edge HierarchyEdge) (HierarchyEdge, error) {
	if edge.ID == "" {
		edge.ID = uuid.NewString()
	}
	inherited, err := json.Marshal(edge.InheritedPermissionIDs)
	if err != nil {
		return HierarchyEdge{}, fmt.Errorf("rbac: encode edge: %w", err)
	}
	excluded, err := json.Marshal(edge.ExcludedPermissionIDs)
	if err != nil {
		return HierarchyEdge{}, fmt.Errorf("rbac: encode edge: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rbac_hierarchy_edges (id, parent_role_id, child_role_id, inheritance_type, inherited_permission_ids, excluded_permission_ids, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW())
		RETURNING created_at`,
		edge.ID, edge.ParentRoleID, edge.ChildRoleID, edge.InheritanceType, inherited, excluded)
	if err := row.Scan(&edge.CreatedAt); err != nil {
		var pge *pgconn.PgError
		if errors.As(err, &pge) && pge.Code == "23503" {
			return HierarchyEdge{}, fmt.Errorf("rbac: create edge: %w", shared.ErrNotFound)
		}
		return HierarchyEdge{}, pgErr("create edge", err)
	}
	edge.IsActive = true
	return edge, nil
}

func (s *PGStore) EdgesByChild(ctx context.Context, childRoleID string) ([]HierarchyEdge, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, parent_role_id, child_role_id, inheritance_type, inherited_permission_ids, excluded_permission_ids, is_active, created_at
		FROM rbac_hierarchy_edges WHERE child_role_id = $1 AND is_active`, childRoleID)
	if err != nil {
		return nil, pgErr("edges by child", err)
	}
	defer rows.Close()
	var out []HierarchyEdge
	for rows.Next() {
		var (
			edge                HierarchyEdge
			inherited, excluded []byte
		)
		if err := rows.Scan(&edge.ID, &edge.ParentRoleID, &edge.ChildRoleID, &edge.InheritanceType, &inherited, &excluded, &edge.IsActive, &edge.CreatedAt); err != nil {
			return nil, pgErr("scan edge", err)
		}
		_ = json.Unmarshal(inherited, &edge.InheritedPermissionIDs)
		_ = json.Unmarshal(excluded, &edge.ExcludedPermissionIDs)
		out = append(out, edge)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateAssignment(ctx context.Context, a Assignment) (Assignment, error) {
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	conds, err := json.Marshal(a.Conditions)
	if err != nil {
		return Assignment{}, fmt.Errorf("rbac: encode assignment conditions: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rbac_assignments (id, user_id, role_id, context_type, context_id, assigned_at, expires_at, is_active, conditions)
		VALUES ($1, $2, $3, $4, $5, NOW(), $6, TRUE, $7)
		RETURNING assigned_at`,
		a.ID, a.UserID, a.RoleID, a.ContextType, a.ContextID, a.ExpiresAt, conds)
	if err := row.Scan(&a.AssignedAt); err != nil {
		var pge *pgconn.PgError
		if errors.As(err, &pge) && pge.Code == "23503" {
			return Assignment{}, fmt.Errorf("rbac: create assignment: %w", shared.ErrNotFound)
		}
		return Assignment{}, pgErr("create assignment", err)
	}
	a.IsActive = true
	return a, nil
}

func (s *PGStore) AssignmentsForUser(ctx context.Context, userID string) ([]Assignment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, role_id, context_type, context_id, assigned_at, expires_at, is_active, conditions
		FROM rbac_assignments WHERE user_id = $1`, userID)
	if err != nil {
		return nil, pgErr("assignments for user", err)
	}
	defer rows.Close()
	var out []Assignment
	for rows.Next() {
		var (
			a     Assignment
			conds []byte
		)
		if err := rows.Scan(&a.ID, &a.UserID, &a.RoleID, &a.ContextType, &a.ContextID, &a.AssignedAt, &a.ExpiresAt, &a.IsActive, &conds); err != nil {
			return nil, pgErr("scan assignment", err)
		}
		if len(conds) > 0 {
			_ = json.Unmarshal(conds, &a.Conditions)
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *PGStore) DeactivateAssignment(ctx context.Context, userID, roleID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE rbac_assignments SET is_active = FALSE
		WHERE user_id = $1 AND role_id = $2 AND is_active`, userID, roleID)
	if err != nil {
		return pgErr("deactivate assignment", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("rbac: active assignment of %s to %s: %w", roleID, userID, shared.ErrNotFound)
	}
	return nil
}

func (s *PGStore) CreateConditionalPermission(ctx context.Context, cp ConditionalPermission) (ConditionalPermission, error) {
	if err := cp.Validate(); err != nil {
		return ConditionalPermission{}, err
	}
	if cp.ID == "" {
		cp.ID = uuid.NewString()
	}
	payload, err := json.Marshal(struct {
		Time   *TimeCondition   `json:"time,omitempty"`
		IP     *IPCondition     `json:"ip,omitempty"`
		Device *DeviceCondition `json:"device,omitempty"`
	}{cp.Time, cp.IP, cp.Device})
	if err != nil {
		return ConditionalPermission{}, fmt.Errorf("rbac: encode conditions: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rbac_conditional_permissions (id, permission_id, conditions, is_active, created_at)
		VALUES ($1, $2, $3, TRUE, NOW())
		RETURNING created_at`, cp.ID, cp.PermissionID, payload)
	if err := row.Scan(&cp.CreatedAt); err != nil {
		var pge *pgconn.PgError
		if errors.As(err, &pge) && pge.Code == "23503" {
			return ConditionalPermission{}, fmt.Errorf("rbac: create conditional permission: %w", shared.ErrNotFound)
		}
		return ConditionalPermission{}, pgErr("create conditional permission", err)
	}
	cp.IsActive = true
	return cp, nil
}

func (s *PGStore) ConditionalsForPermission(ctx context.Context, permissionID string) ([]ConditionalPermission, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, permission_id, conditions, is_active, created_at
		FROM rbac_conditional_permissions WHERE permission_id = $1 AND is_active`, permissionID)
	if err != nil {
		return nil, pgErr("conditionals for permission", err)
	}
	defer rows.Close()
	var out []ConditionalPermission
	for rows.Next() {
		var (
			cp      ConditionalPermission
			payload []byte
		)
		if err := rows.Scan(&cp.ID, &cp.PermissionID, &payload, &cp.IsActive, &cp.CreatedAt); err != nil {
			return nil, pgErr("scan conditional permission", err)
		}
		var decoded struct {
			Time   *TimeCondition   `json:"time"`
			IP     *IPCondition     `json:"ip"`
			Device *DeviceCondition `json:"device"`
		}
		if err := json.Unmarshal(payload, &decoded); err != nil {
			return nil, fmt.Errorf("rbac: decode conditions: %w", err)
		}
		cp.Time, cp.IP, cp.Device = decoded.Time, decoded.IP, decoded.Device
		out = append(out, cp)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateOverride(ctx context.Context, o Override) (Override, error) {
	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	conds, err := json.Marshal(o.Conditions)
	if err != nil {
		return Override{}, fmt.Errorf("rbac: encode override conditions: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rbac_overrides (id, role_id, permission_id, override_type, conditions, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, TRUE, NOW())
		RETURNING created_at`, o.ID, o.RoleID, o.PermissionID, o.Type, conds)
	if err := row.Scan(&o.CreatedAt); err != nil {
		var pge *pgconn.PgError
		if errors.As(err, &pge) && pge.Code == "23503" {
			return Override{}, fmt.Errorf("rbac: create override: %w", shared.ErrNotFound)
		}
		return Override{}, pgErr("create override", err)
	}
	o.IsActive = true
	return o, nil
}

func (s *PGStore) OverridesForRole(ctx context.Context, roleID string) ([]Override, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, role_id, permission_id, override_type, conditions, is_active, created_at
		FROM rbac_overrides WHERE role_id = $1 AND is_active`, roleID)
	if err != nil {
		return nil, pgErr("overrides for role", err)
	}
	defer rows.Close()
	var out []Override
	for rows.Next() {
		var (
			o     Override
			conds []byte
		)
		if err := rows.Scan(&o.ID, &o.RoleID, &o.PermissionID, &o.Type, &conds, &o.IsActive, &o.CreatedAt); err != nil {
			return nil, pgErr("scan override", err)
		}
		if len(conds) > 0 {
			_ = json.Unmarshal(conds, &o.Conditions)
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateRule(ctx context.Context, rule AssignmentRule) (AssignmentRule, error) {
	if err := rule.Validate(); err != nil {
		return AssignmentRule{}, err
	}
	if rule.ID == "" {
		rule.ID = uuid.NewString()
	}
	conds, err := json.Marshal(rule.Conditions)
	if err != nil {
		return AssignmentRule{}, fmt.Errorf("rbac: encode rule conditions: %w", err)
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rbac_assignment_rules (id, name, description, trigger_type, target_role_id, conditions, is_active, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE, NOW())
		RETURNING created_at`,
		rule.ID, rule.Name, rule.Description, rule.Trigger, rule.TargetRoleID, conds)
	if err := row.Scan(&rule.CreatedAt); err != nil {
		var pge *pgconn.PgError
		if errors.As(err, &pge) && pge.Code == "23503" {
			return AssignmentRule{}, fmt.Errorf("rbac: create rule: %w", shared.ErrNotFound)
		}
		return AssignmentRule{}, pgErr("create rule", err)
	}
	rule.IsActive = true
	return rule, nil
}

func (s *PGStore) RulesByTrigger(ctx context.Context, trigger TriggerType) ([]AssignmentRule, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, name, description, trigger_type, target_role_id, conditions, is_active, created_at
		FROM rbac_assignment_rules WHERE trigger_type = $1 AND is_active`, trigger)
	if err != nil {
		return nil, pgErr("rules by trigger", err)
	}
	defer rows.Close()
	var out []AssignmentRule
	for rows.Next() {
		var (
			r     AssignmentRule
			conds []byte
		)
		if err := rows.Scan(&r.ID, &r.Name, &r.Description, &r.Trigger, &r.TargetRoleID, &conds, &r.IsActive, &r.CreatedAt); err != nil {
			return nil, pgErr("scan rule", err)
		}
		if len(conds) > 0 {
			_ = json.Unmarshal(conds, &r.Conditions)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (s *PGStore) CreateDelegation(ctx context.Context, d Delegation) (Delegation, error) {
	if d.ID == "" {
		d.ID = uuid.NewString()
	}
	row := s.pool.QueryRow(ctx, `
		INSERT INTO rbac_delegations (id, delegator_user_id, delegatee_user_id, role_id, context_type, context_id, delegated_at, expires_at, is_active)
		VALUES ($1, $2, $3, $4, $5, $6, NOW(), $7, TRUE)
		RETURNING delegated_at`,
		d.ID, d.DelegatorUserID, d.DelegateeUserID, d.RoleID, d.ContextType, d.ContextID, d.ExpiresAt)
	if err := row.Scan(&d.DelegatedAt); err != nil {
		var pge *pgconn.PgError
		if errors.As(err, &pge) && pge.Code == "23503" {
			return Delegation{}, fmt.Errorf("rbac: create delegation: %w", shared.ErrNotFound)
		}
		return Delegation{}, pgErr("create delegation", err)
	}
	d.IsActive = true
	return d, nil
}

func (s *PGStore) DelegationByID(ctx context.Context, id string) (Delegation, error) {
	var d Delegation
	row := s.pool.QueryRow(ctx, `
		SELECT id, delegator_user_id, delegatee_user_id, role_id, context_type, context_id, delegated_at, expires_at, is_active
		FROM rbac_delegations WHERE id = $1`, id)
	err := row.Scan(&d.ID, &d.DelegatorUserID, &d.DelegateeUserID, &d.RoleID, &d.ContextType, &d.ContextID, &d.DelegatedAt, &d.ExpiresAt, &d.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delegation{}, fmt.Errorf("rbac: delegation %s: %w", id, shared.ErrNotFound)
		}
		return Delegation{}, pgErr("get delegation", err)
	}
	return d, nil
}

func (s *PGStore) DeactivateDelegation(ctx context.Context, id string) (Delegation, error) {
	var d Delegation
	row := s.pool.QueryRow(ctx, `
		UPDATE rbac_delegations SET is_active = FALSE
		WHERE id = $1 AND is_active
		RETURNING id, delegator_user_id, delegatee_user_id, role_id, context_type, context_id, delegated_at, expires_at, is_active`, id)
	err := row.Scan(&d.ID, &d.DelegatorUserID, &d.DelegateeUserID, &d.RoleID, &d.ContextType, &d.ContextID, &d.DelegatedAt, &d.ExpiresAt, &d.IsActive)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Delegation{}, fmt.Errorf("rbac: active delegation %s: %w", id, shared.ErrNotFound)
		}
		return Delegation{}, pgErr("deactivate delegation", err)
	}
	return d, nil
}

func (s *PGStore) ExpiredDelegations(ctx context.Context, now time.Time) ([]Delegation, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, delegator_user_id, delegatee_user_id, role_id, context_type, context_id, delegated_at, expires_at, is_active
		FROM rbac_delegations WHERE is_active AND expires_at IS NOT NULL AND expires_at < $1`, now)
	if err != nil {
		return nil, pgErr("expired delegations", err)
	}
	defer rows.Close()
	var out []Delegation
	for rows.Next() {
		var d Delegation
		if err := rows.Scan(&d.ID, &d.DelegatorUserID, &d.DelegateeUserID, &d.RoleID, &d.ContextType, &d.ContextID, &d.DelegatedAt, &d.ExpiresAt, &d.IsActive); err != nil {
			return nil, pgErr("scan delegation", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (s *PGStore) Health(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("rbac: %w", shared.ErrBackendUnavailable)
	}
	return nil
}
