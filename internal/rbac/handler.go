package rbac

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warden-sec/warden/internal/shared"
)

// Handler exposes the administrative JSON surface: role graph management,
// assignments, delegations, rules, and a direct check endpoint.
type Handler struct {
	logger    *slog.Logger
	store     Store
	graph     *Graph
	resolver  *Resolver
	engine    *Engine
	cache     PermissionCache
	validator *validator.Validate
}

// NewHandler constructs the admin handler. cache may be nil.
func NewHandler(logger *slog.Logger, store Store, graph *Graph, resolver *Resolver, engine *Engine, cache PermissionCache) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		logger:    logger,
		store:     store,
		graph:     graph,
		resolver:  resolver,
		engine:    engine,
		cache:     cache,
		validator: validator.New(),
	}
}

// MountRoutes registers the admin routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/rbac", func(r chi.Router) {
		r.Get("/roles", h.listRoles)
		r.Post("/roles", h.createRole)
		r.Get("/roles/{roleID}", h.getRole)
		r.Get("/roles/{roleID}/permissions", h.rolePermissions)
		r.Post("/roles/{roleID}/permissions", h.attachPermission)
		r.Post("/permissions", h.createPermission)
		r.Post("/hierarchy", h.createEdge)
		r.Post("/assignments", h.createAssignment)
		r.Delete("/assignments", h.removeAssignment)
		r.Post("/conditional-permissions", h.createConditional)
		r.Post("/overrides", h.createOverride)
		r.Post("/rules", h.createRule)
		r.Post("/triggers/user-created", h.triggerUserCreated)
		r.Post("/delegations", h.createDelegation)
		r.Delete("/delegations/{delegationID}", h.revokeDelegation)
		r.Post("/check", h.check)
	})
}

func (h *Handler) respond(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		h.logger.Warn("encode response", slog.Any("error", err))
	}
}

func (h *Handler) respondError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, shared.ErrNotFound):
		h.respond(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, shared.ErrAlreadyExists):
		h.respond(w, http.StatusConflict, map[string]string{"error": err.Error()})
	case errors.Is(err, shared.ErrCycle):
		h.respond(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, shared.ErrAccessDenied), errors.Is(err, shared.ErrExpired):
		h.respond(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, shared.ErrBackendUnavailable):
		h.respond(w, http.StatusServiceUnavailable, map[string]string{"error": "backend unavailable"})
	default:
		h.logger.Error("rbac admin", slog.Any("error", err))
		h.respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func (h *Handler) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		h.respond(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return false
	}
	if err := h.validator.Struct(dst); err != nil {
		h.respond(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
		return false
	}
	return true
}

type createRoleRequest struct {
	Name         string            `json:"name" validate:"required,min=2,max=120"`
	Description  string            `json:"description" validate:"max=500"`
	Level        int               `json:"level" validate:"min=0,max=100"`
	ParentRoleID string            `json:"parent_role_id"`
	IsSystemRole bool              `json:"is_system_role"`
	Metadata     map[string]string `json:"metadata"`
}

func (h *Handler) createRole(w http.ResponseWriter, r *http.Request) {
	var req createRoleRequest
	if !h.decode(w, r, &req) {
		return
	}
	role, err := h.store.CreateRole(r.Context(), Role{
		Name:         req.Name,
		Description:  req.Description,
		Level:        req.Level,
		ParentRoleID: req.ParentRoleID,
		IsSystemRole: req.IsSystemRole,
		Metadata:     req.Metadata,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, role)
}

func (h *Handler) listRoles(w http.ResponseWriter, r *http.Request) {
	roles, err := h.store.ListRoles(r.Context())
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"roles": roles})
}

func (h *Handler) getRole(w http.ResponseWriter, r *http.Request) {
	role, err := h.store.RoleByID(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, role)
}

func (h *Handler) rolePermissions(w http.ResponseWriter, r *http.Request) {
	perms, err := h.graph.InheritedPermissions(r.Context(), chi.URLParam(r, "roleID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"permissions": perms})
}

type createPermissionRequest struct {
	Name         string `json:"name" validate:"required,min=2,max=120"`
	ResourceType string `json:"resource_type" validate:"required"`
	Operation    string `json:"operation" validate:"required"`
	Scope        string `json:"scope" validate:"required"`
}

func (h *Handler) createPermission(w http.ResponseWriter, r *http.Request) {
	var req createPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	perm, err := h.store.CreatePermission(r.Context(), Permission{
		Name:         req.Name,
		ResourceType: ResourceType(req.ResourceType),
		Operation:    Operation(req.Operation),
		Scope:        Scope(req.Scope),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, perm)
}

type attachPermissionRequest struct {
	PermissionID string `json:"permission_id" validate:"required"`
}

func (h *Handler) attachPermission(w http.ResponseWriter, r *http.Request) {
	var req attachPermissionRequest
	if !h.decode(w, r, &req) {
		return
	}
	roleID := chi.URLParam(r, "roleID")
	if err := h.store.AttachPermission(r.Context(), roleID, req.PermissionID); err != nil {
		h.respondError(w, err)
		return
	}
	h.invalidate(r, roleID)
	h.respond(w, http.StatusNoContent, nil)
}

type createEdgeRequest struct {
	ParentRoleID           string   `json:"parent_role_id" validate:"required"`
	ChildRoleID            string   `json:"child_role_id" validate:"required"`
	InheritanceType        string   `json:"inheritance_type" validate:"omitempty,oneof=full partial none"`
	InheritedPermissionIDs []string `json:"inherited_permission_ids"`
	ExcludedPermissionIDs  []string `json:"excluded_permission_ids"`
}

func (h *Handler) createEdge(w http.ResponseWriter, r *http.Request) {
	var req createEdgeRequest
	if !h.decode(w, r, &req) {
		return
	}
	edge, err := h.graph.AddEdge(r.Context(), HierarchyEdge{
		ParentRoleID:           req.ParentRoleID,
		ChildRoleID:            req.ChildRoleID,
		InheritanceType:        InheritanceType(req.InheritanceType),
		InheritedPermissionIDs: req.InheritedPermissionIDs,
		ExcludedPermissionIDs:  req.ExcludedPermissionIDs,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.invalidate(r, req.ChildRoleID)
	h.respond(w, http.StatusCreated, edge)
}

type createAssignmentRequest struct {
	UserID      string     `json:"user_id" validate:"required"`
	RoleID      string     `json:"role_id" validate:"required"`
	ContextType string     `json:"context_type"`
	ContextID   string     `json:"context_id"`
	ExpiresAt   *time.Time `json:"expires_at"`
}

func (h *Handler) createAssignment(w http.ResponseWriter, r *http.Request) {
	var req createAssignmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	a, err := h.engine.Assign(r.Context(), Assignment{
		UserID:      req.UserID,
		RoleID:      req.RoleID,
		ContextType: req.ContextType,
		ContextID:   req.ContextID,
		ExpiresAt:   req.ExpiresAt,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, a)
}

type removeAssignmentRequest struct {
	UserID string `json:"user_id" validate:"required"`
	RoleID string `json:"role_id" validate:"required"`
}

func (h *Handler) removeAssignment(w http.ResponseWriter, r *http.Request) {
	var req removeAssignmentRequest
	if !h.decode(w, r, &req) {
		return
	}
	if err := h.engine.Remove(r.Context(), req.UserID, req.RoleID); err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

type createConditionalRequest struct {
	PermissionID string           `json:"permission_id" validate:"required"`
	Time         *TimeCondition   `json:"time"`
	IP           *IPCondition     `json:"ip"`
	Device       *DeviceCondition `json:"device"`
}

func (h *Handler) createConditional(w http.ResponseWriter, r *http.Request) {
	var req createConditionalRequest
	if !h.decode(w, r, &req) {
		return
	}
	cp, err := h.store.CreateConditionalPermission(r.Context(), ConditionalPermission{
		PermissionID: req.PermissionID,
		Time:         req.Time,
		IP:           req.IP,
		Device:       req.Device,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, cp)
}

type createOverrideRequest struct {
	RoleID       string `json:"role_id" validate:"required"`
	PermissionID string `json:"permission_id" validate:"required"`
	Type         string `json:"type" validate:"required,oneof=grant deny modify"`
}

func (h *Handler) createOverride(w http.ResponseWriter, r *http.Request) {
	var req createOverrideRequest
	if !h.decode(w, r, &req) {
		return
	}
	o, err := h.store.CreateOverride(r.Context(), Override{
		RoleID:       req.RoleID,
		PermissionID: req.PermissionID,
		Type:         OverrideType(req.Type),
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, o)
}

type createRuleRequest struct {
	Name         string            `json:"name" validate:"required,min=2,max=120"`
	Description  string            `json:"description" validate:"max=500"`
	Trigger      string            `json:"trigger" validate:"required,oneof=user_created time_based condition_met"`
	TargetRoleID string            `json:"target_role_id" validate:"required"`
	CreatedAfter *time.Time        `json:"created_after"`
	HasRole      string            `json:"has_role"`
	Metadata     map[string]string `json:"metadata"`
}

func (h *Handler) createRule(w http.ResponseWriter, r *http.Request) {
	var req createRuleRequest
	if !h.decode(w, r, &req) {
		return
	}
	rule, err := h.store.CreateRule(r.Context(), AssignmentRule{
		Name:         req.Name,
		Description:  req.Description,
		Trigger:      TriggerType(req.Trigger),
		TargetRoleID: req.TargetRoleID,
		Conditions: RuleConditions{
			CreatedAfter: req.CreatedAfter,
			HasRole:      req.HasRole,
			Metadata:     req.Metadata,
		},
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, rule)
}

type userCreatedRequest struct {
	UserID    string            `json:"user_id" validate:"required"`
	Username  string            `json:"username"`
	CreatedAt time.Time         `json:"created_at"`
	RoleNames []string          `json:"role_names"`
	Metadata  map[string]string `json:"metadata"`
}

func (h *Handler) triggerUserCreated(w http.ResponseWriter, r *http.Request) {
	var req userCreatedRequest
	if !h.decode(w, r, &req) {
		return
	}
	created, err := h.engine.ProcessRules(r.Context(), UserSnapshot{
		UserID:    req.UserID,
		Username:  req.Username,
		CreatedAt: req.CreatedAt,
		RoleNames: req.RoleNames,
		Metadata:  req.Metadata,
	}, TriggerUserCreated)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]any{"assignments": created})
}

type createDelegationRequest struct {
	DelegatorUserID string     `json:"delegator_user_id" validate:"required"`
	DelegateeUserID string     `json:"delegatee_user_id" validate:"required"`
	RoleID          string     `json:"role_id" validate:"required"`
	ContextType     string     `json:"context_type"`
	ContextID       string     `json:"context_id"`
	ExpiresAt       *time.Time `json:"expires_at"`
}

func (h *Handler) createDelegation(w http.ResponseWriter, r *http.Request) {
	var req createDelegationRequest
	if !h.decode(w, r, &req) {
		return
	}
	d, err := h.engine.Delegate(r.Context(), Delegation{
		DelegatorUserID: req.DelegatorUserID,
		DelegateeUserID: req.DelegateeUserID,
		RoleID:          req.RoleID,
		ContextType:     req.ContextType,
		ContextID:       req.ContextID,
		ExpiresAt:       req.ExpiresAt,
	})
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, d)
}

func (h *Handler) revokeDelegation(w http.ResponseWriter, r *http.Request) {
	if err := h.engine.Revoke(r.Context(), chi.URLParam(r, "delegationID")); err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

type checkRequest struct {
	UserID       string `json:"user_id" validate:"required"`
	ResourceType string `json:"resource_type" validate:"required"`
	ResourceID   string `json:"resource_id"`
	Operation    string `json:"operation" validate:"required"`
	ClientIP     string `json:"client_ip"`
	UserAgent    string `json:"user_agent"`
	DeviceType   string `json:"device_type"`
	ContextType  string `json:"context_type"`
	ContextID    string `json:"context_id"`
}

func (h *Handler) check(w http.ResponseWriter, r *http.Request) {
	var req checkRequest
	if !h.decode(w, r, &req) {
		return
	}
	access := AccessContext{
		ClientIP:    req.ClientIP,
		UserAgent:   req.UserAgent,
		DeviceType:  req.DeviceType,
		ContextType: req.ContextType,
		ContextID:   req.ContextID,
	}
	if access.ClientIP == "" {
		access.ClientIP = clientIP(r)
	}
	result, err := h.resolver.Check(r.Context(), req.UserID, ResourceType(req.ResourceType), req.ResourceID, Operation(req.Operation), access)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, result)
}

func (h *Handler) invalidate(r *http.Request, roleIDs ...string) {
	if h.cache != nil {
		h.cache.Invalidate(r.Context(), roleIDs...)
	}
}
