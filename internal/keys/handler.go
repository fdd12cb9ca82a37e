package keys

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/warden-sec/warden/internal/shared"
)

// RoleSource supplies the caller's active role names. The resolver in the
// rbac package satisfies this.
type RoleSource interface {
	RoleNamesForUser(ctx context.Context, userID string) ([]string, error)
}

// Handler exposes the key lifecycle and share endpoints. Every operation
// resolves the principal's roles first; the manager enforces access.
type Handler struct {
	logger    *slog.Logger
	manager   *Manager
	roles     RoleSource
	validator *validator.Validate
}

// NewHandler constructs the keys handler.
func NewHandler(logger *slog.Logger, manager *Manager, roles RoleSource) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, manager: manager, roles: roles, validator: validator.New()}
}

// MountRoutes registers the key routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/keys", func(r chi.Router) {
		r.Get("/status", h.status)
		r.Post("/", h.createKey)
		r.Post("/{keyID}/rotate", h.rotate)
		r.Post("/{keyID}/encrypt", h.encrypt)
		r.Post("/{keyID}/decrypt", h.decrypt)
	})
	r.Route("/shares", func(r chi.Router) {
		r.Post("/", h.createShare)
		r.Post("/{shareID}/access", h.accessShare)
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
	case errors.Is(err, shared.ErrAccessDenied):
		h.respond(w, http.StatusForbidden, map[string]string{"error": err.Error()})
	case errors.Is(err, shared.ErrExpired):
		h.respond(w, http.StatusGone, map[string]string{"error": err.Error()})
	case errors.Is(err, shared.ErrCryptoFailure):
		h.respond(w, http.StatusUnprocessableEntity, map[string]string{"error": err.Error()})
	case errors.Is(err, shared.ErrBackendUnavailable):
		h.respond(w, http.StatusServiceUnavailable, map[string]string{"error": "backend unavailable"})
	default:
		h.logger.Error("keys admin", slog.Any("error", err))
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

func (h *Handler) callerRoles(w http.ResponseWriter, r *http.Request) ([]string, bool) {
	principal, ok := shared.PrincipalFromContext(r.Context())
	if !ok {
		h.respond(w, http.StatusUnauthorized, map[string]string{"error": "missing principal"})
		return nil, false
	}
	roles, err := h.roles.RoleNamesForUser(r.Context(), principal.UserID)
	if err != nil {
		h.respondError(w, err)
		return nil, false
	}
	return roles, true
}

func keyView(k Key) map[string]any {
	return map[string]any{
		"id":          k.ID,
		"name":        k.Name,
		"algorithm":   k.Algorithm,
		"level":       k.Level,
		"role_access": k.RoleAccess,
		"created_at":  k.CreatedAt,
		"rotate_at":   k.RotateAt,
		"expires_at":  k.ExpiresAt,
		"rotated_to":  k.RotatedTo,
		"is_active":   k.IsActive,
	}
}

func (h *Handler) status(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.manager.StatusReport())
}

type createKeyRequest struct {
	Name       string   `json:"name" validate:"required,min=2,max=120"`
	Algorithm  string   `json:"algorithm" validate:"required,oneof=aes-256-gcm chacha20-poly1305 nacl-box"`
	Level      string   `json:"level" validate:"required,oneof=basic enhanced maximum"`
	RoleAccess []string `json:"role_access" validate:"required,min=1"`
	TTLSeconds int      `json:"ttl_seconds" validate:"min=0"`
}

func (h *Handler) createKey(w http.ResponseWriter, r *http.Request) {
	var req createKeyRequest
	if !h.decode(w, r, &req) {
		return
	}
	key, err := h.manager.CreateKey(r.Context(), req.Name, Algorithm(req.Algorithm), SecurityLevel(req.Level), req.RoleAccess,
		time.Duration(req.TTLSeconds)*time.Second)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, keyView(key))
}

func (h *Handler) rotate(w http.ResponseWriter, r *http.Request) {
	key, err := h.manager.Rotate(r.Context(), chi.URLParam(r, "keyID"))
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, keyView(key))
}

type encryptRequest struct {
	Plaintext string `json:"plaintext" validate:"required"`
}

func (h *Handler) encrypt(w http.ResponseWriter, r *http.Request) {
	roles, ok := h.callerRoles(w, r)
	if !ok {
		return
	}
	var req encryptRequest
	if !h.decode(w, r, &req) {
		return
	}
	plaintext, err := base64.StdEncoding.DecodeString(req.Plaintext)
	if err != nil {
		h.respond(w, http.StatusBadRequest, map[string]string{"error": "plaintext must be base64"})
		return
	}
	ciphertext, err := h.manager.Encrypt(r.Context(), chi.URLParam(r, "keyID"), plaintext, roles)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{
		"ciphertext": base64.StdEncoding.EncodeToString(ciphertext),
	})
}

type decryptRequest struct {
	Ciphertext string `json:"ciphertext" validate:"required"`
}

func (h *Handler) decrypt(w http.ResponseWriter, r *http.Request) {
	roles, ok := h.callerRoles(w, r)
	if !ok {
		return
	}
	var req decryptRequest
	if !h.decode(w, r, &req) {
		return
	}
	ciphertext, err := base64.StdEncoding.DecodeString(req.Ciphertext)
	if err != nil {
		h.respond(w, http.StatusBadRequest, map[string]string{"error": "ciphertext must be base64"})
		return
	}
	plaintext, err := h.manager.Decrypt(r.Context(), chi.URLParam(r, "keyID"), ciphertext, roles)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{
		"plaintext": base64.StdEncoding.EncodeToString(plaintext),
	})
}

type createShareRequest struct {
	Data           string   `json:"data" validate:"required"`
	RecipientRoles []string `json:"recipient_roles" validate:"required,min=1"`
	TTLSeconds     int      `json:"ttl_seconds" validate:"min=0"`
	MaxAccesses    int      `json:"max_accesses" validate:"min=0"`
}

func (h *Handler) createShare(w http.ResponseWriter, r *http.Request) {
	var req createShareRequest
	if !h.decode(w, r, &req) {
		return
	}
	data, err := base64.StdEncoding.DecodeString(req.Data)
	if err != nil {
		h.respond(w, http.StatusBadRequest, map[string]string{"error": "data must be base64"})
		return
	}
	share, err := h.manager.CreateShare(r.Context(), data, req.RecipientRoles,
		time.Duration(req.TTLSeconds)*time.Second, req.MaxAccesses)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusCreated, map[string]any{
		"id":              share.ID,
		"recipient_roles": share.RecipientRoles,
		"expires_at":      share.ExpiresAt,
		"max_accesses":    share.MaxAccesses,
	})
}

func (h *Handler) accessShare(w http.ResponseWriter, r *http.Request) {
	roles, ok := h.callerRoles(w, r)
	if !ok {
		return
	}
	data, err := h.manager.AccessShare(r.Context(), chi.URLParam(r, "shareID"), roles)
	if err != nil {
		h.respondError(w, err)
		return
	}
	h.respond(w, http.StatusOK, map[string]string{
		"data": base64.StdEncoding.EncodeToString(data),
	})
}
