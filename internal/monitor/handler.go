package monitor

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/warden-sec/warden/internal/shared"
)

// Handler serves the monitoring read surface and alert resolution.
type Handler struct {
	logger  *slog.Logger
	monitor *Monitor
}

// NewHandler constructs the monitor handler.
func NewHandler(logger *slog.Logger, monitor *Monitor) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, monitor: monitor}
}

// MountRoutes registers the monitor routes.
func (h *Handler) MountRoutes(r chi.Router) {
	r.Route("/monitor", func(r chi.Router) {
		r.Get("/dashboard", h.dashboard)
		r.Get("/alerts", h.alerts)
		r.Post("/alerts/{alertID}/resolve", h.resolve)
		r.Get("/users/{userID}/profile", h.profile)
		r.Get("/metrics", h.securityMetrics)
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

func (h *Handler) dashboard(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.monitor.Dashboard())
}

func (h *Handler) alerts(w http.ResponseWriter, r *http.Request) {
	includeResolved, _ := strconv.ParseBool(r.URL.Query().Get("include_resolved"))
	h.respond(w, http.StatusOK, map[string]any{"alerts": h.monitor.Alerts(includeResolved)})
}

func (h *Handler) resolve(w http.ResponseWriter, r *http.Request) {
	err := h.monitor.Resolve(chi.URLParam(r, "alertID"))
	if err != nil {
		if errors.Is(err, shared.ErrNotFound) {
			h.respond(w, http.StatusNotFound, map[string]string{"error": err.Error()})
			return
		}
		h.logger.Error("resolve alert", slog.Any("error", err))
		h.respond(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
		return
	}
	h.respond(w, http.StatusNoContent, nil)
}

func (h *Handler) profile(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.monitor.Profile(chi.URLParam(r, "userID")))
}

func (h *Handler) securityMetrics(w http.ResponseWriter, r *http.Request) {
	h.respond(w, http.StatusOK, h.monitor.LastMetrics())
}
