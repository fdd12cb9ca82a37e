package audithttp

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/warden-sec/warden/internal/audit"
)

const (
	defaultLimit = 50
	maxLimit     = 500
	maxRange     = 90 * 24 * time.Hour
)

// TrailReader is the query surface the handler needs from the trail.
type TrailReader interface {
	Events(ctx context.Context, q audit.Query) ([]audit.Event, error)
}

// Handler serves read-only audit queries as JSON.
type Handler struct {
	logger *slog.Logger
	trail  TrailReader
	now    func() time.Time
}

// NewHandler constructs the audit query handler.
func NewHandler(logger *slog.Logger, trail TrailReader) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{logger: logger, trail: trail, now: time.Now}
}

type eventPayload struct {
	ID           string            `json:"id"`
	Type         string            `json:"type"`
	Timestamp    time.Time         `json:"timestamp"`
	UserID       string            `json:"user_id,omitempty"`
	Username     string            `json:"username,omitempty"`
	ClientIP     string            `json:"client_ip,omitempty"`
	ResourceType string            `json:"resource_type,omitempty"`
	ResourceID   string            `json:"resource_id,omitempty"`
	Operation    string            `json:"operation,omitempty"`
	Decision     string            `json:"decision,omitempty"`
	Reason       string            `json:"reason,omitempty"`
	Success      bool              `json:"success"`
	DurationMS   int64             `json:"duration_ms,omitempty"`
	Metadata     map[string]string `json:"metadata,omitempty"`
}

func (h *Handler) handleEvents(w http.ResponseWriter, r *http.Request) {
	q, err := h.parseQuery(r)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	events, err := h.trail.Events(r.Context(), q)
	if err != nil {
		h.logger.Error("query audit events", slog.Any("error", err))
		http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
		return
	}
	payload := make([]eventPayload, 0, len(events))
	for _, e := range events {
		payload = append(payload, eventPayload{
			ID:           e.ID,
			Type:         string(e.Type),
			Timestamp:    e.Timestamp,
			UserID:       e.UserID,
			Username:     e.Username,
			ClientIP:     e.ClientIP,
			ResourceType: e.ResourceType,
			ResourceID:   e.ResourceID,
			Operation:    e.Operation,
			Decision:     e.Decision,
			Reason:       e.Reason,
			Success:      e.Success,
			DurationMS:   e.Duration.Milliseconds(),
			Metadata:     e.Metadata,
		})
	}
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	if err := json.NewEncoder(w).Encode(map[string]any{"events": payload}); err != nil {
		h.logger.Warn("encode audit events", slog.Any("error", err))
	}
}

func (h *Handler) parseQuery(r *http.Request) (audit.Query, error) {
	q := audit.Query{
		UserID: strings.TrimSpace(r.URL.Query().Get("user_id")),
		Type:   audit.EventType(strings.TrimSpace(r.URL.Query().Get("type"))),
		Limit:  defaultLimit,
	}
	if v := strings.TrimSpace(r.URL.Query().Get("limit")); v != "" {
		parsed, err := strconv.Atoi(v)
		if err != nil || parsed <= 0 {
			return audit.Query{}, errBadFilter("limit")
		}
		if parsed > maxLimit {
			parsed = maxLimit
		}
		q.Limit = parsed
	}
	now := h.now().UTC()
	if v := strings.TrimSpace(r.URL.Query().Get("from")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Query{}, errBadFilter("from")
		}
		q.From = t
	}
	if v := strings.TrimSpace(r.URL.Query().Get("to")); v != "" {
		t, err := time.Parse(time.RFC3339, v)
		if err != nil {
			return audit.Query{}, errBadFilter("to")
		}
		q.To = t
	} else if !q.From.IsZero() {
		q.To = now
	}
	if !q.From.IsZero() && !q.To.IsZero() {
		if q.From.After(q.To) || q.To.Sub(q.From) > maxRange {
			return audit.Query{}, errBadFilter("range")
		}
	}
	return q, nil
}

type errBadFilter string

func (e errBadFilter) Error() string {
	return "invalid filter: " + string(e)
}
