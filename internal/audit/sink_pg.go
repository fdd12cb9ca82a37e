package audit

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/warden-sec/warden/internal/shared"
)

// PGSink persists events into audit_events. Metadata is stored as JSONB.
type PGSink struct {
	pool *pgxpool.Pool
}

// NewPGSink returns a Sink on the provided pool.
func NewPGSink(pool *pgxpool.Pool) *PGSink {
	return &PGSink{pool: pool}
}

func (s *PGSink) Append(ctx context.Context, e Event) error {
	meta, err := json.Marshal(e.Metadata)
	if err != nil {
		return fmt.Errorf("audit: encode metadata: %w", err)
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO audit_events (id, event_type, occurred_at, user_id, username, client_ip, resource_type, resource_id, operation, decision, reason, success, duration_ms, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		e.ID, e.Type, e.Timestamp, e.UserID, e.Username, e.ClientIP, e.ResourceType, e.ResourceID, e.Operation, e.Decision, e.Reason, e.Success, e.Duration.Milliseconds(), meta)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
			return fmt.Errorf("audit: append: %w", shared.ErrBackendUnavailable)
		}
		return fmt.Errorf("audit: append: %w", err)
	}
	return nil
}

func (s *PGSink) Events(ctx context.Context, q Query) ([]Event, error) {
	sql := `
		SELECT id, event_type, occurred_at, user_id, username, client_ip, resource_type, resource_id, operation, decision, reason, success, duration_ms, metadata
		FROM audit_events WHERE TRUE`
	args := []any{}
	if q.UserID != "" {
		args = append(args, q.UserID)
		sql += ` AND user_id = $` + strconv.Itoa(len(args))
	}
	if q.Type != "" {
		args = append(args, q.Type)
		sql += ` AND event_type = $` + strconv.Itoa(len(args))
	}
	if !q.From.IsZero() {
		args = append(args, q.From)
		sql += ` AND occurred_at >= $` + strconv.Itoa(len(args))
	}
	if !q.To.IsZero() {
		args = append(args, q.To)
		sql += ` AND occurred_at <= $` + strconv.Itoa(len(args))
	}
	sql += ` ORDER BY occurred_at DESC`
	if q.Limit > 0 {
		args = append(args, q.Limit)
		sql += ` LIMIT $` + strconv.Itoa(len(args))
	}

	rows, err := s.pool.Query(ctx, sql, args...)
	if err != nil {
		return nil, fmt.Errorf("audit: query: %w", err)
	}
	defer rows.Close()
	var out []Event
	for rows.Next() {
		var (
			e          Event
			durationMS int64
			meta       []byte
		)
		if err := rows.Scan(&e.ID, &e.Type, &e.Timestamp, &e.UserID, &e.Username, &e.ClientIP, &e.ResourceType, &e.ResourceID, &e.Operation, &e.Decision, &e.Reason, &e.Success, &durationMS, &meta); err != nil {
			return nil, fmt.Errorf("audit: scan: %w", err)
		}
		e.Duration = time.Duration(durationMS) * time.Millisecond
		if len(meta) > 0 {
			_ = json.Unmarshal(meta, &e.Metadata)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// Prune deletes events older than cutoff and returns how many were removed.
func (s *PGSink) Prune(ctx context.Context, cutoff time.Time) (int, error) {
	tag, err := s.pool.Exec(ctx, `DELETE FROM audit_events WHERE occurred_at < $1`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("audit: prune: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (s *PGSink) Health(ctx context.Context) error {
	if err := s.pool.Ping(ctx); err != nil {
		return fmt.Errorf("audit: %w", shared.ErrBackendUnavailable)
	}
	return nil
}
