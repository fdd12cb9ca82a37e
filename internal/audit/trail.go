package audit

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Sink persists audit events. Implementations translate backend failures
// into the shared error taxonomy.
type Sink interface {
	Append(ctx context.Context, e Event) error
	Events(ctx context.Context, q Query) ([]Event, error)
	Health(ctx context.Context) error
}

// Trail is the append-only audit log. Log never returns an error and never
// blocks the caller's critical path: a sink failure is reported to the local
// logger and the event is still fanned out to subscribers, so a broken
// backend degrades durability but not monitoring.
type Trail struct {
	sink   Sink
	logger *slog.Logger
	clock  func() time.Time

	mu   sync.RWMutex
	subs []chan Event
}

// NewTrail constructs a Trail on the given sink.
func NewTrail(sink Sink, logger *slog.Logger) *Trail {
	if logger == nil {
		logger = slog.Default()
	}
	return &Trail{sink: sink, logger: logger, clock: time.Now}
}

// SetClock overrides the trail clock. Test hook.
func (t *Trail) SetClock(clock func() time.Time) {
	t.clock = clock
}

// Log stamps and records the event.
func (t *Trail) Log(ctx context.Context, e Event) {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = t.clock()
	}
	if err := t.sink.Append(ctx, e); err != nil {
		t.logger.Error("audit append failed",
			slog.String("event_type", string(e.Type)),
			slog.String("user_id", e.UserID),
			slog.Any("error", err))
	}
	t.fanout(e)
}

func (t *Trail) fanout(e Event) {
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, ch := range t.subs {
		select {
		case ch <- e:
		default:
			// Slow subscriber loses events rather than stalling writers.
		}
	}
}

// Subscribe returns a buffered stream of future events and a cancel func.
func (t *Trail) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 256)
	t.mu.Lock()
	t.subs = append(t.subs, ch)
	t.mu.Unlock()

	cancel := func() {
		t.mu.Lock()
		defer t.mu.Unlock()
		for i, sub := range t.subs {
			if sub == ch {
				t.subs = append(t.subs[:i], t.subs[i+1:]...)
				close(ch)
				return
			}
		}
	}
	return ch, cancel
}

// Events queries the sink.
func (t *Trail) Events(ctx context.Context, q Query) ([]Event, error) {
	return t.sink.Events(ctx, q)
}

// Health reports sink reachability.
func (t *Trail) Health(ctx context.Context) error {
	return t.sink.Health(ctx)
}
