package monitor

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/warden-sec/warden/internal/audit"
	"github.com/warden-sec/warden/internal/shared"
)

// Config tunes detection thresholds and loop cadences. Zero values fall back
// to the defaults applied in withDefaults.
type Config struct {
	FailedLoginThreshold int
	FailedLoginWindow    time.Duration
	DenialThreshold      int
	DenialWindow         time.Duration
	BulkOpThreshold      int
	BulkOpWindow         time.Duration
	RoleChurnThreshold   int
	RoleChurnWindow      time.Duration

	// OffHoursStart/End bound the normal working window; accesses outside
	// it count toward the off-hours ratio.
	OffHoursStart    int
	OffHoursEnd      int
	OffHoursRatio    float64
	OffHoursMinCount int

	// MeanIntervalFloor is the mean inter-event interval below which a
	// subject's activity is considered machine-driven.
	MeanIntervalFloor time.Duration
	MinEventsForRate  int

	ConfidenceThreshold float64
	EventWindow         time.Duration
	AlertRetention      time.Duration

	// AdminRoleIDs marks roles whose delegation crosses the administrative
	// boundary.
	AdminRoleIDs []string

	ScanInterval    time.Duration
	CleanupInterval time.Duration
	MetricsInterval time.Duration
}

func (c Config) withDefaults() Config {
	def := func(v *int, d int) {
		if *v <= 0 {
			*v = d
		}
	}
	defDur := func(v *time.Duration, d time.Duration) {
		if *v <= 0 {
			*v = d
		}
	}
	def(&c.FailedLoginThreshold, 5)
	defDur(&c.FailedLoginWindow, 15*time.Minute)
	def(&c.DenialThreshold, 10)
	defDur(&c.DenialWindow, time.Hour)
	def(&c.BulkOpThreshold, 10)
	defDur(&c.BulkOpWindow, 24*time.Hour)
	def(&c.RoleChurnThreshold, 3)
	defDur(&c.RoleChurnWindow, time.Hour)
	// Both zero means unconfigured; a deliberate midnight boundary
	// (start 0, end N) is left alone.
	if c.OffHoursStart == 0 && c.OffHoursEnd == 0 {
		c.OffHoursStart = 22
		c.OffHoursEnd = 6
	}
	if c.OffHoursRatio <= 0 {
		c.OffHoursRatio = 0.3
	}
	def(&c.OffHoursMinCount, 5)
	defDur(&c.MeanIntervalFloor, time.Minute)
	def(&c.MinEventsForRate, 10)
	if c.ConfidenceThreshold <= 0 {
		c.ConfidenceThreshold = 0.7
	}
	defDur(&c.EventWindow, 24*time.Hour)
	defDur(&c.AlertRetention, 7*24*time.Hour)
	defDur(&c.ScanInterval, 5*time.Minute)
	defDur(&c.CleanupInterval, time.Hour)
	defDur(&c.MetricsInterval, 30*time.Minute)
	return c
}

// MetricsRecorder receives monitor observations for export.
type MetricsRecorder interface {
	AlertRaised(alertType, level string)
	SecuritySample(m SecurityMetrics)
}

// Monitor watches the audit stream and raises alerts. Every detection runs
// isolated: a panicking or failing rule is logged and the rest keep going.
type Monitor struct {
	cfg     Config
	trail   *audit.Trail
	logger  *slog.Logger
	metrics MetricsRecorder
	clock   func() time.Time

	mu         sync.Mutex
	byUser     map[string]*window
	byIP       map[string]*window
	alerts     map[string]*Alert
	dedup      map[string]time.Time
	lastSample SecurityMetrics
}

// New constructs a Monitor. trail and metrics may be nil.
func New(cfg Config, trail *audit.Trail, metrics MetricsRecorder, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		cfg:     cfg.withDefaults(),
		trail:   trail,
		logger:  logger,
		metrics: metrics,
		clock:   time.Now,
		byUser:  make(map[string]*window),
		byIP:    make(map[string]*window),
		alerts:  make(map[string]*Alert),
		dedup:   make(map[string]time.Time),
	}
}

// SetClock overrides the monitor clock. Test hook.
func (m *Monitor) SetClock(clock func() time.Time) {
	m.clock = clock
}

// Run consumes the event stream and drives the periodic loops until ctx is
// done.
func (m *Monitor) Run(ctx context.Context, events <-chan audit.Event) error {
	g, ctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case e, ok := <-events:
				if !ok {
					return nil
				}
				m.Ingest(e)
			}
		}
	})
	g.Go(func() error { return m.loop(ctx, m.cfg.ScanInterval, m.Scan) })
	g.Go(func() error { return m.loop(ctx, m.cfg.CleanupInterval, func() { m.Cleanup() }) })
	g.Go(func() error { return m.loop(ctx, m.cfg.MetricsInterval, func() { m.ComputeMetrics() }) })

	return g.Wait()
}

func (m *Monitor) loop(ctx context.Context, interval time.Duration, fn func()) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			fn()
		}
	}
}

// Ingest records one event and runs the event-driven detections.
func (m *Monitor) Ingest(e audit.Event) {
	if e.Timestamp.IsZero() {
		e.Timestamp = m.clock()
	}
	rec := record{
		at:        e.Timestamp,
		eventType: e.Type,
		operation: e.Operation,
		decision:  e.Decision,
	}

	m.mu.Lock()
	if e.UserID != "" {
		m.userWindowLocked(e.UserID).append(rec)
	}
	if e.ClientIP != "" {
		m.ipWindowLocked(e.ClientIP).append(rec)
	}
	m.mu.Unlock()

	switch e.Type {
	case audit.EventLoginFailed:
		m.detect("brute_force", func() { m.detectBruteForce(e) })
		if e.ClientIP != "" {
			m.detect("brute_force_ip", func() { m.detectBruteForceIP(e) })
		}
	case audit.EventPermissionDenied:
		m.detect("privilege_escalation", func() { m.detectEscalation(e) })
	case audit.EventPermissionGranted:
		m.detect("bulk_operation", func() { m.detectBulkOps(e) })
	case audit.EventRoleAssigned, audit.EventRoleRemoved:
		m.detect("role_churn", func() { m.detectRoleChurn(e) })
	case audit.EventRoleDelegated:
		m.detect("cross_boundary", func() { m.detectCrossBoundary(e) })
	}
	if e.UserID != "" {
		m.detect("anomalous_rate", func() { m.detectAnomalousRate(e) })
	}
}

func (m *Monitor) userWindowLocked(userID string) *window {
	w, ok := m.byUser[userID]
	if !ok {
		w = newWindow()
		m.byUser[userID] = w
	}
	return w
}

func (m *Monitor) ipWindowLocked(ip string) *window {
	w, ok := m.byIP[ip]
	if !ok {
		w = newWindow()
		m.byIP[ip] = w
	}
	return w
}

// detect isolates one rule: a panic is contained and logged.
func (m *Monitor) detect(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Error("detection panicked",
				slog.String("detection", name),
				slog.Any("panic", r))
		}
	}()
	fn()
}

// raise registers an alert unless an identical one exists in the current
// dedup bucket. Only the statistical rate detection is gated on confidence;
// threshold-count detections are deterministic and always report.
func (m *Monitor) raise(a Alert, bucket time.Duration) {
	if a.Type == AlertAnomalousRate && a.Confidence < m.cfg.ConfidenceThreshold {
		return
	}
	now := m.clock()
	key := fmt.Sprintf("%s|%s|%d", a.Type, a.Subject, now.Truncate(bucket).Unix())

	m.mu.Lock()
	if _, seen := m.dedup[key]; seen {
		m.mu.Unlock()
		return
	}
	m.dedup[key] = now
	a.ID = uuid.NewString()
	a.DetectedAt = now
	m.alerts[a.ID] = &a
	m.mu.Unlock()

	m.logger.Warn("security alert",
		slog.String("type", string(a.Type)),
		slog.String("level", string(a.Level)),
		slog.String("subject", a.Subject),
		slog.Float64("confidence", a.Confidence))
	if m.metrics != nil {
		m.metrics.AlertRaised(string(a.Type), string(a.Level))
	}
	if m.trail != nil {
		m.trail.Log(context.Background(), audit.Event{
			Type:    audit.EventAnomalyDetected,
			UserID:  a.Subject,
			Reason:  string(a.Type),
			Success: true,
			Metadata: map[string]string{
				"alert_id": a.ID,
				"level":    string(a.Level),
			},
		})
	}
}

// Resolve marks an alert handled.
func (m *Monitor) Resolve(alertID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	a, ok := m.alerts[alertID]
	if !ok {
		return fmt.Errorf("monitor: alert %s: %w", alertID, shared.ErrNotFound)
	}
	if a.Resolved {
		return nil
	}
	now := m.clock()
	a.Resolved = true
	a.ResolvedAt = &now
	return nil
}

// Alerts returns alerts, unresolved first, newest first within each group.
func (m *Monitor) Alerts(includeResolved bool) []Alert {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Alert, 0, len(m.alerts))
	for _, a := range m.alerts {
		if a.Resolved && !includeResolved {
			continue
		}
		out = append(out, *a)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Resolved != out[j].Resolved {
			return !out[i].Resolved
		}
		return out[i].DetectedAt.After(out[j].DetectedAt)
	})
	return out
}

// Cleanup prunes event windows past the retention window and drops alerts
// and dedup entries past alert retention. Returns dropped alert count.
func (m *Monitor) Cleanup() int {
	now := m.clock()
	eventCutoff := now.Add(-m.cfg.EventWindow)
	alertCutoff := now.Add(-m.cfg.AlertRetention)

	m.mu.Lock()
	defer m.mu.Unlock()
	for id, w := range m.byUser {
		w.prune(eventCutoff)
		if w.len() == 0 {
			delete(m.byUser, id)
		}
	}
	for ip, w := range m.byIP {
		w.prune(eventCutoff)
		if w.len() == 0 {
			delete(m.byIP, ip)
		}
	}
	dropped := 0
	for id, a := range m.alerts {
		if a.DetectedAt.Before(alertCutoff) {
			delete(m.alerts, id)
			dropped++
		}
	}
	for key, at := range m.dedup {
		if at.Before(alertCutoff) {
			delete(m.dedup, key)
		}
	}
	return dropped
}
