package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	jobmetrics "github.com/warden-sec/warden/internal/jobs"
	"github.com/warden-sec/warden/internal/rbac"
)

const defaultAuditRetention = 90 * 24 * time.Hour

// EventPruner drops audit events older than the cutoff. The audit sinks
// satisfy this.
type EventPruner interface {
	Prune(ctx context.Context, cutoff time.Time) (int, error)
}

// RetentionJob sweeps aged audit events and expired delegations in one
// pass. Key and share expiry is handled by the key manager's own sweep,
// which has to live next to the material.
type RetentionJob struct {
	Pruner  EventPruner
	Engine  *rbac.Engine
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewRetentionJob initialises the retention sweep handler.
func NewRetentionJob(pruner EventPruner, engine *rbac.Engine, logger *slog.Logger, metrics *jobmetrics.Metrics) *RetentionJob {
	return &RetentionJob{
		Pruner:  pruner,
		Engine:  engine,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the retention sweep.
func (j *RetentionJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil {
		return errors.New("retention sweep: handler not configured")
	}
	var payload RetentionPayload
	if len(t.Payload()) > 0 {
		if err := json.Unmarshal(t.Payload(), &payload); err != nil {
			return asynq.SkipRetry
		}
	}
	retention := defaultAuditRetention
	if payload.AuditRetentionHours > 0 {
		retention = time.Duration(payload.AuditRetentionHours) * time.Hour
	}

	start := j.now()
	tracker := j.metrics().Track(TaskRetentionSweep)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger().With(slog.Duration("audit_retention", retention))
	logger.Info("starting retention sweep")

	var pruned, delegations int
	if j.Pruner != nil {
		n, err := j.Pruner.Prune(ctx, start.Add(-retention))
		if err != nil {
			resultErr = err
			logger.Error("prune audit events", slog.Any("error", err))
			return resultErr
		}
		pruned = n
		j.metrics().AddItems(TaskRetentionSweep, "audit_events", n)
	}
	if j.Engine != nil {
		n, err := j.Engine.ExpireDelegations(ctx)
		if err != nil {
			resultErr = err
			logger.Error("expire delegations", slog.Any("error", err))
			return resultErr
		}
		delegations = n
		j.metrics().AddItems(TaskRetentionSweep, "delegations", n)
	}

	logger.Info("completed retention sweep",
		slog.Int("audit_events", pruned),
		slog.Int("delegations", delegations),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *RetentionJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskRetentionSweep))
	}
	return slog.Default().With(slog.String("job", TaskRetentionSweep))
}

func (j *RetentionJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *RetentionJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
