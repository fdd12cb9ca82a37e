package jobs

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/hibiken/asynq"

	"github.com/warden-sec/warden/internal/audit"
	jobmetrics "github.com/warden-sec/warden/internal/jobs"
	"github.com/warden-sec/warden/internal/monitor"
)

// MonitorScanJob replays the persisted audit trail through a fresh monitor
// and scans it. The streaming monitor inside the API process only sees
// events logged while it is up; this pass covers restarts and catches the
// slow patterns a live dispatch can miss.
type MonitorScanJob struct {
	Trail   *audit.Trail
	Config  monitor.Config
	Logger  *slog.Logger
	Metrics *jobmetrics.Metrics
	clock   func() time.Time
}

// NewMonitorScanJob initialises the deep scan handler.
func NewMonitorScanJob(trail *audit.Trail, cfg monitor.Config, logger *slog.Logger, metrics *jobmetrics.Metrics) *MonitorScanJob {
	return &MonitorScanJob{
		Trail:   trail,
		Config:  cfg,
		Logger:  logger,
		Metrics: metrics,
		clock: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// Handle executes the deep scan.
func (j *MonitorScanJob) Handle(ctx context.Context, t *asynq.Task) error {
	if j == nil || j.Trail == nil {
		return errors.New("monitor scan: handler not configured")
	}
	start := j.now()
	tracker := j.metrics().Track(TaskMonitorScan)
	var resultErr error
	defer func() {
		resultErr = tracker.End(resultErr)
	}()

	logger := j.logger()
	logger.Info("starting deep scan")

	events, err := j.Trail.Events(ctx, audit.Query{From: start.Add(-24 * time.Hour)})
	if err != nil {
		resultErr = err
		logger.Error("load audit events", slog.Any("error", err))
		return resultErr
	}

	// Replay oldest first so windowed detections see events in order.
	mon := monitor.New(j.Config, j.Trail, nil, logger)
	for i := len(events) - 1; i >= 0; i-- {
		if events[i].Type == audit.EventAnomalyDetected {
			continue
		}
		mon.Ingest(events[i])
	}
	mon.Scan()
	alerts := mon.Alerts(false)
	j.metrics().AddItems(TaskMonitorScan, "alerts", len(alerts))

	logger.Info("completed deep scan",
		slog.Int("events", len(events)),
		slog.Int("alerts", len(alerts)),
		slog.Duration("duration", time.Since(start)),
	)
	return resultErr
}

func (j *MonitorScanJob) logger() *slog.Logger {
	if j.Logger != nil {
		return j.Logger.With(slog.String("job", TaskMonitorScan))
	}
	return slog.Default().With(slog.String("job", TaskMonitorScan))
}

func (j *MonitorScanJob) metrics() *jobmetrics.Metrics {
	if j.Metrics != nil {
		return j.Metrics
	}
	return jobmetrics.NewMetrics(nil)
}

func (j *MonitorScanJob) now() time.Time {
	if j.clock != nil {
		return j.clock()
	}
	return time.Now().UTC()
}
