package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/hibiken/asynq"

	"github.com/warden-sec/warden/internal/app"
	"github.com/warden-sec/warden/internal/audit"
	jobmetrics "github.com/warden-sec/warden/internal/jobs"
	"github.com/warden-sec/warden/internal/monitor"
	"github.com/warden-sec/warden/internal/platform/db"
	"github.com/warden-sec/warden/internal/rbac"
	"github.com/warden-sec/warden/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping worker startup")
		return
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg, err := app.LoadConfig()
	if err != nil {
		slog.Default().Error("load config", slog.Any("error", err))
		os.Exit(1)
	}

	logger := app.NewLogger(cfg)

	pool, err := db.New(ctx, cfg.PGDSN)
	if err != nil {
		logger.Error("connect database", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	metrics := jobmetrics.NewMetrics(nil)

	sink := audit.NewPGSink(pool)
	trail := audit.NewTrail(sink, logger)

	store := rbac.NewPGStore(pool)
	engine := rbac.NewEngine(store, trail, nil, logger)

	scanJob := jobs.NewMonitorScanJob(trail, monitor.Config{AdminRoleIDs: cfg.AdminRoleIDs}, logger, metrics)
	retentionJob := jobs.NewRetentionJob(sink, engine, logger, metrics)

	retentionTask, err := jobs.NewRetentionSweepTask(jobs.RetentionPayload{
		AuditRetentionHours: int(cfg.AuditRetention.Hours()),
	})
	if err != nil {
		logger.Error("build retention task", slog.Any("error", err))
		os.Exit(1)
	}

	worker, err := jobs.NewWorker(jobs.WorkerConfig{
		RedisOpts: asynq.RedisClientOpt{Addr: cfg.RedisAddr},
		Logger:    logger,
		Handlers: []jobs.TaskHandler{
			{Type: jobs.TaskMonitorScan, Handler: scanJob.Handle},
			{Type: jobs.TaskRetentionSweep, Handler: retentionJob.Handle},
		},
		Cron: []jobs.CronRegistration{
			{Spec: "0 1 * * *", Task: jobs.NewMonitorScanTask(), Options: []asynq.Option{asynq.MaxRetry(1)}},
			{Spec: "30 2 * * *", Task: retentionTask, Options: []asynq.Option{asynq.MaxRetry(3)}},
		},
	})
	if err != nil {
		logger.Error("init worker", slog.Any("error", err))
		os.Exit(1)
	}

	if err := worker.Run(ctx); err != nil && err != context.Canceled {
		logger.Error("worker run", slog.Any("error", err))
		os.Exit(1)
	}
}
