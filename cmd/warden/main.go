package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/hibiken/asynq"

	"github.com/warden-sec/warden/internal/app"
	"github.com/warden-sec/warden/internal/audit"
	audithttp "github.com/warden-sec/warden/internal/audit/http"
	"github.com/warden-sec/warden/internal/keys"
	"github.com/warden-sec/warden/internal/monitor"
	"github.com/warden-sec/warden/internal/observability"
	"github.com/warden-sec/warden/internal/platform/cache"
	"github.com/warden-sec/warden/internal/platform/db"
	"github.com/warden-sec/warden/internal/rbac"
	"github.com/warden-sec/warden/jobs"
)

func main() {
	if app.InTestMode() {
		slog.Default().Info("test mode detected, skipping runtime startup")
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
		logger.Error("connect postgres", slog.Any("error", err))
		os.Exit(1)
	}
	defer pool.Close()

	redisClient, err := cache.New(ctx, cfg.RedisAddr)
	if err != nil {
		logger.Error("connect redis", slog.Any("error", err))
		os.Exit(1)
	}
	defer func() {
		if err := redisClient.Close(); err != nil {
			logger.Warn("redis close", slog.Any("error", err))
		}
	}()

	metrics := observability.NewMetrics()

	trail := audit.NewTrail(audit.NewPGSink(pool), logger)

	store := rbac.NewPGStore(pool)
	permCache := rbac.NewRedisPermissionCache(redisClient, cfg.CacheTTL, logger)
	graph := rbac.NewGraph(store)
	resolver := rbac.NewResolver(store, graph, trail, permCache, logger)
	engine := rbac.NewEngine(store, trail, permCache, logger)
	rbacHandler := rbac.NewHandler(logger, store, graph, resolver, engine, permCache)
	rbacMiddleware := rbac.Middleware{Resolver: resolver, Logger: logger}

	keyManager, err := keys.NewManager(keys.Config{BackupRetention: cfg.KeyBackupRetention}, trail, logger)
	if err != nil {
		logger.Error("init key manager", slog.Any("error", err))
		os.Exit(1)
	}
	keysHandler := keys.NewHandler(logger, keyManager, resolver)
	// Key material never leaves this process, so the rotation and share
	// sweeps run beside the manager serving traffic.
	go func() {
		if err := keyManager.Run(ctx); err != nil && err != context.Canceled {
			logger.Error("key sweep loop", slog.Any("error", err))
		}
	}()

	mon := monitor.New(monitor.Config{AdminRoleIDs: cfg.AdminRoleIDs}, trail, metrics, logger)
	events, unsubscribe := trail.Subscribe()
	defer unsubscribe()
	go func() {
		if err := mon.Run(ctx, events); err != nil && err != context.Canceled {
			logger.Error("monitor run", slog.Any("error", err))
		}
	}()
	monitorHandler := monitor.NewHandler(logger, mon)

	counted, uncount := trail.Subscribe()
	defer uncount()
	go func() {
		for e := range counted {
			metrics.AuditEvent(string(e.Type))
			switch e.Type {
			case audit.EventPermissionGranted:
				metrics.PermissionCheck(true)
			case audit.EventPermissionDenied:
				metrics.PermissionCheck(false)
			case audit.EventKeyCreated:
				metrics.KeyOperation("create")
			case audit.EventKeyRotated:
				metrics.KeyOperation("rotate")
			case audit.EventDataEncrypted:
				metrics.KeyOperation("encrypt")
			case audit.EventDataDecrypted:
				metrics.KeyOperation("decrypt")
			}
		}
	}()

	auditHandler := audithttp.NewHandler(logger, trail)

	inspector := asynq.NewInspector(asynq.RedisClientOpt{Addr: cfg.RedisAddr})
	defer func() {
		if err := inspector.Close(); err != nil {
			logger.Warn("inspector close", slog.Any("error", err))
		}
	}()
	jobHandler := jobs.NewHandler(inspector, logger)

	router := app.NewRouter(app.RouterParams{
		Logger:         logger,
		Config:         cfg,
		RBACHandler:    rbacHandler,
		AuditHandler:   auditHandler,
		MonitorHandler: monitorHandler,
		KeysHandler:    keysHandler,
		JobHandler:     jobHandler,
		RBACMiddleware: rbacMiddleware,
		Pool:           pool,
		Metrics:        metrics,
	})

	server := &http.Server{
		Addr:         cfg.AppAddr,
		Handler:      router,
		ReadTimeout:  cfg.AppReadTimeout,
		WriteTimeout: cfg.AppWriteTimeout,
	}

	go func() {
		logger.Info("starting http server", slog.String("addr", cfg.AppAddr))
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("http server", slog.Any("error", err))
			stop()
		}
	}()

	<-ctx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("graceful shutdown", slog.Any("error", err))
	}
}
