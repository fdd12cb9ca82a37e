package app

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/jackc/pgx/v5/pgxpool"

	audithttp "github.com/warden-sec/warden/internal/audit/http"
	"github.com/warden-sec/warden/internal/keys"
	"github.com/warden-sec/warden/internal/monitor"
	"github.com/warden-sec/warden/internal/observability"
	"github.com/warden-sec/warden/internal/rbac"
	"github.com/warden-sec/warden/jobs"
)

// RouterParams groups dependencies for building the HTTP router.
type RouterParams struct {
	Logger         *slog.Logger
	Config         *Config
	RBACHandler    *rbac.Handler
	AuditHandler   *audithttp.Handler
	MonitorHandler *monitor.Handler
	KeysHandler    *keys.Handler
	JobHandler     *jobs.Handler
	RBACMiddleware rbac.Middleware
	Pool           *pgxpool.Pool
	Metrics        *observability.Metrics
}

// NewRouter constructs the chi.Router with Warden defaults.
func NewRouter(params RouterParams) http.Handler {
	r := chi.NewRouter()

	for _, mw := range MiddlewareStack(MiddlewareConfig{
		Logger:  params.Logger,
		Config:  params.Config,
		Metrics: params.Metrics,
	}) {
		r.Use(mw)
	}

	r.Use(chimw.Logger)

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		if params.Pool != nil {
			if err := params.Pool.Ping(r.Context()); err != nil {
				params.Logger.Warn("healthz db ping", slog.Any("error", err))
				w.WriteHeader(http.StatusServiceUnavailable)
				_, _ = w.Write([]byte(`{"status":"degraded"}`))
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	adminOnly := params.RBACMiddleware.RequireAny(rbac.Requirement{
		Resource:  rbac.ResourceSystem,
		Operation: rbac.OpManage,
	})

	if params.RBACHandler != nil {
		r.Group(func(gr chi.Router) {
			gr.Use(adminOnly)
			params.RBACHandler.MountRoutes(gr)
		})
	}
	if params.MonitorHandler != nil {
		r.Group(func(gr chi.Router) {
			gr.Use(adminOnly)
			params.MonitorHandler.MountRoutes(gr)
		})
	}
	if params.AuditHandler != nil {
		r.Group(func(gr chi.Router) {
			gr.Use(adminOnly)
			params.AuditHandler.MountRoutes(gr)
		})
	}
	if params.KeysHandler != nil {
		params.KeysHandler.MountRoutes(r)
	}

	if params.JobHandler != nil {
		r.Route("/jobs", params.JobHandler.MountRoutes)
	}

	if params.Metrics != nil {
		r.Method(http.MethodGet, "/metrics", params.Metrics.Handler())
	}

	return r
}
