package api

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/octylFractal/backup-secretary/internal/events"
	"github.com/octylFractal/backup-secretary/internal/plugin"
	"github.com/octylFractal/backup-secretary/internal/repositories"
	"github.com/octylFractal/backup-secretary/internal/setup"
)

// Trigger starts runs on demand. *scheduler.Scheduler implements it.
type Trigger interface {
	TriggerNow(ctx context.Context, key string) error
	IsRunning(key string) bool
}

// RouterConfig holds the handlers' dependencies. Runs, Plugins and Gatherer
// may be nil, which disables their endpoints.
type RouterConfig struct {
	Setups   *setup.Registry
	Trigger  Trigger
	Runs     repositories.RunRepository
	Plugins  *plugin.Registry
	Gatherer prometheus.Gatherer
	// Events, if set, is served as a WebSocket stream at /api/v1/events.
	Events *events.Hub
	// Ping checks the database for the health endpoint; nil skips it.
	Ping    func(ctx context.Context) error
	DataDir string
	Logger  *zap.Logger
}

// NewRouter builds the HTTP handler.
func NewRouter(cfg RouterConfig) http.Handler {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.Named("api")

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(requestLogger(logger))
	r.Use(middleware.Recoverer)

	health := &healthHandler{ping: cfg.Ping, dataDir: cfg.DataDir, logger: logger}
	r.Get("/healthz", health.Get)
	if cfg.Gatherer != nil {
		r.Handle("/metrics", promhttp.HandlerFor(cfg.Gatherer, promhttp.HandlerOpts{}))
	}

	setups := &setupHandler{setups: cfg.Setups, trigger: cfg.Trigger, runs: cfg.Runs, logger: logger}
	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/setups", setups.List)
		r.Get("/setups/{key}", setups.Get)
		r.Post("/setups/{key}/trigger", setups.TriggerNow)

		if cfg.Events != nil {
			r.Get("/events", events.Handler(cfg.Events, logger))
		}

		if cfg.Plugins != nil {
			plugins := &pluginHandler{plugins: cfg.Plugins}
			r.Get("/plugins", plugins.List)
		}

		if cfg.Runs != nil {
			runs := &runHandler{runs: cfg.Runs, logger: logger}
			r.Get("/runs", runs.List)
			r.Get("/runs/{id}", runs.Get)
			r.Get("/runs/{id}/logs", runs.Logs)
		}
	})
	return r
}
