// Package api assembles the directory HTTP router.
package api

import (
	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/drfirst/go-labwatch/internal/api/handlers"
	"github.com/drfirst/go-labwatch/internal/api/middleware"
	"github.com/drfirst/go-labwatch/internal/directory"
	"github.com/drfirst/go-labwatch/internal/observability/metrics"
)

// RouterConfig holds the router's collaborators
type RouterConfig struct {
	ServiceName string
	Directory   *directory.Service
	Metrics     *metrics.Metrics
	Logger      *zap.Logger
}

// NewRouter builds the directory API: patients, lab answers, probes and metrics
func NewRouter(cfg RouterConfig) chi.Router {
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.ServiceName == "" {
		cfg.ServiceName = "directory-api"
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Tracing(cfg.ServiceName))
	if cfg.Metrics != nil {
		r.Use(middleware.Metrics(cfg.Metrics))
	}

	r.Get("/health", handlers.Health)
	r.Get("/ready", handlers.Ready(cfg.Directory.Ready))
	r.Handle("/metrics", metrics.Handler())

	r.Mount("/", handlers.NewDirectoryHandler(cfg.Directory, logger).Routes())
	return r
}
