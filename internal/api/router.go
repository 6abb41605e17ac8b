// Package api assembles the HTTP surface of the LIS.
package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/biolis/go-lis/internal/api/handlers"
	"github.com/biolis/go-lis/internal/api/middleware"
	"github.com/biolis/go-lis/internal/clinical"
	"github.com/biolis/go-lis/internal/credential"
	"github.com/biolis/go-lis/internal/guard"
	"github.com/biolis/go-lis/internal/lab"
	"github.com/biolis/go-lis/internal/observability/metrics"
	"github.com/biolis/go-lis/internal/storage"
)

// Deps are the services behind the router.
type Deps struct {
	Store       storage.Store
	Lab         *lab.Service
	Guard       *guard.Guard
	Resolver    *clinical.Resolver
	Credentials *credential.Service
	Metrics     *metrics.Metrics
	// Gatherer backs /metrics. Nil disables the endpoint.
	Gatherer prometheus.Gatherer
	// APIKeys guard /api/v1. Empty disables authentication.
	APIKeys []string
	Service string
	Version string
}

// NewRouter builds the chi router with global middleware, probes and the
// versioned API.
func NewRouter(d Deps, logger *zap.Logger) http.Handler {
	if logger == nil {
		logger = zap.NewNop()
	}
	if d.Service == "" {
		d.Service = "lis-api"
	}

	r := chi.NewRouter()
	r.Use(chimw.RealIP)
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS)
	r.Use(middleware.Recover(logger))
	r.Use(middleware.Logger(logger))
	r.Use(middleware.Metrics(d.Metrics))
	r.Use(middleware.Tracing(d.Service))

	health := handlers.NewHealthHandler(d.Service, d.Version, d.Store, logger)
	r.Get("/health", health.Health)
	r.Get("/ready", health.Ready)
	if d.Gatherer != nil {
		r.Handle("/metrics", metrics.Handler(d.Gatherer))
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.APIKeyAuth(d.APIKeys))
		handlers.NewLabHandler(d.Lab, logger).Register(r)
		handlers.NewClinicalHandler(d.Guard, d.Resolver, logger).Register(r)
		handlers.NewUserHandler(d.Credentials, logger).Register(r)
	})
	return r
}
