package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/sbomer/internal/config"
	"github.com/pitabwire/sbomer/internal/observability"
	"github.com/pitabwire/sbomer/internal/store"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config    *config.Config
	Logger    *zap.Logger
	Metrics   *observability.Metrics
	Gatherer  prometheus.Gatherer
	Readiness *observability.Readiness
	// Authenticate guards write routes. Nil leaves them open.
	Authenticate func(http.Handler) http.Handler
	Store        store.Store
	Submitter    Submitter
	Resources    ResourceRemover
}

// NewRouter creates a chi.Router with the middleware pipeline and all route
// registrations. Health, readiness, and metrics endpoints bypass the API
// middleware.
func NewRouter(deps Dependencies) chi.Router {
	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(logger))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	r.Get("/health", observability.HandleHealth())
	r.Method(http.MethodGet, "/ready", deps.Readiness)
	if deps.Config.Observability.Metrics.Enabled {
		path := deps.Config.Observability.Metrics.Path
		if path == "" {
			path = "/metrics"
		}
		r.Method(http.MethodGet, path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		auth = func(next http.Handler) http.Handler { return next }
	}

	r.Route("/api/v1/generations", func(r chi.Router) {
		r.Use(observability.TracingMiddleware)
		r.Use(deps.Metrics.MetricsMiddleware)
		r.Use(RequestLogging(logger))
		r.Use(HandlerTimeout(deps.Config.Server.HandlerTimeout))

		r.Get("/", handleListGenerations(deps.Store))
		r.Get("/{id}", handleGetGeneration(deps.Store))
		r.Get("/{id}/manifests", handleListManifests(deps.Store))

		r.Group(func(r chi.Router) {
			r.Use(auth)
			r.Post("/", handleSubmit(deps.Submitter))
			r.Post("/placeholders", handleExpectPlaceholder(deps.Submitter))
			r.Delete("/{id}", handleDeleteGeneration(deps.Store, deps.Resources))
		})
	})

	return r
}
