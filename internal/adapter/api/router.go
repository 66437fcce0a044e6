package api

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/V4T54L/product-pulse/internal/adapter/api/handler"
	"github.com/V4T54L/product-pulse/internal/adapter/api/middleware"
	"github.com/V4T54L/product-pulse/internal/domain"
)

// AdminDeps are the collaborators exposed by the admin server. Any of them may be nil.
type AdminDeps struct {
	Jobs     handler.JobRunner
	States   domain.SyncStateRepository
	Buffer   domain.BufferInspector
	Insights domain.InsightStore
	Metrics  domain.MetricStore
	Gatherer prometheus.Gatherer
	APIKey   string
}

// NewAdminRouter creates the HTTP router for health, metrics and job administration.
// The read API for insights and metric series is mounted under /api when the process
// owns those stores.
func NewAdminRouter(deps AdminDeps, logger *slog.Logger) http.Handler {
	logger = logger.With("component", "admin_api")
	adminHandler := handler.NewAdminHandler(deps.Jobs, deps.States, deps.Buffer, logger)

	gatherer := deps.Gatherer
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}

	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(middleware.Logging(logger))

	r.Get("/health", adminHandler.HealthCheck)
	r.Method(http.MethodGet, "/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	r.Get("/jobs", adminHandler.ListJobs)
	r.Get("/sync/status", adminHandler.SyncStatus)
	r.Get("/buffer/status", adminHandler.BufferStatus)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(deps.APIKey, logger))
		r.Post("/jobs/{job}/run", adminHandler.RunJob)
	})

	if deps.Insights != nil {
		insightHandler := handler.NewInsightHandler(deps.Insights, logger)
		r.Route("/api/insights", func(r chi.Router) {
			r.Get("/", insightHandler.ListInsights)
			r.Get("/stats", insightHandler.Stats)
			r.Get("/{id}", insightHandler.GetInsight)
			r.With(middleware.Auth(deps.APIKey, logger)).Post("/{id}/resolve", insightHandler.ResolveInsight)
		})
	}
	if deps.Metrics != nil {
		metricHandler := handler.NewMetricHandler(deps.Metrics, logger)
		r.Route("/api/metrics", func(r chi.Router) {
			r.Get("/dau", metricHandler.DAU)
			r.Get("/retention", metricHandler.Retention)
			r.Get("/feature-adoption", metricHandler.FeatureAdoption)
			r.Get("/funnel", metricHandler.Funnel)
			r.Get("/all", metricHandler.All)
		})
	}

	return r
}
