package handler

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const (
	dateLayout       = "2006-01-02"
	maxMetricLimit   = 1000
	defaultAllLimit  = 100
	seriesLimit      = 30
	retentionLimit   = 100
	adoptionLimit    = 50
	funnelNamePrefix = "funnel_"
)

// MetricHandler serves computed metric series.
type MetricHandler struct {
	store  domain.MetricStore
	logger *slog.Logger
}

// NewMetricHandler creates a new MetricHandler.
func NewMetricHandler(store domain.MetricStore, logger *slog.Logger) *MetricHandler {
	return &MetricHandler{store: store, logger: logger}
}

// DAU returns the daily active users series.
// GET /api/metrics/dau?start_date=&end_date=
func (h *MetricHandler) DAU(w http.ResponseWriter, r *http.Request) {
	since, err := parseDate(r, "start_date")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	until, err := parseDate(r, "end_date")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.query(w, r, domain.MetricQuery{Name: "dau", Since: since, Until: until, Limit: seriesLimit})
}

// Retention returns retention rows, optionally for one cohort day.
// GET /api/metrics/retention?cohort_date=
func (h *MetricHandler) Retention(w http.ResponseWriter, r *http.Request) {
	cohort, err := parseDate(r, "cohort_date")
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.query(w, r, domain.MetricQuery{Type: domain.MetricTypeRetention, Since: cohort, Until: cohort, Limit: retentionLimit})
}

// FeatureAdoption returns adoption rows, optionally for one feature.
// GET /api/metrics/feature-adoption?feature=
func (h *MetricHandler) FeatureAdoption(w http.ResponseWriter, r *http.Request) {
	q := domain.MetricQuery{Type: domain.MetricTypeFeatureAdoption, Limit: adoptionLimit}
	if feature := r.URL.Query().Get("feature"); feature != "" {
		q.Name = "adoption_" + feature
	}
	h.query(w, r, q)
}

// Funnel returns the conversion series of one funnel.
// GET /api/metrics/funnel?funnel_name=
func (h *MetricHandler) Funnel(w http.ResponseWriter, r *http.Request) {
	name := r.URL.Query().Get("funnel_name")
	if name == "" {
		http.Error(w, "funnel_name is required", http.StatusBadRequest)
		return
	}
	if !strings.HasPrefix(name, funnelNamePrefix) {
		name = funnelNamePrefix + name
	}
	h.query(w, r, domain.MetricQuery{Name: name, Type: domain.MetricTypeFunnel, Limit: seriesLimit})
}

// All returns the most recent metric rows of any name.
// GET /api/metrics/all?metric_type=&limit=
func (h *MetricHandler) All(w http.ResponseWriter, r *http.Request) {
	limit, err := parseLimit(r.URL.Query().Get("limit"), defaultAllLimit, maxMetricLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	h.query(w, r, domain.MetricQuery{Type: domain.MetricType(r.URL.Query().Get("metric_type")), Limit: limit})
}

func (h *MetricHandler) query(w http.ResponseWriter, r *http.Request, q domain.MetricQuery) {
	metrics, err := h.store.QueryMetrics(r.Context(), q)
	if err != nil {
		h.logger.Error("failed to query metrics", "name", q.Name, "type", q.Type, "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if metrics == nil {
		metrics = []domain.Metric{}
	}
	respondWithJSON(w, h.logger, http.StatusOK, map[string]any{"metrics": metrics})
}

// parseDate reads an optional YYYY-MM-DD query parameter. A missing value is the zero time.
func parseDate(r *http.Request, param string) (time.Time, error) {
	raw := r.URL.Query().Get(param)
	if raw == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(dateLayout, raw)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid %s %q: expected YYYY-MM-DD", param, raw)
	}
	return t, nil
}
