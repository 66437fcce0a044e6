package handler

import (
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/V4T54L/product-pulse/internal/domain"
)

const (
	defaultInsightLimit = 50
	maxInsightLimit     = 500
)

// InsightHandler serves stored insights and their triage.
type InsightHandler struct {
	store  domain.InsightStore
	logger *slog.Logger
}

// NewInsightHandler creates a new InsightHandler.
func NewInsightHandler(store domain.InsightStore, logger *slog.Logger) *InsightHandler {
	return &InsightHandler{store: store, logger: logger}
}

// ListInsights returns insights filtered by type, severity and status.
// GET /api/insights?type=&severity=&status=&limit=
func (h *InsightHandler) ListInsights(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	limit, err := parseLimit(q.Get("limit"), defaultInsightLimit, maxInsightLimit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	insights, err := h.store.ListInsights(r.Context(), domain.InsightQuery{
		Type:     domain.DetectionType(q.Get("type")),
		Severity: domain.Severity(q.Get("severity")),
		Status:   domain.InsightStatus(q.Get("status")),
		Limit:    limit,
	})
	if err != nil {
		h.logger.Error("failed to list insights", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, map[string]any{"insights": insights})
}

// GetInsight returns one insight.
// GET /api/insights/{id}
func (h *InsightHandler) GetInsight(w http.ResponseWriter, r *http.Request) {
	id, ok := h.insightID(w, r)
	if !ok {
		return
	}
	insight, err := h.store.GetInsight(r.Context(), id)
	if err != nil {
		h.storeError(w, "failed to get insight", id, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, insight)
}

// ResolveInsight marks an insight resolved.
// POST /api/insights/{id}/resolve
func (h *InsightHandler) ResolveInsight(w http.ResponseWriter, r *http.Request) {
	id, ok := h.insightID(w, r)
	if !ok {
		return
	}
	if err := h.store.ResolveInsight(r.Context(), id); err != nil {
		h.storeError(w, "failed to resolve insight", id, err)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, map[string]string{"id": id.String(), "status": string(domain.InsightResolved)})
}

// Stats counts insights per type, severity and status.
// GET /api/insights/stats
func (h *InsightHandler) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.store.InsightStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get insight stats", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, stats)
}

func (h *InsightHandler) insightID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		http.Error(w, "invalid insight id", http.StatusBadRequest)
		return uuid.Nil, false
	}
	return id, true
}

func (h *InsightHandler) storeError(w http.ResponseWriter, msg string, id uuid.UUID, err error) {
	if errors.Is(err, domain.ErrInsightNotFound) {
		http.Error(w, "insight not found", http.StatusNotFound)
		return
	}
	h.logger.Error(msg, "insight_id", id, "error", err)
	http.Error(w, "Internal server error", http.StatusInternalServerError)
}

func parseLimit(raw string, def, max int) (int, error) {
	if raw == "" {
		return def, nil
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 || n > max {
		return 0, errors.New("limit must be between 1 and " + strconv.Itoa(max))
	}
	return n, nil
}
