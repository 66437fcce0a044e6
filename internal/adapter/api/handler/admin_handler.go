package handler

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/V4T54L/product-pulse/internal/domain"
	"github.com/V4T54L/product-pulse/internal/scheduler"
)

// JobRunner runs registered jobs on demand.
type JobRunner interface {
	RunNow(ctx context.Context, name string) error
	Trigger(name string) error
	Jobs() []scheduler.JobStatus
}

// AdminHandler handles HTTP requests for pipeline administration.
type AdminHandler struct {
	jobs   JobRunner
	states domain.SyncStateRepository
	buffer domain.BufferInspector
	logger *slog.Logger
}

// NewAdminHandler creates a new AdminHandler. states and buffer may be nil when the
// process does not own them; their endpoints then answer 404.
func NewAdminHandler(jobs JobRunner, states domain.SyncStateRepository, buffer domain.BufferInspector, logger *slog.Logger) *AdminHandler {
	return &AdminHandler{jobs: jobs, states: states, buffer: buffer, logger: logger}
}

// HealthCheck is a simple health check endpoint.
func (h *AdminHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	respondWithJSON(w, h.logger, http.StatusOK, map[string]string{"status": "ok"})
}

// ListJobs returns the status of every registered job.
// GET /jobs
func (h *AdminHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	if h.jobs == nil {
		respondWithJSON(w, h.logger, http.StatusOK, []scheduler.JobStatus{})
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, h.jobs.Jobs())
}

// RunJob starts a job. By default the run happens in the background and the request
// returns 202; with ?wait=true the request blocks until the run finishes.
// POST /jobs/{job}/run
func (h *AdminHandler) RunJob(w http.ResponseWriter, r *http.Request) {
	name := chi.URLParam(r, "job")
	if h.jobs == nil {
		http.Error(w, "no jobs in this process", http.StatusNotFound)
		return
	}

	wait, _ := strconv.ParseBool(r.URL.Query().Get("wait"))
	var err error
	if wait {
		err = h.jobs.RunNow(r.Context(), name)
	} else {
		err = h.jobs.Trigger(name)
	}

	switch {
	case errors.Is(err, domain.ErrUnknownJob):
		http.Error(w, "unknown job", http.StatusNotFound)
	case errors.Is(err, domain.ErrJobInProgress):
		http.Error(w, "job already in progress", http.StatusConflict)
	case err != nil:
		h.logger.Error("job run failed", "job", name, "error", err)
		respondWithJSON(w, h.logger, http.StatusInternalServerError, map[string]string{"job": name, "status": "error", "error": err.Error()})
	case wait:
		respondWithJSON(w, h.logger, http.StatusOK, map[string]string{"job": name, "status": "success"})
	default:
		respondWithJSON(w, h.logger, http.StatusAccepted, map[string]string{"job": name, "status": "started"})
	}
}

// SyncStatus returns the sync watermark of every provider.
// GET /sync/status
func (h *AdminHandler) SyncStatus(w http.ResponseWriter, r *http.Request) {
	if h.states == nil {
		http.Error(w, "sync state not available", http.StatusNotFound)
		return
	}
	states, err := h.states.ListSyncStates(r.Context())
	if err != nil {
		h.logger.Error("failed to list sync states", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	if states == nil {
		states = []domain.SyncState{}
	}
	respondWithJSON(w, h.logger, http.StatusOK, states)
}

// BufferStatus returns the backlog of the event buffer.
// GET /buffer/status
func (h *AdminHandler) BufferStatus(w http.ResponseWriter, r *http.Request) {
	if h.buffer == nil {
		http.Error(w, "buffer not available", http.StatusNotFound)
		return
	}
	stats, err := h.buffer.BufferStats(r.Context())
	if err != nil {
		h.logger.Error("failed to get buffer stats", "error", err)
		http.Error(w, "Internal server error", http.StatusInternalServerError)
		return
	}
	respondWithJSON(w, h.logger, http.StatusOK, stats)
}

func respondWithJSON(w http.ResponseWriter, logger *slog.Logger, code int, payload interface{}) {
	response, err := json.Marshal(payload)
	if err != nil {
		logger.Error("failed to marshal JSON response", "error", err)
		w.WriteHeader(http.StatusInternalServerError)
		w.Write([]byte("Internal Server Error"))
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}
