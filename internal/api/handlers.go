package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/zerverless/analysisd/internal/job"
	"github.com/zerverless/analysisd/internal/metrics"
	"github.com/zerverless/analysisd/internal/supervisor"
)

var startTime = time.Now()

const version = "0.1.0"

type Handlers struct {
	d Deps
}

func NewHandlers(d Deps) *Handlers {
	return &Handlers{d: d}
}

func (h *Handlers) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

func (h *Handlers) Info(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.d.NodeID,
		"version":        version,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
	})
}

func (h *Handlers) Stats(w http.ResponseWriter, r *http.Request) {
	stats, err := h.d.Store.Stats()
	if err != nil {
		writeError(w, err)
		return
	}
	connections := 0
	if h.d.Push != nil {
		connections = h.d.Push.Connections()
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"node_id":        h.d.NodeID,
		"uptime_seconds": int(time.Since(startTime).Seconds()),
		"jobs":           stats,
		"workers": map[string]int{
			"running": len(h.d.Runner.Runs()),
		},
		"push": map[string]int{
			"connections": connections,
		},
	})
}

type SubmitRequest struct {
	JobID        string   `json:"job_id,omitempty"`
	Instructions string   `json:"instructions"`
	FilePaths    []string `json:"file_paths"`
}

// SubmitJob creates the job and hands it to the runner. The response does
// not wait for the worker.
func (h *Handlers) SubmitJob(w http.ResponseWriter, r *http.Request) {
	var req SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body"})
		return
	}
	if req.JobID == "" {
		req.JobID = uuid.NewString()
	}

	j, err := h.d.Store.Create(req.JobID, req.Instructions, req.FilePaths)
	if err != nil {
		writeError(w, err)
		return
	}
	metrics.JobsCreatedTotal.Inc()

	h.start(j)
	if cur, err := h.d.Store.Get(j.ID); err == nil {
		j = cur
	}
	writeJSON(w, http.StatusCreated, j)
}

// start hands j to the runner. Capacity and spawn failures are already
// reflected in the stored job, so they are only logged here.
func (h *Handlers) start(j *job.Job) {
	err := h.d.Runner.Start(j)
	var spawnErr *supervisor.SpawnError
	switch {
	case err == nil:
	case errors.Is(err, supervisor.ErrAtCapacity):
		log.Info().Str("job_id", j.ID).Msg("job queued until a worker slot frees up")
	case errors.As(err, &spawnErr):
		log.Warn().Err(err).Str("job_id", j.ID).Msg("worker failed to launch")
	default:
		log.Error().Err(err).Str("job_id", j.ID).Msg("could not start job")
	}
}

func (h *Handlers) GetJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.d.Store.Get(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) ListJobs(w http.ResponseWriter, r *http.Request) {
	limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(r.URL.Query().Get("offset"))
	status := job.Status(r.URL.Query().Get("status"))

	if limit <= 0 {
		limit = 20
	}
	if offset < 0 {
		offset = 0
	}
	if status != "" && !status.Valid() {
		writeError(w, &job.ValidationError{Field: "status", Reason: "unknown status " + string(status)})
		return
	}

	jobs, total, err := h.d.Store.List(job.ListQuery{Limit: limit, Offset: offset, Status: status})
	if err != nil {
		writeError(w, err)
		return
	}
	if jobs == nil {
		jobs = []*job.Job{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"jobs":   jobs,
		"total":  total,
		"limit":  limit,
		"offset": offset,
	})
}

// CancelJob only affects a running job. The worker is killed after the
// cancelled status is committed, so its exit cannot overwrite it.
func (h *Handlers) CancelJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, cancelled, err := h.d.Store.Cancel(id)
	if err != nil {
		writeError(w, err)
		return
	}
	if cancelled {
		h.d.Runner.Stop(id)
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success": cancelled,
		"job":     j,
	})
}

func (h *Handlers) RestartJob(w http.ResponseWriter, r *http.Request) {
	j, err := h.d.Store.Restart(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err)
		return
	}
	h.start(j)
	if cur, err := h.d.Store.Get(j.ID); err == nil {
		j = cur
	}
	writeJSON(w, http.StatusOK, j)
}

func (h *Handlers) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := h.d.Store.SoftDelete(id)
	if err != nil {
		writeError(w, err)
		return
	}
	h.d.Runner.Stop(id)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"job":     j,
	})
}

func (h *Handlers) ListRuns(w http.ResponseWriter, r *http.Request) {
	runs := h.d.Runner.Runs()
	writeJSON(w, http.StatusOK, map[string]any{
		"runs":  runs,
		"count": len(runs),
	})
}

func writeError(w http.ResponseWriter, err error) {
	var validation *job.ValidationError
	var transition *job.TransitionError
	switch {
	case errors.As(err, &validation):
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
	case errors.Is(err, job.ErrNotFound):
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
	case errors.Is(err, job.ErrExists), errors.As(err, &transition):
		writeJSON(w, http.StatusConflict, map[string]string{"error": err.Error()})
	default:
		log.Error().Err(err).Msg("request failed")
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "internal error"})
	}
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
