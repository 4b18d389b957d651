package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stanstork/ocms-cron/internal/authz"
	"github.com/stanstork/ocms-cron/internal/models"
	"github.com/stanstork/ocms-cron/internal/repository"
	"github.com/stanstork/ocms-cron/internal/scheduler"
)

const (
	defaultRunLimit = 20
	maxRunLimit     = 200
)

// Trigger is the scheduler surface the job endpoints need.
type Trigger interface {
	Has(name string) bool
	Trigger(ctx context.Context, name string) (models.JobResult, error)
	TriggerAsync(name string) error
	Jobs() []scheduler.JobInfo
}

type JobHandler struct {
	trigger Trigger
	runs    repository.JobRunRepository
	now     func() time.Time
	logger  zerolog.Logger
}

func NewJobHandler(trigger Trigger, runs repository.JobRunRepository, logger zerolog.Logger) *JobHandler {
	return &JobHandler{
		trigger: trigger,
		runs:    runs,
		now:     time.Now,
		logger:  logger.With().Str("component", "job_handler").Logger(),
	}
}

type triggerRequest struct {
	Async bool `json:"async"`
}

// TriggerJob runs a job by name outside its schedule. The body is optional.
func (h *JobHandler) TriggerJob(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["jobName"]
	resp := models.TriggerResponse{JobName: name, Timestamp: h.now().UnixMilli()}

	var req triggerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		resp.Message = "Invalid request body"
		writeJSON(w, http.StatusBadRequest, resp)
		return
	}
	if !h.trigger.Has(name) {
		resp.Message = fmt.Sprintf("unknown job %s", name)
		writeJSON(w, http.StatusNotFound, resp)
		return
	}

	by, _ := authz.SubjectFromRequest(r)
	h.logger.Info().Str("job", name).Str("by", by).Bool("async", req.Async).Msg("manual trigger")

	if req.Async {
		if err := h.trigger.TriggerAsync(name); err != nil {
			resp.Message = err.Error()
			writeJSON(w, http.StatusServiceUnavailable, resp)
			return
		}
		resp.Success = true
		resp.Message = fmt.Sprintf("%s triggered", name)
		writeJSON(w, http.StatusAccepted, resp)
		return
	}

	result, err := h.trigger.Trigger(r.Context(), name)
	if err != nil {
		resp.Message = err.Error()
		writeJSON(w, http.StatusNotFound, resp)
		return
	}
	resp.Success = result.Success
	resp.Message = result.Message
	resp.Timestamp = h.now().UnixMilli()
	writeJSON(w, http.StatusOK, resp)
}

func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.trigger.Jobs())
}

func (h *JobHandler) ListRuns(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["jobName"]
	if !h.trigger.Has(name) {
		http.Error(w, "Job not found", http.StatusNotFound)
		return
	}
	limit := defaultRunLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			http.Error(w, "Invalid limit", http.StatusBadRequest)
			return
		}
		limit = n
	}
	if limit > maxRunLimit {
		limit = maxRunLimit
	}
	runs, err := h.runs.ListRecent(r.Context(), name, limit)
	if err != nil {
		h.logger.Error().Err(err).Str("job", name).Msg("failed to list runs")
		http.Error(w, "Failed to list runs", http.StatusInternalServerError)
		return
	}
	if runs == nil {
		runs = []models.JobRun{}
	}
	writeJSON(w, http.StatusOK, runs)
}
