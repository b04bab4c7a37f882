package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/kiranshivaraju/factoryetl/internal/api/response"
	"github.com/kiranshivaraju/factoryetl/internal/store"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

// JobStatusCache serves in-flight job snapshots.
type JobStatusCache interface {
	GetJobStatus(ctx context.Context, jobID uuid.UUID) (*models.JobInfo, bool, error)
	LatestProcessJob(ctx context.Context, processID int64) (uuid.UUID, bool, error)
}

type JobGetter interface {
	GetJob(ctx context.Context, id uuid.UUID) (*models.JobInfo, error)
}

// NewGetJobHandler returns an http.HandlerFunc for GET /api/v1/jobs/{jobID}.
// The cached snapshot wins; the jobs table answers once it has expired.
func NewGetJobHandler(c JobStatusCache, st JobGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		jobID, err := uuid.Parse(chi.URLParam(r, "jobID"))
		if err != nil {
			response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "jobID must be a UUID", nil)
			return
		}
		writeJob(w, r, c, st, jobID)
	}
}

// NewLatestProcessJobHandler returns an http.HandlerFunc for
// GET /api/v1/processes/{processID}/job.
func NewLatestProcessJobHandler(c JobStatusCache, st JobGetter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		processID, ok := int64Param(w, r, "processID")
		if !ok {
			return
		}
		jobID, found, err := c.LatestProcessJob(r.Context(), processID)
		if err != nil {
			slog.Error("read latest process job", "process_id", processID, "error", err)
			response.InternalError(w)
			return
		}
		if !found {
			response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "No recent job for this process", nil)
			return
		}
		writeJob(w, r, c, st, jobID)
	}
}

func writeJob(w http.ResponseWriter, r *http.Request, c JobStatusCache, st JobGetter, jobID uuid.UUID) {
	job, found, err := c.GetJobStatus(r.Context(), jobID)
	if err != nil {
		slog.Warn("read cached job status", "job_id", jobID, "error", err)
	}
	if found {
		response.JSON(w, job)
		return
	}

	job, err = st.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrNotFound) {
		response.Error(w, http.StatusNotFound, "JOB_NOT_FOUND", "Job not found", nil)
		return
	}
	if err != nil {
		slog.Error("get job", "job_id", jobID, "error", err)
		response.InternalError(w)
		return
	}
	response.JSON(w, job)
}
