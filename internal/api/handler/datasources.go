package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/kiranshivaraju/factoryetl/internal/api/response"
	"github.com/kiranshivaraju/factoryetl/internal/catalog"
	"github.com/kiranshivaraju/factoryetl/internal/connector"
)

// DataSourceJobs is the scheduling surface of a data source.
type DataSourceJobs interface {
	AddPullJob(ctx context.Context, dataSourceID int64) error
	ReschedulePolling(ctx context.Context, dataSourceID int64) error
	CheckConnection(ctx context.Context, dataSourceID int64) error
}

// NewTriggerPullHandler returns an http.HandlerFunc for
// POST /api/v1/datasources/{dataSourceID}/pull.
func NewTriggerPullHandler(jobs DataSourceJobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(w, r, "dataSourceID")
		if !ok {
			return
		}
		if err := jobs.AddPullJob(r.Context(), id); err != nil {
			writeDataSourceError(w, id, "schedule pull", err)
			return
		}
		response.Accepted(w, map[string]any{"data_source_id": id, "status": "scheduled"})
	}
}

// NewRescheduleHandler returns an http.HandlerFunc for
// POST /api/v1/datasources/{dataSourceID}/reschedule.
func NewRescheduleHandler(jobs DataSourceJobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(w, r, "dataSourceID")
		if !ok {
			return
		}
		if err := jobs.ReschedulePolling(r.Context(), id); err != nil {
			writeDataSourceError(w, id, "reschedule polling", err)
			return
		}
		response.Accepted(w, map[string]any{"data_source_id": id, "status": "rescheduled"})
	}
}

// NewCheckConnectionHandler returns an http.HandlerFunc for
// POST /api/v1/datasources/{dataSourceID}/check.
func NewCheckConnectionHandler(jobs DataSourceJobs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := int64Param(w, r, "dataSourceID")
		if !ok {
			return
		}
		if err := jobs.CheckConnection(r.Context(), id); err != nil {
			writeDataSourceError(w, id, "check connection", err)
			return
		}
		response.JSON(w, map[string]any{"data_source_id": id, "status": "ok"})
	}
}

func writeDataSourceError(w http.ResponseWriter, id int64, action string, err error) {
	var connErr *connector.ConnectionError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		response.Error(w, http.StatusNotFound, "DATA_SOURCE_NOT_FOUND", "Data source not found", nil)
	case errors.Is(err, connector.ErrUnsupportedKind):
		response.Error(w, http.StatusUnprocessableEntity, "UNSUPPORTED_SOURCE", err.Error(), nil)
	case errors.As(err, &connErr):
		response.Error(w, http.StatusBadGateway, "SOURCE_UNREACHABLE", "The data source could not be reached",
			map[string]any{"cooled_down": connErr.CooledDown})
	default:
		slog.Error(action, "data_source_id", id, "error", err)
		response.InternalError(w)
	}
}

func int64Param(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || id <= 0 {
		response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", name+" must be a positive integer", nil)
		return 0, false
	}
	return id, true
}
