package handler

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/kiranshivaraju/factoryetl/internal/api/response"
	"github.com/kiranshivaraju/factoryetl/internal/catalog"
	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

const (
	defaultImportLimit = 20
	maxImportLimit     = 100

	defaultPreviewLimit  = 100
	maxPreviewLimit      = 1000
	defaultPreviewWindow = 24 * time.Hour
)

type ImportLister interface {
	ListImportHistories(ctx context.Context, processID int64, limit int) ([]*models.ImportHistory, error)
}

type ProcessDeleter interface {
	DeleteProcess(ctx context.Context, processID int64) error
}

type ProcessPreviewer interface {
	Preview(ctx context.Context, processID int64, window time.Duration, limit int) (*frame.Frame, error)
}

// NewListImportsHandler returns an http.HandlerFunc for
// GET /api/v1/processes/{processID}/imports, newest first.
func NewListImportsHandler(st ImportLister) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		processID, ok := int64Param(w, r, "processID")
		if !ok {
			return
		}

		limit := defaultImportLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = min(n, maxImportLimit)
		}

		histories, err := st.ListImportHistories(r.Context(), processID, limit)
		if err != nil {
			slog.Error("list import histories", "process_id", processID, "error", err)
			response.InternalError(w)
			return
		}
		if histories == nil {
			histories = []*models.ImportHistory{}
		}
		response.List(w, histories, response.NewListMeta(len(histories), limit))
	}
}

// NewDeleteProcessHandler returns an http.HandlerFunc for
// DELETE /api/v1/processes/{processID}.
func NewDeleteProcessHandler(d ProcessDeleter) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		processID, ok := int64Param(w, r, "processID")
		if !ok {
			return
		}
		if err := d.DeleteProcess(r.Context(), processID); err != nil {
			slog.Error("delete process", "process_id", processID, "error", err)
			response.InternalError(w)
			return
		}
		response.JSON(w, map[string]any{"process_id": processID, "deleted": true})
	}
}

// NewPreviewHandler returns an http.HandlerFunc for
// GET /api/v1/processes/{processID}/preview. It reads the newest source rows
// of the process without importing them.
func NewPreviewHandler(p ProcessPreviewer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		processID, ok := int64Param(w, r, "processID")
		if !ok {
			return
		}

		limit := defaultPreviewLimit
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "limit must be a positive integer", nil)
				return
			}
			limit = min(n, maxPreviewLimit)
		}
		window := defaultPreviewWindow
		if v := r.URL.Query().Get("window"); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil || d <= 0 {
				response.Error(w, http.StatusBadRequest, "INVALID_REQUEST", "window must be a positive duration such as 6h", nil)
				return
			}
			window = d
		}

		f, err := p.Preview(r.Context(), processID, window, limit)
		if err != nil {
			var connErr *connector.ConnectionError
			switch {
			case errors.Is(err, catalog.ErrNotFound):
				response.Error(w, http.StatusNotFound, "PROCESS_NOT_FOUND", "Process not found", nil)
			case errors.As(err, &connErr):
				response.Error(w, http.StatusBadGateway, "SOURCE_UNREACHABLE", "The data source could not be reached",
					map[string]any{"cooled_down": connErr.CooledDown})
			default:
				slog.Error("preview process", "process_id", processID, "error", err)
				response.InternalError(w)
			}
			return
		}
		response.JSON(w, map[string]any{
			"process_id": processID,
			"columns":    f.Columns(),
			"rows":       f.Records(),
		})
	}
}
