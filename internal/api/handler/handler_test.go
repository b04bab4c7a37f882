package handler_test

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/factoryetl/internal/api"
	"github.com/kiranshivaraju/factoryetl/internal/api/handler"
	"github.com/kiranshivaraju/factoryetl/internal/catalog"
	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/internal/store"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

// ─── test fixtures ───────────────────────────────────────────────────────────

var (
	cachedJobID = uuid.MustParse("aaaaaaaa-aaaa-aaaa-aaaa-aaaaaaaaaaaa")
	storedJobID = uuid.MustParse("bbbbbbbb-bbbb-bbbb-bbbb-bbbbbbbbbbbb")
)

// ─── mocks ───────────────────────────────────────────────────────────────────

type mockCache struct {
	jobs   map[uuid.UUID]*models.JobInfo
	latest map[int64]uuid.UUID
	err    error
}

func (m *mockCache) GetJobStatus(_ context.Context, id uuid.UUID) (*models.JobInfo, bool, error) {
	if m.err != nil {
		return nil, false, m.err
	}
	j, ok := m.jobs[id]
	return j, ok, nil
}

func (m *mockCache) LatestProcessJob(_ context.Context, processID int64) (uuid.UUID, bool, error) {
	id, ok := m.latest[processID]
	return id, ok, nil
}

type mockStore struct {
	jobs      map[uuid.UUID]*models.JobInfo
	histories []*models.ImportHistory
	gotLimit  int
	err       error
}

func (m *mockStore) GetJob(_ context.Context, id uuid.UUID) (*models.JobInfo, error) {
	if m.err != nil {
		return nil, m.err
	}
	j, ok := m.jobs[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return j, nil
}

func (m *mockStore) ListImportHistories(_ context.Context, _ int64, limit int) ([]*models.ImportHistory, error) {
	m.gotLimit = limit
	return m.histories, m.err
}

type mockJobs struct {
	err     error
	pulled  []int64
	deleted []int64
}

func (m *mockJobs) AddPullJob(_ context.Context, id int64) error {
	m.pulled = append(m.pulled, id)
	return m.err
}
func (m *mockJobs) ReschedulePolling(_ context.Context, _ int64) error { return m.err }
func (m *mockJobs) CheckConnection(_ context.Context, _ int64) error   { return m.err }
func (m *mockJobs) DeleteProcess(_ context.Context, id int64) error {
	m.deleted = append(m.deleted, id)
	return m.err
}

type mockPreviewer struct {
	rows      *frame.Frame
	err       error
	gotWindow time.Duration
	gotLimit  int
}

func (m *mockPreviewer) Preview(_ context.Context, _ int64, window time.Duration, limit int) (*frame.Frame, error) {
	m.gotWindow, m.gotLimit = window, limit
	return m.rows, m.err
}

type env struct {
	cache   *mockCache
	store   *mockStore
	jobs    *mockJobs
	preview *mockPreviewer
	router  http.Handler
}

func newEnv() *env {
	e := &env{
		cache: &mockCache{
			jobs: map[uuid.UUID]*models.JobInfo{
				cachedJobID: {JobID: cachedJobID, Type: models.JobTypeImportData, Status: models.JobStatusProcessing, Percent: 40},
			},
			latest: map[int64]uuid.UUID{10: cachedJobID},
		},
		store: &mockStore{
			jobs: map[uuid.UUID]*models.JobInfo{
				storedJobID: {JobID: storedJobID, Type: models.JobTypePullData, Status: models.JobStatusDone, Percent: 100},
			},
		},
		jobs: &mockJobs{},
		preview: &mockPreviewer{
			rows: frame.New([]string{"event_time", "line"}, []any{"2024-03-01T10:00:00Z", "L1"}),
		},
	}
	e.router = api.NewRouter(api.Dependencies{
		GetJobHandler:      handler.NewGetJobHandler(e.cache, e.store),
		LatestJobHandler:   handler.NewLatestProcessJobHandler(e.cache, e.store),
		ListImportsHandler: handler.NewListImportsHandler(e.store),
		PreviewProcess:     handler.NewPreviewHandler(e.preview),
		DeleteProcess:      handler.NewDeleteProcessHandler(e.jobs),
		TriggerPull:        handler.NewTriggerPullHandler(e.jobs),
		CheckConnection:    handler.NewCheckConnectionHandler(e.jobs),
		ReschedulePolling:  handler.NewRescheduleHandler(e.jobs),
	})
	return e
}

func (e *env) do(t *testing.T, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	req := httptest.NewRequest(method, path, nil)
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	var body map[string]any
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
	return w, body
}

func errCode(body map[string]any) string {
	return body["error"].(map[string]any)["code"].(string)
}

// ─── jobs ────────────────────────────────────────────────────────────────────

func TestGetJob(t *testing.T) {
	tests := []struct {
		name    string
		path    string
		status  int
		code    string
		percent float64
	}{
		{name: "cached snapshot", path: "/api/v1/jobs/" + cachedJobID.String(), status: http.StatusOK, percent: 40},
		{name: "falls back to store", path: "/api/v1/jobs/" + storedJobID.String(), status: http.StatusOK, percent: 100},
		{name: "unknown job", path: "/api/v1/jobs/" + uuid.NewString(), status: http.StatusNotFound, code: "JOB_NOT_FOUND"},
		{name: "bad id", path: "/api/v1/jobs/not-a-uuid", status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "latest process job", path: "/api/v1/processes/10/job", status: http.StatusOK, percent: 40},
		{name: "no recent process job", path: "/api/v1/processes/11/job", status: http.StatusNotFound, code: "JOB_NOT_FOUND"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, body := newEnv().do(t, "GET", tt.path)
			assert.Equal(t, tt.status, w.Code)
			if tt.code != "" {
				assert.Equal(t, tt.code, errCode(body))
				return
			}
			assert.Equal(t, tt.percent, body["data"].(map[string]any)["percent"])
		})
	}
}

func TestGetJob_CacheErrorFallsBackToStore(t *testing.T) {
	e := newEnv()
	e.cache.err = errors.New("redis down")

	w, body := e.do(t, "GET", "/api/v1/jobs/"+storedJobID.String())
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "DONE", body["data"].(map[string]any)["status"])
}

func TestGetJob_StoreError(t *testing.T) {
	e := newEnv()
	e.store.err = errors.New("db down")

	w, body := e.do(t, "GET", "/api/v1/jobs/"+storedJobID.String())
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, "INTERNAL_ERROR", errCode(body))
}

// ─── processes ───────────────────────────────────────────────────────────────

func TestListImports(t *testing.T) {
	e := newEnv()
	e.store.histories = []*models.ImportHistory{
		{ID: uuid.New(), ProcessID: 10, ChunkName: "TRANSACTION-a-b-1.jsonl.gz", Status: models.JobStatusDone, RowsImported: 5, CreatedAt: time.Now()},
	}

	w, body := e.do(t, "GET", "/api/v1/processes/10/imports?limit=500")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 100, e.store.gotLimit)
	data := body["data"].([]any)
	require.Len(t, data, 1)
	assert.Equal(t, float64(5), data[0].(map[string]any)["rows_imported"])
	meta := body["meta"].(map[string]any)
	assert.Equal(t, float64(1), meta["count"])
	assert.Equal(t, float64(100), meta["limit"])
	assert.Equal(t, false, meta["truncated"])
}

func TestListImports_Empty(t *testing.T) {
	w, body := newEnv().do(t, "GET", "/api/v1/processes/10/imports")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, []any{}, body["data"])
}

func TestListImports_BadRequest(t *testing.T) {
	for _, path := range []string{"/api/v1/processes/x/imports", "/api/v1/processes/10/imports?limit=-1"} {
		w, body := newEnv().do(t, "GET", path)
		assert.Equal(t, http.StatusBadRequest, w.Code, path)
		assert.Equal(t, "INVALID_REQUEST", errCode(body))
	}
}

func TestDeleteProcess(t *testing.T) {
	e := newEnv()
	w, body := e.do(t, "DELETE", "/api/v1/processes/10")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["data"].(map[string]any)["deleted"])
	assert.Equal(t, []int64{10}, e.jobs.deleted)
}

func TestPreview(t *testing.T) {
	e := newEnv()
	w, body := e.do(t, "GET", "/api/v1/processes/10/preview")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 24*time.Hour, e.preview.gotWindow)
	assert.Equal(t, 100, e.preview.gotLimit)

	data := body["data"].(map[string]any)
	assert.Equal(t, []any{"event_time", "line"}, data["columns"])
	rows := data["rows"].([]any)
	require.Len(t, rows, 1)
	assert.Equal(t, "L1", rows[0].(map[string]any)["line"])
}

func TestPreview_QueryParams(t *testing.T) {
	e := newEnv()
	w, _ := e.do(t, "GET", "/api/v1/processes/10/preview?limit=5000&window=6h")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 6*time.Hour, e.preview.gotWindow)
	assert.Equal(t, 1000, e.preview.gotLimit)
}

func TestPreview_Errors(t *testing.T) {
	tests := []struct {
		name   string
		path   string
		err    error
		status int
		code   string
	}{
		{name: "bad limit", path: "/api/v1/processes/10/preview?limit=0", status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "bad window", path: "/api/v1/processes/10/preview?window=soon", status: http.StatusBadRequest, code: "INVALID_REQUEST"},
		{name: "unknown process", path: "/api/v1/processes/99/preview", err: fmt.Errorf("load process 99: %w", catalog.ErrNotFound), status: http.StatusNotFound, code: "PROCESS_NOT_FOUND"},
		{name: "unreachable", path: "/api/v1/processes/10/preview", err: &connector.ConnectionError{DataSourceID: 3, Err: errors.New("refused")}, status: http.StatusBadGateway, code: "SOURCE_UNREACHABLE"},
		{name: "other", path: "/api/v1/processes/10/preview", err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := newEnv()
			e.preview.err = tt.err
			w, body := e.do(t, "GET", tt.path)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, tt.code, errCode(body))
		})
	}
}

// ─── data sources ────────────────────────────────────────────────────────────

func TestTriggerPull(t *testing.T) {
	e := newEnv()
	w, body := e.do(t, "POST", "/api/v1/datasources/3/pull")
	assert.Equal(t, http.StatusAccepted, w.Code)
	assert.Equal(t, "scheduled", body["data"].(map[string]any)["status"])
	assert.Equal(t, []int64{3}, e.jobs.pulled)
}

func TestDataSourceErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{name: "unknown", err: fmt.Errorf("load data source 3: %w", catalog.ErrNotFound), status: http.StatusNotFound, code: "DATA_SOURCE_NOT_FOUND"},
		{name: "unsupported kind", err: fmt.Errorf("%w: db2", connector.ErrUnsupportedKind), status: http.StatusUnprocessableEntity, code: "UNSUPPORTED_SOURCE"},
		{name: "unreachable", err: &connector.ConnectionError{DataSourceID: 3, Err: errors.New("refused")}, status: http.StatusBadGateway, code: "SOURCE_UNREACHABLE"},
		{name: "other", err: errors.New("boom"), status: http.StatusInternalServerError, code: "INTERNAL_ERROR"},
	}
	for _, tt := range tests {
		for _, action := range []string{"pull", "check", "reschedule"} {
			t.Run(tt.name+" "+action, func(t *testing.T) {
				e := newEnv()
				e.jobs.err = tt.err
				w, body := e.do(t, "POST", "/api/v1/datasources/3/"+action)
				assert.Equal(t, tt.status, w.Code)
				assert.Equal(t, tt.code, errCode(body))
			})
		}
	}
}

func TestCheckConnection_OK(t *testing.T) {
	w, body := newEnv().do(t, "POST", "/api/v1/datasources/3/check")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["data"].(map[string]any)["status"])
}
