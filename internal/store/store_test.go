package store_test

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/internal/store"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
)

// migrationsDir returns the absolute path to the migrations directory.
func migrationsDir() string {
	_, filename, _, _ := runtime.Caller(0)
	return filepath.Join(filepath.Dir(filename), "..", "..", "migrations")
}

// setupTestDB spins up a Postgres container, runs migrations, and returns a pool.
func setupTestDB(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	pgContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase("factoryetl_test"),
		postgres.WithUsername("test"),
		postgres.WithPassword("test"),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(60*time.Second)),
	)
	require.NoError(t, err)

	t.Cleanup(func() {
		require.NoError(t, pgContainer.Terminate(ctx))
	})

	connStr, err := pgContainer.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	err = store.RunMigrations(connStr, migrationsDir())
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connStr)
	require.NoError(t, err)
	t.Cleanup(func() { pool.Close() })

	return pool
}

func pressProcess() *models.Process {
	return &models.Process{
		ID:   10,
		Name: "press",
		Columns: []models.ColumnConfig{
			{ID: 1, ColumnName: "event_time", DataType: models.DataTypeDatetime, IsGetDate: true},
			{ID: 2, ColumnName: "serial", DataType: models.DataTypeText, IsSerial: true},
			{ID: 3, ColumnName: "force", DataType: models.DataTypeReal},
			{ID: 4, ColumnName: "count", DataType: models.DataTypeInteger},
		},
	}
}

func ts(day int) time.Time {
	return time.Date(2024, 3, day, 8, 0, 0, 0, time.UTC)
}

// --- Pull History Tests ---

func TestPullHistory_WidenNeverNarrows(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	_, err := s.GetPullHistory(ctx, 10)
	assert.ErrorIs(t, err, store.ErrNotFound)

	require.NoError(t, s.WidenPullHistory(ctx, 10, ts(5), ts(10)))
	require.NoError(t, s.WidenPullHistory(ctx, 10, ts(6), ts(8)))
	require.NoError(t, s.WidenPullHistory(ctx, 10, ts(3), ts(7)))

	h, err := s.GetPullHistory(ctx, 10)
	require.NoError(t, err)
	require.NotNil(t, h.PullFrom)
	require.NotNil(t, h.PullTo)
	assert.True(t, h.PullFrom.Equal(ts(3)))
	assert.True(t, h.PullTo.Equal(ts(10)))
}

func TestPullHistory_SubMicrosecondBoundsStayInside(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	from := ts(5).Add(1500 * time.Nanosecond)
	to := ts(6).Add(999 * time.Nanosecond)
	require.NoError(t, s.WidenPullHistory(ctx, 10, from, to))

	h, err := s.GetPullHistory(ctx, 10)
	require.NoError(t, err)
	assert.True(t, h.PullFrom.Equal(ts(5).Add(2*time.Microsecond)), h.PullFrom.String())
	assert.True(t, h.PullTo.Equal(ts(6)), h.PullTo.String())
}

// --- Process Data Tests ---

func TestProcessData_InsertAndFetch(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := pressProcess()

	require.NoError(t, s.EnsureProcessTable(ctx, p))
	require.NoError(t, s.EnsureProcessTable(ctx, p), "ensure is idempotent")

	rows := frame.New([]string{"event_time", "serial", "force", "count", "ignored"},
		[]any{ts(1), "S1", 1.5, int64(3), "x"},
		[]any{ts(2), "S2", nil, int64(4), "y"},
		[]any{ts(9), "S3", 2.0, nil, "z"},
	)
	n, err := s.InsertRows(ctx, p, rows)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	got, err := s.FetchRows(ctx, p, store.RowFilter{
		Columns: []string{"event_time", "serial"},
		DateCol: "event_time",
		From:    ts(1),
		To:      ts(5),
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"event_time", "serial"}, got.Columns())
	require.Equal(t, 2, got.Len())

	all, err := s.FetchRows(ctx, p, store.RowFilter{})
	require.NoError(t, err)
	assert.Equal(t, 3, all.Len())
	assert.Equal(t, p.ColumnNames(), all.Columns())
}

func TestProcessData_FetchBeforeFirstImport(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	got, err := s.FetchRows(context.Background(), pressProcess(), store.RowFilter{})
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
}

func TestProcessData_NewColumnIsAdded(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := pressProcess()
	require.NoError(t, s.EnsureProcessTable(ctx, p))

	p.Columns = append(p.Columns, models.ColumnConfig{ID: 5, ColumnName: "operator", DataType: models.DataTypeText})
	require.NoError(t, s.EnsureProcessTable(ctx, p))

	_, err := s.InsertRows(ctx, p, frame.New([]string{"event_time", "operator"}, []any{ts(1), "ann"}))
	require.NoError(t, err)

	got, err := s.FetchRows(ctx, p, store.RowFilter{Columns: []string{"operator"}})
	require.NoError(t, err)
	require.Equal(t, 1, got.Len())
	assert.Equal(t, "ann", got.Value(0, "operator"))
}

func TestDeleteProcessData(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()
	p := pressProcess()

	require.NoError(t, s.EnsureProcessTable(ctx, p))
	_, err := s.InsertRows(ctx, p, frame.New([]string{"event_time", "serial"}, []any{ts(1), "S1"}))
	require.NoError(t, err)
	require.NoError(t, s.WidenPullHistory(ctx, p.ID, ts(1), ts(2)))

	require.NoError(t, s.DeleteProcessData(ctx, p.ID))

	_, err = s.GetPullHistory(ctx, p.ID)
	assert.ErrorIs(t, err, store.ErrNotFound)
	got, err := s.FetchRows(ctx, p, store.RowFilter{})
	require.NoError(t, err)
	assert.True(t, got.IsEmpty())
}

// --- Import History Tests ---

func TestImportHistory_CreateAndList(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	jobID := uuid.New()
	from, to := ts(1), ts(2)
	for i, status := range []models.JobStatus{models.JobStatusDone, models.JobStatusFailed} {
		h := &models.ImportHistory{
			ID:              uuid.New(),
			JobID:           jobID,
			ProcessID:       10,
			TargetProcessID: 10,
			ChunkName:       "TRANSACTION-a-b-c.jsonl.gz",
			Status:          status,
			ImportFrom:      &from,
			ImportTo:        &to,
			RowsImported:    5,
			CreatedAt:       ts(1).Add(time.Duration(i) * time.Minute),
		}
		if status == models.JobStatusFailed {
			h.ErrorTypes = []models.ErrorType{models.ErrorTypeEmpty}
		}
		require.NoError(t, s.CreateImportHistory(ctx, h))
	}

	got, err := s.ListImportHistories(ctx, 10, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, models.JobStatusFailed, got[0].Status, "newest first")
	assert.Equal(t, []models.ErrorType{models.ErrorTypeEmpty}, got[0].ErrorTypes)
	assert.Nil(t, got[1].ErrorTypes)

	none, err := s.ListImportHistories(ctx, 99, 10)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func TestImportHistory_DuplicateID(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	h := &models.ImportHistory{ID: uuid.New(), JobID: uuid.New(), ProcessID: 1, TargetProcessID: 1,
		ChunkName: "c", Status: models.JobStatusDone, CreatedAt: ts(1)}
	require.NoError(t, s.CreateImportHistory(ctx, h))
	assert.ErrorIs(t, s.CreateImportHistory(ctx, h), store.ErrDuplicateKey)
}

// --- Job Tests ---

func TestJob_CreateAndGet(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	job := models.NewJobInfo(models.JobTypeImportData)
	job.ProcessID = 10
	require.NoError(t, s.CreateJob(ctx, job))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, job.JobID, got.JobID)
	assert.Equal(t, models.JobTypeImportData, got.Type)
	assert.Equal(t, int64(10), got.ProcessID)
	assert.Equal(t, int64(0), got.DataSourceID)
	assert.Equal(t, models.JobStatusProcessing, got.Status)
	assert.Nil(t, got.ErrorTypes)
}

func TestJob_GetNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	_, err := s.GetJob(context.Background(), uuid.New())
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestJob_UpdateStatus(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	job := models.NewJobInfo(models.JobTypeImportData)
	require.NoError(t, s.CreateJob(ctx, job))

	require.NoError(t, s.UpdateJobStatus(ctx, job.JobID, models.JobStatusProcessing, store.WithPercent(40)))

	job.Percent = 100
	job.Status = models.JobStatusFailed
	job.AddErrorType(models.ErrorTypeDuplicate)
	job.AddErrorType(models.ErrorTypeEmpty)
	from, to := ts(1), ts(4)
	job.ImportFrom, job.ImportTo = &from, &to
	job.RowsImported, job.RowsDuplicate = 7, 2
	require.NoError(t, s.UpdateJobStatus(ctx, job.JobID, job.Status, store.SnapshotOptions(job.Snapshot())...))

	got, err := s.GetJob(ctx, job.JobID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailed, got.Status)
	assert.Equal(t, 100, got.Percent)
	assert.Equal(t, models.ErrorTypeEmpty, got.ErrorType)
	assert.Equal(t, []models.ErrorType{models.ErrorTypeDuplicate, models.ErrorTypeEmpty}, got.ErrorTypes)
	require.NotNil(t, got.ImportFrom)
	assert.True(t, got.ImportFrom.Equal(from))
	assert.Equal(t, int64(7), got.RowsImported)
	assert.Equal(t, int64(2), got.RowsDuplicate)
}

func TestJob_UpdateStatusInvalidTransition(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	ctx := context.Background()

	job := models.NewJobInfo(models.JobTypePullData)
	job.DataSourceID = 1
	require.NoError(t, s.CreateJob(ctx, job))
	require.NoError(t, s.UpdateJobStatus(ctx, job.JobID, models.JobStatusDone, store.WithPercent(100)))

	err := s.UpdateJobStatus(ctx, job.JobID, models.JobStatusProcessing)
	assert.ErrorIs(t, err, store.ErrInvalidTransition)
}

func TestJob_UpdateStatusNotFound(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))

	err := s.UpdateJobStatus(context.Background(), uuid.New(), models.JobStatusDone)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestPing(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping integration test")
	}
	s := store.NewPostgresStore(setupTestDB(t))
	assert.NoError(t, s.Ping(context.Background()))
}
