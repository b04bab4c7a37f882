package store

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

// PostgresStore implements the Store interface using pgx/v5.
type PostgresStore struct {
	pool *pgxpool.Pool
}

// NewPostgresStore creates a new PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool) *PostgresStore {
	return &PostgresStore{pool: pool}
}

// Ping checks database connectivity.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// --- Pull History ---

func (s *PostgresStore) GetPullHistory(ctx context.Context, processID int64) (*models.PullHistory, error) {
	var h models.PullHistory
	err := s.pool.QueryRow(ctx,
		`SELECT process_id, pull_from, pull_to, updated_at FROM pull_histories WHERE process_id = $1`, processID,
	).Scan(&h.ProcessID, &h.PullFrom, &h.PullTo, &h.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get pull history: %w", err)
	}
	return &h, nil
}

// WidenPullHistory lowers pull_from and raises pull_to; it never narrows.
func (s *PostgresStore) WidenPullHistory(ctx context.Context, processID int64, from, to time.Time) error {
	from, to = storedPullRange(from, to)
	_, err := s.pool.Exec(ctx,
		`INSERT INTO pull_histories (process_id, pull_from, pull_to, updated_at)
		 VALUES ($1, $2, $3, NOW())
		 ON CONFLICT (process_id) DO UPDATE SET
		   pull_from = LEAST(COALESCE(pull_histories.pull_from, EXCLUDED.pull_from), EXCLUDED.pull_from),
		   pull_to = GREATEST(COALESCE(pull_histories.pull_to, EXCLUDED.pull_to), EXCLUDED.pull_to),
		   updated_at = NOW()`,
		processID, from, to)
	if err != nil {
		return fmt.Errorf("widen pull history: %w", err)
	}
	return nil
}

// storedPullRange fits a pulled range to TIMESTAMPTZ microseconds without
// growing it: from is rounded up and to is truncated. A range inside one
// microsecond collapses to its lower edge, which claims no pulled instant.
func storedPullRange(from, to time.Time) (time.Time, time.Time) {
	from, to = from.UTC(), to.UTC()
	if up := from.Truncate(time.Microsecond); up.Before(from) {
		from = up.Add(time.Microsecond)
	}
	to = to.Truncate(time.Microsecond)
	if from.After(to) {
		from = to
	}
	return from, to
}

// --- Process Data ---

const importedAtColumn = "_imported_at"

func processTable(processID int64) string {
	return fmt.Sprintf("process_data_%d", processID)
}

func sqlType(dt models.DataType) string {
	switch dt {
	case models.DataTypeInteger:
		return "BIGINT"
	case models.DataTypeReal:
		return "DOUBLE PRECISION"
	case models.DataTypeDatetime:
		return "TIMESTAMPTZ"
	default:
		return "TEXT"
	}
}

// EnsureProcessTable creates the append-only data table of a process and adds
// columns that were configured since.
func (s *PostgresStore) EnsureProcessTable(ctx context.Context, p *models.Process) error {
	table := pgx.Identifier{processTable(p.ID)}.Sanitize()

	_, err := s.pool.Exec(ctx, fmt.Sprintf(
		`CREATE TABLE IF NOT EXISTS %s (%s TIMESTAMPTZ NOT NULL DEFAULT NOW())`,
		table, pgx.Identifier{importedAtColumn}.Sanitize()))
	if err != nil {
		return fmt.Errorf("create process table: %w", err)
	}

	for _, c := range p.Columns {
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`ALTER TABLE %s ADD COLUMN IF NOT EXISTS %s %s`,
			table, pgx.Identifier{c.ColumnName}.Sanitize(), sqlType(c.DataType)))
		if err != nil {
			return fmt.Errorf("add column %s: %w", c.ColumnName, err)
		}
	}

	if date := p.DateColumn(); date != "" {
		_, err := s.pool.Exec(ctx, fmt.Sprintf(`CREATE INDEX IF NOT EXISTS %s ON %s (%s)`,
			pgx.Identifier{processTable(p.ID) + "_date_idx"}.Sanitize(), table, pgx.Identifier{date}.Sanitize()))
		if err != nil {
			return fmt.Errorf("create date index: %w", err)
		}
	}
	return nil
}

// InsertRows copies the configured columns of rows into the process table.
func (s *PostgresStore) InsertRows(ctx context.Context, p *models.Process, rows *frame.Frame) (int64, error) {
	if rows.Len() == 0 {
		return 0, nil
	}

	var cols []string
	var types []models.DataType
	for _, c := range p.Columns {
		if rows.Has(c.ColumnName) {
			cols = append(cols, c.ColumnName)
			types = append(types, c.DataType)
		}
	}
	if len(cols) == 0 {
		return 0, fmt.Errorf("insert rows into process %d: no configured column present", p.ID)
	}

	values := make([][]any, rows.Len())
	for i := range values {
		row := make([]any, len(cols))
		for j, c := range cols {
			row[j] = sqlValue(types[j], rows.Value(i, c))
		}
		values[i] = row
	}

	n, err := s.pool.CopyFrom(ctx, pgx.Identifier{processTable(p.ID)}, cols, pgx.CopyFromRows(values))
	if err != nil {
		return 0, fmt.Errorf("copy rows into process %d: %w", p.ID, err)
	}
	return n, nil
}

// sqlValue hands pgx the Go type matching the column.
func sqlValue(dt models.DataType, v any) any {
	v = frame.Normalize(v)
	if v == nil {
		return nil
	}
	switch dt {
	case models.DataTypeText:
		return frame.AsString(v)
	case models.DataTypeInteger:
		if i, err := frame.AsInt(v); err == nil {
			return i
		}
	case models.DataTypeReal:
		if f, err := frame.AsFloat(v); err == nil {
			return f
		}
	case models.DataTypeDatetime:
		if t, err := frame.AsTime(v); err == nil {
			return t
		}
	}
	return v
}

// FetchRows reads stored rows, restricted to the date window when one is given.
// A process that never imported anything yields an empty frame.
func (s *PostgresStore) FetchRows(ctx context.Context, p *models.Process, filter RowFilter) (*frame.Frame, error) {
	cols := filter.Columns
	if len(cols) == 0 {
		cols = p.ColumnNames()
	}
	quoted := make([]string, len(cols))
	for i, c := range cols {
		quoted[i] = pgx.Identifier{c}.Sanitize()
	}

	query := fmt.Sprintf(`SELECT %s FROM %s`, strings.Join(quoted, ", "), pgx.Identifier{processTable(p.ID)}.Sanitize())
	var conditions []string
	var args []any
	if filter.DateCol != "" && !filter.From.IsZero() {
		args = append(args, filter.From)
		conditions = append(conditions, fmt.Sprintf("%s >= $%d", pgx.Identifier{filter.DateCol}.Sanitize(), len(args)))
	}
	if filter.DateCol != "" && !filter.To.IsZero() {
		args = append(args, filter.To)
		conditions = append(conditions, fmt.Sprintf("%s <= $%d", pgx.Identifier{filter.DateCol}.Sanitize(), len(args)))
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		if isUndefinedTable(err) {
			return frame.Empty(cols...), nil
		}
		return nil, fmt.Errorf("fetch rows of process %d: %w", p.ID, err)
	}
	defer rows.Close()

	out := frame.Empty(cols...)
	for rows.Next() {
		vals, err := rows.Values()
		if err != nil {
			return nil, fmt.Errorf("scan process row: %w", err)
		}
		for i, v := range vals {
			vals[i] = frame.Normalize(v)
		}
		out.Append(vals...)
	}
	if err := rows.Err(); err != nil {
		if isUndefinedTable(err) {
			return frame.Empty(cols...), nil
		}
		return nil, fmt.Errorf("fetch rows of process %d: %w", p.ID, err)
	}
	return out, nil
}

// DeleteProcessData drops the data table and every history row of a process.
func (s *PostgresStore) DeleteProcessData(ctx context.Context, processID int64) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin delete process data: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, fmt.Sprintf(`DROP TABLE IF EXISTS %s`, pgx.Identifier{processTable(processID)}.Sanitize())); err != nil {
		return fmt.Errorf("drop process table: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM pull_histories WHERE process_id = $1`, processID); err != nil {
		return fmt.Errorf("delete pull history: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM import_histories WHERE process_id = $1 OR target_process_id = $1`, processID); err != nil {
		return fmt.Errorf("delete import histories: %w", err)
	}
	return tx.Commit(ctx)
}

// --- Import Histories ---

func (s *PostgresStore) CreateImportHistory(ctx context.Context, h *models.ImportHistory) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO import_histories (id, job_id, process_id, target_process_id, chunk_name, status, error_types,
		   import_from, import_to, rows_imported, rows_error, rows_duplicate, created_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)`,
		h.ID, h.JobID, h.ProcessID, h.TargetProcessID, h.ChunkName, string(h.Status), errorTypeStrings(h.ErrorTypes),
		h.ImportFrom, h.ImportTo, h.RowsImported, h.RowsError, h.RowsDuplicate, h.CreatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create import history: %w", err)
	}
	return nil
}

func (s *PostgresStore) ListImportHistories(ctx context.Context, processID int64, limit int) ([]*models.ImportHistory, error) {
	if limit <= 0 {
		limit = 20
	}
	if limit > 100 {
		limit = 100
	}

	rows, err := s.pool.Query(ctx,
		`SELECT id, job_id, process_id, target_process_id, chunk_name, status, error_types,
		   import_from, import_to, rows_imported, rows_error, rows_duplicate, created_at
		 FROM import_histories WHERE process_id = $1 ORDER BY created_at DESC LIMIT $2`, processID, limit)
	if err != nil {
		return nil, fmt.Errorf("list import histories: %w", err)
	}
	defer rows.Close()

	var out []*models.ImportHistory
	for rows.Next() {
		var h models.ImportHistory
		var status string
		var types []string
		if err := rows.Scan(&h.ID, &h.JobID, &h.ProcessID, &h.TargetProcessID, &h.ChunkName, &status, &types,
			&h.ImportFrom, &h.ImportTo, &h.RowsImported, &h.RowsError, &h.RowsDuplicate, &h.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan import history: %w", err)
		}
		h.Status = models.JobStatus(status)
		h.ErrorTypes = toErrorTypes(types)
		out = append(out, &h)
	}
	return out, rows.Err()
}

// --- Jobs ---

func (s *PostgresStore) CreateJob(ctx context.Context, job *models.JobInfo) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO jobs (id, type, data_source_id, process_id, status, percent, started_at, updated_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		job.JobID, string(job.Type), nullableID(job.DataSourceID), nullableID(job.ProcessID),
		string(job.Status), job.Percent, job.StartedAt, job.UpdatedAt)
	if err != nil {
		if isDuplicateKeyError(err) {
			return ErrDuplicateKey
		}
		return fmt.Errorf("create job: %w", err)
	}
	return nil
}

func (s *PostgresStore) GetJob(ctx context.Context, id uuid.UUID) (*models.JobInfo, error) {
	var j models.JobInfo
	var jobType, status string
	var dsID, procID *int64
	var errMsg, errType *string
	var types []string
	err := s.pool.QueryRow(ctx,
		`SELECT id, type, data_source_id, process_id, status, percent, import_from, import_to,
		   error_message, error_type, error_types, rows_imported, rows_error, rows_duplicate, started_at, updated_at
		 FROM jobs WHERE id = $1`, id,
	).Scan(&j.JobID, &jobType, &dsID, &procID, &status, &j.Percent, &j.ImportFrom, &j.ImportTo,
		&errMsg, &errType, &types, &j.RowsImported, &j.RowsError, &j.RowsDuplicate, &j.StartedAt, &j.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	j.Type = models.JobType(jobType)
	j.Status = models.JobStatus(status)
	if dsID != nil {
		j.DataSourceID = *dsID
	}
	if procID != nil {
		j.ProcessID = *procID
	}
	if errMsg != nil {
		j.ErrMsg = *errMsg
	}
	if errType != nil {
		j.ErrorType = models.ErrorType(*errType)
	}
	j.ErrorTypes = toErrorTypes(types)
	return &j, nil
}

// PROCESSING -> PROCESSING records progress; the other statuses are terminal.
var validTransitions = map[models.JobStatus][]models.JobStatus{
	models.JobStatusProcessing: {
		models.JobStatusProcessing,
		models.JobStatusDone,
		models.JobStatusFailed,
		models.JobStatusFatal,
	},
}

func (s *PostgresStore) UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error {
	params := &jobUpdateParams{}
	for _, opt := range opts {
		opt(params)
	}

	// Fetch current status
	var current string
	err := s.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&current)
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get job status: %w", err)
	}

	if !slices.Contains(validTransitions[models.JobStatus(current)], status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	query := `UPDATE jobs SET status = $2, updated_at = $3`
	args := []any{id, string(status), now}
	argIdx := 4

	if status != models.JobStatusProcessing {
		query += fmt.Sprintf(", completed_at = $%d", argIdx)
		args = append(args, now)
		argIdx++
	}
	if params.Percent != nil {
		query += fmt.Sprintf(", percent = $%d", argIdx)
		args = append(args, *params.Percent)
		argIdx++
	}
	if params.ErrorMessage != nil {
		query += fmt.Sprintf(", error_message = $%d", argIdx)
		args = append(args, *params.ErrorMessage)
		argIdx++
	}
	if params.ErrorType != nil {
		query += fmt.Sprintf(", error_type = $%d, error_types = $%d", argIdx, argIdx+1)
		args = append(args, string(*params.ErrorType), errorTypeStrings(params.ErrorTypes))
		argIdx += 2
	}
	if params.ImportFrom != nil {
		query += fmt.Sprintf(", import_from = $%d", argIdx)
		args = append(args, *params.ImportFrom)
		argIdx++
	}
	if params.ImportTo != nil {
		query += fmt.Sprintf(", import_to = $%d", argIdx)
		args = append(args, *params.ImportTo)
		argIdx++
	}
	if params.RowsImported != nil {
		query += fmt.Sprintf(", rows_imported = $%d, rows_error = $%d, rows_duplicate = $%d", argIdx, argIdx+1, argIdx+2)
		args = append(args, *params.RowsImported, *params.RowsError, *params.RowsDuplicate)
	}

	query += " WHERE id = $1"

	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("update job status: %w", err)
	}
	return nil
}

// --- Helpers ---

func nullableID(id int64) *int64 {
	if id == 0 {
		return nil
	}
	return &id
}

func errorTypeStrings(types []models.ErrorType) []string {
	out := make([]string, len(types))
	for i, t := range types {
		out[i] = string(t)
	}
	return out
}

func toErrorTypes(types []string) []models.ErrorType {
	if len(types) == 0 {
		return nil
	}
	out := make([]models.ErrorType, len(types))
	for i, t := range types {
		out[i] = models.ErrorType(t)
	}
	return out
}

func isDuplicateKeyError(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func isUndefinedTable(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "42P01"
}
