package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

var ErrNotFound = errors.New("resource not found")
var ErrDuplicateKey = errors.New("duplicate key violation")
var ErrInvalidTransition = errors.New("invalid job status transition")

// Store is the data access interface. All database operations go through here.
type Store interface {
	Ping(ctx context.Context) error

	GetPullHistory(ctx context.Context, processID int64) (*models.PullHistory, error)
	WidenPullHistory(ctx context.Context, processID int64, from, to time.Time) error

	EnsureProcessTable(ctx context.Context, p *models.Process) error
	InsertRows(ctx context.Context, p *models.Process, rows *frame.Frame) (int64, error)
	FetchRows(ctx context.Context, p *models.Process, filter RowFilter) (*frame.Frame, error)
	DeleteProcessData(ctx context.Context, processID int64) error

	CreateImportHistory(ctx context.Context, h *models.ImportHistory) error
	ListImportHistories(ctx context.Context, processID int64, limit int) ([]*models.ImportHistory, error)

	CreateJob(ctx context.Context, job *models.JobInfo) error
	GetJob(ctx context.Context, id uuid.UUID) (*models.JobInfo, error)
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...JobUpdateOption) error
}

// RowFilter selects stored rows of a process. A zero From/To leaves that side open.
type RowFilter struct {
	Columns  []string
	DateCol  string
	From, To time.Time
}

type jobUpdateParams struct {
	Percent       *int
	ErrorMessage  *string
	ErrorType     *models.ErrorType
	ErrorTypes    []models.ErrorType
	ImportFrom    *time.Time
	ImportTo      *time.Time
	RowsImported  *int64
	RowsError     *int64
	RowsDuplicate *int64
}

type JobUpdateOption func(*jobUpdateParams)

func WithPercent(p int) JobUpdateOption {
	return func(params *jobUpdateParams) {
		params.Percent = &p
	}
}

func WithErrorMessage(msg string) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorMessage = &msg
	}
}

// WithErrorTypes records the last-set marker and every marker seen.
func WithErrorTypes(last models.ErrorType, all []models.ErrorType) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ErrorType = &last
		p.ErrorTypes = all
	}
}

func WithImportRange(from, to *time.Time) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.ImportFrom = from
		p.ImportTo = to
	}
}

func WithRowCounts(imported, errored, duplicate int64) JobUpdateOption {
	return func(p *jobUpdateParams) {
		p.RowsImported = &imported
		p.RowsError = &errored
		p.RowsDuplicate = &duplicate
	}
}

// SnapshotOptions turns a job snapshot into the update options that persist it.
func SnapshotOptions(job models.JobInfo) []JobUpdateOption {
	opts := []JobUpdateOption{
		WithPercent(job.Percent),
		WithImportRange(job.ImportFrom, job.ImportTo),
		WithRowCounts(job.RowsImported, job.RowsError, job.RowsDuplicate),
	}
	if job.ErrMsg != "" {
		opts = append(opts, WithErrorMessage(job.ErrMsg))
	}
	if job.ErrorType != "" {
		opts = append(opts, WithErrorTypes(job.ErrorType, job.ErrorTypes))
	}
	return opts
}
