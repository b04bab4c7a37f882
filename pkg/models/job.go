package models

import (
	"slices"
	"time"

	"github.com/google/uuid"
)

// JobStatus is the lifecycle state reported to pollers.
type JobStatus string

const (
	JobStatusProcessing JobStatus = "PROCESSING"
	JobStatusDone       JobStatus = "DONE"
	JobStatusFailed     JobStatus = "FAILED"
	JobStatusFatal      JobStatus = "FATAL"
)

// JobType identifies what a scheduled job does.
type JobType string

const (
	JobTypePullData    JobType = "PULL_DATA"
	JobTypeImportData  JobType = "IMPORT_DATA"
	JobTypeGenProcLink JobType = "GEN_PROC_LINK"
)

// ErrorType is a per-chunk outcome marker.
type ErrorType string

const (
	ErrorTypeEmpty           ErrorType = "EMPTY"
	ErrorTypeValidationError ErrorType = "VALIDATION_ERROR"
	ErrorTypeDuplicate       ErrorType = "DUPLICATE"
	ErrorTypeFatal           ErrorType = "FATAL"
)

// JobInfo tracks one pull or import job. The pipeline mutates it as chunks are
// processed; pollers receive copies made by Snapshot.
type JobInfo struct {
	JobID         uuid.UUID   `db:"id"             json:"job_id"`
	Type          JobType     `db:"type"           json:"type"`
	DataSourceID  int64       `db:"data_source_id" json:"data_source_id,omitempty"`
	ProcessID     int64       `db:"process_id"     json:"process_id,omitempty"`
	Status        JobStatus   `db:"status"         json:"status"`
	Percent       int         `db:"percent"        json:"percent"`
	ImportFrom    *time.Time  `db:"import_from"    json:"import_from,omitempty"`
	ImportTo      *time.Time  `db:"import_to"      json:"import_to,omitempty"`
	ErrMsg        string      `db:"error_message"  json:"err_msg,omitempty"`
	ErrorType     ErrorType   `db:"error_type"     json:"error_type,omitempty"`
	ErrorTypes    []ErrorType `db:"error_types"    json:"error_types,omitempty"`
	RowsImported  int64       `db:"rows_imported"  json:"rows_imported"`
	RowsError     int64       `db:"rows_error"     json:"rows_error"`
	RowsDuplicate int64       `db:"rows_duplicate" json:"rows_duplicate"`
	StartedAt     time.Time   `db:"started_at"     json:"started_at"`
	UpdatedAt     time.Time   `db:"updated_at"     json:"updated_at"`

	// Exception keeps the original error of a FATAL job for the caller.
	Exception error `db:"-" json:"-"`
}

// NewJobInfo starts a PROCESSING job at 0%.
func NewJobInfo(jobType JobType) *JobInfo {
	now := time.Now().UTC()
	return &JobInfo{
		JobID:     uuid.New(),
		Type:      jobType,
		Status:    JobStatusProcessing,
		StartedAt: now,
		UpdatedAt: now,
	}
}

// CalcPercent sets progress after chunk idx (zero based) of total.
// Completion (100) is only reported by the terminal snapshot.
func (j *JobInfo) CalcPercent(idx, total int) {
	if total <= 0 {
		j.Percent = 99
		return
	}
	p := (idx + 1) * 100 / total
	if p > 99 {
		p = 99
	}
	if p < j.Percent {
		return
	}
	j.Percent = p
}

// AddErrorType records a marker. ErrorType keeps the most recent one and
// ErrorTypes keeps every distinct marker in the order first seen.
func (j *JobInfo) AddErrorType(t ErrorType) {
	j.ErrorType = t
	if !slices.Contains(j.ErrorTypes, t) {
		j.ErrorTypes = append(j.ErrorTypes, t)
	}
}

// Fatal marks the job as FATAL and keeps err for the caller.
func (j *JobInfo) Fatal(err error) {
	j.Status = JobStatusFatal
	j.Exception = err
	j.ErrMsg = err.Error()
	j.AddErrorType(ErrorTypeFatal)
}

func (j *JobInfo) IsTerminal() bool {
	switch j.Status {
	case JobStatusDone, JobStatusFailed, JobStatusFatal:
		return true
	}
	return false
}

// Snapshot returns a copy that is safe to hand to another goroutine.
func (j *JobInfo) Snapshot() JobInfo {
	c := *j
	c.ErrorTypes = slices.Clone(j.ErrorTypes)
	if j.ImportFrom != nil {
		t := *j.ImportFrom
		c.ImportFrom = &t
	}
	if j.ImportTo != nil {
		t := *j.ImportTo
		c.ImportTo = &t
	}
	c.UpdatedAt = time.Now().UTC()
	return c
}
