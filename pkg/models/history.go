package models

import (
	"time"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/factoryetl/pkg/timerange"
)

// PullHistory is the envelope of source time already pulled for a process.
// It only ever widens.
type PullHistory struct {
	ProcessID int64      `db:"process_id" json:"process_id"`
	PullFrom  *time.Time `db:"pull_from"  json:"pull_from,omitempty"`
	PullTo    *time.Time `db:"pull_to"    json:"pull_to,omitempty"`
	UpdatedAt time.Time  `db:"updated_at" json:"updated_at"`
}

// TimeRange returns [PullFrom, PullTo], or the empty range when nothing was pulled.
func (h *PullHistory) TimeRange() timerange.TimeRange {
	if h == nil || (h.PullFrom == nil && h.PullTo == nil) {
		return timerange.Empty()
	}
	return timerange.New(timerange.BoundFrom(h.PullFrom), timerange.BoundFrom(h.PullTo))
}

// ImportHistory records the outcome of importing one chunk.
type ImportHistory struct {
	ID              uuid.UUID   `db:"id"                json:"id"`
	JobID           uuid.UUID   `db:"job_id"            json:"job_id"`
	ProcessID       int64       `db:"process_id"        json:"process_id"`
	TargetProcessID int64       `db:"target_process_id" json:"target_process_id"`
	ChunkName       string      `db:"chunk_name"        json:"chunk_name"`
	Status          JobStatus   `db:"status"            json:"status"`
	ErrorTypes      []ErrorType `db:"error_types"       json:"error_types,omitempty"`
	ImportFrom      *time.Time  `db:"import_from"       json:"import_from,omitempty"`
	ImportTo        *time.Time  `db:"import_to"         json:"import_to,omitempty"`
	RowsImported    int64       `db:"rows_imported"     json:"rows_imported"`
	RowsError       int64       `db:"rows_error"        json:"rows_error"`
	RowsDuplicate   int64       `db:"rows_duplicate"    json:"rows_duplicate"`
	CreatedAt       time.Time   `db:"created_at"        json:"created_at"`
}
