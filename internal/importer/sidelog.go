package importer

import (
	"encoding/csv"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
)

const (
	errorTraceFile  = "error_trace.tsv"
	errorImportFile = "error_import.tsv"
	duplicateFile   = "duplicate.tsv"
)

// RowIssue describes why one cell kept its row out of the store.
type RowIssue struct {
	Row    int
	Column string
	Value  any
	Reason string
}

// SideLog appends rejected rows to tab-separated files under one directory
// per process name. A header is written when a file is created.
type SideLog struct {
	dir string
	now func() time.Time
	mu  sync.Mutex
}

func NewSideLog(dir string) *SideLog {
	return &SideLog{dir: dir, now: time.Now}
}

func (l *SideLog) Path(processName, file string) string {
	return filepath.Join(l.dir, processName, file)
}

// WriteErrorTrace records one line per failing cell.
func (l *SideLog) WriteErrorTrace(processName string, jobID uuid.UUID, issues []RowIssue) error {
	if len(issues) == 0 {
		return nil
	}
	ts := l.now().UTC().Format(time.RFC3339)
	records := make([][]string, len(issues))
	for i, is := range issues {
		records[i] = []string{ts, jobID.String(), processName, fmt.Sprint(is.Row), is.Column, cell(is.Value), is.Reason}
	}
	header := []string{"logged_at", "job_id", "process", "row", "column", "value", "reason"}
	return l.append(l.Path(processName, errorTraceFile), header, records)
}

// WriteErrorImport records the rejected rows as they were read from the chunk.
func (l *SideLog) WriteErrorImport(processName string, jobID uuid.UUID, rows *frame.Frame) error {
	return l.writeRows(processName, errorImportFile, jobID, rows)
}

// WriteDuplicates records rows dropped because they were already stored.
func (l *SideLog) WriteDuplicates(processName string, jobID uuid.UUID, rows *frame.Frame) error {
	return l.writeRows(processName, duplicateFile, jobID, rows)
}

func (l *SideLog) writeRows(processName, file string, jobID uuid.UUID, rows *frame.Frame) error {
	if rows == nil || rows.IsEmpty() {
		return nil
	}
	header := append([]string{"job_id"}, rows.Columns()...)
	records := make([][]string, rows.Len())
	for i := range records {
		rec := make([]string, 0, len(header))
		rec = append(rec, jobID.String())
		for _, c := range rows.Columns() {
			rec = append(rec, cell(rows.Value(i, c)))
		}
		records[i] = rec
	}
	return l.append(l.Path(processName, file), header, records)
}

func (l *SideLog) append(path string, header []string, records [][]string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("create side log dir: %w", err)
	}
	_, statErr := os.Stat(path)
	isNew := errors.Is(statErr, os.ErrNotExist)

	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("open side log: %w", err)
	}
	defer f.Close()

	w := csv.NewWriter(f)
	w.Comma = '\t'
	if isNew {
		if err := w.Write(header); err != nil {
			return fmt.Errorf("write side log header: %w", err)
		}
	}
	if err := w.WriteAll(records); err != nil {
		return fmt.Errorf("write side log %s: %w", filepath.Base(path), err)
	}
	return nil
}

func cell(v any) string {
	v = frame.Normalize(v)
	switch x := v.(type) {
	case nil:
		return ""
	case time.Time:
		return x.UTC().Format(time.RFC3339Nano)
	default:
		return frame.AsString(x)
	}
}
