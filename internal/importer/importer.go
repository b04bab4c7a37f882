// Package importer loads pulled chunks of a process into the local store.
// Every chunk is transformed, validated, merged into its parent process when
// configured and deduplicated before insert. Rejected rows go to side logs.
package importer

import (
	"context"
	"fmt"
	"iter"
	"log/slog"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/factoryetl/internal/chunk"
	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/internal/metrics"
	"github.com/kiranshivaraju/factoryetl/internal/store"
	"github.com/kiranshivaraju/factoryetl/internal/transform"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

// Store is the part of the local store an import writes to.
type Store interface {
	EnsureProcessTable(ctx context.Context, p *models.Process) error
	InsertRows(ctx context.Context, p *models.Process, rows *frame.Frame) (int64, error)
	FetchRows(ctx context.Context, p *models.Process, filter store.RowFilter) (*frame.Frame, error)
	CreateImportHistory(ctx context.Context, h *models.ImportHistory) error
}

// Parents resolves the process a merged process imports into.
type Parents interface {
	GetParent(ctx context.Context, p *models.Process) (*models.Process, error)
}

// Archiver keeps a copy of every imported batch. Failures are logged only.
type Archiver interface {
	Archive(ctx context.Context, p *models.Process, chunkName string, rows *frame.Frame) error
}

type Option func(*Engine)

func WithArchiver(a Archiver) Option {
	return func(e *Engine) { e.archive = a }
}

// WithSourceFallback lets workshop pipelines query the source for reference
// data whose chunk file is missing.
func WithSourceFallback(f *connector.Factory) Option {
	return func(e *Engine) { e.factory = f }
}

func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	store   Store
	parents Parents
	chunks  *chunk.Store
	sideLog *SideLog
	archive Archiver
	factory *connector.Factory
	now     func() time.Time
}

func NewEngine(st Store, parents Parents, chunks *chunk.Store, sideLog *SideLog, opts ...Option) *Engine {
	e := &Engine{store: st, parents: parents, chunks: chunks, sideLog: sideLog, now: time.Now}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// importTarget is where the rows of a process end up.
type importTarget struct {
	process *models.Process
	dateCol string
	merged  bool
}

// chunkOutcome is what one chunk contributed to the job.
type chunkOutcome struct {
	markers    []models.ErrorType
	from, to   *time.Time
	imported   int64
	errored    int64
	duplicates int64
}

func (o *chunkOutcome) mark(job *models.JobInfo, t models.ErrorType) {
	o.markers = append(o.markers, t)
	job.AddErrorType(t)
}

func (o *chunkOutcome) status() models.JobStatus {
	if len(o.markers) > 0 {
		return models.JobStatusFailed
	}
	return models.JobStatusDone
}

// Import consumes the transaction chunks of p in write order and yields a
// snapshot of job after every imported chunk, then a final one at 100%.
//
// A fatal error yields the FATAL snapshot together with the error and ends
// the sequence; the chunk being imported stays on disk. Every other problem
// is recorded as a marker on the job: the last one set becomes ErrorType and
// the job ends FAILED.
func (e *Engine) Import(ctx context.Context, p *models.Process, job *models.JobInfo) iter.Seq2[models.JobInfo, error] {
	return func(yield func(models.JobInfo, error) bool) {
		fatal := func(err error) {
			job.Fatal(err)
			slog.Error("import failed", "process_id", p.ID, "job_id", job.JobID, "error", err)
			yield(job.Snapshot(), err)
		}

		target, err := e.target(ctx, p)
		if err != nil {
			fatal(err)
			return
		}
		pipeline, err := transform.ForProcess(p, e.chunks, e.factory)
		if err != nil {
			fatal(err)
			return
		}
		if err := e.store.EnsureProcessTable(ctx, target.process); err != nil {
			fatal(err)
			return
		}

		files, err := e.chunks.List(p.ID)
		if err != nil {
			fatal(err)
			return
		}

		for idx, file := range files {
			if err := ctx.Err(); err != nil {
				fatal(err)
				return
			}

			out, err := e.importChunk(ctx, p, target, pipeline, file, job)
			if err != nil {
				fatal(err)
				return
			}

			if err := e.chunks.Remove(file); err != nil {
				slog.Warn("imported chunk could not be removed", "process_id", p.ID, "file", file.Name(), "error", err)
			}

			if out == nil {
				job.CalcPercent(idx, len(files))
				continue
			}
			job.ImportFrom, job.ImportTo = out.from, out.to
			job.RowsImported += out.imported
			job.RowsError += out.errored
			job.RowsDuplicate += out.duplicates
			job.CalcPercent(idx, len(files))
			if !yield(job.Snapshot(), nil) {
				return
			}
		}

		job.Percent = 100
		if len(job.ErrorTypes) > 0 {
			job.Status = models.JobStatusFailed
			job.ErrMsg = string(job.ErrorType)
		} else {
			job.Status = models.JobStatusDone
		}
		slog.Info("import finished",
			"process_id", p.ID,
			"job_id", job.JobID,
			"status", job.Status,
			"chunks", len(files),
			"rows_imported", job.RowsImported,
			"rows_error", job.RowsError,
			"rows_duplicate", job.RowsDuplicate,
		)
		yield(job.Snapshot(), nil)
	}
}

func (e *Engine) target(ctx context.Context, p *models.Process) (importTarget, error) {
	parent, err := e.parents.GetParent(ctx, p)
	if err != nil {
		return importTarget{}, fmt.Errorf("load parent of process %d: %w", p.ID, err)
	}
	if parent == nil {
		return importTarget{process: p, dateCol: p.DateColumn()}, nil
	}
	return importTarget{process: parent, dateCol: parent.DateColumn(), merged: true}, nil
}

// importChunk runs one chunk through the import steps. It returns a nil
// outcome when the chunk turned out empty; the failed import history is
// already saved then. A returned error is fatal.
func (e *Engine) importChunk(ctx context.Context, p *models.Process, target importTarget, pipeline *transform.Pipeline, file chunk.File, job *models.JobInfo) (*chunkOutcome, error) {
	raw, err := chunk.Read(file.Path)
	if err != nil {
		return nil, err
	}
	data, err := pipeline.Run(ctx, transform.NewData(raw))
	if err != nil {
		return nil, err
	}
	df := data.Frame.Rename(p.RawToNameMapping())

	out := &chunkOutcome{}
	if df.IsEmpty() {
		return nil, e.saveEmpty(ctx, p, target, file, job, out)
	}

	v := validate(p, df)
	if !v.bad.IsEmpty() {
		out.errored = int64(v.bad.Len())
		if err := e.sideLog.WriteErrorTrace(p.Name, job.JobID, v.issues); err != nil {
			slog.Error("write error trace", "process_id", p.ID, "error", err)
		}
		if err := e.sideLog.WriteErrorImport(p.Name, job.JobID, v.bad); err != nil {
			slog.Error("write error import", "process_id", p.ID, "error", err)
		}
		out.mark(job, models.ErrorTypeValidationError)
	}
	df = v.good
	if df.IsEmpty() {
		return nil, e.saveEmpty(ctx, p, target, file, job, out)
	}

	if lo, hi, ok := df.MinMax(p.IncrementColumn()); ok {
		if from, err := frame.AsTime(lo); err == nil {
			out.from = &from
		}
		if to, err := frame.AsTime(hi); err == nil {
			out.to = &to
		}
	}

	if target.merged {
		df = mergeIntoParent(df, p, target.process)
	}

	df, dups, err := removeDuplicates(ctx, e.store, target.process, target.dateCol, df)
	if err != nil {
		return nil, err
	}
	if !dups.IsEmpty() {
		out.duplicates = int64(dups.Len())
		if err := e.sideLog.WriteDuplicates(p.Name, job.JobID, dups); err != nil {
			slog.Error("write duplicate log", "process_id", p.ID, "error", err)
		}
		out.mark(job, models.ErrorTypeDuplicate)
	}

	n, err := e.store.InsertRows(ctx, target.process, df)
	if err != nil {
		return nil, err
	}
	out.imported = n

	if err := e.store.CreateImportHistory(ctx, e.history(p, target, file, job, out)); err != nil {
		return nil, err
	}

	e.record(p, out)

	if e.archive != nil && !df.IsEmpty() {
		if err := e.archive.Archive(ctx, target.process, file.Name(), df); err != nil {
			slog.Error("archive imported chunk", "process_id", p.ID, "file", file.Name(), "error", err)
		}
	}
	return out, nil
}

func (e *Engine) saveEmpty(ctx context.Context, p *models.Process, target importTarget, file chunk.File, job *models.JobInfo, out *chunkOutcome) error {
	out.mark(job, models.ErrorTypeEmpty)
	job.RowsError += out.errored
	e.record(p, out)
	slog.Warn("chunk has no rows to import", "process_id", p.ID, "file", file.Name())
	if err := e.store.CreateImportHistory(ctx, e.history(p, target, file, job, out)); err != nil {
		return fmt.Errorf("save failed import history: %w", err)
	}
	return nil
}

func (e *Engine) history(p *models.Process, target importTarget, file chunk.File, job *models.JobInfo, out *chunkOutcome) *models.ImportHistory {
	return &models.ImportHistory{
		ID:              uuid.New(),
		JobID:           job.JobID,
		ProcessID:       p.ID,
		TargetProcessID: target.process.ID,
		ChunkName:       file.Name(),
		Status:          out.status(),
		ErrorTypes:      out.markers,
		ImportFrom:      out.from,
		ImportTo:        out.to,
		RowsImported:    out.imported,
		RowsError:       out.errored,
		RowsDuplicate:   out.duplicates,
		CreatedAt:       e.now().UTC(),
	}
}

func (e *Engine) record(p *models.Process, out *chunkOutcome) {
	if out == nil {
		return
	}
	label := strconv.FormatInt(p.ID, 10)
	metrics.ImportedChunks.WithLabelValues(label, string(out.status())).Inc()
	metrics.ImportedRows.WithLabelValues(label, "imported").Add(float64(out.imported))
	metrics.ImportedRows.WithLabelValues(label, "error").Add(float64(out.errored))
	metrics.ImportedRows.WithLabelValues(label, "duplicate").Add(float64(out.duplicates))
}
