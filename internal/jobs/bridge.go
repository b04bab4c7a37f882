// Package jobs turns pulls and imports into scheduled work and chains them:
// a finished pull schedules an import per process, a finished import
// schedules the process link job.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/kiranshivaraju/factoryetl/internal/catalog"
	"github.com/kiranshivaraju/factoryetl/internal/metrics"
	"github.com/kiranshivaraju/factoryetl/internal/pull"
	"github.com/kiranshivaraju/factoryetl/internal/store"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

var errIncomplete = errors.New("import ended without a final status")

// Puller pulls every process of a data source.
type Puller interface {
	PullDataSource(ctx context.Context, dataSourceID int64) (*pull.Result, error)
}

// Importer imports the pending chunks of a process.
type Importer interface {
	Import(ctx context.Context, p *models.Process, job *models.JobInfo) iter.Seq2[models.JobInfo, error]
}

// JobStore persists jobs and owns the stored data of a process.
type JobStore interface {
	CreateJob(ctx context.Context, job *models.JobInfo) error
	UpdateJobStatus(ctx context.Context, id uuid.UUID, status models.JobStatus, opts ...store.JobUpdateOption) error
	DeleteProcessData(ctx context.Context, processID int64) error
}

// StatusCache publishes job snapshots to pollers.
type StatusCache interface {
	SetJobStatus(ctx context.Context, job models.JobInfo, ttl time.Duration) error
	ForgetProcess(ctx context.Context, processID int64) error
}

type ConnectionChecker interface {
	CheckConnection(ctx context.Context, ds *models.DataSource) error
}

type ChunkRemover interface {
	RemoveProcess(processID int64) error
}

// Linker generates the links between a freshly imported process and the
// processes downstream of it.
type Linker interface {
	Link(ctx context.Context, p *models.Process) error
}

// LogLinker only records that linking was requested.
type LogLinker struct{}

func (LogLinker) Link(_ context.Context, p *models.Process) error {
	slog.Info("process link generation requested", "process_id", p.ID, "process", p.Name)
	return nil
}

// Deps wires a Bridge. Linker, StatusTTL and Now have defaults.
type Deps struct {
	Catalog   catalog.Catalog
	Puller    Puller
	Importer  Importer
	Store     JobStore
	Cache     StatusCache
	Scheduler Scheduler
	Chunks    ChunkRemover
	Checker   ConnectionChecker
	Linker    Linker
	StatusTTL time.Duration
	Now       func() time.Time
}

type Bridge struct {
	catalog   catalog.Catalog
	puller    Puller
	importer  Importer
	store     JobStore
	cache     StatusCache
	scheduler Scheduler
	chunks    ChunkRemover
	checker   ConnectionChecker
	linker    Linker
	statusTTL time.Duration
	now       func() time.Time
}

func NewBridge(d Deps) *Bridge {
	b := &Bridge{
		catalog:   d.Catalog,
		puller:    d.Puller,
		importer:  d.Importer,
		store:     d.Store,
		cache:     d.Cache,
		scheduler: d.Scheduler,
		chunks:    d.Chunks,
		checker:   d.Checker,
		linker:    d.Linker,
		statusTTL: d.StatusTTL,
		now:       d.Now,
	}
	if b.linker == nil {
		b.linker = LogLinker{}
	}
	if b.statusTTL <= 0 {
		b.statusTTL = 30 * time.Minute
	}
	if b.now == nil {
		b.now = time.Now
	}
	return b
}

// Start schedules polling for every data source with a polling frequency.
func (b *Bridge) Start(ctx context.Context) error {
	sources, err := b.catalog.ListDataSources(ctx)
	if err != nil {
		return fmt.Errorf("list data sources: %w", err)
	}
	for _, ds := range sources {
		if ds.PollingInterval() <= 0 {
			continue
		}
		if err := b.AddPullJob(ctx, ds.ID); err != nil {
			return err
		}
	}
	return nil
}

// PullProgress pulls a data source and yields its progress: 1 before the
// pull, 99 after it and 100 once an import is scheduled for every process.
// A failed pull yields the last percent with the error and stops.
func (b *Bridge) PullProgress(ctx context.Context, dataSourceID int64) iter.Seq2[int, error] {
	return func(yield func(int, error) bool) {
		if !yield(1, nil) {
			return
		}
		res, err := b.puller.PullDataSource(ctx, dataSourceID)
		if err != nil {
			yield(1, err)
			return
		}
		if !yield(99, nil) {
			return
		}
		for _, pid := range res.Processes {
			if err := b.AddImportJob(pid); err != nil {
				yield(99, err)
				return
			}
		}
		yield(100, nil)
	}
}

// ImportProgress yields a 0% snapshot of job, then every snapshot the import
// of the process produces.
func (b *Bridge) ImportProgress(ctx context.Context, processID int64, job *models.JobInfo) iter.Seq2[models.JobInfo, error] {
	return func(yield func(models.JobInfo, error) bool) {
		job.Percent = 0
		if !yield(job.Snapshot(), nil) {
			return
		}
		p, err := b.catalog.GetProcess(ctx, processID)
		if err != nil {
			err = fmt.Errorf("load process %d: %w", processID, err)
			job.Fatal(err)
			yield(job.Snapshot(), err)
			return
		}
		for snap, err := range b.importer.Import(ctx, p.Clone(), job) {
			if !yield(snap, err) {
				return
			}
		}
	}
}

// AddPullJob schedules the pull of a data source: every polling interval when
// one is configured, once right away otherwise. A pending pull is replaced.
func (b *Bridge) AddPullJob(ctx context.Context, dataSourceID int64) error {
	ds, err := b.catalog.GetDataSource(ctx, dataSourceID)
	if err != nil {
		return fmt.Errorf("load data source %d: %w", dataSourceID, err)
	}
	trigger := Once(b.now())
	if interval := ds.PollingInterval(); interval > 0 {
		trigger = Every(interval, b.now())
	}
	return b.scheduler.Schedule(PullJobKey(dataSourceID), trigger, func(ctx context.Context) {
		b.runPull(ctx, dataSourceID)
	}, true)
}

func (b *Bridge) AddImportJob(processID int64) error {
	return b.scheduler.Schedule(ImportJobKey(processID), Once(b.now()), func(ctx context.Context) {
		b.runImport(ctx, processID)
	}, true)
}

func (b *Bridge) AddProcLinkJob(processID int64) error {
	return b.scheduler.Schedule(ProcLinkJobKey(processID), Once(b.now()), func(ctx context.Context) {
		b.runProcLink(ctx, processID)
	}, true)
}

// ReschedulePolling applies a changed polling frequency.
func (b *Bridge) ReschedulePolling(ctx context.Context, dataSourceID int64) error {
	b.scheduler.Remove(PullJobKey(dataSourceID))
	return b.AddPullJob(ctx, dataSourceID)
}

// DeleteProcess cancels the pending jobs of a process and removes its chunks,
// stored rows and histories.
func (b *Bridge) DeleteProcess(ctx context.Context, processID int64) error {
	b.scheduler.RemoveMatching(processPrefix(processID))
	if err := b.chunks.RemoveProcess(processID); err != nil {
		return fmt.Errorf("remove chunks of process %d: %w", processID, err)
	}
	if err := b.store.DeleteProcessData(ctx, processID); err != nil {
		return fmt.Errorf("delete data of process %d: %w", processID, err)
	}
	if err := b.cache.ForgetProcess(ctx, processID); err != nil {
		slog.Warn("forget process job", "process_id", processID, "error", err)
	}
	slog.Info("process deleted", "process_id", processID)
	return nil
}

// CheckConnection connects to the data source even during a cool-down.
func (b *Bridge) CheckConnection(ctx context.Context, dataSourceID int64) error {
	ds, err := b.catalog.GetDataSource(ctx, dataSourceID)
	if err != nil {
		return fmt.Errorf("load data source %d: %w", dataSourceID, err)
	}
	return b.checker.CheckConnection(ctx, ds)
}

func (b *Bridge) runPull(ctx context.Context, dataSourceID int64) {
	job := models.NewJobInfo(models.JobTypePullData)
	job.DataSourceID = dataSourceID
	if !b.begin(ctx, job) {
		return
	}
	defer b.finish(ctx, job, b.now())

	var runErr error
	for percent, err := range b.PullProgress(ctx, dataSourceID) {
		if err != nil {
			runErr = err
			break
		}
		job.Percent = percent
		if percent < 100 {
			b.publish(ctx, job.Snapshot())
		}
	}
	if runErr != nil {
		job.Fatal(runErr)
		slog.Error("pull failed", "data_source_id", dataSourceID, "job_id", job.JobID, "error", runErr)
	} else {
		job.Status = models.JobStatusDone
	}
	b.publish(ctx, job.Snapshot())
}

func (b *Bridge) runImport(ctx context.Context, processID int64) {
	job := models.NewJobInfo(models.JobTypeImportData)
	job.ProcessID = processID
	if !b.begin(ctx, job) {
		return
	}
	defer b.finish(ctx, job, b.now())

	for snap, err := range b.ImportProgress(ctx, processID, job) {
		b.publish(ctx, snap)
		if err != nil {
			break
		}
	}
	if !job.IsTerminal() {
		job.Fatal(errIncomplete)
		b.publish(ctx, job.Snapshot())
	}
	if job.Status == models.JobStatusFatal {
		return
	}
	if err := b.AddProcLinkJob(processID); err != nil {
		slog.Error("schedule process link", "process_id", processID, "error", err)
	}
}

func (b *Bridge) runProcLink(ctx context.Context, processID int64) {
	job := models.NewJobInfo(models.JobTypeGenProcLink)
	job.ProcessID = processID
	if !b.begin(ctx, job) {
		return
	}
	defer b.finish(ctx, job, b.now())

	p, err := b.catalog.GetProcess(ctx, processID)
	if err == nil {
		err = b.linker.Link(ctx, p.Clone())
	}
	if err != nil {
		job.Fatal(err)
		slog.Error("process link failed", "process_id", processID, "job_id", job.JobID, "error", err)
	} else {
		job.Status = models.JobStatusDone
		job.Percent = 100
	}
	b.publish(ctx, job.Snapshot())
}

// begin records a new job. A job that cannot be recorded does not run.
func (b *Bridge) begin(ctx context.Context, job *models.JobInfo) bool {
	if err := b.store.CreateJob(ctx, job); err != nil {
		slog.Error("create job", "type", job.Type, "job_id", job.JobID, "error", err)
		return false
	}
	if err := b.cache.SetJobStatus(ctx, job.Snapshot(), b.statusTTL); err != nil {
		slog.Warn("cache job status", "job_id", job.JobID, "error", err)
	}
	metrics.RunningJobs.WithLabelValues(string(job.Type)).Inc()
	return true
}

// finish recovers a panicking job into FATAL and records its metrics.
func (b *Bridge) finish(ctx context.Context, job *models.JobInfo, started time.Time) {
	if r := recover(); r != nil {
		slog.Error("panic in job", "type", job.Type, "job_id", job.JobID, "error", r)
		job.Fatal(fmt.Errorf("panic: %v", r))
		b.publish(ctx, job.Snapshot())
	}
	metrics.RunningJobs.WithLabelValues(string(job.Type)).Dec()
	metrics.JobsTotal.WithLabelValues(string(job.Type), string(job.Status)).Inc()
	metrics.JobDuration.WithLabelValues(string(job.Type)).Observe(b.now().Sub(started).Seconds())
}

// publish persists a snapshot. Failures are logged; the job keeps running.
func (b *Bridge) publish(ctx context.Context, snap models.JobInfo) {
	ctx = context.WithoutCancel(ctx)
	if err := b.store.UpdateJobStatus(ctx, snap.JobID, snap.Status, store.SnapshotOptions(snap)...); err != nil {
		slog.Error("update job status", "job_id", snap.JobID, "status", snap.Status, "error", err)
	}
	if err := b.cache.SetJobStatus(ctx, snap, b.statusTTL); err != nil {
		slog.Warn("cache job status", "job_id", snap.JobID, "error", err)
	}
}
