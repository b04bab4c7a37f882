package jobs

import (
	"context"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/factoryetl/internal/catalog"
	"github.com/kiranshivaraju/factoryetl/internal/pull"
	"github.com/kiranshivaraju/factoryetl/internal/store"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

const testCatalog = `
data_sources:
  - id: 1
    name: line
    kind: sqlite
    path: /tmp/line.db
    polling_frequency: 300
  - id: 2
    name: lab
    kind: sqlite
    path: /tmp/lab.db
processes:
  - id: 10
    name: press
    data_source_id: 1
    table_name: press_log
    columns:
      - {id: 1, column_name: event_time, data_type: DATETIME, is_get_date: true}
  - id: 11
    name: weld
    data_source_id: 1
    table_name: weld_log
    columns:
      - {id: 2, column_name: event_time, data_type: DATETIME, is_get_date: true}
`

// --- fakes ---

type scheduled struct {
	trigger Trigger
	fn      Func
	replace bool
}

type fakeScheduler struct {
	mu      sync.Mutex
	entries map[string]scheduled
	err     error
}

func newFakeScheduler() *fakeScheduler {
	return &fakeScheduler{entries: map[string]scheduled{}}
}

func (s *fakeScheduler) Schedule(key string, t Trigger, fn Func, replace bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.entries[key] = scheduled{trigger: t, fn: fn, replace: replace}
	return nil
}

func (s *fakeScheduler) Remove(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entries, key)
}

func (s *fakeScheduler) RemoveMatching(prefix string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for k := range s.entries {
		if strings.HasPrefix(k, prefix) {
			delete(s.entries, k)
		}
	}
}

func (s *fakeScheduler) Scheduled() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.entries))
	for k := range s.entries {
		keys = append(keys, k)
	}
	return keys
}

func (s *fakeScheduler) Stop() {}

func (s *fakeScheduler) get(key string) (scheduled, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	e, ok := s.entries[key]
	return e, ok
}

type fakeStore struct {
	mu        sync.Mutex
	created   []*models.JobInfo
	updates   map[uuid.UUID][]models.JobStatus
	deleted   []int64
	createErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{updates: map[uuid.UUID][]models.JobStatus{}}
}

func (f *fakeStore) CreateJob(_ context.Context, job *models.JobInfo) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.createErr != nil {
		return f.createErr
	}
	f.created = append(f.created, job)
	return nil
}

func (f *fakeStore) UpdateJobStatus(_ context.Context, id uuid.UUID, status models.JobStatus, _ ...store.JobUpdateOption) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.updates[id] = append(f.updates[id], status)
	return nil
}

func (f *fakeStore) DeleteProcessData(_ context.Context, processID int64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, processID)
	return nil
}

func (f *fakeStore) statuses(id uuid.UUID) []models.JobStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]models.JobStatus(nil), f.updates[id]...)
}

type fakeCache struct {
	mu        sync.Mutex
	jobs      map[uuid.UUID][]models.JobInfo
	forgotten []int64
}

func (c *fakeCache) ForgetProcess(_ context.Context, processID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.forgotten = append(c.forgotten, processID)
	return nil
}

func (c *fakeCache) SetJobStatus(_ context.Context, job models.JobInfo, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.jobs == nil {
		c.jobs = map[uuid.UUID][]models.JobInfo{}
	}
	c.jobs[job.JobID] = append(c.jobs[job.JobID], job)
	return nil
}

func (c *fakeCache) last(id uuid.UUID) models.JobInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.jobs[id]
	return s[len(s)-1]
}

func (c *fakeCache) percents(id uuid.UUID) []int {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []int
	for _, j := range c.jobs[id] {
		out = append(out, j.Percent)
	}
	return out
}

type fakePuller struct {
	calls atomic.Int32
	res   *pull.Result
	err   error
}

func (p *fakePuller) PullDataSource(_ context.Context, dataSourceID int64) (*pull.Result, error) {
	p.calls.Add(1)
	if p.err != nil {
		return nil, p.err
	}
	if p.res != nil {
		return p.res, nil
	}
	return &pull.Result{DataSourceID: dataSourceID}, nil
}

// fakeImporter walks job through a fixed list of percents and ends with the
// given status.
type fakeImporter struct {
	percents []int
	final    models.JobStatus
	err      error
	got      *models.Process
}

func (f *fakeImporter) Import(_ context.Context, p *models.Process, job *models.JobInfo) iter.Seq2[models.JobInfo, error] {
	f.got = p
	return func(yield func(models.JobInfo, error) bool) {
		if f.err != nil {
			job.Fatal(f.err)
			yield(job.Snapshot(), f.err)
			return
		}
		for _, pc := range f.percents {
			job.Percent = pc
			if !yield(job.Snapshot(), nil) {
				return
			}
		}
		job.Percent = 100
		job.Status = f.final
		yield(job.Snapshot(), nil)
	}
}

type fakeChunks struct{ removed []int64 }

func (f *fakeChunks) RemoveProcess(processID int64) error {
	f.removed = append(f.removed, processID)
	return nil
}

type fakeChecker struct {
	err error
	got *models.DataSource
}

func (f *fakeChecker) CheckConnection(_ context.Context, ds *models.DataSource) error {
	f.got = ds
	return f.err
}

type fakeLinker struct {
	linked []int64
	err    error
}

func (f *fakeLinker) Link(_ context.Context, p *models.Process) error {
	f.linked = append(f.linked, p.ID)
	return f.err
}

type fixture struct {
	bridge    *Bridge
	scheduler *fakeScheduler
	store     *fakeStore
	cache     *fakeCache
	puller    *fakePuller
	importer  *fakeImporter
	chunks    *fakeChunks
	checker   *fakeChecker
	linker    *fakeLinker
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)

	f := &fixture{
		scheduler: newFakeScheduler(),
		store:     newFakeStore(),
		cache:     &fakeCache{},
		puller:    &fakePuller{},
		importer:  &fakeImporter{percents: []int{50}, final: models.JobStatusDone},
		chunks:    &fakeChunks{},
		checker:   &fakeChecker{},
		linker:    &fakeLinker{},
	}
	f.bridge = NewBridge(Deps{
		Catalog:   cat,
		Puller:    f.puller,
		Importer:  f.importer,
		Store:     f.store,
		Cache:     f.cache,
		Scheduler: f.scheduler,
		Chunks:    f.chunks,
		Checker:   f.checker,
		Linker:    f.linker,
		Now:       func() time.Time { return time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC) },
	})
	return f
}

// --- bridge ---

func TestPullProgress(t *testing.T) {
	f := newFixture(t)
	f.puller.res = &pull.Result{DataSourceID: 1, Processes: []int64{10, 11}}

	var got []int
	for pc, err := range f.bridge.PullProgress(context.Background(), 1) {
		require.NoError(t, err)
		got = append(got, pc)
	}

	assert.Equal(t, []int{1, 99, 100}, got)
	assert.ElementsMatch(t, []string{ImportJobKey(10), ImportJobKey(11)}, f.scheduler.Scheduled())
	e, _ := f.scheduler.get(ImportJobKey(10))
	assert.True(t, e.replace)
	assert.False(t, e.trigger.IsRecurring())
}

func TestPullProgress_PullError(t *testing.T) {
	f := newFixture(t)
	f.puller.err = errors.New("source unreachable")

	var got []int
	var lastErr error
	for pc, err := range f.bridge.PullProgress(context.Background(), 1) {
		got = append(got, pc)
		lastErr = err
	}

	assert.Equal(t, []int{1, 1}, got)
	assert.ErrorContains(t, lastErr, "source unreachable")
	assert.Empty(t, f.scheduler.Scheduled())
}

func TestPullProgress_StopsWhenConsumerBreaks(t *testing.T) {
	f := newFixture(t)
	for range f.bridge.PullProgress(context.Background(), 1) {
		break
	}
	assert.Zero(t, f.puller.calls.Load())
}

func TestImportProgress(t *testing.T) {
	f := newFixture(t)
	job := models.NewJobInfo(models.JobTypeImportData)

	var percents []int
	var last models.JobInfo
	for snap, err := range f.bridge.ImportProgress(context.Background(), 10, job) {
		require.NoError(t, err)
		percents = append(percents, snap.Percent)
		last = snap
	}

	assert.Equal(t, []int{0, 50, 100}, percents)
	assert.Equal(t, models.JobStatusDone, last.Status)
	require.NotNil(t, f.importer.got)
	assert.Equal(t, int64(10), f.importer.got.ID)
}

func TestImportProgress_UnknownProcess(t *testing.T) {
	f := newFixture(t)
	job := models.NewJobInfo(models.JobTypeImportData)

	var snaps []models.JobInfo
	var lastErr error
	for snap, err := range f.bridge.ImportProgress(context.Background(), 99, job) {
		snaps = append(snaps, snap)
		lastErr = err
	}

	require.Len(t, snaps, 2)
	assert.Equal(t, models.JobStatusFatal, snaps[1].Status)
	assert.ErrorIs(t, lastErr, catalog.ErrNotFound)
	assert.Nil(t, f.importer.got)
}

func TestRunImport_PersistsAndChainsProcLink(t *testing.T) {
	f := newFixture(t)
	f.importer.final = models.JobStatusFailed

	f.bridge.runImport(context.Background(), 10)

	require.Len(t, f.store.created, 1)
	job := f.store.created[0]
	assert.Equal(t, models.JobTypeImportData, job.Type)
	assert.Equal(t, int64(10), job.ProcessID)
	assert.Equal(t, []models.JobStatus{
		models.JobStatusProcessing, models.JobStatusProcessing, models.JobStatusFailed,
	}, f.store.statuses(job.JobID))
	// creation, then 0, 50 and the final 100
	assert.Equal(t, []int{0, 0, 50, 100}, f.cache.percents(job.JobID))

	e, ok := f.scheduler.get(ProcLinkJobKey(10))
	require.True(t, ok)
	e.fn(context.Background())
	assert.Equal(t, []int64{10}, f.linker.linked)
}

func TestRunImport_FatalDoesNotChain(t *testing.T) {
	f := newFixture(t)
	f.importer.err = errors.New("unsupported source type")

	f.bridge.runImport(context.Background(), 10)

	job := f.store.created[0]
	last := f.cache.last(job.JobID)
	assert.Equal(t, models.JobStatusFatal, last.Status)
	assert.Equal(t, "unsupported source type", last.ErrMsg)
	_, ok := f.scheduler.get(ProcLinkJobKey(10))
	assert.False(t, ok)
}

func TestRunPull(t *testing.T) {
	f := newFixture(t)
	f.puller.res = &pull.Result{DataSourceID: 1, Processes: []int64{10}}

	f.bridge.runPull(context.Background(), 1)

	job := f.store.created[0]
	assert.Equal(t, int64(1), job.DataSourceID)
	assert.Equal(t, []models.JobStatus{
		models.JobStatusProcessing, models.JobStatusProcessing, models.JobStatusDone,
	}, f.store.statuses(job.JobID))
	assert.Equal(t, 100, f.cache.last(job.JobID).Percent)

	e, ok := f.scheduler.get(ImportJobKey(10))
	require.True(t, ok)
	e.fn(context.Background())
	require.Len(t, f.store.created, 2)
	assert.Equal(t, models.JobTypeImportData, f.store.created[1].Type)
}

func TestRunPull_Fatal(t *testing.T) {
	f := newFixture(t)
	f.puller.err = errors.New("connection refused")

	f.bridge.runPull(context.Background(), 1)

	job := f.store.created[0]
	last := f.cache.last(job.JobID)
	assert.Equal(t, models.JobStatusFatal, last.Status)
	assert.Equal(t, "connection refused", last.ErrMsg)
	assert.Equal(t, []models.ErrorType{models.ErrorTypeFatal}, last.ErrorTypes)
}

func TestRun_CreateJobFails(t *testing.T) {
	f := newFixture(t)
	f.store.createErr = errors.New("db down")

	f.bridge.runPull(context.Background(), 1)

	assert.Zero(t, f.puller.calls.Load())
}

func TestRunProcLink_Error(t *testing.T) {
	f := newFixture(t)
	f.linker.err = errors.New("link failed")

	f.bridge.runProcLink(context.Background(), 11)

	job := f.store.created[0]
	assert.Equal(t, models.JobTypeGenProcLink, job.Type)
	assert.Equal(t, models.JobStatusFatal, f.cache.last(job.JobID).Status)
}

func TestAddPullJob(t *testing.T) {
	tests := []struct {
		name      string
		dsID      int64
		recurring bool
		interval  time.Duration
	}{
		{name: "polling data source", dsID: 1, recurring: true, interval: 300 * time.Second},
		{name: "one-shot data source", dsID: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			f := newFixture(t)
			require.NoError(t, f.bridge.AddPullJob(context.Background(), tt.dsID))

			e, ok := f.scheduler.get(PullJobKey(tt.dsID))
			require.True(t, ok)
			assert.True(t, e.replace)
			assert.Equal(t, tt.recurring, e.trigger.IsRecurring())
			assert.Equal(t, tt.interval, e.trigger.Interval)
			assert.Equal(t, f.bridge.now(), e.trigger.Start)
		})
	}
}

func TestAddPullJob_UnknownDataSource(t *testing.T) {
	f := newFixture(t)
	err := f.bridge.AddPullJob(context.Background(), 42)
	assert.ErrorIs(t, err, catalog.ErrNotFound)
	assert.Empty(t, f.scheduler.Scheduled())
}

func TestStart_SchedulesPollingSources(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bridge.Start(context.Background()))
	assert.Equal(t, []string{PullJobKey(1)}, f.scheduler.Scheduled())
}

func TestReschedulePolling(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.scheduler.Schedule(PullJobKey(2), Every(time.Minute, time.Now()), func(context.Context) {}, true))

	require.NoError(t, f.bridge.ReschedulePolling(context.Background(), 2))

	e, ok := f.scheduler.get(PullJobKey(2))
	require.True(t, ok)
	assert.False(t, e.trigger.IsRecurring())
}

func TestDeleteProcess(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bridge.AddImportJob(10))
	require.NoError(t, f.bridge.AddProcLinkJob(10))
	require.NoError(t, f.bridge.AddImportJob(11))

	require.NoError(t, f.bridge.DeleteProcess(context.Background(), 10))

	assert.Equal(t, []string{ImportJobKey(11)}, f.scheduler.Scheduled())
	assert.Equal(t, []int64{10}, f.chunks.removed)
	assert.Equal(t, []int64{10}, f.store.deleted)
	assert.Equal(t, []int64{10}, f.cache.forgotten)
}

func TestCheckConnection(t *testing.T) {
	f := newFixture(t)
	require.NoError(t, f.bridge.CheckConnection(context.Background(), 1))
	require.NotNil(t, f.checker.got)
	assert.Equal(t, "line", f.checker.got.Name)

	f.checker.err = errors.New("login failed")
	assert.ErrorContains(t, f.bridge.CheckConnection(context.Background(), 1), "login failed")
	assert.ErrorIs(t, f.bridge.CheckConnection(context.Background(), 7), catalog.ErrNotFound)
}

// --- local scheduler ---

func TestLocalScheduler_Once(t *testing.T) {
	s := NewLocalScheduler()
	defer s.Stop()

	var runs atomic.Int32
	require.NoError(t, s.Schedule("k", Once(time.Now()), func(context.Context) { runs.Add(1) }, false))

	require.Eventually(t, func() bool { return runs.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool { return len(s.Scheduled()) == 0 }, time.Second, 5*time.Millisecond)
}

func TestLocalScheduler_Every(t *testing.T) {
	s := NewLocalScheduler()
	defer s.Stop()

	var runs atomic.Int32
	require.NoError(t, s.Schedule("k", Every(10*time.Millisecond, time.Now()), func(context.Context) { runs.Add(1) }, false))

	require.Eventually(t, func() bool { return runs.Load() >= 3 }, time.Second, 5*time.Millisecond)
	assert.Equal(t, []string{"k"}, s.Scheduled())
}

func TestLocalScheduler_ReplaceExisting(t *testing.T) {
	s := NewLocalScheduler()
	defer s.Stop()

	var first, second atomic.Int32
	later := time.Now().Add(time.Hour)
	require.NoError(t, s.Schedule("k", Once(later), func(context.Context) { first.Add(1) }, false))

	err := s.Schedule("k", Once(time.Now()), func(context.Context) { second.Add(1) }, false)
	assert.ErrorIs(t, err, ErrJobExists)

	require.NoError(t, s.Schedule("k", Once(time.Now()), func(context.Context) { second.Add(1) }, true))
	require.Eventually(t, func() bool { return second.Load() == 1 }, time.Second, 5*time.Millisecond)
	assert.Zero(t, first.Load())
}

func TestLocalScheduler_RemoveMatching(t *testing.T) {
	s := NewLocalScheduler()
	defer s.Stop()

	later := time.Now().Add(time.Hour)
	noop := func(context.Context) {}
	require.NoError(t, s.Schedule(ImportJobKey(10), Once(later), noop, false))
	require.NoError(t, s.Schedule(ProcLinkJobKey(10), Once(later), noop, false))
	require.NoError(t, s.Schedule(ImportJobKey(100), Once(later), noop, false))
	require.NoError(t, s.Schedule(PullJobKey(1), Once(later), noop, false))

	s.RemoveMatching(processPrefix(10))
	assert.ElementsMatch(t, []string{ImportJobKey(100), PullJobKey(1)}, s.Scheduled())

	s.Remove(PullJobKey(1))
	assert.Equal(t, []string{ImportJobKey(100)}, s.Scheduled())
}

func TestLocalScheduler_OneRunPerKey(t *testing.T) {
	s := NewLocalScheduler()
	defer s.Stop()

	release := make(chan struct{})
	var active, maxActive, runs atomic.Int32
	fn := func(context.Context) {
		n := active.Add(1)
		if n > maxActive.Load() {
			maxActive.Store(n)
		}
		<-release
		active.Add(-1)
		runs.Add(1)
	}

	require.NoError(t, s.Schedule("k", Once(time.Now()), fn, true))
	require.Eventually(t, func() bool { return active.Load() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, s.Schedule("k", Once(time.Now()), fn, true))

	time.Sleep(50 * time.Millisecond)
	assert.Equal(t, int32(1), active.Load())
	close(release)

	require.Eventually(t, func() bool { return runs.Load() == 2 }, 3*time.Second, 10*time.Millisecond)
	assert.Equal(t, int32(1), maxActive.Load())
}

func TestLocalScheduler_StopCancelsRunningJobs(t *testing.T) {
	s := NewLocalScheduler()

	started := make(chan struct{})
	var cancelled atomic.Bool
	require.NoError(t, s.Schedule("k", Once(time.Now()), func(ctx context.Context) {
		close(started)
		<-ctx.Done()
		cancelled.Store(true)
	}, false))

	<-started
	s.Stop()
	assert.True(t, cancelled.Load())
	assert.Error(t, s.Schedule("k", Once(time.Now()), func(context.Context) {}, false))
}

func TestLocalScheduler_RecoversPanics(t *testing.T) {
	s := NewLocalScheduler()
	defer s.Stop()

	var runs atomic.Int32
	require.NoError(t, s.Schedule("k", Every(10*time.Millisecond, time.Now()), func(context.Context) {
		runs.Add(1)
		panic("boom")
	}, false))

	require.Eventually(t, func() bool { return runs.Load() >= 2 }, time.Second, 5*time.Millisecond)
}
