package importer

import (
	"bufio"
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/factoryetl/internal/chunk"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/internal/store"
	"github.com/kiranshivaraju/factoryetl/internal/transform"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

type mockStore struct {
	stored    map[int64]*frame.Frame
	inserted  map[int64]*frame.Frame
	histories []*models.ImportHistory
	ensured   []int64
	insertErr error
}

func newMockStore() *mockStore {
	return &mockStore{stored: map[int64]*frame.Frame{}, inserted: map[int64]*frame.Frame{}}
}

func (m *mockStore) EnsureProcessTable(_ context.Context, p *models.Process) error {
	m.ensured = append(m.ensured, p.ID)
	return nil
}

func (m *mockStore) InsertRows(_ context.Context, p *models.Process, rows *frame.Frame) (int64, error) {
	if m.insertErr != nil {
		return 0, m.insertErr
	}
	m.inserted[p.ID] = frame.Concat(m.inserted[p.ID], rows)
	return int64(rows.Len()), nil
}

func (m *mockStore) FetchRows(_ context.Context, p *models.Process, filter store.RowFilter) (*frame.Frame, error) {
	rows, ok := m.stored[p.ID]
	if !ok {
		return frame.Empty(filter.Columns...), nil
	}
	if filter.DateCol != "" {
		rows = rows.Filter(func(r frame.Row) bool {
			ts, err := frame.AsTime(r.Get(filter.DateCol))
			return err == nil && !ts.Before(filter.From) && !ts.After(filter.To)
		})
	}
	return rows.Select(filter.Columns...)
}

func (m *mockStore) CreateImportHistory(_ context.Context, h *models.ImportHistory) error {
	m.histories = append(m.histories, h)
	return nil
}

type mockParents map[int64]*models.Process

func (m mockParents) GetParent(_ context.Context, p *models.Process) (*models.Process, error) {
	if p.ParentID == nil {
		return nil, nil
	}
	parent, ok := m[*p.ParentID]
	if !ok {
		return nil, errors.New("parent not configured")
	}
	return parent, nil
}

type recordingArchiver struct {
	names []string
	rows  int
}

func (a *recordingArchiver) Archive(_ context.Context, _ *models.Process, name string, rows *frame.Frame) error {
	a.names = append(a.names, name)
	a.rows += rows.Len()
	return nil
}

func day(d int) time.Time {
	return time.Date(2024, 1, d, 8, 0, 0, 0, time.UTC)
}

func pressProcess() *models.Process {
	return &models.Process{
		ID:   10,
		Name: "press",
		Columns: []models.ColumnConfig{
			{ID: 1, ColumnName: "event_time", ColumnRawName: "evt", DataType: models.DataTypeDatetime, IsGetDate: true},
			{ID: 2, ColumnName: "serial", DataType: models.DataTypeText, IsSerial: true},
			{ID: 3, ColumnName: "load", DataType: models.DataTypeReal},
			{ID: 4, ColumnName: "checked_at", DataType: models.DataTypeDatetime},
		},
	}
}

type fixture struct {
	store   *mockStore
	chunks  *chunk.Store
	sideLog *SideLog
	archive *recordingArchiver
	engine  *Engine
}

func newFixture(t *testing.T, parents mockParents) *fixture {
	t.Helper()
	fx := &fixture{
		store:   newMockStore(),
		chunks:  chunk.NewStore(t.TempDir()),
		sideLog: NewSideLog(t.TempDir()),
		archive: &recordingArchiver{},
	}
	fx.engine = NewEngine(fx.store, parents, fx.chunks, fx.sideLog, WithArchiver(fx.archive))
	return fx
}

func (fx *fixture) writeChunk(t *testing.T, processID int64, f *frame.Frame) chunk.File {
	t.Helper()
	file, err := fx.chunks.WriteTransaction(processID, f, day(1), day(10))
	require.NoError(t, err)
	return file
}

func collect(t *testing.T, seq func(func(models.JobInfo, error) bool)) ([]models.JobInfo, error) {
	t.Helper()
	var snaps []models.JobInfo
	var last error
	for snap, err := range seq {
		snaps = append(snaps, snap)
		if err != nil {
			last = err
		}
	}
	return snaps, last
}

func countLines(t *testing.T, path string) int {
	t.Helper()
	f, err := os.Open(path)
	require.NoError(t, err)
	defer f.Close()
	n := 0
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		n++
	}
	require.NoError(t, sc.Err())
	return n
}

func TestImport_ValidationAndDuplicates(t *testing.T) {
	fx := newFixture(t, mockParents{})
	p := pressProcess()

	raw := frame.Empty("evt", "serial", "load", "checked_at")
	for d := 1; d <= 10; d++ {
		var evt any = day(d)
		switch d {
		case 3:
			evt = "not a date"
		case 6:
			evt = nil
		}
		raw.Append(evt, frameSerial(d), float64(d)*1.5, "2024-01-20 10:00:00")
	}
	file := fx.writeChunk(t, p.ID, raw)

	fx.store.stored[p.ID] = frame.New([]string{"event_time", "serial"},
		[]any{day(1), "S01"},
		[]any{day(4), "S04"},
		[]any{day(9), "S09"},
		[]any{day(4), "S99"},
	)

	job := models.NewJobInfo(models.JobTypeImportData)
	snaps, err := collect(t, fx.engine.Import(context.Background(), p, job))
	require.NoError(t, err)
	require.Len(t, snaps, 2)

	progress := snaps[0]
	assert.Equal(t, models.JobStatusProcessing, progress.Status)
	assert.Equal(t, 99, progress.Percent)
	assert.Equal(t, int64(5), progress.RowsImported)
	require.NotNil(t, progress.ImportFrom)
	assert.True(t, progress.ImportFrom.Equal(day(1)))
	assert.True(t, progress.ImportTo.Equal(day(10)))

	final := snaps[1]
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, 100, final.Percent)
	assert.Equal(t, models.ErrorTypeDuplicate, final.ErrorType, "last marker set wins")
	assert.Equal(t, []models.ErrorType{models.ErrorTypeValidationError, models.ErrorTypeDuplicate}, final.ErrorTypes)
	assert.Equal(t, int64(5), final.RowsImported)
	assert.Equal(t, int64(2), final.RowsError)
	assert.Equal(t, int64(3), final.RowsDuplicate)

	inserted := fx.store.inserted[p.ID]
	require.NotNil(t, inserted)
	assert.Equal(t, []any{"S02", "S05", "S07", "S08", "S10"}, inserted.Column("serial"))
	assert.Equal(t, day(20).Add(2*time.Hour), inserted.Value(0, "checked_at"))
	assert.Equal(t, 3.0, inserted.Value(0, "load"))

	require.Len(t, fx.store.histories, 1)
	h := fx.store.histories[0]
	assert.Equal(t, models.JobStatusFailed, h.Status)
	assert.Equal(t, file.Name(), h.ChunkName)
	assert.Equal(t, int64(10), h.TargetProcessID)
	assert.Equal(t, job.JobID, h.JobID)

	assert.Equal(t, 1+2, countLines(t, fx.sideLog.Path("press", errorTraceFile)))
	assert.Equal(t, 1+2, countLines(t, fx.sideLog.Path("press", errorImportFile)))
	assert.Equal(t, 1+3, countLines(t, fx.sideLog.Path("press", duplicateFile)))

	assert.Equal(t, []string{file.Name()}, fx.archive.names)
	assert.Equal(t, 5, fx.archive.rows)

	_, statErr := os.Stat(file.Path)
	assert.ErrorIs(t, statErr, os.ErrNotExist, "imported chunk is removed")
}

func frameSerial(d int) string {
	return "S" + string(rune('0'+d/10)) + string(rune('0'+d%10))
}

func TestImport_DuplicatesInsideChunk(t *testing.T) {
	fx := newFixture(t, mockParents{})
	p := pressProcess()
	fx.writeChunk(t, p.ID, frame.New([]string{"evt", "serial"},
		[]any{day(1), "S01"},
		[]any{day(1), "S01"},
		[]any{day(2), "S02"},
	))

	snaps, err := collect(t, fx.engine.Import(context.Background(), p, models.NewJobInfo(models.JobTypeImportData)))
	require.NoError(t, err)
	final := snaps[len(snaps)-1]
	assert.Equal(t, int64(2), final.RowsImported)
	assert.Equal(t, int64(1), final.RowsDuplicate)
	assert.Equal(t, models.ErrorTypeDuplicate, final.ErrorType)
}

func TestImport_CleanChunksEndDone(t *testing.T) {
	fx := newFixture(t, mockParents{})
	p := pressProcess()
	fx.writeChunk(t, p.ID, frame.New([]string{"evt", "serial", "load"}, []any{day(1), "S01", 1.0}, []any{day(2), "S02", 2.0}))
	fx.writeChunk(t, p.ID, frame.New([]string{"evt", "serial", "load"}, []any{day(3), "S03", int64(3)}))

	snaps, err := collect(t, fx.engine.Import(context.Background(), p, models.NewJobInfo(models.JobTypeImportData)))
	require.NoError(t, err)
	require.Len(t, snaps, 3)
	assert.Equal(t, 50, snaps[0].Percent)
	assert.Equal(t, 99, snaps[1].Percent)
	assert.Equal(t, models.JobStatusDone, snaps[2].Status)
	assert.Equal(t, 100, snaps[2].Percent)
	assert.Empty(t, snaps[2].ErrorTypes)
	assert.Equal(t, int64(3), snaps[2].RowsImported)
	assert.Equal(t, []int64{10}, fx.store.ensured)

	files, err := fx.chunks.List(p.ID)
	require.NoError(t, err)
	assert.Empty(t, files)
}

func TestImport_EmptyChunk(t *testing.T) {
	fx := newFixture(t, mockParents{})
	p := pressProcess()
	file := fx.writeChunk(t, p.ID, frame.New([]string{"evt", "serial"}, []any{"yesterday", "S01"}))

	snaps, err := collect(t, fx.engine.Import(context.Background(), p, models.NewJobInfo(models.JobTypeImportData)))
	require.NoError(t, err)
	require.Len(t, snaps, 1, "empty chunks only show up in the final snapshot")

	final := snaps[0]
	assert.Equal(t, models.JobStatusFailed, final.Status)
	assert.Equal(t, models.ErrorTypeEmpty, final.ErrorType)
	assert.Equal(t, int64(1), final.RowsError)

	require.Len(t, fx.store.histories, 1)
	assert.Equal(t, models.JobStatusFailed, fx.store.histories[0].Status)
	assert.Equal(t, []models.ErrorType{models.ErrorTypeValidationError, models.ErrorTypeEmpty}, fx.store.histories[0].ErrorTypes)
	assert.Empty(t, fx.store.inserted)

	_, statErr := os.Stat(file.Path)
	assert.ErrorIs(t, statErr, os.ErrNotExist)
}

func TestImport_MergesIntoParent(t *testing.T) {
	parent := pressProcess()
	parentID := parent.ID
	dateID, serialID := int64(1), int64(2)
	child := &models.Process{
		ID:       11,
		Name:     "press-b",
		ParentID: &parentID,
		Columns: []models.ColumnConfig{
			{ID: 21, ColumnName: "ts", DataType: models.DataTypeDatetime, IsGetDate: true, ParentID: &dateID},
			{ID: 22, ColumnName: "sn", DataType: models.DataTypeText, IsSerial: true, ParentID: &serialID},
			{ID: 23, ColumnName: "note", DataType: models.DataTypeText},
		},
	}
	fx := newFixture(t, mockParents{parentID: parent})
	fx.writeChunk(t, child.ID, frame.New([]string{"ts", "sn", "note"},
		[]any{day(1), "S01", "a"},
		[]any{day(2), "S02", "b"},
	))
	fx.store.stored[parentID] = frame.New([]string{"event_time", "serial"}, []any{day(2), "S02"})

	snaps, err := collect(t, fx.engine.Import(context.Background(), child, models.NewJobInfo(models.JobTypeImportData)))
	require.NoError(t, err)
	final := snaps[len(snaps)-1]
	assert.Equal(t, int64(1), final.RowsImported)
	assert.Equal(t, int64(1), final.RowsDuplicate)

	inserted := fx.store.inserted[parentID]
	require.NotNil(t, inserted)
	assert.Equal(t, []string{"event_time", "serial"}, inserted.Columns())
	assert.Equal(t, "S01", inserted.Value(0, "serial"))
	assert.Equal(t, int64(11), fx.store.histories[0].ProcessID)
	assert.Equal(t, parentID, fx.store.histories[0].TargetProcessID)
	assert.Equal(t, []int64{parentID}, fx.store.ensured)
}

func TestImport_FatalKeepsChunk(t *testing.T) {
	fx := newFixture(t, mockParents{})
	fx.store.insertErr = errors.New("disk full")
	p := pressProcess()
	file := fx.writeChunk(t, p.ID, frame.New([]string{"evt", "serial"}, []any{day(1), "S01"}))

	snaps, err := collect(t, fx.engine.Import(context.Background(), p, models.NewJobInfo(models.JobTypeImportData)))
	require.ErrorContains(t, err, "disk full")
	require.Len(t, snaps, 1)
	assert.Equal(t, models.JobStatusFatal, snaps[0].Status)
	assert.Equal(t, models.ErrorTypeFatal, snaps[0].ErrorType)
	assert.ErrorContains(t, snaps[0].Exception, "disk full")

	_, statErr := os.Stat(file.Path)
	assert.NoError(t, statErr, "chunk is kept for the next run")
}

func TestImport_NoPipelineIsFatal(t *testing.T) {
	fx := newFixture(t, mockParents{})
	p := pressProcess()
	p.MasterType = models.MasterTypeSoftwareWorkshopHistory

	snaps, err := collect(t, fx.engine.Import(context.Background(), p, models.NewJobInfo(models.JobTypeImportData)))
	assert.ErrorIs(t, err, transform.ErrNoPreset)
	require.Len(t, snaps, 1)
	assert.Equal(t, models.JobStatusFatal, snaps[0].Status)
}

func TestImport_StopsWhenConsumerBreaks(t *testing.T) {
	fx := newFixture(t, mockParents{})
	p := pressProcess()
	fx.writeChunk(t, p.ID, frame.New([]string{"evt", "serial"}, []any{day(1), "S01"}))
	fx.writeChunk(t, p.ID, frame.New([]string{"evt", "serial"}, []any{day(2), "S02"}))

	for range fx.engine.Import(context.Background(), p, models.NewJobInfo(models.JobTypeImportData)) {
		break
	}
	files, err := fx.chunks.List(p.ID)
	require.NoError(t, err)
	assert.Len(t, files, 1, "second chunk is left for the next run")
}

func TestValidate(t *testing.T) {
	p := pressProcess()
	df := frame.New([]string{"event_time", "serial", "load", "checked_at"},
		[]any{"2024-01-02 03:04:05", int64(7), "1.5", "bogus"},
		[]any{day(1), "S1", "heavy", nil},
		[]any{nil, "S2", 2.0, nil},
	)

	v := validate(p, df)
	require.Equal(t, 1, v.good.Len())
	assert.Equal(t, time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC), v.good.Value(0, "event_time"))
	assert.Equal(t, "7", v.good.Value(0, "serial"))
	assert.Equal(t, 1.5, v.good.Value(0, "load"))
	assert.Nil(t, v.good.Value(0, "checked_at"), "lenient datetime becomes null")

	require.Equal(t, 2, v.bad.Len())
	assert.Equal(t, "heavy", v.bad.Value(0, "load"), "rejected rows keep original values")
	require.Len(t, v.issues, 2)
	assert.Equal(t, "load", v.issues[0].Column)
	assert.Equal(t, reasonInvalidType+"REAL", v.issues[0].Reason)
	assert.Equal(t, RowIssue{Row: 2, Column: "event_time", Value: nil, Reason: reasonMissingDate}, v.issues[1])
}
