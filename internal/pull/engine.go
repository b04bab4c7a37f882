package pull

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kiranshivaraju/factoryetl/internal/catalog"
	"github.com/kiranshivaraju/factoryetl/internal/chunk"
	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/internal/metrics"
	"github.com/kiranshivaraju/factoryetl/internal/store"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
	"github.com/kiranshivaraju/factoryetl/pkg/timerange"
)

// HistoryStore is the part of the local store the engine needs.
type HistoryStore interface {
	GetPullHistory(ctx context.Context, processID int64) (*models.PullHistory, error)
	WidenPullHistory(ctx context.Context, processID int64, from, to time.Time) error
}

type Config struct {
	PageSize    int
	ChunkRows   int
	Lookback    time.Duration
	Concurrency int
}

func (c Config) withDefaults() Config {
	if c.PageSize <= 0 {
		c.PageSize = DefaultPageSize
	}
	if c.ChunkRows <= 0 {
		c.ChunkRows = DefaultChunkRows
	}
	if c.Lookback <= 0 {
		c.Lookback = DefaultLookback
	}
	if c.Concurrency <= 0 {
		c.Concurrency = 1
	}
	return c
}

type Option func(*Engine)

// WithClock replaces time.Now for planning.
func WithClock(now func() time.Time) Option {
	return func(e *Engine) { e.now = now }
}

type Engine struct {
	catalog catalog.Catalog
	factory *connector.Factory
	history HistoryStore
	chunks  *chunk.Store
	cfg     Config
	now     func() time.Time
}

func NewEngine(cat catalog.Catalog, factory *connector.Factory, history HistoryStore, chunks *chunk.Store, cfg Config, opts ...Option) *Engine {
	e := &Engine{
		catalog: cat,
		factory: factory,
		history: history,
		chunks:  chunks,
		cfg:     cfg.withDefaults(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Result summarises one pull of a data source.
type Result struct {
	DataSourceID int64
	Processes    []int64
	Skipped      []int64
	Chunks       int
	Rows         int64

	pulled map[int64]bool
}

// Pulled reports whether any chunk was written for the process.
func (r *Result) Pulled(processID int64) bool {
	return r.pulled != nil && r.pulled[processID]
}

type groupResult struct {
	skipped []int64
	chunks  int
	rows    int64
	pulled  map[int64]bool
}

// PullDataSource pulls every process configured on the data source. Strategy
// groups run in parallel on one read-only connection.
func (e *Engine) PullDataSource(ctx context.Context, dataSourceID int64) (*Result, error) {
	ds, err := e.catalog.GetDataSource(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("load data source %d: %w", dataSourceID, err)
	}
	processes, err := e.catalog.ListProcesses(ctx, dataSourceID)
	if err != nil {
		return nil, fmt.Errorf("list processes of data source %d: %w", dataSourceID, err)
	}

	res := &Result{DataSourceID: dataSourceID, pulled: map[int64]bool{}}
	for _, p := range processes {
		res.Processes = append(res.Processes, p.ID)
	}
	if len(processes) == 0 {
		slog.Info("no processes configured for data source", "data_source_id", dataSourceID)
		return res, nil
	}

	strategies, err := Group(processes)
	if err != nil {
		return nil, err
	}

	conn, err := e.factory.Open(ctx, ds, connector.ReadOnly())
	if err != nil {
		metrics.ConnectionFailures.WithLabelValues(strconv.FormatInt(dataSourceID, 10)).Inc()
		return nil, err
	}
	defer conn.Close()

	var mu sync.Mutex
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.Concurrency)
	for _, s := range strategies {
		g.Go(func() error {
			gr, err := e.pullGroup(gctx, conn, s)
			if err != nil {
				return fmt.Errorf("pull %s: %w", s.Name(), err)
			}
			mu.Lock()
			defer mu.Unlock()
			res.Skipped = append(res.Skipped, gr.skipped...)
			res.Chunks += gr.chunks
			res.Rows += gr.rows
			for id := range gr.pulled {
				res.pulled[id] = true
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	slog.Info("data source pulled",
		"data_source_id", dataSourceID,
		"processes", len(processes),
		"chunks", res.Chunks,
		"rows", res.Rows,
	)
	return res, nil
}

type plannedProcess struct {
	process *models.Process
	ranges  []timerange.TimeRange
}

func (e *Engine) pullGroup(ctx context.Context, conn connector.Connector, s Strategy) (*groupResult, error) {
	gr := &groupResult{pulled: map[int64]bool{}}

	factory, err := s.FactoryRanges(ctx, conn)
	if err != nil {
		return nil, err
	}

	now := e.now().UTC()
	var planned []plannedProcess
	for _, p := range s.Processes() {
		fr, ok := factory[p.ID]
		if !ok || fr.IsEmpty() {
			slog.Warn("source table is empty, skipping process", "process_id", p.ID, "strategy", s.Name())
			metrics.SkippedProcesses.WithLabelValues(strconv.FormatInt(p.ID, 10)).Inc()
			gr.skipped = append(gr.skipped, p.ID)
			continue
		}

		pulled, err := e.pulledRange(ctx, p.ID)
		if err != nil {
			return nil, err
		}
		var pullFrom *time.Time
		if p.DataSource != nil {
			pullFrom = p.DataSource.PullFrom
		}
		ranges, err := Plan(now, e.cfg.Lookback, pullFrom, fr, pulled)
		if err != nil {
			return nil, &ConfigError{ProcessID: p.ID, Err: err}
		}
		if len(ranges) == 0 {
			slog.Debug("nothing new to pull", "process_id", p.ID, "factory", fr.String(), "pulled", pulled.String())
			continue
		}
		planned = append(planned, plannedProcess{process: p, ranges: ranges})
	}
	if len(planned) == 0 {
		return gr, nil
	}

	query, args, err := e.unionQuery(conn.Dialect(), s, planned)
	if err != nil {
		return nil, err
	}

	if err := s.Prepare(ctx, conn, e.chunks); err != nil {
		return nil, err
	}

	byID := make(map[int64]*models.Process, len(planned))
	for _, pp := range planned {
		byID[pp.process.ID] = pp.process
	}

	// Rows are held back per process until a chunk can be cut between two
	// different increment values. The pull history never claims an instant
	// whose rows are not all on disk.
	pending := map[int64]*frame.Frame{}
	save := func(p *models.Process, rows *frame.Frame, final bool) error {
		n, written, rest, err := e.saveChunks(ctx, p, rows, final)
		pending[p.ID] = rest
		gr.chunks += n
		gr.rows += written
		if n > 0 {
			gr.pulled[p.ID] = true
		}
		return err
	}

	for page, err := range conn.FetchMany(ctx, query, e.cfg.PageSize, args...) {
		if err != nil {
			return nil, fmt.Errorf("fetch transactions: %w", err)
		}
		for id, rows := range s.Route(page) {
			p, ok := byID[id]
			if !ok || rows.IsEmpty() {
				continue
			}
			if held := pending[id]; held != nil && !held.IsEmpty() {
				rows = frame.Concat(held, rows)
			}
			if err := save(p, rows, false); err != nil {
				return nil, err
			}
		}
	}
	for _, pp := range planned {
		rows := pending[pp.process.ID]
		if rows == nil || rows.IsEmpty() {
			continue
		}
		if err := save(pp.process, rows, true); err != nil {
			return nil, err
		}
	}
	return gr, nil
}

func (e *Engine) pulledRange(ctx context.Context, processID int64) (timerange.TimeRange, error) {
	h, err := e.history.GetPullHistory(ctx, processID)
	if errors.Is(err, store.ErrNotFound) {
		return timerange.Empty(), nil
	}
	if err != nil {
		return timerange.TimeRange{}, fmt.Errorf("load pull history of process %d: %w", processID, err)
	}
	return h.TimeRange(), nil
}

// unionQuery joins the per-range selects of every planned process, ordered
// by their shared increment column. Group never mixes increment columns in
// one strategy.
func (e *Engine) unionQuery(d connector.Dialect, s Strategy, planned []plannedProcess) (string, []any, error) {
	args := connector.NewArgs(d)
	var parts []string
	inc := planned[0].process.IncrementRawColumn()
	for _, pp := range planned {
		if got := pp.process.IncrementRawColumn(); got != inc {
			return "", nil, fmt.Errorf("%s: increment columns %s and %s: %w", s.Name(), inc, got, ErrUnsupportedPull)
		}
		for _, r := range pp.ranges {
			q, err := s.TransactionQuery(args, pp.process, r)
			if err != nil {
				return "", nil, err
			}
			parts = append(parts, q)
		}
	}

	query := strings.Join(parts, " UNION ALL ")
	if inc != "" {
		query = fmt.Sprintf("SELECT * FROM (%s) u ORDER BY %s", query, d.Quote(inc))
	}
	return query, args.Values(), nil
}

// saveChunks writes rows of one process as chunks of about ChunkRows rows in
// ascending increment order, widening the pull history after each file. A
// chunk is extended so rows sharing an increment value are never split.
// Unless final is set, the rows after the last complete cut are returned
// instead of written, since more rows with the same value may follow.
func (e *Engine) saveChunks(ctx context.Context, p *models.Process, rows *frame.Frame, final bool) (int, int64, *frame.Frame, error) {
	inc := p.IncrementRawColumn()
	sorted := rows.SortBy([]string{inc}, false)
	label := strconv.FormatInt(p.ID, 10)

	// nulls sort last
	limit := sorted.Len()
	for limit > 0 && sorted.Value(limit-1, inc) == nil {
		limit--
	}

	n := 0
	var written int64
	start := 0
	for start < sorted.Len() {
		end := min(start+e.cfg.ChunkRows, sorted.Len())
		for end < sorted.Len() && sameIncrement(sorted.Value(end-1, inc), sorted.Value(end, inc)) {
			end++
		}
		if !final && end >= limit {
			break
		}
		part := sorted.Slice(start, end)
		start = end

		lo, hi, ok := part.MinMax(inc)
		if !ok {
			slog.Warn("chunk has no increment values, skipping", "process_id", p.ID, "column", inc, "rows", part.Len())
			continue
		}
		from, err := frame.AsTime(lo)
		if err != nil {
			return n, written, nil, &ConfigError{ProcessID: p.ID, Err: fmt.Errorf("increment column %s: %w", inc, err)}
		}
		to, err := frame.AsTime(hi)
		if err != nil {
			return n, written, nil, &ConfigError{ProcessID: p.ID, Err: fmt.Errorf("increment column %s: %w", inc, err)}
		}

		file, err := e.chunks.WriteTransaction(p.ID, part, from, to)
		if err != nil {
			return n, written, nil, fmt.Errorf("write chunk for process %d: %w", p.ID, err)
		}
		if err := e.history.WidenPullHistory(ctx, p.ID, from, to); err != nil {
			return n, written, nil, fmt.Errorf("widen pull history of process %d: %w", p.ID, err)
		}

		n++
		written += int64(part.Len())
		metrics.PulledChunks.WithLabelValues(label).Inc()
		metrics.PulledRows.WithLabelValues(label).Add(float64(part.Len()))
		slog.Debug("chunk written", "process_id", p.ID, "file", file.Name(), "rows", part.Len())
	}
	return n, written, sorted.Slice(start, sorted.Len()), nil
}

func sameIncrement(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return frame.Compare(a, b) == 0
}
