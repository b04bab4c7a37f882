package pull

import (
	"context"
	"fmt"
	"time"

	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/internal/transform"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
	"github.com/kiranshivaraju/factoryetl/pkg/timerange"
)

// Preview reads up to limit of the newest source rows of a process, within
// window before its latest row, shaped and named the way an import would
// store them. It writes no chunk and leaves the pull history untouched.
func (e *Engine) Preview(ctx context.Context, processID int64, window time.Duration, limit int) (*frame.Frame, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("preview limit must be positive, got %d", limit)
	}
	p, err := e.catalog.GetProcess(ctx, processID)
	if err != nil {
		return nil, fmt.Errorf("load process %d: %w", processID, err)
	}
	if p.DataSource == nil {
		return nil, fmt.Errorf("process %d: data source not loaded: %w", p.ID, ErrUnsupportedPull)
	}
	strategies, err := Group([]*models.Process{p})
	if err != nil {
		return nil, err
	}
	s := strategies[0]

	conn, err := e.factory.Open(ctx, p.DataSource, connector.ReadOnly())
	if err != nil {
		return nil, err
	}
	defer conn.Close()

	factory, err := s.FactoryRanges(ctx, conn)
	if err != nil {
		return nil, err
	}
	fr, ok := factory[p.ID]
	if !ok || fr.IsEmpty() {
		return frame.Empty(p.ColumnNames()...), nil
	}
	if fr.HasUnboundedSide() {
		return nil, &ConfigError{ProcessID: p.ID, Err: ErrUnboundedFactoryRange}
	}
	latest := fr.Max.Value
	r, ok := timerange.Closed(latest.Add(-window), latest).Intersect(fr)
	if !ok {
		return frame.Empty(p.ColumnNames()...), nil
	}

	d := conn.Dialect()
	args := connector.NewArgs(d)
	q, err := s.TransactionQuery(args, p, r)
	if err != nil {
		return nil, err
	}
	if inc := p.IncrementRawColumn(); inc != "" {
		q = fmt.Sprintf("SELECT * FROM (%s) u ORDER BY %s DESC", q, d.Quote(inc))
	}

	rows := frame.Empty(p.RawColumns()...)
	for page, err := range conn.FetchMany(ctx, q, limit, args.Values()...) {
		if err != nil {
			return nil, fmt.Errorf("fetch preview rows: %w", err)
		}
		if routed, ok := s.Route(page)[p.ID]; ok {
			rows = routed
		}
		break
	}

	pipeline, err := transform.ForSource(p, e.factory)
	if err != nil {
		return nil, err
	}
	out, err := pipeline.Run(ctx, transform.NewData(rows))
	if err != nil {
		return nil, err
	}
	return out.Frame.Rename(p.RawToNameMapping()), nil
}
