package pull

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/kiranshivaraju/factoryetl/internal/chunk"
	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
	"github.com/kiranshivaraju/factoryetl/pkg/timerange"
)

// Others pulls one process from a plain relational table.
type Others struct {
	process *models.Process
}

func NewOthers(p *models.Process) *Others {
	return &Others{process: p}
}

func (o *Others) Name() string { return "others" }

func (o *Others) Processes() []*models.Process { return []*models.Process{o.process} }

func (o *Others) FactoryRanges(ctx context.Context, conn connector.Connector) (map[int64]timerange.TimeRange, error) {
	p := o.process
	lo, hi, err := conn.MinMax(ctx, connector.MinMaxQuery{Table: p.TableName, Column: p.IncrementRawColumn()})
	if err != nil {
		return nil, fmt.Errorf("factory range of process %d: %w", p.ID, err)
	}
	r, ok := closedRange(lo, hi)
	if !ok {
		if !frame.IsNull(lo) {
			slog.Error("factory min/max is not a datetime", "process_id", p.ID, "table", p.TableName, "min", lo)
		}
		return map[int64]timerange.TimeRange{}, nil
	}
	return map[int64]timerange.TimeRange{p.ID: r}, nil
}

func (o *Others) TransactionQuery(args *connector.Args, p *models.Process, r timerange.TimeRange) (string, error) {
	q := args.Dialect()
	raw := p.RawColumns()
	if len(raw) == 0 {
		return "", &ConfigError{ProcessID: p.ID, Err: fmt.Errorf("no source columns configured")}
	}
	cols := make([]string, len(raw))
	for i, c := range raw {
		cols[i] = q.Quote(c)
	}
	cond, err := args.Range(q.Quote(p.IncrementRawColumn()), r)
	if err != nil {
		return "", &ConfigError{ProcessID: p.ID, Err: err}
	}
	return fmt.Sprintf("SELECT %s FROM %s WHERE %s", strings.Join(cols, ", "), q.Quote(p.TableName), cond), nil
}

func (o *Others) Prepare(context.Context, connector.Connector, *chunk.Store) error { return nil }

func (o *Others) Route(page *frame.Frame) map[int64]*frame.Frame {
	return map[int64]*frame.Frame{o.process.ID: page}
}

// closedRange turns source min/max cells into [lo, hi]. It fails for null or
// non-datetime values.
func closedRange(lo, hi any) (timerange.TimeRange, bool) {
	if frame.IsNull(lo) || frame.IsNull(hi) {
		return timerange.TimeRange{}, false
	}
	from, err := frame.AsTime(lo)
	if err != nil {
		return timerange.TimeRange{}, false
	}
	to, err := frame.AsTime(hi)
	if err != nil {
		return timerange.TimeRange{}, false
	}
	return timerange.Closed(from, to), true
}
