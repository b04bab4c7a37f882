package pull

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/factoryetl/internal/chunk"
	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/internal/workshop"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
	"github.com/kiranshivaraju/factoryetl/pkg/timerange"
)

// Strategy holds what differs between source families. The engine drives
// every strategy the same way.
type Strategy interface {
	Name() string
	Processes() []*models.Process
	// FactoryRanges returns the time range of every process with data in
	// the source. Processes with an empty table are absent.
	FactoryRanges(ctx context.Context, conn connector.Connector) (map[int64]timerange.TimeRange, error)
	// TransactionQuery selects the rows of p inside r, without ordering.
	// Bind values are appended to args.
	TransactionQuery(args *connector.Args, p *models.Process, r timerange.TimeRange) (string, error)
	// Prepare pulls whatever the transaction rows depend on before they are
	// fetched.
	Prepare(ctx context.Context, conn connector.Connector, chunks *chunk.Store) error
	// Route splits a fetched page by the process the rows belong to.
	Route(page *frame.Frame) map[int64]*frame.Frame
}

// Group builds the strategies pulling processes of one data source. Workshop
// processes of the same master type and increment column share one strategy
// so the source is queried once per cycle in a single increment order; every
// OTHERS process gets its own.
func Group(processes []*models.Process) ([]Strategy, error) {
	type groupKey struct {
		masterType models.MasterType
		increment  string
	}
	var keys []groupKey
	members := map[groupKey][]*models.Process{}
	var others []Strategy
	var def *workshop.Def

	for _, p := range processes {
		mt := p.EffectiveMasterType()
		if mt == models.MasterTypeOthers {
			others = append(others, NewOthers(p))
			continue
		}
		if p.DataSource == nil {
			return nil, fmt.Errorf("process %d: data source not loaded: %w", p.ID, ErrUnsupportedPull)
		}
		kind, err := connector.ParseKind(p.DataSource.Kind)
		if err != nil {
			return nil, fmt.Errorf("process %d: %w", p.ID, err)
		}
		d, ok := workshop.ForKind(kind)
		if !ok {
			return nil, fmt.Errorf("process %d: %s with %s source: %w", p.ID, mt, kind, ErrUnsupportedPull)
		}
		def = d

		switch mt {
		case models.MasterTypeSoftwareWorkshopMeasurement, models.MasterTypeSoftwareWorkshopHistory:
		default:
			return nil, fmt.Errorf("process %d: master type %q: %w", p.ID, mt, ErrUnsupportedPull)
		}
		k := groupKey{masterType: mt, increment: p.IncrementRawColumn()}
		if _, ok := members[k]; !ok {
			keys = append(keys, k)
		}
		members[k] = append(members[k], p)
	}

	var out []Strategy
	for _, mt := range []models.MasterType{models.MasterTypeSoftwareWorkshopMeasurement, models.MasterTypeSoftwareWorkshopHistory} {
		for _, k := range keys {
			if k.masterType == mt {
				out = append(out, NewWorkshop(def, mt, members[k]))
			}
		}
	}
	return append(out, others...), nil
}
