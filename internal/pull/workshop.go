package pull

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/factoryetl/internal/chunk"
	"github.com/kiranshivaraju/factoryetl/internal/connector"
	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/internal/workshop"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
	"github.com/kiranshivaraju/factoryetl/pkg/timerange"
)

// Workshop pulls every workshop process of one master type in a single
// pass. Processes are told apart by their child equipment id
// (ProcessFactID).
type Workshop struct {
	def        *workshop.Def
	masterType models.MasterType
	processes  []*models.Process
}

func NewWorkshop(def *workshop.Def, mt models.MasterType, processes []*models.Process) *Workshop {
	return &Workshop{def: def, masterType: mt, processes: processes}
}

func (w *Workshop) Name() string {
	switch w.masterType {
	case models.MasterTypeSoftwareWorkshopMeasurement:
		return "software_workshop_measurement"
	case models.MasterTypeSoftwareWorkshopHistory:
		return "software_workshop_history"
	}
	return "software_workshop"
}

func (w *Workshop) Processes() []*models.Process { return w.processes }

func (w *Workshop) factIDs() []string {
	ids := make([]string, len(w.processes))
	for i, p := range w.processes {
		ids[i] = p.ProcessFactID
	}
	return ids
}

func (w *Workshop) FactoryRanges(ctx context.Context, conn connector.Connector) (map[int64]timerange.TimeRange, error) {
	incCols := make([]string, len(w.processes))
	for i, p := range w.processes {
		incCols[i] = p.IncrementRawColumn()
	}
	query, args, err := w.def.MinMaxByChildEquipQuery(conn.Dialect(), w.masterType, incCols, w.factIDs())
	if err != nil {
		return nil, err
	}
	rows, err := conn.RunQuery(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("factory ranges of %s: %w", w.Name(), err)
	}

	out := make(map[int64]timerange.TimeRange, len(w.processes))
	for i := 0; i < rows.Len(); i++ {
		factID := frame.AsString(rows.Value(i, w.def.ChildEquipID))
		for _, p := range w.processes {
			if p.ProcessFactID != factID {
				continue
			}
			inc := p.IncrementRawColumn()
			lo := rows.Value(i, workshop.MinMaxAlias("min", inc))
			hi := rows.Value(i, workshop.MinMaxAlias("max", inc))
			if r, ok := closedRange(lo, hi); ok {
				out[p.ID] = r
			} else if !frame.IsNull(lo) {
				slog.Error("factory min/max is not a datetime", "process_id", p.ID, "child_equip_id", factID, "min", lo)
			}
		}
	}
	return out, nil
}

func (w *Workshop) TransactionQuery(args *connector.Args, p *models.Process, r timerange.TimeRange) (string, error) {
	q, err := w.def.TransactionQuery(args, w.masterType, p.ProcessFactID, p.IncrementRawColumn(), r)
	if err != nil {
		return "", &ConfigError{ProcessID: p.ID, Err: err}
	}
	return q, nil
}

// Prepare stores the MASTER and CODE reference rows of every process. Both
// are read before the transaction rows, so a reference change in between is
// only picked up by the next cycle.
func (w *Workshop) Prepare(ctx context.Context, conn connector.Connector, chunks *chunk.Store) error {
	q := conn.Dialect()
	ids := w.factIDs()

	masterSQL, masterArgs := w.def.MasterQuery(q, ids)
	master, err := conn.RunQuery(ctx, masterSQL, masterArgs...)
	if err != nil {
		return fmt.Errorf("pull master data: %w", err)
	}
	if err := w.saveReference(chunks, chunk.Master, master); err != nil {
		return err
	}

	codeSQL, codeArgs := w.def.CodeNameQuery(q, ids)
	codes, err := conn.RunQuery(ctx, codeSQL, codeArgs...)
	if err != nil {
		return fmt.Errorf("pull code data: %w", err)
	}
	return w.saveReference(chunks, chunk.Code, codes)
}

func (w *Workshop) saveReference(chunks *chunk.Store, dt chunk.DataType, f *frame.Frame) error {
	for _, p := range w.processes {
		rows := f.Filter(func(r frame.Row) bool {
			return frame.AsString(r.Get(w.def.ChildEquipID)) == p.ProcessFactID
		})
		if rows.IsEmpty() {
			slog.Warn("no reference rows for process", "process_id", p.ID, "type", dt, "child_equip_id", p.ProcessFactID)
			continue
		}
		if err := chunks.WriteReference(p.ID, dt, rows); err != nil {
			return fmt.Errorf("save %s for process %d: %w", dt, p.ID, err)
		}
	}
	return nil
}

// Route hands rows to the first process configured for their child
// equipment. Rows of unknown equipment are dropped.
func (w *Workshop) Route(page *frame.Frame) map[int64]*frame.Frame {
	byFact := make(map[string]int64, len(w.processes))
	for _, p := range w.processes {
		if _, ok := byFact[p.ProcessFactID]; !ok {
			byFact[p.ProcessFactID] = p.ID
		}
	}

	out := make(map[int64]*frame.Frame)
	dropped := 0
	for i := 0; i < page.Len(); i++ {
		id, ok := byFact[frame.AsString(page.Value(i, w.def.ChildEquipID))]
		if !ok {
			dropped++
			continue
		}
		f, ok := out[id]
		if !ok {
			f = frame.Empty(page.Columns()...)
			out[id] = f
		}
		f.AppendMap(page.Row(i).Map())
	}
	if dropped > 0 {
		slog.Warn("dropped rows of unknown child equipment", "strategy", w.Name(), "rows", dropped)
	}
	return out
}
