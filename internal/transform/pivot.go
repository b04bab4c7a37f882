package transform

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sort"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
)

// Measurement turns name/value rows into one row per index with a column per
// name. The first non-null unit seen for a name is recorded in NameUnit.
type Measurement struct {
	MasterColumns     []string
	IndexColumns      []string
	HorizontalColumns []string
	NameColumn        string
	ValueColumn       string
	// UnitColumn may be empty when the data carries no units.
	UnitColumn string
}

func (Measurement) Name() string { return "measurement_pivot" }

func (t Measurement) Transform(_ context.Context, in Data) (Data, error) {
	src := in.Frame
	for _, c := range append(slices.Clone(t.IndexColumns), t.NameColumn, t.ValueColumn) {
		if !src.Has(c) {
			return Data{}, fmt.Errorf("measurement pivot: %q: %w", c, frame.ErrColumnNotFound)
		}
	}

	units := maps.Clone(in.NameUnit)
	if units == nil {
		units = map[string]string{}
	}
	if t.UnitColumn != "" {
		if src.Has(t.UnitColumn) {
			for name, unit := range firstUnits(src, t.NameColumn, t.UnitColumn) {
				units[name] = unit
			}
		} else {
			slog.Error("measurement pivot: unit column missing", "column", t.UnitColumn)
		}
	}

	required := uniqueStrings(append(append(slices.Clone(t.MasterColumns), t.IndexColumns...), t.HorizontalColumns...))

	type group struct {
		first  int // row holding the index values
		last   int // last row of the index, source of required columns
		values map[string]any
	}
	groups := make(map[string]*group)
	var order []string
	names := make(map[string]bool)

	for i := 0; i < src.Len(); i++ {
		key := src.RowKey(i, t.IndexColumns)
		g, ok := groups[key]
		if !ok {
			g = &group{first: i, values: map[string]any{}}
			groups[key] = g
			order = append(order, key)
		}
		g.last = i

		name := src.Value(i, t.NameColumn)
		if frame.IsNull(name) {
			continue
		}
		col := frame.AsString(name)
		names[col] = true
		g.values[col] = src.Value(i, t.ValueColumn)
	}

	var vertical []string
	for n := range names {
		if !slices.Contains(required, n) {
			vertical = append(vertical, n)
		}
	}
	sort.Strings(vertical)

	// Only indexes with at least one named value survive the pivot.
	kept := order[:0]
	for _, key := range order {
		if len(groups[key].values) > 0 {
			kept = append(kept, key)
		}
	}
	sort.SliceStable(kept, func(a, b int) bool {
		ra, rb := groups[kept[a]].first, groups[kept[b]].first
		for _, c := range t.IndexColumns {
			if cmp := compareNullsLast(src.Value(ra, c), src.Value(rb, c)); cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})

	out := frame.Empty(append(slices.Clone(required), vertical...)...)
	for _, key := range kept {
		g := groups[key]
		row := make(map[string]any, len(required)+len(vertical))
		for _, c := range required {
			row[c] = src.Value(g.last, c)
		}
		for _, c := range vertical {
			row[c] = g.values[c]
		}
		out.AppendMap(row)
	}

	return in.WithFrame(out).WithNameUnit(units), nil
}

// firstUnits maps each name to its first non-null unit.
func firstUnits(f *frame.Frame, nameCol, unitCol string) map[string]string {
	out := make(map[string]string)
	for i := 0; i < f.Len(); i++ {
		name, unit := f.Value(i, nameCol), f.Value(i, unitCol)
		if frame.IsNull(name) || frame.IsNull(unit) {
			continue
		}
		n := frame.AsString(name)
		if _, ok := out[n]; !ok {
			out[n] = frame.AsString(unit)
		}
	}
	return out
}

func compareNullsLast(a, b any) int {
	switch {
	case frame.IsNull(a) && frame.IsNull(b):
		return 0
	case frame.IsNull(a):
		return 1
	case frame.IsNull(b):
		return -1
	}
	return frame.Compare(a, b)
}

func uniqueStrings(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		if !slices.Contains(out, s) {
			out = append(out, s)
		}
	}
	return out
}

// SubKind is one declared component attribute of a history record.
type SubKind struct {
	Column string // column in the vertical input
	Label  string // Part, Lot, Tray or Serial
}

// HistorySubKinds declares the component columns in output order. Kinds with
// an empty column are skipped.
func HistorySubKinds(part, lot, tray, serial string) []SubKind {
	var out []SubKind
	for _, k := range []SubKind{{part, "Part"}, {lot, "Lot"}, {tray, "Tray"}, {serial, "Serial"}} {
		if k.Column != "" {
			out = append(out, k)
		}
	}
	return out
}

// SubColumn names the n-th (1 based) occurrence of a component attribute.
func SubColumn(n int, label string) string {
	return fmt.Sprintf("Sub%d%s", n, label)
}

// History turns the component rows of each index into numbered sibling
// columns Sub{N}Part, Sub{N}Lot, Sub{N}Tray and Sub{N}Serial. Other columns
// keep their first value per index. Everything except the index columns is
// rendered as text.
type History struct {
	IndexColumns []string
	SubKinds     []SubKind
}

func (History) Name() string { return "history_pivot" }

func (t History) Transform(_ context.Context, in Data) (Data, error) {
	src := in.Frame
	if src.IsEmpty() {
		return in, nil
	}
	index := uniqueStrings(t.IndexColumns)
	for _, c := range index {
		if !src.Has(c) {
			return Data{}, fmt.Errorf("history pivot: %q: %w", c, frame.ErrColumnNotFound)
		}
	}

	isSub := make(map[string]bool, len(t.SubKinds))
	for _, k := range t.SubKinds {
		isSub[k.Column] = true
	}
	var normal []string
	for _, c := range src.Columns() {
		if !slices.Contains(index, c) && !isSub[c] {
			normal = append(normal, c)
		}
	}

	groups := make(map[string][]int)
	var order []string
	widest := 0
	for i := 0; i < src.Len(); i++ {
		key := src.RowKey(i, index)
		if _, ok := groups[key]; !ok {
			order = append(order, key)
		}
		groups[key] = append(groups[key], i)
		widest = max(widest, len(groups[key]))
	}
	sort.SliceStable(order, func(a, b int) bool {
		ra, rb := groups[order[a]][0], groups[order[b]][0]
		for _, c := range index {
			if cmp := compareNullsLast(src.Value(ra, c), src.Value(rb, c)); cmp != 0 {
				return cmp < 0
			}
		}
		return false
	})

	cols := append(slices.Clone(index), normal...)
	for n := 1; n <= widest; n++ {
		for _, k := range t.SubKinds {
			cols = append(cols, SubColumn(n, k.Label))
		}
	}

	out := frame.Empty(cols...)
	for _, key := range order {
		rows := groups[key]
		first := rows[0]
		values := make(map[string]any, len(cols))
		for _, c := range index {
			values[c] = src.Value(first, c)
		}
		for _, c := range normal {
			values[c] = textCell(src.Value(first, c))
		}
		for n, r := range rows {
			for _, k := range t.SubKinds {
				values[SubColumn(n+1, k.Label)] = textCell(src.Value(r, k.Column))
			}
		}
		out.AppendMap(values)
	}
	return in.WithFrame(out), nil
}

func textCell(v any) any {
	if frame.IsNull(v) {
		return nil
	}
	return frame.AsString(v)
}
