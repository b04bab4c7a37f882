// Package frame is the in-memory tabular buffer passed between the connector,
// the chunk codec, the transform pipeline and the importer.
//
// A Frame holds ordered, uniquely named columns and rows of cells. Cells are
// nil, string, int64, float64, bool or time.Time; Normalize converts driver
// values into that set.
package frame

import (
	"errors"
	"fmt"
	"slices"
	"sort"
)

var ErrColumnNotFound = errors.New("column not found")

// Frame is row oriented. Methods that return a *Frame never modify the receiver;
// Append and Set are the only mutating calls and are meant for builders.
type Frame struct {
	columns []string
	index   map[string]int
	rows    [][]any
}

// New builds a frame. Rows shorter than the column list are padded with nil,
// longer ones are truncated. Duplicate column names keep the first occurrence.
func New(columns []string, rows ...[]any) *Frame {
	f := Empty(columns...)
	for _, r := range rows {
		f.Append(r...)
	}
	return f
}

// Empty returns a frame with columns and no rows.
func Empty(columns ...string) *Frame {
	f := &Frame{index: make(map[string]int, len(columns))}
	for _, c := range columns {
		if _, ok := f.index[c]; ok {
			continue
		}
		f.index[c] = len(f.columns)
		f.columns = append(f.columns, c)
	}
	return f
}

func (f *Frame) Columns() []string { return slices.Clone(f.columns) }
func (f *Frame) Len() int          { return len(f.rows) }
func (f *Frame) Width() int        { return len(f.columns) }
func (f *Frame) IsEmpty() bool     { return len(f.rows) == 0 }

func (f *Frame) Has(col string) bool {
	_, ok := f.index[col]
	return ok
}

// ColIndex returns the position of col or -1.
func (f *Frame) ColIndex(col string) int {
	if i, ok := f.index[col]; ok {
		return i
	}
	return -1
}

// Append adds a row in column order.
func (f *Frame) Append(values ...any) {
	row := make([]any, len(f.columns))
	copy(row, values)
	f.rows = append(f.rows, row)
}

// AppendMap adds a row from a column->value map; unknown keys are ignored.
func (f *Frame) AppendMap(values map[string]any) {
	row := make([]any, len(f.columns))
	for k, v := range values {
		if i, ok := f.index[k]; ok {
			row[i] = v
		}
	}
	f.rows = append(f.rows, row)
}

// Set replaces a single cell. Unknown columns are ignored.
func (f *Frame) Set(i int, col string, v any) {
	if j, ok := f.index[col]; ok {
		f.rows[i][j] = v
	}
}

// Value returns the cell at row i, column col, or nil for an unknown column.
func (f *Frame) Value(i int, col string) any {
	if j, ok := f.index[col]; ok {
		return f.rows[i][j]
	}
	return nil
}

// Row returns a read-only view of row i.
func (f *Frame) Row(i int) Row {
	return Row{index: f.index, values: f.rows[i]}
}

// Column returns a copy of the values of col.
func (f *Frame) Column(col string) []any {
	j, ok := f.index[col]
	if !ok {
		return nil
	}
	out := make([]any, len(f.rows))
	for i, r := range f.rows {
		out[i] = r[j]
	}
	return out
}

// Records returns each row as a column->value map.
func (f *Frame) Records() []map[string]any {
	out := make([]map[string]any, len(f.rows))
	for i := range f.rows {
		out[i] = f.Row(i).Map()
	}
	return out
}

func (f *Frame) Clone() *Frame {
	c := Empty(f.columns...)
	c.rows = make([][]any, len(f.rows))
	for i, r := range f.rows {
		c.rows[i] = slices.Clone(r)
	}
	return c
}

// Select returns the named columns in the given order. Repeated names are
// selected once.
func (f *Frame) Select(cols ...string) (*Frame, error) {
	cols = unique(cols)
	idx := make([]int, len(cols))
	for i, c := range cols {
		j, ok := f.index[c]
		if !ok {
			return nil, fmt.Errorf("select %q: %w", c, ErrColumnNotFound)
		}
		idx[i] = j
	}
	out := Empty(cols...)
	out.rows = make([][]any, len(f.rows))
	for i, r := range f.rows {
		row := make([]any, len(out.columns))
		for k := range out.columns {
			row[k] = r[idx[k]]
		}
		out.rows[i] = row
	}
	return out, nil
}

// SelectExisting is Select restricted to the columns f actually has.
func (f *Frame) SelectExisting(cols ...string) *Frame {
	keep := make([]string, 0, len(cols))
	for _, c := range cols {
		if f.Has(c) {
			keep = append(keep, c)
		}
	}
	out, _ := f.Select(keep...)
	return out
}

// Drop removes the named columns; unknown names are ignored.
func (f *Frame) Drop(cols ...string) *Frame {
	keep := make([]string, 0, len(f.columns))
	for _, c := range f.columns {
		if !slices.Contains(cols, c) {
			keep = append(keep, c)
		}
	}
	out, _ := f.Select(keep...)
	return out
}

// Rename maps old column names to new ones. When two columns end up with the
// same name the first one wins and the later one is dropped.
func (f *Frame) Rename(mapping map[string]string) *Frame {
	names := make([]string, len(f.columns))
	for i, c := range f.columns {
		if n, ok := mapping[c]; ok {
			names[i] = n
		} else {
			names[i] = c
		}
	}
	out := Empty(names...)
	src := make([]int, len(out.columns))
	seen := make(map[string]bool, len(names))
	k := 0
	for i, n := range names {
		if seen[n] {
			continue
		}
		seen[n] = true
		src[k] = i
		k++
	}
	out.rows = make([][]any, len(f.rows))
	for i, r := range f.rows {
		row := make([]any, len(out.columns))
		for j := range out.columns {
			row[j] = r[src[j]]
		}
		out.rows[i] = row
	}
	return out
}

// Filter keeps the rows for which keep returns true.
func (f *Frame) Filter(keep func(Row) bool) *Frame {
	out := Empty(f.columns...)
	for i, r := range f.rows {
		if keep(f.Row(i)) {
			out.rows = append(out.rows, slices.Clone(r))
		}
	}
	return out
}

// Partition splits rows into those that pass and those that do not.
func (f *Frame) Partition(pass func(Row) bool) (*Frame, *Frame) {
	in, out := Empty(f.columns...), Empty(f.columns...)
	for i, r := range f.rows {
		if pass(f.Row(i)) {
			in.rows = append(in.rows, slices.Clone(r))
		} else {
			out.rows = append(out.rows, slices.Clone(r))
		}
	}
	return in, out
}

// SortBy sorts rows by cols, stable, with nulls last in both directions.
func (f *Frame) SortBy(cols []string, desc bool) *Frame {
	out := f.Clone()
	idx := make([]int, 0, len(cols))
	for _, c := range cols {
		if j, ok := f.index[c]; ok {
			idx = append(idx, j)
		}
	}
	sort.SliceStable(out.rows, func(a, b int) bool {
		for _, j := range idx {
			va, vb := out.rows[a][j], out.rows[b][j]
			switch {
			case va == nil && vb == nil:
				continue
			case va == nil:
				return false
			case vb == nil:
				return true
			}
			c := Compare(va, vb)
			if c == 0 {
				continue
			}
			if desc {
				return c > 0
			}
			return c < 0
		}
		return false
	})
	return out
}

// Slice returns rows [start, end), clamped to the frame.
func (f *Frame) Slice(start, end int) *Frame {
	start = max(0, min(start, len(f.rows)))
	end = max(start, min(end, len(f.rows)))
	out := Empty(f.columns...)
	out.rows = make([][]any, 0, end-start)
	for _, r := range f.rows[start:end] {
		out.rows = append(out.rows, slices.Clone(r))
	}
	return out
}

// WithColumn sets col to fn(row) for every row, appending the column when missing.
func (f *Frame) WithColumn(col string, fn func(Row) any) *Frame {
	out := f.Clone()
	if !out.Has(col) {
		out.index[col] = len(out.columns)
		out.columns = append(out.columns, col)
		for i := range out.rows {
			out.rows[i] = append(out.rows[i], nil)
		}
	}
	j := out.index[col]
	for i := range out.rows {
		out.rows[i][j] = fn(f.Row(i))
	}
	return out
}

// Concat stacks frames. The result has the union of columns in first-seen
// order; cells for columns a frame lacks are nil.
func Concat(frames ...*Frame) *Frame {
	var cols []string
	seen := map[string]bool{}
	for _, fr := range frames {
		if fr == nil {
			continue
		}
		for _, c := range fr.columns {
			if !seen[c] {
				seen[c] = true
				cols = append(cols, c)
			}
		}
	}
	out := Empty(cols...)
	for _, fr := range frames {
		if fr == nil {
			continue
		}
		for i := range fr.rows {
			out.AppendMap(fr.Row(i).Map())
		}
	}
	return out
}

// MinMax returns the smallest and largest non-null values of col.
func (f *Frame) MinMax(col string) (minV, maxV any, ok bool) {
	j, found := f.index[col]
	if !found {
		return nil, nil, false
	}
	for _, r := range f.rows {
		v := r[j]
		if v == nil {
			continue
		}
		if !ok {
			minV, maxV, ok = v, v, true
			continue
		}
		if Compare(v, minV) < 0 {
			minV = v
		}
		if Compare(v, maxV) > 0 {
			maxV = v
		}
	}
	return minV, maxV, ok
}

// RowKey returns the canonical key of row i over cols.
func (f *Frame) RowKey(i int, cols []string) string {
	vals := make([]any, len(cols))
	for k, c := range cols {
		vals[k] = f.Value(i, c)
	}
	return Key(vals...)
}

// Row is a read-only view of one row.
type Row struct {
	index  map[string]int
	values []any
}

// Get returns the value of col, or nil when the column does not exist.
func (r Row) Get(col string) any {
	if j, ok := r.index[col]; ok {
		return r.values[j]
	}
	return nil
}

func (r Row) IsNull(col string) bool {
	return IsNull(r.Get(col))
}

// Map returns a column->value copy of the row.
func (r Row) Map() map[string]any {
	m := make(map[string]any, len(r.index))
	for c, j := range r.index {
		m[c] = r.values[j]
	}
	return m
}

func unique(cols []string) []string {
	out := make([]string, 0, len(cols))
	for _, c := range cols {
		if !slices.Contains(out, c) {
			out = append(out, c)
		}
	}
	return out
}
