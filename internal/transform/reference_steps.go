package transform

import (
	"context"
	"log/slog"
	"slices"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
)

// AddMasterData copies the columns of the first master row onto every row.
// Columns already present are left alone. Without a master row the columns
// are added as nulls; FallbackColumns names them when the reference is
// empty of columns too.
type AddMasterData struct {
	Source          ReferenceSource
	FallbackColumns []string
}

func (AddMasterData) Name() string { return "add_master_data" }

func (t AddMasterData) Transform(ctx context.Context, in Data) (Data, error) {
	master, err := t.Source.Master(ctx)
	if err != nil {
		return Data{}, err
	}
	master = dedupRows(master)

	cols := master.Columns()
	if len(cols) == 0 {
		cols = t.FallbackColumns
	}
	var missing []string
	for _, c := range cols {
		if !in.Frame.Has(c) {
			missing = append(missing, c)
		}
	}

	switch {
	case master.IsEmpty():
		slog.Error("add master data: no master row, filling nulls", "columns", missing)
	case master.Len() > 1:
		slog.Error("add master data: multiple master rows, using the first", "rows", master.Len())
	}

	out := in.Frame
	for _, c := range missing {
		var v any
		if !master.IsEmpty() {
			v = master.Value(0, c)
		}
		out = out.WithColumn(c, func(frame.Row) any { return v })
	}
	return in.WithFrame(out), nil
}

// dedupRows drops repeated rows, keeping the first.
func dedupRows(f *frame.Frame) *frame.Frame {
	cols := f.Columns()
	out := frame.Empty(cols...)
	seen := make(map[string]bool, f.Len())
	for i := 0; i < f.Len(); i++ {
		k := f.RowKey(i, cols)
		if seen[k] {
			continue
		}
		seen[k] = true
		out.AppendMap(f.Row(i).Map())
	}
	return out
}

// ReplaceCodeToName sorts rows by CodeColumn descending and replaces each
// code by its name; unknown codes become null. With AddMissing, one empty
// row is appended per known name that does not occur in the data.
type ReplaceCodeToName struct {
	Source     ReferenceSource
	CodeColumn string
	AddMissing bool
}

func (ReplaceCodeToName) Name() string { return "replace_code_to_name" }

func (t ReplaceCodeToName) Transform(ctx context.Context, in Data) (Data, error) {
	names, err := t.Source.CodeNames(ctx)
	if err != nil {
		return Data{}, err
	}

	f := in.Frame
	if !f.Has(t.CodeColumn) {
		f = f.WithColumn(t.CodeColumn, func(frame.Row) any { return nil })
	}
	f = f.SortBy([]string{t.CodeColumn}, true)
	f = f.WithColumn(t.CodeColumn, func(r frame.Row) any {
		code := r.Get(t.CodeColumn)
		if frame.IsNull(code) {
			return nil
		}
		if name, ok := names[frame.AsString(code)]; ok {
			return name
		}
		return nil
	})

	if t.AddMissing {
		present := make(map[string]bool)
		for _, v := range f.Column(t.CodeColumn) {
			if !frame.IsNull(v) {
				present[frame.AsString(v)] = true
			}
		}
		var absent []string
		for _, name := range names {
			if !present[name] && !slices.Contains(absent, name) {
				absent = append(absent, name)
			}
		}
		if len(absent) > 0 {
			slices.Sort(absent)
			slog.Warn("replace code to name: adding missing columns", "names", absent)
			extra := frame.Empty(f.Columns()...)
			for _, name := range absent {
				extra.AppendMap(map[string]any{t.CodeColumn: name})
			}
			f = frame.Concat(f, extra)
		}
	}
	return in.WithFrame(f), nil
}
