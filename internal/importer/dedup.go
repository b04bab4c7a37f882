package importer

import (
	"context"
	"fmt"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/internal/store"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

// mergeIntoParent renames the columns of a child process to the parent
// columns they point at. Columns without a parent are dropped.
func mergeIntoParent(df *frame.Frame, child, parent *models.Process) *frame.Frame {
	rename := map[string]string{}
	var keep []string
	for _, c := range child.Columns {
		if c.ParentID == nil || !df.Has(c.ColumnName) {
			continue
		}
		pc, ok := parent.ColumnByID(*c.ParentID)
		if !ok {
			continue
		}
		rename[c.ColumnName] = pc.ColumnName
		keep = append(keep, pc.ColumnName)
	}
	return df.Rename(rename).SelectExisting(keep...)
}

// removeDuplicates splits df into rows to insert and rows already present,
// either in the store or earlier in df. Stored rows are only read inside the
// date window of df.
func removeDuplicates(ctx context.Context, st Store, target *models.Process, dateCol string, df *frame.Frame) (*frame.Frame, *frame.Frame, error) {
	var keys []string
	for _, k := range target.DedupColumns() {
		if df.Has(k) {
			keys = append(keys, k)
		}
	}
	if len(keys) == 0 || df.IsEmpty() {
		return df, frame.Empty(df.Columns()...), nil
	}

	filter := store.RowFilter{Columns: keys}
	if dateCol != "" && df.Has(dateCol) {
		if lo, hi, ok := df.MinMax(dateCol); ok {
			from, errFrom := frame.AsTime(lo)
			to, errTo := frame.AsTime(hi)
			if errFrom == nil && errTo == nil {
				filter.DateCol, filter.From, filter.To = dateCol, from, to
			}
		}
	}

	stored, err := st.FetchRows(ctx, target, filter)
	if err != nil {
		return nil, nil, fmt.Errorf("load stored rows for dedup: %w", err)
	}

	seen := make(map[string]struct{}, stored.Len()+df.Len())
	for i := 0; i < stored.Len(); i++ {
		seen[stored.RowKey(i, keys)] = struct{}{}
	}

	kept := frame.Empty(df.Columns()...)
	dups := frame.Empty(df.Columns()...)
	for i := 0; i < df.Len(); i++ {
		k := df.RowKey(i, keys)
		if _, ok := seen[k]; ok {
			dups.AppendMap(df.Row(i).Map())
			continue
		}
		seen[k] = struct{}{}
		kept.AppendMap(df.Row(i).Map())
	}
	return kept, dups, nil
}
