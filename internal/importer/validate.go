package importer

import (
	"log/slog"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
	"github.com/kiranshivaraju/factoryetl/pkg/models"
)

const (
	reasonMissingDate = "missing date"
	reasonInvalidDate = "invalid datetime"
	reasonInvalidType = "cannot convert to "
)

type validated struct {
	good   *frame.Frame
	bad    *frame.Frame
	issues []RowIssue
}

// validate coerces the configured columns of df to their data types.
//
// The date column is strict: a missing or unparsable value rejects the row.
// Other DATETIME columns are lenient and an unparsable value becomes null.
// Any other conversion failure rejects the row. Rejected rows keep their
// original values; accepted rows carry the converted ones.
func validate(p *models.Process, df *frame.Frame) validated {
	dateCol := p.DateColumn()
	out := validated{good: frame.Empty(df.Columns()...), bad: frame.Empty(df.Columns()...)}

	var cols []models.ColumnConfig
	for _, c := range p.Columns {
		if df.Has(c.ColumnName) {
			cols = append(cols, c)
		}
	}

	nulled := map[string]int{}
	for i := 0; i < df.Len(); i++ {
		row := df.Row(i).Map()
		var issues []RowIssue
		for _, c := range cols {
			v := row[c.ColumnName]
			converted, reason := convert(c, v, c.ColumnName == dateCol)
			switch {
			case reason == "":
				row[c.ColumnName] = converted
			case c.DataType == models.DataTypeDatetime && c.ColumnName != dateCol:
				row[c.ColumnName] = nil
				nulled[c.ColumnName]++
			default:
				issues = append(issues, RowIssue{Row: i, Column: c.ColumnName, Value: v, Reason: reason})
			}
		}
		if len(issues) > 0 {
			out.bad.AppendMap(df.Row(i).Map())
			out.issues = append(out.issues, issues...)
			continue
		}
		out.good.AppendMap(row)
	}

	for col, n := range nulled {
		slog.Warn("invalid datetime values set to null", "process_id", p.ID, "column", col, "rows", n)
	}
	return out
}

// convert returns the typed value of v, or the reason it cannot be converted.
func convert(c models.ColumnConfig, v any, isDate bool) (any, string) {
	if frame.IsNull(v) {
		if isDate {
			return nil, reasonMissingDate
		}
		return nil, ""
	}
	if isDate || c.DataType == models.DataTypeDatetime {
		t, err := frame.AsTime(v)
		if err != nil {
			return nil, reasonInvalidDate
		}
		return t.UTC(), ""
	}

	switch c.DataType {
	case models.DataTypeInteger:
		n, err := frame.AsInt(v)
		if err != nil {
			return nil, reasonInvalidType + string(c.DataType)
		}
		return n, ""
	case models.DataTypeReal:
		f, err := frame.AsFloat(v)
		if err != nil {
			return nil, reasonInvalidType + string(c.DataType)
		}
		return f, ""
	case models.DataTypeText:
		return frame.AsString(v), ""
	}
	return frame.Normalize(v), ""
}
