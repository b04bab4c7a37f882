package transform

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"slices"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
)

// JSONFlatten expands columns holding JSON arrays of objects into one row per
// element. The arrays of one source row are stacked, and every other column
// is copied onto each produced row. Output columns are ExpectedColumns
// followed by the non-JSON columns.
type JSONFlatten struct {
	JSONColumns     []string
	ExpectedColumns []string
}

func (JSONFlatten) Name() string { return "json_flatten" }

func (t JSONFlatten) Transform(_ context.Context, in Data) (Data, error) {
	src := in.Frame
	if src.IsEmpty() {
		slog.Error("json flatten: no data found")
		return in, nil
	}

	var plain []string
	for _, c := range src.Columns() {
		if !slices.Contains(t.JSONColumns, c) {
			plain = append(plain, c)
		}
	}

	var out *frame.Frame
	produced := 0
	for i := 0; i < src.Len(); i++ {
		row := src.Row(i)
		for _, jc := range t.JSONColumns {
			for _, elem := range t.parseArray(row.Get(jc)) {
				if out == nil {
					out = frame.Empty(append(slices.Clone(t.ExpectedColumns), plain...)...)
				}
				values := make(map[string]any, len(t.ExpectedColumns)+len(plain))
				for _, c := range t.ExpectedColumns {
					values[c] = elem[c]
				}
				for _, c := range plain {
					if _, taken := values[c]; !taken {
						values[c] = row.Get(c)
					}
				}
				out.AppendMap(values)
				produced++
			}
		}
	}

	if produced == 0 {
		return in.WithFrame(frame.Empty(append(plain, t.ExpectedColumns...)...)), nil
	}
	return in.WithFrame(out), nil
}

// parseArray decodes one cell. Absent, null and malformed values give no
// elements; malformed ones are logged.
func (t JSONFlatten) parseArray(v any) []map[string]any {
	var raw []byte
	switch x := v.(type) {
	case nil:
		return nil
	case string:
		raw = []byte(x)
	case []byte:
		raw = x
	default:
		slog.Warn("json flatten: cell is not json text", "value", v)
		return nil
	}

	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	var elems []map[string]any
	if err := dec.Decode(&elems); err != nil {
		slog.Warn("json flatten: malformed json array", "error", err)
		return nil
	}

	out := make([]map[string]any, 0, len(elems))
	for _, e := range elems {
		if e == nil {
			continue
		}
		cells := make(map[string]any, len(t.ExpectedColumns))
		for _, c := range t.ExpectedColumns {
			cells[c] = jsonCell(e[c])
		}
		out = append(out, cells)
	}
	return out
}

// jsonCell maps a decoded JSON value onto a frame cell. Nested values stay
// JSON text.
func jsonCell(v any) any {
	switch x := v.(type) {
	case map[string]any, []any:
		b, err := json.Marshal(x)
		if err != nil {
			return nil
		}
		return string(b)
	default:
		return frame.Normalize(x)
	}
}
