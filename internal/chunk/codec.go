package chunk

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/klauspost/compress/gzip"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
)

var ErrCorrupt = errors.New("corrupt chunk")

// Column kinds recorded in the header so cells decode to the type they were
// written with.
const (
	kindString = "string"
	kindInt    = "int"
	kindFloat  = "float"
	kindBool   = "bool"
	kindTime   = "time"
	kindAny    = "any"
)

type header struct {
	Columns []string `json:"columns"`
	Kinds   []string `json:"kinds"`
	Rows    int      `json:"rows"`
}

func kindOf(v any) string {
	switch v.(type) {
	case string:
		return kindString
	case int64:
		return kindInt
	case float64:
		return kindFloat
	case bool:
		return kindBool
	case time.Time:
		return kindTime
	default:
		return kindAny
	}
}

func columnKinds(f *frame.Frame) []string {
	cols := f.Columns()
	kinds := make([]string, len(cols))
	for j, c := range cols {
		kind := ""
		for _, v := range f.Column(c) {
			v = frame.Normalize(v)
			if v == nil {
				continue
			}
			k := kindOf(v)
			switch {
			case kind == "":
				kind = k
			case kind == k:
			case (kind == kindInt && k == kindFloat) || (kind == kindFloat && k == kindInt):
				kind = kindFloat
			default:
				kind = kindAny
			}
		}
		if kind == "" {
			kind = kindAny
		}
		kinds[j] = kind
	}
	return kinds
}

func encodeCell(v any) any {
	switch x := frame.Normalize(v).(type) {
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return x
	}
}

// Encode writes f as gzip-compressed JSON lines: one header line followed by
// one JSON array per row.
func Encode(w io.Writer, f *frame.Frame) error {
	zw := gzip.NewWriter(w)
	enc := json.NewEncoder(zw)

	h := header{Columns: f.Columns(), Kinds: columnKinds(f), Rows: f.Len()}
	if err := enc.Encode(h); err != nil {
		return fmt.Errorf("encode chunk header: %w", err)
	}

	row := make([]any, f.Width())
	for i := 0; i < f.Len(); i++ {
		for j, c := range h.Columns {
			row[j] = encodeCell(f.Value(i, c))
		}
		if err := enc.Encode(row); err != nil {
			return fmt.Errorf("encode chunk row %d: %w", i, err)
		}
	}

	if err := zw.Close(); err != nil {
		return fmt.Errorf("close chunk writer: %w", err)
	}
	return nil
}

// Decode reads a frame written by Encode.
func Decode(r io.Reader) (*frame.Frame, error) {
	zr, err := gzip.NewReader(r)
	if err != nil {
		return nil, fmt.Errorf("open chunk reader: %w", err)
	}
	defer zr.Close()

	dec := json.NewDecoder(bufio.NewReader(zr))
	dec.UseNumber()

	var h header
	if err := dec.Decode(&h); err != nil {
		return nil, fmt.Errorf("decode chunk header: %w", err)
	}
	if len(h.Kinds) != len(h.Columns) {
		return nil, fmt.Errorf("header has %d columns and %d kinds: %w", len(h.Columns), len(h.Kinds), ErrCorrupt)
	}

	f := frame.Empty(h.Columns...)
	for {
		var raw []any
		err := dec.Decode(&raw)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("decode chunk row %d: %w", f.Len(), err)
		}
		if len(raw) != len(h.Columns) {
			return nil, fmt.Errorf("row %d has %d cells, want %d: %w", f.Len(), len(raw), len(h.Columns), ErrCorrupt)
		}
		row := make([]any, len(raw))
		for j, v := range raw {
			cell, err := decodeCell(v, h.Kinds[j])
			if err != nil {
				return nil, fmt.Errorf("row %d column %q: %w", f.Len(), h.Columns[j], err)
			}
			row[j] = cell
		}
		f.Append(row...)
	}

	if h.Rows != f.Len() {
		return nil, fmt.Errorf("header promises %d rows, read %d: %w", h.Rows, f.Len(), ErrCorrupt)
	}
	return f, nil
}

func decodeCell(v any, kind string) (any, error) {
	if v == nil {
		return nil, nil
	}
	switch kind {
	case kindTime:
		s, ok := v.(string)
		if !ok {
			return nil, fmt.Errorf("time cell is %T: %w", v, ErrCorrupt)
		}
		return time.Parse(time.RFC3339Nano, s)
	case kindInt:
		return frame.AsInt(v)
	case kindFloat:
		return frame.AsFloat(v)
	default:
		return frame.Normalize(v), nil
	}
}
