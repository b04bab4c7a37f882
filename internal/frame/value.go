package frame

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

var ErrConvert = errors.New("cannot convert value")

// Normalize maps a driver or decoder value onto the cell types a Frame holds.
func Normalize(v any) any {
	switch x := v.(type) {
	case nil:
		return nil
	case string, int64, bool:
		return x
	case []byte:
		return string(x)
	case int:
		return int64(x)
	case int8:
		return int64(x)
	case int16:
		return int64(x)
	case int32:
		return int64(x)
	case uint:
		return int64(x)
	case uint8:
		return int64(x)
	case uint16:
		return int64(x)
	case uint32:
		return int64(x)
	case uint64:
		return int64(x)
	case float32:
		return normalizeFloat(float64(x))
	case float64:
		return normalizeFloat(x)
	case json.Number:
		if i, err := x.Int64(); err == nil {
			return i
		}
		if f, err := x.Float64(); err == nil {
			return normalizeFloat(f)
		}
		return x.String()
	case time.Time:
		return x
	case *time.Time:
		if x == nil {
			return nil
		}
		return *x
	case fmt.Stringer:
		return x.String()
	default:
		return fmt.Sprint(x)
	}
}

func normalizeFloat(f float64) any {
	if math.IsNaN(f) {
		return nil
	}
	return f
}

// IsNull reports whether v is a missing cell.
func IsNull(v any) bool {
	if v == nil {
		return true
	}
	if f, ok := v.(float64); ok && math.IsNaN(f) {
		return true
	}
	return false
}

func rank(v any) int {
	switch v.(type) {
	case bool:
		return 1
	case int64, float64:
		return 2
	case time.Time:
		return 3
	case string:
		return 4
	default:
		return 5
	}
}

// Compare orders two non-null cells. Integers and floats compare numerically;
// values of different kinds are ordered by kind.
func Compare(a, b any) int {
	ra, rb := rank(a), rank(b)
	if ra != rb {
		if ra < rb {
			return -1
		}
		return 1
	}
	switch x := a.(type) {
	case bool:
		y := b.(bool)
		switch {
		case x == y:
			return 0
		case !x:
			return -1
		default:
			return 1
		}
	case int64:
		if y, ok := b.(int64); ok {
			return cmpOrdered(x, y)
		}
		return cmpOrdered(float64(x), b.(float64))
	case float64:
		if y, ok := b.(int64); ok {
			return cmpOrdered(x, float64(y))
		}
		return cmpOrdered(x, b.(float64))
	case time.Time:
		return x.Compare(b.(time.Time))
	case string:
		return strings.Compare(x, b.(string))
	default:
		return strings.Compare(fmt.Sprint(a), fmt.Sprint(b))
	}
}

func cmpOrdered[T int64 | float64](a, b T) int {
	switch {
	case a < b:
		return -1
	case a > b:
		return 1
	default:
		return 0
	}
}

// Key builds a canonical string for a tuple of cells, suitable as a map key.
// Integral floats key like integers and times are compared in UTC.
func Key(values ...any) string {
	var b strings.Builder
	for i, v := range values {
		if i > 0 {
			b.WriteByte(0x1f)
		}
		switch x := Normalize(v).(type) {
		case nil:
			b.WriteString("\x00")
		case string:
			b.WriteString("s:")
			b.WriteString(x)
		case int64:
			b.WriteString("n:")
			b.WriteString(strconv.FormatInt(x, 10))
		case float64:
			b.WriteString("n:")
			if x == math.Trunc(x) && math.Abs(x) < 1<<53 {
				b.WriteString(strconv.FormatInt(int64(x), 10))
			} else {
				b.WriteString(strconv.FormatFloat(x, 'g', -1, 64))
			}
		case bool:
			b.WriteString("b:")
			b.WriteString(strconv.FormatBool(x))
		case time.Time:
			b.WriteString("t:")
			b.WriteString(x.UTC().Format(time.RFC3339Nano))
		default:
			b.WriteString(fmt.Sprint(x))
		}
	}
	return b.String()
}

var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02 15:04:05.999999999 -0700 MST",
	"2006/01/02 15:04:05.999999999",
	"2006-01-02",
	"2006/01/02",
	"20060102150405",
}

// ParseTime accepts the datetime layouts sources commonly emit. Values without
// a zone are taken as UTC.
func ParseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	for _, layout := range timeLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t, nil
		}
	}
	return time.Time{}, fmt.Errorf("parse time %q: %w", s, ErrConvert)
}

// AsTime converts a cell to a timestamp.
func AsTime(v any) (time.Time, error) {
	switch x := Normalize(v).(type) {
	case time.Time:
		return x, nil
	case string:
		return ParseTime(x)
	default:
		return time.Time{}, fmt.Errorf("%T to time: %w", v, ErrConvert)
	}
}

// AsInt converts a cell to int64. Floats must be integral.
func AsInt(v any) (int64, error) {
	switch x := Normalize(v).(type) {
	case int64:
		return x, nil
	case float64:
		if x != math.Trunc(x) {
			return 0, fmt.Errorf("%v to integer: %w", x, ErrConvert)
		}
		return int64(x), nil
	case bool:
		if x {
			return 1, nil
		}
		return 0, nil
	case string:
		s := strings.TrimSpace(x)
		if i, err := strconv.ParseInt(s, 10, 64); err == nil {
			return i, nil
		}
		f, err := strconv.ParseFloat(s, 64)
		if err != nil || f != math.Trunc(f) {
			return 0, fmt.Errorf("%q to integer: %w", x, ErrConvert)
		}
		return int64(f), nil
	default:
		return 0, fmt.Errorf("%T to integer: %w", v, ErrConvert)
	}
}

// AsFloat converts a cell to float64.
func AsFloat(v any) (float64, error) {
	switch x := Normalize(v).(type) {
	case float64:
		return x, nil
	case int64:
		return float64(x), nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(x), 64)
		if err != nil {
			return 0, fmt.Errorf("%q to real: %w", x, ErrConvert)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("%T to real: %w", v, ErrConvert)
	}
}

// AsString renders a cell as text. Times use RFC 3339 and integral floats drop
// the fraction.
func AsString(v any) string {
	switch x := Normalize(v).(type) {
	case nil:
		return ""
	case string:
		return x
	case int64:
		return strconv.FormatInt(x, 10)
	case float64:
		return strconv.FormatFloat(x, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(x)
	case time.Time:
		return x.Format(time.RFC3339Nano)
	default:
		return fmt.Sprint(x)
	}
}
