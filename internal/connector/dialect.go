package connector

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/kiranshivaraju/factoryetl/pkg/timerange"
)

var ErrUnboundedRange = errors.New("query range has an unbounded side")

// PlaceholderStyle is how a driver spells bind parameters.
type PlaceholderStyle int

const (
	QuestionMark PlaceholderStyle = iota // ?
	Dollar                               // $1
	AtP                                  // @p1
	Colon                                // :1
)

// Dialect holds the SQL spelling differences between backends.
type Dialect struct {
	Name        string
	OpenQuote   string
	CloseQuote  string
	Placeholder PlaceholderStyle
	// UpperCase folds identifiers before quoting.
	UpperCase bool
}

var (
	SQLite    = Dialect{Name: "sqlite", OpenQuote: `"`, CloseQuote: `"`, Placeholder: QuestionMark}
	Postgres  = Dialect{Name: "postgres", OpenQuote: `"`, CloseQuote: `"`, Placeholder: Dollar}
	MySQL     = Dialect{Name: "mysql", OpenQuote: "`", CloseQuote: "`", Placeholder: QuestionMark}
	MSSQL     = Dialect{Name: "mssql", OpenQuote: "[", CloseQuote: "]", Placeholder: AtP}
	Oracle    = Dialect{Name: "oracle", OpenQuote: `"`, CloseQuote: `"`, Placeholder: Colon}
	Snowflake = Dialect{Name: "snowflake", OpenQuote: `"`, CloseQuote: `"`, Placeholder: QuestionMark}
)

// Quote quotes an identifier. Dotted names are quoted part by part.
func (d Dialect) Quote(ident string) string {
	parts := strings.Split(ident, ".")
	for i, p := range parts {
		if d.UpperCase {
			p = strings.ToUpper(p)
		}
		p = strings.ReplaceAll(p, d.CloseQuote, d.CloseQuote+d.CloseQuote)
		parts[i] = d.OpenQuote + p + d.CloseQuote
	}
	return strings.Join(parts, ".")
}

// Bind returns the placeholder for the n-th (1 based) parameter.
func (d Dialect) Bind(n int) string {
	switch d.Placeholder {
	case Dollar:
		return "$" + strconv.Itoa(n)
	case AtP:
		return "@p" + strconv.Itoa(n)
	case Colon:
		return ":" + strconv.Itoa(n)
	default:
		return "?"
	}
}

// Args accumulates bind values for one statement and hands out placeholders
// in order, so fragments built separately can be joined safely.
type Args struct {
	dialect Dialect
	values  []any
}

func NewArgs(d Dialect) *Args {
	return &Args{dialect: d}
}

// Add records v and returns its placeholder.
func (a *Args) Add(v any) string {
	a.values = append(a.values, v)
	return a.dialect.Bind(len(a.values))
}

func (a *Args) Values() []any { return a.values }

func (a *Args) Dialect() Dialect { return a.dialect }

// In returns a parenthesised placeholder list for vs.
func (a *Args) In(vs ...any) string {
	ph := make([]string, len(vs))
	for i, v := range vs {
		ph[i] = a.Add(v)
	}
	return "(" + strings.Join(ph, ", ") + ")"
}

// Range returns the predicate restricting the quoted column col to r:
// >= or > for the lower bound, <= or < for the upper one.
func (a *Args) Range(col string, r timerange.TimeRange) (string, error) {
	if r.HasUnboundedSide() {
		return "", fmt.Errorf("%s %s: %w", col, r, ErrUnboundedRange)
	}
	lower, upper := ">=", "<="
	if r.Min.Kind == timerange.Excluded {
		lower = ">"
	}
	if r.Max.Kind == timerange.Excluded {
		upper = "<"
	}
	return fmt.Sprintf("%s %s %s AND %s %s %s", col, lower, a.Add(r.Min.Value), col, upper, a.Add(r.Max.Value)), nil
}
