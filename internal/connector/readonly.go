package connector

import (
	"context"
	"fmt"
	"iter"
	"strings"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
)

// readOnly rejects anything that is not a query.
type readOnly struct {
	Connector
}

// ReadOnlyConnector wraps c so that writes fail with ErrReadOnlyViolation.
func ReadOnlyConnector(c Connector) Connector {
	if ro, ok := c.(readOnly); ok {
		return ro
	}
	return readOnly{Connector: c}
}

func (r readOnly) RunQuery(ctx context.Context, query string, args ...any) (*frame.Frame, error) {
	if err := checkReadOnly(query); err != nil {
		return nil, err
	}
	return r.Connector.RunQuery(ctx, query, args...)
}

func (r readOnly) FetchMany(ctx context.Context, query string, pageSize int, args ...any) iter.Seq2[*frame.Frame, error] {
	if err := checkReadOnly(query); err != nil {
		return once(func(yield func(*frame.Frame, error) bool) { yield(nil, err) })
	}
	return r.Connector.FetchMany(ctx, query, pageSize, args...)
}

func (r readOnly) Exec(_ context.Context, query string, _ ...any) (int64, error) {
	return 0, fmt.Errorf("exec %q: %w", firstWord(query), ErrReadOnlyViolation)
}

func checkReadOnly(query string) error {
	switch strings.ToUpper(firstWord(query)) {
	case "SELECT", "WITH", "SHOW", "DESCRIBE", "EXPLAIN":
	default:
		return fmt.Errorf("statement %q: %w", firstWord(query), ErrReadOnlyViolation)
	}
	if multipleStatements(query) {
		return fmt.Errorf("multiple statements: %w", ErrReadOnlyViolation)
	}
	return nil
}

// firstWord skips leading whitespace, comments and parentheses.
func firstWord(query string) string {
	q := query
	for {
		q = strings.TrimLeft(q, " \t\r\n(")
		switch {
		case strings.HasPrefix(q, "--"):
			if i := strings.IndexByte(q, '\n'); i >= 0 {
				q = q[i+1:]
				continue
			}
			return ""
		case strings.HasPrefix(q, "/*"):
			if i := strings.Index(q, "*/"); i >= 0 {
				q = q[i+2:]
				continue
			}
			return ""
		}
		break
	}
	end := strings.IndexFunc(q, func(r rune) bool {
		return r == ' ' || r == '\t' || r == '\n' || r == '\r' || r == '('
	})
	if end < 0 {
		return q
	}
	return q[:end]
}

// multipleStatements reports a ';' followed by more SQL outside of quotes.
func multipleStatements(query string) bool {
	var quote rune
	for i, r := range query {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			}
		case r == '\'' || r == '"' || r == '`':
			quote = r
		case r == ';':
			if strings.TrimSpace(query[i+1:]) != "" {
				return true
			}
		}
	}
	return false
}
