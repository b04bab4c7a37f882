// Package connector gives every source backend the same small capability
// surface: connect, run a query, stream a query in pages and report the
// min/max of a column.
package connector

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"time"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
)

var (
	ErrReadOnlyViolation = errors.New("write attempted on read-only connector")
	ErrSequenceConsumed  = errors.New("page sequence already consumed")
	ErrNotConnected      = errors.New("connector is not connected")
)

// ConnectionError is returned when a source cannot be reached. CooledDown is
// set when the attempt was skipped because of a recent failure.
type ConnectionError struct {
	DataSourceID int64
	Kind         Kind
	CooledDown   bool
	Until        time.Time
	Err          error
}

func (e *ConnectionError) Error() string {
	if e.CooledDown {
		return fmt.Sprintf("connect to data source %d (%s): cooling down until %s: %v",
			e.DataSourceID, e.Kind, e.Until.Format(time.RFC3339), e.Err)
	}
	return fmt.Sprintf("connect to data source %d (%s): %v", e.DataSourceID, e.Kind, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// MinMaxQuery asks for the bounds of Column in Table. Where is an optional
// predicate whose placeholders are bound to Args.
type MinMaxQuery struct {
	Table  string
	Column string
	Where  string
	Args   []any
}

// Connector is the capability set every backend implements.
type Connector interface {
	Connect(ctx context.Context) error
	// RunQuery returns every row of the result.
	RunQuery(ctx context.Context, query string, args ...any) (*frame.Frame, error)
	// FetchMany streams the result in pages of at most pageSize rows. The
	// sequence is finite and can be ranged over once.
	FetchMany(ctx context.Context, query string, pageSize int, args ...any) iter.Seq2[*frame.Frame, error]
	MinMax(ctx context.Context, q MinMaxQuery) (minV, maxV any, err error)
	Exec(ctx context.Context, query string, args ...any) (int64, error)
	Dialect() Dialect
	Close() error
}

// once wraps seq so that only the first range over it runs; later ones yield
// ErrSequenceConsumed.
func once(seq iter.Seq2[*frame.Frame, error]) iter.Seq2[*frame.Frame, error] {
	used := false
	return func(yield func(*frame.Frame, error) bool) {
		if used {
			yield(nil, ErrSequenceConsumed)
			return
		}
		used = true
		seq(yield)
	}
}
