// Package pull copies new source rows into per-process chunk files. For every
// process it works out which part of the source time range has not been
// pulled yet, fetches exactly that part and records the widened pull history.
package pull

import (
	"errors"
	"fmt"
	"time"

	"github.com/kiranshivaraju/factoryetl/pkg/timerange"
)

const (
	DefaultPageSize  = 1_000_000
	DefaultChunkRows = 20_000
	DefaultLookback  = 30 * 24 * time.Hour
)

var (
	ErrUnboundedFactoryRange = errors.New("factory time range has an unbounded side")
	ErrUnsupportedPull       = errors.New("unsupported pull for process")
)

// ConfigError reports a process whose configuration or source data cannot be
// planned. It aborts the pull of the data source.
type ConfigError struct {
	ProcessID int64
	Err       error
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("process %d: %v", e.ProcessID, e.Err)
}

func (e *ConfigError) Unwrap() error { return e.Err }

// Plan returns the sub-ranges of the factory range still to fetch.
//
// The selected window runs from pullFrom (or now minus lookback, pushed back
// below the factory maximum when that is already past it) up to now. It is
// intersected with the factory range and what was already pulled is removed.
func Plan(now time.Time, lookback time.Duration, pullFrom *time.Time, factory, pulled timerange.TimeRange) ([]timerange.TimeRange, error) {
	if factory.HasUnboundedSide() {
		return nil, fmt.Errorf("%s: %w", factory, ErrUnboundedFactoryRange)
	}

	var from time.Time
	if pullFrom != nil {
		from = *pullFrom
	} else {
		from = now.Add(-lookback)
		if from.After(factory.Max.Value) {
			from = factory.Max.Value.Add(-lookback)
		}
	}

	selectable, ok := timerange.Closed(from, now).Intersect(factory)
	if !ok {
		return nil, nil
	}
	return selectable.Different(pulled), nil
}
