// Package transform reshapes pulled chunks before import: JSON flattening,
// master data joins, code to name resolution and vertical to horizontal
// pivots, composed into pipelines.
package transform

import (
	"context"
	"fmt"
	"log/slog"
	"maps"

	"github.com/kiranshivaraju/factoryetl/internal/frame"
)

// Data is the value passed between pipeline steps. NameUnit accumulates the
// unit of every pivoted measurement column.
type Data struct {
	Frame    *frame.Frame
	NameUnit map[string]string
}

func NewData(f *frame.Frame) Data {
	return Data{Frame: f, NameUnit: map[string]string{}}
}

// WithFrame returns a copy of d carrying f.
func (d Data) WithFrame(f *frame.Frame) Data {
	return Data{Frame: f, NameUnit: maps.Clone(d.NameUnit)}
}

// WithNameUnit returns a copy of d carrying m.
func (d Data) WithNameUnit(m map[string]string) Data {
	return Data{Frame: d.Frame, NameUnit: maps.Clone(m)}
}

// Transformer is one pipeline step. Implementations must not modify the
// frame they receive.
type Transformer interface {
	Name() string
	Transform(ctx context.Context, in Data) (Data, error)
}

// StepError identifies the step that aborted a pipeline.
type StepError struct {
	Index int
	Step  string
	Err   error
}

func (e *StepError) Error() string {
	return fmt.Sprintf("transform step %d (%s): %v", e.Index, e.Step, e.Err)
}

func (e *StepError) Unwrap() error { return e.Err }

// Pipeline runs transformers in order.
type Pipeline struct {
	steps []Transformer
}

func NewPipeline(steps ...Transformer) *Pipeline {
	return &Pipeline{steps: steps}
}

// Steps lists the step names in run order.
func (p *Pipeline) Steps() []string {
	names := make([]string, len(p.steps))
	for i, s := range p.steps {
		names[i] = s.Name()
	}
	return names
}

// Run applies every step. The first failure aborts the run with a *StepError
// and nothing of the partial result is returned.
func (p *Pipeline) Run(ctx context.Context, in Data) (Data, error) {
	if in.NameUnit == nil {
		in.NameUnit = map[string]string{}
	}
	data := in
	for i, step := range p.steps {
		if err := ctx.Err(); err != nil {
			return Data{}, err
		}
		out, err := step.Transform(ctx, data)
		if err != nil {
			slog.Error("transform step failed", "step", step.Name(), "index", i, "error", err)
			return Data{}, &StepError{Index: i, Step: step.Name(), Err: err}
		}
		data = out
	}
	return data, nil
}
