// Package timerange implements interval arithmetic over timestamps where each
// bound is included, excluded or unbounded.
//
// The pull planner uses it to answer "what is new": the selectable window of a
// source minus the window that has already been pulled.
package timerange

import (
	"fmt"
	"time"
)

// Kind describes how a bound participates in the range.
type Kind int

const (
	Unbounded Kind = iota
	Included
	Excluded
)

func (k Kind) String() string {
	switch k {
	case Included:
		return "INCLUDED"
	case Excluded:
		return "EXCLUDED"
	default:
		return "UNBOUNDED"
	}
}

// Bound is one end of a TimeRange. Value is meaningful only when Kind is not Unbounded.
type Bound struct {
	Kind  Kind
	Value time.Time
}

// IncludedBound returns a closed bound at t.
func IncludedBound(t time.Time) Bound { return Bound{Kind: Included, Value: t} }

// ExcludedBound returns an open bound at t.
func ExcludedBound(t time.Time) Bound { return Bound{Kind: Excluded, Value: t} }

// UnboundedBound returns a bound with no value.
func UnboundedBound() Bound { return Bound{Kind: Unbounded} }

// BoundFrom returns an included bound for a non-nil t and an unbounded one otherwise.
func BoundFrom(t *time.Time) Bound {
	if t == nil {
		return UnboundedBound()
	}
	return IncludedBound(*t)
}

func (b Bound) IsUnbounded() bool { return b.Kind == Unbounded }

func (b Bound) equal(o Bound) bool {
	if b.Kind != o.Kind {
		return false
	}
	return b.Kind == Unbounded || b.Value.Equal(o.Value)
}

// flip turns the upper end of a removed interval into the lower end of what
// remains (and vice versa): [x becomes x) and (x becomes x].
func (b Bound) flip() Bound {
	switch b.Kind {
	case Included:
		return ExcludedBound(b.Value)
	case Excluded:
		return IncludedBound(b.Value)
	default:
		return b
	}
}

// compareLower orders two lower bounds: negative when a starts before b.
// Unbounded starts before everything; at equal values an included bound
// starts before an excluded one.
func compareLower(a, b Bound) int {
	switch {
	case a.IsUnbounded() && b.IsUnbounded():
		return 0
	case a.IsUnbounded():
		return -1
	case b.IsUnbounded():
		return 1
	}
	if c := a.Value.Compare(b.Value); c != 0 {
		return c
	}
	switch {
	case a.Kind == b.Kind:
		return 0
	case a.Kind == Included:
		return -1
	default:
		return 1
	}
}

// compareUpper orders two upper bounds: negative when a ends before b.
func compareUpper(a, b Bound) int {
	switch {
	case a.IsUnbounded() && b.IsUnbounded():
		return 0
	case a.IsUnbounded():
		return 1
	case b.IsUnbounded():
		return -1
	}
	if c := a.Value.Compare(b.Value); c != 0 {
		return c
	}
	switch {
	case a.Kind == b.Kind:
		return 0
	case a.Kind == Excluded:
		return -1
	default:
		return 1
	}
}

// TimeRange is an immutable interval. The zero value has both bounds
// unbounded, which is treated as "nothing known" (see IsEmpty).
type TimeRange struct {
	Min Bound
	Max Bound
}

// New builds a range from two bounds.
func New(min, max Bound) TimeRange {
	return TimeRange{Min: min, Max: max}
}

// Closed builds [from, to].
func Closed(from, to time.Time) TimeRange {
	return TimeRange{Min: IncludedBound(from), Max: IncludedBound(to)}
}

// Empty returns the range with both bounds unbounded.
func Empty() TimeRange {
	return TimeRange{}
}

// IsEmpty reports whether r carries no instant: either both bounds are
// unbounded (nothing recorded) or the bounds cross.
func (r TimeRange) IsEmpty() bool {
	if r.Min.IsUnbounded() && r.Max.IsUnbounded() {
		return true
	}
	if r.Min.IsUnbounded() || r.Max.IsUnbounded() {
		return false
	}
	c := r.Min.Value.Compare(r.Max.Value)
	if c > 0 {
		return true
	}
	if c == 0 {
		return r.Min.Kind == Excluded || r.Max.Kind == Excluded
	}
	return false
}

// HasUnboundedSide reports whether at least one bound is unbounded.
func (r TimeRange) HasUnboundedSide() bool {
	return r.Min.IsUnbounded() || r.Max.IsUnbounded()
}

// Equal compares bound kinds and instants.
func (r TimeRange) Equal(o TimeRange) bool {
	return r.Min.equal(o.Min) && r.Max.equal(o.Max)
}

// Contains reports whether t lies inside r.
func (r TimeRange) Contains(t time.Time) bool {
	if r.IsEmpty() {
		return false
	}
	point := IncludedBound(t)
	return compareLower(r.Min, point) <= 0 && compareUpper(point, r.Max) <= 0
}

// Intersect returns the tightest range contained in both r and o. The boolean is
// false when they do not overlap. A fully unbounded operand yields the other one.
func (r TimeRange) Intersect(o TimeRange) (TimeRange, bool) {
	if r.Min.IsUnbounded() && r.Max.IsUnbounded() {
		return o, !o.IsEmpty() || (o.Min.IsUnbounded() && o.Max.IsUnbounded())
	}
	if o.Min.IsUnbounded() && o.Max.IsUnbounded() {
		return r, !r.IsEmpty()
	}

	min := r.Min
	if compareLower(o.Min, r.Min) > 0 {
		min = o.Min
	}
	max := r.Max
	if compareUpper(o.Max, r.Max) < 0 {
		max = o.Max
	}

	out := TimeRange{Min: min, Max: max}
	if out.IsEmpty() {
		return TimeRange{}, false
	}
	return out, true
}

// Different subtracts pulled from r. The result has zero, one or two ranges in
// ascending order and never contains an empty range.
func (r TimeRange) Different(pulled TimeRange) []TimeRange {
	if r.IsEmpty() {
		return nil
	}
	if pulled.IsEmpty() {
		return []TimeRange{r}
	}

	overlap, ok := r.Intersect(pulled)
	if !ok {
		return []TimeRange{r}
	}

	var out []TimeRange

	if !overlap.Min.IsUnbounded() && compareLower(r.Min, overlap.Min) < 0 {
		before := TimeRange{Min: r.Min, Max: overlap.Min.flip()}
		if !before.IsEmpty() {
			out = append(out, before)
		}
	}

	if !overlap.Max.IsUnbounded() && compareUpper(overlap.Max, r.Max) < 0 {
		after := TimeRange{Min: overlap.Max.flip(), Max: r.Max}
		if !after.IsEmpty() {
			out = append(out, after)
		}
	}

	return out
}

func (r TimeRange) String() string {
	lower := "(-inf"
	switch r.Min.Kind {
	case Included:
		lower = "[" + r.Min.Value.Format(time.RFC3339Nano)
	case Excluded:
		lower = "(" + r.Min.Value.Format(time.RFC3339Nano)
	}
	upper := "+inf)"
	switch r.Max.Kind {
	case Included:
		upper = r.Max.Value.Format(time.RFC3339Nano) + "]"
	case Excluded:
		upper = r.Max.Value.Format(time.RFC3339Nano) + ")"
	}
	return fmt.Sprintf("%s, %s", lower, upper)
}
