// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dag

import (
	"fmt"
	"math"
	"slices"
)

// Span is a closed integer interval [Min, Max] of a loop or of a storage dimension.
//
// ConstantExtent reports whether the extent is known at compile time of the scheduled
// pipeline (as opposed to depending on runtime values).
//
// A Span with Max < Min is empty; Extent returns 0 for it.
type Span struct {
	Min, Max       int64
	ConstantExtent bool
}

// NewSpan returns the span [min, max].
func NewSpan(min, max int64, constantExtent bool) Span {
	return Span{Min: min, Max: max, ConstantExtent: constantExtent}
}

// EmptySpan is the identity element of Span.Union.
func EmptySpan() Span {
	return Span{Min: math.MaxInt64, Max: math.MinInt64, ConstantExtent: true}
}

// IsEmpty returns whether the span contains no points.
func (s Span) IsEmpty() bool {
	return s.Max < s.Min
}

// Extent is the number of points in the span.
func (s Span) Extent() int64 {
	if s.IsEmpty() {
		return 0
	}
	return s.Max - s.Min + 1
}

// Union returns the smallest span containing both s and other.
func (s Span) Union(other Span) Span {
	if other.IsEmpty() {
		return s
	}
	if s.IsEmpty() {
		return other
	}
	return Span{
		Min:            min(s.Min, other.Min),
		Max:            max(s.Max, other.Max),
		ConstantExtent: s.ConstantExtent && other.ConstantExtent,
	}
}

// Translate shifts the span by delta.
func (s Span) Translate(delta int64) Span {
	s.Min += delta
	s.Max += delta
	return s
}

// WithExtent keeps Min and sets the span extent.
func (s Span) WithExtent(extent int64) Span {
	s.Max = s.Min + extent - 1
	return s
}

// Covers returns whether s contains every point of other.
func (s Span) Covers(other Span) bool {
	if other.IsEmpty() {
		return true
	}
	return s.Min <= other.Min && s.Max >= other.Max
}

// String implements fmt.Stringer.
func (s Span) String() string {
	if s.IsEmpty() {
		return "[empty]"
	}
	c := ""
	if s.ConstantExtent {
		c = " const"
	}
	return fmt.Sprintf("[%d, %d]%s", s.Min, s.Max, c)
}

// Bound holds, for one Node at one loop level, the region required by its consumers,
// the region that will actually be computed and, for each stage, the loop bounds used
// to compute that region.
//
// Bounds are shared between loop nests: once published they must not be modified.
// Use Clone to derive a new one.
type Bound struct {
	Required []Span
	Computed []Span
	// Loops is indexed by stage index, then by loop index within the stage.
	Loops [][]Span
}

// Clone returns a deep copy of the bound.
func (b *Bound) Clone() *Bound {
	c := &Bound{
		Required: slices.Clone(b.Required),
		Computed: slices.Clone(b.Computed),
		Loops:    make([][]Span, len(b.Loops)),
	}
	for ii, l := range b.Loops {
		c.Loops[ii] = slices.Clone(l)
	}
	return c
}

// ComputedSize returns the number of points in the computed region.
func (b *Bound) ComputedSize() int64 {
	size := int64(1)
	for _, s := range b.Computed {
		size *= s.Extent()
	}
	return size
}
