// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/exceptions"
)

// GetBounds returns the region of f required, computed and iterated over by one iteration
// of this loop. Results are memoized per LoopNest.
//
// Outputs at the root use their estimates. Everything else is the union of the footprints
// of the consumers of f computed inside this loop.
func (l *LoopNest) GetBounds(f *dag.Node) *dag.Bound {
	if b, found := l.bounds[f]; found {
		return b
	}
	required := make([]dag.Span, f.Dimensions)
	if f.IsOutput && l.IsRoot() {
		copy(required, f.EstimatedRegion)
	} else {
		if len(f.OutgoingEdges) == 0 {
			exceptions.Panicf("no consumers of %s at loop over %s", f.Name, l.name())
		}
		for ii := range required {
			required[ii] = dag.EmptySpan()
		}
		for _, e := range f.OutgoingEdges {
			// Ignore consumers outside of this loop nest.
			if !l.IsRoot() && l.stage != e.Consumer && !l.stage.DownstreamOf(e.Consumer.Node) {
				continue
			}
			consumerBounds := l.GetBounds(e.Consumer.Node)
			e.ExpandFootprint(consumerBounds.Loops[e.Consumer.Index], required)
		}
	}
	b := f.MakeBound(required)
	l.bounds[f] = b
	return b
}

// setBounds overrides the memoized bounds of f. Only used while building a new LoopNest.
func (l *LoopNest) setBounds(f *dag.Node, b *dag.Bound) {
	l.bounds[f] = b
}

// GetBoundsAlongEdgeChain returns the bounds of f required by this loop's stage through
// the chain of edges, starting with an edge consumed by this stage and ending with an edge
// produced by f. Used to evaluate footprints of Funcs inlined into this stage.
func (l *LoopNest) GetBoundsAlongEdgeChain(f *dag.Node, chain []*dag.Edge) *dag.Bound {
	if len(chain) == 0 {
		exceptions.Panicf("GetBoundsAlongEdgeChain(%s): empty edge chain", f.Name)
	}
	if chain[0].Consumer != l.stage {
		exceptions.Panicf("GetBoundsAlongEdgeChain(%s): chain starts at %s, not at %s",
			f.Name, chain[0].Consumer.Name, l.name())
	}
	if chain[len(chain)-1].Producer != f {
		exceptions.Panicf("GetBoundsAlongEdgeChain(%s): chain ends at %s", f.Name, chain[len(chain)-1].Producer.Name)
	}
	current := l.GetBounds(chain[0].Consumer.Node)
	for _, e := range chain {
		producer := e.Producer
		required := make([]dag.Span, producer.Dimensions)
		for ii := range required {
			required[ii] = dag.EmptySpan()
		}
		e.ExpandFootprint(current.Loops[e.Consumer.Index], required)
		current = producer.MakeBound(required)
	}
	return current
}

// RegionComputedShrinks returns whether one iteration of this loop computes fewer points
// of f than one iteration of parent.
func (l *LoopNest) RegionComputedShrinks(f *dag.Node, parent *LoopNest) bool {
	here := l.GetBounds(f)
	atParent := parent.GetBounds(f)
	totalHere, totalAtParent := int64(1), int64(1)
	for ii := range f.Dimensions {
		totalHere *= here.Computed[ii].Extent()
		totalAtParent *= atParent.Computed[ii].Extent()
	}
	return totalHere < totalAtParent
}

// name is used in error messages.
func (l *LoopNest) name() string {
	if l.IsRoot() {
		return "root"
	}
	return l.stage.Name
}
