// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dag models the pipeline being scheduled: a DAG of Nodes (Funcs), each with one
// or more Stages (the pure definition plus update definitions), connected by Edges that
// describe, in affine form, which region of the producer a region of the consumer needs.
//
// A FunctionDAG is immutable once built (see Builder) and can be shared by any number
// of concurrent searches.
package dag

import (
	"fmt"
	"strings"

	"github.com/gomlx/autosched/pkg/features"
	"github.com/gomlx/autosched/pkg/support/sets"
	"github.com/gomlx/exceptions"
)

// FunctionDAG is the graph of Nodes. Nodes are ordered consumers first: outputs come first
// and inputs last, which is the order in which the search makes its decisions.
type FunctionDAG struct {
	Nodes []*Node
	// Edges in no particular order.
	Edges []*Edge
	// NumStages is the total number of stages over all nodes. Stage.ID indexes [0, NumStages).
	NumStages int
}

// Stages returns all stages in node order.
func (d *FunctionDAG) Stages() []*Stage {
	stages := make([]*Stage, 0, d.NumStages)
	for _, n := range d.Nodes {
		stages = append(stages, n.Stages...)
	}
	return stages
}

// NodeByName returns the node with the given name, or nil.
func (d *FunctionDAG) NodeByName(name string) *Node {
	for _, n := range d.Nodes {
		if n.Name == name {
			return n
		}
	}
	return nil
}

// String returns a multi-line description of the DAG.
func (d *FunctionDAG) String() string {
	var sb strings.Builder
	for _, n := range d.Nodes {
		_, _ = fmt.Fprintf(&sb, "Node #%d %s: dims=%d bytes=%d", n.ID, n.Name, n.Dimensions, n.BytesPerPoint)
		if n.IsInput {
			sb.WriteString(" input")
		}
		if n.IsOutput {
			sb.WriteString(" output")
		}
		if n.IsPointwise {
			sb.WriteString(" pointwise")
		}
		sb.WriteString("\n")
		for _, s := range n.Stages {
			_, _ = fmt.Fprintf(&sb, "  Stage %s: vector_size=%d loops=[", s.Name, s.VectorSize)
			for ii, l := range s.Loops {
				if ii > 0 {
					sb.WriteString(" ")
				}
				sb.WriteString(l.Var)
			}
			sb.WriteString("]\n")
			for _, e := range s.IncomingEdges {
				_, _ = fmt.Fprintf(&sb, "    <- %s calls=%d\n", e.Producer.Name, e.Calls)
			}
		}
	}
	return sb.String()
}

// ComputePolicy describes how the computed region of one dimension of a Node relates to
// the region required by its consumers.
type ComputePolicy struct {
	// Whole means the full [Min, Max] range is always computed, whatever is required
	// (e.g. the bins of a histogram).
	Whole    bool
	Min, Max int64
}

// Node is a Func of the pipeline.
type Node struct {
	ID   int
	Name string
	// Args are the names of the pure variables, innermost (storage dimension 0) first.
	Args          []string
	Dimensions    int
	BytesPerPoint int64
	Type          features.ScalarType

	Stages        []*Stage
	OutgoingEdges []*Edge

	// EstimatedRegion is the region of the Node required by the whole pipeline: given by
	// the user for outputs and inputs, inferred from the outputs for everything else.
	EstimatedRegion []Span

	IsInput  bool
	IsOutput bool
	// IsPointwise: single stage and every access to its producers is pointwise.
	IsPointwise bool
	// IsBoundaryCondition marks pure boundary-condition Funcs (always worth inlining).
	IsBoundaryCondition bool
	// IsWrapper marks Funcs that only copy another Func (e.g. staging wrappers).
	IsWrapper bool

	Policy []ComputePolicy
}

// String implements fmt.Stringer.
func (n *Node) String() string { return n.Name }

// RequiredToComputed maps a required region to the region that will actually be computed.
func (n *Node) RequiredToComputed(required []Span) []Span {
	computed := make([]Span, len(required))
	for ii, r := range required {
		if ii < len(n.Policy) && n.Policy[ii].Whole {
			computed[ii] = NewSpan(n.Policy[ii].Min, n.Policy[ii].Max, true)
		} else {
			computed[ii] = r
		}
	}
	return computed
}

// LoopNestForRegion returns the loop bounds of the given stage when computing the region.
func (n *Node) LoopNestForRegion(stageIdx int, computed []Span) []Span {
	s := n.Stages[stageIdx]
	loops := make([]Span, len(s.Loops))
	for ii, l := range s.Loops {
		if l.Pure {
			loops[ii] = computed[l.PureDim]
		} else {
			loops[ii] = NewSpan(l.Min, l.Max, true)
		}
	}
	return loops
}

// MakeBound allocates a bound for the node with the given required region, filling
// in the computed region and the loops of every stage.
func (n *Node) MakeBound(required []Span) *Bound {
	b := &Bound{Required: required}
	b.Computed = n.RequiredToComputed(required)
	b.Loops = make([][]Span, len(n.Stages))
	for ii := range n.Stages {
		b.Loops[ii] = n.LoopNestForRegion(ii, b.Computed)
	}
	return b
}

// Loop is one loop dimension of a stage.
type Loop struct {
	Var string
	// Pure loops iterate over storage dimension PureDim, over the computed region.
	Pure    bool
	PureDim int
	// RVar loops iterate over a reduction domain with the constant bounds [Min, Max].
	RVar     bool
	Min, Max int64
}

// Stage is one definition of a Node: index 0 is the pure definition, others are updates.
type Stage struct {
	Node  *Node
	Index int
	// ID is unique in the DAG, in [0, FunctionDAG.NumStages).
	ID   int
	Name string

	// Loops are ordered innermost first.
	Loops []Loop
	// VectorSize is the natural vector width of the target for this stage's type.
	VectorSize int64

	Features      features.PipelineFeatures
	IncomingEdges []*Edge
	// StoreJacobian maps the stage loops to the storage coordinates of the Node.
	StoreJacobian LoadJacobian

	// upstream holds the IDs of every node this stage depends on, directly or not.
	upstream sets.Set[int]
}

// String implements fmt.Stringer.
func (s *Stage) String() string { return s.Name }

// DownstreamOf returns whether the stage depends, directly or transitively, on node n.
func (s *Stage) DownstreamOf(n *Node) bool {
	return s.upstream.Has(n.ID)
}

// NumPureLoops returns the number of pure loops of the stage.
func (s *Stage) NumPureLoops() int {
	count := 0
	for _, l := range s.Loops {
		if l.Pure {
			count++
		}
	}
	return count
}

// BoundInfo is one side (min or max) of the region of a producer dimension, as an affine
// function of one consumer loop: floor((Coeff * loop + Constant) / Divisor).
//
// With Coeff == 0 the bound is Constant. Non-affine bounds fall back to the producer's
// estimated region.
type BoundInfo struct {
	Coeff, Constant, Divisor int64
	ConsumerDim              int
	Affine                   bool
}

func (b BoundInfo) eval(loop []Span, isMax bool, fallback int64) (value int64, constant bool) {
	if !b.Affine {
		return fallback, false
	}
	if b.Coeff == 0 {
		return floorDiv(b.Constant, b.Divisor), true
	}
	src := loop[b.ConsumerDim]
	useMax := isMax == (b.Coeff > 0)
	v := src.Min
	if useMax {
		v = src.Max
	}
	return floorDiv(v*b.Coeff+b.Constant, b.Divisor), src.ConstantExtent
}

// EdgeBound holds the min and max bound of one producer dimension.
type EdgeBound struct {
	Min, Max BoundInfo
}

// Edge connects a producer Node to a consumer Stage.
type Edge struct {
	Producer *Node
	Consumer *Stage
	// Calls is the number of call sites of Producer in the consumer stage definition.
	Calls int64
	// Bounds is indexed by producer dimension.
	Bounds          []EdgeBound
	AllBoundsAffine bool
	// LoadJacobians of the distinct access patterns, with counts.
	LoadJacobians []LoadJacobian
}

// String implements fmt.Stringer.
func (e *Edge) String() string {
	return fmt.Sprintf("%s->%s", e.Producer.Name, e.Consumer.Name)
}

// ExpandFootprint unions into producerRequired the region of the producer needed to
// compute the consumer loops. Non-affine bounds take the estimated region of the producer;
// while the estimate is not known yet they add nothing.
func (e *Edge) ExpandFootprint(consumerLoops []Span, producerRequired []Span) {
	if len(consumerLoops) != len(e.Consumer.Loops) {
		exceptions.Panicf("Edge %s: ExpandFootprint got %d consumer loops, stage has %d",
			e, len(consumerLoops), len(e.Consumer.Loops))
	}
	for ii, b := range e.Bounds {
		est := EmptySpan()
		if ii < len(e.Producer.EstimatedRegion) {
			est = e.Producer.EstimatedRegion[ii]
		}
		lo, c0 := b.Min.eval(consumerLoops, false, est.Min)
		hi, c1 := b.Max.eval(consumerLoops, true, est.Max)
		producerRequired[ii] = producerRequired[ii].Union(NewSpan(lo, hi, c0 && c1))
	}
}

func floorDiv(a, b int64) int64 {
	if b == 0 || b == 1 {
		return a
	}
	q := a / b
	if (a%b != 0) && ((a < 0) != (b < 0)) {
		q--
	}
	return q
}
