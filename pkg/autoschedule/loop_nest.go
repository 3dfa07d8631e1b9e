// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"encoding/binary"
	"fmt"
	"hash"
	"hash/fnv"
	"slices"
	"strings"

	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/support/sets"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// LoopNest is a node of the schedule tree: the root, or one loop over one stage of a Func.
//
// LoopNests are shared between search states: once a LoopNest is linked into a published
// tree it's never mutated again, except for its private bounds memo. Changes are made on a
// copy (see clone) which is then linked in place of the original.
type LoopNest struct {
	// size of each loop of the stage, in the stage's loop order. Empty for the root.
	size []int64

	// children are the loops (or Func computations) nested inside this one.
	children []*LoopNest

	// inlined Funcs into this loop, with the number of calls to each.
	inlined *orderedmap.OrderedMap[*dag.Node, int64]

	// storeAt holds the Funcs whose storage is allocated at this level.
	storeAt sets.Set[*dag.Node]

	// bounds memo: region of each Func required, computed and iterated over by one
	// iteration of this loop.
	bounds map[*dag.Node]*dag.Bound

	node  *dag.Node
	stage *dag.Stage

	// innermost loops have no children: they are the body of a stage.
	innermost bool

	// tileable loops can still be split further.
	tileable bool

	// parallel loops run their iterations concurrently.
	parallel bool

	// vectorDim is the storage dimension of node that is vectorized.
	vectorDim int

	// vectorizedLoopIndex is the index of the loop of the stage that is vectorized, or -1.
	vectorizedLoopIndex int

	gpuLabel GPULabel
}

// NewRoot returns an empty root LoopNest.
func NewRoot() *LoopNest {
	return &LoopNest{
		inlined:             orderedmap.New[*dag.Node, int64](),
		storeAt:             sets.Make[*dag.Node](),
		bounds:              make(map[*dag.Node]*dag.Bound),
		vectorDim:           -1,
		vectorizedLoopIndex: -1,
	}
}

// newLoopNest returns a LoopNest over the given stage, with empty collections.
func newLoopNest(node *dag.Node, stage *dag.Stage) *LoopNest {
	l := NewRoot()
	l.node = node
	l.stage = stage
	return l
}

// clone returns a shallow copy that can be mutated: children are shared, collections copied.
func (l *LoopNest) clone() *LoopNest {
	c := &LoopNest{
		size:                slices.Clone(l.size),
		children:            slices.Clone(l.children),
		inlined:             orderedmap.New[*dag.Node, int64](),
		storeAt:             l.storeAt.Clone(),
		bounds:              make(map[*dag.Node]*dag.Bound, len(l.bounds)),
		node:                l.node,
		stage:               l.stage,
		innermost:           l.innermost,
		tileable:            l.tileable,
		parallel:            l.parallel,
		vectorDim:           l.vectorDim,
		vectorizedLoopIndex: l.vectorizedLoopIndex,
		gpuLabel:            l.gpuLabel,
	}
	for pair := l.inlined.Oldest(); pair != nil; pair = pair.Next() {
		c.inlined.Set(pair.Key, pair.Value)
	}
	for f, b := range l.bounds {
		c.bounds[f] = b
	}
	return c
}

// IsRoot returns whether this is the root of the schedule.
func (l *LoopNest) IsRoot() bool { return l.node == nil }

// Node is the Func computed by this loop, nil for the root.
func (l *LoopNest) Node() *dag.Node { return l.node }

// Stage is the stage computed by this loop, nil for the root.
func (l *LoopNest) Stage() *dag.Stage { return l.stage }

// Size returns the extent of each loop of the stage.
func (l *LoopNest) Size() []int64 { return l.size }

// Children returns the nested loops. Don't modify the returned slice.
func (l *LoopNest) Children() []*LoopNest { return l.children }

// GPULabel returns the GPU parallelism of the loop.
func (l *LoopNest) GPULabel() GPULabel { return l.gpuLabel }

// Innermost returns whether the loop is the innermost body of a stage.
func (l *LoopNest) Innermost() bool { return l.innermost }

// Parallel returns whether the loop is parallelized.
func (l *LoopNest) Parallel() bool { return l.parallel }

// InlinedCalls returns the number of calls of f inlined at this level, or 0.
func (l *LoopNest) InlinedCalls(f *dag.Node) int64 {
	calls, _ := l.inlined.Get(f)
	return calls
}

// StoresAt returns whether the storage of f is allocated at this level.
func (l *LoopNest) StoresAt(f *dag.Node) bool { return l.storeAt.Has(f) }

// storeAtSorted returns the Funcs stored at this level in DAG order.
func (l *LoopNest) storeAtSorted() []*dag.Node {
	return l.storeAt.SortedFunc(func(a, b *dag.Node) int { return a.ID - b.ID })
}

// isGPUSerial returns whether the loop is a serial loop inside a GPU thread.
func (l *LoopNest) isGPUSerial(target Target) bool {
	return target.GPU && l.gpuLabel == GPUSerial
}

// isGPUThread returns whether the loop is a GPU thread loop.
func (l *LoopNest) isGPUThread(target Target) bool {
	return target.GPU && l.gpuLabel == GPUThread
}

// isGPUBlock returns whether the loop is a GPU block loop.
func (l *LoopNest) isGPUBlock(target Target) bool {
	return target.GPU && l.gpuLabel == GPUBlock
}

// Calls returns whether f is called by any stage computed, or inlined, inside this loop.
func (l *LoopNest) Calls(f *dag.Node) bool {
	for _, c := range l.children {
		if c.Calls(f) {
			return true
		}
	}
	for _, e := range f.OutgoingEdges {
		if e.Consumer == l.stage {
			return true
		}
		if _, found := l.inlined.Get(e.Consumer.Node); found {
			return true
		}
	}
	return false
}

// Computes returns whether f is computed, or inlined, inside this loop.
func (l *LoopNest) Computes(f *dag.Node) bool {
	if f == l.node {
		return true
	}
	if _, found := l.inlined.Get(f); found {
		return true
	}
	for _, c := range l.children {
		if c.Computes(f) {
			return true
		}
	}
	return false
}

// inlineFunc inlines f into every stage calling it inside this loop. It must only be called
// on unpublished copies: children calling f are copied before being modified.
func (l *LoopNest) inlineFunc(f *dag.Node) {
	for ii, c := range l.children {
		if c.Calls(f) {
			nc := c.clone()
			nc.inlineFunc(f)
			l.children[ii] = nc
		}
	}
	if l.innermost {
		var calls int64
		for _, e := range f.OutgoingEdges {
			if n, found := l.inlined.Get(e.Consumer.Node); found {
				calls += n * e.Calls
			}
			if e.Consumer == l.stage {
				calls += e.Calls
			}
		}
		if calls > 0 {
			l.inlined.Set(f, calls)
		}
	}
}

// InlineFunc returns a copy of the loop nest with f inlined into all its callers.
func (l *LoopNest) InlineFunc(f *dag.Node) *LoopNest {
	c := l.clone()
	c.inlineFunc(f)
	return c
}

// onlyComputing returns a copy of the loops of this nest over f, without the Funcs computed,
// stored or inlined inside them.
func (l *LoopNest) onlyComputing(f *dag.Node) *LoopNest {
	c := newLoopNest(l.node, l.stage)
	c.size = slices.Clone(l.size)
	c.innermost = l.innermost
	c.tileable = l.tileable
	c.parallel = l.parallel
	c.vectorDim = l.vectorDim
	c.vectorizedLoopIndex = l.vectorizedLoopIndex
	c.gpuLabel = l.gpuLabel
	if b, found := l.bounds[f]; found {
		c.bounds[f] = b
	}
	for _, child := range l.children {
		if child.node == f {
			c.children = append(c.children, child.onlyComputing(f))
		}
	}
	return c
}

// CollectAllInlined adds to inlined every Func inlined anywhere in this loop nest.
func (l *LoopNest) CollectAllInlined(inlined sets.Set[*dag.Node]) {
	if l.innermost {
		for pair := l.inlined.Oldest(); pair != nil; pair = pair.Next() {
			inlined.Insert(pair.Key)
		}
	}
	for _, c := range l.children {
		c.CollectAllInlined(inlined)
	}
}

// MaxInlinedCalls returns the largest number of calls to any single inlined Func in a
// stage body.
func (l *LoopNest) MaxInlinedCalls() int64 {
	var result int64
	for pair := l.inlined.Oldest(); pair != nil; pair = pair.Next() {
		result = max(result, pair.Value)
	}
	for _, c := range l.children {
		result = max(result, c.MaxInlinedCalls())
	}
	return result
}

// hashInt writes v to the hash in a canonical form.
func hashInt(h hash.Hash64, v int64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], uint64(v))
	_, _ = h.Write(buf[:])
}

// StructuralHash hashes the structure of the loop nest down to the given depth. Depth 0
// only covers what is stored, computed and inlined at this level; depth 1 adds whether the
// loops of the children are trivial; depth 2 adds their exact sizes; every further 2 levels
// descend one level in the tree.
func (l *LoopNest) StructuralHash(depth int) uint64 {
	h := fnv.New64a()
	l.structuralHash(h, depth)
	return h.Sum64()
}

func (l *LoopNest) structuralHash(h hash.Hash64, depth int) {
	if depth < 0 {
		return
	}
	for _, f := range l.storeAtSorted() {
		hashInt(h, int64(f.ID))
	}
	hashInt(h, -1)
	for _, c := range l.children {
		hashInt(h, int64(c.stage.ID))
	}
	hashInt(h, -1)
	for pair := l.inlined.Oldest(); pair != nil; pair = pair.Next() {
		hashInt(h, int64(pair.Key.ID))
	}
	hashInt(h, -1)
	if depth > 0 {
		for _, c := range l.children {
			for _, s := range c.size {
				if depth == 1 {
					// Only whether the loop is trivial.
					s = min(s-1, 1)
				}
				hashInt(h, s)
			}
			hashInt(h, int64(c.gpuLabel))
		}
		hashInt(h, int64(l.vectorizedLoopIndex))
		hashInt(h, int64(l.vectorDim))
	}
	if depth > 1 {
		for _, c := range l.children {
			c.structuralHash(h, depth-2)
		}
	}
}

// contentHash hashes the full structure of the loop nest.
func (l *LoopNest) contentHash() uint64 {
	return l.StructuralHash(1 << 20)
}

// Dump returns a human-readable tree of the loop nest.
func (l *LoopNest) Dump() string {
	var sb strings.Builder
	l.dump(&sb, "")
	return sb.String()
}

func (l *LoopNest) dump(sb *strings.Builder, prefix string) {
	if !l.IsRoot() {
		sb.WriteString(prefix)
		sb.WriteString(l.stage.Name)
		for ii, s := range l.size {
			_, _ = fmt.Fprintf(sb, " %d", s)
			if l.innermost && ii == l.vectorizedLoopIndex {
				sb.WriteString("v")
			}
		}
		if l.parallel {
			sb.WriteString(" p")
		}
		if l.gpuLabel != GPUNone {
			_, _ = fmt.Fprintf(sb, " gpu_%s", l.gpuLabel)
		}
		sb.WriteString("\n")
		prefix += " "
	}
	for _, f := range l.storeAtSorted() {
		_, _ = fmt.Fprintf(sb, "%srealize: %s\n", prefix, f.Name)
	}
	for ii := len(l.children) - 1; ii >= 0; ii-- {
		l.children[ii].dump(sb, prefix)
	}
	for pair := l.inlined.Oldest(); pair != nil; pair = pair.Next() {
		_, _ = fmt.Fprintf(sb, "%sinlined: %s %d\n", prefix, pair.Key.Name, pair.Value)
	}
}
