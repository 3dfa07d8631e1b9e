// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"testing"

	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/dag/dagtest"
	"github.com/gomlx/autosched/pkg/support/sets"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// cpuTarget is a CPU with 16 bytes vectors, independent of the machine running the tests.
var cpuTarget = Target{VectorBytes: dagtest.VectorBytes}

// requireWellFormed checks the invariants of a schedule tree: no loop is reachable twice,
// stage bodies are leaves, loop sizes match their stage and GPU labels nest properly.
func requireWellFormed(t *testing.T, root *LoopNest, target Target) {
	t.Helper()
	require.True(t, root.IsRoot())
	visited := sets.Make[*LoopNest]()
	var walk func(l, parent *LoopNest)
	walk = func(l, parent *LoopNest) {
		require.False(t, visited.Has(l), "loop over %s reachable twice:\n%s", l.name(), root.Dump())
		visited.Insert(l)
		if !l.IsRoot() {
			require.Len(t, l.size, len(l.stage.Loops), "loop over %s", l.name())
			for _, s := range l.size {
				require.GreaterOrEqual(t, s, int64(1), "loop over %s:\n%s", l.name(), root.Dump())
			}
		}
		if l.innermost {
			require.Empty(t, l.children, "innermost loop over %s has children:\n%s", l.name(), root.Dump())
		}
		if target.GPU && !l.IsRoot() {
			switch l.gpuLabel {
			case GPUBlock, GPUParallelized:
				require.True(t, parent.IsRoot(), "%s loop over %s not at the root:\n%s", l.gpuLabel, l.name(), root.Dump())
			case GPUThread:
				require.False(t, parent.IsRoot(), "thread loop over %s at the root:\n%s", l.name(), root.Dump())
			case GPUSerial:
				require.False(t, parent.IsRoot(), "serial loop over %s at the root:\n%s", l.name(), root.Dump())
			case GPUSimd:
				require.True(t, l.innermost, "simd loop over %s is not innermost:\n%s", l.name(), root.Dump())
			}
		}
		for _, c := range l.children {
			require.NotNil(t, c.stage)
			walk(c, l)
		}
	}
	walk(root, nil)
}

func TestGPULabelTransitions(t *testing.T) {
	for label, want := range map[GPULabel]gpuSplit{
		GPUNone:         {GPUParallelized, GPUSerial},
		GPUParallelized: {GPUBlock, GPUThread},
		GPUThread:       {GPUThread, GPUSerial},
		GPUSerial:       {GPUSerial, GPUSerial},
	} {
		outer, inner := label.split()
		assert.Equal(t, want, gpuSplit{outer, inner}, "splitting %s", label)
	}
	assert.Panics(t, func() { GPUSimd.split() })
	assert.Panics(t, func() { GPUBlock.split() })
	assert.Equal(t, "thread", GPUThread.String())
	assert.Equal(t, "GPULabel(17)", GPULabel(17).String())

	assert.Equal(t, GPUNone, computeHereLabel(true, false))
	assert.Equal(t, GPUThread, computeHereLabel(false, false))
	assert.Equal(t, GPUSerial, computeHereLabel(false, true))
}

func TestComputeHere(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	g := d.NodeByName("g")
	params := DefaultParams()
	root := NewRoot()

	newRoot, skipped := root.ComputeHere(g, true, 0, false, &params, cpuTarget)
	assert.False(t, skipped)
	assert.Empty(t, root.Children(), "ComputeHere must not modify the original")
	require.Len(t, newRoot.Children(), 1)

	loop := newRoot.Children()[0]
	assert.Equal(t, g, loop.Node())
	assert.Equal(t, []int64{256}, loop.Size(), "1024 float32 in vectors of 4")
	assert.False(t, loop.Innermost())
	require.Len(t, loop.Children(), 1)
	vector := loop.Children()[0]
	assert.True(t, vector.Innermost())
	assert.Equal(t, GPUSimd, vector.GPULabel())
	assert.Equal(t, []int64{4}, vector.Size())
	requireWellFormed(t, newRoot, cpuTarget)

	// A single point can't be vectorized.
	d1 := dagtest.ProducerConsumer(1)
	_, skipped = NewRoot().ComputeHere(d1.NodeByName("g"), true, 0, false, &params, cpuTarget)
	assert.True(t, skipped)
}

func TestParallelizeInTiles(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	g := d.NodeByName("g")
	params := DefaultParams()
	root, _ := NewRoot().ComputeHere(g, true, 0, false, &params, cpuTarget)
	loop := root.Children()[0]

	// Outer extents.
	inner, outer := loop.ParallelizeInTiles([]int64{8}, root, &params, cpuTarget, false, false)
	assert.Equal(t, []int64{8}, outer.Size())
	assert.Equal(t, []int64{32}, inner.Size())
	assert.True(t, outer.Parallel())
	assert.False(t, inner.Parallel())
	require.Equal(t, []*LoopNest{inner}, outer.Children())
	assert.Equal(t, loop.Children(), inner.Children(), "the tile shares the children of the original loop")

	// Inner extents, not dividing the loop.
	inner, outer = loop.ParallelizeInTiles([]int64{100}, root, &params, cpuTarget, true, false)
	assert.Equal(t, []int64{3}, outer.Size())
	assert.Equal(t, []int64{100}, inner.Size())

	// On GPU labels follow the transitions.
	gpu := GPUTarget()
	root, _ = NewRoot().ComputeHere(g, true, 0, false, &params, gpu)
	loop = root.Children()[0]
	require.Equal(t, GPUNone, loop.GPULabel())
	inner, outer = loop.ParallelizeInTiles([]int64{8}, root, &params, gpu, false, false)
	assert.Equal(t, GPUParallelized, outer.GPULabel())
	assert.Equal(t, GPUSerial, inner.GPULabel())
}

func TestInlineFunc(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	g, f := d.NodeByName("g"), d.NodeByName("f")
	params := DefaultParams()
	root, _ := NewRoot().ComputeHere(g, true, 0, false, &params, cpuTarget)
	assert.True(t, root.Calls(f))
	assert.False(t, root.Computes(f))

	inlined := root.InlineFunc(f)
	assert.True(t, inlined.Computes(f))
	assert.False(t, root.Computes(f), "InlineFunc must not modify the original")
	assert.Equal(t, int64(3), inlined.MaxInlinedCalls(), "g reads f 3 times")
	all := sets.Make[*dag.Node]()
	inlined.CollectAllInlined(all)
	assert.True(t, all.Has(f))
	assert.Len(t, all, 1)
	requireWellFormed(t, inlined, cpuTarget)

	// Unmodified loops are shared, modified ones copied.
	assert.NotSame(t, root.Children()[0], inlined.Children()[0])
	assert.NotEqual(t, root.contentHash(), inlined.contentHash())
	assert.Equal(t, root.contentHash(), root.clone().contentHash())
}

func TestComputeInTiles(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	g, f := d.NodeByName("g"), d.NodeByName("f")
	params := DefaultParams()
	for _, target := range []Target{cpuTarget, GPUTarget()} {
		root, _ := NewRoot().ComputeHere(g, true, 0, false, &params, target)
		candidates := root.ComputeInTiles(f, nil, &params, target, AllSearchSpaceOptions(), 0, false, false, false)
		require.NotEmpty(t, candidates, "target %s", target)
		atRoot := 0
		for _, c := range candidates {
			requireWellFormed(t, c, target)
			assert.True(t, c.Computes(f))
			if isComputedAtRoot(c, f) {
				atRoot++
				assert.True(t, c.StoresAt(f))
			}
		}
		assert.Equal(t, 1, atRoot, "target %s", target)
		assert.Greater(t, len(candidates), 1, "target %s: placements inside g expected", target)

		// The pre-pass only considers compute_root.
		prePass := root.ComputeInTiles(f, nil, &params, target, AllSearchSpaceOptions(), 0, false, false, true)
		assert.Len(t, prePass, 1)

		// Without compute_root, f can only go inside g.
		noRoot := root.ComputeInTiles(f, nil, &params, target, InlineOption|ComputeAtBlockOption|ComputeAtThreadOption,
			0, false, false, false)
		for _, c := range noRoot {
			assert.False(t, isComputedAtRoot(c, f))
		}
	}
}

func TestBoundsMonotonicity(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	g, f := d.NodeByName("g"), d.NodeByName("f")
	params := DefaultParams()
	root, _ := NewRoot().ComputeHere(g, true, 0, false, &params, cpuTarget)
	inner, outer := root.Children()[0].ParallelizeInTiles([]int64{8}, root, &params, cpuTarget, false, false)
	root.children[0] = outer

	atRoot := root.GetBounds(f)
	atTile := outer.GetBounds(f)
	atVector := inner.GetBounds(f)
	assert.Equal(t, int64(-1), atRoot.Required[0].Min)
	assert.Equal(t, int64(1024), atRoot.Required[0].Max)
	for _, pair := range [][2]*dag.Bound{{atRoot, atTile}, {atTile, atVector}} {
		outerBound, innerBound := pair[0], pair[1]
		assert.True(t, outerBound.Required[0].Covers(innerBound.Required[0]),
			"%s doesn't cover %s", outerBound.Required[0], innerBound.Required[0])
		assert.GreaterOrEqual(t, outerBound.Required[0].Extent(), innerBound.Required[0].Extent())
	}
	assert.True(t, outer.RegionComputedShrinks(f, root))
	assert.True(t, inner.RegionComputedShrinks(f, outer))
	assert.False(t, root.RegionComputedShrinks(f, root))

	// Every placement of f inside g computes less of f than the root.
	for _, c := range root.ComputeInTiles(f, nil, &params, cpuTarget, AllSearchSpaceOptions(), 0, false, false, false) {
		if isComputedAtRoot(c, f) {
			continue
		}
		var check func(l *LoopNest)
		check = func(l *LoopNest) {
			for _, child := range l.children {
				if child.node == f && child.stage.Index == 0 && !l.IsRoot() {
					assert.Less(t, l.GetBounds(f).ComputedSize(), atRoot.ComputedSize())
				}
				check(child)
			}
		}
		check(c)
	}
}

func TestStructuralHash(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	g := d.NodeByName("g")
	params := DefaultParams()
	a, _ := NewRoot().ComputeHere(g, true, 0, false, &params, cpuTarget)
	b, _ := NewRoot().ComputeHere(g, true, 0, false, &params, cpuTarget)
	assert.Equal(t, a.StructuralHash(4), b.StructuralHash(4))

	// Depth 1 only sees whether loops are trivial: tiles of different sizes look the same.
	_, outer8 := a.Children()[0].ParallelizeInTiles([]int64{8}, a, &params, cpuTarget, false, false)
	_, outer16 := a.Children()[0].ParallelizeInTiles([]int64{16}, a, &params, cpuTarget, false, false)
	a8, a16 := a.clone(), a.clone()
	a8.children[0], a16.children[0] = outer8, outer16
	assert.Equal(t, a8.StructuralHash(1), a16.StructuralHash(1))
	assert.NotEqual(t, a8.StructuralHash(2), a16.StructuralHash(2))
}
