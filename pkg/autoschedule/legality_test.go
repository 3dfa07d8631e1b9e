// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"testing"

	"github.com/gomlx/autosched/pkg/costmodel"
	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/dag/dagtest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// gpuBlocksAtRoot computes f at the root and splits it into blocks of the given threads. It
// returns the new root and the block loop.
func gpuBlocksAtRoot(t *testing.T, f *dag.Node, threads []int64, params *Params) (root, block *LoopNest) {
	t.Helper()
	target := GPUTarget()
	root, _ = NewRoot().ComputeHere(f, true, 0, false, params, target)
	require.Len(t, root.children, 1)
	parallel := root.children[0].clone()
	parallel.gpuLabel = GPUParallelized
	_, block = parallel.ParallelizeInTiles(threads, root, params, target, true, false)
	require.Equal(t, GPUBlock, block.gpuLabel)
	require.Equal(t, GPUThread, block.children[0].gpuLabel)
	root.children[0] = block
	return root, block
}

// stateWithRoot returns a state with the given schedule.
func stateWithRoot(root *LoopNest) *State {
	s := NewState().MakeChild()
	s.root = root
	return s
}

func TestHasValidThreadExtents(t *testing.T) {
	d := dagtest.PointwiseChain(1, 256, 256)
	f := d.NodeByName("f0")
	params := DefaultParams()
	gpu := GPUTarget()

	valid, _ := gpuBlocksAtRoot(t, f, []int64{32, 8}, &params)
	assert.True(t, valid.HasValidThreadExtents(gpu))
	requireWellFormed(t, valid, gpu)

	tooMany, _ := gpuBlocksAtRoot(t, f, []int64{32, 64}, &params)
	assert.False(t, tooMany.HasValidThreadExtents(gpu), "2048 threads per block")
	assert.True(t, tooMany.HasValidThreadExtents(cpuTarget), "no threads on CPU")
}

func TestCalculateCostThreadExtents(t *testing.T) {
	d := dagtest.PointwiseChain(1, 256, 256)
	f := d.NodeByName("f0")
	params := DefaultParams()
	gpu := GPUTarget()
	model := costmodel.NewLinear(params.Parallelism)
	model.SetPipeline(d)
	stats := &Statistics{}

	root, _ := gpuBlocksAtRoot(t, f, []int64{32, 64}, &params)
	rejected := stateWithRoot(root)
	assert.False(t, rejected.CalculateCost(d, &params, gpu, model, stats))
	assert.Equal(t, InfeasibleCost, rejected.Cost())
	assert.Equal(t, 1, stats.Rejected["thread extents"])

	root, _ = gpuBlocksAtRoot(t, f, []int64{32, 8}, &params)
	accepted := stateWithRoot(root)
	require.True(t, accepted.CalculateCost(d, &params, gpu, model, stats), "rejections: %v", stats.Rejected)
	require.NoError(t, model.EvaluateCosts())
	assert.Greater(t, accepted.Cost(), 0.0)
	assert.Less(t, accepted.Cost(), InfeasibleCost)
	assert.Equal(t, 1, stats.NumRejected())
}

func TestExceedsSerialExtentsLimit(t *testing.T) {
	params := DefaultParams()
	gpu := GPUTarget()

	// serialAtRoot computes f at the root with the loops of the given stage marked serial.
	serialAtRoot := func(f *dag.Node, stageIdx int) *LoopNest {
		root, _ := NewRoot().ComputeHere(f, true, 0, false, &params, gpu)
		for ii, c := range root.children {
			if c.stage.Index == stageIdx {
				serial := c.clone()
				serial.gpuLabel = GPUSerial
				root.children[ii] = serial
			}
		}
		return root
	}

	// A reduction over a million points is never unrolled.
	large := dagtest.Reduction(1_000_000, 256)
	root := serialAtRoot(large.NodeByName("sum"), 1)
	assert.True(t, root.ExceedsSerialExtentsLimit(gpu))
	assert.False(t, root.ExceedsSerialExtentsLimit(cpuTarget))

	stats := &Statistics{}
	model := costmodel.NewLinear(params.Parallelism)
	model.SetPipeline(large)
	assert.False(t, stateWithRoot(root).CalculateCost(large, &params, gpu, model, stats))
	assert.Equal(t, 1, stats.Rejected["serial extents"])

	small := dagtest.Reduction(8, 4)
	assert.False(t, serialAtRoot(small.NodeByName("sum"), 1).ExceedsSerialExtentsLimit(gpu))

	// Serial loops around the innermost loop get unrolled: at most 16 vectors.
	fits := dagtest.ProducerPointwise(64)
	assert.False(t, serialAtRoot(fits.NodeByName("g"), 0).ExceedsSerialExtentsLimit(gpu))
	tooLong := dagtest.ProducerPointwise(68)
	assert.True(t, serialAtRoot(tooLong.NodeByName("g"), 0).ExceedsSerialExtentsLimit(gpu))
}

func TestMemoryAllocations(t *testing.T) {
	d := dagtest.PointwiseChain(2, 256, 256)
	f0, f1 := d.NodeByName("f0"), d.NodeByName("f1")
	params := DefaultParams()
	gpu := GPUTarget()

	// f0 stored per block of 128x8 points of f1.
	root, block := gpuBlocksAtRoot(t, f1, []int64{32, 8}, &params)
	block.storeAt.Insert(f0)
	assert.Equal(t, int64(128*8*4), block.TotalSharedMemAllocSize())
	assert.Zero(t, root.TotalLocalMemAllocSize())
	s := stateWithRoot(root)
	assert.False(t, s.ExceedsSharedMemoryLimit(&params, gpu))
	tight := params
	tight.SharedMemoryLimitKB = 1
	assert.True(t, s.ExceedsSharedMemoryLimit(&tight, gpu))
	assert.False(t, s.ExceedsSharedMemoryLimit(&tight, cpuTarget))

	// f0 stored per thread: one vector of f1.
	root, block = gpuBlocksAtRoot(t, f1, []int64{32, 8}, &params)
	thread := block.children[0]
	thread.storeAt.Insert(f0)
	assert.Equal(t, int64(4*4), root.TotalLocalMemAllocSize())
	assert.Equal(t, int64(4*4), root.TotalConstantLocalMemAllocSize())
	assert.Zero(t, root.TotalSharedMemAllocSize())
	s = stateWithRoot(root)
	assert.False(t, s.ExceedsLocalMemoryLimit(&params, gpu))
	tight = params
	tight.StackFactor = 1e-4
	assert.True(t, s.ExceedsLocalMemoryLimit(&tight, gpu))
}

func TestMaxIdleLaneWastage(t *testing.T) {
	d := dagtest.PointwiseChain(1, 256, 256)
	f := d.NodeByName("f0")
	params := DefaultParams()
	gpu := GPUTarget()

	full, _ := gpuBlocksAtRoot(t, f, []int64{32, 8}, &params)
	assert.InDelta(t, 0.0, full.MaxIdleLaneWastage(gpu), 1e-9)

	partial, _ := gpuBlocksAtRoot(t, f, []int64{3, 1}, &params)
	assert.InDelta(t, 29.0/32.0, partial.MaxIdleLaneWastage(gpu), 1e-9)
}

func TestKeepLeastIdleLanes(t *testing.T) {
	d := dagtest.PointwiseChain(1, 256, 256)
	f := d.NodeByName("f0")
	params := DefaultParams()
	gpu := GPUTarget()

	full, _ := gpuBlocksAtRoot(t, f, []int64{32, 8}, &params)
	partial, _ := gpuBlocksAtRoot(t, f, []int64{3, 1}, &params)
	wide, _ := gpuBlocksAtRoot(t, f, []int64{16, 2}, &params)
	require.Less(t, wide.MaxIdleLaneWastage(gpu), partial.MaxIdleLaneWastage(gpu))

	// The better half is kept, in the original order.
	assert.Equal(t, []*LoopNest{wide, full}, keepLeastIdleLanes([]*LoopNest{partial, wide, full}, gpu))
	assert.Equal(t, []*LoopNest{full}, keepLeastIdleLanes([]*LoopNest{partial, full}, gpu))

	// Candidates all wasting most of their lanes still leave one child.
	assert.Equal(t, []*LoopNest{partial}, keepLeastIdleLanes([]*LoopNest{partial}, gpu))
	worse, _ := gpuBlocksAtRoot(t, f, []int64{2, 1}, &params)
	assert.Equal(t, []*LoopNest{partial}, keepLeastIdleLanes([]*LoopNest{worse, partial}, gpu))
}
