// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"github.com/gomlx/autosched/pkg/support/xslices"
	"github.com/gomlx/autosched/pkg/tiling"
)

// threadInfo describes the threads of one GPU thread loop, as they are lowered.
type threadInfo struct {
	// threads per lowered dimension, vectorized dimension first.
	threads []int64
	// maxThreads per lowered dimension of the block: the union over sibling thread loops.
	maxThreads []int64

	numActiveThreads int64
	numThreads       int64
	numWarps         int64
	warpSize         int64
}

func newThreadInfo(loop *LoopNest, maxThreadCounts []int64, warpSize int64) *threadInfo {
	info := &threadInfo{
		threads:  tiling.LoweredDims(loop.size, loop.vectorizedLoopIndex),
		warpSize: warpSize,
	}
	info.maxThreads = make([]int64, max(len(info.threads), len(maxThreadCounts)))
	for ii := range info.maxThreads {
		info.maxThreads[ii] = max(atOr(info.threads, ii, 1), atOr(maxThreadCounts, ii, 1))
	}
	info.numActiveThreads = max(xslices.Product(info.threads), 1)
	info.numThreads = max(xslices.Product(info.maxThreads), 1)
	info.numWarps = xslices.CeilDiv(info.numThreads, warpSize)
	return info
}

// warpLaneUtilization is the fraction of the lanes of the allocated warps doing work.
func (t *threadInfo) warpLaneUtilization() float64 {
	return float64(t.numActiveThreads) / float64(t.numWarps*t.warpSize)
}

// idleLaneWastage is the fraction of the allocated lanes left idle.
func (t *threadInfo) idleLaneWastage() float64 {
	return 1 - t.warpLaneUtilization()
}

// blockOccupancy is the fraction of the hardware threads of a block that are used.
func (t *threadInfo) blockOccupancy(maxThreadsPerBlock int64) float64 {
	return float64(t.numThreads) / float64(maxThreadsPerBlock)
}

// gpuLoopInfo tracks the GPU loops enclosing a loop during featurization.
type gpuLoopInfo struct {
	block      *LoopNest
	threadLoop *LoopNest
	// numBlocks is the product of the extents of the block loops.
	numBlocks int64
	// totalInnerSerialExtents is the number of iterations of the serial loops between the
	// thread loop and the current loop.
	totalInnerSerialExtents int64
	// Thread counts of the block, the union of its thread loops.
	blockThreadCounts []int64
	target            Target
}

// atOr returns slice[ii], or def if ii is out of range.
func atOr(slice []int64, ii int, def int64) int64 {
	if ii < len(slice) {
		return slice[ii]
	}
	return def
}

func newGPULoopInfo(target Target) gpuLoopInfo {
	return gpuLoopInfo{numBlocks: 1, totalInnerSerialExtents: 1, target: target}
}

// update returns the info for the body of loop l.
func (g gpuLoopInfo) update(l *LoopNest) gpuLoopInfo {
	if l.isGPUBlock(g.target) {
		g.block = l
		g.numBlocks *= max(xslices.Product(l.size), 1)
		g.blockThreadCounts = l.UnionThreadCounts(nil)
		g.threadLoop = nil
		g.totalInnerSerialExtents = 1
		return g
	}
	if l.isGPUThread(g.target) {
		g.threadLoop = l
		g.totalInnerSerialExtents = 1
		return g
	}
	if g.threadLoop != nil && l.isGPUSerial(g.target) {
		g.totalInnerSerialExtents *= max(xslices.Product(l.size), 1)
	}
	return g
}

// threadInfo returns the info of the current thread loop, or nil if outside of any.
func (g gpuLoopInfo) threadInfo() *threadInfo {
	if g.threadLoop == nil {
		return nil
	}
	return newThreadInfo(g.threadLoop, g.blockThreadCounts, g.target.WarpSize)
}
