// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/support/xslices"
	"github.com/gomlx/autosched/pkg/tiling"
)

const (
	// maxSerialExtentInnermost limits the pure iterations of a serial loop wrapping the
	// innermost loop of a stage: it gets unrolled.
	maxSerialExtentInnermost = tiling.MaxSerialExtent

	// maxSerialExtent limits the pure iterations of other serial loops.
	maxSerialExtent = 64

	// maxSerialIterations limits all iterations, pure and reductions, of a serial loop.
	maxSerialIterations = 1 << 16

	// maxRegisterAllocBytes is the largest allocation that can be promoted to registers.
	maxRegisterAllocBytes = 128

	// maxInlinedCalls rejects schedules with too many inlined calls to a single Func.
	maxInlinedCalls = 256
)

// HasValidThreadExtents returns whether every block of the loop nest has at most
// MaxThreadsPerBlock threads over at most 3 dimensions, counting the union of the
// thread loops inside it.
func (l *LoopNest) HasValidThreadExtents(target Target) bool {
	if !target.GPU {
		return true
	}
	validCounts := func(counts []int64) bool {
		nonUnit := 0
		for _, c := range counts {
			if c > 1 {
				nonUnit++
			}
		}
		return nonUnit <= tiling.MaxThreadDims && xslices.Product(counts) <= target.MaxThreadsPerBlock
	}
	if l.gpuLabel == GPUBlock && !validCounts(l.UnionThreadCounts(nil)) {
		return false
	}
	if l.gpuLabel == GPUThread && !validCounts(tiling.LoweredDims(l.size, l.vectorizedLoopIndex)) {
		return false
	}
	for _, c := range l.children {
		if !c.HasValidThreadExtents(target) {
			return false
		}
	}
	return true
}

// ExceedsSerialExtentsLimit returns whether a GPU serial loop iterates too much: more than
// 16 pure iterations when it wraps the innermost loop of its stage (it'll be unrolled), more
// than 64 otherwise, or more than 2^16 iterations counting reductions.
func (l *LoopNest) ExceedsSerialExtentsLimit(target Target) bool {
	if !target.GPU {
		return false
	}
	if l.gpuLabel == GPUSerial && l.stage != nil {
		parentOfInnermost := false
		for _, c := range l.children {
			if c.node == l.node && c.innermost {
				parentOfInnermost = true
			}
		}
		pureExtents, allExtents := int64(1), int64(1)
		for ii, loop := range l.stage.Loops {
			allExtents *= l.size[ii]
			if loop.Pure {
				pureExtents *= l.size[ii]
			}
		}
		if allExtents > maxSerialIterations {
			return true
		}
		if l.stage.Index == 0 {
			if parentOfInnermost && pureExtents > maxSerialExtentInnermost {
				return true
			}
			if pureExtents > maxSerialExtent {
				return true
			}
		}
	}
	for _, c := range l.children {
		if c.ExceedsSerialExtentsLimit(target) {
			return true
		}
	}
	return false
}

// allocSizeHere returns the bytes allocated for f at this level, and whether the size is
// a compile time constant.
func (l *LoopNest) allocSizeHere(f *dag.Node) (bytes int64, isConstant bool) {
	b := l.GetBounds(f)
	bytes = f.BytesPerPoint
	isConstant = true
	for ii := range f.Dimensions {
		bytes *= b.Computed[ii].Extent()
		isConstant = isConstant && b.Computed[ii].ConstantExtent
	}
	return
}

// TotalLocalMemAllocSize returns the bytes of the allocations made inside GPU threads.
func (l *LoopNest) TotalLocalMemAllocSize() int64 {
	return l.totalLocalMemAllocSize(false, false)
}

// TotalConstantLocalMemAllocSize returns the bytes of the constant sized allocations made
// inside GPU threads: they are placed on the stack.
func (l *LoopNest) TotalConstantLocalMemAllocSize() int64 {
	return l.totalLocalMemAllocSize(true, false)
}

func (l *LoopNest) totalLocalMemAllocSize(constantOnly, inThreadsLoop bool) int64 {
	var result int64
	inThreadsLoop = inThreadsLoop || l.gpuLabel == GPUThread
	if inThreadsLoop {
		for _, f := range l.storeAtSorted() {
			bytes, isConstant := l.allocSizeHere(f)
			if f.Dimensions > 0 && (!constantOnly || isConstant) {
				result += bytes
			}
		}
	}
	for _, c := range l.children {
		result += c.totalLocalMemAllocSize(constantOnly, inThreadsLoop)
	}
	return result
}

// TotalSharedMemAllocSize returns the bytes allocated inside this loop but outside of GPU
// thread loops.
func (l *LoopNest) TotalSharedMemAllocSize() int64 {
	if l.gpuLabel == GPUThread {
		return 0
	}
	var result int64
	for _, f := range l.storeAtSorted() {
		bytes, _ := l.allocSizeHere(f)
		if f.Dimensions > 0 {
			result += bytes
		}
	}
	for _, c := range l.children {
		result += c.TotalSharedMemAllocSize()
	}
	return result
}

// MaxIdleLaneWastage returns the largest fraction of idle warp lanes of the thread loops.
func (l *LoopNest) MaxIdleLaneWastage(target Target) float64 {
	return l.maxIdleLaneWastage(newGPULoopInfo(target))
}

func (l *LoopNest) maxIdleLaneWastage(info gpuLoopInfo) float64 {
	info = info.update(l)
	if l.isGPUThread(info.target) {
		return info.threadInfo().idleLaneWastage()
	}
	var wastage float64
	for _, c := range l.children {
		wastage = max(wastage, c.maxIdleLaneWastage(info))
	}
	return wastage
}

// PromoteAllocsToRegisters marks as Registers the local allocations small enough and only
// accessed from fully unrolled loops with affine indices. It returns false if any local
// allocation can't be promoted.
func (l *LoopNest) PromoteAllocsToRegisters(target Target, sites SiteMap) bool {
	if !target.GPU {
		return true
	}
	allPromoted := true
	candidates := make(map[*dag.Node]bool)
	var collect func(loop *LoopNest)
	collect = func(loop *LoopNest) {
		for _, f := range loop.storeAtSorted() {
			s := sites.Get(f.Stages[0])
			if s == nil || s.StoreMemoryType != MemoryLocal {
				continue
			}
			bytes, isConstant := loop.allocSizeHere(f)
			candidates[f] = isConstant && bytes <= maxRegisterAllocBytes
		}
		for _, c := range loop.children {
			collect(c)
		}
	}
	collect(l)

	for f, ok := range candidates {
		if ok {
			for _, e := range f.OutgoingEdges {
				cs := sites.Get(e.Consumer)
				if cs == nil || cs.Innermost == nil || !cs.innermostUnrolled {
					ok = false
					break
				}
				for _, j := range e.LoadJacobians {
					ok = ok && j.AllCoeffsExist()
				}
			}
		}
		if !ok {
			allPromoted = false
			continue
		}
		for _, s := range f.Stages {
			sites.Get(s).StoreMemoryType = MemoryRegisters
		}
	}
	return allPromoted
}
