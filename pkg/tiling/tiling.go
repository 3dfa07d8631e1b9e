// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tiling enumerates candidate ways to split loop extents into (outer, inner) tiles.
//
// Tilings are returned as slices of one value per dimension: the outer extents for
// GenerateTilings and GenerateSerialTilings, the thread extents for GenerateGPUTilings.
// An empty result is legal: callers fall back to a trivial tiling or reject the branch.
package tiling

import (
	"slices"

	"github.com/gomlx/autosched/pkg/support/xslices"
)

const (
	// MaxThreadsPerBlock is the hardware limit on the threads of a GPU block.
	MaxThreadsPerBlock = 1024

	// MaxThreadDims is the number of dimensions a block of threads can have.
	MaxThreadDims = 3

	// MaxThreadsExtent limits the thread extent of non-vectorized dimensions.
	MaxThreadsExtent = 64

	// MaxVectorizedThreadsExtent limits the thread extent of the vectorized dimension.
	MaxVectorizedThreadsExtent = 256

	// WarpSize is the number of lanes of a warp.
	WarpSize = 32

	// MaxSerialExtent is the unroll limit of a serial loop inside a thread.
	MaxSerialExtent = 16

	// minWarpExtent is the smallest thread extent tried for the vectorized dimension.
	minWarpExtent = 16
)

// wasteful returns whether splitting extent into inner*outer computes more than 8/7
// of the needed points.
func wasteful(inner, outer, extent int64) bool {
	return inner*outer*7 > extent*8
}

// GenerateTilings returns candidate outer extents for dimensions [0, d] of s, spaced by
// powers of factor. It never returns the all-ones tiling, nor the tiling equal to s.
//
// If allowSplits is false, each dimension is either 1 or its full extent. If innerSizes is
// given, dimension d only uses those inner sizes.
func GenerateTilings(s []int64, d int, factor int64, allowSplits bool, innerSizes []int64) [][]int64 {
	if d == -1 {
		return [][]int64{{}}
	}
	v := GenerateTilings(s, d-1, factor, allowSplits, nil)
	// Too many configurations of the inner loops: search the outer ones with coarser granularity.
	for int64(len(v)) > factor*100 {
		factor *= 2
	}

	var result [][]int64
	extent := s[d]
	for _, t := range v {
		isOne, isFull := false, false
		if d == len(s)-1 {
			isOne, isFull = true, true
			for ii := range d {
				isOne = isOne && t[ii] == 1
				isFull = isFull && t[ii] == s[ii]
			}
		}
		add := func(outer int64) {
			result = append(result, append(slices.Clone(t), outer))
		}
		skip := func(outer int64) bool {
			return (isOne && outer == 1) || (isFull && outer == extent)
		}

		if !allowSplits {
			if !isOne {
				add(1)
			}
			if extent != 1 && !isFull {
				add(extent)
			}
			continue
		}

		if len(innerSizes) > 0 {
			for _, inner := range innerSizes {
				outer := xslices.CeilDiv(extent, inner)
				if !skip(outer) {
					add(outer)
				}
			}
			continue
		}

		maxInner := int64(0)
		for inner := int64(1); inner < extent; inner *= factor {
			outer := xslices.CeilDiv(extent, inner)
			if skip(outer) {
				continue
			}
			if inner > 1 && wasteful(inner, outer, extent) {
				break
			}
			maxInner = inner
			add(outer)
		}
		for outer := int64(1); outer <= extent; outer *= factor {
			inner := xslices.CeilDiv(extent, outer)
			if skip(outer) {
				continue
			}
			// Stop when entering the range covered by the loop above, or when wasting too much.
			if outer > 1 && inner < maxInner*2 {
				break
			}
			if wasteful(inner, outer, extent) {
				break
			}
			add(outer)
		}
		// 3 is an important inner factor for gemm-like loops using 12 vector registers.
		const inner3 = 3
		outer3 := xslices.CeilDiv(extent, inner3)
		if factor == 2 && inner3 < extent && outer3 < extent && outer3 > 1 && !wasteful(inner3, outer3, extent) {
			add(outer3)
		}
	}
	return result
}

// GenerateSerialTilings returns candidate outer extents for dimensions [0, d] of s, where the
// inner loops are serial loops (unrolled up to MaxSerialExtent) and the outer loops will
// later be parallelized.
//
// The vectorized dimension also tries the extraInnerSizes (see VecDimSerialSizes). With
// filterSmallOuter, tilings leaving less than a half warp of outer iterations in the
// vectorized dimension are dropped. The all-ones outer tiling is never returned; the tiling
// equal to s (no serial work) only if allowInnerOnes.
func GenerateSerialTilings(s []int64, d, lastD, vectorizedIndex int, extraInnerSizes []int64,
	filterSmallOuter, allowInnerOnes bool) [][]int64 {
	if d == -1 {
		return [][]int64{{}}
	}
	v := GenerateSerialTilings(s, d-1, lastD, vectorizedIndex, extraInnerSizes, filterSmallOuter, allowInnerOnes)
	extent := s[d]

	var inners []int64
	for inner := int64(1); inner <= MaxSerialExtent && inner <= extent; inner *= 2 {
		inners = append(inners, inner)
	}
	if extent <= MaxSerialExtent && !slices.Contains(inners, extent) {
		inners = append(inners, extent)
	}
	if d == vectorizedIndex {
		for _, inner := range extraInnerSizes {
			if inner <= extent && !slices.Contains(inners, inner) {
				inners = append(inners, inner)
			}
		}
	}

	var result [][]int64
	for _, t := range v {
		var seen []int64
		for _, inner := range inners {
			outer := xslices.CeilDiv(extent, inner)
			if slices.Contains(seen, outer) || (inner > 1 && wasteful(inner, outer, extent)) {
				continue
			}
			if filterSmallOuter && d == vectorizedIndex && outer < min(minWarpExtent, extent) {
				continue
			}
			candidate := append(slices.Clone(t), outer)
			if d == lastD {
				allOnes, allFull := true, true
				for ii, o := range candidate {
					allOnes = allOnes && o == 1
					allFull = allFull && o == s[ii]
				}
				if allOnes || (allFull && !allowInnerOnes) {
					continue
				}
			}
			seen = append(seen, outer)
			result = append(result, candidate)
		}
	}
	return result
}

// VecDimSerialSizes returns the odd serial sizes (3, 5, 7) that leave extent/size a multiple
// of the warp size, so the threads of the vectorized dimension still fill whole warps.
func VecDimSerialSizes(extent int64) []int64 {
	var sizes []int64
	for _, size := range []int64{3, 5, 7} {
		if extent%(WarpSize*size) == 0 {
			sizes = append(sizes, size)
		}
	}
	return sizes
}

// LoweredDims returns the dimensions as they are realized by a GPU thread loop: the
// vectorized dimension first, then the others in order, dropping unit dimensions.
// vectorIdx can be -1 if there is no vectorized dimension.
func LoweredDims(size []int64, vectorIdx int) []int64 {
	var lowered []int64
	if vectorIdx >= 0 && vectorIdx < len(size) && size[vectorIdx] > 1 {
		lowered = append(lowered, size[vectorIdx])
	}
	for ii, s := range size {
		if ii != vectorIdx && s > 1 {
			lowered = append(lowered, s)
		}
	}
	return lowered
}

type gpuValidity int

const (
	validGPUTiling gpuValidity = iota
	serialCountErr
	threadCountErr
)

// GenerateGPUTilings returns candidate thread extents for the pure dimensions [0, d] of a
// Func whose stages are all computed by the same thread loops.
//
// stageSizes[j] are the loop extents of stage j, and pureDims[j][k] the loop index of pure
// dimension k in stage j. maxS[k] is the largest extent of pure dimension k across stages
// (the sibling thread footprint). vectorizedIndices[j] is the vectorized pure dimension of
// stage j, or -1.
//
// Every returned tiling, lowered for each stage, has at most MaxThreadsPerBlock threads
// over at most MaxThreadDims non-unit dimensions. With serialInner, the serial loop left
// inside each thread has an extent of at most MaxSerialExtent per dimension.
func GenerateGPUTilings(stageSizes [][]int64, pureDims [][]int, maxS []int64, d int,
	vectorizedIndices []int, serialInner, isComputeRootStage bool) [][]int64 {
	if d == -1 {
		return [][]int64{{}}
	}
	v := GenerateGPUTilings(stageSizes, pureDims, maxS, d-1, vectorizedIndices, serialInner, isComputeRootStage)

	warpExtent := int64(minWarpExtent)
	if isComputeRootStage && len(pureDims[0]) == 1 {
		warpExtent = 1
	}
	vectorized := len(vectorizedIndices) > 0 && d == vectorizedIndices[0]
	maxThreads := int64(MaxThreadsExtent)
	minThreads := int64(1)
	if vectorized {
		maxThreads = MaxVectorizedThreadsExtent
		minThreads = min(warpExtent, maxS[d])
	}
	minThreads = max(minThreads, 1)

	var result [][]int64
	for _, t := range v {
		t = append(slices.Clone(t), 0)
		isValid := func() gpuValidity {
			for j := range stageSizes {
				threads := make([]int64, len(pureDims[j]))
				for k, loopIdx := range pureDims[j] {
					if k > d {
						threads[k] = 1
						continue
					}
					size := stageSizes[j][loopIdx]
					threads[k] = min(t[k], size)
					if serialInner && xslices.CeilDiv(size, t[k]) > MaxSerialExtent {
						return serialCountErr
					}
				}
				vecIdx := -1
				if j < len(vectorizedIndices) {
					vecIdx = vectorizedIndices[j]
				}
				lowered := LoweredDims(threads, vecIdx)
				if len(lowered) > MaxThreadDims || xslices.Product(lowered) > MaxThreadsPerBlock {
					return threadCountErr
				}
			}
			return validGPUTiling
		}

		fullExtentConsidered := false
		for threads := minThreads; threads <= maxThreads; threads *= 2 {
			if threads > maxS[d] {
				break
			}
			fullExtentConsidered = fullExtentConsidered || threads == maxS[d]
			other := xslices.CeilDiv(maxS[d], threads)
			if !vectorized && threads > 1 && wasteful(threads, other, maxS[d]) {
				break
			}
			t[len(t)-1] = threads
			validity := isValid()
			if validity == threadCountErr {
				break
			}
			if validity == validGPUTiling {
				result = append(result, slices.Clone(t))
			}
		}
		if !fullExtentConsidered && maxS[d] < maxThreads && maxS[d] >= minThreads {
			t[len(t)-1] = maxS[d]
			if isValid() == validGPUTiling {
				result = append(result, slices.Clone(t))
			}
		}
	}
	return result
}
