// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tiling

import (
	"fmt"
	"testing"

	"github.com/gomlx/autosched/pkg/support/xslices"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var testExtents = [][]int64{
	{1}, {2}, {7}, {16}, {1024}, {1000000},
	{1, 1}, {3, 5}, {64, 64}, {1536, 2560}, {1, 1024},
	{4, 4, 4}, {128, 1, 7}, {33, 65, 129},
}

func TestGenerateTilings(t *testing.T) {
	for _, s := range testExtents {
		for _, factor := range []int64{2, 4} {
			for _, allowSplits := range []bool{true, false} {
				name := fmt.Sprintf("%v/factor=%d/splits=%v", s, factor, allowSplits)
				tilings := GenerateTilings(s, len(s)-1, factor, allowSplits, nil)
				for _, tiling := range tilings {
					require.Len(t, tiling, len(s), name)
					allOnes := true
					for ii, outer := range tiling {
						require.Greater(t, outer, int64(0), name)
						inner := xslices.CeilDiv(s[ii], outer)
						assert.GreaterOrEqual(t, outer*inner, s[ii], "%s: tiling %v", name, tiling)
						allOnes = allOnes && outer == 1
						if !allowSplits {
							assert.True(t, outer == 1 || outer == s[ii], "%s: tiling %v", name, tiling)
						}
					}
					assert.False(t, allOnes, "%s: all-ones tiling returned", name)
					assert.NotEqual(t, s, tiling, "%s: full-extent tiling returned", name)
				}
			}
		}
	}

	// Trivial extents have no non-trivial tilings.
	assert.Empty(t, GenerateTilings([]int64{1}, 0, 2, true, nil))

	// The inner size 3 is offered for gemm-like loops.
	tilings := GenerateTilings([]int64{48}, 0, 2, true, nil)
	assert.Contains(t, tilings, []int64{16})

	// Explicit inner sizes on the last dimension.
	tilings = GenerateTilings([]int64{8, 64}, 1, 2, true, []int64{4, 16})
	for _, tiling := range tilings {
		assert.Contains(t, []int64{16, 4}, tiling[1])
	}
}

func TestGenerateSerialTilings(t *testing.T) {
	s := []int64{1024, 64}
	tilings := GenerateSerialTilings(s, 1, 1, 0, VecDimSerialSizes(s[0]), false, false)
	require.NotEmpty(t, tilings)
	for _, tiling := range tilings {
		assert.NotEqual(t, []int64{1, 1}, tiling)
		assert.NotEqual(t, s, tiling)
		for ii, outer := range tiling {
			inner := xslices.CeilDiv(s[ii], outer)
			assert.LessOrEqual(t, inner, int64(MaxSerialExtent))
		}
	}
	// 1024 = 32 * 32: no odd warp-friendly sizes.
	assert.Empty(t, VecDimSerialSizes(1024))
	assert.Equal(t, []int64{3}, VecDimSerialSizes(96))
	assert.Equal(t, []int64{3, 5, 7}, VecDimSerialSizes(32*105))

	// The inner-ones tiling is only offered when allowed.
	withOnes := GenerateSerialTilings(s, 1, 1, 0, nil, false, true)
	assert.Contains(t, withOnes, s)

	// Extra sizes are only used on the vectorized dimension.
	extra := GenerateSerialTilings([]int64{96, 96}, 1, 1, 1, []int64{3}, false, true)
	assert.Contains(t, extra, []int64{96, 32})
	assert.NotContains(t, extra, []int64{32, 96})

	// Small outer extents of the vectorized dimension can be filtered.
	filtered := GenerateSerialTilings([]int64{64}, 0, 0, 0, nil, true, false)
	for _, tiling := range filtered {
		assert.GreaterOrEqual(t, tiling[0], int64(16))
	}
}

func TestLoweredDims(t *testing.T) {
	assert.Equal(t, []int64{8, 4, 2}, LoweredDims([]int64{4, 8, 2}, 1))
	assert.Equal(t, []int64{4, 2}, LoweredDims([]int64{4, 1, 2}, 1))
	assert.Equal(t, []int64{3}, LoweredDims([]int64{1, 3}, -1))
	assert.Empty(t, LoweredDims([]int64{1, 1}, 0))
}

func TestGenerateGPUTilings(t *testing.T) {
	for _, s := range testExtents {
		for _, serialInner := range []bool{false, true} {
			pure := make([]int, len(s))
			for ii := range pure {
				pure[ii] = ii
			}
			name := fmt.Sprintf("%v/serialInner=%v", s, serialInner)
			tilings := GenerateGPUTilings([][]int64{s}, [][]int{pure}, s, len(s)-1, []int{0}, serialInner, false)
			for _, tiling := range tilings {
				require.Len(t, tiling, len(s), name)
				threads := make([]int64, len(s))
				for ii := range s {
					threads[ii] = min(tiling[ii], s[ii])
					if serialInner {
						assert.LessOrEqual(t, xslices.CeilDiv(s[ii], tiling[ii]), int64(MaxSerialExtent), name)
					}
				}
				lowered := LoweredDims(threads, 0)
				assert.LessOrEqual(t, xslices.Product(lowered), int64(MaxThreadsPerBlock), "%s: %v", name, tiling)
				assert.LessOrEqual(t, len(lowered), MaxThreadDims, "%s: %v", name, tiling)
			}
		}
	}

	// A 1024-wide vectorized dimension starts at a half warp.
	tilings := GenerateGPUTilings([][]int64{{1024}}, [][]int{{0}}, []int64{1024}, 0, []int{0}, false, false)
	require.NotEmpty(t, tilings)
	assert.Equal(t, []int64{16}, tilings[0])

	// Sibling stages with a larger footprint offer their extent as a candidate.
	tilings = GenerateGPUTilings([][]int64{{24, 8}, {40, 8}}, [][]int{{0, 1}, {0, 1}}, []int64{40, 8}, 1,
		[]int{0, 0}, false, false)
	assert.Contains(t, tilings, []int64{40, 8})

	// Huge serial extents can't be bounded by 16 with at most 1024 threads.
	assert.Empty(t, GenerateGPUTilings([][]int64{{1000000}}, [][]int{{0}}, []int64{1000000}, 0, []int{0}, true, false))
}
