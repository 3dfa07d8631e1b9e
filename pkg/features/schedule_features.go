// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package features

import (
	"fmt"
	"strings"

	"github.com/gomlx/exceptions"
)

// ScheduleFeatures are the counters describing how one stage is computed by a given
// loop nest. All values are float64 to be fed directly to the cost model.
//
// The order of the fields is the order of Values and of the saved featurization records:
// don't reorder them.
type ScheduleFeatures struct {
	// Number of times storage for the Func is allocated and number of times the stage
	// is computed.
	NumRealizations float64
	NumProductions  float64

	PointsComputedPerRealization float64
	PointsComputedPerProduction  float64
	PointsComputedPerThread      float64
	PointsComputedTotal          float64
	// Points that would be computed with a perfect schedule (no redundant compute).
	PointsComputedMinimum float64

	InnermostLoopExtent     float64
	InnermostPureLoopExtent float64
	UnrolledLoopExtent      float64

	InnerParallelism float64
	OuterParallelism float64

	BytesAtRealization          float64
	BytesAtProduction           float64
	BytesAtRoot                 float64
	InnermostBytesAtRealization float64
	InnermostBytesAtProduction  float64
	InnermostBytesAtRoot        float64

	InlinedCalls float64

	UniqueGlobalBytesReadPerRealization   float64
	UniqueSharedBytesReadPerRealization   float64
	UniqueRegisterBytesReadPerRealization float64
	UniqueGlobalLinesReadPerRealization   float64
	UniqueSharedLinesReadPerRealization   float64
	UniqueRegisterLinesReadPerRealization float64

	UniqueGlobalBytesReadPerThread   float64
	UniqueSharedBytesReadPerThread   float64
	UniqueRegisterBytesReadPerThread float64
	UniqueGlobalLinesReadPerThread   float64
	UniqueSharedLinesReadPerThread   float64
	UniqueRegisterLinesReadPerThread float64

	GlobalAllocationBytesReadPerRealization   float64
	SharedAllocationBytesReadPerRealization   float64
	RegisterAllocationBytesReadPerRealization float64
	GlobalAllocationLinesReadPerRealization   float64
	SharedAllocationLinesReadPerRealization   float64
	RegisterAllocationLinesReadPerRealization float64

	WorkingSet float64
	NumScalars float64

	GlobalBytesAtTask            float64
	SharedBytesAtTask            float64
	RegisterBytesAtTask          float64
	GlobalInnermostBytesAtTask   float64
	SharedInnermostBytesAtTask   float64
	RegisterInnermostBytesAtTask float64

	UniqueBytesReadPerPoint float64
	UniqueLinesReadPerPoint float64
	UniqueBytesReadPerTask  float64
	UniqueLinesReadPerTask  float64

	WorkingSetAtTask        float64
	WorkingSetAtProduction  float64
	WorkingSetAtRealization float64
	WorkingSetAtRoot        float64

	// GPU specific.
	NumBlocks            float64
	NumWarpsPerBlock     float64
	BlockOccupancy       float64
	WarpLaneUtilization  float64
	NumActiveBlocksPerSM float64
	NumThreadsPerBlock   float64
	ExprBranching        float64

	NumSharedMemLoadsPerBlock  float64
	NumGlobalMemLoadsPerBlock  float64
	NumSharedMemStoresPerBlock float64
	NumGlobalMemStoresPerBlock float64

	SharedMemStoreEfficiency float64
	SharedMemLoadEfficiency  float64
	GlobalMemStoreEfficiency float64
	GlobalMemLoadEfficiency  float64
	// LocalMemStoreEfficiency and LocalMemLoadEfficiency are computed but no cost model reads
	// them: they keep the layout of saved featurizations stable.
	LocalMemStoreEfficiency float64
	LocalMemLoadEfficiency  float64

	WorkingSetAtThread        float64
	SharedMemOccupancy        float64
	SharedMemBlockLimitFactor float64
	MaxWarpOccupancy          float64
	MaxBlockOccupancy         float64
}

// ptrs returns pointers to all fields, in declaration order, paired with their names.
func (f *ScheduleFeatures) ptrs() ([]*float64, []string) {
	return []*float64{
			&f.NumRealizations, &f.NumProductions,
			&f.PointsComputedPerRealization, &f.PointsComputedPerProduction, &f.PointsComputedPerThread,
			&f.PointsComputedTotal, &f.PointsComputedMinimum,
			&f.InnermostLoopExtent, &f.InnermostPureLoopExtent, &f.UnrolledLoopExtent,
			&f.InnerParallelism, &f.OuterParallelism,
			&f.BytesAtRealization, &f.BytesAtProduction, &f.BytesAtRoot,
			&f.InnermostBytesAtRealization, &f.InnermostBytesAtProduction, &f.InnermostBytesAtRoot,
			&f.InlinedCalls,
			&f.UniqueGlobalBytesReadPerRealization, &f.UniqueSharedBytesReadPerRealization,
			&f.UniqueRegisterBytesReadPerRealization, &f.UniqueGlobalLinesReadPerRealization,
			&f.UniqueSharedLinesReadPerRealization, &f.UniqueRegisterLinesReadPerRealization,
			&f.UniqueGlobalBytesReadPerThread, &f.UniqueSharedBytesReadPerThread,
			&f.UniqueRegisterBytesReadPerThread, &f.UniqueGlobalLinesReadPerThread,
			&f.UniqueSharedLinesReadPerThread, &f.UniqueRegisterLinesReadPerThread,
			&f.GlobalAllocationBytesReadPerRealization, &f.SharedAllocationBytesReadPerRealization,
			&f.RegisterAllocationBytesReadPerRealization, &f.GlobalAllocationLinesReadPerRealization,
			&f.SharedAllocationLinesReadPerRealization, &f.RegisterAllocationLinesReadPerRealization,
			&f.WorkingSet, &f.NumScalars,
			&f.GlobalBytesAtTask, &f.SharedBytesAtTask, &f.RegisterBytesAtTask,
			&f.GlobalInnermostBytesAtTask, &f.SharedInnermostBytesAtTask, &f.RegisterInnermostBytesAtTask,
			&f.UniqueBytesReadPerPoint, &f.UniqueLinesReadPerPoint,
			&f.UniqueBytesReadPerTask, &f.UniqueLinesReadPerTask,
			&f.WorkingSetAtTask, &f.WorkingSetAtProduction, &f.WorkingSetAtRealization, &f.WorkingSetAtRoot,
			&f.NumBlocks, &f.NumWarpsPerBlock, &f.BlockOccupancy, &f.WarpLaneUtilization,
			&f.NumActiveBlocksPerSM, &f.NumThreadsPerBlock, &f.ExprBranching,
			&f.NumSharedMemLoadsPerBlock, &f.NumGlobalMemLoadsPerBlock,
			&f.NumSharedMemStoresPerBlock, &f.NumGlobalMemStoresPerBlock,
			&f.SharedMemStoreEfficiency, &f.SharedMemLoadEfficiency,
			&f.GlobalMemStoreEfficiency, &f.GlobalMemLoadEfficiency,
			&f.LocalMemStoreEfficiency, &f.LocalMemLoadEfficiency,
			&f.WorkingSetAtThread, &f.SharedMemOccupancy, &f.SharedMemBlockLimitFactor,
			&f.MaxWarpOccupancy, &f.MaxBlockOccupancy,
		}, []string{
			"num_realizations", "num_productions",
			"points_computed_per_realization", "points_computed_per_production", "points_computed_per_thread",
			"points_computed_total", "points_computed_minimum",
			"innermost_loop_extent", "innermost_pure_loop_extent", "unrolled_loop_extent",
			"inner_parallelism", "outer_parallelism",
			"bytes_at_realization", "bytes_at_production", "bytes_at_root",
			"innermost_bytes_at_realization", "innermost_bytes_at_production", "innermost_bytes_at_root",
			"inlined_calls",
			"unique_global_bytes_read_per_realization", "unique_shared_bytes_read_per_realization",
			"unique_register_bytes_read_per_realization", "unique_global_lines_read_per_realization",
			"unique_shared_lines_read_per_realization", "unique_register_lines_read_per_realization",
			"unique_global_bytes_read_per_thread", "unique_shared_bytes_read_per_thread",
			"unique_register_bytes_read_per_thread", "unique_global_lines_read_per_thread",
			"unique_shared_lines_read_per_thread", "unique_register_lines_read_per_thread",
			"global_allocation_bytes_read_per_realization", "shared_allocation_bytes_read_per_realization",
			"register_allocation_bytes_read_per_realization", "global_allocation_lines_read_per_realization",
			"shared_allocation_lines_read_per_realization", "register_allocation_lines_read_per_realization",
			"working_set", "num_scalars",
			"global_bytes_at_task", "shared_bytes_at_task", "register_bytes_at_task",
			"global_innermost_bytes_at_task", "shared_innermost_bytes_at_task", "register_innermost_bytes_at_task",
			"unique_bytes_read_per_point", "unique_lines_read_per_point",
			"unique_bytes_read_per_task", "unique_lines_read_per_task",
			"working_set_at_task", "working_set_at_production", "working_set_at_realization", "working_set_at_root",
			"num_blocks", "num_warps_per_block", "block_occupancy", "warp_lane_utilization",
			"num_active_blocks_per_sm", "num_threads_per_block", "expr_branching",
			"num_shared_mem_loads_per_block", "num_global_mem_loads_per_block",
			"num_shared_mem_stores_per_block", "num_global_mem_stores_per_block",
			"shared_mem_store_efficiency", "shared_mem_load_efficiency",
			"global_mem_store_efficiency", "global_mem_load_efficiency",
			"local_mem_store_efficiency", "local_mem_load_efficiency",
			"working_set_at_thread", "shared_mem_occupancy", "shared_mem_block_limit_factor",
			"max_warp_occupancy", "max_block_occupancy",
		}
}

// NumScheduleFeatures is the length of ScheduleFeatures.Values.
var NumScheduleFeatures = len(ScheduleFeatureNames())

// Values returns the features in declaration order.
func (f *ScheduleFeatures) Values() []float64 {
	ptrs, _ := f.ptrs()
	values := make([]float64, len(ptrs))
	for ii, p := range ptrs {
		values[ii] = *p
	}
	return values
}

// SetValues is the inverse of Values. It panics if len(values) != NumScheduleFeatures.
func (f *ScheduleFeatures) SetValues(values []float64) {
	ptrs, _ := f.ptrs()
	if len(values) != len(ptrs) {
		exceptions.Panicf("ScheduleFeatures.SetValues: got %d values, wanted %d", len(values), len(ptrs))
	}
	for ii, p := range ptrs {
		*p = values[ii]
	}
}

// ScheduleFeatureNames returns the name of each entry of ScheduleFeatures.Values.
func ScheduleFeatureNames() []string {
	var f ScheduleFeatures
	_, names := f.ptrs()
	return names
}

// String lists the non-zero features, one per line.
func (f *ScheduleFeatures) String() string {
	var sb strings.Builder
	values := f.Values()
	for ii, name := range ScheduleFeatureNames() {
		if values[ii] != 0 {
			_, _ = fmt.Fprintf(&sb, "    %s: %g\n", name, values[ii])
		}
	}
	return sb.String()
}
