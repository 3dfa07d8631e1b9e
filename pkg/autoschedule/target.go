// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"fmt"
	"runtime"

	"golang.org/x/sys/cpu"
)

// Target describes the hardware the schedule is for.
type Target struct {
	// GPU targets use block/thread/serial loops; CPU targets use parallel and vectorized loops.
	GPU bool

	// VectorBytes is the width of the vector registers, used for the CPU natural vector sizes.
	VectorBytes int64

	// WarpSize is the number of lanes of a GPU warp.
	WarpSize int64

	// MaxThreadsPerBlock is the GPU hardware limit of threads per block.
	MaxThreadsPerBlock int64

	// NumSMs is the number of streaming multiprocessors of the GPU.
	NumSMs int64

	// MaxBlockDims is the largest grid extent of each of the 3 block dimensions.
	MaxBlockDims [3]int64
}

// GPUTarget returns a typical CUDA target.
func GPUTarget() Target {
	return Target{
		GPU:                true,
		VectorBytes:        16,
		WarpSize:           32,
		MaxThreadsPerBlock: 1024,
		NumSMs:             80,
		MaxBlockDims:       [3]int64{1<<31 - 1, 65535, 65535},
	}
}

// HostTarget returns a CPU target matching the machine running the program.
func HostTarget() Target {
	t := Target{VectorBytes: 16}
	switch {
	case cpu.X86.HasAVX512F:
		t.VectorBytes = 64
	case cpu.X86.HasAVX2:
		t.VectorBytes = 32
	case cpu.ARM64.HasASIMD:
		t.VectorBytes = 16
	}
	return t
}

// String implements fmt.Stringer.
func (t Target) String() string {
	if t.GPU {
		return fmt.Sprintf("gpu(warp=%d, sms=%d)", t.WarpSize, t.NumSMs)
	}
	return fmt.Sprintf("cpu(%s, vector=%dB)", runtime.GOARCH, t.VectorBytes)
}
