// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"github.com/gomlx/exceptions"
)

// GPULabel describes the GPU parallelism of a loop.
//
// Loops are created with None (at root), Thread or Serial, and are split into
// (outer, inner) pairs by ParallelizeInTiles following gpuTransitions. Simd is only used
// by the innermost single-vector loop.
type GPULabel int

//go:generate enumer -type=GPULabel -trimprefix=GPU -transform=snake -output=gen_gpulabel_enumer.go gpu_label.go

const (
	GPUNone GPULabel = iota
	GPUParallelized
	GPUBlock
	GPUThread
	GPUSerial
	GPUSimd
)

// gpuSplit is the pair of labels of a split loop.
type gpuSplit struct {
	outer, inner GPULabel
}

// gpuTransitions is the only place where labels change. Labels missing from the
// table can't be split.
var gpuTransitions = map[GPULabel]gpuSplit{
	GPUNone:         {outer: GPUParallelized, inner: GPUSerial},
	GPUParallelized: {outer: GPUBlock, inner: GPUThread},
	GPUThread:       {outer: GPUThread, inner: GPUSerial},
	GPUSerial:       {outer: GPUSerial, inner: GPUSerial},
}

// split returns the labels of the outer and inner loops when splitting a loop labeled l.
// It panics for labels that can't be split.
func (l GPULabel) split() (outer, inner GPULabel) {
	s, found := gpuTransitions[l]
	if !found {
		exceptions.Panicf("invalid gpu label %s for a parallelized loop", l)
	}
	return s.outer, s.inner
}

// computeHereLabel is the label of a Func loop created by ComputeHere: inside a thread loop
// the Func runs serially in each thread, elsewhere below the root its loops are the threads.
func computeHereLabel(atRoot, inThreadsLoop bool) GPULabel {
	switch {
	case atRoot:
		return GPUNone
	case inThreadsLoop:
		return GPUSerial
	default:
		return GPUThread
	}
}
