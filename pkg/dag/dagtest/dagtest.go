// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dagtest builds small synthetic pipelines, used by tests and by the autosched
// command line demo.
//
// All functions panic if the pipeline fails to build.
package dagtest

import (
	"fmt"

	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/features"
	"github.com/janpfeifer/must"
)

// VectorBytes is the vector width used to build the pipelines: 16 bytes, so 4 float32 lanes.
const VectorBytes = 16

// ProducerConsumer builds f(x) = in(x) * 2; g(x) = f(x-1) + f(x) + f(x+1), with g of the
// given extent as output.
func ProducerConsumer(extent int64) *dag.FunctionDAG {
	b := dag.NewBuilder()
	in := b.Input("input", 4, extent+2)
	f := b.Func("f", 4, "x")
	b.Access(f.Stages[0], in, dag.Offset("x", 1))
	b.Ops(f.Stages[0], features.OpMul, 1)
	g := b.Func("g", 4, "x")
	for _, offset := range []int64{-1, 0, 1} {
		b.Access(g.Stages[0], f, dag.Offset("x", offset))
	}
	b.Ops(g.Stages[0], features.OpAdd, 2)
	b.Output(g, extent)
	return must.M1(b.Build(VectorBytes))
}

// ProducerPointwise builds f(x) = in(x) + 1; g(x) = f(x) * 2, both 1-D with the given extent.
func ProducerPointwise(extent int64) *dag.FunctionDAG {
	b := dag.NewBuilder()
	in := b.Input("input", 4, extent)
	f := b.Func("f", 4, "x")
	b.Access(f.Stages[0], in, dag.At("x"))
	b.Ops(f.Stages[0], features.OpAdd, 1)
	g := b.Func("g", 4, "x")
	b.Access(g.Stages[0], f, dag.At("x"))
	b.Ops(g.Stages[0], features.OpMul, 1)
	b.Output(g, extent)
	return must.M1(b.Build(VectorBytes))
}

// PointwiseChain builds a chain of n pointwise 2D Funcs f0 ... f{n-1} over an input,
// with f{n-1} as the output.
func PointwiseChain(n int, width, height int64) *dag.FunctionDAG {
	b := dag.NewBuilder()
	prev := b.Input("input", 4, width, height)
	for ii := range n {
		f := b.Func(fmt.Sprintf("f%d", ii), 4, "x", "y")
		b.Access(f.Stages[0], prev, dag.At("x"), dag.At("y"))
		b.Ops(f.Stages[0], features.OpAdd, 1)
		prev = f
	}
	b.Output(prev, width, height)
	return must.M1(b.Build(VectorBytes))
}

// Blur builds the separable 3x3 box blur: blur_x over the input, blur_y over blur_x.
func Blur(width, height int64) *dag.FunctionDAG {
	b := dag.NewBuilder()
	in := b.Input("input", 4, width+2, height+2)
	bx := b.Func("blur_x", 4, "x", "y")
	for _, offset := range []int64{0, 1, 2} {
		b.Access(bx.Stages[0], in, dag.Offset("x", offset), dag.Offset("y", 1))
	}
	b.Ops(bx.Stages[0], features.OpAdd, 2)
	b.Ops(bx.Stages[0], features.OpDiv, 1)
	by := b.Func("blur_y", 4, "x", "y")
	for _, offset := range []int64{-1, 0, 1} {
		b.Access(by.Stages[0], bx, dag.At("x"), dag.Offset("y", offset))
	}
	b.Ops(by.Stages[0], features.OpAdd, 2)
	b.Ops(by.Stages[0], features.OpDiv, 1)
	b.Output(by, width, height)
	return must.M1(b.Build(VectorBytes))
}

// Reduction builds sum(x) = Σ_r in(r, x) over a reduction domain of the given size,
// followed by a pointwise scale.
func Reduction(size, width int64) *dag.FunctionDAG {
	b := dag.NewBuilder()
	in := b.Input("input", 4, size, width)
	sum := b.Func("sum", 4, "x")
	b.Ops(sum.Stages[0], features.OpConst, 1)
	update := b.Update(sum, dag.RVar{Name: "r", Min: 0, Extent: size})
	b.Access(update, sum, dag.At("x"))
	b.Access(update, in, dag.At("r"), dag.At("x"))
	b.Ops(update, features.OpAdd, 1)
	out := b.Func("scaled", 4, "x")
	b.Access(out.Stages[0], sum, dag.At("x"))
	b.Ops(out.Stages[0], features.OpMul, 1)
	b.Output(out, width)
	return must.M1(b.Build(VectorBytes))
}

// MatMul builds c(i, j) = Σ_k a(k, j) * b(i, k) for square n×n matrices.
func MatMul(n int64) *dag.FunctionDAG {
	b := dag.NewBuilder()
	a := b.Input("a", 4, n, n)
	bIn := b.Input("b", 4, n, n)
	c := b.Func("c", 4, "i", "j")
	b.Ops(c.Stages[0], features.OpConst, 1)
	update := b.Update(c, dag.RVar{Name: "k", Min: 0, Extent: n})
	b.Access(update, c, dag.At("i"), dag.At("j"))
	b.Access(update, a, dag.At("k"), dag.At("j"))
	b.Access(update, bIn, dag.At("i"), dag.At("k"))
	b.Ops(update, features.OpMul, 1)
	b.Ops(update, features.OpAdd, 1)
	b.Output(c, n, n)
	return must.M1(b.Build(VectorBytes))
}

// Downsample builds a 2x downsampling of a pointwise-processed input.
func Downsample(width, height int64) *dag.FunctionDAG {
	b := dag.NewBuilder()
	in := b.Input("input", 4, 2*width, 2*height)
	f := b.Func("clamped", 4, "x", "y")
	b.Access(f.Stages[0], in, dag.At("x"), dag.At("y"))
	b.Ops(f.Stages[0], features.OpMin, 2)
	b.Ops(f.Stages[0], features.OpMax, 2)
	b.MarkBoundaryCondition(f)
	down := b.Func("down", 4, "x", "y")
	for _, dx := range []int64{0, 1} {
		for _, dy := range []int64{0, 1} {
			b.Access(down.Stages[0], f, dag.Scaled("x", 2, dx), dag.Scaled("y", 2, dy))
		}
	}
	b.Ops(down.Stages[0], features.OpAdd, 3)
	b.Output(down, width, height)
	return must.M1(b.Build(VectorBytes))
}

// All returns all the synthetic pipelines with moderate default sizes, by name.
func All() map[string]*dag.FunctionDAG {
	return map[string]*dag.FunctionDAG{
		"producer_consumer":  ProducerConsumer(1024),
		"producer_pointwise": ProducerPointwise(1024),
		"pointwise_chain":    PointwiseChain(3, 512, 512),
		"blur":               Blur(1536, 2560),
		"reduction":          Reduction(1024, 256),
		"matmul":             MatMul(512),
		"downsample":         Downsample(512, 512),
	}
}
