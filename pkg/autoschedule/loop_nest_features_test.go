// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"testing"

	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/dag/dagtest"
	"github.com/gomlx/autosched/pkg/features"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// rowScale builds g(x, y) = input(x, y) * weights(y), over 64x64.
func rowScale(t *testing.T) *dag.FunctionDAG {
	t.Helper()
	b := dag.NewBuilder()
	in := b.Input("input", 4, 64, 64)
	weights := b.Input("weights", 4, 64)
	g := b.Func("g", 4, "x", "y")
	b.Access(g.Stages[0], in, dag.At("x"), dag.At("y"))
	b.Access(g.Stages[0], weights, dag.At("y"))
	b.Ops(g.Stages[0], features.OpMul, 1)
	b.Output(g, 64, 64)
	return must.M1(b.Build(dagtest.VectorBytes))
}

func TestLoopInvariantLoads(t *testing.T) {
	d := rowScale(t)
	g := d.NodeByName("g")
	params := DefaultParams()
	root, _ := NewRoot().ComputeHere(g, true, 0, false, &params, cpuTarget)
	innermost := root.children[0].children[0]
	require.Equal(t, []int64{4, 1}, innermost.size)

	// weights(y) doesn't vary along x: one load serves the 4 lanes of the vector.
	var weightsEdge, inEdge *dag.Edge
	for _, e := range g.Stages[0].IncomingEdges {
		if e.Producer.Name == "weights" {
			weightsEdge = e
		} else {
			inEdge = e
		}
	}
	require.NotNil(t, weightsEdge)
	require.NotNil(t, inEdge)
	assert.Equal(t, 4.0, licmAmortization(weightsEdge.LoadJacobians[0], innermost))
	assert.Equal(t, 1.0, licmAmortization(inEdge.LoadJacobians[0], innermost))
	assert.Equal(t, 0.25, loadsPerIteration(weightsEdge, innermost))
	assert.Equal(t, 1.0, loadsPerIteration(inEdge, innermost))

	feat := stateWithRoot(root).ComputeFeaturization(d, &params, cpuTarget)[g.Stages[0]]
	require.NotNil(t, feat)
	assert.InDelta(t, 4+4.0/4, feat.UniqueBytesReadPerPoint, 1e-9)
	assert.InDelta(t, 1+1.0/4, feat.UniqueLinesReadPerPoint, 1e-9)

	// Vectorized along y instead, both loads vary with the innermost loop.
	root, _ = NewRoot().ComputeHere(g, true, 1, false, &params, cpuTarget)
	feat = stateWithRoot(root).ComputeFeaturization(d, &params, cpuTarget)[g.Stages[0]]
	require.NotNil(t, feat)
	assert.InDelta(t, 8.0, feat.UniqueBytesReadPerPoint, 1e-9)
}

func TestProducerRealizationsCharging(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	g, f := d.NodeByName("g"), d.NodeByName("f")
	params := DefaultParams()

	// f computed once at the root, and reused by the 8 tiles of g: g reads its footprint.
	reused := producerConsumerRoot(t, d, &params)
	reusedFeat := stateWithRoot(reused).ComputeFeaturization(d, &params, cpuTarget)[g.Stages[0]]
	require.NotNil(t, reusedFeat)
	assert.Equal(t, 1026.0*4, reusedFeat.UniqueGlobalBytesReadPerRealization)
	assert.Equal(t, 1026.0*4, reusedFeat.GlobalAllocationBytesReadPerRealization)

	// f computed in each tile of g: every one of its 8 realizations is charged whole,
	// including the halo recomputed by neighboring tiles.
	root, _ := NewRoot().ComputeHere(g, true, 0, false, &params, cpuTarget)
	_, outer := root.children[0].ParallelizeInTiles([]int64{8}, root, &params, cpuTarget, false, false)
	tile := outer.clone()
	tile.computeHere(f, true, 0, false, &params, cpuTarget)
	tile.storeAt.Insert(f)
	root.children[0] = tile
	perTile, _ := regionBytesAndLines(f, tile.GetBounds(f).Computed)
	assert.Equal(t, 130.0*4, perTile)

	nestedFeat := stateWithRoot(root).ComputeFeaturization(d, &params, cpuTarget)[g.Stages[0]]
	require.NotNil(t, nestedFeat)
	assert.Equal(t, 8*perTile, nestedFeat.UniqueGlobalBytesReadPerRealization)
	assert.Equal(t, 8*perTile, nestedFeat.GlobalAllocationBytesReadPerRealization)
	assert.Greater(t, nestedFeat.UniqueGlobalBytesReadPerRealization, reusedFeat.UniqueGlobalBytesReadPerRealization)

	fFeat := stateWithRoot(root).ComputeFeaturization(d, &params, cpuTarget)[f.Stages[0]]
	require.NotNil(t, fFeat)
	assert.Equal(t, 8.0, fFeat.NumRealizations)
}
