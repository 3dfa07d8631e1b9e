// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"bytes"
	"slices"
	"strings"
	"testing"

	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/dag/dagtest"
	"github.com/gomlx/autosched/pkg/features"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// producerConsumerRoot computes both Funcs of dagtest.ProducerConsumer(1024) at the root,
// with g split in 8 parallel tasks.
func producerConsumerRoot(t *testing.T, d *dag.FunctionDAG, params *Params) *LoopNest {
	t.Helper()
	g, f := d.NodeByName("g"), d.NodeByName("f")
	root, _ := NewRoot().ComputeHere(g, true, 0, false, params, cpuTarget)
	_, outer := root.children[0].ParallelizeInTiles([]int64{8}, root, params, cpuTarget, false, false)
	root.children[0] = outer
	root, _ = root.ComputeHere(f, true, 0, false, params, cpuTarget)
	root.storeAt.Insert(f)
	return root
}

func requireLines(t *testing.T, transcript string, lines ...string) {
	t.Helper()
	for _, line := range lines {
		assert.Contains(t, transcript, line+"\n", "transcript:\n%s", transcript)
	}
}

func TestApplyCPU(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	params := DefaultParams()
	root := producerConsumerRoot(t, d, &params)

	recorder := &RecordingAPI{}
	require.NoError(t, root.Apply(d, cpuTarget, recorder))
	transcript := recorder.Transcript()
	requireLines(t, transcript,
		"g.compute_root();",
		"g.split(x, xo, xi, 128);",
		"g.split(xi, xio, xii, 4);",
		"g.reorder(xii, xio, xo);",
		"g.parallel(xo);",
		"g.vectorize(xii);",
		"f.compute_root();",
		"f.split(x, xo, xi, 4);",
		"f.reorder(xi, xo);",
		"f.vectorize(xi);")
	assert.NotContains(t, transcript, "f.parallel")
	assert.NotContains(t, transcript, "gpu_")

	// Directives of a stage are issued together, location first.
	gDirectives := recorder.ForStage("g")
	require.NotEmpty(t, gDirectives)
	assert.Equal(t, DirectiveComputeRoot, gDirectives[0].Kind)
	assert.Equal(t, "g", recorder.Directives[0].Stage, "consumers are scheduled first")
}

func TestApplyGPU(t *testing.T) {
	d := dagtest.PointwiseChain(1, 256, 256)
	params := DefaultParams()
	root, _ := gpuBlocksAtRoot(t, d.NodeByName("f0"), []int64{32, 8}, &params)

	recorder := &RecordingAPI{}
	require.NoError(t, root.Apply(d, GPUTarget(), recorder))
	requireLines(t, recorder.Transcript(),
		"f0.compute_root();",
		"f0.split(x, xo, xi, 128);",
		"f0.split(y, yo, yi, 8);",
		"f0.split(xi, xio, xii, 4);",
		"f0.gpu_blocks(xo, yo);",
		"f0.gpu_threads(xio, yi);",
		"f0.vectorize(xii);")

	// Threads without blocks run in a single block.
	root, _ = NewRoot().ComputeHere(d.NodeByName("f0"), true, 0, false, &params, GPUTarget())
	recorder = &RecordingAPI{}
	require.NoError(t, root.Apply(d, GPUTarget(), recorder))
	requireLines(t, recorder.Transcript(), "f0.gpu_single_thread();")
}

func TestApplyGPUStaging(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	f := d.NodeByName("f")
	params := DefaultParams()
	gpu := GPUTarget()
	root, _ := gpuBlocksAtRoot(t, d.NodeByName("g"), []int64{32}, &params)
	root, _ = root.ComputeHere(f, true, 0, false, &params, gpu)
	root.storeAt.Insert(f)

	// Each thread computes one vector of g: it needs 6 points of f, loaded once into registers.
	recorder := &RecordingAPI{}
	require.NoError(t, root.Apply(d, gpu, recorder))
	transcript := recorder.Transcript()
	requireLines(t, transcript,
		"g.gpu_threads(xio);",
		"f.in(g);",
		"f_in_g.compute_at(g, xio);",
		"f_in_g.store_in(MemoryType::Register);",
		"f_in_g.unroll(x);",
		"f.compute_root();")
	staged := recorder.ForStage(wrapperName("f", "g"))
	require.Len(t, staged, 3)
	assert.Equal(t, DirectiveComputeAt, staged[0].Kind)
	assert.Equal(t, 1, strings.Count(transcript, ".in("), "inputs are not staged")

	// f is computed in one thread, and nothing is staged for it.
	assert.NotContains(t, transcript, "input_in_f")

	// Nothing is staged on CPU.
	recorder = &RecordingAPI{}
	require.NoError(t, producerConsumerRoot(t, d, &params).Apply(d, cpuTarget, recorder))
	assert.NotContains(t, recorder.Transcript(), ".in(")
}

func TestApplyErrors(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	params := DefaultParams()
	root, _ := NewRoot().ComputeHere(d.NodeByName("g"), true, 0, false, &params, cpuTarget)
	require.ErrorContains(t, root.Apply(d, cpuTarget, &RecordingAPI{}), "stage f is not scheduled")
	require.Error(t, root.children[0].Apply(d, cpuTarget, &RecordingAPI{}))

	// Errors of the API stop the application.
	root = producerConsumerRoot(t, d, &params)
	api := &failingAPI{failAfter: 2}
	err := root.Apply(d, cpuTarget, api)
	require.ErrorIs(t, err, errAPI)
	assert.Equal(t, 3, api.calls)

	s := stateWithRoot(root)
	require.ErrorIs(t, s.ApplySchedule(d, cpuTarget, &failingAPI{}), errAPI)
	assert.Empty(t, s.ScheduleSource())
	require.NoError(t, s.ApplySchedule(d, cpuTarget, &RecordingAPI{}))
	assert.Contains(t, s.ScheduleSource(), "g.compute_root();\n")
}

var errAPI = errors.New("api failure")

type failingAPI struct {
	failAfter, calls int
}

func (f *failingAPI) Apply(Directive) error {
	f.calls++
	if f.calls > f.failAfter {
		return errAPI
	}
	return nil
}

func TestDirectiveString(t *testing.T) {
	assert.Equal(t, "f.compute_at(g, xo);",
		Directive{Func: "f", Stage: "f", Kind: DirectiveComputeAt, Args: []string{"g", "xo"}}.String())
	assert.Equal(t, "sum.store_root();",
		Directive{Func: "sum", Stage: "sum_update_0", Kind: DirectiveStoreRoot}.String())
	assert.Equal(t, "sum_update_0.unroll(r);",
		Directive{Func: "sum", Stage: "sum_update_0", Kind: DirectiveUnroll, Args: []string{"r"}}.String())
	assert.Equal(t, "DirectiveKind(99)", DirectiveKind(99).String())
	assert.Equal(t, "f.in(g);", Directive{Func: "f", Stage: "f", Kind: DirectiveIn, Args: []string{"g"}}.String())

	kind, err := DirectiveKindString("gpu_single_thread")
	require.NoError(t, err)
	assert.Equal(t, DirectiveGPUSingleThread, kind)
	_, err = DirectiveKindString("parallelize")
	require.Error(t, err)
	assert.Equal(t, "Registers", MemoryRegisters.String())
	assert.True(t, MemoryInlined.IsAMemoryType())
}

func TestSites(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	g, f := d.NodeByName("g"), d.NodeByName("f")
	params := DefaultParams()
	root := producerConsumerRoot(t, d, &params)
	sites := root.GetSites(cpuTarget)

	gSite := sites.Get(g.Stages[0])
	require.NotNil(t, gSite)
	assert.Same(t, root, gSite.Compute)
	require.NotNil(t, gSite.Produce)
	assert.True(t, gSite.Produce.Parallel())
	require.NotNil(t, gSite.Innermost)
	assert.True(t, gSite.Innermost.Innermost())

	fSite := sites.Get(f.Stages[0])
	require.NotNil(t, fSite)
	assert.Same(t, root, fSite.Store)
	assert.Same(t, fSite.Produce, fSite.Task, "serial loops at the root are tasks")
	assert.Equal(t, MemoryGlobal, fSite.StoreMemoryType)
	assert.Same(t, root, sites.DeepestCommonAncestor(gSite.Innermost, fSite.Innermost))
	assert.Same(t, gSite.Produce, sites.DeepestCommonAncestor(gSite.Innermost, gSite.Produce))
	assert.Same(t, gSite.Produce, sites.Parent(gSite.Produce.children[0]))

	// Unscheduled producers are placed with their consumers.
	partial, _ := NewRoot().ComputeHere(g, true, 0, false, &params, cpuTarget)
	sites = partial.GetSites(cpuTarget)
	assert.Nil(t, sites.Get(f.Stages[0]))
	sites.PlaceUnscheduled(d, cpuTarget)
	fSite = sites.Get(f.Stages[0])
	require.NotNil(t, fSite)
	assert.Same(t, partial, fSite.Compute)
	assert.Nil(t, sites.Get(d.NodeByName("input").Stages[0]), "inputs are never placed")
}

func TestSaveFeaturization(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	f := d.NodeByName("f")
	params := DefaultParams()
	s := stateWithRoot(producerConsumerRoot(t, d, &params))

	var buf bytes.Buffer
	require.NoError(t, s.SaveFeaturization(&buf, d, &params, cpuTarget))
	saved, err := features.ReadFeaturization(&buf)
	require.NoError(t, err)
	require.Equal(t, 2, saved.NumStages(), "the input is not saved")

	// The innermost stage, the producer, comes first.
	feats := s.ComputeFeaturization(d, &params, cpuTarget)
	want := feats[f.Stages[0]]
	require.NotNil(t, want)
	names := features.ScheduleFeatureNames()
	idx := slices.Index(names, "points_computed_total")
	require.GreaterOrEqual(t, idx, 0)
	assert.Equal(t, float32(want.PointsComputedTotal), saved.Schedule[0][idx])
	assert.GreaterOrEqual(t, saved.Schedule[0][idx], float32(1026), "f computed over [-1, 1024]")
}
