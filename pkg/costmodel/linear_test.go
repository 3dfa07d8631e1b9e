// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package costmodel

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/dag/dagtest"
	"github.com/gomlx/autosched/pkg/features"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLinearTerms(t *testing.T) {
	m := NewLinear(8)
	var p features.PipelineFeatures
	terms := make([]float64, NumTerms)

	// CPU: 8 parallel tasks over 4 lanes, computing twice the minimum.
	f := &features.ScheduleFeatures{
		PointsComputedTotal:   1024,
		PointsComputedMinimum: 512,
		InnerParallelism:      4,
		OuterParallelism:      8,
		NumProductions:        3,
	}
	m.Terms(&p, f, terms)
	assert.InDelta(t, 32.0, terms[TermCompute], 1e-9)
	assert.InDelta(t, 64.0, terms[TermRedundantCompute], 1e-9)
	assert.Equal(t, 3.0, terms[TermProductions])
	assert.Zero(t, terms[TermCachePressure])
	assert.Zero(t, terms[TermIdleLanes])
	assert.Zero(t, terms[TermLowOccupancy])

	// More tasks than cores don't help.
	f.OuterParallelism = 64
	m.Terms(&p, f, terms)
	assert.InDelta(t, 32.0, terms[TermCompute], 1e-9)

	// GPU: 10 blocks of 32 threads, half the lanes idle.
	gpu := &features.ScheduleFeatures{
		PointsComputedTotal: 1024,
		NumBlocks:           10,
		InnerParallelism:    32,
		WarpLaneUtilization: 0.5,
		MaxWarpOccupancy:    1,
	}
	m.Terms(&p, gpu, terms)
	assert.InDelta(t, 1.6, terms[TermIdleLanes], 1e-9)
	assert.Zero(t, terms[TermLowOccupancy])

	// Working sets larger than the cache pay for it.
	f.WorkingSetAtTask = 4 * cacheBytes
	m.Terms(&p, f, terms)
	assert.Greater(t, terms[TermCachePressure], 0.0)
}

func scheduleOf(d *dag.FunctionDAG, pointsComputed float64) map[*dag.Stage]*features.ScheduleFeatures {
	schedule := make(map[*dag.Stage]*features.ScheduleFeatures)
	for _, s := range d.Stages() {
		if s.Node.IsInput {
			continue
		}
		schedule[s] = &features.ScheduleFeatures{
			PointsComputedTotal:   pointsComputed,
			PointsComputedMinimum: 1024,
			InnerParallelism:      4,
			OuterParallelism:      4,
			NumRealizations:       1,
			NumProductions:        1,
		}
	}
	return schedule
}

func TestLinearEvaluateCosts(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	for _, maxParallelism := range []int{0, 1, -1} {
		m := NewLinear(4).WithMaxParallelism(maxParallelism)
		m.SetPipeline(d)

		var cheap, expensive float64
		var cheapStages []float64
		m.Enqueue(scheduleOf(d, 1024), &cheap, &cheapStages)
		m.Enqueue(scheduleOf(d, 4096), &expensive, nil)
		require.NoError(t, m.EvaluateCosts())
		assert.Equal(t, 2, m.NumEvaluated)
		assert.Greater(t, cheap, 0.0)
		assert.Greater(t, expensive, cheap)

		// Stage costs add up to the total.
		require.Len(t, cheapStages, d.NumStages)
		var sum float64
		for _, c := range cheapStages {
			sum += c
		}
		assert.InDelta(t, cheap, sum, 1e-6*cheap)
		for _, s := range d.Stages() {
			if s.Node.IsInput {
				assert.Zero(t, cheapStages[s.ID], "input %s has no cost", s.Name)
			}
		}

		// The batch is empty after evaluation.
		require.NoError(t, m.EvaluateCosts())
		assert.Equal(t, 2, m.NumEvaluated)
	}
}

func TestLinearReset(t *testing.T) {
	d := dagtest.ProducerConsumer(64)
	m := NewLinear(1)
	m.SetPipeline(d)
	cost := -1.0
	m.Enqueue(scheduleOf(d, 64), &cost, nil)
	m.Reset()
	require.NoError(t, m.EvaluateCosts())
	assert.Equal(t, -1.0, cost)
	assert.Zero(t, m.NumEvaluated)
}

func TestLinearWithoutPipeline(t *testing.T) {
	d := dagtest.ProducerConsumer(64)
	m := NewLinear(1)
	var cost float64
	m.Enqueue(scheduleOf(d, 64), &cost, nil)
	require.Error(t, m.EvaluateCosts())
}

func TestLinearWeights(t *testing.T) {
	m := NewLinear(1)
	assert.Equal(t, DefaultWeights, m.Weights())
	assert.Panics(t, func() { m.WithWeights([]float64{1, 2}) })

	weights := make([]float64, NumTerms)
	weights[TermCompute] = 2
	m.WithWeights(weights)
	weights[TermCompute] = 3
	assert.Equal(t, 2.0, m.Weights()[TermCompute], "WithWeights must copy the weights")
}

func TestLoadWeights(t *testing.T) {
	dir := t.TempDir()
	m := NewLinear(1)

	good := filepath.Join(dir, "good.json")
	require.NoError(t, os.WriteFile(good,
		[]byte(`{"weights": [1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12]}`), 0o644))
	require.NoError(t, m.LoadWeights(good))
	assert.Equal(t, []float64{1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12}, m.Weights())

	short := filepath.Join(dir, "short.json")
	require.NoError(t, os.WriteFile(short, []byte(`{"weights": [1, 2]}`), 0o644))
	require.ErrorContains(t, m.LoadWeights(short), "got 2 weights")

	malformed := filepath.Join(dir, "malformed.json")
	require.NoError(t, os.WriteFile(malformed, []byte(`{"weights": `), 0o644))
	require.Error(t, m.LoadWeights(malformed))

	require.Error(t, m.LoadWeights(filepath.Join(dir, "missing.json")))
	// Failed loads keep the previous weights.
	assert.Equal(t, 1.0, m.Weights()[TermCompute])
}
