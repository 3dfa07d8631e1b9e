// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/dag/dagtest"
	"github.com/gomlx/autosched/pkg/features"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// smallParams returns parameters for a quick search.
func smallParams(t *testing.T, settings string) Params {
	t.Helper()
	p := DefaultParams()
	require.NoError(t, p.ParseSettings("beam_size=4;num_passes=2;parallelism=8"))
	if settings != "" {
		require.NoError(t, p.ParseSettings(settings))
	}
	return p
}

// requireComplete checks that every Func of the DAG got exactly one location.
func requireComplete(t *testing.T, d *dag.FunctionDAG, target Target, result *Result) {
	t.Helper()
	require.NotNil(t, result.Best)
	assert.Equal(t, 2*len(d.Nodes), result.Best.NumDecisionsMade())
	assert.Greater(t, result.Best.Cost(), 0.0)
	assert.Less(t, result.Best.Cost(), InfeasibleCost)
	requireWellFormed(t, result.Best.Root(), target)
	require.NotEmpty(t, result.Directives)
	assert.Contains(t, result.Transcript, decisionPrefix)

	recorder := &RecordingAPI{Directives: result.Directives}
	for _, n := range d.Nodes {
		locations := 0
		var location DirectiveKind
		for _, directive := range recorder.ForStage(n.Name) {
			switch directive.Kind {
			case DirectiveComputeRoot, DirectiveComputeAt, DirectiveComputeInline:
				locations++
				location = directive.Kind
			}
		}
		if n.IsInput {
			assert.Zero(t, locations, "input %s", n.Name)
			continue
		}
		require.Equal(t, 1, locations, "Func %s:\n%s", n.Name, result.Transcript)
		if n.IsOutput {
			assert.Equal(t, DirectiveComputeRoot, location, "output %s", n.Name)
		}
	}
}

func TestSchedule(t *testing.T) {
	for name, d := range map[string]*dag.FunctionDAG{
		"producer_consumer": dagtest.ProducerConsumer(1024),
		"pointwise_chain":   dagtest.PointwiseChain(3, 64, 64),
		"blur":              dagtest.Blur(128, 128),
		"reduction":         dagtest.Reduction(64, 16),
	} {
		t.Run(name+"/cpu", func(t *testing.T) {
			result, err := Schedule(context.Background(), d, smallParams(t, ""), cpuTarget, nil)
			require.NoError(t, err)
			requireComplete(t, d, cpuTarget, result)
			assert.NotContains(t, result.Transcript, "gpu_")
			assert.Greater(t, result.Stats.NumStatesAdded, 0)
			assert.Greater(t, result.Stats.NumCostModelEvaluations, 0)
		})
	}

	// On GPU every Func computed at the root runs on blocks.
	for name, d := range map[string]*dag.FunctionDAG{
		"producer_consumer": dagtest.ProducerConsumer(1024),
		"pointwise_chain":   dagtest.PointwiseChain(2, 256, 256),
	} {
		t.Run(name+"/gpu", func(t *testing.T) {
			gpu := GPUTarget()
			result, err := Schedule(context.Background(), d, smallParams(t, ""), gpu, nil)
			require.NoError(t, err)
			requireComplete(t, d, gpu, result)
			recorder := &RecordingAPI{Directives: result.Directives}
			for _, directive := range result.Directives {
				if directive.Kind != DirectiveComputeRoot {
					continue
				}
				onGPU := false
				for _, other := range recorder.ForStage(directive.Stage) {
					if other.Kind == DirectiveGPUBlocks || other.Kind == DirectiveGPUSingleThread {
						onGPU = true
					}
				}
				assert.True(t, onGPU, "%s computed at the root without blocks:\n%s", directive.Func, result.Transcript)
			}
		})
	}
}

func TestScheduleDeterministic(t *testing.T) {
	d := dagtest.Blur(128, 128)
	params := smallParams(t, "random_dropout=50;random_dropout_seed=3")
	first, err := Schedule(context.Background(), d, params, cpuTarget, nil)
	require.NoError(t, err)
	second, err := Schedule(context.Background(), d, params, cpuTarget, nil)
	require.NoError(t, err)
	assert.Equal(t, first.Transcript, second.Transcript)
	assert.Equal(t, first.Best.Cost(), second.Best.Cost())
}

func TestSchedulePartialSchedule(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	result, err := Schedule(context.Background(), d, smallParams(t, ""), cpuTarget, nil)
	require.NoError(t, err)

	path := filepath.Join(t.TempDir(), "schedule.txt")
	require.NoError(t, os.WriteFile(path, []byte(result.Transcript), 0o644))
	pinned, err := LoadPartialSchedule(path)
	require.NoError(t, err)
	require.Equal(t, result.Best.Decisions(), pinned)

	// A greedy search follows the pinned decisions.
	replay, err := Schedule(context.Background(), d,
		smallParams(t, "beam_size=1;num_passes=1;partial_schedule_path="+path), cpuTarget, nil)
	require.NoError(t, err)
	assert.Equal(t, pinned, replay.Best.Decisions())
	assert.Equal(t, result.Best.Cost(), replay.Best.Cost())

	// Only a prefix can be pinned too.
	prefix := filepath.Join(t.TempDir(), "prefix.txt")
	require.NoError(t, os.WriteFile(prefix, []byte(pinned[0].String()+"\n"), 0o644))
	replay, err = Schedule(context.Background(), d,
		smallParams(t, "beam_size=1;num_passes=1;partial_schedule_path="+prefix), cpuTarget, nil)
	require.NoError(t, err)
	assert.Equal(t, pinned[0], replay.Best.Decisions()[0])

	_, err = Schedule(context.Background(), d,
		smallParams(t, "partial_schedule_path="+filepath.Join(t.TempDir(), "missing.txt")), cpuTarget, nil)
	require.Error(t, err)
}

func TestScheduleProgress(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	var calls, lastDecision int
	_, err := Schedule(context.Background(), d, smallParams(t, ""), cpuTarget, nil,
		WithProgress(func(pass, numPasses, decision, numDecisions int) {
			calls++
			assert.Equal(t, 2, numPasses)
			assert.Equal(t, 2*len(d.Nodes), numDecisions)
			assert.LessOrEqual(t, decision, numDecisions)
			lastDecision = decision
		}))
	require.NoError(t, err)
	assert.Equal(t, 2*2*len(d.Nodes), calls)
	assert.Equal(t, 2*len(d.Nodes), lastDecision)
}

func TestScheduleErrors(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := Schedule(ctx, d, smallParams(t, ""), cpuTarget, nil)
	require.ErrorIs(t, err, context.Canceled)

	params := DefaultParams()
	params.BeamSize = 0
	_, err = Schedule(context.Background(), d, params, cpuTarget, nil)
	require.Error(t, err)

	_, err = Schedule(context.Background(), d,
		smallParams(t, "weights_path="+filepath.Join(t.TempDir(), "missing.json")), cpuTarget, nil)
	require.Error(t, err)

	model := &fakeModel{err: errors.New("model failure")}
	_, err = Schedule(context.Background(), d, smallParams(t, ""), cpuTarget, model)
	require.ErrorContains(t, err, "model failure")
}

// fakeModel costs every schedule by its number of stages computed at the root.
type fakeModel struct {
	pipelines int
	batch     []fakeQuery
	err       error
}

type fakeQuery struct {
	schedule map[*dag.Stage]*features.ScheduleFeatures
	cost     *float64
}

func (m *fakeModel) SetPipeline(*dag.FunctionDAG) {
	m.pipelines++
	m.batch = nil
}

func (m *fakeModel) Enqueue(schedule map[*dag.Stage]*features.ScheduleFeatures, cost *float64, _ *[]float64) {
	m.batch = append(m.batch, fakeQuery{schedule, cost})
}

func (m *fakeModel) EvaluateCosts() error {
	if m.err != nil {
		return m.err
	}
	for _, q := range m.batch {
		*q.cost = 1
		for _, f := range q.schedule {
			if f.NumRealizations == 1 {
				*q.cost++
			}
		}
	}
	m.batch = nil
	return nil
}

func (m *fakeModel) Reset() { m.batch = nil }

func TestScheduleCustomModel(t *testing.T) {
	d := dagtest.ProducerConsumer(1024)
	model := &fakeModel{}
	result, err := Schedule(context.Background(), d, smallParams(t, ""), cpuTarget, model)
	require.NoError(t, err)
	assert.Equal(t, 1, model.pipelines)
	requireComplete(t, d, cpuTarget, result)
	assert.Empty(t, model.batch)
}

func TestParseDecisions(t *testing.T) {
	transcript := strings.Join([]string{
		"g.compute_root();",
		"# decision g 0",
		"  # decision g 3  ",
		"# a comment",
		"# decision f 12",
	}, "\n")
	decisions, err := ParseDecisions(strings.NewReader(transcript))
	require.NoError(t, err)
	assert.Equal(t, []Decision{{"g", 0}, {"g", 3}, {"f", 12}}, decisions)
	assert.Equal(t, "# decision f 12", decisions[2].String())

	_, err = ParseDecisions(strings.NewReader("# decision f"))
	require.ErrorContains(t, err, "line 1")
	_, err = ParseDecisions(strings.NewReader("\n# decision f x"))
	require.ErrorContains(t, err, "line 2")

	decisions, err = ParseDecisions(strings.NewReader(""))
	require.NoError(t, err)
	assert.Empty(t, decisions)
}
