// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package costmodel

import (
	"encoding/json"
	"math"
	"slices"

	"github.com/gomlx/autosched/internal/workerspool"
	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/features"
	"github.com/gomlx/autosched/pkg/support/fsutil"
	"github.com/pkg/errors"
	"gonum.org/v1/gonum/floats"
	"k8s.io/klog/v2"
)

// Terms of the linear model, derived from the features of one stage.
const (
	TermCompute = iota
	TermRedundantCompute
	TermInlinedCompute
	TermGlobalLoads
	TermSharedLoads
	TermStores
	TermAllocations
	TermCachePressure
	TermProductions
	TermIdleLanes
	TermUncoalescedLoads
	TermLowOccupancy
	NumTerms
)

// DefaultWeights of the terms of the linear model.
var DefaultWeights = []float64{
	TermCompute:          1,
	TermRedundantCompute: 0.1,
	TermInlinedCompute:   0.5,
	TermGlobalLoads:      0.25,
	TermSharedLoads:      0.05,
	TermStores:           0.25,
	TermAllocations:      1000,
	TermCachePressure:    0.1,
	TermProductions:      100,
	TermIdleLanes:        0.5,
	TermUncoalescedLoads: 0.5,
	TermLowOccupancy:     0.25,
}

// cacheBytes is the size of the working set that fits in cache without pressure.
const cacheBytes = 256 * 1024

type query struct {
	schedule   map[*dag.Stage]*features.ScheduleFeatures
	cost       *float64
	stageCosts *[]float64
}

// Linear is a CostModel whose cost is a weighted sum of analytical terms per stage.
//
// It's not safe for concurrent use: batches are evaluated in parallel internally.
type Linear struct {
	weights     []float64
	parallelism float64
	pool        *workerspool.Pool
	dag         *dag.FunctionDAG
	batch       []query

	// NumEvaluated counts the schedules evaluated.
	NumEvaluated int
}

var _ CostModel = (*Linear)(nil)

// NewLinear returns a linear model with the default weights, for a target with the given
// number of cores.
func NewLinear(parallelism int) *Linear {
	return &Linear{
		weights:     slices.Clone(DefaultWeights),
		parallelism: float64(max(parallelism, 1)),
		pool:        workerspool.New(),
	}
}

// WithWeights sets the weights of the terms. It panics if there are not NumTerms weights.
func (m *Linear) WithWeights(weights []float64) *Linear {
	if len(weights) != NumTerms {
		panic(errors.Errorf("costmodel.Linear: %d weights given, %d terms", len(weights), NumTerms))
	}
	m.weights = slices.Clone(weights)
	return m
}

// WithMaxParallelism limits the goroutines evaluating a batch. 0 evaluates inline.
func (m *Linear) WithMaxParallelism(maxParallelism int) *Linear {
	m.pool.SetMaxParallelism(maxParallelism)
	return m
}

// Weights returns the weights of the terms.
func (m *Linear) Weights() []float64 { return m.weights }

// weightsFile is the JSON format of a weights file.
type weightsFile struct {
	Weights []float64 `json:"weights"`
}

// LoadWeights reads the weights from a JSON file of the form {"weights": [...]}.
func (m *Linear) LoadWeights(path string) error {
	contents, err := fsutil.ReadFile(path)
	if err != nil {
		return errors.WithMessage(err, "cost model weights")
	}
	var wf weightsFile
	if err = json.Unmarshal(contents, &wf); err != nil {
		return errors.Wrapf(err, "parsing cost model weights in %q", path)
	}
	if len(wf.Weights) != NumTerms {
		return errors.Errorf("cost model weights in %q: got %d weights, wanted %d", path, len(wf.Weights), NumTerms)
	}
	m.weights = wf.Weights
	klog.V(1).Infof("loaded cost model weights from %q", path)
	return nil
}

// SetPipeline implements CostModel.
func (m *Linear) SetPipeline(d *dag.FunctionDAG) {
	m.dag = d
	m.Reset()
}

// Enqueue implements CostModel.
func (m *Linear) Enqueue(schedule map[*dag.Stage]*features.ScheduleFeatures, cost *float64, stageCosts *[]float64) {
	m.batch = append(m.batch, query{schedule: schedule, cost: cost, stageCosts: stageCosts})
}

// Reset implements CostModel.
func (m *Linear) Reset() {
	m.batch = m.batch[:0]
}

// EvaluateCosts implements CostModel.
func (m *Linear) EvaluateCosts() error {
	if m.dag == nil && len(m.batch) > 0 {
		return errors.New("costmodel.Linear: EvaluateCosts called before SetPipeline")
	}
	batch := m.batch
	defer m.Reset()
	m.pool.ForEach(len(batch), func(ii int) {
		m.evaluate(batch[ii])
	})
	m.NumEvaluated += len(batch)
	for _, q := range batch {
		if math.IsNaN(*q.cost) {
			return errors.Errorf("costmodel.Linear: cost evaluated to NaN")
		}
	}
	return nil
}

func (m *Linear) evaluate(q query) {
	var stageCosts []float64
	if q.stageCosts != nil {
		stageCosts = make([]float64, m.dag.NumStages)
	}
	terms := make([]float64, NumTerms)
	var total float64
	for _, s := range m.dag.Stages() {
		f, found := q.schedule[s]
		if !found {
			continue
		}
		m.Terms(&s.Features, f, terms)
		c := floats.Dot(m.weights, terms)
		total += c
		if stageCosts != nil {
			stageCosts[s.ID] = c
		}
	}
	*q.cost = total
	if q.stageCosts != nil {
		*q.stageCosts = stageCosts
	}
}

// Terms fills terms with the cost terms of one stage.
func (m *Linear) Terms(p *features.PipelineFeatures, f *features.ScheduleFeatures, terms []float64) {
	var ops float64
	for _, perType := range p.OpHistogram {
		for _, count := range perType {
			ops += float64(count)
		}
	}
	ops = max(ops, 1)
	isGPU := f.NumBlocks > 0
	cores := min(max(f.OuterParallelism, 1), m.parallelism)
	if isGPU {
		cores = max(f.NumBlocks*max(f.InnerParallelism, 1), 1)
	}
	vector := max(f.InnerParallelism, 1)

	terms[TermCompute] = f.PointsComputedTotal * ops / (vector * cores)
	terms[TermRedundantCompute] = max(0, f.PointsComputedTotal-f.PointsComputedMinimum) * ops / cores
	terms[TermInlinedCompute] = f.InlinedCalls * ops / cores
	terms[TermGlobalLoads] = f.UniqueGlobalBytesReadPerRealization * f.NumRealizations / cores
	terms[TermSharedLoads] = f.UniqueSharedBytesReadPerRealization * f.NumRealizations / cores
	terms[TermStores] = f.BytesAtProduction * f.NumProductions / cores
	terms[TermAllocations] = f.NumRealizations
	terms[TermCachePressure] = 0
	if f.WorkingSetAtTask > cacheBytes {
		terms[TermCachePressure] = f.PointsComputedTotal * math.Log2(f.WorkingSetAtTask/cacheBytes) / cores
	}
	terms[TermProductions] = f.NumProductions
	terms[TermIdleLanes], terms[TermUncoalescedLoads], terms[TermLowOccupancy] = 0, 0, 0
	if isGPU {
		terms[TermIdleLanes] = (1 - f.WarpLaneUtilization) * f.PointsComputedTotal / cores
		terms[TermUncoalescedLoads] = (1 - f.GlobalMemLoadEfficiency) * f.NumGlobalMemLoadsPerBlock * f.NumBlocks / cores
		terms[TermLowOccupancy] = (1 - f.MaxWarpOccupancy) * f.PointsComputedTotal / cores
	}
}
