// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"fmt"
	"io"
	"slices"
	"strings"

	"github.com/gomlx/autosched/pkg/costmodel"
	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/features"
	"github.com/gomlx/autosched/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// InfeasibleCost is the cost of states that can't be scheduled.
const InfeasibleCost = 1e50

// maxRecomputeRatio rejects schedules computing a stage this many times more than needed.
const maxRecomputeRatio = 10

// State is a node of the beam search: a schedule where the first NumDecisionsMade
// decisions were made. States are immutable once their cost is calculated.
type State struct {
	parent *State
	root   *LoopNest

	cost         float64
	costPerStage []float64

	numDecisionsMade int
	// decisionNode and decisionOption record the decision that created this state.
	decisionNode   *dag.Node
	decisionOption int

	// alwaysConsiderInline holds the Funcs for which inlining is never pruned.
	alwaysConsiderInline sets.Set[*dag.Node]

	scheduleSource string
}

// NewState returns the initial state: nothing scheduled.
func NewState() *State {
	return &State{
		root:                 NewRoot(),
		alwaysConsiderInline: sets.Make[*dag.Node](),
	}
}

// MakeChild returns a new state sharing the schedule of s, with one more decision made.
// Its root is replaced by the caller.
func (s *State) MakeChild() *State {
	return &State{
		parent:               s,
		root:                 s.root,
		numDecisionsMade:     s.numDecisionsMade + 1,
		alwaysConsiderInline: s.alwaysConsiderInline.Clone(),
	}
}

// Root returns the root of the schedule.
func (s *State) Root() *LoopNest { return s.root }

// Parent returns the state this one was derived from, nil for the initial state.
func (s *State) Parent() *State { return s.parent }

// Cost returns the cost of the schedule, valid after the cost model evaluated it.
func (s *State) Cost() float64 { return s.cost }

// CostPerStage returns the cost of each stage, indexed by Stage.ID.
func (s *State) CostPerStage() []float64 { return s.costPerStage }

// NumDecisionsMade returns the number of decisions leading to this state.
func (s *State) NumDecisionsMade() int { return s.numDecisionsMade }

// ScheduleSource returns the transcript of the directives, after ApplySchedule.
func (s *State) ScheduleSource() string { return s.scheduleSource }

// UpdateAlwaysConsiderInline marks n as a Func whose inlining must never be pruned.
func (s *State) UpdateAlwaysConsiderInline(n *dag.Node) {
	s.alwaysConsiderInline.Insert(n)
}

// AlwaysConsiderInline returns whether inlining n is never pruned.
func (s *State) AlwaysConsiderInline(n *dag.Node) bool {
	return s.alwaysConsiderInline.Has(n)
}

// ExceedsSharedMemoryLimit returns whether any GPU block allocates more shared memory than
// the limit.
func (s *State) ExceedsSharedMemoryLimit(params *Params, target Target) bool {
	if !target.GPU {
		return false
	}
	limit := params.SharedMemoryLimit()
	for _, c := range s.root.children {
		if c.gpuLabel == GPUBlock && c.TotalSharedMemAllocSize() > limit {
			return true
		}
	}
	return false
}

// ExceedsLocalMemoryLimit returns whether the constant sized allocations in GPU threads
// exceed the stack budget, or all allocations in threads exceed the local memory.
func (s *State) ExceedsLocalMemoryLimit(params *Params, target Target) bool {
	if !target.GPU {
		return false
	}
	if s.root.TotalConstantLocalMemAllocSize() > params.StackMemoryLimit() {
		return true
	}
	return s.root.TotalLocalMemAllocSize() > localMemoryLimit
}

// RootForFeatures returns the schedule to featurize: on GPU, loops computed at the root
// whose parallelization wasn't decided yet are split into blocks of threads.
func (s *State) RootForFeatures(params *Params, target Target) *LoopNest {
	if !target.GPU {
		return s.root
	}
	var newRoot *LoopNest
	for ii, c := range s.root.children {
		if c.gpuLabel != GPUNone {
			continue
		}
		if newRoot == nil {
			newRoot = s.root.clone()
		}
		parallel := c.clone()
		parallel.gpuLabel = GPUParallelized
		threads := make([]int64, c.stage.NumPureLoops())
		for jj, loop := range c.stage.Loops {
			if !loop.Pure {
				continue
			}
			threads[loop.PureDim] = 1
			if jj == c.vectorizedLoopIndex || (c.vectorizedLoopIndex < 0 && loop.PureDim == 0) {
				threads[loop.PureDim] = min(c.size[jj], target.WarpSize)
			}
		}
		_, outer := parallel.parallelizeInTiles(threads, newRoot, params, target,
			splitOptions{innerTiling: true, moveRVarsInward: true})
		newRoot.children[ii] = outer
	}
	if newRoot == nil {
		return s.root
	}
	return newRoot
}

// ComputeFeaturization returns the features of every scheduled stage.
func (s *State) ComputeFeaturization(d *dag.FunctionDAG, params *Params, target Target) StageFeatures {
	root := s.RootForFeatures(params, target)
	sites := root.GetSites(target)
	if target.GPU {
		root.PromoteAllocsToRegisters(target, sites)
	}
	sites.PlaceUnscheduled(d, target)
	feats := make(StageFeatures)
	root.ComputeFeatures(d, params, target, sites, feats)
	return feats
}

// CalculateCost checks the legality of the schedule and enqueues its features in the cost
// model. The cost is set once the model evaluates its batch. It returns false if the state
// is rejected, in which case its cost is InfeasibleCost.
func (s *State) CalculateCost(d *dag.FunctionDAG, params *Params, target Target, model costmodel.CostModel,
	stats *Statistics) bool {
	if stats == nil {
		stats = &Statistics{}
	}
	reject := func(reason string) bool {
		s.cost = InfeasibleCost
		stats.reject(reason)
		klog.V(3).Infof("state rejected (%s):\n%s", reason, s.root.Dump())
		return false
	}
	if !s.root.HasValidThreadExtents(target) {
		return reject("thread extents")
	}
	if s.ExceedsSharedMemoryLimit(params, target) {
		return reject("shared memory")
	}
	if s.ExceedsLocalMemoryLimit(params, target) {
		return reject("local memory")
	}
	if s.root.ExceedsSerialExtentsLimit(target) {
		return reject("serial extents")
	}

	feats := s.ComputeFeaturization(d, params, target)
	stats.NumFeaturizations++
	for stage, f := range feats {
		if s.alwaysConsiderInline.Has(stage.Node) || f.PointsComputedMinimum <= 0 {
			continue
		}
		if f.PointsComputedTotal > maxRecomputeRatio*f.PointsComputedMinimum {
			return reject("recompute")
		}
	}
	if s.root.MaxInlinedCalls() >= maxInlinedCalls {
		return reject("inlined calls")
	}

	s.cost = 0
	model.Enqueue(feats, &s.cost, &s.costPerStage)
	stats.NumCostModelEvaluations++
	return true
}

// SaveFeaturization writes the features of the schedule, one record per stage with the
// innermost stage first.
func (s *State) SaveFeaturization(w io.Writer, d *dag.FunctionDAG, params *Params, target Target) error {
	feats := s.ComputeFeaturization(d, params, target)
	stages := d.Stages()
	records := make([]features.Record, 0, len(stages))
	for _, stage := range slices.Backward(stages) {
		if stage.Node.IsInput {
			continue
		}
		r := features.Record{Pipeline: stage.Features}
		if f, found := feats[stage]; found {
			r.Schedule = *f
		}
		records = append(records, r)
	}
	return errors.WithMessagef(features.WriteFeaturization(w, records), "saving featurization of %d stages", len(records))
}

// ApplySchedule issues the directives of the schedule to api, and records their transcript
// as the schedule source.
func (s *State) ApplySchedule(d *dag.FunctionDAG, target Target, api ScheduleAPI) error {
	recorder := &RecordingAPI{}
	if err := s.root.Apply(d, target, recorder); err != nil {
		return err
	}
	for _, directive := range recorder.Directives {
		if err := api.Apply(directive); err != nil {
			return errors.WithMessagef(err, "applying %s", directive)
		}
	}
	s.scheduleSource = recorder.Transcript()
	return nil
}

// Decisions returns the decisions leading to this state, in order.
func (s *State) Decisions() []Decision {
	var decisions []Decision
	for st := s; st != nil && st.decisionNode != nil; st = st.parent {
		decisions = append(decisions, Decision{Node: st.decisionNode.Name, Option: st.decisionOption})
	}
	slices.Reverse(decisions)
	return decisions
}

// Dump returns a human-readable description of the state.
func (s *State) Dump() string {
	var sb strings.Builder
	_, _ = fmt.Fprintf(&sb, "State with cost %g after %d decisions:\n", s.cost, s.numDecisionsMade)
	sb.WriteString(s.root.Dump())
	if len(s.costPerStage) > 0 {
		_, _ = fmt.Fprintf(&sb, "Cost per stage: %v\n", s.costPerStage)
	}
	return sb.String()
}
