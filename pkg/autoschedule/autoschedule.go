// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package autoschedule implements a cost-model-guided beam search over loop nest schedules
// (tiling, fusion, storage placement, parallelization and vectorization) of a FunctionDAG,
// for GPU and CPU targets.
//
// The schedule is a tree of LoopNest, shared between the states of the search. The search
// decides, for each Func (consumers first), where to compute it and then how to parallelize
// it. Candidates are ranked by a costmodel.CostModel over their features.
package autoschedule

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"math"
	"math/rand/v2"
	"strconv"
	"strings"
	"time"

	"github.com/emirpasic/gods/v2/queues/priorityqueue"
	"github.com/gomlx/autosched/pkg/costmodel"
	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/support/fsutil"
	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Decision is the option chosen for one decision of the search.
type Decision struct {
	Node   string
	Option int
}

const decisionPrefix = "# decision"

// String returns the decision as a transcript line.
func (d Decision) String() string {
	return fmt.Sprintf("%s %s %d", decisionPrefix, d.Node, d.Option)
}

// ParseDecisions reads the decision lines of a transcript, ignoring everything else.
func ParseDecisions(r io.Reader) ([]Decision, error) {
	var decisions []Decision
	scanner := bufio.NewScanner(r)
	lineNum := 0
	for scanner.Scan() {
		lineNum++
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, decisionPrefix) {
			continue
		}
		fields := strings.Fields(strings.TrimPrefix(line, decisionPrefix))
		if len(fields) != 2 {
			return nil, errors.Errorf("line %d: malformed decision %q", lineNum, line)
		}
		option, err := strconv.Atoi(fields[1])
		if err != nil {
			return nil, errors.Wrapf(err, "line %d: invalid option in decision %q", lineNum, line)
		}
		decisions = append(decisions, Decision{Node: fields[0], Option: option})
	}
	return decisions, errors.Wrap(scanner.Err(), "reading decisions")
}

// LoadPartialSchedule reads the decisions of a transcript file.
func LoadPartialSchedule(path string) ([]Decision, error) {
	contents, err := fsutil.ReadFile(path)
	if err != nil {
		return nil, errors.WithMessage(err, "partial schedule")
	}
	decisions, err := ParseDecisions(bytes.NewReader(contents))
	return decisions, errors.WithMessagef(err, "partial schedule %q", path)
}

// Result of a search.
type Result struct {
	// Best is the complete state with the lowest cost.
	Best *State
	// Directives implementing the best schedule.
	Directives []Directive
	// Transcript of the directives, followed by the decisions that lead to the schedule.
	Transcript string
	Stats      Statistics
}

// ProgressFn is called after each decision of each pass.
type ProgressFn func(pass, numPasses, decision, numDecisions int)

// Option configures Schedule.
type Option func(s *searcher)

// WithProgress reports the progress of the search.
func WithProgress(fn ProgressFn) Option {
	return func(s *searcher) { s.progress = fn }
}

// searcher holds the state of one Schedule call.
type searcher struct {
	dag      *dag.FunctionDAG
	params   *Params
	target   Target
	model    costmodel.CostModel
	space    *SearchSpace
	stats    *Statistics
	progress ProgressFn
	pinned   []Decision
}

// Schedule searches the best schedule of the DAG. If model is nil, a costmodel.Linear is
// used, with the weights of Params.WeightsPath if set.
//
// Invariant failures inside the search are returned as errors.
func Schedule(ctx context.Context, d *dag.FunctionDAG, params Params, target Target, model costmodel.CostModel,
	options ...Option) (*Result, error) {
	if err := params.Validate(); err != nil {
		return nil, err
	}
	if model == nil {
		linear := costmodel.NewLinear(params.Parallelism)
		if params.WeightsPath != "" {
			if err := linear.LoadWeights(params.WeightsPath); err != nil {
				return nil, err
			}
		}
		model = linear
	}
	s := &searcher{
		dag:    d,
		params: &params,
		target: target,
		model:  model,
		stats:  &Statistics{},
	}
	for _, option := range options {
		option(s)
	}
	if params.PartialSchedulePath != "" {
		var err error
		s.pinned, err = LoadPartialSchedule(params.PartialSchedulePath)
		if err != nil {
			return nil, err
		}
	}
	s.space = NewSearchSpace(d, s.params, target, model, s.stats)
	model.SetPipeline(d)

	var result *Result
	start := time.Now()
	err := exceptions.TryCatch[error](func() {
		var err error
		result, err = s.search(ctx)
		if err != nil {
			panic(err)
		}
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "auto-scheduling %d Funcs", len(d.Nodes))
	}
	s.stats.Duration = time.Since(start)
	result.Stats = *s.stats
	klog.V(1).Infof("search done: cost %g, %s", result.Best.Cost(), s.stats)
	return result, nil
}

func (s *searcher) search(ctx context.Context) (*Result, error) {
	numPasses := s.params.Passes()
	var best *State
	for pass := range numPasses {
		passBest, err := s.pass(ctx, pass, numPasses)
		if err != nil {
			return nil, err
		}
		klog.V(1).Infof("pass %d of %d: best cost %g", pass, numPasses, passBest.Cost())
		if best == nil || passBest.Cost() < best.Cost() {
			best = passBest
		}
		if pass == 0 && numPasses > 1 && s.params.FreezeInlineComputeRoot {
			s.space.FreezeLowestCostStages(best)
		}
	}
	klog.V(2).Infof("best schedule:\n%s", best.Dump())

	recorder := &RecordingAPI{}
	if err := best.ApplySchedule(s.dag, s.target, recorder); err != nil {
		return nil, err
	}
	var sb strings.Builder
	sb.WriteString(best.ScheduleSource())
	for _, decision := range best.Decisions() {
		sb.WriteString(decision.String())
		sb.WriteString("\n")
	}
	return &Result{Best: best, Directives: recorder.Directives, Transcript: sb.String()}, nil
}

// compareStates orders states by increasing cost.
func compareStates(a, b *State) int {
	switch {
	case a.cost < b.cost:
		return -1
	case a.cost > b.cost:
		return 1
	}
	return 0
}

// pass runs one beam search pass, and returns its best complete state.
func (s *searcher) pass(ctx context.Context, passIdx, numPasses int) (*State, error) {
	rng := rand.New(rand.NewPCG(uint64(s.params.RandomDropoutSeed), uint64(passIdx)))
	q := priorityqueue.NewWith(compareStates)
	q.Enqueue(NewState())
	numDecisions := s.space.NumDecisions()
	for decision := 0; ; decision++ {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrapf(err, "search interrupted at pass %d, decision %d", passIdx, decision)
		}
		if q.Empty() {
			return nil, errors.Errorf("pass %d: the beam is empty at decision %d: no legal schedule", passIdx, decision)
		}
		if top, _ := q.Peek(); top.numDecisionsMade == numDecisions {
			return top, nil
		}

		var pending, dropped []*State
		accept := func(child *State) {
			k := child.numDecisionsMade - 1
			if passIdx == 0 && k < len(s.pinned) {
				if child.decisionNode.Name != s.pinned[k].Node || child.decisionOption != s.pinned[k].Option {
					return
				}
			}
			if s.params.RandomDropout < 100 && rng.IntN(100) >= s.params.RandomDropout {
				dropped = append(dropped, child)
				return
			}
			pending = append(pending, child)
		}
		for expanded := 0; expanded < s.params.BeamSize && !q.Empty(); expanded++ {
			state, _ := q.Dequeue()
			s.space.GenerateChildren(state, accept, passIdx, false)
		}
		if len(pending) == 0 && len(dropped) > 0 {
			// Dropout never empties the beam.
			pending = dropped[:1]
		}
		if err := s.model.EvaluateCosts(); err != nil {
			return nil, errors.WithMessagef(err, "pass %d, decision %d", passIdx, decision)
		}

		q.Clear()
		for _, child := range pending {
			if math.IsInf(child.cost, 0) || child.cost >= InfeasibleCost {
				continue
			}
			q.Enqueue(child)
		}
		if s.progress != nil {
			s.progress(passIdx, numPasses, decision+1, numDecisions)
		}
	}
}
