// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"slices"
	"strconv"

	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/support/sets"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// outermostVar is the loop variable used to compute a Func at a loop level without variables
// of its own.
const outermostVar = "__outermost"

// maxStagedPoints is the largest region of a producer, required by one GPU thread, that is
// staged into registers.
const maxStagedPoints = 64

// applier issues the directives of one schedule.
type applier struct {
	api    ScheduleAPI
	target Target
	sites  SiteMap
	// loopVars maps each loop to the variable of its innermost dimension, the one producers
	// computed inside it are computed at.
	loopVars map[*LoopNest]string
	// staged holds the wrappers created, by name.
	staged sets.Set[string]
	err    error
}

func (a *applier) issue(s *dag.Stage, kind DirectiveKind, args ...string) {
	if a.err != nil {
		return
	}
	a.err = a.api.Apply(Directive{Func: s.Node.Name, Stage: s.Name, Kind: kind, Args: args})
}

// Apply issues to api the directives implementing the schedule of the tree rooted at l. All
// non-input Funcs of the DAG must be scheduled.
func (l *LoopNest) Apply(d *dag.FunctionDAG, target Target, api ScheduleAPI) error {
	if !l.IsRoot() {
		return errors.Errorf("Apply can only be called on the root of a schedule, got %s", l.name())
	}
	sites := l.GetSites(target)
	if target.GPU && !l.PromoteAllocsToRegisters(target, sites) {
		klog.V(2).Infof("some local allocations can't be promoted to registers")
	}
	a := &applier{
		api:      api,
		target:   target,
		sites:    sites,
		loopVars: map[*LoopNest]string{l: outermostVar},
		staged:   sets.Make[string](),
	}
	for _, n := range d.Nodes {
		if n.IsInput {
			continue
		}
		for _, s := range n.Stages {
			site := sites.Get(s)
			if site == nil || (site.Produce == nil && !site.Inlined) {
				return errors.Errorf("stage %s is not scheduled", s.Name)
			}
			a.applyStage(s, site)
		}
	}
	return a.err
}

// stageChain returns the loops of stage s, outermost first, starting at produce.
func stageChain(s *dag.Stage, produce *LoopNest) []*LoopNest {
	chain := []*LoopNest{produce}
	for current := produce; ; {
		var next *LoopNest
		for _, c := range current.children {
			if c.stage == s {
				next = c
			}
		}
		if next == nil {
			return chain
		}
		chain = append(chain, next)
		current = next
	}
}

// levelVars holds the variables, and their extents, iterated by one loop level of a stage,
// in the stage's loop order.
type levelVars struct {
	vars    []string
	extents []int64
	dims    []int
}

func (a *applier) applyStage(s *dag.Stage, site *Site) {
	if site.Inlined {
		if s.Index == 0 {
			a.issue(s, DirectiveComputeInline)
		}
		return
	}
	if s.Index == 0 {
		a.applyLocation(s, site)
	}

	chain := stageChain(s, site.Produce)
	levels := a.split(s, chain)

	// Reorder innermost first.
	var order []string
	for k := len(levels) - 1; k >= 0; k-- {
		order = append(order, levels[k].vars...)
	}
	if len(order) > 1 {
		a.issue(s, DirectiveReorder, order...)
	}

	// Variables at which producers computed inside each level are placed.
	parentVar := a.loopVars[site.Compute]
	if parentVar == "" {
		parentVar = outermostVar
	}
	for k, lvl := range chain {
		if len(levels[k].vars) > 0 {
			parentVar = levels[k].vars[0]
		}
		a.loopVars[lvl] = parentVar
	}

	if a.target.GPU {
		a.applyGPULabels(s, site, chain, levels)
		a.stageProducers(s, site)
		return
	}
	for k, lvl := range chain {
		if lvl.parallel {
			for _, v := range levels[k].vars {
				a.issue(s, DirectiveParallel, v)
			}
		}
		if lvl.gpuLabel == GPUSimd && lvl.vectorizedLoopIndex >= 0 {
			a.vectorize(s, lvl, levels[k])
		}
	}
}

// applyLocation issues where the Func is computed and stored.
func (a *applier) applyLocation(s *dag.Stage, site *Site) {
	compute, store := site.Compute, site.Store
	if compute.IsRoot() {
		a.issue(s, DirectiveComputeRoot)
	} else {
		a.issue(s, DirectiveComputeAt, compute.node.Name, a.loopVars[compute])
	}
	if store != nil && store != compute {
		if store.IsRoot() {
			a.issue(s, DirectiveStoreRoot)
		} else {
			a.issue(s, DirectiveStoreAt, store.node.Name, a.loopVars[store])
		}
	}
	if a.target.GPU {
		switch site.StoreMemoryType {
		case MemoryShared:
			a.issue(s, DirectiveStoreIn, "MemoryType::GPUShared")
		case MemoryRegisters:
			a.issue(s, DirectiveStoreIn, "MemoryType::Register")
		case MemoryLocal:
			a.issue(s, DirectiveStoreIn, "MemoryType::Stack")
		}
	}
}

// split issues the splits turning the loops of the stage into the levels of chain, and
// returns the variables of each level.
func (a *applier) split(s *dag.Stage, chain []*LoopNest) []levelVars {
	current := make([]string, len(s.Loops))
	for ii, loop := range s.Loops {
		current[ii] = loop.Var
	}
	levels := make([]levelVars, len(chain))
	for k, lvl := range chain {
		for ii := range s.Loops {
			size := lvl.size[ii]
			if size <= 1 {
				continue
			}
			below := int64(1)
			for _, inner := range chain[k+1:] {
				below *= inner.size[ii]
			}
			levels[k].dims = append(levels[k].dims, ii)
			levels[k].extents = append(levels[k].extents, size)
			if below <= 1 {
				levels[k].vars = append(levels[k].vars, current[ii])
				continue
			}
			outer, inner := current[ii]+"o", current[ii]+"i"
			a.issue(s, DirectiveSplit, current[ii], outer, inner, strconv.FormatInt(below, 10))
			levels[k].vars = append(levels[k].vars, outer)
			current[ii] = inner
		}
	}
	return levels
}

func (a *applier) vectorize(s *dag.Stage, lvl *LoopNest, vars levelVars) {
	if idx := slices.Index(vars.dims, lvl.vectorizedLoopIndex); idx >= 0 {
		a.issue(s, DirectiveVectorize, vars.vars[idx])
	}
}

// applyGPULabels maps the levels of a stage to blocks, threads, unrolled and vectorized loops.
func (a *applier) applyGPULabels(s *dag.Stage, site *Site, chain []*LoopNest, levels []levelVars) {
	hasBlocks, hasThreads := false, false
	for k, lvl := range chain {
		vars := levels[k]
		switch lvl.gpuLabel {
		case GPUBlock:
			if len(vars.vars) > 0 {
				hasBlocks = true
				a.issue(s, DirectiveGPUBlocks, a.fuseBlockVars(s, vars)...)
			}
		case GPUThread:
			if len(vars.vars) > 0 {
				hasThreads = true
				a.issue(s, DirectiveGPUThreads, threadOrder(lvl, vars)...)
			}
		case GPUSerial:
			if site.innermostUnrolled || site.StoreMemoryType == MemoryRegisters {
				for _, v := range vars.vars {
					a.issue(s, DirectiveUnroll, v)
				}
			}
		case GPUSimd:
			if lvl.vectorizedLoopIndex >= 0 {
				a.vectorize(s, lvl, vars)
			}
		}
	}
	if !hasBlocks && site.Compute.IsRoot() {
		if hasThreads {
			// A single block running all the threads.
			a.issue(s, DirectiveGPUBlocks, outermostVar)
		} else {
			a.issue(s, DirectiveGPUSingleThread)
		}
	}
}

// threadOrder returns the thread variables with the vectorized one first.
func threadOrder(lvl *LoopNest, vars levelVars) []string {
	result := slices.Clone(vars.vars)
	if idx := slices.Index(vars.dims, lvl.vectorizedLoopIndex); idx > 0 {
		v := result[idx]
		result = slices.Delete(result, idx, idx+1)
		result = slices.Insert(result, 0, v)
	}
	return result
}

// fuseBlockVars fuses block variables, innermost first, so they fit the 3 grid dimensions
// and their limits. It returns the resulting block variables.
func (a *applier) fuseBlockVars(s *dag.Stage, vars levelVars) []string {
	limits := a.target.MaxBlockDims
	var result []string
	var extents []int64
	for ii, v := range vars.vars {
		e := vars.extents[ii]
		remaining := len(vars.vars) - ii
		freeSlots := len(limits) - len(result)
		last := len(result) - 1
		if last < 0 || freeSlots >= remaining || (freeSlots > 0 && extents[last]*e > limits[last]) {
			result = append(result, v)
			extents = append(extents, e)
			continue
		}
		if extents[last]*e > limits[last] {
			klog.Warningf("%s: block dimensions %v exceed the grid limits %v", s.Name, vars.extents, limits)
		}
		fused := result[last] + "_" + v
		a.issue(s, DirectiveFuse, result[last], v, fused)
		result[last] = fused
		extents[last] *= e
	}
	return result
}

// stageProducers loads, for stages run by GPU threads, the small constant-sized regions of
// their producers in global or shared memory into registers: each producer is wrapped for
// the consumer, and the wrapper is computed at the thread loop with its loops unrolled.
func (a *applier) stageProducers(s *dag.Stage, site *Site) {
	if site.Thread == nil {
		return
	}
	threadVar, found := a.loopVars[site.Thread]
	if !found {
		return
	}
	for _, e := range s.IncomingEdges {
		p := e.Producer
		if p.IsInput {
			continue
		}
		pSite := a.sites.Get(p.Stages[0])
		if pSite == nil || pSite.Inlined ||
			(pSite.StoreMemoryType != MemoryGlobal && pSite.StoreMemoryType != MemoryShared) {
			continue
		}
		wrapper := wrapperName(p.Name, s.Node.Name)
		if a.staged.Has(wrapper) {
			continue
		}
		required := site.Thread.GetBounds(p).Required
		points := int64(1)
		constant := true
		for _, span := range required {
			points *= span.Extent()
			constant = constant && span.ConstantExtent
		}
		if !constant || points > maxStagedPoints {
			continue
		}
		a.staged.Insert(wrapper)
		klog.V(2).Infof("staging %d points of %s into registers for %s", points, p.Name, s.Name)
		a.issue(p.Stages[0], DirectiveIn, s.Node.Name)
		a.issueWrapper(wrapper, DirectiveComputeAt, site.Thread.node.Name, threadVar)
		a.issueWrapper(wrapper, DirectiveStoreIn, "MemoryType::Register")
		for _, loop := range p.Stages[0].Loops {
			if loop.Pure && required[loop.PureDim].Extent() > 1 {
				a.issueWrapper(wrapper, DirectiveUnroll, loop.Var)
			}
		}
	}
}

// issueWrapper issues a directive for a wrapper Func created by DirectiveIn.
func (a *applier) issueWrapper(wrapper string, kind DirectiveKind, args ...string) {
	if a.err != nil {
		return
	}
	a.err = a.api.Apply(Directive{Func: wrapper, Stage: wrapper, Kind: kind, Args: args})
}
