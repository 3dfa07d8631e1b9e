// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"cmp"
	"hash/fnv"
	"math"
	"math/rand/v2"
	"slices"

	"github.com/gomlx/autosched/pkg/costmodel"
	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/support/sets"
	"github.com/gomlx/autosched/pkg/support/xslices"
	"github.com/gomlx/autosched/pkg/tiling"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

const (
	// idleCoreWastageBudget is the initial limit of ceil(tasks/cores) / (tasks/cores) for
	// parallel tilings. It's relaxed by idleCoreWastageRelaxation until some tiling fits.
	idleCoreWastageBudget     = 1.2
	idleCoreWastageRelaxation = 1.5

	// randomizedTilingsLimit is the number of tilings kept with Params.RandomizeTilings.
	randomizedTilingsLimit = 8

	// minVectorDimExtent is the smallest region for a dimension to be considered for
	// vectorization.
	minVectorDimExtent = 16
)

// AcceptFn receives the children generated by the search space.
type AcceptFn func(child *State)

// memoKey identifies the root-level loops of a Func before parallelization.
type memoKey struct {
	node      *dag.Node
	vectorDim int
	hash      uint64
}

// SearchSpace generates the children of states, one decision at a time: for each Func,
// consumers first, where to compute it (phase 0), then how to parallelize it (phase 1).
type SearchSpace struct {
	dag    *dag.FunctionDAG
	params *Params
	target Target
	model  costmodel.CostModel
	stats  *Statistics
	rng    *rand.Rand

	// memoizedBlocks holds, for the root-level loops of a Func, the replacement loops of
	// each parallelization generated.
	memoizedBlocks map[memoKey][][]*LoopNest

	// Frozen decisions, see FreezeLowestCostStages.
	frozenInline      sets.Set[*dag.Node]
	frozenComputeRoot map[*dag.Node]frozenRootLoops
}

// frozenRootLoops are the root-level loops of a Func frozen as compute_root, as
// parallelized in the best state, and the region of the Func they compute.
type frozenRootLoops struct {
	loops  []*LoopNest
	region []dag.Span
}

// NewSearchSpace creates the search space of the DAG.
func NewSearchSpace(d *dag.FunctionDAG, params *Params, target Target, model costmodel.CostModel, stats *Statistics) *SearchSpace {
	if stats == nil {
		stats = &Statistics{}
	}
	return &SearchSpace{
		dag:               d,
		params:            params,
		target:            target,
		model:             model,
		stats:             stats,
		rng:               rand.New(rand.NewPCG(uint64(params.RandomDropoutSeed), 0x5eed)),
		memoizedBlocks:    make(map[memoKey][][]*LoopNest),
		frozenInline:      sets.Make[*dag.Node](),
		frozenComputeRoot: make(map[*dag.Node]frozenRootLoops),
	}
}

// NumDecisions returns the number of decisions of a complete schedule.
func (ss *SearchSpace) NumDecisions() int {
	return 2 * len(ss.dag.Nodes)
}

// nextDecision returns the Func and phase decided by the next child of a state.
func (ss *SearchSpace) nextDecision(numDecisionsMade int) (node *dag.Node, phase int) {
	n := len(ss.dag.Nodes)
	if ss.params.DisableSubtiling {
		// All placements first, then all parallelizations.
		return ss.dag.Nodes[numDecisionsMade%n], numDecisionsMade / n
	}
	return ss.dag.Nodes[numDecisionsMade/2], numDecisionsMade % 2
}

// generation holds the children generated for one state.
type generation struct {
	ss     *SearchSpace
	state  *State
	node   *dag.Node
	accept AcceptFn
	// numChildren counts the children generated, accepted or not: it's the option index of
	// the next one.
	numChildren int
	numAccepted int
}

// addChild creates a child of the state with the given root, and accepts it if its cost
// could be calculated. It returns whether it was accepted.
func (g *generation) addChild(root *LoopNest, update func(child *State)) bool {
	child := g.state.MakeChild()
	child.root = root
	child.decisionNode = g.node
	child.decisionOption = g.numChildren
	g.numChildren++
	if update != nil {
		update(child)
	}
	if !child.CalculateCost(g.ss.dag, g.ss.params, g.ss.target, g.ss.model, g.ss.stats) {
		return false
	}
	g.numAccepted++
	g.ss.stats.NumStatesAdded++
	g.accept(child)
	return true
}

// GenerateChildren calls accept with every child of state, each with one more decision
// made. Children are given to accept after their cost was enqueued in the cost model: it's
// up to the caller to evaluate the costs.
func (ss *SearchSpace) GenerateChildren(state *State, accept AcceptFn, passIdx int, isPrePass bool) {
	if state.numDecisionsMade >= ss.NumDecisions() {
		exceptions.Panicf("GenerateChildren called on a complete state (%d decisions)", state.numDecisionsMade)
	}
	node, phase := ss.nextDecision(state.numDecisionsMade)
	g := &generation{ss: ss, state: state, node: node, accept: accept}

	if node.IsInput || (phase == 1 && ss.isParallelizedAtRoot(state.root, node)) {
		// Nothing to decide.
		g.addChild(state.root, nil)
		return
	}

	if phase == 0 {
		ss.placementChildren(g, isPrePass)
	} else {
		ss.parallelizationChildren(g)
	}
	if g.numAccepted == 0 {
		klog.Warningf("pass %d: no legal children for %s (phase %d, %d rejected): the branch dies",
			passIdx, node.Name, phase, g.numChildren)
	}
}

// mustInline returns whether f is part of a chain of pointwise Funcs, in which case it's
// always inlined.
func mustInline(f *dag.Node) bool {
	if !f.IsPointwise || len(f.OutgoingEdges) != 1 {
		return false
	}
	for _, e := range f.Stages[0].IncomingEdges {
		if !e.Producer.IsPointwise {
			return false
		}
	}
	for _, e := range f.OutgoingEdges {
		if !e.Consumer.Node.IsPointwise && !e.Consumer.Node.IsBoundaryCondition {
			return false
		}
	}
	return true
}

// placementChildren generates the children deciding where f is computed.
func (ss *SearchSpace) placementChildren(g *generation, isPrePass bool) {
	f, root := g.node, g.state.root
	options := ss.params.SearchSpaceOptions

	if frozen, found := ss.frozenComputeRoot[f]; found {
		if slices.Equal(frozen.region, root.GetBounds(f).Computed) {
			// Computed at the root with the loops of the best state of the previous pass.
			newRoot := root.clone()
			newRoot.children = append(newRoot.children, frozen.loops...)
			newRoot.storeAt.Insert(f)
			g.addChild(newRoot, nil)
			return
		}
		// The consumers now require another region: only the placement stays frozen.
		r, _ := root.ComputeHere(f, true, frozen.loops[0].vectorDim, false, ss.params, ss.target)
		r.storeAt.Insert(f)
		g.addChild(r, nil)
		return
	}

	canInline := len(f.Stages) == 1 && !f.IsOutput
	if canInline && (options.Inline() || ss.frozenInline.Has(f)) {
		g.addChild(root.InlineFunc(f), func(child *State) {
			if f.IsPointwise || f.IsBoundaryCondition || f.IsWrapper {
				child.UpdateAlwaysConsiderInline(f)
			}
		})
	}
	if ss.frozenInline.Has(f) && g.numAccepted > 0 {
		return
	}

	// Pointwise chains are always inlined: the other options are not explored.
	if g.numAccepted > 0 && mustInline(f) {
		return
	}

	// Candidate vectorized dimensions.
	var vectorDims []int
	if !f.IsInput && !f.IsOutput {
		bounds := root.GetBounds(f)
		for v := range f.Dimensions {
			if bounds.Computed[v].Extent() >= minVectorDimExtent {
				vectorDims = append(vectorDims, v)
			}
		}
	}
	if len(vectorDims) == 0 {
		// Outputs are vectorized along their innermost dimension.
		vectorDims = []int{0}
	}

	var candidates []*LoopNest
	for _, v := range vectorDims {
		candidates = append(candidates, root.ComputeInTiles(f, nil, ss.params, ss.target, options, v, false, false, isPrePass)...)
	}
	if ss.target.GPU {
		kept := keepLeastIdleLanes(candidates, ss.target)
		ss.stats.NumFilteredIdleLanes += len(candidates) - len(kept)
		candidates = kept
	}
	for _, c := range candidates {
		g.addChild(c, nil)
	}
}

// keepLeastIdleLanes keeps the better half of the candidates, ranked by the largest fraction
// of SIMD lanes their thread loops leave idle. Ties keep their generation order.
func keepLeastIdleLanes(candidates []*LoopNest, target Target) []*LoopNest {
	if len(candidates) <= 1 {
		return candidates
	}
	type ranked struct {
		root     *LoopNest
		wastage  float64
		position int
	}
	all := make([]ranked, len(candidates))
	for ii, c := range candidates {
		all[ii] = ranked{root: c, wastage: c.MaxIdleLaneWastage(target), position: ii}
	}
	slices.SortStableFunc(all, func(a, b ranked) int { return cmp.Compare(a.wastage, b.wastage) })
	all = all[:(len(all)+1)/2]
	// Children are generated in their original order.
	slices.SortFunc(all, func(a, b ranked) int { return cmp.Compare(a.position, b.position) })
	kept := make([]*LoopNest, len(all))
	for ii, r := range all {
		kept[ii] = r.root
	}
	return kept
}

// isParallelizedAtRoot returns whether f is computed at the root by loops that were already
// parallelized, which is the case of Funcs frozen as compute_root.
func (ss *SearchSpace) isParallelizedAtRoot(root *LoopNest, f *dag.Node) bool {
	if _, found := ss.frozenComputeRoot[f]; !found {
		return false
	}
	for _, c := range root.children {
		if c.node == f && (c.parallel || c.gpuLabel == GPUBlock) {
			return true
		}
	}
	return false
}

// parallelizationChildren generates the children deciding how the root-level loops of f
// are parallelized.
func (ss *SearchSpace) parallelizationChildren(g *generation) {
	f, root := g.node, g.state.root
	var pureStage *LoopNest
	if ss.params.Parallelism > 1 && f.Dimensions > 0 {
		for _, c := range root.children {
			if c.node == f && c.stage.Index == 0 {
				pureStage = c
			}
		}
	}
	if pureStage == nil {
		// Inlined or computed inside another Func's loops: nothing to decide.
		g.addChild(root, nil)
		return
	}

	key := ss.memoKey(root, f, pureStage.vectorDim)
	if memoized, found := ss.memoizedBlocks[key]; found {
		ss.stats.NumMemoizationHits++
		ss.addStatesFromMemoizedBlocks(g, memoized)
		return
	}
	ss.stats.NumMemoizationMisses++

	var newRoots []*LoopNest
	if ss.target.GPU {
		newRoots = ss.gpuParallelizations(root, f, pureStage)
	} else {
		newRoots = ss.cpuParallelizations(root, f, pureStage)
	}
	if len(newRoots) == 0 {
		// Leave it serial.
		g.addChild(root, nil)
		return
	}
	ss.memoizeBlocks(key, f, newRoots)
	for _, r := range newRoots {
		g.addChild(r, nil)
	}
}

// pureSizes returns the extents of the pure loops of a stage loop, by pure dimension, and
// the pure dimension vectorized (or -1).
func pureSizes(l *LoopNest) (sizes []int64, vectorPureDim int) {
	sizes = make([]int64, l.stage.NumPureLoops())
	vectorPureDim = -1
	for ii, loop := range l.stage.Loops {
		if loop.Pure {
			sizes[loop.PureDim] = l.size[ii]
			if ii == l.vectorizedLoopIndex {
				vectorPureDim = loop.PureDim
			}
		}
	}
	return
}

// idleCoreWastage is the ratio between the rounds of tasks run by the cores and the ideal
// number of rounds.
func idleCoreWastage(tasks int64, cores int) float64 {
	perCore := float64(tasks) / float64(cores)
	return math.Ceil(perCore) / perCore
}

// filterByIdleCores keeps the tilings whose number of tasks (the product of the
// extents given by tasksOf) wastes few cores, relaxing the budget until some fit.
func filterByIdleCores[T any](candidates []T, tasksOf func(T) int64, cores int) []T {
	if len(candidates) == 0 {
		return nil
	}
	for budget := idleCoreWastageBudget; ; budget *= idleCoreWastageRelaxation {
		var kept []T
		for _, c := range candidates {
			if idleCoreWastage(tasksOf(c), cores) <= budget {
				kept = append(kept, c)
			}
		}
		if len(kept) > 0 {
			return kept
		}
	}
}

// maybeRandomizeTilings shuffles and truncates the tilings, if configured so.
func (ss *SearchSpace) maybeRandomizeTilings(tilings [][]int64) [][]int64 {
	if !ss.params.RandomizeTilings || len(tilings) <= randomizedTilingsLimit {
		return tilings
	}
	ss.rng.Shuffle(len(tilings), func(i, j int) { tilings[i], tilings[j] = tilings[j], tilings[i] })
	return tilings[:randomizedTilingsLimit]
}

// cpuParallelizations tiles the root-level loops of f into parallel tasks.
func (ss *SearchSpace) cpuParallelizations(root *LoopNest, f *dag.Node, pureStage *LoopNest) []*LoopNest {
	sizes, _ := pureSizes(pureStage)
	tilings := tiling.GenerateTilings(sizes, len(sizes)-1, 2, true, nil)
	// Parallelizing the whole loop is always an option.
	tilings = append(tilings, slices.Clone(sizes))
	tilings = filterByIdleCores(tilings, xslices.Product[int64], ss.params.Parallelism)
	tilings = ss.maybeRandomizeTilings(tilings)

	var result []*LoopNest
	for _, t := range tilings {
		newRoot := root.clone()
		for ii, c := range newRoot.children {
			if c.node != f {
				continue
			}
			_, outer := c.parallelizeInTiles(t, newRoot, ss.params, ss.target, splitOptions{moveRVarsInward: true})
			newRoot.children[ii] = outer
		}
		result = append(result, newRoot)
	}
	return result
}

// gpuParallelizations splits the root-level loops of f in serial tiles, and the rest in
// blocks of threads.
func (ss *SearchSpace) gpuParallelizations(root *LoopNest, f *dag.Node, pureStage *LoopNest) []*LoopNest {
	sizes, vecPureDim := pureSizes(pureStage)
	d := len(sizes) - 1
	var extraInner []int64
	if vecPureDim >= 0 {
		extraInner = tiling.VecDimSerialSizes(sizes[vecPureDim])
	}
	serialTilings := tiling.GenerateSerialTilings(sizes, d, d, vecPureDim, extraInner, false, true)
	serialTilings = ss.maybeRandomizeTilings(serialTilings)

	type candidate struct {
		root      *LoopNest
		numBlocks int64
	}
	var candidates []candidate
	for _, st := range serialTilings {
		// Serial tiles: the outer loops are parallelized.
		parallelRoot := root.clone()
		for ii, c := range parallelRoot.children {
			if c.node != f {
				continue
			}
			_, outer := c.parallelizeInTiles(st, parallelRoot, ss.params, ss.target, splitOptions{moveRVarsInward: true})
			parallelRoot.children[ii] = outer
		}

		// Thread tilings of the parallelized loops.
		stageSizes, pureDims, vectorized := parallelRoot.stageSizes(f)
		maxS := make([]int64, len(sizes))
		for k := range maxS {
			for j := range stageSizes {
				maxS[k] = max(maxS[k], stageSizes[j][pureDims[j][k]])
			}
		}
		threadTilings := tiling.GenerateGPUTilings(stageSizes, pureDims, maxS, d, vectorized, false, true)
		threadTilings = ss.maybeRandomizeTilings(threadTilings)
		for _, tt := range threadTilings {
			newRoot := parallelRoot.clone()
			var numBlocks int64 = 1
			for ii, c := range newRoot.children {
				if c.node != f {
					continue
				}
				_, outer := c.parallelizeInTiles(tt, newRoot, ss.params, ss.target, splitOptions{innerTiling: true, moveRVarsInward: true})
				newRoot.children[ii] = outer
				if c.stage.Index == 0 {
					numBlocks = max(xslices.Product(outer.size), 1)
				}
			}
			candidates = append(candidates, candidate{root: newRoot, numBlocks: numBlocks})
		}
	}
	candidates = filterByIdleCores(candidates, func(c candidate) int64 { return c.numBlocks }, ss.params.Parallelism)
	result := make([]*LoopNest, len(candidates))
	for ii, c := range candidates {
		result[ii] = c.root
	}
	return result
}

// memoKey hashes the root-level loops of f and the region of f at the root.
func (ss *SearchSpace) memoKey(root *LoopNest, f *dag.Node, vectorDim int) memoKey {
	h := fnv.New64a()
	for _, c := range root.children {
		if c.node == f {
			hashInt(h, int64(c.contentHash()))
		}
	}
	for _, span := range root.GetBounds(f).Computed {
		hashInt(h, span.Min)
		hashInt(h, span.Max)
	}
	return memoKey{node: f, vectorDim: vectorDim, hash: h.Sum64()}
}

// memoizeBlocks stores the root-level loops of f of each of the new roots.
func (ss *SearchSpace) memoizeBlocks(key memoKey, f *dag.Node, newRoots []*LoopNest) {
	blocks := make([][]*LoopNest, len(newRoots))
	for ii, r := range newRoots {
		for _, c := range r.children {
			if c.node == f {
				blocks[ii] = append(blocks[ii], c)
			}
		}
	}
	ss.memoizedBlocks[key] = blocks
}

// addStatesFromMemoizedBlocks generates the children replacing the root-level loops of
// the Func by each of the memoized parallelizations.
func (ss *SearchSpace) addStatesFromMemoizedBlocks(g *generation, memoized [][]*LoopNest) {
	f, root := g.node, g.state.root
	for _, blocks := range memoized {
		newRoot := root.clone()
		next := 0
		for ii, c := range newRoot.children {
			if c.node == f {
				newRoot.children[ii] = blocks[next]
				next++
			}
		}
		g.addChild(newRoot, nil)
	}
}

// FreezeLowestCostStages freezes the placement of the Funcs contributing the least to the
// cost of best: all but log2(n) of them are fixed to their inlined or compute_root
// placement in the following passes.
func (ss *SearchSpace) FreezeLowestCostStages(best *State) {
	type nodeCost struct {
		node *dag.Node
		cost float64
	}
	var costs []nodeCost
	perStage := best.CostPerStage()
	for _, n := range ss.dag.Nodes {
		if n.IsInput {
			continue
		}
		var c float64
		for _, s := range n.Stages {
			if s.ID < len(perStage) {
				c += perStage[s.ID]
			}
		}
		costs = append(costs, nodeCost{node: n, cost: c})
	}
	slices.SortStableFunc(costs, func(a, b nodeCost) int {
		switch {
		case a.cost < b.cost:
			return -1
		case a.cost > b.cost:
			return 1
		}
		return 0
	})
	numToFreeze := len(costs) - int(math.Log2(float64(max(len(costs), 1))))

	inlined := sets.Make[*dag.Node]()
	best.root.CollectAllInlined(inlined)
	for _, nc := range costs[:max(numToFreeze, 0)] {
		if inlined.Has(nc.node) {
			ss.frozenInline.Insert(nc.node)
			klog.V(2).Infof("freezing %s as inlined", nc.node.Name)
		} else if isComputedAtRoot(best.root, nc.node) {
			frozen := frozenRootLoops{region: slices.Clone(best.root.GetBounds(nc.node).Computed)}
			for _, c := range best.root.children {
				if c.node == nc.node {
					frozen.loops = append(frozen.loops, c.onlyComputing(nc.node))
				}
			}
			ss.frozenComputeRoot[nc.node] = frozen
			klog.V(2).Infof("freezing %s as compute_root", nc.node.Name)
		}
	}
}

// isComputedAtRoot returns whether f is computed by loops at the root.
func isComputedAtRoot(root *LoopNest, f *dag.Node) bool {
	for _, c := range root.children {
		if c.node == f {
			return true
		}
	}
	return false
}

// IsFrozen returns whether the placement of f is frozen.
func (ss *SearchSpace) IsFrozen(f *dag.Node) bool {
	_, frozenRoot := ss.frozenComputeRoot[f]
	return ss.frozenInline.Has(f) || frozenRoot
}
