// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"math"
	"slices"

	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/support/xslices"
	"github.com/gomlx/autosched/pkg/tiling"
	"github.com/gomlx/exceptions"
	"k8s.io/klog/v2"
)

// computeHere adds, as children of l, one loop per stage of f computing the whole region of
// f required at this level. Stages are added in reverse order, so the last update is the
// first child.
//
// The loop over the storage dimension v is vectorized: it gets an innermost child over
// one vector. Bounds of the new loops are the ones of a single representative iteration,
// the middle one, rather than the first.
//
// It returns whether the vectorization was skipped because the vectorized loop has
// a single iteration. It must only be called on an unpublished copy.
func (l *LoopNest) computeHere(f *dag.Node, tileable bool, v int, inThreadsLoop bool, params *Params, target Target) (skippedVectorDim bool) {
	bounds := l.GetBounds(f)
	for s := len(f.Stages) - 1; s >= 0; s-- {
		stage := f.Stages[s]
		node := newLoopNest(f, stage)
		node.innermost = true
		node.vectorizedLoopIndex = -1
		node.tileable = tileable && (l.IsRoot() || params.MaySubtile())
		if target.GPU {
			node.gpuLabel = computeHereLabel(l.IsRoot(), inThreadsLoop)
		}

		// Computed and required regions stay the full region, but the loops cover one point.
		singlePoint := bounds.Clone()
		numLoops := len(stage.Loops)
		node.size = make([]int64, numLoops)
		vectorSize := int64(1)
		for ii, loop := range stage.Loops {
			span := bounds.Loops[s][ii]
			if span.IsEmpty() {
				exceptions.Panicf("computeHere(%s): empty loop %s: %s", f.Name, loop.Var, span)
			}
			node.size[ii] = span.Extent()
			singlePoint.Loops[s][ii] = dag.NewSpan(span.Min, span.Min, true)

			if f.Dimensions > 0 && loop.Pure && loop.PureDim == v {
				if node.size[ii] == 1 {
					skippedVectorDim = true
				} else {
					node.vectorizedLoopIndex = ii
					vectorSize = stage.VectorSize
					singlePoint.Loops[s][ii] = singlePoint.Loops[s][ii].WithExtent(vectorSize)
					node.size[ii] = xslices.CeilDiv(node.size[ii], vectorSize)
					// Shift to the middle vector, a more representative one than the first.
					singlePoint.Loops[s][ii] = singlePoint.Loops[s][ii].Translate(vectorSize * (node.size[ii] / 2))
					continue
				}
			}
			singlePoint.Loops[s][ii] = singlePoint.Loops[s][ii].Translate(node.size[ii] / 2)
		}
		node.setBounds(f, singlePoint)
		node.vectorDim = v

		if node.vectorizedLoopIndex >= 0 {
			// Split off the single vector as an inner loop nest.
			node.innermost = false
			oneVector := newLoopNest(f, stage)
			oneVector.tileable = false
			oneVector.vectorizedLoopIndex = node.vectorizedLoopIndex
			oneVector.vectorDim = v
			oneVector.size = xslices.SliceWithValue(numLoops, int64(1))
			oneVector.size[node.vectorizedLoopIndex] = vectorSize
			oneVector.innermost = true
			oneVector.gpuLabel = GPUSimd
			b := singlePoint.Clone()
			b.Loops[s][node.vectorizedLoopIndex] = b.Loops[s][node.vectorizedLoopIndex].WithExtent(1)
			oneVector.setBounds(f, b)
			node.children = append(node.children, oneVector)
		}
		l.children = append(l.children, node)
	}
	return skippedVectorDim
}

// ComputeHere returns a copy of l with f computed at this level (see computeHere).
func (l *LoopNest) ComputeHere(f *dag.Node, tileable bool, v int, inThreadsLoop bool, params *Params, target Target) (*LoopNest, bool) {
	c := l.clone()
	skipped := c.computeHere(f, tileable, v, inThreadsLoop, params, target)
	return c, skipped
}

// splitOptions configures ParallelizeInTiles.
type splitOptions struct {
	// innerTiling: the tiling gives the inner extents, instead of the outer ones.
	innerTiling bool
	// adjustTiling recomputes the given side of the tiling to the tightest fit of the other.
	adjustTiling bool
	// moveRVarsInward moves the reduction loops to the inner loop, leaving the outer one
	// free of them: parallel loops must not iterate over a reduction.
	moveRVarsInward bool
}

// ParallelizeInTiles splits this loop into an outer loop over tiles and an inner loop over
// one tile, returning both: the outer loop contains the inner one. tiling has one entry per
// pure dimension of the stage.
//
// GPU labels follow the transitions of gpuTransitions. Reduction loops stay in the outer
// loop: the search moves them inward for its parallel tilings. The bounds of the outer loop
// are set to those of its middle iteration, which is more representative than the first.
func (l *LoopNest) ParallelizeInTiles(tilingSizes []int64, parent *LoopNest, params *Params, target Target,
	innerTiling, adjustTiling bool) (inner, outer *LoopNest) {
	return l.parallelizeInTiles(tilingSizes, parent, params, target, splitOptions{
		innerTiling:  innerTiling,
		adjustTiling: adjustTiling,
	})
}

func (l *LoopNest) parallelizeInTiles(tilingSizes []int64, parent *LoopNest, params *Params, target Target,
	opts splitOptions) (inner, outer *LoopNest) {
	inner = newLoopNest(l.node, l.stage)
	outer = newLoopNest(l.node, l.stage)
	inner.tileable = l.tileable && params.MaySubtile()
	outer.tileable = inner.tileable
	inner.vectorDim, outer.vectorDim = l.vectorDim, l.vectorDim
	inner.vectorizedLoopIndex, outer.vectorizedLoopIndex = l.vectorizedLoopIndex, l.vectorizedLoopIndex

	if target.GPU {
		outer.gpuLabel, inner.gpuLabel = l.gpuLabel.split()
	}
	outer.parallel = true
	outer.size = slices.Clone(l.size)
	outer.innermost = false

	// The inner loop starts as a 1x1x... tile with everything this loop contained.
	inner.size = xslices.SliceWithValue(len(l.size), int64(1))
	inner.innermost = l.innermost
	inner.children = slices.Clone(l.children)
	for pair := l.inlined.Oldest(); pair != nil; pair = pair.Next() {
		inner.inlined.Set(pair.Key, pair.Value)
	}
	for f, b := range l.bounds {
		inner.bounds[f] = b
	}
	inner.storeAt = l.storeAt.Clone()

	b := inner.GetBounds(l.node).Clone()
	parentBounds := parent.GetBounds(l.node)
	for ii, loop := range l.stage.Loops {
		var outerExtent int64
		switch {
		case loop.Pure && opts.innerTiling:
			inner.size[ii] = tilingSizes[loop.PureDim]
			outerExtent = xslices.CeilDiv(outer.size[ii], inner.size[ii])
		case loop.Pure:
			outerExtent = tilingSizes[loop.PureDim]
			inner.size[ii] = xslices.CeilDiv(outer.size[ii], outerExtent)
		case opts.moveRVarsInward:
			outerExtent = 1
			inner.size[ii] = outer.size[ii]
		default:
			outerExtent = outer.size[ii]
			inner.size[ii] = 1
		}
		if opts.adjustTiling {
			if opts.innerTiling {
				inner.size[ii] = xslices.CeilDiv(outer.size[ii], outerExtent)
			} else {
				outerExtent = xslices.CeilDiv(outer.size[ii], inner.size[ii])
			}
		}
		outer.size[ii] = outerExtent

		p := parentBounds.Loops[l.stage.Index][ii]
		extent := xslices.CeilDiv(p.Extent(), outerExtent)
		// The middle tile is a better representative than the first.
		start := p.Min + (outerExtent/2)*extent
		b.Loops[l.stage.Index][ii] = dag.NewSpan(start, start+extent-1, p.ConstantExtent || loop.Pure)
	}
	outer.setBounds(l.node, b)
	outer.children = []*LoopNest{inner}
	return inner, outer
}

// UnionThreadCounts returns, for each lowered dimension, the largest thread extent used by
// the thread loops inside this loop that don't compute f.
func (l *LoopNest) UnionThreadCounts(f *dag.Node) []int64 {
	counts := []int64{1, 1, 1}
	merge := func(other []int64) {
		for ii, c := range other {
			if ii >= len(counts) {
				counts = append(counts, c)
			} else {
				counts[ii] = max(counts[ii], c)
			}
		}
	}
	for _, c := range l.children {
		if c.node == f {
			continue
		}
		if c.gpuLabel == GPUThread {
			merge(tiling.LoweredDims(c.size, c.vectorizedLoopIndex))
		} else if len(c.children) > 0 {
			// Serial loops may contain thread loops.
			merge(c.UnionThreadCounts(f))
		}
	}
	return counts
}

// stageSizes collects, for the children of l computing f, the sizes of each stage, the loop
// indices of the pure dimensions and the vectorized pure dimension.
func (l *LoopNest) stageSizes(f *dag.Node) (sizes [][]int64, pureDims [][]int, vectorized []int) {
	for _, c := range l.children {
		if c.node != f {
			continue
		}
		sizes = append(sizes, c.size)
		var pure []int
		vecPure := -1
		for ii, loop := range c.stage.Loops {
			if loop.Pure {
				pure = append(pure, ii)
				if ii == c.vectorizedLoopIndex {
					vecPure = loop.PureDim
				}
			}
		}
		pureDims = append(pureDims, pure)
		vectorized = append(vectorized, vecPure)
	}
	return
}

// addGPUThreadTilings appends to result one copy of l for each way to split the loops of f
// (just computed here) into thread loops. If there are none, the loops of f are left as
// serial loops and it returns false.
func (l *LoopNest) addGPUThreadTilings(f *dag.Node, params *Params, target Target, unionCounts []int64,
	result []*LoopNest) ([]*LoopNest, bool) {
	sizes, pureDims, vectorized := l.stageSizes(f)
	if len(sizes) == 0 {
		exceptions.Panicf("no stage sizes found for %s", f.Name)
	}
	numPure := len(pureDims[0])
	maxS := make([]int64, numPure)
	for k := range numPure {
		for j := range sizes {
			maxS[k] = max(maxS[k], sizes[j][pureDims[j][k]])
		}
		if k < len(unionCounts) {
			maxS[k] = max(maxS[k], unionCounts[k])
		}
	}
	tilings := tiling.GenerateGPUTilings(sizes, pureDims, maxS, numPure-1, vectorized, true, false)
	madeChild := false
	for _, t := range tilings {
		newParent := l.clone()
		for ii, c := range newParent.children {
			if c.node == f {
				_, outer := c.parallelizeInTiles(t, newParent, params, target, splitOptions{adjustTiling: true, moveRVarsInward: true})
				newParent.children[ii] = outer
			}
		}
		result = append(result, newParent)
		madeChild = true
	}
	if !madeChild {
		for ii, c := range l.children {
			if c.node == f {
				sc := c.clone()
				sc.gpuLabel = GPUSerial
				l.children[ii] = sc
			}
		}
	}
	return result, madeChild
}

// computeInTilesOptions holds the arguments of ComputeInTiles that are passed down the tree.
type computeInTilesOptions struct {
	params        *Params
	target        Target
	options       SearchSpaceOptions
	v             int
	inRealization bool
	inThreadsLoop bool
	isPrePass     bool
	unionCounts   []int64
}

// ComputeInTiles returns every legal way to compute f inside this loop nest: computed at
// this level (possibly with its storage hoisted out), tiled here (CPU), or pushed further
// into the single child that calls it. parent is nil for the root.
//
// v is the storage dimension of f to vectorize.
func (l *LoopNest) ComputeInTiles(f *dag.Node, parent *LoopNest, params *Params, target Target,
	options SearchSpaceOptions, v int, inRealization, inThreadsLoop, isPrePass bool) []*LoopNest {
	return l.computeInTiles(f, parent, computeInTilesOptions{
		params:        params,
		target:        target,
		options:       options,
		v:             v,
		inRealization: inRealization,
		inThreadsLoop: inThreadsLoop,
		isPrePass:     isPrePass,
	})
}

func (l *LoopNest) computeInTiles(f *dag.Node, parent *LoopNest, opts computeInTilesOptions) []*LoopNest {
	var result []*LoopNest
	params, target, v := opts.params, opts.target, opts.v

	if parent != nil && f.Dimensions > 0 {
		// Don't descend into loops that break vectorization if it was possible one level up.
		here := l.GetBounds(f).Computed[v].Extent()
		atParent := parent.GetBounds(f).Computed[v].Extent()
		if atParent >= f.Stages[0].VectorSize && here < f.Stages[0].VectorSize {
			return result
		}
		// Don't descend into loops if the region computed doesn't shrink.
		if !l.RegionComputedShrinks(f, parent) {
			return result
		}
	}

	// The child into which f could be fused.
	child := -1
	calledByMultipleChildren := false
	for ii, c := range l.children {
		if c.Calls(f) {
			if child != -1 {
				calledByMultipleChildren = true
			}
			child = ii
		}
	}

	if l.gpuLabel == GPUBlock {
		// Thread counts of the block are passed down when computing further in.
		opts.unionCounts = l.UnionThreadCounts(f)
	}

	isBlockLevel := !l.IsRoot() && !opts.inThreadsLoop
	canComputeHere := (l.IsRoot() && opts.options.ComputeRoot()) || f.IsOutput ||
		(isBlockLevel && opts.options.ComputeAtBlock()) ||
		(opts.inThreadsLoop && opts.options.ComputeAtThread())

	// Place the computation directly inside this loop, unless it's a SIMD loop.
	vectorLoopTrivial := len(l.size) == 0 || l.vectorDim == -1 || l.vectorizedLoopIndex < 0 ||
		l.size[l.vectorizedLoopIndex] == 1
	if !l.innermost && (!opts.inRealization || vectorLoopTrivial) && canComputeHere {
		r := l.clone()
		r.computeHere(f, true, v, opts.inThreadsLoop, params, target)
		if !opts.inRealization {
			r.storeAt.Insert(f)
		} else {
			r.tileable = false
		}
		if !l.IsRoot() && !opts.inThreadsLoop && target.GPU {
			// Inside a block: split the new loops into threads.
			var madeChild bool
			result, madeChild = r.addGPUThreadTilings(f, params, target, opts.unionCounts, result)
			if !madeChild {
				result = append(result, r)
			}
		} else {
			result = append(result, r)
		}
	}

	if f.IsOutput || opts.isPrePass {
		// Outputs must be compute_root.
		return result
	}

	if l.tileable && !target.GPU {
		result = l.addCPUTilings(f, parent, opts, result)
	}

	if child >= 0 && !calledByMultipleChildren && !opts.inRealization && (params.MaySubtile() || l.IsRoot()) {
		// Push the Func further inwards, possibly storing it here.
		c := l.children[child]
		numOnes := 0
		for _, s := range c.size {
			if s == 1 {
				numOnes++
			}
		}
		for storeHere := range 2 {
			if l.IsRoot() && numOnes == len(c.size) && params.Parallelism > 1 {
				// Fusing into serial loops would make f impossible to parallelize.
				continue
			}
			childOpts := opts
			childOpts.inRealization = storeHere == 1
			childOpts.inThreadsLoop = opts.inThreadsLoop || c.gpuLabel == GPUThread
			childOpts.isPrePass = false
			for _, n := range c.computeInTiles(f, l, childOpts) {
				r := l.clone()
				if storeHere == 1 {
					r.storeAt.Insert(f)
				}
				r.children[child] = n
				result = append(result, r)
			}
		}
	}
	return result
}

// maxIdleCoresRatio limits the wasted cores of CPU root-level tilings.
const maxIdleCoresRatio = 1.1

// addCPUTilings tiles this loop and computes f at the tile level, for each candidate tiling.
func (l *LoopNest) addCPUTilings(f *dag.Node, parent *LoopNest, opts computeInTilesOptions, result []*LoopNest) []*LoopNest {
	if l.IsRoot() {
		exceptions.Panicf("the root loop nest can't be tiled")
	}
	var pureSize []int64
	for ii, loop := range l.stage.Loops {
		if loop.Pure {
			pureSize = append(pureSize, l.size[ii])
		}
	}
	if len(pureSize) == 0 {
		return result
	}
	tilings := tiling.GenerateTilings(pureSize, len(pureSize)-1, 2, !opts.inRealization, nil)
	if len(tilings) > 10000 {
		klog.Warningf("lots of tilings for %s: %d", l.stage.Name, len(tilings))
	}
	for _, t := range tilings {
		if l.parallel {
			// Skip tilings leaving too many cores idle.
			tasks := float64(xslices.Product(t))
			tasksPerCore := tasks / float64(opts.params.Parallelism)
			if math.Ceil(tasksPerCore)/tasksPerCore > maxIdleCoresRatio {
				continue
			}
		}
		_, outer := l.parallelizeInTiles(t, parent, opts.params, opts.target, splitOptions{})
		outer.parallel = l.parallel
		outer.tileable = l.tileable && opts.params.MaySubtile()
		outer.computeHere(f, true, opts.v, opts.inThreadsLoop, opts.params, opts.target)
		if !opts.inRealization {
			outer.storeAt.Insert(f)
		}
		result = append(result, outer)
	}
	return result
}
