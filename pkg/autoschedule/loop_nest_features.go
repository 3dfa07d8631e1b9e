// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"math"

	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/autosched/pkg/features"
	"github.com/gomlx/autosched/pkg/support/xslices"
)

// StageFeatures maps each scheduled stage to the features of its schedule.
type StageFeatures map[*dag.Stage]*features.ScheduleFeatures

// workingSets is the memory allocated inside a loop.
type workingSets struct {
	Total float64
	// LocalConstant and LocalDynamic are the allocations inside GPU threads, of constant and
	// non-constant size.
	LocalConstant float64
	LocalDynamic  float64
}

func (w workingSets) add(o workingSets) workingSets {
	return workingSets{
		Total:         w.Total + o.Total,
		LocalConstant: w.LocalConstant + o.LocalConstant,
		LocalDynamic:  w.LocalDynamic + o.LocalDynamic,
	}
}

// loopInfo is what featurization knows about one loop of the tree.
type loopInfo struct {
	// instances is the number of times the body of the loop runs in the whole pipeline.
	instances float64
	// parallelism is the number of iterations of the enclosing parallel loops.
	parallelism float64
	gpu         gpuLoopInfo
	workingSet  workingSets
}

// featurizer holds the state of one ComputeFeatures call.
type featurizer struct {
	dag    *dag.FunctionDAG
	params *Params
	target Target
	sites  SiteMap
	root   *LoopNest
	infos  map[*LoopNest]*loopInfo
	out    StageFeatures
}

// ComputeFeatures fills out with the features of every stage scheduled (or inlined) in the
// tree rooted at l. Producers not yet scheduled are assumed to be stored in global memory.
func (l *LoopNest) ComputeFeatures(d *dag.FunctionDAG, params *Params, target Target, sites SiteMap, out StageFeatures) {
	fz := &featurizer{
		dag:    d,
		params: params,
		target: target,
		sites:  sites,
		root:   l,
		infos:  make(map[*LoopNest]*loopInfo),
		out:    out,
	}
	fz.walk(l, &loopInfo{instances: 1, parallelism: 1, gpu: newGPULoopInfo(target)})
	for _, n := range d.Nodes {
		for _, s := range n.Stages {
			site := sites.Get(s)
			if site == nil || site.Innermost == nil {
				continue
			}
			if site.Inlined {
				fz.inlinedFeatures(s, site)
			} else if site.Produce != nil {
				fz.stageFeatures(s, site)
			}
		}
	}
}

// walk collects the loopInfo of l and its descendants, and returns the working set of l.
func (fz *featurizer) walk(l *LoopNest, parent *loopInfo) workingSets {
	info := &loopInfo{
		instances:   parent.instances,
		parallelism: parent.parallelism,
		gpu:         parent.gpu.update(l),
	}
	if !l.IsRoot() {
		extent := float64(max(xslices.Product(l.size), 1))
		info.instances *= extent
		if l.parallel || l.gpuLabel == GPUBlock || l.gpuLabel == GPUThread {
			info.parallelism *= extent
		}
	}
	fz.infos[l] = info

	inThread := info.gpu.threadLoop != nil
	for _, f := range l.storeAtSorted() {
		bytes, isConstant := l.allocSizeHere(f)
		info.workingSet.Total += float64(bytes)
		if inThread {
			if isConstant {
				info.workingSet.LocalConstant += float64(bytes)
			} else {
				info.workingSet.LocalDynamic += float64(bytes)
			}
		}
	}
	for _, c := range l.children {
		info.workingSet = info.workingSet.add(fz.walk(c, info))
	}
	return info.workingSet
}

// info returns the loopInfo of l, the root's if l is nil.
func (fz *featurizer) info(l *LoopNest) *loopInfo {
	if l == nil {
		return fz.infos[fz.root]
	}
	return fz.infos[l]
}

// memoryBucket indexes the features split by memory type: global, shared, register.
func (fz *featurizer) memoryBucket(producer *dag.Node) int {
	if !fz.target.GPU || producer.IsInput {
		return 0
	}
	site := fz.sites.Get(producer.Stages[0])
	if site == nil {
		return 0
	}
	switch site.StoreMemoryType {
	case MemoryGlobal:
		return 0
	case MemoryShared:
		return 1
	default:
		return 2
	}
}

// regionBytesAndLines returns the bytes of the region of f, and the number of contiguous
// lines (rows along the innermost storage dimension) it spans.
func regionBytesAndLines(f *dag.Node, region []dag.Span) (bytes, lines float64) {
	bytes, lines = float64(f.BytesPerPoint), 1
	for ii, s := range region {
		e := float64(s.Extent())
		bytes *= e
		if ii > 0 {
			lines *= e
		}
	}
	return
}

// footprint returns the region of the producer of e read by one iteration of loop l.
func footprint(e *dag.Edge, l *LoopNest) []dag.Span {
	consumer := l.GetBounds(e.Consumer.Node)
	region := make([]dag.Span, e.Producer.Dimensions)
	for ii := range region {
		region[ii] = dag.EmptySpan()
	}
	e.ExpandFootprint(consumer.Loops[e.Consumer.Index], region)
	return region
}

// readBuckets accumulates bytes and lines read from each memory type.
type readBuckets struct {
	bytes, lines [3]float64
}

// reads returns the unique memory read by one iteration of l to compute stage s.
func (fz *featurizer) reads(s *dag.Stage, l *LoopNest) readBuckets {
	var r readBuckets
	if l == nil {
		l = fz.root
	}
	for _, e := range s.IncomingEdges {
		bytes, lines := regionBytesAndLines(e.Producer, footprint(e, l))
		b := fz.memoryBucket(e.Producer)
		r.bytes[b] += bytes
		r.lines[b] += lines
	}
	return r
}

// licmAmortization returns the number of iterations of the innermost loop of a stage
// sharing one load with Jacobian j: loads that don't vary along that loop are hoisted out
// of it.
func licmAmortization(j dag.LoadJacobian, innermost *LoopNest) float64 {
	if innermost == nil || len(innermost.size) == 0 || j.ConsumerDims() == 0 {
		return 1
	}
	for p := range j.ProducerDims() {
		if !j.At(p, 0).IsZero() {
			return 1
		}
	}
	return float64(max(innermost.size[0], 1))
}

// loadsPerIteration returns the fraction of the loads of e issued at each iteration of the
// innermost loop, after hoisting the loop invariant ones.
func loadsPerIteration(e *dag.Edge, innermost *LoopNest) float64 {
	var loads, issued float64
	for _, j := range e.LoadJacobians {
		loads += float64(j.Count)
		issued += float64(j.Count) / licmAmortization(j, innermost)
	}
	if loads == 0 {
		return 1
	}
	return issued / loads
}

// pointReads returns the memory read to compute one point of s, with the loads hoisted out
// of the innermost loop amortized over its iterations.
func (fz *featurizer) pointReads(s *dag.Stage, innermost *LoopNest) readBuckets {
	var r readBuckets
	for _, e := range s.IncomingEdges {
		bytes, lines := regionBytesAndLines(e.Producer, footprint(e, innermost))
		fraction := loadsPerIteration(e, innermost)
		b := fz.memoryBucket(e.Producer)
		r.bytes[b] += fraction * bytes
		r.lines[b] += fraction * lines
	}
	return r
}

// realizations returns the number of realizations of the producer p for each realization
// of a consumer stored at consumerStore (nil for the root). It's 0 for Funcs that aren't
// realized: inputs and inlined Funcs.
func (fz *featurizer) realizations(p *dag.Node, consumerStore *LoopNest) float64 {
	if p.IsInput {
		return 0
	}
	site := fz.sites.Get(p.Stages[0])
	if site == nil || site.Inlined || site.Store == nil {
		return 0
	}
	return fz.info(site.Store).instances / max(fz.info(consumerStore).instances, 1)
}

// realizationReads returns the memory read by one realization of s. Producers realized
// inside it (more than once per realization) are charged whole, once per realization, so
// the regions recomputed by overlapping tiles count. Producers realized around it are
// charged the footprint of s.
func (fz *featurizer) realizationReads(s *dag.Stage, site *Site) readBuckets {
	var r readBuckets
	store := site.Store
	if store == nil {
		store = fz.root
	}
	for _, e := range s.IncomingEdges {
		p := e.Producer
		region, scale := footprint(e, store), 1.0
		if ratio := fz.realizations(p, site.Store); ratio > 1 {
			region = fz.sites.Get(p.Stages[0]).Store.GetBounds(p).Computed
			scale = ratio
		}
		bytes, lines := regionBytesAndLines(p, region)
		b := fz.memoryBucket(p)
		r.bytes[b] += scale * bytes
		r.lines[b] += scale * lines
	}
	return r
}

// allocationReads returns the size of the allocations read by one realization of s: each
// producer's allocation counts once per producer realization per realization of s.
func (fz *featurizer) allocationReads(s *dag.Stage, site *Site) readBuckets {
	var r readBuckets
	for _, e := range s.IncomingEdges {
		p := e.Producer
		region, scale := p.EstimatedRegion, 1.0
		if ratio := fz.realizations(p, site.Store); ratio > 0 {
			region = fz.sites.Get(p.Stages[0]).Store.GetBounds(p).Computed
			scale = ratio
		}
		bytes, lines := regionBytesAndLines(p, region)
		b := fz.memoryBucket(p)
		r.bytes[b] += scale * bytes
		r.lines[b] += scale * lines
	}
	return r
}

// inlinedFeatures fills the features of a stage inlined into its consumers.
func (fz *featurizer) inlinedFeatures(s *dag.Stage, site *Site) {
	feat := fz.featuresOf(s)
	calls := float64(site.Innermost.InlinedCalls(s.Node))
	points := fz.info(site.Innermost).instances
	feat.InlinedCalls += calls * points
	feat.NumScalars += calls * points
	feat.PointsComputedTotal += calls * points
	feat.PointsComputedMinimum = pointsComputedMinimum(s)
}

func (fz *featurizer) featuresOf(s *dag.Stage) *features.ScheduleFeatures {
	feat, found := fz.out[s]
	if !found {
		feat = &features.ScheduleFeatures{}
		fz.out[s] = feat
	}
	return feat
}

// pointsComputedMinimum is the number of points of the stage computed by an ideal schedule.
func pointsComputedMinimum(s *dag.Stage) float64 {
	n := s.Node
	loops := n.LoopNestForRegion(s.Index, n.RequiredToComputed(n.EstimatedRegion))
	points := 1.0
	for _, span := range loops {
		points *= float64(span.Extent())
	}
	return points
}

// stageFeatures fills the features of a stage computed by its own loops.
func (fz *featurizer) stageFeatures(s *dag.Stage, site *Site) {
	f := s.Node
	feat := fz.featuresOf(s)
	computeInfo := fz.info(site.Compute)
	storeInfo := fz.info(site.Store)
	innermostInfo := fz.info(site.Innermost)
	innermost := site.Innermost

	feat.NumProductions = computeInfo.instances
	feat.NumRealizations = storeInfo.instances
	feat.PointsComputedTotal = innermostInfo.instances
	feat.PointsComputedPerProduction = feat.PointsComputedTotal / feat.NumProductions
	feat.PointsComputedPerRealization = feat.PointsComputedTotal / feat.NumRealizations
	feat.PointsComputedMinimum = pointsComputedMinimum(s)
	feat.NumScalars = feat.PointsComputedTotal

	// Innermost loop extents.
	if len(innermost.size) > 0 {
		feat.InnermostLoopExtent = float64(innermost.size[0])
	}
	feat.InnermostPureLoopExtent = 1
	vecIdx := innermost.vectorizedLoopIndex
	if vecIdx < 0 {
		for ii, loop := range s.Loops {
			if loop.Pure {
				vecIdx = ii
				break
			}
		}
	}
	if vecIdx >= 0 && vecIdx < len(innermost.size) {
		feat.InnermostPureLoopExtent = float64(innermost.size[vecIdx])
	}

	// Parallelism and unrolling.
	feat.UnrolledLoopExtent = 1
	if fz.target.GPU {
		if site.innermostUnrolled {
			feat.UnrolledLoopExtent = float64(innermostInfo.gpu.totalInnerSerialExtents)
		}
	} else if p := xslices.Product(innermost.size); p <= maxSerialExtentInnermost {
		feat.UnrolledLoopExtent = float64(p)
	}
	feat.InnerParallelism = 1
	if innermost.vectorizedLoopIndex >= 0 {
		feat.InnerParallelism = float64(innermost.size[innermost.vectorizedLoopIndex])
	}
	feat.OuterParallelism = computeInfo.parallelism
	feat.PointsComputedPerThread = feat.PointsComputedTotal / max(innermostInfo.parallelism, 1)

	// Footprints of f.
	root := fz.root
	atRoot := root.GetBounds(f).Computed
	atRealization := atRoot
	if site.Store != nil {
		atRealization = site.Store.GetBounds(f).Computed
	}
	atProduction := site.Compute.GetBounds(f).Computed
	feat.BytesAtRoot, _ = regionBytesAndLines(f, atRoot)
	feat.BytesAtRealization, _ = regionBytesAndLines(f, atRealization)
	feat.BytesAtProduction, _ = regionBytesAndLines(f, atProduction)
	innerBytes := func(region []dag.Span) float64 {
		if len(region) == 0 {
			return float64(f.BytesPerPoint)
		}
		return float64(f.BytesPerPoint * region[0].Extent())
	}
	feat.InnermostBytesAtRoot = innerBytes(atRoot)
	feat.InnermostBytesAtRealization = innerBytes(atRealization)
	feat.InnermostBytesAtProduction = innerBytes(atProduction)

	// Memory reads.
	perRealization := fz.realizationReads(s, site)
	threadLoop := site.Innermost
	if site.Thread != nil {
		threadLoop = site.Thread
	}
	perThread := fz.reads(s, threadLoop)
	allocations := fz.allocationReads(s, site)
	setBuckets := func(dst [6]*float64, r readBuckets) {
		for b := range 3 {
			*dst[b] = r.bytes[b]
			*dst[3+b] = r.lines[b]
		}
	}
	setBuckets([6]*float64{
		&feat.UniqueGlobalBytesReadPerRealization, &feat.UniqueSharedBytesReadPerRealization,
		&feat.UniqueRegisterBytesReadPerRealization, &feat.UniqueGlobalLinesReadPerRealization,
		&feat.UniqueSharedLinesReadPerRealization, &feat.UniqueRegisterLinesReadPerRealization,
	}, perRealization)
	setBuckets([6]*float64{
		&feat.UniqueGlobalBytesReadPerThread, &feat.UniqueSharedBytesReadPerThread,
		&feat.UniqueRegisterBytesReadPerThread, &feat.UniqueGlobalLinesReadPerThread,
		&feat.UniqueSharedLinesReadPerThread, &feat.UniqueRegisterLinesReadPerThread,
	}, perThread)
	setBuckets([6]*float64{
		&feat.GlobalAllocationBytesReadPerRealization, &feat.SharedAllocationBytesReadPerRealization,
		&feat.RegisterAllocationBytesReadPerRealization, &feat.GlobalAllocationLinesReadPerRealization,
		&feat.SharedAllocationLinesReadPerRealization, &feat.RegisterAllocationLinesReadPerRealization,
	}, allocations)

	perPoint := fz.pointReads(s, site.Innermost)
	perTask := fz.reads(s, site.Task)
	for b := range 3 {
		feat.UniqueBytesReadPerPoint += perPoint.bytes[b]
		feat.UniqueLinesReadPerPoint += perPoint.lines[b]
		feat.UniqueBytesReadPerTask += perTask.bytes[b]
		feat.UniqueLinesReadPerTask += perTask.lines[b]
	}

	// Bytes of f at the task level, by its own memory type.
	task := site.Task
	if task == nil {
		task = root
	}
	atTask := task.GetBounds(f).Computed
	taskBytes, _ := regionBytesAndLines(f, atTask)
	switch fz.memoryBucket(f) {
	case 0:
		feat.GlobalBytesAtTask, feat.GlobalInnermostBytesAtTask = taskBytes, innerBytes(atTask)
	case 1:
		feat.SharedBytesAtTask, feat.SharedInnermostBytesAtTask = taskBytes, innerBytes(atTask)
	default:
		feat.RegisterBytesAtTask, feat.RegisterInnermostBytesAtTask = taskBytes, innerBytes(atTask)
	}

	// Working sets.
	feat.WorkingSet = fz.info(site.Produce).workingSet.Total
	feat.WorkingSetAtProduction = computeInfo.workingSet.Total
	feat.WorkingSetAtRealization = storeInfo.workingSet.Total
	feat.WorkingSetAtRoot = fz.info(root).workingSet.Total
	feat.WorkingSetAtTask = fz.info(site.Task).workingSet.Total
	if site.Thread != nil {
		feat.WorkingSetAtThread = fz.info(site.Thread).workingSet.Total
	}

	for t := range features.NumScalarTypes {
		feat.ExprBranching += float64(s.Features.OpHistogram[features.OpSelect][t])
	}

	if fz.target.GPU {
		fz.gpuFeatures(s, site, feat, innermostInfo)
	}
}

// gpuFeatures fills the occupancy and memory access features of a stage on GPU.
func (fz *featurizer) gpuFeatures(s *dag.Stage, site *Site, feat *features.ScheduleFeatures, innermostInfo *loopInfo) {
	gpu := innermostInfo.gpu
	feat.NumBlocks = float64(gpu.numBlocks)
	thread := gpu.threadInfo()
	if thread == nil {
		// Stages outside of thread loops run on a single thread per block.
		thread = &threadInfo{numActiveThreads: 1, numThreads: 1, numWarps: 1, warpSize: fz.target.WarpSize}
	}
	feat.NumThreadsPerBlock = float64(thread.numThreads)
	feat.NumWarpsPerBlock = float64(thread.numWarps)
	feat.WarpLaneUtilization = thread.warpLaneUtilization()
	feat.BlockOccupancy = thread.blockOccupancy(fz.target.MaxThreadsPerBlock)
	feat.InnerParallelism = float64(thread.numActiveThreads)
	feat.OuterParallelism = feat.NumBlocks
	feat.PointsComputedPerThread = feat.PointsComputedTotal / max(feat.NumBlocks*float64(thread.numActiveThreads), 1)

	// Occupancy of the streaming multiprocessors.
	var sharedPerBlock int64
	if gpu.block != nil {
		sharedPerBlock = gpu.block.TotalSharedMemAllocSize()
	}
	params := fz.params
	activeBlocks := float64(params.ActiveBlockLimit)
	activeBlocks = min(activeBlocks, math.Floor(float64(params.ActiveWarpLimit)/feat.NumWarpsPerBlock))
	feat.SharedMemBlockLimitFactor = 1
	if sharedPerBlock > 0 {
		bySharedMem := math.Floor(float64(params.SharedMemorySMLimit()) / float64(sharedPerBlock))
		activeBlocks = min(activeBlocks, bySharedMem)
		feat.SharedMemBlockLimitFactor = min(1, bySharedMem/float64(params.ActiveBlockLimit))
	}
	activeBlocks = max(activeBlocks, 1)
	feat.NumActiveBlocksPerSM = activeBlocks
	feat.MaxBlockOccupancy = activeBlocks / float64(params.ActiveBlockLimit)
	feat.MaxWarpOccupancy = min(1, activeBlocks*feat.NumWarpsPerBlock/float64(params.ActiveWarpLimit))
	feat.SharedMemOccupancy = activeBlocks * float64(sharedPerBlock) / float64(params.SharedMemorySMLimit())

	// Loads and stores per block, and how well they coalesce.
	pointsPerBlock := feat.PointsComputedTotal / max(feat.NumBlocks, 1)
	threadLoopIdx := threadLoopIndex(s, site.Innermost)
	var globalEff, sharedEff, localEff, globalWeight, sharedWeight, localWeight float64
	for _, e := range s.IncomingEdges {
		loads := float64(e.Calls) * pointsPerBlock * loadsPerIteration(e, site.Innermost)
		for _, j := range e.LoadJacobians {
			w := float64(j.Count)
			switch fz.memoryBucket(e.Producer) {
			case 0:
				globalEff += w * globalAccessEfficiency(j, threadLoopIdx, e.Producer.BytesPerPoint)
				globalWeight += w
			case 1:
				sharedEff += w * sharedAccessEfficiency(j, threadLoopIdx)
				sharedWeight += w
			case 2:
				localEff += w * localAccessEfficiency(j, site.Innermost)
				localWeight += w
			}
		}
		switch fz.memoryBucket(e.Producer) {
		case 0:
			feat.NumGlobalMemLoadsPerBlock += loads
		case 1:
			feat.NumSharedMemLoadsPerBlock += loads
		}
	}
	if globalWeight > 0 {
		feat.GlobalMemLoadEfficiency = globalEff / globalWeight
	}
	if sharedWeight > 0 {
		feat.SharedMemLoadEfficiency = sharedEff / sharedWeight
	}
	if localWeight > 0 {
		feat.LocalMemLoadEfficiency = localEff / localWeight
	}
	switch fz.memoryBucket(s.Node) {
	case 0:
		feat.NumGlobalMemStoresPerBlock = pointsPerBlock
		feat.GlobalMemStoreEfficiency = globalAccessEfficiency(s.StoreJacobian, threadLoopIdx, s.Node.BytesPerPoint)
	case 1:
		feat.NumSharedMemStoresPerBlock = pointsPerBlock
		feat.SharedMemStoreEfficiency = sharedAccessEfficiency(s.StoreJacobian, threadLoopIdx)
	case 2:
		feat.LocalMemStoreEfficiency = localAccessEfficiency(s.StoreJacobian, site.Innermost)
	}
}

// threadLoopIndex returns the loop of the stage mapped to the fastest varying thread
// dimension: the vectorized one, or the first pure loop.
func threadLoopIndex(s *dag.Stage, innermost *LoopNest) int {
	if innermost != nil && innermost.vectorizedLoopIndex >= 0 {
		return innermost.vectorizedLoopIndex
	}
	for ii, loop := range s.Loops {
		if loop.Pure {
			return ii
		}
	}
	return 0
}

// globalAccessEfficiency is the fraction of the bytes transferred by a warp access to global
// memory that are used, given how the access moves along loop idx.
func globalAccessEfficiency(j dag.LoadJacobian, idx int, bytesPerPoint int64) float64 {
	worst := min(1, float64(bytesPerPoint)/float64(32))
	if j.Empty() || idx >= j.ConsumerDims() {
		return 1
	}
	for p := 1; p < j.ProducerDims(); p++ {
		if c := j.At(p, idx); !c.Exists || !c.IsZero() {
			return worst
		}
	}
	if j.ProducerDims() == 0 {
		return 1
	}
	c := j.At(0, idx)
	if !c.Exists {
		return worst
	}
	if c.IsZero() {
		return 1
	}
	stride := math.Abs(float64(c.Num) / float64(c.Den))
	return max(worst, min(1, 1/stride))
}

// localAccessEfficiency is the fraction of the bytes of a local memory access used by one
// thread, as it moves along the serial loop just outside the innermost one.
func localAccessEfficiency(j dag.LoadJacobian, innermost *LoopNest) float64 {
	if innermost == nil || j.Empty() || j.ProducerDims() == 0 {
		return 1
	}
	idx := max(innermost.vectorizedLoopIndex, 0)
	if idx >= j.ConsumerDims() {
		return 1
	}
	c := j.At(0, idx)
	if !c.Exists {
		return 1.0 / 4
	}
	if c.IsZero() {
		return 1
	}
	return min(1, math.Abs(float64(c.Den)/float64(c.Num)))
}

// sharedAccessEfficiency is the fraction of a warp access to shared memory served without
// bank conflicts.
func sharedAccessEfficiency(j dag.LoadJacobian, idx int) float64 {
	if j.Empty() || idx >= j.ConsumerDims() || j.ProducerDims() == 0 {
		return 1
	}
	c := j.At(0, idx)
	if !c.Exists {
		return 1.0 / 32
	}
	if c.IsZero() || !c.IsInteger() {
		return 1
	}
	stride := c.Num
	if stride < 0 {
		stride = -stride
	}
	g := int64(32)
	for stride != 0 {
		g, stride = stride, g%stride
	}
	return 1 / float64(g)
}
