// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package autoschedule

import (
	"github.com/gomlx/autosched/pkg/dag"
	"github.com/gomlx/exceptions"
)

// MemoryType is where the storage of a Func lives.
type MemoryType int

//go:generate enumer -type=MemoryType -trimprefix=Memory -output=gen_memorytype_enumer.go sites.go

const (
	MemoryGlobal MemoryType = iota
	MemoryShared
	MemoryLocal
	MemoryRegisters
	MemoryInlined
)

// Site records where in the loop nest a stage is computed and stored.
type Site struct {
	// Compute is the loop containing the outermost loop of the stage.
	Compute *LoopNest
	// Store is the loop where the Func is allocated.
	Store *LoopNest
	// Produce is the outermost loop of the stage.
	Produce *LoopNest
	// Innermost is the loop body of the stage.
	Innermost *LoopNest
	// Task is the outermost loop that runs serially within one parallel task.
	Task *LoopNest
	// Thread is the GPU thread loop enclosing the stage, if any.
	Thread *LoopNest

	Inlined         bool
	StoreMemoryType MemoryType

	// innermostUnrolled: every loop between the thread loop and the innermost loop is a
	// small serial loop that gets fully unrolled.
	innermostUnrolled bool
}

// SiteMap maps every stage to its Site, and keeps the shape of the tree it was built from.
type SiteMap struct {
	sites  map[*dag.Stage]*Site
	parent map[*LoopNest]*LoopNest
	depth  map[*LoopNest]int
}

// Get returns the site of the stage, or nil if it's not scheduled.
func (m SiteMap) Get(s *dag.Stage) *Site {
	return m.sites[s]
}

func (m SiteMap) getOrCreate(s *dag.Stage) *Site {
	site, found := m.sites[s]
	if !found {
		site = &Site{}
		m.sites[s] = site
	}
	return site
}

// Parent returns the loop containing l, nil for the root.
func (m SiteMap) Parent(l *LoopNest) *LoopNest {
	return m.parent[l]
}

// DeepestCommonAncestor returns the innermost loop containing both a and b.
func (m SiteMap) DeepestCommonAncestor(a, b *LoopNest) *LoopNest {
	if a == nil {
		return b
	}
	if b == nil {
		return a
	}
	da, db := m.depth[a], m.depth[b]
	for da > db {
		a = m.parent[a]
		da--
	}
	for db > da {
		b = m.parent[b]
		db--
	}
	for a != b {
		a, b = m.parent[a], m.parent[b]
		if a == nil || b == nil {
			exceptions.Panicf("loops without a common ancestor")
		}
	}
	return a
}

// GetSites walks the tree rooted at l and collects the site of every scheduled stage.
func (l *LoopNest) GetSites(target Target) SiteMap {
	m := SiteMap{
		sites:  make(map[*dag.Stage]*Site),
		parent: make(map[*LoopNest]*LoopNest),
		depth:  make(map[*LoopNest]int),
	}
	l.getSites(m, target, sitesContext{})
	return m
}

type sitesContext struct {
	parent   *LoopNest
	task     *LoopNest
	thread   *LoopNest
	depth    int
	unrolled bool
}

func (l *LoopNest) getSites(m SiteMap, target Target, ctx sitesContext) {
	m.parent[l] = ctx.parent
	m.depth[l] = ctx.depth
	if ctx.task == nil && !l.IsRoot() && !l.parallel {
		ctx.task = l
	}
	if l.isGPUThread(target) {
		ctx.thread = l
		ctx.unrolled = true
	} else if ctx.thread != nil && l.isGPUSerial(target) && !l.innermost {
		var extent int64 = 1
		for _, s := range l.size {
			extent *= s
		}
		ctx.unrolled = ctx.unrolled && extent <= maxSerialExtentInnermost
	}

	if ctx.parent != nil && l.node != ctx.parent.node {
		s := m.getOrCreate(l.stage)
		s.Compute = ctx.parent
		s.Produce = l
		s.Task = ctx.task
	}
	for _, f := range l.storeAtSorted() {
		memType := l.storeMemoryType(target, ctx.thread != nil)
		for _, stage := range f.Stages {
			s := m.getOrCreate(stage)
			s.Store = l
			s.StoreMemoryType = memType
		}
	}
	for pair := l.inlined.Oldest(); pair != nil; pair = pair.Next() {
		s := m.getOrCreate(pair.Key.Stages[0])
		s.Inlined = true
		s.Compute, s.Store, s.Produce, s.Innermost = l, l, l, l
		s.Task = ctx.task
		s.Thread = ctx.thread
		s.StoreMemoryType = MemoryInlined
	}
	if l.innermost {
		s := m.getOrCreate(l.stage)
		s.Innermost = l
		s.Thread = ctx.thread
		s.innermostUnrolled = ctx.thread != nil && ctx.unrolled
	}

	childCtx := ctx
	childCtx.parent = l
	childCtx.depth = ctx.depth + 1
	for _, c := range l.children {
		c.getSites(m, target, childCtx)
	}
}

// storeMemoryType returns the memory used by allocations at this loop.
func (l *LoopNest) storeMemoryType(target Target, inThread bool) MemoryType {
	if !target.GPU || l.IsRoot() {
		return MemoryGlobal
	}
	if inThread || l.gpuLabel == GPUSerial || l.gpuLabel == GPUSimd {
		return MemoryLocal
	}
	return MemoryShared
}

// PlaceUnscheduled assigns to every Func not scheduled yet a site at the innermost loop
// containing all its consumers, where it would be stored if computed as late as possible.
func (m SiteMap) PlaceUnscheduled(d *dag.FunctionDAG, target Target) {
	// Nodes are ordered consumers first, so consumers are placed before their producers.
	for _, n := range d.Nodes {
		if n.IsInput || m.sites[n.Stages[0]] != nil {
			continue
		}
		var loop *LoopNest
		for _, e := range n.OutgoingEdges {
			s := m.sites[e.Consumer]
			if s == nil || s.Compute == nil {
				continue
			}
			at := s.Compute
			if s.Inlined {
				at = s.Innermost
			}
			loop = m.DeepestCommonAncestor(loop, at)
		}
		if loop == nil {
			continue
		}
		inThread := false
		for l := loop; l != nil; l = m.parent[l] {
			if l.isGPUThread(target) {
				inThread = true
				break
			}
		}
		memType := loop.storeMemoryType(target, inThread)
		for _, s := range n.Stages {
			site := m.getOrCreate(s)
			site.Compute, site.Store = loop, loop
			site.StoreMemoryType = memType
		}
	}
}
