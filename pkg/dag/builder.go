// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package dag

import (
	"fmt"
	"slices"

	"github.com/gomlx/autosched/pkg/features"
	"github.com/gomlx/autosched/pkg/support/sets"
	"github.com/pkg/errors"
)

// Index is one coordinate of an access to a producer, as a function of a consumer loop
// variable: floor((Coeff * Var + Offset) / Divisor). If Var is empty the coordinate is
// the constant floor(Offset / Divisor).
//
// Dynamic indices (data dependent, e.g. a lookup table) aren't affine: their footprint
// is the whole estimated region of the producer.
type Index struct {
	Var                    string
	Coeff, Offset, Divisor int64
	Dynamic                bool
}

// At is the index Var itself.
func At(v string) Index { return Index{Var: v, Coeff: 1, Divisor: 1} }

// Offset is the index Var + offset.
func Offset(v string, offset int64) Index { return Index{Var: v, Coeff: 1, Offset: offset, Divisor: 1} }

// Scaled is the index coeff*Var + offset.
func Scaled(v string, coeff, offset int64) Index {
	return Index{Var: v, Coeff: coeff, Offset: offset, Divisor: 1}
}

// Down is the index floor(Var / divisor), as in a downsampling.
func Down(v string, divisor int64) Index { return Index{Var: v, Coeff: 1, Divisor: divisor} }

// Const is a constant index.
func Const(c int64) Index { return Index{Offset: c, Divisor: 1} }

// Dynamic is a data-dependent index.
func Dynamic() Index { return Index{Dynamic: true, Divisor: 1} }

// RVar is a reduction variable of an update stage, iterating over [Min, Min+Extent).
type RVar struct {
	Name        string
	Min, Extent int64
}

// Builder creates a FunctionDAG. Add Funcs and inputs, their accesses to each other and
// mark the outputs, then call Build.
//
// Errors are accumulated and reported by Build.
type Builder struct {
	nodes []*Node
	edges map[edgeKey]*Edge
	order []edgeKey
	err   error
	built bool
}

type edgeKey struct {
	producer *Node
	consumer *Stage
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{edges: make(map[edgeKey]*Edge)}
}

func (b *Builder) setErr(format string, args ...any) {
	if b.err == nil {
		b.err = errors.Errorf(format, args...)
	}
}

func defaultArgs(dims int) []string {
	args := make([]string, dims)
	for ii := range args {
		args[ii] = fmt.Sprintf("_%d", ii)
	}
	return args
}

func (b *Builder) newNode(name string, bytesPerPoint int64, args []string) *Node {
	for _, n := range b.nodes {
		if n.Name == name {
			b.setErr("dag.Builder: duplicate Func name %q", name)
		}
	}
	if bytesPerPoint <= 0 {
		b.setErr("dag.Builder: Func %q has invalid bytes per point %d", name, bytesPerPoint)
	}
	n := &Node{
		ID:            len(b.nodes),
		Name:          name,
		Args:          slices.Clone(args),
		Dimensions:    len(args),
		BytesPerPoint: bytesPerPoint,
		Type:          features.ScalarTypeForBytes(bytesPerPoint),
		Policy:        make([]ComputePolicy, len(args)),
	}
	s := &Stage{Node: n, Index: 0, Name: name}
	for ii, arg := range args {
		s.Loops = append(s.Loops, Loop{Var: arg, Pure: true, PureDim: ii})
	}
	n.Stages = []*Stage{s}
	b.nodes = append(b.nodes, n)
	return n
}

// Func adds a Func with the given pure variables, innermost first.
func (b *Builder) Func(name string, bytesPerPoint int64, args ...string) *Node {
	return b.newNode(name, bytesPerPoint, args)
}

// Input adds an input buffer with the given estimated extents (all starting at 0).
func (b *Builder) Input(name string, bytesPerPoint int64, extents ...int64) *Node {
	n := b.newNode(name, bytesPerPoint, defaultArgs(len(extents)))
	n.IsInput = true
	n.EstimatedRegion = extentsToRegion(extents)
	return n
}

// Output marks n as an output of the pipeline, with the given estimated extents.
func (b *Builder) Output(n *Node, extents ...int64) {
	if len(extents) != n.Dimensions {
		b.setErr("dag.Builder: output %q has %d dimensions, got %d estimates", n.Name, n.Dimensions, len(extents))
		return
	}
	n.IsOutput = true
	n.EstimatedRegion = extentsToRegion(extents)
}

// Estimate sets the estimated region of n, required for Funcs accessed through Dynamic indices.
func (b *Builder) Estimate(n *Node, extents ...int64) {
	if len(extents) != n.Dimensions {
		b.setErr("dag.Builder: Func %q has %d dimensions, got %d estimates", n.Name, n.Dimensions, len(extents))
		return
	}
	n.EstimatedRegion = extentsToRegion(extents)
}

func extentsToRegion(extents []int64) []Span {
	region := make([]Span, len(extents))
	for ii, e := range extents {
		region[ii] = NewSpan(0, e-1, true)
	}
	return region
}

// ComputeWhole declares that dimension dim of n is always computed over [min, max].
func (b *Builder) ComputeWhole(n *Node, dim int, min, max int64) {
	if dim < 0 || dim >= n.Dimensions {
		b.setErr("dag.Builder: Func %q has no dimension %d", n.Name, dim)
		return
	}
	n.Policy[dim] = ComputePolicy{Whole: true, Min: min, Max: max}
}

// MarkBoundaryCondition flags n as a boundary condition wrapper.
func (b *Builder) MarkBoundaryCondition(n *Node) { n.IsBoundaryCondition = true }

// MarkWrapper flags n as a pure copy of another Func.
func (b *Builder) MarkWrapper(n *Node) { n.IsWrapper = true }

// Update adds an update stage to n, iterating over the given reduction variables (innermost
// first) inside the pure variables.
func (b *Builder) Update(n *Node, rvars ...RVar) *Stage {
	if n.IsInput {
		b.setErr("dag.Builder: input %q can't have update stages", n.Name)
	}
	s := &Stage{Node: n, Index: len(n.Stages), Name: fmt.Sprintf("%s.update(%d)", n.Name, len(n.Stages)-1)}
	for _, rv := range rvars {
		if rv.Extent <= 0 {
			b.setErr("dag.Builder: rvar %q of %s has invalid extent %d", rv.Name, s.Name, rv.Extent)
		}
		s.Loops = append(s.Loops, Loop{Var: rv.Name, RVar: true, PureDim: -1, Min: rv.Min, Max: rv.Min + rv.Extent - 1})
	}
	for ii, arg := range n.Args {
		s.Loops = append(s.Loops, Loop{Var: arg, Pure: true, PureDim: ii})
	}
	n.Stages = append(n.Stages, s)
	return s
}

// Ops adds count operations of the given type to the definition of s.
func (b *Builder) Ops(s *Stage, op features.OpType, count int64) {
	s.Features.OpHistogram[op][s.Node.Type] += count
}

// Access records one call to producer from the definition of consumer, with one Index
// per producer dimension.
func (b *Builder) Access(consumer *Stage, producer *Node, indices ...Index) {
	if len(indices) != producer.Dimensions {
		b.setErr("dag.Builder: access to %q from %s has %d indices, wanted %d",
			producer.Name, consumer.Name, len(indices), producer.Dimensions)
		return
	}
	jac := NewLoadJacobian(producer.Dimensions, len(consumer.Loops), 1)
	for ii, idx := range indices {
		if idx.Divisor == 0 {
			idx.Divisor = 1
			indices[ii] = idx
		}
		if idx.Dynamic {
			for jj := range consumer.Loops {
				jac.Set(ii, jj, Unknown)
			}
			continue
		}
		if idx.Var == "" || idx.Coeff == 0 {
			continue
		}
		loopIdx := consumer.loopIndex(idx.Var)
		if loopIdx < 0 {
			b.setErr("dag.Builder: stage %s has no loop variable %q", consumer.Name, idx.Var)
			return
		}
		jac.Set(ii, loopIdx, Rational(idx.Coeff, idx.Divisor))
	}

	if producer == consumer.Node {
		t := producer.Type
		classifyAccess(&consumer.Features, features.LoadSelf, t, jac)
		return
	}

	key := edgeKey{producer, consumer}
	e, found := b.edges[key]
	if !found {
		e = &Edge{Producer: producer, Consumer: consumer, Bounds: make([]EdgeBound, producer.Dimensions), AllBoundsAffine: true}
		b.edges[key] = e
		b.order = append(b.order, key)
	}
	for ii, idx := range indices {
		bi := b.boundInfo(consumer, idx)
		if e.Calls == 0 {
			e.Bounds[ii] = EdgeBound{Min: bi, Max: bi}
			continue
		}
		e.Bounds[ii].Min = mergeBound(e.Bounds[ii].Min, bi, false)
		e.Bounds[ii].Max = mergeBound(e.Bounds[ii].Max, bi, true)
	}
	e.Calls++
	e.LoadJacobians = mergeJacobian(e.LoadJacobians, jac)
}

func (s *Stage) loopIndex(v string) int {
	for ii, l := range s.Loops {
		if l.Var == v {
			return ii
		}
	}
	return -1
}

func (b *Builder) boundInfo(consumer *Stage, idx Index) BoundInfo {
	if idx.Dynamic {
		return BoundInfo{Divisor: 1}
	}
	if idx.Var == "" || idx.Coeff == 0 {
		return BoundInfo{Constant: idx.Offset, Divisor: idx.Divisor, Affine: true}
	}
	return BoundInfo{
		Coeff:       idx.Coeff,
		Constant:    idx.Offset,
		Divisor:     idx.Divisor,
		ConsumerDim: consumer.loopIndex(idx.Var),
		Affine:      true,
	}
}

// mergeBound combines the bounds of two accesses to the same producer dimension.
// Accesses differing only by their offset keep an affine bound; anything else is
// not affine anymore.
func mergeBound(a, b BoundInfo, isMax bool) BoundInfo {
	if !a.Affine || !b.Affine {
		return BoundInfo{Divisor: 1}
	}
	if a.Coeff != b.Coeff || a.Divisor != b.Divisor || (a.Coeff != 0 && a.ConsumerDim != b.ConsumerDim) {
		return BoundInfo{Divisor: 1}
	}
	if isMax {
		a.Constant = max(a.Constant, b.Constant)
	} else {
		a.Constant = min(a.Constant, b.Constant)
	}
	return a
}

// Build finalizes the DAG. vectorBytes is the width in bytes of the target's vector
// registers, used to compute each stage's natural vector size.
//
// The Builder can't be used after Build.
func (b *Builder) Build(vectorBytes int64) (*FunctionDAG, error) {
	if b.built {
		return nil, errors.New("dag.Builder.Build called twice")
	}
	b.built = true
	if b.err != nil {
		return nil, b.err
	}
	if vectorBytes <= 0 {
		return nil, errors.Errorf("dag.Builder.Build: invalid vector width %d bytes", vectorBytes)
	}

	d := &FunctionDAG{}
	for _, key := range b.order {
		e := b.edges[key]
		for _, bound := range e.Bounds {
			if !bound.Min.Affine || !bound.Max.Affine {
				e.AllBoundsAffine = false
			}
		}
		e.Producer.OutgoingEdges = append(e.Producer.OutgoingEdges, e)
		e.Consumer.IncomingEdges = append(e.Consumer.IncomingEdges, e)
		d.Edges = append(d.Edges, e)
	}

	// Order nodes consumers first: reverse a producers-first topological order.
	hasOutput := false
	for _, n := range b.nodes {
		hasOutput = hasOutput || n.IsOutput
		if !n.IsInput && !n.IsOutput && len(n.OutgoingEdges) == 0 {
			return nil, errors.Errorf("dag.Builder.Build: Func %q is not used and is not an output", n.Name)
		}
		if n.IsInput && n.IsOutput {
			return nil, errors.Errorf("dag.Builder.Build: %q can't be both an input and an output", n.Name)
		}
	}
	if !hasOutput {
		return nil, errors.New("dag.Builder.Build: pipeline has no outputs")
	}
	producersFirst, err := b.topologicalOrder()
	if err != nil {
		return nil, err
	}
	d.Nodes = make([]*Node, len(producersFirst))
	for ii, n := range producersFirst {
		d.Nodes[len(producersFirst)-1-ii] = n
	}
	for ii, n := range d.Nodes {
		n.ID = ii
	}
	for _, n := range d.Nodes {
		for _, s := range n.Stages {
			s.ID = d.NumStages
			d.NumStages++
			s.VectorSize = max(1, vectorBytes/n.BytesPerPoint)
		}
	}

	// Transitive dependencies, producers first.
	for _, n := range producersFirst {
		for _, s := range n.Stages {
			s.upstream = sets.Make[int]()
			for _, e := range s.IncomingEdges {
				s.upstream.Insert(e.Producer.ID)
				for _, ps := range e.Producer.Stages {
					s.upstream = s.upstream.Union(ps.upstream)
				}
			}
			if s.Index > 0 {
				s.upstream = s.upstream.Union(n.Stages[s.Index-1].upstream)
			}
		}
	}

	// Region estimates, consumers first.
	for _, n := range d.Nodes {
		if n.IsOutput {
			continue
		}
		userEstimate := n.EstimatedRegion
		for _, e := range n.OutgoingEdges {
			if !e.AllBoundsAffine && userEstimate == nil {
				return nil, errors.Errorf("dag.Builder.Build: %q is accessed with non-affine indices by %s: it needs an Estimate",
					n.Name, e.Consumer.Name)
			}
		}
		required := make([]Span, n.Dimensions)
		for ii := range required {
			required[ii] = EmptySpan()
		}
		for _, e := range n.OutgoingEdges {
			c := e.Consumer
			computed := c.Node.RequiredToComputed(c.Node.EstimatedRegion)
			e.ExpandFootprint(c.Node.LoopNestForRegion(c.Index, computed), required)
		}
		if userEstimate == nil {
			n.EstimatedRegion = required
		}
	}

	for _, n := range d.Nodes {
		b.finalizeNode(n)
	}
	return d, nil
}

func (b *Builder) topologicalOrder() ([]*Node, error) {
	pending := make(map[*Node]int, len(b.nodes))
	for _, n := range b.nodes {
		for _, s := range n.Stages {
			pending[n] += len(s.IncomingEdges)
		}
	}
	order := make([]*Node, 0, len(b.nodes))
	done := sets.Make[*Node]()
	for len(order) < len(b.nodes) {
		progress := false
		for _, n := range b.nodes {
			if done.Has(n) || pending[n] > 0 {
				continue
			}
			done.Insert(n)
			order = append(order, n)
			progress = true
			for _, e := range n.OutgoingEdges {
				pending[e.Consumer.Node]--
			}
		}
		if !progress {
			return nil, errors.New("dag.Builder.Build: pipeline has a cycle")
		}
	}
	return order, nil
}

// finalizeNode computes the store Jacobians, access classification and pointwise flag.
func (b *Builder) finalizeNode(n *Node) {
	n.IsPointwise = !n.IsInput && len(n.Stages) == 1 && len(n.Stages[0].IncomingEdges) > 0
	for _, s := range n.Stages {
		s.StoreJacobian = NewLoadJacobian(n.Dimensions, len(s.Loops), 1)
		for jj, l := range s.Loops {
			if l.Pure {
				s.StoreJacobian.Set(l.PureDim, jj, Rational(1, 1))
			}
		}
		classifyAccess(&s.Features, features.Store, n.Type, s.StoreJacobian)
		s.Features.TypesInUse[n.Type] = 1
		for _, e := range s.IncomingEdges {
			access := features.LoadFunc
			if e.Producer.IsInput {
				access = features.LoadImage
			}
			s.Features.TypesInUse[e.Producer.Type] = 1
			for _, j := range e.LoadJacobians {
				classifyAccess(&s.Features, access, e.Producer.Type, j)
			}
			if access == features.LoadImage {
				s.Features.OpHistogram[features.OpImageCall][e.Producer.Type] += e.Calls
			} else {
				s.Features.OpHistogram[features.OpFuncCall][e.Producer.Type] += e.Calls
			}
			if !isPointwiseEdge(e) {
				n.IsPointwise = false
			}
		}
	}
}

func isPointwiseEdge(e *Edge) bool {
	if e.Producer.Dimensions != len(e.Consumer.Loops) {
		return false
	}
	for ii, bound := range e.Bounds {
		for _, bi := range []BoundInfo{bound.Min, bound.Max} {
			if !bi.Affine || bi.Coeff != 1 || bi.Divisor != 1 || bi.Constant != 0 || bi.ConsumerDim != ii {
				return false
			}
		}
	}
	for _, j := range e.LoadJacobians {
		if !isIdentity(j) {
			return false
		}
	}
	return true
}

func isIdentity(j LoadJacobian) bool {
	if j.ProducerDims() != j.ConsumerDims() {
		return false
	}
	for p := 0; p < j.ProducerDims(); p++ {
		for c := 0; c < j.ConsumerDims(); c++ {
			want := int64(0)
			if p == c {
				want = 1
			}
			if !j.At(p, c).Equals(want) {
				return false
			}
		}
	}
	return true
}

// classifyAccess adds the access to the pointwise, transpose, broadcast or slice
// histograms, according to the shape of its Jacobian.
func classifyAccess(f *features.PipelineFeatures, access features.AccessType, t features.ScalarType, j LoadJacobian) {
	if !j.AllCoeffsExist() {
		return
	}
	// Each row must select a single loop variable with unit coefficient, or be constant.
	constantRows := 0
	usedLoops := sets.Make[int]()
	for p := 0; p < j.ProducerDims(); p++ {
		if j.IsConstantRow(p) {
			constantRows++
			continue
		}
		selected := -1
		for c := 0; c < j.ConsumerDims(); c++ {
			coeff := j.At(p, c)
			if coeff.IsZero() {
				continue
			}
			if !coeff.Equals(1) || selected >= 0 {
				return
			}
			selected = c
		}
		if usedLoops.Has(selected) {
			return
		}
		usedLoops.Insert(selected)
	}
	count := j.Count
	switch {
	case isIdentity(j):
		f.PointwiseAccesses[access][t] += count
	case constantRows > 0:
		f.SliceAccesses[access][t] += count
	case j.ProducerDims() == j.ConsumerDims():
		f.TransposeAccesses[access][t] += count
	case len(usedLoops) < j.ConsumerDims():
		f.BroadcastAccesses[access][t] += count
	}
}
