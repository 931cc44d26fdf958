// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"fmt"

	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/ml/nn"
	"github.com/gomlx/sched/pkg/schedule/fusion"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// layoutKind is how a value is distributed across the participants of the process group.
type layoutKind int

const (
	// replicated: every participant holds the full value.
	replicated layoutKind = iota

	// partitioned: every participant holds its slice along layout.axis.
	partitioned

	// partial: every participant holds a partial sum of the value.
	partial
)

// layout of a value. Axes of partitioned values are inferred negative, counted from the end.
type layout struct {
	kind layoutKind
	axis int
}

func (l layout) String() string {
	switch l.kind {
	case partitioned:
		return fmt.Sprintf("partitioned(%d)", l.axis)
	case partial:
		return "partial"
	default:
		return "replicated"
	}
}

var replicatedLayout = layout{kind: replicated}

// planner inserts the collectives a graph needs once some of the parameters it uses are sharded: every value is
// given a layout, and values are converted (gathered, split or reduced) where their users require another one.
type planner struct {
	sch   *Schedule
	owner *Node
	g     *graph.Graph

	layouts     map[*graph.Node]layout
	conversions map[conversionKey]*graph.Node
	inserted    int

	// region is set when planning the region of a fused module: its inputs take the layouts of the values
	// given to the fused module, and its result keeps its layout, returned in output.
	region       bool
	inputLayouts []layout
	output       layout
}

type conversionKey struct {
	value  *graph.Node
	target layout
}

// planCommunication plans the graph g of the node owner. It returns the number of inserted collectives,
// including those of the sub-modules planned recursively.
func (sch *Schedule) planCommunication(owner *Node, g *graph.Graph) (int, error) {
	p := newPlanner(sch, owner, g)
	if err := p.run(); err != nil {
		return p.inserted, err
	}
	if p.inserted > 0 {
		g.MarkRewritten()
	}
	return p.inserted, nil
}

func newPlanner(sch *Schedule, owner *Node, g *graph.Graph) *planner {
	return &planner{
		sch:         sch,
		owner:       owner,
		g:           g,
		layouts:     make(map[*graph.Node]layout),
		conversions: make(map[conversionKey]*graph.Node),
	}
}

func (p *planner) run() error {
	if p.region {
		placeholders := p.g.Placeholders()
		if len(placeholders) != len(p.inputLayouts) {
			return errors.Errorf("planning communication of %q: region %q has %d inputs, %d given",
				p.owner.path, p.g.Name(), len(placeholders), len(p.inputLayouts))
		}
		for i, placeholder := range placeholders {
			p.layouts[placeholder] = p.inputLayouts[i]
		}
	}
	for _, n := range p.g.Nodes() {
		if err := p.plan(n); err != nil {
			return errors.WithMessagef(err, "planning communication of %q, node %q", p.owner.path, n.Name())
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("communication planning of %q: %d collectives inserted", p.owner.path, p.inserted)
	}
	return nil
}

// hasShardedParams returns whether any parameter under m is sharded over more than one participant.
func hasShardedParams(m nn.Module) bool {
	var found bool
	nn.WalkParams(m, func(_ string, p *nn.Parameter) {
		if p.Sharding != nil && p.Sharding.Group != nil && p.Sharding.Group.WorldSize() > 1 {
			found = true
		}
	})
	return found
}

// paramLayout returns the layout of the parameter read by n.
func (p *planner) paramLayout(n *graph.Node) (layout, error) {
	param, err := nn.LookupParam(p.owner.module, n.Target())
	if err != nil {
		return layout{}, err
	}
	s := param.Sharding
	if s == nil || s.Group == nil || s.Group.WorldSize() <= 1 {
		return replicatedLayout, nil
	}
	return layout{kind: partitioned, axis: s.Axis - param.Shape.Rank()}, nil
}

func (p *planner) plan(n *graph.Node) error {
	switch n.Type() {
	case graph.NodeTypePlaceholder:
		if _, found := p.layouts[n]; !found {
			p.layouts[n] = replicatedLayout
		}
	case graph.NodeTypeConstant:
		p.layouts[n] = replicatedLayout
	case graph.NodeTypeGetParam:
		l, err := p.paramLayout(n)
		if err != nil {
			return err
		}
		p.layouts[n] = l
	case graph.NodeTypeOutput:
		if p.region {
			p.output = p.layouts[n.Inputs()[0]]
			return nil
		}
		return p.require(n, 0, replicatedLayout)
	case graph.NodeTypeCallModule:
		return p.planCall(n)
	case graph.NodeTypeCallFunction:
		return p.planOp(n)
	default:
	}
	return nil
}

// planCall handles calls to sub-modules: sharded linear layers consume and produce the layouts of their
// mode, fused modules are planned through their region, other modules take and return replicated values,
// and are planned themselves if they hold sharded parameters.
func (p *planner) planCall(n *graph.Node) error {
	m, err := nn.Lookup(p.owner.module, n.Target())
	if err != nil {
		return err
	}
	if fused, ok := core(m).(*fusion.Module); ok {
		return p.planRegion(n, fused)
	}
	if parallel, ok := core(m).(nn.ParallelLinear); ok && hasShardedParams(m) {
		switch parallel.Mode() {
		case distributed.ModeColumn:
			p.layouts[n] = layout{kind: partitioned, axis: -1}
			return p.require(n, 0, replicatedLayout)
		case distributed.ModeRow:
			p.layouts[n] = replicatedLayout
			return p.require(n, 0, layout{kind: partitioned, axis: -1})
		default:
		}
	}
	for i := range n.Inputs() {
		if err := p.require(n, i, replicatedLayout); err != nil {
			return err
		}
	}
	p.layouts[n] = replicatedLayout
	if !hasShardedParams(m) {
		return nil
	}
	if _, executable := core(m).(nn.Executable); executable {
		return errors.Errorf("module %q holds sharded parameters but is executed as a whole, its communication "+
			"can't be planned", graph.JoinPath(p.owner.path, n.Target()))
	}
	child, err := p.owner.Get(n.Target())
	if err != nil {
		return err
	}
	g, err := child.Trace(TraceOptions{Flatten: true})
	if err != nil {
		return err
	}
	inserted, err := p.sch.planCommunication(child, g)
	if err != nil {
		return err
	}
	if inserted > 0 {
		child.setForward(g)
		child.graph = g
		p.inserted += inserted
	}
	return nil
}

// planRegion plans the region of the fused module called by n. Partitioned values flow into and out of the
// region as they are, and the collectives the region needs are inserted in it, after which it is recompiled.
func (p *planner) planRegion(n *graph.Node, fused *fusion.Module) error {
	inputLayouts := make([]layout, len(n.Inputs()))
	for i, input := range n.Inputs() {
		if p.layouts[input].kind == partial {
			if err := p.require(n, i, replicatedLayout); err != nil {
				return err
			}
		}
		inputLayouts[i] = p.layouts[n.Inputs()[i]]
	}
	child, err := p.owner.Get(n.Target())
	if err != nil {
		return err
	}
	region := newPlanner(p.sch, child, fused.Region())
	region.region, region.inputLayouts = true, inputLayouts
	if err := region.run(); err != nil {
		return err
	}
	p.layouts[n] = region.output
	if region.inserted > 0 {
		if err := fused.Recompile(); err != nil {
			return errors.WithMessagef(err, "recompiling fused module %q after inserting collectives", child.path)
		}
		p.inserted += region.inserted
	}
	return nil
}

func (p *planner) planOp(n *graph.Node) error {
	inputs := n.Inputs()
	in := func(i int) layout { return p.layouts[inputs[i]] }
	switch op := n.Op(); {
	case op.IsCollective():
		p.layouts[n] = replicatedLayout

	case op == graph.OpTypeSplitLocal:
		// A non-negative axis never equals the layouts inferred here, so its users get it gathered back.
		p.layouts[n] = layout{kind: partitioned, axis: n.Axis()}

	case op == graph.OpTypeMatMulT:
		w := in(1)
		switch {
		case w.kind == partitioned && w.axis == -2:
			// Column parallel: output features partitioned.
			if err := p.require(n, 0, replicatedLayout); err != nil {
				return err
			}
			p.layouts[n] = layout{kind: partitioned, axis: -1}
		case w.kind == partitioned && w.axis == -1:
			// Row parallel: contraction over partitioned features yields partial sums.
			if err := p.require(n, 0, layout{kind: partitioned, axis: -1}); err != nil {
				return err
			}
			p.layouts[n] = layout{kind: partial}
		default:
			return p.requireAllReplicated(n)
		}

	case op.IsElementwise() && len(inputs) == 1:
		// Partial sums are only preserved by linear ops, the others need them reduced first.
		linear := op == graph.OpTypeIdentity || op == graph.OpTypeMulScalar
		if in(0).kind == partial && !linear {
			if err := p.require(n, 0, replicatedLayout); err != nil {
				return err
			}
		}
		p.layouts[n] = p.layouts[n.Inputs()[0]]

	case op.IsElementwise():
		lhs, rhs := in(0), in(1)
		switch {
		case lhs == rhs && lhs.kind == partitioned:
			p.layouts[n] = lhs
		case lhs.kind == partial && rhs.kind == partial && op != graph.OpTypeMul:
			p.layouts[n] = lhs
		default:
			return p.requireAllReplicated(n)
		}

	default:
		return p.requireAllReplicated(n)
	}
	return nil
}

func (p *planner) requireAllReplicated(n *graph.Node) error {
	for i := range n.Inputs() {
		if err := p.require(n, i, replicatedLayout); err != nil {
			return err
		}
	}
	p.layouts[n] = replicatedLayout
	return nil
}

// require makes the i-th input of user have the target layout, converting it if needed.
func (p *planner) require(user *graph.Node, i int, target layout) error {
	value := user.Inputs()[i]
	converted, err := p.convert(value, target)
	if err != nil {
		return err
	}
	if converted == value {
		return nil
	}
	return p.g.SetInput(user, i, converted)
}

// convert returns value in the target layout, inserting the collectives right after value. Conversions are
// shared by all users of value.
func (p *planner) convert(value *graph.Node, target layout) (*graph.Node, error) {
	current := p.layouts[value]
	if current == target {
		return value, nil
	}
	key := conversionKey{value: value, target: target}
	if converted, found := p.conversions[key]; found {
		return converted, nil
	}

	var converted *graph.Node
	switch target.kind {
	case replicated:
		restore := p.g.InsertingAfter(value)
		switch current.kind {
		case partial:
			converted = graph.AllReduce(value, distributed.ReduceSum)
		case partitioned:
			converted = graph.AllGather(value, current.axis)
		default:
		}
		restore()
		p.inserted++

	case partitioned:
		source := value
		if current.kind != replicated {
			var err error
			source, err = p.convert(value, replicatedLayout)
			if err != nil {
				return nil, err
			}
		}
		restore := p.g.InsertingAfter(source)
		converted = graph.SplitLocal(source, target.axis)
		restore()
		p.inserted++

	default:
		return nil, errors.Errorf("can't convert %q to partial sums", value.Name())
	}
	p.layouts[converted] = target
	p.conversions[key] = converted
	if klog.V(2).Enabled() {
		klog.Infof("%q: %s -> %s, inserted %q", value.Name(), current, target, converted.Name())
	}
	return converted, nil
}
