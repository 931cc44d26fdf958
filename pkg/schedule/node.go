// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"slices"
	"strings"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/gomlx/sched/internal/scoped"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/ml/nn"
	"github.com/gomlx/sched/pkg/schedule/checkpoint"
	"github.com/pkg/errors"
)

// Node of the schedule tree, mirroring one module of the model.
//
// Its path is stable: replacing the module keeps the node (and its path), only its sub-tree is recreated.
type Node struct {
	sch    *Schedule
	parent *Node
	path   string
	name   string
	module nn.Module

	// children by name, *Node values, in definition order.
	children *linkedhashmap.Map

	// log of applied primitives.
	log []string

	// graph is the memoized trace, traced with traceOptions.
	graph        *graph.Graph
	traceOptions TraceOptions

	// stage is the pipeline stage the module was assigned to by Build, or -1.
	stage int
}

// Path of the node: the dotted path of the module in the model. The root has path "".
func (n *Node) Path() string { return n.path }

// Name of the node within its parent.
func (n *Node) Name() string { return n.name }

// Module held by the node. It may be wrapped: see checkpoint.Module and nn.GraphModule.
func (n *Node) Module() nn.Module { return n.module }

// Kind of the module, see nn.Module.
func (n *Node) Kind() string { return n.module.Kind() }

// Parent node, or nil for the root.
func (n *Node) Parent() *Node { return n.parent }

// Schedule the node belongs to.
func (n *Node) Schedule() *Schedule { return n.sch }

// Log returns the names of the primitives applied to the node, in order.
func (n *Node) Log() []string { return slices.Clone(n.log) }

// Stage returns the pipeline stage of the module, or -1 if the model is not pipelined (or not built yet).
func (n *Node) Stage() int { return n.stage }

// Graph returns the memoized trace of the node, or nil if it was not traced (or the trace was invalidated).
func (n *Node) Graph() *graph.Graph { return n.graph }

// IsCheckpointed returns whether the module is checkpointed.
func (n *Node) IsCheckpointed() bool { return checkpoint.IsCheckpointed(n.module) }

// Children returns the child nodes, in definition order.
func (n *Node) Children() []*Node {
	values := n.children.Values()
	children := make([]*Node, len(values))
	for i, v := range values {
		children[i] = v.(*Node)
	}
	return children
}

// Child returns the child node with the given name.
func (n *Node) Child(name string) (*Node, bool) {
	v, found := n.children.Get(name)
	if !found {
		return nil, false
	}
	return v.(*Node), true
}

// Get the node at the dotted path relative to n.
func (n *Node) Get(relPath string) (*Node, error) {
	return n.sch.Get(graph.JoinPath(n.path, relPath))
}

// Walk calls fn for n and the nodes of its sub-tree, depth-first in definition order.
// If fn returns false, the sub-tree of that node is skipped.
func (n *Node) Walk(fn func(n *Node) bool) {
	if !fn(n) {
		return
	}
	for _, child := range n.Children() {
		child.Walk(fn)
	}
}

// SetParam sets a scheduling parameter for the sub-tree of n. See GetParam.
func (n *Node) SetParam(key string, value any) {
	n.sch.params.Set(n.path, key, value)
}

// GetParam returns the scheduling parameter set for n or, if not set, for its closest ancestor.
func (n *Node) GetParam(key string) (any, bool) {
	return n.sch.params.Get(n.path, key)
}

// GetParamOr returns the scheduling parameter converted to T, or defaultValue if it's not set or has another type.
func GetParamOr[T any](n *Node, key string, defaultValue T) T {
	value, found := scoped.GetAs[T](n.sch.params, n.path, key)
	if !found {
		return defaultValue
	}
	return value
}

// relative path of n with respect to its ancestor a.
func (n *Node) relativeTo(a *Node) string {
	if a.path == "" {
		return n.path
	}
	return strings.TrimPrefix(n.path, a.path+".")
}

// sync re-creates the child nodes from the module's children.
func (n *Node) sync() {
	updated := linkedhashmap.New()
	for _, name := range n.module.Children() {
		child, _ := n.module.Child(name)
		updated.Put(name, n.sch.attach(n, name, child))
	}
	if n.children != nil {
		for _, old := range n.Children() {
			if _, kept := updated.Get(old.name); !kept {
				n.sch.detach(old)
			}
		}
	}
	n.children = updated
}

// setModule replaces the module held by n, in its parent module (or as the schedule root) and in the tree.
func (n *Node) setModule(m nn.Module) {
	if n.parent == nil {
		n.module = m
	} else {
		n.parent.module.SetChild(n.name, m)
		n.module = m
	}
	n.sync()
}

// core returns the module without wrappers.
func core(m nn.Module) nn.Module {
	for {
		switch w := m.(type) {
		case *checkpoint.Module:
			m = w.Inner()
		case *nn.GraphModule:
			m = w.Unwrap()
		default:
			return m
		}
	}
}

// setForward makes g the forward pass of the node's module, keeping it checkpointed if it was.
func (n *Node) setForward(g *graph.Graph) {
	if checkpoint.IsCheckpointed(n.module) {
		n.setModule(checkpoint.Wrap(nn.NewGraphModule(checkpoint.Unwrap(n.module), g)))
		return
	}
	n.setModule(nn.NewGraphModule(n.module, g))
}

// inlinedBy returns whether the forward pass of n was copied into g, a graph of the ancestor a.
func (n *Node) inlinedBy(a *Node, g *graph.Graph) bool {
	if g == nil || a == n {
		return false
	}
	return slices.Contains(g.Inlined(), n.relativeTo(a))
}

// referencedBy returns whether g, a graph of the ancestor a, inlined n or calls it.
func (n *Node) referencedBy(a *Node, g *graph.Graph) bool {
	if g == nil {
		return false
	}
	if a == n || n.inlinedBy(a, g) {
		return true
	}
	rel := n.relativeTo(a)
	for _, gn := range g.Nodes() {
		if gn.Type() == graph.NodeTypeCallModule && (gn.Target() == rel || strings.HasPrefix(rel, gn.Target()+".")) {
			return true
		}
	}
	return false
}

// rewrittenGraph returns the graph used as forward pass of the node's module, if it was rewritten.
func (n *Node) rewrittenGraph() *graph.Graph {
	m := n.module
	if c, ok := m.(*checkpoint.Module); ok {
		m = c.Inner()
	}
	if gm, ok := m.(*nn.GraphModule); ok {
		return gm.Graph()
	}
	return nil
}

// mutable checks that primitive op can be applied to n. If includeSelf, n's own rewritten forward pass would
// be made stale by the mutation too.
func (n *Node) mutable(op string, includeSelf bool) error {
	if n.sch.built {
		return errors.Wrapf(ErrScheduleBuilt, "%s on %q", op, n.path)
	}
	for a := n; a != nil; a = a.parent {
		g := a.rewrittenGraph()
		if g == nil {
			continue
		}
		if (a == n && includeSelf) || n.inlinedBy(a, g) {
			return errors.Wrapf(ErrStaleGraph, "%s on %q: its forward pass is part of the rewritten graph of %q",
				op, n.path, a.path)
		}
	}
	return nil
}

// invalidate drops the memoized traces affected by a mutation of n.
func (n *Node) invalidate() {
	for a := n; a != nil; a = a.parent {
		if n.referencedBy(a, a.graph) {
			a.graph = nil
		}
	}
}

// record the primitive in the log.
func (n *Node) record(op string) {
	n.log = append(n.log, op)
}
