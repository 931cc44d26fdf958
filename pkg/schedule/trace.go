// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"maps"
	"reflect"
	"slices"

	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/ml/nn"
	"github.com/pkg/errors"
)

// TraceOptions configure Node.Trace.
type TraceOptions struct {
	// Flatten inlines the sub-modules, except leaves. See graph.Tracer.
	Flatten bool

	// Leaves are extra sub-modules kept as calls when flattening, given by kind (e.g. "MLP") or by path relative
	// to the traced node. Leaf modules (see nn.Leaf) are always kept.
	Leaves []string

	// ConcreteArgs are given to modules that need concrete values to decide their structure.
	ConcreteArgs map[string]any

	// InputNames of the graph placeholders.
	InputNames []string
}

func (o TraceOptions) equal(other TraceOptions) bool {
	return o.Flatten == other.Flatten && slices.Equal(o.Leaves, other.Leaves) &&
		slices.Equal(o.InputNames, other.InputNames) && reflect.DeepEqual(o.ConcreteArgs, other.ConcreteArgs)
}

func (o TraceOptions) clone() TraceOptions {
	o.Leaves = slices.Clone(o.Leaves)
	o.InputNames = slices.Clone(o.InputNames)
	o.ConcreteArgs = maps.Clone(o.ConcreteArgs)
	return o
}

// Trace the forward pass of the node's module into a graph named after its path. Paths in the graph are
// relative to the node. The graph is memoized until a primitive invalidates it: tracing again with the
// same options returns the same graph.
//
// Constructs that can't be traced, like data dependent control flow, return ErrUntraceable.
func (n *Node) Trace(opts TraceOptions) (*graph.Graph, error) {
	if n.graph != nil && n.traceOptions.equal(opts) {
		return n.graph, nil
	}
	if n.graph != nil && n.graph.Rewritten() && n.rewrittenGraph() != n.graph {
		return nil, errors.Wrapf(ErrStaleGraph, "re-tracing %q would discard its rewritten graph", n.path)
	}
	m := n.module
	tracer := &graph.Tracer{
		Flatten:      opts.Flatten,
		ConcreteArgs: opts.ConcreteArgs,
		InputNames:   opts.InputNames,
		Resolve: func(path string) (graph.Callable, error) {
			sub, err := nn.Lookup(m, path)
			if err != nil {
				return nil, errors.Wrapf(ErrPathNotFound, "%v", err)
			}
			return sub, nil
		},
		IsLeaf: func(path string) bool {
			sub, err := nn.Lookup(m, path)
			if err != nil {
				return false
			}
			return nn.IsLeaf(sub) || slices.Contains(opts.Leaves, path) || slices.Contains(opts.Leaves, sub.Kind())
		},
	}
	g, err := tracer.Trace(n.path, m)
	if err != nil {
		return nil, err
	}
	n.graph = g
	n.traceOptions = opts.clone()
	return g, nil
}
