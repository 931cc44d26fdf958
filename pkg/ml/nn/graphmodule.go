// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"github.com/gomlx/sched/pkg/core/graph"
)

// GraphModule replaces the forward pass of a module by a graph traced from it, usually after the graph was
// rewritten (fused regions, inserted collectives). Children and parameters are those of the wrapped module.
type GraphModule struct {
	Module
	graph *graph.Graph
}

var _ Leaf = (*GraphModule)(nil)

// NewGraphModule wraps m, using g as its forward pass. Targets in g are relative to m.
// If m is already a GraphModule, its graph is replaced.
func NewGraphModule(m Module, g *graph.Graph) *GraphModule {
	if gm, ok := m.(*GraphModule); ok {
		m = gm.Module
	}
	return &GraphModule{Module: m, graph: g}
}

// Graph used as forward pass.
func (gm *GraphModule) Graph() *graph.Graph { return gm.graph }

// Unwrap returns the wrapped module.
func (gm *GraphModule) Unwrap() Module { return gm.Module }

// Forward implements graph.Callable.
func (gm *GraphModule) Forward(s *graph.Scope, inputs ...*graph.Node) *graph.Node {
	return s.Inline(gm.graph, inputs...)
}

// IsLeaf implements Leaf: the graph is always inlined.
func (gm *GraphModule) IsLeaf() bool { return false }
