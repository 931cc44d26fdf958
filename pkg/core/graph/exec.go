// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Runtime provides what the interpreter needs beyond the graph itself: parameter values, sub-module execution and
// the process group used by collectives.
type Runtime interface {
	// Param returns the value of the parameter at target (relative to the graph owner).
	Param(target string) (*tensors.Tensor, error)

	// CallModule executes the sub-module at target (relative to the graph owner).
	CallModule(target string, inputs []*tensors.Tensor) (*tensors.Tensor, error)

	// Group used by collective ops. If nil, collectives are the identity (single participant).
	Group() distributed.ProcessGroup
}

// Observer is called with the value of every node executed.
type Observer func(n *Node, value *tensors.Tensor)

// SimpleRuntime is a Runtime backed by maps, convenient for tests and for self-contained graphs.
type SimpleRuntime struct {
	Params       map[string]*tensors.Tensor
	Modules      map[string]func(inputs []*tensors.Tensor) (*tensors.Tensor, error)
	ProcessGroup distributed.ProcessGroup
}

var _ Runtime = (*SimpleRuntime)(nil)

// Param implements Runtime.
func (rt *SimpleRuntime) Param(target string) (*tensors.Tensor, error) {
	if value, found := rt.Params[target]; found {
		return value, nil
	}
	return nil, errors.Errorf("unknown parameter %q", target)
}

// CallModule implements Runtime.
func (rt *SimpleRuntime) CallModule(target string, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	if fn, found := rt.Modules[target]; found {
		return fn(inputs)
	}
	return nil, errors.Errorf("unknown module %q", target)
}

// Group implements Runtime.
func (rt *SimpleRuntime) Group() distributed.ProcessGroup { return rt.ProcessGroup }

// Run executes the graph with the given inputs, one per placeholder.
func (g *Graph) Run(rt Runtime, inputs ...*tensors.Tensor) (*tensors.Tensor, error) {
	return g.RunObserved(rt, nil, inputs...)
}

// RunObserved executes the graph like Run, calling observe (if not nil) with the value of every node.
func (g *Graph) RunObserved(rt Runtime, observe Observer, inputs ...*tensors.Tensor) (*tensors.Tensor, error) {
	if g.output == nil {
		return nil, errors.Errorf("graph %q has no output", g.name)
	}
	placeholders := g.Placeholders()
	if len(placeholders) != len(inputs) {
		return nil, errors.Errorf("graph %q takes %d inputs, %d given", g.name, len(placeholders), len(inputs))
	}
	env := make(map[*Node]*tensors.Tensor, len(g.nodes))
	for i, p := range placeholders {
		env[p] = inputs[i]
	}
	if err := Evaluate(rt, g.nodes, env, observe); err != nil {
		return nil, err
	}
	return env[g.output], nil
}

// Evaluate executes the given nodes in order, reading their inputs from env and storing their values in it.
// Nodes whose value is already in env are skipped: this is how placeholders, or the boundary values of a
// pipeline stage, are given.
func Evaluate(rt Runtime, nodes []*Node, env map[*Node]*tensors.Tensor, observe Observer) error {
	for _, n := range nodes {
		if _, done := env[n]; done {
			continue
		}
		args := make([]*tensors.Tensor, len(n.inputs))
		for i, input := range n.inputs {
			value, found := env[input]
			if !found {
				return errors.Errorf("executing %q of graph %q: value of input %q not available",
					n.name, graphNameOf(n), input.name)
			}
			args[i] = value
		}
		var value *tensors.Tensor
		var err error
		if caught := exceptions.TryCatch[error](func() { value, err = evalNode(rt, n, args) }); caught != nil {
			err = caught
		}
		if err != nil {
			return errors.WithMessagef(err, "executing %q of graph %q", n.name, graphNameOf(n))
		}
		env[n] = value
		if observe != nil && n.nodeType != NodeTypeOutput {
			observe(n, value)
		}
	}
	return nil
}

func graphNameOf(n *Node) string {
	if n.graph == nil {
		return ""
	}
	return n.graph.name
}

func evalNode(rt Runtime, n *Node, args []*tensors.Tensor) (*tensors.Tensor, error) {
	switch n.nodeType {
	case NodeTypePlaceholder:
		return nil, errors.Errorf("no value given for input %q", n.target)
	case NodeTypeConstant:
		return n.constant, nil
	case NodeTypeOutput:
		return args[0], nil
	case NodeTypeCallFunction:
		var group distributed.ProcessGroup
		if rt != nil {
			group = rt.Group()
		}
		return evalOp(n, group, args)
	default:
	}
	if rt == nil {
		return nil, errors.Errorf("%s node requires a runtime", n.nodeType)
	}
	if n.nodeType == NodeTypeGetParam {
		return rt.Param(n.target)
	}
	return rt.CallModule(n.target, args)
}
