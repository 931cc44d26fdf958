// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// ErrUntraceable is returned when a forward pass uses a construct that cannot be represented symbolically,
// like data-dependent control flow, or a value that needs to be concrete (see Scope.Concrete) and isn't.
var ErrUntraceable = errors.New("untraceable construct")

// Callable is anything whose forward pass can be traced: modules, patterns, fused regions.
type Callable interface {
	// Forward describes the computation on the symbolic inputs, using the scope for parameters and
	// sub-module calls, and returns the output node.
	Forward(s *Scope, inputs ...*Node) *Node
}

// CallableFunc implements Callable with a function.
type CallableFunc func(s *Scope, inputs ...*Node) *Node

// Forward implements Callable.
func (fn CallableFunc) Forward(s *Scope, inputs ...*Node) *Node { return fn(s, inputs...) }

// JoinPath joins dotted module paths, handling empty components.
func JoinPath(parts ...string) string {
	nonEmpty := make([]string, 0, len(parts))
	for _, part := range parts {
		if part != "" {
			nonEmpty = append(nonEmpty, part)
		}
	}
	return strings.Join(nonEmpty, ".")
}

// Tracer records the forward pass of a Callable into a Graph.
type Tracer struct {
	// Flatten inlines the forward pass of sub-modules, except leaves. Otherwise, every sub-module
	// call is recorded as a NodeTypeCallModule node.
	Flatten bool

	// ConcreteArgs holds values that modules require to be concrete during tracing (see Scope.Concrete).
	ConcreteArgs map[string]any

	// InputNames are the names of the graph placeholders. Defaults to a single input named "x".
	InputNames []string

	// Resolve returns the module at the given path, relative to the traced root. It is used to inline
	// sub-modules when flattening, and to check that called sub-modules exist.
	// If nil, sub-module calls are recorded without checking: this is how patterns are traced.
	Resolve func(path string) (Callable, error)

	// IsLeaf returns whether the module at path should be kept as a call when flattening.
	IsLeaf func(path string) bool
}

// traceState is shared by all scopes of one trace.
type traceState struct {
	params map[string]*Node
}

// Scope is the handle passed to Callable.Forward during tracing: it creates parameter reads, sub-module
// calls and constants in the graph being traced, relative to the path of the module being traced.
type Scope struct {
	tracer *Tracer
	graph  *Graph
	path   string
	state  *traceState
}

// Trace records root's forward pass into a new Graph with the given name.
// Errors thrown while tracing (see ErrUntraceable) are returned.
func (t *Tracer) Trace(name string, root Callable) (g *Graph, err error) {
	inputNames := t.InputNames
	if len(inputNames) == 0 {
		inputNames = []string{"x"}
	}
	g = New(name)
	err = exceptions.TryCatch[error](func() {
		inputs := make([]*Node, len(inputNames))
		for i, inputName := range inputNames {
			inputs[i] = g.addNode(&Node{nodeType: NodeTypePlaceholder, target: inputName})
		}
		s := &Scope{tracer: t, graph: g, state: &traceState{params: make(map[string]*Node)}}
		out := root.Forward(s, inputs...)
		if out == nil {
			exceptions.Panicf("forward pass returned nil")
		}
		g.SetOutput(out)
	})
	if err != nil {
		return nil, errors.WithMessagef(err, "tracing %q", name)
	}
	if klog.V(2).Enabled() {
		klog.Infof("traced %s", g)
	}
	return g, nil
}

// Graph being built.
func (s *Scope) Graph() *Graph { return s.graph }

// Path of the module being traced, relative to the root of the trace. The root has path "".
func (s *Scope) Path() string { return s.path }

// Param returns the node reading the parameter with the given name, of the module being traced.
// Reading the same parameter twice returns the same node.
func (s *Scope) Param(name string) *Node {
	target := JoinPath(s.path, name)
	if n, found := s.state.params[target]; found && n.graph == s.graph {
		return n
	}
	n := s.graph.addNode(&Node{nodeType: NodeTypeGetParam, target: target})
	s.state.params[target] = n
	return n
}

// Call the sub-module at the child path (relative to the module being traced, it can be a dotted path
// like "layer.0") with the given inputs.
//
// When flattening, non-leaf sub-modules have their forward pass inlined. Otherwise, a NodeTypeCallModule
// node is created.
func (s *Scope) Call(child string, inputs ...*Node) *Node {
	if child == "" {
		exceptions.Panicf("module %q: Call with an empty child path", s.path)
	}
	path := JoinPath(s.path, child)
	if len(inputs) > 0 {
		validateBuildingGraphFromInputs(inputs...)
	}
	t := s.tracer
	isLeaf := t.IsLeaf != nil && t.IsLeaf(path)
	if t.Flatten && !isLeaf {
		if t.Resolve == nil {
			exceptions.Panicf("module %q: cannot flatten call to %q without a module resolver", s.path, path)
		}
		callable, err := t.Resolve(path)
		if err != nil {
			panic(err)
		}
		s.graph.inlined = append(s.graph.inlined, path)
		inner := &Scope{tracer: t, graph: s.graph, path: path, state: s.state}
		previous := s.graph.current
		s.graph.current = path
		out := callable.Forward(inner, inputs...)
		s.graph.current = previous
		if out == nil {
			exceptions.Panicf("forward pass of module %q returned nil", path)
		}
		return out
	}
	if t.Resolve != nil {
		if _, err := t.Resolve(path); err != nil {
			panic(err)
		}
	}
	return s.graph.addNode(&Node{nodeType: NodeTypeCallModule, target: path, inputs: inputs})
}

// Concrete returns the value given in Tracer.ConcreteArgs for name. If not given, tracing fails with
// ErrUntraceable: the module needs a concrete value to decide its structure.
func (s *Scope) Concrete(name string) any {
	value, found := s.tracer.ConcreteArgs[name]
	if !found {
		panic(errors.Wrapf(ErrUntraceable, "module %q requires a concrete value for %q", s.path, name))
	}
	return value
}

// Truth returns whether the value of n is non-zero. It is only possible for scalar constants: for any other
// node the decision would depend on data, and tracing fails with ErrUntraceable.
func (s *Scope) Truth(n *Node) bool {
	if n.nodeType != NodeTypeConstant || n.constant.Size() != 1 {
		panic(errors.Wrapf(ErrUntraceable, "module %q: control flow depends on the value of %q", s.path, n.Name()))
	}
	return n.constant.Data()[0] != 0
}

// Const creates a constant node.
func (s *Scope) Const(value *tensors.Tensor) *Node {
	return s.graph.addNode(&Node{nodeType: NodeTypeConstant, constant: value})
}

// Inline copies the nodes of sub into the graph being traced, as if its forward pass was executed
// within the current module. Parameters and sub-modules referenced by sub are taken relative to the
// current module.
func (s *Scope) Inline(sub *Graph, inputs ...*Node) *Node {
	placeholders := sub.Placeholders()
	if len(placeholders) != len(inputs) {
		exceptions.Panicf("module %q: inlining graph %q with %d inputs, but %d were given",
			s.path, sub.Name(), len(placeholders), len(inputs))
	}
	mapping := make(map[*Node]*Node, sub.NumNodes())
	for i, p := range placeholders {
		mapping[p] = inputs[i]
	}
	mapInputs := func(n *Node) []*Node {
		mapped := make([]*Node, len(n.inputs))
		for i, input := range n.inputs {
			mapped[i] = mapping[input]
		}
		return mapped
	}
	for _, n := range sub.nodes {
		switch n.nodeType {
		case NodeTypePlaceholder:
		case NodeTypeGetParam:
			mapping[n] = s.Param(n.target)
		case NodeTypeConstant:
			mapping[n] = s.Const(n.constant)
		case NodeTypeCallModule:
			mapping[n] = s.Call(n.target, mapInputs(n)...)
		case NodeTypeCallFunction:
			c := n.clone(s.graph, mapInputs(n))
			c.name = n.name
			c.module = JoinPath(s.path, n.module)
			mapping[n] = s.graph.addNode(c)
		case NodeTypeOutput:
			return mapping[n.inputs[0]]
		default:
		}
	}
	exceptions.Panicf("graph %q has no output node", sub.Name())
	return nil
}
