// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"strconv"

	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Runtime executes the graphs of a module tree: it implements graph.Runtime for the module at Prefix, resolving
// parameters and sub-modules from Root.
type Runtime struct {
	Root   Module
	Prefix string
	group  distributed.ProcessGroup
}

var _ graph.Runtime = (*Runtime)(nil)

// NewRuntime creates a Runtime for the root module. The group is used by collectives, and can be nil.
func NewRuntime(root Module, group distributed.ProcessGroup) *Runtime {
	return &Runtime{Root: root, group: group}
}

// Sub returns the runtime of the sub-module at the relative path.
func (rt *Runtime) Sub(path string) *Runtime {
	return &Runtime{Root: rt.Root, Prefix: graph.JoinPath(rt.Prefix, path), group: rt.group}
}

// Param implements graph.Runtime.
func (rt *Runtime) Param(target string) (*tensors.Tensor, error) {
	path := graph.JoinPath(rt.Prefix, target)
	p, err := LookupParam(rt.Root, path)
	if err != nil {
		return nil, err
	}
	if p.NeedsInit() {
		return nil, errors.Errorf("parameter %q is not initialized", path)
	}
	return p.Value, nil
}

// CallModule implements graph.Runtime: executable modules are executed, others are traced (flattened) and
// interpreted.
func (rt *Runtime) CallModule(target string, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	sub := rt.Sub(target)
	m, err := Lookup(rt.Root, sub.Prefix)
	if err != nil {
		return nil, err
	}
	if exec, ok := m.(Executable); ok {
		return exec.Execute(sub, inputs)
	}
	g, err := TraceFlat(sub.Prefix, m, len(inputs))
	if err != nil {
		return nil, err
	}
	return g.Run(sub, inputs...)
}

// Group implements graph.Runtime.
func (rt *Runtime) Group() distributed.ProcessGroup { return rt.group }

// TraceFlat traces m with all its sub-modules inlined, except executable ones.
func TraceFlat(name string, m Module, numInputs int) (*graph.Graph, error) {
	tracer := &graph.Tracer{
		Flatten:    true,
		InputNames: InputNames(numInputs),
		Resolve: func(path string) (graph.Callable, error) {
			return Lookup(m, path)
		},
		IsLeaf: func(path string) bool {
			sub, err := Lookup(m, path)
			if err != nil {
				return false
			}
			_, executable := sub.(Executable)
			return executable
		},
	}
	return tracer.Trace(name, m)
}

// InputNames returns the default names of n inputs: "x" for one input, "x0", "x1", ... otherwise.
func InputNames(n int) []string {
	if n <= 1 {
		return []string{"x"}
	}
	names := make([]string, n)
	for i := range names {
		names[i] = "x" + strconv.Itoa(i)
	}
	return names
}

// Forward executes the module tree on the given inputs, without any scheduling: the reference the scheduled
// executions are compared against.
func Forward(root Module, inputs ...*tensors.Tensor) (*tensors.Tensor, error) {
	return ForwardWithGroup(root, nil, inputs...)
}

// ForwardWithGroup is like Forward, with a process group for sharded modules.
func ForwardWithGroup(root Module, group distributed.ProcessGroup, inputs ...*tensors.Tensor) (*tensors.Tensor, error) {
	rt := NewRuntime(root, group)
	if exec, ok := root.(Executable); ok {
		return exec.Execute(rt, inputs)
	}
	g, err := TraceFlat("", root, len(inputs))
	if err != nil {
		return nil, err
	}
	return g.Run(rt, inputs...)
}
