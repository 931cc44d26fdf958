// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package fusion

import (
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
)

// ErrCompile is returned by a Compiler that can't compile a region. It is recoverable: the region is then
// executed by the interpreter.
var ErrCompile = errors.New("fusion compile failed")

// Kernel executes a fused region. rt resolves parameters and sub-modules relative to the fused module.
type Kernel interface {
	Run(rt graph.Runtime, inputs []*tensors.Tensor) (*tensors.Tensor, error)
}

// Compiler turns the graph of a fused region into a Kernel.
type Compiler interface {
	Name() string
	Compile(g *graph.Graph) (Kernel, error)
}

// Interpreted is the Compiler that doesn't compile: the region graph is interpreted at every call.
type Interpreted struct{}

// Name implements Compiler.
func (Interpreted) Name() string { return "interpreted" }

// Compile implements Compiler.
func (Interpreted) Compile(g *graph.Graph) (Kernel, error) {
	return interpretedKernel{g}, nil
}

type interpretedKernel struct {
	g *graph.Graph
}

func (k interpretedKernel) Run(rt graph.Runtime, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	return k.g.Run(rt, inputs...)
}

// Closure lowers the region, ahead of time, to a list of pre-bound steps over a slice of value slots, so
// no graph is walked at execution time. Regions calling sub-modules are not supported.
type Closure struct{}

// Name implements Compiler.
func (Closure) Name() string { return "closure" }

type step func(rt graph.Runtime, slots []*tensors.Tensor) error

type closureKernel struct {
	name      string
	numSlots  int
	inputs    []int
	constants map[int]*tensors.Tensor
	steps     []step
	output    int
}

// Compile implements Compiler.
func (Closure) Compile(g *graph.Graph) (Kernel, error) {
	nodes := g.Nodes()
	k := &closureKernel{name: g.Name(), numSlots: len(nodes), constants: make(map[int]*tensors.Tensor), output: -1}
	slotOf := make(map[*graph.Node]int, len(nodes))
	for i, n := range nodes {
		slotOf[n] = i
	}
	for i, n := range nodes {
		slot := i
		inputSlots := make([]int, len(n.Inputs()))
		for j, input := range n.Inputs() {
			inputSlots[j] = slotOf[input]
		}
		switch n.Type() {
		case graph.NodeTypePlaceholder:
			k.inputs = append(k.inputs, slot)
		case graph.NodeTypeConstant:
			k.constants[slot] = n.Constant()
		case graph.NodeTypeGetParam:
			target := n.Target()
			k.steps = append(k.steps, func(rt graph.Runtime, slots []*tensors.Tensor) error {
				value, err := rt.Param(target)
				slots[slot] = value
				return err
			})
		case graph.NodeTypeCallFunction:
			op := n
			k.steps = append(k.steps, func(rt graph.Runtime, slots []*tensors.Tensor) error {
				args := make([]*tensors.Tensor, len(inputSlots))
				for j, s := range inputSlots {
					args[j] = slots[s]
				}
				value, err := graph.EvalOp(op, rt.Group(), args)
				if err != nil {
					return errors.WithMessagef(err, "executing %q", op.Name())
				}
				slots[slot] = value
				return nil
			})
		case graph.NodeTypeOutput:
			k.output = inputSlots[0]
		default:
			return nil, errors.Wrapf(ErrCompile, "closure compiler: graph %q: %s node %q not supported",
				g.Name(), n.Type(), n.Name())
		}
	}
	if k.output < 0 {
		return nil, errors.Wrapf(ErrCompile, "closure compiler: graph %q has no output", g.Name())
	}
	return k, nil
}

func (k *closureKernel) Run(rt graph.Runtime, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	if len(inputs) != len(k.inputs) {
		return nil, errors.Errorf("kernel %q takes %d inputs, %d given", k.name, len(k.inputs), len(inputs))
	}
	slots := make([]*tensors.Tensor, k.numSlots)
	for i, slot := range k.inputs {
		slots[slot] = inputs[i]
	}
	for slot, value := range k.constants {
		slots[slot] = value
	}
	for _, s := range k.steps {
		if err := s(rt, slots); err != nil {
			return nil, errors.WithMessagef(err, "kernel %q", k.name)
		}
	}
	return slots[k.output], nil
}
