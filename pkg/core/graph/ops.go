// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"github.com/gomlx/exceptions"
	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
)

// validateBuildingGraphFromInputs checks that all inputs are from the same graph and returns it.
// It panics with a nice message in case of problems.
func validateBuildingGraphFromInputs(inputs ...*Node) (g *Graph) {
	if len(inputs) == 0 {
		exceptions.Panicf("no input nodes provided, at least one is required")
	}
	for ii, n := range inputs {
		if n == nil {
			exceptions.Panicf("input node #%d is nil", ii)
		}
		if n.graph == nil {
			exceptions.Panicf("input node #%d (%q) was removed from its graph", ii, n.name)
		}
		if g == nil {
			g = n.graph
		} else if n.graph != g {
			exceptions.Panicf("combining nodes from different graphs not allowed: input node #%d is part of graph %q, "+
				"but input node #0 is part of graph %q", ii, n.graph.name, g.name)
		}
		if n.nodeType == NodeTypeOutput {
			exceptions.Panicf("input node #%d is the output node of graph %q", ii, g.name)
		}
	}
	return
}

func newOp(op OpType, inputs ...*Node) *Node {
	g := validateBuildingGraphFromInputs(inputs...)
	return g.addNode(&Node{nodeType: NodeTypeCallFunction, op: op, inputs: inputs})
}

// Identity returns a node with the same value as x.
func Identity(x *Node) *Node { return newOp(OpTypeIdentity, x) }

// Add returns lhs+rhs. The smaller operand's dimensions must be a suffix of the other's.
func Add(lhs, rhs *Node) *Node { return newOp(OpTypeAdd, lhs, rhs) }

// Sub returns lhs-rhs.
func Sub(lhs, rhs *Node) *Node { return newOp(OpTypeSub, lhs, rhs) }

// Mul returns lhs*rhs, elementwise.
func Mul(lhs, rhs *Node) *Node { return newOp(OpTypeMul, lhs, rhs) }

// AddScalar returns x+value.
func AddScalar(x *Node, value float64) *Node {
	n := newOp(OpTypeAddScalar, x)
	n.scalar = value
	return n
}

// MulScalar returns x*value.
func MulScalar(x *Node, value float64) *Node {
	n := newOp(OpTypeMulScalar, x)
	n.scalar = value
	return n
}

// Relu returns max(x, 0).
func Relu(x *Node) *Node { return newOp(OpTypeRelu, x) }

// Gelu returns the exact GELU activation of x.
func Gelu(x *Node) *Node { return newOp(OpTypeGelu, x) }

// Tanh returns the hyperbolic tangent of x.
func Tanh(x *Node) *Node { return newOp(OpTypeTanh, x) }

// MatMulT returns x·wᵀ, with w shaped [outFeatures, inFeatures], as the weight of a linear layer.
func MatMulT(x, w *Node) *Node { return newOp(OpTypeMatMulT, x, w) }

// LayerNorm normalizes x over its last axis, and then applies the affine transformation gamma*x+beta.
func LayerNorm(x, gamma, beta *Node, epsilon float64) *Node {
	n := newOp(OpTypeLayerNorm, x, gamma, beta)
	n.scalar = epsilon
	return n
}

// AllReduce reduces x across all participants of the process group.
func AllReduce(x *Node, op distributed.ReduceOp) *Node {
	n := newOp(OpTypeAllReduce, x)
	n.reduceOp = op
	return n
}

// AllGather concatenates x of all participants of the process group along axis.
func AllGather(x *Node, axis int) *Node {
	n := newOp(OpTypeAllGather, x)
	n.axis = axis
	return n
}

// Broadcast returns the value of x held by the participant of rank root.
func Broadcast(x *Node, root int) *Node {
	n := newOp(OpTypeBroadcast, x)
	n.axis = root
	return n
}

// SplitLocal returns the slice of x along axis that corresponds to the participant's rank. It's the inverse of
// AllGather, and requires no communication.
func SplitLocal(x *Node, axis int) *Node {
	n := newOp(OpTypeSplitLocal, x)
	n.axis = axis
	return n
}

// EvalOp executes the operation of a NodeTypeCallFunction node on concrete input values.
// It is used by compilers that lower graphs to something other than the interpreter.
func EvalOp(n *Node, group distributed.ProcessGroup, inputs []*tensors.Tensor) (value *tensors.Tensor, err error) {
	if n.nodeType != NodeTypeCallFunction {
		return nil, errors.Errorf("EvalOp(%q): node is a %s, not an operation", n.name, n.nodeType)
	}
	if len(inputs) != len(n.inputs) {
		return nil, errors.Errorf("EvalOp(%q): %d inputs given, %d required", n.name, len(inputs), len(n.inputs))
	}
	if caught := exceptions.TryCatch[error](func() { value, err = evalOp(n, group, inputs) }); caught != nil {
		return nil, caught
	}
	return value, err
}

// evalOp executes a NodeTypeCallFunction node on concrete values. Shape errors panic.
func evalOp(n *Node, group distributed.ProcessGroup, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	solo := group == nil || group.WorldSize() == 1
	switch n.op {
	case OpTypeIdentity:
		return inputs[0], nil
	case OpTypeAdd:
		return tensors.Add(inputs[0], inputs[1]), nil
	case OpTypeSub:
		return tensors.Sub(inputs[0], inputs[1]), nil
	case OpTypeMul:
		return tensors.Mul(inputs[0], inputs[1]), nil
	case OpTypeAddScalar:
		return tensors.AddScalar(inputs[0], n.scalar), nil
	case OpTypeMulScalar:
		return tensors.MulScalar(inputs[0], n.scalar), nil
	case OpTypeRelu:
		return tensors.Relu(inputs[0]), nil
	case OpTypeGelu:
		return tensors.Gelu(inputs[0]), nil
	case OpTypeTanh:
		return tensors.Tanh(inputs[0]), nil
	case OpTypeMatMulT:
		return tensors.MatMulT(inputs[0], inputs[1]), nil
	case OpTypeLayerNorm:
		return tensors.LayerNorm(inputs[0], inputs[1], inputs[2], n.scalar), nil
	case OpTypeAllReduce:
		if solo {
			return inputs[0], nil
		}
		return group.AllReduce(inputs[0], n.reduceOp)
	case OpTypeAllGather:
		if solo {
			return inputs[0], nil
		}
		return group.AllGather(inputs[0], n.axis)
	case OpTypeBroadcast:
		if solo {
			return inputs[0], nil
		}
		return group.Broadcast(inputs[0], n.axis)
	case OpTypeSplitLocal:
		if solo {
			return inputs[0], nil
		}
		parts, err := tensors.Split(inputs[0], n.axis, group.WorldSize())
		if err != nil {
			return nil, err
		}
		return parts[group.Rank()], nil
	default:
		exceptions.Panicf("unknown op %s", n.op)
	}
	return nil, nil
}
