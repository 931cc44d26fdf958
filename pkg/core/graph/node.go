// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"fmt"
	"maps"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/tensors"
)

// NodeType enumerates the kinds of nodes in a Graph.
type NodeType int

const (
	NodeTypeInvalid NodeType = iota

	// NodeTypePlaceholder is an input of the graph.
	NodeTypePlaceholder

	// NodeTypeGetParam reads a parameter. Its target is the parameter path, relative to the graph owner
	// (e.g. "fc1.weight").
	NodeTypeGetParam

	// NodeTypeConstant holds a concrete value known at tracing time.
	NodeTypeConstant

	// NodeTypeCallModule calls a sub-module. Its target is the module path, relative to the graph owner.
	NodeTypeCallModule

	// NodeTypeCallFunction applies an operation (see OpType) to its inputs.
	NodeTypeCallFunction

	// NodeTypeOutput marks the output of the graph. There is exactly one per graph, the last node.
	NodeTypeOutput
)

var nodeTypeNames = map[NodeType]string{
	NodeTypeInvalid:      "invalid",
	NodeTypePlaceholder:  "placeholder",
	NodeTypeGetParam:     "get_param",
	NodeTypeConstant:     "constant",
	NodeTypeCallModule:   "call_module",
	NodeTypeCallFunction: "call_function",
	NodeTypeOutput:       "output",
}

func (t NodeType) String() string {
	if name, found := nodeTypeNames[t]; found {
		return name
	}
	return fmt.Sprintf("NodeType(%d)", int(t))
}

// OpType enumerates the operations of NodeTypeCallFunction nodes.
type OpType int

const (
	OpTypeInvalid OpType = iota
	OpTypeIdentity
	OpTypeAdd
	OpTypeSub
	OpTypeMul
	OpTypeAddScalar
	OpTypeMulScalar
	OpTypeRelu
	OpTypeGelu
	OpTypeTanh
	OpTypeMatMulT
	OpTypeLayerNorm

	// Collectives, executed through the distributed.ProcessGroup of the runtime.

	OpTypeAllReduce
	OpTypeAllGather
	OpTypeBroadcast

	// OpTypeSplitLocal keeps the local rank's slice of a replicated value. It requires no communication.
	OpTypeSplitLocal
)

var opTypeNames = map[OpType]string{
	OpTypeInvalid:    "invalid",
	OpTypeIdentity:   "identity",
	OpTypeAdd:        "add",
	OpTypeSub:        "sub",
	OpTypeMul:        "mul",
	OpTypeAddScalar:  "add_scalar",
	OpTypeMulScalar:  "mul_scalar",
	OpTypeRelu:       "relu",
	OpTypeGelu:       "gelu",
	OpTypeTanh:       "tanh",
	OpTypeMatMulT:    "matmul_t",
	OpTypeLayerNorm:  "layer_norm",
	OpTypeAllReduce:  "all_reduce",
	OpTypeAllGather:  "all_gather",
	OpTypeBroadcast:  "broadcast",
	OpTypeSplitLocal: "split_local",
}

func (op OpType) String() string {
	if name, found := opTypeNames[op]; found {
		return name
	}
	return fmt.Sprintf("OpType(%d)", int(op))
}

// IsCommutative returns whether the binary operation is commutative, in which case pattern matching
// also tries its operands swapped.
func (op OpType) IsCommutative() bool {
	return op == OpTypeAdd || op == OpTypeMul
}

// IsElementwise returns whether the op is applied elementwise over its first operand, which implies that it
// preserves any partitioning of it. Binary ops are only elementwise if both operands are laid out the same way,
// which is checked by the callers.
func (op OpType) IsElementwise() bool {
	switch op {
	case OpTypeIdentity, OpTypeAdd, OpTypeSub, OpTypeMul, OpTypeAddScalar, OpTypeMulScalar,
		OpTypeRelu, OpTypeGelu, OpTypeTanh:
		return true
	}
	return false
}

// IsCollective returns whether the op requires a process group to run.
func (op OpType) IsCollective() bool {
	return op == OpTypeAllReduce || op == OpTypeAllGather || op == OpTypeBroadcast
}

// Node is a value in a computation Graph: a graph input, a parameter, a constant, the result of a
// sub-module call or of an operation.
//
// Nodes are created by tracing (see Scope) or by the functional ops of this package (Add, Relu, etc.),
// and are owned by their Graph. Graph rewrites (fusion, pipeline partitioning, collective insertion)
// change their inputs in place.
type Node struct {
	graph    *Graph
	id       int
	name     string
	nodeType NodeType
	op       OpType
	target   string
	inputs   []*Node

	// module is the path (relative to the graph owner) of the module whose forward pass created the node.
	module string

	// Static arguments.
	scalar   float64
	axis     int
	reduceOp distributed.ReduceOp
	constant *tensors.Tensor

	meta map[string]any
}

// Graph that holds this Node.
func (n *Node) Graph() *Graph {
	if n == nil {
		return nil
	}
	return n.graph
}

// Id is the unique id of this node within the Graph. Ids are given in creation order, so they don't reflect
// the topological order after rewrites: use Graph.Position for that.
func (n *Node) Id() int { return n.id }

// Name of the node, unique within the Graph.
func (n *Node) Name() string { return n.name }

// Type of the node.
func (n *Node) Type() NodeType { return n.nodeType }

// Op returns the operation of a NodeTypeCallFunction node, or OpTypeInvalid otherwise.
func (n *Node) Op() OpType { return n.op }

// Target of NodeTypeCallModule (module path) and NodeTypeGetParam (parameter path) nodes.
// For placeholders it is the input name.
func (n *Node) Target() string { return n.target }

// SetTarget changes the target of a NodeTypeCallModule or NodeTypeGetParam node.
// Used when the referenced module is moved in the module tree.
func (n *Node) SetTarget(target string) {
	if n.nodeType != NodeTypeCallModule && n.nodeType != NodeTypeGetParam {
		exceptions.Panicf("SetTarget(%q) on %s node %q", target, n.nodeType, n.name)
	}
	n.target = target
}

// Module returns the path, relative to the graph owner, of the module whose forward pass created the node.
// It is "" for nodes created by the owner itself. For flattened traces it tells where inlined nodes came from.
func (n *Node) Module() string { return n.module }

// Inputs are the nodes used by this node, in order.
func (n *Node) Inputs() []*Node { return n.inputs }

// Scalar argument of OpTypeAddScalar and OpTypeMulScalar, or the epsilon of OpTypeLayerNorm.
func (n *Node) Scalar() float64 { return n.scalar }

// Axis argument of OpTypeAllGather and OpTypeSplitLocal, or the root of OpTypeBroadcast.
func (n *Node) Axis() int { return n.axis }

// ReduceOp of an OpTypeAllReduce node.
func (n *Node) ReduceOp() distributed.ReduceOp { return n.reduceOp }

// Constant value of a NodeTypeConstant node.
func (n *Node) Constant() *tensors.Tensor { return n.constant }

// SetMeta attaches arbitrary metadata to the node (e.g.: the pipeline stage it belongs to).
func (n *Node) SetMeta(key string, value any) {
	if n.meta == nil {
		n.meta = make(map[string]any)
	}
	n.meta[key] = value
}

// Meta returns the metadata stored with SetMeta, or nil.
func (n *Node) Meta(key string) any {
	return n.meta[key]
}

// SameOp returns whether n and other compute the same function of their inputs: same type, op, target
// and static arguments. Inputs themselves are not compared.
func (n *Node) SameOp(other *Node) bool {
	return n.nodeType == other.nodeType && n.op == other.op && n.target == other.target &&
		n.scalar == other.scalar && n.axis == other.axis && n.reduceOp == other.reduceOp &&
		len(n.inputs) == len(other.inputs)
}

// clone returns a copy of the node for another graph, with the given inputs.
func (n *Node) clone(g *Graph, inputs []*Node) *Node {
	c := &Node{
		graph:    g,
		nodeType: n.nodeType,
		op:       n.op,
		target:   n.target,
		inputs:   inputs,
		module:   n.module,
		scalar:   n.scalar,
		axis:     n.axis,
		reduceOp: n.reduceOp,
		constant: n.constant,
	}
	if n.meta != nil {
		c.meta = maps.Clone(n.meta)
	}
	return c
}

// String implements fmt.Stringer, in the format used by Graph.String.
func (n *Node) String() string {
	if n == nil {
		return "Node(nil)"
	}
	var sb strings.Builder
	switch n.nodeType {
	case NodeTypePlaceholder:
		fmt.Fprintf(&sb, "%%%s = placeholder[%s]", n.name, n.target)
		return sb.String()
	case NodeTypeGetParam:
		fmt.Fprintf(&sb, "%%%s = get_param[%s]", n.name, n.target)
		return sb.String()
	case NodeTypeConstant:
		fmt.Fprintf(&sb, "%%%s = constant%s", n.name, n.constant)
		return sb.String()
	case NodeTypeCallModule:
		fmt.Fprintf(&sb, "%%%s = call_module[%s]", n.name, n.target)
	case NodeTypeCallFunction:
		fmt.Fprintf(&sb, "%%%s = %s", n.name, n.op)
		switch n.op {
		case OpTypeAddScalar, OpTypeMulScalar, OpTypeLayerNorm:
			fmt.Fprintf(&sb, "[%g]", n.scalar)
		case OpTypeAllGather, OpTypeSplitLocal:
			fmt.Fprintf(&sb, "[axis=%d]", n.axis)
		case OpTypeBroadcast:
			fmt.Fprintf(&sb, "[root=%d]", n.axis)
		case OpTypeAllReduce:
			fmt.Fprintf(&sb, "[%s]", n.reduceOp)
		default:
		}
	case NodeTypeOutput:
		sb.WriteString("return")
	default:
		sb.WriteString("invalid")
	}
	sb.WriteString("(")
	for i, input := range n.inputs {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString("%" + input.name)
	}
	sb.WriteString(")")
	return sb.String()
}
