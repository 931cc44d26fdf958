// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package graph is the intermediate representation used by the schedule compiler: a computation Graph of
// Node's, created by tracing the forward pass of a module (see Scope and Tracer), rewritten by the scheduling
// primitives (fusion, pipeline partitioning, collective insertion) and executed by an interpreter (see Graph.Run).
//
// The main elements in the package are:
//
//   - Graph: an ordered list of nodes, always kept in topological order, ending with an output node.
//     A graph is owned by a module, and targets of its nodes (parameters, sub-modules) are paths relative
//     to that module.
//
//   - Node: a symbolic value in the computation. This can be an input placeholder, a parameter, a constant,
//     the call of a sub-module, or the result of an operation (Add, Relu, MatMulT, AllReduce, etc.).
//
//   - Scope and Tracer: modules describe their forward pass as a Go function over symbolic nodes, using a Scope.
//     The Tracer records it into a Graph, either keeping sub-module calls opaque, or inlining ("flattening") them.
//
// # Error Handling
//
// Like graph building in GoMLX, the functional ops (Add, Mul, Relu, ...) and Scope methods "throw" errors with
// panic(), with the full stack-trace. Tracer.Trace and the interpreter catch them and return them as errors.
package graph

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/pkg/errors"
)

// Graph is a computation graph, kept in topological order.
//
// It is not safe for concurrent modification, but once built it can be executed (Run) concurrently.
type Graph struct {
	name   string
	nodes  []*Node
	nextID int
	names  map[string]bool
	output *Node

	// insertAt is the position where new nodes are inserted, or -1 to insert them at the end.
	insertAt int

	// current is the path of the module being traced, used to set Node.module.
	current string

	// inlined lists the paths (relative to the graph owner) of modules whose forward pass was inlined.
	inlined []string

	// rewritten is set once a primitive structurally changed the traced graph.
	rewritten bool
}

// New creates an empty Graph owned by the module with the given name (its path).
func New(name string) *Graph {
	return &Graph{name: name, names: make(map[string]bool), insertAt: -1}
}

// Name of the graph, usually the path of the module that owns it.
func (g *Graph) Name() string { return g.name }

// Nodes returns the nodes of the graph, in topological order. The returned slice is a copy.
func (g *Graph) Nodes() []*Node { return slices.Clone(g.nodes) }

// NumNodes returns the number of nodes of the graph, including the output node.
func (g *Graph) NumNodes() int { return len(g.nodes) }

// Placeholders returns the input nodes of the graph, in order.
func (g *Graph) Placeholders() []*Node {
	var placeholders []*Node
	for _, n := range g.nodes {
		if n.nodeType == NodeTypePlaceholder {
			placeholders = append(placeholders, n)
		}
	}
	return placeholders
}

// Output returns the output node of the graph, or nil if it has not been set yet.
func (g *Graph) Output() *Node { return g.output }

// Result returns the node whose value is returned by the graph, or nil if the output has not been set.
func (g *Graph) Result() *Node {
	if g.output == nil {
		return nil
	}
	return g.output.inputs[0]
}

// SetOutput sets the value returned by the graph.
func (g *Graph) SetOutput(result *Node) {
	g.assertOwns(result)
	if g.output != nil {
		g.output.inputs[0] = result
		return
	}
	out := &Node{nodeType: NodeTypeOutput, inputs: []*Node{result}}
	previous := g.insertAt
	g.insertAt = -1
	g.addNode(out)
	g.insertAt = previous
	g.output = out
}

// Inlined returns the paths of the modules whose forward pass was inlined into this graph when it was traced.
func (g *Graph) Inlined() []string { return slices.Clone(g.inlined) }

// MarkRewritten records that the graph was structurally changed by a primitive.
func (g *Graph) MarkRewritten() { g.rewritten = true }

// Rewritten returns whether MarkRewritten was called.
func (g *Graph) Rewritten() bool { return g.rewritten }

// Position of the node in the topological order, or -1 if the node is not in the graph.
func (g *Graph) Position(n *Node) int {
	return slices.Index(g.nodes, n)
}

// NodeByName returns the node with the given name, or nil.
func (g *Graph) NodeByName(name string) *Node {
	for _, n := range g.nodes {
		if n.name == name {
			return n
		}
	}
	return nil
}

func (g *Graph) assertOwns(nodes ...*Node) {
	for _, n := range nodes {
		if n == nil {
			exceptions.Panicf("graph %q: nil node", g.name)
		}
		if n.graph != g {
			exceptions.Panicf("graph %q: node %q belongs to graph %q", g.name, n.name, n.graph.Name())
		}
	}
}

// baseName for a new node.
func baseName(n *Node) string {
	switch n.nodeType {
	case NodeTypePlaceholder:
		return n.target
	case NodeTypeGetParam, NodeTypeCallModule:
		return strings.ReplaceAll(n.target, ".", "_")
	case NodeTypeConstant:
		return "const"
	case NodeTypeCallFunction:
		return n.op.String()
	case NodeTypeOutput:
		return "output"
	}
	return "node"
}

func (g *Graph) uniqueName(base string) string {
	if base == "" {
		base = "node"
	}
	name := base
	for i := 1; g.names[name]; i++ {
		name = fmt.Sprintf("%s_%d", base, i)
	}
	g.names[name] = true
	return name
}

// addNode assigns an id and a unique name to n and inserts it at the current insertion point.
func (g *Graph) addNode(n *Node) *Node {
	n.graph = g
	if n.module == "" {
		n.module = g.current
	}
	n.id = g.nextID
	g.nextID++
	if n.name == "" {
		n.name = g.uniqueName(baseName(n))
	} else {
		n.name = g.uniqueName(n.name)
	}
	switch {
	case g.insertAt >= 0:
		g.nodes = slices.Insert(g.nodes, g.insertAt, n)
		g.insertAt++
	case g.output != nil:
		g.nodes = slices.Insert(g.nodes, len(g.nodes)-1, n)
	default:
		g.nodes = append(g.nodes, n)
	}
	return n
}

// InsertingAfter makes new nodes to be inserted just after n, until the returned function is called.
//
// Example:
//
//	restore := g.InsertingAfter(value)
//	gathered := AllGather(value, -1)
//	restore()
func (g *Graph) InsertingAfter(n *Node) (restore func()) {
	g.assertOwns(n)
	if n.nodeType == NodeTypeOutput {
		exceptions.Panicf("graph %q: cannot insert nodes after the output", g.name)
	}
	previous := g.insertAt
	g.insertAt = g.Position(n) + 1
	return func() { g.insertAt = previous }
}

// Users returns the nodes that use n as an input, in topological order.
func (g *Graph) Users(n *Node) []*Node {
	var users []*Node
	for _, u := range g.nodes {
		if slices.Contains(u.inputs, n) {
			users = append(users, u)
		}
	}
	return users
}

// ReplaceAllUsesWith makes every user of old, except replacement itself and the nodes in except, use
// replacement instead.
func (g *Graph) ReplaceAllUsesWith(old, replacement *Node, except ...*Node) {
	g.assertOwns(old, replacement)
	for _, u := range g.nodes {
		if u == replacement || slices.Contains(except, u) {
			continue
		}
		for i, input := range u.inputs {
			if input == old {
				u.inputs[i] = replacement
			}
		}
	}
}

// SetInput makes n use value as its i-th input. value must come before n in the topological order.
func (g *Graph) SetInput(n *Node, i int, value *Node) error {
	g.assertOwns(n, value)
	if i < 0 || i >= len(n.inputs) {
		return errors.Errorf("graph %q: node %q has no input #%d", g.name, n.name, i)
	}
	if g.Position(value) >= g.Position(n) {
		return errors.Errorf("graph %q: %q cannot be an input of %q, it is defined after it", g.name, value.name, n.name)
	}
	n.inputs[i] = value
	return nil
}

// EraseNode removes a node without users from the graph.
func (g *Graph) EraseNode(n *Node) error {
	pos := g.Position(n)
	if pos < 0 {
		return errors.Errorf("graph %q: node %q not in graph", g.name, n.Name())
	}
	if n == g.output {
		return errors.Errorf("graph %q: cannot erase the output node", g.name)
	}
	if users := g.Users(n); len(users) > 0 {
		return errors.Errorf("graph %q: cannot erase node %q, it is still used by %q", g.name, n.name, users[0].name)
	}
	g.nodes = slices.Delete(g.nodes, pos, pos+1)
	if g.insertAt > pos {
		g.insertAt--
	}
	delete(g.names, n.name)
	n.graph = nil
	return nil
}

// Validate checks the graph invariants: nodes are in topological order, inputs belong to the graph,
// and it ends with its output node.
func (g *Graph) Validate() error {
	if g.output == nil || len(g.nodes) == 0 || g.nodes[len(g.nodes)-1] != g.output {
		return errors.Errorf("graph %q: output node is not set or is not the last node", g.name)
	}
	seen := make(map[*Node]bool, len(g.nodes))
	for _, n := range g.nodes {
		if n.graph != g {
			return errors.Errorf("graph %q: node %q belongs to another graph", g.name, n.name)
		}
		for _, input := range n.inputs {
			if !seen[input] {
				return errors.Errorf("graph %q: node %q uses %q before it is defined", g.name, n.name, input.Name())
			}
		}
		seen[n] = true
	}
	return nil
}

// Clone returns a deep copy of the graph. The mapping from the original nodes to the new ones is also returned.
func (g *Graph) Clone() (*Graph, map[*Node]*Node) {
	c := New(g.name)
	mapping := make(map[*Node]*Node, len(g.nodes))
	for _, n := range g.nodes {
		inputs := make([]*Node, len(n.inputs))
		for i, input := range n.inputs {
			inputs[i] = mapping[input]
		}
		cn := n.clone(c, inputs)
		cn.name = n.name
		c.addNode(cn)
		if n == g.output {
			c.output = cn
		}
		mapping[n] = cn
	}
	c.inlined = slices.Clone(g.inlined)
	c.rewritten = g.rewritten
	return c, mapping
}

// sortGroup returns the group sorted in topological order, and checks that all nodes belong to g.
func (g *Graph) sortGroup(group []*Node) ([]*Node, error) {
	sorted := slices.Clone(group)
	for _, n := range sorted {
		if n == nil || n.graph != g {
			return nil, errors.Errorf("graph %q: group contains a node of another graph", g.name)
		}
		if n.nodeType == NodeTypeOutput || n.nodeType == NodeTypePlaceholder {
			return nil, errors.Errorf("graph %q: group cannot contain %s node %q", g.name, n.nodeType, n.name)
		}
	}
	slices.SortFunc(sorted, func(a, b *Node) int { return g.Position(a) - g.Position(b) })
	return slices.Compact(sorted), nil
}

// Extract copies a group of nodes into a new graph with the given name.
//
// The new graph's placeholders are the values consumed by the group but produced outside of it
// (returned as externals, ordered by first use), and its output is the last node of the group in
// topological order. Only that last node may be used outside the group.
func (g *Graph) Extract(group []*Node, name string) (sub *Graph, externals []*Node, err error) {
	sorted, err := g.sortGroup(group)
	if err != nil {
		return nil, nil, err
	}
	if len(sorted) == 0 {
		return nil, nil, errors.Errorf("graph %q: cannot extract an empty group", g.name)
	}
	inGroup := make(map[*Node]bool, len(sorted))
	for _, n := range sorted {
		inGroup[n] = true
	}
	last := sorted[len(sorted)-1]
	for _, n := range sorted[:len(sorted)-1] {
		for _, u := range g.Users(n) {
			if !inGroup[u] {
				return nil, nil, errors.Errorf("graph %q: node %q of the group is used by %q outside of it", g.name, n.name, u.name)
			}
		}
	}

	sub = New(name)
	mapping := make(map[*Node]*Node, len(sorted))
	for _, n := range sorted {
		for _, input := range n.inputs {
			if inGroup[input] || mapping[input] != nil {
				continue
			}
			externals = append(externals, input)
			mapping[input] = sub.addNode(&Node{nodeType: NodeTypePlaceholder, target: input.name})
		}
	}
	for _, n := range sorted {
		inputs := make([]*Node, len(n.inputs))
		for i, input := range n.inputs {
			inputs[i] = mapping[input]
		}
		cn := n.clone(sub, inputs)
		cn.name = n.name
		mapping[n] = sub.addNode(cn)
	}
	sub.SetOutput(mapping[last])
	return sub, externals, nil
}

// ReplaceGroup replaces a group of nodes (see Extract) by a single NodeTypeCallModule node calling target with
// the given inputs, inserted where the last node of the group was. It returns the new node.
func (g *Graph) ReplaceGroup(group []*Node, target string, inputs []*Node) (*Node, error) {
	sorted, err := g.sortGroup(group)
	if err != nil {
		return nil, err
	}
	if len(sorted) == 0 {
		return nil, errors.Errorf("graph %q: cannot replace an empty group", g.name)
	}
	last := sorted[len(sorted)-1]
	g.assertOwns(inputs...)
	restore := g.InsertingAfter(last)
	call := g.addNode(&Node{nodeType: NodeTypeCallModule, target: target, inputs: slices.Clone(inputs)})
	restore()
	g.ReplaceAllUsesWith(last, call)
	for i := len(sorted) - 1; i >= 0; i-- {
		if err := g.EraseNode(sorted[i]); err != nil {
			return nil, errors.WithMessagef(err, "replacing group with %q", target)
		}
	}
	g.rewritten = true
	return call, nil
}

// String prints the graph, one node per line.
func (g *Graph) String() string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "graph(%q):\n", g.name)
	for _, n := range g.nodes {
		fmt.Fprintf(&sb, "    %s\n", n)
	}
	return sb.String()
}
