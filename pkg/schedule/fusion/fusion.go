// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package fusion replaces groups of nodes of a traced graph (usually the matches of a pattern) by calls to
// fused modules, each one holding the extracted region and the Kernel a Compiler produced for it.
package fusion

import (
	"slices"
	"strconv"
	"strings"

	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/gomlx/sched/pkg/ml/nn"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Module is a fused region. Its inputs are the values the region consumed from its graph, in order of first
// use, and its output the value of the last node of the region.
//
// Sub-modules called inside the region are moved into it. Parameters read inside the region are not:
// they are given as inputs.
type Module struct {
	nn.Base
	region   *graph.Graph
	kernel   Kernel
	compiler string
	impl     Compiler
}

var (
	_ nn.Module     = (*Module)(nil)
	_ nn.Leaf       = (*Module)(nil)
	_ nn.Executable = (*Module)(nil)
)

// Region returns the graph of the fused region.
func (m *Module) Region() *graph.Graph { return m.region }

// Compiler returns the name of the compiler that produced the kernel.
func (m *Module) Compiler() string { return m.compiler }

// NumInputs of the fused region.
func (m *Module) NumInputs() int { return len(m.region.Placeholders()) }

// Forward implements graph.Callable.
func (m *Module) Forward(s *graph.Scope, inputs ...*graph.Node) *graph.Node {
	return s.Inline(m.region, inputs...)
}

// IsLeaf implements nn.Leaf.
func (m *Module) IsLeaf() bool { return true }

// Execute implements nn.Executable.
func (m *Module) Execute(rt graph.Runtime, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	return m.kernel.Run(rt, inputs)
}

// Recompile compiles the region again, with the compiler originally requested. It is needed after the region is
// rewritten in place, e.g. when collectives are inserted into it.
func (m *Module) Recompile() error {
	kernel, compilerName, err := Compile(m.region, m.impl)
	if err != nil {
		return err
	}
	m.kernel, m.compiler = kernel, compilerName
	return nil
}

// Compile the region with compiler. If it fails with ErrCompile, it logs a warning and falls back to
// the Interpreted compiler.
func Compile(region *graph.Graph, compiler Compiler) (Kernel, string, error) {
	if compiler == nil {
		compiler = Interpreted{}
	}
	kernel, err := compiler.Compile(region)
	if err == nil {
		return kernel, compiler.Name(), nil
	}
	if !errors.Is(err, ErrCompile) {
		return nil, "", errors.WithMessagef(err, "compiling fused region %q with %q", region.Name(), compiler.Name())
	}
	klog.Warningf("fusion: compiler %q failed for region %q, falling back to interpreted: %v",
		compiler.Name(), region.Name(), err)
	fallback := Interpreted{}
	kernel, err = fallback.Compile(region)
	if err != nil {
		return nil, "", err
	}
	return kernel, fallback.Name(), nil
}

// childName for a sub-module moved into a fused module.
func childName(target string) string {
	return strings.ReplaceAll(target, ".", "_")
}

// moveChild removes the sub-module at path from root, and returns it.
func moveChild(root nn.Module, path string) (nn.Module, error) {
	parentPath, name := "", path
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		parentPath, name = path[:idx], path[idx+1:]
	}
	parent, err := nn.Lookup(root, parentPath)
	if err != nil {
		return nil, err
	}
	child, found := parent.Child(name)
	if !found {
		return nil, errors.Errorf("module %q has no sub-module %q", parentPath, name)
	}
	parent.RemoveChild(name)
	return child, nil
}

// Fuse replaces each group of nodes of g, the graph traced from owner, by a call to a new fused Module added as
// a child of owner, named "<name>_<i>". It returns the names of the new children.
//
// Groups must be self-contained: only their last node (in topological order) may be used outside of the group.
// Parameter reads in a group are left in g, as inputs of the fused module.
func Fuse(owner nn.Module, g *graph.Graph, groups [][]*graph.Node, name string, compiler Compiler) ([]string, error) {
	var names []string
	next := 0
	for _, group := range groups {
		group = slices.DeleteFunc(slices.Clone(group), func(n *graph.Node) bool {
			return n.Type() == graph.NodeTypeGetParam
		})
		if len(group) == 0 {
			continue
		}
		var fusedName string
		for {
			fusedName = name + "_" + strconv.Itoa(next)
			next++
			if _, taken := owner.Child(fusedName); !taken {
				break
			}
		}
		if err := fuseGroup(owner, g, group, fusedName, compiler); err != nil {
			return names, errors.WithMessagef(err, "fusing %q in graph %q", fusedName, g.Name())
		}
		names = append(names, fusedName)
	}
	if klog.V(1).Enabled() {
		klog.Infof("fusion: %d regions %q fused in graph %q", len(names), name, g.Name())
	}
	return names, nil
}

func fuseGroup(owner nn.Module, g *graph.Graph, group []*graph.Node, name string, compiler Compiler) error {
	region, externals, err := g.Extract(group, name)
	if err != nil {
		return err
	}

	// Sub-modules called in the region move with it: they must not be called anywhere else.
	inGroup := make(map[*graph.Node]bool, len(group))
	for _, n := range group {
		inGroup[n] = true
	}
	var moved []string
	for _, n := range group {
		if n.Type() != graph.NodeTypeCallModule || slices.Contains(moved, n.Target()) {
			continue
		}
		for _, other := range g.Nodes() {
			if !inGroup[other] && other.Type() == graph.NodeTypeCallModule && other.Target() == n.Target() {
				return errors.Errorf("sub-module %q is also called outside of the region (by %q)", n.Target(), other.Name())
			}
		}
		moved = append(moved, n.Target())
	}
	for _, n := range region.Nodes() {
		if n.Type() == graph.NodeTypeCallModule {
			n.SetTarget(childName(n.Target()))
		}
	}

	kernel, compilerName, err := Compile(region, compiler)
	if err != nil {
		return err
	}
	if _, err := g.ReplaceGroup(group, name, externals); err != nil {
		return err
	}
	fused := &Module{Base: nn.NewBase("Fused"), region: region, kernel: kernel, compiler: compilerName, impl: compiler}
	for _, target := range moved {
		child, err := moveChild(owner, target)
		if err != nil {
			return err
		}
		fused.SetChild(childName(target), child)
	}
	owner.SetChild(name, fused)
	return nil
}
