// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package nn defines Module, the tree of sub-modules and parameters that a schedule operates on, and a small
// set of modules (Linear, activations, LayerNorm and containers) to build models with.
//
// A module describes its forward pass symbolically (see graph.Callable), so it can be traced, inspected and
// rewritten. Forward executes a module tree directly, without any scheduling, and is the reference the
// scheduled models are compared against.
package nn

import (
	"strings"

	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/shapes"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Module is a node of a model: it has ordered named children (sub-modules), ordered named parameters, and a
// forward pass.
type Module interface {
	graph.Callable

	// Kind of the module, e.g. "Linear". Used for leaf selection and summaries.
	Kind() string

	// Children returns the names of the sub-modules, in definition order.
	Children() []string

	// Child returns the sub-module with the given name.
	Child(name string) (Module, bool)

	// SetChild replaces the sub-module with the given name, or appends it if it doesn't exist.
	SetChild(name string, m Module)

	// RemoveChild removes the sub-module with the given name, and returns whether it existed.
	RemoveChild(name string) bool

	// ParamNames returns the names of the parameters, in definition order.
	ParamNames() []string

	// Param returns the parameter with the given name.
	Param(name string) (*Parameter, bool)
}

// Leaf is implemented by modules that may be kept opaque (as a call) when their parent is traced with flattening.
type Leaf interface {
	IsLeaf() bool
}

// Decomposer is implemented by leaf modules that can be decomposed into their constituent operations, so they
// are inlined when flattening. Decompose returns false if the module was already decomposed.
type Decomposer interface {
	Decompose() bool
}

// ParallelLinear is implemented by modules that can run tensor-parallel, see distributed.Mode.
type ParallelLinear interface {
	SetMode(mode distributed.Mode)
	Mode() distributed.Mode
}

// Executable is implemented by modules that are executed directly instead of by interpreting the trace of
// their forward pass, like compiled fused regions. rt resolves parameters and sub-modules relative to the module.
type Executable interface {
	Execute(rt graph.Runtime, inputs []*tensors.Tensor) (*tensors.Tensor, error)
}

// Initializer creates the initial value of a parameter with the given shape.
type Initializer func(shape shapes.Shape, seed uint64) *tensors.Tensor

// Parameter of a module.
type Parameter struct {
	// Value of the parameter. It is nil while the initialization is delayed: see NeedsInit.
	Value *tensors.Tensor

	// Shape of the full (logical) parameter, before any sharding.
	Shape shapes.Shape

	// Init creates the full value of the parameter. Used for delayed initialization.
	Init Initializer

	// Sharding is set when only a shard of the parameter is held locally.
	Sharding *distributed.ShardSpec
}

// NeedsInit returns whether the parameter value is still to be initialized.
func (p *Parameter) NeedsInit() bool { return p.Value == nil }

// LocalShape returns the shape of the value held locally: the shard shape if sharded.
func (p *Parameter) LocalShape() shapes.Shape {
	if p.Sharding == nil || p.Sharding.Group == nil {
		return p.Shape
	}
	local, err := distributed.ShardShape(p.Shape, p.Sharding.Axis, p.Sharding.Group.WorldSize())
	if err != nil {
		return shapes.Invalid()
	}
	return local
}

// Base implements the tree bookkeeping of Module: children and parameters, kept in insertion order.
// Modules embed it and implement Forward.
type Base struct {
	kind     string
	children *linkedhashmap.Map
	params   *linkedhashmap.Map
}

// NewBase creates the Base for a module of the given kind.
func NewBase(kind string) Base {
	return Base{kind: kind, children: linkedhashmap.New(), params: linkedhashmap.New()}
}

// Kind implements Module.
func (b *Base) Kind() string { return b.kind }

func stringKeys(m *linkedhashmap.Map) []string {
	keys := m.Keys()
	names := make([]string, len(keys))
	for i, key := range keys {
		names[i] = key.(string)
	}
	return names
}

// Children implements Module.
func (b *Base) Children() []string { return stringKeys(b.children) }

// Child implements Module.
func (b *Base) Child(name string) (Module, bool) {
	value, found := b.children.Get(name)
	if !found {
		return nil, false
	}
	return value.(Module), true
}

// SetChild implements Module.
func (b *Base) SetChild(name string, m Module) { b.children.Put(name, m) }

// RemoveChild implements Module.
func (b *Base) RemoveChild(name string) bool {
	if _, found := b.children.Get(name); !found {
		return false
	}
	b.children.Remove(name)
	return true
}

// ParamNames implements Module.
func (b *Base) ParamNames() []string { return stringKeys(b.params) }

// Param implements Module.
func (b *Base) Param(name string) (*Parameter, bool) {
	value, found := b.params.Get(name)
	if !found {
		return nil, false
	}
	return value.(*Parameter), true
}

// AddParam adds (or replaces) a parameter.
func (b *Base) AddParam(name string, p *Parameter) { b.params.Put(name, p) }

// splitPath splits a dotted path. The empty path has no parts.
func splitPath(path string) []string {
	if path == "" {
		return nil
	}
	return strings.Split(path, ".")
}

// Lookup returns the module at the dotted path under root. The empty path is root itself.
func Lookup(root Module, path string) (Module, error) {
	m := root
	for i, part := range splitPath(path) {
		child, found := m.Child(part)
		if !found {
			return nil, errors.Errorf("module %q has no sub-module %q", strings.Join(splitPath(path)[:i], "."), part)
		}
		m = child
	}
	return m, nil
}

// LookupParam returns the parameter at the dotted path (module path + parameter name) under root.
func LookupParam(root Module, path string) (*Parameter, error) {
	modulePath, name := "", path
	if idx := strings.LastIndex(path, "."); idx >= 0 {
		modulePath, name = path[:idx], path[idx+1:]
	}
	m, err := Lookup(root, modulePath)
	if err != nil {
		return nil, err
	}
	p, found := m.Param(name)
	if !found {
		return nil, errors.Errorf("module %q (%s) has no parameter %q", modulePath, m.Kind(), name)
	}
	return p, nil
}

// Walk calls fn for root and every sub-module, in depth-first definition order, with their paths.
// If fn returns false, the sub-modules of that module are skipped.
func Walk(root Module, fn func(path string, m Module) bool) {
	walk("", root, fn)
}

func walk(path string, m Module, fn func(path string, m Module) bool) {
	if !fn(path, m) {
		return
	}
	for _, name := range m.Children() {
		child, _ := m.Child(name)
		walk(graph.JoinPath(path, name), child, fn)
	}
}

// WalkParams calls fn for every parameter under root, with its full dotted path.
func WalkParams(root Module, fn func(path string, p *Parameter)) {
	Walk(root, func(path string, m Module) bool {
		for _, name := range m.ParamNames() {
			p, _ := m.Param(name)
			fn(graph.JoinPath(path, name), p)
		}
		return true
	})
}

// IsLeaf returns whether m is a leaf module.
func IsLeaf(m Module) bool {
	leaf, ok := m.(Leaf)
	return ok && leaf.IsLeaf()
}

// CountParams returns the number of parameter elements and their memory in bytes (of the locally held values).
func CountParams(root Module) (count int, memory uintptr) {
	WalkParams(root, func(_ string, p *Parameter) {
		local := p.LocalShape()
		if !local.Ok() {
			return
		}
		count += local.Size()
		memory += local.Memory()
	})
	return
}

