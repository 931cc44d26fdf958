// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package checkpoint implements activation checkpointing: a wrapper that marks a module whose intermediate
// activations are not retained (only its inputs are) and are recomputed on demand, a ratio based policy to select
// which layers to wrap, and the Store where activations are kept.
package checkpoint

import (
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/ml/nn"
)

// Module wraps a module so its intermediate activations are not retained.
//
// It is transparent: children and parameters are those of the wrapped module, so paths don't change,
// and its forward pass is the wrapped module's. It is always a leaf, so the region stays delimited when
// its parent is traced.
type Module struct {
	inner nn.Module
}

var (
	_ nn.Module = (*Module)(nil)
	_ nn.Leaf   = (*Module)(nil)
)

// Wrap m in a checkpoint Module. Wrapping an already wrapped module returns it unchanged.
func Wrap(m nn.Module) *Module {
	if c, ok := m.(*Module); ok {
		return c
	}
	return &Module{inner: m}
}

// Unwrap returns the wrapped module, or m itself if it is not a checkpoint Module.
func Unwrap(m nn.Module) nn.Module {
	if c, ok := m.(*Module); ok {
		return c.inner
	}
	return m
}

// IsCheckpointed returns whether m is wrapped in a checkpoint Module.
func IsCheckpointed(m nn.Module) bool {
	_, ok := m.(*Module)
	return ok
}

// Inner returns the wrapped module.
func (c *Module) Inner() nn.Module { return c.inner }

// Kind implements nn.Module, it's the wrapped module's kind.
func (c *Module) Kind() string { return c.inner.Kind() }

// Children implements nn.Module.
func (c *Module) Children() []string { return c.inner.Children() }

// Child implements nn.Module.
func (c *Module) Child(name string) (nn.Module, bool) { return c.inner.Child(name) }

// SetChild implements nn.Module.
func (c *Module) SetChild(name string, m nn.Module) { c.inner.SetChild(name, m) }

// RemoveChild implements nn.Module.
func (c *Module) RemoveChild(name string) bool { return c.inner.RemoveChild(name) }

// ParamNames implements nn.Module.
func (c *Module) ParamNames() []string { return c.inner.ParamNames() }

// Param implements nn.Module.
func (c *Module) Param(name string) (*nn.Parameter, bool) { return c.inner.Param(name) }

// Forward implements graph.Callable.
func (c *Module) Forward(s *graph.Scope, inputs ...*graph.Node) *graph.Node {
	return c.inner.Forward(s, inputs...)
}

// IsLeaf implements nn.Leaf.
func (c *Module) IsLeaf() bool { return true }
