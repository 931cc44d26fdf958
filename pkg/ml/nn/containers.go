// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"strconv"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/sched/pkg/core/graph"
)

// childOptions returns the options for a sub-module: same settings, with a seed derived from the child name.
func (c *config) childOptions(name string) []Option {
	options := []Option{WithSeed(ParamSeed(c.seed, name))}
	if c.delayed {
		options = append(options, Delayed())
	}
	if c.noBias {
		options = append(options, NoBias())
	}
	return options
}

// Sequential calls its children in order, each one on the output of the previous. Children are named "0", "1", ...
type Sequential struct {
	Base
}

// NewSequential creates a Sequential with the given modules.
func NewSequential(modules ...Module) *Sequential {
	seq := &Sequential{Base: NewBase("Sequential")}
	for i, m := range modules {
		seq.SetChild(strconv.Itoa(i), m)
	}
	return seq
}

// Forward implements graph.Callable.
func (seq *Sequential) Forward(s *graph.Scope, inputs ...*graph.Node) *graph.Node {
	x := inputs[0]
	for _, name := range seq.Children() {
		x = s.Call(name, x)
	}
	return x
}

// ModuleList holds a list of modules, named "0", "1", ..., that its parent calls individually.
// It is not callable itself.
type ModuleList struct {
	Base
}

// NewModuleList creates a ModuleList with the given modules.
func NewModuleList(modules ...Module) *ModuleList {
	list := &ModuleList{Base: NewBase("ModuleList")}
	for i, m := range modules {
		list.SetChild(strconv.Itoa(i), m)
	}
	return list
}

// Forward implements graph.Callable, but a ModuleList is not callable: it panics.
func (list *ModuleList) Forward(s *graph.Scope, _ ...*graph.Node) *graph.Node {
	exceptions.Panicf("module %q: ModuleList is not callable, call its elements instead", s.Path())
	return nil
}

// MLP is fc2(act(fc1(x))), with a GELU activation.
type MLP struct {
	Base
}

// NewMLP creates an MLP projecting dim to hidden and back.
func NewMLP(dim, hidden int, options ...Option) *MLP {
	c := newConfig(options)
	mlp := &MLP{Base: NewBase("MLP")}
	mlp.SetChild("fc1", NewLinear(dim, hidden, c.childOptions("fc1")...))
	mlp.SetChild("act", NewGELU())
	mlp.SetChild("fc2", NewLinear(hidden, dim, c.childOptions("fc2")...))
	return mlp
}

// Forward implements graph.Callable.
func (mlp *MLP) Forward(s *graph.Scope, inputs ...*graph.Node) *graph.Node {
	return s.Call("fc2", s.Call("act", s.Call("fc1", inputs[0])))
}

// ResidualBlock is x + mlp(norm(x)), the pre-normalization feed-forward block of a transformer.
type ResidualBlock struct {
	Base
}

// NewResidualBlock creates a ResidualBlock for features of size dim, with an MLP of the given hidden size.
func NewResidualBlock(dim, hidden int, options ...Option) *ResidualBlock {
	c := newConfig(options)
	block := &ResidualBlock{Base: NewBase("ResidualBlock")}
	block.SetChild("norm", NewLayerNorm(dim, c.childOptions("norm")...))
	block.SetChild("mlp", NewMLP(dim, hidden, c.childOptions("mlp")...))
	return block
}

// Forward implements graph.Callable.
func (block *ResidualBlock) Forward(s *graph.Scope, inputs ...*graph.Node) *graph.Node {
	x := inputs[0]
	return graph.Add(x, s.Call("mlp", s.Call("norm", x)))
}

// Encoder is a stack of ResidualBlock's, held in the ModuleList "layer", followed by a final LayerNorm "norm".
type Encoder struct {
	Base
}

// NewEncoder creates an Encoder with numLayers blocks.
func NewEncoder(numLayers, dim, hidden int, options ...Option) *Encoder {
	c := newConfig(options)
	enc := &Encoder{Base: NewBase("Encoder")}
	layers := NewModuleList()
	layersConfig := newConfig(c.childOptions("layer"))
	for i := range numLayers {
		name := strconv.Itoa(i)
		layers.SetChild(name, NewResidualBlock(dim, hidden, layersConfig.childOptions(name)...))
	}
	enc.SetChild("layer", layers)
	enc.SetChild("norm", NewLayerNorm(dim, c.childOptions("norm")...))
	return enc
}

// Forward implements graph.Callable.
func (enc *Encoder) Forward(s *graph.Scope, inputs ...*graph.Node) *graph.Node {
	x := inputs[0]
	layers, _ := enc.Child("layer")
	for _, name := range layers.Children() {
		x = s.Call("layer."+name, x)
	}
	return s.Call("norm", x)
}
