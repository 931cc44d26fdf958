// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package nn

import (
	"math"

	"github.com/cespare/xxhash/v2"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/shapes"
	"github.com/gomlx/sched/pkg/core/tensors"
)

// DefaultDType of parameters created by the modules of this package.
var DefaultDType = dtypes.Float32

// UniformInitializer samples from [-bound, bound).
func UniformInitializer(bound float64) Initializer {
	return func(shape shapes.Shape, seed uint64) *tensors.Tensor {
		return tensors.Uniform(shape, -bound, bound, seed)
	}
}

// ConstantInitializer fills the parameter with value.
func ConstantInitializer(value float64) Initializer {
	return func(shape shapes.Shape, _ uint64) *tensors.Tensor {
		return tensors.AddScalar(tensors.Zeros(shape), value)
	}
}

// ParamSeed derives the seed of a parameter from a base seed and the parameter's name or path, so parameters
// are initialized independently of the order in which they are created.
func ParamSeed(seed uint64, name string) uint64 {
	return seed ^ xxhash.Sum64String(name)
}

// PathSeed derives the seed of the parameter at the dotted path, as the constructors of this package do when
// given the base seed: one ParamSeed per path component.
func PathSeed(seed uint64, path string) uint64 {
	for _, part := range splitPath(path) {
		seed = ParamSeed(seed, part)
	}
	return seed
}

// config holds the options common to the constructors of this package.
type config struct {
	seed    uint64
	delayed bool
	noBias  bool
}

// Option for the module constructors.
type Option func(c *config)

// WithSeed sets the seed used to initialize the parameters.
func WithSeed(seed uint64) Option { return func(c *config) { c.seed = seed } }

// Delayed leaves the parameters uninitialized (only their shapes are defined): they are initialized later
// by the weight initializer returned when building a schedule, after sharding, which saves memory.
func Delayed() Option { return func(c *config) { c.delayed = true } }

// NoBias creates modules without bias.
func NoBias() Option { return func(c *config) { c.noBias = true } }

func newConfig(options []Option) *config {
	c := &config{}
	for _, option := range options {
		option(c)
	}
	return c
}

func (c *config) newParam(name string, shape shapes.Shape, init Initializer) *Parameter {
	p := &Parameter{Shape: shape, Init: init}
	if !c.delayed {
		p.Value = init(shape, ParamSeed(c.seed, name))
	}
	return p
}

// Linear is y = x·weightᵀ + bias, with weight shaped [Out, In].
//
// It is a leaf until decomposed. When partitioned in distributed.ModeRow, its partial result is all-reduced
// before the bias is added.
type Linear struct {
	Base
	In, Out    int
	decomposed bool
	mode       distributed.Mode
}

var (
	_ Leaf           = (*Linear)(nil)
	_ Decomposer     = (*Linear)(nil)
	_ ParallelLinear = (*Linear)(nil)
)

// NewLinear creates a Linear module with uniform initialization bounded by 1/√in, for weight and bias.
func NewLinear(in, out int, options ...Option) *Linear {
	c := newConfig(options)
	l := &Linear{Base: NewBase("Linear"), In: in, Out: out}
	bound := 1 / math.Sqrt(float64(in))
	l.AddParam("weight", c.newParam("weight", shapes.Make(DefaultDType, out, in), UniformInitializer(bound)))
	if !c.noBias {
		l.AddParam("bias", c.newParam("bias", shapes.Make(DefaultDType, out), UniformInitializer(bound)))
	}
	return l
}

// Forward implements graph.Callable.
func (l *Linear) Forward(s *graph.Scope, inputs ...*graph.Node) *graph.Node {
	y := graph.MatMulT(inputs[0], s.Param("weight"))
	if l.mode == distributed.ModeRow {
		y = graph.AllReduce(y, distributed.ReduceSum)
	}
	if _, hasBias := l.Param("bias"); hasBias {
		y = graph.Add(y, s.Param("bias"))
	}
	return y
}

// IsLeaf implements Leaf.
func (l *Linear) IsLeaf() bool { return !l.decomposed }

// Decompose implements Decomposer.
func (l *Linear) Decompose() bool {
	if l.decomposed {
		return false
	}
	l.decomposed = true
	return true
}

// SetMode implements ParallelLinear.
func (l *Linear) SetMode(mode distributed.Mode) { l.mode = mode }

// Mode implements ParallelLinear.
func (l *Linear) Mode() distributed.Mode { return l.mode }

// Activation applies an elementwise function.
type Activation struct {
	Base
	fn func(x *graph.Node) *graph.Node
}

// NewReLU creates a ReLU activation module.
func NewReLU() *Activation { return &Activation{Base: NewBase("ReLU"), fn: graph.Relu} }

// NewGELU creates a GELU activation module.
func NewGELU() *Activation { return &Activation{Base: NewBase("GELU"), fn: graph.Gelu} }

// NewTanh creates a Tanh activation module.
func NewTanh() *Activation { return &Activation{Base: NewBase("Tanh"), fn: graph.Tanh} }

// NewIdentity creates a module that returns its input.
func NewIdentity() *Activation { return &Activation{Base: NewBase("Identity"), fn: graph.Identity} }

// Forward implements graph.Callable.
func (a *Activation) Forward(_ *graph.Scope, inputs ...*graph.Node) *graph.Node {
	return a.fn(inputs[0])
}

// LayerNorm normalizes over the last axis, followed by a learned affine transformation.
type LayerNorm struct {
	Base
	Dim     int
	Epsilon float64
}

// NewLayerNorm creates a LayerNorm over a last axis of dimension dim.
func NewLayerNorm(dim int, options ...Option) *LayerNorm {
	c := newConfig(options)
	ln := &LayerNorm{Base: NewBase("LayerNorm"), Dim: dim, Epsilon: 1e-5}
	ln.AddParam("weight", c.newParam("weight", shapes.Make(DefaultDType, dim), ConstantInitializer(1)))
	ln.AddParam("bias", c.newParam("bias", shapes.Make(DefaultDType, dim), ConstantInitializer(0)))
	return ln
}

// Forward implements graph.Callable.
func (ln *LayerNorm) Forward(s *graph.Scope, inputs ...*graph.Node) *graph.Node {
	return graph.LayerNorm(inputs[0], s.Param("weight"), s.Param("bias"), ln.Epsilon)
}
