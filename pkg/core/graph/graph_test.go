// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package graph

import (
	"math"
	"testing"

	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testModules is a small module tree:
//
//	root: block(relu(fc(x))) + 1
//	fc: x·weightᵀ + bias
//	block: inner(x * scale)
//	block.inner: tanh(x)
var testModules = map[string]Callable{
	"": CallableFunc(func(s *Scope, inputs ...*Node) *Node {
		h := Relu(s.Call("fc", inputs[0]))
		return AddScalar(s.Call("block", h), 1)
	}),
	"fc": CallableFunc(func(s *Scope, inputs ...*Node) *Node {
		return Add(MatMulT(inputs[0], s.Param("weight")), s.Param("bias"))
	}),
	"block": CallableFunc(func(s *Scope, inputs ...*Node) *Node {
		return s.Call("inner", Mul(inputs[0], s.Param("scale")))
	}),
	"block.inner": CallableFunc(func(s *Scope, inputs ...*Node) *Node {
		return Tanh(inputs[0])
	}),
}

func resolveTestModule(path string) (Callable, error) {
	if c, found := testModules[path]; found {
		return c, nil
	}
	return nil, errors.Errorf("module %q not found", path)
}

func testParams() map[string]*tensors.Tensor {
	return map[string]*tensors.Tensor{
		"fc.weight":   tensors.FromRows([][]float64{{1, 0}, {0, -1}}),
		"fc.bias":     tensors.FromFlat([]int{2}, []float64{0.5, 0.5}),
		"block.scale": tensors.FromFlat([]int{2}, []float64{2, 3}),
	}
}

func expectedOutput(x []float64) []float64 {
	h0 := max(x[0]+0.5, 0)
	h1 := max(-x[1]+0.5, 0)
	return []float64{math.Tanh(2*h0) + 1, math.Tanh(3*h1) + 1}
}

func TestTrace(t *testing.T) {
	x := tensors.FromRows([][]float64{{1, -2}})
	want := expectedOutput([]float64{1, -2})

	t.Run("module-level", func(t *testing.T) {
		tracer := &Tracer{Resolve: resolveTestModule}
		g := must.M1(tracer.Trace("model", testModules[""]))
		require.NoError(t, g.Validate())
		var targets []string
		for _, n := range g.Nodes() {
			if n.Type() == NodeTypeCallModule {
				targets = append(targets, n.Target())
			}
		}
		require.Equal(t, []string{"fc", "block"}, targets)
		require.Empty(t, g.Inlined())

		rt := &SimpleRuntime{Modules: map[string]func([]*tensors.Tensor) (*tensors.Tensor, error){
			"fc": func(in []*tensors.Tensor) (*tensors.Tensor, error) {
				sub := must.M1((&Tracer{}).Trace("fc", testModules["fc"]))
				return sub.Run(&SimpleRuntime{Params: map[string]*tensors.Tensor{
					"weight": testParams()["fc.weight"], "bias": testParams()["fc.bias"]}}, in...)
			},
			"block": func(in []*tensors.Tensor) (*tensors.Tensor, error) {
				return tensors.Map(tensors.Mul(in[0], testParams()["block.scale"]), math.Tanh), nil
			},
		}}
		got := must.M1(g.Run(rt, x))
		assert.InDeltaSlice(t, want, got.Data(), 1e-9)
	})

	t.Run("flattened", func(t *testing.T) {
		tracer := &Tracer{Flatten: true, Resolve: resolveTestModule}
		g := must.M1(tracer.Trace("model", testModules[""]))
		require.NoError(t, g.Validate())
		require.Equal(t, []string{"fc", "block", "block.inner"}, g.Inlined())
		for _, n := range g.Nodes() {
			require.NotEqual(t, NodeTypeCallModule, n.Type(), "node %s", n)
		}
		require.NotNil(t, g.NodeByName("fc_weight"))
		require.Equal(t, "block.scale", g.NodeByName("block_scale").Target())
		got := must.M1(g.Run(&SimpleRuntime{Params: testParams()}, x))
		assert.InDeltaSlice(t, want, got.Data(), 1e-9)
	})

	t.Run("leaves", func(t *testing.T) {
		tracer := &Tracer{Flatten: true, Resolve: resolveTestModule, IsLeaf: func(path string) bool { return path == "block.inner" }}
		g := must.M1(tracer.Trace("model", testModules[""]))
		require.Equal(t, []string{"fc", "block"}, g.Inlined())
		require.NotNil(t, g.NodeByName("block_inner"))
		require.Equal(t, NodeTypeCallModule, g.NodeByName("block_inner").Type())
	})

	t.Run("unknown module", func(t *testing.T) {
		tracer := &Tracer{Resolve: resolveTestModule}
		_, err := tracer.Trace("model", CallableFunc(func(s *Scope, inputs ...*Node) *Node {
			return s.Call("missing", inputs...)
		}))
		require.ErrorContains(t, err, "missing")
	})
}

func TestUntraceable(t *testing.T) {
	dynamic := CallableFunc(func(s *Scope, inputs ...*Node) *Node {
		if s.Truth(inputs[0]) {
			return Relu(inputs[0])
		}
		return inputs[0]
	})
	_, err := (&Tracer{}).Trace("dynamic", dynamic)
	require.ErrorIs(t, err, ErrUntraceable)

	needsConcrete := CallableFunc(func(s *Scope, inputs ...*Node) *Node {
		numLayers := s.Concrete("num_layers").(int)
		x := inputs[0]
		for range numLayers {
			x = Relu(x)
		}
		return x
	})
	_, err = (&Tracer{}).Trace("concrete", needsConcrete)
	require.ErrorIs(t, err, ErrUntraceable)

	g := must.M1((&Tracer{ConcreteArgs: map[string]any{"num_layers": 3}}).Trace("concrete", needsConcrete))
	require.Equal(t, 5, g.NumNodes()) // placeholder, 3 relus, output.

	constant := CallableFunc(func(s *Scope, inputs ...*Node) *Node {
		if s.Truth(s.Const(tensors.Scalar(1))) {
			return Gelu(inputs[0])
		}
		return inputs[0]
	})
	g = must.M1((&Tracer{}).Trace("constant", constant))
	require.Equal(t, OpTypeGelu, g.Result().Op())
}

func TestRewrite(t *testing.T) {
	g := New("rewrite")
	s := &Scope{tracer: &Tracer{}, graph: g, state: &traceState{params: map[string]*Node{}}}
	x := g.addNode(&Node{nodeType: NodeTypePlaceholder, target: "x"})
	a := Relu(x)
	b := AddScalar(a, 1)
	c := MulScalar(b, 2)
	d := Add(c, x)
	g.SetOutput(d)
	require.NoError(t, g.Validate())
	require.Equal(t, []*Node{b}, g.Users(a))
	require.Equal(t, []*Node{a, d}, g.Users(x))

	// Extract the b->c chain.
	sub, externals := must.M2(g.Extract([]*Node{c, b}, "chain"))
	require.Equal(t, []*Node{a}, externals)
	require.Len(t, sub.Placeholders(), 1)
	require.Equal(t, "relu", sub.Placeholders()[0].Target())
	require.Equal(t, OpTypeMulScalar, sub.Result().Op())

	// Interior nodes can't escape.
	_, _, err := g.Extract([]*Node{a, b}, "escape")
	require.NoError(t, err)
	_, _, err = g.Extract([]*Node{x, a}, "placeholder")
	require.Error(t, err)
	_, _, err = g.Extract([]*Node{a, c}, "escape")
	require.Error(t, err)

	input := tensors.FromFlat([]int{3}, []float64{-1, 0, 2})
	before := must.M1(g.Run(nil, input))

	call := must.M1(g.ReplaceGroup([]*Node{b, c}, "chain_0", externals))
	require.True(t, g.Rewritten())
	require.NoError(t, g.Validate())
	require.Equal(t, []*Node{call}, g.Users(a))
	require.Equal(t, call, d.Inputs()[0])
	require.Nil(t, g.NodeByName(b.Name()))

	rt := &SimpleRuntime{Modules: map[string]func([]*tensors.Tensor) (*tensors.Tensor, error){
		"chain_0": func(in []*tensors.Tensor) (*tensors.Tensor, error) { return sub.Run(nil, in...) },
	}}
	after := must.M1(g.Run(rt, input))
	require.Equal(t, before.Data(), after.Data())

	// Insert an identity between x and its users.
	restore := g.InsertingAfter(x)
	id := Identity(x)
	restore()
	g.ReplaceAllUsesWith(x, id)
	require.Equal(t, 1, g.Position(id))
	require.NoError(t, g.Validate())
	require.Error(t, g.EraseNode(id))
	require.Error(t, g.EraseNode(g.Output()))

	// Inline the extracted chain back.
	restore = g.InsertingAfter(a)
	inlined := s.Inline(sub, call.Inputs()...)
	restore()
	g.ReplaceAllUsesWith(call, inlined)
	require.NoError(t, g.EraseNode(call))
	require.NoError(t, g.Validate())
	again := must.M1(g.Run(nil, input))
	require.Equal(t, before.Data(), again.Data())

	clone, mapping := g.Clone()
	require.Equal(t, g.String(), clone.String())
	require.Equal(t, g.NumNodes(), len(mapping))
}

func TestCollectivesWithoutGroup(t *testing.T) {
	g := must.M1((&Tracer{}).Trace("collectives", CallableFunc(func(s *Scope, inputs ...*Node) *Node {
		x := Broadcast(inputs[0], 0)
		x = SplitLocal(x, -1)
		x = AllGather(x, -1)
		return AllReduce(x, 0)
	})))
	input := tensors.FromFlat([]int{2}, []float64{1, 2})
	got := must.M1(g.Run(nil, input))
	require.Equal(t, input.Data(), got.Data())
	require.Contains(t, g.String(), "all_gather[axis=-1](%split_local)")
}

func TestRunErrors(t *testing.T) {
	g := must.M1((&Tracer{}).Trace("bad", CallableFunc(func(s *Scope, inputs ...*Node) *Node {
		return MatMulT(inputs[0], s.Param("w"))
	})))
	_, err := g.Run(nil, tensors.Scalar(1))
	require.Error(t, err)
	_, err = g.Run(&SimpleRuntime{}, tensors.Scalar(1), tensors.Scalar(2))
	require.Error(t, err)

	rt := &SimpleRuntime{Params: map[string]*tensors.Tensor{"w": tensors.FromRows([][]float64{{1, 2, 3}})}}
	_, err = g.Run(rt, tensors.FromRows([][]float64{{1, 2}}))
	require.ErrorContains(t, err, "matmul_t")

	var seen []string
	_, err = g.RunObserved(rt, func(n *Node, _ *tensors.Tensor) { seen = append(seen, n.Name()) },
		tensors.FromRows([][]float64{{1, 2, 3}}))
	require.NoError(t, err)
	require.Equal(t, []string{"w", "matmul_t"}, seen)
}
