// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pattern

import (
	"testing"

	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// trace a function with unresolved sub-module calls.
func trace(fn func(s *graph.Scope, inputs ...*graph.Node) *graph.Node, inputNames ...string) *graph.Graph {
	tracer := &graph.Tracer{InputNames: inputNames}
	return must.M1(tracer.Trace("model", graph.CallableFunc(fn)))
}

func groupNames(r *MatchResult) [][]string {
	names := make([][]string, len(r.Groups))
	for i, group := range r.Groups {
		for _, n := range group {
			names[i] = append(names[i], n.Name())
		}
	}
	return names
}

func TestFindVertical(t *testing.T) {
	g := trace(func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		y := graph.AddScalar(graph.Relu(s.Call("fc1", x[0])), 1)
		return graph.AddScalar(graph.Relu(s.Call("fc2", y)), 1)
	})
	p := New("fc_relu_inc", 1, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.AddScalar(graph.Relu(s.Call(`fc\d`, x[0])), 1)
	})
	r, err := Find(g, p)
	require.NoError(t, err)
	assert.Equal(t, "model", r.Path)
	assert.Equal(t, [][]string{{"fc1", "relu", "add_scalar"}, {"fc2", "relu_1", "add_scalar_1"}}, groupNames(r))

	// Deterministic.
	r2 := must.M1(Find(g, p))
	assert.Equal(t, groupNames(r), groupNames(r2))

	// Different scalar: no match, which is not an error.
	p = New("fc_relu_inc2", 1, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.AddScalar(graph.Relu(s.Call(`fc\d`, x[0])), 2)
	})
	r, err = Find(g, p)
	require.NoError(t, err)
	assert.Equal(t, 0, r.Len())

	// The target regular expression must match the whole target.
	p = New("fc_relu_inc", 1, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.AddScalar(graph.Relu(s.Call("fc", x[0])), 1)
	})
	assert.Equal(t, 0, must.M1(Find(g, p)).Len())
}

func TestFindCommutative(t *testing.T) {
	g := trace(func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.Gelu(graph.Add(s.Param("bias"), graph.MatMulT(x[0], s.Param("weight"))))
	})
	p := New("bias_gelu", 2, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.Gelu(graph.Add(x[0], x[1]))
	})
	r := must.M1(Find(g, p))
	assert.Equal(t, [][]string{{"add", "gelu"}}, groupNames(r))

	// Operands of a non-commutative op are not swapped.
	g = trace(func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.Sub(s.Param("bias"), graph.Relu(x[0]))
	})
	p = New("sub_relu", 2, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.Sub(graph.Relu(x[0]), x[1])
	})
	assert.Equal(t, 0, must.M1(Find(g, p)).Len())
	p = New("add_relu", 2, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.Add(graph.Relu(x[0]), x[1])
	})
	g = trace(func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.Add(s.Param("bias"), graph.Relu(x[0]))
	})
	assert.Equal(t, [][]string{{"relu", "add"}}, groupNames(must.M1(Find(g, p))))
}

func TestFindConstraints(t *testing.T) {
	reluInc := New("relu_inc", 1, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.AddScalar(graph.Relu(x[0]), 1)
	})

	// Interior node used outside the match.
	g := trace(func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		r := graph.Relu(x[0])
		return graph.Mul(graph.AddScalar(r, 1), r)
	})
	assert.Equal(t, 0, must.M1(Find(g, reluInc)).Len())

	// Overlapping candidates: greedy in topological order.
	g = trace(func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.Relu(graph.Relu(graph.Relu(x[0])))
	})
	doubleRelu := New("double_relu", 1, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.Relu(graph.Relu(x[0]))
	})
	assert.Equal(t, [][]string{{"relu", "relu_1"}}, groupNames(must.M1(Find(g, doubleRelu))))

	// Inputs bind consistently.
	square := New("square", 1, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.Mul(x[0], x[0])
	})
	g = trace(func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.Mul(graph.Mul(x[0], x[0]), x[0])
	})
	assert.Equal(t, [][]string{{"mul"}}, groupNames(must.M1(Find(g, square))))
}

func TestInvalidPattern(t *testing.T) {
	g := trace(func(s *graph.Scope, x ...*graph.Node) *graph.Node { return graph.Relu(x[0]) })
	identity := New("identity", 1, func(s *graph.Scope, x ...*graph.Node) *graph.Node { return x[0] })
	_, err := Find(g, identity)
	assert.True(t, errors.Is(err, ErrInvalidPattern))

	badRegexp := New("bad", 1, func(s *graph.Scope, x ...*graph.Node) *graph.Node { return s.Call("fc[", x[0]) })
	_, err = Find(g, badRegexp)
	assert.True(t, errors.Is(err, ErrInvalidPattern))
}
