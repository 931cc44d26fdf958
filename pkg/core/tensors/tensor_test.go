// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package tensors

import (
	"math"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sched/pkg/core/shapes"
	"github.com/janpfeifer/must"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMatMulT(t *testing.T) {
	x := FromRows([][]float64{{1, 2, 3}, {4, 5, 6}})
	w := FromRows([][]float64{{1, 0, 0}, {0, 1, 1}})
	y := MatMulT(x, w)
	require.Equal(t, []int{2, 2}, y.Shape().Dimensions)
	require.Equal(t, []float64{1, 5, 4, 11}, y.Data())

	// Rank-3 input: leading axes are batch axes.
	x3 := FromFlat([]int{2, 1, 3}, []float64{1, 2, 3, 4, 5, 6})
	y3 := MatMulT(x3, w)
	require.Equal(t, []int{2, 1, 2}, y3.Shape().Dimensions)
	require.Equal(t, []float64{1, 5, 4, 11}, y3.Data())

	require.Panics(t, func() { _ = MatMulT(x, FromRows([][]float64{{1, 2}})) })
}

func TestElementwise(t *testing.T) {
	a := FromRows([][]float64{{1, -2}, {3, -4}})
	bias := FromFlat([]int{2}, []float64{10, 20})
	require.Equal(t, []float64{11, 18, 13, 16}, Add(a, bias).Data())
	require.Equal(t, []float64{11, 18, 13, 16}, Add(bias, a).Data())
	require.Equal(t, []float64{9, 22, 7, 24}, Sub(bias, a).Data())
	require.Equal(t, []float64{2, -4, 6, -8}, Mul(a, Scalar(2)).Data())
	require.Equal(t, []float64{2, -1, 4, -3}, AddScalar(a, 1).Data())
	require.Equal(t, []float64{-1, 2, -3, 4}, MulScalar(a, -1).Data())
	require.Equal(t, []float64{1, 0, 3, 0}, Relu(a).Data())
	require.Panics(t, func() { _ = Add(a, FromFlat([]int{3}, []float64{1, 2, 3})) })

	g := Gelu(FromFlat([]int{3}, []float64{-1, 0, 1}))
	assert.InDelta(t, -0.158655, g.Data()[0], 1e-5)
	assert.InDelta(t, 0.0, g.Data()[1], 1e-9)
	assert.InDelta(t, 0.841345, g.Data()[2], 1e-5)
	assert.InDelta(t, math.Tanh(0.5), Tanh(Scalar(0.5)).Data()[0], 1e-12)
}

func TestLayerNorm(t *testing.T) {
	x := FromRows([][]float64{{1, 3}, {2, 2}})
	ones := FromFlat([]int{2}, []float64{1, 1})
	zeros := FromFlat([]int{2}, []float64{0, 0})
	y := LayerNorm(x, ones, zeros, 0)
	assert.InDeltaSlice(t, []float64{-1, 1, 0, 0}, y.Data(), 1e-9)
}

func TestSliceSplitConcat(t *testing.T) {
	x := FromFlat([]int{2, 4}, []float64{0, 1, 2, 3, 4, 5, 6, 7})
	cols := must.M1(Split(x, 1, 2))
	require.Len(t, cols, 2)
	require.Equal(t, []float64{0, 1, 4, 5}, cols[0].Data())
	require.Equal(t, []float64{2, 3, 6, 7}, cols[1].Data())
	require.Equal(t, x.Data(), must.M1(Concat(1, cols...)).Data())

	rows := must.M1(Split(x, 0, 2))
	require.Equal(t, []float64{4, 5, 6, 7}, rows[1].Data())
	require.Equal(t, x.Data(), must.M1(Concat(-2, rows...)).Data())

	_, err := Split(x, 1, 3)
	require.Error(t, err)
	_, err = Slice(x, 1, 2, 2)
	require.Error(t, err)
	_, err = Concat(0, x, FromFlat([]int{1, 3}, []float64{1, 2, 3}))
	require.Error(t, err)
}

func TestCast(t *testing.T) {
	x := FromFlat([]int{2}, []float64{1.0 / 3.0, 1000.1})
	half := x.Cast(dtypes.Float16)
	require.Equal(t, dtypes.Float16, half.DType())
	assert.InDelta(t, 1.0/3.0, half.Data()[0], 1e-3)
	assert.NotEqual(t, x.Data()[0], half.Data()[0])
	assert.Equal(t, 1000.0, half.Data()[1])

	bf := x.Cast(dtypes.BFloat16)
	assert.InDelta(t, 1.0/3.0, bf.Data()[0], 1e-2)
	require.Panics(t, func() { _ = x.Cast(dtypes.Int32) })
}

func TestRandomAndCompare(t *testing.T) {
	shape := shapes.Make(dtypes.Float32, 16, 8)
	a := Uniform(shape, -1, 1, 42)
	b := Uniform(shape, -1, 1, 42)
	c := Uniform(shape, -1, 1, 43)
	require.True(t, AllClose(a, b, 0, 0))
	require.False(t, AllClose(a, c, 0, 1e-6))
	for _, v := range a.Data() {
		require.True(t, v >= -1 && v < 1)
	}
	require.Equal(t, 0.0, MaxAbsDiff(a, b))
	require.Greater(t, MaxAbsDiff(a, c), 0.0)
	require.False(t, AllClose(a, a.Reshape(8, 16), 0, 1))

	n := Normal(shape, 0.02, 7)
	require.Equal(t, shape.Dimensions, n.Shape().Dimensions)
	require.Equal(t, 3.0, Sum(Scalar(1), Scalar(2)).Data()[0])
}
