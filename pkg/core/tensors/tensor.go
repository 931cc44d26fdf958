// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package tensors implements a dense host Tensor and the handful of kernels the schedule interpreter needs
// to execute a transformed model: matrix multiplication against a transposed weight, broadcasting elementwise
// operations, activations, layer normalization, and the slicing/concatenation used to build and recombine shards.
//
// Values are stored as float64 regardless of the declared DType. The DType tracks the precision the value
// is rounded to (see Cast), so a Float16 tensor only ever holds values representable in float16.
//
// Kernels panic (see github.com/gomlx/exceptions) on shape mismatches, like graph building in GoMLX does:
// the interpreter catches them and converts them to errors annotated with the offending node.
package tensors

import (
	"fmt"
	"math"
	"math/rand/v2"
	"slices"
	"strings"

	"github.com/gomlx/exceptions"
	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/gopjrt/dtypes/bfloat16"
	"github.com/gomlx/sched/pkg/core/shapes"
	"github.com/pkg/errors"
	"github.com/x448/float16"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/mat"
	"gonum.org/v1/gonum/stat/distuv"
)

// Tensor is an immutable-by-convention dense tensor held in host memory.
type Tensor struct {
	shape shapes.Shape
	data  []float64
}

// FromShape creates a tensor with the given shape and flat (row-major) data.
// The data slice is owned by the tensor afterwards.
func FromShape(shape shapes.Shape, data []float64) *Tensor {
	if shape.Size() != len(data) {
		exceptions.Panicf("tensors.FromShape(%s): shape has %d elements, but %d values were given",
			shape, shape.Size(), len(data))
	}
	return &Tensor{shape: shape, data: data}
}

// FromFlat creates a Float32 tensor with the given dimensions and flat data.
func FromFlat(dims []int, data []float64) *Tensor {
	return FromShape(shapes.Make(dtypes.Float32, dims...), data)
}

// FromRows creates a Float32 matrix from its rows.
func FromRows(rows [][]float64) *Tensor {
	if len(rows) == 0 {
		exceptions.Panicf("tensors.FromRows: no rows given")
	}
	cols := len(rows[0])
	data := make([]float64, 0, len(rows)*cols)
	for i, row := range rows {
		if len(row) != cols {
			exceptions.Panicf("tensors.FromRows: row %d has %d columns, row 0 has %d", i, len(row), cols)
		}
		data = append(data, row...)
	}
	return FromFlat([]int{len(rows), cols}, data)
}

// Scalar returns a Float32 scalar tensor.
func Scalar(value float64) *Tensor {
	return &Tensor{shape: shapes.Make(dtypes.Float32), data: []float64{value}}
}

// Zeros returns a tensor filled with zeros.
func Zeros(shape shapes.Shape) *Tensor {
	return &Tensor{shape: shape.Clone(), data: make([]float64, shape.Size())}
}

// Uniform returns a tensor sampled uniformly from [minValue, maxValue), deterministically for the given seed.
func Uniform(shape shapes.Shape, minValue, maxValue float64, seed uint64) *Tensor {
	dist := distuv.Uniform{Min: minValue, Max: maxValue, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	data := make([]float64, shape.Size())
	for i := range data {
		data[i] = dist.Rand()
	}
	return FromShape(shape.Clone(), data).Cast(shape.DType)
}

// Normal returns a tensor sampled from a normal distribution, deterministically for the given seed.
func Normal(shape shapes.Shape, stddev float64, seed uint64) *Tensor {
	dist := distuv.Normal{Mu: 0, Sigma: stddev, Src: rand.NewPCG(seed, seed^0x9e3779b97f4a7c15)}
	data := make([]float64, shape.Size())
	for i := range data {
		data[i] = dist.Rand()
	}
	return FromShape(shape.Clone(), data).Cast(shape.DType)
}

// Shape of the tensor.
func (t *Tensor) Shape() shapes.Shape { return t.shape }

// DType of the tensor.
func (t *Tensor) DType() dtypes.DType { return t.shape.DType }

// Size is the number of elements.
func (t *Tensor) Size() int { return len(t.data) }

// Data returns the flat row-major values. It must not be modified.
func (t *Tensor) Data() []float64 { return t.data }

// Clone returns a deep copy.
func (t *Tensor) Clone() *Tensor {
	return &Tensor{shape: t.shape.Clone(), data: slices.Clone(t.data)}
}

// Reshape returns a tensor sharing no data with t, with the same elements and new dimensions.
func (t *Tensor) Reshape(dims ...int) *Tensor {
	return FromShape(shapes.Make(t.shape.DType, dims...), slices.Clone(t.data))
}

// At returns the value at the given indices.
func (t *Tensor) At(indices ...int) float64 {
	if len(indices) != t.shape.Rank() {
		exceptions.Panicf("Tensor.At(%v): tensor has rank %d", indices, t.shape.Rank())
	}
	pos := 0
	for axis, stride := range t.shape.Strides() {
		pos += indices[axis] * stride
	}
	return t.data[pos]
}

// String pretty-prints the shape and the first values.
func (t *Tensor) String() string {
	const maxValues = 8
	parts := make([]string, 0, maxValues+1)
	for i, v := range t.data {
		if i == maxValues {
			parts = append(parts, "…")
			break
		}
		parts = append(parts, fmt.Sprintf("%.4g", v))
	}
	return fmt.Sprintf("%s{%s}", t.shape, strings.Join(parts, ", "))
}

// Cast rounds the values to the precision of dtype and returns a tensor with that dtype.
// Float64 is kept as is, Float32, Float16 and BFloat16 are rounded to the nearest representable value.
func (t *Tensor) Cast(dtype dtypes.DType) *Tensor {
	out := &Tensor{shape: t.shape.WithDType(dtype), data: make([]float64, len(t.data))}
	var round func(float64) float64
	switch dtype {
	case dtypes.Float64:
		round = func(v float64) float64 { return v }
	case dtypes.Float32:
		round = func(v float64) float64 { return float64(float32(v)) }
	case dtypes.Float16:
		round = func(v float64) float64 { return float64(float16.Fromfloat32(float32(v)).Float32()) }
	case dtypes.BFloat16:
		round = func(v float64) float64 { return float64(bfloat16.FromFloat32(float32(v)).Float32()) }
	default:
		exceptions.Panicf("Tensor.Cast(%s): only float dtypes are supported", dtype)
	}
	for i, v := range t.data {
		out.data[i] = round(v)
	}
	return out
}

// MatMulT computes x·wᵀ, where x is shaped [..., k] and w is shaped [n, k]: the convention of a linear
// layer's weight. The result is shaped [..., n].
func MatMulT(x, w *Tensor) *Tensor {
	if w.shape.Rank() != 2 {
		exceptions.Panicf("MatMulT: weight must have rank 2, got %s", w.shape)
	}
	if x.shape.Rank() == 0 || x.shape.Dim(-1) != w.shape.Dim(1) {
		exceptions.Panicf("MatMulT: contracting dimension mismatch between x=%s and w=%s", x.shape, w.shape)
	}
	k, n := w.shape.Dim(1), w.shape.Dim(0)
	rows := x.Size() / k
	xm := mat.NewDense(rows, k, x.data)
	wm := mat.NewDense(n, k, w.data)
	var result mat.Dense
	result.Mul(xm, wm.T())
	outDims := slices.Clone(x.shape.Dimensions)
	outDims[len(outDims)-1] = n
	out := make([]float64, 0, rows*n)
	for i := 0; i < rows; i++ {
		out = append(out, result.RawRowView(i)...)
	}
	return FromShape(shapes.Make(x.shape.DType, outDims...), out)
}

// broadcastBinary applies fn elementwise. The smaller operand's dimensions must be a suffix of the larger
// one's (which includes scalars and equal shapes).
func broadcastBinary(name string, a, b *Tensor, fn func(x, y float64) float64) *Tensor {
	swapped := false
	if b.shape.Rank() > a.shape.Rank() {
		a, b = b, a
		swapped = true
	}
	offset := a.shape.Rank() - b.shape.Rank()
	if !slices.Equal(a.shape.Dimensions[offset:], b.shape.Dimensions) {
		exceptions.Panicf("%s: shapes %s and %s are not broadcastable", name, a.shape, b.shape)
	}
	out := make([]float64, len(a.data))
	bSize := len(b.data)
	for i, x := range a.data {
		y := b.data[i%bSize]
		if swapped {
			out[i] = fn(y, x)
		} else {
			out[i] = fn(x, y)
		}
	}
	return FromShape(a.shape.Clone(), out)
}

// Add returns a+b with suffix broadcasting.
func Add(a, b *Tensor) *Tensor {
	if a.shape.EqualDimensions(b.shape) {
		out := slices.Clone(a.data)
		floats.Add(out, b.data)
		return FromShape(a.shape.Clone(), out)
	}
	return broadcastBinary("Add", a, b, func(x, y float64) float64 { return x + y })
}

// Sub returns a-b with suffix broadcasting.
func Sub(a, b *Tensor) *Tensor {
	return broadcastBinary("Sub", a, b, func(x, y float64) float64 { return x - y })
}

// Mul returns a*b (elementwise) with suffix broadcasting.
func Mul(a, b *Tensor) *Tensor {
	if a.shape.EqualDimensions(b.shape) {
		out := slices.Clone(a.data)
		floats.Mul(out, b.data)
		return FromShape(a.shape.Clone(), out)
	}
	return broadcastBinary("Mul", a, b, func(x, y float64) float64 { return x * y })
}

// Maximum returns the elementwise max(a, b) with suffix broadcasting.
func Maximum(a, b *Tensor) *Tensor {
	return broadcastBinary("Maximum", a, b, math.Max)
}

// Map applies fn to every element.
func Map(t *Tensor, fn func(float64) float64) *Tensor {
	out := make([]float64, len(t.data))
	for i, v := range t.data {
		out[i] = fn(v)
	}
	return FromShape(t.shape.Clone(), out)
}

// AddScalar returns t+value.
func AddScalar(t *Tensor, value float64) *Tensor {
	out := slices.Clone(t.data)
	floats.AddConst(value, out)
	return FromShape(t.shape.Clone(), out)
}

// MulScalar returns t*value.
func MulScalar(t *Tensor, value float64) *Tensor {
	out := slices.Clone(t.data)
	floats.Scale(value, out)
	return FromShape(t.shape.Clone(), out)
}

// Relu returns max(t, 0).
func Relu(t *Tensor) *Tensor {
	return Map(t, func(v float64) float64 { return max(v, 0) })
}

// Gelu returns the exact (erf based) GELU activation.
func Gelu(t *Tensor) *Tensor {
	return Map(t, func(v float64) float64 { return 0.5 * v * (1 + math.Erf(v/math.Sqrt2)) })
}

// Tanh returns the hyperbolic tangent.
func Tanh(t *Tensor) *Tensor {
	return Map(t, math.Tanh)
}

// LayerNorm normalizes over the last axis and applies the affine gamma and beta (both shaped like the last axis).
func LayerNorm(x, gamma, beta *Tensor, epsilon float64) *Tensor {
	dim := x.shape.Dim(-1)
	if gamma.Size() != dim || beta.Size() != dim {
		exceptions.Panicf("LayerNorm: gamma %s and beta %s must match the last axis of %s", gamma.shape, beta.shape, x.shape)
	}
	out := make([]float64, len(x.data))
	for start := 0; start < len(x.data); start += dim {
		row := x.data[start : start+dim]
		mean := floats.Sum(row) / float64(dim)
		variance := 0.0
		for _, v := range row {
			variance += (v - mean) * (v - mean)
		}
		variance /= float64(dim)
		inv := 1 / math.Sqrt(variance+epsilon)
		for i, v := range row {
			out[start+i] = (v-mean)*inv*gamma.data[i] + beta.data[i]
		}
	}
	return FromShape(x.shape.Clone(), out)
}

// Sum adds all the given tensors elementwise. They must have the same dimensions.
func Sum(ts ...*Tensor) *Tensor {
	if len(ts) == 0 {
		exceptions.Panicf("tensors.Sum: no tensors given")
	}
	out := slices.Clone(ts[0].data)
	for _, t := range ts[1:] {
		if !t.shape.EqualDimensions(ts[0].shape) {
			exceptions.Panicf("tensors.Sum: shape %s doesn't match %s", t.shape, ts[0].shape)
		}
		floats.Add(out, t.data)
	}
	return FromShape(ts[0].shape.Clone(), out)
}

// axisBlocks returns the number of outer blocks and the number of elements per index of axis.
func axisBlocks(shape shapes.Shape, axis int) (outer, inner int) {
	outer, inner = 1, 1
	for i, d := range shape.Dimensions {
		switch {
		case i < axis:
			outer *= d
		case i > axis:
			inner *= d
		}
	}
	return
}

// Slice returns the sub-tensor [start, end) along axis.
func Slice(t *Tensor, axis, start, end int) (*Tensor, error) {
	axis, err := t.shape.AdjustAxis(axis)
	if err != nil {
		return nil, err
	}
	dim := t.shape.Dimensions[axis]
	if start < 0 || end > dim || start >= end {
		return nil, errors.Errorf("invalid slice [%d, %d) of axis %d with dimension %d", start, end, axis, dim)
	}
	outer, inner := axisBlocks(t.shape, axis)
	out := make([]float64, 0, outer*(end-start)*inner)
	for o := 0; o < outer; o++ {
		base := o * dim * inner
		out = append(out, t.data[base+start*inner:base+end*inner]...)
	}
	return FromShape(t.shape.WithDim(axis, end-start), out), nil
}

// Split splits t into n equal parts along axis. The dimension must be divisible by n.
func Split(t *Tensor, axis, n int) ([]*Tensor, error) {
	axis, err := t.shape.AdjustAxis(axis)
	if err != nil {
		return nil, err
	}
	dim := t.shape.Dimensions[axis]
	if n <= 0 || dim%n != 0 {
		return nil, errors.Errorf("dimension %d of axis %d (shape %s) is not divisible in %d parts", dim, axis, t.shape, n)
	}
	part := dim / n
	parts := make([]*Tensor, n)
	for i := range parts {
		parts[i], err = Slice(t, axis, i*part, (i+1)*part)
		if err != nil {
			return nil, err
		}
	}
	return parts, nil
}

// Concat concatenates the tensors along axis. All other dimensions must match.
func Concat(axis int, ts ...*Tensor) (*Tensor, error) {
	if len(ts) == 0 {
		return nil, errors.New("tensors.Concat: no tensors given")
	}
	first := ts[0].shape
	axis, err := first.AdjustAxis(axis)
	if err != nil {
		return nil, err
	}
	total := 0
	for i, t := range ts {
		if t.shape.Rank() != first.Rank() {
			return nil, errors.Errorf("tensors.Concat: tensor #%d has shape %s, incompatible with %s", i, t.shape, first)
		}
		for a, d := range t.shape.Dimensions {
			if a != axis && d != first.Dimensions[a] {
				return nil, errors.Errorf("tensors.Concat: tensor #%d has shape %s, incompatible with %s", i, t.shape, first)
			}
		}
		total += t.shape.Dimensions[axis]
	}
	outShape := first.WithDim(axis, total)
	outer, inner := axisBlocks(first, axis)
	out := make([]float64, 0, outShape.Size())
	for o := 0; o < outer; o++ {
		for _, t := range ts {
			block := t.shape.Dimensions[axis] * inner
			out = append(out, t.data[o*block:(o+1)*block]...)
		}
	}
	return FromShape(outShape, out), nil
}

// AllClose reports whether a and b have the same dimensions and every pair of values is within
// atol + rtol*|b|.
func AllClose(a, b *Tensor, rtol, atol float64) bool {
	if !a.shape.EqualDimensions(b.shape) {
		return false
	}
	for i, x := range a.data {
		y := b.data[i]
		if math.Abs(x-y) > atol+rtol*math.Abs(y) {
			return false
		}
	}
	return true
}

// MaxAbsDiff returns the largest absolute difference between a and b, which must have the same dimensions.
func MaxAbsDiff(a, b *Tensor) float64 {
	if !a.shape.EqualDimensions(b.shape) {
		return math.Inf(1)
	}
	diff := slices.Clone(a.data)
	floats.Sub(diff, b.data)
	return max(math.Abs(floats.Max(diff)), math.Abs(floats.Min(diff)))
}
