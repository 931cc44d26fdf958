// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package shapes

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/stretchr/testify/require"
)

func TestShape(t *testing.T) {
	require.False(t, Invalid().Ok())

	scalar := Make(dtypes.Float64)
	require.True(t, scalar.IsScalar())
	require.Equal(t, 1, scalar.Size())
	require.Equal(t, 8, int(scalar.Memory()))

	s := Make(dtypes.Float32, 4, 3, 2)
	require.Equal(t, 3, s.Rank())
	require.Equal(t, 24, s.Size())
	require.Equal(t, 96, int(s.Memory()))
	require.Equal(t, 2, s.Dim(-1))
	require.Equal(t, []int{6, 2, 1}, s.Strides())
	require.Equal(t, "(Float32)[4 3 2]", s.String())

	s2 := s.WithDim(0, 2)
	require.Equal(t, []int{2, 3, 2}, s2.Dimensions)
	require.Equal(t, []int{4, 3, 2}, s.Dimensions, "WithDim must not change the original")
	require.True(t, s2.WithDim(0, 4).Equal(s))
	require.False(t, s.WithDType(dtypes.Float16).Equal(s))
	require.True(t, s.WithDType(dtypes.Float16).EqualDimensions(s))

	_, err := s.AdjustAxis(3)
	require.Error(t, err)
	axis, err := s.AdjustAxis(-3)
	require.NoError(t, err)
	require.Equal(t, 0, axis)

	require.Panics(t, func() { _ = Make(dtypes.Float32, 2, 0) })
}
