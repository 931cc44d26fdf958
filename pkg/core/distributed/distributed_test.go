// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"sync"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sched/pkg/core/shapes"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestShardShape(t *testing.T) {
	full := shapes.Make(dtypes.Float32, 128, 64)
	for _, tc := range []struct {
		name      string
		axis, n   int
		want      []int
		wantError error
	}{
		{"column", 0, 2, []int{64, 64}, nil},
		{"row", 1, 4, []int{128, 16}, nil},
		{"negative axis", -1, 2, []int{128, 32}, nil},
		{"not divisible", 0, 3, nil, ErrShardSizeMismatch},
		{"no shards", 0, 0, nil, ErrShardSizeMismatch},
	} {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ShardShape(full, tc.axis, tc.n)
			if tc.wantError != nil {
				require.ErrorIs(t, err, tc.wantError)
				require.False(t, got.Ok())
				return
			}
			require.NoError(t, err)
			require.Equal(t, tc.want, got.Dimensions)
			back := must.M1(LogicalShape(got, tc.axis, tc.n))
			require.True(t, back.Equal(full))
		})
	}
}

func TestLocalShard(t *testing.T) {
	full := tensors.FromFlat([]int{4, 2}, []float64{0, 1, 2, 3, 4, 5, 6, 7})
	groups := NewLocalGroups(2)
	spec := ShardSpec{Path: "fc", Axis: 0, Group: groups[1]}
	local := must.M1(spec.LocalShard(full))
	require.Equal(t, []float64{4, 5, 6, 7}, local.Data())

	_, err := ShardSpec{Path: "fc"}.LocalShard(full)
	require.ErrorIs(t, err, ErrGroupNotConfigured)

	_, err = ShardSpec{Path: "fc", Axis: 1, Group: NewLocalGroups(4)[0]}.LocalShard(full)
	require.ErrorIs(t, err, ErrShardSizeMismatch)
	require.Contains(t, err.Error(), "fc.weight")
}

func TestTensor(t *testing.T) {
	full := tensors.FromFlat([]int{2, 4}, []float64{0, 1, 2, 3, 4, 5, 6, 7})
	dt := must.M1(Split(full, 1, 2))
	require.Equal(t, 2, dt.NumShards())
	require.Equal(t, []int{2, 2}, dt.Shard(0).Shape().Dimensions)
	require.Equal(t, []int{2, 4}, dt.Shape().Dimensions)
	require.Equal(t, full.Data(), must.M1(dt.Gather()).Data())

	_, err := NewTensor(0, []*tensors.Tensor{tensors.Scalar(1), full})
	require.ErrorIs(t, err, ErrShardSizeMismatch)
}

func TestLocalGroupCollectives(t *testing.T) {
	const worldSize = 3
	var mu sync.Mutex
	gathered := make([]*tensors.Tensor, worldSize)
	err := RunLocal(worldSize, func(g *LocalGroup) error {
		rank := float64(g.Rank())
		local := tensors.FromFlat([]int{1, 2}, []float64{rank, 10 * rank})

		sum, err := g.AllReduce(local, ReduceSum)
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{3, 30}, sum.Data())

		mean, err := g.AllReduce(local, ReduceMean)
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{1, 10}, mean.Data())

		maxValue, err := g.AllReduce(local, ReduceMax)
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{2, 20}, maxValue.Data())

		root, err := g.Broadcast(local, 1)
		if err != nil {
			return err
		}
		assert.Equal(t, []float64{1, 10}, root.Data())

		all, err := g.AllGather(local, 0)
		if err != nil {
			return err
		}
		mu.Lock()
		gathered[g.Rank()] = all
		mu.Unlock()
		return nil
	})
	require.NoError(t, err)
	for _, all := range gathered {
		require.Equal(t, []int{3, 2}, all.Shape().Dimensions)
		require.Equal(t, []float64{0, 0, 1, 10, 2, 20}, all.Data())
	}
}

func TestLocalGroupFailures(t *testing.T) {
	t.Run("mismatched collectives", func(t *testing.T) {
		err := RunLocal(2, func(g *LocalGroup) error {
			x := tensors.Scalar(1)
			if g.Rank() == 0 {
				_, err := g.AllReduce(x, ReduceSum)
				return err
			}
			_, err := g.Broadcast(x, 0)
			return err
		})
		require.Error(t, err)
		require.Contains(t, err.Error(), "mismatch")
	})

	t.Run("failing rank aborts the others", func(t *testing.T) {
		failure := errors.New("rank failed")
		err := RunLocal(2, func(g *LocalGroup) error {
			if g.Rank() == 1 {
				return failure
			}
			_, err := g.AllReduce(tensors.Scalar(1), ReduceSum)
			return err
		})
		require.ErrorIs(t, err, failure)
	})

	t.Run("panics are converted", func(t *testing.T) {
		err := RunLocal(1, func(g *LocalGroup) error {
			_, err := g.AllGather(tensors.Scalar(1), 3)
			return err
		})
		require.Error(t, err)
	})
}

func TestMode(t *testing.T) {
	for _, m := range []Mode{ModeAuto, ModeColumn, ModeRow} {
		parsed, err := ParseMode(m.String())
		require.NoError(t, err)
		require.Equal(t, m, parsed)
	}
	_, err := ParseMode("diagonal")
	require.Error(t, err)
}
