// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package distributed defines the following objects related to tensor-parallel execution:
//
//   - ProcessGroup: the participants of a computation, and the collectives (Broadcast, AllReduce, AllGather)
//     they use to communicate. LocalGroup is an in-process simulation of it.
//   - ShardSpec: defines how one module parameter is partitioned across a ProcessGroup.
//   - Mode: how a sharded module consumes and produces its values (column or row parallel).
//   - Tensor: a logical tensor held as one shard per participant.
package distributed

import (
	"github.com/gomlx/sched/pkg/core/shapes"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
)

// Tensor is a logical tensor partitioned along one axis, holding the shard of every participant, in rank order.
type Tensor struct {
	axis   int
	shards []*tensors.Tensor
}

// NewTensor creates a Tensor from its shards. All shards must have the same shape.
func NewTensor(axis int, shards []*tensors.Tensor) (*Tensor, error) {
	if len(shards) == 0 {
		return nil, errors.New("distributed.NewTensor: no shards given")
	}
	for i, shard := range shards[1:] {
		if !shard.Shape().Equal(shards[0].Shape()) {
			return nil, errors.Wrapf(ErrShardSizeMismatch, "shard #%d has shape %s, shard #0 has shape %s",
				i+1, shard.Shape(), shards[0].Shape())
		}
	}
	return &Tensor{axis: axis, shards: shards}, nil
}

// Split partitions a full tensor in numShards along axis.
func Split(t *tensors.Tensor, axis, numShards int) (*Tensor, error) {
	if _, err := ShardShape(t.Shape(), axis, numShards); err != nil {
		return nil, err
	}
	shards, err := tensors.Split(t, axis, numShards)
	if err != nil {
		return nil, err
	}
	return &Tensor{axis: axis, shards: shards}, nil
}

// NumShards returns the number of shards.
func (dt *Tensor) NumShards() int { return len(dt.shards) }

// Shard returns the shard of the given rank.
func (dt *Tensor) Shard(rank int) *tensors.Tensor { return dt.shards[rank] }

// Shape returns the logical, unsharded shape of the tensor.
func (dt *Tensor) Shape() shapes.Shape {
	logical, err := LogicalShape(dt.shards[0].Shape(), dt.axis, len(dt.shards))
	if err != nil {
		panic(err)
	}
	return logical
}

// Gather concatenates the shards back into the logical tensor.
func (dt *Tensor) Gather() (*tensors.Tensor, error) {
	return tensors.Concat(dt.axis, dt.shards...)
}
