// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package distributed

import (
	"fmt"

	"github.com/gomlx/sched/pkg/core/shapes"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
)

var (
	// ErrShardSizeMismatch is returned when a dimension is not divisible by the number of shards.
	ErrShardSizeMismatch = errors.New("shard size mismatch")

	// ErrGroupNotConfigured is returned when sharding is requested but there is no process group to shard over.
	ErrGroupNotConfigured = errors.New("process group not configured")
)

// DefaultParam is the parameter sharded when ShardSpec.Param is empty.
const DefaultParam = "weight"

// ShardSpec defines how one parameter of a module is partitioned across a ProcessGroup: along a single axis,
// in WorldSize equal contiguous slices, the slice of rank r being kept by participant r.
//
// Example, a Megatron-style MLP block:
//
//	must.M1(sch.Get("mlp.fc1")).Shard(distributed.ShardSpec{Axis: 0}) // Column parallel.
//	must.M1(sch.Get("mlp.fc2")).Shard(distributed.ShardSpec{Axis: 1}) // Row parallel.
type ShardSpec struct {
	// Path of the module owning the parameter. Filled in by the schedule node the spec is applied to.
	Path string

	// Param is the name of the parameter within the module. Defaults to DefaultParam.
	Param string

	// Axis of the parameter to split. Negative values count from the end.
	Axis int

	// Group to shard over. If nil, the schedule's group is used.
	Group ProcessGroup

	// Mode of the module after sharding. See Mode.
	Mode Mode
}

// ParamName returns the parameter name, taking the default into account.
func (s ShardSpec) ParamName() string {
	if s.Param == "" {
		return DefaultParam
	}
	return s.Param
}

// String returns a human-readable string representation of the ShardSpec.
func (s ShardSpec) String() string {
	worldSize := 0
	if s.Group != nil {
		worldSize = s.Group.WorldSize()
	}
	return fmt.Sprintf("ShardSpec{%s.%s, axis=%d, mode=%s, world=%d}", s.Path, s.ParamName(), s.Axis, s.Mode, worldSize)
}

// Validate checks that a group is configured.
func (s ShardSpec) Validate() error {
	if s.Group == nil {
		return errors.Wrapf(ErrGroupNotConfigured, "sharding %s.%s", s.Path, s.ParamName())
	}
	return nil
}

// ShardShape calculates the shape of one shard of a tensor with the given logical (full) shape, when split
// in numShards along axis.
//
// It returns an ErrShardSizeMismatch if the dimension is not divisible.
func ShardShape(logicalShape shapes.Shape, axis, numShards int) (shapes.Shape, error) {
	adjusted, err := logicalShape.AdjustAxis(axis)
	if err != nil {
		return shapes.Invalid(), err
	}
	dim := logicalShape.Dimensions[adjusted]
	if numShards <= 0 || dim%numShards != 0 {
		return shapes.Invalid(), errors.Wrapf(ErrShardSizeMismatch,
			"dimension %d of axis %d (shape %s) not divisible by %d shards", dim, adjusted, logicalShape, numShards)
	}
	return logicalShape.WithDim(adjusted, dim/numShards), nil
}

// LogicalShape is the inverse of ShardShape.
func LogicalShape(shardShape shapes.Shape, axis, numShards int) (shapes.Shape, error) {
	adjusted, err := shardShape.AdjustAxis(axis)
	if err != nil {
		return shapes.Invalid(), err
	}
	return shardShape.WithDim(adjusted, shardShape.Dimensions[adjusted]*numShards), nil
}

// LocalShard returns the slice of the full tensor t kept by this participant of the spec's group.
func (s ShardSpec) LocalShard(t *tensors.Tensor) (*tensors.Tensor, error) {
	if err := s.Validate(); err != nil {
		return nil, err
	}
	dt, err := Split(t, s.Axis, s.Group.WorldSize())
	if err != nil {
		return nil, errors.WithMessagef(err, "sharding %s.%s", s.Path, s.ParamName())
	}
	return dt.Shard(s.Group.Rank()), nil
}
