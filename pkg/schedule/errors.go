// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/schedule/checkpoint"
	"github.com/gomlx/sched/pkg/schedule/dialect"
	"github.com/gomlx/sched/pkg/schedule/fusion"
	"github.com/gomlx/sched/pkg/schedule/pattern"
	"github.com/gomlx/sched/pkg/schedule/pipeline"
	"github.com/pkg/errors"
)

// Errors of the schedule package. Test for them with errors.Is.
var (
	// ErrPathNotFound is returned when addressing a path that doesn't exist in the schedule tree.
	ErrPathNotFound = errors.New("path not found")

	// ErrScheduleBuilt is returned by any primitive applied after Build.
	ErrScheduleBuilt = errors.New("schedule already built")

	// ErrStaleGraph is returned when mutating a module whose forward pass was inlined into a graph that was
	// since rewritten (e.g. fused): the mutation would not be reflected in the rewritten graph.
	ErrStaleGraph = errors.New("mutation would make a rewritten graph stale")

	// ErrNotDecomposable is returned by Decompose for modules that can't be decomposed.
	ErrNotDecomposable = errors.New("module is not decomposable")

	// ErrParamNotFound is returned when a module doesn't have the requested parameter.
	ErrParamNotFound = errors.New("parameter not found")

	// ErrInvalidMatch is returned by Fuse when the match was not found in the node's current graph.
	ErrInvalidMatch = errors.New("match doesn't belong to the node's graph")
)

// Errors of the sub-packages, re-exported for convenience.
var (
	ErrUntraceable        = graph.ErrUntraceable
	ErrShardSizeMismatch  = distributed.ErrShardSizeMismatch
	ErrGroupNotConfigured = distributed.ErrGroupNotConfigured
	ErrInvalidCutOrder    = pipeline.ErrInvalidCutOrder
	ErrCutNotFound        = pipeline.ErrCutNotFound
	ErrDuplicateTarget    = dialect.ErrDuplicateTarget
	ErrUnknownTarget      = dialect.ErrUnknownTarget
	ErrCompile            = fusion.ErrCompile
	ErrInvalidPattern     = pattern.ErrInvalidPattern
	ErrInvalidPolicy      = checkpoint.ErrInvalidPolicy
)
