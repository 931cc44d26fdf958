// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/shapes"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/gomlx/sched/pkg/ml/nn"
	"github.com/gomlx/sched/pkg/schedule/checkpoint"
	"github.com/gomlx/sched/pkg/schedule/pattern"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func randomInput(seed uint64, dims ...int) *tensors.Tensor {
	return tensors.Uniform(shapes.Make(dtypes.Float32, dims...), -1, 1, seed)
}

func TestCreateAndGet(t *testing.T) {
	sch := must.M1(Create(nn.NewEncoder(2, 8, 16)))
	root := sch.Root()
	assert.Equal(t, "", root.Path())
	assert.Equal(t, "Encoder", root.Kind())

	var paths []string
	sch.Walk(func(n *Node) bool {
		paths = append(paths, n.Path())
		return true
	})
	assert.Len(t, paths, 15)
	assert.Equal(t, []string{"", "layer", "layer.0", "layer.0.norm", "layer.0.mlp", "layer.0.mlp.fc1"}, paths[:6])

	fc1 := must.M1(sch.Get("layer.1.mlp.fc1"))
	assert.Equal(t, "Linear", fc1.Kind())
	assert.Equal(t, "fc1", fc1.Name())
	assert.Equal(t, "layer.1.mlp", fc1.Parent().Path())
	assert.Same(t, fc1, must.M1(must.M1(sch.Get("layer.1")).Get("mlp.fc1")))
	assert.Equal(t, -1, fc1.Stage())

	_, err := sch.Get("layer.7")
	require.ErrorIs(t, err, ErrPathNotFound)

	summary := sch.Summary()
	assert.Contains(t, summary, "Encoder")
	assert.Contains(t, summary, "fc1: Linear")
}

func TestFindModules(t *testing.T) {
	sch := must.M1(Create(nn.NewEncoder(3, 8, 16)))
	found := must.M1(sch.Root().FindModules(`layer\.\d+\.mlp\.fc\d`))
	require.Len(t, found, 6)
	assert.Equal(t, "layer.0.mlp.fc1", found[0].Path())
	assert.Equal(t, "layer.2.mlp.fc2", found[5].Path())

	layer := must.M1(sch.Get("layer"))
	found = must.M1(layer.FindModules(`\d+`))
	require.Len(t, found, 3)
	assert.Equal(t, "layer.1", found[1].Path())

	_, err := layer.FindModules(`(`)
	require.Error(t, err)
}

func TestScheduleParams(t *testing.T) {
	sch := must.M1(Create(nn.NewEncoder(2, 8, 16)))
	sch.Root().SetParam("tile", 4)
	must.M1(sch.Get("layer.1")).SetParam("tile", 8)

	value, found := must.M1(sch.Get("layer.0.mlp")).GetParam("tile")
	require.True(t, found)
	assert.Equal(t, 4, value)
	assert.Equal(t, 8, GetParamOr(must.M1(sch.Get("layer.1.mlp.fc2")), "tile", 0))
	assert.Equal(t, "none", GetParamOr(must.M1(sch.Get("norm")), "missing", "none"))
}

func TestTrace(t *testing.T) {
	sch := must.M1(Create(nn.NewMLP(4, 8)))
	flat := must.M1(sch.Trace("", TraceOptions{Flatten: true}))
	assert.Same(t, flat, must.M1(sch.Trace("", TraceOptions{Flatten: true})), "traces must be memoized")
	assert.Equal(t, []string{"act"}, flat.Inlined())

	// Linear layers are leaves, unless decomposed.
	var calls []string
	for _, n := range flat.Nodes() {
		if n.Type() == graph.NodeTypeCallModule {
			calls = append(calls, n.Target())
		}
	}
	assert.Equal(t, []string{"fc1", "fc2"}, calls)

	nested := must.M1(sch.Trace("", TraceOptions{}))
	assert.NotSame(t, flat, nested)
	assert.Empty(t, nested.Inlined())

	withLeaves := must.M1(sch.Trace("", TraceOptions{Flatten: true, Leaves: []string{"GELU"}}))
	assert.Empty(t, withLeaves.Inlined())

	require.NoError(t, must.M1(sch.Get("fc1")).Decompose())
	assert.Nil(t, sch.Root().Graph(), "decomposing must invalidate the parent's trace")
	flat = must.M1(sch.Trace("", TraceOptions{Flatten: true}))
	assert.Equal(t, []string{"fc1", "act"}, flat.Inlined())
}

// branchy decides its structure on the value of its input.
type branchy struct {
	nn.Base
}

func (b *branchy) Forward(s *graph.Scope, x ...*graph.Node) *graph.Node {
	if s.Truth(x[0]) {
		return graph.Relu(x[0])
	}
	return x[0]
}

func TestTraceUntraceable(t *testing.T) {
	sch := must.M1(Create(&branchy{Base: nn.NewBase("Branchy")}))
	_, err := sch.Root().Trace(TraceOptions{Flatten: true})
	require.ErrorIs(t, err, ErrUntraceable)
	assert.Nil(t, sch.Root().Graph())
}

func TestShardErrors(t *testing.T) {
	model := nn.NewMLP(6, 12)
	groups := distributed.NewLocalGroups(4)
	sch := must.M1(Create(model, WithGroup(groups[1])))

	fc1 := must.M1(sch.Get("fc1"))
	err := fc1.Shard(distributed.ShardSpec{Param: "scale"})
	require.ErrorIs(t, err, ErrParamNotFound)

	// Input features: 6 is not divisible by 4.
	err = fc1.Shard(distributed.ShardSpec{Axis: 1})
	require.ErrorIs(t, err, ErrShardSizeMismatch)
	assert.Empty(t, fc1.Log())

	require.NoError(t, fc1.Shard(distributed.ShardSpec{Axis: 0}))
	weight, _ := model.Child("fc1")
	p, _ := weight.Param("weight")
	assert.Equal(t, []int{3, 6}, p.Value.Shape().Dimensions)
	bias, _ := weight.Param("bias")
	assert.Equal(t, []int{3}, bias.Value.Shape().Dimensions, "column mode shards the bias")
	assert.Equal(t, distributed.ModeColumn, weight.(nn.ParallelLinear).Mode())
	assert.Equal(t, []string{"shard(weight, axis=0, Column)"}, fc1.Log())
	require.Error(t, fc1.Shard(distributed.ShardSpec{Axis: 0}), "sharding twice must fail")

	// Explicit modes must match the sharded axis of the weight.
	sch = must.M1(Create(nn.NewMLP(8, 16), WithGroup(groups[1])))
	fc1 = must.M1(sch.Get("fc1"))
	err = fc1.Shard(distributed.ShardSpec{Axis: 1, Mode: distributed.ModeColumn})
	require.ErrorContains(t, err, `"fc1"`)
	err = fc1.Shard(distributed.ShardSpec{Axis: 0, Mode: distributed.ModeRow})
	require.Error(t, err)
	assert.Empty(t, fc1.Log())
	assert.Equal(t, distributed.ModeAuto, must.M1(nn.Lookup(sch.Module(), "fc1")).(nn.ParallelLinear).Mode())
	require.NoError(t, fc1.Shard(distributed.ShardSpec{Axis: -1, Mode: distributed.ModeRow}))

	// A group in the spec must be the schedule's group.
	sch = must.M1(Create(nn.NewMLP(8, 16)))
	err = must.M1(sch.Get("fc1")).Shard(distributed.ShardSpec{Axis: 0, Group: groups[0]})
	require.ErrorIs(t, err, ErrGroupNotConfigured)
	sch = must.M1(Create(nn.NewMLP(8, 16), WithGroup(groups[1])))
	err = must.M1(sch.Get("fc1")).Shard(distributed.ShardSpec{Axis: 0, Group: groups[2]})
	require.ErrorContains(t, err, "doesn't match")
	err = must.M1(sch.Get("fc1")).Shard(distributed.ShardSpec{Axis: 0, Group: distributed.NewLocalGroups(2)[1]})
	require.Error(t, err)
	require.NoError(t, must.M1(sch.Get("fc1")).Shard(distributed.ShardSpec{Axis: 0, Group: groups[1]}))

	// World size > 1 without a group.
	sch = must.M1(Create(nn.NewMLP(4, 8), WithWorldSize(2)))
	err = must.M1(sch.Get("fc2")).Shard(distributed.ShardSpec{Axis: 1})
	require.ErrorIs(t, err, ErrGroupNotConfigured)

	// World size 1 without group: sharding is trivial.
	sch = must.M1(Create(nn.NewMLP(4, 8)))
	require.NoError(t, must.M1(sch.Get("fc2")).Shard(distributed.ShardSpec{Axis: 1}))
	p = must.M1(nn.LookupParam(sch.Module(), "fc2.weight"))
	assert.Equal(t, []int{4, 8}, p.Value.Shape().Dimensions)
}

func TestPrimitives(t *testing.T) {
	model := nn.NewEncoder(4, 8, 16)
	sch := must.M1(Create(model))

	// Decompose.
	require.ErrorIs(t, must.M1(sch.Get("norm")).Decompose(), ErrNotDecomposable)
	fc1 := must.M1(sch.Get("layer.0.mlp.fc1"))
	require.NoError(t, fc1.Decompose())
	require.NoError(t, fc1.Decompose())
	assert.Equal(t, []string{"decompose"}, fc1.Log())

	// Checkpoint: transparent to paths, idempotent.
	layer1 := must.M1(sch.Get("layer.1"))
	require.NoError(t, layer1.Checkpoint())
	require.NoError(t, layer1.Checkpoint())
	assert.True(t, layer1.IsCheckpointed())
	assert.Equal(t, []string{"checkpoint"}, layer1.Log())
	assert.Equal(t, "ResidualBlock", layer1.Kind())
	assert.Same(t, layer1, must.M1(sch.Get("layer.1")))
	assert.Equal(t, "Linear", must.M1(sch.Get("layer.1.mlp.fc2")).Kind())
	require.Error(t, sch.Root().Checkpoint())

	selected := must.M1(must.M1(sch.Get("layer")).CheckpointChildren(checkpoint.Policy{Ratio: 0.5}))
	require.Len(t, selected, 2)
	assert.Equal(t, "layer.0", selected[0].Path())
	assert.Equal(t, "layer.2", selected[1].Path())
	_, err := must.M1(sch.Get("layer")).CheckpointChildren(checkpoint.Policy{Ratio: 1.5})
	require.ErrorIs(t, err, ErrInvalidPolicy)

	// Replace keeps the path, and recreates the sub-tree.
	mlp := must.M1(sch.Get("layer.3.mlp"))
	oldFc1 := must.M1(sch.Get("layer.3.mlp.fc1"))
	replacement := nn.NewMLP(8, 32, nn.WithSeed(7))
	require.NoError(t, mlp.Replace(replacement))
	assert.Same(t, mlp, must.M1(sch.Get("layer.3.mlp")))
	newFc1 := must.M1(sch.Get("layer.3.mlp.fc1"))
	assert.NotSame(t, oldFc1, newFc1)
	assert.Equal(t, 32, newFc1.Module().(*nn.Linear).Out)
	assert.Same(t, replacement, must.M1(nn.Lookup(model, "layer.3.mlp")))

	act := must.M1(sch.Get("layer.3.mlp.act"))
	require.NoError(t, act.Replace(nn.NewReLU()))
	assert.Equal(t, "ReLU", must.M1(sch.Get("layer.3.mlp.act")).Kind())

	// Cut.
	require.Error(t, sch.Root().CutPipelineStage())
	layer2 := must.M1(sch.Get("layer.2"))
	require.NoError(t, layer2.CutPipelineStage())
	require.NoError(t, layer2.CutPipelineStage())
	assert.Equal(t, []string{"layer.2"}, sch.Cuts())

	// Cast.
	require.NoError(t, must.M1(sch.Get("norm")).Cast(dtypes.BFloat16))
	p := must.M1(nn.LookupParam(model, "norm.weight"))
	assert.Equal(t, dtypes.BFloat16, p.Value.DType())
	assert.Equal(t, dtypes.BFloat16, p.Shape.DType)
	p = must.M1(nn.LookupParam(model, "layer.0.norm.weight"))
	assert.Equal(t, dtypes.Float32, p.Value.DType())
}

func TestFuseAndStaleness(t *testing.T) {
	model := nn.NewMLP(4, 8, nn.WithSeed(3))
	reference := nn.NewMLP(4, 8, nn.WithSeed(3))
	x := randomInput(11, 2, 4)
	want := must.M1(nn.Forward(reference, x))

	sch := must.M1(Create(model))
	root := sch.Root()
	fcGelu := pattern.New("FcGelu", 1, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
		return graph.Gelu(s.Call("fc1", x[0]))
	})

	// A match must come from the node's current graph.
	_, err := root.Fuse(&pattern.MatchResult{Path: "elsewhere"}, "", "")
	require.ErrorIs(t, err, ErrInvalidMatch)

	match := must.M1(root.Find(fcGelu))
	require.Equal(t, 1, match.Len())
	count, err := root.Fuse(match, "", "")
	require.NoError(t, err)
	assert.Equal(t, 1, count)
	assert.Equal(t, []string{"act", "fc2", "FcGelu_0"}, model.Children())
	assert.Equal(t, []string{"fuse(FcGelu, 1)"}, root.Log())

	// The fused module took fc1 with it.
	_, err = sch.Get("fc1")
	require.ErrorIs(t, err, ErrPathNotFound)
	assert.Equal(t, "Linear", must.M1(sch.Get("FcGelu_0.fc1")).Kind())

	// "act" was inlined into the rewritten graph of the root: mutating it now would be lost.
	act := must.M1(sch.Get("act"))
	require.ErrorIs(t, act.Replace(nn.NewReLU()), ErrStaleGraph)
	require.ErrorIs(t, act.Checkpoint(), ErrStaleGraph)

	// fc2 is called, not inlined: it can still be changed.
	require.NoError(t, must.M1(sch.Get("fc2")).Decompose())

	m, _ := must.M2(Build(sch, false))
	got := must.M1(m.Forward(x))
	assert.True(t, tensors.AllClose(want, got, 1e-6, 1e-6), "max diff %g", tensors.MaxAbsDiff(want, got))

	// After Build, no more primitives.
	require.ErrorIs(t, must.M1(sch.Get("fc2")).Checkpoint(), ErrScheduleBuilt)
	require.ErrorIs(t, sch.BroadcastInputs(), ErrScheduleBuilt)
	_, _, err = Build(sch, false)
	require.True(t, errors.Is(err, ErrScheduleBuilt))
}

func TestFuseUnknownBackend(t *testing.T) {
	sch := must.M1(Create(nn.NewMLP(4, 8)))
	p := pattern.New("Gelu", 1, func(_ *graph.Scope, x ...*graph.Node) *graph.Node { return graph.Gelu(x[0]) })
	match := must.M1(sch.Root().Find(p))
	require.Equal(t, 1, match.Len())
	_, err := sch.Root().Fuse(match, "xla", "")
	require.ErrorIs(t, err, ErrUnknownTarget)
}
