// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"os"
	"path/filepath"
	"slices"
	"testing"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/gomlx/sched/pkg/ml/nn"
	"github.com/gomlx/sched/pkg/schedule/checkpoint"
	"github.com/gomlx/sched/pkg/schedule/pattern"
	"github.com/janpfeifer/must"
	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const encoderRecipe = `
steps:
  - op: shard
    path: layer
    match: '\d+\.mlp\.fc1'
    axis: 0
  - op: shard
    path: layer
    match: '\d+\.mlp\.fc2'
    axis: 1
    mode: row
  - op: checkpoint_children
    path: layer
    paths: [layer.1]
  - op: cut_pipeline_stage
    path: layer.1
  - op: set_param
    path: layer
    key: micro_batches
    value: 4
`

func TestRecipe(t *testing.T) {
	recipe := must.M1(ParseRecipe([]byte(encoderRecipe)))
	require.Len(t, recipe.Steps, 5)
	assert.Equal(t, "row", recipe.Steps[1].Mode)
	assert.Equal(t, []string{"layer.1"}, recipe.Steps[2].Paths)

	const worldSize = 2
	x := randomInput(19, 2, 8)
	want := must.M1(nn.Forward(nn.NewEncoder(2, 8, 16, nn.WithSeed(6)), x))

	err := distributed.RunLocal(worldSize, func(group *distributed.LocalGroup) error {
		// Recipe.
		viaRecipe := must.M1(Create(nn.NewEncoder(2, 8, 16, nn.WithSeed(6)), WithGroup(group)))
		if err := recipe.Apply(viaRecipe, nil); err != nil {
			return err
		}

		// Same primitives, called directly.
		direct := must.M1(Create(nn.NewEncoder(2, 8, 16, nn.WithSeed(6)), WithGroup(group)))
		for _, layer := range []string{"layer.0", "layer.1"} {
			must.M(must.M1(direct.Get(layer + ".mlp.fc1")).Shard(distributed.ShardSpec{Axis: 0}))
			must.M(must.M1(direct.Get(layer + ".mlp.fc2")).Shard(distributed.ShardSpec{Axis: 1, Mode: distributed.ModeRow}))
		}
		must.M1(must.M1(direct.Get("layer")).CheckpointChildren(checkpoint.Policy{Paths: []string{"layer.1"}}))
		must.M(must.M1(direct.Get("layer.1")).CutPipelineStage())

		var mismatch error
		viaRecipe.Walk(func(n *Node) bool {
			other, err := direct.Get(n.Path())
			if err != nil {
				mismatch = err
				return false
			}
			if !slices.Equal(n.Log(), other.Log()) {
				mismatch = errors.Errorf("%q: log %v, wanted %v", n.Path(), n.Log(), other.Log())
				return false
			}
			return true
		})
		if mismatch != nil {
			return mismatch
		}
		if microBatches := GetParamOr(must.M1(viaRecipe.Get("layer.0.mlp")), "micro_batches", 0); microBatches != 4 {
			return errors.Errorf("micro_batches=%d, wanted 4", microBatches)
		}

		for _, sch := range []*Schedule{viaRecipe, direct} {
			m, _, err := Build(sch, false)
			if err != nil {
				return err
			}
			if m.Pipeline().NumStages() != 2 {
				return errors.Errorf("%d pipeline stages, wanted 2", m.Pipeline().NumStages())
			}
			got, err := m.Forward(x)
			if err != nil {
				return err
			}
			if diff := tensors.MaxAbsDiff(want, got); diff > 1e-4 {
				return errors.Errorf("output differs by %g", diff)
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func TestRecipeFuseAndCast(t *testing.T) {
	recipe := must.M1(ParseRecipe([]byte(`
steps:
  - op: fuse
    path: ""
    pattern: fc_gelu
    name: FcGelu
    backend: interpreted
  - op: cast
    path: fc2
    dtype: BFloat16
`)))
	patterns := map[string]*pattern.Pattern{
		"fc_gelu": pattern.New("fc_gelu", 1, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
			return graph.Gelu(s.Call("fc1", x[0]))
		}),
	}
	model := nn.NewMLP(4, 8)
	sch := must.M1(Create(model))
	require.NoError(t, recipe.Apply(sch, patterns))
	assert.Equal(t, []string{"act", "fc2", "FcGelu_0"}, model.Children())
	assert.Equal(t, dtypes.BFloat16, must.M1(nn.LookupParam(model, "fc2.weight")).Value.DType())

	require.Error(t, recipe.Apply(must.M1(Create(nn.NewMLP(4, 8))), nil), "unknown pattern")
}

func TestRecipeErrors(t *testing.T) {
	_, err := ParseRecipe([]byte("steps:\n  - op: shard\n    axes: 1\n"))
	require.Error(t, err, "unknown fields are errors")
	_, err = ParseRecipe([]byte("steps:\n  - path: fc1\n"))
	require.Error(t, err, "op is required")
	_, err = ParseRecipe([]byte("steps: [\n"))
	require.Error(t, err)

	sch := must.M1(Create(nn.NewMLP(4, 8)))
	recipe := must.M1(ParseRecipe([]byte("steps:\n  - op: explode\n    path: fc1\n")))
	require.Error(t, recipe.Apply(sch, nil))
	recipe = must.M1(ParseRecipe([]byte("steps:\n  - op: checkpoint\n    path: fc3\n")))
	require.ErrorIs(t, recipe.Apply(sch, nil), ErrPathNotFound)

	_, err = ParseDType("float128")
	require.Error(t, err)
}

func TestLoadRecipe(t *testing.T) {
	path := filepath.Join(t.TempDir(), "recipe.yaml")
	require.NoError(t, os.WriteFile(path, []byte(encoderRecipe), 0o644))
	recipe := must.M1(LoadRecipe(path))
	assert.Len(t, recipe.Steps, 5)
	_, err := LoadRecipe(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
