// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"os"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/schedule/checkpoint"
	"github.com/gomlx/sched/pkg/schedule/pattern"
	"github.com/mitchellh/mapstructure"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
	"k8s.io/klog/v2"
)

// Recipe is a list of primitives to apply to a schedule, usually read from YAML:
//
//	steps:
//	  - op: shard
//	    path: mlp.fc1
//	    axis: 0
//	  - op: shard
//	    path: mlp.fc2
//	    axis: 1
//	  - op: checkpoint_children
//	    path: layer
//	    ratio: 0.5
//	  - op: cut_pipeline_stage
//	    path: layer.2
//
// Applying a recipe is equivalent to calling the primitives in order.
type Recipe struct {
	Steps []Step
}

// Step of a Recipe. Which fields are used depends on Op.
type Step struct {
	// Op is one of "shard", "decompose", "checkpoint", "checkpoint_children", "cut_pipeline_stage", "cast",
	// "fuse", "broadcast_inputs" and "set_param".
	Op string `mapstructure:"op"`

	// Path of the node the primitive is applied to.
	Path string `mapstructure:"path"`

	// Match, if set, applies the primitive to every node under Path whose relative path matches the
	// regular expression, instead of to Path itself.
	Match string `mapstructure:"match"`

	// Shard.
	Param string `mapstructure:"param"`
	Axis  int    `mapstructure:"axis"`
	Mode  string `mapstructure:"mode"`

	// Checkpoint children.
	Ratio float64  `mapstructure:"ratio"`
	Paths []string `mapstructure:"paths"`

	// Cast.
	DType string `mapstructure:"dtype"`

	// Fuse: Pattern names one of the patterns given to Apply.
	Pattern string `mapstructure:"pattern"`
	Backend string `mapstructure:"backend"`
	Name    string `mapstructure:"name"`

	// Set scheduling parameter.
	Key   string `mapstructure:"key"`
	Value any    `mapstructure:"value"`
}

// ParseRecipe parses a YAML recipe. Unknown step fields are errors.
func ParseRecipe(data []byte) (*Recipe, error) {
	var raw struct {
		Steps []map[string]any `yaml:"steps"`
	}
	if err := yaml.Unmarshal(data, &raw); err != nil {
		return nil, errors.Wrapf(err, "parsing recipe")
	}
	recipe := &Recipe{Steps: make([]Step, len(raw.Steps))}
	for i, fields := range raw.Steps {
		decoder, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
			ErrorUnused:      true,
			WeaklyTypedInput: true,
			Result:           &recipe.Steps[i],
		})
		if err != nil {
			return nil, errors.Wrapf(err, "parsing recipe")
		}
		if err := decoder.Decode(fields); err != nil {
			return nil, errors.Wrapf(err, "parsing recipe step #%d", i)
		}
		if recipe.Steps[i].Op == "" {
			return nil, errors.Errorf("parsing recipe step #%d: missing op", i)
		}
	}
	return recipe, nil
}

// LoadRecipe reads and parses a YAML recipe file.
func LoadRecipe(path string) (*Recipe, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, errors.Wrapf(err, "reading recipe")
	}
	recipe, err := ParseRecipe(data)
	if err != nil {
		return nil, errors.WithMessagef(err, "recipe %q", path)
	}
	return recipe, nil
}

// ParseDType converts a dtype name, like "float32" or "BFloat16", to a dtypes.DType.
func ParseDType(name string) (dtypes.DType, error) {
	if dtype, found := dtypes.MapOfNames[name]; found {
		return dtype, nil
	}
	dtype, err := dtypes.DTypeString(name)
	if err != nil {
		return dtypes.InvalidDType, errors.Wrapf(err, "unknown dtype %q", name)
	}
	return dtype, nil
}

// Apply the steps of the recipe to the schedule, in order. Fuse steps refer to patterns by name.
// It stops at the first failing step.
func (r *Recipe) Apply(sch *Schedule, patterns map[string]*pattern.Pattern) error {
	for i, step := range r.Steps {
		if err := step.apply(sch, patterns); err != nil {
			return errors.WithMessagef(err, "recipe step #%d (%s %q)", i, step.Op, step.Path)
		}
	}
	if klog.V(1).Enabled() {
		klog.Infof("recipe applied: %d steps", len(r.Steps))
	}
	return nil
}

func (step Step) targets(sch *Schedule) ([]*Node, error) {
	n, err := sch.Get(step.Path)
	if err != nil {
		return nil, err
	}
	if step.Match == "" {
		return []*Node{n}, nil
	}
	return n.FindModules(step.Match)
}

func (step Step) apply(sch *Schedule, patterns map[string]*pattern.Pattern) error {
	if step.Op == "broadcast_inputs" {
		return sch.BroadcastInputs()
	}
	nodes, err := step.targets(sch)
	if err != nil {
		return err
	}
	for _, n := range nodes {
		switch step.Op {
		case "shard":
			mode, err := distributed.ParseMode(step.Mode)
			if err != nil {
				return err
			}
			err = n.Shard(distributed.ShardSpec{Param: step.Param, Axis: step.Axis, Mode: mode})
			if err != nil {
				return err
			}
		case "decompose":
			err = n.Decompose()
		case "checkpoint":
			err = n.Checkpoint()
		case "checkpoint_children":
			_, err = n.CheckpointChildren(checkpoint.Policy{Ratio: step.Ratio, Paths: step.Paths})
		case "cut_pipeline_stage":
			err = n.CutPipelineStage()
		case "cast":
			var dtype dtypes.DType
			if dtype, err = ParseDType(step.DType); err == nil {
				err = n.Cast(dtype)
			}
		case "fuse":
			p, found := patterns[step.Pattern]
			if !found {
				return errors.Errorf("unknown pattern %q", step.Pattern)
			}
			var match *pattern.MatchResult
			if match, err = n.Find(p); err == nil {
				_, err = n.Fuse(match, step.Backend, step.Name)
			}
		case "set_param":
			n.SetParam(step.Key, step.Value)
		default:
			return errors.Errorf("unknown recipe op %q", step.Op)
		}
		if err != nil {
			return err
		}
	}
	return nil
}
