// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package pipeline

import (
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Executor runs a lowered pipeline in-process.
type Executor interface {
	Run(rt graph.Runtime, inputs []*tensors.Tensor) (*tensors.Tensor, error)
}

// Dialect lowers a Pipeline for a pipeline runtime.
type Dialect interface {
	Name() string
	Lower(p *Pipeline) (Executor, error)
}

// Local is the dialect that runs the stages sequentially, in-process, handing over only the boundary values.
type Local struct{}

// Name implements Dialect.
func (Local) Name() string { return "local" }

// Lower implements Dialect.
func (Local) Lower(p *Pipeline) (Executor, error) {
	if len(p.Stages) == 0 {
		return nil, errors.Errorf("pipeline of graph %q has no stages", p.Graph.Name())
	}
	return &Runner{Pipeline: p}, nil
}

// Runner executes the stages of a Pipeline in order.
type Runner struct {
	Pipeline *Pipeline
}

// Run implements Executor.
func (r *Runner) Run(rt graph.Runtime, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	values := inputs
	for _, s := range r.Pipeline.Stages {
		var err error
		values, err = r.Pipeline.RunStage(rt, s, values)
		if err != nil {
			return nil, err
		}
	}
	return values[0], nil
}

// Manifest is the dialect for external pipeline runtimes: stages run locally like Local, and the
// description of the stages is available as YAML.
type Manifest struct{}

// Name implements Dialect.
func (Manifest) Name() string { return "manifest" }

// Lower implements Dialect.
func (Manifest) Lower(p *Pipeline) (Executor, error) {
	local, err := Local{}.Lower(p)
	if err != nil {
		return nil, err
	}
	return &ManifestExecutor{Executor: local, Pipeline: p}, nil
}

// ManifestExecutor runs the pipeline locally, and describes it with Manifest.
type ManifestExecutor struct {
	Executor
	Pipeline *Pipeline
}

// StageManifest describes one stage.
type StageManifest struct {
	Index   int      `yaml:"index"`
	Modules []string `yaml:"modules,omitempty"`
	Nodes   []string `yaml:"nodes"`
	Inputs  []string `yaml:"inputs"`
	Outputs []string `yaml:"outputs"`
}

// PipelineManifest describes a partitioned graph.
type PipelineManifest struct {
	Graph     string          `yaml:"graph"`
	NumStages int             `yaml:"num_stages"`
	Stages    []StageManifest `yaml:"stages"`
}

// Describe returns the manifest of the pipeline.
func (e *ManifestExecutor) Describe() *PipelineManifest {
	p := e.Pipeline
	m := &PipelineManifest{Graph: p.Graph.Name(), NumStages: len(p.Stages)}
	for _, s := range p.Stages {
		sm := StageManifest{Index: s.Index, Nodes: names(s.Nodes), Inputs: names(s.Inputs), Outputs: names(s.Outputs)}
		seen := make(map[string]bool)
		for _, n := range s.Nodes {
			module := n.Module()
			if n.Type() == graph.NodeTypeCallModule {
				module = n.Target()
			}
			if module != "" && !seen[module] {
				seen[module] = true
				sm.Modules = append(sm.Modules, module)
			}
		}
		m.Stages = append(m.Stages, sm)
	}
	return m
}

// Manifest returns the YAML description of the pipeline.
func (e *ManifestExecutor) Manifest() ([]byte, error) {
	data, err := yaml.Marshal(e.Describe())
	if err != nil {
		return nil, errors.Wrapf(err, "encoding pipeline manifest of graph %q", e.Pipeline.Graph.Name())
	}
	return data, nil
}
