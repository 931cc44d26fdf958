// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"strings"
	"sync/atomic"

	"github.com/gomlx/sched/internal/workerspool"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/ml/nn"
	"github.com/gomlx/sched/pkg/schedule/dialect"
	"github.com/gomlx/sched/pkg/schedule/pipeline"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// WeightInitializer initializes the parameters whose initialization was delayed (see nn.Delayed), directly
// to their local shard, and returns how many were initialized. Parameters already initialized are left as is,
// so calling it again is a no-op.
type WeightInitializer func() (int, error)

// Build materializes the schedule into an executable Model:
//
//   - The root module is traced (flattened), unless it was traced before.
//   - If parameters are sharded (over more than one participant) the collectives are planned and inserted.
//   - Inputs are broadcast from rank 0, if BroadcastInputs was set.
//   - The graph is partitioned at the pipeline cuts, and lowered with the configured pipeline dialect.
//
// If initWeights is true, the returned WeightInitializer is called before returning. After Build, primitives
// return ErrScheduleBuilt.
func Build(sch *Schedule, initWeights bool) (*Model, WeightInitializer, error) {
	if sch.built {
		return nil, nil, errors.Wrapf(ErrScheduleBuilt, "Build")
	}
	root := sch.root
	g := root.graph
	if g == nil {
		var err error
		g, err = root.Trace(TraceOptions{Flatten: true})
		if err != nil {
			return nil, nil, errors.WithMessagef(err, "building schedule")
		}
	}

	var collectives int
	if sch.config.worldSize > 1 && hasShardedParams(root.module) {
		var err error
		collectives, err = sch.planCommunication(root, g)
		if err != nil {
			return nil, nil, err
		}
	}
	if sch.broadcastInputs && sch.config.worldSize > 1 {
		for _, placeholder := range g.Placeholders() {
			restore := g.InsertingAfter(placeholder)
			broadcast := graph.Broadcast(placeholder, 0)
			restore()
			g.ReplaceAllUsesWith(placeholder, broadcast)
		}
		g.MarkRewritten()
	}
	if g.Rewritten() {
		root.setForward(g)
		root.graph = g
	}

	model := &Model{
		id:     uuid.NewString(),
		module: root.module,
		group:  sch.config.group,
		graph:  g,
	}
	if len(sch.cuts) > 0 {
		if err := sch.buildPipeline(model); err != nil {
			return nil, nil, err
		}
	}
	sch.built = true

	initializer := newWeightInitializer(root.module, sch.config.seed)
	if initWeights {
		if _, err := initializer(); err != nil {
			return nil, nil, errors.WithMessagef(err, "building schedule")
		}
	}
	if klog.V(1).Enabled() {
		stages := 1
		if model.pipeline != nil {
			stages = model.pipeline.NumStages()
		}
		klog.Infof("schedule built: model %s, %d graph nodes, %d collectives inserted, %d pipeline stages",
			model.id, g.NumNodes(), collectives, stages)
	}
	return model, initializer, nil
}

// buildPipeline partitions the model graph at the cuts, lowers it and annotates the nodes with their stage.
func (sch *Schedule) buildPipeline(model *Model) error {
	cuts := make([]*graph.Node, len(sch.cuts))
	for i, path := range sch.cuts {
		if _, found := sch.nodes[path]; !found {
			return errors.Wrapf(ErrPathNotFound, "pipeline cut at %q", path)
		}
		n, err := pipeline.FindCut(model.graph, path)
		if err != nil {
			return err
		}
		cuts[i] = n
	}
	p, err := pipeline.Partition(model.graph, cuts)
	if err != nil {
		return err
	}
	d, err := dialect.Lookup[pipeline.Dialect](sch.config.registry, dialect.KindPipeline, sch.config.pipelineDialect)
	if err != nil {
		return err
	}
	executor, err := d.Lower(p)
	if err != nil {
		return errors.WithMessagef(err, "lowering pipeline with dialect %q", d.Name())
	}
	model.pipeline, model.executor = p, executor

	for _, stage := range p.Stages {
		for _, gn := range stage.Nodes {
			path := gn.Module()
			if gn.Type() == graph.NodeTypeCallModule {
				path = gn.Target()
			}
			sch.assignStage(path, stage.Index)
		}
	}
	return nil
}

// assignStage sets the stage of the node at path (or its closest existing ancestor) and of its ancestors,
// unless they already have one: a module spanning stages belongs to the first one.
func (sch *Schedule) assignStage(path string, stage int) {
	n, found := sch.nodes[path]
	for !found && path != "" {
		idx := strings.LastIndex(path, ".")
		if idx < 0 {
			path = ""
		} else {
			path = path[:idx]
		}
		n, found = sch.nodes[path]
	}
	for ; n != nil && n.parent != nil; n = n.parent {
		if n.stage < 0 {
			n.stage = stage
		}
	}
}

// newWeightInitializer returns a WeightInitializer that initializes the parameters concurrently, each one
// seeded by its path, as if the model had been constructed eagerly with the given seed.
func newWeightInitializer(root nn.Module, seed uint64) WeightInitializer {
	return func() (int, error) {
		var tasks []func() error
		var count atomic.Int32
		nn.WalkParams(root, func(path string, p *nn.Parameter) {
			if !p.NeedsInit() {
				return
			}
			tasks = append(tasks, func() error {
				if p.Init == nil {
					return errors.Errorf("parameter %q has no initializer", path)
				}
				value := p.Init(p.Shape, nn.PathSeed(seed, path))
				if p.Sharding != nil {
					var err error
					value, err = p.Sharding.LocalShard(value)
					if err != nil {
						return errors.WithMessagef(err, "initializing %q", path)
					}
				}
				p.Value = value
				count.Add(1)
				return nil
			})
		})
		err := workerspool.New().Run(tasks...)
		if klog.V(1).Enabled() {
			klog.Infof("%d delayed parameters initialized", count.Load())
		}
		return int(count.Load()), err
	}
}
