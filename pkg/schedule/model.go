// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"slices"
	"sync"

	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/gomlx/sched/pkg/ml/nn"
	"github.com/gomlx/sched/pkg/schedule/checkpoint"
	"github.com/gomlx/sched/pkg/schedule/pipeline"
	"github.com/pkg/errors"
)

// Model is the executable result of Build.
//
// Forward can be called concurrently, as long as collectives of the process group are issued by one
// goroutine at a time (see distributed.LocalGroup).
type Model struct {
	id     string
	module nn.Module
	group  distributed.ProcessGroup
	graph  *graph.Graph

	pipeline *pipeline.Pipeline
	executor pipeline.Executor

	mu     sync.Mutex
	traces map[string]*graph.Graph
}

// ID is a unique identifier of the built model, used in logs.
func (m *Model) ID() string { return m.id }

// Module returns the root module, as rewritten by the schedule. It holds the (local shards of the) parameters.
func (m *Model) Module() nn.Module { return m.module }

// Graph of the root module that is executed.
func (m *Model) Graph() *graph.Graph { return m.graph }

// Pipeline returns the partition of the graph in stages, or nil if the model was not cut.
func (m *Model) Pipeline() *pipeline.Pipeline { return m.pipeline }

// Executor returns the lowered pipeline, or nil if the model was not cut.
func (m *Model) Executor() pipeline.Executor { return m.executor }

// Forward executes the model. Pipelined models run their stages in order.
func (m *Model) Forward(inputs ...*tensors.Tensor) (*tensors.Tensor, error) {
	rt := &modelRuntime{model: m}
	if m.executor != nil {
		return m.executor.Run(rt, inputs)
	}
	return m.graph.Run(rt, inputs...)
}

// RunStage executes only the stage i of a pipelined model, given the values of its inputs.
func (m *Model) RunStage(i int, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if m.pipeline == nil {
		return nil, errors.New("model is not pipelined")
	}
	if i < 0 || i >= m.pipeline.NumStages() {
		return nil, errors.Errorf("model has %d pipeline stages, stage #%d requested", m.pipeline.NumStages(), i)
	}
	return m.pipeline.RunStage(&modelRuntime{model: m}, m.pipeline.Stages[i], inputs)
}

// ForwardWithActivations executes the model (without pipelining) and returns the intermediate activations.
// Activations are keyed by checkpoint.Key(modulePath, nodeName). Those of checkpointed modules are not
// retained, they are recomputed from the module inputs by Store.Get.
func (m *Model) ForwardWithActivations(inputs ...*tensors.Tensor) (*tensors.Tensor, *checkpoint.Store, error) {
	store := checkpoint.NewStore()
	rt := &modelRuntime{model: m, store: store}
	out, err := m.graph.RunObserved(rt, rt.observer(), inputs...)
	if err != nil {
		return nil, nil, err
	}
	return out, store, nil
}

// trace returns the flattened graph of the sub-module at path, keeping leaves (see nn.IsLeaf) as calls.
func (m *Model) trace(path string, mod nn.Module, numInputs int) (*graph.Graph, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if g, found := m.traces[path]; found && len(g.Placeholders()) == numInputs {
		return g, nil
	}
	tracer := &graph.Tracer{
		Flatten:    true,
		InputNames: nn.InputNames(numInputs),
		Resolve: func(sub string) (graph.Callable, error) {
			return nn.Lookup(mod, sub)
		},
		IsLeaf: func(sub string) bool {
			subModule, err := nn.Lookup(mod, sub)
			return err == nil && nn.IsLeaf(subModule)
		},
	}
	g, err := tracer.Trace(path, mod)
	if err != nil {
		return nil, err
	}
	if m.traces == nil {
		m.traces = make(map[string]*graph.Graph)
	}
	m.traces[path] = g
	return g, nil
}

// modelRuntime implements graph.Runtime for the module at prefix of a built Model.
type modelRuntime struct {
	model  *Model
	prefix string

	// store records activations, if not nil.
	store *checkpoint.Store

	// recomputing is set while recomputing a checkpointed region: all activations are recorded.
	recomputing bool
}

var _ graph.Runtime = (*modelRuntime)(nil)

func (rt *modelRuntime) sub(target string) *modelRuntime {
	return &modelRuntime{model: rt.model, prefix: graph.JoinPath(rt.prefix, target), store: rt.store, recomputing: rt.recomputing}
}

// Param implements graph.Runtime.
func (rt *modelRuntime) Param(target string) (*tensors.Tensor, error) {
	path := graph.JoinPath(rt.prefix, target)
	p, err := nn.LookupParam(rt.model.module, path)
	if err != nil {
		return nil, err
	}
	if p.NeedsInit() {
		return nil, errors.Errorf("parameter %q is not initialized, call the WeightInitializer returned by Build", path)
	}
	return p.Value, nil
}

// Group implements graph.Runtime.
func (rt *modelRuntime) Group() distributed.ProcessGroup { return rt.model.group }

// CallModule implements graph.Runtime.
func (rt *modelRuntime) CallModule(target string, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	sub := rt.sub(target)
	mod, err := nn.Lookup(rt.model.module, sub.prefix)
	if err != nil {
		return nil, err
	}
	if rt.store == nil || rt.recomputing || !checkpoint.IsCheckpointed(mod) {
		return sub.execute(mod, inputs)
	}

	// Checkpointed region: only its inputs are retained.
	quiet := &modelRuntime{model: rt.model, prefix: sub.prefix}
	out, err := quiet.execute(mod, inputs)
	if err != nil {
		return nil, err
	}
	path := sub.prefix
	rt.store.RecordRegion(path, slices.Clone(inputs), func(inputs []*tensors.Tensor) (map[string]*tensors.Tensor, error) {
		recorded := checkpoint.NewStore()
		replay := &modelRuntime{model: rt.model, prefix: path, store: recorded, recomputing: true}
		if _, err := replay.execute(mod, inputs); err != nil {
			return nil, errors.WithMessagef(err, "recomputing checkpointed %q", path)
		}
		values := make(map[string]*tensors.Tensor)
		for _, key := range recorded.Keys() {
			values[key], _ = recorded.Get(key)
		}
		return values, nil
	})
	return out, nil
}

// execute the module at rt.prefix.
func (rt *modelRuntime) execute(mod nn.Module, inputs []*tensors.Tensor) (*tensors.Tensor, error) {
	if exec, ok := mod.(nn.Executable); ok {
		return exec.Execute(rt, inputs)
	}
	g, err := rt.model.trace(rt.prefix, mod, len(inputs))
	if err != nil {
		return nil, err
	}
	return g.RunObserved(rt, rt.observer(), inputs...)
}

func (rt *modelRuntime) observer() graph.Observer {
	if rt.store == nil {
		return nil
	}
	return func(n *graph.Node, value *tensors.Tensor) {
		rt.store.Record(checkpoint.Key(rt.prefix, n.Name()), value)
	}
}
