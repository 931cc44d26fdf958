// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package schedule applies structural rewrites to a model without editing its definition: parameter sharding
// for tensor parallelism, module replacement and decomposition, fusion of matched sub-graphs, activation
// checkpointing and pipeline stage partitioning.
//
// A Schedule mirrors the model's module tree: every module is a Node, addressed by its dotted path. Primitives
// are applied to nodes, and mutate the model in place. Build then materializes the deferred work (planning of
// the collective communication, pipeline partitioning) and returns an executable Model, plus the initializer
// of the parameters whose initialization was delayed.
//
// Example, a tensor parallel MLP run in 2 participants:
//
//	sch := must.M1(schedule.Create(model, schedule.WithGroup(group)))
//	must.M(must.M1(sch.Get("mlp.fc1")).Shard(distributed.ShardSpec{Axis: 0}))
//	must.M(must.M1(sch.Get("mlp.fc2")).Shard(distributed.ShardSpec{Axis: 1}))
//	m, initWeights := must.M2(schedule.Build(sch, false))
//	must.M1(initWeights())
//	y := must.M1(m.Forward(x))
//
// Schedules are not safe for concurrent use: each participant of a process group builds its own, applying
// the same primitives in the same order.
package schedule

import (
	"fmt"
	"strings"

	"github.com/dustin/go-humanize"
	"github.com/emirpasic/gods/maps/linkedhashmap"
	"github.com/gomlx/sched/internal/scoped"
	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/ml/nn"
	"github.com/gomlx/sched/pkg/schedule/checkpoint"
	"github.com/gomlx/sched/pkg/schedule/dialect"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Schedule of a model: the tree of Node's mirroring its modules, and the configuration of the build.
type Schedule struct {
	root   *Node
	nodes  map[string]*Node
	config *config
	params *scoped.Params

	cuts            []string
	broadcastInputs bool
	built           bool
}

// Create a Schedule over the model.
func Create(model nn.Module, options ...Option) (*Schedule, error) {
	if model == nil {
		return nil, errors.New("schedule.Create: nil model")
	}
	c := newConfig(options)
	if c.group != nil && c.group.WorldSize() != c.worldSize {
		return nil, errors.Errorf("schedule.Create: world size %d doesn't match the process group's world size %d",
			c.worldSize, c.group.WorldSize())
	}
	sch := &Schedule{nodes: make(map[string]*Node), config: c, params: scoped.New()}
	sch.root = sch.attach(nil, "", model)
	if klog.V(1).Enabled() {
		klog.Infof("schedule created for %s model: %d modules, world size %d", model.Kind(), len(sch.nodes), c.worldSize)
	}
	return sch, nil
}

// Root node of the schedule, with path "".
func (sch *Schedule) Root() *Node { return sch.root }

// Module returns the (possibly rewritten) root module.
func (sch *Schedule) Module() nn.Module { return sch.root.module }

// Get the node at the dotted path. The root has path "".
func (sch *Schedule) Get(path string) (*Node, error) {
	n, found := sch.nodes[path]
	if !found {
		return nil, errors.Wrapf(ErrPathNotFound, "%q", path)
	}
	return n, nil
}

// Group returns the process group configured, or nil.
func (sch *Schedule) Group() distributed.ProcessGroup { return sch.config.group }

// WorldSize the model runs on.
func (sch *Schedule) WorldSize() int { return sch.config.worldSize }

// Registry of dialects used by the schedule.
func (sch *Schedule) Registry() *dialect.Registry { return sch.config.registry }

// Built returns whether Build was called.
func (sch *Schedule) Built() bool { return sch.built }

// Walk calls fn for every node, depth-first in definition order. If fn returns false the sub-tree of the node
// is skipped.
func (sch *Schedule) Walk(fn func(n *Node) bool) {
	sch.root.Walk(fn)
}

// Trace the sub-tree at path, see Node.Trace.
func (sch *Schedule) Trace(path string, opts TraceOptions) (*graph.Graph, error) {
	n, err := sch.Get(path)
	if err != nil {
		return nil, err
	}
	return n.Trace(opts)
}

// BroadcastInputs makes the built model broadcast its inputs from the participant of rank 0, so all
// participants compute on the same data.
func (sch *Schedule) BroadcastInputs() error {
	if sch.built {
		return errors.Wrapf(ErrScheduleBuilt, "BroadcastInputs")
	}
	sch.broadcastInputs = true
	return nil
}

// Cuts returns the paths of the pipeline cuts, in the order they were made.
func (sch *Schedule) Cuts() []string { return append([]string(nil), sch.cuts...) }

// attach creates or updates the node for module m, child of parent, and its sub-tree.
func (sch *Schedule) attach(parent *Node, name string, m nn.Module) *Node {
	path := name
	if parent != nil {
		path = graph.JoinPath(parent.path, name)
	}
	n, found := sch.nodes[path]
	if !found {
		n = &Node{sch: sch, path: path, name: name, children: linkedhashmap.New(), stage: -1}
		sch.nodes[path] = n
	}
	n.parent = parent
	n.module = m
	n.sync()
	return n
}

// detach removes the node and its sub-tree from the arena.
func (sch *Schedule) detach(n *Node) {
	for _, child := range n.Children() {
		sch.detach(child)
	}
	delete(sch.nodes, n.path)
	n.parent = nil
}

// Summary returns a description of the tree: one line per module with its kind, parameters (as held locally),
// applied primitives and pipeline stage.
func (sch *Schedule) Summary() string {
	var sb strings.Builder
	totalCount, totalMemory := nn.CountParams(sch.root.module)
	fmt.Fprintf(&sb, "Schedule: %d modules, %s parameters (%s), world size %d\n",
		len(sch.nodes), humanize.Comma(int64(totalCount)), humanize.Bytes(uint64(totalMemory)), sch.config.worldSize)
	sch.Walk(func(n *Node) bool {
		depth := 0
		if n.path != "" {
			depth = strings.Count(n.path, ".") + 1
		}
		name := n.name
		if n.path == "" {
			name = "(root)"
		}
		fmt.Fprintf(&sb, "%s%s: %s", strings.Repeat("  ", depth), name, n.Kind())
		var count int
		var memory uintptr
		for _, paramName := range n.module.ParamNames() {
			p, _ := n.module.Param(paramName)
			if local := p.LocalShape(); local.Ok() {
				count += local.Size()
				memory += local.Memory()
			}
		}
		if count > 0 {
			fmt.Fprintf(&sb, ", %s params (%s)", humanize.Comma(int64(count)), humanize.Bytes(uint64(memory)))
		}
		if checkpoint.IsCheckpointed(n.module) {
			sb.WriteString(", checkpointed")
		}
		if n.stage >= 0 {
			fmt.Fprintf(&sb, ", stage %d", n.stage)
		}
		if len(n.log) > 0 {
			fmt.Fprintf(&sb, " %v", n.log)
		}
		sb.WriteString("\n")
		return true
	})
	return sb.String()
}
