// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pipeline partitions a traced graph into pipeline stages: contiguous slices of its topological
// order, with explicit boundary values computed by liveness analysis. Dialects lower the partitioned
// graph to what a pipeline runtime consumes.
package pipeline

import (
	"fmt"
	"slices"
	"strings"

	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

var (
	// ErrInvalidCutOrder is returned when the cuts are not strictly increasing in topological order.
	ErrInvalidCutOrder = errors.New("pipeline cuts are not in increasing topological order")

	// ErrCutNotFound is returned when no node of the graph belongs to the module of a cut.
	ErrCutNotFound = errors.New("pipeline cut not found in graph")
)

// StageMetaKey is the node metadata key (see graph.Node.Meta) holding the index of the stage of a node.
const StageMetaKey = "pipeline_stage"

// Stage is a contiguous slice of the graph.
type Stage struct {
	Index int

	// Nodes of the stage, in topological order. Placeholders and the graph output are not part of any stage.
	Nodes []*graph.Node

	// Inputs are the values the stage receives: all values defined before the stage and used by it or by any
	// later stage, which are then passed through. For the first stage they are the graph inputs.
	Inputs []*graph.Node

	// Outputs are the values handed to the next stage: its Inputs. For the last stage it's the graph result.
	Outputs []*graph.Node
}

// String implements fmt.Stringer.
func (s *Stage) String() string {
	return fmt.Sprintf("stage #%d: %d nodes, inputs %v, outputs %v", s.Index, len(s.Nodes), names(s.Inputs), names(s.Outputs))
}

func names(nodes []*graph.Node) []string {
	result := make([]string, len(nodes))
	for i, n := range nodes {
		result[i] = n.Name()
	}
	return result
}

// Pipeline is a graph partitioned in stages.
type Pipeline struct {
	Graph  *graph.Graph
	Stages []*Stage
}

// NumStages returns the number of stages.
func (p *Pipeline) NumStages() int { return len(p.Stages) }

// FindCut returns the first node, in topological order, that belongs to the module at path (relative to the
// graph owner): created by its forward pass (or one of its sub-modules), or calling it.
func FindCut(g *graph.Graph, path string) (*graph.Node, error) {
	within := func(p string) bool { return p == path || strings.HasPrefix(p, path+".") }
	for _, n := range g.Nodes() {
		switch n.Type() {
		case graph.NodeTypePlaceholder, graph.NodeTypeOutput:
			continue
		case graph.NodeTypeCallModule:
			if within(n.Target()) {
				return n, nil
			}
		default:
		}
		if within(n.Module()) {
			return n, nil
		}
	}
	return nil, errors.Wrapf(ErrCutNotFound, "no node of module %q in graph %q", path, g.Name())
}

// Partition g in len(cuts)+1 stages: each cut is the first node of a new stage.
// Nodes are annotated with their stage index (see StageMetaKey).
func Partition(g *graph.Graph, cuts []*graph.Node) (*Pipeline, error) {
	nodes := g.Nodes()
	positions := make([]int, len(cuts))
	for i, cut := range cuts {
		positions[i] = g.Position(cut)
		if positions[i] < 0 {
			return nil, errors.Wrapf(ErrCutNotFound, "node %q is not in graph %q", cut.Name(), g.Name())
		}
		if t := cut.Type(); t == graph.NodeTypePlaceholder || t == graph.NodeTypeOutput {
			return nil, errors.Errorf("cannot cut pipeline at %s node %q", t, cut.Name())
		}
		if i > 0 && positions[i] <= positions[i-1] {
			return nil, errors.Wrapf(ErrInvalidCutOrder, "cut #%d (%q) is not after cut #%d (%q)",
				i, cut.Name(), i-1, cuts[i-1].Name())
		}
	}

	p := &Pipeline{Graph: g, Stages: make([]*Stage, len(cuts)+1)}
	stageOf := make(map[*graph.Node]int, len(nodes))
	for i := range p.Stages {
		p.Stages[i] = &Stage{Index: i}
	}
	current := 0
	for pos, n := range nodes {
		for current < len(positions) && pos >= positions[current] {
			current++
		}
		switch n.Type() {
		case graph.NodeTypePlaceholder:
			stageOf[n] = -1
			continue
		case graph.NodeTypeOutput:
			continue
		default:
		}
		stageOf[n] = current
		n.SetMeta(StageMetaKey, current)
		p.Stages[current].Nodes = append(p.Stages[current].Nodes, n)
	}
	for _, s := range p.Stages {
		if len(s.Nodes) == 0 {
			klog.Warningf("pipeline: stage #%d of graph %q is empty", s.Index, g.Name())
		}
	}

	// lastUse of each value: the last stage using it. The graph result is used "after" the last stage.
	lastUse := make(map[*graph.Node]int, len(nodes))
	for _, n := range nodes {
		userStage := len(p.Stages)
		if n.Type() != graph.NodeTypeOutput {
			userStage = stageOf[n]
		}
		for _, input := range n.Inputs() {
			lastUse[input] = max(lastUse[input], userStage)
		}
	}

	placeholders := g.Placeholders()
	p.Stages[0].Inputs = placeholders
	for _, ph := range placeholders {
		if _, used := lastUse[ph]; !used {
			klog.Warningf("pipeline: input %q of graph %q is not used by any stage", ph.Name(), g.Name())
		}
	}
	for i := 1; i < len(p.Stages); i++ {
		var live []*graph.Node
		for _, n := range nodes {
			if defined, ok := stageOf[n]; ok && defined < i && lastUse[n] >= i {
				live = append(live, n)
			}
		}
		p.Stages[i].Inputs = live
		p.Stages[i-1].Outputs = live
	}
	p.Stages[len(p.Stages)-1].Outputs = []*graph.Node{g.Result()}

	if klog.V(1).Enabled() {
		for _, s := range p.Stages {
			klog.Infof("pipeline %q: %s", g.Name(), s)
		}
	}
	return p, nil
}

// RunStage executes stage s given the values of its inputs, and returns the values of its outputs.
// Only the given inputs are visible to the stage.
func (p *Pipeline) RunStage(rt graph.Runtime, s *Stage, inputs []*tensors.Tensor) ([]*tensors.Tensor, error) {
	if len(inputs) != len(s.Inputs) {
		return nil, errors.Errorf("pipeline stage #%d takes %d inputs, %d given", s.Index, len(s.Inputs), len(inputs))
	}
	env := make(map[*graph.Node]*tensors.Tensor, len(s.Inputs)+len(s.Nodes))
	for i, n := range s.Inputs {
		env[n] = inputs[i]
	}
	if err := graph.Evaluate(rt, slices.Clone(s.Nodes), env, nil); err != nil {
		return nil, errors.WithMessagef(err, "pipeline stage #%d", s.Index)
	}
	outputs := make([]*tensors.Tensor, len(s.Outputs))
	for i, n := range s.Outputs {
		value, found := env[n]
		if !found {
			return nil, errors.Errorf("pipeline stage #%d: output %q was not computed", s.Index, n.Name())
		}
		outputs[i] = value
	}
	return outputs, nil
}
