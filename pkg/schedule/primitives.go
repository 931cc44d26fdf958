// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"fmt"
	"regexp"
	"slices"

	"github.com/gomlx/gopjrt/dtypes"
	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/shapes"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/gomlx/sched/pkg/ml/nn"
	"github.com/gomlx/sched/pkg/schedule/checkpoint"
	"github.com/gomlx/sched/pkg/schedule/dialect"
	"github.com/gomlx/sched/pkg/schedule/fusion"
	"github.com/gomlx/sched/pkg/schedule/pattern"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// shardGroup returns the group to shard over. A group given in the spec must be the one the schedule's model
// runs its collectives on.
func (n *Node) shardGroup(spec distributed.ShardSpec) (distributed.ProcessGroup, error) {
	scheduleGroup := n.sch.config.group
	if spec.Group != nil {
		if spec.Group.WorldSize() <= 1 && n.sch.config.worldSize <= 1 {
			return spec.Group, nil
		}
		if scheduleGroup == nil {
			return nil, errors.Wrapf(ErrGroupNotConfigured,
				"sharding %q over %d participants, but the schedule was created without a process group (see WithGroup)",
				n.path, spec.Group.WorldSize())
		}
		if spec.Group.WorldSize() != n.sch.config.worldSize || spec.Group.Rank() != scheduleGroup.Rank() {
			return nil, errors.Errorf("sharding %q: group of rank %d/%d doesn't match the schedule's group, rank %d/%d",
				n.path, spec.Group.Rank(), spec.Group.WorldSize(), scheduleGroup.Rank(), n.sch.config.worldSize)
		}
		return spec.Group, nil
	}
	if scheduleGroup != nil {
		return scheduleGroup, nil
	}
	if n.sch.config.worldSize > 1 {
		spec.Path = n.path
		return nil, spec.Validate()
	}
	return distributed.NewLocalGroups(1)[0], nil
}

// Shard partitions one parameter of the module across the process group, see distributed.ShardSpec.
//
// For linear modules (nn.ParallelLinear) the mode is inferred from the axis when not given: the weight
// sharded on axis 0 runs ModeColumn, on axis 1 ModeRow. In ModeColumn the bias is sharded along with the weight.
// Initialized parameters are sliced to the local shard; delayed ones are sliced when initialized.
func (n *Node) Shard(spec distributed.ShardSpec) error {
	if err := n.mutable("shard", true); err != nil {
		return err
	}
	spec.Path = n.path
	m := core(n.module)
	p, found := m.Param(spec.ParamName())
	if !found {
		return errors.Wrapf(ErrParamNotFound, "sharding %q (%s): no parameter %q", n.path, m.Kind(), spec.ParamName())
	}
	if p.Sharding != nil {
		return errors.Errorf("sharding %q: parameter %q is already sharded with %s", n.path, spec.ParamName(), p.Sharding)
	}
	group, err := n.shardGroup(spec)
	if err != nil {
		return err
	}
	spec.Group = group
	axis, err := p.Shape.AdjustAxis(spec.Axis)
	if err != nil {
		return errors.WithMessagef(err, "sharding %s", spec)
	}
	spec.Axis = axis
	if _, err := distributed.ShardShape(p.Shape, axis, group.WorldSize()); err != nil {
		return errors.WithMessagef(err, "sharding %q", n.path)
	}

	specs := []distributed.ShardSpec{spec}
	if parallel, ok := m.(nn.ParallelLinear); ok && spec.ParamName() == distributed.DefaultParam {
		switch {
		case spec.Mode == distributed.ModeAuto && axis == 0:
			spec.Mode = distributed.ModeColumn
		case spec.Mode == distributed.ModeAuto && axis == 1:
			spec.Mode = distributed.ModeRow
		case spec.Mode == distributed.ModeColumn && axis != 0,
			spec.Mode == distributed.ModeRow && axis != 1:
			return errors.Errorf("sharding %q: mode %s requires the weight to be sharded on axis %d, got axis %d",
				n.path, spec.Mode, modeAxis(spec.Mode), axis)
		}
		specs[0] = spec
		if spec.Mode == distributed.ModeColumn {
			if bias, hasBias := m.Param("bias"); hasBias && bias.Sharding == nil {
				biasSpec := spec
				biasSpec.Param, biasSpec.Axis = "bias", 0
				if _, err := distributed.ShardShape(bias.Shape, 0, group.WorldSize()); err != nil {
					return errors.WithMessagef(err, "sharding bias of %q", n.path)
				}
				specs = append(specs, biasSpec)
			}
		}
		parallel.SetMode(spec.Mode)
	}

	for _, s := range specs {
		p, _ := m.Param(s.ParamName())
		if !p.NeedsInit() {
			local, err := s.LocalShard(p.Value)
			if err != nil {
				return err
			}
			p.Value = local
		}
		p.Sharding = &s
	}
	n.record(fmt.Sprintf("shard(%s, axis=%d, %s)", spec.ParamName(), spec.Axis, spec.Mode))
	n.invalidate()
	if klog.V(1).Enabled() {
		klog.Infof("sharded %s", spec)
	}
	return nil
}

// modeAxis is the axis of a linear weight, shaped [out, in], sharded by mode.
func modeAxis(mode distributed.Mode) int {
	if mode == distributed.ModeRow {
		return 1
	}
	return 0
}

// Replace the module with m. The node keeps its path, its sub-tree is recreated from m's children.
func (n *Node) Replace(m nn.Module) error {
	if m == nil {
		return errors.Errorf("replacing %q with a nil module", n.path)
	}
	if err := n.mutable("replace", false); err != nil {
		return err
	}
	n.invalidate()
	for _, child := range n.Children() {
		n.sch.detach(child)
	}
	n.children = nil
	n.graph = nil
	n.setModule(m)
	n.record("replace(" + m.Kind() + ")")
	return nil
}

// Decompose marks a leaf module to be inlined as its constituent operations when its parents are traced,
// so they can be matched by patterns. Decomposing twice is a no-op.
func (n *Node) Decompose() error {
	if err := n.mutable("decompose", false); err != nil {
		return err
	}
	d, ok := core(n.module).(nn.Decomposer)
	if !ok {
		return errors.Wrapf(ErrNotDecomposable, "%q (%s)", n.path, n.Kind())
	}
	if !d.Decompose() {
		return nil
	}
	n.invalidate()
	n.record("decompose")
	return nil
}

// Checkpoint the module: at execution its intermediate activations are not retained, only its inputs, and
// they are recomputed when requested. Its path and parameters are unchanged. Checkpointing twice is a no-op.
func (n *Node) Checkpoint() error {
	if n.IsCheckpointed() {
		return nil
	}
	if err := n.mutable("checkpoint", false); err != nil {
		return err
	}
	if n.parent == nil {
		return errors.New("the root module can't be checkpointed")
	}
	n.invalidate()
	n.setModule(checkpoint.Wrap(n.module))
	n.record("checkpoint")
	return nil
}

// CheckpointChildren checkpoints the children selected by the policy among the children of n, e.g. a fraction
// of the layers of a ModuleList.
func (n *Node) CheckpointChildren(policy checkpoint.Policy) ([]*Node, error) {
	children := n.Children()
	candidates := make([]string, len(children))
	for i, child := range children {
		candidates[i] = child.path
	}
	selected, err := policy.Select(candidates)
	if err != nil {
		return nil, errors.WithMessagef(err, "checkpointing children of %q", n.path)
	}
	nodes := make([]*Node, 0, len(selected))
	for _, path := range selected {
		child, err := n.sch.Get(path)
		if err != nil {
			return nil, err
		}
		if err := child.Checkpoint(); err != nil {
			return nil, err
		}
		nodes = append(nodes, child)
	}
	return nodes, nil
}

// CutPipelineStage ends a pipeline stage right before the module: the module starts a new stage.
// Stages are partitioned by Build, cuts must be made in execution order.
func (n *Node) CutPipelineStage() error {
	if err := n.mutable("cut_pipeline_stage", false); err != nil {
		return err
	}
	if n.parent == nil {
		return errors.New("can't cut the pipeline at the root module")
	}
	if slices.Contains(n.sch.cuts, n.path) {
		return nil
	}
	n.sch.cuts = append(n.sch.cuts, n.path)
	n.record("cut_pipeline_stage")
	return nil
}

// Cast converts the parameters of the sub-tree to dtype. Delayed parameters are cast when initialized.
func (n *Node) Cast(dtype dtypes.DType) error {
	if n.sch.built {
		return errors.Wrapf(ErrScheduleBuilt, "cast on %q", n.path)
	}
	if dtype == dtypes.InvalidDType {
		return errors.Errorf("cast of %q to an invalid dtype", n.path)
	}
	nn.WalkParams(n.module, func(_ string, p *nn.Parameter) {
		if p.Shape.DType == dtype {
			return
		}
		p.Shape = p.Shape.WithDType(dtype)
		if p.Value != nil {
			p.Value = p.Value.Cast(dtype)
		}
		if init := p.Init; init != nil {
			p.Init = func(shape shapes.Shape, seed uint64) *tensors.Tensor {
				return init(shape, seed).Cast(dtype)
			}
		}
	})
	n.record("cast(" + dtype.String() + ")")
	return nil
}

// Find the occurrences of p in the graph of the node. If the node was not traced, it is traced flattened,
// with the default leaves.
func (n *Node) Find(p *pattern.Pattern) (*pattern.MatchResult, error) {
	g := n.graph
	if g == nil {
		var err error
		g, err = n.Trace(TraceOptions{Flatten: true})
		if err != nil {
			return nil, err
		}
	}
	return pattern.Find(g, p)
}

// FindModules returns the nodes of the sub-tree of n (excluding n) whose path relative to n fully matches
// the regular expression.
func (n *Node) FindModules(expr string) ([]*Node, error) {
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		return nil, errors.Wrapf(err, "FindModules(%q)", expr)
	}
	var found []*Node
	n.Walk(func(sub *Node) bool {
		if sub != n && re.MatchString(sub.relativeTo(n)) {
			found = append(found, sub)
		}
		return true
	})
	return found, nil
}

// Fuse replaces each group of the match by a call to a fused module, named "<name>_<i>", added as a child of n.
// The match must come from the current graph of n (see Find). The backend names a fusion compiler registered
// in the schedule's registry, if empty the configured default is used.
//
// It returns the number of groups fused.
func (n *Node) Fuse(match *pattern.MatchResult, backend, name string) (int, error) {
	if err := n.mutable("fuse", false); err != nil {
		return 0, err
	}
	if match == nil || n.graph == nil || match.Path != n.path {
		return 0, errors.Wrapf(ErrInvalidMatch, "fusing in %q", n.path)
	}
	for _, group := range match.Groups {
		for _, gn := range group {
			if gn.Graph() != n.graph || n.graph.Position(gn) < 0 {
				return 0, errors.Wrapf(ErrInvalidMatch, "fusing in %q: node %q not in the current graph", n.path, gn.Name())
			}
		}
	}
	if name == "" {
		name = match.Pattern
	}
	if backend == "" {
		backend = n.sch.config.fusionBackend
	}
	compiler, err := dialect.Lookup[fusion.Compiler](n.sch.config.registry, dialect.KindFusionCompiler, backend)
	if err != nil {
		return 0, err
	}
	names, err := fusion.Fuse(n.module, n.graph, match.Groups, name, compiler)
	if len(names) > 0 {
		// Partial fusions are kept: the graph was already rewritten.
		n.graph.MarkRewritten()
		g := n.graph
		n.setForward(g)
		n.graph = g
		for a := n.parent; a != nil; a = a.parent {
			if n.referencedBy(a, a.graph) {
				a.graph = nil
			}
		}
		n.record(fmt.Sprintf("fuse(%s, %d)", name, len(names)))
	}
	return len(names), err
}

// ParamPath returns the path of a parameter of the module, as used in sharding and initialization.
func (n *Node) ParamPath(name string) string {
	return graph.JoinPath(n.path, name)
}
