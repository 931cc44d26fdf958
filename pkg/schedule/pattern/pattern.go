// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package pattern finds occurrences of a small computation (a Pattern) in a traced graph.
//
// A Pattern is written like a module's forward pass, over symbolic nodes: its inputs are wildcards that match
// any value, and sub-module calls (Scope.Call) take regular expressions matched against the full call target.
// For instance, a linear layer followed by ReLU and an increment:
//
//	p := pattern.New("fc_relu_inc", 1, func(s *graph.Scope, x ...*graph.Node) *graph.Node {
//		return graph.AddScalar(graph.Relu(s.Call(`fc\d*`, x[0])), 1)
//	})
package pattern

import (
	"regexp"
	"strconv"

	"github.com/gomlx/sched/pkg/core/graph"
	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
	"k8s.io/klog/v2"
)

// ErrInvalidPattern is returned when a pattern cannot be traced, or has no operation to anchor the search.
var ErrInvalidPattern = errors.New("invalid pattern")

// Pattern to be searched in a graph. It is stateless, and can be reused.
type Pattern struct {
	Name      string
	NumInputs int
	Fn        graph.CallableFunc
}

// New creates a Pattern with numInputs wildcard inputs.
func New(name string, numInputs int, fn func(s *graph.Scope, inputs ...*graph.Node) *graph.Node) *Pattern {
	return &Pattern{Name: name, NumInputs: numInputs, Fn: fn}
}

// Graph traces the pattern.
func (p *Pattern) Graph() (*graph.Graph, error) {
	names := make([]string, max(p.NumInputs, 1))
	for i := range names {
		names[i] = "p" + strconv.Itoa(i)
	}
	tracer := &graph.Tracer{InputNames: names}
	g, err := tracer.Trace(p.Name, p.Fn)
	if err != nil {
		return nil, errors.Wrapf(ErrInvalidPattern, "%v", err)
	}
	if result := g.Result(); result.Type() == graph.NodeTypePlaceholder {
		return nil, errors.Wrapf(ErrInvalidPattern, "pattern %q has no operation, it returns one of its inputs", p.Name)
	}
	return g, nil
}

// MatchResult holds the occurrences of a pattern found in the graph of the module at Path.
type MatchResult struct {
	Path    string
	Pattern string

	// Groups of matched nodes: each one in topological order, ending with the node matched by the pattern output.
	// Groups don't overlap, and are ordered by the position of their last node.
	Groups [][]*graph.Node
}

// Len returns the number of groups found.
func (r *MatchResult) Len() int {
	if r == nil {
		return 0
	}
	return len(r.Groups)
}

// Find all non-overlapping occurrences of p in g. Finding none is not an error.
//
// The search is anchored at the pattern output: every node of g, in topological order, is tried as the anchor
// and the match is extended backwards through the inputs. Operands of commutative ops are also tried swapped.
// A candidate is rejected if a matched node, other than the anchor, is used outside the match, since then
// the group could not be replaced by a single call. The first (greedy) match wins, so results are deterministic.
func Find(g *graph.Graph, p *Pattern) (*MatchResult, error) {
	pg, err := p.Graph()
	if err != nil {
		return nil, err
	}
	m := &matcher{g: g, regexps: make(map[string]*regexp.Regexp), claimed: make(map[*graph.Node]bool)}
	if err := m.compileTargets(pg); err != nil {
		return nil, err
	}
	result := &MatchResult{Path: g.Name(), Pattern: p.Name}
	anchor := pg.Result()
	for _, candidate := range g.Nodes() {
		if m.claimed[candidate] || candidate.Type() != anchor.Type() {
			continue
		}
		st := newState()
		if !m.match(anchor, candidate, st) {
			continue
		}
		group := st.group(g)
		if !m.selfContained(group, candidate) {
			continue
		}
		for _, n := range group {
			m.claimed[n] = true
		}
		result.Groups = append(result.Groups, group)
	}
	if klog.V(1).Enabled() {
		klog.Infof("pattern %q: %d matches in graph %q", p.Name, result.Len(), g.Name())
	}
	return result, nil
}

type matcher struct {
	g       *graph.Graph
	regexps map[string]*regexp.Regexp
	claimed map[*graph.Node]bool
}

func (m *matcher) compileTargets(pg *graph.Graph) error {
	for _, pn := range pg.Nodes() {
		if pn.Type() != graph.NodeTypeCallModule && pn.Type() != graph.NodeTypeGetParam {
			continue
		}
		if _, found := m.regexps[pn.Target()]; found {
			continue
		}
		re, err := regexp.Compile("^(?:" + pn.Target() + ")$")
		if err != nil {
			return errors.Wrapf(ErrInvalidPattern, "target %q of pattern %q: %v", pn.Target(), pg.Name(), err)
		}
		m.regexps[pn.Target()] = re
	}
	return nil
}

// state of one match attempt: bindings of pattern nodes to graph nodes.
type state struct {
	bound map[*graph.Node]*graph.Node
	used  map[*graph.Node]*graph.Node
}

func newState() *state {
	return &state{bound: make(map[*graph.Node]*graph.Node), used: make(map[*graph.Node]*graph.Node)}
}

func (st *state) clone() *state {
	return &state{bound: maps.Clone(st.bound), used: maps.Clone(st.used)}
}

// group returns the matched graph nodes (excluding those bound to pattern inputs), in topological order.
func (st *state) group(g *graph.Graph) []*graph.Node {
	var group []*graph.Node
	for _, n := range g.Nodes() {
		if pn, found := st.used[n]; found && pn.Type() != graph.NodeTypePlaceholder {
			group = append(group, n)
		}
	}
	return group
}

func (m *matcher) match(pn, gn *graph.Node, st *state) bool {
	if pn.Type() == graph.NodeTypePlaceholder {
		if previous, found := st.bound[pn]; found {
			return previous == gn
		}
		st.bound[pn] = gn
		if _, found := st.used[gn]; !found {
			st.used[gn] = pn
		}
		return true
	}
	if previous, found := st.bound[pn]; found {
		return previous == gn
	}
	if _, found := st.used[gn]; found || m.claimed[gn] {
		return false
	}
	if !m.sameNode(pn, gn) {
		return false
	}
	st.bound[pn] = gn
	st.used[gn] = pn

	pInputs, gInputs := pn.Inputs(), gn.Inputs()
	trial := st.clone()
	if m.matchInputs(pInputs, gInputs, trial) {
		*st = *trial
		return true
	}
	if pn.Op().IsCommutative() && len(gInputs) == 2 {
		trial = st.clone()
		swapped := []*graph.Node{gInputs[1], gInputs[0]}
		if m.matchInputs(pInputs, swapped, trial) {
			*st = *trial
			return true
		}
	}
	return false
}

func (m *matcher) matchInputs(pInputs, gInputs []*graph.Node, st *state) bool {
	for i := range pInputs {
		if !m.match(pInputs[i], gInputs[i], st) {
			return false
		}
	}
	return true
}

// sameNode compares the node itself, not its inputs.
func (m *matcher) sameNode(pn, gn *graph.Node) bool {
	if pn.Type() != gn.Type() || len(pn.Inputs()) != len(gn.Inputs()) {
		return false
	}
	switch pn.Type() {
	case graph.NodeTypeCallFunction:
		return pn.SameOp(gn)
	case graph.NodeTypeCallModule, graph.NodeTypeGetParam:
		return m.regexps[pn.Target()].MatchString(gn.Target())
	case graph.NodeTypeConstant:
		pc, gc := pn.Constant(), gn.Constant()
		return pc.Shape().Equal(gc.Shape()) && tensors.AllClose(pc, gc, 0, 0)
	default:
		return false
	}
}

// selfContained checks that only the anchor of the group is used outside of it.
func (m *matcher) selfContained(group []*graph.Node, anchor *graph.Node) bool {
	inGroup := make(map[*graph.Node]bool, len(group))
	for _, n := range group {
		inGroup[n] = true
	}
	for _, n := range group {
		if n == anchor {
			continue
		}
		for _, u := range m.g.Users(n) {
			if !inGroup[u] {
				return false
			}
		}
	}
	return true
}
