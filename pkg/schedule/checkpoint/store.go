// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"slices"
	"strings"

	"github.com/gomlx/sched/pkg/core/tensors"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Key of an activation: the path of the module whose graph produced it, and the name of the node.
func Key(modulePath, nodeName string) string {
	return modulePath + ":" + nodeName
}

// Recompute re-executes a checkpointed region from its retained inputs, and returns all of its activations
// by Key.
type Recompute func(inputs []*tensors.Tensor) (map[string]*tensors.Tensor, error)

type region struct {
	inputs    []*tensors.Tensor
	recompute Recompute
}

// Store keeps the activations of a forward pass. Activations of checkpointed regions are not kept: only the
// region inputs are, and the activations are recomputed when requested.
//
// It is not safe for concurrent use.
type Store struct {
	values  map[string]*tensors.Tensor
	regions map[string]*region
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{values: make(map[string]*tensors.Tensor), regions: make(map[string]*region)}
}

// Record keeps an activation.
func (s *Store) Record(key string, value *tensors.Tensor) {
	s.values[key] = value
}

// RecordRegion registers a checkpointed region at modulePath: its inputs are retained, and activations of
// modulePath and of its sub-modules are recomputed on demand.
func (s *Store) RecordRegion(modulePath string, inputs []*tensors.Tensor, recompute Recompute) {
	s.regions[modulePath] = &region{inputs: inputs, recompute: recompute}
}

// Retained returns the number of tensors kept: activations plus the inputs of checkpointed regions.
func (s *Store) Retained() int {
	count := len(s.values)
	for _, r := range s.regions {
		count += len(r.inputs)
	}
	return count
}

// Keys returns the keys of the retained activations, sorted.
func (s *Store) Keys() []string {
	keys := maps.Keys(s.values)
	slices.Sort(keys)
	return keys
}

// Regions returns the paths of the checkpointed regions, sorted.
func (s *Store) Regions() []string {
	paths := maps.Keys(s.regions)
	slices.Sort(paths)
	return paths
}

// owner returns the checkpointed region that owns the key, preferring the outermost.
func (s *Store) owner(key string) (string, *region) {
	modulePath, _, _ := strings.Cut(key, ":")
	bestPath, best := "", (*region)(nil)
	for path, r := range s.regions {
		inside := modulePath == path || path == "" || strings.HasPrefix(modulePath, path+".")
		if inside && (best == nil || len(path) < len(bestPath)) {
			bestPath, best = path, r
		}
	}
	return bestPath, best
}

// Get returns the activation for key, recomputing it if it belongs to a checkpointed region.
func (s *Store) Get(key string) (*tensors.Tensor, error) {
	if value, found := s.values[key]; found {
		return value, nil
	}
	path, r := s.owner(key)
	if r == nil {
		return nil, errors.Errorf("activation %q not found", key)
	}
	values, err := r.recompute(r.inputs)
	if err != nil {
		return nil, errors.WithMessagef(err, "recomputing checkpointed region %q", path)
	}
	value, found := values[key]
	if !found {
		return nil, errors.Errorf("activation %q not produced by checkpointed region %q", key, path)
	}
	return value, nil
}
