// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package checkpoint

import (
	"math"
	"slices"

	"github.com/pkg/errors"
)

// ErrInvalidPolicy is returned for a ratio outside of [0, 1], or explicit paths that are not candidates.
var ErrInvalidPolicy = errors.New("invalid checkpoint policy")

// Policy selects which of a list of candidate modules (usually the layers of a stack) are checkpointed.
//
// If Paths is set, exactly those are selected. Otherwise, Ratio selects n = round(Ratio*L) of the L candidates,
// evenly spaced: the ones at index floor(k*L/n), for k = 0..n-1. E.g.: ratio 0.5 over 4 layers selects
// layers 0 and 2; ratio 1 selects all of them.
type Policy struct {
	Ratio float64
	Paths []string
}

// Select returns the selected candidates, in candidate order.
func (p Policy) Select(candidates []string) ([]string, error) {
	if len(p.Paths) > 0 {
		for _, path := range p.Paths {
			if !slices.Contains(candidates, path) {
				return nil, errors.Wrapf(ErrInvalidPolicy, "%q is not one of the candidates %v", path, candidates)
			}
		}
		var selected []string
		for _, candidate := range candidates {
			if slices.Contains(p.Paths, candidate) {
				selected = append(selected, candidate)
			}
		}
		return selected, nil
	}
	indices, err := SelectIndices(p.Ratio, len(candidates))
	if err != nil {
		return nil, err
	}
	selected := make([]string, len(indices))
	for i, idx := range indices {
		selected[i] = candidates[idx]
	}
	return selected, nil
}

// SelectIndices returns the indices selected by ratio out of numLayers, see Policy.
func SelectIndices(ratio float64, numLayers int) ([]int, error) {
	if math.IsNaN(ratio) || ratio < 0 || ratio > 1 {
		return nil, errors.Wrapf(ErrInvalidPolicy, "ratio %g must be in [0, 1]", ratio)
	}
	n := int(math.Round(ratio * float64(numLayers)))
	indices := make([]int, 0, n)
	for k := range n {
		indices = append(indices, k*numLayers/n)
	}
	return indices, nil
}
