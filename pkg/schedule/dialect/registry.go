// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package dialect holds the Registry of pluggable backends ("dialects"), by kind: pipeline dialects
// (see pipeline.Dialect), training log parsers (see LogParser) and fusion compilers (see fusion.Compiler).
//
// There is no global registry: Builtin creates one with the built-in dialects, that the caller creates once
// and passes to the schedules that use it.
package dialect

import (
	"slices"
	"sync"

	"github.com/gomlx/sched/pkg/schedule/fusion"
	"github.com/gomlx/sched/pkg/schedule/pipeline"
	"github.com/pkg/errors"
	"golang.org/x/exp/maps"
)

// Kind of dialect.
type Kind string

const (
	KindPipeline       Kind = "pipeline"
	KindLogParser      Kind = "log_parser"
	KindFusionCompiler Kind = "fusion_compiler"
)

// Kinds lists the supported kinds of dialects.
var Kinds = []Kind{KindPipeline, KindLogParser, KindFusionCompiler}

var (
	// ErrDuplicateTarget is returned when registering a target twice for the same kind.
	ErrDuplicateTarget = errors.New("dialect target already registered")

	// ErrUnknownTarget is returned when looking up a target that was not registered.
	ErrUnknownTarget = errors.New("dialect target not registered")

	// ErrUnknownKind is returned for kinds not in Kinds.
	ErrUnknownKind = errors.New("unknown dialect kind")
)

// Registry of dialects. It is safe for concurrent use.
type Registry struct {
	mu      sync.RWMutex
	targets map[Kind]map[string]any
}

// NewRegistry creates an empty Registry.
func NewRegistry() *Registry {
	r := &Registry{targets: make(map[Kind]map[string]any, len(Kinds))}
	for _, kind := range Kinds {
		r.targets[kind] = make(map[string]any)
	}
	return r
}

// Builtin creates a Registry with the built-in dialects:
//
//   - pipeline: "local" and "manifest".
//   - log_parser: "megatron".
//   - fusion_compiler: "interpreted" and "closure".
func Builtin() *Registry {
	r := NewRegistry()
	for _, d := range []pipeline.Dialect{pipeline.Local{}, pipeline.Manifest{}} {
		mustRegister(r, KindPipeline, d.Name(), d)
	}
	mustRegister(r, KindLogParser, "megatron", MegatronLogParser{})
	for _, c := range []fusion.Compiler{fusion.Interpreted{}, fusion.Closure{}} {
		mustRegister(r, KindFusionCompiler, c.Name(), c)
	}
	return r
}

func mustRegister(r *Registry, kind Kind, target string, backend any) {
	if err := r.Register(kind, target, backend); err != nil {
		panic(err)
	}
}

func (r *Registry) kindTargets(kind Kind) (map[string]any, error) {
	targets, found := r.targets[kind]
	if !found {
		return nil, errors.Wrapf(ErrUnknownKind, "%q, valid kinds are %v", kind, Kinds)
	}
	return targets, nil
}

// Register backend as target for the kind.
func (r *Registry) Register(kind Kind, target string, backend any) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	targets, err := r.kindTargets(kind)
	if err != nil {
		return err
	}
	if _, found := targets[target]; found {
		return errors.Wrapf(ErrDuplicateTarget, "target %q for %s dialects", target, kind)
	}
	targets[target] = backend
	return nil
}

// Get the backend registered as target for the kind.
func (r *Registry) Get(kind Kind, target string) (any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets, err := r.kindTargets(kind)
	if err != nil {
		return nil, err
	}
	backend, found := targets[target]
	if !found {
		known := maps.Keys(targets)
		slices.Sort(known)
		return nil, errors.Wrapf(ErrUnknownTarget, "target %q for %s dialects (registered: %v)", target, kind, known)
	}
	return backend, nil
}

// List returns a copy of the backends registered for the kind, by target.
func (r *Registry) List(kind Kind) (map[string]any, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	targets, err := r.kindTargets(kind)
	if err != nil {
		return nil, err
	}
	return maps.Clone(targets), nil
}

// Targets returns the sorted names of the targets registered for the kind.
func (r *Registry) Targets(kind Kind) []string {
	listed, err := r.List(kind)
	if err != nil {
		return nil
	}
	names := maps.Keys(listed)
	slices.Sort(names)
	return names
}

// Lookup is Registry.Get, with the backend converted to T.
func Lookup[T any](r *Registry, kind Kind, target string) (T, error) {
	var zero T
	backend, err := r.Get(kind, target)
	if err != nil {
		return zero, err
	}
	typed, ok := backend.(T)
	if !ok {
		return zero, errors.Errorf("%s dialect %q is a %T, not a %T", kind, target, backend, zero)
	}
	return typed, nil
}
