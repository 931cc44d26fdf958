// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package scoped provides a mapping from a string to any data type that is "scoped" by a dotted module path.
package scoped

import (
	"slices"
	"strings"

	"golang.org/x/exp/maps"
)

// Separator of the parts of a scope, the same used in module paths.
const Separator = "."

// Params provides a mapping from string to any data type that is "scoped":
//
//   - For every scope there is a map of string to data.
//   - Accessing a key triggers a search from the current scope up to the root scope, the
//     first result found is returned.
//
// Example: let's say the current Params hold:
//
//	Scope: "": { "x":10, "y": 20, "z": 40 }
//	Scope: "a": { "y": 30 }
//	Scope: "a.b": { "x": 100 }
//
//	Params.Get("a.b", "x") -> 100
//	Params.Get("a.b", "y") -> 30
//	Params.Get("a.b", "z") -> 40
//	Params.Get("a.b", "w") -> Not found.
//
// The root scope is the empty string, which is also the path of the root module of a schedule.
//
// The schedule uses Params to store per-subtree scheduling parameters (see schedule.Node.SetParam).
type Params struct {
	scopeToMap map[string]map[string]any
}

// New creates an empty Params.
func New() *Params {
	return &Params{scopeToMap: make(map[string]map[string]any)}
}

// Clone returns a deep copy of the Params.
func (p *Params) Clone() *Params {
	newParams := New()
	for scope, dataMap := range p.scopeToMap {
		newParams.scopeToMap[scope] = maps.Clone(dataMap)
	}
	return newParams
}

// Set sets the value for the given key, in the given scope.
func (p *Params) Set(scope, key string, value any) {
	dataMap, found := p.scopeToMap[scope]
	if !found {
		dataMap = make(map[string]any)
		p.scopeToMap[scope] = dataMap
	}
	dataMap[key] = value
}

// Delete removes the key from the given scope only. Values set in parent scopes become visible again.
func (p *Params) Delete(scope, key string) {
	delete(p.scopeToMap[scope], key)
}

// Parent returns the parent scope of scope, and false if scope is the root.
func Parent(scope string) (string, bool) {
	if scope == "" {
		return "", false
	}
	if idx := strings.LastIndex(scope, Separator); idx >= 0 {
		return scope[:idx], true
	}
	return "", true
}

// Get retrieves the value for the given key in the given scope or any parent scope.
// E.g: Get("a.b", "myKey") will search for "myKey" in scopes "a.b", "a" and ""
// consecutively until "myKey" is found.
//
// It returns the first value found if any, and whether some value was found.
func (p *Params) Get(scope, key string) (value any, found bool) {
	for {
		if dataMap, ok := p.scopeToMap[scope]; ok {
			if value, found = dataMap[key]; found {
				return
			}
		}
		var hasParent bool
		scope, hasParent = Parent(scope)
		if !hasParent {
			return nil, false
		}
	}
}

// GetAs is like Params.Get, but also converts the value to type T. It returns false if the value is
// not found or if it is not of type T.
func GetAs[T any](p *Params, scope, key string) (value T, found bool) {
	var raw any
	raw, found = p.Get(scope, key)
	if !found {
		return
	}
	value, found = raw.(T)
	return
}

// Enumerate enumerates all parameters stored in the Params structure, sorted by scope and key, and calls the
// given closure with them.
func (p *Params) Enumerate(fn func(scope, key string, value any)) {
	scopes := maps.Keys(p.scopeToMap)
	slices.Sort(scopes)
	for _, scope := range scopes {
		keyValues := p.scopeToMap[scope]
		keys := maps.Keys(keyValues)
		slices.Sort(keys)
		for _, key := range keys {
			fn(scope, key, keyValues[key])
		}
	}
}
