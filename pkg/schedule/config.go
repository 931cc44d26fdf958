// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package schedule

import (
	"os"
	"strings"

	"github.com/gomlx/sched/pkg/core/distributed"
	"github.com/gomlx/sched/pkg/schedule/dialect"
	"k8s.io/klog/v2"
)

const (
	// FusionBackendEnvVar sets the default fusion compiler, in the format "name[:config]".
	FusionBackendEnvVar = "SCHED_FUSION_BACKEND"

	// PipelineDialectEnvVar sets the default pipeline dialect, in the format "name[:config]".
	PipelineDialectEnvVar = "SCHED_PIPELINE_DIALECT"
)

var (
	// DefaultFusionBackend is used if no fusion backend is given by WithFusionBackend or FusionBackendEnvVar.
	DefaultFusionBackend = "closure"

	// DefaultPipelineDialect is used if no dialect is given by WithPipelineDialect or PipelineDialectEnvVar.
	DefaultPipelineDialect = "local"
)

type config struct {
	group           distributed.ProcessGroup
	worldSize       int
	registry        *dialect.Registry
	fusionBackend   string
	pipelineDialect string
	seed            uint64
}

// Option configures a Schedule, see Create.
type Option func(c *config)

// WithGroup sets the process group used by sharded modules and collectives.
func WithGroup(group distributed.ProcessGroup) Option {
	return func(c *config) { c.group = group }
}

// WithWorldSize declares the number of participants the model will run on. If larger than 1, a process group
// must be given with WithGroup before sharding, or sharding fails with ErrGroupNotConfigured.
// It defaults to the group's world size, or 1 if there is no group.
func WithWorldSize(worldSize int) Option {
	return func(c *config) { c.worldSize = worldSize }
}

// WithRegistry sets the dialect registry. It defaults to dialect.Builtin().
func WithRegistry(registry *dialect.Registry) Option {
	return func(c *config) { c.registry = registry }
}

// WithFusionBackend sets the default fusion compiler, by its name in the registry.
func WithFusionBackend(name string) Option {
	return func(c *config) { c.fusionBackend = name }
}

// WithPipelineDialect sets the pipeline dialect used by Build, by its name in the registry.
func WithPipelineDialect(name string) Option {
	return func(c *config) { c.pipelineDialect = name }
}

// WithSeed sets the seed of the weight initializer returned by Build.
func WithSeed(seed uint64) Option {
	return func(c *config) { c.seed = seed }
}

// backendFromEnv returns the name part of the "name[:config]" value of the environment variable, or defaultName.
func backendFromEnv(envVar, defaultName string) string {
	value, found := os.LookupEnv(envVar)
	if !found || value == "" {
		return defaultName
	}
	name, backendConfig, _ := strings.Cut(value, ":")
	if backendConfig != "" {
		klog.V(1).Infof("%s=%q: backend %q, configuration %q", envVar, value, name, backendConfig)
	}
	return name
}

func newConfig(options []Option) *config {
	c := &config{}
	for _, option := range options {
		option(c)
	}
	if c.registry == nil {
		c.registry = dialect.Builtin()
	}
	if c.fusionBackend == "" {
		c.fusionBackend = backendFromEnv(FusionBackendEnvVar, DefaultFusionBackend)
	}
	if c.pipelineDialect == "" {
		c.pipelineDialect = backendFromEnv(PipelineDialectEnvVar, DefaultPipelineDialect)
	}
	if c.worldSize == 0 {
		c.worldSize = 1
		if c.group != nil {
			c.worldSize = c.group.WorldSize()
		}
	}
	return c
}
