// Copyright 2025 Kadir Pekel
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package config loads the small YAML configuration that drives the
// cmd/agentrtd demo harness: which agent template and model to run
// against, the run's step/credit limits, and which observability
// exporters to stand up. It is deliberately narrow — the runtime itself
// takes all of its collaborators as Go values (see pkg/orchestrator),
// never as config — this package only configures the harness binary.
package config

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// Config is the root of cmd/agentrtd's YAML configuration file.
type Config struct {
	// Agent is the identifier ([publisher/]id[@version]) of the template
	// to resolve and run.
	Agent string `yaml:"agent"`

	// Model is the LLM model name passed through to the run's template
	// if the template itself does not already pin one.
	Model string `yaml:"model,omitempty"`

	// StepBudget bounds how many steps a top-level run may take before
	// terminating with max_steps.
	StepBudget int `yaml:"step_budget,omitempty"`

	// MinCreditsFloor is the conservative per-step credit estimate the
	// credit gate preflights against before every step.
	MinCreditsFloor float64 `yaml:"min_credits_floor,omitempty"`

	// MaxConcurrentSpawns bounds sync-mode spawn_agents concurrency.
	MaxConcurrentSpawns int `yaml:"max_concurrent_spawns,omitempty"`

	Log           LogConfig           `yaml:"log,omitempty"`
	Observability ObservabilityConfig `yaml:"observability,omitempty"`
}

// LogConfig is the file's log section. It is parsed and defaulted, but
// cmd/agentrtd configures pkg/logger from its --log-level and
// --log-format flags and does not read these fields.
type LogConfig struct {
	// Level is one of debug, info, warn, error.
	Level string `yaml:"level,omitempty"`
	// Format is "simple" or "verbose"; anything else falls back to
	// slog's default text format.
	Format string `yaml:"format,omitempty"`
}

// ObservabilityConfig toggles the OTel tracer and Prometheus metrics the
// harness stands up around the run.
type ObservabilityConfig struct {
	TracingEnabled bool `yaml:"tracing_enabled,omitempty"`
	// OTLPEndpoint is the OTLP/gRPC collector address spans are exported
	// to. When empty, the tracer falls back to the observability
	// package's default endpoint; spans are never written to stdout.
	OTLPEndpoint     string `yaml:"otlp_endpoint,omitempty"`
	MetricsEnabled   bool   `yaml:"metrics_enabled,omitempty"`
	MetricsNamespace string `yaml:"metrics_namespace,omitempty"`
}

// SetDefaults fills in zero-valued fields with the harness's defaults.
func (c *Config) SetDefaults() {
	if c.StepBudget <= 0 {
		c.StepBudget = 25
	}
	if c.MinCreditsFloor <= 0 {
		c.MinCreditsFloor = 0.01
	}
	if c.MaxConcurrentSpawns <= 0 {
		c.MaxConcurrentSpawns = 4
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
	if c.Log.Format == "" {
		c.Log.Format = "simple"
	}
	if c.Observability.MetricsNamespace == "" {
		c.Observability.MetricsNamespace = "agentrtd"
	}
}

// Validate reports whether the config is runnable.
func (c *Config) Validate() error {
	if c.Agent == "" {
		return fmt.Errorf("config: agent is required")
	}
	if c.StepBudget <= 0 {
		return fmt.Errorf("config: step_budget must be positive")
	}
	return nil
}

// Load reads, parses, defaults, and validates a Config from a YAML file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("config: read %s: %w", path, err)
	}

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("config: parse %s: %w", path, err)
	}

	cfg.SetDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}
