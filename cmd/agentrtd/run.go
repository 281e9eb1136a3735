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

package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/kadirpekel/agentrtd/pkg/agent"
	"github.com/kadirpekel/agentrtd/pkg/clock"
	"github.com/kadirpekel/agentrtd/pkg/config"
	"github.com/kadirpekel/agentrtd/pkg/creditgate"
	"github.com/kadirpekel/agentrtd/pkg/idgen"
	"github.com/kadirpekel/agentrtd/pkg/logger"
	"github.com/kadirpekel/agentrtd/pkg/observability"
	"github.com/kadirpekel/agentrtd/pkg/orchestrator"
	"github.com/kadirpekel/agentrtd/pkg/ports"
	"github.com/kadirpekel/agentrtd/pkg/template"
)

// RunCmd resolves one agent template from a fixture file and drives it to
// completion against the package's fake ports, printing the run's
// terminal Outcome as JSON.
type RunCmd struct {
	Config   string `short:"c" help:"Path to harness config YAML." type:"path" required:""`
	Fixtures string `short:"f" help:"Path to agent template fixtures YAML." type:"path" required:""`
	Prompt   string `short:"p" help:"Path to a prompt file (read verbatim as the user turn)." type:"path" required:""`
	UserID   string `help:"User id the run is attributed to." default:"demo-user"`
}

// Run loads config and fixtures, wires the fake ports, and executes one
// top-level agent run.
func (c *RunCmd) Run(cli *CLI) error {
	ctx := context.Background()
	log := logger.GetLogger()

	cfg, err := config.Load(c.Config)
	if err != nil {
		return err
	}

	promptBytes, err := os.ReadFile(c.Prompt)
	if err != nil {
		return fmt.Errorf("run: read prompt %s: %w", c.Prompt, err)
	}

	obsCfg := &observability.Config{}
	obsCfg.Tracing.Enabled = cfg.Observability.TracingEnabled
	obsCfg.Tracing.Endpoint = cfg.Observability.OTLPEndpoint
	if cfg.Observability.OTLPEndpoint == "" {
		obsCfg.Tracing.Exporter = "stdout"
	}
	obsCfg.Metrics.Enabled = cfg.Observability.MetricsEnabled
	obsCfg.Metrics.Namespace = cfg.Observability.MetricsNamespace

	obsMgr, err := observability.NewManager(ctx, obsCfg)
	if err != nil {
		return fmt.Errorf("run: observability: %w", err)
	}
	defer func() { _ = obsMgr.Shutdown(ctx) }()

	assembler := template.New(nil, agentDefaultsFor(cfg))
	if err := template.RegisterFixtures(assembler, c.Fixtures); err != nil {
		return err
	}

	creditBackend := newUnlimitedCreditBackend()
	gate := creditgate.New(creditBackend, clock.New(), nil,
		creditgate.WithMetrics(obsMgr.Metrics()),
		creditgate.WithTracer(obsMgr.Tracer()),
	)

	baseTools, err := baseToolsFor()
	if err != nil {
		return fmt.Errorf("run: %w", err)
	}

	orch := &orchestrator.Orchestrator{
		Assembler:           assembler,
		BaseTools:           baseTools,
		LLM:                 newEchoLLM(0.05),
		ToolClient:          refusingToolClient{},
		CreditGate:          gate,
		Telemetry:           newLoggingTelemetry(log),
		IdGen:               idgen.New(),
		Clock:               clock.New(),
		Logger:              log,
		Tracer:              obsMgr.Tracer(),
		Metrics:             obsMgr.Metrics(),
		DefaultStepBudget:   cfg.StepBudget,
		MinCreditsFloor:     cfg.MinCreditsFloor,
		MaxConcurrentSpawns: cfg.MaxConcurrentSpawns,
	}

	outcome := orch.Start(ctx, orchestrator.Request{
		AgentIdentifier: cfg.Agent,
		Prompt:          string(promptBytes),
		UserID:          c.UserID,
	})

	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(outcomeView{
		RunID:  outcome.RunID,
		Status: string(outcome.Status),
		Output: outcome.Output,
		Error:  errString(outcome.Err),
	})
}

// outcomeView is the JSON-printable shape of an orchestrator.Outcome;
// ports.AgentOutput.Err is already a plain struct, but outcome.Err is a Go
// error and needs flattening to a string before it can marshal at all.
type outcomeView struct {
	RunID  string            `json:"run_id"`
	Status string            `json:"status"`
	Output ports.AgentOutput `json:"output"`
	Error  string            `json:"error,omitempty"`
}

func errString(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

// agentDefaultsFor builds the template.Assembler default overlay from the
// harness config's top-level model, so a fixture need not repeat it.
func agentDefaultsFor(cfg *config.Config) agent.Template {
	return agent.Template{Model: cfg.Model}
}
