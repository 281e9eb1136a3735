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

// Package orchestrator implements the Agent Orchestrator (C6): the outer
// loop that drives an agent run to a terminal state one step at a time,
// enforcing the step budget, gating every step on the credit ledger, and
// recursively instantiating child agents for spawn_agents calls.
package orchestrator

import (
	"context"
	"encoding/json"
	"strconv"

	"github.com/kadirpekel/agentrtd/pkg/agent"
	"github.com/kadirpekel/agentrtd/pkg/agenterr"
	"github.com/kadirpekel/agentrtd/pkg/clock"
	"github.com/kadirpekel/agentrtd/pkg/creditgate"
	"github.com/kadirpekel/agentrtd/pkg/idgen"
	"github.com/kadirpekel/agentrtd/pkg/message"
	"github.com/kadirpekel/agentrtd/pkg/observability"
	"github.com/kadirpekel/agentrtd/pkg/ports"
	"github.com/kadirpekel/agentrtd/pkg/steprunner"
	"github.com/kadirpekel/agentrtd/pkg/template"
	"github.com/kadirpekel/agentrtd/pkg/tool"
	"github.com/kadirpekel/agentrtd/pkg/tool/builtin"
)

// Orchestrator wires the step runner to the ports every run needs:
// template resolution, the LLM/tool-client transports, the credit gate,
// and telemetry. One Orchestrator is shared across every run and child
// run in a process; all of its fields are read-only after construction,
// so runs never contend on anything but the ports themselves.
type Orchestrator struct {
	Assembler  *template.Assembler
	BaseTools  *tool.Registry // host-registered client-delegated/in-process tools, shared read-only across runs
	LLM        ports.LLMPort
	ToolClient ports.ToolClientPort
	CreditGate *creditgate.Gate
	Telemetry  ports.TelemetrySink
	IdGen      idgen.IdGen
	Clock      clock.Clock
	Logger     ports.Logger
	Tracer     *observability.Tracer
	Metrics    *observability.Metrics

	// DefaultStepBudget bounds a run's steps when Request.StepBudget is
	// zero (always used for spawned children, which have no caller-set
	// budget of their own).
	DefaultStepBudget int

	// MinCreditsFloor is the minRequired argument to every preflight
	// check: a conservative per-step credit estimate.
	MinCreditsFloor float64

	// MaxConcurrentSpawns bounds spawn_agents sync-mode concurrency.
	MaxConcurrentSpawns int
}

// Request starts a new top-level run.
type Request struct {
	AgentIdentifier string
	Prompt          string
	Params          map[string]any

	UserID          string
	ClientSessionID string
	FingerprintID   string
	RepoID          string

	StepBudget int // 0 uses Orchestrator.DefaultStepBudget

	// Abort, if set, is used as the run's top-level AbortSignal instead of
	// a freshly created one, so a host can retain it and call Abort() to
	// cancel an in-flight run from another goroutine.
	Abort *agent.AbortSignal
}

// Outcome is the terminal result of a top-level run.
type Outcome struct {
	RunID  string
	Status ports.RunStatus
	Output ports.AgentOutput
	Err    error
}

// Start resolves req.AgentIdentifier to a template and drives a fresh
// top-level run (a new RunContext, abort signal, and AgentState) to a
// terminal outcome.
func (o *Orchestrator) Start(ctx context.Context, req Request) Outcome {
	tpl, err := o.Assembler.Resolve(ctx, req.AgentIdentifier)
	if err != nil {
		return Outcome{Status: ports.RunError, Err: err}
	}

	abort := req.Abort
	if abort == nil {
		abort = agent.NewAbortSignal(ctx)
	}

	runID := o.IdGen.NewID()
	rc := agent.RunContext{
		RunID:           runID,
		UserID:          req.UserID,
		ClientSessionID: req.ClientSessionID,
		FingerprintID:   req.FingerprintID,
		RepoID:          req.RepoID,
		Abort:           abort,
	}

	budget := req.StepBudget
	if budget <= 0 {
		budget = o.DefaultStepBudget
	}

	out, _, status, err := o.runAgent(ctx, rc, tpl, req.Prompt, req.Params, nil, budget)
	return Outcome{RunID: runID, Status: status, Output: out, Err: err}
}

// runAgent is the engine shared by Start and every recursive child spawn:
// it owns the agent's AgentState and drives steprunner.Run in a loop
// until a terminal ports.RunStatus is reached.
func (o *Orchestrator) runAgent(
	ctx context.Context,
	rc agent.RunContext,
	tpl agent.Template,
	prompt string,
	params map[string]any,
	seedHistory []*message.Message,
	stepBudget int,
) (ports.AgentOutput, *agent.State, ports.RunStatus, error) {
	seed := append([]*message.Message(nil), seedHistory...)
	seed = append(seed, message.NewUser(renderPrompt(prompt, params)))
	state := agent.NewState(tpl.ID, stepBudget, seed...)

	o.Telemetry.StartRun(ctx, ports.StartRunRecord{
		RunID:         rc.RunID,
		ParentRunIDs:  rc.ParentRunIDs,
		AgentID:       tpl.ID,
		UserID:        rc.UserID,
		TimestampUnix: o.Clock.Now().Unix(),
	})

	registry := o.buildRunRegistry(rc, state)

	status := ports.RunCompleted
	var runErr error
	stepNum := 0

runLoop:
	for {
		switch {
		case state.StepsRemaining <= 0:
			status = ports.RunMaxSteps
			break runLoop
		case rc.Abort.Aborted():
			status = ports.RunAborted
			break runLoop
		}

		stepNum++
		state.StepsRemaining--
		startUnix := o.Clock.Now().Unix()

		preflight, err := o.CreditGate.Preflight(ctx, tpl.ID, rc.UserID, o.MinCreditsFloor)
		if err != nil {
			status = ports.RunError
			runErr = err
			break runLoop
		}
		if !preflight.OK {
			status = ports.RunOutOfCredits
			break runLoop
		}

		res := steprunner.Run(ctx, steprunner.Config{
			Template:   tpl,
			State:      state,
			RunCtx:     rc,
			LLM:        o.LLM,
			Registry:   registry,
			ToolClient: o.ToolClient,
			Assembler:  o.Assembler,
			IdGen:      o.IdGen,
			Logger:     o.Logger,
			Tracer:     o.Tracer,
			Metrics:    o.Metrics,
			StepNumber: stepNum,
		})

		if res.Credits > 0 {
			opID := rc.RunID + "-step-" + strconv.Itoa(stepNum)
			if _, err := o.CreditGate.Settle(ctx, tpl.ID, rc.UserID, res.Credits, opID, ports.CreditDirect, rc.RepoID); err != nil {
				status = ports.RunError
				runErr = err
				o.recordStep(ctx, rc.RunID, stepNum, res, startUnix, ports.StepError, err)
				break runLoop
			}
		}

		stepStatus := ports.StepCompleted
		switch res.Status {
		case steprunner.StatusAborted:
			stepStatus = ports.StepAborted
		case steprunner.StatusFailed:
			stepStatus = ports.StepError
		}
		o.recordStep(ctx, rc.RunID, stepNum, res, startUnix, stepStatus, res.Err)

		switch res.Status {
		case steprunner.StatusAborted:
			status = ports.RunAborted
			break runLoop
		case steprunner.StatusFailed:
			status = ports.RunError
			runErr = res.Err
			break runLoop
		}
		if res.Ended {
			status = ports.RunCompleted
			break runLoop
		}
	}

	out := o.buildOutput(ctx, tpl, state, status, runErr)
	state.Output = out

	o.Telemetry.FinishRun(ctx, ports.FinishRunRecord{
		RunID:         rc.RunID,
		Status:        status,
		TotalSteps:    stepNum,
		DirectCredits: state.DirectCreditsUsed(),
		TotalCredits:  state.TotalCredits(),
	})

	return out, state, status, runErr
}

func (o *Orchestrator) recordStep(ctx context.Context, runID string, stepNum int, res steprunner.Result, startUnix int64, status ports.StepStatus, err error) {
	msg := ""
	if err != nil {
		msg = err.Error()
	}
	o.Telemetry.AddStep(ctx, ports.StepRecord{
		RunID:         runID,
		StepNumber:    stepNum,
		Credits:       res.Credits,
		ChildRunIDs:   res.NewChildRunIDs,
		MessageID:     res.MessageID,
		Status:        status,
		ErrorMessage:  msg,
		StartTimeUnix: startUnix,
	})
}

// buildRunRegistry clones the host's static tool catalogue and adds this
// run's step-ending control tools plus a spawn_agents descriptor bound to
// this run's identity, so a freshly spawned child can never reuse its
// parent's spawn closure.
func (o *Orchestrator) buildRunRegistry(rc agent.RunContext, state *agent.State) *tool.Registry {
	reg := tool.NewRegistry()
	if o.BaseTools != nil {
		for _, d := range o.BaseTools.List() {
			_ = reg.Register(d)
		}
	}
	_ = reg.Register(builtin.NewTaskCompleted())
	_ = reg.Register(builtin.NewEndTurn())

	port := &runChildPort{orch: o, parentRC: rc, parentState: state}
	_ = reg.Register(builtin.NewSpawnAgents(builtin.SpawnConfig{
		Port:              port,
		ParentRunID:       rc.RunID,
		MaxConcurrentSync: o.MaxConcurrentSpawns,
		Logger:            o.Logger,
	}))
	return reg
}

// buildOutput renders the run's terminal AgentOutput per the owning
// template's outputMode, except for the genuinely fatal statuses (error,
// out_of_credits), which always report an error-shaped output regardless
// of outputMode.
func (o *Orchestrator) buildOutput(ctx context.Context, tpl agent.Template, state *agent.State, status ports.RunStatus, runErr error) ports.AgentOutput {
	if status == ports.RunError || status == ports.RunOutOfCredits {
		kind, ok := agenterr.KindOf(runErr)
		if !ok {
			kind = agenterr.OutOfCredits
		}
		msg := string(status)
		if runErr != nil {
			msg = runErr.Error()
		}
		return ports.AgentOutput{Kind: ports.OutputError, Err: ports.OutputError{Kind: string(kind), Message: msg}}
	}

	switch tpl.OutputMode {
	case agent.OutputModeLastMessage:
		msgs := state.Log.Messages()
		if len(msgs) == 0 {
			return ports.AgentOutput{Kind: ports.OutputText, Text: ""}
		}
		return ports.AgentOutput{Kind: ports.OutputLastMessage, LastMessage: msgs[len(msgs)-1]}

	case agent.OutputModeStructuredOutput:
		req := ports.CompletionRequest{
			Model:        tpl.Model,
			SystemPrompt: tpl.SystemPrompt,
			Messages:     state.Log.Messages(),
		}
		result, err := o.LLM.Structured(ctx, req, tpl.InputSchema)
		if err != nil {
			return ports.AgentOutput{Kind: ports.OutputError, Err: ports.OutputError{Kind: string(agenterr.LLMTransport), Message: err.Error()}}
		}
		state.AddDirectCredits(result.Usage.Credits)
		return ports.AgentOutput{Kind: ports.OutputStructured, Structured: result.Value}

	default: // agent.OutputModeText
		return ports.AgentOutput{Kind: ports.OutputText, Text: lastAssistantText(state)}
	}
}

func lastAssistantText(state *agent.State) string {
	msgs := state.Log.Messages()
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role != message.RoleAssistant {
			continue
		}
		var text string
		for _, p := range msgs[i].Parts {
			if !p.IsToolCall {
				text += p.Text
			}
		}
		return text
	}
	return ""
}

// renderPrompt folds params into the seeded user message: params, if
// any, are appended as a JSON block so template-specific handling of
// structured input has something to parse without the core needing to
// understand any particular template's schema.
func renderPrompt(prompt string, params map[string]any) string {
	if len(params) == 0 {
		return prompt
	}
	encoded, err := json.Marshal(params)
	if err != nil {
		return prompt
	}
	return prompt + "\n\nParameters:\n" + string(encoded)
}
