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

package orchestrator

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrtd/pkg/agent"
	"github.com/kadirpekel/agentrtd/pkg/clock"
	"github.com/kadirpekel/agentrtd/pkg/creditgate"
	"github.com/kadirpekel/agentrtd/pkg/idgen"
	"github.com/kadirpekel/agentrtd/pkg/ports"
	"github.com/kadirpekel/agentrtd/pkg/template"
)

// scriptedLLM replays a fixed call-by-call script keyed by the request's
// system prompt (a stand-in for agent identity, since CompletionRequest
// carries no agent id of its own). Each call beyond the scripted length
// repeats the script's final entry, so a run never runs out of script: it
// ends on a step-ending tool call or on max_steps instead of hanging.
type scriptedLLM struct {
	mu     sync.Mutex
	calls  map[string]int
	script map[string][]scriptedStep
}

type scriptedStep struct {
	events  []ports.StreamEvent
	credits float64
}

func newScriptedLLM(script map[string][]scriptedStep) *scriptedLLM {
	return &scriptedLLM{calls: map[string]int{}, script: script}
}

func (l *scriptedLLM) Stream(ctx context.Context, req ports.CompletionRequest) (<-chan ports.StreamEvent, func() ports.StreamResult, error) {
	l.mu.Lock()
	steps := l.script[req.SystemPrompt]
	idx := l.calls[req.SystemPrompt]
	l.calls[req.SystemPrompt] = idx + 1
	l.mu.Unlock()

	if idx >= len(steps) {
		idx = len(steps) - 1
	}
	step := steps[idx]

	events := make(chan ports.StreamEvent, len(step.events)+1)
	for _, ev := range step.events {
		events <- ev
	}
	events <- ports.StreamEvent{Kind: ports.EventEnd}
	close(events)

	result := func() ports.StreamResult {
		return ports.StreamResult{MessageID: "msg", Usage: ports.Usage{Credits: step.credits}}
	}
	return events, result, nil
}

func (l *scriptedLLM) Complete(ctx context.Context, req ports.CompletionRequest) (ports.CompletionResult, error) {
	return ports.CompletionResult{}, nil
}

func (l *scriptedLLM) Structured(ctx context.Context, req ports.CompletionRequest, schema map[string]any) (ports.StructuredResult, error) {
	return ports.StructuredResult{}, nil
}

var _ ports.LLMPort = (*scriptedLLM)(nil)

func toolCallEvent(id, name string, input map[string]any) ports.StreamEvent {
	return ports.StreamEvent{Kind: ports.EventToolCallStructured, ToolCall: ports.StructuredToolCall{ID: id, Name: name, Input: input}}
}

func textEvent(text string) ports.StreamEvent {
	return ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: text}
}

type unlimitedBackend struct {
	mu      sync.Mutex
	settled map[string]ports.SettleResult
}

func newUnlimitedBackend() *unlimitedBackend {
	return &unlimitedBackend{settled: map[string]ports.SettleResult{}}
}

func (b *unlimitedBackend) Preflight(ctx context.Context, userID string, minRequired float64) (ports.PreflightResult, error) {
	return ports.PreflightResult{OK: true, Balance: 1e9}, nil
}

func (b *unlimitedBackend) Settle(ctx context.Context, userID string, amount float64, operationID string, kind ports.CreditLedgerKind, repoID string) (ports.SettleResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prior, ok := b.settled[operationID]; ok {
		return prior, nil
	}
	result := ports.SettleResult{Charged: amount}
	b.settled[operationID] = result
	return result, nil
}

var _ ports.CreditBackend = (*unlimitedBackend)(nil)

type noopTelemetry struct{}

func (noopTelemetry) StartRun(context.Context, ports.StartRunRecord)    {}
func (noopTelemetry) AddStep(context.Context, ports.StepRecord)        {}
func (noopTelemetry) FinishRun(context.Context, ports.FinishRunRecord) {}

var _ ports.TelemetrySink = noopTelemetry{}

type noopLogger struct{}

func (noopLogger) Debug(string, ...any) {}
func (noopLogger) Info(string, ...any)  {}
func (noopLogger) Warn(string, ...any)  {}
func (noopLogger) Error(string, ...any) {}

var _ ports.Logger = noopLogger{}

func newTestOrchestrator(llm ports.LLMPort, budget int) (*Orchestrator, *template.Assembler) {
	assembler := template.New(nil, agent.Template{})
	return &Orchestrator{
		Assembler:           assembler,
		LLM:                 llm,
		CreditGate:          creditgate.New(newUnlimitedBackend(), clock.New(), nil),
		Telemetry:           noopTelemetry{},
		IdGen:               idgen.NewSequence("run"),
		Clock:               clock.New(),
		Logger:              noopLogger{},
		DefaultStepBudget:   budget,
		MinCreditsFloor:     0.01,
		MaxConcurrentSpawns: 4,
	}, assembler
}

func TestOrchestrator_HappyPathTaskCompleted(t *testing.T) {
	llm := newScriptedLLM(map[string][]scriptedStep{
		"root-agent": {
			{events: []ports.StreamEvent{textEvent("ok: "), toolCallEvent("c1", "task_completed", map[string]any{"result": "done"})}, credits: 1},
		},
	})
	orch, assembler := newTestOrchestrator(llm, 10)
	require.NoError(t, assembler.RegisterLocal("", "root", "", agent.Template{
		ID:           "root",
		SystemPrompt: "root-agent",
		ToolNames:    []string{"task_completed"},
		OutputMode:   agent.OutputModeText,
	}))

	out := orch.Start(context.Background(), Request{AgentIdentifier: "root", Prompt: "go", UserID: "u1"})

	require.NoError(t, out.Err)
	assert.Equal(t, ports.RunCompleted, out.Status)
	assert.Equal(t, ports.OutputText, out.Output.Kind)
}

func TestOrchestrator_MaxStepsTerminatesWhenNoToolEndsTheStep(t *testing.T) {
	llm := newScriptedLLM(map[string][]scriptedStep{
		"chatty-agent": {
			{events: []ports.StreamEvent{textEvent("still thinking")}, credits: 1},
		},
	})
	orch, assembler := newTestOrchestrator(llm, 3)
	require.NoError(t, assembler.RegisterLocal("", "root", "", agent.Template{
		ID:           "root",
		SystemPrompt: "chatty-agent",
	}))

	out := orch.Start(context.Background(), Request{AgentIdentifier: "root", Prompt: "go", UserID: "u1"})

	assert.Equal(t, ports.RunMaxSteps, out.Status)
}

// P-CREDITS-AGGREGATE: parent.totalCredits == parent.directCredits +
// Σ child.totalCredits, exercised through a real sync spawn_agents call.
func TestOrchestrator_SpawnSyncAggregatesChildCredits(t *testing.T) {
	llm := newScriptedLLM(map[string][]scriptedStep{
		"parent-agent": {
			{events: []ports.StreamEvent{toolCallEvent("c1", "spawn_agents", map[string]any{
				"agents": []any{map[string]any{"agentType": "child", "prompt": "help"}},
				"async":  false,
			})}, credits: 1},
			{events: []ports.StreamEvent{toolCallEvent("c2", "task_completed", map[string]any{"result": "done"})}, credits: 1},
		},
		"child-agent": {
			{events: []ports.StreamEvent{toolCallEvent("c3", "task_completed", map[string]any{"result": "child done"})}, credits: 2},
		},
	})
	orch, assembler := newTestOrchestrator(llm, 10)
	require.NoError(t, assembler.RegisterLocal("", "root", "", agent.Template{
		ID:              "root",
		SystemPrompt:    "parent-agent",
		ToolNames:       []string{"task_completed", "spawn_agents"},
		SpawnableAgents: []string{"child"},
	}))
	require.NoError(t, assembler.RegisterLocal("", "child", "", agent.Template{
		ID:           "child",
		SystemPrompt: "child-agent",
		ToolNames:    []string{"task_completed"},
	}))

	rootTpl, err := assembler.Resolve(context.Background(), "root")
	require.NoError(t, err)

	abort := agent.NewAbortSignal(context.Background())
	rc := agent.RunContext{RunID: "run-root", UserID: "u1", Abort: abort}

	out, state, status, err := orch.runAgent(context.Background(), rc, rootTpl, "go", nil, nil, 10)

	require.NoError(t, err)
	assert.Equal(t, ports.RunCompleted, status)
	assert.Equal(t, ports.OutputText, out.Kind)

	// Parent's own two steps charge 1 credit each; the child's single
	// step charges 2. Total must be the sum of both (P-CREDITS-AGGREGATE).
	assert.Equal(t, 2.0, state.DirectCreditsUsed())
	assert.Equal(t, 4.0, state.TotalCredits())
	assert.Len(t, state.SpawnedChildRunIDs(), 1)
}

// P-ABORT-IDEMPOTENT: a pre-aborted run terminates immediately without
// taking a step, and aborting twice has the same effect as once.
func TestOrchestrator_PreAbortedRunTerminatesImmediately(t *testing.T) {
	llm := newScriptedLLM(map[string][]scriptedStep{
		"root-agent": {{events: []ports.StreamEvent{textEvent("should never run")}, credits: 1}},
	})
	orch, assembler := newTestOrchestrator(llm, 10)
	require.NoError(t, assembler.RegisterLocal("", "root", "", agent.Template{ID: "root", SystemPrompt: "root-agent"}))

	abort := agent.NewAbortSignal(context.Background())
	abort.Abort()
	abort.Abort() // idempotent: must not panic or double-fire

	out := orch.Start(context.Background(), Request{AgentIdentifier: "root", Prompt: "go", UserID: "u1", Abort: abort})

	assert.Equal(t, ports.RunAborted, out.Status)
	assert.True(t, abort.Aborted())
}

func TestOrchestrator_UnknownAgentIdentifierFails(t *testing.T) {
	orch, _ := newTestOrchestrator(newScriptedLLM(nil), 10)
	out := orch.Start(context.Background(), Request{AgentIdentifier: "nonexistent", Prompt: "go", UserID: "u1"})
	require.Error(t, out.Err)
	assert.Equal(t, ports.RunError, out.Status)
}
