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

package steprunner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrtd/pkg/agent"
	"github.com/kadirpekel/agentrtd/pkg/dispatcher"
	"github.com/kadirpekel/agentrtd/pkg/idgen"
	"github.com/kadirpekel/agentrtd/pkg/ports"
	"github.com/kadirpekel/agentrtd/pkg/template"
	"github.com/kadirpekel/agentrtd/pkg/tool"
	"github.com/kadirpekel/agentrtd/pkg/tool/builtin"
)

// fixedLLM streams a fixed event sequence once, optionally blocking before
// emitting its events so a test can abort mid-stream.
type fixedLLM struct {
	events []ports.StreamEvent
	delay  time.Duration
	usage  ports.Usage
}

func (f fixedLLM) Stream(ctx context.Context, req ports.CompletionRequest) (<-chan ports.StreamEvent, func() ports.StreamResult, error) {
	ch := make(chan ports.StreamEvent)
	go func() {
		defer close(ch)
		for _, ev := range f.events {
			if f.delay > 0 {
				select {
				case <-time.After(f.delay):
				case <-ctx.Done():
					return
				}
			}
			select {
			case ch <- ev:
			case <-ctx.Done():
				return
			}
		}
	}()
	result := func() ports.StreamResult {
		return ports.StreamResult{MessageID: "msg-1", Usage: f.usage}
	}
	return ch, result, nil
}

func (f fixedLLM) Complete(ctx context.Context, req ports.CompletionRequest) (ports.CompletionResult, error) {
	return ports.CompletionResult{}, nil
}

func (f fixedLLM) Structured(ctx context.Context, req ports.CompletionRequest, schema map[string]any) (ports.StructuredResult, error) {
	return ports.StructuredResult{}, nil
}

var _ ports.LLMPort = fixedLLM{}

func newTestConfig(t *testing.T, llm ports.LLMPort, tpl agent.Template) Config {
	t.Helper()
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(builtin.NewTaskCompleted()))
	require.NoError(t, reg.Register(builtin.NewEndTurn()))

	assembler := template.New(nil, agent.Template{})
	state := agent.NewState(tpl.ID, 10)
	runCtx := agent.RunContext{RunID: "run-1", UserID: "u1", Abort: agent.NewAbortSignal(nil)}

	return Config{
		Template:   tpl,
		State:      state,
		RunCtx:     runCtx,
		LLM:        llm,
		Registry:   reg,
		ToolClient: nil,
		Assembler:  assembler,
		IdGen:      idgen.NewSequence("call"),
		StepNumber: 1,
	}
}

// Scenario 5: an end-of-turn tool commits the step and text following it
// in the same event stream is never appended (§8 scenario 5).
func TestStepRunner_EndOfTurnToolStopsConsumingFurtherText(t *testing.T) {
	llm := fixedLLM{
		events: []ports.StreamEvent{
			{Kind: ports.EventTextDelta, TextDelta: "wrapping up"},
			{Kind: ports.EventToolCallStructured, ToolCall: ports.StructuredToolCall{ID: "c1", Name: builtin.EndTurnName, Input: map[string]any{}}},
			{Kind: ports.EventTextDelta, TextDelta: "ignored"},
		},
		usage: ports.Usage{Credits: 1},
	}
	cfg := newTestConfig(t, llm, agent.Template{ID: "root", ToolNames: []string{builtin.EndTurnName}})

	var texts []string
	cfg.OnText = func(s string) { texts = append(texts, s) }

	res := Run(context.Background(), cfg)

	require.Equal(t, StatusCommitted, res.Status)
	assert.True(t, res.Ended)
	assert.Equal(t, builtin.EndTurnName, res.EndedStepTool)
	assert.False(t, res.HadToolCallError)
	assert.NotContains(t, texts, "ignored")

	msgs := cfg.State.Log.Messages()
	last := msgs[len(msgs)-1]
	assert.Equal(t, "end_turn", last.ToolName)
}

// Scenario 6: aborting mid-stream stops further handlers from starting,
// commits whatever tool results were already in hand, and appends an
// interruption marker to the last assistant block.
func TestStepRunner_AbortMidStreamAppendsInterruptionMarker(t *testing.T) {
	llm := fixedLLM{
		events: []ports.StreamEvent{
			{Kind: ports.EventTextDelta, TextDelta: "partial"},
		},
		delay: 50 * time.Millisecond,
		usage: ports.Usage{Credits: 1},
	}
	cfg := newTestConfig(t, llm, agent.Template{ID: "root"})
	cfg.RunCtx.Abort.Abort()

	res := Run(context.Background(), cfg)

	require.Equal(t, StatusAborted, res.Status)
	require.Error(t, res.Err)

	msgs := cfg.State.Log.Messages()
	require.NotEmpty(t, msgs)
	last := msgs[len(msgs)-1]
	require.NotEmpty(t, last.Parts)
	assert.Contains(t, last.Parts[len(last.Parts)-1].Text, "interrupted")
}

// scriptedProgram is a fixed agent.HandleStepsProgram fixture: a small
// slice of Commands, replayed in order.
type scriptedProgram struct {
	cmds []agent.Command
	i    int
}

func (s *scriptedProgram) Next() (agent.Command, bool) {
	if s.i >= len(s.cmds) {
		return agent.Command{}, false
	}
	cmd := s.cmds[s.i]
	s.i++
	return cmd, true
}

// A scripted template never opens an LLM stream: runScripted drives its
// Commands through the same dispatcher a provider's tool calls go
// through.
func TestStepRunner_ScriptedProgramDrivesToolsWithoutCallingLLM(t *testing.T) {
	program := &scriptedProgram{cmds: []agent.Command{
		{Kind: agent.CommandEmitText, Text: "computing: "},
		{Kind: agent.CommandCallTool, ToolName: builtin.TaskCompletedName, ToolArgs: map[string]any{"result": "done"}},
	}}

	cfg := newTestConfig(t, panicLLM{}, agent.Template{
		ID:          "scripted",
		ToolNames:   []string{builtin.TaskCompletedName},
		HandleSteps: program,
	})

	var texts []string
	cfg.OnText = func(s string) { texts = append(texts, s) }

	res := Run(context.Background(), cfg)

	require.Equal(t, StatusCommitted, res.Status)
	assert.True(t, res.Ended)
	assert.Equal(t, builtin.TaskCompletedName, res.EndedStepTool)
	assert.Equal(t, 0.0, res.Credits)
	assert.Equal(t, []string{"computing: "}, texts)

	msgs := cfg.State.Log.Messages()
	require.Len(t, msgs, 2)
	assistant := msgs[0]
	require.Len(t, assistant.Parts, 2)
	assert.Equal(t, "computing: ", assistant.Parts[0].Text)
	assert.True(t, assistant.Parts[1].IsToolCall)
}

// A CommandEnd with no tool calls commits a text-only assistant message.
func TestStepRunner_ScriptedProgramEndsWithoutToolCall(t *testing.T) {
	program := &scriptedProgram{cmds: []agent.Command{
		{Kind: agent.CommandEmitText, Text: "all done"},
		{Kind: agent.CommandEnd},
	}}

	cfg := newTestConfig(t, panicLLM{}, agent.Template{ID: "scripted", HandleSteps: program})

	res := Run(context.Background(), cfg)

	require.Equal(t, StatusCommitted, res.Status)
	assert.False(t, res.Ended)

	msgs := cfg.State.Log.Messages()
	require.Len(t, msgs, 1)
	require.Len(t, msgs[0].Parts, 1)
	assert.Equal(t, "all done", msgs[0].Parts[0].Text)
}

// panicLLM fails the test if Stream/Complete/Structured is ever called:
// a scripted step must never touch the LLM port.
type panicLLM struct{}

func (panicLLM) Stream(ctx context.Context, req ports.CompletionRequest) (<-chan ports.StreamEvent, func() ports.StreamResult, error) {
	panic("scripted step called LLM.Stream")
}

func (panicLLM) Complete(ctx context.Context, req ports.CompletionRequest) (ports.CompletionResult, error) {
	panic("scripted step called LLM.Complete")
}

func (panicLLM) Structured(ctx context.Context, req ports.CompletionRequest, schema map[string]any) (ports.StructuredResult, error) {
	panic("scripted step called LLM.Structured")
}

var _ ports.LLMPort = panicLLM{}

func TestStepRunner_HappyPathSingleTool(t *testing.T) {
	llm := fixedLLM{
		events: []ports.StreamEvent{
			{Kind: ports.EventTextDelta, TextDelta: "ok: "},
			{Kind: ports.EventToolCallStructured, ToolCall: ports.StructuredToolCall{ID: "c1", Name: builtin.TaskCompletedName, Input: map[string]any{"result": "done"}}},
		},
		usage: ports.Usage{Credits: 2},
	}
	cfg := newTestConfig(t, llm, agent.Template{ID: "root", ToolNames: []string{builtin.TaskCompletedName}})

	var events []dispatcher.Event
	cfg.Emit = func(ev dispatcher.Event) { events = append(events, ev) }

	res := Run(context.Background(), cfg)

	require.Equal(t, StatusCommitted, res.Status)
	assert.False(t, res.HadToolCallError)
	assert.Equal(t, 2.0, res.Credits)
	require.Len(t, events, 2)
	assert.Equal(t, dispatcher.EventToolCall, events[0].Kind)
	assert.Equal(t, dispatcher.EventToolResult, events[1].Kind)

	msgs := cfg.State.Log.Messages()
	require.Len(t, msgs, 2)
	assistant := msgs[0]
	require.Len(t, assistant.Parts, 2)
	assert.Equal(t, "ok: ", assistant.Parts[0].Text)
	assert.True(t, assistant.Parts[1].IsToolCall)
	assert.Equal(t, builtin.TaskCompletedName, assistant.Parts[1].ToolCallName)
	assert.Equal(t, "c1", msgs[1].ToolCallID)
}
