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

package dispatcher

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrtd/pkg/idgen"
	"github.com/kadirpekel/agentrtd/pkg/message"
	"github.com/kadirpekel/agentrtd/pkg/parser"
	"github.com/kadirpekel/agentrtd/pkg/tool"
)

// eventRecorder captures emitted Events in call order, safe for
// concurrent emit calls from handler goroutines.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) record(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

func readFilesDescriptor(handler tool.InProcessFunc) tool.Descriptor {
	return tool.Descriptor{
		Name:        "read_files",
		Description: "read files",
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"paths": map[string]any{"type": "array", "items": map[string]any{"type": "string"}},
			},
			"required": []any{"paths"},
		},
		Kind:    tool.InProcess,
		Handler: handler,
	}
}

func spawnAgentsDescriptor() tool.Descriptor {
	return tool.Descriptor{
		Name: tool.SpawnAgentsName,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"agents": map[string]any{"type": "array"},
				"async":  map[string]any{"type": "boolean"},
			},
			"required": []any{"agents"},
		},
		Kind: tool.Spawning,
		Spawn: func(ctx context.Context, requests []tool.SpawnRequest, async bool) ([]message.OutputPart, error) {
			return nil, nil
		},
	}
}

// Scenario 1 (§8.1): happy path, single tool.
func TestDispatcher_HappyPathSingleTool(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(readFilesDescriptor(func(ctx context.Context, input map[string]any) ([]message.OutputPart, error) {
		return []message.OutputPart{{Kind: message.PartJSON, Value: map[string]any{"a.ts": "x"}}}, nil
	})))

	rec := &eventRecorder{}
	d := New(reg, nil, nil, idgen.NewSequence("call"), nil, rec.record)

	handle := d.Dispatch(context.Background(), parser.Event{
		Kind:         parser.EventToolCall,
		ToolCallName: "read_files",
		Structured:   true,
		ToolCallInput: map[string]any{
			"paths": []any{"a.ts"},
		},
	})
	require.NotNil(t, handle)
	handle.Wait(context.Background())
	d.MarkStreamDone()
	d.Drain()

	assert.False(t, d.HadToolCallError())

	assistantParts, toolResults, userErrors, calls := d.Results()
	require.Len(t, assistantParts, 1)
	assert.True(t, assistantParts[0].IsToolCall)
	assert.Equal(t, "read_files", assistantParts[0].ToolCallName)

	require.Len(t, toolResults, 1)
	require.Len(t, toolResults[0].Output, 1)
	assert.Equal(t, message.PartJSON, toolResults[0].Output[0].Kind)
	assert.Equal(t, map[string]any{"a.ts": "x"}, toolResults[0].Output[0].Value)

	assert.Empty(t, userErrors)
	require.Len(t, calls, 1)
	assert.Equal(t, "read_files", calls[0].Name)

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, EventToolCall, events[0].Kind)
	assert.Equal(t, EventToolResult, events[1].Kind)
}

// Scenario 2 (§8.2): schema-invalid spawn.
func TestDispatcher_SchemaInvalidSpawnRejectedBeforeDispatch(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(spawnAgentsDescriptor()))

	rec := &eventRecorder{}
	d := New(reg, nil, nil, idgen.NewSequence("call"), nil, rec.record)

	handle := d.Dispatch(context.Background(), parser.Event{
		Kind:         parser.EventToolCall,
		ToolCallName: tool.SpawnAgentsName,
		Structured:   true,
		ToolCallInput: map[string]any{
			"agents": "not-an-array",
		},
	})
	assert.Nil(t, handle, "a rejected call returns no completion handle")
	d.MarkStreamDone()
	d.Drain()

	assert.True(t, d.HadToolCallError())

	assistantParts, toolResults, userErrors, calls := d.Results()
	assert.Empty(t, assistantParts, "no tool-call part is recorded for a validation failure")
	assert.Empty(t, toolResults, "no tool message is recorded for a validation failure")
	assert.Empty(t, calls)

	require.Len(t, userErrors, 1)
	assert.Contains(t, userErrors[0], "Error during tool call")
	assert.Contains(t, userErrors[0], "Invalid parameters for spawn_agents")

	events := rec.snapshot()
	require.Len(t, events, 1)
	assert.Equal(t, EventError, events[0].Kind)
}

// Scenario 3 (§8.3): ordering under an async handler. A's handler sleeps
// before returning; the commit-bound results must still appear in parse
// order, and Drain must wait for it to settle before returning.
func TestDispatcher_OrderingUnderAsyncHandler(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(readFilesDescriptor(func(ctx context.Context, input map[string]any) ([]message.OutputPart, error) {
		time.Sleep(20 * time.Millisecond)
		return []message.OutputPart{{Kind: message.PartText, Value: "slow"}}, nil
	})))

	rec := &eventRecorder{}
	d := New(reg, nil, nil, idgen.NewSequence("call"), nil, rec.record)

	handle := d.Dispatch(context.Background(), parser.Event{
		Kind:          parser.EventToolCall,
		ToolCallName:  "read_files",
		Structured:    true,
		ToolCallInput: map[string]any{"paths": []any{"a.ts"}},
	})
	require.NotNil(t, handle)

	d.MarkStreamDone()
	d.Drain() // must block until the 20ms handler has recorded its result

	assistantParts, toolResults, _, _ := d.Results()
	require.Len(t, assistantParts, 1)
	require.Len(t, toolResults, 1)
	assert.Equal(t, assistantParts[0].ToolCallID, toolResults[0].ToolCallID)

	events := rec.snapshot()
	require.Len(t, events, 2)
	assert.Equal(t, EventToolCall, events[0].Kind)
	assert.Equal(t, EventToolResult, events[1].Kind)
}

// A handler error must still produce a tool message (I-NO-ORPHAN holds
// even on handler failure), with an error-json output part and the
// propagation text appended as a user error.
func TestDispatcher_HandlerErrorStillRecordsToolMessage(t *testing.T) {
	reg := tool.NewRegistry()
	require.NoError(t, reg.Register(readFilesDescriptor(func(ctx context.Context, input map[string]any) ([]message.OutputPart, error) {
		return nil, assertErr("disk on fire")
	})))

	rec := &eventRecorder{}
	d := New(reg, nil, nil, idgen.NewSequence("call"), nil, rec.record)

	handle := d.Dispatch(context.Background(), parser.Event{
		Kind:          parser.EventToolCall,
		ToolCallName:  "read_files",
		Structured:    true,
		ToolCallInput: map[string]any{"paths": []any{"a.ts"}},
	})
	require.NotNil(t, handle)
	handle.Wait(context.Background())
	d.MarkStreamDone()
	d.Drain()

	assert.True(t, d.HadToolCallError())

	assistantParts, toolResults, userErrors, _ := d.Results()
	require.Len(t, assistantParts, 1, "the call was dispatched, so its tool-call part is still recorded")
	require.Len(t, toolResults, 1)
	assert.Equal(t, message.PartErrorJSON, toolResults[0].Output[0].Kind)
	require.Len(t, userErrors, 1)
	assert.Contains(t, userErrors[0], "disk on fire")
}

// An unknown tool name that does not match any spawnable agent id is
// rejected the same way as a schema failure (O4).
func TestDispatcher_UnknownToolRejectedBeforeDispatch(t *testing.T) {
	reg := tool.NewRegistry()
	rec := &eventRecorder{}
	d := New(reg, nil, nil, idgen.NewSequence("call"), nil, rec.record)

	handle := d.Dispatch(context.Background(), parser.Event{
		Kind:          parser.EventToolCall,
		ToolCallName:  "delete_universe",
		Structured:    true,
		ToolCallInput: map[string]any{},
	})
	assert.Nil(t, handle)
	d.MarkStreamDone()
	d.Drain()

	assert.True(t, d.HadToolCallError())
	assistantParts, toolResults, userErrors, _ := d.Results()
	assert.Empty(t, assistantParts)
	assert.Empty(t, toolResults)
	require.Len(t, userErrors, 1)
	assert.Contains(t, userErrors[0], "Unknown tool")
}

// Only the first of several endsAgentStep calls in one step is accepted;
// later ones are rejected exactly like an unknown/invalid call (§4.2).
func TestDispatcher_SecondStepEndingToolRejected(t *testing.T) {
	reg := tool.NewRegistry()
	makeEnder := func(name string) tool.Descriptor {
		return tool.Descriptor{
			Name:          name,
			EndsAgentStep: true,
			Kind:          tool.InProcess,
			Handler: func(ctx context.Context, input map[string]any) ([]message.OutputPart, error) {
				return []message.OutputPart{{Kind: message.PartText, Value: "ok"}}, nil
			},
		}
	}
	require.NoError(t, reg.Register(makeEnder("task_completed")))
	require.NoError(t, reg.Register(makeEnder("end_turn")))

	rec := &eventRecorder{}
	d := New(reg, nil, nil, idgen.NewSequence("call"), nil, rec.record)

	first := d.Dispatch(context.Background(), parser.Event{Kind: parser.EventToolCall, ToolCallName: "task_completed", Structured: true, ToolCallInput: map[string]any{}})
	require.NotNil(t, first)
	first.Wait(context.Background())

	second := d.Dispatch(context.Background(), parser.Event{Kind: parser.EventToolCall, ToolCallName: "end_turn", Structured: true, ToolCallInput: map[string]any{}})
	assert.Nil(t, second, "a second step-ending call in the same step must be rejected")

	d.MarkStreamDone()
	d.Drain()

	name, ended := d.EndedStep()
	assert.True(t, ended)
	assert.Equal(t, "task_completed", name)

	_, toolResults, userErrors, _ := d.Results()
	require.Len(t, toolResults, 1, "only the first step-ending call produces a tool message")
	require.Len(t, userErrors, 1)
	assert.Contains(t, userErrors[0], "end_turn")
}

type assertErr string

func (e assertErr) Error() string { return string(e) }
