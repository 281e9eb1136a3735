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

// Package dispatcher implements the Tool Dispatcher (C4): validates a
// parsed tool call's input, invokes its handler, and serializes the
// *recording* of its effects (telemetry buffers, message-history buffers,
// UI events) into parse order via a one-shot completion-handle chain (the
// "serialization spine" of §4.4/§9), even when several handlers are
// in-flight concurrently.
//
// A Dispatcher instance is per-step: the step runner constructs a fresh
// one for every agent step and discards it at commit, so none of its
// mutable state is ever shared across steps or agents.
package dispatcher

import (
	"context"
	"fmt"
	"sync"

	"github.com/kadirpekel/agentrtd/pkg/agent"
	"github.com/kadirpekel/agentrtd/pkg/agenterr"
	"github.com/kadirpekel/agentrtd/pkg/idgen"
	"github.com/kadirpekel/agentrtd/pkg/message"
	"github.com/kadirpekel/agentrtd/pkg/observability"
	"github.com/kadirpekel/agentrtd/pkg/parser"
	"github.com/kadirpekel/agentrtd/pkg/ports"
	"github.com/kadirpekel/agentrtd/pkg/template"
	"github.com/kadirpekel/agentrtd/pkg/tool"
)

// EventKind discriminates a UI-visible dispatch event.
type EventKind int

const (
	EventToolCall EventKind = iota
	EventToolResult
	EventError
)

// Event is one UI-visible dispatch notification, emitted in the exact
// order O1 requires: a tool's Result event always follows its own Call
// event, and calls/results appear in the order their tool calls were
// parsed.
type Event struct {
	Kind EventKind

	ToolCallID string
	ToolName   string
	Input      map[string]any
	Output     []message.OutputPart

	// ErrorMessage is populated for EventError: the rejection detail
	// (e.g. `Unknown tool "x"`). The full "Error during tool call: ..."
	// text built from it is appended to history as a user message, per
	// §7's propagation rule.
	ErrorMessage string
}

// Handle is the one-shot synchronization primitive realizing
// previousToolCallFinished / streamDone: a single-slot handle that other
// goroutines can wait on exactly once.
type Handle struct {
	done chan struct{}
}

func newHandle() *Handle { return &Handle{done: make(chan struct{})} }

func (h *Handle) finish() { close(h.done) }

// Wait blocks until h finishes or ctx is done; returning does not imply h
// finished when ctx was cancelled. The dispatcher's own spine waits with
// waitUnconditional instead, and Drain waits for every in-flight handler.
func (h *Handle) Wait(ctx context.Context) {
	select {
	case <-h.done:
	case <-ctx.Done():
	}
}

func (h *Handle) waitUnconditional() { <-h.done }

// FileProcessingState coalesces handler effects that touch the same
// named resource (typically a file path) so that, even when the
// dispatch spine lets two client-delegated round trips overlap in
// flight, writes to the same path are chained rather than racing. Tools
// opt in by passing a non-empty path to Chain.
type FileProcessingState struct {
	mu     sync.Mutex
	chains map[string]*Handle
}

// NewFileProcessingState creates an empty, per-step file coalescing
// table.
func NewFileProcessingState() *FileProcessingState {
	return &FileProcessingState{chains: make(map[string]*Handle)}
}

// Chain runs fn only after any previously chained operation on the same
// path has completed (or ctx is done, in which case fn runs without
// waiting further), and registers fn's completion as the new tail of
// that path's chain. A nil state (or empty path) runs fn immediately,
// unchained.
func (f *FileProcessingState) Chain(ctx context.Context, path string, fn func() ([]message.OutputPart, error)) ([]message.OutputPart, error) {
	if f == nil || path == "" {
		return fn()
	}

	f.mu.Lock()
	prev := f.chains[path]
	mine := newHandle()
	f.chains[path] = mine
	f.mu.Unlock()

	if prev != nil {
		prev.Wait(ctx)
	}
	defer mine.finish()
	return fn()
}

// Descriptor extension: a tool may additionally request to see the whole
// stream before its handler runs (an end-of-step summarizer, say) rather
// than merely the immediately-preceding tool call. WaitsForStreamEnd is
// looked up from this side table, keyed by tool name, since tool.Descriptor
// itself carries no such field (see DESIGN.md's resolution of the
// streamDone open question).
type streamEndWaiters map[string]bool

// Dispatcher drives the dispatch algorithm for a single agent step.
type Dispatcher struct {
	registry   *tool.Registry
	toolClient ports.ToolClientPort
	assembler  *template.Assembler
	idgen      idgen.IdGen
	logger     ports.Logger
	tracer     *observability.Tracer
	metrics    *observability.Metrics

	spawnableAgents []string
	waitsForStream  streamEndWaiters

	emit func(Event)

	mu                     sync.Mutex
	toolCalls              []agent.ToolCall
	toolResults            []*message.Message
	assistantToolCallParts []message.AssistantPart
	hadToolCallError       bool
	errorMessages          []string
	stepEndingClaimed      bool
	stepEndingName         string

	previous   *Handle
	streamDone *Handle

	wg sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithMetrics attaches a Prometheus recorder (nil is safe).
func WithMetrics(m *observability.Metrics) Option { return func(d *Dispatcher) { d.metrics = m } }

// WithTracer attaches an OpenTelemetry tracer (nil is safe).
func WithTracer(t *observability.Tracer) Option { return func(d *Dispatcher) { d.tracer = t } }

// WithLogger attaches a structured logger.
func WithLogger(l ports.Logger) Option { return func(d *Dispatcher) { d.logger = l } }

// WithStreamEndWaiters marks tool names whose handler must not start
// until the parser has fully terminated (its previousToolCallFinished is
// additionally chained to streamDone).
func WithStreamEndWaiters(names ...string) Option {
	return func(d *Dispatcher) {
		for _, n := range names {
			d.waitsForStream[n] = true
		}
	}
}

// New creates a fresh per-step Dispatcher. emit is called (possibly from
// a handler goroutine) for every UI-visible event, in O1 order;
// spawnableAgents is the owning template's allowlist of agent ids the
// unknown-tool compatibility shim may rewrite a call into.
func New(
	registry *tool.Registry,
	toolClient ports.ToolClientPort,
	assembler *template.Assembler,
	idGen idgen.IdGen,
	spawnableAgents []string,
	emit func(Event),
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		registry:        registry,
		toolClient:      toolClient,
		assembler:       assembler,
		idgen:           idGen,
		spawnableAgents: spawnableAgents,
		waitsForStream:  make(streamEndWaiters),
		emit:            emit,
		previous:        newHandle(),
		streamDone:      newHandle(),
	}
	d.previous.finish() // nothing precedes the first call; it never blocks.
	for _, opt := range opts {
		opt(d)
	}
	return d
}

// MarkStreamDone signals that the parser has terminated, releasing any
// handler chained to wait for it.
func (d *Dispatcher) MarkStreamDone() { d.streamDone.finish() }

// Dispatch processes one parser tool-call event: it assigns a toolCallID,
// resolves the descriptor (applying the spawn-agents compatibility shim
// and, failing that, rejecting with a recorded user-visible error),
// validates input, and — if accepted — launches the handler on the
// serialization spine. It returns the completion handle for this call so
// the step runner can await it for inline (tag-grammar) calls per step 5
// of the dispatch algorithm; callers that don't need to block (structured
// calls) may discard it.
func (d *Dispatcher) Dispatch(ctx context.Context, ev parser.Event) *Handle {
	name := ev.ToolCallName
	input := toolInput(ev)

	var id string
	if ev.Structured && ev.ToolCallID != "" {
		id = ev.ToolCallID
	} else {
		id = d.idgen.NewID()
	}

	desc, ok := d.registry.Lookup(name)
	if !ok {
		shimmed, rok := d.shimSpawn(name, input)
		if !rok {
			d.rejectBeforeDispatch(id, name, input, agenterr.ToolUnknown,
				fmt.Sprintf("Unknown tool %q", name))
			return nil
		}
		desc = shimmed.desc
		name = tool.SpawnAgentsName
		input = shimmed.shimInput
	}

	if err := validateInput(desc, input); err != nil {
		d.rejectBeforeDispatch(id, name, input, agenterr.ToolInputInvalid,
			fmt.Sprintf("Invalid parameters for %s: %v", name, err))
		return nil
	}

	if desc.EndsAgentStep {
		d.mu.Lock()
		if d.stepEndingClaimed {
			d.mu.Unlock()
			d.rejectBeforeDispatch(id, name, input, agenterr.ToolInputInvalid,
				fmt.Sprintf("An agent step may contain at most one step-ending tool call; %q was rejected because %q already ended this step", name, d.stepEndingName))
			return nil
		}
		d.stepEndingClaimed = true
		d.stepEndingName = name
		d.mu.Unlock()
	}

	return d.dispatchAccepted(ctx, id, name, input, desc)
}

// rejectBeforeDispatch implements O4: no tool-call or tool message is ever
// recorded for a call that fails before dispatch (unknown name, invalid
// schema, duplicate step-ending call). It emits a UI error event and
// records the user-visible propagation text (§7) for the eventual commit.
func (d *Dispatcher) rejectBeforeDispatch(id, name string, input map[string]any, kind agenterr.Kind, detail string) {
	d.mu.Lock()
	d.hadToolCallError = true
	userMsg := fmt.Sprintf("Error during tool call: %s. Please check the tool name and arguments and try again.", detail)
	d.errorMessages = append(d.errorMessages, userMsg)
	d.mu.Unlock()

	if d.logger != nil {
		d.logger.Warn("tool call rejected before dispatch", "tool", name, "tool_call_id", id, "kind", string(kind), "detail", detail)
	}
	d.emit(Event{Kind: EventError, ToolCallID: id, ToolName: name, Input: input, ErrorMessage: detail})
}

// dispatchAccepted launches the accepted call's handler on the spine:
// mine waits for previous (and, for stream-end waiters, streamDone), then
// runs the handler, records its effects, and emits its events — all
// before finishing, so the next call's wait observes a fully-recorded
// predecessor.
func (d *Dispatcher) dispatchAccepted(ctx context.Context, id, name string, input map[string]any, desc tool.Descriptor) *Handle {
	previous := d.previous
	mine := newHandle()
	d.previous = mine

	waitStream := d.waitsForStream[name]
	streamDone := d.streamDone

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		defer mine.finish()

		previous.waitUnconditional()
		if waitStream {
			streamDone.waitUnconditional()
		}

		spanCtx, span := d.tracer.StartDispatch(ctx, id, name)
		output, herr := invoke(spanCtx, desc, d.toolClient, input)
		if herr != nil {
			d.tracer.RecordError(span, herr)
		}
		span.End()

		d.record(id, name, input, output, herr)
	}()

	return mine
}

// invoke calls the one Go-side handler appropriate to desc.Kind. A
// Spawning descriptor's canonical input shape is §6's
// `{agents: [{agentType, prompt, params?}], async?: bool}`; invoke parses
// it once, here, so every spawning tool (the builtin spawn_agents, and
// the compatibility shim that rewrites unknown-but-spawnable names into
// it) shares one parsing path.
func invoke(ctx context.Context, desc tool.Descriptor, client ports.ToolClientPort, input map[string]any) ([]message.OutputPart, error) {
	switch desc.Kind {
	case tool.InProcess:
		return desc.Handler(ctx, input)
	case tool.ClientDelegated:
		if client == nil {
			return nil, fmt.Errorf("tool %q: no ToolClientPort configured", desc.Name)
		}
		return client.Request(ctx, desc.Name, input)
	case tool.Spawning:
		requests, async, err := parseSpawnInput(input)
		if err != nil {
			return nil, err
		}
		return desc.Spawn(ctx, requests, async)
	default:
		return nil, fmt.Errorf("tool %q: unhandled descriptor kind %v", desc.Name, desc.Kind)
	}
}

// record appends the call's telemetry/history buffers and emits its UI
// events, in that order, per the pseudocode in §4.4. A handler error
// becomes an error-json output part rather than a rejection: the call was
// legitimately dispatched, so I-NO-ORPHAN still requires a tool message.
func (d *Dispatcher) record(id, name string, input map[string]any, output []message.OutputPart, herr error) {
	if herr != nil {
		output = []message.OutputPart{{Kind: message.PartErrorJSON, Value: map[string]any{"error": herr.Error()}}}
	}

	d.mu.Lock()
	d.toolCalls = append(d.toolCalls, agent.ToolCall{ID: id, Name: name, Input: input})
	d.assistantToolCallParts = append(d.assistantToolCallParts, message.ToolCallAssistantPart(id, name, input))
	resultMsg := message.NewToolResult(id, name, output...)
	d.toolResults = append(d.toolResults, resultMsg)
	if herr != nil {
		d.hadToolCallError = true
		userMsg := fmt.Sprintf("Error during tool call: %s. Please check the tool name and arguments and try again.", herr.Error())
		d.errorMessages = append(d.errorMessages, userMsg)
	}
	d.mu.Unlock()

	if d.metrics != nil {
		outcome := "ok"
		if herr != nil {
			outcome = "error"
		}
		d.metrics.RecordDispatch(name, outcome, 0)
	}

	d.emit(Event{Kind: EventToolCall, ToolCallID: id, ToolName: name, Input: input})
	d.emit(Event{Kind: EventToolResult, ToolCallID: id, ToolName: name, Output: output})
}

// Drain waits for every in-flight handler to settle, unconditionally
// (honoring §5's "in-flight handlers are allowed to settle... unless they
// honor the signal themselves" — Drain itself never aborts a handler, it
// only waits for it to finish recording). The step runner calls this
// before Finalize/commit regardless of how the step ended (stream end,
// endsAgentStep, or abort).
func (d *Dispatcher) Drain() {
	d.wg.Wait()
}

// EndedStep reports whether a step-ending tool call was accepted this
// step, and its name.
func (d *Dispatcher) EndedStep() (name string, ended bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.stepEndingName, d.stepEndingClaimed
}

// HadToolCallError reports whether any tool call this step failed before
// dispatch or at the handler.
func (d *Dispatcher) HadToolCallError() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.hadToolCallError
}

// Results returns the accumulated commit inputs: assistant tool-call
// parts and tool-result messages in parse order (ready for
// message.Log.Commit), plus the user-visible error texts to append after
// them, plus the ordered ToolCall/ToolOutput pairs for telemetry.
func (d *Dispatcher) Results() (assistantParts []message.AssistantPart, toolResults []*message.Message, userErrors []string, calls []agent.ToolCall) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]message.AssistantPart(nil), d.assistantToolCallParts...),
		append([]*message.Message(nil), d.toolResults...),
		append([]string(nil), d.errorMessages...),
		append([]agent.ToolCall(nil), d.toolCalls...)
}

// toolInput normalizes a parser.Event's two possible input shapes
// (provider-structured map[string]any, or the raw map[string]string
// params the tag-grammar FSM captures) into the map[string]any shape
// every Descriptor.Handler/schema expects.
func toolInput(ev parser.Event) map[string]any {
	if ev.Structured {
		if ev.ToolCallInput != nil {
			return ev.ToolCallInput
		}
		return map[string]any{}
	}
	out := make(map[string]any, len(ev.ToolCallArgs))
	for k, v := range ev.ToolCallArgs {
		out[k] = v
	}
	return out
}
