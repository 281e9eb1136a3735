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

// Package steprunner implements the Agent Step Runner (C5): one
// prepare/stream/dispatch/finalize iteration of the agent loop, driving
// the stream parser and tool dispatcher over a single LLM call and
// committing their combined effect to the owning agent's message log.
//
// A Run call owns none of its inputs past its own return: the Dispatcher
// and Parser it constructs are scoped to the single step, matching the
// teacher's "per-step, discarded at commit" lifetime.
package steprunner

import (
	"context"
	"strings"

	"github.com/kadirpekel/agentrtd/pkg/agent"
	"github.com/kadirpekel/agentrtd/pkg/agenterr"
	"github.com/kadirpekel/agentrtd/pkg/dispatcher"
	"github.com/kadirpekel/agentrtd/pkg/idgen"
	"github.com/kadirpekel/agentrtd/pkg/message"
	"github.com/kadirpekel/agentrtd/pkg/observability"
	"github.com/kadirpekel/agentrtd/pkg/parser"
	"github.com/kadirpekel/agentrtd/pkg/ports"
	"github.com/kadirpekel/agentrtd/pkg/template"
	"github.com/kadirpekel/agentrtd/pkg/tool"
)

// Status is the terminal state a single Run call reaches (§4.5's
// PREPARING → STREAMING → DRAINING → COMMITTED machine, collapsed to its
// observable outcomes plus the ABORTED/FAILED branches).
type Status int

const (
	StatusCommitted Status = iota
	StatusAborted
	StatusFailed
)

// Result is everything the orchestrator needs to decide whether to run
// another step, aggregate credits, or terminate the run.
type Result struct {
	Status Status

	// Credits is the LLM usage cost this step incurred (tool-handler
	// costs, if any, are a host/billing concern outside this port
	// surface and are not modeled here).
	Credits float64

	// NewChildRunIDs holds the child run ids spawned during this step
	// only (not the agent's full history), so the orchestrator's
	// telemetry StepRecord.ChildRunIDs reflects just this step.
	NewChildRunIDs []string

	MessageID        string
	EndedStepTool    string
	Ended            bool
	HadToolCallError bool

	// Err is populated for StatusFailed, classified via agenterr.
	Err error
}

// Config wires one Run call to its collaborators. Most fields are
// required; Tracer/Metrics/Logger/OnText/OnReasoning are nil-safe.
type Config struct {
	Template agent.Template
	State    *agent.State
	RunCtx   agent.RunContext

	// ParentSystemPrompt is prepended to the system prompt when
	// Template.InheritParentSystemPrompt is set; ignored otherwise. The
	// orchestrator never sets it, so a spawned child's requests carry only
	// its own template's system prompt.
	ParentSystemPrompt string

	LLM        ports.LLMPort
	Registry   *tool.Registry
	ToolClient ports.ToolClientPort
	Assembler  *template.Assembler
	IdGen      idgen.IdGen

	Logger  ports.Logger
	Tracer  *observability.Tracer
	Metrics *observability.Metrics

	StepNumber int

	// Emit receives every UI-visible dispatch event (tool_call,
	// tool_result, error), in O1 order.
	Emit func(dispatcher.Event)
	// OnText/OnReasoning stream the step's free-form text/reasoning
	// deltas as the parser produces them. Both optional.
	OnText      func(string)
	OnReasoning func(string)
}

// Run executes one agent step to completion (or abort/failure) and
// returns its terminal Result. It never panics across this boundary:
// every failure is folded into Result.Err per §7's "runtime never throws
// across the orchestrator boundary".
func Run(ctx context.Context, cfg Config) Result {
	stepCtx, span := cfg.Tracer.StartStep(ctx, cfg.RunCtx.RunID, cfg.State.AgentType, cfg.StepNumber)
	defer span.End()

	if cfg.Emit == nil {
		cfg.Emit = func(dispatcher.Event) {}
	}

	snapshot := cfg.State.Log.Snapshot()
	prevChildRunIDs := len(cfg.State.SpawnedChildRunIDs())

	d := dispatcher.New(cfg.Registry, cfg.ToolClient, cfg.Assembler, cfg.IdGen, cfg.Template.SpawnableAgents, cfg.Emit,
		dispatcher.WithLogger(cfg.Logger),
		dispatcher.WithTracer(cfg.Tracer),
		dispatcher.WithMetrics(cfg.Metrics),
	)

	if cfg.Template.HandleSteps != nil {
		return runScripted(stepCtx, cfg, d, snapshot, prevChildRunIDs)
	}

	req := prepareRequest(cfg)

	events, streamResult, err := cfg.LLM.Stream(stepCtx, req)
	if err != nil {
		cfg.Tracer.RecordError(span, err)
		return Result{Status: StatusFailed, Err: agenterr.Wrap(agenterr.LLMTransport, "step_runner", "stream", "failed to open stream", err)}
	}

	p := parser.New()

	// textBuf/preToolText reassemble the plain-text assistant content
	// alongside the dispatcher's tool-call parts: Parser.Feed is entirely
	// synchronous (it writes straight into its own buffered channel), so
	// draining p.Events() right after every Feed call, on this same
	// goroutine, lets text and tool-call events be interleaved in true
	// parse order with no cross-goroutine race on the "step already
	// ended" check.
	var textBuf strings.Builder
	var preToolText []string
	var endedFlag bool

	processAvailable := func() {
		for {
			select {
			case ev, ok := <-p.Events():
				if !ok {
					return
				}
				switch ev.Kind {
				case parser.EventText:
					textBuf.WriteString(ev.Text)
					if cfg.OnText != nil {
						cfg.OnText(ev.Text)
					}
				case parser.EventReasoning:
					if cfg.OnReasoning != nil {
						cfg.OnReasoning(ev.Text)
					}
				case parser.EventToolCall:
					handle := d.Dispatch(stepCtx, ev)
					if handle != nil {
						preToolText = append(preToolText, textBuf.String())
						textBuf.Reset()
						if !ev.Structured {
							// Inline calls must settle before the parser
							// resumes consuming, so text after the closing
							// tag is emitted after this call's result
							// (§4.4 step 5).
							handle.Wait(stepCtx)
						}
					}
					if _, ok := d.EndedStep(); ok {
						endedFlag = true
					}
				}
			default:
				return
			}
		}
	}

	aborted := false
	transportErr := error(nil)

streamLoop:
	for {
		select {
		case <-cfg.RunCtx.Abort.Context().Done():
			aborted = true
			break streamLoop
		case ev, ok := <-events:
			if !ok {
				break streamLoop
			}
			if ev.Kind == ports.EventEnd {
				transportErr = ev.Err
				break streamLoop
			}
			p.Feed(ev)
			processAvailable()
			if endedFlag {
				break streamLoop
			}
		}
	}

	if aborted {
		p.Abort()
	}

	// The message id is only meaningful once the provider has actually
	// delivered a StreamResult, which the port contract only promises
	// once the events channel has closed naturally; on abort or
	// transport error we never call it, so the terminal carries no id.
	var res ports.StreamResult
	messageID := ""
	if !aborted && transportErr == nil {
		res = streamResult()
		messageID = res.MessageID
	}

	terminal := p.Finish(messageID, transportErr)
	processAvailable()
	d.MarkStreamDone()
	d.Drain()

	if transportErr != nil {
		cfg.Tracer.RecordError(span, transportErr)
		return Result{Status: StatusFailed, Err: agenterr.Wrap(agenterr.LLMTransport, "step_runner", "stream", "transport error mid-stream", terminal.Err)}
	}

	toolCallParts, toolResults, userErrors, _ := d.Results()
	assistantParts := mergeAssistantParts(preToolText, toolCallParts, textBuf.String())

	if terminal.Aborted {
		if err := cfg.State.Log.Commit(snapshot, assistantParts, toolResults, userErrors); err != nil {
			return failedCommit(err)
		}
		cfg.State.Log.AppendInterruptionMarker()
		return Result{
			Status:           StatusAborted,
			NewChildRunIDs:   newChildRunIDs(cfg, prevChildRunIDs),
			HadToolCallError: d.HadToolCallError(),
			Err:              agenterr.New(agenterr.Aborted, "step_runner", "stream", "run aborted mid-step"),
		}
	}

	cfg.State.AddDirectCredits(res.Usage.Credits)
	cfg.Tracer.AddLLMUsage(span, res.Usage.InputTokens, res.Usage.OutputTokens)
	cfg.Tracer.AddCredits(span, res.Usage.Credits)

	if err := cfg.State.Log.Commit(snapshot, assistantParts, toolResults, userErrors); err != nil {
		return failedCommit(err)
	}

	name, didEnd := d.EndedStep()
	return Result{
		Status:           StatusCommitted,
		Credits:          res.Usage.Credits,
		NewChildRunIDs:   newChildRunIDs(cfg, prevChildRunIDs),
		MessageID:        terminal.MessageID,
		EndedStepTool:    name,
		Ended:            didEnd,
		HadToolCallError: d.HadToolCallError(),
	}
}

// runScripted drives a step from Template.HandleSteps instead of an LLM
// completion: the program's Commands are the step's entire content, with
// the dispatcher still owning tool-call sequencing (the same serialization
// spine a provider's tool calls go through). No LLM port call is made, so
// the step incurs no credits.
func runScripted(stepCtx context.Context, cfg Config, d *dispatcher.Dispatcher, snapshot message.History, prevChildRunIDs int) Result {
	program := cfg.Template.HandleSteps

	var textBuf strings.Builder
	var preToolText []string
	var lastHandle *dispatcher.Handle
	aborted := false

programLoop:
	for {
		select {
		case <-cfg.RunCtx.Abort.Context().Done():
			aborted = true
			break programLoop
		default:
		}

		cmd, ok := program.Next()
		if !ok {
			break programLoop
		}

		switch cmd.Kind {
		case agent.CommandEmitText:
			textBuf.WriteString(cmd.Text)
			if cfg.OnText != nil {
				cfg.OnText(cmd.Text)
			}
		case agent.CommandCallTool:
			ev := parser.Event{
				Kind:          parser.EventToolCall,
				Structured:    true,
				ToolCallID:    cfg.IdGen.NewID(),
				ToolCallName:  cmd.ToolName,
				ToolCallInput: cmd.ToolArgs,
			}
			lastHandle = d.Dispatch(stepCtx, ev)
			if lastHandle != nil {
				preToolText = append(preToolText, textBuf.String())
				textBuf.Reset()
			}
			if _, didEnd := d.EndedStep(); didEnd {
				break programLoop
			}
		case agent.CommandWaitForTool:
			if lastHandle != nil {
				lastHandle.Wait(stepCtx)
			}
		case agent.CommandEnd:
			break programLoop
		}
	}

	d.MarkStreamDone()
	d.Drain()

	toolCallParts, toolResults, userErrors, _ := d.Results()
	assistantParts := mergeAssistantParts(preToolText, toolCallParts, textBuf.String())

	if aborted {
		if err := cfg.State.Log.Commit(snapshot, assistantParts, toolResults, userErrors); err != nil {
			return failedCommit(err)
		}
		cfg.State.Log.AppendInterruptionMarker()
		return Result{
			Status:           StatusAborted,
			NewChildRunIDs:   newChildRunIDs(cfg, prevChildRunIDs),
			HadToolCallError: d.HadToolCallError(),
			Err:              agenterr.New(agenterr.Aborted, "step_runner", "scripted", "run aborted mid-step"),
		}
	}

	if err := cfg.State.Log.Commit(snapshot, assistantParts, toolResults, userErrors); err != nil {
		return failedCommit(err)
	}

	name, didEnd := d.EndedStep()
	return Result{
		Status:           StatusCommitted,
		NewChildRunIDs:   newChildRunIDs(cfg, prevChildRunIDs),
		MessageID:        cfg.IdGen.NewID(),
		EndedStepTool:    name,
		Ended:            didEnd,
		HadToolCallError: d.HadToolCallError(),
	}
}

func failedCommit(err error) Result {
	return Result{
		Status: StatusFailed,
		Err:    agenterr.Wrap(agenterr.InvariantBreach, "step_runner", "commit", "message log commit failed", err),
	}
}

func newChildRunIDs(cfg Config, prevLen int) []string {
	all := cfg.State.SpawnedChildRunIDs()
	if prevLen >= len(all) {
		return nil
	}
	return append([]string(nil), all[prevLen:]...)
}

// mergeAssistantParts rebuilds the assistant message's ordered content
// (§3: "an ordered sequence of parts, each being either {text} or
// {tool-call}") from the dispatcher's tool-call parts (already in parse
// order, per the serialization spine) and the text captured ahead of each
// one, plus whatever text trailed the last tool call (or the step's only
// content, if it never called a tool).
func mergeAssistantParts(preToolText []string, toolCallParts []message.AssistantPart, trailingText string) []message.AssistantPart {
	parts := make([]message.AssistantPart, 0, len(toolCallParts)*2+1)
	for i, part := range toolCallParts {
		if i < len(preToolText) && preToolText[i] != "" {
			parts = append(parts, message.TextAssistantPart(preToolText[i]))
		}
		parts = append(parts, part)
	}
	if trailingText != "" {
		parts = append(parts, message.TextAssistantPart(trailingText))
	}
	return parts
}

// prepareRequest composes the system prompt (optionally inheriting the
// parent's, per Template.InheritParentSystemPrompt), appends the step
// prompt, and attaches the tool definitions the template allows.
func prepareRequest(cfg Config) ports.CompletionRequest {
	var sb strings.Builder
	if cfg.Template.InheritParentSystemPrompt && cfg.ParentSystemPrompt != "" {
		sb.WriteString(cfg.ParentSystemPrompt)
		sb.WriteString("\n\n")
	}
	sb.WriteString(cfg.Template.SystemPrompt)
	if cfg.Template.StepPrompt != "" {
		sb.WriteString("\n\n")
		sb.WriteString(cfg.Template.StepPrompt)
	}

	allowed := cfg.Registry.Filter(tool.AllowNamed(cfg.Template.ToolNames...))
	defs := make([]ports.ToolDefinition, 0, len(allowed))
	for _, d := range allowed {
		defs = append(defs, ports.ToolDefinition{Name: d.Name, Description: d.Description, Parameters: d.InputSchema})
	}

	return ports.CompletionRequest{
		Model:        cfg.Template.Model,
		SystemPrompt: sb.String(),
		Messages:     cfg.State.Log.Messages(),
		Tools:        defs,
	}
}
