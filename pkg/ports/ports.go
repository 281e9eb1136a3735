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

// Package ports declares the narrow interfaces the runtime core depends
// on but never implements: the language-model transport, the
// client-delegated tool transport, the telemetry sink, and the credit
// ledger backend. Every concrete provider, billing system, or UI lives
// behind one of these, so the core stays free of wire formats and
// persistence concerns.
package ports

import (
	"context"

	"github.com/kadirpekel/agentrtd/pkg/message"
)

// StreamEvent is one element of the event sequence an LLMPort.Stream
// call produces: a text delta, a reasoning delta, a natively-structured
// tool call, or the terminal end-of-stream marker.
type StreamEventKind int

const (
	EventTextDelta StreamEventKind = iota
	EventReasoningDelta
	EventToolCallStructured
	EventEnd
)

// StreamEvent carries one event from the LLM token stream.
type StreamEvent struct {
	Kind StreamEventKind

	// TextDelta carries the delta string for both EventTextDelta and
	// EventReasoningDelta.
	TextDelta string

	// ToolCall carries the provider-native tool call for
	// EventToolCallStructured.
	ToolCall StructuredToolCall

	// Err carries a transport failure, observed as an EventEnd with Err
	// set.
	Err error
}

// StructuredToolCall is a tool call the provider emitted natively,
// bypassing the inline tag-grammar path.
type StructuredToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// Usage reports token/credit consumption the LLM port observed for a
// single call.
type Usage struct {
	InputTokens  int
	OutputTokens int
	Credits      float64
}

// CompletionRequest is the rendered prompt handed to the LLM port: system
// prompt, full message history, and the tool definitions available this
// step.
type CompletionRequest struct {
	Model        string
	SystemPrompt string
	Messages     []*message.Message
	Tools        []ToolDefinition
}

// ToolDefinition is the name/description/schema triple an LLM port needs
// to offer function-calling.
type ToolDefinition struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// StreamResult is the terminal value of a Stream call, available once the
// event channel closes.
type StreamResult struct {
	MessageID string
	Usage     Usage
	Aborted   bool
	Err       error
}

// CompletionResult is the result of a non-streaming Complete call.
type CompletionResult struct {
	Text  string
	Usage Usage
}

// StructuredResult is the result of a schema-constrained Structured call.
type StructuredResult struct {
	Value any
	Usage Usage
}

// LLMPort is the abstract language-model transport. The core never sees
// a provider's wire format, only this interface.
type LLMPort interface {
	// Stream opens a streaming completion. The returned channel is closed
	// when the stream ends (naturally, on abort, or on error); the final
	// StreamResult is delivered via result once the channel closes.
	Stream(ctx context.Context, req CompletionRequest) (events <-chan StreamEvent, result func() StreamResult, err error)

	// Complete performs a non-streaming completion.
	Complete(ctx context.Context, req CompletionRequest) (CompletionResult, error)

	// Structured performs a schema-constrained completion, used for
	// agent templates with outputMode=structured_output.
	Structured(ctx context.Context, req CompletionRequest, schema map[string]any) (StructuredResult, error)
}

// ToolClientPort forwards client-delegated tool calls (file reads, shell,
// anything the surrounding application owns) to the host over a
// request/response boundary.
type ToolClientPort interface {
	Request(ctx context.Context, toolName string, input map[string]any) ([]message.OutputPart, error)
}

// TelemetrySink records run/step lifecycle events. Calls are
// fire-and-forget: failures are logged by the caller but never fail the
// run.
type TelemetrySink interface {
	StartRun(ctx context.Context, rec StartRunRecord)
	AddStep(ctx context.Context, rec StepRecord)
	FinishRun(ctx context.Context, rec FinishRunRecord)
}

// StartRunRecord is emitted once, when a run begins.
type StartRunRecord struct {
	RunID         string
	ParentRunIDs  []string
	AgentID       string
	UserID        string
	TimestampUnix int64
}

// StepStatus classifies how a single step ended.
type StepStatus string

const (
	StepCompleted StepStatus = "completed"
	StepError     StepStatus = "error"
	StepAborted   StepStatus = "aborted"
)

// StepRecord is emitted once per committed (or failed/aborted) step.
type StepRecord struct {
	RunID            string
	StepNumber       int
	Credits          float64
	ChildRunIDs      []string
	MessageID        string
	Status           StepStatus
	ErrorMessage     string
	StartTimeUnix    int64
}

// RunStatus classifies the terminal condition of a finished run.
type RunStatus string

const (
	RunCompleted    RunStatus = "completed"
	RunMaxSteps     RunStatus = "max_steps"
	RunAborted      RunStatus = "aborted"
	RunError        RunStatus = "error"
	RunOutOfCredits RunStatus = "out_of_credits"
)

// FinishRunRecord is emitted once, when a run reaches a terminal state.
type FinishRunRecord struct {
	RunID         string
	Status        RunStatus
	TotalSteps    int
	DirectCredits float64
	TotalCredits  float64
}

// Logger is the injected structured-logging primitive (C8). The runtime
// depends on this interface, not on any concrete logging library, so
// hosts can route runtime logs into their own handler chain.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Warn(msg string, args ...any)
	Error(msg string, args ...any)
}
