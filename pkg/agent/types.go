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

// Package agent holds the runtime's per-run data model: the immutable
// template a run is instantiated from, the mutable state a run owns while
// it executes, and the run-scoped context (ids, abort signal) threaded
// through every component. Child references are modeled by opaque run id
// plus a lookup table rather than owning pointers, so the parent/child
// graph can never form a cycle.
package agent

import (
	"context"
	"sync"

	"github.com/kadirpekel/agentrtd/pkg/message"
	"github.com/kadirpekel/agentrtd/pkg/ports"
)

// OutputMode selects how a template's final answer is produced.
type OutputMode string

const (
	OutputModeText             OutputMode = "text"
	OutputModeStructuredOutput OutputMode = "structured_output"
	OutputModeLastMessage      OutputMode = "last_message"
)

// CommandKind discriminates the instructions of a scripted handleSteps
// program: a small sum type the step runner drives instead of calling the
// LLM port for that step. See Template.HandleSteps.
type CommandKind int

const (
	CommandEmitText CommandKind = iota
	CommandCallTool
	CommandWaitForTool
	CommandEnd
)

// Command is one step of a scripted agent's handleSteps program.
type Command struct {
	Kind CommandKind

	// CommandEmitText
	Text string

	// CommandCallTool
	ToolName string
	ToolArgs map[string]any

	// CommandWaitForTool carries no additional data: it signals the
	// runner should block until the in-flight tool call (issued by the
	// preceding CommandCallTool) has settled before advancing the
	// program.
}

// HandleStepsProgram is a scripted policy a template can carry in place of
// LLM-driven step generation: a small iterator over Commands. A step of a
// template that carries one makes no LLM call. Implementations are driven
// exclusively by the step runner, which owns command sequencing.
type HandleStepsProgram interface {
	// Next returns the next command, or ok=false once the program is
	// exhausted (equivalent to an implicit trailing CommandEnd).
	Next() (cmd Command, ok bool)
}

// Template is the immutable descriptor an agent run is instantiated from.
// Loaded once per run and cached by id. Carries yaml tags so fixtures can
// be loaded straight off disk by the cmd/agentrtd harness; HandleSteps has
// no serializable form and is always nil for a YAML-loaded template.
type Template struct {
	ID    string `yaml:"id"`
	Model string `yaml:"model,omitempty"`

	SystemPrompt string `yaml:"systemPrompt,omitempty"`
	StepPrompt   string `yaml:"stepPrompt,omitempty"`

	ToolNames       []string `yaml:"toolNames,omitempty"`
	SpawnableAgents []string `yaml:"spawnableAgents,omitempty"`

	InputSchema map[string]any `yaml:"inputSchema,omitempty"`
	OutputMode  OutputMode      `yaml:"outputMode,omitempty"`

	IncludeMessageHistory     bool `yaml:"includeMessageHistory,omitempty"`
	InheritParentSystemPrompt bool `yaml:"inheritParentSystemPrompt,omitempty"`

	HandleSteps HandleStepsProgram `yaml:"-"`
}

// AbortSignal is the single cancellation signal threaded through a run and
// all of its descendants. Built on context.Context so every port call
// that takes a ctx observes it automatically; Abort is idempotent and safe
// to call from any goroutine, any number of times.
type AbortSignal struct {
	ctx    context.Context
	cancel context.CancelFunc
	once   sync.Once
}

// NewAbortSignal creates a fresh, un-aborted signal derived from parent
// (background if parent is nil). Cancelling parent also aborts this
// signal, realizing parent-to-child abort propagation for spawned runs.
func NewAbortSignal(parent context.Context) *AbortSignal {
	if parent == nil {
		parent = context.Background()
	}
	ctx, cancel := context.WithCancel(parent)
	return &AbortSignal{ctx: ctx, cancel: cancel}
}

// Abort fires the signal. Safe to call more than once or concurrently;
// only the first call has any effect (P-ABORT-IDEMPOTENT).
func (a *AbortSignal) Abort() {
	a.once.Do(a.cancel)
}

// Aborted reports whether the signal has fired.
func (a *AbortSignal) Aborted() bool {
	select {
	case <-a.ctx.Done():
		return true
	default:
		return false
	}
}

// Context returns a context.Context that is Done exactly when the signal
// has fired; pass this to every port call so suspension points observe
// abort without a separate channel.
func (a *AbortSignal) Context() context.Context { return a.ctx }

// Child derives a new AbortSignal for a spawned run: aborting the parent
// aborts the child, but aborting the child never aborts the parent.
func (a *AbortSignal) Child() *AbortSignal { return NewAbortSignal(a.ctx) }

// RunContext is the per-run immutable context threaded through the step
// runner, dispatcher, and credit gate. ParentRunIDs is the chain of
// ancestor run ids, innermost (direct parent) last.
type RunContext struct {
	RunID           string
	ParentRunIDs    []string
	UserID          string
	ClientSessionID string
	FingerprintID   string
	RepoID          string

	Abort *AbortSignal

	// FileContext carries host-owned, opaque per-run context (open file
	// set, working directory) that tools consult but the core never
	// interprets.
	FileContext map[string]any
}

// WithChildRunID derives the RunContext a spawned child run sees: the same
// user/session identity, ParentRunIDs extended with this run's id, and a
// child AbortSignal linked to this run's.
func (rc RunContext) WithChildRunID(childRunID string) RunContext {
	child := rc
	child.RunID = childRunID
	child.ParentRunIDs = append(append([]string{}, rc.ParentRunIDs...), rc.RunID)
	child.Abort = rc.Abort.Child()
	return child
}

// ToolCall is one parsed, dispatcher-bound invocation: the process-unique
// id assigned at parse time, the tool name, and its input. Created by the
// parser/dispatcher, consumed by the handler, referenced forever after by
// the message log.
type ToolCall struct {
	ID    string
	Name  string
	Input map[string]any
}

// State is the per-agent mutable record the orchestrator creates when a
// run starts and the step runner that owns it mutates. Parent and child
// agents have distinct States; a child's State is never shared with its
// parent's.
type State struct {
	AgentType string

	Log *message.Log

	StepsRemaining int

	// creditsMu guards the credit/child-run-id fields below only. The
	// rest of State is single-writer (the owning step runner); these
	// three fields are the one exception, since async spawn_agents
	// reconciliation (§9 open question) folds a child's credits into its
	// parent from a background goroutine that outlives the step that
	// spawned it.
	creditsMu sync.Mutex

	// directCreditsUsed is this agent's own charges only (step/LLM/tool
	// credits it incurred directly, never a child's).
	directCreditsUsed float64

	// childCreditsUsed accumulates Σ child.TotalCredits() as children
	// finish, per P-CREDITS-AGGREGATE.
	childCreditsUsed float64

	// spawnedChildRunIDs accumulates as spawn_agents tool calls create
	// children, in the order they were spawned.
	spawnedChildRunIDs []string

	Output ports.AgentOutput
}

// NewState creates a fresh State for a run, seeded with an optional prior
// history (used for child agents whose template sets
// IncludeMessageHistory).
func NewState(agentType string, stepBudget int, seed ...*message.Message) *State {
	return &State{
		AgentType:      agentType,
		Log:            message.New(seed...),
		StepsRemaining: stepBudget,
	}
}

// AddDirectCredits records credits this agent incurred directly (step LLM
// usage, in-process/client-delegated tool cost).
func (s *State) AddDirectCredits(amount float64) {
	s.creditsMu.Lock()
	defer s.creditsMu.Unlock()
	s.directCreditsUsed += amount
}

// DirectCreditsUsed reports this agent's own charges only.
func (s *State) DirectCreditsUsed() float64 {
	s.creditsMu.Lock()
	defer s.creditsMu.Unlock()
	return s.directCreditsUsed
}

// AddChildCredits folds a finished child's total credits into this
// state's aggregate, per P-CREDITS-AGGREGATE (parent.totalCredits ==
// parent.directCredits + Σ child.totalCredits). directCreditsUsed is left
// untouched: it only ever reflects this agent's own charges. Safe to call
// from a background goroutine reconciling an async spawn_agents child
// that finishes after its parent's step already committed.
func (s *State) AddChildCredits(childTotalCredits float64) {
	s.creditsMu.Lock()
	defer s.creditsMu.Unlock()
	s.childCreditsUsed += childTotalCredits
}

// TotalCredits reports the aggregate credits this state is responsible
// for: its own direct charges plus whatever has been folded in from
// finished children via AddChildCredits.
func (s *State) TotalCredits() float64 {
	s.creditsMu.Lock()
	defer s.creditsMu.Unlock()
	return s.directCreditsUsed + s.childCreditsUsed
}

// AddSpawnedChildRunID records a child run id, in spawn order. Safe to
// call from the spawn_agents handler goroutine (see dispatcher's
// serialization spine) as well as from background async reconciliation.
func (s *State) AddSpawnedChildRunID(runID string) {
	s.creditsMu.Lock()
	defer s.creditsMu.Unlock()
	s.spawnedChildRunIDs = append(s.spawnedChildRunIDs, runID)
}

// SpawnedChildRunIDs returns the child run ids spawned so far, in order.
func (s *State) SpawnedChildRunIDs() []string {
	s.creditsMu.Lock()
	defer s.creditsMu.Unlock()
	return append([]string(nil), s.spawnedChildRunIDs...)
}
