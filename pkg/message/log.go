package message

import (
	"errors"
	"fmt"
)

// InvariantError reports a violation of the log's pairing/adjacency/orphan
// invariants. Surfaced to the step runner as an InvariantBreach error;
// commit-time invariant violations are fatal, not recoverable in-step.
type InvariantError struct {
	Invariant string // "duplicate_pair" | "non_adjacent" | "orphan_result"
	Detail    string
}

func (e *InvariantError) Error() string {
	return fmt.Sprintf("message log invariant %s violated: %s", e.Invariant, e.Detail)
}

// History is an immutable snapshot of the log's prefix, captured at the
// start of a step by Snapshot and used as the base for the following
// Commit.
type History struct {
	messages []*Message
}

// Messages returns the snapshot's messages in order. The returned slice
// must not be mutated by the caller.
func (h History) Messages() []*Message { return h.messages }

// Log is the append-only-within-a-step, transactionally-rewritten-at-step-end
// message history. A Log is owned by exactly one AgentState and must not be
// shared across agents or runs.
type Log struct {
	messages []*Message
}

// New creates an empty log, optionally seeded with a prior history (e.g.
// for a child agent whose template sets includeMessageHistory).
func New(seed ...*Message) *Log {
	l := &Log{}
	l.messages = append(l.messages, seed...)
	return l
}

// Snapshot captures the current prefix for use as the base of the step's
// eventual Commit.
func (l *Log) Snapshot() History {
	cp := make([]*Message, len(l.messages))
	copy(cp, l.messages)
	return History{messages: cp}
}

// AppendAssistantText appends a free-standing assistant text message,
// outside of any in-progress step commit (used by callers composing a
// history directly, e.g. tests and fixtures; the step runner itself always
// goes through Commit).
func (l *Log) AppendAssistantText(text string) {
	l.messages = append(l.messages, NewAssistant(TextAssistantPart(text)))
}

// AppendUserError appends a user-role message describing a tool-call that
// failed before dispatch (unknown tool, schema-invalid input). It is never
// paired with a tool message, so it never creates an orphaned tool result.
func (l *Log) AppendUserError(text string) {
	l.messages = append(l.messages, NewUser(text))
}

// Commit replaces the log with snapshot ++ assistantParts-as-one-message
// ++ toolResults ++ userErrors, which is the ordering that keeps every tool
// result paired with, and adjacent to, its originating tool-call regardless
// of the order in which async tool handlers actually resolved.
//
// assistantParts become a single assistant message (if non-empty); each
// tool-call part in it must have a matching entry in toolResults, unless
// it was rejected before dispatch, in which case it must not appear in
// assistantParts at all (callers are responsible for only including
// tool-call parts for calls that were actually dispatched).
func (l *Log) Commit(snapshot History, assistantParts []AssistantPart, toolResults []*Message, userErrors []string) error {
	if err := validateCommit(assistantParts, toolResults); err != nil {
		return err
	}

	next := make([]*Message, 0, len(snapshot.messages)+1+len(toolResults)+len(userErrors))
	next = append(next, snapshot.messages...)

	if len(assistantParts) > 0 {
		next = append(next, NewAssistant(assistantParts...))
	}

	next = append(next, toolResults...)

	for _, e := range userErrors {
		next = append(next, NewUser(e))
	}

	l.messages = next
	return nil
}

// validateCommit enforces pairing, adjacency, and no-orphan-results over
// the about-to-be-committed slice of assistant tool-call parts and tool
// messages, independent of how they are merged into the wider log: since
// Commit always appends the tool-result block immediately after the single
// assistant message it derives from the assistantParts, adjacency holds by
// construction once pairing does.
func validateCommit(assistantParts []AssistantPart, toolResults []*Message) error {
	var callOrder []string
	calls := make(map[string]bool, len(assistantParts))
	for _, p := range assistantParts {
		if !p.IsToolCall {
			continue
		}
		if calls[p.ToolCallID] {
			return &InvariantError{Invariant: "duplicate_pair", Detail: fmt.Sprintf("duplicate tool-call id %q in assistant parts", p.ToolCallID)}
		}
		calls[p.ToolCallID] = true
		callOrder = append(callOrder, p.ToolCallID)
	}

	seenResults := make(map[string]bool, len(toolResults))
	for i, r := range toolResults {
		if r.Role != RoleTool {
			continue
		}
		if !calls[r.ToolCallID] {
			return &InvariantError{Invariant: "orphan_result", Detail: fmt.Sprintf("tool message for id %q has no matching assistant tool-call", r.ToolCallID)}
		}
		if seenResults[r.ToolCallID] {
			return &InvariantError{Invariant: "duplicate_pair", Detail: fmt.Sprintf("duplicate tool result for id %q", r.ToolCallID)}
		}
		seenResults[r.ToolCallID] = true
		if i < len(callOrder) && callOrder[i] != r.ToolCallID {
			return &InvariantError{Invariant: "non_adjacent", Detail: fmt.Sprintf("tool result for %q out of parse order at position %d", r.ToolCallID, i)}
		}
	}

	return nil
}

// AppendInterruptionMarker appends the "[Request interrupted by user]"
// marker to the last assistant message's text, on abort mid-stream. If the
// log is empty or the last message is not an assistant message, a new
// assistant message carrying only the marker is appended.
func (l *Log) AppendInterruptionMarker() {
	const marker = "[Request interrupted by user]"

	if len(l.messages) > 0 {
		last := l.messages[len(l.messages)-1]
		if last.Role == RoleAssistant {
			last.Parts = append(last.Parts, TextAssistantPart(marker))
			return
		}
	}
	l.messages = append(l.messages, NewAssistant(TextAssistantPart(marker)))
}

// Messages returns the log's current messages in order. The returned slice
// must not be mutated by the caller.
func (l *Log) Messages() []*Message { return l.messages }

// IsInvariantError reports whether err is (or wraps) an *InvariantError.
func IsInvariantError(err error) bool {
	var ie *InvariantError
	return errors.As(err, &ie)
}
