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

// Package agenterr defines the runtime's structured error taxonomy: a
// single Error type carrying an exported Kind, so callers can branch with
// errors.As instead of parsing message strings.
package agenterr

import (
	"errors"
	"fmt"
)

// Kind identifies the category of failure an Error represents.
type Kind string

const (
	// ToolUnknown: dispatcher could not find the tool name in the
	// registry and it did not match a spawnable agent id either.
	ToolUnknown Kind = "tool_unknown"

	// ToolInputInvalid: the parsed tool call's input failed schema
	// validation.
	ToolInputInvalid Kind = "tool_input_invalid"

	// ToolHandlerError: a handler returned an error, or the delegated
	// tool-client port reported one.
	ToolHandlerError Kind = "tool_handler_error"

	// LLMTransport: the LLM port failed (stream or complete).
	LLMTransport Kind = "llm_transport"

	// OutOfCredits: the credit gate refused preflight or settle.
	OutOfCredits Kind = "out_of_credits"

	// Aborted: the run's abort signal fired.
	Aborted Kind = "aborted"

	// InvariantBreach: the message log's commit-time pairing/adjacency
	// invariants were violated.
	InvariantBreach Kind = "invariant_breach"

	// UnknownAgent: the template assembler could not resolve an agent
	// identifier to a template.
	UnknownAgent Kind = "unknown_agent"
)

// Error is the runtime's structured error type. Component names the
// subsystem that raised it (e.g. "dispatcher", "step_runner",
// "credit_gate"); Op names the operation in progress; Err, if non-nil, is
// the proximate cause and is preserved for errors.Unwrap/errors.Is.
type Error struct {
	Kind      Kind
	Component string
	Op        string
	Message   string
	Err       error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %s: %v", e.Component, e.Op, e.Message, e.Err)
	}
	return fmt.Sprintf("%s: %s: %s", e.Component, e.Op, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/errors.As.
func (e *Error) Unwrap() error { return e.Err }

// New builds an Error with no wrapped cause.
func New(kind Kind, component, op, message string) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Message: message}
}

// Wrap builds an Error wrapping a proximate cause.
func Wrap(kind Kind, component, op, message string, err error) *Error {
	return &Error{Kind: kind, Component: component, Op: op, Message: message, Err: err}
}

// Is reports whether err carries the given Kind.
func Is(err error, kind Kind) bool {
	var e *Error
	if !errors.As(err, &e) {
		return false
	}
	return e.Kind == kind
}

// KindOf extracts the Kind carried by err, if any.
func KindOf(err error) (Kind, bool) {
	var e *Error
	if !errors.As(err, &e) {
		return "", false
	}
	return e.Kind, true
}
