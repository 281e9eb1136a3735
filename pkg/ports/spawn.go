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

package ports

import (
	"context"

	"github.com/kadirpekel/agentrtd/pkg/message"
)

// OutputKind discriminates the shape of an AgentOutput.
type OutputKind int

const (
	OutputText OutputKind = iota
	OutputStructured
	OutputLastMessage
	OutputError
)

// OutputError carries the kind/message pair for an OutputError result.
type OutputError struct {
	Kind    string
	Message string
}

// AgentOutput is the terminal result of a run or child run: exactly one
// of Text, Structured, LastMessage, or Err is populated, selected by Kind.
type AgentOutput struct {
	Kind OutputKind

	Text        string
	Structured  any
	LastMessage *message.Message
	Err         OutputError
}

// SpawnRequest is one child-agent instantiation requested by a spawning
// tool call.
type SpawnRequest struct {
	AgentIdentifier string
	Prompt          string
	Params          map[string]any
}

// SpawnChildPort is the opaque handle a spawning tool handler uses to run
// a child agent to completion. Implemented in-process by the
// orchestrator; never crosses a process boundary.
type SpawnChildPort interface {
	// RunChild runs one child agent to completion and returns its
	// terminal output. parentRunID threads the caller's run id into the
	// child's ParentRunIDs chain; childRunID is the id assigned to the
	// spawned run, returned so async callers can record it without
	// waiting for completion.
	RunChild(ctx context.Context, req SpawnRequest, parentRunID string) (childRunID string, result func() (AgentOutput, error))
}
