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

// Package message implements the agent run's ordered conversation log: a
// tagged-variant history of system/user/assistant/tool messages, the
// pairing/adjacency invariants that keep it valid for every LLM provider,
// and the single transactional rewrite that applies at the end of an agent
// step.
//
// Wire-level content reuses the a2a.Part vocabulary (TextPart, DataPart):
// a tool-call or tool-result is an a2a.DataPart carrying a "type"
// discriminator in its Data map, so the log composes with anything
// already speaking a2a.
package message

import (
	"github.com/a2aproject/a2a-go/a2a"
)

// Role identifies the sender of a Message.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// PartKind discriminates the typed parts of a tool message's output.
type PartKind string

const (
	PartText      PartKind = "text"
	PartJSON      PartKind = "json"
	PartErrorText PartKind = "error-text"
	PartErrorJSON PartKind = "error-json"
	PartMedia     PartKind = "media"
)

// OutputPart is one typed chunk of a tool's output.
type OutputPart struct {
	Kind  PartKind
	Value any
}

// AssistantPart is one element of an assistant message's content: either
// free text or a tool-call request. Exactly one of the two is populated,
// discriminated by IsToolCall.
type AssistantPart struct {
	IsToolCall bool

	Text string

	ToolCallID   string
	ToolCallName string
	ToolCallArgs map[string]any
}

// TextAssistantPart builds a plain-text assistant content part.
func TextAssistantPart(text string) AssistantPart {
	return AssistantPart{Text: text}
}

// ToolCallAssistantPart builds a tool-call assistant content part.
func ToolCallAssistantPart(id, name string, args map[string]any) AssistantPart {
	return AssistantPart{
		IsToolCall:   true,
		ToolCallID:   id,
		ToolCallName: name,
		ToolCallArgs: args,
	}
}

// Message is one entry in the log.
type Message struct {
	Role Role

	// Assistant messages carry Parts.
	Parts []AssistantPart

	// Tool messages carry ToolCallID/ToolName/Output.
	ToolCallID string
	ToolName   string
	Output     []OutputPart

	// Text is the plain body for system/user messages (including the
	// user-visible "Error during tool call: ..." messages appended by the
	// dispatcher). The "[Request interrupted by user]" abort marker is not
	// stored here: Log.AppendInterruptionMarker adds it as an assistant
	// text part.
	Text string
}

// NewSystem builds a system message.
func NewSystem(text string) *Message { return &Message{Role: RoleSystem, Text: text} }

// NewUser builds a user message.
func NewUser(text string) *Message { return &Message{Role: RoleUser, Text: text} }

// NewAssistant builds an assistant message from ordered content parts.
func NewAssistant(parts ...AssistantPart) *Message {
	return &Message{Role: RoleAssistant, Parts: parts}
}

// NewToolResult builds a tool message.
func NewToolResult(toolCallID, toolName string, output ...OutputPart) *Message {
	return &Message{Role: RoleTool, ToolCallID: toolCallID, ToolName: toolName, Output: output}
}

// ToolCallIDs returns the ids of every tool-call part in an assistant message,
// in part order. Returns nil for non-assistant messages.
func (m *Message) ToolCallIDs() []string {
	if m.Role != RoleAssistant {
		return nil
	}
	var ids []string
	for _, p := range m.Parts {
		if p.IsToolCall {
			ids = append(ids, p.ToolCallID)
		}
	}
	return ids
}

// ToA2A renders the message as an a2a.Message, for handing off to a
// transport or LLM port that only understands the a2a wire vocabulary.
// Tool calls and tool outputs are encoded as a2a.DataPart with a "type"
// discriminator.
func (m *Message) ToA2A() *a2a.Message {
	role := a2a.MessageRoleUser
	switch m.Role {
	case RoleAssistant:
		role = a2a.MessageRoleAgent
	case RoleUser, RoleSystem, RoleTool:
		role = a2a.MessageRoleUser
	}

	switch m.Role {
	case RoleAssistant:
		parts := make([]a2a.Part, 0, len(m.Parts))
		for _, p := range m.Parts {
			if p.IsToolCall {
				parts = append(parts, a2a.DataPart{Data: map[string]any{
					"type": "tool_call",
					"id":   p.ToolCallID,
					"name": p.ToolCallName,
					"args": p.ToolCallArgs,
				}})
				continue
			}
			parts = append(parts, a2a.TextPart{Text: p.Text})
		}
		return a2a.NewMessage(role, parts...)
	case RoleTool:
		outputs := make([]map[string]any, 0, len(m.Output))
		for _, o := range m.Output {
			outputs = append(outputs, map[string]any{"kind": string(o.Kind), "value": o.Value})
		}
		return a2a.NewMessage(role, a2a.DataPart{Data: map[string]any{
			"type":         "tool_result",
			"tool_call_id": m.ToolCallID,
			"tool_name":    m.ToolName,
			"output":       outputs,
		}})
	default:
		return a2a.NewMessage(role, a2a.TextPart{Text: m.Text})
	}
}
