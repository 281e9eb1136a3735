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

// Package builtin catalogues the small set of tools the runtime itself
// must define, because no external host collaborator could sensibly own
// them: the two step-ending control tools (task_completed, end_turn) and
// the spawn_agents family that recursively drives the orchestrator.
package builtin

import (
	"context"

	"github.com/kadirpekel/agentrtd/pkg/message"
	"github.com/kadirpekel/agentrtd/pkg/tool"
)

// TaskCompletedName is the step-ending tool a template-driven agent calls
// once it considers its assigned task finished, optionally carrying a
// final structured or textual result.
const TaskCompletedName = "task_completed"

// EndTurnName is the step-ending tool a conversational agent calls to
// hand control back to the user without declaring the larger task done.
const EndTurnName = "end_turn"

// NewTaskCompleted builds the task_completed descriptor. Its handler
// returns result (empty if absent) as the call's single text output part.
// The orchestrator does not read that part when it builds the run's
// AgentOutput: outputMode last_message reports the last logged message
// (typically this tool message), text reports the last assistant
// message's text, and structured_output asks the LLM port for a
// structured result.
func NewTaskCompleted() tool.Descriptor {
	return tool.Descriptor{
		Name:          TaskCompletedName,
		Description:   "Signal that the assigned task is complete, optionally carrying a final result.",
		EndsAgentStep: true,
		InputSchema: map[string]any{
			"type": "object",
			"properties": map[string]any{
				"result": map[string]any{"type": "string", "description": "Final result text, if any."},
			},
		},
		Kind: tool.InProcess,
		Handler: func(ctx context.Context, input map[string]any) ([]message.OutputPart, error) {
			result, _ := input["result"].(string)
			return []message.OutputPart{{Kind: message.PartText, Value: result}}, nil
		},
	}
}

// NewEndTurn builds the end_turn descriptor.
func NewEndTurn() tool.Descriptor {
	return tool.Descriptor{
		Name:          EndTurnName,
		Description:   "End the current turn and return control to the user.",
		EndsAgentStep: true,
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		Kind: tool.InProcess,
		Handler: func(ctx context.Context, input map[string]any) ([]message.OutputPart, error) {
			return []message.OutputPart{{Kind: message.PartText, Value: "ok"}}, nil
		},
	}
}
