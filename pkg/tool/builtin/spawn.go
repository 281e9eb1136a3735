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

package builtin

import (
	"context"
	"encoding/json"

	"golang.org/x/sync/errgroup"

	"github.com/kadirpekel/agentrtd/pkg/message"
	"github.com/kadirpekel/agentrtd/pkg/ports"
	"github.com/kadirpekel/agentrtd/pkg/tool"
)

// defaultMaxConcurrentSpawns bounds how many sibling children a single
// synchronous spawn_agents call runs concurrently, per §5's "orchestrator
// may allow up to N concurrent siblings for spawn_agents sync mode".
const defaultMaxConcurrentSpawns = 4

// SpawnConfig wires the spawn_agents descriptor to the orchestrator's
// in-process SpawnChildPort. Credit aggregation and SpawnedChildRunIDs
// bookkeeping (§4.4/§9's parent/child credit rollup) are the Port
// implementation's responsibility, not this tool's: the orchestrator
// binds one SpawnChildPort per run, closed over that run's AgentState, so
// every RunChild call it serves already knows which parent to charge.
type SpawnConfig struct {
	Port        ports.SpawnChildPort
	ParentRunID string

	// MaxConcurrentSync bounds sync-mode concurrency; <= 0 uses
	// defaultMaxConcurrentSpawns.
	MaxConcurrentSync int

	Logger ports.Logger
}

// NewSpawnAgents builds the spawn_agents descriptor: input is a list of
// {agentType, prompt, params?}, plus an optional async flag (§4.4/§6).
// Sync mode awaits every child and returns their outputs in request
// order; async mode fires children and returns only their run ids.
func NewSpawnAgents(cfg SpawnConfig) tool.Descriptor {
	return tool.Descriptor{
		Name:          tool.SpawnAgentsName,
		Description:   "Spawn one or more child agents. Sync mode awaits their results; async mode returns immediately with child run ids.",
		EndsAgentStep: false,
		InputSchema:   spawnAgentsSchema,
		Kind:          tool.Spawning,
		Spawn: func(ctx context.Context, requests []tool.SpawnRequest, async bool) ([]message.OutputPart, error) {
			if async {
				return spawnAsync(ctx, cfg, requests), nil
			}
			return spawnSync(ctx, cfg, requests), nil
		},
	}
}

var spawnAgentsSchema = map[string]any{
	"type": "object",
	"properties": map[string]any{
		"agents": map[string]any{
			"type": "array",
			"items": map[string]any{
				"type": "object",
				"properties": map[string]any{
					"agentType": map[string]any{"type": "string"},
					"prompt":    map[string]any{"type": "string"},
					"params":    map[string]any{"type": "object"},
				},
				"required": []any{"agentType"},
			},
		},
		"async": map[string]any{"type": "boolean", "description": "Fire-and-forget if true; default false."},
	},
	"required": []any{"agents"},
}

// spawnSync runs every request concurrently (bounded) and returns their
// outputs as one JSON output part per request, in request order
// regardless of completion order.
func spawnSync(ctx context.Context, cfg SpawnConfig, requests []tool.SpawnRequest) []message.OutputPart {
	limit := cfg.MaxConcurrentSync
	if limit <= 0 {
		limit = defaultMaxConcurrentSpawns
	}

	g, gctx := errgroup.WithContext(contextWithoutCancel(ctx))
	g.SetLimit(limit)

	outputs := make([]ports.AgentOutput, len(requests))
	for i, req := range requests {
		i, req := i, req
		g.Go(func() error {
			_, result := cfg.Port.RunChild(gctx, ports.SpawnRequest{
				AgentIdentifier: req.AgentIdentifier,
				Prompt:          req.Prompt,
				Params:          req.Params,
			}, cfg.ParentRunID)
			out, err := result()
			if err != nil {
				out = ports.AgentOutput{Kind: ports.OutputError, Err: ports.OutputError{Kind: "child_run_error", Message: err.Error()}}
			}
			outputs[i] = out
			return nil // a child's failure surfaces in its own output part, not as a tool error that would abort siblings.
		})
	}
	_ = g.Wait()

	parts := make([]message.OutputPart, 0, len(outputs))
	for _, out := range outputs {
		parts = append(parts, agentOutputPart(out))
	}
	return parts
}

// spawnAsync fires every request without waiting and returns only the
// assigned child run ids (§4.4's async mode contract).
func spawnAsync(ctx context.Context, cfg SpawnConfig, requests []tool.SpawnRequest) []message.OutputPart {
	ids := make([]string, len(requests))
	for i, req := range requests {
		childRunID, _ := cfg.Port.RunChild(ctx, ports.SpawnRequest{
			AgentIdentifier: req.AgentIdentifier,
			Prompt:          req.Prompt,
			Params:          req.Params,
		}, cfg.ParentRunID)
		ids[i] = childRunID
	}
	return []message.OutputPart{{Kind: message.PartJSON, Value: map[string]any{"childRunIds": ids}}}
}

// agentOutputPart renders a finished child's terminal AgentOutput as one
// JSON output part of the spawn_agents tool result.
func agentOutputPart(out ports.AgentOutput) message.OutputPart {
	switch out.Kind {
	case ports.OutputText:
		return message.OutputPart{Kind: message.PartJSON, Value: map[string]any{"type": "text", "text": out.Text}}
	case ports.OutputStructured:
		return message.OutputPart{Kind: message.PartJSON, Value: map[string]any{"type": "structured", "value": out.Structured}}
	case ports.OutputLastMessage:
		return message.OutputPart{Kind: message.PartJSON, Value: map[string]any{"type": "last_message", "value": lastMessageSummary(out.LastMessage)}}
	case ports.OutputError:
		return message.OutputPart{Kind: message.PartErrorJSON, Value: map[string]any{"kind": out.Err.Kind, "message": out.Err.Message}}
	default:
		return message.OutputPart{Kind: message.PartErrorJSON, Value: map[string]any{"error": "unknown child output kind"}}
	}
}

func lastMessageSummary(m *message.Message) any {
	if m == nil {
		return nil
	}
	data, err := json.Marshal(m.ToA2A())
	if err != nil {
		return nil
	}
	var v any
	_ = json.Unmarshal(data, &v)
	return v
}

// contextWithoutCancel strips cancellation from ctx while preserving its
// values, so a synchronous spawn_agents call's own request context
// (which the dispatcher's abort wiring cancels on run abort) does not
// prevent already-committed children from being recorded; abort
// propagation to in-flight children still happens because the
// orchestrator threads the run's own AbortSignal into each child's
// RunContext independently of this tool call's ctx.
func contextWithoutCancel(ctx context.Context) context.Context {
	return context.WithoutCancel(ctx)
}
