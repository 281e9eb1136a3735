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

package dispatcher

import (
	"fmt"
	"slices"

	"github.com/kadirpekel/agentrtd/pkg/tool"
)

// parseSpawnInput parses the canonical spawn_agents input shape
// (§6/§4.4): `{agents: [{agentType, prompt, params?}], async?: bool}`.
func parseSpawnInput(input map[string]any) ([]tool.SpawnRequest, bool, error) {
	raw, ok := input["agents"].([]any)
	if !ok {
		return nil, false, fmt.Errorf("spawn_agents: %q must be an array", "agents")
	}

	requests := make([]tool.SpawnRequest, 0, len(raw))
	for i, item := range raw {
		m, ok := item.(map[string]any)
		if !ok {
			return nil, false, fmt.Errorf("spawn_agents: agents[%d] must be an object", i)
		}
		agentType, _ := m["agentType"].(string)
		if agentType == "" {
			return nil, false, fmt.Errorf("spawn_agents: agents[%d].agentType is required", i)
		}
		prompt, _ := m["prompt"].(string)
		params, _ := m["params"].(map[string]any)
		requests = append(requests, tool.SpawnRequest{AgentIdentifier: agentType, Prompt: prompt, Params: params})
	}

	async, _ := input["async"].(bool)
	return requests, async, nil
}

// shimResult carries the rewritten descriptor and input produced by the
// spawn-agents compatibility shim.
type shimResult struct {
	desc      tool.Descriptor
	shimInput map[string]any
}

// shimSpawn implements §4.4 step 2's compatibility rewrite: a model that
// emits a tool call whose name is not registered, but matches one of the
// owning template's spawnableAgents ids, is treated as shorthand for
// calling spawn_agents with a single synchronous request naming that
// agent. Returns ok=false if name is not a registered spawnable agent id,
// or if spawn_agents itself is not registered (no spawn capability at
// all).
func (d *Dispatcher) shimSpawn(name string, input map[string]any) (shimResult, bool) {
	if !slices.Contains(d.spawnableAgents, name) {
		return shimResult{}, false
	}
	spawnDesc, ok := d.registry.Lookup(tool.SpawnAgentsName)
	if !ok {
		return shimResult{}, false
	}

	prompt, _ := input["prompt"].(string)
	shimmedInput := map[string]any{
		"agents": []any{
			map[string]any{
				"agentType": name,
				"prompt":    prompt,
				"params":    input,
			},
		},
		"async": false,
	}
	return shimResult{desc: spawnDesc, shimInput: shimmedInput}, true
}
