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

package orchestrator

import (
	"context"

	"github.com/kadirpekel/agentrtd/pkg/agent"
	"github.com/kadirpekel/agentrtd/pkg/ports"
)

// runChildPort implements ports.SpawnChildPort for exactly one run: it
// closes over that run's RunContext and AgentState, so every child it
// spawns is charged to the right parent without a global runID lookup
// table. buildRunRegistry constructs a fresh one per run.
type runChildPort struct {
	orch        *Orchestrator
	parentRC    agent.RunContext
	parentState *agent.State
}

// RunChild resolves req.AgentIdentifier, derives the child's RunContext
// via WithChildRunID (extending ParentRunIDs, linking abort signals), and
// runs it in its own goroutine. The child run id is recorded against the
// parent immediately, so a sync caller's step sees it even before the
// child finishes; the returned result func blocks until the child's
// agent.State settles and folds its total credits into the parent.
func (p *runChildPort) RunChild(ctx context.Context, req ports.SpawnRequest, parentRunID string) (string, func() (ports.AgentOutput, error)) {
	childRunID := p.orch.IdGen.NewID()
	p.parentState.AddSpawnedChildRunID(childRunID)

	tpl, err := p.orch.Assembler.Resolve(ctx, req.AgentIdentifier)
	if err != nil {
		return childRunID, func() (ports.AgentOutput, error) {
			return ports.AgentOutput{}, err
		}
	}

	childRC := p.parentRC.WithChildRunID(childRunID)

	type outcome struct {
		out ports.AgentOutput
		err error
	}
	done := make(chan outcome, 1)

	go func() {
		out, childState, _, runErr := p.orch.runAgent(ctx, childRC, tpl, req.Prompt, req.Params, nil, p.orch.DefaultStepBudget)
		p.parentState.AddChildCredits(childState.TotalCredits())
		done <- outcome{out: out, err: runErr}
	}()

	return childRunID, func() (ports.AgentOutput, error) {
		o := <-done
		return o.out, o.err
	}
}
