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

package main

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"

	"github.com/kadirpekel/agentrtd/pkg/message"
	"github.com/kadirpekel/agentrtd/pkg/ports"
)

// echoLLM is a minimal ports.LLMPort that never calls out to a real
// provider: it answers every completion with a single canned assistant
// turn, so a run can be driven to completion without network access or
// API keys. Good enough to exercise the orchestrator's step loop and the
// dispatcher's message-log bookkeeping end to end.
type echoLLM struct {
	creditsPerStep float64
}

func newEchoLLM(creditsPerStep float64) *echoLLM {
	if creditsPerStep <= 0 {
		creditsPerStep = 0.05
	}
	return &echoLLM{creditsPerStep: creditsPerStep}
}

func (e *echoLLM) reply(req ports.CompletionRequest) string {
	var last string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == message.RoleUser {
			last = req.Messages[i].Text
			break
		}
	}
	return fmt.Sprintf("Acknowledged: %s", strings.TrimSpace(last))
}

func (e *echoLLM) Stream(ctx context.Context, req ports.CompletionRequest) (<-chan ports.StreamEvent, func() ports.StreamResult, error) {
	events := make(chan ports.StreamEvent, 2)
	text := e.reply(req)

	go func() {
		defer close(events)
		select {
		case <-ctx.Done():
			return
		case events <- ports.StreamEvent{Kind: ports.EventTextDelta, TextDelta: text}:
		}
		select {
		case <-ctx.Done():
		case events <- ports.StreamEvent{Kind: ports.EventEnd}:
		}
	}()

	result := func() ports.StreamResult {
		aborted := ctx.Err() != nil
		return ports.StreamResult{
			MessageID: "echo-msg",
			Usage:     ports.Usage{InputTokens: len(req.Messages), OutputTokens: 1, Credits: e.creditsPerStep},
			Aborted:   aborted,
		}
	}
	return events, result, nil
}

func (e *echoLLM) Complete(ctx context.Context, req ports.CompletionRequest) (ports.CompletionResult, error) {
	return ports.CompletionResult{
		Text:  e.reply(req),
		Usage: ports.Usage{InputTokens: len(req.Messages), OutputTokens: 1, Credits: e.creditsPerStep},
	}, nil
}

func (e *echoLLM) Structured(ctx context.Context, req ports.CompletionRequest, schema map[string]any) (ports.StructuredResult, error) {
	return ports.StructuredResult{
		Value: map[string]any{"text": e.reply(req)},
		Usage: ports.Usage{InputTokens: len(req.Messages), OutputTokens: 1, Credits: e.creditsPerStep},
	}, nil
}

var _ ports.LLMPort = (*echoLLM)(nil)

// refusingToolClient is a ports.ToolClientPort that has no client to
// delegate to: every request fails. The harness ships no client-delegated
// tools by default, so this only matters if a fixture names one.
type refusingToolClient struct{}

func (refusingToolClient) Request(ctx context.Context, toolName string, input map[string]any) ([]message.OutputPart, error) {
	return nil, fmt.Errorf("tool client: no host connected to handle %q", toolName)
}

var _ ports.ToolClientPort = refusingToolClient{}

// unlimitedCreditBackend is a ports.CreditBackend that never runs out and
// never conflicts: every preflight succeeds and every settle charges in
// full. Good enough for a harness that only ever talks to itself.
type unlimitedCreditBackend struct {
	mu      sync.Mutex
	settled map[string]ports.SettleResult
	total   float64
}

func newUnlimitedCreditBackend() *unlimitedCreditBackend {
	return &unlimitedCreditBackend{settled: make(map[string]ports.SettleResult)}
}

func (b *unlimitedCreditBackend) Preflight(ctx context.Context, userID string, minRequired float64) (ports.PreflightResult, error) {
	return ports.PreflightResult{OK: true, Balance: 1e9}, nil
}

func (b *unlimitedCreditBackend) Settle(ctx context.Context, userID string, amount float64, operationID string, kind ports.CreditLedgerKind, repoID string) (ports.SettleResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if prior, ok := b.settled[operationID]; ok {
		return prior, nil
	}
	result := ports.SettleResult{Charged: amount}
	b.settled[operationID] = result
	b.total += amount
	return result, nil
}

var _ ports.CreditBackend = (*unlimitedCreditBackend)(nil)

// loggingTelemetry records run/step lifecycle events to a slog.Logger
// instead of a real metrics/tracing backend, so a harness run leaves a
// human-readable trail without standing up any collector.
type loggingTelemetry struct {
	log *slog.Logger
}

func newLoggingTelemetry(log *slog.Logger) *loggingTelemetry {
	return &loggingTelemetry{log: log}
}

func (t *loggingTelemetry) StartRun(ctx context.Context, rec ports.StartRunRecord) {
	t.log.Info("run started", "run_id", rec.RunID, "agent_id", rec.AgentID, "parents", rec.ParentRunIDs)
}

func (t *loggingTelemetry) AddStep(ctx context.Context, rec ports.StepRecord) {
	t.log.Info("step finished",
		"run_id", rec.RunID, "step", rec.StepNumber, "status", rec.Status,
		"credits", rec.Credits, "children", rec.ChildRunIDs, "error", rec.ErrorMessage,
	)
}

func (t *loggingTelemetry) FinishRun(ctx context.Context, rec ports.FinishRunRecord) {
	t.log.Info("run finished",
		"run_id", rec.RunID, "status", rec.Status, "steps", rec.TotalSteps,
		"direct_credits", rec.DirectCredits, "total_credits", rec.TotalCredits,
	)
}

var _ ports.TelemetrySink = (*loggingTelemetry)(nil)
