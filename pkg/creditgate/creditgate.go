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

// Package creditgate implements the Credit Gate (C7): a thin retrying
// wrapper around the host-owned ports.CreditBackend transactional
// ledger. Retries apply only to the backend's own transient-conflict
// codes (serialization failure, deadlock, connection loss, operator
// shutdown, resource exhaustion); everything else propagates on the
// first attempt.
package creditgate

import (
	"context"
	"math"
	"math/rand"
	"time"

	"github.com/kadirpekel/agentrtd/pkg/agenterr"
	"github.com/kadirpekel/agentrtd/pkg/clock"
	"github.com/kadirpekel/agentrtd/pkg/observability"
	"github.com/kadirpekel/agentrtd/pkg/ports"
)

// maxAttempts is the hard cap on tries per call, per §4.7/P-RETRY: for
// retryable codes, exactly min(attempts, 5) tries.
const maxAttempts = 5

// baseDelays holds the backoff floor between successive attempts (1s, 2s,
// 4s, 8s, 16s), indexed by the attempt number that just failed (0-based).
// Only the first maxAttempts-1 entries are ever consulted, since a 5th
// attempt never waits again.
var baseDelays = []time.Duration{
	1 * time.Second,
	2 * time.Second,
	4 * time.Second,
	8 * time.Second,
	16 * time.Second,
}

// Gate wraps a ports.CreditBackend with the retry policy and free-tier
// bypass.
type Gate struct {
	backend  ports.CreditBackend
	clock    clock.Clock
	freeTier ports.FreeTier
	metrics  *observability.Metrics
	tracer   *observability.Tracer
}

// Option configures a Gate.
type Option func(*Gate)

// WithMetrics attaches a Prometheus recorder. A nil *Metrics is safe
// (nil-receiver no-ops), so this is also how tests disable metrics.
func WithMetrics(m *observability.Metrics) Option {
	return func(g *Gate) { g.metrics = m }
}

// WithTracer attaches an OpenTelemetry tracer. A nil *Tracer is safe.
func WithTracer(t *observability.Tracer) Option {
	return func(g *Gate) { g.tracer = t }
}

// New builds a Gate over backend. clk drives backoff sleeps (inject a
// clock.Fake in tests for deterministic timing); freeTier may be nil,
// equivalent to an empty allowlist.
func New(backend ports.CreditBackend, clk clock.Clock, freeTier ports.FreeTier, opts ...Option) *Gate {
	g := &Gate{backend: backend, clock: clk, freeTier: freeTier}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Preflight checks that userID has at least minRequired credits, without
// mutating anything. agentID's free-tier membership short-circuits this
// to an always-ok result, since a free-tier agent never charges.
func (g *Gate) Preflight(ctx context.Context, agentID, userID string, minRequired float64) (ports.PreflightResult, error) {
	if g.freeTier.Contains(agentID) {
		return ports.PreflightResult{OK: true}, nil
	}

	result, err := retry(ctx, g, "preflight", func(ctx context.Context) (ports.PreflightResult, error) {
		return g.backend.Preflight(ctx, userID, minRequired)
	})
	if err != nil {
		return ports.PreflightResult{}, err
	}

	if g.metrics != nil {
		outcome := "ok"
		if !result.OK {
			outcome = "insufficient"
		}
		g.metrics.RecordCreditGatePreflight(outcome)
	}
	return result, nil
}

// Settle charges amount to userID under operationID, idempotent on
// operationID per the backend's contract. A free-tier agentID bypasses
// the backend entirely and reports a zero charge.
func (g *Gate) Settle(ctx context.Context, agentID, userID string, amount float64, operationID string, kind ports.CreditLedgerKind, repoID string) (ports.SettleResult, error) {
	if g.freeTier.Contains(agentID) {
		return ports.SettleResult{Charged: 0}, nil
	}

	result, err := retry(ctx, g, "settle", func(ctx context.Context) (ports.SettleResult, error) {
		return g.backend.Settle(ctx, userID, amount, operationID, kind, repoID)
	})
	if err != nil {
		return ports.SettleResult{}, err
	}

	if g.metrics != nil {
		outcome := "charged"
		if result.Insufficient {
			outcome = "insufficient"
		}
		g.metrics.RecordCreditGateSettle(outcome)
	}
	return result, nil
}

// retry drives call through the bounded exponential-backoff policy,
// retrying only on a *ports.BackendError whose Code.Retryable() is true.
// Generic over the call's result shape so Preflight and Settle share one
// implementation of the policy itself.
func retry[T any](ctx context.Context, g *Gate, op string, call func(context.Context) (T, error)) (T, error) {
	var zero T
	var lastErr error

	for attempt := 0; attempt < maxAttempts; attempt++ {
		if ctx.Err() != nil {
			return zero, ctx.Err()
		}

		spanCtx, span := g.tracer.StartCreditGate(ctx, op, attempt+1)
		result, err := call(spanCtx)
		if err == nil {
			span.End()
			return result, nil
		}
		g.tracer.RecordError(span, err)
		span.End()

		lastErr = err

		var backendErr *ports.BackendError
		code, retryable := classify(err, &backendErr)
		if !retryable {
			return zero, agenterr.Wrap(agenterr.OutOfCredits, "credit_gate", op, "non-retryable backend error", err)
		}

		if g.metrics != nil {
			g.metrics.RecordCreditGateRetry(string(code))
		}

		if attempt == maxAttempts-1 {
			break
		}

		delay := jitter(baseDelays[attempt])
		select {
		case <-ctx.Done():
			return zero, ctx.Err()
		case <-g.clock.After(delay):
		}
	}

	return zero, agenterr.Wrap(agenterr.OutOfCredits, "credit_gate", op, "exhausted retries on transient backend conflict", lastErr)
}

// classify reports the backend error code and whether it is retryable.
// Any error that is not a *ports.BackendError is treated as
// non-retryable, per §4.7: "all other errors propagate immediately".
func classify(err error, into **ports.BackendError) (ports.BackendErrorCode, bool) {
	be, ok := err.(*ports.BackendError)
	if !ok {
		return "", false
	}
	*into = be
	return be.Code, be.Code.Retryable()
}

// jitter applies ±20% randomized jitter to d, matching the teacher's
// exponential-backoff-with-jitter idiom (httpclient.Client.calculateDelay).
func jitter(d time.Duration) time.Duration {
	spread := float64(d) * 0.2
	offset := (rand.Float64()*2 - 1) * spread
	return time.Duration(math.Max(0, float64(d)+offset))
}
