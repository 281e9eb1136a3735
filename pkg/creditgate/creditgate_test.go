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

package creditgate

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kadirpekel/agentrtd/pkg/clock"
	"github.com/kadirpekel/agentrtd/pkg/ports"
)

// instantClock never actually waits: After returns an already-fired
// channel regardless of d. Deterministic and race-free for asserting
// retry *counts*, as opposed to clock.Fake's real coordination needs
// (useful when a test wants to assert the exact backoff schedule
// instead, which none of these do).
type instantClock struct{}

func (instantClock) Now() time.Time                { return time.Unix(0, 0) }
func (instantClock) Sleep(time.Duration)            {}
func (instantClock) After(time.Duration) <-chan time.Time {
	ch := make(chan time.Time, 1)
	ch <- time.Unix(0, 0)
	return ch
}

var _ clock.Clock = instantClock{}

// scriptedBackend replays a fixed sequence of Settle outcomes (error or
// success) per call, and tracks operationIDs it has already settled so a
// test can assert idempotency directly against the fake rather than
// trusting the Gate alone.
type scriptedBackend struct {
	mu sync.Mutex

	settleErrs   []error // consumed in order, one per distinct call attempt
	settleCalls  int
	settled      map[string]ports.SettleResult
	preflightErr error
}

func (b *scriptedBackend) Preflight(ctx context.Context, userID string, minRequired float64) (ports.PreflightResult, error) {
	if b.preflightErr != nil {
		return ports.PreflightResult{}, b.preflightErr
	}
	return ports.PreflightResult{OK: true, Balance: 100}, nil
}

func (b *scriptedBackend) Settle(ctx context.Context, userID string, amount float64, operationID string, kind ports.CreditLedgerKind, repoID string) (ports.SettleResult, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.settled == nil {
		b.settled = make(map[string]ports.SettleResult)
	}
	if prior, ok := b.settled[operationID]; ok {
		return prior, nil
	}

	if b.settleCalls < len(b.settleErrs) {
		err := b.settleErrs[b.settleCalls]
		b.settleCalls++
		if err != nil {
			return ports.SettleResult{}, err
		}
	} else {
		b.settleCalls++
	}

	result := ports.SettleResult{Charged: amount}
	b.settled[operationID] = result
	return result, nil
}

func TestGate_SettleRetriesRetryableErrorsThenSucceeds(t *testing.T) {
	backend := &scriptedBackend{
		settleErrs: []error{
			&ports.BackendError{Code: ports.CodeSerializationFailure, Message: "conflict"},
			&ports.BackendError{Code: ports.CodeDeadlockDetected, Message: "deadlock"},
			nil, // succeeds on the third attempt
		},
	}
	gate := New(backend, instantClock{}, nil)

	done := make(chan struct{})
	var result ports.SettleResult
	var err error
	go func() {
		result, err = gate.Settle(context.Background(), "agent", "user-1", 1.5, "op-1", ports.CreditDirect, "")
		close(done)
	}()

	// Two retryable failures mean two backoff waits before the third
	// attempt succeeds; instantClock fires each wait immediately.
	<-done

	require.NoError(t, err)
	assert.Equal(t, 1.5, result.Charged)
	assert.Equal(t, 3, backend.settleCalls)
}

func TestGate_SettleNonRetryableErrorPropagatesImmediately(t *testing.T) {
	backend := &scriptedBackend{
		settleErrs: []error{assertAsError("boom")},
	}
	gate := New(backend, clock.New(), nil)

	_, err := gate.Settle(context.Background(), "agent", "user-1", 1, "op-1", ports.CreditDirect, "")
	require.Error(t, err)
	assert.Equal(t, 1, backend.settleCalls)
}

func TestGate_SettleExhaustsRetriesAfterFiveAttempts(t *testing.T) {
	errs := make([]error, 0, 10)
	for i := 0; i < 10; i++ {
		errs = append(errs, &ports.BackendError{Code: ports.CodeConnectionException, Message: "down"})
	}
	backend := &scriptedBackend{settleErrs: errs}
	gate := New(backend, instantClock{}, nil)

	done := make(chan struct{})
	var err error
	go func() {
		_, err = gate.Settle(context.Background(), "agent", "user-1", 1, "op-1", ports.CreditDirect, "")
		close(done)
	}()

	<-done

	require.Error(t, err)
	assert.Equal(t, 5, backend.settleCalls, "exactly min(attempts, 5) tries for a retryable code")
}

func TestGate_SettleIsIdempotentOnOperationID(t *testing.T) {
	backend := &scriptedBackend{}
	gate := New(backend, clock.New(), nil)

	r1, err := gate.Settle(context.Background(), "agent", "user-1", 2, "op-shared", ports.CreditDirect, "")
	require.NoError(t, err)
	r2, err := gate.Settle(context.Background(), "agent", "user-1", 2, "op-shared", ports.CreditDirect, "")
	require.NoError(t, err)

	assert.Equal(t, r1, r2)
	assert.Equal(t, 1, backend.settleCalls, "a repeated operationID must not charge twice")
}

func TestGate_FreeTierBypassesBackendEntirely(t *testing.T) {
	backend := &scriptedBackend{preflightErr: assertAsError("should never be called")}
	gate := New(backend, clock.New(), ports.FreeTier{"free-agent": true})

	pre, err := gate.Preflight(context.Background(), "free-agent", "user-1", 100)
	require.NoError(t, err)
	assert.True(t, pre.OK)

	settle, err := gate.Settle(context.Background(), "free-agent", "user-1", 50, "op-1", ports.CreditDirect, "")
	require.NoError(t, err)
	assert.Equal(t, float64(0), settle.Charged)
}

// assertAsError wraps a plain string as a non-*ports.BackendError, which
// the Gate's classifier must treat as unconditionally non-retryable.
type plainError string

func (e plainError) Error() string { return string(e) }

func assertAsError(msg string) error { return plainError(msg) }
