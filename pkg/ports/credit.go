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

import "context"

// CreditLedgerKind distinguishes a charge incurred directly by an agent
// from one incurred by its descendants and aggregated upward.
type CreditLedgerKind string

const (
	CreditDirect  CreditLedgerKind = "direct"
	CreditSpawned CreditLedgerKind = "spawned"
)

// BackendErrorCode classifies a CreditBackend failure for retry purposes.
// The codes below mirror the conflict classes a serializable transactional
// store reports: rollback due to serialization/deadlock, connection loss,
// operator-initiated cancellation, and resource exhaustion. Any code not
// in this set is treated as non-retryable.
type BackendErrorCode string

const (
	CodeSerializationFailure BackendErrorCode = "serialization_failure"
	CodeDeadlockDetected     BackendErrorCode = "deadlock_detected"
	CodeConnectionException  BackendErrorCode = "connection_exception"
	CodeQueryCanceled        BackendErrorCode = "query_canceled"
	CodeAdminShutdown        BackendErrorCode = "admin_shutdown"
	CodeTooManyConnections   BackendErrorCode = "too_many_connections"
	CodeOutOfMemory          BackendErrorCode = "out_of_memory"
)

var retryableCodes = map[BackendErrorCode]bool{
	CodeSerializationFailure: true,
	CodeDeadlockDetected:     true,
	CodeConnectionException:  true,
	CodeQueryCanceled:        true,
	CodeAdminShutdown:        true,
	CodeTooManyConnections:   true,
	CodeOutOfMemory:          true,
}

// Retryable reports whether code indicates a transient backend conflict
// worth retrying with backoff.
func (c BackendErrorCode) Retryable() bool { return retryableCodes[c] }

// BackendError is returned by a CreditBackend call that failed at the
// transaction layer (as opposed to a well-formed insufficient-credits
// response, which is not an error).
type BackendError struct {
	Code    BackendErrorCode
	Message string
}

func (e *BackendError) Error() string { return string(e.Code) + ": " + e.Message }

// PreflightResult is the outcome of CreditBackend.Preflight.
type PreflightResult struct {
	OK      bool
	Balance float64
}

// SettleResult is the outcome of CreditBackend.Settle.
type SettleResult struct {
	Insufficient        bool
	Charged             float64
	ChargedToOrg        bool
}

// CreditBackend is the transactional credit ledger the host application
// owns. Preflight never mutates state; Settle is idempotent on
// operationId: a repeated call with the same id returns the prior result
// without charging twice.
type CreditBackend interface {
	// Preflight checks that user has at least minRequired credits
	// available, without reserving or mutating anything.
	Preflight(ctx context.Context, userID string, minRequired float64) (PreflightResult, error)

	// Settle charges amount to user under operationID, attributing it as
	// direct or spawned via kind. repoID is optional context some
	// backends use for cost attribution.
	Settle(ctx context.Context, userID string, amount float64, operationID string, kind CreditLedgerKind, repoID string) (SettleResult, error)
}

// FreeTier is a closed allowlist of agent ids that never charge; the
// credit gate bypasses Settle entirely for these.
type FreeTier map[string]bool

// Contains reports whether agentID is in the free tier.
func (f FreeTier) Contains(agentID string) bool { return f[agentID] }
