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

// Package observability provides OpenTelemetry tracing and Prometheus
// metrics for the agent-step engine: one span per step, one span per tool
// dispatch, and counters/histograms for steps, dispatch latency, and
// credit-gate retries.
package observability

// =============================================================================
// Service Attributes (OpenTelemetry Semantic Conventions)
// =============================================================================

const (
	// AttrServiceName is the logical name of the service.
	AttrServiceName = "service.name"

	// AttrServiceVersion is the version of the service.
	AttrServiceVersion = "service.version"
)

// =============================================================================
// GenAI Semantic Conventions (OpenTelemetry GenAI SIG aligned)
// =============================================================================

const (
	// AttrGenAISystem identifies the GenAI system.
	AttrGenAISystem = "gen_ai.system"

	// AttrGenAIOperationName is the operation being performed.
	AttrGenAIOperationName = "gen_ai.operation.name"

	// AttrGenAIRequestModel is the name of the model being used.
	AttrGenAIRequestModel = "gen_ai.request.model"

	// AttrGenAIUsageInputTokens is the number of input tokens.
	AttrGenAIUsageInputTokens = "gen_ai.usage.input_tokens"

	// AttrGenAIUsageOutputTokens is the number of output tokens.
	AttrGenAIUsageOutputTokens = "gen_ai.usage.output_tokens"

	// AttrGenAIToolName is the name of the tool being called.
	AttrGenAIToolName = "gen_ai.tool.name"

	// AttrGenAIToolCallID is the unique ID of the tool call.
	AttrGenAIToolCallID = "gen_ai.tool.call.id"
)

// =============================================================================
// Runtime-Specific Attributes
// =============================================================================

const (
	// AttrRuntimeRunID is the run ID of the agent run owning a span.
	AttrRuntimeRunID = "agentrtd.run_id"

	// AttrRuntimeAgentType is the agent type executing a step.
	AttrRuntimeAgentType = "agentrtd.agent_type"

	// AttrRuntimeStepNumber is the 1-based step number within a run.
	AttrRuntimeStepNumber = "agentrtd.step_number"

	// AttrRuntimeCreditsUsed is the credits charged for a step or run.
	AttrRuntimeCreditsUsed = "agentrtd.credits_used"

	// AttrRuntimeCreditGateAttempt is the retry attempt number of a
	// credit-gate transaction (1-based).
	AttrRuntimeCreditGateAttempt = "agentrtd.credit_gate.attempt"

	// AttrRuntimeCreditGateOperation distinguishes preflight from settle.
	AttrRuntimeCreditGateOperation = "agentrtd.credit_gate.operation"
)

// =============================================================================
// Error Attributes
// =============================================================================

const (
	// AttrErrorType is the type of error that occurred.
	AttrErrorType = "error.type"

	// AttrErrorMessage is the error message.
	AttrErrorMessage = "error.message"
)

// =============================================================================
// Span Names
// =============================================================================

const (
	// SpanStep is the span covering one agent-step iteration
	// (prepare -> stream -> dispatch -> finalize).
	SpanStep = "agentrtd.step"

	// SpanDispatch is the span covering one tool call's dispatch, from
	// validation through handler completion and result recording.
	SpanDispatch = "agentrtd.dispatch"

	// SpanCreditGate is the span covering one credit-gate transaction
	// attempt (preflight or settle); each retry starts a span of its own,
	// tagged with its attempt number.
	SpanCreditGate = "agentrtd.credit_gate"
)

// =============================================================================
// Default Values
// =============================================================================

const (
	// DefaultServiceName is the default service name for tracing.
	DefaultServiceName = "agentrtd"

	// DefaultSamplingRate is the default trace sampling rate.
	DefaultSamplingRate = 1.0

	// DefaultOTLPEndpoint is the default OTLP endpoint.
	DefaultOTLPEndpoint = "localhost:4317"

	// DefaultMetricsPath is the default Prometheus metrics endpoint.
	DefaultMetricsPath = "/metrics"
)

// =============================================================================
// GenAI Operation Names (for AttrGenAIOperationName)
// =============================================================================

const (
	// OpChat is a chat completion / streaming operation.
	OpChat = "chat"

	// OpToolCall is a tool dispatch operation.
	OpToolCall = "execute_tool"
)
