// SPDX-License-Identifier: AGPL-3.0
// Copyright 2025 Kadir Pekel
//
// Licensed under the GNU Affero General Public License v3.0 (AGPL-3.0) (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     https://www.gnu.org/licenses/agpl-3.0.en.html
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package observability

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics provides Prometheus metrics collection for the agent-step
// engine: steps, tool dispatch, and credit-gate transactions.
type Metrics struct {
	config   *MetricsConfig
	registry *prometheus.Registry

	// Step metrics (C5 Agent Step Runner)
	stepsTotal   *prometheus.CounterVec
	stepDuration *prometheus.HistogramVec
	stepsActive  *prometheus.GaugeVec
	stepCredits  *prometheus.HistogramVec

	// Dispatch metrics (C4 Tool Dispatcher)
	dispatchTotal    *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec

	// Credit-gate metrics (C7)
	creditGateRetries   *prometheus.CounterVec
	creditGatePreflight *prometheus.CounterVec
	creditGateSettle    *prometheus.CounterVec
}

// NewMetrics creates a new Metrics instance from configuration. Returns
// (nil, nil) if metrics are disabled.
func NewMetrics(cfg *MetricsConfig) (*Metrics, error) {
	if cfg == nil || !cfg.Enabled {
		return nil, nil
	}

	cfg.SetDefaults()

	m := &Metrics{
		config:   cfg,
		registry: prometheus.NewRegistry(),
	}

	m.initStepMetrics()
	m.initDispatchMetrics()
	m.initCreditGateMetrics()

	return m, nil
}

func (m *Metrics) initStepMetrics() {
	m.stepsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "step",
			Name:      "total",
			Help:      "Total number of agent steps, by terminal status",
		},
		[]string{"agent_type", "status"},
	)

	m.stepDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "step",
			Name:      "duration_seconds",
			Help:      "Agent step duration in seconds (prepare through commit)",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 15), // 50ms to 820s
		},
		[]string{"agent_type"},
	)

	m.stepsActive = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: m.config.Namespace,
			Subsystem: "step",
			Name:      "active",
			Help:      "Number of steps currently streaming/dispatching",
		},
		[]string{"agent_type"},
	)

	m.stepCredits = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "step",
			Name:      "credits",
			Help:      "Credits charged per committed step",
			Buckets:   prometheus.ExponentialBuckets(0.01, 4, 10),
		},
		[]string{"agent_type"},
	)

	m.registry.MustRegister(m.stepsTotal, m.stepDuration, m.stepsActive, m.stepCredits)
}

func (m *Metrics) initDispatchMetrics() {
	m.dispatchTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "dispatch",
			Name:      "total",
			Help:      "Total number of tool dispatches, by tool and outcome",
		},
		[]string{"tool_name", "outcome"},
	)

	m.dispatchDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: m.config.Namespace,
			Subsystem: "dispatch",
			Name:      "duration_seconds",
			Help:      "Tool handler duration in seconds",
			Buckets:   prometheus.ExponentialBuckets(0.001, 2, 16), // 1ms to 32s
		},
		[]string{"tool_name"},
	)

	m.registry.MustRegister(m.dispatchTotal, m.dispatchDuration)
}

func (m *Metrics) initCreditGateMetrics() {
	m.creditGateRetries = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "credit_gate",
			Name:      "retries_total",
			Help:      "Total number of credit-gate transaction retries, by backend code",
		},
		[]string{"code"},
	)

	m.creditGatePreflight = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "credit_gate",
			Name:      "preflight_total",
			Help:      "Total number of preflight checks, by result",
		},
		[]string{"result"},
	)

	m.creditGateSettle = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: m.config.Namespace,
			Subsystem: "credit_gate",
			Name:      "settle_total",
			Help:      "Total number of settle calls, by result",
		},
		[]string{"result"},
	)

	m.registry.MustRegister(m.creditGateRetries, m.creditGatePreflight, m.creditGateSettle)
}

// RecordStep records a committed, aborted, or failed step.
func (m *Metrics) RecordStep(agentType, status string, duration time.Duration, credits float64) {
	if m == nil {
		return
	}
	m.stepsTotal.WithLabelValues(agentType, status).Inc()
	m.stepDuration.WithLabelValues(agentType).Observe(duration.Seconds())
	if credits > 0 {
		m.stepCredits.WithLabelValues(agentType).Observe(credits)
	}
}

// IncStepsActive increments the in-flight step gauge.
func (m *Metrics) IncStepsActive(agentType string) {
	if m == nil {
		return
	}
	m.stepsActive.WithLabelValues(agentType).Inc()
}

// DecStepsActive decrements the in-flight step gauge.
func (m *Metrics) DecStepsActive(agentType string) {
	if m == nil {
		return
	}
	m.stepsActive.WithLabelValues(agentType).Dec()
}

// RecordDispatch records one tool handler invocation.
func (m *Metrics) RecordDispatch(toolName, outcome string, duration time.Duration) {
	if m == nil {
		return
	}
	m.dispatchTotal.WithLabelValues(toolName, outcome).Inc()
	m.dispatchDuration.WithLabelValues(toolName).Observe(duration.Seconds())
}

// RecordCreditGateRetry records one retried credit-gate attempt for the
// given backend error code.
func (m *Metrics) RecordCreditGateRetry(code string) {
	if m == nil {
		return
	}
	m.creditGateRetries.WithLabelValues(code).Inc()
}

// RecordCreditGatePreflight records the result of a preflight check.
func (m *Metrics) RecordCreditGatePreflight(result string) {
	if m == nil {
		return
	}
	m.creditGatePreflight.WithLabelValues(result).Inc()
}

// RecordCreditGateSettle records the result of a settle call.
func (m *Metrics) RecordCreditGateSettle(result string) {
	if m == nil {
		return
	}
	m.creditGateSettle.WithLabelValues(result).Inc()
}

// Handler returns an HTTP handler for the Prometheus metrics endpoint.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		})
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry returns the Prometheus registry.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}
