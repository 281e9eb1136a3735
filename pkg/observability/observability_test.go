package observability

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMetricsRecordStep(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)
	require.NotNil(t, m)

	m.IncStepsActive("coder")
	m.RecordStep("coder", "completed", 120*time.Millisecond, 2.5)
	m.DecStepsActive("coder")

	count := testutilCollect(t, m, "agentrtd_step_total")
	assert.Equal(t, 1, count)
}

func TestMetricsRecordDispatch(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)

	m.RecordDispatch("read_files", "success", 5*time.Millisecond)
	m.RecordDispatch("read_files", "error", 2*time.Millisecond)

	assert.Equal(t, 2, testutilCollect(t, m, "agentrtd_dispatch_total"))
}

func TestMetricsCreditGate(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: true})
	require.NoError(t, err)

	m.RecordCreditGateRetry("40001")
	m.RecordCreditGateRetry("40001")
	m.RecordCreditGatePreflight("ok")
	m.RecordCreditGateSettle("insufficient")

	assert.Equal(t, 1, testutilCollect(t, m, "agentrtd_credit_gate_retries_total"))
	assert.Equal(t, 1, testutilCollect(t, m, "agentrtd_credit_gate_preflight_total"))
	assert.Equal(t, 1, testutilCollect(t, m, "agentrtd_credit_gate_settle_total"))
}

func TestMetricsDisabledIsNilSafe(t *testing.T) {
	m, err := NewMetrics(&MetricsConfig{Enabled: false})
	require.NoError(t, err)
	require.Nil(t, m)

	assert.NotPanics(t, func() {
		m.RecordStep("coder", "completed", time.Second, 1)
		m.RecordDispatch("x", "success", time.Millisecond)
		m.RecordCreditGateRetry("x")
	})
}

func TestNoopManager(t *testing.T) {
	m := NoopManager()
	assert.False(t, m.TracingEnabled())
	assert.False(t, m.MetricsEnabled())
	assert.Nil(t, m.Tracer())
	assert.Nil(t, m.Metrics())
	assert.NoError(t, m.Shutdown(context.Background()))
}

func TestTracerDisabledReturnsNil(t *testing.T) {
	tr, err := NewTracer(context.Background(), &TracingConfig{Enabled: false})
	require.NoError(t, err)
	assert.Nil(t, tr)
}

func TestNilTracerSpanHelpersAreSafe(t *testing.T) {
	var tr *Tracer
	ctx, span := tr.StartStep(context.Background(), "run-1", "coder", 1)
	assert.NotNil(t, ctx)
	assert.NotPanics(t, func() {
		tr.AddLLMUsage(span, 10, 20)
		tr.RecordError(span, assertError{})
		span.End()
	})
}

type assertError struct{}

func (assertError) Error() string { return "boom" }

// testutilCollect returns the number of distinct label combinations
// observed for a metric family, via the registry's gather step.
func testutilCollect(t *testing.T, m *Metrics, family string) int {
	t.Helper()
	mfs, err := m.Registry().Gather()
	require.NoError(t, err)
	for _, mf := range mfs {
		if mf.GetName() == family {
			return len(mf.GetMetric())
		}
	}
	return 0
}
