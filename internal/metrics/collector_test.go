package metrics

import (
	"fmt"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

var collectorNamespaceSeq uint64

func nextTestNamespace() string {
	seq := atomic.AddUint64(&collectorNamespaceSeq, 1)
	return fmt.Sprintf("test_%d", seq)
}

func TestNewCollector(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	assert.NotNil(t, collector)
	assert.NotNil(t, collector.debateTasksTotal)
	assert.NotNil(t, collector.gatewayCallsTotal)
	assert.NotNil(t, collector.circuitBreakerState)
	assert.NotNil(t, collector.escalationQueueDepth)
}

func TestCollector_RecordTaskTerminal(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordTaskTerminal("completed", 12*time.Second, 0.85, 0.3)
	collector.RecordTaskTerminal("failed", time.Second, 0, 0)

	assert.Equal(t, 2, testutil.CollectAndCount(collector.debateTasksTotal))
	assert.InDelta(t, 1.0, testutil.ToFloat64(collector.debateTasksTotal.WithLabelValues("completed")), 1e-9)
}

func TestCollector_RecordGatewayCall(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.RecordGatewayCall("openai", "success", 200*time.Millisecond, 120, 80)
	collector.RecordGatewayCall("openai", "circuit_open", 0, 0, 0)

	assert.InDelta(t, 1.0, testutil.ToFloat64(collector.gatewayCallsTotal.WithLabelValues("openai", "success")), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(collector.gatewayCallsTotal.WithLabelValues("openai", "circuit_open")), 1e-9)
	assert.InDelta(t, 120.0, testutil.ToFloat64(collector.gatewayTokensUsed.WithLabelValues("openai", "prompt")), 1e-9)
}

func TestCollector_BreakerAndEscalationGauges(t *testing.T) {
	collector := NewCollector(nextTestNamespace(), zap.NewNop())

	collector.SetBreakerState("openai", 1)
	collector.SetEscalationQueueDepth(3)
	collector.RecordEscalationResolution("modify")

	assert.InDelta(t, 1.0, testutil.ToFloat64(collector.circuitBreakerState.WithLabelValues("openai")), 1e-9)
	assert.InDelta(t, 3.0, testutil.ToFloat64(collector.escalationQueueDepth), 1e-9)
	assert.InDelta(t, 1.0, testutil.ToFloat64(collector.escalationResolutions.WithLabelValues("modify")), 1e-9)
}

func TestCollector_NilSafe(t *testing.T) {
	var collector *Collector
	assert.NotPanics(t, func() {
		collector.RecordRound()
		collector.RecordGatewayCall("x", "success", time.Second, 1, 1)
		collector.RecordTaskTerminal("completed", time.Second, 1, 0)
		collector.RecordMinerRun(2)
	})
}
