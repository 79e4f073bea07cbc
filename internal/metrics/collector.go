// Package metrics provides internal metrics collection.
// This package is internal and should not be imported by external projects.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"go.uber.org/zap"
)

// =============================================================================
// 📊 指标收集器
// =============================================================================

// Collector 辩论引擎指标收集器
type Collector struct {
	// 辩论任务指标
	debateTasksTotal     *prometheus.CounterVec
	debateRoundsTotal    prometheus.Counter
	debateTaskDuration   *prometheus.HistogramVec
	debateConsensusScore prometheus.Histogram
	debateTaskCost       prometheus.Counter

	// 网关指标
	gatewayCallsTotal   *prometheus.CounterVec
	gatewayCallDuration *prometheus.HistogramVec
	gatewayTokensUsed   *prometheus.CounterVec
	circuitBreakerState *prometheus.GaugeVec

	// 人工升级指标
	escalationQueueDepth  prometheus.Gauge
	escalationResolutions *prometheus.CounterVec

	// 影子学习指标
	learningEventsTotal   prometheus.Counter
	patternMinerRuns      prometheus.Counter
	learningPatternsTotal prometheus.Counter

	logger *zap.Logger
}

// NewCollector 创建指标收集器
func NewCollector(namespace string, logger *zap.Logger) *Collector {
	if logger == nil {
		logger = zap.NewNop()
	}
	c := &Collector{
		logger: logger.With(zap.String("component", "metrics")),
	}

	// 辩论任务指标
	c.debateTasksTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debate_tasks_total",
			Help:      "Total number of debate tasks by terminal status",
		},
		[]string{"status"},
	)

	c.debateRoundsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debate_rounds_total",
			Help:      "Total number of debate rounds executed",
		},
	)

	c.debateTaskDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "debate_task_duration_seconds",
			Help:      "Debate task duration in seconds",
			Buckets:   []float64{1, 5, 10, 30, 60, 120, 300, 600},
		},
		[]string{"status"},
	)

	c.debateConsensusScore = promauto.NewHistogram(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "debate_consensus_score",
			Help:      "Distribution of final consensus scores",
			Buckets:   prometheus.LinearBuckets(0, 0.1, 11),
		},
	)

	c.debateTaskCost = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "debate_task_cost_total",
			Help:      "Total debate cost in USD",
		},
	)

	// 网关指标
	c.gatewayCallsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_calls_total",
			Help:      "Total number of gateway calls",
		},
		[]string{"provider", "outcome"}, // outcome: success, failure, timeout, circuit_open
	)

	c.gatewayCallDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "gateway_call_duration_seconds",
			Help:      "Gateway call duration in seconds",
			Buckets:   []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60},
		},
		[]string{"provider"},
	)

	c.gatewayTokensUsed = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "gateway_tokens_used_total",
			Help:      "Total number of tokens used",
		},
		[]string{"provider", "type"}, // type: prompt, completion
	)

	c.circuitBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state per provider (0=closed, 1=open, 2=half_open)",
		},
		[]string{"provider"},
	)

	// 人工升级指标
	c.escalationQueueDepth = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "escalation_queue_depth",
			Help:      "Number of tasks awaiting human review",
		},
	)

	c.escalationResolutions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "escalation_resolutions_total",
			Help:      "Total number of escalation resolutions",
		},
		[]string{"action"}, // approve, modify, reject, escalate, timeout
	)

	// 影子学习指标
	c.learningEventsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learning_events_total",
			Help:      "Total number of shadow learning events recorded",
		},
	)

	c.patternMinerRuns = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "pattern_miner_runs_total",
			Help:      "Total number of pattern miner scans",
		},
	)

	c.learningPatternsTotal = promauto.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "learning_patterns_total",
			Help:      "Total number of learning patterns emitted",
		},
	)

	logger.Info("metrics collector initialized", zap.String("namespace", namespace))

	return c
}

// =============================================================================
// 🎯 辩论指标记录
// =============================================================================

// RecordTaskTerminal 记录任务到达终态
func (c *Collector) RecordTaskTerminal(status string, duration time.Duration, consensusScore, cost float64) {
	if c == nil {
		return
	}
	c.debateTasksTotal.WithLabelValues(status).Inc()
	c.debateTaskDuration.WithLabelValues(status).Observe(duration.Seconds())
	c.debateConsensusScore.Observe(consensusScore)
	c.debateTaskCost.Add(cost)
}

// RecordRound 记录完成一轮辩论
func (c *Collector) RecordRound() {
	if c == nil {
		return
	}
	c.debateRoundsTotal.Inc()
}

// RecordGatewayCall 记录一次网关调用
func (c *Collector) RecordGatewayCall(provider, outcome string, duration time.Duration, promptTokens, completionTokens int) {
	if c == nil {
		return
	}
	c.gatewayCallsTotal.WithLabelValues(provider, outcome).Inc()
	c.gatewayCallDuration.WithLabelValues(provider).Observe(duration.Seconds())
	if promptTokens > 0 {
		c.gatewayTokensUsed.WithLabelValues(provider, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		c.gatewayTokensUsed.WithLabelValues(provider, "completion").Add(float64(completionTokens))
	}
}

// SetBreakerState 更新提供者熔断器状态
func (c *Collector) SetBreakerState(provider string, state int) {
	if c == nil {
		return
	}
	c.circuitBreakerState.WithLabelValues(provider).Set(float64(state))
}

// SetEscalationQueueDepth 更新人工审核队列深度
func (c *Collector) SetEscalationQueueDepth(depth int) {
	if c == nil {
		return
	}
	c.escalationQueueDepth.Set(float64(depth))
}

// RecordEscalationResolution 记录一次人工升级的处置
func (c *Collector) RecordEscalationResolution(action string) {
	if c == nil {
		return
	}
	c.escalationResolutions.WithLabelValues(action).Inc()
}

// RecordLearningEvent 记录一条影子学习事件
func (c *Collector) RecordLearningEvent() {
	if c == nil {
		return
	}
	c.learningEventsTotal.Inc()
}

// RecordMinerRun 记录一次模式挖掘扫描；patterns 为本次产出的模式数
func (c *Collector) RecordMinerRun(patterns int) {
	if c == nil {
		return
	}
	c.patternMinerRuns.Inc()
	if patterns > 0 {
		c.learningPatternsTotal.Add(float64(patterns))
	}
}
