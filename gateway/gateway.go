// Package gateway 将所有出站模型调用收敛到一个故障隔离层：
// 每个提供者一个独立熔断器，单次调用超时，限流与指标采集。
// 熔断打开时调用立即失败（不产生网络 IO），超时按失败计入熔断统计。
package gateway

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/BaSui01/debateflow/internal/metrics"
	"github.com/BaSui01/debateflow/llm"
	"github.com/BaSui01/debateflow/llm/circuitbreaker"
)

// Config 网关配置
type Config struct {
	// CallTimeout 单次模型调用超时
	CallTimeout time.Duration

	// DefaultConfidence 提供者未自报置信度时的补齐值
	DefaultConfidence float64

	// Breaker 熔断器配置模板（所有提供者共享参数，状态独立）
	Breaker *circuitbreaker.Config

	// RateLimit 每提供者的每秒请求上限（0 表示不限流）
	RateLimit float64
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		CallTimeout:       30 * time.Second,
		DefaultConfidence: 0.5,
		Breaker:           circuitbreaker.DefaultConfig(),
	}
}

// Result 是一次网关调用的归一化结果。
type Result struct {
	Provider       string
	Model          string
	Content        string
	Confidence     float64
	ResponseTimeMs int64
	PromptTokens   int
	TotalTokens    int
	Cost           float64
}

// Gateway 模型调用网关
type Gateway struct {
	config    *Config
	breakers  *circuitbreaker.Registry
	collector *metrics.Collector
	logger    *zap.Logger
	counter   *tokenCounter

	mu        sync.RWMutex
	providers map[string]llm.Provider
	limiters  map[string]*rate.Limiter
}

// New 创建网关
func New(config *Config, collector *metrics.Collector, logger *zap.Logger) *Gateway {
	if config == nil {
		config = DefaultConfig()
	}
	if config.CallTimeout <= 0 {
		config.CallTimeout = 30 * time.Second
	}
	if config.DefaultConfidence <= 0 || config.DefaultConfidence > 1 {
		config.DefaultConfidence = 0.5
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	breakerCfg := config.Breaker
	if breakerCfg == nil {
		breakerCfg = circuitbreaker.DefaultConfig()
	}
	// 熔断状态变更同步到指标
	userCallback := breakerCfg.OnStateChange
	breakerCfg.OnStateChange = func(provider string, from, to circuitbreaker.State) {
		collector.SetBreakerState(provider, int(to))
		if userCallback != nil {
			userCallback(provider, from, to)
		}
	}

	return &Gateway{
		config:    config,
		breakers:  circuitbreaker.NewRegistry(breakerCfg, logger),
		collector: collector,
		logger:    logger.With(zap.String("component", "gateway")),
		counter:   newTokenCounter(),
		providers: make(map[string]llm.Provider),
		limiters:  make(map[string]*rate.Limiter),
	}
}

// Register 注册一个模型提供者。重复注册覆盖旧实现。
func (g *Gateway) Register(p llm.Provider) {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.providers[p.Name()] = p
	if g.config.RateLimit > 0 {
		g.limiters[p.Name()] = rate.NewLimiter(rate.Limit(g.config.RateLimit), 1)
	}
	g.logger.Info("provider registered", zap.String("provider", p.Name()))
}

// Providers 返回已注册的提供者名称。
func (g *Gateway) Providers() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	names := make([]string, 0, len(g.providers))
	for name := range g.providers {
		names = append(names, name)
	}
	return names
}

// Invoke 执行一次受熔断保护的模型调用。
// 返回的错误总是 *llm.Error，便于上层按错误码分类处理。
func (g *Gateway) Invoke(ctx context.Context, provider string, req *llm.ChatRequest) (*Result, error) {
	g.mu.RLock()
	p, ok := g.providers[provider]
	limiter := g.limiters[provider]
	g.mu.RUnlock()

	if !ok {
		return nil, llm.NewError(llm.ErrInvalidRequest,
			fmt.Sprintf("unknown provider %q", provider), provider, false)
	}

	breaker := g.breakers.Get(provider)
	if err := breaker.Allow(); err != nil {
		g.collector.RecordGatewayCall(provider, "circuit_open", 0, 0, 0)
		g.logger.Debug("call rejected by circuit breaker", zap.String("provider", provider))
		return nil, llm.NewError(llm.ErrCircuitOpen,
			fmt.Sprintf("provider %s circuit is open", provider), provider, true)
	}

	if limiter != nil {
		if err := limiter.Wait(ctx); err != nil {
			// 限流等待被取消不计入熔断失败，并归还半开试探名额
			breaker.Cancel()
			return nil, llm.NewError(llm.ErrRateLimited,
				fmt.Sprintf("rate limit wait aborted for %s: %v", provider, err), provider, true)
		}
	}

	timeout := g.config.CallTimeout
	if req.Timeout > 0 {
		timeout = req.Timeout
	}
	callCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	resp, err := g.completeWithDeadline(callCtx, p, req)
	elapsed := time.Since(start)

	switch {
	case err == nil:
		breaker.Record(true, elapsed)
		result := g.normalize(provider, req, resp, elapsed)
		g.collector.RecordGatewayCall(provider, "success", elapsed, result.PromptTokens, result.TotalTokens-result.PromptTokens)
		return result, nil

	case callCtx.Err() != nil:
		// 超时按失败计入熔断，但以独立错误码上报调用方
		breaker.Record(false, elapsed)
		g.collector.RecordGatewayCall(provider, "timeout", elapsed, 0, 0)
		g.logger.Warn("provider call timed out",
			zap.String("provider", provider),
			zap.Duration("elapsed", elapsed),
		)
		return nil, llm.NewError(llm.ErrUpstreamTimeout,
			fmt.Sprintf("provider %s timed out after %s", provider, elapsed.Round(time.Millisecond)), provider, true)

	case llm.IsClientError(err):
		// 客户端错误不计入熔断失败
		breaker.Record(true, elapsed)
		g.collector.RecordGatewayCall(provider, "client_error", elapsed, 0, 0)
		return nil, err

	default:
		breaker.Record(false, elapsed)
		g.collector.RecordGatewayCall(provider, "failure", elapsed, 0, 0)
		g.logger.Warn("provider call failed",
			zap.String("provider", provider),
			zap.Error(err),
		)
		if le, ok := err.(*llm.Error); ok {
			return nil, le
		}
		return nil, llm.NewError(llm.ErrUpstreamError, err.Error(), provider, true)
	}
}

// completeWithDeadline 在独立 goroutine 中执行调用，保证超时后立即返回，
// 不被忽略 context 的提供者实现阻塞。
func (g *Gateway) completeWithDeadline(ctx context.Context, p llm.Provider, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	type callResult struct {
		resp *llm.ChatResponse
		err  error
	}
	resultCh := make(chan callResult, 1)

	go func() {
		resp, err := p.Completion(ctx, req)
		resultCh <- callResult{resp: resp, err: err}
	}()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case res := <-resultCh:
		return res.resp, res.err
	}
}

// normalize 将提供者响应归一化，补齐置信度与 Token 统计。
func (g *Gateway) normalize(provider string, req *llm.ChatRequest, resp *llm.ChatResponse, elapsed time.Duration) *Result {
	confidence := resp.Confidence
	if confidence <= 0 {
		confidence = g.config.DefaultConfidence
	}
	if confidence > 1 {
		confidence = 1
	}

	promptTokens := resp.Usage.PromptTokens
	totalTokens := resp.Usage.TotalTokens
	if totalTokens == 0 {
		// 提供者未返回用量，按内容估算
		promptTokens = g.counter.countMessages(req.Messages)
		totalTokens = promptTokens + g.counter.count(resp.Content)
	}

	return &Result{
		Provider:       provider,
		Model:          resp.Model,
		Content:        resp.Content,
		Confidence:     confidence,
		ResponseTimeMs: elapsed.Milliseconds(),
		PromptTokens:   promptTokens,
		TotalTokens:    totalTokens,
		Cost:           resp.Usage.Cost,
	}
}

// Health 返回全部提供者的熔断快照，供路由做目的地健康判断。
func (g *Gateway) Health() []circuitbreaker.Snapshot {
	return g.breakers.Snapshots()
}

// BreakerState 返回指定提供者的熔断状态。
func (g *Gateway) BreakerState(provider string) circuitbreaker.State {
	return g.breakers.Get(provider).State()
}
