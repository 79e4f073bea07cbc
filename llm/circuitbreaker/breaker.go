package circuitbreaker

import (
	"errors"
	"sync"
	"time"

	"go.uber.org/zap"
)

// State 熔断器状态
type State int

const (
	// StateClosed 关闭状态（正常工作）
	StateClosed State = iota
	// StateOpen 打开状态（熔断中）
	StateOpen
	// StateHalfOpen 半开状态（试探性恢复）
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Config 熔断器配置
type Config struct {
	// FailureThreshold 连续失败次数阈值（触发熔断）
	FailureThreshold int

	// Cooldown 熔断恢复等待时间（从 open -> half_open）
	Cooldown time.Duration

	// HalfOpenMaxCalls 半开状态下允许的试探请求数
	HalfOpenMaxCalls int

	// ResponseTimeAlpha 平均响应时间 EWMA 系数
	ResponseTimeAlpha float64

	// OnStateChange 状态变更回调
	OnStateChange func(provider string, from, to State)
}

// DefaultConfig 返回默认配置
func DefaultConfig() *Config {
	return &Config{
		FailureThreshold:  5,
		Cooldown:          60 * time.Second,
		HalfOpenMaxCalls:  1,
		ResponseTimeAlpha: 0.2,
	}
}

func (c *Config) normalize() {
	if c.FailureThreshold <= 0 {
		c.FailureThreshold = 5
	}
	if c.Cooldown <= 0 {
		c.Cooldown = 60 * time.Second
	}
	if c.HalfOpenMaxCalls <= 0 {
		c.HalfOpenMaxCalls = 1
	}
	if c.ResponseTimeAlpha <= 0 || c.ResponseTimeAlpha > 1 {
		c.ResponseTimeAlpha = 0.2
	}
}

// Snapshot 是熔断器的观测快照，供路由与指标使用。
type Snapshot struct {
	Provider          string    `json:"provider"`
	State             State     `json:"state"`
	FailureCount      int       `json:"failure_count"`
	SuccessCount      int64     `json:"success_count"`
	TotalCalls        int64     `json:"total_calls"`
	SuccessRate       float64   `json:"success_rate"`
	AvgResponseTimeMs float64   `json:"avg_response_time_ms"`
	LastFailureAt     time.Time `json:"last_failure_at"`
}

// 错误定义
var (
	// ErrOpen 熔断器打开，调用被直接拒绝
	ErrOpen = errors.New("circuit breaker is open")
	// ErrTooManyHalfOpenCalls 半开状态下试探名额已用尽
	ErrTooManyHalfOpenCalls = errors.New("too many calls in half-open state")
)

// Breaker 按提供者维度隔离故障的三态熔断器。
// 状态转换全部在互斥锁内完成；外部调用方通过 Allow/Record 两段式使用，
// 保证不在持锁状态下执行任何网络调用。
type Breaker struct {
	provider string
	config   *Config
	logger   *zap.Logger

	mu                sync.Mutex
	state             State
	failureCount      int
	successCount      int64
	totalCalls        int64
	lastFailureTime   time.Time
	halfOpenCallCount int
	avgResponseTimeMs float64
}

// New 创建指定提供者的熔断器
func New(provider string, config *Config, logger *zap.Logger) *Breaker {
	if config == nil {
		config = DefaultConfig()
	}
	config.normalize()
	if logger == nil {
		logger = zap.NewNop()
	}

	return &Breaker{
		provider: provider,
		config:   config,
		logger:   logger.With(zap.String("component", "circuitbreaker"), zap.String("provider", provider)),
		state:    StateClosed,
	}
}

// Allow 调用前检查：返回 nil 表示放行。
// open 状态下冷却期满则转入 half_open 并放行一次试探。
func (b *Breaker) Allow() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	switch b.state {
	case StateClosed:
		return nil

	case StateOpen:
		if time.Since(b.lastFailureTime) > b.config.Cooldown {
			b.setState(StateHalfOpen)
			b.halfOpenCallCount = 1
			b.logger.Info("熔断器进入半开状态")
			return nil
		}
		return ErrOpen

	case StateHalfOpen:
		if b.halfOpenCallCount >= b.config.HalfOpenMaxCalls {
			return ErrTooManyHalfOpenCalls
		}
		b.halfOpenCallCount++
		return nil

	default:
		return ErrOpen
	}
}

// Cancel 归还一次 Allow 取得的调用名额，用于调用在发出前被中止的场景
// （如限流等待被取消）。半开状态下释放试探名额，不计成功或失败。
func (b *Breaker) Cancel() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.state == StateHalfOpen && b.halfOpenCallCount > 0 {
		b.halfOpenCallCount--
	}
}

// Record 调用后登记结果；elapsed 为本次调用耗时。
func (b *Breaker) Record(success bool, elapsed time.Duration) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.totalCalls++
	ms := float64(elapsed.Milliseconds())
	if b.avgResponseTimeMs == 0 {
		b.avgResponseTimeMs = ms
	} else {
		a := b.config.ResponseTimeAlpha
		b.avgResponseTimeMs = a*ms + (1-a)*b.avgResponseTimeMs
	}

	if success {
		b.onSuccess()
	} else {
		b.onFailure()
	}
}

// onSuccess 处理成功调用
func (b *Breaker) onSuccess() {
	b.successCount++

	switch b.state {
	case StateClosed:
		b.failureCount = 0

	case StateHalfOpen:
		// 试探成功，恢复关闭
		b.logger.Info("熔断器恢复正常",
			zap.Int("half_open_calls", b.halfOpenCallCount),
		)
		b.setState(StateClosed)
		b.failureCount = 0
		b.halfOpenCallCount = 0

	case StateOpen:
		b.logger.Warn("熔断器打开状态收到成功响应")
	}
}

// onFailure 处理失败调用
func (b *Breaker) onFailure() {
	b.failureCount++
	b.lastFailureTime = time.Now()

	switch b.state {
	case StateClosed:
		if b.failureCount >= b.config.FailureThreshold {
			b.logger.Warn("熔断器打开",
				zap.Int("failure_count", b.failureCount),
				zap.Int("threshold", b.config.FailureThreshold),
			)
			b.setState(StateOpen)
		}

	case StateHalfOpen:
		// 试探失败，重新打开并重置冷却计时
		b.logger.Warn("熔断器半开状态试探失败，重新打开")
		b.setState(StateOpen)
		b.halfOpenCallCount = 0

	case StateOpen:
		b.logger.Warn("熔断器打开状态收到失败响应")
	}
}

// setState 设置状态并触发回调
func (b *Breaker) setState(newState State) {
	oldState := b.state
	b.state = newState

	if b.config.OnStateChange != nil && oldState != newState {
		go b.config.OnStateChange(b.provider, oldState, newState)
	}
}

// State 获取当前状态
func (b *Breaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.state
}

// Snapshot 返回当前观测快照
func (b *Breaker) Snapshot() Snapshot {
	b.mu.Lock()
	defer b.mu.Unlock()

	rate := 1.0
	if b.totalCalls > 0 {
		rate = float64(b.successCount) / float64(b.totalCalls)
	}
	return Snapshot{
		Provider:          b.provider,
		State:             b.state,
		FailureCount:      b.failureCount,
		SuccessCount:      b.successCount,
		TotalCalls:        b.totalCalls,
		SuccessRate:       rate,
		AvgResponseTimeMs: b.avgResponseTimeMs,
		LastFailureAt:     b.lastFailureTime,
	}
}

// Reset 重置熔断器（手动恢复）
func (b *Breaker) Reset() {
	b.mu.Lock()
	defer b.mu.Unlock()

	oldState := b.state
	b.state = StateClosed
	b.failureCount = 0
	b.halfOpenCallCount = 0

	b.logger.Info("熔断器已重置", zap.String("from_state", oldState.String()))

	if b.config.OnStateChange != nil && oldState != StateClosed {
		go b.config.OnStateChange(b.provider, oldState, StateClosed)
	}
}
