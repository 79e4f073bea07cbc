// Package engine 将各组件装配为一个可运行的辩论共识引擎：
// 任务经路由进入工作协程池，由协调器执行辩论，结果与复核通过查询接口暴露。
package engine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/BaSui01/debateflow/config"
	"github.com/BaSui01/debateflow/consensus"
	"github.com/BaSui01/debateflow/debate"
	"github.com/BaSui01/debateflow/escalation"
	"github.com/BaSui01/debateflow/gateway"
	"github.com/BaSui01/debateflow/internal/metrics"
	"github.com/BaSui01/debateflow/learning"
	"github.com/BaSui01/debateflow/llm/circuitbreaker"
	"github.com/BaSui01/debateflow/llm/embedding"
	"github.com/BaSui01/debateflow/replay"
	"github.com/BaSui01/debateflow/roles"
	"github.com/BaSui01/debateflow/router"
	"github.com/BaSui01/debateflow/store"
)

// 本地目的地标识
const localDestination = "local"

// breaker 状态持久化周期
const healthSyncInterval = 30 * time.Second

// ErrQueueFull 任务队列已满
var ErrQueueFull = fmt.Errorf("engine: intake queue is full")

// ErrNotReady 任务尚未终结
var ErrNotReady = fmt.Errorf("engine: task has not finished")

// ErrClosed 引擎已关闭
var ErrClosed = fmt.Errorf("engine: closed")

// Options 装配依赖。Store 与 Gateway 必填，其余可空。
type Options struct {
	Store     store.Store
	Gateway   *gateway.Gateway
	Cache     redis.UniversalClient
	Embedder  embedding.Provider
	Collector *metrics.Collector
	Logger    *zap.Logger
}

// SubmitRequest 一次任务提交
type SubmitRequest struct {
	ClientID     string
	Domain       string
	TaskType     string
	Priority     int // 1-5，默认 3
	InputContent string
	Context      map[string]any
	Deadline     *time.Time
}

// Engine 辩论共识引擎
type Engine struct {
	cfg       *config.Config
	logger    *zap.Logger
	store     store.Store
	gateway   *gateway.Gateway
	collector *metrics.Collector

	coordinator *debate.Coordinator
	escalations *escalation.Manager
	miner       *learning.Miner
	router      *router.Router
	replayer    *replay.Engine

	queue chan *store.DebateTask
	wg    sync.WaitGroup

	mu      sync.Mutex
	started bool
	closed  bool
	stop    chan struct{}
}

// New 按配置装配引擎。调用方负责向 Gateway 注册提供者。
func New(cfg *config.Config, opts Options) (*Engine, error) {
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if opts.Store == nil {
		return nil, fmt.Errorf("engine: store is required")
	}
	if opts.Gateway == nil {
		return nil, fmt.Errorf("engine: gateway is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	embedder := opts.Embedder
	if embedder == nil {
		embedder = embedding.NewDeterministic(0)
	}

	assigner := roles.NewAssigner(roles.Config{MinConfidence: cfg.Debate.RoleMinConfidence}, logger)
	scorer := consensus.NewScorer(consensus.Config{
		ConfidenceBlend: cfg.Debate.ConfidenceBlend,
		CacheTTL:        cfg.Redis.CacheTTL,
	}, embedder, opts.Cache, logger)

	escalations := escalation.NewManager(escalation.Config{
		Timeout:       cfg.Escalation.Timeout,
		TimeoutPolicy: escalation.TimeoutPolicy(cfg.Escalation.TimeoutPolicy),
		ApproveCost:   cfg.Escalation.ApproveCost,
		ModifyCost:    cfg.Escalation.ModifyCost,
		RejectCost:    cfg.Escalation.RejectCost,
	}, opts.Store, embedder, opts.Collector, logger)

	recorder := learning.NewRecorder(opts.Store, opts.Collector, logger)

	candidates := make([]roles.ModelProfile, 0, len(cfg.Models))
	for _, m := range cfg.Models {
		candidates = append(candidates, roles.ModelProfile{
			Name:      m.Name,
			Provider:  m.Provider,
			Strengths: m.Strengths,
		})
	}

	policy := debate.Policy{
		ConsensusThreshold: cfg.Debate.ConsensusThreshold,
		MaxRounds:          cfg.Debate.MaxRounds,
		MinQuorum:          cfg.Debate.MinQuorum,
		CallTimeout:        cfg.Gateway.CallTimeout,
		ReviewPriority:     cfg.Debate.ReviewPriority,
		MaxRetries:         cfg.Debate.MaxRetries,
		ConfidenceBlend:    cfg.Debate.ConfidenceBlend,
	}
	coordinator := debate.NewCoordinator(policy, opts.Gateway, assigner, scorer,
		opts.Store, escalations, recorder, opts.Collector, logger, candidates)

	// 重放走独立协调器：复核即时自动采纳，不进真实队列，也不产生学习事件
	replayCoordinator := debate.NewCoordinator(policy, opts.Gateway, assigner, scorer,
		opts.Store, escalation.AutoApprover{}, nil, nil, logger, candidates)

	miner := learning.NewMiner(learning.MinerConfig{
		Interval:            cfg.Learning.MinerInterval,
		Window:              cfg.Learning.Window,
		SimilarityThreshold: cfg.Learning.SimilarityThreshold,
		MinFrequency:        cfg.Learning.MinFrequency,
		MinImprovement:      cfg.Learning.MinImprovement,
		RetrainFrequency:    cfg.Learning.RetrainFrequency,
	}, opts.Store, embedder, opts.Collector, logger)

	e := &Engine{
		cfg:         cfg,
		logger:      logger.With(zap.String("component", "engine")),
		store:       opts.Store,
		gateway:     opts.Gateway,
		collector:   opts.Collector,
		coordinator: coordinator,
		escalations: escalations,
		miner:       miner,
		replayer:    replay.NewEngine(opts.Store, replayCoordinator, embedder, logger),
		queue:       make(chan *store.DebateTask, cfg.Server.QueueSize),
		stop:        make(chan struct{}),
	}

	rt := router.New(router.Config{
		MinScore:           cfg.Router.MinScore,
		LoadPenalty:        cfg.Router.LoadPenalty,
		GeneralistAffinity: cfg.Router.GeneralistAffinity,
	}, opts.Store, logger)
	if err := rt.Register(router.Destination{
		ID:        localDestination,
		BaseScore: 1.0,
		Health:    e.gatewayHealth,
		Dispatch: func(ctx context.Context, task *store.DebateTask) error {
			_, err := coordinator.Run(ctx, task)
			return err
		},
	}); err != nil {
		return nil, fmt.Errorf("engine: register local destination: %w", err)
	}
	e.router = rt

	return e, nil
}

// Start 启动工作协程、模式挖掘与熔断状态持久化。
func (e *Engine) Start() {
	e.mu.Lock()
	if e.started || e.closed {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	for i := 0; i < e.cfg.Server.Workers; i++ {
		e.wg.Add(1)
		go e.worker(i)
	}
	if e.cfg.Learning.MinerEnabled {
		e.miner.Start()
	}
	e.wg.Add(1)
	go e.healthSyncLoop()

	e.logger.Info("engine started",
		zap.Int("workers", e.cfg.Server.Workers),
		zap.Int("queue_size", e.cfg.Server.QueueSize),
		zap.Bool("miner_enabled", e.cfg.Learning.MinerEnabled),
	)
}

// Submit 接收任务并立即返回任务 ID，辩论在后台执行。
func (e *Engine) Submit(ctx context.Context, req SubmitRequest) (string, error) {
	if req.InputContent == "" {
		return "", fmt.Errorf("engine: input_content is required")
	}
	if req.Priority < 1 || req.Priority > 5 {
		req.Priority = 3
	}
	if req.Domain == "" {
		req.Domain = "general"
	}

	task := &store.DebateTask{
		TaskID:       uuid.NewString(),
		ClientID:     req.ClientID,
		Domain:       req.Domain,
		TaskType:     req.TaskType,
		Priority:     req.Priority,
		InputContent: req.InputContent,
		Context:      req.Context,
		Status:       store.StatusPending,
		Deadline:     req.Deadline,
	}
	if err := e.store.SaveTask(ctx, task); err != nil {
		return "", fmt.Errorf("engine: persist task: %w", err)
	}

	// 入队与关闭互斥，保证不会向已关闭的队列发送
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.rejectTask(ctx, task, "engine is shutting down")
		return "", ErrClosed
	}
	select {
	case e.queue <- task:
		e.mu.Unlock()
	default:
		e.mu.Unlock()
		e.rejectTask(ctx, task, "intake queue is full")
		return "", ErrQueueFull
	}

	e.logger.Info("task accepted",
		zap.String("task_id", task.TaskID),
		zap.String("domain", task.Domain),
		zap.Int("priority", task.Priority),
	)
	return task.TaskID, nil
}

// Status 返回任务当前快照。
func (e *Engine) Status(ctx context.Context, taskID string) (*store.DebateTask, error) {
	return e.store.GetTask(ctx, taskID)
}

// Result 返回已终结任务，未终结返回 ErrNotReady。
func (e *Engine) Result(ctx context.Context, taskID string) (*store.DebateTask, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, err
	}
	if !task.Status.IsTerminal() {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotReady, taskID, task.Status)
	}
	return task, nil
}

// Resolve 提交一个人工复核决定。
func (e *Engine) Resolve(ctx context.Context, taskID string, d escalation.Decision) error {
	return e.escalations.Resolve(ctx, taskID, d)
}

// PendingReviews 返回待复核队列（优先级降序）。
func (e *Engine) PendingReviews() []escalation.QueueItem {
	return e.escalations.Pending()
}

// Replay 对已终结任务做一次离线重放。
func (e *Engine) Replay(ctx context.Context, taskID string) (*store.DecisionReplay, error) {
	return e.replayer.Replay(ctx, taskID)
}

// MineOnce 手动触发一次模式挖掘。
func (e *Engine) MineOnce(ctx context.Context) ([]*store.LearningPattern, error) {
	return e.miner.MineOnce(ctx)
}

// Close 优雅关闭：停止接单，等在途任务完成或超时。
func (e *Engine) Close(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	started := e.started
	e.mu.Unlock()

	close(e.queue)
	close(e.stop)

	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-ctx.Done():
		err = fmt.Errorf("engine: shutdown deadline exceeded: %w", ctx.Err())
	}

	if started && e.cfg.Learning.MinerEnabled {
		e.miner.Stop()
	}
	e.escalations.Close()
	e.logger.Info("engine stopped", zap.Error(err))
	return err
}

// worker 消费任务队列并经路由执行。
func (e *Engine) worker(id int) {
	defer e.wg.Done()
	log := e.logger.With(zap.Int("worker", id))

	for task := range e.queue {
		if _, err := e.router.Dispatch(context.Background(), task); err != nil {
			log.Error("task dispatch failed",
				zap.String("task_id", task.TaskID),
				zap.Error(err),
			)
			e.failUndispatched(task, err)
		}
	}
}

// failUndispatched 将派发失败的任务置为终态 failed。
// 协调器内部失败已自行落库终态，这里只兜底路由层失败（如无可用目的地）。
func (e *Engine) failUndispatched(task *store.DebateTask, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if current, err := e.store.GetTask(ctx, task.TaskID); err == nil && current.Status.IsTerminal() {
		return
	}
	task.Status = store.StatusFailed
	task.FailureReason = cause.Error()
	if err := e.store.SaveTask(ctx, task); err != nil {
		e.logger.Warn("failed to persist dispatch failure",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
	}
}

// rejectTask 将已落库但未被受理的任务直接置为 failed，不留悬挂的 pending。
func (e *Engine) rejectTask(ctx context.Context, task *store.DebateTask, reason string) {
	task.Status = store.StatusFailed
	task.FailureReason = reason
	if err := e.store.SaveTask(ctx, task); err != nil {
		e.logger.Warn("failed to persist rejected task",
			zap.String("task_id", task.TaskID),
			zap.Error(err),
		)
	}
}

// gatewayHealth 把各提供者熔断状态折算为本地目的地健康度。
func (e *Engine) gatewayHealth() float64 {
	snaps := e.gateway.Health()
	if len(snaps) == 0 {
		return 1
	}
	total := 0.0
	for _, s := range snaps {
		switch s.State {
		case circuitbreaker.StateClosed:
			total += 1
		case circuitbreaker.StateHalfOpen:
			total += 0.5
		}
	}
	return total / float64(len(snaps))
}

// healthSyncLoop 周期性把熔断快照写入存储，供运维查询。
func (e *Engine) healthSyncLoop() {
	defer e.wg.Done()
	ticker := time.NewTicker(healthSyncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-e.stop:
			return
		case <-ticker.C:
			e.syncBreakerStates(context.Background())
		}
	}
}

func (e *Engine) syncBreakerStates(ctx context.Context) {
	for _, snap := range e.gateway.Health() {
		rec := &store.CircuitBreakerState{
			Provider:      snap.Provider,
			State:         snap.State.String(),
			FailureCount:  snap.FailureCount,
			SuccessCount:  snap.SuccessCount,
			SuccessRate:   snap.SuccessRate,
			LastFailureAt: snap.LastFailureAt,
		}
		if err := e.store.UpsertBreakerState(ctx, rec); err != nil {
			e.logger.Warn("failed to persist breaker state",
				zap.String("provider", snap.Provider),
				zap.Error(err),
			)
		}
	}
}
