// Package router 在任务开始前选择执行目的地（本地引擎或远端对等节点）。
// 评分 = 基础分 × 领域亲和 × 健康度 × 负载因子；返回有序候补列表，
// 派发时主目的地不可用则逐个降级，全部耗尽任务判负。
package router

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/BaSui01/debateflow/llm"
	"github.com/BaSui01/debateflow/store"
)

// HealthSource 返回目的地当前健康度 ∈ [0,1]。
type HealthSource func() float64

// DispatchFunc 在目的地上执行任务。
type DispatchFunc func(ctx context.Context, task *store.DebateTask) error

// Destination 一个可路由的执行目的地
type Destination struct {
	// ID 目的地标识，如 "local" 或对等节点名
	ID string

	// Domains 亲和领域。空表示通用目的地。
	Domains []string

	// BaseScore 基础分 ∈ (0,1]
	BaseScore float64

	// Health 健康度来源。nil 视为恒定健康。
	Health HealthSource

	// Dispatch 执行入口
	Dispatch DispatchFunc
}

// Config 路由配置
type Config struct {
	// MinScore 低于此分的目的地不参与路由
	MinScore float64

	// LoadPenalty 每个在途任务的负载惩罚系数
	LoadPenalty float64

	// GeneralistAffinity 通用目的地对任意领域的亲和度
	GeneralistAffinity float64
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		MinScore:           0.1,
		LoadPenalty:        0.1,
		GeneralistAffinity: 0.8,
	}
}

// Router 任务路由器
type Router struct {
	config Config
	store  store.Store
	logger *zap.Logger

	mu           sync.RWMutex
	destinations map[string]*Destination
	load         map[string]int // 在途任务数
}

// New 创建路由器。store 可为 nil（不持久化路由决策）。
func New(config Config, st store.Store, logger *zap.Logger) *Router {
	if config.MinScore <= 0 {
		config.MinScore = DefaultConfig().MinScore
	}
	if config.GeneralistAffinity <= 0 || config.GeneralistAffinity > 1 {
		config.GeneralistAffinity = DefaultConfig().GeneralistAffinity
	}
	if config.LoadPenalty < 0 {
		config.LoadPenalty = 0
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Router{
		config:       config,
		store:        st,
		logger:       logger.With(zap.String("component", "router")),
		destinations: make(map[string]*Destination),
		load:         make(map[string]int),
	}
}

// Register 注册一个目的地。重复 ID 覆盖。
func (r *Router) Register(d Destination) error {
	if d.ID == "" {
		return fmt.Errorf("router: destination id required")
	}
	if d.BaseScore <= 0 || d.BaseScore > 1 {
		d.BaseScore = 1
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	r.destinations[d.ID] = &d
	r.logger.Info("destination registered",
		zap.String("destination", d.ID),
		zap.Strings("domains", d.Domains),
	)
	return nil
}

// Route 为任务选择目的地并返回有序候补列表。
// 没有任何目的地达到最低分时返回 LLM_NO_DESTINATION。
func (r *Router) Route(ctx context.Context, task *store.DebateTask) (*store.RoutingDecision, error) {
	type candidate struct {
		id    string
		score float64
	}

	r.mu.RLock()
	candidates := make([]candidate, 0, len(r.destinations))
	for id, d := range r.destinations {
		score := r.scoreLocked(d, task.Domain)
		if score >= r.config.MinScore {
			candidates = append(candidates, candidate{id: id, score: score})
		}
	}
	r.mu.RUnlock()

	if len(candidates) == 0 {
		return nil, llm.NewError(llm.ErrNoDestination,
			fmt.Sprintf("no destination available for domain %q", task.Domain), "", false)
	}

	sort.SliceStable(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		return candidates[i].id < candidates[j].id
	})

	fallbacks := make([]string, 0, len(candidates)-1)
	for _, c := range candidates[1:] {
		fallbacks = append(fallbacks, c.id)
	}

	decision := &store.RoutingDecision{
		TaskID:               task.TaskID,
		DestinationID:        candidates[0].id,
		Confidence:           candidates[0].score,
		FallbackDestinations: fallbacks,
		Reason:               fmt.Sprintf("score %.2f for domain %q", candidates[0].score, task.Domain),
	}

	r.logger.Debug("task routed",
		zap.String("task_id", task.TaskID),
		zap.String("destination", decision.DestinationID),
		zap.Float64("confidence", decision.Confidence),
		zap.Int("fallbacks", len(fallbacks)),
	)
	return decision, nil
}

// Dispatch 路由并执行：主目的地失败后按候补顺序重试，
// 全部耗尽返回 LLM_NO_DESTINATION。成功后持久化实际采用的决策。
func (r *Router) Dispatch(ctx context.Context, task *store.DebateTask) (*store.RoutingDecision, error) {
	decision, err := r.Route(ctx, task)
	if err != nil {
		return nil, err
	}

	ordered := append([]string{decision.DestinationID}, decision.FallbackDestinations...)
	var lastErr error
	for i, id := range ordered {
		r.mu.RLock()
		d, ok := r.destinations[id]
		r.mu.RUnlock()
		if !ok || d.Dispatch == nil {
			continue
		}

		r.incLoad(id, 1)
		err := d.Dispatch(ctx, task)
		r.incLoad(id, -1)
		if err != nil {
			lastErr = err
			r.logger.Warn("dispatch failed, trying fallback",
				zap.String("task_id", task.TaskID),
				zap.String("destination", id),
				zap.Error(err),
			)
			continue
		}

		decision.DestinationID = id
		decision.FallbackUsed = i > 0
		task.RoutedDestination = id
		r.persist(ctx, decision)
		return decision, nil
	}

	msg := fmt.Sprintf("all %d destination(s) exhausted for task %s", len(ordered), task.TaskID)
	if lastErr != nil {
		msg = fmt.Sprintf("%s: last error: %v", msg, lastErr)
	}
	return nil, llm.NewError(llm.ErrNoDestination, msg, "", false)
}

// Load 返回目的地的在途任务数。
func (r *Router) Load(id string) int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.load[id]
}

func (r *Router) persist(ctx context.Context, decision *store.RoutingDecision) {
	if r.store == nil {
		return
	}
	if err := r.store.SaveRoutingDecision(ctx, decision); err != nil {
		r.logger.Warn("failed to persist routing decision",
			zap.String("task_id", decision.TaskID), zap.Error(err))
	}
}

func (r *Router) incLoad(id string, delta int) {
	r.mu.Lock()
	r.load[id] += delta
	if r.load[id] < 0 {
		r.load[id] = 0
	}
	r.mu.Unlock()
}

// scoreLocked 计算目的地得分。调用方需持有读锁。
func (r *Router) scoreLocked(d *Destination, domain string) float64 {
	affinity := r.config.GeneralistAffinity
	if len(d.Domains) > 0 {
		affinity = 0
		for _, dom := range d.Domains {
			if dom == domain {
				affinity = 1
				break
			}
		}
	}

	health := 1.0
	if d.Health != nil {
		health = d.Health()
		if health < 0 {
			health = 0
		}
		if health > 1 {
			health = 1
		}
	}

	loadFactor := 1.0
	if r.config.LoadPenalty > 0 {
		loadFactor = 1.0 / (1.0 + r.config.LoadPenalty*float64(r.load[d.ID]))
	}

	return d.BaseScore * affinity * health * loadFactor
}
