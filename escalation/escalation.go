// Package escalation 管理超时受限的人工复核队列。
// 每个任务至多一个未决介入；复核决定与超时触发之间的竞态
// 由 resolved 标志裁决，先到者生效，后到者为无操作。
package escalation

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/debateflow/internal/metrics"
	"github.com/BaSui01/debateflow/llm/embedding"
	"github.com/BaSui01/debateflow/store"
)

// Action 复核决定类型
type Action string

const (
	ActionApprove  Action = "approve"  // 采纳自动结论，零成本
	ActionModify   Action = "modify"   // 人工替换结论
	ActionReject   Action = "reject"   // 驳回，任务重试一轮
	ActionEscalate Action = "escalate" // 升级到更高权限队列
)

// TimeoutPolicy 超时无人处理时的兜底策略
type TimeoutPolicy string

const (
	// TimeoutAutoApprove 自动采纳最佳自动结论（默认，可用性优先）
	TimeoutAutoApprove TimeoutPolicy = "auto_approve"

	// TimeoutFail 任务判负
	TimeoutFail TimeoutPolicy = "fail"
)

// Config 复核队列配置
type Config struct {
	// Timeout 每个介入的复核时限
	Timeout time.Duration

	// TimeoutPolicy 超时兜底策略
	TimeoutPolicy TimeoutPolicy

	// 各决定的成本（计入任务总成本）
	ApproveCost float64
	ModifyCost  float64
	RejectCost  float64
}

// DefaultConfig 返回默认配置
func DefaultConfig() Config {
	return Config{
		Timeout:       5 * time.Minute,
		TimeoutPolicy: TimeoutAutoApprove,
		ApproveCost:   0,
		ModifyCost:    1.0,
		RejectCost:    2.0,
	}
}

// Decision 复核者提交的决定
type Decision struct {
	Action Action `json:"action"`

	// Result 替换文本，仅 modify 使用
	Result string `json:"result,omitempty"`

	// Satisfaction 复核者满意度 1–5
	Satisfaction int `json:"satisfaction,omitempty"`

	Reviewer string `json:"reviewer,omitempty"`
}

// Resolution 介入的最终结论，投递给等待中的协调器。
// Action 取 approve/modify/reject/fail（fail 仅来自 TimeoutFail 策略）。
type Resolution struct {
	Action             Action
	Result             string
	Cost               float64
	QualityImprovement float64
	Satisfaction       int
	TimedOut           bool
	TimeSpent          time.Duration
}

// ActionFail 超时判负策略产生的内部结论动作。
const ActionFail Action = "fail"

// Handle 一次介入的等待句柄
type Handle struct {
	ID     string
	TaskID string
	done   chan Resolution
}

// Done 返回结论投递通道。通道只投递一次。
func (h *Handle) Done() <-chan Resolution { return h.done }

// QueueItem 队列视图中的一项
type QueueItem struct {
	InterventionID string    `json:"intervention_id"`
	TaskID         string    `json:"task_id"`
	Domain         string    `json:"domain"`
	Priority       int       `json:"priority"`
	Reason         string    `json:"reason"`
	Synthesis      string    `json:"synthesis"`
	EnqueuedAt     time.Time `json:"enqueued_at"`
	TimeoutAt      time.Time `json:"timeout_at"`
}

var (
	// ErrAlreadyPending 任务已有未决介入
	ErrAlreadyPending = errors.New("escalation: task already has an open intervention")

	// ErrNotPending 任务没有未决介入
	ErrNotPending = errors.New("escalation: no open intervention for task")

	// ErrClosed 管理器已关闭
	ErrClosed = errors.New("escalation: manager closed")
)

type entry struct {
	handle     *Handle
	record     *store.HumanIntervention
	item       QueueItem
	timer      *time.Timer
	enqueuedAt time.Time
	resolved   bool
}

// Manager 人工复核队列管理器
type Manager struct {
	config    Config
	store     store.Store
	embedder  embedding.Provider
	collector *metrics.Collector
	logger    *zap.Logger

	mu      sync.Mutex
	pending map[string]*entry // task_id → entry
	closed  bool
}

// NewManager 创建复核队列管理器。embedder 用于估算 modify 的质量提升，
// 为 nil 时使用确定性向量。
func NewManager(config Config, st store.Store, embedder embedding.Provider, collector *metrics.Collector, logger *zap.Logger) *Manager {
	if config.Timeout <= 0 {
		config.Timeout = DefaultConfig().Timeout
	}
	if config.TimeoutPolicy == "" {
		config.TimeoutPolicy = TimeoutAutoApprove
	}
	if embedder == nil {
		embedder = embedding.NewDeterministic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Manager{
		config:    config,
		store:     st,
		embedder:  embedder,
		collector: collector,
		logger:    logger.With(zap.String("component", "escalation")),
		pending:   make(map[string]*entry),
	}
}

// Enqueue 将任务送入复核队列并启动超时计时器。
// synthesis 是待复核的最佳自动结论。
func (m *Manager) Enqueue(ctx context.Context, task *store.DebateTask, synthesis, reason string) (*Handle, error) {
	if task == nil || task.TaskID == "" {
		return nil, fmt.Errorf("escalation: nil task")
	}

	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return nil, ErrClosed
	}
	if _, exists := m.pending[task.TaskID]; exists {
		m.mu.Unlock()
		return nil, ErrAlreadyPending
	}

	now := time.Now()
	record := &store.HumanIntervention{
		InterventionID: uuid.NewString(),
		TaskID:         task.TaskID,
		OriginalResult: synthesis,
		TimeoutAt:      now.Add(m.config.Timeout),
	}
	handle := &Handle{
		ID:     record.InterventionID,
		TaskID: task.TaskID,
		done:   make(chan Resolution, 1),
	}
	e := &entry{
		handle: handle,
		record: record,
		item: QueueItem{
			InterventionID: record.InterventionID,
			TaskID:         task.TaskID,
			Domain:         task.Domain,
			Priority:       task.Priority,
			Reason:         reason,
			Synthesis:      synthesis,
			EnqueuedAt:     now,
			TimeoutAt:      record.TimeoutAt,
		},
		enqueuedAt: now,
	}
	e.timer = time.AfterFunc(m.config.Timeout, func() { m.fireTimeout(task.TaskID) })
	m.pending[task.TaskID] = e
	m.collector.SetEscalationQueueDepth(len(m.pending))
	m.mu.Unlock()

	if m.store != nil {
		if err := m.store.SaveIntervention(ctx, record); err != nil {
			m.logger.Warn("failed to persist intervention", zap.String("task_id", task.TaskID), zap.Error(err))
		}
	}

	m.logger.Info("task escalated to human review",
		zap.String("task_id", task.TaskID),
		zap.String("reason", reason),
		zap.Int("priority", task.Priority),
		zap.Duration("timeout", m.config.Timeout),
	)
	return handle, nil
}

// Resolve 应用复核者决定。与超时触发竞态时先到者生效。
// escalate 决定不终结介入：提升优先级并重置计时器。
func (m *Manager) Resolve(ctx context.Context, taskID string, d Decision) error {
	m.mu.Lock()
	e, ok := m.pending[taskID]
	if !ok || e.resolved {
		m.mu.Unlock()
		return ErrNotPending
	}

	if d.Action == ActionEscalate {
		// 升级：队内提权并重新计时，不投递结论
		if e.item.Priority < 5 {
			e.item.Priority++
		}
		e.timer.Reset(m.config.Timeout)
		e.item.TimeoutAt = time.Now().Add(m.config.Timeout)
		m.mu.Unlock()
		m.logger.Info("intervention escalated to higher queue",
			zap.String("task_id", taskID),
			zap.Int("priority", e.item.Priority),
		)
		return nil
	}

	cost, err := m.actionCost(d.Action)
	if err != nil {
		m.mu.Unlock()
		return err
	}

	e.resolved = true
	e.timer.Stop()
	delete(m.pending, taskID)
	m.collector.SetEscalationQueueDepth(len(m.pending))
	m.mu.Unlock()

	elapsed := time.Since(e.enqueuedAt)
	res := Resolution{
		Action:       d.Action,
		Result:       e.item.Synthesis,
		Cost:         cost,
		Satisfaction: d.Satisfaction,
		TimeSpent:    elapsed,
	}
	if d.Action == ActionModify {
		res.Result = d.Result
		res.QualityImprovement = m.qualityImprovement(ctx, e.item.Synthesis, d.Result)
	}

	m.finalize(ctx, e, res)
	return nil
}

// Cancel 撤销任务的未决介入，不投递结论。
// 供等待方放弃等待（如任务截止先到）后清理队列；
// 之后对同一任务的 Resolve 返回 ErrNotPending。
func (m *Manager) Cancel(ctx context.Context, taskID string) error {
	m.mu.Lock()
	e, ok := m.pending[taskID]
	if !ok || e.resolved {
		m.mu.Unlock()
		return ErrNotPending
	}
	e.resolved = true
	e.timer.Stop()
	delete(m.pending, taskID)
	m.collector.SetEscalationQueueDepth(len(m.pending))
	m.mu.Unlock()

	now := time.Now()
	e.record.InterventionType = "escalation"
	e.record.HumanResult = e.item.Synthesis
	e.record.TimeSpentMs = time.Since(e.enqueuedAt).Milliseconds()
	e.record.TimedOut = true
	e.record.ResolvedAt = &now
	if m.store != nil {
		if err := m.store.SaveIntervention(ctx, e.record); err != nil {
			m.logger.Warn("failed to persist cancelled intervention",
				zap.String("task_id", taskID), zap.Error(err))
		}
	}
	m.logger.Info("intervention cancelled", zap.String("task_id", taskID))
	return nil
}

// fireTimeout 超时无人处理，按兜底策略自动裁决。
func (m *Manager) fireTimeout(taskID string) {
	m.mu.Lock()
	e, ok := m.pending[taskID]
	if !ok || e.resolved {
		// 复核决定先到，超时为无操作
		m.mu.Unlock()
		return
	}
	e.resolved = true
	delete(m.pending, taskID)
	m.collector.SetEscalationQueueDepth(len(m.pending))
	m.mu.Unlock()

	res := Resolution{
		Result:    e.item.Synthesis,
		TimedOut:  true,
		TimeSpent: time.Since(e.enqueuedAt),
	}
	switch m.config.TimeoutPolicy {
	case TimeoutFail:
		res.Action = ActionFail
	default:
		res.Action = ActionApprove
	}

	m.logger.Warn("intervention timed out",
		zap.String("task_id", taskID),
		zap.String("policy", string(m.config.TimeoutPolicy)),
	)
	m.finalize(context.Background(), e, res)
}

// finalize 持久化介入记录并投递结论。只会被调用一次。
func (m *Manager) finalize(ctx context.Context, e *entry, res Resolution) {
	now := time.Now()
	e.record.InterventionType = interventionType(res)
	e.record.HumanResult = res.Result
	e.record.QualityImprovement = res.QualityImprovement
	e.record.UserSatisfaction = res.Satisfaction
	e.record.TimeSpentMs = res.TimeSpent.Milliseconds()
	e.record.TimedOut = res.TimedOut
	e.record.ResolvedAt = &now

	if m.store != nil {
		if err := m.store.SaveIntervention(ctx, e.record); err != nil {
			m.logger.Warn("failed to persist resolved intervention",
				zap.String("task_id", e.item.TaskID), zap.Error(err))
		}
	}
	m.collector.RecordEscalationResolution(string(res.Action))

	e.handle.done <- res
}

// Pending 返回当前队列，优先级高者在前，同级按入队时间。
func (m *Manager) Pending() []QueueItem {
	m.mu.Lock()
	defer m.mu.Unlock()

	items := make([]QueueItem, 0, len(m.pending))
	for _, e := range m.pending {
		items = append(items, e.item)
	}
	sort.Slice(items, func(i, j int) bool {
		if items[i].Priority != items[j].Priority {
			return items[i].Priority > items[j].Priority
		}
		return items[i].EnqueuedAt.Before(items[j].EnqueuedAt)
	})
	return items
}

// Close 停止所有计时器。未决介入按超时策略立即裁决。
func (m *Manager) Close() {
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		return
	}
	m.closed = true
	entries := make([]*entry, 0, len(m.pending))
	for taskID, e := range m.pending {
		e.timer.Stop()
		e.resolved = true
		entries = append(entries, e)
		delete(m.pending, taskID)
	}
	m.collector.SetEscalationQueueDepth(0)
	m.mu.Unlock()

	for _, e := range entries {
		res := Resolution{
			Action:    ActionFail,
			Result:    e.item.Synthesis,
			TimedOut:  true,
			TimeSpent: time.Since(e.enqueuedAt),
		}
		if m.config.TimeoutPolicy == TimeoutAutoApprove {
			res.Action = ActionApprove
		}
		m.finalize(context.Background(), e, res)
	}
}

// AutoApprover 立即采纳自动结论的复核实现：不入队、不计时、不落库。
// 用于回放等不应触碰真实复核队列的场景。
type AutoApprover struct{}

// Enqueue 返回已预先投递 approve 结论的句柄。
func (AutoApprover) Enqueue(_ context.Context, task *store.DebateTask, synthesis, _ string) (*Handle, error) {
	if task == nil || task.TaskID == "" {
		return nil, fmt.Errorf("escalation: nil task")
	}
	h := &Handle{
		ID:     uuid.NewString(),
		TaskID: task.TaskID,
		done:   make(chan Resolution, 1),
	}
	h.done <- Resolution{Action: ActionApprove, Result: synthesis}
	return h, nil
}

// Cancel 无未决介入可撤销，始终为无操作。
func (AutoApprover) Cancel(context.Context, string) error { return nil }

func (m *Manager) actionCost(a Action) (float64, error) {
	switch a {
	case ActionApprove:
		return m.config.ApproveCost, nil
	case ActionModify:
		return m.config.ModifyCost, nil
	case ActionReject:
		return m.config.RejectCost, nil
	default:
		return 0, fmt.Errorf("escalation: unknown action %q", a)
	}
}

// qualityImprovement 估算人工改写相对原结论的质量提升：
// 取两者语义相似度的补值，改动越大提升越大。
func (m *Manager) qualityImprovement(ctx context.Context, original, modified string) float64 {
	if original == "" || modified == "" || original == modified {
		return 0
	}
	a, err := m.embedder.Embed(ctx, original)
	if err != nil {
		return 0
	}
	b, err := m.embedder.Embed(ctx, modified)
	if err != nil {
		return 0
	}
	return 1 - embedding.Cosine(a, b)
}

func interventionType(res Resolution) string {
	switch res.Action {
	case ActionApprove:
		return "approval"
	case ActionModify:
		return "modification"
	case ActionReject:
		return "rejection"
	case ActionFail:
		return "rejection"
	default:
		return "escalation"
	}
}
