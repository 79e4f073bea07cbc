package engine

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/debateflow/config"
	"github.com/BaSui01/debateflow/escalation"
	"github.com/BaSui01/debateflow/gateway"
	"github.com/BaSui01/debateflow/llm"
	"github.com/BaSui01/debateflow/llm/circuitbreaker"
	"github.com/BaSui01/debateflow/store"
)

// scriptedProvider 按固定内容回复的测试提供者。
type scriptedProvider struct {
	name    string
	content string
	conf    float64
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	return &llm.ChatResponse{Model: req.Model, Content: p.content, Confidence: p.conf}, nil
}

// failingProvider 总是返回上游错误的测试提供者。
type failingProvider struct {
	name string
}

func (p *failingProvider) Name() string { return p.name }

func (p *failingProvider) Completion(context.Context, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return nil, errors.New("upstream unavailable")
}

func testConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Server.Workers = 2
	cfg.Server.QueueSize = 8
	cfg.Learning.MinerEnabled = false
	return cfg
}

func newTestEngine(t *testing.T, cfg *config.Config, content string) (*Engine, *store.MemoryStore) {
	t.Helper()

	st := store.NewMemoryStore()
	gw := gateway.New(gateway.DefaultConfig(), nil, zap.NewNop())
	for _, m := range cfg.Models {
		gw.Register(&scriptedProvider{name: m.Provider, content: content, conf: 0.9})
	}

	e, err := New(cfg, Options{Store: st, Gateway: gw, Logger: zap.NewNop()})
	require.NoError(t, err)
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})
	return e, st
}

func awaitResult(t *testing.T, e *Engine, taskID string) *store.DebateTask {
	t.Helper()
	var task *store.DebateTask
	require.Eventually(t, func() bool {
		got, err := e.Result(context.Background(), taskID)
		if err != nil {
			return false
		}
		task = got
		return true
	}, 5*time.Second, 10*time.Millisecond)
	return task
}

func TestEngine_SubmitToCompletion(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), "adopt a phased rollout starting with two regions")

	id, err := e.Submit(context.Background(), SubmitRequest{
		Domain:       "strategy",
		TaskType:     "decision",
		InputContent: "should we expand into the european market",
	})
	require.NoError(t, err)
	require.NotEmpty(t, id)

	task := awaitResult(t, e, id)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.Contains(t, task.Synthesis, "phased rollout")
	assert.GreaterOrEqual(t, task.ConsensusScore, 0.7)
}

func TestEngine_SubmitDefaults(t *testing.T) {
	e, st := newTestEngine(t, testConfig(), "agreed answer")

	id, err := e.Submit(context.Background(), SubmitRequest{InputContent: "q", Priority: 99})
	require.NoError(t, err)

	task, err := st.GetTask(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, "general", task.Domain)
	assert.Equal(t, 3, task.Priority, "out-of-range priority falls back to the default")
}

func TestEngine_SubmitRequiresInput(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), "x")
	_, err := e.Submit(context.Background(), SubmitRequest{})
	assert.Error(t, err)
}

func TestEngine_ResultBeforeCompletion(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Workers = 1
	e, st := newTestEngine(t, cfg, "x")

	// 未入队的任务：直接写入存储，状态保持 pending
	task := &store.DebateTask{TaskID: "t-pending", InputContent: "q", Status: store.StatusPending}
	require.NoError(t, st.SaveTask(context.Background(), task))

	_, err := e.Result(context.Background(), "t-pending")
	assert.ErrorIs(t, err, ErrNotReady)

	got, err := e.Status(context.Background(), "t-pending")
	require.NoError(t, err)
	assert.Equal(t, store.StatusPending, got.Status)
}

func TestEngine_HighPriorityGoesThroughReview(t *testing.T) {
	cfg := testConfig()
	cfg.Escalation.Timeout = 30 * time.Millisecond // 快速超时，自动采纳
	e, _ := newTestEngine(t, cfg, "unanimous recommendation")

	id, err := e.Submit(context.Background(), SubmitRequest{
		Domain:       "finance",
		InputContent: "approve the acquisition",
		Priority:     5,
	})
	require.NoError(t, err)

	task := awaitResult(t, e, id)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.True(t, task.HumanInterventionUsed)
}

func TestEngine_ResolvePendingReview(t *testing.T) {
	cfg := testConfig()
	cfg.Escalation.Timeout = 5 * time.Second
	e, _ := newTestEngine(t, cfg, "unanimous recommendation")

	id, err := e.Submit(context.Background(), SubmitRequest{
		Domain:       "finance",
		InputContent: "approve the acquisition",
		Priority:     5,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(e.PendingReviews()) == 1
	}, 5*time.Second, 10*time.Millisecond)

	require.NoError(t, e.Resolve(context.Background(), id, escalation.Decision{
		Action:   escalation.ActionApprove,
		Reviewer: "ops",
	}))

	task := awaitResult(t, e, id)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.True(t, task.HumanInterventionUsed)
}

func TestEngine_ReplayFinishedTask(t *testing.T) {
	e, _ := newTestEngine(t, testConfig(), "stable answer")

	id, err := e.Submit(context.Background(), SubmitRequest{InputContent: "q"})
	require.NoError(t, err)
	awaitResult(t, e, id)

	rec, err := e.Replay(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.TaskID)
	assert.NotEmpty(t, rec.Differences)
}

func TestEngine_ReplayBypassesReviewQueueAndLearning(t *testing.T) {
	cfg := testConfig()
	cfg.Escalation.Timeout = 5 * time.Second
	e, st := newTestEngine(t, cfg, "unanimous recommendation")

	id, err := e.Submit(context.Background(), SubmitRequest{
		Domain:       "finance",
		InputContent: "approve the acquisition",
		Priority:     5,
	})
	require.NoError(t, err)

	require.Eventually(t, func() bool {
		return len(e.PendingReviews()) == 1
	}, 5*time.Second, 10*time.Millisecond)
	require.NoError(t, e.Resolve(context.Background(), id, escalation.Decision{Action: escalation.ActionApprove}))
	awaitResult(t, e, id)

	before, err := st.ListLearningEvents(context.Background(), store.EventFilter{})
	require.NoError(t, err)

	// 高优先级任务的重放会再次触发复核分支，
	// 但必须立即自动采纳：不进真实队列、不等待、不计学习事件。
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	rec, err := e.Replay(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, id, rec.TaskID)

	assert.Empty(t, e.PendingReviews())
	after, err := st.ListLearningEvents(context.Background(), store.EventFilter{})
	require.NoError(t, err)
	assert.Len(t, after, len(before))
}

func TestEngine_UnroutableTaskMarkedFailed(t *testing.T) {
	cfg := testConfig()

	st := store.NewMemoryStore()
	gwCfg := gateway.DefaultConfig()
	gwCfg.Breaker = &circuitbreaker.Config{FailureThreshold: 1, Cooldown: time.Hour}
	gw := gateway.New(gwCfg, nil, zap.NewNop())
	for _, m := range cfg.Models {
		gw.Register(&failingProvider{name: m.Provider})
	}
	// 打开所有提供者的熔断器，本地目的地健康度归零，任务无处可派
	for _, m := range cfg.Models {
		_, err := gw.Invoke(context.Background(), m.Provider, &llm.ChatRequest{
			Model:    m.Name,
			Messages: []llm.Message{{Role: llm.RoleUser, Content: "warm up"}},
		})
		require.Error(t, err)
	}

	e, err := New(cfg, Options{Store: st, Gateway: gw, Logger: zap.NewNop()})
	require.NoError(t, err)
	e.Start()
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = e.Close(ctx)
	})

	id, err := e.Submit(context.Background(), SubmitRequest{InputContent: "q"})
	require.NoError(t, err)

	task := awaitResult(t, e, id)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.Contains(t, task.FailureReason, "destination")
}

func TestEngine_QueueFull(t *testing.T) {
	cfg := testConfig()
	cfg.Server.Workers = 1
	cfg.Server.QueueSize = 1

	st := store.NewMemoryStore()
	gw := gateway.New(gateway.DefaultConfig(), nil, zap.NewNop())
	// 不注册提供者：任务会快速失败，但队列容量仍然受限
	e, err := New(cfg, Options{Store: st, Gateway: gw, Logger: zap.NewNop()})
	require.NoError(t, err)
	// 不调用 Start：队列只进不出

	_, err = e.Submit(context.Background(), SubmitRequest{InputContent: "a"})
	require.NoError(t, err)

	id2 := findRejectedSubmit(t, e, st)
	task, err := st.GetTask(context.Background(), id2)
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, task.Status)
	assert.NotEmpty(t, task.FailureReason)
}

// findRejectedSubmit 提交一个注定被拒的任务并返回其已落库的任务 ID。
func findRejectedSubmit(t *testing.T, e *Engine, st *store.MemoryStore) string {
	t.Helper()

	before, err := st.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	seen := make(map[string]bool, len(before))
	for _, task := range before {
		seen[task.TaskID] = true
	}

	_, err = e.Submit(context.Background(), SubmitRequest{InputContent: "b"})
	require.ErrorIs(t, err, ErrQueueFull)

	after, err := st.ListTasks(context.Background(), store.TaskFilter{})
	require.NoError(t, err)
	for _, task := range after {
		if !seen[task.TaskID] {
			return task.TaskID
		}
	}
	t.Fatal("rejected task was not persisted")
	return ""
}

func TestEngine_ClosedRejectsSubmit(t *testing.T) {
	st := store.NewMemoryStore()
	gw := gateway.New(gateway.DefaultConfig(), nil, zap.NewNop())
	e, err := New(testConfig(), Options{Store: st, Gateway: gw, Logger: zap.NewNop()})
	require.NoError(t, err)
	e.Start()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, e.Close(ctx))

	_, err = e.Submit(context.Background(), SubmitRequest{InputContent: "q"})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestEngine_BreakerStatePersisted(t *testing.T) {
	e, st := newTestEngine(t, testConfig(), "answer")

	id, err := e.Submit(context.Background(), SubmitRequest{InputContent: "q"})
	require.NoError(t, err)
	awaitResult(t, e, id)

	e.syncBreakerStates(context.Background())

	states, err := st.ListBreakerStates(context.Background())
	require.NoError(t, err)
	assert.NotEmpty(t, states)
	for _, s := range states {
		assert.Equal(t, "closed", s.State)
	}
}

func TestEngine_RequiresStoreAndGateway(t *testing.T) {
	_, err := New(testConfig(), Options{})
	assert.Error(t, err)

	_, err = New(testConfig(), Options{Store: store.NewMemoryStore()})
	assert.Error(t, err)
}
