package debate

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/debateflow/consensus"
	"github.com/BaSui01/debateflow/escalation"
	"github.com/BaSui01/debateflow/gateway"
	"github.com/BaSui01/debateflow/llm"
	"github.com/BaSui01/debateflow/llm/circuitbreaker"
	"github.com/BaSui01/debateflow/llm/embedding"
	"github.com/BaSui01/debateflow/roles"
	"github.com/BaSui01/debateflow/store"
)

// scriptedProvider 按固定内容回复的测试提供者。
type scriptedProvider struct {
	name    string
	content string
	conf    float64
	err     error
}

func (p *scriptedProvider) Name() string { return p.name }

func (p *scriptedProvider) Completion(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	if p.err != nil {
		return nil, p.err
	}
	return &llm.ChatResponse{Model: req.Model, Content: p.content, Confidence: p.conf}, nil
}

type fixture struct {
	gw    *gateway.Gateway
	st    *store.MemoryStore
	esc   *escalation.Manager
	coord *Coordinator
}

func newFixture(t *testing.T, policy Policy, escCfg escalation.Config, providers ...*scriptedProvider) *fixture {
	t.Helper()

	st := store.NewMemoryStore()
	gwCfg := gateway.DefaultConfig()
	gwCfg.Breaker = &circuitbreaker.Config{FailureThreshold: 5, Cooldown: time.Hour}
	gw := gateway.New(gwCfg, nil, zap.NewNop())

	candidates := make([]roles.ModelProfile, 0, len(providers))
	for _, p := range providers {
		gw.Register(p)
		candidates = append(candidates, roles.ModelProfile{Name: p.name + "-model", Provider: p.name})
	}

	esc := escalation.NewManager(escCfg, st, nil, nil, zap.NewNop())
	t.Cleanup(esc.Close)

	scorer := consensus.NewScorer(consensus.DefaultConfig(), embedding.NewDeterministic(64), nil, zap.NewNop())
	assigner := roles.NewAssigner(roles.DefaultConfig(), zap.NewNop())

	coord := NewCoordinator(policy, gw, assigner, scorer, st, esc, nil, nil, zap.NewNop(), candidates)
	return &fixture{gw: gw, st: st, esc: esc, coord: coord}
}

func newTask(priority int) *store.DebateTask {
	return &store.DebateTask{
		Domain:       "strategy",
		TaskType:     "decision",
		Priority:     priority,
		InputContent: "should we expand into the european market next quarter",
	}
}

func agreeing(conf float64) []*scriptedProvider {
	content := "yes, expand into the european market next quarter with a phased rollout"
	return []*scriptedProvider{
		{name: "openai", content: content, conf: conf},
		{name: "anthropic", content: content, conf: conf},
		{name: "google", content: content, conf: conf},
	}
}

func disagreeing() []*scriptedProvider {
	return []*scriptedProvider{
		{name: "openai", content: "expand aggressively into every european country at once", conf: 0.8},
		{name: "anthropic", content: "cancel all expansion plans and cut marketing budget", conf: 0.8},
		{name: "google", content: "acquire a small competitor instead of organic growth", conf: 0.8},
	}
}

func TestCoordinator_ConsensusFirstRound(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), escalation.DefaultConfig(), agreeing(0.9)...)

	out, err := f.coord.Run(context.Background(), newTask(3))
	require.NoError(t, err)

	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, 1, out.Rounds, "agreement in round one ends the debate")
	assert.GreaterOrEqual(t, out.ConsensusScore, 0.9)
	assert.False(t, out.HumanInterventionUsed)
	assert.Contains(t, out.Synthesis, "phased rollout")

	task, err := f.st.GetTask(context.Background(), out.TaskID)
	require.NoError(t, err)
	assert.Equal(t, store.StatusCompleted, task.Status)
	assert.True(t, task.Status.IsTerminal())
}

func TestCoordinator_OpenBreakerExcludesProvider(t *testing.T) {
	providers := agreeing(0.9)
	providers[2].err = errors.New("upstream down")

	policy := DefaultPolicy()
	f := newFixture(t, policy, escalation.DefaultConfig(), providers...)

	// 先把故障提供者的熔断打到 open
	for i := 0; i < 5; i++ {
		_, _ = f.gw.Invoke(context.Background(), "google", &llm.ChatRequest{
			Model:    "google-model",
			Messages: []llm.Message{{Role: llm.RoleUser, Content: "ping"}},
		})
	}
	require.Equal(t, circuitbreaker.StateOpen, f.gw.BreakerState("google"))

	out, err := f.coord.Run(context.Background(), newTask(3))
	require.NoError(t, err)

	// 熔断提供者被剔除，剩余两方一致即达成共识
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.False(t, out.HumanInterventionUsed)

	responses, err := f.st.ListResponses(context.Background(), out.TaskID)
	require.NoError(t, err)
	require.Len(t, responses, 3)
	failed := 0
	for _, r := range responses {
		if !r.Success {
			failed++
			assert.Equal(t, "google", r.ModelProvider)
			assert.NotEmpty(t, r.ErrorMessage)
		}
	}
	assert.Equal(t, 1, failed)
}

func TestCoordinator_DisagreementEscalatesAfterMaxRounds(t *testing.T) {
	escCfg := escalation.DefaultConfig()
	escCfg.Timeout = 30 * time.Millisecond // 无人处理，走超时兜底

	f := newFixture(t, DefaultPolicy(), escCfg, disagreeing()...)

	out, err := f.coord.Run(context.Background(), newTask(3))
	require.NoError(t, err)

	// 超时兜底默认自动采纳最佳结论
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.True(t, out.HumanInterventionUsed)
	assert.True(t, out.TimedOut)
	assert.Equal(t, DefaultPolicy().MaxRounds, out.Rounds)
	assert.NotEmpty(t, out.Synthesis)

	rounds, err := f.st.ListRounds(context.Background(), out.TaskID)
	require.NoError(t, err)
	require.Len(t, rounds, 3)
	types := []string{}
	for i, r := range rounds {
		assert.Equal(t, i+1, r.RoundNumber, "round numbers strictly increasing")
		types = append(types, r.RoundType)
	}
	assert.Equal(t, []string{"opening", "rebuttal", "synthesis"}, types)
}

func TestCoordinator_ReviewerModifyBeforeTimeout(t *testing.T) {
	escCfg := escalation.DefaultConfig()
	escCfg.Timeout = 5 * time.Second

	f := newFixture(t, DefaultPolicy(), escCfg, disagreeing()...)

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := f.coord.Run(context.Background(), newTask(3))
		done <- result{out, err}
	}()

	var taskID string
	require.Eventually(t, func() bool {
		items := f.esc.Pending()
		if len(items) != 1 {
			return false
		}
		taskID = items[0].TaskID
		return true
	}, 3*time.Second, 10*time.Millisecond, "task should reach the review queue")

	require.NoError(t, f.esc.Resolve(context.Background(), taskID, escalation.Decision{
		Action: escalation.ActionModify,
		Result: "pilot a single market first and review after two quarters",
	}))

	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, store.StatusCompleted, res.out.Status)
	assert.True(t, res.out.HumanInterventionUsed)
	assert.False(t, res.out.TimedOut)
	assert.Equal(t, "pilot a single market first and review after two quarters", res.out.Synthesis)
	assert.Greater(t, res.out.QualityScore, 0.0)
	assert.InDelta(t, 1.0, res.out.TotalCost, 1e-9, "modify decisions cost one unit")
}

func TestCoordinator_RejectTriggersOneRetry(t *testing.T) {
	escCfg := escalation.DefaultConfig()
	escCfg.Timeout = 5 * time.Second

	f := newFixture(t, DefaultPolicy(), escCfg, disagreeing()...)

	type result struct {
		out *Outcome
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := f.coord.Run(context.Background(), newTask(3))
		done <- result{out, err}
	}()

	var taskID string
	require.Eventually(t, func() bool {
		items := f.esc.Pending()
		if len(items) != 1 {
			return false
		}
		taskID = items[0].TaskID
		return true
	}, 3*time.Second, 10*time.Millisecond)

	require.NoError(t, f.esc.Resolve(context.Background(), taskID, escalation.Decision{Action: escalation.ActionReject}))

	res := <-done
	require.NoError(t, res.err)
	out := res.out
	// 驳回后重试一轮，结果被采纳，不再二次转人工
	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.Equal(t, 4, out.Rounds, "three debate rounds plus one retry round")
	assert.GreaterOrEqual(t, out.TotalCost, 2.0, "reject decisions cost two units")

	rounds, err := f.st.ListRounds(context.Background(), out.TaskID)
	require.NoError(t, err)
	require.Len(t, rounds, 4)
	assert.Equal(t, 4, rounds[3].RoundNumber)
}

func TestCoordinator_HighPriorityForcesReview(t *testing.T) {
	escCfg := escalation.DefaultConfig()
	escCfg.Timeout = 30 * time.Millisecond

	f := newFixture(t, DefaultPolicy(), escCfg, agreeing(0.9)...)

	out, err := f.coord.Run(context.Background(), newTask(5))
	require.NoError(t, err)

	assert.Equal(t, store.StatusCompleted, out.Status)
	assert.True(t, out.HumanInterventionUsed, "priority 5 tasks always pass through review")
}

func TestCoordinator_NoCandidatesFails(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), escalation.DefaultConfig())

	out, err := f.coord.Run(context.Background(), newTask(3))
	require.NoError(t, err)
	assert.Equal(t, store.StatusFailed, out.Status)
	assert.Contains(t, out.FailureReason, "no usable models")
}

func TestCoordinator_DeadlineTimesOut(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), escalation.DefaultConfig(), agreeing(0.9)...)

	past := time.Now().Add(-time.Second)
	task := newTask(3)
	task.Deadline = &past

	out, err := f.coord.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTimeout, out.Status)
	assert.True(t, out.TimedOut)
}

func TestCoordinator_DeadlineDuringReviewCancelsIntervention(t *testing.T) {
	escCfg := escalation.DefaultConfig()
	escCfg.Timeout = 5 * time.Second

	f := newFixture(t, DefaultPolicy(), escCfg, disagreeing()...)

	deadline := time.Now().Add(300 * time.Millisecond)
	task := newTask(3)
	task.Deadline = &deadline

	out, err := f.coord.Run(context.Background(), task)
	require.NoError(t, err)
	assert.Equal(t, store.StatusTimeout, out.Status)
	assert.True(t, out.TimedOut)

	// The abandoned intervention is withdrawn from the queue, and a late
	// reviewer decision is rejected instead of appearing to succeed.
	assert.Empty(t, f.esc.Pending())
	assert.ErrorIs(t,
		f.esc.Resolve(context.Background(), out.TaskID, escalation.Decision{Action: escalation.ActionApprove}),
		escalation.ErrNotPending)
}

func TestCoordinator_TaskImmutableAfterTerminal(t *testing.T) {
	f := newFixture(t, DefaultPolicy(), escalation.DefaultConfig(), agreeing(0.9)...)

	out, err := f.coord.Run(context.Background(), newTask(3))
	require.NoError(t, err)
	require.Equal(t, store.StatusCompleted, out.Status)

	task, err := f.st.GetTask(context.Background(), out.TaskID)
	require.NoError(t, err)
	task.Synthesis = "tampered"
	assert.ErrorIs(t, f.st.SaveTask(context.Background(), task), store.ErrTerminalTask)
}
