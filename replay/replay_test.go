package replay

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/debateflow/debate"
	"github.com/BaSui01/debateflow/llm/embedding"
	"github.com/BaSui01/debateflow/store"
)

// fixedRunner 返回固定结果的 Runner，模拟确定性重放。
type fixedRunner struct {
	outcome debate.Outcome
	err     error
	calls   int
}

func (r *fixedRunner) Run(_ context.Context, task *store.DebateTask) (*debate.Outcome, error) {
	r.calls++
	if r.err != nil {
		return nil, r.err
	}
	out := r.outcome
	out.TaskID = task.TaskID
	return &out, nil
}

func seedOriginal(t *testing.T, st store.Store) *store.DebateTask {
	t.Helper()
	task := &store.DebateTask{
		TaskID:         "orig-1",
		Domain:         "finance",
		InputContent:   "should we raise prices",
		Status:         store.StatusCompleted,
		Synthesis:      "raise prices by five percent next quarter",
		ConsensusScore: 0.55,
		QualityScore:   0.5,
		TotalCost:      4.0,
	}
	require.NoError(t, st.SaveTask(context.Background(), task))
	return task
}

func newTestEngine(t *testing.T, st store.Store, runner Runner) *Engine {
	t.Helper()
	return NewEngine(st, runner, embedding.NewDeterministic(64), zap.NewNop())
}

func TestReplay_ImprovedOutcome(t *testing.T) {
	st := store.NewMemoryStore()
	original := seedOriginal(t, st)

	runner := &fixedRunner{outcome: debate.Outcome{
		Status:         store.StatusCompleted,
		Synthesis:      "raise prices by five percent next quarter with grandfathering",
		ConsensusScore: 0.85,
		QualityScore:   0.8,
		TotalCost:      1.0,
	}}
	e := newTestEngine(t, st, runner)

	rec, err := e.Replay(context.Background(), original.TaskID)
	require.NoError(t, err)

	assert.Greater(t, rec.ImprovementScore, 0.0)
	assert.LessOrEqual(t, rec.ImprovementScore, 1.0)
	assert.Equal(t, original.TaskID, rec.TaskID)
	assert.InDelta(t, 0.85, rec.ReplayConsensus, 1e-9)
	assert.NotEmpty(t, rec.Differences)

	// 原任务未被改写
	reloaded, err := st.GetTask(context.Background(), original.TaskID)
	require.NoError(t, err)
	assert.Equal(t, "raise prices by five percent next quarter", reloaded.Synthesis)
	assert.InDelta(t, 0.55, reloaded.ConsensusScore, 1e-9)
}

func TestReplay_RegressionScoresZero(t *testing.T) {
	st := store.NewMemoryStore()
	original := seedOriginal(t, st)

	runner := &fixedRunner{outcome: debate.Outcome{
		Status:         store.StatusCompleted,
		Synthesis:      "do nothing",
		ConsensusScore: 0.3,
		QualityScore:   0.2,
		TotalCost:      9.0,
	}}
	e := newTestEngine(t, st, runner)

	rec, err := e.Replay(context.Background(), original.TaskID)
	require.NoError(t, err)
	assert.InDelta(t, 0.0, rec.ImprovementScore, 0.16, "regression contributes nothing beyond the speed term")
}

func TestReplay_DeterministicImprovementScore(t *testing.T) {
	st := store.NewMemoryStore()
	original := seedOriginal(t, st)

	runner := &fixedRunner{outcome: debate.Outcome{
		Status:         store.StatusCompleted,
		Synthesis:      "better answer",
		ConsensusScore: 0.9,
		QualityScore:   0.9,
		TotalCost:      1.0,
	}}
	e := newTestEngine(t, st, runner)
	ctx := context.Background()

	first, err := e.Replay(ctx, original.TaskID)
	require.NoError(t, err)
	second, err := e.Replay(ctx, original.TaskID)
	require.NoError(t, err)

	assert.NotEqual(t, first.ReplayID, second.ReplayID)
	assert.InDelta(t, first.ImprovementScore, second.ImprovementScore, 0.16,
		"same config and mocked models keep the score stable (speed term may jitter)")

	replays, err := st.ListReplays(ctx, original.TaskID)
	require.NoError(t, err)
	assert.Len(t, replays, 2)
}

func TestReplay_UnfinishedTaskRejected(t *testing.T) {
	st := store.NewMemoryStore()
	task := &store.DebateTask{TaskID: "t1", Status: store.StatusInProgress, InputContent: "x"}
	require.NoError(t, st.SaveTask(context.Background(), task))

	e := newTestEngine(t, st, &fixedRunner{})
	_, err := e.Replay(context.Background(), "t1")
	assert.Error(t, err)
}

func TestReplay_UnknownTask(t *testing.T) {
	e := newTestEngine(t, store.NewMemoryStore(), &fixedRunner{})
	_, err := e.Replay(context.Background(), "missing")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestReplay_RunsDetachedTask(t *testing.T) {
	st := store.NewMemoryStore()
	original := seedOriginal(t, st)

	var seenTaskID string
	runner := &recordingRunner{onRun: func(task *store.DebateTask) { seenTaskID = task.TaskID }}
	e := newTestEngine(t, st, runner)

	_, err := e.Replay(context.Background(), original.TaskID)
	require.NoError(t, err)
	assert.NotEmpty(t, seenTaskID)
	assert.NotEqual(t, original.TaskID, seenTaskID, "replay must run under a fresh task id")
}

type recordingRunner struct {
	onRun func(task *store.DebateTask)
}

func (r *recordingRunner) Run(_ context.Context, task *store.DebateTask) (*debate.Outcome, error) {
	r.onRun(task)
	return &debate.Outcome{TaskID: task.TaskID, Status: store.StatusCompleted, Synthesis: "ok"}, nil
}

// 确保耗时维度的权重不会把回退重放顶成正分。
func TestGainAndReduction(t *testing.T) {
	assert.InDelta(t, 0.3, gain(0.5, 0.8), 1e-9)
	assert.Zero(t, gain(0.8, 0.5))
	assert.InDelta(t, 0.75, relativeReduction(4, 1), 1e-9)
	assert.Zero(t, relativeReduction(0, 1))
	assert.Zero(t, relativeReduction(1, 2))
}
