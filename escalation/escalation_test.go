package escalation

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/BaSui01/debateflow/store"
)

func newTestManager(t *testing.T, cfg Config) (*Manager, store.Store) {
	t.Helper()
	st := store.NewMemoryStore()
	m := NewManager(cfg, st, nil, nil, zap.NewNop())
	t.Cleanup(m.Close)
	return m, st
}

func testTask(id string, priority int) *store.DebateTask {
	return &store.DebateTask{
		TaskID:   id,
		Domain:   "finance",
		Priority: priority,
		Status:   store.StatusHumanIntervention,
	}
}

func TestManager_ApproveResolution(t *testing.T) {
	m, st := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	h, err := m.Enqueue(ctx, testTask("t1", 3), "the automated synthesis", "low consensus")
	require.NoError(t, err)

	require.NoError(t, m.Resolve(ctx, "t1", Decision{Action: ActionApprove, Satisfaction: 4}))

	select {
	case res := <-h.Done():
		assert.Equal(t, ActionApprove, res.Action)
		assert.Equal(t, "the automated synthesis", res.Result)
		assert.Zero(t, res.Cost)
		assert.False(t, res.TimedOut)
	case <-time.After(time.Second):
		t.Fatal("resolution not delivered")
	}

	iv, err := st.OpenIntervention(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Nil(t, iv)
}

func TestManager_ModifyRecordsQualityImprovement(t *testing.T) {
	m, st := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	h, err := m.Enqueue(ctx, testTask("t1", 3), "expand into europe next year", "low consensus")
	require.NoError(t, err)

	require.NoError(t, m.Resolve(ctx, "t1", Decision{
		Action: ActionModify,
		Result: "postpone expansion until regulatory review completes",
	}))

	res := <-h.Done()
	assert.Equal(t, ActionModify, res.Action)
	assert.Equal(t, "postpone expansion until regulatory review completes", res.Result)
	assert.InDelta(t, 1.0, res.Cost, 1e-9)
	assert.Greater(t, res.QualityImprovement, 0.0)
	assert.LessOrEqual(t, res.QualityImprovement, 1.0)

	// 介入已终结，不再有未决记录
	_, err = st.OpenIntervention(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestManager_RejectCostsMore(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	h, err := m.Enqueue(ctx, testTask("t1", 3), "synthesis", "quorum not met")
	require.NoError(t, err)

	require.NoError(t, m.Resolve(ctx, "t1", Decision{Action: ActionReject}))
	res := <-h.Done()
	assert.Equal(t, ActionReject, res.Action)
	assert.InDelta(t, 2.0, res.Cost, 1e-9)
}

func TestManager_OneOpenInterventionPerTask(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	_, err := m.Enqueue(ctx, testTask("t1", 3), "s", "r")
	require.NoError(t, err)

	_, err = m.Enqueue(ctx, testTask("t1", 3), "s", "r")
	assert.ErrorIs(t, err, ErrAlreadyPending)
}

func TestManager_TimeoutAutoApproves(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	m, _ := newTestManager(t, cfg)

	h, err := m.Enqueue(context.Background(), testTask("t1", 3), "best synthesis", "r")
	require.NoError(t, err)

	select {
	case res := <-h.Done():
		assert.Equal(t, ActionApprove, res.Action)
		assert.True(t, res.TimedOut)
		assert.Equal(t, "best synthesis", res.Result)
	case <-time.After(time.Second):
		t.Fatal("timeout resolution not delivered")
	}

	// 超时后复核决定是无操作
	assert.ErrorIs(t, m.Resolve(context.Background(), "t1", Decision{Action: ActionApprove}), ErrNotPending)
}

func TestManager_TimeoutFailPolicy(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 20 * time.Millisecond
	cfg.TimeoutPolicy = TimeoutFail
	m, _ := newTestManager(t, cfg)

	h, err := m.Enqueue(context.Background(), testTask("t1", 3), "s", "r")
	require.NoError(t, err)

	res := <-h.Done()
	assert.Equal(t, ActionFail, res.Action)
	assert.True(t, res.TimedOut)
}

func TestManager_ResolveBeforeTimeoutWins(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Timeout = 50 * time.Millisecond
	m, _ := newTestManager(t, cfg)
	ctx := context.Background()

	h, err := m.Enqueue(ctx, testTask("t1", 3), "s", "r")
	require.NoError(t, err)

	require.NoError(t, m.Resolve(ctx, "t1", Decision{Action: ActionApprove}))
	res := <-h.Done()
	assert.False(t, res.TimedOut)

	// 计时器随后触发也不会再次投递
	time.Sleep(80 * time.Millisecond)
	select {
	case extra := <-h.Done():
		t.Fatalf("unexpected second resolution: %+v", extra)
	default:
	}
}

func TestManager_EscalateBumpsPriorityAndKeepsPending(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	h, err := m.Enqueue(ctx, testTask("t1", 3), "s", "r")
	require.NoError(t, err)

	require.NoError(t, m.Resolve(ctx, "t1", Decision{Action: ActionEscalate}))

	select {
	case <-h.Done():
		t.Fatal("escalate must not deliver a resolution")
	default:
	}

	items := m.Pending()
	require.Len(t, items, 1)
	assert.Equal(t, 4, items[0].Priority)
}

func TestManager_PendingOrderedByPriority(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	_, err := m.Enqueue(ctx, testTask("low", 2), "s", "r")
	require.NoError(t, err)
	_, err = m.Enqueue(ctx, testTask("high", 5), "s", "r")
	require.NoError(t, err)

	items := m.Pending()
	require.Len(t, items, 2)
	assert.Equal(t, "high", items[0].TaskID)
	assert.Equal(t, "low", items[1].TaskID)
}

func TestManager_CloseResolvesPending(t *testing.T) {
	m := NewManager(DefaultConfig(), store.NewMemoryStore(), nil, nil, zap.NewNop())

	h, err := m.Enqueue(context.Background(), testTask("t1", 3), "s", "r")
	require.NoError(t, err)

	m.Close()
	res := <-h.Done()
	assert.Equal(t, ActionApprove, res.Action)
	assert.True(t, res.TimedOut)

	_, err = m.Enqueue(context.Background(), testTask("t2", 3), "s", "r")
	assert.ErrorIs(t, err, ErrClosed)
}

func TestManager_CancelRemovesPendingWithoutDelivery(t *testing.T) {
	m, st := newTestManager(t, DefaultConfig())
	ctx := context.Background()

	h, err := m.Enqueue(ctx, testTask("t1", 3), "the automated synthesis", "low consensus")
	require.NoError(t, err)

	require.NoError(t, m.Cancel(ctx, "t1"))
	assert.Empty(t, m.Pending())

	// No resolution is delivered to the abandoned handle.
	select {
	case res := <-h.Done():
		t.Fatalf("unexpected resolution delivered: %+v", res)
	case <-time.After(50 * time.Millisecond):
	}

	// A late review decision no longer finds the intervention.
	assert.ErrorIs(t, m.Resolve(ctx, "t1", Decision{Action: ActionApprove}), ErrNotPending)

	// The persisted record is closed out as abandoned.
	iv, err := st.OpenIntervention(ctx, "t1")
	assert.ErrorIs(t, err, store.ErrNotFound)
	assert.Nil(t, iv)
}

func TestManager_CancelUnknownTask(t *testing.T) {
	m, _ := newTestManager(t, DefaultConfig())
	assert.ErrorIs(t, m.Cancel(context.Background(), "nope"), ErrNotPending)
}

func TestAutoApprover_DeliversImmediately(t *testing.T) {
	var esc AutoApprover

	h, err := esc.Enqueue(context.Background(), testTask("t1", 5), "the automated synthesis", "high priority")
	require.NoError(t, err)

	select {
	case res := <-h.Done():
		assert.Equal(t, ActionApprove, res.Action)
		assert.Equal(t, "the automated synthesis", res.Result)
		assert.Zero(t, res.Cost)
	default:
		t.Fatal("resolution should be buffered before Enqueue returns")
	}

	assert.NoError(t, esc.Cancel(context.Background(), "t1"))
}
