package debate

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/BaSui01/debateflow/consensus"
	"github.com/BaSui01/debateflow/escalation"
	"github.com/BaSui01/debateflow/gateway"
	"github.com/BaSui01/debateflow/internal/metrics"
	"github.com/BaSui01/debateflow/llm"
	"github.com/BaSui01/debateflow/roles"
	"github.com/BaSui01/debateflow/store"
)

// Escalator 人工复核队列的最小接口，由 escalation.Manager 实现。
// Cancel 在等待方放弃等待后撤销未决介入。
type Escalator interface {
	Enqueue(ctx context.Context, task *store.DebateTask, synthesis, reason string) (*escalation.Handle, error)
	Cancel(ctx context.Context, taskID string) error
}

// LearningSink 终态任务的影子学习落点，由 learning.Recorder 实现。
// 记录失败不影响任务结果。
type LearningSink interface {
	RecordTaskOutcome(ctx context.Context, task *store.DebateTask, modelOutputs map[string]any, humanAction string, qualityDelta float64) error
}

// Outcome 一次辩论任务的最终结果
type Outcome struct {
	TaskID                string  `json:"task_id"`
	Status                Status  `json:"status"`
	ConsensusScore        float64 `json:"consensus_score"`
	QualityScore          float64 `json:"quality_score"`
	Synthesis             string  `json:"synthesis"`
	Rounds                int     `json:"rounds"`
	TotalCost             float64 `json:"total_cost"`
	TotalTokens           int     `json:"total_tokens"`
	HumanInterventionUsed bool    `json:"human_intervention_used"`
	TimedOut              bool    `json:"timed_out"`
	FailureReason         string  `json:"failure_reason,omitempty"`
}

// Coordinator 驱动单个任务的完整辩论生命周期：
// 角色分配 → 并行轮次 → 共识计算 → 收敛或转人工。
type Coordinator struct {
	policy     Policy
	gateway    *gateway.Gateway
	assigner   *roles.Assigner
	scorer     *consensus.Scorer
	store      store.Store
	escalator  Escalator
	learning   LearningSink
	collector  *metrics.Collector
	logger     *zap.Logger
	candidates []roles.ModelProfile
}

// NewCoordinator 创建辩论协调器。learning 可为 nil。
func NewCoordinator(
	policy Policy,
	gw *gateway.Gateway,
	assigner *roles.Assigner,
	scorer *consensus.Scorer,
	st store.Store,
	escalator Escalator,
	learning LearningSink,
	collector *metrics.Collector,
	logger *zap.Logger,
	candidates []roles.ModelProfile,
) *Coordinator {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Coordinator{
		policy:     policy.Normalize(),
		gateway:    gw,
		assigner:   assigner,
		scorer:     scorer,
		store:      st,
		escalator:  escalator,
		learning:   learning,
		collector:  collector,
		logger:     logger.With(zap.String("component", "debate")),
		candidates: candidates,
	}
}

// Run 执行一个任务直至终态。task 会被原地更新并持久化。
func (c *Coordinator) Run(ctx context.Context, task *store.DebateTask) (*Outcome, error) {
	if task == nil {
		return nil, fmt.Errorf("debate: nil task")
	}
	if task.TaskID == "" {
		task.TaskID = uuid.NewString()
	}
	start := time.Now()

	if task.Deadline != nil {
		var cancel context.CancelFunc
		ctx, cancel = context.WithDeadline(ctx, *task.Deadline)
		defer cancel()
	}

	task.Status = store.StatusPending
	if err := c.store.SaveTask(ctx, task); err != nil {
		return nil, fmt.Errorf("persist task: %w", err)
	}

	logger := c.logger.With(zap.String("task_id", task.TaskID), zap.String("domain", task.Domain))

	assignments := c.assigner.AssignRoles(task.Domain, task.InputContent, c.candidates)
	c.persistAssignments(ctx, task, assignments)

	state, effects, err := Transition(task.Status, EventStart{QualifiedModels: len(assignments)}, c.policy)
	if err != nil {
		return nil, err
	}
	if state == store.StatusFailed {
		task.FailureReason = "role assignment produced no usable models"
		return c.finish(ctx, task, state, nil, "", start)
	}

	logger.Info("debate started",
		zap.Int("participants", len(assignments)),
		zap.Float64("consensus_threshold", c.policy.ConsensusThreshold),
	)

	retriesLeft := c.policy.MaxRetries
	priorSynthesis := ""
	escalationReason := ""
	humanAction := ""
	retryRound := false
	var last *consensus.Result
	round, roundType := nextRound(effects)
	roundsRun := 0

	for {
		// 辩论轮循环
		for state == store.StatusInProgress {
			if ctx.Err() != nil {
				state, _, _ = Transition(state, EventDeadlineExceeded{}, c.policy)
				task.TimedOut = true
				return c.finish(ctx, task, state, last, humanAction, start)
			}

			result, successCount, runErr := c.runRound(ctx, task, round, roundType, assignments, priorSynthesis)
			if runErr != nil {
				task.FailureReason = runErr.Error()
				state, _, _ = Transition(state, EventFatal{Reason: runErr.Error()}, c.policy)
				return c.finish(ctx, task, state, last, humanAction, start)
			}
			roundsRun++
			last = result

			ev := EventRoundScored{
				Round:          round,
				Score:          result.ConsensusScore,
				SuccessCount:   successCount,
				LowSampleSize:  result.LowSampleSize,
				ReviewRequired: task.Priority >= c.policy.ReviewPriority && !retryRound,
				FinalAttempt:   retryRound,
			}
			var evErr error
			state, effects, evErr = Transition(state, ev, c.policy)
			if evErr != nil {
				return nil, evErr
			}

			logger.Info("round scored",
				zap.Int("round", round),
				zap.Float64("consensus", result.ConsensusScore),
				zap.Int("successful_responses", successCount),
				zap.String("next_state", string(state)),
			)

			for _, eff := range effects {
				switch e := eff.(type) {
				case EffectStartRound:
					round, roundType = e.Round, e.Type
					priorSynthesis = result.Synthesis
				case EffectEnqueueEscalation:
					escalationReason = e.Reason
				case EffectPersistSynthesis:
					task.Synthesis = result.Synthesis
					task.ConsensusScore = result.ConsensusScore
				}
			}

			task.Status = state
			if err := c.store.SaveTask(ctx, task); err != nil {
				logger.Warn("failed to persist task state", zap.Error(err))
			}
		}

		if state != store.StatusHumanIntervention {
			break
		}

		// 转人工：阻塞等待复核结论或超时兜底
		var rState Status
		var action string
		rState, retriesLeft, action, err = c.awaitEscalation(ctx, task, last, escalationReason, retriesLeft)
		if err != nil {
			return nil, err
		}
		state = rState
		if action != "" {
			humanAction = action
		}
		if state == store.StatusInProgress {
			// 驳回重试：带上被否结论继续辩论
			retryRound = true
			round = roundsRun + 1
			roundType = RoundRebuttal
			priorSynthesis = rejectedContext(task.Synthesis, last)
			task.Status = state
			if err := c.store.SaveTask(ctx, task); err != nil {
				logger.Warn("failed to persist retry state", zap.Error(err))
			}
			continue
		}
		break
	}

	if state == store.StatusConsensusReached {
		state, _, err = Transition(state, EventSynthesisPersisted{}, c.policy)
		if err != nil {
			return nil, err
		}
	}

	return c.finish(ctx, task, state, last, humanAction, start)
}

// awaitEscalation 入队并等待人工结论，返回下一状态、剩余重试数与介入类型。
func (c *Coordinator) awaitEscalation(ctx context.Context, task *store.DebateTask, last *consensus.Result, reason string, retriesLeft int) (Status, int, string, error) {
	synthesis := task.Synthesis
	score := task.ConsensusScore
	if last != nil {
		synthesis = last.Synthesis
		score = last.ConsensusScore
	}

	task.Status = store.StatusHumanIntervention
	task.HumanInterventionUsed = true
	task.ConsensusScore = score
	if err := c.store.SaveTask(ctx, task); err != nil {
		c.logger.Warn("failed to persist escalation state", zap.String("task_id", task.TaskID), zap.Error(err))
	}

	handle, err := c.escalator.Enqueue(ctx, task, synthesis, reason)
	if err != nil {
		task.FailureReason = fmt.Sprintf("escalation failed: %v", err)
		state, _, _ := Transition(store.StatusHumanIntervention, EventFatal{Reason: task.FailureReason}, c.policy)
		return state, retriesLeft, "", nil
	}

	var res escalation.Resolution
	select {
	case res = <-handle.Done():
	case <-ctx.Done():
		// 截止先到：撤销介入，复核队列不再保留该任务
		if cerr := c.escalator.Cancel(context.Background(), task.TaskID); cerr != nil && !errors.Is(cerr, escalation.ErrNotPending) {
			c.logger.Warn("failed to cancel intervention", zap.String("task_id", task.TaskID), zap.Error(cerr))
		}
		task.TimedOut = true
		state, _, _ := Transition(store.StatusHumanIntervention, EventDeadlineExceeded{}, c.policy)
		return state, retriesLeft, "", nil
	}

	task.TotalCost += res.Cost
	task.TimedOut = task.TimedOut || res.TimedOut

	switch res.Action {
	case escalation.ActionApprove, escalation.ActionModify:
		state, _, err := Transition(store.StatusHumanIntervention,
			EventEscalationResolved{Action: string(res.Action), RetriesLeft: retriesLeft}, c.policy)
		if err != nil {
			return state, retriesLeft, "", err
		}
		task.Synthesis = res.Result
		if res.QualityImprovement > 0 {
			task.QualityScore = clampScore(task.QualityScore + res.QualityImprovement)
		}
		return state, retriesLeft, string(res.Action), nil

	case escalation.ActionReject:
		state, _, err := Transition(store.StatusHumanIntervention,
			EventEscalationResolved{Action: "reject", RetriesLeft: retriesLeft}, c.policy)
		if err != nil {
			return state, retriesLeft, "", err
		}
		if state == store.StatusFailed {
			task.FailureReason = "rejected by reviewer with no retry budget left"
		}
		return state, retriesLeft - 1, string(res.Action), nil

	default: // escalation.ActionFail
		task.FailureReason = "intervention timed out under fail policy"
		state, _, _ := Transition(store.StatusHumanIntervention, EventFatal{Reason: task.FailureReason}, c.policy)
		return state, retriesLeft, string(res.Action), nil
	}
}

// runRound 并行执行一轮：每个已分配模型一次网关调用，
// 单个失败被吸收（记为失败回复），整轮对成功回复打分。
func (c *Coordinator) runRound(ctx context.Context, task *store.DebateTask, roundNum int, roundType RoundType, assignments []roles.Assignment, prior string) (*consensus.Result, int, error) {
	roundID := uuid.NewString()
	records := make([]*store.ModelResponse, len(assignments))

	var mu sync.Mutex
	var succeeded []*consensus.Response

	g := new(errgroup.Group)
	for i, asg := range assignments {
		i, asg := i, asg
		g.Go(func() error {
			req := &llm.ChatRequest{
				Model:    asg.Model.Name,
				Messages: buildMessages(task, asg, roundType, prior),
				Timeout:  c.policy.CallTimeout,
			}
			res, err := c.gateway.Invoke(ctx, asg.Model.Provider, req)

			rec := &store.ModelResponse{
				RoundID:       roundID,
				TaskID:        task.TaskID,
				ModelName:     asg.Model.Name,
				ModelProvider: asg.Model.Provider,
				RoleAssigned:  string(asg.Role),
			}
			if err != nil {
				// 单模型失败不致命：熔断打开或超时都只剔除该回复
				rec.Success = false
				rec.ErrorMessage = err.Error()
				records[i] = rec
				return nil
			}

			rec.Success = true
			rec.Content = res.Content
			rec.Confidence = res.Confidence
			rec.ResponseTime = res.ResponseTimeMs
			rec.TokensUsed = res.TotalTokens
			rec.Cost = res.Cost
			records[i] = rec

			mu.Lock()
			succeeded = append(succeeded, &consensus.Response{
				Provider:       asg.Model.Provider,
				Model:          asg.Model.Name,
				Role:           asg.Role,
				RoleConfidence: asg.Confidence,
				Content:        res.Content,
				Confidence:     res.Confidence,
				Cost:           res.Cost,
				ResponseTimeMs: res.ResponseTimeMs,
			})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	result, err := c.scorer.Score(ctx, succeeded)
	if err != nil {
		return nil, 0, fmt.Errorf("score round %d: %w", roundNum, err)
	}

	// 打分时算出的向量随回复一并落库
	embeddings := make(map[string][]float64, len(succeeded))
	for _, r := range succeeded {
		embeddings[r.Provider+"/"+r.Model] = r.Embedding
	}
	participants := make([]string, 0, len(records))
	for _, rec := range records {
		if rec == nil {
			continue
		}
		participants = append(participants, rec.ModelProvider+"/"+rec.ModelName)
		if rec.Success {
			rec.ContentEmbedding = embeddings[rec.ModelProvider+"/"+rec.ModelName]
			task.TotalCost += rec.Cost
			task.TotalTokens += rec.TokensUsed
		}
	}

	if err := c.store.SaveResponses(ctx, records); err != nil {
		c.logger.Warn("failed to persist responses", zap.String("task_id", task.TaskID), zap.Error(err))
	}
	if err := c.store.SaveRound(ctx, &store.DebateRound{
		RoundID:        roundID,
		TaskID:         task.TaskID,
		RoundNumber:    roundNum,
		RoundType:      string(roundType),
		Participants:   participants,
		ConsensusScore: result.ConsensusScore,
		Synthesis:      result.Synthesis,
	}); err != nil {
		c.logger.Warn("failed to persist round", zap.String("task_id", task.TaskID), zap.Error(err))
	}
	c.collector.RecordRound()

	return result, len(succeeded), nil
}

// finish 写入终态并发出指标与学习事件。
func (c *Coordinator) finish(ctx context.Context, task *store.DebateTask, state Status, last *consensus.Result, humanAction string, start time.Time) (*Outcome, error) {
	task.Status = state
	if task.QualityScore == 0 && last != nil {
		task.QualityScore = clampScore(last.MeanConfidence)
	}
	if task.Synthesis == "" && last != nil {
		task.Synthesis = last.Synthesis
	}
	if task.ConsensusScore == 0 && last != nil {
		task.ConsensusScore = last.ConsensusScore
	}

	// 终态写入使用不受任务截止影响的上下文
	persistCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := c.store.SaveTask(persistCtx, task); err != nil {
		c.logger.Error("failed to persist terminal task", zap.String("task_id", task.TaskID), zap.Error(err))
	}

	c.collector.RecordTaskTerminal(string(state), time.Since(start), task.ConsensusScore, task.TotalCost)
	c.recordLearning(persistCtx, task, humanAction)

	rounds, _ := c.store.ListRounds(persistCtx, task.TaskID)
	return &Outcome{
		TaskID:                task.TaskID,
		Status:                state,
		ConsensusScore:        task.ConsensusScore,
		QualityScore:          task.QualityScore,
		Synthesis:             task.Synthesis,
		Rounds:                len(rounds),
		TotalCost:             task.TotalCost,
		TotalTokens:           task.TotalTokens,
		HumanInterventionUsed: task.HumanInterventionUsed,
		TimedOut:              task.TimedOut,
		FailureReason:         task.FailureReason,
	}, nil
}

func (c *Coordinator) recordLearning(ctx context.Context, task *store.DebateTask, humanAction string) {
	if c.learning == nil {
		return
	}

	outputs := map[string]any{}
	if responses, err := c.store.ListResponses(ctx, task.TaskID); err == nil {
		for _, r := range responses {
			if r.Success {
				outputs[r.ModelProvider+"/"+r.ModelName] = r.Content
			}
		}
	}
	if err := c.learning.RecordTaskOutcome(ctx, task, outputs, humanAction, task.QualityScore); err != nil {
		c.logger.Warn("failed to record learning event", zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

func (c *Coordinator) persistAssignments(ctx context.Context, task *store.DebateTask, assignments []roles.Assignment) {
	rows := make([]*store.RoleAssignment, 0, len(assignments))
	for _, a := range assignments {
		rows = append(rows, &store.RoleAssignment{
			TaskID:           task.TaskID,
			ModelName:        a.Model.Name,
			ModelProvider:    a.Model.Provider,
			RoleType:         string(a.Role),
			Confidence:       a.Confidence,
			AssignmentReason: a.Reason,
		})
	}
	if len(rows) == 0 {
		return
	}
	if err := c.store.SaveAssignments(ctx, rows); err != nil {
		c.logger.Warn("failed to persist role assignments", zap.String("task_id", task.TaskID), zap.Error(err))
	}
}

// nextRound 从副作用中取出首轮参数。
func nextRound(effects []Effect) (int, RoundType) {
	for _, eff := range effects {
		if e, ok := eff.(EffectStartRound); ok {
			return e.Round, e.Type
		}
	}
	return 1, RoundOpening
}

// rejectedContext 为驳回重试构造附加上下文。
func rejectedContext(rejected string, last *consensus.Result) string {
	if rejected == "" && last != nil {
		rejected = last.Synthesis
	}
	return "The following synthesis was rejected by a human reviewer; address its weaknesses:\n\n" + rejected
}

func clampScore(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
