// Package replay 对历史任务做离线重放：在当前配置下重新执行原始输入，
// 与原结果对比得出改进度。重放永不改写原任务。
package replay

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/debateflow/debate"
	"github.com/BaSui01/debateflow/llm/embedding"
	"github.com/BaSui01/debateflow/store"
)

// Runner 在当前配置下执行任务，由 debate.Coordinator 实现。
type Runner interface {
	Run(ctx context.Context, task *store.DebateTask) (*debate.Outcome, error)
}

// 改进度各维度权重，总和为 1。
const (
	weightQuality   = 0.5
	weightConsensus = 0.2
	weightCost      = 0.15
	weightSpeed     = 0.15
)

// Engine 决策重放引擎
type Engine struct {
	store    store.Store
	runner   Runner
	embedder embedding.Provider
	logger   *zap.Logger
}

// NewEngine 创建重放引擎
func NewEngine(st store.Store, runner Runner, embedder embedding.Provider, logger *zap.Logger) *Engine {
	if embedder == nil {
		embedder = embedding.NewDeterministic(0)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{
		store:    st,
		runner:   runner,
		embedder: embedder,
		logger:   logger.With(zap.String("component", "replay")),
	}
}

// Replay 重放一个已终结任务并持久化对比结果。
func (e *Engine) Replay(ctx context.Context, taskID string) (*store.DecisionReplay, error) {
	original, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("load original task: %w", err)
	}
	if !original.Status.IsTerminal() {
		return nil, fmt.Errorf("replay: task %s has not finished (%s)", taskID, original.Status)
	}

	// 克隆为独立任务，原任务保持不变
	detached := &store.DebateTask{
		TaskID:       uuid.NewString(),
		ClientID:     original.ClientID,
		Domain:       original.Domain,
		TaskType:     original.TaskType,
		Priority:     original.Priority,
		InputContent: original.InputContent,
		Context:      original.Context,
	}

	start := time.Now()
	outcome, err := e.runner.Run(ctx, detached)
	if err != nil {
		return nil, fmt.Errorf("replay run: %w", err)
	}
	elapsed := time.Since(start)

	improvement, differences := e.compare(ctx, original, outcome, elapsed)

	rec := &store.DecisionReplay{
		ReplayID:         uuid.NewString(),
		TaskID:           original.TaskID,
		ReplayOutput:     outcome.Synthesis,
		ReplayCost:       outcome.TotalCost,
		ReplayDurationMs: elapsed.Milliseconds(),
		ReplayConsensus:  outcome.ConsensusScore,
		ImprovementScore: improvement,
		Differences:      differences,
	}
	if err := e.store.SaveReplay(ctx, rec); err != nil {
		return nil, fmt.Errorf("persist replay: %w", err)
	}

	e.logger.Info("task replayed",
		zap.String("task_id", original.TaskID),
		zap.Float64("improvement", improvement),
		zap.Float64("consensus", outcome.ConsensusScore),
	)
	return rec, nil
}

// compare 计算改进度与结构化差异列表。
// 各维度只计正向增益，回退记零，总分落在 [0,1]。
func (e *Engine) compare(ctx context.Context, original *store.DebateTask, outcome *debate.Outcome, elapsed time.Duration) (float64, []string) {
	similarity := e.contentSimilarity(ctx, original.Synthesis, outcome.Synthesis)

	quality := gain(original.QualityScore, outcome.QualityScore)
	consensus := gain(original.ConsensusScore, outcome.ConsensusScore)
	cost := relativeReduction(original.TotalCost, outcome.TotalCost)

	originalDur := original.UpdatedAt.Sub(original.CreatedAt)
	speed := relativeReduction(originalDur.Seconds(), elapsed.Seconds())

	improvement := weightQuality*quality +
		weightConsensus*consensus +
		weightCost*cost +
		weightSpeed*speed

	differences := []string{
		fmt.Sprintf("synthesis similarity %.2f", similarity),
		fmt.Sprintf("consensus %.2f -> %.2f", original.ConsensusScore, outcome.ConsensusScore),
		fmt.Sprintf("quality %.2f -> %.2f", original.QualityScore, outcome.QualityScore),
		fmt.Sprintf("cost %.2f -> %.2f", original.TotalCost, outcome.TotalCost),
		fmt.Sprintf("duration %dms -> %dms", originalDur.Milliseconds(), elapsed.Milliseconds()),
		fmt.Sprintf("status %s -> %s", original.Status, outcome.Status),
	}
	if original.HumanInterventionUsed != outcome.HumanInterventionUsed {
		differences = append(differences,
			fmt.Sprintf("human intervention %t -> %t", original.HumanInterventionUsed, outcome.HumanInterventionUsed))
	}

	return clamp01(improvement), differences
}

func (e *Engine) contentSimilarity(ctx context.Context, a, b string) float64 {
	if a == "" || b == "" {
		return 0
	}
	va, err := e.embedder.Embed(ctx, a)
	if err != nil {
		return 0
	}
	vb, err := e.embedder.Embed(ctx, b)
	if err != nil {
		return 0
	}
	return embedding.Cosine(va, vb)
}

// gain 返回正向提升量，回退记零。
func gain(before, after float64) float64 {
	return clamp01(after - before)
}

// relativeReduction 返回相对降幅（成本、耗时越低越好）。
func relativeReduction(before, after float64) float64 {
	if before <= 0 {
		return 0
	}
	return clamp01((before - after) / before)
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
