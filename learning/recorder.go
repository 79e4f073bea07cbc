// Package learning 实现影子学习：旁路记录每个终态任务，
// 后台挖掘重复出现且被人工一致修正的输入模式。
// 纯建议性路径，不回写任务，不阻塞热路径。
package learning

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/BaSui01/debateflow/internal/metrics"
	"github.com/BaSui01/debateflow/store"
)

// Recorder 影子学习事件记录器
type Recorder struct {
	store     store.Store
	collector *metrics.Collector
	logger    *zap.Logger
}

// NewRecorder 创建记录器
func NewRecorder(st store.Store, collector *metrics.Collector, logger *zap.Logger) *Recorder {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Recorder{
		store:     st,
		collector: collector,
		logger:    logger.With(zap.String("component", "learning")),
	}
}

// RecordTaskOutcome 记录一个终态任务为只追加的学习事件。
// humanAction 为空表示未经过人工介入。
func (r *Recorder) RecordTaskOutcome(ctx context.Context, task *store.DebateTask, modelOutputs map[string]any, humanAction string, qualityDelta float64) error {
	if task == nil || task.TaskID == "" {
		return fmt.Errorf("learning: nil task")
	}
	if !task.Status.IsTerminal() {
		return fmt.Errorf("learning: task %s is not terminal (%s)", task.TaskID, task.Status)
	}

	ev := &store.ShadowLearningEvent{
		EventID:           uuid.NewString(),
		TaskID:            task.TaskID,
		Domain:            task.Domain,
		OriginalInput:     task.InputContent,
		ModelOutputs:      modelOutputs,
		FinalDecision:     task.Synthesis,
		HumanIntervention: humanAction,
		QualityDelta:      qualityDelta,
		OutcomeSuccess:    task.Status == store.StatusCompleted,
	}
	if err := r.store.AppendLearningEvent(ctx, ev); err != nil {
		return fmt.Errorf("append learning event: %w", err)
	}

	r.collector.RecordLearningEvent()
	r.logger.Debug("learning event recorded",
		zap.String("task_id", task.TaskID),
		zap.String("domain", task.Domain),
		zap.Bool("human_intervention", humanAction != ""),
	)
	return nil
}
