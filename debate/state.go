// Package debate 实现辩论任务的轮次状态机与协调器。
// 状态迁移是纯函数：Transition 只计算新状态与待执行副作用，
// 模型调用与持久化全部由协调器在迁移之外完成。
package debate

import (
	"errors"
	"fmt"
	"time"

	"github.com/BaSui01/debateflow/store"
)

// Status 任务状态，取值与持久化层一致。
type Status = store.TaskStatus

// RoundType 轮次类型
type RoundType string

const (
	RoundOpening   RoundType = "opening"   // 首轮陈述
	RoundRebuttal  RoundType = "rebuttal"  // 交锋轮
	RoundSynthesis RoundType = "synthesis" // 收敛轮
)

// Policy 辩论策略。所有阈值集中在此注入，不读全局状态。
type Policy struct {
	// ConsensusThreshold 达成共识所需的最低共识度
	ConsensusThreshold float64

	// MaxRounds 最大辩论轮数
	MaxRounds int

	// MinQuorum 一轮内有效回复的最低数量，低于此值转人工
	MinQuorum int

	// CallTimeout 单次模型调用超时（透传给网关请求）
	CallTimeout time.Duration

	// ReviewPriority 达到该优先级的任务强制人工复核
	ReviewPriority int

	// MaxRetries 人工驳回后允许的重试次数
	MaxRetries int

	// ConfidenceBlend 共识计算中平均置信度的占比
	ConfidenceBlend float64
}

// DefaultPolicy 返回默认策略
func DefaultPolicy() Policy {
	return Policy{
		ConsensusThreshold: 0.7,
		MaxRounds:          3,
		MinQuorum:          2,
		CallTimeout:        30 * time.Second,
		ReviewPriority:     5,
		MaxRetries:         1,
		ConfidenceBlend:    0.3,
	}
}

// Normalize 补齐非法或缺省的策略字段。
func (p Policy) Normalize() Policy {
	def := DefaultPolicy()
	if p.ConsensusThreshold <= 0 || p.ConsensusThreshold > 1 {
		p.ConsensusThreshold = def.ConsensusThreshold
	}
	if p.MaxRounds <= 0 {
		p.MaxRounds = def.MaxRounds
	}
	if p.MinQuorum <= 0 {
		p.MinQuorum = def.MinQuorum
	}
	if p.CallTimeout <= 0 {
		p.CallTimeout = def.CallTimeout
	}
	if p.ReviewPriority <= 0 {
		p.ReviewPriority = def.ReviewPriority
	}
	if p.MaxRetries < 0 {
		p.MaxRetries = def.MaxRetries
	}
	if p.ConfidenceBlend < 0 || p.ConfidenceBlend > 1 {
		p.ConfidenceBlend = def.ConfidenceBlend
	}
	return p
}

// RoundTypeFor 返回第 round 轮（1 起）的轮次类型。
func (p Policy) RoundTypeFor(round int) RoundType {
	switch {
	case round <= 1:
		return RoundOpening
	case round >= p.MaxRounds:
		return RoundSynthesis
	default:
		return RoundRebuttal
	}
}

// ---------------------------------------------------------------------------
// 事件
// ---------------------------------------------------------------------------

// Event 状态机输入事件
type Event interface{ isEvent() }

// EventStart 任务启动，角色分配已完成。
type EventStart struct {
	// QualifiedModels 通过角色分配的模型数
	QualifiedModels int
}

// EventRoundScored 一轮辩论完成并计算了共识度。
type EventRoundScored struct {
	Round          int
	Score          float64
	SuccessCount   int
	LowSampleSize  bool
	ReviewRequired bool

	// FinalAttempt 驳回重试轮：不再转人工，有结果即采纳
	FinalAttempt bool
}

// EventSynthesisPersisted 共识结论已持久化。
type EventSynthesisPersisted struct{}

// EventEscalationResolved 人工介入已有结论。
type EventEscalationResolved struct {
	// Action ∈ approve | modify | reject
	Action string

	// RetriesLeft 剩余重试预算（reject 时决定重试还是判负）
	RetriesLeft int
}

// EventDeadlineExceeded 任务截止时间已过。
type EventDeadlineExceeded struct{}

// EventFatal 不可恢复错误。
type EventFatal struct{ Reason string }

func (EventStart) isEvent() {}
func (EventRoundScored) isEvent() {}
func (EventSynthesisPersisted) isEvent() {}
func (EventEscalationResolved) isEvent() {}
func (EventDeadlineExceeded) isEvent() {}
func (EventFatal) isEvent() {}

// ---------------------------------------------------------------------------
// 副作用
// ---------------------------------------------------------------------------

// Effect 待协调器执行的副作用
type Effect interface{ isEffect() }

// EffectStartRound 启动下一轮辩论。
type EffectStartRound struct {
	Round int
	Type  RoundType
}

// EffectPersistSynthesis 持久化最终综合结论。
type EffectPersistSynthesis struct{}

// EffectEnqueueEscalation 将任务送入人工复核队列。
type EffectEnqueueEscalation struct{ Reason string }

// EffectRecordLearning 在终态记录影子学习事件。
type EffectRecordLearning struct{}

func (EffectStartRound) isEffect() {}
func (EffectPersistSynthesis) isEffect() {}
func (EffectEnqueueEscalation) isEffect() {}
func (EffectRecordLearning) isEffect() {}

// ---------------------------------------------------------------------------
// 迁移
// ---------------------------------------------------------------------------

var (
	// ErrTerminalState 终态任务收到事件
	ErrTerminalState = errors.New("debate: task is in a terminal state")

	// ErrInvalidTransition 当前状态不接受该事件
	ErrInvalidTransition = errors.New("debate: invalid transition")
)

// Transition 纯函数状态迁移：(状态, 事件) → (新状态, 副作用)。
// 不做任何 IO；副作用由调用方按序执行。
func Transition(state Status, ev Event, p Policy) (Status, []Effect, error) {
	if state.IsTerminal() {
		if _, ok := ev.(EventDeadlineExceeded); ok {
			// 终态后到达的超时信号是无害竞态
			return state, nil, nil
		}
		return state, nil, fmt.Errorf("%w: %s", ErrTerminalState, state)
	}

	// 截止与致命错误对所有非终态生效
	switch ev.(type) {
	case EventDeadlineExceeded:
		return store.StatusTimeout, []Effect{EffectRecordLearning{}}, nil
	case EventFatal:
		return store.StatusFailed, []Effect{EffectRecordLearning{}}, nil
	}

	switch state {
	case store.StatusPending:
		e, ok := ev.(EventStart)
		if !ok {
			return state, nil, transitionErr(state, ev)
		}
		if e.QualifiedModels == 0 {
			return store.StatusFailed, []Effect{EffectRecordLearning{}}, nil
		}
		return store.StatusInProgress, []Effect{EffectStartRound{Round: 1, Type: RoundOpening}}, nil

	case store.StatusInProgress:
		e, ok := ev.(EventRoundScored)
		if !ok {
			return state, nil, transitionErr(state, ev)
		}
		return scoreTransition(e, p)

	case store.StatusConsensusReached:
		if _, ok := ev.(EventSynthesisPersisted); !ok {
			return state, nil, transitionErr(state, ev)
		}
		return store.StatusCompleted, []Effect{EffectRecordLearning{}}, nil

	case store.StatusHumanIntervention:
		e, ok := ev.(EventEscalationResolved)
		if !ok {
			return state, nil, transitionErr(state, ev)
		}
		switch e.Action {
		case "approve", "modify":
			return store.StatusCompleted, []Effect{EffectPersistSynthesis{}, EffectRecordLearning{}}, nil
		case "reject":
			if e.RetriesLeft > 0 {
				// 驳回后带着上一轮结论重新辩论
				return store.StatusInProgress, nil, nil
			}
			return store.StatusFailed, []Effect{EffectRecordLearning{}}, nil
		default:
			return state, nil, fmt.Errorf("%w: unknown resolution action %q", ErrInvalidTransition, e.Action)
		}

	default:
		return state, nil, transitionErr(state, ev)
	}
}

// scoreTransition 决定一轮打分后的走向：继续、达成共识或转人工。
func scoreTransition(e EventRoundScored, p Policy) (Status, []Effect, error) {
	if e.SuccessCount == 0 {
		// 整轮无有效回复不可恢复
		return store.StatusFailed, []Effect{EffectRecordLearning{}}, nil
	}

	reached := e.Score >= p.ConsensusThreshold &&
		e.SuccessCount >= p.MinQuorum &&
		!e.LowSampleSize

	if reached && !e.ReviewRequired {
		return store.StatusConsensusReached, []Effect{EffectPersistSynthesis{}}, nil
	}

	// 驳回重试轮不再二次转人工，有结果即采纳
	if e.FinalAttempt {
		return store.StatusConsensusReached, []Effect{EffectPersistSynthesis{}}, nil
	}

	if !reached && e.Round < p.MaxRounds && !e.LowSampleSize && e.SuccessCount >= p.MinQuorum {
		next := e.Round + 1
		return store.StatusInProgress, []Effect{EffectStartRound{Round: next, Type: p.RoundTypeFor(next)}}, nil
	}

	// 轮次耗尽、样本不足、法定人数不足或强制复核：转人工
	return store.StatusHumanIntervention,
		[]Effect{EffectEnqueueEscalation{Reason: escalationReason(e, p)}}, nil
}

func escalationReason(e EventRoundScored, p Policy) string {
	switch {
	case e.ReviewRequired:
		return "human review required by task priority"
	case e.LowSampleSize:
		return "low sample size: single successful response"
	case e.SuccessCount < p.MinQuorum:
		return fmt.Sprintf("quorum not met: %d of %d required responses", e.SuccessCount, p.MinQuorum)
	default:
		return fmt.Sprintf("consensus %.2f below threshold %.2f after %d round(s)", e.Score, p.ConsensusThreshold, e.Round)
	}
}

func transitionErr(state Status, ev Event) error {
	return fmt.Errorf("%w: state %s does not accept %T", ErrInvalidTransition, state, ev)
}
