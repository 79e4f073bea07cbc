package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"time"
)

// TaskStatus represents the lifecycle state of a debate task.
type TaskStatus string

const (
	// StatusPending indicates the task is waiting to be started
	StatusPending TaskStatus = "pending"

	// StatusInProgress indicates debate rounds are running
	StatusInProgress TaskStatus = "in_progress"

	// StatusConsensusReached indicates the consensus threshold was met
	StatusConsensusReached TaskStatus = "consensus_reached"

	// StatusHumanIntervention indicates the task awaits a human reviewer
	StatusHumanIntervention TaskStatus = "human_intervention"

	// StatusCompleted indicates the task finished with a final synthesis
	StatusCompleted TaskStatus = "completed"

	// StatusFailed indicates an unrecoverable error
	StatusFailed TaskStatus = "failed"

	// StatusTimeout indicates the task deadline elapsed before completion
	StatusTimeout TaskStatus = "timeout"
)

// IsTerminal returns true if the status is a terminal state.
// Tasks are immutable once terminal.
func (s TaskStatus) IsTerminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusTimeout:
		return true
	default:
		return false
	}
}

// JSONMap is an opaque key/value bag stored as a JSON column.
type JSONMap map[string]any

// Value implements driver.Valuer.
func (m JSONMap) Value() (driver.Value, error) {
	if m == nil {
		return "{}", nil
	}
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (m *JSONMap) Scan(value any) error {
	if value == nil {
		*m = JSONMap{}
		return nil
	}
	switch v := value.(type) {
	case []byte:
		return json.Unmarshal(v, m)
	case string:
		return json.Unmarshal([]byte(v), m)
	default:
		return fmt.Errorf("store: cannot scan %T into JSONMap", value)
	}
}

// Vector is an embedding vector stored as a JSON array column.
type Vector []float64

// Value implements driver.Valuer.
func (v Vector) Value() (driver.Value, error) {
	if v == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]float64(v))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (v *Vector) Scan(value any) error {
	if value == nil {
		*v = Vector{}
		return nil
	}
	switch raw := value.(type) {
	case []byte:
		return json.Unmarshal(raw, (*[]float64)(v))
	case string:
		return json.Unmarshal([]byte(raw), (*[]float64)(v))
	default:
		return fmt.Errorf("store: cannot scan %T into Vector", value)
	}
}

// StringSlice is an ordered list stored as a JSON array column.
type StringSlice []string

// Value implements driver.Valuer.
func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	b, err := json.Marshal([]string(s))
	if err != nil {
		return nil, err
	}
	return string(b), nil
}

// Scan implements sql.Scanner.
func (s *StringSlice) Scan(value any) error {
	if value == nil {
		*s = StringSlice{}
		return nil
	}
	switch raw := value.(type) {
	case []byte:
		return json.Unmarshal(raw, (*[]string)(s))
	case string:
		return json.Unmarshal([]byte(raw), (*[]string)(s))
	default:
		return fmt.Errorf("store: cannot scan %T into StringSlice", value)
	}
}

// DebateTask is the persisted record for one debate task.
// Column names are a compatibility contract with the storage collaborator.
type DebateTask struct {
	ID                    uint       `gorm:"primaryKey" json:"-"`
	TaskID                string     `gorm:"column:task_id;uniqueIndex;size:64" json:"task_id"`
	ClientID              string     `gorm:"column:client_id;size:64" json:"client_id"`
	Domain                string     `gorm:"column:domain;size:64;index" json:"domain"`
	TaskType              string     `gorm:"column:task_type;size:64" json:"task_type"`
	Priority              int        `gorm:"column:priority" json:"priority"`
	InputContent          string     `gorm:"column:input_content" json:"input_content"`
	Context               JSONMap    `gorm:"column:context;type:text" json:"context"`
	Status                TaskStatus `gorm:"column:status;size:32;index" json:"status"`
	ConsensusScore        float64    `gorm:"column:consensus_score" json:"consensus_score"`
	QualityScore          float64    `gorm:"column:quality_score" json:"quality_score"`
	TotalCost             float64    `gorm:"column:total_cost" json:"total_cost"`
	TotalTokens           int        `gorm:"column:total_tokens" json:"total_tokens"`
	HumanInterventionUsed bool       `gorm:"column:human_intervention_used" json:"human_intervention_used"`
	RoutedDestination     string     `gorm:"column:routed_destination;size:64" json:"routed_destination"`
	Synthesis             string     `gorm:"column:synthesis" json:"synthesis"`
	FailureReason         string     `gorm:"column:failure_reason" json:"failure_reason,omitempty"`
	TimedOut              bool       `gorm:"column:timed_out" json:"timed_out"`
	Deadline              *time.Time `gorm:"column:deadline" json:"deadline,omitempty"`
	CreatedAt             time.Time  `gorm:"column:created_at" json:"created_at"`
	UpdatedAt             time.Time  `gorm:"column:updated_at" json:"updated_at"`
}

// TableName implements schema.Tabler.
func (DebateTask) TableName() string { return "debate_tasks" }

// DebateRound is one bounded round of argument within a task.
type DebateRound struct {
	ID             uint        `gorm:"primaryKey" json:"-"`
	RoundID        string      `gorm:"column:round_id;uniqueIndex;size:64" json:"round_id"`
	TaskID         string      `gorm:"column:task_id;index;size:64" json:"task_id"`
	RoundNumber    int         `gorm:"column:round_number" json:"round_number"`
	RoundType      string      `gorm:"column:round_type;size:32" json:"round_type"`
	Participants   StringSlice `gorm:"column:participants;type:text" json:"participants"`
	ConsensusScore float64     `gorm:"column:consensus_score" json:"consensus_score"`
	Synthesis      string      `gorm:"column:synthesis" json:"synthesis"`
	CreatedAt      time.Time   `gorm:"column:created_at" json:"created_at"`
}

// TableName implements schema.Tabler.
func (DebateRound) TableName() string { return "debate_rounds" }

// ModelResponse is one model's contribution to a round. Immutable once written.
type ModelResponse struct {
	ID               uint      `gorm:"primaryKey" json:"-"`
	RoundID          string    `gorm:"column:round_id;index;size:64" json:"round_id"`
	TaskID           string    `gorm:"column:task_id;index;size:64" json:"task_id"`
	ModelName        string    `gorm:"column:model_name;size:64" json:"model_name"`
	ModelProvider    string    `gorm:"column:model_provider;size:64" json:"model_provider"`
	RoleAssigned     string    `gorm:"column:role_assigned;size:64" json:"role_assigned"`
	Content          string    `gorm:"column:content" json:"content"`
	Confidence       float64   `gorm:"column:confidence" json:"confidence"`
	ResponseTime     int64     `gorm:"column:response_time" json:"response_time"`
	TokensUsed       int       `gorm:"column:tokens_used" json:"tokens_used"`
	Cost             float64   `gorm:"column:cost" json:"cost"`
	Success          bool      `gorm:"column:success" json:"success"`
	ErrorMessage     string    `gorm:"column:error_message" json:"error_message,omitempty"`
	ContentEmbedding Vector    `gorm:"column:content_embedding;type:text" json:"content_embedding,omitempty"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName implements schema.Tabler.
func (ModelResponse) TableName() string { return "model_responses" }

// RoleAssignment binds one model to one role for the lifetime of a task.
type RoleAssignment struct {
	ID               uint      `gorm:"primaryKey" json:"-"`
	TaskID           string    `gorm:"column:task_id;index;size:64" json:"task_id"`
	ModelName        string    `gorm:"column:model_name;size:64" json:"model_name"`
	ModelProvider    string    `gorm:"column:model_provider;size:64" json:"model_provider"`
	RoleType         string    `gorm:"column:role_type;size:64" json:"role_type"`
	Confidence       float64   `gorm:"column:confidence" json:"confidence"`
	AssignmentReason string    `gorm:"column:assignment_reason" json:"assignment_reason"`
	CreatedAt        time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName implements schema.Tabler.
func (RoleAssignment) TableName() string { return "role_assignments" }

// HumanIntervention records one escalation to a human reviewer.
type HumanIntervention struct {
	ID                 uint       `gorm:"primaryKey" json:"-"`
	InterventionID     string     `gorm:"column:intervention_id;uniqueIndex;size:64" json:"intervention_id"`
	TaskID             string     `gorm:"column:task_id;index;size:64" json:"task_id"`
	InterventionType   string     `gorm:"column:intervention_type;size:32" json:"intervention_type"`
	OriginalResult     string     `gorm:"column:original_result" json:"original_result"`
	HumanResult        string     `gorm:"column:human_result" json:"human_result"`
	QualityImprovement float64    `gorm:"column:quality_improvement" json:"quality_improvement"`
	UserSatisfaction   int        `gorm:"column:user_satisfaction" json:"user_satisfaction"`
	TimeSpentMs        int64      `gorm:"column:time_spent_ms" json:"time_spent_ms"`
	TimedOut           bool       `gorm:"column:timed_out" json:"timed_out"`
	TimeoutAt          time.Time  `gorm:"column:timeout_at" json:"timeout_at"`
	ResolvedAt         *time.Time `gorm:"column:resolved_at" json:"resolved_at,omitempty"`
	CreatedAt          time.Time  `gorm:"column:created_at" json:"created_at"`
}

// TableName implements schema.Tabler.
func (HumanIntervention) TableName() string { return "human_interventions" }

// CircuitBreakerState is the persisted observability view of one provider breaker.
type CircuitBreakerState struct {
	ID            uint      `gorm:"primaryKey" json:"-"`
	Provider      string    `gorm:"column:provider;uniqueIndex;size:64" json:"provider"`
	State         string    `gorm:"column:state;size:16" json:"state"`
	FailureCount  int       `gorm:"column:failure_count" json:"failure_count"`
	SuccessCount  int64     `gorm:"column:success_count" json:"success_count"`
	SuccessRate   float64   `gorm:"column:success_rate" json:"success_rate"`
	LastFailureAt time.Time `gorm:"column:last_failure_at" json:"last_failure_at"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updated_at"`
}

// TableName implements schema.Tabler.
func (CircuitBreakerState) TableName() string { return "circuit_breaker_states" }

// RoutingDecision records the destination chosen for a task at intake.
type RoutingDecision struct {
	ID                   uint        `gorm:"primaryKey" json:"-"`
	TaskID               string      `gorm:"column:task_id;index;size:64" json:"task_id"`
	DestinationID        string      `gorm:"column:destination_id;size:64" json:"destination_id"`
	Confidence           float64     `gorm:"column:confidence" json:"confidence"`
	FallbackDestinations StringSlice `gorm:"column:fallback_destinations;type:text" json:"fallback_destinations"`
	FallbackUsed         bool        `gorm:"column:fallback_used" json:"fallback_used"`
	Reason               string      `gorm:"column:reason" json:"reason"`
	CreatedAt            time.Time   `gorm:"column:created_at" json:"created_at"`
}

// TableName implements schema.Tabler.
func (RoutingDecision) TableName() string { return "routing_decisions" }

// ShadowLearningEvent is the append-only capture of one completed task.
type ShadowLearningEvent struct {
	ID                uint      `gorm:"primaryKey" json:"-"`
	EventID           string    `gorm:"column:event_id;uniqueIndex;size:64" json:"event_id"`
	TaskID            string    `gorm:"column:task_id;index;size:64" json:"task_id"`
	Domain            string    `gorm:"column:domain;size:64;index" json:"domain"`
	OriginalInput     string    `gorm:"column:original_input" json:"original_input"`
	ModelOutputs      JSONMap   `gorm:"column:model_outputs;type:text" json:"model_outputs"`
	FinalDecision     string    `gorm:"column:final_decision" json:"final_decision"`
	HumanIntervention string    `gorm:"column:human_intervention;size:32" json:"human_intervention,omitempty"`
	QualityDelta      float64   `gorm:"column:quality_delta" json:"quality_delta"`
	OutcomeSuccess    bool      `gorm:"column:outcome_success" json:"outcome_success"`
	CreatedAt         time.Time `gorm:"column:created_at;index" json:"created_at"`
}

// TableName implements schema.Tabler.
func (ShadowLearningEvent) TableName() string { return "shadow_learning_events" }

// LearningPattern is an aggregate mined from many shadow learning events.
type LearningPattern struct {
	ID          uint        `gorm:"primaryKey" json:"-"`
	PatternID   string      `gorm:"column:pattern_id;uniqueIndex;size:64" json:"pattern_id"`
	Domain      string      `gorm:"column:domain;size:64;index" json:"domain"`
	PatternType string      `gorm:"column:pattern_type;size:64" json:"pattern_type"`
	Confidence  float64     `gorm:"column:confidence" json:"confidence"`
	Frequency   int         `gorm:"column:frequency" json:"frequency"`
	Examples    StringSlice `gorm:"column:examples;type:text" json:"examples"`
	CreatedAt   time.Time   `gorm:"column:created_at" json:"created_at"`
	UpdatedAt   time.Time   `gorm:"column:updated_at" json:"updated_at"`
}

// TableName implements schema.Tabler.
func (LearningPattern) TableName() string { return "learning_patterns" }

// RetrainingTrigger is an advisory suggestion emitted when a pattern's support
// crosses the retraining thresholds.
type RetrainingTrigger struct {
	ID              uint      `gorm:"primaryKey" json:"-"`
	TriggerID       string    `gorm:"column:trigger_id;uniqueIndex;size:64" json:"trigger_id"`
	Domain          string    `gorm:"column:domain;size:64" json:"domain"`
	PatternID       string    `gorm:"column:pattern_id;size:64" json:"pattern_id"`
	Reason          string    `gorm:"column:reason" json:"reason"`
	SupportingCases int       `gorm:"column:supporting_cases" json:"supporting_cases"`
	CreatedAt       time.Time `gorm:"column:created_at" json:"created_at"`
}

// TableName implements schema.Tabler.
func (RetrainingTrigger) TableName() string { return "retraining_triggers" }

// DecisionReplay records one out-of-band re-run of a historical task.
type DecisionReplay struct {
	ID               uint        `gorm:"primaryKey" json:"-"`
	ReplayID         string      `gorm:"column:replay_id;uniqueIndex;size:64" json:"replay_id"`
	TaskID           string      `gorm:"column:task_id;index;size:64" json:"task_id"`
	ReplayOutput     string      `gorm:"column:replay_output" json:"replay_output"`
	ReplayCost       float64     `gorm:"column:replay_cost" json:"replay_cost"`
	ReplayDurationMs int64       `gorm:"column:replay_duration_ms" json:"replay_duration_ms"`
	ReplayConsensus  float64     `gorm:"column:replay_consensus" json:"replay_consensus"`
	ImprovementScore float64     `gorm:"column:improvement_score" json:"improvement_score"`
	Differences      StringSlice `gorm:"column:differences;type:text" json:"differences"`
	CreatedAt        time.Time   `gorm:"column:created_at" json:"created_at"`
}

// TableName implements schema.Tabler.
func (DecisionReplay) TableName() string { return "decision_replays" }

// AllModels lists every persisted model for auto-migration.
func AllModels() []any {
	return []any{
		&DebateTask{},
		&DebateRound{},
		&ModelResponse{},
		&RoleAssignment{},
		&HumanIntervention{},
		&CircuitBreakerState{},
		&RoutingDecision{},
		&ShadowLearningEvent{},
		&LearningPattern{},
		&RetrainingTrigger{},
		&DecisionReplay{},
	}
}
