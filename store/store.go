// Package store persists debate engine records. The record shapes in models.go
// are a compatibility contract with the storage collaborator; column names must
// be preserved.
//
// Two implementations are provided: MemoryStore for development and tests, and
// GormStore for relational databases (sqlite, postgres).
package store

import (
	"context"
	"errors"
	"time"
)

// Common store errors.
var (
	// ErrNotFound indicates the requested record does not exist
	ErrNotFound = errors.New("store: record not found")

	// ErrInvalidInput indicates a nil or malformed record
	ErrInvalidInput = errors.New("store: invalid input")

	// ErrStoreClosed indicates the store has been closed
	ErrStoreClosed = errors.New("store: closed")

	// ErrTerminalTask indicates an attempted mutation of a terminal task
	ErrTerminalTask = errors.New("store: task is terminal and immutable")
)

// TaskFilter selects tasks for ListTasks.
type TaskFilter struct {
	Status TaskStatus
	Domain string
	Limit  int
}

// EventFilter selects shadow learning events for the pattern miner.
type EventFilter struct {
	Domain string
	Since  time.Time
	Limit  int
}

// Store is the persistence interface for the debate engine.
type Store interface {
	// Ping checks if the store is healthy
	Ping(ctx context.Context) error

	// Close releases store resources
	Close() error

	// SaveTask creates or updates a task. Updating a task that is already in
	// a terminal state returns ErrTerminalTask.
	SaveTask(ctx context.Context, task *DebateTask) error

	// GetTask retrieves a task by its task_id
	GetTask(ctx context.Context, taskID string) (*DebateTask, error)

	// ListTasks retrieves tasks matching the filter
	ListTasks(ctx context.Context, filter TaskFilter) ([]*DebateTask, error)

	// SaveRound persists one debate round
	SaveRound(ctx context.Context, round *DebateRound) error

	// ListRounds returns a task's rounds ordered by round_number
	ListRounds(ctx context.Context, taskID string) ([]*DebateRound, error)

	// SaveResponses persists a round's model responses (immutable once written)
	SaveResponses(ctx context.Context, responses []*ModelResponse) error

	// ListResponses returns all responses for a task
	ListResponses(ctx context.Context, taskID string) ([]*ModelResponse, error)

	// SaveAssignments persists a task's role assignments
	SaveAssignments(ctx context.Context, assignments []*RoleAssignment) error

	// SaveIntervention creates or updates a human intervention record
	SaveIntervention(ctx context.Context, iv *HumanIntervention) error

	// OpenIntervention returns the unresolved intervention for a task, if any
	OpenIntervention(ctx context.Context, taskID string) (*HumanIntervention, error)

	// UpsertBreakerState persists a provider's circuit breaker snapshot
	UpsertBreakerState(ctx context.Context, st *CircuitBreakerState) error

	// ListBreakerStates returns all persisted breaker snapshots ordered by provider
	ListBreakerStates(ctx context.Context) ([]*CircuitBreakerState, error)

	// SaveRoutingDecision persists the routing decision taken at intake
	SaveRoutingDecision(ctx context.Context, rd *RoutingDecision) error

	// AppendLearningEvent appends one shadow learning event (never mutated)
	AppendLearningEvent(ctx context.Context, ev *ShadowLearningEvent) error

	// ListLearningEvents returns events matching the filter, oldest first
	ListLearningEvents(ctx context.Context, filter EventFilter) ([]*ShadowLearningEvent, error)

	// SavePattern persists a mined learning pattern
	SavePattern(ctx context.Context, p *LearningPattern) error

	// SaveRetrainingTrigger persists an advisory retraining trigger
	SaveRetrainingTrigger(ctx context.Context, tr *RetrainingTrigger) error

	// SaveReplay persists a decision replay result
	SaveReplay(ctx context.Context, r *DecisionReplay) error

	// ListReplays returns replays of a task, newest first
	ListReplays(ctx context.Context, taskID string) ([]*DecisionReplay, error)
}
