package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

// GormStore is a relational implementation of Store on top of GORM.
// It works with any dialector wired by internal/database (sqlite in tests,
// postgres in production).
type GormStore struct {
	db *gorm.DB
}

// NewGormStore wraps an open *gorm.DB. AutoMigrate provisions the schema.
func NewGormStore(db *gorm.DB) (*GormStore, error) {
	if db == nil {
		return nil, ErrInvalidInput
	}
	if err := db.AutoMigrate(AllModels()...); err != nil {
		return nil, err
	}
	return &GormStore{db: db}, nil
}

// Ping implements Store.
func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// Close implements Store.
func (s *GormStore) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

// SaveTask implements Store.
func (s *GormStore) SaveTask(ctx context.Context, task *DebateTask) error {
	if task == nil || task.TaskID == "" {
		return ErrInvalidInput
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var existing DebateTask
		err := tx.Where("task_id = ?", task.TaskID).First(&existing).Error
		switch {
		case errors.Is(err, gorm.ErrRecordNotFound):
			return tx.Create(task).Error
		case err != nil:
			return err
		case existing.Status.IsTerminal():
			return ErrTerminalTask
		default:
			task.ID = existing.ID
			task.CreatedAt = existing.CreatedAt
			return tx.Model(&existing).Select("*").Omit("id", "created_at").Updates(task).Error
		}
	})
}

// GetTask implements Store.
func (s *GormStore) GetTask(ctx context.Context, taskID string) (*DebateTask, error) {
	var task DebateTask
	err := s.db.WithContext(ctx).Where("task_id = ?", taskID).First(&task).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &task, nil
}

// ListTasks implements Store.
func (s *GormStore) ListTasks(ctx context.Context, filter TaskFilter) ([]*DebateTask, error) {
	q := s.db.WithContext(ctx).Model(&DebateTask{}).Order("created_at asc")
	if filter.Status != "" {
		q = q.Where("status = ?", filter.Status)
	}
	if filter.Domain != "" {
		q = q.Where("domain = ?", filter.Domain)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var tasks []*DebateTask
	if err := q.Find(&tasks).Error; err != nil {
		return nil, err
	}
	return tasks, nil
}

// SaveRound implements Store.
func (s *GormStore) SaveRound(ctx context.Context, round *DebateRound) error {
	if round == nil || round.TaskID == "" {
		return ErrInvalidInput
	}
	if round.RoundID == "" {
		round.RoundID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(round).Error
}

// ListRounds implements Store.
func (s *GormStore) ListRounds(ctx context.Context, taskID string) ([]*DebateRound, error) {
	var rounds []*DebateRound
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("round_number asc").
		Find(&rounds).Error
	if err != nil {
		return nil, err
	}
	return rounds, nil
}

// SaveResponses implements Store.
func (s *GormStore) SaveResponses(ctx context.Context, responses []*ModelResponse) error {
	if len(responses) == 0 {
		return nil
	}
	for _, r := range responses {
		if r == nil || r.TaskID == "" {
			return ErrInvalidInput
		}
	}
	return s.db.WithContext(ctx).Create(responses).Error
}

// ListResponses implements Store.
func (s *GormStore) ListResponses(ctx context.Context, taskID string) ([]*ModelResponse, error) {
	var responses []*ModelResponse
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("id asc").
		Find(&responses).Error
	if err != nil {
		return nil, err
	}
	return responses, nil
}

// SaveAssignments implements Store.
func (s *GormStore) SaveAssignments(ctx context.Context, assignments []*RoleAssignment) error {
	if len(assignments) == 0 {
		return nil
	}
	for _, a := range assignments {
		if a == nil || a.TaskID == "" {
			return ErrInvalidInput
		}
	}
	return s.db.WithContext(ctx).Create(assignments).Error
}

// SaveIntervention implements Store.
func (s *GormStore) SaveIntervention(ctx context.Context, iv *HumanIntervention) error {
	if iv == nil || iv.TaskID == "" {
		return ErrInvalidInput
	}
	if iv.InterventionID == "" {
		iv.InterventionID = uuid.New().String()
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "intervention_id"}},
			UpdateAll: true,
		}).
		Create(iv).Error
}

// OpenIntervention implements Store.
func (s *GormStore) OpenIntervention(ctx context.Context, taskID string) (*HumanIntervention, error) {
	var iv HumanIntervention
	err := s.db.WithContext(ctx).
		Where("task_id = ? AND resolved_at IS NULL", taskID).
		First(&iv).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &iv, nil
}

// UpsertBreakerState implements Store.
func (s *GormStore) UpsertBreakerState(ctx context.Context, st *CircuitBreakerState) error {
	if st == nil || st.Provider == "" {
		return ErrInvalidInput
	}
	st.UpdatedAt = time.Now()
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "provider"}},
			UpdateAll: true,
		}).
		Create(st).Error
}

// ListBreakerStates implements Store.
func (s *GormStore) ListBreakerStates(ctx context.Context) ([]*CircuitBreakerState, error) {
	var out []*CircuitBreakerState
	err := s.db.WithContext(ctx).
		Order("provider ASC").
		Find(&out).Error
	if err != nil {
		return nil, err
	}
	return out, nil
}

// SaveRoutingDecision implements Store.
func (s *GormStore) SaveRoutingDecision(ctx context.Context, rd *RoutingDecision) error {
	if rd == nil || rd.TaskID == "" {
		return ErrInvalidInput
	}
	return s.db.WithContext(ctx).Create(rd).Error
}

// AppendLearningEvent implements Store.
func (s *GormStore) AppendLearningEvent(ctx context.Context, ev *ShadowLearningEvent) error {
	if ev == nil || ev.TaskID == "" {
		return ErrInvalidInput
	}
	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(ev).Error
}

// ListLearningEvents implements Store.
func (s *GormStore) ListLearningEvents(ctx context.Context, filter EventFilter) ([]*ShadowLearningEvent, error) {
	q := s.db.WithContext(ctx).Model(&ShadowLearningEvent{}).Order("created_at asc")
	if filter.Domain != "" {
		q = q.Where("domain = ?", filter.Domain)
	}
	if !filter.Since.IsZero() {
		q = q.Where("created_at >= ?", filter.Since)
	}
	if filter.Limit > 0 {
		q = q.Limit(filter.Limit)
	}

	var events []*ShadowLearningEvent
	if err := q.Find(&events).Error; err != nil {
		return nil, err
	}
	return events, nil
}

// SavePattern implements Store.
func (s *GormStore) SavePattern(ctx context.Context, p *LearningPattern) error {
	if p == nil || p.PatternID == "" {
		return ErrInvalidInput
	}
	return s.db.WithContext(ctx).
		Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "pattern_id"}},
			UpdateAll: true,
		}).
		Create(p).Error
}

// SaveRetrainingTrigger implements Store.
func (s *GormStore) SaveRetrainingTrigger(ctx context.Context, tr *RetrainingTrigger) error {
	if tr == nil {
		return ErrInvalidInput
	}
	if tr.TriggerID == "" {
		tr.TriggerID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(tr).Error
}

// SaveReplay implements Store.
func (s *GormStore) SaveReplay(ctx context.Context, r *DecisionReplay) error {
	if r == nil || r.TaskID == "" {
		return ErrInvalidInput
	}
	if r.ReplayID == "" {
		r.ReplayID = uuid.New().String()
	}
	return s.db.WithContext(ctx).Create(r).Error
}

// ListReplays implements Store.
func (s *GormStore) ListReplays(ctx context.Context, taskID string) ([]*DecisionReplay, error) {
	var replays []*DecisionReplay
	err := s.db.WithContext(ctx).
		Where("task_id = ?", taskID).
		Order("created_at desc").
		Find(&replays).Error
	if err != nil {
		return nil, err
	}
	return replays, nil
}
