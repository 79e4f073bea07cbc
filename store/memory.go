package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore is an in-memory implementation of Store.
// Suitable for development and testing. Data is lost on restart.
type MemoryStore struct {
	mu            sync.RWMutex
	closed        bool
	tasks         map[string]*DebateTask
	rounds        map[string][]*DebateRound // keyed by task_id
	responses     map[string][]*ModelResponse
	assignments   map[string][]*RoleAssignment
	interventions map[string][]*HumanIntervention
	breakers      map[string]*CircuitBreakerState
	routings      map[string][]*RoutingDecision
	events        []*ShadowLearningEvent
	patterns      map[string]*LearningPattern
	triggers      []*RetrainingTrigger
	replays       map[string][]*DecisionReplay
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:         make(map[string]*DebateTask),
		rounds:        make(map[string][]*DebateRound),
		responses:     make(map[string][]*ModelResponse),
		assignments:   make(map[string][]*RoleAssignment),
		interventions: make(map[string][]*HumanIntervention),
		breakers:      make(map[string]*CircuitBreakerState),
		routings:      make(map[string][]*RoutingDecision),
		patterns:      make(map[string]*LearningPattern),
		replays:       make(map[string][]*DecisionReplay),
	}
}

// Ping implements Store.
func (s *MemoryStore) Ping(_ context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrStoreClosed
	}
	return nil
}

// Close implements Store.
func (s *MemoryStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

// SaveTask implements Store.
func (s *MemoryStore) SaveTask(_ context.Context, task *DebateTask) error {
	if task == nil || task.TaskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if prev, ok := s.tasks[task.TaskID]; ok && prev.Status.IsTerminal() {
		return ErrTerminalTask
	}

	now := time.Now()
	if task.CreatedAt.IsZero() {
		task.CreatedAt = now
	}
	task.UpdatedAt = now

	cp := *task
	s.tasks[task.TaskID] = &cp
	return nil
}

// GetTask implements Store.
func (s *MemoryStore) GetTask(_ context.Context, taskID string) (*DebateTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	task, ok := s.tasks[taskID]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *task
	return &cp, nil
}

// ListTasks implements Store.
func (s *MemoryStore) ListTasks(_ context.Context, filter TaskFilter) ([]*DebateTask, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*DebateTask
	for _, task := range s.tasks {
		if filter.Status != "" && task.Status != filter.Status {
			continue
		}
		if filter.Domain != "" && task.Domain != filter.Domain {
			continue
		}
		cp := *task
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SaveRound implements Store.
func (s *MemoryStore) SaveRound(_ context.Context, round *DebateRound) error {
	if round == nil || round.TaskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if round.RoundID == "" {
		round.RoundID = uuid.New().String()
	}
	if round.CreatedAt.IsZero() {
		round.CreatedAt = time.Now()
	}
	cp := *round
	s.rounds[round.TaskID] = append(s.rounds[round.TaskID], &cp)
	return nil
}

// ListRounds implements Store.
func (s *MemoryStore) ListRounds(_ context.Context, taskID string) ([]*DebateRound, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	rounds := s.rounds[taskID]
	out := make([]*DebateRound, len(rounds))
	for i, r := range rounds {
		cp := *r
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].RoundNumber < out[j].RoundNumber })
	return out, nil
}

// SaveResponses implements Store.
func (s *MemoryStore) SaveResponses(_ context.Context, responses []*ModelResponse) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	for _, r := range responses {
		if r == nil || r.TaskID == "" {
			return ErrInvalidInput
		}
		if r.CreatedAt.IsZero() {
			r.CreatedAt = time.Now()
		}
		cp := *r
		s.responses[r.TaskID] = append(s.responses[r.TaskID], &cp)
	}
	return nil
}

// ListResponses implements Store.
func (s *MemoryStore) ListResponses(_ context.Context, taskID string) ([]*ModelResponse, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	responses := s.responses[taskID]
	out := make([]*ModelResponse, len(responses))
	for i, r := range responses {
		cp := *r
		out[i] = &cp
	}
	return out, nil
}

// SaveAssignments implements Store.
func (s *MemoryStore) SaveAssignments(_ context.Context, assignments []*RoleAssignment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	for _, a := range assignments {
		if a == nil || a.TaskID == "" {
			return ErrInvalidInput
		}
		if a.CreatedAt.IsZero() {
			a.CreatedAt = time.Now()
		}
		cp := *a
		s.assignments[a.TaskID] = append(s.assignments[a.TaskID], &cp)
	}
	return nil
}

// SaveIntervention implements Store.
func (s *MemoryStore) SaveIntervention(_ context.Context, iv *HumanIntervention) error {
	if iv == nil || iv.TaskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if iv.InterventionID == "" {
		iv.InterventionID = uuid.New().String()
	}
	if iv.CreatedAt.IsZero() {
		iv.CreatedAt = time.Now()
	}

	list := s.interventions[iv.TaskID]
	for i, existing := range list {
		if existing.InterventionID == iv.InterventionID {
			cp := *iv
			list[i] = &cp
			return nil
		}
	}
	cp := *iv
	s.interventions[iv.TaskID] = append(list, &cp)
	return nil
}

// OpenIntervention implements Store.
func (s *MemoryStore) OpenIntervention(_ context.Context, taskID string) (*HumanIntervention, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	for _, iv := range s.interventions[taskID] {
		if iv.ResolvedAt == nil {
			cp := *iv
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

// UpsertBreakerState implements Store.
func (s *MemoryStore) UpsertBreakerState(_ context.Context, st *CircuitBreakerState) error {
	if st == nil || st.Provider == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	st.UpdatedAt = time.Now()
	cp := *st
	s.breakers[st.Provider] = &cp
	return nil
}

// ListBreakerStates implements Store.
func (s *MemoryStore) ListBreakerStates(_ context.Context) ([]*CircuitBreakerState, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	out := make([]*CircuitBreakerState, 0, len(s.breakers))
	for _, st := range s.breakers {
		cp := *st
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Provider < out[j].Provider })
	return out, nil
}

// SaveRoutingDecision implements Store.
func (s *MemoryStore) SaveRoutingDecision(_ context.Context, rd *RoutingDecision) error {
	if rd == nil || rd.TaskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if rd.CreatedAt.IsZero() {
		rd.CreatedAt = time.Now()
	}
	cp := *rd
	s.routings[rd.TaskID] = append(s.routings[rd.TaskID], &cp)
	return nil
}

// AppendLearningEvent implements Store.
func (s *MemoryStore) AppendLearningEvent(_ context.Context, ev *ShadowLearningEvent) error {
	if ev == nil || ev.TaskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if ev.EventID == "" {
		ev.EventID = uuid.New().String()
	}
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now()
	}
	cp := *ev
	s.events = append(s.events, &cp)
	return nil
}

// ListLearningEvents implements Store.
func (s *MemoryStore) ListLearningEvents(_ context.Context, filter EventFilter) ([]*ShadowLearningEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	var out []*ShadowLearningEvent
	for _, ev := range s.events {
		if filter.Domain != "" && ev.Domain != filter.Domain {
			continue
		}
		if !filter.Since.IsZero() && ev.CreatedAt.Before(filter.Since) {
			continue
		}
		cp := *ev
		out = append(out, &cp)
	}
	if filter.Limit > 0 && len(out) > filter.Limit {
		out = out[:filter.Limit]
	}
	return out, nil
}

// SavePattern implements Store.
func (s *MemoryStore) SavePattern(_ context.Context, p *LearningPattern) error {
	if p == nil || p.PatternID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	now := time.Now()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	cp := *p
	s.patterns[p.PatternID] = &cp
	return nil
}

// SaveRetrainingTrigger implements Store.
func (s *MemoryStore) SaveRetrainingTrigger(_ context.Context, tr *RetrainingTrigger) error {
	if tr == nil {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if tr.TriggerID == "" {
		tr.TriggerID = uuid.New().String()
	}
	if tr.CreatedAt.IsZero() {
		tr.CreatedAt = time.Now()
	}
	cp := *tr
	s.triggers = append(s.triggers, &cp)
	return nil
}

// SaveReplay implements Store.
func (s *MemoryStore) SaveReplay(_ context.Context, r *DecisionReplay) error {
	if r == nil || r.TaskID == "" {
		return ErrInvalidInput
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrStoreClosed
	}

	if r.ReplayID == "" {
		r.ReplayID = uuid.New().String()
	}
	if r.CreatedAt.IsZero() {
		r.CreatedAt = time.Now()
	}
	cp := *r
	s.replays[r.TaskID] = append(s.replays[r.TaskID], &cp)
	return nil
}

// ListReplays implements Store.
func (s *MemoryStore) ListReplays(_ context.Context, taskID string) ([]*DecisionReplay, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, ErrStoreClosed
	}

	replays := s.replays[taskID]
	out := make([]*DecisionReplay, len(replays))
	for i, r := range replays {
		cp := *r
		out[i] = &cp
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	return out, nil
}
