package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"sales-crm/internal/automation"
	"sales-crm/internal/routing"
	"sales-crm/internal/sequence"
	"sales-crm/internal/tasks"
)

// MemoryStore is the in-process Entity Store. It backs tests and
// single-node deployments without Postgres. Values are cloned on the way in
// and out so callers never share memory with the store.
type MemoryStore struct {
	mu sync.RWMutex

	seq       int64
	tasks     map[string]tasks.Task
	followups map[string]tasks.Followup

	rules     map[string]automation.Rule
	leadExecs map[string]int // rule id + "/" + lead id

	sequences   map[string]sequence.Sequence
	enrollments map[string]sequence.Enrollment

	overrides map[string]routing.Override // user id -> latest override
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:       map[string]tasks.Task{},
		followups:   map[string]tasks.Followup{},
		rules:       map[string]automation.Rule{},
		leadExecs:   map[string]int{},
		sequences:   map[string]sequence.Sequence{},
		enrollments: map[string]sequence.Enrollment{},
		overrides:   map[string]routing.Override{},
	}
}

// --- tasks ---

func (s *MemoryStore) CreateTask(ctx context.Context, t tasks.Task) (tasks.Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if t.ID == "" {
		t.ID = uuid.NewString()
	}
	if _, exists := s.tasks[t.ID]; exists {
		return tasks.Task{}, tasks.Invalid("id", "already exists")
	}
	s.seq++
	t.Seq = s.seq
	s.tasks[t.ID] = t.Clone()
	return t.Clone(), nil
}

func (s *MemoryStore) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	t, ok := s.tasks[id]
	if !ok || t.DeletedAt != nil {
		return tasks.Task{}, tasks.NotFound("task", id)
	}
	return t.Clone(), nil
}

func (s *MemoryStore) UpdateTask(ctx context.Context, t tasks.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[t.ID]
	if !ok || cur.DeletedAt != nil {
		return tasks.NotFound("task", t.ID)
	}
	t.Seq = cur.Seq
	s.tasks[t.ID] = t.Clone()
	return nil
}

// PatchOpenTask applies fn to the stored task under the write lock. Nothing
// is written when the task is gone, no longer open, or fn returns false.
func (s *MemoryStore) PatchOpenTask(ctx context.Context, id string, fn func(*tasks.Task) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.tasks[id]
	if !ok || cur.DeletedAt != nil {
		return false, tasks.NotFound("task", id)
	}
	if !cur.IsOpen() {
		return false, nil
	}
	t := cur.Clone()
	if !fn(&t) {
		return false, nil
	}
	t.ID, t.Seq = cur.ID, cur.Seq
	s.tasks[id] = t
	return true, nil
}

func (s *MemoryStore) ListTasks(ctx context.Context, f tasks.TaskFilter) ([]tasks.Task, error) {
	s.mu.RLock()
	out := make([]tasks.Task, 0)
	for _, t := range s.tasks {
		if f.Match(t) {
			out = append(out, t.Clone())
		}
	}
	s.mu.RUnlock()
	tasks.SortTasks(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (s *MemoryStore) ListOpenTasks(ctx context.Context) ([]tasks.Task, error) {
	return s.ListTasks(ctx, tasks.TaskFilter{OpenOnly: true})
}

func (s *MemoryStore) ListTasksByLead(ctx context.Context, leadID string) ([]tasks.Task, error) {
	return s.ListTasks(ctx, tasks.TaskFilter{LeadID: leadID})
}

// --- followups ---

func (s *MemoryStore) CreateFollowup(ctx context.Context, f tasks.Followup) (tasks.Followup, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if f.ID == "" {
		f.ID = uuid.NewString()
	}
	if _, exists := s.followups[f.ID]; exists {
		return tasks.Followup{}, tasks.Invalid("id", "already exists")
	}
	s.followups[f.ID] = f.Clone()
	return f.Clone(), nil
}

func (s *MemoryStore) GetFollowup(ctx context.Context, id string) (tasks.Followup, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	f, ok := s.followups[id]
	if !ok || f.DeletedAt != nil {
		return tasks.Followup{}, tasks.NotFound("followup", id)
	}
	return f.Clone(), nil
}

func (s *MemoryStore) UpdateFollowup(ctx context.Context, f tasks.Followup) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.followups[f.ID]
	if !ok || cur.DeletedAt != nil {
		return tasks.NotFound("followup", f.ID)
	}
	s.followups[f.ID] = f.Clone()
	return nil
}

func (s *MemoryStore) PatchOpenFollowup(ctx context.Context, id string, fn func(*tasks.Followup) bool) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	cur, ok := s.followups[id]
	if !ok || cur.DeletedAt != nil {
		return false, tasks.NotFound("followup", id)
	}
	if !cur.IsOpen() {
		return false, nil
	}
	f := cur.Clone()
	if !fn(&f) {
		return false, nil
	}
	f.ID = cur.ID
	s.followups[id] = f
	return true, nil
}

func (s *MemoryStore) ListFollowups(ctx context.Context, f tasks.FollowupFilter) ([]tasks.Followup, error) {
	s.mu.RLock()
	out := make([]tasks.Followup, 0)
	for _, fu := range s.followups {
		if f.Match(fu) {
			out = append(out, fu.Clone())
		}
	}
	s.mu.RUnlock()
	tasks.SortFollowups(out)
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

// --- automation rules ---

func (s *MemoryStore) CreateRule(ctx context.Context, r automation.Rule) (automation.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.rules[r.ID] = r
	return r, nil
}

func (s *MemoryStore) GetRule(ctx context.Context, id string) (automation.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	r, ok := s.rules[id]
	if !ok {
		return automation.Rule{}, tasks.NotFound("automation_rule", id)
	}
	return r, nil
}

func (s *MemoryStore) ListActiveRules(ctx context.Context, trigger automation.Trigger) ([]automation.Rule, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []automation.Rule
	for _, r := range s.rules {
		if r.IsActive && r.Trigger == trigger {
			out = append(out, r)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) || (out[i].CreatedAt.Equal(out[j].CreatedAt) && out[i].ID < out[j].ID) })
	return out, nil
}

// BeginRuleExecution re-checks CanExecute and bumps the counters under one lock.
func (s *MemoryStore) BeginRuleExecution(ctx context.Context, ruleID, leadID string, now time.Time) (automation.Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return automation.Rule{}, tasks.NotFound("automation_rule", ruleID)
	}
	key := ruleID + "/" + leadID
	if err := r.CanExecute(now, s.leadExecs[key]); err != nil {
		return automation.Rule{}, err
	}
	at := now
	r.ExecutionCount++
	r.LastExecuted = &at
	r.UpdatedAt = now
	s.rules[ruleID] = r
	s.leadExecs[key]++
	return r, nil
}

func (s *MemoryStore) FinishRuleExecution(ctx context.Context, ruleID string, success bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.rules[ruleID]
	if !ok {
		return tasks.NotFound("automation_rule", ruleID)
	}
	if success {
		r.SuccessCount++
		s.rules[ruleID] = r
	}
	return nil
}

// --- sequences ---

func (s *MemoryStore) CreateSequence(ctx context.Context, seq sequence.Sequence) (sequence.Sequence, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if seq.ID == "" {
		seq.ID = uuid.NewString()
	}
	s.sequences[seq.ID] = seq
	return seq, nil
}

func (s *MemoryStore) GetSequence(ctx context.Context, id string) (sequence.Sequence, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	seq, ok := s.sequences[id]
	if !ok {
		return sequence.Sequence{}, tasks.NotFound("sequence", id)
	}
	return seq, nil
}

func (s *MemoryStore) IncrementSequenceCounter(ctx context.Context, id string, c sequence.Counter) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	if !ok {
		return tasks.NotFound("sequence", id)
	}
	switch c {
	case sequence.CounterEnrollment:
		seq.EnrollmentCount++
	case sequence.CounterCompletion:
		seq.CompletionCount++
	case sequence.CounterConversion:
		seq.ConversionCount++
	default:
		return fmt.Errorf("store: unknown sequence counter %q", c)
	}
	s.sequences[id] = seq
	return nil
}

// DeleteSequence soft-deletes a sequence that has no active enrollments.
func (s *MemoryStore) DeleteSequence(ctx context.Context, id string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	seq, ok := s.sequences[id]
	if !ok || seq.DeletedAt != nil {
		return tasks.NotFound("sequence", id)
	}
	for _, e := range s.enrollments {
		if e.SequenceID == id && e.Status == sequence.EnrollmentActive {
			return fmt.Errorf("%w: %s", sequence.ErrSequenceInUse, id)
		}
	}
	seq.DeletedAt = &at
	seq.IsActive = false
	s.sequences[id] = seq
	return nil
}

func (s *MemoryStore) CreateEnrollment(ctx context.Context, e sequence.Enrollment) (sequence.Enrollment, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	s.enrollments[e.ID] = e
	return e, nil
}

func (s *MemoryStore) GetEnrollment(ctx context.Context, id string) (sequence.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.enrollments[id]
	if !ok {
		return sequence.Enrollment{}, tasks.NotFound("enrollment", id)
	}
	return e, nil
}

func (s *MemoryStore) UpdateEnrollment(ctx context.Context, e sequence.Enrollment) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.enrollments[e.ID]; !ok {
		return tasks.NotFound("enrollment", e.ID)
	}
	s.enrollments[e.ID] = e
	return nil
}

func (s *MemoryStore) FindActiveEnrollment(ctx context.Context, sequenceID, leadID string) (sequence.Enrollment, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, e := range s.enrollments {
		if e.SequenceID == sequenceID && e.LeadID == leadID && e.Status == sequence.EnrollmentActive {
			return e, true, nil
		}
	}
	return sequence.Enrollment{}, false, nil
}

func (s *MemoryStore) ListActiveEnrollments(ctx context.Context) ([]sequence.Enrollment, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []sequence.Enrollment
	for _, e := range s.enrollments {
		if e.Status == sequence.EnrollmentActive {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EnrolledAt.Before(out[j].EnrolledAt) })
	return out, nil
}

// --- delegation overrides ---

func (s *MemoryStore) PutOverride(ctx context.Context, o routing.Override) (routing.Override, error) {
	if o.UserID == "" || o.DelegateTo == "" {
		return routing.Override{}, tasks.Invalid("override", "user_id and delegate_to are required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if o.OverrideID == "" {
		o.OverrideID = uuid.NewString()
	}
	s.overrides[o.UserID] = o
	return o, nil
}

func (s *MemoryStore) GetActiveOverride(ctx context.Context, userID string, now time.Time) (routing.Override, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	o, ok := s.overrides[userID]
	if !ok || !o.ExpiresAt.After(now) {
		return routing.Override{}, false, nil
	}
	return o, true, nil
}
