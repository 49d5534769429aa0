package automation

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"sales-crm/internal/schedule"
	"sales-crm/internal/tasks"
)

type memRules struct {
	mu    sync.Mutex
	rules map[string]*Rule
	lead  map[string]int
}

func newMemRules(rs ...Rule) *memRules {
	m := &memRules{rules: map[string]*Rule{}, lead: map[string]int{}}
	for i := range rs {
		r := rs[i]
		m.rules[r.ID] = &r
	}
	return m
}

func (m *memRules) ListActiveRules(ctx context.Context, trigger Trigger) ([]Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Rule
	for _, r := range m.rules {
		if r.IsActive && r.Trigger == trigger {
			out = append(out, *r)
		}
	}
	return out, nil
}

func (m *memRules) BeginRuleExecution(ctx context.Context, ruleID, leadID string, now time.Time) (Rule, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.rules[ruleID]
	if !ok {
		return Rule{}, tasks.NotFound("automation_rule", ruleID)
	}
	if err := r.CanExecute(now, m.lead[ruleID+"/"+leadID]); err != nil {
		return Rule{}, err
	}
	r.ExecutionCount++
	t := now
	r.LastExecuted = &t
	m.lead[ruleID+"/"+leadID]++
	return *r, nil
}

func (m *memRules) FinishRuleExecution(ctx context.Context, ruleID string, success bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if success {
		m.rules[ruleID].SuccessCount++
	}
	return nil
}

func (m *memRules) get(id string) Rule {
	m.mu.Lock()
	defer m.mu.Unlock()
	return *m.rules[id]
}

type memCreator struct {
	mu      sync.Mutex
	created []tasks.Followup
	err     error
}

func (c *memCreator) CreateFollowup(ctx context.Context, f tasks.Followup) (tasks.Followup, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.err != nil {
		return tasks.Followup{}, c.err
	}
	f.ID = "f" + string(rune('0'+len(c.created)))
	c.created = append(c.created, f)
	return f, nil
}

func interestedRule() Rule {
	return Rule{
		ID:            "r1",
		Name:          "Interested leads",
		Trigger:       TriggerCallOutcome,
		Conditions:    map[string]string{"outcome": "interested"},
		FollowupType:  tasks.FollowupTypeEmail,
		Priority:      tasks.PriorityHigh,
		Schedule:      schedule.In(1, schedule.UnitDays),
		TitleTemplate: "Send deck to {{leadName}}",
		CooldownHours: 24,
		IsActive:      true,
	}
}

func TestEvaluate_FiresMatchingRule(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	store := newMemRules(interestedRule())
	creator := &memCreator{}
	e := NewEngine(store, creator, nil).WithClock(func() time.Time { return now })

	res, err := e.Evaluate(context.Background(), Event{
		Trigger: TriggerCallOutcome, LeadID: "L1", LeadName: "Acme", UserID: "u1",
		Fields: map[string]any{"outcome": "interested"},
	})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if !Fired(res) || len(creator.created) != 1 {
		t.Fatalf("expected one followup, got %+v", res)
	}
	f := creator.created[0]
	if f.Title != "Send deck to Acme" || f.AssigneeID != "u1" || f.Automation.RuleID != "r1" {
		t.Fatalf("unexpected followup: %+v", f)
	}
	if !f.ScheduledFor.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("unexpected schedule: %v", f.ScheduledFor)
	}
	r := store.get("r1")
	if r.ExecutionCount != 1 || r.SuccessCount != 1 || r.LastExecuted == nil {
		t.Fatalf("unexpected counters: %+v", r)
	}
}

func TestEvaluate_ConditionMismatchProducesNothing(t *testing.T) {
	store := newMemRules(interestedRule())
	creator := &memCreator{}
	e := NewEngine(store, creator, nil)

	for _, fields := range []map[string]any{{"outcome": "busy"}, {}} {
		res, err := e.Evaluate(context.Background(), Event{Trigger: TriggerCallOutcome, LeadID: "L1", Fields: fields})
		if err != nil {
			t.Fatalf("unexpected err: %v", err)
		}
		if len(res) != 0 || len(creator.created) != 0 {
			t.Fatalf("expected no results for %v, got %+v", fields, res)
		}
	}
	if store.get("r1").ExecutionCount != 0 {
		t.Fatalf("non-matching events must not count as executions")
	}
}

func TestEvaluate_CooldownBlocksUntilElapsed(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	store := newMemRules(interestedRule())
	creator := &memCreator{}
	e := NewEngine(store, creator, nil).WithClock(func() time.Time { return now })
	ev := Event{Trigger: TriggerCallOutcome, LeadID: "L1", Fields: map[string]any{"outcome": "interested"}}

	if res, _ := e.Evaluate(context.Background(), ev); !Fired(res) {
		t.Fatalf("expected first event to fire")
	}

	now = now.Add(23*time.Hour + 59*time.Minute)
	res, _ := e.Evaluate(context.Background(), ev)
	if Fired(res) || len(res) != 1 || res[0].Skipped == "" {
		t.Fatalf("expected cooldown skip, got %+v", res)
	}

	now = now.Add(time.Minute)
	if res, _ := e.Evaluate(context.Background(), ev); !Fired(res) {
		t.Fatalf("expected rule to fire once cooldown elapsed")
	}
	if got := store.get("r1").ExecutionCount; got != 2 {
		t.Fatalf("execution count = %d, want 2", got)
	}
}

func TestEvaluate_EventTimeDoesNotDriveCooldown(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	store := newMemRules(interestedRule())
	creator := &memCreator{}
	e := NewEngine(store, creator, nil).WithClock(func() time.Time { return now })

	// a skewed client reports the call ending a year from now
	skewed := Event{Trigger: TriggerCallOutcome, LeadID: "L1", At: now.AddDate(1, 0, 0), Fields: map[string]any{"outcome": "interested"}}
	if res, _ := e.Evaluate(context.Background(), skewed); !Fired(res) {
		t.Fatalf("expected first event to fire")
	}
	r := store.get("r1")
	if r.LastExecuted == nil || !r.LastExecuted.Equal(now) {
		t.Fatalf("lastExecuted must come from the engine clock, got %v", r.LastExecuted)
	}
	if got := creator.created[0].ScheduledFor; !got.Equal(now.Add(24 * time.Hour)) {
		t.Fatalf("future event time must be clamped to now for scheduling, got %v", got)
	}

	now = now.Add(48 * time.Hour)
	ended := now.Add(-30 * time.Minute)
	res, _ := e.Evaluate(context.Background(), Event{Trigger: TriggerCallOutcome, LeadID: "L2", At: ended, Fields: map[string]any{"outcome": "interested"}})
	if !Fired(res) {
		t.Fatalf("cooldown should have elapsed on the engine clock, got %+v", res)
	}
	if got := creator.created[1].ScheduledFor; !got.Equal(ended.Add(24 * time.Hour)) {
		t.Fatalf("past event time is the schedule base, got %v", got)
	}
}

func TestEvaluate_ConcurrentEventsRespectCooldown(t *testing.T) {
	now := time.Unix(1700000000, 0).UTC()
	store := newMemRules(interestedRule())
	creator := &memCreator{}
	e := NewEngine(store, creator, nil).WithClock(func() time.Time { return now })

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, _ = e.Evaluate(context.Background(), Event{Trigger: TriggerCallOutcome, LeadID: "L1", Fields: map[string]any{"outcome": "interested"}})
		}()
	}
	wg.Wait()

	if len(creator.created) != 1 {
		t.Fatalf("expected exactly one followup, got %d", len(creator.created))
	}
	if got := store.get("r1").ExecutionCount; got != 1 {
		t.Fatalf("execution count = %d, want 1", got)
	}
}

func TestEvaluate_PerLeadCap(t *testing.T) {
	base := time.Unix(1700000000, 0).UTC()
	r := interestedRule()
	r.CooldownHours = 0
	r.MaxExecutionsPerLead = 2
	store := newMemRules(r)
	creator := &memCreator{}
	e := NewEngine(store, creator, nil)

	fire := func(lead string, at time.Time) bool {
		res, _ := e.Evaluate(context.Background(), Event{Trigger: TriggerCallOutcome, LeadID: lead, At: at, Fields: map[string]any{"outcome": "interested"}})
		return Fired(res)
	}
	if !fire("L1", base) || !fire("L1", base.Add(time.Minute)) {
		t.Fatalf("expected first two executions to fire")
	}
	if fire("L1", base.Add(2*time.Minute)) {
		t.Fatalf("expected cap to block third execution for L1")
	}
	if !fire("L2", base.Add(3*time.Minute)) {
		t.Fatalf("cap is per lead; L2 should fire")
	}
}

func TestEvaluate_FailedActionCountsExecutionNotSuccess(t *testing.T) {
	store := newMemRules(interestedRule())
	creator := &memCreator{err: errors.New("db down")}
	e := NewEngine(store, creator, nil)

	res, err := e.Evaluate(context.Background(), Event{Trigger: TriggerCallOutcome, LeadID: "L1", Fields: map[string]any{"outcome": "interested"}})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if len(res) != 1 || res[0].Err == nil {
		t.Fatalf("expected failed result, got %+v", res)
	}
	r := store.get("r1")
	if r.ExecutionCount != 1 || r.SuccessCount != 0 {
		t.Fatalf("unexpected counters: %+v", r)
	}
}

func TestEvaluate_RejectsUnknownTrigger(t *testing.T) {
	e := NewEngine(newMemRules(), &memCreator{}, nil)
	if _, err := e.Evaluate(context.Background(), Event{Trigger: "nope"}); !errors.Is(err, tasks.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRuleValidate(t *testing.T) {
	r := Rule{Name: "x", Trigger: TriggerLeadCreated, Schedule: schedule.Rule{Value: 2, Unit: schedule.UnitHours}}
	if err := r.Validate(); err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if r.FollowupType != tasks.FollowupTypeCall || r.Priority != tasks.PriorityMedium {
		t.Fatalf("expected defaults applied: %+v", r)
	}
	bad := Rule{Name: "x", Trigger: TriggerLeadCreated, Schedule: schedule.Rule{Value: 1, Unit: schedule.UnitDays}, CooldownHours: -1}
	if err := bad.Validate(); !errors.Is(err, tasks.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}

	zero := Rule{Name: "x", Trigger: TriggerCallOutcome}
	err := zero.Validate()
	var ve *tasks.ValidationError
	if !errors.As(err, &ve) || ve.Field != "schedule_rule" {
		t.Fatalf("zero-delay relative rule must be rejected, got %v", err)
	}
	nbd := Rule{Name: "x", Trigger: TriggerCallOutcome, Schedule: schedule.Rule{Type: schedule.RuleNextBusinessDay}}
	if err := nbd.Validate(); err != nil {
		t.Fatalf("next_business_day needs no value, got %v", err)
	}
}
