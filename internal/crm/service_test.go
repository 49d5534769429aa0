package crm

import (
	"context"
	"errors"
	"math/rand"
	"strings"
	"testing"
	"time"

	"sales-crm/internal/audit"
	"sales-crm/internal/automation"
	"sales-crm/internal/calls"
	"sales-crm/internal/notify"
	"sales-crm/internal/routing"
	"sales-crm/internal/schedule"
	"sales-crm/internal/sequence"
	"sales-crm/internal/store"
	"sales-crm/internal/tasks"
	"sales-crm/internal/users"
)

type fixture struct {
	now   time.Time
	store *store.MemoryStore
	sent  *notify.MemoryDispatcher
	audit *audit.MemoryRepo
	svc   *Service
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:   time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		store: store.NewMemoryStore(),
		sent:  notify.NewMemoryDispatcher(),
		audit: audit.NewMemoryRepo(),
	}
	clock := func() time.Time { return f.now }
	dir := users.NewMemoryRepo(
		users.User{ID: "agent", Name: "Agent", Role: "agent", ManagerID: "boss", Active: true},
		users.User{ID: "boss", Name: "Boss", Role: "manager", Active: true},
		users.User{ID: "gone", Name: "Gone", Role: "agent", Active: false},
		users.User{ID: "solo", Name: "Solo", Role: "agent", Active: true},
	)
	f.svc = NewService(Deps{
		Store:    f.store,
		Users:    dir,
		Notifier: f.sent,
		Audit:    audit.NewService(f.audit).WithClock(clock),
	}).WithClock(clock)
	f.svc.Index().WithClock(clock)

	router := routing.NewRouter(dir, rand.New(rand.NewSource(1)))
	f.svc.WithAutomation(automation.NewEngine(f.store, f.svc, router).WithClock(clock))
	f.svc.WithSequences(sequence.NewEngine(f.store, f.svc).WithClock(clock))
	return f
}

func (f *fixture) task(t *testing.T, in tasks.Task) tasks.Task {
	t.Helper()
	out, err := f.svc.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return out
}

func TestCreateTask_Validation(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	if _, err := f.svc.CreateTask(ctx, tasks.Task{}); !errors.Is(err, tasks.ErrValidation) {
		t.Fatalf("expected validation error for missing title, got %v", err)
	}
	if _, err := f.svc.CreateTask(ctx, tasks.Task{Title: "x", BlockedBy: []string{"nope"}}); !errors.Is(err, tasks.ErrValidation) {
		t.Fatalf("expected validation error for unknown blocker, got %v", err)
	}
	if _, err := f.svc.CreateTask(ctx, tasks.Task{Title: "x", Status: tasks.StatusCompleted, Progress: 100}); !errors.Is(err, tasks.ErrValidation) {
		t.Fatalf("expected validation error for completed status, got %v", err)
	}
}

func TestBlockedTaskCannotStartUntilBlockerCompletes(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.task(t, tasks.Task{Title: "A", AssigneeID: "agent"})
	b := f.task(t, tasks.Task{Title: "B", AssigneeID: "agent", BlockedBy: []string{a.ID}})
	if b.Status != tasks.StatusBlocked {
		t.Fatalf("B status = %s, want blocked", b.Status)
	}

	if _, err := f.svc.StartTask(ctx, b.ID, "agent"); !errors.Is(err, tasks.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}

	if _, err := f.svc.StartTask(ctx, a.ID, "agent"); err != nil {
		t.Fatalf("start A: %v", err)
	}
	if _, err := f.svc.CompleteTask(ctx, a.ID, "done", "", "agent"); err != nil {
		t.Fatalf("complete A: %v", err)
	}

	b, _ = f.svc.GetTask(ctx, b.ID)
	if b.Status != tasks.StatusPending || len(b.BlockedBy) != 0 {
		t.Fatalf("B after unblock: status=%s blocked_by=%v", b.Status, b.BlockedBy)
	}
	if _, err := f.svc.StartTask(ctx, b.ID, "agent"); err != nil {
		t.Fatalf("start B: %v", err)
	}
}

func TestCompletedTaskIsTerminal(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.task(t, tasks.Task{Title: "A", AssigneeID: "agent"})
	if _, err := f.svc.StartTask(ctx, task.ID, "agent"); err != nil {
		t.Fatalf("start: %v", err)
	}
	done, err := f.svc.CompleteTask(ctx, task.ID, "", "", "agent")
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if done.Progress != 100 || done.CompletedAt == nil {
		t.Fatalf("unexpected completed task: %+v", done)
	}

	pending := tasks.StatusPending
	if _, err := f.svc.UpdateTask(ctx, task.ID, TaskPatch{Status: &pending}, "agent"); !errors.Is(err, tasks.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition, got %v", err)
	}
	if _, err := f.svc.AssignTask(ctx, task.ID, "boss", "agent"); !errors.Is(err, tasks.ErrInvalidStateTransition) {
		t.Fatalf("expected reassign of closed task to fail, got %v", err)
	}
}

func TestCompleteTaskCompletesLinkedFollowup(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	fu, err := f.svc.CreateFollowup(ctx, tasks.Followup{
		LeadID: "L1", Title: "Call Acme", Type: tasks.FollowupTypeCall,
		AssigneeID: "agent", ScheduledFor: f.now.Add(2 * time.Hour),
	})
	if err != nil {
		t.Fatalf("create followup: %v", err)
	}
	task := f.task(t, tasks.Task{Title: "Call Acme", AssigneeID: "agent", LeadID: "L1", FollowupID: fu.ID})
	if _, err := f.svc.StartTask(ctx, task.ID, "agent"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.CompleteTask(ctx, task.ID, "interested", "went well", "agent"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	fu, _ = f.svc.GetFollowup(ctx, fu.ID)
	if fu.Status != tasks.FollowupCompleted || fu.Outcome != "interested" {
		t.Fatalf("linked followup not completed: %+v", fu)
	}
}

func TestRecordCallOutcome_DefaultTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	res, err := f.svc.RecordCallOutcome(ctx, calls.Call{
		CallID: "c1", LeadID: "L1", LeadName: "Acme", UserID: "agent",
		Status: calls.CallStatusCompleted, Outcome: calls.OutcomeCallbackRequested, EndedAt: f.now,
	}, automation.TaskOverrides{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Task == nil {
		t.Fatalf("expected a default task, got %+v", res)
	}
	task := *res.Task
	want := f.now.Add(4 * time.Hour)
	if task.Priority != tasks.PriorityHigh || task.Status != tasks.StatusPending || task.DueDate == nil || !task.DueDate.Equal(want) {
		t.Fatalf("unexpected task: priority=%s status=%s due=%v", task.Priority, task.Status, task.DueDate)
	}
	if !strings.Contains(task.Title, "Acme") || task.AssigneeID != "agent" || task.CallID != "c1" {
		t.Fatalf("unexpected task: %+v", task)
	}

	next, ok, err := f.svc.GetNextTask(ctx, "agent")
	if err != nil || !ok || next.ID != task.ID {
		t.Fatalf("GetNextTask = %v %v %v, want %s", next.ID, ok, err, task.ID)
	}
}

func TestRecordCallOutcome_RequiresOutcome(t *testing.T) {
	f := newFixture(t)
	_, err := f.svc.RecordCallOutcome(context.Background(), calls.Call{CallID: "c1", LeadID: "L1"}, automation.TaskOverrides{})
	if !errors.Is(err, tasks.ErrValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
}

func TestRecordCallOutcome_RejectsFutureEndTime(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule, err := f.store.CreateRule(ctx, automation.Rule{
		Name:          "Deck for interested leads",
		Trigger:       automation.TriggerCallOutcome,
		Conditions:    map[string]string{"outcome": "interested"},
		FollowupType:  tasks.FollowupTypeEmail,
		Priority:      tasks.PriorityMedium,
		Schedule:      schedule.In(1, schedule.UnitHours),
		CooldownHours: 24,
		IsActive:      true,
		CreatedAt:     f.now,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	call := calls.Call{
		CallID: "c9", LeadID: "L1", UserID: "agent",
		Status: calls.CallStatusCompleted, Outcome: calls.OutcomeInterested, EndedAt: f.now.AddDate(1, 0, 0),
	}
	_, err = f.svc.RecordCallOutcome(ctx, call, automation.TaskOverrides{})
	var ve *tasks.ValidationError
	if !errors.As(err, &ve) || ve.Field != "ended_at" {
		t.Fatalf("expected ended_at validation error, got %v", err)
	}
	if _, err := f.svc.CreateTaskFromCallOutcome(ctx, call, automation.TaskOverrides{}); !errors.Is(err, tasks.ErrValidation) {
		t.Fatalf("expected validation error for the builtin task, got %v", err)
	}
	if got, _ := f.store.GetRule(ctx, rule.ID); got.ExecutionCount != 0 || got.LastExecuted != nil {
		t.Fatalf("rejected call must not touch the rule: %+v", got)
	}

	// small skew is tolerated and the cooldown stamp uses the service clock
	call.EndedAt = f.now.Add(30 * time.Second)
	res, err := f.svc.RecordCallOutcome(ctx, call, automation.TaskOverrides{})
	if err != nil || !automation.Fired(res.Rules) {
		t.Fatalf("expected rule to fire, got %+v %v", res, err)
	}
	if got, _ := f.store.GetRule(ctx, rule.ID); got.LastExecuted == nil || !got.LastExecuted.Equal(f.now) {
		t.Fatalf("lastExecuted = %v, want %v", got.LastExecuted, f.now)
	}
}

func TestRecordCallOutcome_RuleReplacesDefault(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	rule, err := f.store.CreateRule(ctx, automation.Rule{
		Name:          "Demo for interested leads",
		Trigger:       automation.TriggerCallOutcome,
		Conditions:    map[string]string{"outcome": "interested"},
		FollowupType:  tasks.FollowupTypeMeeting,
		Priority:      tasks.PriorityHigh,
		Schedule:      schedule.In(2, schedule.UnitDays),
		TitleTemplate: "Demo for {{leadName}}",
		IsActive:      true,
		CreatedAt:     f.now,
	})
	if err != nil {
		t.Fatalf("create rule: %v", err)
	}

	res, err := f.svc.RecordCallOutcome(ctx, calls.Call{
		CallID: "c2", LeadID: "L2", LeadName: "Globex", UserID: "agent",
		Status: calls.CallStatusCompleted, Outcome: calls.OutcomeInterested, EndedAt: f.now,
	}, automation.TaskOverrides{})
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if res.Task != nil {
		t.Fatalf("expected no default task when a rule fired, got %+v", res.Task)
	}
	if len(res.Rules) != 1 || res.Rules[0].Followup == nil {
		t.Fatalf("expected one rule followup, got %+v", res.Rules)
	}
	fu := res.Rules[0].Followup
	if fu.Title != "Demo for Globex" || fu.AssigneeID != "agent" || fu.Automation.RuleID != rule.ID {
		t.Fatalf("unexpected followup: %+v", fu)
	}
	if got := f.sent.ByKind(notify.KindAssignment); len(got) != 1 || got[0].EntityID != fu.ID {
		t.Fatalf("expected one assignment notification, got %+v", got)
	}
}

func TestEscalateTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.task(t, tasks.Task{Title: "Renewal", AssigneeID: "agent", LeadID: "L1"})
	got, err := f.svc.EscalateTask(ctx, task.ID, "", "stuck for a week", "agent")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.Escalation.EscalatedTo != "boss" || got.Escalation.Level != 1 || got.Escalation.EscalatedAt == nil {
		t.Fatalf("unexpected escalation: %+v", got.Escalation)
	}
	found := false
	for _, w := range got.Watchers {
		found = found || w == "boss"
	}
	if !found {
		t.Fatalf("manager should watch the escalated task: %v", got.Watchers)
	}
	sent := f.sent.ByKind(notify.KindEscalation)
	if len(sent) != 1 || sent[0].RecipientID != "boss" || sent[0].EntityID != task.ID {
		t.Fatalf("unexpected escalation notifications: %+v", sent)
	}
	var escalated int
	for _, e := range f.audit.ForEntity(audit.EntityTask, task.ID) {
		if e.Type == audit.EventTypeEscalated {
			escalated++
		}
	}
	if escalated != 1 {
		t.Fatalf("escalation audit events = %d, want 1", escalated)
	}
}

func TestEscalateTask_NoManager(t *testing.T) {
	f := newFixture(t)
	task := f.task(t, tasks.Task{Title: "Renewal", AssigneeID: "solo"})
	_, err := f.svc.EscalateTask(context.Background(), task.ID, "", "late", "solo")
	if !errors.Is(err, tasks.ErrEscalationTargetUnresolvable) {
		t.Fatalf("expected unresolvable target, got %v", err)
	}
	if len(f.sent.Sent()) != 0 {
		t.Fatalf("nothing should be sent: %+v", f.sent.Sent())
	}
	got, _ := f.svc.GetTask(context.Background(), task.ID)
	if got.Escalation.EscalatedAt != nil {
		t.Fatalf("task should not be marked escalated: %+v", got.Escalation)
	}
}

func TestAssignTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.task(t, tasks.Task{Title: "Qualify", AssigneeID: "agent"})
	if _, err := f.svc.AssignTask(ctx, task.ID, "gone", "boss"); !errors.Is(err, tasks.ErrValidation) {
		t.Fatalf("expected inactive user to be rejected, got %v", err)
	}
	got, err := f.svc.AssignTask(ctx, task.ID, "solo", "boss")
	if err != nil {
		t.Fatalf("unexpected err: %v", err)
	}
	if got.AssigneeID != "solo" {
		t.Fatalf("assignee = %s", got.AssigneeID)
	}
	sent := f.sent.ByKind(notify.KindAssignment)
	if len(sent) != 1 || sent[0].RecipientID != "solo" {
		t.Fatalf("unexpected assignment notifications: %+v", sent)
	}
	if _, ok, _ := f.svc.GetNextTask(ctx, "agent"); ok {
		t.Fatalf("previous assignee should have no next task")
	}
	if next, ok, _ := f.svc.GetNextTask(ctx, "solo"); !ok || next.ID != task.ID {
		t.Fatalf("new assignee should get the task")
	}
}

func TestDeleteTaskUnblocksAndLeavesIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	a := f.task(t, tasks.Task{Title: "A", AssigneeID: "agent", Priority: tasks.PriorityUrgent})
	b := f.task(t, tasks.Task{Title: "B", AssigneeID: "agent", BlockedBy: []string{a.ID}})

	if err := f.svc.DeleteTask(ctx, a.ID, "agent"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := f.svc.GetTask(ctx, a.ID); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("deleted task should be gone, got %v", err)
	}
	b, _ = f.svc.GetTask(ctx, b.ID)
	if b.Status != tasks.StatusPending {
		t.Fatalf("B status = %s, want pending", b.Status)
	}
	next, ok, _ := f.svc.GetNextTask(ctx, "agent")
	if !ok || next.ID != b.ID {
		t.Fatalf("next task = %v %v, want %s", next.ID, ok, b.ID)
	}
}

func TestRecurringTaskSpawnsNextOccurrence(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	due := f.now.Add(time.Hour)
	task := f.task(t, tasks.Task{
		Title: "Weekly pipeline review", AssigneeID: "agent", LeadID: "L9",
		DueDate: &due, Recurrence: &tasks.Recurrence{Frequency: "weekly", Interval: 1},
	})
	if _, err := f.svc.StartTask(ctx, task.ID, "agent"); err != nil {
		t.Fatalf("start: %v", err)
	}
	if _, err := f.svc.CompleteTask(ctx, task.ID, "", "", "agent"); err != nil {
		t.Fatalf("complete: %v", err)
	}

	all, _ := f.svc.ListTasksByLead(ctx, "L9")
	var next *tasks.Task
	for i := range all {
		if all[i].ID != task.ID {
			next = &all[i]
		}
	}
	if next == nil {
		t.Fatalf("expected next occurrence, got %+v", all)
	}
	if next.Status != tasks.StatusPending || next.DueDate == nil || !next.DueDate.Equal(due.AddDate(0, 0, 7)) {
		t.Fatalf("unexpected occurrence: status=%s due=%v", next.Status, next.DueDate)
	}
}

func TestSequenceRoundTripThroughService(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	f.now = time.Date(2024, 3, 1, 16, 0, 0, 0, time.UTC) // Friday

	timing := sequence.Timing{Delay: 1, Unit: schedule.UnitDays, BusinessHoursOnly: true}
	seq, err := f.store.CreateSequence(ctx, sequence.Sequence{
		Name: "Onboarding",
		Steps: []sequence.Step{
			{Order: 1, Type: tasks.FollowupTypeCall, TitleTemplate: "Intro call with {{leadName}}", Timing: timing},
			{Order: 2, Type: tasks.FollowupTypeEmail, TitleTemplate: "Recap email to {{leadName}}", Timing: timing},
			{Order: 3, Type: tasks.FollowupTypeCall, TitleTemplate: "Closing call with {{leadName}}", Timing: timing},
		},
		TotalSteps: 3,
		IsActive:   true,
	})
	if err != nil {
		t.Fatalf("create sequence: %v", err)
	}

	enr, err := f.svc.EnrollInSequence(ctx, sequence.EnrollRequest{SequenceID: seq.ID, LeadID: "L1", LeadName: "Acme", UserID: "agent"})
	if err != nil {
		t.Fatalf("enroll: %v", err)
	}
	if _, err := f.svc.EnrollInSequence(ctx, sequence.EnrollRequest{SequenceID: seq.ID, LeadID: "L1", UserID: "agent"}); !errors.Is(err, sequence.ErrAlreadyEnrolled) {
		t.Fatalf("expected duplicate enrollment to fail, got %v", err)
	}

	first, err := f.svc.GetFollowup(ctx, enr.CurrentFollowupID)
	if err != nil {
		t.Fatalf("step 1 followup: %v", err)
	}
	if want := time.Date(2024, 3, 4, 9, 0, 0, 0, time.UTC); !first.ScheduledFor.Equal(want) {
		t.Fatalf("step 1 scheduled for %v, want %v", first.ScheduledFor, want)
	}

	id := enr.CurrentFollowupID
	for step := 1; step <= 3; step++ {
		fu, err := f.svc.GetFollowup(ctx, id)
		if err != nil {
			t.Fatalf("step %d followup: %v", step, err)
		}
		if fu.Automation.SequenceStep != step {
			t.Fatalf("followup step = %d, want %d", fu.Automation.SequenceStep, step)
		}
		f.now = fu.ScheduledFor.Add(time.Hour)
		if _, err := f.svc.CompleteFollowup(ctx, fu.ID, "done", "", "agent"); err != nil {
			t.Fatalf("complete step %d: %v", step, err)
		}
		enr, _ = f.store.GetEnrollment(ctx, enr.ID)
		id = enr.CurrentFollowupID
	}

	if enr.Status != sequence.EnrollmentCompleted || enr.CompletedAt == nil {
		t.Fatalf("expected completed enrollment, got %+v", enr)
	}
	seq, _ = f.store.GetSequence(ctx, seq.ID)
	if seq.EnrollmentCount != 1 || seq.CompletionCount != 1 {
		t.Fatalf("unexpected counters: enrolled=%d completed=%d", seq.EnrollmentCount, seq.CompletionCount)
	}
}

func TestRebuildRestoresIndex(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	task := f.task(t, tasks.Task{Title: "A", AssigneeID: "agent"})
	f.svc.Index().Remove(task.ID, "agent")
	if _, ok, _ := f.svc.GetNextTask(ctx, "agent"); ok {
		t.Fatalf("index should be empty after remove")
	}
	if err := f.svc.Rebuild(ctx); err != nil {
		t.Fatalf("rebuild: %v", err)
	}
	if next, ok, _ := f.svc.GetNextTask(ctx, "agent"); !ok || next.ID != task.ID {
		t.Fatalf("rebuild did not restore %s", task.ID)
	}
}

func TestUpdateTask(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()
	task := f.task(t, tasks.Task{Title: "A", AssigneeID: "agent", Priority: tasks.PriorityLow})

	urgent := tasks.PriorityUrgent
	title := "A (renamed)"
	got, err := f.svc.UpdateTask(ctx, task.ID, TaskPatch{Priority: &urgent, Title: &title}, "agent")
	if err != nil {
		t.Fatalf("update: %v", err)
	}
	if got.Priority != tasks.PriorityUrgent || got.Title != title || got.Status != tasks.StatusPending {
		t.Fatalf("unexpected task: %+v", got)
	}

	done := tasks.StatusCompleted
	if _, err := f.svc.UpdateTask(ctx, task.ID, TaskPatch{Status: &done}, "agent"); !errors.Is(err, tasks.ErrInvalidStateTransition) {
		t.Fatalf("expected invalid transition for pending -> completed, got %v", err)
	}
	if _, err := f.svc.UpdateTask(ctx, "missing", TaskPatch{Title: &title}, "agent"); !errors.Is(err, tasks.ErrNotFound) {
		t.Fatalf("expected not found, got %v", err)
	}
}
