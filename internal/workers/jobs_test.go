package workers

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"sales-crm/internal/automation"
	"sales-crm/internal/config"
	"sales-crm/internal/notify"
	"sales-crm/internal/reporting"
	"sales-crm/internal/store"
	"sales-crm/internal/tasks"
	"sales-crm/internal/users"
)

type fixture struct {
	now   time.Time
	store *store.MemoryStore
	dir   *users.MemoryRepo
	sent  *notify.MemoryDispatcher
	proc  *Processor
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		now:   time.Date(2024, 3, 5, 10, 0, 0, 0, time.UTC),
		store: store.NewMemoryStore(),
		dir: users.NewMemoryRepo(
			users.User{ID: "agent", Name: "Agent", ManagerID: "boss", Active: true, DigestOptIn: true},
			users.User{ID: "boss", Name: "Boss", Active: true},
		),
		sent: notify.NewMemoryDispatcher(),
	}
	f.proc = NewProcessor(f.store, f.dir, f.sent, DefaultSettings()).WithClock(func() time.Time { return f.now })
	return f
}

func (f *fixture) task(t *testing.T, in tasks.Task) tasks.Task {
	t.Helper()
	if in.Status == "" {
		in.Status = tasks.StatusPending
	}
	if in.AssigneeID == "" {
		in.AssigneeID = "agent"
	}
	out, err := f.store.CreateTask(context.Background(), in)
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	return out
}

func (f *fixture) followup(t *testing.T, in tasks.Followup) tasks.Followup {
	t.Helper()
	if in.Status == "" {
		in.Status = tasks.FollowupScheduled
	}
	if in.AssigneeID == "" {
		in.AssigneeID = "agent"
	}
	if in.LeadID == "" {
		in.LeadID = "L1"
	}
	out, err := f.store.CreateFollowup(context.Background(), in)
	if err != nil {
		t.Fatalf("create followup: %v", err)
	}
	return out
}

func at(t time.Time) *time.Time { return &t }

func TestProcessOverdue_LinkedTaskNotifiesOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	fu := f.followup(t, tasks.Followup{Title: "call back", ScheduledFor: f.now.Add(-3 * time.Hour)})
	task := f.task(t, tasks.Task{Title: "call back", Priority: tasks.PriorityHigh, FollowupID: fu.ID, DueDate: at(f.now.Add(-3 * time.Hour))})

	st, err := f.proc.ProcessOverdue(ctx)
	if err != nil {
		t.Fatalf("overdue: %v", err)
	}
	if st.Processed != 1 || st.Failed != 0 {
		t.Fatalf("unexpected stats %+v", st)
	}
	got := f.sent.ByKind(notify.KindOverdue)
	if len(got) != 1 || got[0].EntityID != task.ID || got[0].RecipientID != "agent" {
		t.Fatalf("expected exactly one overdue notification for the task, got %+v", got)
	}
	linked, _ := f.store.GetFollowup(ctx, fu.ID)
	if linked.Status != tasks.FollowupOverdue || linked.OverdueNotifiedAt == nil {
		t.Fatalf("linked followup should be marked overdue and notified, got %+v", linked)
	}

	// re-run inside the gap sends nothing
	f.now = f.now.Add(time.Hour)
	if _, err := f.proc.ProcessOverdue(ctx); err != nil {
		t.Fatalf("overdue rerun: %v", err)
	}
	if n := len(f.sent.ByKind(notify.KindOverdue)); n != 1 {
		t.Fatalf("expected no new notification inside the gap, got %d total", n)
	}

	// after the gap it reminds again
	f.now = f.now.Add(4 * time.Hour)
	if _, err := f.proc.ProcessOverdue(ctx); err != nil {
		t.Fatalf("overdue after gap: %v", err)
	}
	if n := len(f.sent.ByKind(notify.KindOverdue)); n != 2 {
		t.Fatalf("expected a second notification after the gap, got %d total", n)
	}
}

type countingRescorer struct{ n int }

func (r *countingRescorer) Rescore() { r.n++ }

func TestProcessOverdue_StandaloneFollowupAndFailures(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	rs := &countingRescorer{}
	f.proc.WithRescorer(rs)

	ok := f.followup(t, tasks.Followup{Title: "ok", ScheduledFor: f.now.Add(-time.Hour)})
	bad := f.followup(t, tasks.Followup{Title: "bad", AssigneeID: "ghost", ScheduledFor: f.now.Add(-time.Hour)})
	f.sent.Fail = func(n notify.Notification) error {
		if n.RecipientID == "ghost" {
			return errors.New("unreachable")
		}
		return nil
	}

	st, err := f.proc.ProcessOverdue(ctx)
	if err != nil {
		t.Fatalf("overdue: %v", err)
	}
	if st.Processed != 1 || st.Failed != 1 {
		t.Fatalf("expected one processed and one failed, got %+v", st)
	}
	if got, _ := f.store.GetFollowup(ctx, ok.ID); got.Status != tasks.FollowupOverdue {
		t.Fatalf("expected overdue status, got %s", got.Status)
	}
	if got, _ := f.store.GetFollowup(ctx, bad.ID); got.OverdueNotifiedAt != nil {
		t.Fatalf("failed send must not mark notified")
	}
	if rs.n != 1 {
		t.Fatalf("expected a rescore after the sweep")
	}
}

func TestSendReminders(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	soon := f.followup(t, tasks.Followup{Title: "soon", ScheduledFor: f.now.Add(10 * time.Minute)})
	f.followup(t, tasks.Followup{Title: "later", ScheduledFor: f.now.Add(time.Hour)})
	due := f.task(t, tasks.Task{Title: "due", DueDate: at(f.now.Add(5 * time.Minute))})
	f.task(t, tasks.Task{Title: "quiet", DueDate: at(f.now.Add(5 * time.Minute)), Reminder: tasks.ReminderConfig{Disabled: true}})
	wide := f.task(t, tasks.Task{Title: "wide", DueDate: at(f.now.Add(50 * time.Minute)), Reminder: tasks.ReminderConfig{MinutesBefore: 60}})

	st, err := f.proc.SendReminders(ctx)
	if err != nil {
		t.Fatalf("reminders: %v", err)
	}
	if st.Processed != 3 {
		t.Fatalf("expected 3 reminders, got %+v", st)
	}
	ids := map[string]bool{}
	for _, n := range f.sent.ByKind(notify.KindReminder) {
		ids[n.EntityID] = true
	}
	if !ids[soon.ID] || !ids[due.ID] || !ids[wide.ID] {
		t.Fatalf("unexpected reminder set %v", ids)
	}
	if got, _ := f.store.GetFollowup(ctx, soon.ID); !got.ReminderSent || got.ReminderSentAt == nil {
		t.Fatalf("reminder flag not set: %+v", got)
	}

	f.now = f.now.Add(time.Minute)
	if st, _ := f.proc.SendReminders(ctx); st.Processed != 0 {
		t.Fatalf("expected no repeat reminders, got %+v", st)
	}
}

type fakeEscalator struct {
	tasks     []string
	followups []string
	reasons   map[string]string
	noTarget  bool
}

func (e *fakeEscalator) EscalateTask(ctx context.Context, id, to, reason, actor string) (tasks.Task, error) {
	if e.noTarget {
		return tasks.Task{}, tasks.ErrEscalationTargetUnresolvable
	}
	e.tasks = append(e.tasks, id)
	e.reasons[id] = reason
	return tasks.Task{ID: id}, nil
}

func (e *fakeEscalator) EscalateFollowup(ctx context.Context, id, to, reason, actor string) (tasks.Followup, error) {
	if e.noTarget {
		return tasks.Followup{}, tasks.ErrEscalationTargetUnresolvable
	}
	e.followups = append(e.followups, id)
	e.reasons[id] = reason
	return tasks.Followup{ID: id}, nil
}

func TestEscalate_Candidates(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	m := NewMetrics(prometheus.NewRegistry())
	esc := &fakeEscalator{reasons: map[string]string{}}
	f.proc.WithEscalator(esc).WithMetrics(m)

	high := f.task(t, tasks.Task{Title: "high", Priority: tasks.PriorityHigh, DueDate: at(f.now.Add(-3 * time.Hour))})
	f.task(t, tasks.Task{Title: "high recent", Priority: tasks.PriorityHigh, DueDate: at(f.now.Add(-time.Hour))})
	f.task(t, tasks.Task{Title: "medium recent", Priority: tasks.PriorityMedium, DueDate: at(f.now.Add(-3 * time.Hour))})
	medium := f.task(t, tasks.Task{Title: "medium old", Priority: tasks.PriorityMedium, DueDate: at(f.now.Add(-25 * time.Hour))})
	f.task(t, tasks.Task{Title: "done before", Priority: tasks.PriorityUrgent, DueDate: at(f.now.Add(-5 * time.Hour)),
		Escalation: tasks.Escalation{EscalatedAt: at(f.now.Add(-time.Hour))}})
	churn := f.followup(t, tasks.Followup{Title: "churn", Priority: tasks.PriorityLow, ScheduledFor: f.now.Add(time.Hour), RescheduleCount: 3})

	st, err := f.proc.Escalate(ctx)
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if st.Processed != 3 {
		t.Fatalf("expected 3 escalations, got %+v (tasks %v followups %v)", st, esc.tasks, esc.followups)
	}
	if len(esc.tasks) != 2 || esc.tasks[0] != medium.ID || esc.tasks[1] != high.ID {
		t.Fatalf("unexpected escalated tasks %v", esc.tasks)
	}
	if len(esc.followups) != 1 || esc.followups[0] != churn.ID {
		t.Fatalf("unexpected escalated followups %v", esc.followups)
	}
	if !strings.Contains(esc.reasons[churn.ID], "rescheduled 3 times") {
		t.Fatalf("unexpected reason %q", esc.reasons[churn.ID])
	}
	if got := testutil.ToFloat64(m.Escalations.WithLabelValues("task")); got != 2 {
		t.Fatalf("expected 2 task escalations counted, got %v", got)
	}
}

func TestEscalate_UnresolvableTargetIsSkipped(t *testing.T) {
	f := newFixture(t)
	f.proc.WithEscalator(&fakeEscalator{reasons: map[string]string{}, noTarget: true})
	f.task(t, tasks.Task{Title: "high", Priority: tasks.PriorityHigh, DueDate: at(f.now.Add(-3 * time.Hour))})

	st, err := f.proc.Escalate(context.Background())
	if err != nil {
		t.Fatalf("escalate: %v", err)
	}
	if st.Processed != 0 || st.Failed != 0 {
		t.Fatalf("unresolvable target should be skipped, got %+v", st)
	}
}

func TestCleanup_ResetsStaleReminderFlags(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	stale := f.followup(t, tasks.Followup{Title: "stale", ScheduledFor: f.now.Add(time.Hour), ReminderSent: true, ReminderSentAt: at(f.now.Add(-25 * time.Hour))})
	fresh := f.followup(t, tasks.Followup{Title: "fresh", ScheduledFor: f.now.Add(time.Hour), ReminderSent: true, ReminderSentAt: at(f.now.Add(-time.Hour))})
	closed := f.followup(t, tasks.Followup{Title: "closed", Status: tasks.FollowupCompleted, ScheduledFor: f.now, ReminderSent: true, ReminderSentAt: at(f.now.Add(-48 * time.Hour))})
	task := f.task(t, tasks.Task{Title: "t", ReminderSentAt: at(f.now.Add(-30 * time.Hour))})

	st, err := f.proc.Cleanup(ctx)
	if err != nil {
		t.Fatalf("cleanup: %v", err)
	}
	if st.Processed != 2 {
		t.Fatalf("expected 2 resets, got %+v", st)
	}
	if got, _ := f.store.GetFollowup(ctx, stale.ID); got.ReminderSent || got.ReminderSentAt != nil {
		t.Fatalf("stale flag not reset")
	}
	if got, _ := f.store.GetFollowup(ctx, fresh.ID); !got.ReminderSent {
		t.Fatalf("fresh flag must stay")
	}
	if got, _ := f.store.GetFollowup(ctx, closed.ID); !got.ReminderSent {
		t.Fatalf("terminal followups are left alone")
	}
	if got, _ := f.store.GetTask(ctx, task.ID); got.ReminderSentAt != nil {
		t.Fatalf("task reminder not reset")
	}
}

func TestSendDigests(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.dir.Put(users.User{ID: "idle", Active: true, DigestOptIn: true})
	f.proc.WithDigests(reporting.NewService(f.store).WithClock(func() time.Time { return f.now }))
	f.task(t, tasks.Task{Title: "today", DueDate: at(f.now.Add(2 * time.Hour))})
	f.task(t, tasks.Task{Title: "boss work", AssigneeID: "boss", DueDate: at(f.now.Add(2 * time.Hour))})

	st, err := f.proc.SendDigests(ctx)
	if err != nil {
		t.Fatalf("digest: %v", err)
	}
	got := f.sent.ByKind(notify.KindDigest)
	if st.Processed != 1 || len(got) != 1 || got[0].RecipientID != "agent" {
		t.Fatalf("expected one digest for the opted-in agent, got %+v", got)
	}
	if got[0].Subject != "Today: 1 due, 0 overdue" {
		t.Fatalf("unexpected subject %q", got[0].Subject)
	}
}

type fakeAutomation struct {
	events []automation.Event
	swept  int
}

func (a *fakeAutomation) HandleEvent(ctx context.Context, ev automation.Event) ([]automation.Result, error) {
	a.events = append(a.events, ev)
	return nil, nil
}

func (a *fakeAutomation) SweepInactiveEnrollments(ctx context.Context) (int, error) {
	return a.swept, nil
}

func TestRunAutomation_TimeBasedEvents(t *testing.T) {
	f := newFixture(t)
	auto := &fakeAutomation{swept: 2}
	f.proc.WithAutomation(auto)
	stale := f.followup(t, tasks.Followup{Title: "stale", ScheduledFor: f.now.Add(-72 * time.Hour)})
	f.followup(t, tasks.Followup{Title: "recent", ScheduledFor: f.now.Add(-time.Hour)})

	st, err := f.proc.RunAutomation(context.Background())
	if err != nil {
		t.Fatalf("automation: %v", err)
	}
	if st.Processed != 3 {
		t.Fatalf("expected 1 event plus 2 swept, got %+v", st)
	}
	if len(auto.events) != 1 {
		t.Fatalf("expected one time-based event, got %d", len(auto.events))
	}
	ev := auto.events[0]
	if ev.Trigger != automation.TriggerTimeBased || ev.Fields["followup_id"] != stale.ID || ev.UserID != "agent" {
		t.Fatalf("unexpected event %+v", ev)
	}
}

func TestProcessorJobsRegister(t *testing.T) {
	f := newFixture(t)
	r := NewRunner(nil, nil)
	for _, j := range f.proc.Jobs() {
		if err := r.Register(j); err != nil {
			t.Fatalf("register %s: %v", j.Name, err)
		}
	}
	if n := len(r.Jobs()); n != 6 {
		t.Fatalf("expected 6 jobs, got %d", n)
	}
}

func TestSettingsFromConfig_DigestTimezone(t *testing.T) {
	c := config.Config{
		Workers:  config.WorkersConfig{DigestCron: "0 8 * * *", ReminderInterval: time.Minute},
		Business: config.BusinessConfig{Timezone: "America/New_York"},
	}
	s := SettingsFromConfig(c)
	if s.DigestCron != "CRON_TZ=America/New_York 0 8 * * *" {
		t.Fatalf("unexpected cron %q", s.DigestCron)
	}
	if s.ReminderInterval != time.Minute {
		t.Fatalf("interval not carried over")
	}
}

// completeDuringSend closes the entity a notification is about while the
// send is in flight, the way an agent finishing work mid-sweep would.
func (f *fixture) completeDuringSend(t *testing.T) {
	ctx := context.Background()
	f.sent.Fail = func(n notify.Notification) error {
		switch n.EntityKind {
		case "task":
			cur, err := f.store.GetTask(ctx, n.EntityID)
			if err != nil {
				t.Errorf("get task: %v", err)
				return nil
			}
			if err := cur.MarkCompleted("done", "", "agent", f.now); err != nil {
				t.Errorf("complete task: %v", err)
				return nil
			}
			if err := f.store.UpdateTask(ctx, cur); err != nil {
				t.Errorf("update task: %v", err)
			}
		case "followup":
			cur, err := f.store.GetFollowup(ctx, n.EntityID)
			if err != nil {
				t.Errorf("get followup: %v", err)
				return nil
			}
			if err := cur.Complete("done", "", "agent", f.now); err != nil {
				t.Errorf("complete followup: %v", err)
				return nil
			}
			if err := f.store.UpdateFollowup(ctx, cur); err != nil {
				t.Errorf("update followup: %v", err)
			}
		}
		return nil
	}
}

func TestSendReminders_KeepsCompletionMadeDuringSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.task(t, tasks.Task{Title: "due", Status: tasks.StatusInProgress, StartedAt: at(f.now.Add(-time.Hour)), DueDate: at(f.now.Add(5 * time.Minute))})
	fu := f.followup(t, tasks.Followup{Title: "soon", ScheduledFor: f.now.Add(10 * time.Minute)})
	f.completeDuringSend(t)

	if _, err := f.proc.SendReminders(ctx); err != nil {
		t.Fatalf("reminders: %v", err)
	}
	gotTask, _ := f.store.GetTask(ctx, task.ID)
	if gotTask.Status != tasks.StatusCompleted || gotTask.CompletedAt == nil || gotTask.Outcome != "done" {
		t.Fatalf("reminder write reverted the completion: %+v", gotTask)
	}
	if gotTask.ReminderSentAt != nil {
		t.Fatalf("closed task must not get reminder bookkeeping")
	}
	gotFu, _ := f.store.GetFollowup(ctx, fu.ID)
	if gotFu.Status != tasks.FollowupCompleted || gotFu.CompletedAt == nil || gotFu.ReminderSent {
		t.Fatalf("reminder write reverted the followup completion: %+v", gotFu)
	}
}

func TestProcessOverdue_KeepsCompletionMadeDuringSend(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task := f.task(t, tasks.Task{Title: "late", Status: tasks.StatusInProgress, StartedAt: at(f.now.Add(-3 * time.Hour)), DueDate: at(f.now.Add(-time.Hour))})
	fu := f.followup(t, tasks.Followup{Title: "late", ScheduledFor: f.now.Add(-time.Hour)})
	f.completeDuringSend(t)

	if _, err := f.proc.ProcessOverdue(ctx); err != nil {
		t.Fatalf("overdue: %v", err)
	}
	gotTask, _ := f.store.GetTask(ctx, task.ID)
	if gotTask.Status != tasks.StatusCompleted || gotTask.CompletedAt == nil {
		t.Fatalf("overdue write reverted the completion: %+v", gotTask)
	}
	gotFu, _ := f.store.GetFollowup(ctx, fu.ID)
	if gotFu.Status != tasks.FollowupCompleted || gotFu.CompletedAt == nil {
		t.Fatalf("overdue write reverted the followup completion: %+v", gotFu)
	}
}

func TestProcessOverdue_UnassignedWorkIsMarkedNotNotified(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	task, err := f.store.CreateTask(ctx, tasks.Task{Title: "orphan", Status: tasks.StatusPending, DueDate: at(f.now.Add(-time.Hour))})
	if err != nil {
		t.Fatalf("create task: %v", err)
	}
	fu, err := f.store.CreateFollowup(ctx, tasks.Followup{Title: "orphan", LeadID: "L1", Status: tasks.FollowupScheduled, ScheduledFor: f.now.Add(-time.Hour)})
	if err != nil {
		t.Fatalf("create followup: %v", err)
	}

	st, err := f.proc.ProcessOverdue(ctx)
	if err != nil {
		t.Fatalf("overdue: %v", err)
	}
	if st.Failed != 0 || st.Processed != 0 {
		t.Fatalf("unassigned items are neither sent nor failures, got %+v", st)
	}
	if n := len(f.sent.Sent()); n != 0 {
		t.Fatalf("expected no notifications, got %d", n)
	}
	if got, _ := f.store.GetFollowup(ctx, fu.ID); got.Status != tasks.FollowupOverdue || got.OverdueNotifiedAt != nil {
		t.Fatalf("unassigned followup should be overdue without a notification stamp: %+v", got)
	}
	if got, _ := f.store.GetTask(ctx, task.ID); got.OverdueNotifiedAt != nil {
		t.Fatalf("unassigned task must not be stamped notified")
	}
}
