package workers

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"sales-crm/internal/automation"
	"sales-crm/internal/config"
	"sales-crm/internal/notify"
	"sales-crm/internal/reporting"
	"sales-crm/internal/tasks"
	"sales-crm/internal/users"
)

const (
	JobReminders  = "reminders"
	JobOverdue    = "overdue"
	JobDigest     = "digest"
	JobEscalation = "escalation"
	JobCleanup    = "cleanup"
	JobAutomation = "automation"

	// SystemActor is recorded as the actor of worker-initiated changes.
	SystemActor = "system"
)

// Store is the slice of the Entity Store the workers need.
type Store interface {
	ListTasks(ctx context.Context, f tasks.TaskFilter) ([]tasks.Task, error)
	ListFollowups(ctx context.Context, f tasks.FollowupFilter) ([]tasks.Followup, error)

	// PatchOpenTask and PatchOpenFollowup apply fn to the current stored
	// record and write it only while the record is still open. Sweeps work
	// from list snapshots, so they never write a snapshot back.
	PatchOpenTask(ctx context.Context, id string, fn func(*tasks.Task) bool) (bool, error)
	PatchOpenFollowup(ctx context.Context, id string, fn func(*tasks.Followup) bool) (bool, error)
}

// Escalator applies an escalation. An empty escalateTo means "the assignee's manager".
type Escalator interface {
	EscalateTask(ctx context.Context, id, escalateTo, reason, actorID string) (tasks.Task, error)
	EscalateFollowup(ctx context.Context, id, escalateTo, reason, actorID string) (tasks.Followup, error)
}

type Automation interface {
	HandleEvent(ctx context.Context, ev automation.Event) ([]automation.Result, error)
	SweepInactiveEnrollments(ctx context.Context) (int, error)
}

type Digests interface {
	Workload(ctx context.Context, userID string) (reporting.WorkloadSummary, error)
}

// Rescorer refreshes time-dependent priority scores after overdue changes.
type Rescorer interface {
	Rescore()
}

type Settings struct {
	ReminderInterval time.Duration
	ReminderWindow   time.Duration
	ReminderGap      time.Duration

	OverdueInterval time.Duration
	OverdueGap      time.Duration

	DigestCron     string
	DigestMaxItems int

	EscalationInterval    time.Duration
	EscalateHighAfter     time.Duration
	EscalateMediumAfter   time.Duration
	EscalateReschedulesAt int

	CleanupInterval time.Duration
	CleanupAge      time.Duration

	AutomationInterval time.Duration
	StaleFollowupAfter time.Duration
}

func DefaultSettings() Settings {
	return Settings{
		ReminderInterval:      5 * time.Minute,
		ReminderWindow:        15 * time.Minute,
		ReminderGap:           30 * time.Minute,
		OverdueInterval:       30 * time.Minute,
		OverdueGap:            4 * time.Hour,
		DigestCron:            "0 8 * * *",
		DigestMaxItems:        10,
		EscalationInterval:    time.Hour,
		EscalateHighAfter:     2 * time.Hour,
		EscalateMediumAfter:   24 * time.Hour,
		EscalateReschedulesAt: 3,
		CleanupInterval:       4 * time.Hour,
		CleanupAge:            24 * time.Hour,
		AutomationInterval:    15 * time.Minute,
		StaleFollowupAfter:    48 * time.Hour,
	}
}

// SettingsFromConfig maps validated config onto Settings. The digest runs
// in the business timezone.
func SettingsFromConfig(c config.Config) Settings {
	w := c.Workers
	s := DefaultSettings()
	s.ReminderInterval, s.ReminderWindow, s.ReminderGap = w.ReminderInterval, w.ReminderWindow, w.ReminderGap
	s.OverdueInterval, s.OverdueGap = w.OverdueInterval, w.OverdueGap
	s.DigestCron = w.DigestCron
	if tz := c.Business.Timezone; tz != "" && tz != "UTC" && !strings.HasPrefix(w.DigestCron, "CRON_TZ=") {
		s.DigestCron = "CRON_TZ=" + tz + " " + w.DigestCron
	}
	s.EscalationInterval = w.EscalationInterval
	s.EscalateHighAfter, s.EscalateMediumAfter, s.EscalateReschedulesAt = w.EscalateHighAfter, w.EscalateMediumAfter, w.EscalateReschedulesAt
	s.CleanupInterval, s.CleanupAge = w.CleanupInterval, w.CleanupAge
	s.AutomationInterval, s.StaleFollowupAfter = w.AutomationInterval, w.StaleFollowupAfter
	return s
}

// Processor implements the reminder, overdue, digest, escalation, cleanup
// and automation sweeps. Each sweep keeps going past per-item failures.
type Processor struct {
	store      Store
	users      users.Directory
	notifier   notify.Dispatcher
	escalator  Escalator
	automation Automation
	digests    Digests
	rescorer   Rescorer

	settings Settings
	clock    func() time.Time
	log      *slog.Logger
	metrics  *Metrics
}

func NewProcessor(store Store, dir users.Directory, notifier notify.Dispatcher, s Settings) *Processor {
	return &Processor{
		store:    store,
		users:    dir,
		notifier: notifier,
		settings: s,
		clock:    time.Now,
		log:      slog.Default(),
		metrics:  NewMetrics(nil),
	}
}

func (p *Processor) WithEscalator(e Escalator) *Processor {
	p.escalator = e
	return p
}

func (p *Processor) WithAutomation(a Automation) *Processor {
	p.automation = a
	return p
}

func (p *Processor) WithDigests(d Digests) *Processor {
	p.digests = d
	return p
}

func (p *Processor) WithRescorer(r Rescorer) *Processor {
	p.rescorer = r
	return p
}

func (p *Processor) WithClock(clock func() time.Time) *Processor {
	p.clock = clock
	return p
}

func (p *Processor) WithLogger(l *slog.Logger) *Processor {
	if l != nil {
		p.log = l
	}
	return p
}

func (p *Processor) WithMetrics(m *Metrics) *Processor {
	if m != nil {
		p.metrics = m
	}
	return p
}

// Jobs returns the sweeps ready to register on a Runner.
func (p *Processor) Jobs() []Job {
	s := p.settings
	return []Job{
		{Name: JobReminders, Interval: s.ReminderInterval, Run: p.SendReminders},
		{Name: JobOverdue, Interval: s.OverdueInterval, Run: p.ProcessOverdue},
		{Name: JobDigest, Cron: s.DigestCron, Run: p.SendDigests},
		{Name: JobEscalation, Interval: s.EscalationInterval, Run: p.Escalate},
		{Name: JobCleanup, Interval: s.CleanupInterval, Run: p.Cleanup},
		{Name: JobAutomation, Interval: s.AutomationInterval, Run: p.RunAutomation},
	}
}

// SendReminders notifies assignees of followups and tasks coming due.
func (p *Processor) SendReminders(ctx context.Context) (Stats, error) {
	var st Stats
	now := p.clock()
	log := p.log.With("worker", JobReminders)

	windowEnd := now.Add(p.settings.ReminderWindow)
	fus, err := p.store.ListFollowups(ctx, tasks.FollowupFilter{OpenOnly: true, ScheduledAfter: &now, ScheduledBefore: &windowEnd})
	if err != nil {
		return st, err
	}
	for _, f := range fus {
		if f.AssigneeID == "" || (f.ReminderSent && within(f.ReminderSentAt, now, p.settings.ReminderGap)) {
			continue
		}
		err := p.send(ctx, notify.KindReminder, f.AssigneeID, "followup", f.ID,
			fmt.Sprintf("Upcoming followup: %s", f.Title),
			fmt.Sprintf("Scheduled for %s", f.ScheduledFor.Format(time.RFC3339)),
			map[string]any{"lead_id": f.LeadID, "scheduled_for": f.ScheduledFor}, now)
		if err == nil {
			_, err = p.store.PatchOpenFollowup(ctx, f.ID, func(cur *tasks.Followup) bool {
				sent := now
				cur.ReminderSent, cur.ReminderSentAt, cur.UpdatedAt = true, &sent, now
				return true
			})
		}
		if err != nil {
			st.Failed++
			log.Error("followup reminder failed", "item_id", f.ID, "err", err)
			continue
		}
		st.Processed++
	}

	horizon := now.Add(24 * time.Hour)
	ts, err := p.store.ListTasks(ctx, tasks.TaskFilter{OpenOnly: true, DueAfter: &now, DueBefore: &horizon})
	if err != nil {
		return st, err
	}
	for _, t := range ts {
		if t.Reminder.Disabled || t.AssigneeID == "" {
			continue
		}
		window := p.settings.ReminderWindow
		if t.Reminder.MinutesBefore > 0 {
			window = time.Duration(t.Reminder.MinutesBefore) * time.Minute
		}
		// one reminder per window, even when the window is wider than the gap
		if t.DueDate.Sub(now) >= window || within(t.ReminderSentAt, now, max(window, p.settings.ReminderGap)) {
			continue
		}
		err := p.send(ctx, notify.KindReminder, t.AssigneeID, "task", t.ID,
			fmt.Sprintf("Task due soon: %s", t.Title),
			fmt.Sprintf("Due %s", t.DueDate.Format(time.RFC3339)),
			map[string]any{"lead_id": t.LeadID, "due_date": *t.DueDate, "priority": string(t.Priority)}, now)
		if err == nil {
			_, err = p.store.PatchOpenTask(ctx, t.ID, func(cur *tasks.Task) bool {
				sent := now
				cur.ReminderSentAt, cur.UpdatedAt = &sent, now
				return true
			})
		}
		if err != nil {
			st.Failed++
			log.Error("task reminder failed", "item_id", t.ID, "err", err)
			continue
		}
		st.Processed++
	}
	return st, nil
}

// ProcessOverdue notifies about overdue work at most once per OverdueGap.
// A task linked to a followup produces a single notification for the pair.
func (p *Processor) ProcessOverdue(ctx context.Context) (Stats, error) {
	var st Stats
	now := p.clock()
	log := p.log.With("worker", JobOverdue)
	covered := map[string]bool{}

	ts, err := p.store.ListTasks(ctx, tasks.TaskFilter{OpenOnly: true, DueBefore: &now})
	if err != nil {
		return st, err
	}
	for _, t := range ts {
		if within(t.OverdueNotifiedAt, now, p.settings.OverdueGap) {
			if t.FollowupID != "" {
				covered[t.FollowupID] = true
			}
			continue
		}
		if t.FollowupID != "" {
			covered[t.FollowupID] = true
			if err := p.markLinkedOverdue(ctx, t.FollowupID, now, t.AssigneeID != ""); err != nil {
				log.Warn("linked followup not marked overdue", "item_id", t.ID, "followup_id", t.FollowupID, "err", err)
			}
		}
		if t.AssigneeID == "" {
			continue
		}
		err := p.send(ctx, notify.KindOverdue, t.AssigneeID, "task", t.ID,
			fmt.Sprintf("Overdue task: %s", t.Title),
			fmt.Sprintf("Was due %s", t.DueDate.Format(time.RFC3339)),
			map[string]any{"lead_id": t.LeadID, "due_date": *t.DueDate, "priority": string(t.Priority)}, now)
		if err == nil {
			_, err = p.store.PatchOpenTask(ctx, t.ID, func(cur *tasks.Task) bool {
				at := now
				cur.OverdueNotifiedAt, cur.UpdatedAt = &at, now
				return true
			})
		}
		if err != nil {
			st.Failed++
			log.Error("overdue task failed", "item_id", t.ID, "err", err)
			continue
		}
		st.Processed++
	}

	fus, err := p.store.ListFollowups(ctx, tasks.FollowupFilter{OpenOnly: true, ScheduledBefore: &now})
	if err != nil {
		return st, err
	}
	for _, f := range fus {
		if covered[f.ID] {
			continue
		}
		if within(f.OverdueNotifiedAt, now, p.settings.OverdueGap) || f.AssigneeID == "" {
			if _, err := p.store.PatchOpenFollowup(ctx, f.ID, func(cur *tasks.Followup) bool {
				return cur.MarkOverdue(now)
			}); err != nil {
				st.Failed++
				log.Error("overdue followup update failed", "item_id", f.ID, "err", err)
			}
			continue
		}
		err := p.send(ctx, notify.KindOverdue, f.AssigneeID, "followup", f.ID,
			fmt.Sprintf("Overdue followup: %s", f.Title),
			fmt.Sprintf("Was scheduled for %s", f.ScheduledFor.Format(time.RFC3339)),
			map[string]any{"lead_id": f.LeadID, "scheduled_for": f.ScheduledFor}, now)
		if err == nil {
			_, err = p.store.PatchOpenFollowup(ctx, f.ID, func(cur *tasks.Followup) bool {
				cur.MarkOverdue(now)
				at := now
				cur.OverdueNotifiedAt, cur.UpdatedAt = &at, now
				return true
			})
		}
		if err != nil {
			st.Failed++
			log.Error("overdue followup failed", "item_id", f.ID, "err", err)
			continue
		}
		st.Processed++
	}

	if p.rescorer != nil {
		p.rescorer.Rescore()
	}
	return st, nil
}

func (p *Processor) markLinkedOverdue(ctx context.Context, id string, now time.Time, notified bool) error {
	_, err := p.store.PatchOpenFollowup(ctx, id, func(f *tasks.Followup) bool {
		changed := f.MarkOverdue(now)
		if !notified {
			return changed
		}
		at := now
		f.OverdueNotifiedAt, f.UpdatedAt = &at, now
		return true
	})
	return err
}

// SendDigests sends each opted-in active user a summary of today's work.
// Users with nothing due or overdue get no digest.
func (p *Processor) SendDigests(ctx context.Context) (Stats, error) {
	var st Stats
	if p.digests == nil {
		return st, nil
	}
	now := p.clock()
	log := p.log.With("worker", JobDigest)

	list, err := p.users.ListActiveUsers(ctx)
	if err != nil {
		return st, err
	}
	for _, u := range list {
		if !u.DigestOptIn {
			continue
		}
		w, err := p.digests.Workload(ctx, u.ID)
		if err == nil && w.Empty() {
			continue
		}
		if err == nil {
			subject, body := reporting.FormatDigest(w, p.settings.DigestMaxItems)
			err = p.send(ctx, notify.KindDigest, u.ID, "user", u.ID, subject, body, map[string]any{
				"tasks_due_today":   w.TasksDueToday,
				"tasks_overdue":     w.TasksOverdue,
				"followups_today":   w.FollowupsToday,
				"followups_overdue": w.FollowupsOverdue,
			}, now)
		}
		if err != nil {
			st.Failed++
			log.Error("digest failed", "item_id", u.ID, "err", err)
			continue
		}
		st.Processed++
	}
	return st, nil
}

// Escalate raises overdue high-priority work, long-overdue medium work and
// repeatedly rescheduled followups to the assignee's manager. Each item is
// escalated once.
func (p *Processor) Escalate(ctx context.Context) (Stats, error) {
	var st Stats
	if p.escalator == nil {
		return st, nil
	}
	now := p.clock()
	log := p.log.With("worker", JobEscalation)

	ts, err := p.store.ListTasks(ctx, tasks.TaskFilter{OpenOnly: true, DueBefore: &now})
	if err != nil {
		return st, err
	}
	for _, t := range ts {
		if t.Escalation.EscalatedAt != nil {
			continue
		}
		reasons := p.overdueReasons(t.Priority, now.Sub(*t.DueDate))
		if len(reasons) == 0 {
			continue
		}
		_, err := p.escalator.EscalateTask(ctx, t.ID, "", strings.Join(reasons, "; "), SystemActor)
		if p.escalationDone(log, "task", t.ID, err, &st) {
			p.metrics.Escalations.WithLabelValues("task").Inc()
		}
	}

	fus, err := p.store.ListFollowups(ctx, tasks.FollowupFilter{OpenOnly: true})
	if err != nil {
		return st, err
	}
	for _, f := range fus {
		if f.Escalation.EscalatedAt != nil {
			continue
		}
		var reasons []string
		if f.ScheduledFor.Before(now) {
			reasons = p.overdueReasons(f.Priority, now.Sub(f.ScheduledFor))
		}
		if n := p.settings.EscalateReschedulesAt; n > 0 && f.RescheduleCount >= n {
			reasons = append(reasons, fmt.Sprintf("rescheduled %d times", f.RescheduleCount))
		}
		if len(reasons) == 0 {
			continue
		}
		_, err := p.escalator.EscalateFollowup(ctx, f.ID, "", strings.Join(reasons, "; "), SystemActor)
		if p.escalationDone(log, "followup", f.ID, err, &st) {
			p.metrics.Escalations.WithLabelValues("followup").Inc()
		}
	}
	return st, nil
}

func (p *Processor) overdueReasons(pr tasks.Priority, late time.Duration) []string {
	switch {
	case (pr == tasks.PriorityHigh || pr == tasks.PriorityUrgent) && late > p.settings.EscalateHighAfter:
		return []string{fmt.Sprintf("%s priority overdue by more than %s", pr, p.settings.EscalateHighAfter)}
	case pr == tasks.PriorityMedium && late > p.settings.EscalateMediumAfter:
		return []string{fmt.Sprintf("medium priority overdue by more than %s", p.settings.EscalateMediumAfter)}
	}
	return nil
}

func (p *Processor) escalationDone(log *slog.Logger, kind, id string, err error, st *Stats) bool {
	switch {
	case err == nil:
		st.Processed++
		return true
	case errors.Is(err, tasks.ErrEscalationTargetUnresolvable):
		log.Warn("no escalation target", "kind", kind, "item_id", id)
	default:
		st.Failed++
		log.Error("escalation failed", "kind", kind, "item_id", id, "err", err)
	}
	return false
}

// Cleanup clears reminder flags older than CleanupAge on open items.
func (p *Processor) Cleanup(ctx context.Context) (Stats, error) {
	var st Stats
	now := p.clock()
	cutoff := now.Add(-p.settings.CleanupAge)
	log := p.log.With("worker", JobCleanup)

	fus, err := p.store.ListFollowups(ctx, tasks.FollowupFilter{OpenOnly: true, ReminderSentBefore: &cutoff})
	if err != nil {
		return st, err
	}
	for _, f := range fus {
		_, err := p.store.PatchOpenFollowup(ctx, f.ID, func(cur *tasks.Followup) bool {
			if !cur.ReminderSent || cur.ReminderSentAt == nil || !cur.ReminderSentAt.Before(cutoff) {
				return false
			}
			cur.ReminderSent, cur.ReminderSentAt, cur.UpdatedAt = false, nil, now
			return true
		})
		if err != nil {
			st.Failed++
			log.Error("reminder reset failed", "item_id", f.ID, "err", err)
			continue
		}
		st.Processed++
	}

	ts, err := p.store.ListTasks(ctx, tasks.TaskFilter{OpenOnly: true, ReminderSentBefore: &cutoff})
	if err != nil {
		return st, err
	}
	for _, t := range ts {
		_, err := p.store.PatchOpenTask(ctx, t.ID, func(cur *tasks.Task) bool {
			if cur.ReminderSentAt == nil || !cur.ReminderSentAt.Before(cutoff) {
				return false
			}
			cur.ReminderSentAt, cur.UpdatedAt = nil, now
			return true
		})
		if err != nil {
			st.Failed++
			log.Error("reminder reset failed", "item_id", t.ID, "err", err)
			continue
		}
		st.Processed++
	}
	return st, nil
}

// RunAutomation fires time_based rules for stale open followups, then exits
// enrollments that have gone quiet. Rule cooldowns and per-lead caps keep a
// stale followup from firing on every sweep.
func (p *Processor) RunAutomation(ctx context.Context) (Stats, error) {
	var st Stats
	if p.automation == nil {
		return st, nil
	}
	now := p.clock()
	log := p.log.With("worker", JobAutomation)

	cutoff := now.Add(-p.settings.StaleFollowupAfter)
	fus, err := p.store.ListFollowups(ctx, tasks.FollowupFilter{OpenOnly: true, ScheduledBefore: &cutoff})
	if err != nil {
		return st, err
	}
	for _, f := range fus {
		ev := automation.Event{
			Trigger: automation.TriggerTimeBased,
			LeadID:  f.LeadID,
			CallID:  f.CallID,
			UserID:  f.AssigneeID,
			At:      now,
			Fields: map[string]any{
				"followup_id":     f.ID,
				"followup_status": string(f.Status),
				"followup_type":   string(f.Type),
				"priority":        string(f.Priority),
			},
		}
		if _, err := p.automation.HandleEvent(ctx, ev); err != nil {
			st.Failed++
			log.Error("time-based rules failed", "item_id", f.ID, "err", err)
			continue
		}
		st.Processed++
	}

	n, err := p.automation.SweepInactiveEnrollments(ctx)
	st.Processed += n
	if err != nil {
		return st, err
	}
	return st, nil
}

func (p *Processor) send(ctx context.Context, kind notify.Kind, recipient, entityKind, entityID, subject, body string, data map[string]any, now time.Time) error {
	return p.notifier.Send(ctx, notify.Notification{
		Kind:        kind,
		RecipientID: recipient,
		Subject:     subject,
		Body:        body,
		EntityKind:  entityKind,
		EntityID:    entityID,
		Data:        data,
		CreatedAt:   now,
	})
}

// within reports whether at is set and less than gap before now.
func within(at *time.Time, now time.Time, gap time.Duration) bool {
	return at != nil && now.Sub(*at) < gap
}
