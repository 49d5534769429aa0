package reporting

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"sales-crm/internal/automation"
	"sales-crm/internal/sequence"
	"sales-crm/internal/tasks"
)

var ErrInvalidRequest = errors.New("reporting: invalid request")

// Repository abstracts data access for reporting. The Entity Store satisfies it.
type Repository interface {
	ListTasks(ctx context.Context, f tasks.TaskFilter) ([]tasks.Task, error)
	ListFollowups(ctx context.Context, f tasks.FollowupFilter) ([]tasks.Followup, error)
}

type Service struct {
	repo  Repository
	loc   *time.Location
	clock func() time.Time
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo, loc: time.UTC, clock: time.Now}
}

// WithLocation sets the zone "today" is computed in.
func (s *Service) WithLocation(loc *time.Location) *Service {
	if loc != nil {
		s.loc = loc
	}
	return s
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

// Workload summarizes userID's open tasks and followups.
func (s *Service) Workload(ctx context.Context, userID string) (WorkloadSummary, error) {
	if userID == "" {
		return WorkloadSummary{}, ErrInvalidRequest
	}
	if s.repo == nil {
		return WorkloadSummary{}, errors.New("reporting: repository not configured")
	}
	now := s.clock()
	local := now.In(s.loc)
	endOfDay := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, s.loc).AddDate(0, 0, 1)

	open, err := s.repo.ListTasks(ctx, tasks.TaskFilter{AssigneeID: userID, OpenOnly: true})
	if err != nil {
		return WorkloadSummary{}, err
	}
	fus, err := s.repo.ListFollowups(ctx, tasks.FollowupFilter{AssigneeID: userID, OpenOnly: true, ScheduledBefore: &endOfDay})
	if err != nil {
		return WorkloadSummary{}, err
	}

	out := WorkloadSummary{UserID: userID, GeneratedAt: now, OpenTasks: len(open)}
	for _, t := range open {
		if t.Priority == tasks.PriorityUrgent {
			out.UrgentTasks++
		}
		if t.Status == tasks.StatusBlocked {
			out.BlockedTasks++
		}
		if t.DueDate == nil || !t.DueDate.Before(endOfDay) {
			continue
		}
		overdue := t.DueDate.Before(now)
		if overdue {
			out.TasksOverdue++
		} else {
			out.TasksDueToday++
		}
		out.Items = append(out.Items, Item{Kind: "task", ID: t.ID, Title: t.Title, Priority: t.Priority, Due: *t.DueDate, Overdue: overdue})
	}
	for _, f := range fus {
		overdue := f.ScheduledFor.Before(now)
		if overdue {
			out.FollowupsOverdue++
		} else {
			out.FollowupsToday++
		}
		out.Items = append(out.Items, Item{Kind: "followup", ID: f.ID, Title: f.Title, Priority: f.Priority, Due: f.ScheduledFor, Overdue: overdue})
	}
	sort.SliceStable(out.Items, func(i, j int) bool {
		a, b := out.Items[i], out.Items[j]
		if a.Overdue != b.Overdue {
			return a.Overdue
		}
		if a.Priority.Weight() != b.Priority.Weight() {
			return a.Priority.Weight() > b.Priority.Weight()
		}
		return a.Due.Before(b.Due)
	})
	return out, nil
}

// FormatDigest renders the summary as a notification subject and plain-text body.
func FormatDigest(w WorkloadSummary, maxItems int) (subject, body string) {
	subject = fmt.Sprintf("Today: %d due, %d overdue", w.TasksDueToday+w.FollowupsToday, w.TasksOverdue+w.FollowupsOverdue)

	var b strings.Builder
	fmt.Fprintf(&b, "Open tasks: %d (urgent %d, blocked %d)\n", w.OpenTasks, w.UrgentTasks, w.BlockedTasks)
	fmt.Fprintf(&b, "Tasks due today: %d, overdue: %d\n", w.TasksDueToday, w.TasksOverdue)
	fmt.Fprintf(&b, "Followups today: %d, overdue: %d\n", w.FollowupsToday, w.FollowupsOverdue)
	for i, it := range w.Items {
		if maxItems > 0 && i == maxItems {
			fmt.Fprintf(&b, "... and %d more\n", len(w.Items)-maxItems)
			break
		}
		flag := ""
		if it.Overdue {
			flag = " [overdue]"
		}
		fmt.Fprintf(&b, "- %s %s (%s, %s)%s\n", it.Kind, it.Title, it.Priority, it.Due.Format(time.RFC3339), flag)
	}
	return subject, strings.TrimSpace(b.String())
}

func SequenceMetricsFor(seq sequence.Sequence) SequenceMetrics {
	return SequenceMetrics{
		SequenceID:     seq.ID,
		Name:           seq.Name,
		Enrollments:    seq.EnrollmentCount,
		Completions:    seq.CompletionCount,
		Conversions:    seq.ConversionCount,
		CompletionRate: seq.CompletionRate(),
		ConversionRate: seq.ConversionRate(),
	}
}

func RuleMetricsFor(r automation.Rule) RuleMetrics {
	out := RuleMetrics{
		RuleID:       r.ID,
		Name:         r.Name,
		Executions:   r.ExecutionCount,
		Successes:    r.SuccessCount,
		LastExecuted: r.LastExecuted,
	}
	if r.ExecutionCount > 0 {
		out.SuccessRate = float64(r.SuccessCount) / float64(r.ExecutionCount)
	}
	return out
}
