package crm

import (
	"context"
	"log/slog"
	"time"

	"sales-crm/internal/audit"
	"sales-crm/internal/automation"
	"sales-crm/internal/events"
	"sales-crm/internal/notify"
	"sales-crm/internal/priority"
	"sales-crm/internal/schedule"
	"sales-crm/internal/sequence"
	"sales-crm/internal/tasks"
	"sales-crm/internal/users"
)

// Store is the task and followup persistence the service needs.
type Store interface {
	CreateTask(ctx context.Context, t tasks.Task) (tasks.Task, error)
	GetTask(ctx context.Context, id string) (tasks.Task, error)
	UpdateTask(ctx context.Context, t tasks.Task) error
	ListTasks(ctx context.Context, f tasks.TaskFilter) ([]tasks.Task, error)
	ListOpenTasks(ctx context.Context) ([]tasks.Task, error)
	ListTasksByLead(ctx context.Context, leadID string) ([]tasks.Task, error)

	CreateFollowup(ctx context.Context, f tasks.Followup) (tasks.Followup, error)
	GetFollowup(ctx context.Context, id string) (tasks.Followup, error)
	UpdateFollowup(ctx context.Context, f tasks.Followup) error
	ListFollowups(ctx context.Context, f tasks.FollowupFilter) ([]tasks.Followup, error)
}

// Deps are the collaborators a Service is built from. Store is required;
// everything else has a working default.
type Deps struct {
	Store    Store
	Users    users.Directory
	Notifier notify.Dispatcher
	Bus      *events.Bus
	Index    *priority.Scheduler
	Audit    *audit.Service
	Logger   *slog.Logger
	Hours    schedule.BusinessHours
}

// Service is the task and followup API the HTTP layer and the workers call.
// Every change is written to the store first and then published on the bus;
// the priority index, audit trail and assignment notifications hang off the bus.
type Service struct {
	store    Store
	users    users.Directory
	notifier notify.Dispatcher
	bus      *events.Bus
	index    *priority.Scheduler
	audit    *audit.Service

	automation *automation.Engine
	sequences  *sequence.Engine

	hours schedule.BusinessHours
	clock func() time.Time
	log   *slog.Logger
}

func NewService(d Deps) *Service {
	s := &Service{
		store:    d.Store,
		users:    d.Users,
		notifier: d.Notifier,
		bus:      d.Bus,
		index:    d.Index,
		audit:    d.Audit,
		hours:    d.Hours,
		clock:    time.Now,
		log:      d.Logger,
	}
	if s.bus == nil {
		s.bus = events.NewBus()
	}
	if s.index == nil {
		s.index = priority.NewScheduler()
	}
	if s.log == nil {
		s.log = slog.Default()
	}
	if s.hours == (schedule.BusinessHours{}) {
		s.hours = schedule.DefaultBusinessHours()
	}
	s.subscribe()
	return s
}

// WithAutomation attaches the rule engine. The engine should create its
// followups through this service so they are indexed and audited.
func (s *Service) WithAutomation(e *automation.Engine) *Service {
	s.automation = e
	return s
}

func (s *Service) WithSequences(e *sequence.Engine) *Service {
	s.sequences = e
	return s
}

func (s *Service) WithClock(clock func() time.Time) *Service {
	s.clock = clock
	return s
}

func (s *Service) Bus() *events.Bus { return s.bus }

func (s *Service) Index() *priority.Scheduler { return s.index }

// Rebuild reconstructs the priority index from the store.
func (s *Service) Rebuild(ctx context.Context) error {
	return s.index.RebuildFrom(ctx, s.store)
}

func (s *Service) publish(ctx context.Context, e events.Event) {
	if e.At.IsZero() {
		e.At = s.clock()
	}
	if err := s.bus.Publish(ctx, e); err != nil {
		s.log.Warn("event handler failed", "event", e.Type, "item_id", e.EntityID(), "err", err)
	}
}

func (s *Service) subscribe() {
	s.bus.Subscribe(s.onTaskChanged,
		events.TaskCreated, events.TaskUpdated, events.TaskAssigned, events.TaskStatusChanged,
		events.TaskCompleted, events.TaskEscalated, events.TaskDeleted)
	s.bus.Subscribe(s.onAudit)
	s.bus.Subscribe(s.onAssignment, events.TaskAssigned, events.FollowupCreated)
}

func (s *Service) onTaskChanged(ctx context.Context, e events.Event) error {
	if e.Task != nil {
		s.index.Index(*e.Task)
	}
	return nil
}

// onAudit never fails the publisher; audit is best-effort.
func (s *Service) onAudit(ctx context.Context, e events.Event) error {
	if s.audit == nil {
		return nil
	}
	rec := audit.Event{ActorUserID: e.ActorID, FromStatus: e.FromStatus, CreatedAt: e.At}
	switch {
	case e.Task != nil:
		rec.EntityKind, rec.EntityID, rec.LeadID, rec.ToStatus = audit.EntityTask, e.Task.ID, e.Task.LeadID, string(e.Task.Status)
	case e.Followup != nil:
		rec.EntityKind, rec.EntityID, rec.LeadID, rec.ToStatus = audit.EntityFollowup, e.Followup.ID, e.Followup.LeadID, string(e.Followup.Status)
	default:
		return nil
	}
	switch e.Type {
	case events.TaskStatusChanged, events.TaskCompleted, events.FollowupCompleted, events.FollowupCancelled:
		rec.Type = audit.EventTypeStatusChanged
	case events.TaskAssigned:
		rec.Type = audit.EventTypeAssigned
		rec.Message = "assigned from " + e.FromAssignee + " to " + e.Task.AssigneeID
	case events.TaskEscalated:
		rec.Type = audit.EventTypeEscalated
		rec.Message = e.Task.Escalation.Reason
	case events.FollowupEscalated:
		rec.Type = audit.EventTypeEscalated
		rec.Message = e.Followup.Escalation.Reason
	case events.FollowupRescheduled:
		rec.Type = audit.EventTypeRescheduled
		rec.Message = "rescheduled to " + e.Followup.ScheduledFor.UTC().Format(time.RFC3339)
	case events.TaskDeleted:
		rec.Type = audit.EventTypeDeleted
	default:
		return nil
	}
	if err := s.audit.Append(ctx, rec); err != nil {
		s.log.Warn("audit append failed", "item_id", rec.EntityID, "err", err)
	}
	return nil
}

// onAssignment tells the new owner about reassigned tasks and about
// followups generated for them by rules or sequences.
func (s *Service) onAssignment(ctx context.Context, e events.Event) error {
	if s.notifier == nil {
		return nil
	}
	n := notify.Notification{Kind: notify.KindAssignment, CreatedAt: e.At}
	switch {
	case e.Type == events.TaskAssigned && e.Task != nil:
		if e.Task.AssigneeID == "" || e.Task.AssigneeID == e.ActorID {
			return nil
		}
		n.RecipientID, n.EntityKind, n.EntityID = e.Task.AssigneeID, "task", e.Task.ID
		n.Subject = "Task assigned to you: " + e.Task.Title
		n.Data = map[string]any{"assigned_by": e.ActorID, "lead_id": e.Task.LeadID}
	case e.Type == events.FollowupCreated && e.Followup != nil:
		link := e.Followup.Automation
		if link.RuleID == "" && link.SequenceID == "" {
			return nil
		}
		n.RecipientID, n.EntityKind, n.EntityID = e.Followup.AssigneeID, "followup", e.Followup.ID
		n.Subject = "New followup: " + e.Followup.Title
		n.Data = map[string]any{"lead_id": e.Followup.LeadID, "scheduled_for": e.Followup.ScheduledFor}
	default:
		return nil
	}
	if err := s.notifier.Send(ctx, n); err != nil {
		s.log.Warn("assignment notification failed", "item_id", n.EntityID, "err", err)
	}
	return nil
}
