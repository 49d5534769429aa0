package crm

import (
	"context"
	"errors"
	"fmt"
	"time"

	"sales-crm/internal/events"
	"sales-crm/internal/notify"
	"sales-crm/internal/tasks"
	"sales-crm/internal/users"
)

// TaskPatch is a partial update. Nil fields are left alone.
type TaskPatch struct {
	Title            *string               `json:"title,omitempty"`
	Description      *string               `json:"description,omitempty"`
	Type             *tasks.TaskType       `json:"type,omitempty"`
	Priority         *tasks.Priority       `json:"priority,omitempty"`
	Status           *tasks.Status         `json:"status,omitempty"`
	DueDate          *time.Time            `json:"due_date,omitempty"`
	EstimatedMinutes *int                  `json:"estimated_minutes,omitempty"`
	Progress         *int                  `json:"progress_percentage,omitempty"`
	Reminder         *tasks.ReminderConfig `json:"reminder,omitempty"`
}

// CreateTask validates and stores a new task. Blockers must exist; ones that
// are already completed are dropped, and a pending task with open blockers
// starts out blocked.
func (s *Service) CreateTask(ctx context.Context, in tasks.Task) (tasks.Task, error) {
	now := s.clock()
	in.ID = ""
	if err := in.Validate(); err != nil {
		return tasks.Task{}, err
	}
	if in.Status == tasks.StatusCompleted {
		return tasks.Task{}, tasks.Invalid("status", "a new task cannot be completed")
	}
	if in.ParentID != "" {
		if _, err := s.store.GetTask(ctx, in.ParentID); err != nil {
			return tasks.Task{}, s.reference(err, "parent_id")
		}
	}
	var open []string
	for _, id := range in.BlockedBy {
		b, err := s.store.GetTask(ctx, id)
		if err != nil {
			return tasks.Task{}, s.reference(err, "blocked_by")
		}
		if b.Status != tasks.StatusCompleted {
			open = append(open, id)
		}
	}
	in.BlockedBy = open
	if len(open) > 0 && in.Status == tasks.StatusPending {
		in.Status = tasks.StatusBlocked
	}
	in.CreatedAt, in.UpdatedAt = now, now

	created, err := s.store.CreateTask(ctx, in)
	if err != nil {
		return tasks.Task{}, err
	}
	s.publish(ctx, events.Event{Type: events.TaskCreated, ActorID: in.CreatorID, At: now, Task: &created})
	return created, nil
}

// reference turns a missing referenced entity into a validation error on field.
func (s *Service) reference(err error, field string) error {
	if errors.Is(err, tasks.ErrNotFound) {
		return tasks.Invalid(field, "references an unknown task")
	}
	return err
}

func (s *Service) GetTask(ctx context.Context, id string) (tasks.Task, error) {
	return s.store.GetTask(ctx, id)
}

func (s *Service) ListTasksByLead(ctx context.Context, leadID string) ([]tasks.Task, error) {
	return s.store.ListTasksByLead(ctx, leadID)
}

// UpdateTask applies patch. A status change goes through the state machine;
// nothing is written when it is rejected.
func (s *Service) UpdateTask(ctx context.Context, id string, patch TaskPatch, actorID string) (tasks.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	now := s.clock()
	from := t.Status

	if patch.Status != nil && *patch.Status != t.Status {
		if *patch.Status == tasks.StatusCompleted {
			if err := t.MarkCompleted("", "", actorID, now); err != nil {
				return tasks.Task{}, err
			}
		} else if err := t.Transition(*patch.Status, now); err != nil {
			return tasks.Task{}, err
		}
	}
	if patch.Title != nil {
		t.Title = *patch.Title
	}
	if patch.Description != nil {
		t.Description = *patch.Description
	}
	if patch.Type != nil {
		t.Type = *patch.Type
	}
	if patch.Priority != nil {
		t.Priority = *patch.Priority
	}
	if patch.DueDate != nil && (t.DueDate == nil || !t.DueDate.Equal(*patch.DueDate)) {
		due := *patch.DueDate
		t.DueDate = &due
		t.ReminderSentAt, t.OverdueNotifiedAt = nil, nil
	}
	if patch.EstimatedMinutes != nil {
		t.EstimatedMinutes = *patch.EstimatedMinutes
	}
	if patch.Progress != nil && t.Status != tasks.StatusCompleted {
		t.Progress = *patch.Progress
	}
	if patch.Reminder != nil {
		t.Reminder = *patch.Reminder
	}
	if err := t.Validate(); err != nil {
		return tasks.Task{}, err
	}
	t.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return tasks.Task{}, err
	}

	switch {
	case t.Status == tasks.StatusCompleted && from != tasks.StatusCompleted:
		s.publish(ctx, events.Event{Type: events.TaskCompleted, ActorID: actorID, At: now, FromStatus: string(from), Task: &t})
		s.afterTaskCompleted(ctx, t, actorID)
	case t.Status != from:
		s.publish(ctx, events.Event{Type: events.TaskStatusChanged, ActorID: actorID, At: now, FromStatus: string(from), Task: &t})
	default:
		s.publish(ctx, events.Event{Type: events.TaskUpdated, ActorID: actorID, At: now, Task: &t})
	}
	return t, nil
}

// AssignTask hands an open task to userID, who must be an active user.
func (s *Service) AssignTask(ctx context.Context, id, userID, assignedBy string) (tasks.Task, error) {
	if userID == "" {
		return tasks.Task{}, tasks.Invalid("user_id", "is required")
	}
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	if !t.IsOpen() {
		return tasks.Task{}, &tasks.TransitionError{Entity: "task", From: string(t.Status), To: string(t.Status), Reason: "closed tasks cannot be reassigned"}
	}
	if s.users != nil {
		u, err := s.users.GetUser(ctx, userID)
		if err != nil || !u.Active {
			return tasks.Task{}, tasks.Invalid("user_id", "is not an active user")
		}
	}
	prev := t.AssigneeID
	now := s.clock()
	t.AssigneeID = userID
	t.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return tasks.Task{}, err
	}
	s.publish(ctx, events.Event{Type: events.TaskAssigned, ActorID: assignedBy, At: now, FromAssignee: prev, Task: &t})
	return t, nil
}

// StartTask moves the task to in_progress. It fails while the task is blocked.
// An unassigned task is taken by userID.
func (s *Service) StartTask(ctx context.Context, id, userID string) (tasks.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	now := s.clock()
	from := t.Status
	if err := t.Transition(tasks.StatusInProgress, now); err != nil {
		return tasks.Task{}, err
	}
	if t.AssigneeID == "" {
		t.AssigneeID = userID
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return tasks.Task{}, err
	}
	s.publish(ctx, events.Event{Type: events.TaskStatusChanged, ActorID: userID, At: now, FromStatus: string(from), Task: &t})
	return t, nil
}

// CompleteTask completes an in-progress task, then unblocks its dependents,
// completes the linked followup (advancing any sequence) and schedules the
// next occurrence of a recurring task.
func (s *Service) CompleteTask(ctx context.Context, id, outcome, notes, userID string) (tasks.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	now := s.clock()
	from := t.Status
	if err := t.MarkCompleted(outcome, notes, userID, now); err != nil {
		return tasks.Task{}, err
	}
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return tasks.Task{}, err
	}
	s.publish(ctx, events.Event{Type: events.TaskCompleted, ActorID: userID, At: now, FromStatus: string(from), Task: &t})
	s.afterTaskCompleted(ctx, t, userID)
	return t, nil
}

func (s *Service) afterTaskCompleted(ctx context.Context, t tasks.Task, actorID string) {
	s.unblockDependents(ctx, t.ID, actorID)

	if t.FollowupID != "" {
		f, err := s.store.GetFollowup(ctx, t.FollowupID)
		switch {
		case err != nil:
			s.log.Warn("linked followup lookup failed", "item_id", t.ID, "followup_id", t.FollowupID, "err", err)
		case f.IsOpen():
			if _, err := s.CompleteFollowup(ctx, f.ID, t.Outcome, t.OutcomeNotes, actorID); err != nil {
				s.log.Warn("linked followup not completed", "item_id", t.ID, "followup_id", f.ID, "err", err)
			}
		}
	}

	if t.Recurrence != nil && t.DueDate != nil {
		next, ok := t.Recurrence.Next(*t.DueDate)
		if !ok {
			return
		}
		occ := tasks.Task{
			Title:            t.Title,
			Description:      t.Description,
			Type:             t.Type,
			Priority:         t.Priority,
			AssigneeID:       t.AssigneeID,
			CreatorID:        t.CreatorID,
			LeadID:           t.LeadID,
			ParentID:         t.ParentID,
			EstimatedMinutes: t.EstimatedMinutes,
			DueDate:          &next,
			Recurrence:       t.Recurrence,
			Reminder:         t.Reminder,
			Watchers:         t.Watchers,
			Collaborators:    t.Collaborators,
		}
		if _, err := s.CreateTask(ctx, occ); err != nil {
			s.log.Warn("next occurrence not created", "item_id", t.ID, "err", err)
		}
	}
}

// unblockDependents removes blockerID from every task it blocks. A blocked
// dependent with no blockers left goes back to pending.
func (s *Service) unblockDependents(ctx context.Context, blockerID, actorID string) {
	deps, err := s.store.ListTasks(ctx, tasks.TaskFilter{BlockedBy: blockerID})
	if err != nil {
		s.log.Error("dependent lookup failed", "item_id", blockerID, "err", err)
		return
	}
	now := s.clock()
	for _, d := range deps {
		if !d.Unblock(blockerID) {
			continue
		}
		from := d.Status
		if len(d.BlockedBy) == 0 && d.Status == tasks.StatusBlocked {
			if err := d.Transition(tasks.StatusPending, now); err != nil {
				s.log.Warn("dependent not reopened", "item_id", d.ID, "err", err)
			}
		}
		d.UpdatedAt = now
		if err := s.store.UpdateTask(ctx, d); err != nil {
			s.log.Error("dependent not unblocked", "item_id", d.ID, "blocker_id", blockerID, "err", err)
			continue
		}
		typ := events.TaskUpdated
		if d.Status != from {
			typ = events.TaskStatusChanged
		}
		dep := d
		s.publish(ctx, events.Event{Type: typ, ActorID: actorID, At: now, FromStatus: string(from), Task: &dep})
	}
}

// EscalateTask records an escalation and notifies the target. An empty
// escalateTo resolves to the assignee's manager; when there is none the call
// fails with ErrEscalationTargetUnresolvable and nothing changes.
func (s *Service) EscalateTask(ctx context.Context, id, escalateTo, reason, actorID string) (tasks.Task, error) {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	if !t.IsOpen() {
		return tasks.Task{}, &tasks.TransitionError{Entity: "task", From: string(t.Status), To: string(t.Status), Reason: "closed tasks cannot be escalated"}
	}
	target, err := s.escalationTarget(ctx, t.AssigneeID, escalateTo)
	if err != nil {
		return tasks.Task{}, err
	}
	now := s.clock()
	at := now
	t.Escalation = tasks.Escalation{
		EscalatedAt: &at,
		EscalatedTo: target,
		EscalatedBy: actorID,
		Reason:      reason,
		Level:       t.Escalation.Level + 1,
	}
	t.AddWatcher(target)
	t.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return tasks.Task{}, err
	}
	s.sendEscalation(ctx, target, "task", t.ID, t.Title, reason, t.AssigneeID, now)
	s.publish(ctx, events.Event{Type: events.TaskEscalated, ActorID: actorID, At: now, Task: &t})
	return t, nil
}

func (s *Service) escalationTarget(ctx context.Context, assigneeID, explicit string) (string, error) {
	if explicit != "" {
		if s.users != nil {
			if _, err := s.users.GetUser(ctx, explicit); err != nil {
				return "", tasks.Invalid("escalate_to", "is not a known user")
			}
		}
		return explicit, nil
	}
	if assigneeID == "" || s.users == nil {
		return "", tasks.ErrEscalationTargetUnresolvable
	}
	m, err := users.ManagerOf(ctx, s.users, assigneeID)
	if err != nil {
		return "", fmt.Errorf("%w: %s: %v", tasks.ErrEscalationTargetUnresolvable, assigneeID, err)
	}
	return m.ID, nil
}

func (s *Service) sendEscalation(ctx context.Context, to, kind, id, title, reason, assigneeID string, now time.Time) {
	if s.notifier == nil {
		return
	}
	err := s.notifier.Send(ctx, notify.Notification{
		Kind:        notify.KindEscalation,
		RecipientID: to,
		Subject:     fmt.Sprintf("Escalated %s: %s", kind, title),
		Body:        reason,
		EntityKind:  kind,
		EntityID:    id,
		Data:        map[string]any{"assignee_id": assigneeID, "reason": reason},
		CreatedAt:   now,
	})
	if err != nil {
		s.log.Warn("escalation notification failed", "item_id", id, "err", err)
	}
}

// DeleteTask soft-deletes the task and releases anything it was blocking.
func (s *Service) DeleteTask(ctx context.Context, id, userID string) error {
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock()
	at := now
	t.DeletedAt = &at
	t.UpdatedAt = now
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return err
	}
	s.publish(ctx, events.Event{Type: events.TaskDeleted, ActorID: userID, At: now, FromStatus: string(t.Status), Task: &t})
	s.unblockDependents(ctx, t.ID, userID)
	return nil
}

func (s *Service) AddWatcher(ctx context.Context, id, userID, actorID string) (tasks.Task, error) {
	return s.addPerson(ctx, id, userID, actorID, (*tasks.Task).AddWatcher)
}

func (s *Service) AddCollaborator(ctx context.Context, id, userID, actorID string) (tasks.Task, error) {
	return s.addPerson(ctx, id, userID, actorID, (*tasks.Task).AddCollaborator)
}

func (s *Service) addPerson(ctx context.Context, id, userID, actorID string, add func(*tasks.Task, string) bool) (tasks.Task, error) {
	if userID == "" {
		return tasks.Task{}, tasks.Invalid("user_id", "is required")
	}
	t, err := s.store.GetTask(ctx, id)
	if err != nil {
		return tasks.Task{}, err
	}
	if !add(&t, userID) {
		return t, nil
	}
	t.UpdatedAt = s.clock()
	if err := s.store.UpdateTask(ctx, t); err != nil {
		return tasks.Task{}, err
	}
	s.publish(ctx, events.Event{Type: events.TaskUpdated, ActorID: actorID, Task: &t})
	return t, nil
}

// GetNextTask returns the assignee's top-ranked open task. Index entries
// whose task has since disappeared are dropped on the way.
func (s *Service) GetNextTask(ctx context.Context, userID string) (tasks.Task, bool, error) {
	for i := 0; i < 16; i++ {
		e, ok := s.index.Next(userID)
		if !ok {
			return tasks.Task{}, false, nil
		}
		t, err := s.store.GetTask(ctx, e.TaskID)
		if errors.Is(err, tasks.ErrNotFound) {
			s.index.Remove(e.TaskID, userID)
			continue
		}
		if err != nil {
			return tasks.Task{}, false, err
		}
		if !t.IsOpen() || t.AssigneeID != userID {
			s.index.Index(t)
			continue
		}
		return t, true, nil
	}
	return tasks.Task{}, false, nil
}
