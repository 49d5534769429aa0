package crm

import (
	"context"
	"time"

	"sales-crm/internal/automation"
	"sales-crm/internal/events"
	"sales-crm/internal/tasks"
)

// CreateFollowup validates and stores a followup. ScheduledFor must be in the future.
func (s *Service) CreateFollowup(ctx context.Context, in tasks.Followup) (tasks.Followup, error) {
	now := s.clock()
	in.ID = ""
	if err := in.Validate(now); err != nil {
		return tasks.Followup{}, err
	}
	if in.Status.Terminal() {
		return tasks.Followup{}, tasks.Invalid("status", "a new followup cannot be closed")
	}
	in.RescheduleCount, in.RescheduleHistory = 0, nil
	in.CreatedAt, in.UpdatedAt = now, now

	created, err := s.store.CreateFollowup(ctx, in)
	if err != nil {
		return tasks.Followup{}, err
	}
	s.publish(ctx, events.Event{Type: events.FollowupCreated, ActorID: in.CreatedBy, At: now, Followup: &created})
	return created, nil
}

func (s *Service) GetFollowup(ctx context.Context, id string) (tasks.Followup, error) {
	return s.store.GetFollowup(ctx, id)
}

// RescheduleFollowup moves an open followup and lets its sequence check the reschedule cap.
func (s *Service) RescheduleFollowup(ctx context.Context, id string, to time.Time, reason, userID string) (tasks.Followup, error) {
	f, err := s.store.GetFollowup(ctx, id)
	if err != nil {
		return tasks.Followup{}, err
	}
	now := s.clock()
	from := f.Status
	if err := f.Reschedule(to, reason, userID, now); err != nil {
		return tasks.Followup{}, err
	}
	f.OverdueNotifiedAt = nil
	if err := s.store.UpdateFollowup(ctx, f); err != nil {
		return tasks.Followup{}, err
	}
	s.publish(ctx, events.Event{Type: events.FollowupRescheduled, ActorID: userID, At: now, FromStatus: string(from), Followup: &f})

	if s.sequences != nil {
		if _, err := s.sequences.OnFollowupRescheduled(ctx, f); err != nil {
			s.log.Warn("sequence reschedule check failed", "item_id", f.ID, "err", err)
		}
	}
	return f, nil
}

// CompleteFollowup records the outcome, advances the owning sequence and fires
// followup_completed rules.
func (s *Service) CompleteFollowup(ctx context.Context, id, outcome, notes, userID string) (tasks.Followup, error) {
	f, err := s.store.GetFollowup(ctx, id)
	if err != nil {
		return tasks.Followup{}, err
	}
	now := s.clock()
	from := f.Status
	if err := f.Complete(outcome, notes, userID, now); err != nil {
		return tasks.Followup{}, err
	}
	if err := s.store.UpdateFollowup(ctx, f); err != nil {
		return tasks.Followup{}, err
	}
	s.publish(ctx, events.Event{Type: events.FollowupCompleted, ActorID: userID, At: now, FromStatus: string(from), Followup: &f})

	if s.sequences != nil {
		if _, err := s.sequences.OnFollowupCompleted(ctx, f); err != nil {
			s.log.Warn("sequence advance failed", "item_id", f.ID, "err", err)
		}
	}
	if s.automation != nil {
		ev := automation.Event{
			Trigger: automation.TriggerFollowupCompleted,
			LeadID:  f.LeadID,
			CallID:  f.CallID,
			UserID:  f.AssigneeID,
			At:      now,
			Fields: map[string]any{
				"outcome":       outcome,
				"followup_id":   f.ID,
				"followup_type": string(f.Type),
			},
		}
		if _, err := s.automation.Evaluate(ctx, ev); err != nil {
			s.log.Warn("followup_completed rules failed", "item_id", f.ID, "err", err)
		}
	}
	return f, nil
}

// CancelFollowup closes an open followup without an outcome. Sequence exits use it
// to drop the pending step.
func (s *Service) CancelFollowup(ctx context.Context, id string) error {
	f, err := s.store.GetFollowup(ctx, id)
	if err != nil {
		return err
	}
	now := s.clock()
	from := f.Status
	if err := f.Cancel(now); err != nil {
		return err
	}
	if err := s.store.UpdateFollowup(ctx, f); err != nil {
		return err
	}
	s.publish(ctx, events.Event{Type: events.FollowupCancelled, At: now, FromStatus: string(from), Followup: &f})
	return nil
}

// EscalateFollowup is EscalateTask for followups.
func (s *Service) EscalateFollowup(ctx context.Context, id, escalateTo, reason, actorID string) (tasks.Followup, error) {
	f, err := s.store.GetFollowup(ctx, id)
	if err != nil {
		return tasks.Followup{}, err
	}
	if !f.IsOpen() {
		return tasks.Followup{}, &tasks.TransitionError{Entity: "followup", From: string(f.Status), To: string(f.Status), Reason: "closed followups cannot be escalated"}
	}
	target, err := s.escalationTarget(ctx, f.AssigneeID, escalateTo)
	if err != nil {
		return tasks.Followup{}, err
	}
	now := s.clock()
	at := now
	f.Escalation = tasks.Escalation{
		EscalatedAt: &at,
		EscalatedTo: target,
		EscalatedBy: actorID,
		Reason:      reason,
		Level:       f.Escalation.Level + 1,
	}
	f.UpdatedAt = now
	if err := s.store.UpdateFollowup(ctx, f); err != nil {
		return tasks.Followup{}, err
	}
	s.sendEscalation(ctx, target, "followup", f.ID, f.Title, reason, f.AssigneeID, now)
	s.publish(ctx, events.Event{Type: events.FollowupEscalated, ActorID: actorID, At: now, Followup: &f})
	return f, nil
}
