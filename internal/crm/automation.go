package crm

import (
	"context"
	"errors"
	"time"

	"sales-crm/internal/automation"
	"sales-crm/internal/calls"
	"sales-crm/internal/sequence"
	"sales-crm/internal/tasks"
)

// callClockSkew is how far past the service clock a reported call end may be.
const callClockSkew = time.Minute

var (
	ErrAutomationDisabled = errors.New("crm: automation engine not configured")
	ErrSequencesDisabled  = errors.New("crm: sequence engine not configured")
)

// CallOutcomeResult is what recording a call outcome produced: the rules that
// matched and, when none of them fired, the default task.
type CallOutcomeResult struct {
	Rules []automation.Result `json:"rules,omitempty"`
	Task  *tasks.Task         `json:"task,omitempty"`
}

// CreateTaskFromCallOutcome builds the builtin task for the call's outcome,
// due relative to when the call ended.
func (s *Service) CreateTaskFromCallOutcome(ctx context.Context, call calls.Call, ov automation.TaskOverrides) (tasks.Task, error) {
	outcome := string(call.EffectiveOutcome())
	if outcome == "" {
		return tasks.Task{}, tasks.Invalid("outcome", "is required")
	}
	if call.LeadID == "" {
		return tasks.Task{}, tasks.Invalid("lead_id", "is required")
	}
	at, err := s.callEndedAt(call)
	if err != nil {
		return tasks.Task{}, err
	}

	var tmpl automation.OutcomeTemplate
	if s.automation != nil {
		tmpl = s.automation.Template(outcome)
	} else {
		tmpl = automation.LookupTemplate(outcome)
	}
	t, err := automation.BuildOutcomeTask(tmpl, automation.OutcomeInput{
		CallID:   call.CallID,
		LeadID:   call.LeadID,
		LeadName: call.LeadName,
		UserID:   call.UserID,
		Outcome:  outcome,
		At:       at,
	}, ov, s.hours)
	if err != nil {
		return tasks.Task{}, err
	}
	return s.CreateTask(ctx, t)
}

// RecordCallOutcome runs call_outcome rules for a finished call and falls back
// to the builtin outcome task when no rule fired.
func (s *Service) RecordCallOutcome(ctx context.Context, call calls.Call, ov automation.TaskOverrides) (CallOutcomeResult, error) {
	outcome := call.EffectiveOutcome()
	if outcome == "" {
		return CallOutcomeResult{}, tasks.Invalid("outcome", "is required")
	}
	at, err := s.callEndedAt(call)
	if err != nil {
		return CallOutcomeResult{}, err
	}
	call.EndedAt = at
	ev := automation.Event{
		Trigger:   automation.TriggerCallOutcome,
		LeadID:    call.LeadID,
		LeadName:  call.LeadName,
		CallID:    call.CallID,
		UserID:    call.UserID,
		Territory: call.Territory,
		At:        at,
		Fields: map[string]any{
			"outcome":     string(outcome),
			"call_status": string(call.Status),
		},
	}
	return s.handleCall(ctx, ev, call, ov)
}

// callEndedAt defaults a missing end time to now and rejects one from the future.
func (s *Service) callEndedAt(call calls.Call) (time.Time, error) {
	now := s.clock()
	if call.EndedAt.IsZero() {
		return now, nil
	}
	if call.EndedAt.After(now.Add(callClockSkew)) {
		return time.Time{}, tasks.Invalid("ended_at", "must not be in the future")
	}
	return call.EndedAt, nil
}

func (s *Service) handleCall(ctx context.Context, ev automation.Event, call calls.Call, ov automation.TaskOverrides) (CallOutcomeResult, error) {
	var out CallOutcomeResult
	if s.automation != nil {
		res, err := s.automation.Evaluate(ctx, ev)
		if err != nil {
			return CallOutcomeResult{}, err
		}
		out.Rules = res
		if automation.Fired(res) {
			return out, nil
		}
	}
	t, err := s.CreateTaskFromCallOutcome(ctx, call, ov)
	if err != nil {
		return out, err
	}
	out.Task = &t
	return out, nil
}

// HandleEvent is the generic automation entrypoint. Call events with no
// firing rule get the builtin outcome task.
func (s *Service) HandleEvent(ctx context.Context, ev automation.Event) ([]automation.Result, error) {
	if s.automation == nil {
		return nil, ErrAutomationDisabled
	}
	if ev.Trigger == automation.TriggerCallOutcome || ev.Trigger == automation.TriggerCallCompleted {
		outcome := calls.NormalizeOutcome(ev.Outcome())
		if outcome != "" && ev.LeadID != "" {
			call := calls.Call{
				CallID:    ev.CallID,
				LeadID:    ev.LeadID,
				LeadName:  ev.LeadName,
				UserID:    ev.UserID,
				Territory: ev.Territory,
				Outcome:   outcome,
				EndedAt:   ev.At,
			}
			fields := make(map[string]any, len(ev.Fields))
			for k, v := range ev.Fields {
				fields[k] = v
			}
			fields["outcome"] = string(outcome)
			ev.Fields = fields
			at, err := s.callEndedAt(call)
			if err != nil {
				return nil, err
			}
			ev.At, call.EndedAt = at, at
			res, err := s.handleCall(ctx, ev, call, automation.TaskOverrides{})
			return res.Rules, err
		}
	}
	return s.automation.Evaluate(ctx, ev)
}

func (s *Service) EnrollInSequence(ctx context.Context, req sequence.EnrollRequest) (sequence.Enrollment, error) {
	if s.sequences == nil {
		return sequence.Enrollment{}, ErrSequencesDisabled
	}
	return s.sequences.Enroll(ctx, req)
}

func (s *Service) ExitEnrollment(ctx context.Context, enrollmentID, reason string) (sequence.Enrollment, error) {
	if s.sequences == nil {
		return sequence.Enrollment{}, ErrSequencesDisabled
	}
	return s.sequences.Exit(ctx, enrollmentID, reason)
}

func (s *Service) ConvertEnrollment(ctx context.Context, enrollmentID string) (sequence.Enrollment, error) {
	if s.sequences == nil {
		return sequence.Enrollment{}, ErrSequencesDisabled
	}
	return s.sequences.MarkConverted(ctx, enrollmentID)
}

// SweepInactiveEnrollments exits enrollments idle past their sequence's limit.
func (s *Service) SweepInactiveEnrollments(ctx context.Context) (int, error) {
	if s.sequences == nil {
		return 0, nil
	}
	return s.sequences.SweepInactive(ctx)
}
