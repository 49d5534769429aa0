package sequence

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"sales-crm/internal/automation"
	"sales-crm/internal/schedule"
	"sales-crm/internal/tasks"
)

// Counter names a sequence-level counter the store bumps atomically.
type Counter string

const (
	CounterEnrollment Counter = "enrollment_count"
	CounterCompletion Counter = "completion_count"
	CounterConversion Counter = "conversion_count"
)

// Store is the persistence the engine needs.
type Store interface {
	GetSequence(ctx context.Context, id string) (Sequence, error)
	IncrementSequenceCounter(ctx context.Context, sequenceID string, c Counter) error

	CreateEnrollment(ctx context.Context, e Enrollment) (Enrollment, error)
	GetEnrollment(ctx context.Context, id string) (Enrollment, error)
	UpdateEnrollment(ctx context.Context, e Enrollment) error
	FindActiveEnrollment(ctx context.Context, sequenceID, leadID string) (Enrollment, bool, error)
	ListActiveEnrollments(ctx context.Context) ([]Enrollment, error)
}

// Followups creates step followups and cancels the open one on exit.
type Followups interface {
	CreateFollowup(ctx context.Context, f tasks.Followup) (tasks.Followup, error)
	CancelFollowup(ctx context.Context, id string) error
}

// EnrollRequest starts a lead on a sequence. StartStep defaults to 1.
type EnrollRequest struct {
	SequenceID string `json:"sequence_id"`
	LeadID     string `json:"lead_id"`
	LeadName   string `json:"lead_name,omitempty"`
	UserID     string `json:"user_id"`
	StartStep  int    `json:"start_step,omitempty"`
}

type Engine struct {
	store     Store
	followups Followups
	hours     schedule.BusinessHours
	clock     func() time.Time
	log       *slog.Logger
}

func NewEngine(store Store, followups Followups) *Engine {
	return &Engine{
		store:     store,
		followups: followups,
		hours:     schedule.DefaultBusinessHours(),
		clock:     time.Now,
		log:       slog.Default(),
	}
}

func (e *Engine) WithClock(clock func() time.Time) *Engine {
	e.clock = clock
	return e
}

func (e *Engine) WithBusinessHours(h schedule.BusinessHours) *Engine {
	e.hours = h
	return e
}

func (e *Engine) WithLogger(l *slog.Logger) *Engine {
	if l != nil {
		e.log = l
	}
	return e
}

// Enroll creates an enrollment, bumps the sequence's enrollment count and
// materializes the starting step's followup.
func (e *Engine) Enroll(ctx context.Context, req EnrollRequest) (Enrollment, error) {
	if req.LeadID == "" {
		return Enrollment{}, tasks.Invalid("lead_id", "is required")
	}
	if req.UserID == "" {
		return Enrollment{}, tasks.Invalid("user_id", "is required")
	}
	if req.StartStep == 0 {
		req.StartStep = 1
	}

	seq, err := e.store.GetSequence(ctx, req.SequenceID)
	if err != nil {
		return Enrollment{}, err
	}
	if !seq.IsActive || seq.DeletedAt != nil {
		return Enrollment{}, fmt.Errorf("%w: %s", ErrSequenceInactive, seq.ID)
	}
	step, ok := seq.Step(req.StartStep)
	if !ok {
		return Enrollment{}, tasks.Invalid("start_step", fmt.Sprintf("sequence has no step %d", req.StartStep))
	}
	if _, found, err := e.store.FindActiveEnrollment(ctx, seq.ID, req.LeadID); err != nil {
		return Enrollment{}, err
	} else if found {
		return Enrollment{}, fmt.Errorf("%w: lead %s in %s", ErrAlreadyEnrolled, req.LeadID, seq.ID)
	}

	now := e.clock()
	enr, err := e.store.CreateEnrollment(ctx, Enrollment{
		SequenceID:     seq.ID,
		LeadID:         req.LeadID,
		LeadName:       req.LeadName,
		UserID:         req.UserID,
		CurrentStep:    step.Order,
		Status:         EnrollmentActive,
		EnrolledAt:     now,
		LastActivityAt: now,
	})
	if err != nil {
		return Enrollment{}, err
	}
	if err := e.store.IncrementSequenceCounter(ctx, seq.ID, CounterEnrollment); err != nil {
		return Enrollment{}, err
	}

	f, err := e.materialize(ctx, seq, enr, step, now)
	if err != nil {
		return Enrollment{}, err
	}
	enr.CurrentFollowupID = f.ID
	if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
		return Enrollment{}, err
	}
	e.log.Info("lead enrolled in sequence", "sequence_id", seq.ID, "enrollment_id", enr.ID, "lead_id", enr.LeadID, "followup_id", f.ID)
	return enr, nil
}

// OnFollowupCompleted advances the enrollment owning f. Followups that are
// not sequence steps, or are stale steps, are ignored.
func (e *Engine) OnFollowupCompleted(ctx context.Context, f tasks.Followup) (Enrollment, error) {
	enr, seq, ok, err := e.load(ctx, f)
	if err != nil || !ok {
		return enr, err
	}
	now := e.clock()
	if enr.CurrentFollowupID == f.ID {
		enr.CurrentFollowupID = ""
	}
	enr.LastActivityAt = now

	if reason := CheckExit(seq, enr, f, now); reason != "" {
		return e.exit(ctx, enr, reason, now)
	}

	next, ok := seq.GetNextStep(enr.CurrentStep)
	if !ok {
		done := now
		enr.Status = EnrollmentCompleted
		enr.CompletedAt = &done
		enr.CurrentFollowupID = ""
		if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
			return Enrollment{}, err
		}
		if err := e.store.IncrementSequenceCounter(ctx, seq.ID, CounterCompletion); err != nil {
			return Enrollment{}, err
		}
		e.log.Info("sequence enrollment completed", "sequence_id", seq.ID, "enrollment_id", enr.ID)
		return enr, nil
	}

	base := now
	if f.CompletedAt != nil {
		base = *f.CompletedAt
	}
	created, err := e.materialize(ctx, seq, enr, next, base)
	if err != nil {
		return Enrollment{}, err
	}
	enr.CurrentStep = next.Order
	enr.CurrentFollowupID = created.ID
	if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
		return Enrollment{}, err
	}
	return enr, nil
}

// OnFollowupRescheduled exits the enrollment when the step's followup has been
// pushed back more often than the sequence allows.
func (e *Engine) OnFollowupRescheduled(ctx context.Context, f tasks.Followup) (Enrollment, error) {
	enr, seq, ok, err := e.load(ctx, f)
	if err != nil || !ok {
		return enr, err
	}
	now := e.clock()
	enr.LastActivityAt = now
	if reason := CheckExit(seq, enr, f, now); reason != "" {
		return e.exit(ctx, enr, reason, now)
	}
	return enr, e.store.UpdateEnrollment(ctx, enr)
}

// CheckExit returns the exit reason for enr given the latest step followup, or "".
func CheckExit(seq Sequence, enr Enrollment, f tasks.Followup, now time.Time) string {
	if f.Status == tasks.FollowupCompleted && f.Outcome != "" {
		for _, o := range seq.Exit.Outcomes {
			if o == f.Outcome {
				return ExitOutcome + ":" + o
			}
		}
	}
	if seq.Exit.MaxReschedules > 0 && f.RescheduleCount > seq.Exit.MaxReschedules {
		return ExitRescheduleCap
	}
	if Inactive(seq, enr, now) {
		return ExitInactive
	}
	return ""
}

// Inactive reports whether enr has seen no activity for longer than the sequence allows.
func Inactive(seq Sequence, enr Enrollment, now time.Time) bool {
	if seq.Exit.InactiveDays <= 0 || enr.LastActivityAt.IsZero() {
		return false
	}
	return now.Sub(enr.LastActivityAt) > time.Duration(seq.Exit.InactiveDays)*24*time.Hour
}

// Exit forces an active enrollment to exited and cancels its open followup.
func (e *Engine) Exit(ctx context.Context, enrollmentID, reason string) (Enrollment, error) {
	enr, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return Enrollment{}, err
	}
	if enr.Status != EnrollmentActive {
		return Enrollment{}, &tasks.TransitionError{Entity: "enrollment", From: string(enr.Status), To: string(EnrollmentExited), Reason: "enrollment is not active"}
	}
	if reason == "" {
		reason = ExitManual
	}
	return e.exit(ctx, enr, reason, e.clock())
}

// SweepInactive exits every active enrollment past its sequence's inactivity
// limit and returns how many were exited.
func (e *Engine) SweepInactive(ctx context.Context) (int, error) {
	list, err := e.store.ListActiveEnrollments(ctx)
	if err != nil {
		return 0, err
	}
	now := e.clock()
	seqs := map[string]Sequence{}
	exited := 0
	for _, enr := range list {
		seq, ok := seqs[enr.SequenceID]
		if !ok {
			seq, err = e.store.GetSequence(ctx, enr.SequenceID)
			if err != nil {
				e.log.Error("sequence lookup failed", "item_id", enr.ID, "sequence_id", enr.SequenceID, "error", err)
				continue
			}
			seqs[seq.ID] = seq
		}
		if !Inactive(seq, enr, now) {
			continue
		}
		if _, err := e.exit(ctx, enr, ExitInactive, now); err != nil {
			e.log.Error("inactive enrollment exit failed", "item_id", enr.ID, "error", err)
			continue
		}
		exited++
	}
	return exited, nil
}

// MarkConverted flags the enrollment's lead as converted. The conversion is
// counted once per enrollment.
func (e *Engine) MarkConverted(ctx context.Context, enrollmentID string) (Enrollment, error) {
	enr, err := e.store.GetEnrollment(ctx, enrollmentID)
	if err != nil {
		return Enrollment{}, err
	}
	if enr.Converted {
		return enr, nil
	}
	enr.Converted = true
	enr.LastActivityAt = e.clock()
	if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
		return Enrollment{}, err
	}
	if err := e.store.IncrementSequenceCounter(ctx, enr.SequenceID, CounterConversion); err != nil {
		return Enrollment{}, err
	}
	return enr, nil
}

func (e *Engine) load(ctx context.Context, f tasks.Followup) (Enrollment, Sequence, bool, error) {
	if f.Automation.EnrollmentID == "" {
		return Enrollment{}, Sequence{}, false, nil
	}
	enr, err := e.store.GetEnrollment(ctx, f.Automation.EnrollmentID)
	if err != nil {
		return Enrollment{}, Sequence{}, false, err
	}
	if enr.Status != EnrollmentActive || f.Automation.SequenceStep != enr.CurrentStep {
		return enr, Sequence{}, false, nil
	}
	seq, err := e.store.GetSequence(ctx, enr.SequenceID)
	if err != nil {
		return Enrollment{}, Sequence{}, false, err
	}
	return enr, seq, true, nil
}

func (e *Engine) exit(ctx context.Context, enr Enrollment, reason string, now time.Time) (Enrollment, error) {
	open := enr.CurrentFollowupID
	at := now
	enr.Status = EnrollmentExited
	enr.ExitedAt = &at
	enr.ExitReason = reason
	enr.CurrentFollowupID = ""
	if err := e.store.UpdateEnrollment(ctx, enr); err != nil {
		return Enrollment{}, err
	}
	if open != "" {
		if err := e.followups.CancelFollowup(ctx, open); err != nil {
			e.log.Warn("cancel step followup failed", "item_id", open, "enrollment_id", enr.ID, "error", err)
		}
	}
	e.log.Info("sequence enrollment exited", "enrollment_id", enr.ID, "reason", reason)
	return enr, nil
}

func (e *Engine) materialize(ctx context.Context, seq Sequence, enr Enrollment, step Step, base time.Time) (tasks.Followup, error) {
	at, err := step.Timing.Rule(seq.Timezone).Next(base, e.hours)
	if err != nil {
		return tasks.Followup{}, tasks.Invalid("steps.timing", err.Error())
	}
	leadName := enr.LeadName
	if leadName == "" {
		leadName = "lead " + enr.LeadID
	}
	vars := map[string]string{
		"leadName":     leadName,
		"stepNumber":   strconv.Itoa(step.Order),
		"sequenceName": seq.Name,
	}
	return e.followups.CreateFollowup(ctx, tasks.Followup{
		LeadID:       enr.LeadID,
		AssigneeID:   enr.UserID,
		CreatedBy:    enr.UserID,
		Type:         step.Type,
		Priority:     step.Priority,
		Status:       tasks.FollowupScheduled,
		Title:        automation.Interpolate(step.TitleTemplate, vars),
		Description:  automation.Interpolate(step.DescriptionTemplate, vars),
		ScheduledFor: at,
		Timezone:     seq.Timezone,
		Automation: tasks.AutomationLink{
			SequenceID:   seq.ID,
			EnrollmentID: enr.ID,
			SequenceStep: step.Order,
		},
	})
}
