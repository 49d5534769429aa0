package tasks

import (
	"strings"
	"time"
)

// Followup is a scheduled, lead-centric activity.
//
// Unlike Task it is always tied to a lead and always has a wall-clock ScheduledFor.
// Completed and cancelled are terminal: no reschedule after that.
type Followup struct {
	ID         string         `json:"id" db:"id"`
	LeadID     string         `json:"lead_id" db:"lead_id"`
	CallID     string         `json:"call_id,omitempty" db:"call_id"`
	AssigneeID string         `json:"assignee_id" db:"assignee_id"`
	CreatedBy  string         `json:"created_by,omitempty" db:"created_by"`
	Type       FollowupType   `json:"type" db:"type"`
	Status     FollowupStatus `json:"status" db:"status"`
	Priority   Priority       `json:"priority" db:"priority"`

	Title       string `json:"title" db:"title"`
	Description string `json:"description,omitempty" db:"description"`

	ScheduledFor    time.Time `json:"scheduled_for" db:"scheduled_for"`
	DurationMinutes int       `json:"duration_minutes,omitempty" db:"duration_minutes"`
	Timezone        string    `json:"timezone,omitempty" db:"timezone"`

	Automation AutomationLink `json:"automation" db:"automation"`

	Outcome         string     `json:"outcome,omitempty" db:"outcome"`
	CompletionNotes string     `json:"completion_notes,omitempty" db:"completion_notes"`
	CompletedAt     *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CompletedBy     string     `json:"completed_by,omitempty" db:"completed_by"`

	ReminderSent      bool       `json:"reminder_sent" db:"reminder_sent"`
	ReminderSentAt    *time.Time `json:"reminder_sent_at,omitempty" db:"reminder_sent_at"`
	OverdueNotifiedAt *time.Time `json:"overdue_notified_at,omitempty" db:"overdue_notified_at"`
	Escalation        Escalation `json:"escalation" db:"escalation"`

	RescheduleCount   int               `json:"reschedule_count" db:"reschedule_count"`
	RescheduleHistory []RescheduleEntry `json:"reschedule_history,omitempty" db:"reschedule_history"`

	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

type FollowupType string

const (
	FollowupTypeCall     FollowupType = "call"
	FollowupTypeEmail    FollowupType = "email"
	FollowupTypeSMS      FollowupType = "sms"
	FollowupTypeMeeting  FollowupType = "meeting"
	FollowupTypeDemo     FollowupType = "demo"
	FollowupTypeProposal FollowupType = "proposal"
	FollowupTypeTask     FollowupType = "task"
	FollowupTypeOther    FollowupType = "other"
)

func (t FollowupType) Valid() bool {
	switch t {
	case FollowupTypeCall, FollowupTypeEmail, FollowupTypeSMS, FollowupTypeMeeting,
		FollowupTypeDemo, FollowupTypeProposal, FollowupTypeTask, FollowupTypeOther:
		return true
	default:
		return false
	}
}

type FollowupStatus string

const (
	FollowupPending     FollowupStatus = "pending"
	FollowupScheduled   FollowupStatus = "scheduled"
	FollowupInProgress  FollowupStatus = "in_progress"
	FollowupCompleted   FollowupStatus = "completed"
	FollowupCancelled   FollowupStatus = "cancelled"
	FollowupOverdue     FollowupStatus = "overdue"
	FollowupRescheduled FollowupStatus = "rescheduled"
)

func (s FollowupStatus) Valid() bool {
	switch s {
	case FollowupPending, FollowupScheduled, FollowupInProgress, FollowupCompleted,
		FollowupCancelled, FollowupOverdue, FollowupRescheduled:
		return true
	default:
		return false
	}
}

func (s FollowupStatus) Terminal() bool {
	return s == FollowupCompleted || s == FollowupCancelled
}

// AutomationLink ties a followup back to the rule or sequence step that created it.
type AutomationLink struct {
	RuleID       string `json:"rule_id,omitempty"`
	SequenceID   string `json:"sequence_id,omitempty"`
	EnrollmentID string `json:"enrollment_id,omitempty"`
	SequenceStep int    `json:"sequence_step,omitempty"`
}

type RescheduleEntry struct {
	From   time.Time `json:"from"`
	To     time.Time `json:"to"`
	Reason string    `json:"reason,omitempty"`
	By     string    `json:"by,omitempty"`
	At     time.Time `json:"at"`
}

// Validate checks required fields. ScheduledFor must be in the future relative to now.
func (f *Followup) Validate(now time.Time) error {
	if strings.TrimSpace(f.LeadID) == "" {
		return Invalid("lead_id", "is required")
	}
	if strings.TrimSpace(f.Title) == "" {
		return Invalid("title", "is required")
	}
	if f.ScheduledFor.IsZero() {
		return Invalid("scheduled_for", "is required")
	}
	if !f.ScheduledFor.After(now) {
		return Invalid("scheduled_for", "must be in the future")
	}
	if f.Type == "" {
		f.Type = FollowupTypeCall
	}
	if !f.Type.Valid() {
		return Invalid("type", "is not a known followup type")
	}
	if f.Priority == "" {
		f.Priority = PriorityMedium
	}
	if !f.Priority.Valid() {
		return Invalid("priority", "must be one of low, medium, high, urgent")
	}
	if f.Status == "" {
		f.Status = FollowupScheduled
	}
	if !f.Status.Valid() {
		return Invalid("status", "is not a known followup status")
	}
	if f.DurationMinutes < 0 {
		return Invalid("duration_minutes", "must not be negative")
	}
	return nil
}

func (f *Followup) IsOpen() bool {
	return f.DeletedAt == nil && !f.Status.Terminal()
}

func (f *Followup) IsOverdue(now time.Time) bool {
	return f.IsOpen() && f.ScheduledFor.Before(now)
}

// Reschedule moves the followup to a new time and appends a history entry.
func (f *Followup) Reschedule(to time.Time, reason, by string, now time.Time) error {
	if !f.IsOpen() {
		return &TransitionError{Entity: "followup", From: string(f.Status), To: string(FollowupRescheduled), Reason: "followup is closed"}
	}
	if !to.After(now) {
		return Invalid("scheduled_for", "must be in the future")
	}
	f.RescheduleHistory = append(f.RescheduleHistory, RescheduleEntry{
		From:   f.ScheduledFor,
		To:     to,
		Reason: reason,
		By:     by,
		At:     now,
	})
	f.RescheduleCount++
	f.ScheduledFor = to
	f.Status = FollowupRescheduled
	f.ReminderSent = false
	f.ReminderSentAt = nil
	f.UpdatedAt = now
	return nil
}

// Complete records the outcome. A closed followup cannot be completed again.
func (f *Followup) Complete(outcome, notes, by string, now time.Time) error {
	if !f.IsOpen() {
		return &TransitionError{Entity: "followup", From: string(f.Status), To: string(FollowupCompleted), Reason: "followup is closed"}
	}
	done := now
	f.Status = FollowupCompleted
	f.Outcome = outcome
	f.CompletionNotes = notes
	f.CompletedAt = &done
	f.CompletedBy = by
	f.UpdatedAt = now
	return nil
}

func (f *Followup) Cancel(now time.Time) error {
	if !f.IsOpen() {
		return &TransitionError{Entity: "followup", From: string(f.Status), To: string(FollowupCancelled), Reason: "followup is closed"}
	}
	f.Status = FollowupCancelled
	f.UpdatedAt = now
	return nil
}

// MarkOverdue flips an open, past-due followup to overdue and reports whether it changed.
func (f *Followup) MarkOverdue(now time.Time) bool {
	if !f.IsOverdue(now) || f.Status == FollowupOverdue || f.Status == FollowupInProgress {
		return false
	}
	f.Status = FollowupOverdue
	f.UpdatedAt = now
	return true
}

func (f Followup) Clone() Followup {
	out := f
	out.CompletedAt = cloneTime(f.CompletedAt)
	out.ReminderSentAt = cloneTime(f.ReminderSentAt)
	out.OverdueNotifiedAt = cloneTime(f.OverdueNotifiedAt)
	out.Escalation.EscalatedAt = cloneTime(f.Escalation.EscalatedAt)
	out.DeletedAt = cloneTime(f.DeletedAt)
	if f.RescheduleHistory != nil {
		out.RescheduleHistory = make([]RescheduleEntry, len(f.RescheduleHistory))
		copy(out.RescheduleHistory, f.RescheduleHistory)
	}
	return out
}
