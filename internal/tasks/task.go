package tasks

import (
	"strings"
	"time"
)

// Task is a discrete unit of agent work.
//
// Invariants:
// - Status changes go through Transition / MarkCompleted only.
// - Progress is 100 iff Status is completed.
// - CompletedAt is set exactly once and is never earlier than StartedAt.
// - Tasks are soft-deleted (DeletedAt) so the audit trail stays intact.
type Task struct {
	ID          string   `json:"id" db:"id"`
	Seq         int64    `json:"seq" db:"seq"`
	Title       string   `json:"title" db:"title"`
	Description string   `json:"description,omitempty" db:"description"`
	Type        TaskType `json:"type" db:"type"`
	Status      Status   `json:"status" db:"status"`
	Priority    Priority `json:"priority" db:"priority"`

	AssigneeID string `json:"assignee_id,omitempty" db:"assignee_id"`
	CreatorID  string `json:"creator_id,omitempty" db:"creator_id"`

	// Back-references; plain ids, joins happen in the store.
	LeadID     string `json:"lead_id,omitempty" db:"lead_id"`
	CallID     string `json:"call_id,omitempty" db:"call_id"`
	FollowupID string `json:"followup_id,omitempty" db:"followup_id"`

	DueDate          *time.Time `json:"due_date,omitempty" db:"due_date"`
	EstimatedMinutes int        `json:"estimated_minutes,omitempty" db:"estimated_minutes"`
	ActualMinutes    int        `json:"actual_minutes,omitempty" db:"actual_minutes"`
	Progress         int        `json:"progress_percentage" db:"progress_percentage"`

	ParentID  string   `json:"parent_id,omitempty" db:"parent_id"`
	BlockedBy []string `json:"blocked_by,omitempty" db:"blocked_by"`

	Recurrence *Recurrence    `json:"recurrence,omitempty" db:"recurrence"`
	Reminder   ReminderConfig `json:"reminder" db:"reminder"`

	ReminderSentAt    *time.Time `json:"reminder_sent_at,omitempty" db:"reminder_sent_at"`
	OverdueNotifiedAt *time.Time `json:"overdue_notified_at,omitempty" db:"overdue_notified_at"`
	Escalation        Escalation `json:"escalation" db:"escalation"`

	Outcome      string `json:"outcome,omitempty" db:"outcome"`
	OutcomeNotes string `json:"outcome_notes,omitempty" db:"outcome_notes"`

	Collaborators []string `json:"collaborators,omitempty" db:"collaborators"`
	Watchers      []string `json:"watchers,omitempty" db:"watchers"`

	StartedAt   *time.Time `json:"started_at,omitempty" db:"started_at"`
	CompletedAt *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	CompletedBy string     `json:"completed_by,omitempty" db:"completed_by"`
	CreatedAt   time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt   time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt   *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

type TaskType string

const (
	TaskTypeCall           TaskType = "call"
	TaskTypeEmail          TaskType = "email"
	TaskTypeResearch       TaskType = "research"
	TaskTypePreparation    TaskType = "preparation"
	TaskTypeFollowUp       TaskType = "follow_up"
	TaskTypeMeeting        TaskType = "meeting"
	TaskTypeDemo           TaskType = "demo"
	TaskTypeProposal       TaskType = "proposal"
	TaskTypeContract       TaskType = "contract"
	TaskTypeAdministrative TaskType = "administrative"
	TaskTypeDataEntry      TaskType = "data_entry"
	TaskTypeAnalysis       TaskType = "analysis"
	TaskTypeOther          TaskType = "other"
)

func (t TaskType) Valid() bool {
	switch t {
	case TaskTypeCall, TaskTypeEmail, TaskTypeResearch, TaskTypePreparation, TaskTypeFollowUp,
		TaskTypeMeeting, TaskTypeDemo, TaskTypeProposal, TaskTypeContract, TaskTypeAdministrative,
		TaskTypeDataEntry, TaskTypeAnalysis, TaskTypeOther:
		return true
	default:
		return false
	}
}

type Priority string

const (
	PriorityLow    Priority = "low"
	PriorityMedium Priority = "medium"
	PriorityHigh   Priority = "high"
	PriorityUrgent Priority = "urgent"
)

func (p Priority) Valid() bool {
	switch p {
	case PriorityLow, PriorityMedium, PriorityHigh, PriorityUrgent:
		return true
	default:
		return false
	}
}

// Weight orders priorities: urgent 4, high 3, medium 2, low 1.
func (p Priority) Weight() int {
	switch p {
	case PriorityUrgent:
		return 4
	case PriorityHigh:
		return 3
	case PriorityMedium:
		return 2
	case PriorityLow:
		return 1
	default:
		return 0
	}
}

// Recurrence describes how a completed task repeats.
type Recurrence struct {
	Frequency string     `json:"frequency"` // daily, weekly, monthly
	Interval  int        `json:"interval"`
	Until     *time.Time `json:"until,omitempty"`
}

// Next returns the next due date after from, or false when the series has ended.
func (r Recurrence) Next(from time.Time) (time.Time, bool) {
	n := r.Interval
	if n <= 0 {
		n = 1
	}
	var next time.Time
	switch r.Frequency {
	case "daily":
		next = from.AddDate(0, 0, n)
	case "weekly":
		next = from.AddDate(0, 0, 7*n)
	case "monthly":
		next = from.AddDate(0, n, 0)
	default:
		return time.Time{}, false
	}
	if r.Until != nil && next.After(*r.Until) {
		return time.Time{}, false
	}
	return next, true
}

// ReminderConfig tunes the pre-due reminder. The zero value means "remind
// with the worker's default window".
type ReminderConfig struct {
	Disabled      bool `json:"disabled,omitempty"`
	MinutesBefore int  `json:"minutes_before,omitempty"`
}

// Escalation records the last escalation applied to a task or followup.
type Escalation struct {
	EscalatedAt *time.Time `json:"escalated_at,omitempty"`
	EscalatedTo string     `json:"escalated_to,omitempty"`
	EscalatedBy string     `json:"escalated_by,omitempty"`
	Reason      string     `json:"reason,omitempty"`
	Level       int        `json:"level,omitempty"`
}

// Validate checks required fields and enum values. It does not touch the store.
func (t *Task) Validate() error {
	if strings.TrimSpace(t.Title) == "" {
		return Invalid("title", "is required")
	}
	if t.Type == "" {
		t.Type = TaskTypeOther
	}
	if !t.Type.Valid() {
		return Invalid("type", "is not a known task type")
	}
	if t.Priority == "" {
		t.Priority = PriorityMedium
	}
	if !t.Priority.Valid() {
		return Invalid("priority", "must be one of low, medium, high, urgent")
	}
	if t.Status == "" {
		t.Status = StatusPending
	}
	if !t.Status.Valid() {
		return Invalid("status", "is not a known task status")
	}
	if t.Progress < 0 || t.Progress > 100 {
		return Invalid("progress_percentage", "must be between 0 and 100")
	}
	if (t.Progress == 100) != (t.Status == StatusCompleted) {
		return Invalid("progress_percentage", "is 100 only for completed tasks")
	}
	if t.EstimatedMinutes < 0 {
		return Invalid("estimated_minutes", "must not be negative")
	}
	for _, id := range t.BlockedBy {
		if id == t.ID && id != "" {
			return Invalid("blocked_by", "a task cannot block itself")
		}
	}
	return nil
}

// IsOpen reports whether the task still represents outstanding work.
func (t *Task) IsOpen() bool {
	return t.DeletedAt == nil && t.Status.Open()
}

// IsOverdue reports whether an open task is past its due date.
func (t *Task) IsOverdue(now time.Time) bool {
	return t.IsOpen() && t.DueDate != nil && t.DueDate.Before(now)
}

// Unblock removes blockerID from BlockedBy and reports whether it was present.
func (t *Task) Unblock(blockerID string) bool {
	for i, id := range t.BlockedBy {
		if id == blockerID {
			t.BlockedBy = append(t.BlockedBy[:i:i], t.BlockedBy[i+1:]...)
			return true
		}
	}
	return false
}

func (t *Task) AddWatcher(userID string) bool {
	if containsString(t.Watchers, userID) {
		return false
	}
	t.Watchers = append(t.Watchers, userID)
	return true
}

func (t *Task) AddCollaborator(userID string) bool {
	if containsString(t.Collaborators, userID) {
		return false
	}
	t.Collaborators = append(t.Collaborators, userID)
	return true
}

// Clone returns a deep copy so stores can hand out values safely.
func (t Task) Clone() Task {
	out := t
	out.BlockedBy = cloneStrings(t.BlockedBy)
	out.Collaborators = cloneStrings(t.Collaborators)
	out.Watchers = cloneStrings(t.Watchers)
	out.DueDate = cloneTime(t.DueDate)
	out.ReminderSentAt = cloneTime(t.ReminderSentAt)
	out.OverdueNotifiedAt = cloneTime(t.OverdueNotifiedAt)
	out.Escalation.EscalatedAt = cloneTime(t.Escalation.EscalatedAt)
	out.StartedAt = cloneTime(t.StartedAt)
	out.CompletedAt = cloneTime(t.CompletedAt)
	out.DeletedAt = cloneTime(t.DeletedAt)
	if t.Recurrence != nil {
		r := *t.Recurrence
		r.Until = cloneTime(t.Recurrence.Until)
		out.Recurrence = &r
	}
	return out
}

func containsString(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}

func cloneStrings(in []string) []string {
	if in == nil {
		return nil
	}
	out := make([]string, len(in))
	copy(out, in)
	return out
}

func cloneTime(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := *t
	return &v
}
