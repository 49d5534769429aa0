package tasks

import (
	"sort"
	"time"
)

// TaskFilter selects tasks in store queries. Zero fields do not filter.
// Soft-deleted tasks are never returned.
type TaskFilter struct {
	AssigneeID string
	LeadID     string
	// BlockedBy selects dependents of the given task id.
	BlockedBy string
	OpenOnly  bool
	DueAfter  *time.Time // inclusive
	DueBefore *time.Time // exclusive
	// ReminderSentBefore selects tasks whose reminder was sent before the given time.
	ReminderSentBefore *time.Time
	Limit              int
}

func (f TaskFilter) Match(t Task) bool {
	if t.DeletedAt != nil {
		return false
	}
	if f.AssigneeID != "" && t.AssigneeID != f.AssigneeID {
		return false
	}
	if f.LeadID != "" && t.LeadID != f.LeadID {
		return false
	}
	if f.BlockedBy != "" && !containsString(t.BlockedBy, f.BlockedBy) {
		return false
	}
	if f.OpenOnly && !t.Status.Open() {
		return false
	}
	if f.ReminderSentBefore != nil && (t.ReminderSentAt == nil || !t.ReminderSentAt.Before(*f.ReminderSentBefore)) {
		return false
	}
	if f.DueAfter != nil || f.DueBefore != nil {
		if t.DueDate == nil {
			return false
		}
		if f.DueAfter != nil && t.DueDate.Before(*f.DueAfter) {
			return false
		}
		if f.DueBefore != nil && !t.DueDate.Before(*f.DueBefore) {
			return false
		}
	}
	return true
}

// SortTasks orders by due date ascending (no due date last), then creation order.
func SortTasks(list []Task) {
	sort.SliceStable(list, func(i, j int) bool {
		a, b := list[i], list[j]
		switch {
		case a.DueDate != nil && b.DueDate != nil && !a.DueDate.Equal(*b.DueDate):
			return a.DueDate.Before(*b.DueDate)
		case a.DueDate != nil && b.DueDate == nil:
			return true
		case a.DueDate == nil && b.DueDate != nil:
			return false
		}
		return a.Seq < b.Seq
	})
}

// FollowupFilter selects followups in store queries. Soft-deleted followups are never returned.
type FollowupFilter struct {
	AssigneeID         string
	LeadID             string
	EnrollmentID       string
	OpenOnly           bool
	ScheduledAfter     *time.Time // inclusive
	ScheduledBefore    *time.Time // exclusive
	MinRescheduleCount int
	// ReminderSentBefore selects followups whose reminder flag was set before the given time.
	ReminderSentBefore *time.Time
	Limit              int
}

func (f FollowupFilter) Match(fu Followup) bool {
	if fu.DeletedAt != nil {
		return false
	}
	if f.AssigneeID != "" && fu.AssigneeID != f.AssigneeID {
		return false
	}
	if f.LeadID != "" && fu.LeadID != f.LeadID {
		return false
	}
	if f.EnrollmentID != "" && fu.Automation.EnrollmentID != f.EnrollmentID {
		return false
	}
	if f.OpenOnly && fu.Status.Terminal() {
		return false
	}
	if f.ScheduledAfter != nil && fu.ScheduledFor.Before(*f.ScheduledAfter) {
		return false
	}
	if f.ScheduledBefore != nil && !fu.ScheduledFor.Before(*f.ScheduledBefore) {
		return false
	}
	if f.MinRescheduleCount > 0 && fu.RescheduleCount < f.MinRescheduleCount {
		return false
	}
	if f.ReminderSentBefore != nil {
		if !fu.ReminderSent || fu.ReminderSentAt == nil || !fu.ReminderSentAt.Before(*f.ReminderSentBefore) {
			return false
		}
	}
	return true
}

// SortFollowups orders by ScheduledFor ascending, then id for determinism.
func SortFollowups(list []Followup) {
	sort.SliceStable(list, func(i, j int) bool {
		if !list[i].ScheduledFor.Equal(list[j].ScheduledFor) {
			return list[i].ScheduledFor.Before(list[j].ScheduledFor)
		}
		return list[i].CreatedAt.Before(list[j].CreatedAt)
	})
}
