package tasks

import "time"

type Status string

const (
	StatusPending    Status = "pending"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusBlocked    Status = "blocked"
	StatusOnHold     Status = "on_hold"
	StatusDeferred   Status = "deferred"
)

// transitions is the complete table of allowed status changes.
// completed has no outgoing edges.
var transitions = map[Status][]Status{
	StatusPending:    {StatusInProgress, StatusCancelled, StatusBlocked, StatusOnHold},
	StatusInProgress: {StatusCompleted, StatusCancelled, StatusBlocked, StatusOnHold, StatusDeferred},
	StatusCancelled:  {StatusPending},
	StatusBlocked:    {StatusPending, StatusInProgress, StatusCancelled},
	StatusOnHold:     {StatusPending, StatusInProgress, StatusCancelled},
	StatusDeferred:   {StatusPending, StatusCancelled},
	StatusCompleted:  nil,
}

func (s Status) Valid() bool {
	_, ok := transitions[s]
	return ok
}

func (s Status) Terminal() bool { return s == StatusCompleted }

// Open is false for statuses that no longer need agent attention.
func (s Status) Open() bool {
	return s != StatusCompleted && s != StatusCancelled
}

// CanTransition reports whether from -> to is in the transition table.
func CanTransition(from, to Status) bool {
	for _, s := range transitions[from] {
		if s == to {
			return true
		}
	}
	return false
}

// AllowedTransitions returns the statuses reachable from s.
func AllowedTransitions(s Status) []Status {
	out := make([]Status, len(transitions[s]))
	copy(out, transitions[s])
	return out
}

// CanStart is false while BlockedBy is non-empty, whatever the status.
func (t *Task) CanStart() bool {
	if t.DeletedAt != nil || len(t.BlockedBy) > 0 {
		return false
	}
	return CanTransition(t.Status, StatusInProgress)
}

// Transition moves the task to a new status. On error the task is untouched.
// Moving to completed goes through MarkCompleted with an empty outcome.
func (t *Task) Transition(to Status, now time.Time) error {
	if to == StatusCompleted {
		return t.MarkCompleted("", "", "", now)
	}
	if err := t.checkTransition(to); err != nil {
		return err
	}
	if to == StatusInProgress && t.StartedAt == nil {
		started := now
		t.StartedAt = &started
	}
	t.Status = to
	t.UpdatedAt = now
	return nil
}

// MarkCompleted atomically completes the task: status, completedAt, outcome,
// notes, progress and actual duration are all set together or not at all.
func (t *Task) MarkCompleted(outcome, notes, by string, now time.Time) error {
	if err := t.checkTransition(StatusCompleted); err != nil {
		return err
	}
	if t.CompletedAt != nil {
		return &TransitionError{Entity: "task", From: string(t.Status), To: string(StatusCompleted), Reason: "already completed"}
	}
	completed := now
	if t.StartedAt != nil && completed.Before(*t.StartedAt) {
		completed = *t.StartedAt
	}
	t.Status = StatusCompleted
	t.CompletedAt = &completed
	t.CompletedBy = by
	t.Outcome = outcome
	t.OutcomeNotes = notes
	t.Progress = 100
	if t.StartedAt != nil {
		t.ActualMinutes = int(completed.Sub(*t.StartedAt).Minutes())
	}
	t.UpdatedAt = now
	return nil
}

func (t *Task) checkTransition(to Status) error {
	if t.DeletedAt != nil {
		return &TransitionError{Entity: "task", From: string(t.Status), To: string(to), Reason: "task is deleted"}
	}
	if !to.Valid() {
		return &TransitionError{Entity: "task", From: string(t.Status), To: string(to), Reason: "unknown status"}
	}
	if !CanTransition(t.Status, to) {
		return &TransitionError{Entity: "task", From: string(t.Status), To: string(to)}
	}
	if to == StatusInProgress && len(t.BlockedBy) > 0 {
		return &TransitionError{Entity: "task", From: string(t.Status), To: string(to), Reason: "task is blocked by unfinished tasks"}
	}
	return nil
}
