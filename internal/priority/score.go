package priority

import (
	"time"

	"sales-crm/internal/tasks"
)

// Score ranks a task: priorityWeight*10 + urgency(due).
func Score(p tasks.Priority, due *time.Time, now time.Time) int {
	return p.Weight()*10 + Urgency(due, now)
}

// Urgency maps time-to-due onto a coarse bucket score.
func Urgency(due *time.Time, now time.Time) int {
	if due == nil {
		return 0
	}
	left := due.Sub(now)
	switch {
	case left < 0:
		return 100
	case left <= 4*time.Hour:
		return 50
	case left <= 24*time.Hour:
		return 25
	case left <= 72*time.Hour:
		return 10
	default:
		return 1
	}
}
