package reporting

import (
	"time"

	"sales-crm/internal/tasks"
)

// WorkloadSummary is one agent's open work as of GeneratedAt. The daily
// digest is rendered from it.
type WorkloadSummary struct {
	UserID      string    `json:"user_id"`
	GeneratedAt time.Time `json:"generated_at"`

	OpenTasks      int `json:"open_tasks"`
	TasksDueToday  int `json:"tasks_due_today"`
	TasksOverdue   int `json:"tasks_overdue"`
	UrgentTasks    int `json:"urgent_tasks"`
	BlockedTasks   int `json:"blocked_tasks"`
	FollowupsToday int `json:"followups_today"`
	// FollowupsOverdue counts open followups whose scheduled time has passed.
	FollowupsOverdue int `json:"followups_overdue"`

	// Items lists due-today and overdue work, most pressing first.
	Items []Item `json:"items,omitempty"`
}

// Empty reports whether there is nothing due or overdue to tell the user about.
func (w WorkloadSummary) Empty() bool {
	return w.TasksDueToday == 0 && w.TasksOverdue == 0 && w.FollowupsToday == 0 && w.FollowupsOverdue == 0
}

type Item struct {
	Kind     string         `json:"kind"` // task or followup
	ID       string         `json:"id"`
	Title    string         `json:"title"`
	Priority tasks.Priority `json:"priority"`
	Due      time.Time      `json:"due"`
	Overdue  bool           `json:"overdue"`
}

type SequenceMetrics struct {
	SequenceID     string  `json:"sequence_id"`
	Name           string  `json:"name"`
	Enrollments    int     `json:"enrollments"`
	Completions    int     `json:"completions"`
	Conversions    int     `json:"conversions"`
	CompletionRate float64 `json:"completion_rate"`
	ConversionRate float64 `json:"conversion_rate"`
}

type RuleMetrics struct {
	RuleID       string     `json:"rule_id"`
	Name         string     `json:"name"`
	Executions   int        `json:"executions"`
	Successes    int        `json:"successes"`
	SuccessRate  float64    `json:"success_rate"`
	LastExecuted *time.Time `json:"last_executed,omitempty"`
}
