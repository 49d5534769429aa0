package automation

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"sales-crm/internal/routing"
	"sales-crm/internal/schedule"
	"sales-crm/internal/tasks"
)

// Rule binds a trigger event plus exact-match conditions to a followup action.
//
// Invariants:
// - A rule fires only while IsActive and, with CooldownHours set, only once
//   that many hours have passed since LastExecuted.
// - SuccessCount <= ExecutionCount.
// - Counters change only through the store's atomic execution path.
type Rule struct {
	ID          string  `json:"id" db:"id"`
	Name        string  `json:"name" db:"name"`
	Description string  `json:"description,omitempty" db:"description"`
	Trigger     Trigger `json:"trigger_event" db:"trigger_event"`

	// Conditions must all equal the corresponding event context value.
	Conditions map[string]string `json:"conditions,omitempty" db:"conditions"`

	FollowupType        tasks.FollowupType `json:"followup_type" db:"followup_type"`
	Priority            tasks.Priority     `json:"priority" db:"priority"`
	Schedule            schedule.Rule      `json:"schedule_rule" db:"schedule_rule"`
	TitleTemplate       string             `json:"title_template,omitempty" db:"title_template"`
	DescriptionTemplate string             `json:"description_template,omitempty" db:"description_template"`

	Assignment routing.AssignmentRule `json:"assignment_rule" db:"assignment_rule"`

	MaxExecutionsPerLead int `json:"max_executions_per_lead,omitempty" db:"max_executions_per_lead"`
	CooldownHours        int `json:"cooldown_period,omitempty" db:"cooldown_period"`

	IsActive       bool       `json:"is_active" db:"is_active"`
	ExecutionCount int        `json:"execution_count" db:"execution_count"`
	SuccessCount   int        `json:"success_count" db:"success_count"`
	LastExecuted   *time.Time `json:"last_executed,omitempty" db:"last_executed"`

	CreatedBy string    `json:"created_by,omitempty" db:"created_by"`
	CreatedAt time.Time `json:"created_at" db:"created_at"`
	UpdatedAt time.Time `json:"updated_at" db:"updated_at"`
}

type Trigger string

const (
	TriggerCallCompleted       Trigger = "call_completed"
	TriggerCallOutcome         Trigger = "call_outcome"
	TriggerLeadCreated         Trigger = "lead_created"
	TriggerLeadUpdated         Trigger = "lead_updated"
	TriggerFollowupCompleted   Trigger = "followup_completed"
	TriggerTimeBased           Trigger = "time_based"
	TriggerLeadScoreChange     Trigger = "lead_score_change"
	TriggerEngagementThreshold Trigger = "engagement_threshold"
)

func (t Trigger) Valid() bool {
	switch t {
	case TriggerCallCompleted, TriggerCallOutcome, TriggerLeadCreated, TriggerLeadUpdated,
		TriggerFollowupCompleted, TriggerTimeBased, TriggerLeadScoreChange, TriggerEngagementThreshold:
		return true
	default:
		return false
	}
}

var ErrExecutionLimitReached = errors.New("rule execution limit reached for lead")

// CanExecute checks the active flag, cooldown and per-lead cap.
// leadExecutions is how many times this rule already fired for the event's lead.
func (r Rule) CanExecute(now time.Time, leadExecutions int) error {
	if !r.IsActive {
		return fmt.Errorf("rule %s is inactive", r.ID)
	}
	if r.CooldownHours > 0 && r.LastExecuted != nil {
		until := r.LastExecuted.Add(time.Duration(r.CooldownHours) * time.Hour)
		if now.Before(until) {
			return fmt.Errorf("%w: rule %s until %s", tasks.ErrRuleCooldownActive, r.ID, until.Format(time.RFC3339))
		}
	}
	if r.MaxExecutionsPerLead > 0 && leadExecutions >= r.MaxExecutionsPerLead {
		return fmt.Errorf("%w: rule %s", ErrExecutionLimitReached, r.ID)
	}
	return nil
}

// Matches reports whether every condition equals the context value. A missing
// context key fails the predicate.
func (r Rule) Matches(ctx map[string]any) bool {
	for k, want := range r.Conditions {
		v, ok := ctx[k]
		if !ok || v == nil {
			return false
		}
		if fmt.Sprint(v) != want {
			return false
		}
	}
	return true
}

// Validate is used when an administrator configures a rule.
func (r *Rule) Validate() error {
	if strings.TrimSpace(r.Name) == "" {
		return tasks.Invalid("name", "is required")
	}
	if !r.Trigger.Valid() {
		return tasks.Invalid("trigger_event", "is not a known trigger")
	}
	if r.FollowupType == "" {
		r.FollowupType = tasks.FollowupTypeCall
	}
	if !r.FollowupType.Valid() {
		return tasks.Invalid("followup_type", "is not a known followup type")
	}
	if r.Priority == "" {
		r.Priority = tasks.PriorityMedium
	}
	if !r.Priority.Valid() {
		return tasks.Invalid("priority", "must be one of low, medium, high, urgent")
	}
	if err := r.Schedule.Validate(); err != nil {
		return tasks.Invalid("schedule_rule", err.Error())
	}
	// a zero offset schedules at the trigger instant, which followups reject
	if r.Schedule.Type != schedule.RuleNextBusinessDay && r.Schedule.Value <= 0 {
		return tasks.Invalid("schedule_rule", "value must be positive for relative rules")
	}
	if err := r.Assignment.Validate(); err != nil {
		return err
	}
	if r.CooldownHours < 0 {
		return tasks.Invalid("cooldown_period", "must not be negative")
	}
	if r.MaxExecutionsPerLead < 0 {
		return tasks.Invalid("max_executions_per_lead", "must not be negative")
	}
	return nil
}
