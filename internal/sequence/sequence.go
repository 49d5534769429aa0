package sequence

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"sales-crm/internal/schedule"
	"sales-crm/internal/tasks"
)

// Sequence is an ordered, multi-step nurture campaign.
//
// Invariants:
// - Step orders are unique and contiguous 1..TotalSteps.
// - A sequence is never hard-deleted and cannot be soft-deleted while
//   active enrollments reference it.
type Sequence struct {
	ID          string `json:"id" db:"id"`
	Name        string `json:"name" db:"name"`
	Description string `json:"description,omitempty" db:"description"`
	Category    string `json:"category,omitempty" db:"category"`

	TotalSteps int    `json:"total_steps" db:"total_steps"`
	Steps      []Step `json:"steps" db:"steps"`
	// Timezone steps are scheduled in; empty means UTC.
	Timezone string `json:"timezone,omitempty" db:"timezone"`

	TriggerConditions map[string]string `json:"trigger_conditions,omitempty" db:"trigger_conditions"`
	Exit              ExitConditions    `json:"exit_conditions" db:"exit_conditions"`

	IsActive        bool `json:"is_active" db:"is_active"`
	EnrollmentCount int  `json:"enrollment_count" db:"enrollment_count"`
	CompletionCount int  `json:"completion_count" db:"completion_count"`
	ConversionCount int  `json:"conversion_count" db:"conversion_count"`

	CreatedBy string     `json:"created_by,omitempty" db:"created_by"`
	CreatedAt time.Time  `json:"created_at" db:"created_at"`
	UpdatedAt time.Time  `json:"updated_at" db:"updated_at"`
	DeletedAt *time.Time `json:"deleted_at,omitempty" db:"deleted_at"`
}

// Step is one touchpoint of a sequence.
type Step struct {
	Order               int                `json:"order"`
	Type                tasks.FollowupType `json:"type"`
	Priority            tasks.Priority     `json:"priority"`
	TitleTemplate       string             `json:"title_template"`
	DescriptionTemplate string             `json:"description_template,omitempty"`
	Timing              Timing             `json:"timing"`
	TemplateID          string             `json:"template_id,omitempty"`
}

// Timing is relative to the previous step's completion (or enrollment for the first step).
type Timing struct {
	Delay             int           `json:"delay"`
	Unit              schedule.Unit `json:"unit"`
	BusinessHoursOnly bool          `json:"business_hours_only"`
}

func (t Timing) Rule(tz string) schedule.Rule {
	return schedule.Rule{
		Type:              schedule.RuleRelative,
		Value:             t.Delay,
		Unit:              t.Unit,
		BusinessHoursOnly: t.BusinessHoursOnly,
		Timezone:          tz,
	}
}

// ExitConditions force an enrollment to exited regardless of remaining steps.
// Zero values disable the corresponding check.
type ExitConditions struct {
	Outcomes       []string `json:"outcomes,omitempty"`
	MaxReschedules int      `json:"max_reschedules,omitempty"`
	InactiveDays   int      `json:"inactive_days,omitempty"`
}

var (
	ErrSequenceInactive = errors.New("sequence is inactive")
	ErrSequenceInUse    = errors.New("sequence has active enrollments")
	ErrAlreadyEnrolled  = errors.New("lead already enrolled in sequence")
)

func (s *Sequence) Validate() error {
	if strings.TrimSpace(s.Name) == "" {
		return tasks.Invalid("name", "is required")
	}
	if len(s.Steps) == 0 {
		return tasks.Invalid("steps", "at least one step is required")
	}
	if s.TotalSteps == 0 {
		s.TotalSteps = len(s.Steps)
	}
	if s.TotalSteps != len(s.Steps) {
		return tasks.Invalid("total_steps", fmt.Sprintf("is %d but %d steps are defined", s.TotalSteps, len(s.Steps)))
	}

	seen := make(map[int]bool, len(s.Steps))
	for i := range s.Steps {
		st := &s.Steps[i]
		if st.Order < 1 || st.Order > s.TotalSteps {
			return tasks.Invalid("steps.order", fmt.Sprintf("%d is outside 1..%d", st.Order, s.TotalSteps))
		}
		if seen[st.Order] {
			return tasks.Invalid("steps.order", fmt.Sprintf("%d is duplicated", st.Order))
		}
		seen[st.Order] = true

		if st.Type == "" {
			st.Type = tasks.FollowupTypeCall
		}
		if !st.Type.Valid() {
			return tasks.Invalid("steps.type", "is not a known followup type")
		}
		if st.Priority == "" {
			st.Priority = tasks.PriorityMedium
		}
		if !st.Priority.Valid() {
			return tasks.Invalid("steps.priority", "must be one of low, medium, high, urgent")
		}
		if strings.TrimSpace(st.TitleTemplate) == "" {
			return tasks.Invalid("steps.title_template", "is required")
		}
		if st.Timing.Delay <= 0 {
			return tasks.Invalid("steps.timing.delay", "must be positive")
		}
		if err := st.Timing.Rule(s.Timezone).Validate(); err != nil {
			return tasks.Invalid("steps.timing", err.Error())
		}
	}
	sort.Slice(s.Steps, func(i, j int) bool { return s.Steps[i].Order < s.Steps[j].Order })
	return nil
}

// Step returns the step with the given order.
func (s Sequence) Step(order int) (Step, bool) {
	for _, st := range s.Steps {
		if st.Order == order {
			return st, true
		}
	}
	return Step{}, false
}

// GetNextStep returns the step after current, or false when current is the last one.
func (s Sequence) GetNextStep(current int) (Step, bool) {
	return s.Step(current + 1)
}

func (s Sequence) CompletionRate() float64 {
	if s.EnrollmentCount == 0 {
		return 0
	}
	return float64(s.CompletionCount) / float64(s.EnrollmentCount)
}

func (s Sequence) ConversionRate() float64 {
	if s.EnrollmentCount == 0 {
		return 0
	}
	return float64(s.ConversionCount) / float64(s.EnrollmentCount)
}

// Enrollment is one lead's progress pointer through a sequence.
type Enrollment struct {
	ID          string           `json:"id" db:"id"`
	SequenceID  string           `json:"sequence_id" db:"sequence_id"`
	LeadID      string           `json:"lead_id" db:"lead_id"`
	LeadName    string           `json:"lead_name,omitempty" db:"lead_name"`
	UserID      string           `json:"user_id" db:"user_id"`
	CurrentStep int              `json:"current_step" db:"current_step"`
	Status      EnrollmentStatus `json:"status" db:"status"`

	// CurrentFollowupID is the open followup for CurrentStep.
	CurrentFollowupID string `json:"current_followup_id,omitempty" db:"current_followup_id"`

	EnrolledAt     time.Time  `json:"enrolled_at" db:"enrolled_at"`
	LastActivityAt time.Time  `json:"last_activity_at" db:"last_activity_at"`
	CompletedAt    *time.Time `json:"completed_at,omitempty" db:"completed_at"`
	ExitedAt       *time.Time `json:"exited_at,omitempty" db:"exited_at"`
	ExitReason     string     `json:"exit_reason,omitempty" db:"exit_reason"`
	Converted      bool       `json:"converted" db:"converted"`
}

type EnrollmentStatus string

const (
	EnrollmentActive    EnrollmentStatus = "active"
	EnrollmentCompleted EnrollmentStatus = "completed"
	EnrollmentExited    EnrollmentStatus = "exited"
)

// Exit reasons recorded on enrollments.
const (
	ExitOutcome        = "outcome"
	ExitRescheduleCap  = "reschedule_limit"
	ExitInactive       = "inactive"
	ExitManual         = "manual"
	ExitSequenceClosed = "sequence_inactive"
)
