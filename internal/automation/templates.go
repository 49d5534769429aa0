package automation

import (
	"strings"
	"time"

	"sales-crm/internal/calls"
	"sales-crm/internal/schedule"
	"sales-crm/internal/tasks"
)

// Interpolate replaces {{key}} placeholders with vars[key]. Unknown
// placeholders are left as-is so template mistakes stay visible.
func Interpolate(tmpl string, vars map[string]string) string {
	if !strings.Contains(tmpl, "{{") {
		return tmpl
	}
	pairs := make([]string, 0, len(vars)*2)
	for k, v := range vars {
		pairs = append(pairs, "{{"+k+"}}", v)
	}
	return strings.NewReplacer(pairs...).Replace(tmpl)
}

// OutcomeTemplate is the default task produced for a call outcome when no rule
// overrides it.
type OutcomeTemplate struct {
	TaskType    tasks.TaskType
	Priority    tasks.Priority
	Due         schedule.Rule
	Title       string
	Description string
}

// Call outcomes understood by the builtin mapping.
const (
	OutcomeNoAnswer          = string(calls.OutcomeNoAnswer)
	OutcomeCallbackRequested = string(calls.OutcomeCallbackRequested)
	OutcomeNotInterested     = string(calls.OutcomeNotInterested)
	OutcomeBusy              = string(calls.OutcomeBusy)
	OutcomeVoicemail         = string(calls.OutcomeVoicemail)
	OutcomeInterested        = string(calls.OutcomeInterested)
	OutcomeMeetingScheduled  = string(calls.OutcomeMeetingScheduled)
	OutcomeWrongNumber       = string(calls.OutcomeWrongNumber)
)

// DefaultOutcomeTemplates gives sane behavior with zero configuration.
func DefaultOutcomeTemplates() map[string]OutcomeTemplate {
	return map[string]OutcomeTemplate{
		OutcomeNoAnswer: {
			TaskType: tasks.TaskTypeCall, Priority: tasks.PriorityMedium, Due: schedule.In(1, schedule.UnitDays),
			Title: "Call back {{leadName}} (no answer)", Description: "Previous call was not answered.",
		},
		OutcomeCallbackRequested: {
			TaskType: tasks.TaskTypeCall, Priority: tasks.PriorityHigh, Due: schedule.In(4, schedule.UnitHours),
			Title: "Callback requested by {{leadName}}", Description: "Lead asked to be called back.",
		},
		OutcomeNotInterested: {
			TaskType: tasks.TaskTypeFollowUp, Priority: tasks.PriorityLow, Due: schedule.In(3, schedule.UnitDays),
			Title: "Nurture {{leadName}}", Description: "Lead was not interested; keep warm with a light touch.",
		},
		OutcomeBusy: {
			TaskType: tasks.TaskTypeCall, Priority: tasks.PriorityMedium, Due: schedule.In(2, schedule.UnitHours),
			Title: "Retry call to {{leadName}} (line busy)",
		},
		OutcomeVoicemail: {
			TaskType: tasks.TaskTypeCall, Priority: tasks.PriorityMedium, Due: schedule.In(1, schedule.UnitDays),
			Title: "Follow up on voicemail left for {{leadName}}",
		},
		OutcomeInterested: {
			TaskType: tasks.TaskTypeFollowUp, Priority: tasks.PriorityHigh, Due: schedule.In(1, schedule.UnitDays),
			Title: "Follow up with interested lead {{leadName}}", Description: "Send materials and propose next step.",
		},
		OutcomeMeetingScheduled: {
			TaskType: tasks.TaskTypePreparation, Priority: tasks.PriorityHigh, Due: schedule.In(1, schedule.UnitDays),
			Title: "Prepare for meeting with {{leadName}}",
		},
		OutcomeWrongNumber: {
			TaskType: tasks.TaskTypeDataEntry, Priority: tasks.PriorityLow, Due: schedule.In(1, schedule.UnitDays),
			Title: "Fix contact details for {{leadName}}",
		},
	}
}

// LookupTemplate resolves outcome against the builtin templates only.
func LookupTemplate(outcome string) OutcomeTemplate {
	if t, ok := DefaultOutcomeTemplates()[outcome]; ok {
		return t
	}
	return fallbackTemplate()
}

func fallbackTemplate() OutcomeTemplate {
	return OutcomeTemplate{
		TaskType: tasks.TaskTypeFollowUp,
		Priority: tasks.PriorityMedium,
		Due:      schedule.In(1, schedule.UnitDays),
		Title:    "Follow up with {{leadName}}",
	}
}

// TaskOverrides lets the caller of CreateTaskFromCallOutcome replace template fields.
type TaskOverrides struct {
	Title       string         `json:"title,omitempty"`
	Description string         `json:"description,omitempty"`
	Type        tasks.TaskType `json:"type,omitempty"`
	Priority    tasks.Priority `json:"priority,omitempty"`
	DueDate     *time.Time     `json:"due_date,omitempty"`
	AssigneeID  string         `json:"assignee_id,omitempty"`
	Due         *schedule.Rule `json:"due_rule,omitempty"`
}

// BuildOutcomeTask renders the task for a call outcome at base time.
func BuildOutcomeTask(tmpl OutcomeTemplate, in OutcomeInput, ov TaskOverrides, hours schedule.BusinessHours) (tasks.Task, error) {
	rule := tmpl.Due
	if ov.Due != nil {
		rule = *ov.Due
	}
	due, err := rule.Next(in.At, hours)
	if err != nil {
		return tasks.Task{}, tasks.Invalid("due_rule", err.Error())
	}
	if ov.DueDate != nil {
		due = *ov.DueDate
	}
	leadName := in.LeadName
	if leadName == "" {
		leadName = "lead " + in.LeadID
	}
	vars := map[string]string{"leadName": leadName, "outcome": in.Outcome}

	t := tasks.Task{
		Title:       Interpolate(tmpl.Title, vars),
		Description: Interpolate(tmpl.Description, vars),
		Type:        tmpl.TaskType,
		Priority:    tmpl.Priority,
		Status:      tasks.StatusPending,
		AssigneeID:  in.UserID,
		CreatorID:   in.UserID,
		LeadID:      in.LeadID,
		CallID:      in.CallID,
		DueDate:     &due,
	}
	if ov.Title != "" {
		t.Title = ov.Title
	}
	if ov.Description != "" {
		t.Description = ov.Description
	}
	if ov.Type != "" {
		t.Type = ov.Type
	}
	if ov.Priority != "" {
		t.Priority = ov.Priority
	}
	if ov.AssigneeID != "" {
		t.AssigneeID = ov.AssigneeID
	}
	return t, nil
}

// OutcomeInput describes a finished call.
type OutcomeInput struct {
	CallID   string
	LeadID   string
	LeadName string
	UserID   string
	Outcome  string
	At       time.Time
}
