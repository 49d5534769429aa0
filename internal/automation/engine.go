package automation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"sales-crm/internal/routing"
	"sales-crm/internal/schedule"
	"sales-crm/internal/tasks"
)

// Event is a domain occurrence the rule engine reacts to.
type Event struct {
	Trigger   Trigger
	LeadID    string
	LeadName  string
	CallID    string
	UserID    string
	Territory string

	// Fields carries trigger-specific values (outcome, score, ...) that
	// conditions match against.
	Fields map[string]any
	// At is when the trigger happened and is the base for generated
	// schedules. Cooldowns always run on the engine clock.
	At time.Time
}

// Context flattens the event into the map conditions are evaluated against.
func (e Event) Context() map[string]any {
	out := make(map[string]any, len(e.Fields)+5)
	for k, v := range e.Fields {
		out[k] = v
	}
	set := func(k, v string) {
		if v != "" {
			out[k] = v
		}
	}
	set("lead_id", e.LeadID)
	set("call_id", e.CallID)
	set("user_id", e.UserID)
	set("territory", e.Territory)
	return out
}

// Outcome returns the call outcome carried by the event, if any.
func (e Event) Outcome() string {
	if v, ok := e.Fields["outcome"]; ok && v != nil {
		return fmt.Sprint(v)
	}
	return ""
}

// RuleStore is the persistence the engine needs. BeginRuleExecution must
// re-check CanExecute and bump ExecutionCount/LastExecuted in one atomic step
// so concurrent events cannot both pass the cooldown.
type RuleStore interface {
	ListActiveRules(ctx context.Context, trigger Trigger) ([]Rule, error)
	BeginRuleExecution(ctx context.Context, ruleID, leadID string, now time.Time) (Rule, error)
	FinishRuleExecution(ctx context.Context, ruleID string, success bool) error
}

// FollowupCreator persists generated followups.
type FollowupCreator interface {
	CreateFollowup(ctx context.Context, f tasks.Followup) (tasks.Followup, error)
}

// Assigner picks the agent for generated work.
type Assigner interface {
	Route(ctx context.Context, in routing.RouteInput) (routing.Decision, error)
}

// Result reports what one matching rule did.
type Result struct {
	RuleID   string          `json:"rule_id"`
	Followup *tasks.Followup `json:"followup,omitempty"`
	Skipped  string          `json:"skipped,omitempty"`
	Err      error           `json:"-"`
}

type Engine struct {
	rules     RuleStore
	creator   FollowupCreator
	assigner  Assigner
	hours     schedule.BusinessHours
	templates map[string]OutcomeTemplate
	clock     func() time.Time
	log       *slog.Logger
}

func NewEngine(rules RuleStore, creator FollowupCreator, assigner Assigner) *Engine {
	return &Engine{
		rules:     rules,
		creator:   creator,
		assigner:  assigner,
		hours:     schedule.DefaultBusinessHours(),
		templates: DefaultOutcomeTemplates(),
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

// WithTemplates replaces outcome templates; outcomes not in m keep the default.
func (e *Engine) WithTemplates(m map[string]OutcomeTemplate) *Engine {
	for k, v := range m {
		e.templates[k] = v
	}
	return e
}

func (e *Engine) BusinessHours() schedule.BusinessHours { return e.hours }

// Template returns the task template for a call outcome, falling back to a
// medium follow_up due in one day for unknown outcomes.
func (e *Engine) Template(outcome string) OutcomeTemplate {
	if t, ok := e.templates[outcome]; ok {
		return t
	}
	return fallbackTemplate()
}

// Evaluate runs every active rule for ev.Trigger. Non-matching rules produce
// no result; matching rules that are cooling down or capped are reported as
// skipped. One rule failing does not stop the others.
func (e *Engine) Evaluate(ctx context.Context, ev Event) ([]Result, error) {
	if !ev.Trigger.Valid() {
		return nil, tasks.Invalid("trigger_event", "is not a known trigger")
	}
	now := e.clock()
	base := ev.At
	if base.IsZero() || base.After(now) {
		base = now
	}

	rules, err := e.rules.ListActiveRules(ctx, ev.Trigger)
	if err != nil {
		return nil, err
	}
	evCtx := ev.Context()

	var out []Result
	for _, r := range rules {
		if !r.IsActive || !r.Matches(evCtx) {
			continue
		}
		out = append(out, e.execute(ctx, r, ev, base, now))
	}
	return out, nil
}

// Fired reports whether any result produced a followup.
func Fired(results []Result) bool {
	for _, r := range results {
		if r.Followup != nil {
			return true
		}
	}
	return false
}

func (e *Engine) execute(ctx context.Context, r Rule, ev Event, base, now time.Time) Result {
	res := Result{RuleID: r.ID}

	locked, err := e.rules.BeginRuleExecution(ctx, r.ID, ev.LeadID, now)
	switch {
	case errors.Is(err, tasks.ErrRuleCooldownActive), errors.Is(err, ErrExecutionLimitReached):
		res.Skipped = err.Error()
		e.log.Debug("automation rule skipped", "rule_id", r.ID, "lead_id", ev.LeadID, "reason", err.Error())
		return res
	case err != nil:
		res.Err = err
		e.log.Error("automation rule begin failed", "rule_id", r.ID, "error", err)
		return res
	}

	f, err := e.buildFollowup(ctx, locked, ev, base)
	if err == nil {
		var created tasks.Followup
		created, err = e.creator.CreateFollowup(ctx, f)
		if err == nil {
			res.Followup = &created
		}
	}
	if ferr := e.rules.FinishRuleExecution(ctx, r.ID, err == nil); ferr != nil {
		e.log.Error("automation rule finish failed", "rule_id", r.ID, "error", ferr)
	}
	if err != nil {
		res.Err = err
		e.log.Warn("automation rule action failed", "rule_id", r.ID, "lead_id", ev.LeadID, "error", err)
		return res
	}
	e.log.Info("automation rule fired", "rule_id", r.ID, "lead_id", ev.LeadID, "followup_id", res.Followup.ID)
	return res
}

func (e *Engine) buildFollowup(ctx context.Context, r Rule, ev Event, base time.Time) (tasks.Followup, error) {
	due, err := r.Schedule.Next(base, e.hours)
	if err != nil {
		return tasks.Followup{}, tasks.Invalid("schedule_rule", err.Error())
	}

	assignee := ev.UserID
	if e.assigner != nil {
		d, err := e.assigner.Route(ctx, routing.RouteInput{
			Key:            "rule:" + r.ID,
			Assignment:     r.Assignment,
			OriginalUserID: ev.UserID,
			Territory:      ev.Territory,
		})
		if err != nil {
			return tasks.Followup{}, err
		}
		assignee = d.AssigneeID
	}

	leadName := ev.LeadName
	if leadName == "" {
		leadName = "lead " + ev.LeadID
	}
	vars := map[string]string{"leadName": leadName, "ruleName": r.Name, "outcome": ev.Outcome()}
	title := r.TitleTemplate
	if title == "" {
		title = r.Name + ": {{leadName}}"
	}

	return tasks.Followup{
		LeadID:       ev.LeadID,
		CallID:       ev.CallID,
		AssigneeID:   assignee,
		CreatedBy:    ev.UserID,
		Type:         r.FollowupType,
		Priority:     r.Priority,
		Status:       tasks.FollowupScheduled,
		Title:        Interpolate(title, vars),
		Description:  Interpolate(r.DescriptionTemplate, vars),
		ScheduledFor: due,
		Timezone:     r.Schedule.Timezone,
		Automation:   tasks.AutomationLink{RuleID: r.ID},
	}, nil
}
