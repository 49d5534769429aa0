package httpapi

import (
	"net/http"
	"time"

	"sales-crm/internal/automation"
	"sales-crm/internal/calls"
	"sales-crm/internal/sequence"
	"sales-crm/internal/tasks"

	"github.com/gin-gonic/gin"
)

type callOutcomeRequest struct {
	LeadID          string                   `json:"lead_id"`
	LeadName        string                   `json:"lead_name"`
	UserID          string                   `json:"user_id"`
	Territory       string                   `json:"territory"`
	Status          calls.CallStatus         `json:"status"`
	Outcome         string                   `json:"outcome"`
	Notes           string                   `json:"notes"`
	DurationSeconds int                      `json:"duration"`
	EndedAt         time.Time                `json:"ended_at"`
	Overrides       automation.TaskOverrides `json:"overrides"`
}

func (r callOutcomeRequest) call(callID, userID string) calls.Call {
	return calls.Call{
		CallID:          callID,
		LeadID:          r.LeadID,
		LeadName:        r.LeadName,
		UserID:          userID,
		Territory:       r.Territory,
		Status:          r.Status,
		Outcome:         calls.Outcome(r.Outcome),
		Notes:           r.Notes,
		DurationSeconds: r.DurationSeconds,
		EndedAt:         r.EndedAt,
	}
}

// RecordCallOutcome runs call_outcome rules and falls back to the builtin task.
func (h Handlers) RecordCallOutcome(c *gin.Context) {
	var req callOutcomeRequest
	if !bind(c, &req) {
		return
	}
	uid, ok := subject(c, req.UserID)
	if !ok {
		forbidden(c)
		return
	}
	res, err := h.CRM.RecordCallOutcome(c.Request.Context(), req.call(c.Param("call_id"), uid), req.Overrides)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, res)
}

// CreateTaskFromCall always creates the builtin outcome task; rules are not consulted.
func (h Handlers) CreateTaskFromCall(c *gin.Context) {
	var req callOutcomeRequest
	if !bind(c, &req) {
		return
	}
	uid, ok := subject(c, req.UserID)
	if !ok {
		forbidden(c)
		return
	}
	t, err := h.CRM.CreateTaskFromCallOutcome(c.Request.Context(), req.call(c.Param("call_id"), uid), req.Overrides)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

type eventRequest struct {
	Trigger   automation.Trigger `json:"trigger_event"`
	LeadID    string             `json:"lead_id"`
	LeadName  string             `json:"lead_name"`
	CallID    string             `json:"call_id"`
	UserID    string             `json:"user_id"`
	Territory string             `json:"territory"`
	Fields    map[string]any     `json:"fields"`
}

type ruleResult struct {
	RuleID   string          `json:"rule_id"`
	Followup *tasks.Followup `json:"followup,omitempty"`
	Skipped  string          `json:"skipped,omitempty"`
	Error    string          `json:"error,omitempty"`
}

// HandleEvent feeds an external lifecycle event (lead updates, score changes)
// into the rule engine.
func (h Handlers) HandleEvent(c *gin.Context) {
	var req eventRequest
	if !bind(c, &req) {
		return
	}
	if !req.Trigger.Valid() {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "unknown trigger_event", "field": "trigger_event"})
		return
	}
	uid, ok := subject(c, req.UserID)
	if !ok {
		forbidden(c)
		return
	}
	res, err := h.CRM.HandleEvent(c.Request.Context(), automation.Event{
		Trigger:   req.Trigger,
		LeadID:    req.LeadID,
		LeadName:  req.LeadName,
		CallID:    req.CallID,
		UserID:    uid,
		Territory: req.Territory,
		Fields:    req.Fields,
		At:        h.now(),
	})
	if err != nil {
		fail(c, err)
		return
	}
	out := make([]ruleResult, 0, len(res))
	for _, r := range res {
		rr := ruleResult{RuleID: r.RuleID, Followup: r.Followup, Skipped: r.Skipped}
		if r.Err != nil {
			rr.Error = r.Err.Error()
		}
		out = append(out, rr)
	}
	c.JSON(http.StatusOK, gin.H{"results": out})
}

type enrollRequest struct {
	LeadID    string `json:"lead_id"`
	LeadName  string `json:"lead_name"`
	UserID    string `json:"user_id"`
	StartStep int    `json:"start_step"`
}

func (h Handlers) Enroll(c *gin.Context) {
	var req enrollRequest
	if !bind(c, &req) {
		return
	}
	uid, ok := subject(c, req.UserID)
	if !ok {
		forbidden(c)
		return
	}
	e, err := h.CRM.EnrollInSequence(c.Request.Context(), sequence.EnrollRequest{
		SequenceID: c.Param("id"),
		LeadID:     req.LeadID,
		LeadName:   req.LeadName,
		UserID:     uid,
		StartStep:  req.StartStep,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, e)
}

type exitRequest struct {
	Reason string `json:"reason"`
}

func (h Handlers) ExitEnrollment(c *gin.Context) {
	var req exitRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	e, err := h.CRM.ExitEnrollment(c.Request.Context(), c.Param("id"), req.Reason)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}

func (h Handlers) ConvertEnrollment(c *gin.Context) {
	e, err := h.CRM.ConvertEnrollment(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, e)
}
