package httpapi

import (
	"net/http"
	"time"

	"sales-crm/internal/tasks"

	"github.com/gin-gonic/gin"
)

type createFollowupRequest struct {
	LeadID          string             `json:"lead_id"`
	CallID          string             `json:"call_id"`
	AssigneeID      string             `json:"assignee_id"`
	Type            tasks.FollowupType `json:"type"`
	Priority        tasks.Priority     `json:"priority"`
	Title           string             `json:"title"`
	Description     string             `json:"description"`
	ScheduledFor    time.Time          `json:"scheduled_for"`
	DurationMinutes int                `json:"duration_minutes"`
	Timezone        string             `json:"timezone"`
}

func (h Handlers) CreateFollowup(c *gin.Context) {
	var req createFollowupRequest
	if !bind(c, &req) {
		return
	}
	assignee, ok := subject(c, req.AssigneeID)
	if !ok {
		forbidden(c)
		return
	}
	f, err := h.CRM.CreateFollowup(c.Request.Context(), tasks.Followup{
		LeadID:          req.LeadID,
		CallID:          req.CallID,
		AssigneeID:      assignee,
		CreatedBy:       actor(c),
		Type:            req.Type,
		Priority:        req.Priority,
		Title:           req.Title,
		Description:     req.Description,
		ScheduledFor:    req.ScheduledFor,
		DurationMinutes: req.DurationMinutes,
		Timezone:        req.Timezone,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, f)
}

func (h Handlers) GetFollowup(c *gin.Context) {
	f, err := h.CRM.GetFollowup(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

type rescheduleRequest struct {
	ScheduledFor time.Time `json:"scheduled_for"`
	Reason       string    `json:"reason"`
}

func (h Handlers) RescheduleFollowup(c *gin.Context) {
	var req rescheduleRequest
	if !bind(c, &req) {
		return
	}
	f, err := h.CRM.RescheduleFollowup(c.Request.Context(), c.Param("id"), req.ScheduledFor, req.Reason, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h Handlers) CompleteFollowup(c *gin.Context) {
	var req completeRequest
	if !bind(c, &req) {
		return
	}
	f, err := h.CRM.CompleteFollowup(c.Request.Context(), c.Param("id"), req.Outcome, req.Notes, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}

func (h Handlers) EscalateFollowup(c *gin.Context) {
	var req escalateRequest
	if !bind(c, &req) {
		return
	}
	f, err := h.CRM.EscalateFollowup(c.Request.Context(), c.Param("id"), req.EscalateTo, req.Reason, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, f)
}
