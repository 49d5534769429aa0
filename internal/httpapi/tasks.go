package httpapi

import (
	"net/http"
	"time"

	"sales-crm/internal/crm"
	"sales-crm/internal/tasks"

	"github.com/gin-gonic/gin"
)

type createTaskRequest struct {
	Title            string               `json:"title"`
	Description      string               `json:"description"`
	Type             tasks.TaskType       `json:"type"`
	Priority         tasks.Priority       `json:"priority"`
	Status           tasks.Status         `json:"status"`
	AssigneeID       string               `json:"assignee_id"`
	LeadID           string               `json:"lead_id"`
	CallID           string               `json:"call_id"`
	FollowupID       string               `json:"followup_id"`
	DueDate          *time.Time           `json:"due_date"`
	EstimatedMinutes int                  `json:"estimated_minutes"`
	ParentID         string               `json:"parent_id"`
	BlockedBy        []string             `json:"blocked_by"`
	Recurrence       *tasks.Recurrence    `json:"recurrence"`
	Reminder         tasks.ReminderConfig `json:"reminder"`
	Watchers         []string             `json:"watchers"`
	Collaborators    []string             `json:"collaborators"`
}

// CreateTask creates a task owned by the caller unless assignee_id says otherwise.
func (h Handlers) CreateTask(c *gin.Context) {
	var req createTaskRequest
	if !bind(c, &req) {
		return
	}
	assignee, ok := subject(c, req.AssigneeID)
	if !ok {
		forbidden(c)
		return
	}
	t, err := h.CRM.CreateTask(c.Request.Context(), tasks.Task{
		Title:            req.Title,
		Description:      req.Description,
		Type:             req.Type,
		Priority:         req.Priority,
		Status:           req.Status,
		AssigneeID:       assignee,
		CreatorID:        actor(c),
		LeadID:           req.LeadID,
		CallID:           req.CallID,
		FollowupID:       req.FollowupID,
		DueDate:          req.DueDate,
		EstimatedMinutes: req.EstimatedMinutes,
		ParentID:         req.ParentID,
		BlockedBy:        req.BlockedBy,
		Recurrence:       req.Recurrence,
		Reminder:         req.Reminder,
		Watchers:         req.Watchers,
		Collaborators:    req.Collaborators,
	})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusCreated, t)
}

func (h Handlers) GetTask(c *gin.Context) {
	t, err := h.CRM.GetTask(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h Handlers) UpdateTask(c *gin.Context) {
	var patch crm.TaskPatch
	if !bind(c, &patch) {
		return
	}
	t, err := h.CRM.UpdateTask(c.Request.Context(), c.Param("id"), patch, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h Handlers) DeleteTask(c *gin.Context) {
	if err := h.CRM.DeleteTask(c.Request.Context(), c.Param("id"), actor(c)); err != nil {
		fail(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

type userRequest struct {
	UserID string `json:"user_id"`
}

func (h Handlers) AssignTask(c *gin.Context) {
	var req userRequest
	if !bind(c, &req) {
		return
	}
	if _, ok := subject(c, req.UserID); !ok {
		forbidden(c)
		return
	}
	t, err := h.CRM.AssignTask(c.Request.Context(), c.Param("id"), req.UserID, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h Handlers) StartTask(c *gin.Context) {
	t, err := h.CRM.StartTask(c.Request.Context(), c.Param("id"), actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type completeRequest struct {
	Outcome string `json:"outcome"`
	Notes   string `json:"notes"`
}

func (h Handlers) CompleteTask(c *gin.Context) {
	var req completeRequest
	if c.Request.ContentLength != 0 && !bind(c, &req) {
		return
	}
	t, err := h.CRM.CompleteTask(c.Request.Context(), c.Param("id"), req.Outcome, req.Notes, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

type escalateRequest struct {
	EscalateTo string `json:"escalate_to"`
	Reason     string `json:"reason"`
}

func (h Handlers) EscalateTask(c *gin.Context) {
	var req escalateRequest
	if !bind(c, &req) {
		return
	}
	t, err := h.CRM.EscalateTask(c.Request.Context(), c.Param("id"), req.EscalateTo, req.Reason, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h Handlers) AddWatcher(c *gin.Context) {
	var req userRequest
	if !bind(c, &req) {
		return
	}
	t, err := h.CRM.AddWatcher(c.Request.Context(), c.Param("id"), req.UserID, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h Handlers) AddCollaborator(c *gin.Context) {
	var req userRequest
	if !bind(c, &req) {
		return
	}
	t, err := h.CRM.AddCollaborator(c.Request.Context(), c.Param("id"), req.UserID, actor(c))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, t)
}

// NextTask returns the top-ranked open task, or 204 when the queue is empty.
// Managers may pass ?user_id= to look at someone else's queue.
func (h Handlers) NextTask(c *gin.Context) {
	uid, ok := subject(c, c.Query("user_id"))
	if !ok {
		forbidden(c)
		return
	}
	t, found, err := h.CRM.GetNextTask(c.Request.Context(), uid)
	if err != nil {
		fail(c, err)
		return
	}
	if !found {
		c.Status(http.StatusNoContent)
		return
	}
	c.JSON(http.StatusOK, t)
}

func (h Handlers) LeadTasks(c *gin.Context) {
	list, err := h.CRM.ListTasksByLead(c.Request.Context(), c.Param("lead_id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"tasks": list})
}
