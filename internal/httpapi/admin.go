package httpapi

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"sales-crm/internal/automation"
	"sales-crm/internal/routing"
	"sales-crm/internal/sequence"
	"sales-crm/internal/tasks"
	"sales-crm/pkg/logger"

	"github.com/gin-gonic/gin"
)

func (h Handlers) ListWorkers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"jobs": h.Workers.Jobs()})
}

// RunWorker triggers one run of a background job and waits for it.
func (h Handlers) RunWorker(c *gin.Context) {
	name := c.Param("name")
	stats, err := h.Workers.RunOnce(c.Request.Context(), name)
	h.adminAction(c, "run worker "+name, gin.H{"processed": stats.Processed, "failed": stats.Failed})
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"job": name, "processed": stats.Processed, "failed": stats.Failed})
}

func (h Handlers) RebuildIndex(c *gin.Context) {
	if err := h.CRM.Rebuild(c.Request.Context()); err != nil {
		fail(c, err)
		return
	}
	h.adminAction(c, "rebuild priority index", nil)
	c.JSON(http.StatusOK, gin.H{"indexed": h.CRM.Index().Len()})
}

type overrideRequest struct {
	UserID     string    `json:"user_id"`
	DelegateTo string    `json:"delegate_to"`
	ExpiresAt  time.Time `json:"expires_at"`
	Metadata   string    `json:"metadata"`
}

// PutOverride routes new work for user_id to delegate_to until expires_at.
func (h Handlers) PutOverride(c *gin.Context) {
	var req overrideRequest
	if !bind(c, &req) {
		return
	}
	if !req.ExpiresAt.After(h.now()) {
		fail(c, tasks.Invalid("expires_at", "must be in the future"))
		return
	}
	if h.Users != nil {
		u, err := h.Users.GetUser(c.Request.Context(), req.DelegateTo)
		if err != nil || !u.Active {
			fail(c, tasks.Invalid("delegate_to", "is not an active user"))
			return
		}
	}
	o, err := h.Admin.PutOverride(c.Request.Context(), routing.Override{
		UserID:     req.UserID,
		DelegateTo: req.DelegateTo,
		ExpiresAt:  req.ExpiresAt,
		Metadata:   req.Metadata,
	})
	if err != nil {
		fail(c, err)
		return
	}
	h.adminAction(c, fmt.Sprintf("delegate %s to %s", o.UserID, o.DelegateTo), gin.H{"override_id": o.OverrideID})
	c.JSON(http.StatusCreated, o)
}

func (h Handlers) CreateRule(c *gin.Context) {
	var r automation.Rule
	if !bind(c, &r) {
		return
	}
	if err := r.Validate(); err != nil {
		fail(c, err)
		return
	}
	now := h.now()
	r.ID = ""
	r.ExecutionCount, r.SuccessCount, r.LastExecuted = 0, 0, nil
	r.CreatedBy, r.CreatedAt, r.UpdatedAt = actor(c), now, now
	created, err := h.Admin.CreateRule(c.Request.Context(), r)
	if err != nil {
		fail(c, err)
		return
	}
	h.adminAction(c, "create rule "+created.Name, gin.H{"rule_id": created.ID})
	c.JSON(http.StatusCreated, created)
}

func (h Handlers) CreateSequence(c *gin.Context) {
	var seq sequence.Sequence
	if !bind(c, &seq) {
		return
	}
	if err := seq.Validate(); err != nil {
		fail(c, err)
		return
	}
	now := h.now()
	seq.ID = ""
	seq.EnrollmentCount, seq.CompletionCount, seq.ConversionCount = 0, 0, 0
	seq.CreatedBy, seq.CreatedAt, seq.UpdatedAt, seq.DeletedAt = actor(c), now, now, nil
	created, err := h.Admin.CreateSequence(c.Request.Context(), seq)
	if err != nil {
		fail(c, err)
		return
	}
	h.adminAction(c, "create sequence "+created.Name, gin.H{"sequence_id": created.ID})
	c.JSON(http.StatusCreated, created)
}

func (h Handlers) DeleteSequence(c *gin.Context) {
	id := c.Param("id")
	if err := h.Admin.DeleteSequence(c.Request.Context(), id, h.now()); err != nil {
		fail(c, err)
		return
	}
	h.adminAction(c, "delete sequence "+id, nil)
	c.Status(http.StatusNoContent)
}

// adminAction writes the audit record for a privileged call. A failed
// audit write is logged, not returned.
func (h Handlers) adminAction(c *gin.Context, message string, meta gin.H) {
	if h.Audit == nil {
		return
	}
	var metadata string
	if meta != nil {
		b, _ := json.Marshal(meta)
		metadata = string(b)
	}
	if err := h.Audit.LogAdminAction(c.Request.Context(), actor(c), role(c), c.ClientIP(), message, metadata); err != nil {
		logger.FromGin(c).Warn("admin audit failed", "err", err)
	}
}
