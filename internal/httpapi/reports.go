package httpapi

import (
	"net/http"

	"sales-crm/internal/reporting"

	"github.com/gin-gonic/gin"
)

// MyWorkload is the caller's digest view: counts plus the ranked items.
func (h Handlers) MyWorkload(c *gin.Context) {
	h.workload(c, actor(c))
}

func (h Handlers) UserWorkload(c *gin.Context) {
	h.workload(c, c.Param("user_id"))
}

func (h Handlers) workload(c *gin.Context, userID string) {
	w, err := h.Reports.Workload(c.Request.Context(), userID)
	if err != nil {
		fail(c, err)
		return
	}
	subject, body := reporting.FormatDigest(w, 10)
	c.JSON(http.StatusOK, gin.H{"summary": w, "subject": subject, "body": body})
}

func (h Handlers) SequenceReport(c *gin.Context) {
	seq, err := h.Admin.GetSequence(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reporting.SequenceMetricsFor(seq))
}

func (h Handlers) RuleReport(c *gin.Context) {
	r, err := h.Admin.GetRule(c.Request.Context(), c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, reporting.RuleMetricsFor(r))
}
