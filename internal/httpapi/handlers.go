package httpapi

import (
	"context"
	"errors"
	"net/http"
	"time"

	"sales-crm/internal/audit"
	"sales-crm/internal/auth"
	"sales-crm/internal/automation"
	"sales-crm/internal/crm"
	"sales-crm/internal/rbac"
	"sales-crm/internal/reporting"
	"sales-crm/internal/routing"
	"sales-crm/internal/schedule"
	"sales-crm/internal/sequence"
	"sales-crm/internal/tasks"
	"sales-crm/internal/users"
	"sales-crm/internal/workers"
	"sales-crm/pkg/logger"

	"github.com/gin-gonic/gin"
)

var errInactiveUser = errors.New("user is inactive")

// AdminStore is the configuration surface behind the admin routes.
type AdminStore interface {
	CreateRule(ctx context.Context, r automation.Rule) (automation.Rule, error)
	GetRule(ctx context.Context, id string) (automation.Rule, error)
	CreateSequence(ctx context.Context, seq sequence.Sequence) (sequence.Sequence, error)
	GetSequence(ctx context.Context, id string) (sequence.Sequence, error)
	DeleteSequence(ctx context.Context, id string, at time.Time) error
	PutOverride(ctx context.Context, o routing.Override) (routing.Override, error)
}

// Handlers groups HTTP handlers for dependency injection.
// Keep these thin: parse/validate input, call internal services, return JSON.
type Handlers struct {
	CRM     *crm.Service
	Workers *workers.Runner
	Reports *reporting.Service
	Admin   AdminStore
	Audit   *audit.Service
	Users   users.Directory
	Auth    *auth.Manager

	// DevLogin enables POST /auth/login, which issues tokens for any active
	// user without credentials. Never set in production.
	DevLogin bool

	Clock func() time.Time
}

func (h Handlers) now() time.Time {
	if h.Clock != nil {
		return h.Clock()
	}
	return time.Now()
}

// ClientIP stores the caller address in the request context for the
// override audit trail.
func ClientIP() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Request = c.Request.WithContext(routing.WithClientIP(c.Request.Context(), c.ClientIP()))
		c.Next()
	}
}

// MountAuth registers the unauthenticated token routes.
func (h Handlers) MountAuth(g *gin.RouterGroup) {
	g.POST("/auth/refresh", h.Refresh)
	if h.DevLogin {
		g.POST("/auth/login", h.Login)
	}
}

// Mount registers the protected API. The caller installs the access-token
// middleware on g.
func (h Handlers) Mount(g *gin.RouterGroup) {
	g.GET("/me/workload", h.MyWorkload)

	t := g.Group("/tasks")
	{
		t.POST("", h.CreateTask)
		t.GET("/next", h.NextTask)
		t.GET("/:id", h.GetTask)
		t.PATCH("/:id", h.UpdateTask)
		t.DELETE("/:id", h.DeleteTask)
		t.POST("/:id/assign", h.AssignTask)
		t.POST("/:id/start", h.StartTask)
		t.POST("/:id/complete", h.CompleteTask)
		t.POST("/:id/escalate", h.EscalateTask)
		t.POST("/:id/watchers", h.AddWatcher)
		t.POST("/:id/collaborators", h.AddCollaborator)
	}
	g.GET("/leads/:lead_id/tasks", h.LeadTasks)

	f := g.Group("/followups")
	{
		f.POST("", h.CreateFollowup)
		f.GET("/:id", h.GetFollowup)
		f.POST("/:id/reschedule", h.RescheduleFollowup)
		f.POST("/:id/complete", h.CompleteFollowup)
		f.POST("/:id/escalate", h.EscalateFollowup)
	}

	g.POST("/calls/:call_id/outcome", h.RecordCallOutcome)
	g.POST("/calls/:call_id/task", h.CreateTaskFromCall)
	g.POST("/automation/events", h.HandleEvent)

	g.POST("/sequences/:id/enroll", h.Enroll)
	g.POST("/enrollments/:id/exit", h.ExitEnrollment)
	g.POST("/enrollments/:id/convert", h.ConvertEnrollment)

	mgr := g.Group("", rbac.RequireAnyRole(rbac.RoleManager, rbac.RoleAdmin))
	mgr.GET("/reports/workload/:user_id", h.UserWorkload)
	mgr.GET("/reports/sequences/:id", h.SequenceReport)
	mgr.GET("/reports/rules/:id", h.RuleReport)

	admin := g.Group("/admin", rbac.RequireAnyRole(rbac.RoleManager, rbac.RoleAdmin))
	{
		admin.GET("/workers", h.ListWorkers)
		admin.POST("/workers/:name/run", h.RunWorker)
		admin.POST("/index/rebuild", h.RebuildIndex)
		admin.POST("/overrides", h.PutOverride)
	}
	cfg := g.Group("/admin", rbac.RequireAnyRole(rbac.RoleAdmin))
	{
		cfg.POST("/rules", h.CreateRule)
		cfg.POST("/sequences", h.CreateSequence)
		cfg.DELETE("/sequences/:id", h.DeleteSequence)
	}
}

// actor returns the authenticated user id; the auth middleware guarantees it.
func actor(c *gin.Context) string {
	uid, _ := auth.UserID(c.Request.Context())
	return uid
}

func role(c *gin.Context) string {
	r, _ := auth.Role(c.Request.Context())
	return r
}

// subject resolves the user a request acts for: the requested id when the
// caller may act for others, otherwise the caller.
func subject(c *gin.Context, requested string) (string, bool) {
	me := actor(c)
	if requested == "" || requested == me {
		return me, true
	}
	return requested, rbac.CanActForOthers(role(c))
}

func bind(c *gin.Context, dst any) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "invalid json"})
		return false
	}
	return true
}

// fail maps domain errors onto HTTP status codes.
func fail(c *gin.Context, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, tasks.ErrValidation), errors.Is(err, schedule.ErrInvalidRule), errors.Is(err, reporting.ErrInvalidRequest):
		status = http.StatusBadRequest
	case errors.Is(err, tasks.ErrNotFound), errors.Is(err, users.ErrUserNotFound), errors.Is(err, workers.ErrUnknownJob):
		status = http.StatusNotFound
	case errors.Is(err, tasks.ErrInvalidStateTransition),
		errors.Is(err, sequence.ErrAlreadyEnrolled),
		errors.Is(err, sequence.ErrSequenceInUse),
		errors.Is(err, sequence.ErrSequenceInactive),
		errors.Is(err, workers.ErrJobRunning),
		errors.Is(err, tasks.ErrRuleCooldownActive):
		status = http.StatusConflict
	case errors.Is(err, tasks.ErrEscalationTargetUnresolvable):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, crm.ErrAutomationDisabled), errors.Is(err, crm.ErrSequencesDisabled):
		status = http.StatusServiceUnavailable
	}

	if status == http.StatusInternalServerError {
		logger.FromGin(c).Error("request failed", "err", err)
		c.AbortWithStatusJSON(status, gin.H{"error": "internal error"})
		return
	}
	body := gin.H{"error": err.Error()}
	var ve *tasks.ValidationError
	if errors.As(err, &ve) {
		body["field"] = ve.Field
	}
	c.AbortWithStatusJSON(status, body)
}

func forbidden(c *gin.Context) {
	c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "forbidden"})
}
