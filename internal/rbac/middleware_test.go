package rbac

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"sales-crm/internal/auth"

	"github.com/gin-gonic/gin"
)

func serveAs(role string, mw gin.HandlerFunc) int {
	gin.SetMode(gin.TestMode)

	r := gin.New()
	r.GET("/x", func(c *gin.Context) {
		ctx := auth.WithIdentity(c.Request.Context(), "u", role)
		c.Request = c.Request.WithContext(ctx)
		c.Next()
	}, mw, func(c *gin.Context) {
		c.Status(http.StatusOK)
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/x", nil))
	return w.Code
}

func TestRequireAnyRole_SuperAdminBypasses(t *testing.T) {
	if code := serveAs(RoleSuperAdmin, RequireAnyRole(RoleAdmin)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_AgentDeniedAdminRoutes(t *testing.T) {
	if code := serveAs(RoleAgent, RequireAnyRole(RoleManager, RoleAdmin)); code != http.StatusForbidden {
		t.Fatalf("expected 403, got %d", code)
	}
	if code := serveAs(RoleManager, RequireAnyRole(RoleManager, RoleAdmin)); code != http.StatusOK {
		t.Fatalf("expected 200, got %d", code)
	}
}

func TestRequireAnyRole_RoleRequired(t *testing.T) {
	if code := serveAs("", RequireAnyRole(RoleAgent)); code != http.StatusUnauthorized {
		t.Fatalf("expected 401, got %d", code)
	}
}

func TestCanActForOthers(t *testing.T) {
	if CanActForOthers(RoleAgent) || !CanActForOthers(RoleManager) || !CanActForOthers(RoleSuperAdmin) {
		t.Fatalf("unexpected role matrix")
	}
}
