package httpapi

import (
	"net/http"

	"sales-crm/internal/rbac"

	"github.com/gin-gonic/gin"
)

type loginRequest struct {
	UserID string `json:"user_id"`
}

// Login issues a token pair for an active directory user.
//
// NOTE: development only; there is no credential check. Production
// deployments get tokens from the identity provider.
func (h Handlers) Login(c *gin.Context) {
	if h.Auth == nil || h.Users == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req loginRequest
	if !bind(c, &req) {
		return
	}
	if req.UserID == "" {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{"error": "user_id required"})
		return
	}
	u, err := h.Users.GetUser(c.Request.Context(), req.UserID)
	if err != nil || !u.Active || !rbac.Valid(u.Role) {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unknown or inactive user"})
		return
	}
	pair, err := h.Auth.IssuePair(h.now(), u.ID, u.Role)
	if err != nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "token issuance failed"})
		return
	}
	c.JSON(http.StatusOK, pair)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

// Refresh re-reads the user's role so role changes and deactivation take
// effect without waiting for the refresh token to expire.
func (h Handlers) Refresh(c *gin.Context) {
	if h.Auth == nil || h.Users == nil {
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "auth not configured"})
		return
	}
	var req refreshRequest
	if !bind(c, &req) {
		return
	}
	ctx := c.Request.Context()
	pair, err := h.Auth.Refresh(h.now(), req.RefreshToken, func(userID string) (string, error) {
		u, err := h.Users.GetUser(ctx, userID)
		if err != nil {
			return "", err
		}
		if !u.Active || !rbac.Valid(u.Role) {
			return "", errInactiveUser
		}
		return u.Role, nil
	})
	if err != nil {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid refresh token"})
		return
	}
	c.JSON(http.StatusOK, pair)
}
