// Package auth extracts the caller identity established by the upstream
// marketplace gateway.
//
// The escrow engine does not authenticate users itself: the marketplace's
// auth service terminates sessions and forwards the resolved principal as
// X-User-ID / X-User-Role headers on internal requests. This package loads
// those into the gin context and enforces presence where required.
package auth

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/tesseralabs/tessera/internal/validation"
)

// Role is the coarse principal role forwarded by the gateway.
type Role string

const (
	RoleUser      Role = "user" // buyer or seller, per-escrow checks decide which
	RoleValidator Role = "validator"
	RoleAdmin     Role = "admin"
)

const (
	// ContextKeyUserID is the gin context key for the caller's user ID.
	ContextKeyUserID = "authUserID"
	// ContextKeyRole is the gin context key for the caller's role.
	ContextKeyRole = "authRole"
)

// Identity describes the authenticated caller.
type Identity struct {
	UserID string
	Role   Role
}

// Middleware loads the gateway-forwarded identity into the gin context.
// Requests without identity pass through; RequireIdentity gates routes.
func Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		userID := c.GetHeader("X-User-ID")
		if userID != "" && validation.IsValidID(userID) {
			c.Set(ContextKeyUserID, userID)

			role := Role(c.GetHeader("X-User-Role"))
			switch role {
			case RoleValidator, RoleAdmin:
			default:
				role = RoleUser
			}
			c.Set(ContextKeyRole, role)
		}
		c.Next()
	}
}

// RequireIdentity rejects requests that carry no forwarded principal.
func RequireIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, exists := c.Get(ContextKeyUserID); !exists {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"success": false,
				"message": "authentication required",
			})
			return
		}
		c.Next()
	}
}

// FromContext returns the caller identity, or ok=false if absent.
func FromContext(c *gin.Context) (Identity, bool) {
	userID := c.GetString(ContextKeyUserID)
	if userID == "" {
		return Identity{}, false
	}
	role := RoleUser
	if v, exists := c.Get(ContextKeyRole); exists {
		if r, okRole := v.(Role); okRole {
			role = r
		}
	}
	return Identity{UserID: userID, Role: role}, true
}
