// auth.go provides the session guards used by the account, key, dashboard and
// admin routes: bearer session authentication plus verified-email and admin
// requirements.
package middleware

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/api-manager/api-manager/internal/auth"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/gin-gonic/gin"
)

// SessionAuthMiddleware requires an "Authorization: Bearer <token>" header
// carrying a session token issued at login. The token subject is reloaded
// from the store on every request so admin and verification changes take
// effect immediately.
func SessionAuthMiddleware(sessions *auth.SessionManager, users *repositories.UserRepository) gin.HandlerFunc {
	return func(c *gin.Context) {
		token := bearerToken(c.GetHeader("Authorization"))
		if token == "" {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		claims, err := sessions.Validate(token)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		user, err := users.GetUserByID(c.Request.Context(), claims.UserID)
		if err != nil {
			slog.Error("session user lookup failed", "error", err, "user_id", claims.UserID)
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
			return
		}
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		c.Set(ContextKeyUser, user)
		c.Set(ContextKeyUserID, user.ID)
		c.Set("auth_method", "session")

		c.Next()
	}
}

// RequireVerified rejects sessions whose email has not been verified.
// Must run after SessionAuthMiddleware.
func RequireVerified() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		if !user.OTPVerified {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Email verification required"})
			return
		}
		c.Next()
	}
}

// RequireAdmin rejects non-admin sessions. Must run after SessionAuthMiddleware.
func RequireAdmin() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := CurrentUser(c)
		if user == nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		if !user.IsAdmin {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "Admin access required"})
			return
		}
		c.Next()
	}
}

// CurrentUser returns the user bound by SessionAuthMiddleware, or nil
func CurrentUser(c *gin.Context) *models.User {
	v, ok := c.Get(ContextKeyUser)
	if !ok {
		return nil
	}
	user, _ := v.(*models.User)
	return user
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}
