// users.go implements the admin account handlers: listing with search,
// per-user detail and the admin and verification toggles.
package admin

import (
	"net/http"

	"github.com/api-manager/api-manager/internal/api/views"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/services"
	"github.com/gin-gonic/gin"
)

// UserHandlers handles admin user management endpoints
type UserHandlers struct {
	reports *services.ReportService
}

// NewUserHandlers creates a new UserHandlers instance
func NewUserHandlers(reports *services.ReportService) *UserHandlers {
	return &UserHandlers{reports: reports}
}

// @Summary      List users
// @Description  Get a paginated list of users with their key count and total usage. search matches username or email.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        search    query  string  false  "Substring of username or email"
// @Param        page      query  int     false  "Page number (default 1)"
// @Param        per_page  query  int     false  "Items per page, max 100 (default 20)"
// @Success      200  {object}  map[string]interface{}  "users, pagination"
// @Failure      403  {object}  map[string]interface{}  "Admin access required"
// @Router       /admin/api/users [get]
// ListUsersHandler lists accounts
func (h *UserHandlers) ListUsersHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page := views.PageRequest(c, services.AdminListPageDefault, services.AdminListPageMax)
		users, pagination, err := h.reports.ListUsers(c.Request.Context(), c.Query("search"), page)
		if err != nil {
			views.Error(c, "list users", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"users":      views.NewUserSummaries(users),
			"pagination": pagination,
		})
	}
}

// GetUserHandler returns an account with its keys, last logins and usage
// GET /admin/api/users/:id
func (h *UserHandlers) GetUserHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		detail, err := h.reports.UserDetail(c.Request.Context(), c.Param("id"))
		if err != nil {
			views.Error(c, "get user", err)
			return
		}

		var active int64
		for _, k := range detail.Keys {
			if k.Status == models.KeyStatusActive {
				active++
			}
		}
		c.JSON(http.StatusOK, gin.H{
			"user":          views.NewUser(detail.User),
			"api_keys":      views.NewKeys(detail.Keys),
			"login_history": views.NewLogins(detail.LoginHistory),
			"stats": gin.H{
				"total_keys":   len(detail.Keys),
				"active_keys":  active,
				"total_usage":  detail.TotalUsage,
				"recent_usage": detail.RecentUsage,
			},
		})
	}
}

// @Summary      Toggle admin
// @Description  Grant or remove admin rights. An admin cannot change their own flag.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        id  path  string  true  "User ID"
// @Success      200  {object}  map[string]interface{}
// @Failure      403  {object}  map[string]interface{}  "Cannot modify your own admin status"
// @Failure      404  {object}  map[string]interface{}  "User not found"
// @Router       /admin/api/users/{id}/toggle_admin [post]
// ToggleAdminHandler flips another account's admin flag
func (h *UserHandlers) ToggleAdminHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.reports.ToggleAdmin(c.Request.Context(), c.Param("id"), views.Actor(c))
		if err != nil {
			views.Error(c, "toggle admin", err)
			return
		}
		verb := "removed from"
		if user.IsAdmin {
			verb = "granted to"
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "Admin rights " + verb + " " + user.Username,
			"user":    views.NewUser(user),
		})
	}
}

// ToggleVerificationHandler flips an account's verified flag
// POST /admin/api/users/:id/toggle_verification
func (h *UserHandlers) ToggleVerificationHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user, err := h.reports.ToggleVerification(c.Request.Context(), c.Param("id"), views.Actor(c))
		if err != nil {
			views.Error(c, "toggle verification", err)
			return
		}
		state := "unverified"
		if user.OTPVerified {
			state = "verified"
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "User " + user.Username + " marked as " + state,
			"user":    views.NewUser(user),
		})
	}
}
