// apikeys.go implements the admin key handlers. Unlike the owner routes these
// see every key and may reactivate a revoked one.
package admin

import (
	"net/http"

	"github.com/api-manager/api-manager/internal/api/views"
	"github.com/api-manager/api-manager/internal/services"
	"github.com/gin-gonic/gin"
)

// APIKeyHandlers handles admin API key endpoints
type APIKeyHandlers struct {
	reports *services.ReportService
	keys    *services.APIKeyService
}

// NewAPIKeyHandlers creates a new APIKeyHandlers instance
func NewAPIKeyHandlers(reports *services.ReportService, keys *services.APIKeyService) *APIKeyHandlers {
	return &APIKeyHandlers{reports: reports, keys: keys}
}

// @Summary      List all API keys
// @Description  Paginated list of every key with owner username and email. Filters: status (active, inactive, revoked) and user_id.
// @Tags         Admin
// @Security     Bearer
// @Produce      json
// @Param        status    query  string  false  "Key status filter"
// @Param        user_id   query  string  false  "Owner filter"
// @Param        page      query  int     false  "Page number (default 1)"
// @Param        per_page  query  int     false  "Items per page, max 100 (default 20)"
// @Success      200  {object}  map[string]interface{}  "keys, pagination"
// @Failure      403  {object}  map[string]interface{}  "Admin access required"
// @Router       /admin/api/keys [get]
// ListKeysHandler lists keys across all users
func (h *APIKeyHandlers) ListKeysHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page := views.PageRequest(c, services.AdminListPageDefault, services.AdminListPageMax)
		keys, pagination, err := h.reports.ListKeys(c.Request.Context(), c.Query("status"), c.Query("user_id"), page)
		if err != nil {
			views.Error(c, "admin list keys", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"keys":       views.NewAdminKeys(keys),
			"pagination": pagination,
		})
	}
}

// UpdateKeyStatusHandler sets the status of any key
// POST /admin/api/keys/:id/status
func (h *APIKeyHandlers) UpdateKeyStatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status string `json:"status"`
		}
		if !views.BindJSON(c, &req) {
			return
		}

		key, err := h.keys.AdminUpdateStatus(c.Request.Context(), c.Param("id"), req.Status, views.Actor(c))
		if err != nil {
			views.Error(c, "admin update key status", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message": "API key status updated to " + key.Status,
			"key":     views.NewKey(key),
		})
	}
}
