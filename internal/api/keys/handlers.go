// Package keys implements the /keys HTTP handlers through which a verified
// user manages their own API keys. Every route is owner-scoped: a key that
// belongs to someone else answers exactly like a missing one.
package keys

import (
	"net/http"

	"github.com/api-manager/api-manager/internal/api/views"
	"github.com/api-manager/api-manager/internal/middleware"
	"github.com/api-manager/api-manager/internal/services"
	"github.com/gin-gonic/gin"
)

// SecretWarning accompanies every response that carries a raw key
const SecretWarning = "Please save this key securely. You will not be able to see it again."

// KeyHandlers handles API key management endpoints
type KeyHandlers struct {
	keys *services.APIKeyService
}

// NewKeyHandlers creates a new KeyHandlers instance
func NewKeyHandlers(keys *services.APIKeyService) *KeyHandlers {
	return &KeyHandlers{keys: keys}
}

// keyRequest is the body of generate and update. Fields are decoded loosely
// because expires_in_days may arrive as a number, a numeric string or null.
type keyRequest map[string]interface{}

func (r keyRequest) name() string {
	s, _ := r["name"].(string)
	return s
}

// expiry returns the parsed expires_in_days and whether the field was sent
func (r keyRequest) expiry() (*int, bool, error) {
	raw, present := r["expires_in_days"]
	if !present {
		return nil, false, nil
	}
	days, err := services.ParseExpiryDays(raw)
	return days, true, err
}

// clearExpiry reports whether the body asks for the expiry to be removed
func (r keyRequest) clearExpiry() bool {
	v, _ := r["clear_expiry"].(bool)
	return v
}

// @Summary      Generate API key
// @Description  Issue a new API key for the session user. The raw key is returned once and never stored.
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        body  body  object  false  "name and expires_in_days"
// @Success      201  {object}  map[string]interface{}  "Raw key and metadata"
// @Failure      400  {object}  map[string]interface{}  "Invalid expiry or key limit reached"
// @Router       /keys/generate [post]
// GenerateHandler issues a key
func (h *KeyHandlers) GenerateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		req := keyRequest{}
		if !views.BindJSON(c, &req) {
			return
		}
		days, _, err := req.expiry()
		if err != nil {
			views.Error(c, "generate api key", err)
			return
		}

		issued, err := h.keys.Create(c.Request.Context(), user, services.CreateKeyInput{
			Name:          req.name(),
			ExpiresInDays: days,
		}, views.Actor(c))
		if err != nil {
			views.Error(c, "generate api key", err)
			return
		}
		c.JSON(http.StatusCreated, gin.H{
			"message":  "API key generated successfully!",
			"api_key":  issued.RawKey,
			"key_info": views.NewKey(issued.Key),
			"warning":  SecretWarning,
		})
	}
}

// ListHandler lists the session user's keys, newest first
// GET /keys/list
func (h *KeyHandlers) ListHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		keys, err := h.keys.List(c.Request.Context(), c.GetString(middleware.ContextKeyUserID))
		if err != nil {
			views.Error(c, "list api keys", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"keys": views.NewKeys(keys)})
	}
}

// StatsHandler aggregates the session user's keys
// GET /keys/stats
func (h *KeyHandlers) StatsHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		stats, err := h.keys.Stats(c.Request.Context(), c.GetString(middleware.ContextKeyUserID))
		if err != nil {
			views.Error(c, "key stats", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"stats": gin.H{
			"total_keys":    stats.TotalKeys,
			"active_keys":   stats.ActiveKeys,
			"inactive_keys": stats.InactiveKeys,
			"revoked_keys":  stats.RevokedKeys,
			"total_usage":   stats.TotalUsage,
			"recent_usage":  stats.RecentUsage,
		}})
	}
}

// GetHandler returns one key
// GET /keys/:id
func (h *KeyHandlers) GetHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		key, err := h.keys.Get(c.Request.Context(), c.GetString(middleware.ContextKeyUserID), c.Param("id"))
		if err != nil {
			views.Error(c, "get api key", err)
			return
		}
		c.JSON(http.StatusOK, views.NewKey(key))
	}
}

// @Summary      Update API key status
// @Description  Set a key to active, inactive or revoked. A revoked key cannot be reactivated by its owner.
// @Tags         API Keys
// @Security     Bearer
// @Accept       json
// @Produce      json
// @Param        id    path  string  true  "Key ID"
// @Param        body  body  object  true  "status"
// @Success      200  {object}  map[string]interface{}
// @Failure      400  {object}  map[string]interface{}  "Invalid status or revoked key"
// @Failure      404  {object}  map[string]interface{}  "API key not found"
// @Router       /keys/{id}/status [post]
// StatusHandler changes a key's status
func (h *KeyHandlers) StatusHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		var req struct {
			Status string `json:"status"`
		}
		if !views.BindJSON(c, &req) {
			return
		}

		key, err := h.keys.UpdateStatus(c.Request.Context(), c.GetString(middleware.ContextKeyUserID), c.Param("id"), req.Status, views.Actor(c))
		if err != nil {
			views.Error(c, "update api key status", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":  "API key status updated to " + key.Status,
			"key_info": views.NewKey(key),
		})
	}
}

// DeleteHandler revokes a key. Its usage history is kept.
// DELETE /keys/:id/delete
func (h *KeyHandlers) DeleteHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := h.keys.Delete(c.Request.Context(), c.GetString(middleware.ContextKeyUserID), c.Param("id"), views.Actor(c)); err != nil {
			views.Error(c, "delete api key", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{"message": "API key deleted successfully"})
	}
}

// UsageHandler pages through a key's usage log
// GET /keys/:id/usage
func (h *KeyHandlers) UsageHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		page := views.PageRequest(c, services.KeyUsagePageDefault, services.KeyUsagePageMax)
		key, rows, pagination, err := h.keys.Usage(c.Request.Context(), c.GetString(middleware.ContextKeyUserID), c.Param("id"), page)
		if err != nil {
			views.Error(c, "api key usage", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"usage_logs": views.NewUsage(rows),
			"pagination": pagination,
			"key_info":   views.NewKey(key),
		})
	}
}

// RegenerateHandler replaces a key's secret. The old secret stops working
// immediately.
// POST /keys/:id/regenerate
func (h *KeyHandlers) RegenerateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		user := middleware.CurrentUser(c)
		if user == nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}

		issued, err := h.keys.Regenerate(c.Request.Context(), user, c.Param("id"), views.Actor(c))
		if err != nil {
			views.Error(c, "regenerate api key", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":  "API key regenerated successfully!",
			"api_key":  issued.RawKey,
			"key_info": views.NewKey(issued.Key),
			"warning":  SecretWarning,
		})
	}
}

// UpdateHandler renames a key and/or changes its expiry. A null or empty
// expires_in_days leaves the expiry as is; clear_expiry: true removes it.
// POST /keys/:id/update
func (h *KeyHandlers) UpdateHandler() gin.HandlerFunc {
	return func(c *gin.Context) {
		req := keyRequest{}
		if !views.BindJSON(c, &req) {
			return
		}
		days, _, err := req.expiry()
		if err != nil {
			views.Error(c, "update api key", err)
			return
		}

		key, err := h.keys.Update(c.Request.Context(), c.GetString(middleware.ContextKeyUserID), c.Param("id"), services.UpdateKeyInput{
			Name:          req.name(),
			ExpiresInDays: days,
			ClearExpiry:   req.clearExpiry(),
		}, views.Actor(c))
		if err != nil {
			views.Error(c, "update api key", err)
			return
		}
		c.JSON(http.StatusOK, gin.H{
			"message":  "API key updated successfully!",
			"key_info": views.NewKey(key),
		})
	}
}
