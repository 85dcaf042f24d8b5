package middleware

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/api-manager/api-manager/internal/auth"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/api-manager/api-manager/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// DefaultAPIKeyHeader is the request header that carries the raw API key
const DefaultAPIKeyHeader = "X-API-Key"

// Context keys bound by the authentication middleware
const (
	ContextKeyAPIKey   = "api_key"
	ContextKeyAPIKeyID = "api_key_id"
	ContextKeyUser     = "user"
	ContextKeyUserID   = "user_id"
)

// APIKeyMiddleware authenticates requests by API key.
//
// The raw key is hashed and looked up by digest. A key that exists but is not
// valid (inactive, revoked or expired) is rejected and leaves one invalid_key
// usage row behind. A valid key is charged one usage (counter, last_used and a
// success row in a single transaction) before the handler runs. Store failures
// are answered with 500 and never let the request through.
func APIKeyMiddleware(keys *repositories.APIKeyRepository, header string) gin.HandlerFunc {
	return apiKeyMiddleware(keys, header, time.Now)
}

func apiKeyMiddleware(keys *repositories.APIKeyRepository, header string, now func() time.Time) gin.HandlerFunc {
	if header == "" {
		header = DefaultAPIKeyHeader
	}

	return func(c *gin.Context) {
		rawKey := c.GetHeader(header)
		if rawKey == "" {
			telemetry.APIKeyValidationsTotal.WithLabelValues("missing").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "API key required",
				"message": "Please provide API key in " + header + " header",
			})
			return
		}

		ctx := c.Request.Context()
		key, err := keys.GetByHash(ctx, auth.HashAPIKey(rawKey))
		if err != nil {
			apiKeyStoreFailure(c, "lookup", err)
			return
		}
		if key == nil {
			telemetry.APIKeyValidationsTotal.WithLabelValues("unknown").Inc()
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error":   "Invalid API key",
				"message": "The provided API key is not valid",
			})
			return
		}

		at := now().UTC()
		usage := &models.APIUsage{
			KeyID:     key.ID,
			Endpoint:  c.Request.URL.Path,
			Timestamp: at,
			IPAddress: optionalString(c.ClientIP()),
			UserAgent: optionalString(c.Request.UserAgent()),
		}

		if !key.IsValid(at) {
			usage.Status = models.UsageStatusInvalidKey
			if _, err := keys.RecordUsage(ctx, usage); err != nil {
				apiKeyStoreFailure(c, "record invalid usage", err)
				return
			}
			rejectInactiveKey(c)
			return
		}

		usage.Status = models.UsageStatusSuccess
		accepted, err := keys.RecordUsage(ctx, usage)
		if err != nil {
			apiKeyStoreFailure(c, "record usage", err)
			return
		}
		if !accepted {
			// revoked, deactivated or expired after the lookup
			rejectInactiveKey(c)
			return
		}
		key.UsageCount++
		key.LastUsed = &at

		telemetry.APIKeyValidationsTotal.WithLabelValues("valid").Inc()
		c.Set(ContextKeyAPIKey, key)
		c.Set(ContextKeyAPIKeyID, key.ID)
		c.Set(ContextKeyUserID, key.UserID)
		c.Set("auth_method", "api_key")

		c.Next()
	}
}

func rejectInactiveKey(c *gin.Context) {
	telemetry.APIKeyValidationsTotal.WithLabelValues("inactive").Inc()
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
		"error":   "Invalid API key",
		"message": "API key is not active",
	})
}

func apiKeyStoreFailure(c *gin.Context, op string, err error) {
	telemetry.APIKeyValidationsTotal.WithLabelValues("error").Inc()
	slog.Error("api key validation failed", "op", op, "error", err, "path", c.Request.URL.Path)
	c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// CurrentAPIKey returns the key bound by APIKeyMiddleware, or nil
func CurrentAPIKey(c *gin.Context) *models.APIKey {
	v, ok := c.Get(ContextKeyAPIKey)
	if !ok {
		return nil
	}
	key, _ := v.(*models.APIKey)
	return key
}

func optionalString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
