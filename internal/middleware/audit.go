// audit.go provides Gin middleware that ships a record of authenticated
// requests to the configured audit destinations.
package middleware

import (
	"strings"

	"github.com/api-manager/api-manager/internal/audit"
	"github.com/api-manager/api-manager/internal/config"
	"github.com/gin-gonic/gin"
)

// resourcePrefixes maps route prefixes to audit resource types. Longer
// prefixes come first.
var resourcePrefixes = []struct {
	prefix   string
	resource string
}{
	{"/admin/api/users", "user"},
	{"/admin/api/keys", "api_key"},
	{"/admin/api", "admin"},
	{"/keys", "api_key"},
	{"/auth", "account"},
	{"/dashboard", "dashboard"},
	{"/api", "protected_api"},
}

func resourceType(path string) string {
	for _, p := range resourcePrefixes {
		if strings.HasPrefix(path, p.prefix) {
			return p.resource
		}
	}
	return ""
}

// AuditMiddleware records every authenticated request after it completes.
//
// Without configuration only successful writes are recorded.
// LogReadOperations adds GET requests; LogFailedRequests adds writes that
// failed with a 4xx or 5xx status. Anonymous requests are never recorded here;
// login and registration are audited by the account service itself.
func AuditMiddleware(recorder *audit.Recorder, auditCfg *config.AuditConfig) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		method := c.Request.Method
		if method == "OPTIONS" || method == "HEAD" {
			return
		}

		userID := c.GetString(ContextKeyUserID)
		if userID == "" {
			return
		}

		isRead := method == "GET"
		isFailed := c.Writer.Status() >= 400
		logReads := auditCfg != nil && auditCfg.LogReadOperations
		logFailed := auditCfg != nil && auditCfg.LogFailedRequests

		if isRead && !logReads {
			return
		}
		if isFailed && !logFailed {
			return
		}

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}

		metadata := map[string]interface{}{
			"method": method,
			"route":  path,
		}
		if am := c.GetString("auth_method"); am != "" {
			metadata["auth_method"] = am
		}

		recorder.Record(&audit.LogEntry{
			Action:       audit.ActionHTTPRequest,
			UserID:       userID,
			ResourceType: resourceType(c.Request.URL.Path),
			ResourceID:   c.Param("id"),
			IPAddress:    c.ClientIP(),
			UserAgent:    c.Request.UserAgent(),
			RequestID:    c.GetString(RequestIDKey),
			StatusCode:   c.Writer.Status(),
			Success:      audit.Bool(!isFailed),
			Metadata:     metadata,
		})
	}
}
