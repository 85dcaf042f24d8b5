package views

import (
	"errors"
	"log/slog"
	"net/http"

	"github.com/api-manager/api-manager/internal/middleware"
	"github.com/api-manager/api-manager/internal/services"
	"github.com/gin-gonic/gin"
)

// Error writes err as {"error": message}. Classified service errors carry
// their own status and client-safe message. Anything else is logged and
// answered with a generic 500.
func Error(c *gin.Context, op string, err error) {
	var se *services.Error
	if errors.As(err, &se) && se.Kind != services.KindInternal {
		status := se.HTTPStatus()
		if status >= http.StatusInternalServerError {
			slog.Error(op+" failed", "error", err, "request_id", c.GetString(middleware.RequestIDKey))
		}
		c.JSON(status, gin.H{"error": se.Message})
		return
	}

	slog.Error(op+" failed", "error", err, "request_id", c.GetString(middleware.RequestIDKey))
	c.JSON(http.StatusInternalServerError, gin.H{"error": "Internal server error"})
}

// BindJSON decodes an optional JSON body into dst. An empty body leaves dst
// untouched; a malformed one is reported as 400 and false is returned.
func BindJSON(c *gin.Context, dst interface{}) bool {
	if c.Request.ContentLength == 0 {
		return true
	}
	if err := c.ShouldBindJSON(dst); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid request body"})
		return false
	}
	return true
}
