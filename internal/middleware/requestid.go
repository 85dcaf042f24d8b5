package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	// RequestIDHeader carries the request identifier in both directions.
	RequestIDHeader = "X-Request-ID"

	// RequestIDKey is the gin.Context key holding the request identifier.
	RequestIDKey = "request_id"
)

// RequestIDMiddleware tags every request with an identifier.
//
// An inbound X-Request-ID (from a proxy or the caller) is reused as is;
// otherwise a UUID v4 is generated. The value is stored under RequestIDKey,
// echoed in the response header, and attached to request logs and audit
// entries:
//
//	id := c.GetString(middleware.RequestIDKey)
//
// Register it right after gin.Recovery() so every later middleware sees it.
func RequestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(RequestIDHeader)
		if id == "" {
			id = uuid.New().String()
		}

		c.Set(RequestIDKey, id)
		c.Header(RequestIDHeader, id)

		c.Next()
	}
}
