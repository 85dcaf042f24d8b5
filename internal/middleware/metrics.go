// Package middleware provides the Gin middleware of the API key manager:
// request IDs, metrics, rate limits, security headers, audit shipping, and
// the session and API key guards. Global middleware is registered in
// internal/api/router.go ahead of every route.
package middleware

import (
	"strconv"
	"time"

	"github.com/api-manager/api-manager/internal/telemetry"
	"github.com/gin-gonic/gin"
)

// noRoutePath labels requests that matched no route, keeping the path label
// bounded
const noRoutePath = "<no-route>"

// MetricsMiddleware records request counts and latencies:
//   - apim_http_requests_total{method, path, status}
//   - apim_http_request_duration_seconds{method, path}
//
// path is the matched route template from c.FullPath() (for example
// /keys/:id/usage), never the raw URL. Register it after gin.Recovery() and
// RequestIDMiddleware so statuses written by recovery are captured.
func MetricsMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = noRoutePath
		}
		method := c.Request.Method

		telemetry.HTTPRequestsTotal.WithLabelValues(method, path, strconv.Itoa(c.Writer.Status())).Inc()
		telemetry.HTTPRequestDuration.WithLabelValues(method, path).Observe(time.Since(start).Seconds())
	}
}
