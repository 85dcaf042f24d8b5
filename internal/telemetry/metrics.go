// Package telemetry provides application-level observability for the API key manager.
//
// # Prometheus Metrics Endpoint
//
// All metrics are registered against the default Prometheus registry and are
// served on the side-channel HTTP server started by cmd/server:
//
//	GET http://<host>:<APIM_TELEMETRY_METRICS_PROMETHEUS_PORT>/metrics
//
// Default port: 9090. The endpoint is not served by the Gin router.
//
// # Metric Groups
//
//   - HTTP request counters and latency histograms (labelled by route template, not raw URL)
//   - API key validation outcomes and lifecycle operations
//   - OTP verification and login outcomes
//   - Outbound email deliveries
//   - Rate limiter rejections
//   - Retention purges and expiry notifications
//   - Database connection pool gauge (polled every 30 s)
//
// # Label Cardinality
//
// HTTP metrics use c.FullPath() (route template such as /keys/:id/usage) rather
// than the raw request URL. Every other label has a small fixed value set.
package telemetry

import (
	"context"
	"database/sql"
	"log/slog"
	"time"

	"github.com/api-manager/api-manager/internal/safego"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "apim"

// HTTP metrics, labelled by method, route template, and status code.
//
// Example PromQL queries:
//   - Request rate (req/s, 5 m window):  rate(apim_http_requests_total[5m])
//   - p99 latency per route:             histogram_quantile(0.99, sum by (path, le) (rate(apim_http_request_duration_seconds_bucket[5m])))
var (
	HTTPRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests processed, by method, route template, and status code.",
		},
		[]string{"method", "path", "status"},
	)

	HTTPRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Histogram of HTTP request latencies, by method and route template.",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10, 30},
		},
		[]string{"method", "path"},
	)
)

// Credential metrics.
//
// APIKeyValidationsTotal{result} counts outcomes of the API key middleware:
// missing, unknown, inactive, valid, error. A rising "unknown" rate usually
// means a client is using a rotated key.
//
// APIKeyOperationsTotal{action} counts lifecycle changes: create, regenerate,
// revoke, status_change, update.
//
// OTPVerificationsTotal{result} counts passcode checks: success, invalid,
// throttled.
//
// LoginAttemptsTotal{result} counts logins: success, bad_credentials,
// unverified, unknown_user.
var (
	APIKeyValidationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_key_validations_total",
			Help:      "Total number of API key validations, by result.",
		},
		[]string{"result"},
	)

	APIKeyOperationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "api_key_operations_total",
			Help:      "Total number of API key lifecycle operations, by action.",
		},
		[]string{"action"},
	)

	OTPVerificationsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "otp_verifications_total",
			Help:      "Total number of one-time passcode verifications, by result.",
		},
		[]string{"result"},
	)

	LoginAttemptsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "login_attempts_total",
			Help:      "Total number of login attempts, by result.",
		},
		[]string{"result"},
	)
)

// EmailsSentTotal{template, result} counts outbound email deliveries. result is
// "sent" or "failed".
//
// Example PromQL queries:
//   - SMTP failure ratio:  sum(rate(apim_emails_sent_total{result="failed"}[1h])) / sum(rate(apim_emails_sent_total[1h]))
var EmailsSentTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "emails_sent_total",
		Help:      "Total number of outbound emails, by template and result.",
	},
	[]string{"template", "result"},
)

// RateLimitedRequestsTotal{limiter} counts requests rejected with 429, by the
// limiter that rejected them (global, auth, otp).
var RateLimitedRequestsTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "rate_limited_requests_total",
		Help:      "Total number of requests rejected by a rate limiter.",
	},
	[]string{"limiter"},
)

// RetentionRowsDeletedTotal{table} counts rows removed by the retention job.
var RetentionRowsDeletedTotal = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "retention_rows_deleted_total",
		Help:      "Total number of rows deleted by retention cleanup, by table.",
	},
	[]string{"table"},
)

// APIKeyExpiryNotificationsSentTotal is incremented once per expiry warning
// delivered by the expiry notifier job.
var APIKeyExpiryNotificationsSentTotal = promauto.NewCounter(
	prometheus.CounterOpts{
		Namespace: namespace,
		Name:      "api_key_expiry_notifications_sent_total",
		Help:      "Total number of API key expiry warning emails successfully sent.",
	},
)

// DBOpenConnections tracks open connections held by the sql.DB pool. It is
// sampled every 30 seconds by StartDBStatsCollector.
var DBOpenConnections = promauto.NewGauge(
	prometheus.GaugeOpts{
		Namespace: namespace,
		Name:      "db_open_connections",
		Help:      "Current number of open database connections in the pool.",
	},
)

// StartDBStatsCollector samples pool statistics every 30 seconds until ctx is
// cancelled or the database becomes unreachable.
func StartDBStatsCollector(ctx context.Context, db *sql.DB) {
	safego.Go("db-stats-collector", func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := db.PingContext(ctx); err != nil {
					slog.Warn("db stats collector: database unreachable, stopping collector", "error", err)
					return
				}
				DBOpenConnections.Set(float64(db.Stats().OpenConnections))
			}
		}
	})
}
