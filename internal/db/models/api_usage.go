// Package models - api_usage.go defines the append-only per-request usage row.
package models

import "time"

// Usage outcome values
const (
	UsageStatusSuccess    = "success"
	UsageStatusFailure    = "failure"
	UsageStatusInvalidKey = "invalid_key"
	UsageStatusExpired    = "expired"
)

// APIUsage records one request that presented a known API key
type APIUsage struct {
	ID        string    `db:"id"`
	KeyID     string    `db:"key_id"`
	Endpoint  string    `db:"endpoint"`
	Timestamp time.Time `db:"timestamp"`
	Status    string    `db:"status"`
	IPAddress *string   `db:"ip_address"`
	UserAgent *string   `db:"user_agent"`
	// Joined fields used by activity feeds
	KeyName    *string `db:"key_name"`
	KeyPreview *string `db:"key_preview"`
	Username   *string `db:"username"`
}
