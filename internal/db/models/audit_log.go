// Package models - audit_log.go defines the persisted security event row.
package models

import "time"

// AuditLog is a persisted security event. user_id has no foreign key so the
// trail survives account deletion.
type AuditLog struct {
	ID           string
	UserID       *string // nil for anonymous events such as failed logins
	Action       string  // "auth.login.success", "api_key.revoked", ...
	ResourceType *string // "user", "api_key"
	ResourceID   *string
	IPAddress    *string
	UserAgent    *string
	RequestID    *string
	StatusCode   *int
	Success      *bool
	Metadata     map[string]interface{} // JSONB
	CreatedAt    time.Time
}
