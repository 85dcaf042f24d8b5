// Package models - login_history.go defines the append-only login attempt row.
package models

import "time"

// LoginHistory records a login attempt against an existing account
type LoginHistory struct {
	ID        string    `db:"id"`
	UserID    string    `db:"user_id"`
	Timestamp time.Time `db:"timestamp"`
	IPAddress string    `db:"ip_address"`
	UserAgent *string   `db:"user_agent"`
	Success   bool      `db:"success"`
}
