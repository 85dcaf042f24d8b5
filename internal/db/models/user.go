// Package models - user.go defines the User account model with its pending
// one-time passcode.
package models

import "time"

// User represents an account
type User struct {
	ID           string
	Username     string
	Email        string // stored lower-cased
	PasswordHash string
	IsAdmin      bool
	OTPVerified  bool
	OTPCode      *string // pending passcode, nil once consumed
	OTPCreatedAt *time.Time
	CreatedAt    time.Time
	LastLogin    *time.Time
}

// UserSummary is a user row with its key aggregates, used by admin listings
type UserSummary struct {
	User
	APIKeyCount int64
	TotalUsage  int64
}
