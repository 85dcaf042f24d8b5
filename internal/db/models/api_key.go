// Package models defines the database model types for the API key manager.
// Each type corresponds to a database table. Models are plain data plus small
// predicates; query logic belongs in the repositories layer and request/response
// shapes belong in the handlers.
package models

import "time"

// API key lifecycle states
const (
	KeyStatusActive   = "active"
	KeyStatusInactive = "inactive"
	KeyStatusRevoked  = "revoked"
)

// ValidKeyStatuses lists the accepted values for APIKey.Status
var ValidKeyStatuses = []string{KeyStatusActive, KeyStatusInactive, KeyStatusRevoked}

// IsValidKeyStatus reports whether s is one of ValidKeyStatuses
func IsValidKeyStatus(s string) bool {
	for _, v := range ValidKeyStatuses {
		if s == v {
			return true
		}
	}
	return false
}

// APIKey represents an API key owned by a user
type APIKey struct {
	ID         string
	UserID     string
	KeyHash    string  // SHA-256 hex of the raw key
	KeyPreview string  // First 16 chars + "..."
	Name       *string // Optional friendly name
	Status     string
	CreatedAt  time.Time
	ExpiresAt  *time.Time
	LastUsed   *time.Time
	UsageCount int64
	// RevokedAt is set the first time the key is revoked and never cleared
	RevokedAt        *time.Time
	ExpiryNotifiedAt *time.Time
	// Joined fields (not stored in api_keys table)
	OwnerUsername *string
	OwnerEmail    *string
}

// IsValid reports whether the key may authenticate requests at time now
func (k *APIKey) IsValid(now time.Time) bool {
	if k.Status != KeyStatusActive {
		return false
	}
	if k.ExpiresAt != nil && !now.Before(*k.ExpiresAt) {
		return false
	}
	return true
}

// WasRevoked reports whether the key is or has ever been revoked
func (k *APIKey) WasRevoked() bool {
	return k.Status == KeyStatusRevoked || k.RevokedAt != nil
}

// DisplayName returns the name or a placeholder for unnamed keys
func (k *APIKey) DisplayName() string {
	if k.Name == nil || *k.Name == "" {
		return "Unnamed Key"
	}
	return *k.Name
}
