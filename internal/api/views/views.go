// Package views shapes models into the JSON bodies returned by the HTTP
// handlers, and extracts the request attributes the services need (paging,
// actor). Timestamps are serialised as RFC 3339 in UTC.
package views

import (
	"strconv"
	"time"

	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/middleware"
	"github.com/api-manager/api-manager/internal/services"
	"github.com/gin-gonic/gin"
)

// User is the public view of an account
type User struct {
	ID          string     `json:"id"`
	Username    string     `json:"username"`
	Email       string     `json:"email"`
	OTPVerified bool       `json:"otp_verified"`
	IsAdmin     bool       `json:"is_admin"`
	CreatedAt   time.Time  `json:"created_at"`
	LastLogin   *time.Time `json:"last_login"`
}

// NewUser converts a user model
func NewUser(u *models.User) User {
	return User{
		ID:          u.ID,
		Username:    u.Username,
		Email:       u.Email,
		OTPVerified: u.OTPVerified,
		IsAdmin:     u.IsAdmin,
		CreatedAt:   u.CreatedAt.UTC(),
		LastLogin:   utc(u.LastLogin),
	}
}

// UserSummary is a user row in the admin listing
type UserSummary struct {
	User
	APIKeyCount int64 `json:"api_key_count"`
	TotalUsage  int64 `json:"total_usage"`
}

// NewUserSummaries converts admin listing rows
func NewUserSummaries(rows []*models.UserSummary) []UserSummary {
	out := make([]UserSummary, 0, len(rows))
	for _, r := range rows {
		out = append(out, UserSummary{
			User:        NewUser(&r.User),
			APIKeyCount: r.APIKeyCount,
			TotalUsage:  r.TotalUsage,
		})
	}
	return out
}

// Key is the display metadata of an API key. The digest is never exposed.
type Key struct {
	ID         string     `json:"id"`
	Name       *string    `json:"name"`
	KeyPreview string     `json:"key_preview"`
	Status     string     `json:"status"`
	CreatedAt  time.Time  `json:"created_at"`
	ExpiresAt  *time.Time `json:"expires_at"`
	LastUsed   *time.Time `json:"last_used"`
	UsageCount int64      `json:"usage_count"`
}

// NewKey converts a key model
func NewKey(k *models.APIKey) Key {
	return Key{
		ID:         k.ID,
		Name:       k.Name,
		KeyPreview: k.KeyPreview,
		Status:     k.Status,
		CreatedAt:  k.CreatedAt.UTC(),
		ExpiresAt:  utc(k.ExpiresAt),
		LastUsed:   utc(k.LastUsed),
		UsageCount: k.UsageCount,
	}
}

// NewKeys converts a list of keys
func NewKeys(keys []*models.APIKey) []Key {
	out := make([]Key, 0, len(keys))
	for _, k := range keys {
		out = append(out, NewKey(k))
	}
	return out
}

// AdminKey adds the owner to the key view
type AdminKey struct {
	Key
	UserID     string  `json:"user_id"`
	Username   *string `json:"username"`
	OwnerEmail *string `json:"email"`
}

// NewAdminKeys converts admin listing rows
func NewAdminKeys(keys []*models.APIKey) []AdminKey {
	out := make([]AdminKey, 0, len(keys))
	for _, k := range keys {
		out = append(out, AdminKey{
			Key:        NewKey(k),
			UserID:     k.UserID,
			Username:   k.OwnerUsername,
			OwnerEmail: k.OwnerEmail,
		})
	}
	return out
}

// Usage is one usage row of a key
type Usage struct {
	ID        string    `json:"id"`
	KeyID     string    `json:"key_id"`
	Endpoint  string    `json:"endpoint"`
	Timestamp time.Time `json:"timestamp"`
	Status    string    `json:"status"`
	IPAddress *string   `json:"ip_address"`
	UserAgent *string   `json:"user_agent"`
}

// NewUsage converts usage rows
func NewUsage(rows []*models.APIUsage) []Usage {
	out := make([]Usage, 0, len(rows))
	for _, u := range rows {
		out = append(out, Usage{
			ID:        u.ID,
			KeyID:     u.KeyID,
			Endpoint:  u.Endpoint,
			Timestamp: u.Timestamp.UTC(),
			Status:    u.Status,
			IPAddress: u.IPAddress,
			UserAgent: u.UserAgent,
		})
	}
	return out
}

// Activity is a usage row in an activity feed. User and IPAddress are only
// filled in the admin feed.
type Activity struct {
	ID         string    `json:"id"`
	Endpoint   string    `json:"endpoint"`
	Timestamp  time.Time `json:"timestamp"`
	Status     string    `json:"status"`
	KeyName    *string   `json:"key_name"`
	KeyPreview *string   `json:"key_preview"`
	User       *string   `json:"user,omitempty"`
	IPAddress  *string   `json:"ip_address,omitempty"`
}

// NewActivity converts a feed. withOwner adds the user and client address.
func NewActivity(rows []*models.APIUsage, withOwner bool) []Activity {
	out := make([]Activity, 0, len(rows))
	for _, u := range rows {
		a := Activity{
			ID:         u.ID,
			Endpoint:   u.Endpoint,
			Timestamp:  u.Timestamp.UTC(),
			Status:     u.Status,
			KeyName:    u.KeyName,
			KeyPreview: u.KeyPreview,
		}
		if withOwner {
			a.User = u.Username
			a.IPAddress = u.IPAddress
		}
		out = append(out, a)
	}
	return out
}

// Login is one login history row
type Login struct {
	ID        string    `json:"id"`
	UserID    string    `json:"user_id"`
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ip_address"`
	UserAgent *string   `json:"user_agent"`
	Success   bool      `json:"success"`
}

// NewLogins converts login history rows
func NewLogins(rows []*models.LoginHistory) []Login {
	out := make([]Login, 0, len(rows))
	for _, l := range rows {
		out = append(out, Login{
			ID:        l.ID,
			UserID:    l.UserID,
			Timestamp: l.Timestamp.UTC(),
			IPAddress: l.IPAddress,
			UserAgent: l.UserAgent,
			Success:   l.Success,
		})
	}
	return out
}

func utc(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	v := t.UTC()
	return &v
}

// PageRequest reads the page and per_page query parameters. Missing or
// malformed values fall back to page 1 and def.
func PageRequest(c *gin.Context, def, max int) services.PageRequest {
	page, _ := strconv.Atoi(c.Query("page"))
	perPage, _ := strconv.Atoi(c.Query("per_page"))
	return services.NewPageRequest(page, perPage, def, max)
}

// QueryInt reads an integer query parameter, returning 0 when it is absent
// or malformed
func QueryInt(c *gin.Context, name string) int {
	n, _ := strconv.Atoi(c.Query(name))
	return n
}

// Actor describes the caller for audit records
func Actor(c *gin.Context) services.Actor {
	return services.Actor{
		UserID:    c.GetString(middleware.ContextKeyUserID),
		IPAddress: c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
		RequestID: c.GetString(middleware.RequestIDKey),
	}
}
