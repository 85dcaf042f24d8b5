// Package models - stats.go defines the aggregate shapes returned by the
// reporting queries.
package models

// KeyStats summarises one user's keys
type KeyStats struct {
	TotalKeys    int64
	ActiveKeys   int64
	InactiveKeys int64
	RevokedKeys  int64
	TotalUsage   int64
	RecentUsage  int64
}

// DailyCount is one bucket of a per-day series
type DailyCount struct {
	Date  string `db:"day"` // YYYY-MM-DD
	Count int64  `db:"count"`
}

// LabelCount is a grouped count (endpoint, username or status)
type LabelCount struct {
	Label string `db:"label"`
	Count int64  `db:"count"`
}

// SystemStats is the admin overview
type SystemStats struct {
	TotalUsers          int64 `db:"total_users"`
	VerifiedUsers       int64 `db:"verified_users"`
	AdminUsers          int64 `db:"admin_users"`
	RecentRegistrations int64 `db:"recent_registrations"`
	TotalKeys           int64 `db:"total_keys"`
	ActiveKeys          int64 `db:"active_keys"`
	InactiveKeys        int64 `db:"inactive_keys"`
	RevokedKeys         int64 `db:"revoked_keys"`
	TotalUsage          int64 `db:"total_usage"`
	RecentUsage         int64 `db:"recent_usage"`
	RecentLogins        int64 `db:"recent_logins"`
}
