// stats_repository.go implements StatsRepository, the admin overview counters
// gathered in a single round-trip.
package repositories

import (
	"context"
	"time"

	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/jmoiron/sqlx"
)

// StatsRepository computes system-wide aggregates
type StatsRepository struct {
	db *sqlx.DB
}

// NewStatsRepository creates a new StatsRepository
func NewStatsRepository(db *sqlx.DB) *StatsRepository {
	return &StatsRepository{db: db}
}

// SystemStats returns user, key and usage counters. The "recent" counters
// cover everything at or after since.
func (r *StatsRepository) SystemStats(ctx context.Context, since time.Time) (*models.SystemStats, error) {
	query := `
		SELECT
			(SELECT COUNT(*) FROM users) AS total_users,
			(SELECT COUNT(*) FROM users WHERE otp_verified) AS verified_users,
			(SELECT COUNT(*) FROM users WHERE is_admin) AS admin_users,
			(SELECT COUNT(*) FROM users WHERE created_at >= $1) AS recent_registrations,
			(SELECT COUNT(*) FROM api_keys) AS total_keys,
			(SELECT COUNT(*) FROM api_keys WHERE status = 'active') AS active_keys,
			(SELECT COUNT(*) FROM api_keys WHERE status = 'inactive') AS inactive_keys,
			(SELECT COUNT(*) FROM api_keys WHERE status = 'revoked') AS revoked_keys,
			(SELECT COUNT(*) FROM api_usage) AS total_usage,
			(SELECT COUNT(*) FROM api_usage WHERE timestamp >= $1) AS recent_usage,
			(SELECT COUNT(*) FROM login_history WHERE success AND timestamp >= $1) AS recent_logins
	`
	stats := &models.SystemStats{}
	if err := r.db.GetContext(ctx, stats, query, since); err != nil {
		return nil, err
	}
	return stats, nil
}

// TableCounts returns row counts for the four domain tables, keyed by table
// name. Used by the operator cleanup tooling.
func (r *StatsRepository) TableCounts(ctx context.Context) (map[string]int64, error) {
	var row struct {
		Users        int64 `db:"users"`
		APIKeys      int64 `db:"api_keys"`
		APIUsage     int64 `db:"api_usage"`
		LoginHistory int64 `db:"login_history"`
	}
	query := `
		SELECT
			(SELECT COUNT(*) FROM users) AS users,
			(SELECT COUNT(*) FROM api_keys) AS api_keys,
			(SELECT COUNT(*) FROM api_usage) AS api_usage,
			(SELECT COUNT(*) FROM login_history) AS login_history
	`
	if err := r.db.GetContext(ctx, &row, query); err != nil {
		return nil, err
	}
	return map[string]int64{
		"users":         row.Users,
		"api_keys":      row.APIKeys,
		"api_usage":     row.APIUsage,
		"login_history": row.LoginHistory,
	}, nil
}
