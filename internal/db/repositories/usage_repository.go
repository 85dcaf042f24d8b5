// usage_repository.go implements UsageRepository: read-side queries over the
// append-only api_usage table (per-key logs, activity feeds, chart series and
// analytics) plus the retention purge.
package repositories

import (
	"context"
	"fmt"
	"time"

	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/jmoiron/sqlx"
)

// UsageRepository handles api_usage queries
type UsageRepository struct {
	db *sqlx.DB
}

// NewUsageRepository creates a new UsageRepository
func NewUsageRepository(db *sqlx.DB) *UsageRepository {
	return &UsageRepository{db: db}
}

// userScope returns a WHERE fragment restricting rows to keys of userID, or
// an always-true fragment when userID is empty. argIndex is the placeholder
// number to use.
func userScope(userID string, argIndex int, args []interface{}) (string, []interface{}) {
	if userID == "" {
		return `TRUE`, args
	}
	return fmt.Sprintf(`k.user_id = $%d`, argIndex), append(args, userID)
}

// ListByKey returns a page of usage rows for one key, newest first
func (r *UsageRepository) ListByKey(ctx context.Context, keyID string, limit, offset int) ([]*models.APIUsage, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM api_usage WHERE key_id = $1`, keyID); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, key_id, endpoint, timestamp, status, ip_address, user_agent
		FROM api_usage
		WHERE key_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`
	usage := make([]*models.APIUsage, 0)
	if err := r.db.SelectContext(ctx, &usage, query, keyID, limit, offset); err != nil {
		return nil, 0, err
	}
	return usage, total, nil
}

// ListActivity returns a page of usage rows joined with key and owner details,
// newest first. An empty userID lists activity across all users.
func (r *UsageRepository) ListActivity(ctx context.Context, userID string, limit, offset int) ([]*models.APIUsage, int, error) {
	scope, args := userScope(userID, 1, nil)

	var total int
	countQuery := `SELECT COUNT(*) FROM api_usage u JOIN api_keys k ON k.id = u.key_id WHERE ` + scope
	if err := r.db.GetContext(ctx, &total, countQuery, args...); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT u.id, u.key_id, u.endpoint, u.timestamp, u.status, u.ip_address, u.user_agent,
		       k.name AS key_name, k.key_preview, o.username
		FROM api_usage u
		JOIN api_keys k ON k.id = u.key_id
		JOIN users o ON o.id = k.user_id
		WHERE %s
		ORDER BY u.timestamp DESC
		LIMIT $%d OFFSET $%d
	`, scope, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	usage := make([]*models.APIUsage, 0)
	if err := r.db.SelectContext(ctx, &usage, query, args...); err != nil {
		return nil, 0, err
	}
	return usage, total, nil
}

// CountSince counts usage rows at or after since, optionally for one user
func (r *UsageRepository) CountSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	scope, args := userScope(userID, 2, []interface{}{since})
	query := `
		SELECT COUNT(*)
		FROM api_usage u
		JOIN api_keys k ON k.id = u.key_id
		WHERE u.timestamp >= $1 AND ` + scope
	var n int64
	err := r.db.GetContext(ctx, &n, query, args...)
	return n, err
}

// DailyCounts returns per-day usage totals since the given time. Days with no
// usage are absent; callers fill gaps.
func (r *UsageRepository) DailyCounts(ctx context.Context, userID string, since time.Time) ([]models.DailyCount, error) {
	scope, args := userScope(userID, 2, []interface{}{since})
	query := `
		SELECT to_char(date_trunc('day', u.timestamp), 'YYYY-MM-DD') AS day, COUNT(*) AS count
		FROM api_usage u
		JOIN api_keys k ON k.id = u.key_id
		WHERE u.timestamp >= $1 AND ` + scope + `
		GROUP BY day
		ORDER BY day ASC
	`
	counts := make([]models.DailyCount, 0)
	err := r.db.SelectContext(ctx, &counts, query, args...)
	return counts, err
}

// TopEndpoints returns the most requested endpoints since the given time
func (r *UsageRepository) TopEndpoints(ctx context.Context, userID string, since time.Time, limit int) ([]models.LabelCount, error) {
	scope, args := userScope(userID, 2, []interface{}{since})
	query := fmt.Sprintf(`
		SELECT u.endpoint AS label, COUNT(*) AS count
		FROM api_usage u
		JOIN api_keys k ON k.id = u.key_id
		WHERE u.timestamp >= $1 AND %s
		GROUP BY u.endpoint
		ORDER BY count DESC, label ASC
		LIMIT $%d
	`, scope, len(args)+1)
	args = append(args, limit)

	counts := make([]models.LabelCount, 0)
	err := r.db.SelectContext(ctx, &counts, query, args...)
	return counts, err
}

// TopUsers returns the users with the most requests since the given time
func (r *UsageRepository) TopUsers(ctx context.Context, since time.Time, limit int) ([]models.LabelCount, error) {
	query := `
		SELECT o.username AS label, COUNT(*) AS count
		FROM api_usage u
		JOIN api_keys k ON k.id = u.key_id
		JOIN users o ON o.id = k.user_id
		WHERE u.timestamp >= $1
		GROUP BY o.username
		ORDER BY count DESC, label ASC
		LIMIT $2
	`
	counts := make([]models.LabelCount, 0)
	err := r.db.SelectContext(ctx, &counts, query, since, limit)
	return counts, err
}

// StatusDistribution counts usage rows per outcome since the given time
func (r *UsageRepository) StatusDistribution(ctx context.Context, since time.Time) ([]models.LabelCount, error) {
	query := `
		SELECT status AS label, COUNT(*) AS count
		FROM api_usage
		WHERE timestamp >= $1
		GROUP BY status
		ORDER BY count DESC
	`
	counts := make([]models.LabelCount, 0)
	err := r.db.SelectContext(ctx, &counts, query, since)
	return counts, err
}

// DeleteOlderThan removes usage rows recorded before cutoff
func (r *UsageRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM api_usage WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
