// login_history_repository.go implements LoginHistoryRepository for the
// append-only login_history table.
package repositories

import (
	"context"
	"time"

	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"
)

// LoginHistoryRepository handles login_history operations
type LoginHistoryRepository struct {
	db *sqlx.DB
}

// NewLoginHistoryRepository creates a new LoginHistoryRepository
func NewLoginHistoryRepository(db *sqlx.DB) *LoginHistoryRepository {
	return &LoginHistoryRepository{db: db}
}

// Create appends a login attempt
func (r *LoginHistoryRepository) Create(ctx context.Context, entry *models.LoginHistory) error {
	entry.ID = uuid.New().String()
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}

	query := `
		INSERT INTO login_history (id, user_id, timestamp, ip_address, user_agent, success)
		VALUES (:id, :user_id, :timestamp, :ip_address, :user_agent, :success)
	`
	_, err := r.db.NamedExecContext(ctx, query, entry)
	return err
}

// ListByUser returns a page of a user's login attempts, newest first
func (r *LoginHistoryRepository) ListByUser(ctx context.Context, userID string, limit, offset int) ([]*models.LoginHistory, int, error) {
	var total int
	if err := r.db.GetContext(ctx, &total, `SELECT COUNT(*) FROM login_history WHERE user_id = $1`, userID); err != nil {
		return nil, 0, err
	}

	query := `
		SELECT id, user_id, timestamp, ip_address, user_agent, success
		FROM login_history
		WHERE user_id = $1
		ORDER BY timestamp DESC
		LIMIT $2 OFFSET $3
	`
	entries := make([]*models.LoginHistory, 0)
	if err := r.db.SelectContext(ctx, &entries, query, userID, limit, offset); err != nil {
		return nil, 0, err
	}
	return entries, total, nil
}

// CountSuccessfulSince counts successful logins at or after since. An empty
// userID counts across all users.
func (r *LoginHistoryRepository) CountSuccessfulSince(ctx context.Context, userID string, since time.Time) (int64, error) {
	var n int64
	var err error
	if userID == "" {
		err = r.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM login_history WHERE success = TRUE AND timestamp >= $1`, since)
	} else {
		err = r.db.GetContext(ctx, &n,
			`SELECT COUNT(*) FROM login_history WHERE success = TRUE AND timestamp >= $1 AND user_id = $2`, since, userID)
	}
	return n, err
}

// DeleteOlderThan removes login attempts recorded before cutoff
func (r *LoginHistoryRepository) DeleteOlderThan(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `DELETE FROM login_history WHERE timestamp < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
