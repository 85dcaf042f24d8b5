// api_key_repository.go implements APIKeyRepository: quota-checked creation,
// digest lookup, status transitions, regeneration and per-request usage
// accounting.
package repositories

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/google/uuid"
)

const apiKeyColumns = `k.id, k.user_id, k.key_hash, k.key_preview, k.name, k.status, k.created_at,
	k.expires_at, k.last_used, k.usage_count, k.revoked_at, k.expiry_notified_at`

func scanAPIKey(row rowScanner, extra ...interface{}) (*models.APIKey, error) {
	k := &models.APIKey{}
	dest := []interface{}{
		&k.ID,
		&k.UserID,
		&k.KeyHash,
		&k.KeyPreview,
		&k.Name,
		&k.Status,
		&k.CreatedAt,
		&k.ExpiresAt,
		&k.LastUsed,
		&k.UsageCount,
		&k.RevokedAt,
		&k.ExpiryNotifiedAt,
	}
	if err := row.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}
	return k, nil
}

// APIKeyRepository handles API key database operations
type APIKeyRepository struct {
	db *sql.DB
}

// NewAPIKeyRepository creates a new APIKeyRepository
func NewAPIKeyRepository(db *sql.DB) *APIKeyRepository {
	return &APIKeyRepository{db: db}
}

// CreateWithQuota inserts a key for its owner unless the owner already holds
// maxKeys keys of any status. The owner row is locked for the duration of the
// transaction so concurrent creates for the same owner serialise on the count.
// A nil Name is replaced with "API Key <n+1>".
func (r *APIKeyRepository) CreateWithQuota(ctx context.Context, key *models.APIKey, maxKeys int) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck

	var ownerID string
	err = tx.QueryRowContext(ctx, `SELECT id FROM users WHERE id = $1 FOR UPDATE`, key.UserID).Scan(&ownerID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return fmt.Errorf("owner %s not found", key.UserID)
		}
		return err
	}

	var count int
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys WHERE user_id = $1`, key.UserID).Scan(&count); err != nil {
		return err
	}
	if count >= maxKeys {
		return ErrQuotaExceeded
	}

	if key.Name == nil {
		name := fmt.Sprintf("API Key %d", count+1)
		key.Name = &name
	}
	key.ID = uuid.New().String()
	if key.CreatedAt.IsZero() {
		key.CreatedAt = time.Now().UTC()
	}
	if key.Status == "" {
		key.Status = models.KeyStatusActive
	}

	query := `
		INSERT INTO api_keys (id, user_id, key_hash, key_preview, name, status, created_at, expires_at, usage_count)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, 0)
	`
	_, err = tx.ExecContext(ctx, query,
		key.ID,
		key.UserID,
		key.KeyHash,
		key.KeyPreview,
		key.Name,
		key.Status,
		key.CreatedAt,
		key.ExpiresAt,
	)
	if err != nil {
		return translateError(err)
	}

	return tx.Commit()
}

func (r *APIKeyRepository) getOne(ctx context.Context, where string, args ...interface{}) (*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys k WHERE ` + where
	key, err := scanAPIKey(r.db.QueryRowContext(ctx, query, args...))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return key, err
}

// GetByHash retrieves a key by its digest (for request authentication)
func (r *APIKeyRepository) GetByHash(ctx context.Context, keyHash string) (*models.APIKey, error) {
	return r.getOne(ctx, `k.key_hash = $1`, keyHash)
}

// GetByID retrieves a key by ID regardless of owner (admin paths)
func (r *APIKeyRepository) GetByID(ctx context.Context, keyID string) (*models.APIKey, error) {
	return r.getOne(ctx, `k.id = $1`, keyID)
}

// GetByIDForUser retrieves a key only when it belongs to userID, so a key
// owned by someone else looks exactly like a missing one
func (r *APIKeyRepository) GetByIDForUser(ctx context.Context, keyID, userID string) (*models.APIKey, error) {
	return r.getOne(ctx, `k.id = $1 AND k.user_id = $2`, keyID, userID)
}

// ListByUser returns all keys of a user, newest first
func (r *APIKeyRepository) ListByUser(ctx context.Context, userID string) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + ` FROM api_keys k WHERE k.user_id = $1 ORDER BY k.created_at DESC`
	rows, err := r.db.QueryContext(ctx, query, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		k, err := scanAPIKey(rows)
		if err != nil {
			return nil, err
		}
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// UpdateStatus sets the status. Entering revoked stamps revoked_at the first
// time; leaving revoked never clears it.
func (r *APIKeyRepository) UpdateStatus(ctx context.Context, keyID, status string, at time.Time) error {
	query := `
		UPDATE api_keys
		SET status = $2,
		    revoked_at = CASE WHEN $3::boolean THEN COALESCE(revoked_at, $4) ELSE revoked_at END
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, keyID, status, status == models.KeyStatusRevoked, at)
	return err
}

// Regenerate swaps in a new digest and preview, forces the key active and
// resets its usage counters. It reports false when the key is or has ever been
// revoked. A digest collision returns a ConflictError.
func (r *APIKeyRepository) Regenerate(ctx context.Context, keyID, keyHash, keyPreview string) (bool, error) {
	query := `
		UPDATE api_keys
		SET key_hash = $2, key_preview = $3, status = 'active', usage_count = 0, last_used = NULL,
		    expiry_notified_at = NULL
		WHERE id = $1 AND status <> 'revoked' AND revoked_at IS NULL
	`
	result, err := r.db.ExecContext(ctx, query, keyID, keyHash, keyPreview)
	if err != nil {
		return false, translateError(err)
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdateDetails changes the name (when name is non-nil) and, when setExpiry is
// true, replaces expires_at with expiresAt (nil clears it). Changing expiry
// re-arms the expiry notification.
func (r *APIKeyRepository) UpdateDetails(ctx context.Context, keyID string, name *string, setExpiry bool, expiresAt *time.Time) error {
	query := `
		UPDATE api_keys
		SET name = COALESCE($2, name),
		    expires_at = CASE WHEN $3::boolean THEN $4::timestamptz ELSE expires_at END,
		    expiry_notified_at = CASE WHEN $3::boolean THEN NULL ELSE expiry_notified_at END
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, keyID, name, setExpiry, expiresAt)
	return err
}

// RecordUsage appends a usage row. For a successful request the usage counter
// and last_used are bumped in the same transaction with a relative update, so
// concurrent requests never lose an increment. The increment only applies
// while the key is still active and unexpired at usage.Timestamp; when the key
// changed after it was read, the row is stored as invalid_key instead and
// false is returned.
func (r *APIKeyRepository) RecordUsage(ctx context.Context, usage *models.APIUsage) (bool, error) {
	usage.ID = uuid.New().String()
	if usage.Timestamp.IsZero() {
		usage.Timestamp = time.Now().UTC()
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return false, err
	}
	defer tx.Rollback() // nolint:errcheck

	if usage.Status == models.UsageStatusSuccess {
		result, err := tx.ExecContext(ctx, `
			UPDATE api_keys SET usage_count = usage_count + 1, last_used = $2
			WHERE id = $1 AND status = 'active' AND (expires_at IS NULL OR expires_at > $2)`,
			usage.KeyID, usage.Timestamp,
		)
		if err != nil {
			return false, err
		}
		n, err := result.RowsAffected()
		if err != nil {
			return false, err
		}
		if n == 0 {
			usage.Status = models.UsageStatusInvalidKey
		}
	}

	query := `
		INSERT INTO api_usage (id, key_id, endpoint, timestamp, status, ip_address, user_agent)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	_, err = tx.ExecContext(ctx, query,
		usage.ID,
		usage.KeyID,
		usage.Endpoint,
		usage.Timestamp,
		usage.Status,
		usage.IPAddress,
		usage.UserAgent,
	)
	if err != nil {
		return false, err
	}

	if err := tx.Commit(); err != nil {
		return false, err
	}
	return usage.Status == models.UsageStatusSuccess, nil
}

// KeyFilters narrows the admin key listing
type KeyFilters struct {
	Status *string
	UserID *string
}

// ListAll returns a filtered page of keys across all users with owner details
func (r *APIKeyRepository) ListAll(ctx context.Context, filters KeyFilters, limit, offset int) ([]*models.APIKey, int, error) {
	where := ` WHERE 1=1`
	args := make([]interface{}, 0, 4)
	paramIndex := 1

	if filters.Status != nil {
		where += fmt.Sprintf(` AND k.status = $%d`, paramIndex)
		args = append(args, *filters.Status)
		paramIndex++
	}
	if filters.UserID != nil {
		where += fmt.Sprintf(` AND k.user_id = $%d`, paramIndex)
		args = append(args, *filters.UserID)
		paramIndex++
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM api_keys k`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := `SELECT ` + apiKeyColumns + `, u.username, u.email
		FROM api_keys k
		JOIN users u ON u.id = k.user_id` + where +
		fmt.Sprintf(` ORDER BY k.created_at DESC LIMIT $%d OFFSET $%d`, paramIndex, paramIndex+1)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		var username, email string
		k, err := scanAPIKey(rows, &username, &email)
		if err != nil {
			return nil, 0, err
		}
		k.OwnerUsername = &username
		k.OwnerEmail = &email
		keys = append(keys, k)
	}
	return keys, total, rows.Err()
}

// FindExpiringKeys returns active keys that expire between now and before and
// have not had an expiry warning sent yet, with owner details for the email
func (r *APIKeyRepository) FindExpiringKeys(ctx context.Context, now, before time.Time) ([]*models.APIKey, error) {
	query := `SELECT ` + apiKeyColumns + `, u.username, u.email
		FROM api_keys k
		JOIN users u ON u.id = k.user_id
		WHERE k.status = 'active'
		  AND k.expires_at IS NOT NULL
		  AND k.expires_at > $1
		  AND k.expires_at <= $2
		  AND k.expiry_notified_at IS NULL
		ORDER BY k.expires_at ASC`

	rows, err := r.db.QueryContext(ctx, query, now, before)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	keys := make([]*models.APIKey, 0)
	for rows.Next() {
		var username, email string
		k, err := scanAPIKey(rows, &username, &email)
		if err != nil {
			return nil, err
		}
		k.OwnerUsername = &username
		k.OwnerEmail = &email
		keys = append(keys, k)
	}
	return keys, rows.Err()
}

// MarkExpiryNotified records that the expiry warning was sent, preventing
// duplicate emails on later runs
func (r *APIKeyRepository) MarkExpiryNotified(ctx context.Context, keyID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE api_keys SET expiry_notified_at = $2 WHERE id = $1`, keyID, at)
	return err
}

// StatsForUser aggregates one user's keys; RecentUsage counts usage rows since
func (r *APIKeyRepository) StatsForUser(ctx context.Context, userID string, since time.Time) (*models.KeyStats, error) {
	stats := &models.KeyStats{}
	query := `
		SELECT COUNT(*),
		       COUNT(*) FILTER (WHERE status = 'active'),
		       COUNT(*) FILTER (WHERE status = 'inactive'),
		       COUNT(*) FILTER (WHERE status = 'revoked'),
		       COALESCE(SUM(usage_count), 0)
		FROM api_keys
		WHERE user_id = $1
	`
	err := r.db.QueryRowContext(ctx, query, userID).Scan(
		&stats.TotalKeys,
		&stats.ActiveKeys,
		&stats.InactiveKeys,
		&stats.RevokedKeys,
		&stats.TotalUsage,
	)
	if err != nil {
		return nil, err
	}

	recentQuery := `
		SELECT COUNT(*)
		FROM api_usage u
		JOIN api_keys k ON k.id = u.key_id
		WHERE k.user_id = $1 AND u.timestamp >= $2
	`
	if err := r.db.QueryRowContext(ctx, recentQuery, userID, since).Scan(&stats.RecentUsage); err != nil {
		return nil, err
	}
	return stats, nil
}
