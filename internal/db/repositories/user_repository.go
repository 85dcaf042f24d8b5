// Package repositories implements the data access layer for the API key manager.
// Each repository type encapsulates the queries for one table (or one reporting
// concern). Handlers and services never issue SQL directly.
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

// userCreationLockID serialises registrations so only one first user is elected
const userCreationLockID int64 = 0x6170696d5f7573 // "apim_us"

const userColumns = `id, username, email, password_hash, is_admin, otp_verified, otp_code, otp_created_at, created_at, last_login`

// rowScanner is satisfied by *sql.Row and *sql.Rows
type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanUser(row rowScanner) (*models.User, error) {
	user := &models.User{}
	err := row.Scan(
		&user.ID,
		&user.Username,
		&user.Email,
		&user.PasswordHash,
		&user.IsAdmin,
		&user.OTPVerified,
		&user.OTPCode,
		&user.OTPCreatedAt,
		&user.CreatedAt,
		&user.LastLogin,
	)
	if err != nil {
		return nil, err
	}
	return user, nil
}

// UserRepository handles user database operations
type UserRepository struct {
	db *sql.DB
}

// NewUserRepository creates a new UserRepository
func NewUserRepository(db *sql.DB) *UserRepository {
	return &UserRepository{db: db}
}

// CreateUser inserts a user. Inside the same transaction it takes an advisory
// lock and counts existing users; when the table is empty the new user is
// elected admin, marked verified, and any pending OTP on the model is dropped.
// Callers read user.IsAdmin afterwards to learn whether the election happened.
func (r *UserRepository) CreateUser(ctx context.Context, user *models.User) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback() // nolint:errcheck

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, userCreationLockID); err != nil {
		return fmt.Errorf("failed to acquire registration lock: %w", err)
	}

	var existing int64
	if err := tx.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&existing); err != nil {
		return err
	}

	if existing == 0 {
		user.IsAdmin = true
		user.OTPVerified = true
		user.OTPCode = nil
		user.OTPCreatedAt = nil
	}

	user.ID = uuid.New().String()
	if user.CreatedAt.IsZero() {
		user.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO users (id, username, email, password_hash, is_admin, otp_verified, otp_code, otp_created_at, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`
	_, err = tx.ExecContext(ctx, query,
		user.ID,
		user.Username,
		user.Email,
		user.PasswordHash,
		user.IsAdmin,
		user.OTPVerified,
		user.OTPCode,
		user.OTPCreatedAt,
		user.CreatedAt,
	)
	if err != nil {
		return translateError(err)
	}

	return tx.Commit()
}

func (r *UserRepository) getOne(ctx context.Context, where string, arg interface{}) (*models.User, error) {
	query := `SELECT ` + userColumns + ` FROM users WHERE ` + where
	user, err := scanUser(r.db.QueryRowContext(ctx, query, arg))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return user, err
}

// GetUserByID retrieves a user by ID
func (r *UserRepository) GetUserByID(ctx context.Context, userID string) (*models.User, error) {
	return r.getOne(ctx, `id = $1`, userID)
}

// GetUserByUsername retrieves a user by exact username
func (r *UserRepository) GetUserByUsername(ctx context.Context, username string) (*models.User, error) {
	return r.getOne(ctx, `username = $1`, username)
}

// GetUserByEmail retrieves a user by email (emails are stored lower-cased)
func (r *UserRepository) GetUserByEmail(ctx context.Context, email string) (*models.User, error) {
	return r.getOne(ctx, `email = LOWER($1)`, email)
}

// GetUserByUsernameOrEmail resolves a login identifier. A username match wins
// over an email match.
func (r *UserRepository) GetUserByUsernameOrEmail(ctx context.Context, identifier string) (*models.User, error) {
	return r.getOne(ctx, `username = $1::text OR email = LOWER($1::text) ORDER BY (username = $1::text) DESC LIMIT 1`, identifier)
}

// SetOTP stores a pending passcode, replacing any previous one
func (r *UserRepository) SetOTP(ctx context.Context, userID, code string, issuedAt time.Time) error {
	query := `UPDATE users SET otp_code = $2, otp_created_at = $3 WHERE id = $1`
	_, err := r.db.ExecContext(ctx, query, userID, code, issuedAt)
	return err
}

// VerifyEmailWithOTP consumes the pending passcode and marks the email
// verified. It reports false when the code no longer matches or was issued
// before notBefore, which is how a second use of the same code fails.
func (r *UserRepository) VerifyEmailWithOTP(ctx context.Context, userID, code string, notBefore time.Time) (bool, error) {
	query := `
		UPDATE users
		SET otp_verified = TRUE, otp_code = NULL, otp_created_at = NULL
		WHERE id = $1 AND otp_code = $2 AND otp_created_at >= $3
	`
	return r.execAffected(ctx, query, userID, code, notBefore)
}

// ResetPasswordWithOTP consumes the pending passcode and replaces the password
// hash in one statement
func (r *UserRepository) ResetPasswordWithOTP(ctx context.Context, userID, code string, notBefore time.Time, passwordHash string) (bool, error) {
	query := `
		UPDATE users
		SET password_hash = $4, otp_code = NULL, otp_created_at = NULL
		WHERE id = $1 AND otp_code = $2 AND otp_created_at >= $3
	`
	return r.execAffected(ctx, query, userID, code, notBefore, passwordHash)
}

func (r *UserRepository) execAffected(ctx context.Context, query string, args ...interface{}) (bool, error) {
	result, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, err
	}
	n, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

// UpdatePassword replaces the password hash
func (r *UserRepository) UpdatePassword(ctx context.Context, userID, passwordHash string) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET password_hash = $2 WHERE id = $1`, userID, passwordHash)
	return err
}

// ChangeEmail sets a new address, clears the verified flag and stores the
// passcode that will re-verify it. A taken address returns a ConflictError.
func (r *UserRepository) ChangeEmail(ctx context.Context, userID, email, code string, issuedAt time.Time) error {
	query := `
		UPDATE users
		SET email = $2, otp_verified = FALSE, otp_code = $3, otp_created_at = $4
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, userID, email, code, issuedAt)
	return translateError(err)
}

// UpdateLastLogin records a successful login time
func (r *UserRepository) UpdateLastLogin(ctx context.Context, userID string, at time.Time) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET last_login = $2 WHERE id = $1`, userID, at)
	return err
}

// SetAdmin grants or removes the admin flag
func (r *UserRepository) SetAdmin(ctx context.Context, userID string, isAdmin bool) error {
	_, err := r.db.ExecContext(ctx, `UPDATE users SET is_admin = $2 WHERE id = $1`, userID, isAdmin)
	return err
}

// SetVerified sets the verified flag. Verifying also drops any pending passcode.
func (r *UserRepository) SetVerified(ctx context.Context, userID string, verified bool) error {
	query := `
		UPDATE users
		SET otp_verified = $2::boolean,
		    otp_code = CASE WHEN $2::boolean THEN NULL ELSE otp_code END,
		    otp_created_at = CASE WHEN $2::boolean THEN NULL ELSE otp_created_at END
		WHERE id = $1
	`
	_, err := r.db.ExecContext(ctx, query, userID, verified)
	return err
}

// ListUsers returns a page of users with their key count and summed usage.
// search matches username or email case-insensitively.
func (r *UserRepository) ListUsers(ctx context.Context, search string, limit, offset int) ([]*models.UserSummary, int, error) {
	where := ``
	args := make([]interface{}, 0, 3)
	if search != "" {
		where = ` WHERE u.username ILIKE $1 OR u.email ILIKE $1`
		args = append(args, "%"+search+"%")
	}

	var total int
	if err := r.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM users u`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}

	query := fmt.Sprintf(`
		SELECT u.id, u.username, u.email, u.password_hash, u.is_admin, u.otp_verified, u.otp_code,
		       u.otp_created_at, u.created_at, u.last_login,
		       COUNT(k.id), COALESCE(SUM(k.usage_count), 0)
		FROM users u
		LEFT JOIN api_keys k ON k.user_id = u.id
		%s
		GROUP BY u.id
		ORDER BY u.created_at DESC
		LIMIT $%d OFFSET $%d
	`, where, len(args)+1, len(args)+2)
	args = append(args, limit, offset)

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()

	users := make([]*models.UserSummary, 0)
	for rows.Next() {
		s := &models.UserSummary{}
		err := rows.Scan(
			&s.ID, &s.Username, &s.Email, &s.PasswordHash, &s.IsAdmin, &s.OTPVerified, &s.OTPCode,
			&s.OTPCreatedAt, &s.CreatedAt, &s.LastLogin,
			&s.APIKeyCount, &s.TotalUsage,
		)
		if err != nil {
			return nil, 0, err
		}
		users = append(users, s)
	}

	return users, total, rows.Err()
}

// DeleteUnverifiedBefore purges accounts that never verified their email and
// were created before cutoff. Used by the operator cleanup tooling.
func (r *UserRepository) DeleteUnverifiedBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx,
		`DELETE FROM users WHERE otp_verified = FALSE AND is_admin = FALSE AND created_at < $1`, cutoff)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected()
}
