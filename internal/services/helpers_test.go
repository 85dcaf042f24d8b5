package services

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
)

var errDB = errors.New("db error")

// fixedNow is the clock used by every service under test
var fixedNow = time.Date(2026, 3, 10, 12, 0, 0, 0, time.UTC)

var userCols = []string{
	"id", "username", "email", "password_hash", "is_admin", "otp_verified",
	"otp_code", "otp_created_at", "created_at", "last_login",
}

var apiKeyCols = []string{
	"id", "user_id", "key_hash", "key_preview", "name", "status", "created_at",
	"expires_at", "last_used", "usage_count", "revoked_at", "expiry_notified_at",
}

// newMockDB returns a sqlmock connection wrapped both as *sql.DB and *sqlx.DB
func newMockDB(t *testing.T) (*sqlx.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return sqlx.NewDb(db, "sqlmock"), mock
}

func userRow(id, username, email, hash string, admin, verified bool, code, issuedAt interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(userCols).
		AddRow(id, username, email, hash, admin, verified, code, issuedAt, fixedNow.Add(-48*time.Hour), nil)
}

func noUser() *sqlmock.Rows {
	return sqlmock.NewRows(userCols)
}

func keyRow(id, status string, revokedAt interface{}) *sqlmock.Rows {
	return sqlmock.NewRows(apiKeyCols).
		AddRow(id, "user-1", "oldhash", "oldpreview123456...", "CI Key", status,
			fixedNow.Add(-24*time.Hour), nil, fixedNow.Add(-time.Hour), int64(42), revokedAt, nil)
}

func noKey() *sqlmock.Rows {
	return sqlmock.NewRows(apiKeyCols)
}

type failingSender struct{}

func (failingSender) Send(context.Context, string, string, string) error {
	return errors.New("smtp down")
}

func expectationsMet(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}
