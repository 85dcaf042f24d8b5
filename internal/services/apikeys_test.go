package services

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/api-manager/api-manager/internal/audit"
	"github.com/api-manager/api-manager/internal/auth"
	"github.com/api-manager/api-manager/internal/config"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/api-manager/api-manager/internal/mail"
	"github.com/lib/pq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var owner = &models.User{ID: "user-1", Username: "alice", Email: "alice@example.com", OTPVerified: true}

func newKeyService(t *testing.T) (*APIKeyService, sqlmock.Sqlmock, *mail.LogSender) {
	t.Helper()
	db, mock := newMockDB(t)
	sender := &mail.LogSender{}
	svc := NewAPIKeyService(
		repositories.NewAPIKeyRepository(db.DB),
		repositories.NewUsageRepository(db),
		sender,
		audit.NewRecorder(nil),
		&config.APIKeyConfig{},
	)
	svc.now = func() time.Time { return fixedNow }
	return svc, mock, sender
}

func intPtr(n int) *int { return &n }

// ---------------------------------------------------------------------------
// ParseExpiryDays
// ---------------------------------------------------------------------------

func TestParseExpiryDays(t *testing.T) {
	tests := []struct {
		name    string
		raw     interface{}
		want    *int
		wantErr bool
	}{
		{"nil", nil, nil, false},
		{"blank string", "  ", nil, false},
		{"numeric string", "30", intPtr(30), false},
		{"float64", float64(7), intPtr(7), false},
		{"json number", json.Number("90"), intPtr(90), false},
		{"int", 5, intPtr(5), false},
		{"negative passes parsing", "-1", intPtr(-1), false},
		{"word", "thirty", nil, true},
		{"fraction", 1.5, nil, true},
		{"bool", true, nil, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ParseExpiryDays(tt.raw)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrInvalidExpiry)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

// ---------------------------------------------------------------------------
// Create
// ---------------------------------------------------------------------------

func TestAPIKeyService_Create(t *testing.T) {
	svc, mock, sender := newKeyService(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
	mock.ExpectQuery("SELECT COUNT.*FROM api_keys WHERE user_id").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	issued, err := svc.Create(context.Background(), owner, CreateKeyInput{ExpiresInDays: intPtr(30)}, Actor{UserID: "user-1"})
	require.NoError(t, err)

	assert.Len(t, issued.RawKey, auth.DefaultAPIKeyLength)
	assert.Equal(t, auth.HashAPIKey(issued.RawKey), issued.Key.KeyHash)
	assert.Equal(t, issued.RawKey[:16]+"...", issued.Key.KeyPreview)
	assert.Equal(t, "API Key 3", issued.Key.DisplayName())
	assert.Equal(t, models.KeyStatusActive, issued.Key.Status)
	require.NotNil(t, issued.Key.ExpiresAt)
	assert.Equal(t, fixedNow.Add(30*24*time.Hour), *issued.Key.ExpiresAt)

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "alice@example.com", sent[0].To)
	assert.Equal(t, mail.SubjectKeyGenerated, sent[0].Subject)
	assert.NotContains(t, sent[0].HTML, issued.RawKey)
	expectationsMet(t, mock)
}

func TestAPIKeyService_Create_InvalidExpiry(t *testing.T) {
	svc, mock, _ := newKeyService(t)

	for _, days := range []int{0, -5, 366} {
		_, err := svc.Create(context.Background(), owner, CreateKeyInput{ExpiresInDays: intPtr(days)}, Actor{})
		assert.ErrorIs(t, err, ErrInvalidExpiry, "days=%d", days)
	}
	_, err := svc.Create(context.Background(), owner, CreateKeyInput{ExpiresInDays: intPtr(366)}, Actor{})
	assert.Equal(t, "Maximum expiration is 365 days", err.(*Error).Message)
	expectationsMet(t, mock)
}

func TestAPIKeyService_Create_QuotaExceeded(t *testing.T) {
	svc, mock, sender := newKeyService(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
	mock.ExpectQuery("SELECT COUNT.*FROM api_keys WHERE user_id").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(10))
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), owner, CreateKeyInput{Name: "eleventh"}, Actor{})
	require.ErrorIs(t, err, ErrQuotaExceeded)
	assert.Equal(t, "Maximum number of API keys reached (10)", err.(*Error).Message)
	assert.Empty(t, sender.Sent())
	expectationsMet(t, mock)
}

func TestAPIKeyService_Create_HashCollisionIsConflict(t *testing.T) {
	svc, mock, _ := newKeyService(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
	mock.ExpectQuery("SELECT COUNT.*FROM api_keys WHERE user_id").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnError(&pq.Error{Code: "23505", Constraint: repositories.ConstraintKeyHash})
	mock.ExpectRollback()

	_, err := svc.Create(context.Background(), owner, CreateKeyInput{}, Actor{})
	assert.ErrorIs(t, err, ErrKeyConflict)
	assert.Equal(t, KindConflict, KindOf(err))
	expectationsMet(t, mock)
}

// ---------------------------------------------------------------------------
// Get / status transitions
// ---------------------------------------------------------------------------

func TestAPIKeyService_Get_NotOwnedIsNotFound(t *testing.T) {
	svc, mock, _ := newKeyService(t)
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id = \\$1 AND k.user_id = \\$2").
		WithArgs("key-9", "user-1").
		WillReturnRows(noKey())

	_, err := svc.Get(context.Background(), "user-1", "key-9")
	assert.ErrorIs(t, err, ErrKeyNotFound)
	expectationsMet(t, mock)
}

func TestAPIKeyService_Get_StoreError(t *testing.T) {
	svc, mock, _ := newKeyService(t)
	mock.ExpectQuery("SELECT.*FROM api_keys").WillReturnError(errDB)

	_, err := svc.Get(context.Background(), "user-1", "key-1")
	assert.ErrorIs(t, err, errDB)
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestAPIKeyService_UpdateStatus(t *testing.T) {
	t.Run("invalid status", func(t *testing.T) {
		svc, mock, _ := newKeyService(t)
		_, err := svc.UpdateStatus(context.Background(), "user-1", "key-1", "deleted", Actor{})
		assert.ErrorIs(t, err, ErrInvalidStatus)
		expectationsMet(t, mock)
	})

	t.Run("unchanged status is a no-op", func(t *testing.T) {
		svc, mock, _ := newKeyService(t)
		mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id").WillReturnRows(keyRow("key-1", "active", nil))
		key, err := svc.UpdateStatus(context.Background(), "user-1", "key-1", " Active ", Actor{})
		require.NoError(t, err)
		assert.Equal(t, models.KeyStatusActive, key.Status)
		expectationsMet(t, mock)
	})

	t.Run("deactivate", func(t *testing.T) {
		svc, mock, _ := newKeyService(t)
		mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id").WillReturnRows(keyRow("key-1", "active", nil))
		mock.ExpectExec("UPDATE api_keys.*SET status = \\$2").
			WithArgs("key-1", "inactive", false, fixedNow).
			WillReturnResult(sqlmock.NewResult(0, 1))
		key, err := svc.UpdateStatus(context.Background(), "user-1", "key-1", "inactive", Actor{})
		require.NoError(t, err)
		assert.Equal(t, models.KeyStatusInactive, key.Status)
		assert.Nil(t, key.RevokedAt)
		expectationsMet(t, mock)
	})

	t.Run("owner cannot reactivate revoked", func(t *testing.T) {
		svc, mock, _ := newKeyService(t)
		mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id").
			WillReturnRows(keyRow("key-1", "revoked", fixedNow.Add(-time.Hour)))
		_, err := svc.UpdateStatus(context.Background(), "user-1", "key-1", "active", Actor{})
		assert.ErrorIs(t, err, ErrReactivateRevoked)
		assert.Equal(t, KindInvalidState, KindOf(err))
		expectationsMet(t, mock)
	})
}

func TestAPIKeyService_Delete_Revokes(t *testing.T) {
	svc, mock, _ := newKeyService(t)
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id").WillReturnRows(keyRow("key-1", "inactive", nil))
	mock.ExpectExec("UPDATE api_keys.*COALESCE\\(revoked_at, \\$4\\)").
		WithArgs("key-1", "revoked", true, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	require.NoError(t, svc.Delete(context.Background(), "user-1", "key-1", Actor{}))
	expectationsMet(t, mock)
}

func TestAPIKeyService_Delete_AlreadyRevoked(t *testing.T) {
	svc, mock, _ := newKeyService(t)
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id").
		WillReturnRows(keyRow("key-1", "revoked", fixedNow))

	require.NoError(t, svc.Delete(context.Background(), "user-1", "key-1", Actor{}))
	expectationsMet(t, mock)
}

// ---------------------------------------------------------------------------
// Admin override and regeneration
// ---------------------------------------------------------------------------

func TestAPIKeyService_AdminReactivateKeepsRegenerateBlocked(t *testing.T) {
	svc, mock, sender := newKeyService(t)
	revokedAt := fixedNow.Add(-24 * time.Hour)

	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id = \\$1").
		WithArgs("key-1").
		WillReturnRows(keyRow("key-1", "revoked", revokedAt))
	mock.ExpectExec("UPDATE api_keys.*SET status = \\$2").
		WithArgs("key-1", "active", false, fixedNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	key, err := svc.AdminUpdateStatus(context.Background(), "key-1", "active", Actor{UserID: "admin-1"})
	require.NoError(t, err)
	assert.Equal(t, models.KeyStatusActive, key.Status)
	require.NotNil(t, key.RevokedAt)
	assert.True(t, key.IsValid(fixedNow))

	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id = \\$1 AND k.user_id = \\$2").
		WillReturnRows(keyRow("key-1", "active", revokedAt))

	_, err = svc.Regenerate(context.Background(), owner, "key-1", Actor{})
	assert.ErrorIs(t, err, ErrInvalidState)
	assert.Empty(t, sender.Sent())
	expectationsMet(t, mock)
}

func TestAPIKeyService_AdminUpdateStatus_NotFound(t *testing.T) {
	svc, mock, _ := newKeyService(t)
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id = \\$1").WillReturnRows(noKey())

	_, err := svc.AdminUpdateStatus(context.Background(), "missing", "inactive", Actor{})
	assert.ErrorIs(t, err, ErrKeyNotFound)
}

func TestAPIKeyService_Regenerate(t *testing.T) {
	svc, mock, sender := newKeyService(t)
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id = \\$1 AND k.user_id = \\$2").
		WillReturnRows(keyRow("key-1", "inactive", nil))
	mock.ExpectExec("UPDATE api_keys.*usage_count = 0, last_used = NULL").
		WillReturnResult(sqlmock.NewResult(0, 1))

	issued, err := svc.Regenerate(context.Background(), owner, "key-1", Actor{})
	require.NoError(t, err)

	assert.NotEqual(t, "oldhash", issued.Key.KeyHash)
	assert.Equal(t, auth.HashAPIKey(issued.RawKey), issued.Key.KeyHash)
	assert.Equal(t, models.KeyStatusActive, issued.Key.Status)
	assert.Zero(t, issued.Key.UsageCount)
	assert.Nil(t, issued.Key.LastUsed)

	sent := sender.Sent()
	require.Len(t, sent, 1)
	assert.Contains(t, strings.ToLower(sent[0].HTML), "regenerated")
	expectationsMet(t, mock)
}

func TestAPIKeyService_Regenerate_RevokedConcurrently(t *testing.T) {
	svc, mock, _ := newKeyService(t)
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id").WillReturnRows(keyRow("key-1", "active", nil))
	mock.ExpectExec("UPDATE api_keys").WillReturnResult(sqlmock.NewResult(0, 0))

	_, err := svc.Regenerate(context.Background(), owner, "key-1", Actor{})
	assert.ErrorIs(t, err, ErrInvalidState)
}

func TestAPIKeyService_Regenerate_EmailFailureIgnored(t *testing.T) {
	db, mock := newMockDB(t)
	svc := NewAPIKeyService(repositories.NewAPIKeyRepository(db.DB), repositories.NewUsageRepository(db),
		failingSender{}, audit.NewRecorder(nil), &config.APIKeyConfig{})
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id").WillReturnRows(keyRow("key-1", "active", nil))
	mock.ExpectExec("UPDATE api_keys").WillReturnResult(sqlmock.NewResult(0, 1))

	issued, err := svc.Regenerate(context.Background(), owner, "key-1", Actor{})
	require.NoError(t, err)
	assert.NotEmpty(t, issued.RawKey)
}

// ---------------------------------------------------------------------------
// Update
// ---------------------------------------------------------------------------

func TestAPIKeyService_Update(t *testing.T) {
	t.Run("clear expiry", func(t *testing.T) {
		svc, mock, _ := newKeyService(t)
		mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id").WillReturnRows(keyRow("key-1", "active", nil))
		mock.ExpectExec("UPDATE api_keys.*COALESCE\\(\\$2, name\\)").
			WithArgs("key-1", nil, true, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		key, err := svc.Update(context.Background(), "user-1", "key-1", UpdateKeyInput{ClearExpiry: true, ExpiresInDays: intPtr(10)}, Actor{})
		require.NoError(t, err)
		assert.Nil(t, key.ExpiresAt)
		expectationsMet(t, mock)
	})

	t.Run("rename only", func(t *testing.T) {
		svc, mock, _ := newKeyService(t)
		mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id").WillReturnRows(keyRow("key-1", "active", nil))
		mock.ExpectExec("UPDATE api_keys").
			WithArgs("key-1", "Prod", false, nil).
			WillReturnResult(sqlmock.NewResult(0, 1))

		key, err := svc.Update(context.Background(), "user-1", "key-1", UpdateKeyInput{Name: " Prod "}, Actor{})
		require.NoError(t, err)
		assert.Equal(t, "Prod", key.DisplayName())
		expectationsMet(t, mock)
	})

	t.Run("nothing to change", func(t *testing.T) {
		svc, mock, _ := newKeyService(t)
		mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id").WillReturnRows(keyRow("key-1", "active", nil))

		key, err := svc.Update(context.Background(), "user-1", "key-1", UpdateKeyInput{}, Actor{})
		require.NoError(t, err)
		assert.Equal(t, "CI Key", key.DisplayName())
		expectationsMet(t, mock)
	})

	t.Run("invalid expiry checked first", func(t *testing.T) {
		svc, mock, _ := newKeyService(t)
		_, err := svc.Update(context.Background(), "user-1", "key-1", UpdateKeyInput{ExpiresInDays: intPtr(0)}, Actor{})
		assert.ErrorIs(t, err, ErrInvalidExpiry)
		expectationsMet(t, mock)
	})
}

// ---------------------------------------------------------------------------
// Usage / Stats
// ---------------------------------------------------------------------------

func TestAPIKeyService_Usage(t *testing.T) {
	svc, mock, _ := newKeyService(t)
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id").WillReturnRows(keyRow("key-1", "active", nil))
	mock.ExpectQuery("SELECT COUNT.*FROM api_usage WHERE key_id").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(51))
	mock.ExpectQuery("SELECT id, key_id, endpoint.*LIMIT \\$2 OFFSET \\$3").
		WithArgs("key-1", 50, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "key_id", "endpoint", "timestamp", "status", "ip_address", "user_agent"}).
			AddRow("u-51", "key-1", "/api/test", fixedNow, "success", "10.0.0.1", nil))

	page := NewPageRequest(2, 0, KeyUsagePageDefault, KeyUsagePageMax)
	key, rows, pagination, err := svc.Usage(context.Background(), "user-1", "key-1", page)
	require.NoError(t, err)
	assert.Equal(t, "key-1", key.ID)
	assert.Len(t, rows, 1)
	assert.Equal(t, 2, pagination.Pages)
	assert.False(t, pagination.HasNext)
	assert.True(t, pagination.HasPrev)
	expectationsMet(t, mock)
}

func TestAPIKeyService_Stats(t *testing.T) {
	svc, mock, _ := newKeyService(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\),.*FILTER").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"total", "active", "inactive", "revoked", "usage"}).AddRow(4, 2, 1, 1, 99))
	mock.ExpectQuery("SELECT COUNT.*FROM api_usage u").
		WithArgs("user-1", fixedNow.Add(-RecentUsageWindow)).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(12))

	stats, err := svc.Stats(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, models.KeyStats{TotalKeys: 4, ActiveKeys: 2, InactiveKeys: 1, RevokedKeys: 1, TotalUsage: 99, RecentUsage: 12}, *stats)
	expectationsMet(t, mock)
}

func TestAPIKeyService_Stats_Error(t *testing.T) {
	svc, mock, _ := newKeyService(t)
	mock.ExpectQuery("SELECT COUNT").WillReturnError(errDB)

	_, err := svc.Stats(context.Background(), "user-1")
	assert.True(t, errors.Is(err, errDB))
}
