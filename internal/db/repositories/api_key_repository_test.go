package repositories

import (
	"context"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/lib/pq"
)

// ---------------------------------------------------------------------------
// Column definitions
// ---------------------------------------------------------------------------

var apiKeyCols = []string{
	"id", "user_id", "key_hash", "key_preview", "name", "status", "created_at",
	"expires_at", "last_used", "usage_count", "revoked_at", "expiry_notified_at",
}

var apiKeyOwnerCols = append(append([]string{}, apiKeyCols...), "username", "email")

// ---------------------------------------------------------------------------
// Row builders
// ---------------------------------------------------------------------------

func sampleAPIKeyRow() *sqlmock.Rows {
	return sqlmock.NewRows(apiKeyCols).
		AddRow("key-1", "user-1", "hashedkey", "abcdefghijklmnop...", "CI Key", "active",
			time.Now(), nil, nil, int64(7), nil, nil)
}

func emptyAPIKeyRow() *sqlmock.Rows {
	return sqlmock.NewRows(apiKeyCols)
}

func newAPIKeyRepo(t *testing.T) (*APIKeyRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return NewAPIKeyRepository(db), mock
}

func expectQuotaPrelude(mock sqlmock.Sqlmock, existing int) {
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users WHERE id = \\$1 FOR UPDATE").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("user-1"))
	mock.ExpectQuery("SELECT COUNT.*FROM api_keys WHERE user_id").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(existing))
}

// ---------------------------------------------------------------------------
// CreateWithQuota
// ---------------------------------------------------------------------------

func TestCreateWithQuota_DefaultName(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	expectQuotaPrelude(mock, 2)
	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	key := &models.APIKey{UserID: "user-1", KeyHash: "h", KeyPreview: "p..."}
	if err := repo.CreateWithQuota(context.Background(), key, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key.Name == nil || *key.Name != "API Key 3" {
		t.Errorf("Name = %v, want API Key 3", key.Name)
	}
	if key.Status != models.KeyStatusActive {
		t.Errorf("Status = %s, want active", key.Status)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateWithQuota_KeepsGivenName(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	expectQuotaPrelude(mock, 0)
	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	name := "deploy"
	key := &models.APIKey{UserID: "user-1", Name: &name}
	if err := repo.CreateWithQuota(context.Background(), key, 10); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if *key.Name != "deploy" {
		t.Errorf("Name = %s, want deploy", *key.Name)
	}
}

func TestCreateWithQuota_Exceeded(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	expectQuotaPrelude(mock, 10)
	mock.ExpectRollback()

	err := repo.CreateWithQuota(context.Background(), &models.APIKey{UserID: "user-1"}, 10)
	if !errors.Is(err, ErrQuotaExceeded) {
		t.Fatalf("err = %v, want ErrQuotaExceeded", err)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestCreateWithQuota_HashCollision(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	expectQuotaPrelude(mock, 1)
	mock.ExpectExec("INSERT INTO api_keys").
		WillReturnError(&pq.Error{Code: "23505", Constraint: ConstraintKeyHash})
	mock.ExpectRollback()

	err := repo.CreateWithQuota(context.Background(), &models.APIKey{UserID: "user-1"}, 10)
	if !errors.Is(err, ErrConflict) {
		t.Fatalf("err = %v, want ErrConflict", err)
	}
	if ConflictConstraint(err) != ConstraintKeyHash {
		t.Errorf("constraint = %q, want %q", ConflictConstraint(err), ConstraintKeyHash)
	}
}

func TestCreateWithQuota_OwnerMissing(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	mock.ExpectQuery("SELECT id FROM users").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	if err := repo.CreateWithQuota(context.Background(), &models.APIKey{UserID: "ghost"}, 10); err == nil {
		t.Error("expected error for missing owner")
	}
}

func TestCreateWithQuota_BeginError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin().WillReturnError(errDB)

	if err := repo.CreateWithQuota(context.Background(), &models.APIKey{UserID: "user-1"}, 10); err == nil {
		t.Error("expected error from Begin")
	}
}

// ---------------------------------------------------------------------------
// Lookups
// ---------------------------------------------------------------------------

func TestGetByHash_Found(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.key_hash").
		WithArgs("hashedkey").
		WillReturnRows(sampleAPIKeyRow())

	key, err := repo.GetByHash(context.Background(), "hashedkey")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key == nil {
		t.Fatal("expected key, got nil")
	}
	if key.ID != "key-1" || key.UsageCount != 7 {
		t.Errorf("key = %s/%d, want key-1/7", key.ID, key.UsageCount)
	}
}

func TestGetByHash_NotFound(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.key_hash").
		WillReturnRows(emptyAPIKeyRow())

	key, err := repo.GetByHash(context.Background(), "nope")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if key != nil {
		t.Errorf("expected nil, got %v", key)
	}
}

func TestGetByIDForUser_ScopesByOwner(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.id = \\$1 AND k.user_id = \\$2").
		WithArgs("key-1", "other-user").
		WillReturnRows(emptyAPIKeyRow())

	key, err := repo.GetByIDForUser(context.Background(), "key-1", "other-user")
	if err != nil || key != nil {
		t.Errorf("got (%v, %v), want (nil, nil)", key, err)
	}
}

func TestGetByID_DBError(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT.*FROM api_keys").WillReturnError(errDB)

	if _, err := repo.GetByID(context.Background(), "key-1"); err == nil {
		t.Error("expected error, got nil")
	}
}

func TestListByUser(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectQuery("SELECT.*FROM api_keys k WHERE k.user_id = \\$1 ORDER BY k.created_at DESC").
		WithArgs("user-1").
		WillReturnRows(sampleAPIKeyRow())

	keys, err := repo.ListByUser(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 1 {
		t.Errorf("len = %d, want 1", len(keys))
	}
}

// ---------------------------------------------------------------------------
// Status and regeneration
// ---------------------------------------------------------------------------

func TestUpdateStatus_RevokeStampsRevokedAt(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	now := time.Now()
	mock.ExpectExec("UPDATE api_keys.*SET status = \\$2.*COALESCE\\(revoked_at, \\$4\\)").
		WithArgs("key-1", "revoked", true, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateStatus(context.Background(), "key-1", models.KeyStatusRevoked, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestUpdateStatus_ActivateLeavesRevokedAt(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	now := time.Now()
	mock.ExpectExec("UPDATE api_keys").
		WithArgs("key-1", "active", false, now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateStatus(context.Background(), "key-1", models.KeyStatusActive, now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestRegenerate(t *testing.T) {
	tests := []struct {
		name     string
		affected int64
		want     bool
	}{
		{"replaced", 1, true},
		{"revoked key untouched", 0, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			repo, mock := newAPIKeyRepo(t)
			mock.ExpectExec("UPDATE api_keys.*usage_count = 0, last_used = NULL.*revoked_at IS NULL").
				WithArgs("key-1", "newhash", "newprev...").
				WillReturnResult(sqlmock.NewResult(0, tt.affected))

			ok, err := repo.Regenerate(context.Background(), "key-1", "newhash", "newprev...")
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if ok != tt.want {
				t.Errorf("ok = %v, want %v", ok, tt.want)
			}
		})
	}
}

func TestRegenerate_Collision(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectExec("UPDATE api_keys").
		WillReturnError(&pq.Error{Code: "23505", Constraint: ConstraintKeyHash})

	_, err := repo.Regenerate(context.Background(), "key-1", "dup", "dup...")
	if !errors.Is(err, ErrConflict) {
		t.Errorf("err = %v, want ErrConflict", err)
	}
}

func TestUpdateDetails(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	name := "renamed"
	mock.ExpectExec("UPDATE api_keys.*COALESCE\\(\\$2, name\\)").
		WithArgs("key-1", &name, false, nil).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.UpdateDetails(context.Background(), "key-1", &name, false, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// ---------------------------------------------------------------------------
// RecordUsage
// ---------------------------------------------------------------------------

func TestRecordUsage_SuccessIncrementsInTransaction(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE api_keys SET usage_count = usage_count \\+ 1").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO api_usage").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	usage := &models.APIUsage{KeyID: "key-1", Endpoint: "/api/test", Status: models.UsageStatusSuccess}
	accepted, err := repo.RecordUsage(context.Background(), usage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if !accepted {
		t.Error("expected usage to be accepted")
	}
	if usage.ID == "" {
		t.Error("expected usage ID to be assigned")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordUsage_InvalidKeyOnlyInserts(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("INSERT INTO api_usage").
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	usage := &models.APIUsage{KeyID: "key-1", Endpoint: "/api/test", Status: models.UsageStatusInvalidKey}
	accepted, err := repo.RecordUsage(context.Background(), usage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if accepted {
		t.Error("invalid_key usage should not be reported as accepted")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordUsage_KeyChangedSinceLookup(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	mock.ExpectBegin()
	mock.ExpectExec("SET usage_count = usage_count \\+ 1, last_used = \\$2 WHERE id = \\$1 AND status = 'active' AND \\(expires_at IS NULL OR expires_at > \\$2\\)").
		WithArgs("key-1", at).
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec("INSERT INTO api_usage").
		WithArgs(sqlmock.AnyArg(), "key-1", "/api/test", at, models.UsageStatusInvalidKey, nil, nil).
		WillReturnResult(sqlmock.NewResult(1, 1))
	mock.ExpectCommit()

	usage := &models.APIUsage{KeyID: "key-1", Endpoint: "/api/test", Timestamp: at, Status: models.UsageStatusSuccess}
	accepted, err := repo.RecordUsage(context.Background(), usage)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if accepted {
		t.Error("expected usage to be rejected")
	}
	if usage.Status != models.UsageStatusInvalidKey {
		t.Errorf("Status = %q, want %q", usage.Status, models.UsageStatusInvalidKey)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

func TestRecordUsage_InsertErrorRollsBack(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	mock.ExpectBegin()
	mock.ExpectExec("UPDATE api_keys SET usage_count").
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec("INSERT INTO api_usage").WillReturnError(errDB)
	mock.ExpectRollback()

	usage := &models.APIUsage{KeyID: "key-1", Status: models.UsageStatusSuccess}
	if _, err := repo.RecordUsage(context.Background(), usage); err == nil {
		t.Error("expected error, got nil")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Error(err)
	}
}

// ---------------------------------------------------------------------------
// Admin listing, expiry and stats
// ---------------------------------------------------------------------------

func TestListAll_WithFilters(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	status := "active"
	userID := "user-1"
	mock.ExpectQuery("SELECT COUNT.*FROM api_keys k WHERE 1=1 AND k.status = \\$1 AND k.user_id = \\$2").
		WithArgs("active", "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT.*JOIN users u.*LIMIT \\$3 OFFSET \\$4").
		WithArgs("active", "user-1", 20, 0).
		WillReturnRows(sqlmock.NewRows(apiKeyOwnerCols).
			AddRow("key-1", "user-1", "h", "p...", nil, "active", time.Now(), nil, nil, int64(0), nil, nil,
				"alice", "alice@example.com"))

	keys, total, err := repo.ListAll(context.Background(), KeyFilters{Status: &status, UserID: &userID}, 20, 0)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if total != 1 || len(keys) != 1 {
		t.Fatalf("total=%d len=%d, want 1/1", total, len(keys))
	}
	if keys[0].OwnerUsername == nil || *keys[0].OwnerUsername != "alice" {
		t.Errorf("OwnerUsername = %v, want alice", keys[0].OwnerUsername)
	}
}

func TestFindExpiringKeys(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	now := time.Now()
	exp := now.Add(48 * time.Hour)
	mock.ExpectQuery("SELECT.*expiry_notified_at IS NULL").
		WithArgs(now, now.Add(7*24*time.Hour)).
		WillReturnRows(sqlmock.NewRows(apiKeyOwnerCols).
			AddRow("key-1", "user-1", "h", "p...", "ci", "active", now, exp, nil, int64(0), nil, nil,
				"alice", "alice@example.com"))

	keys, err := repo.FindExpiringKeys(context.Background(), now, now.Add(7*24*time.Hour))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(keys) != 1 || *keys[0].OwnerEmail != "alice@example.com" {
		t.Errorf("keys = %+v", keys)
	}
}

func TestMarkExpiryNotified(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	now := time.Now()
	mock.ExpectExec("UPDATE api_keys SET expiry_notified_at").
		WithArgs("key-1", now).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := repo.MarkExpiryNotified(context.Background(), "key-1", now); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestStatsForUser(t *testing.T) {
	repo, mock := newAPIKeyRepo(t)
	since := time.Now().Add(-30 * 24 * time.Hour)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\),.*FILTER").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"total", "active", "inactive", "revoked", "usage"}).
			AddRow(5, 3, 1, 1, 120))
	mock.ExpectQuery("SELECT COUNT.*FROM api_usage u").
		WithArgs("user-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(17))

	stats, err := repo.StatsForUser(context.Background(), "user-1", since)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := models.KeyStats{TotalKeys: 5, ActiveKeys: 3, InactiveKeys: 1, RevokedKeys: 1, TotalUsage: 120, RecentUsage: 17}
	if *stats != want {
		t.Errorf("stats = %+v, want %+v", *stats, want)
	}
}
