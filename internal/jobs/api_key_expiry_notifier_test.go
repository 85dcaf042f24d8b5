package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/api-manager/api-manager/internal/config"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/api-manager/api-manager/internal/mail"
)

// ---------------------------------------------------------------------------
// Helpers
// ---------------------------------------------------------------------------

var notifierNow = time.Date(2026, 4, 1, 8, 0, 0, 0, time.UTC)

// expiringKeyCols mirrors the SELECT columns in FindExpiringKeys
var expiringKeyCols = []string{
	"id", "user_id", "key_hash", "key_preview", "name", "status", "created_at",
	"expires_at", "last_used", "usage_count", "revoked_at", "expiry_notified_at",
	"username", "email",
}

func newNotifierConfig(enabled bool) *config.NotificationsConfig {
	return &config.NotificationsConfig{
		Enabled:                        enabled,
		APIKeyExpiryWarningDays:        7,
		APIKeyExpiryCheckIntervalHours: 24,
	}
}

func newNotifier(t *testing.T, cfg *config.NotificationsConfig, sender mail.Sender) (*APIKeyExpiryNotifier, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	if err != nil {
		t.Fatalf("sqlmock.New: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	n := NewAPIKeyExpiryNotifier(repositories.NewAPIKeyRepository(db), sender, cfg)
	n.now = func() time.Time { return notifierNow }
	return n, mock
}

// failingSender rejects every message
type failingSender struct{}

func (failingSender) Send(context.Context, string, string, string) error {
	return errors.New("smtp: 554 rejected")
}

// ---------------------------------------------------------------------------
// NewAPIKeyExpiryNotifier — construction and interval defaulting
// ---------------------------------------------------------------------------

func TestNewAPIKeyExpiryNotifier_Interval(t *testing.T) {
	tests := []struct {
		hours int
		want  time.Duration
	}{
		{0, 24 * time.Hour},
		{-5, 24 * time.Hour},
		{48, 48 * time.Hour},
	}
	for _, tt := range tests {
		cfg := newNotifierConfig(true)
		cfg.APIKeyExpiryCheckIntervalHours = tt.hours
		n := NewAPIKeyExpiryNotifier(nil, nil, cfg)
		if n.interval != tt.want {
			t.Errorf("hours=%d: interval = %v, want %v", tt.hours, n.interval, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Start / Stop
// ---------------------------------------------------------------------------

func TestExpiryNotifier_Start_DisabledReturnsImmediately(t *testing.T) {
	n := NewAPIKeyExpiryNotifier(nil, nil, newNotifierConfig(false))

	done := make(chan struct{})
	go func() {
		n.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Start did not return quickly when notifications are disabled")
	}
}

func TestExpiryNotifier_StopEndsLoop(t *testing.T) {
	n, mock := newNotifier(t, newNotifierConfig(true), &mail.LogSender{})
	mock.ExpectQuery("SELECT.*FROM api_keys").WillReturnRows(sqlmock.NewRows(expiringKeyCols))

	done := make(chan struct{})
	go func() {
		n.Start(context.Background())
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	n.Stop()
	n.Stop() // second call is a no-op

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Error("Start did not return after Stop")
	}
}

// ---------------------------------------------------------------------------
// RunOnce
// ---------------------------------------------------------------------------

func TestExpiryNotifier_RunOnce_WarningWindow(t *testing.T) {
	cfg := newNotifierConfig(true)
	cfg.APIKeyExpiryWarningDays = 0 // defaults to 7
	n, mock := newNotifier(t, cfg, &mail.LogSender{})

	mock.ExpectQuery("SELECT.*FROM api_keys k\\s+JOIN users u").
		WithArgs(notifierNow, notifierNow.Add(7*24*time.Hour)).
		WillReturnRows(sqlmock.NewRows(expiringKeyCols))

	if sent := n.RunOnce(context.Background()); sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestExpiryNotifier_RunOnce_DBError(t *testing.T) {
	n, mock := newNotifier(t, newNotifierConfig(true), &mail.LogSender{})
	mock.ExpectQuery("SELECT.*FROM api_keys").WillReturnError(errors.New("db connection lost"))

	if sent := n.RunOnce(context.Background()); sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
}

func TestExpiryNotifier_RunOnce_SendsAndMarks(t *testing.T) {
	sender := &mail.LogSender{}
	n, mock := newNotifier(t, newNotifierConfig(true), sender)

	expiresAt := notifierNow.Add(3 * 24 * time.Hour)
	mock.ExpectQuery("SELECT.*FROM api_keys").
		WillReturnRows(sqlmock.NewRows(expiringKeyCols).
			AddRow("key-1", "user-1", "digest", "abcdefghijklmnop...", "CI Key", "active", notifierNow,
				expiresAt, nil, 0, nil, nil, "alice", "alice@example.com"))
	mock.ExpectExec("UPDATE api_keys SET expiry_notified_at = \\$2 WHERE id = \\$1").
		WithArgs("key-1", notifierNow).
		WillReturnResult(sqlmock.NewResult(0, 1))

	if sent := n.RunOnce(context.Background()); sent != 1 {
		t.Fatalf("sent = %d, want 1", sent)
	}

	msgs := sender.Sent()
	if len(msgs) != 1 {
		t.Fatalf("captured %d messages, want 1", len(msgs))
	}
	if msgs[0].To != "alice@example.com" {
		t.Errorf("To = %q", msgs[0].To)
	}
	if msgs[0].Subject != mail.SubjectKeyExpiring {
		t.Errorf("Subject = %q", msgs[0].Subject)
	}
	if !strings.Contains(msgs[0].HTML, "CI Key") {
		t.Error("body should name the key")
	}
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestExpiryNotifier_RunOnce_SendFailureLeavesKeyUnmarked(t *testing.T) {
	n, mock := newNotifier(t, newNotifierConfig(true), failingSender{})

	expiresAt := notifierNow.Add(2 * 24 * time.Hour)
	mock.ExpectQuery("SELECT.*FROM api_keys").
		WillReturnRows(sqlmock.NewRows(expiringKeyCols).
			AddRow("key-1", "user-1", "digest", "abc...", nil, "active", notifierNow,
				expiresAt, nil, 0, nil, nil, "alice", "alice@example.com"))

	if sent := n.RunOnce(context.Background()); sent != 0 {
		t.Errorf("sent = %d, want 0", sent)
	}
	// No UPDATE expected: the key is retried on the next run
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Errorf("unmet expectations: %v", err)
	}
}

func TestExpiryNotifier_RunOnce_MarkFailureStillCountsSend(t *testing.T) {
	n, mock := newNotifier(t, newNotifierConfig(true), &mail.LogSender{})

	expiresAt := notifierNow.Add(24 * time.Hour)
	mock.ExpectQuery("SELECT.*FROM api_keys").
		WillReturnRows(sqlmock.NewRows(expiringKeyCols).
			AddRow("key-1", "user-1", "digest", "abc...", "Deploy", "active", notifierNow,
				expiresAt, nil, 0, nil, nil, "bob", "bob@example.com"))
	mock.ExpectExec("UPDATE api_keys SET expiry_notified_at").
		WillReturnError(errors.New("write failed"))

	if sent := n.RunOnce(context.Background()); sent != 1 {
		t.Errorf("sent = %d, want 1", sent)
	}
}
