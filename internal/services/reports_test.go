package services

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/api-manager/api-manager/internal/audit"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newReportService(t *testing.T) (*ReportService, sqlmock.Sqlmock) {
	t.Helper()
	db, mock := newMockDB(t)
	svc := NewReportService(
		repositories.NewUserRepository(db.DB),
		repositories.NewAPIKeyRepository(db.DB),
		repositories.NewUsageRepository(db),
		repositories.NewLoginHistoryRepository(db),
		repositories.NewStatsRepository(db),
		audit.NewRecorder(nil),
	)
	svc.now = func() time.Time { return fixedNow }
	return svc, mock
}

func TestClampDays(t *testing.T) {
	tests := []struct {
		in, def, max, want int
	}{
		{0, 7, 90, 7},
		{-4, 7, 90, 7},
		{30, 7, 90, 30},
		{400, 30, 365, 365},
	}
	for _, tt := range tests {
		if got := ClampDays(tt.in, tt.def, tt.max); got != tt.want {
			t.Errorf("ClampDays(%d, %d, %d) = %d, want %d", tt.in, tt.def, tt.max, got, tt.want)
		}
	}
}

// ---------------------------------------------------------------------------
// Dashboard
// ---------------------------------------------------------------------------

func TestReportService_DashboardStats(t *testing.T) {
	svc, mock := newReportService(t)
	since := fixedNow.Add(-DashboardWindow)

	mock.ExpectQuery("SELECT COUNT\\(\\*\\),.*FILTER").
		WillReturnRows(sqlmock.NewRows([]string{"total", "active", "inactive", "revoked", "usage"}).AddRow(3, 2, 0, 1, 120))
	mock.ExpectQuery("SELECT COUNT.*FROM api_usage u").
		WithArgs("user-1", since).
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(15))
	mock.ExpectQuery("SELECT u.endpoint AS label").
		WillReturnRows(sqlmock.NewRows([]string{"label", "count"}).AddRow("/api/data", 80))
	mock.ExpectQuery("SELECT COUNT.*FROM login_history WHERE success = TRUE").
		WithArgs(since, "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(4))

	stats, err := svc.DashboardStats(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, DashboardStats{
		TotalKeys:        3,
		ActiveKeys:       2,
		TotalUsage:       120,
		RecentUsage:      15,
		MostUsedEndpoint: "/api/data",
		RecentLogins:     4,
	}, *stats)
	expectationsMet(t, mock)
}

func TestReportService_DashboardStats_NoUsage(t *testing.T) {
	svc, mock := newReportService(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\),.*FILTER").
		WillReturnRows(sqlmock.NewRows([]string{"total", "active", "inactive", "revoked", "usage"}).AddRow(0, 0, 0, 0, 0))
	mock.ExpectQuery("SELECT COUNT.*FROM api_usage u").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT u.endpoint AS label").
		WillReturnRows(sqlmock.NewRows([]string{"label", "count"}))
	mock.ExpectQuery("FROM login_history").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))

	stats, err := svc.DashboardStats(context.Background(), "user-1")
	require.NoError(t, err)
	assert.Equal(t, NoEndpoint, stats.MostUsedEndpoint)
}

func TestReportService_UsageChart_FillsGaps(t *testing.T) {
	svc, mock := newReportService(t)
	start := time.Date(2026, 3, 8, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery("SELECT to_char").
		WithArgs(start, "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"day", "count"}).AddRow("2026-03-09", 4))

	series, err := svc.UsageChart(context.Background(), "user-1", 3)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-03-08", "2026-03-09", "2026-03-10"}, series.Labels)
	assert.Equal(t, []int64{0, 4, 0}, series.Data)
	expectationsMet(t, mock)
}

func TestReportService_RecentActivity(t *testing.T) {
	svc, mock := newReportService(t)
	mock.ExpectQuery("SELECT COUNT.*FROM api_usage u JOIN api_keys k").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT u.id, u.key_id.*LIMIT \\$2 OFFSET \\$3").
		WithArgs("user-1", 10, 0).
		WillReturnRows(sqlmock.NewRows([]string{"id", "key_id", "endpoint", "timestamp", "status", "ip_address", "user_agent", "key_name", "key_preview", "username"}).
			AddRow("u-1", "key-1", "/api/test", fixedNow, "success", "10.0.0.1", nil, "CI Key", "abc...", "alice"))

	rows, page, err := svc.RecentActivity(context.Background(), "user-1", NewPageRequest(1, 0, ActivityPageDefault, ActivityPageMax))
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "CI Key", *rows[0].KeyName)
	assert.Equal(t, 1, page.Total)
	expectationsMet(t, mock)
}

// ---------------------------------------------------------------------------
// Admin
// ---------------------------------------------------------------------------

func TestReportService_ToggleAdmin(t *testing.T) {
	t.Run("self is forbidden", func(t *testing.T) {
		svc, mock := newReportService(t)
		_, err := svc.ToggleAdmin(context.Background(), "admin-1", Actor{UserID: "admin-1"})
		require.Error(t, err)
		assert.Equal(t, KindForbidden, KindOf(err))
		assert.Equal(t, "Cannot modify your own admin status", err.(*Error).Message)
		expectationsMet(t, mock)
	})

	t.Run("promote other user", func(t *testing.T) {
		svc, mock := newReportService(t)
		mock.ExpectQuery("FROM users WHERE id = \\$1").
			WillReturnRows(userRow("user-2", "bob", "bob@example.com", "h", false, true, nil, nil))
		mock.ExpectExec("UPDATE users SET is_admin").
			WithArgs("user-2", true).
			WillReturnResult(sqlmock.NewResult(0, 1))

		user, err := svc.ToggleAdmin(context.Background(), "user-2", Actor{UserID: "admin-1"})
		require.NoError(t, err)
		assert.True(t, user.IsAdmin)
		expectationsMet(t, mock)
	})

	t.Run("missing user", func(t *testing.T) {
		svc, mock := newReportService(t)
		mock.ExpectQuery("FROM users WHERE id = \\$1").WillReturnRows(noUser())
		_, err := svc.ToggleAdmin(context.Background(), "ghost", Actor{UserID: "admin-1"})
		assert.ErrorIs(t, err, ErrUserNotFound)
	})
}

func TestReportService_ToggleVerification(t *testing.T) {
	svc, mock := newReportService(t)
	mock.ExpectQuery("FROM users WHERE id = \\$1").
		WillReturnRows(userRow("user-2", "bob", "bob@example.com", "h", false, false, "123456", fixedNow))
	mock.ExpectExec("UPDATE users.*SET otp_verified = \\$2::boolean").
		WithArgs("user-2", true).
		WillReturnResult(sqlmock.NewResult(0, 1))

	user, err := svc.ToggleVerification(context.Background(), "user-2", Actor{UserID: "admin-1"})
	require.NoError(t, err)
	assert.True(t, user.OTPVerified)
	assert.Nil(t, user.OTPCode)
	expectationsMet(t, mock)
}

func TestReportService_ListKeys_IgnoresUnknownStatus(t *testing.T) {
	svc, mock := newReportService(t)
	mock.ExpectQuery("SELECT COUNT.*FROM api_keys k WHERE 1=1 AND k.user_id = \\$1$").
		WithArgs("user-2").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT.*JOIN users u.*LIMIT \\$2 OFFSET \\$3").
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, apiKeyCols...), "username", "email")))

	keys, page, err := svc.ListKeys(context.Background(), "bogus", "user-2", NewPageRequest(1, 0, AdminListPageDefault, AdminListPageMax))
	require.NoError(t, err)
	assert.Empty(t, keys)
	assert.Equal(t, 20, page.PerPage)
	expectationsMet(t, mock)
}

func TestReportService_UserDetail_NotFound(t *testing.T) {
	svc, mock := newReportService(t)
	mock.ExpectQuery("FROM users WHERE id = \\$1").WillReturnRows(noUser())

	_, err := svc.UserDetail(context.Background(), "ghost")
	assert.ErrorIs(t, err, ErrUserNotFound)
	assert.Equal(t, 404, err.(*Error).HTTPStatus())
}

func TestReportService_SystemStats(t *testing.T) {
	svc, mock := newReportService(t)
	cols := []string{"total_users", "verified_users", "admin_users", "recent_registrations", "total_keys",
		"active_keys", "inactive_keys", "revoked_keys", "total_usage", "recent_usage", "recent_logins"}
	mock.ExpectQuery("SELECT.*total_users").
		WithArgs(fixedNow.Add(-AdminWindow)).
		WillReturnRows(sqlmock.NewRows(cols).AddRow(5, 4, 1, 2, 9, 6, 2, 1, 300, 40, 7))

	stats, err := svc.SystemStats(context.Background())
	require.NoError(t, err)
	assert.EqualValues(t, 5, stats.TotalUsers)
	assert.EqualValues(t, 7, stats.RecentLogins)
	expectationsMet(t, mock)
}

func TestReportService_UsageAnalytics(t *testing.T) {
	svc, mock := newReportService(t)
	mock.ExpectQuery("SELECT to_char").
		WillReturnRows(sqlmock.NewRows([]string{"day", "count"}).AddRow("2026-03-10", 2))
	mock.ExpectQuery("SELECT u.endpoint AS label").
		WillReturnRows(sqlmock.NewRows([]string{"label", "count"}).AddRow("/api/test", 2))
	mock.ExpectQuery("SELECT o.username AS label").
		WillReturnRows(sqlmock.NewRows([]string{"label", "count"}).AddRow("alice", 2))
	mock.ExpectQuery("SELECT status AS label").
		WillReturnRows(sqlmock.NewRows([]string{"label", "count"}).AddRow("success", 2))

	out, err := svc.UsageAnalytics(context.Background(), 2)
	require.NoError(t, err)
	assert.Equal(t, []string{"2026-03-09", "2026-03-10"}, out.Daily.Labels)
	assert.Equal(t, []int64{0, 2}, out.Daily.Data)
	require.Len(t, out.TopUsers, 1)
	assert.Equal(t, "alice", out.TopUsers[0].Label)
	assert.Equal(t, "success", out.StatusDistribution[0].Label)
	expectationsMet(t, mock)
}
