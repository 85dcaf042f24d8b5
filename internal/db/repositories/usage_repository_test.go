package repositories

import (
	"context"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jmoiron/sqlx"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var usageCols = []string{"id", "key_id", "endpoint", "timestamp", "status", "ip_address", "user_agent"}

var activityCols = append(append([]string{}, usageCols...), "key_name", "key_preview", "username")

func newUsageRepo(t *testing.T) (*UsageRepository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })
	return NewUsageRepository(sqlx.NewDb(db, "sqlmock")), mock
}

func TestUsageListByKey(t *testing.T) {
	repo, mock := newUsageRepo(t)
	mock.ExpectQuery("SELECT COUNT.*FROM api_usage WHERE key_id").
		WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(2))
	mock.ExpectQuery("SELECT id, key_id, endpoint.*FROM api_usage.*LIMIT \\$2 OFFSET \\$3").
		WithArgs("key-1", 50, 0).
		WillReturnRows(sqlmock.NewRows(usageCols).
			AddRow("u-2", "key-1", "/api/data", time.Now(), "success", "10.0.0.1", "curl/8").
			AddRow("u-1", "key-1", "/api/test", time.Now(), "invalid_key", nil, nil))

	rows, total, err := repo.ListByKey(context.Background(), "key-1", 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 2, total)
	require.Len(t, rows, 2)
	assert.Equal(t, "/api/data", rows[0].Endpoint)
	require.NotNil(t, rows[0].IPAddress)
	assert.Equal(t, "10.0.0.1", *rows[0].IPAddress)
	assert.Nil(t, rows[1].UserAgent)
}

func TestUsageListActivity_UserScoped(t *testing.T) {
	repo, mock := newUsageRepo(t)
	mock.ExpectQuery("SELECT COUNT.*WHERE k.user_id = \\$1").
		WithArgs("user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("SELECT u.id.*WHERE k.user_id = \\$1.*LIMIT \\$2 OFFSET \\$3").
		WithArgs("user-1", 10, 0).
		WillReturnRows(sqlmock.NewRows(activityCols).
			AddRow("u-1", "key-1", "/api/test", time.Now(), "success", "1.2.3.4", nil, "CI", "abc...", "alice"))

	rows, total, err := repo.ListActivity(context.Background(), "user-1", 10, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, total)
	require.Len(t, rows, 1)
	assert.Equal(t, "alice", *rows[0].Username)
	assert.Equal(t, "CI", *rows[0].KeyName)
}

func TestUsageListActivity_AllUsers(t *testing.T) {
	repo, mock := newUsageRepo(t)
	mock.ExpectQuery("SELECT COUNT.*WHERE TRUE").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("SELECT u.id.*WHERE TRUE.*LIMIT \\$1 OFFSET \\$2").
		WithArgs(50, 0).
		WillReturnRows(sqlmock.NewRows(activityCols))

	rows, total, err := repo.ListActivity(context.Background(), "", 50, 0)
	require.NoError(t, err)
	assert.Equal(t, 0, total)
	assert.Empty(t, rows)
}

func TestUsageCountSince(t *testing.T) {
	repo, mock := newUsageRepo(t)
	since := time.Now().Add(-7 * 24 * time.Hour)
	mock.ExpectQuery("SELECT COUNT.*u.timestamp >= \\$1 AND k.user_id = \\$2").
		WithArgs(since, "user-1").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(9))

	n, err := repo.CountSince(context.Background(), "user-1", since)
	require.NoError(t, err)
	assert.Equal(t, int64(9), n)
}

func TestUsageDailyCounts(t *testing.T) {
	repo, mock := newUsageRepo(t)
	since := time.Now().Add(-3 * 24 * time.Hour)
	mock.ExpectQuery("SELECT to_char.*GROUP BY day").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"day", "count"}).
			AddRow("2026-10-15", 3).
			AddRow("2026-10-17", 1))

	counts, err := repo.DailyCounts(context.Background(), "", since)
	require.NoError(t, err)
	require.Len(t, counts, 2)
	assert.Equal(t, "2026-10-15", counts[0].Date)
	assert.Equal(t, int64(3), counts[0].Count)
}

func TestUsageTopEndpoints(t *testing.T) {
	repo, mock := newUsageRepo(t)
	since := time.Now()
	mock.ExpectQuery("SELECT u.endpoint AS label.*LIMIT \\$3").
		WithArgs(since, "user-1", 1).
		WillReturnRows(sqlmock.NewRows([]string{"label", "count"}).AddRow("/api/weather", 12))

	top, err := repo.TopEndpoints(context.Background(), "user-1", since, 1)
	require.NoError(t, err)
	require.Len(t, top, 1)
	assert.Equal(t, "/api/weather", top[0].Label)
}

func TestUsageTopUsersAndStatusDistribution(t *testing.T) {
	repo, mock := newUsageRepo(t)
	since := time.Now()
	mock.ExpectQuery("SELECT o.username AS label").
		WithArgs(since, 10).
		WillReturnRows(sqlmock.NewRows([]string{"label", "count"}).AddRow("alice", 4))
	mock.ExpectQuery("SELECT status AS label").
		WithArgs(since).
		WillReturnRows(sqlmock.NewRows([]string{"label", "count"}).
			AddRow("success", 10).AddRow("invalid_key", 2))

	users, err := repo.TopUsers(context.Background(), since, 10)
	require.NoError(t, err)
	assert.Equal(t, "alice", users[0].Label)

	dist, err := repo.StatusDistribution(context.Background(), since)
	require.NoError(t, err)
	assert.Len(t, dist, 2)
}

func TestUsageDeleteOlderThan(t *testing.T) {
	repo, mock := newUsageRepo(t)
	cutoff := time.Now()
	mock.ExpectExec("DELETE FROM api_usage WHERE timestamp < \\$1").
		WithArgs(cutoff).
		WillReturnResult(sqlmock.NewResult(0, 25))

	n, err := repo.DeleteOlderThan(context.Background(), cutoff)
	require.NoError(t, err)
	assert.Equal(t, int64(25), n)
}

func TestUsageDeleteOlderThan_Error(t *testing.T) {
	repo, mock := newUsageRepo(t)
	mock.ExpectExec("DELETE FROM api_usage").WillReturnError(errDB)

	_, err := repo.DeleteOlderThan(context.Background(), time.Now())
	assert.Error(t, err)
}
