package admin

import (
	"net/http"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func adminKeyRows() *sqlmock.Rows {
	cols := append(append([]string{}, apiKeyCols...), "username", "email")
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	return sqlmock.NewRows(cols).
		AddRow("key-1", "user-2", "digest", "abc...", "ci", "revoked", at, nil, nil, 9, at, nil, "bob", "bob@example.com")
}

// ---------------------------------------------------------------------------
// ListKeysHandler
// ---------------------------------------------------------------------------

func TestListKeys_Filters(t *testing.T) {
	r, mock := newRouter(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM api_keys k WHERE 1=1 AND k.status = \\$1 AND k.user_id = \\$2").
		WithArgs("revoked", "user-2").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
	mock.ExpectQuery("JOIN users u ON u.id = k.user_id").
		WithArgs("revoked", "user-2", 20, 0).
		WillReturnRows(adminKeyRows())

	w, body := do(t, r, http.MethodGet, "/admin/api/keys?status=Revoked&user_id=user-2", nil)
	require.Equal(t, http.StatusOK, w.Code)

	keys := body["keys"].([]interface{})
	require.Len(t, keys, 1)
	k := keys[0].(map[string]interface{})
	assert.Equal(t, "bob", k["username"])
	assert.Equal(t, "bob@example.com", k["email"])
	assert.Equal(t, "user-2", k["user_id"])
	assert.NotContains(t, k, "key_hash")
	expectationsMet(t, mock)
}

func TestListKeys_UnknownStatusIgnored(t *testing.T) {
	r, mock := newRouter(t)
	mock.ExpectQuery("SELECT COUNT\\(\\*\\) FROM api_keys k WHERE 1=1$").
		WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
	mock.ExpectQuery("JOIN users u ON u.id = k.user_id").
		WithArgs(20, 0).
		WillReturnRows(sqlmock.NewRows(append(append([]string{}, apiKeyCols...), "username", "email")))

	w, body := do(t, r, http.MethodGet, "/admin/api/keys?status=bogus", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Empty(t, body["keys"])
	expectationsMet(t, mock)
}

// ---------------------------------------------------------------------------
// UpdateKeyStatusHandler
// ---------------------------------------------------------------------------

func TestUpdateKeyStatus_AdminMayReactivateRevoked(t *testing.T) {
	r, mock := newRouter(t)
	at := time.Date(2026, 2, 1, 0, 0, 0, 0, time.UTC)
	mock.ExpectQuery("FROM api_keys k WHERE k.id = \\$1").WithArgs("key-1").
		WillReturnRows(sqlmock.NewRows(apiKeyCols).
			AddRow("key-1", "user-2", "digest", "abc...", "ci", "revoked", at, nil, nil, 9, at, nil))
	mock.ExpectExec("UPDATE api_keys\\s+SET status = \\$2").
		WithArgs("key-1", "active", false, sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	w, body := do(t, r, http.MethodPost, "/admin/api/keys/key-1/status", map[string]string{"status": "active"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "API key status updated to active", body["message"])
	assert.Equal(t, "active", body["key"].(map[string]interface{})["status"])
	expectationsMet(t, mock)
}

func TestUpdateKeyStatus_InvalidStatus(t *testing.T) {
	r, mock := newRouter(t)

	w, body := do(t, r, http.MethodPost, "/admin/api/keys/key-1/status", map[string]string{"status": "paused"})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, "Invalid status. Must be active, inactive, or revoked", body["error"])
	expectationsMet(t, mock)
}

func TestUpdateKeyStatus_NotFound(t *testing.T) {
	r, mock := newRouter(t)
	mock.ExpectQuery("FROM api_keys k WHERE k.id = \\$1").WillReturnRows(sqlmock.NewRows(apiKeyCols))

	w, body := do(t, r, http.MethodPost, "/admin/api/keys/missing/status", map[string]string{"status": "inactive"})
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "API key not found", body["error"])
}
