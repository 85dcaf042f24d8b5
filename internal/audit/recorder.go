package audit

import (
	"context"
	"time"

	"github.com/api-manager/api-manager/internal/safego"
)

// Security event actions
const (
	ActionLoginSuccess      = "auth.login.success"
	ActionLoginFailure      = "auth.login.failure"
	ActionRegister          = "auth.register"
	ActionEmailVerified     = "auth.email.verified"
	ActionEmailChanged      = "auth.email.changed"
	ActionPasswordChanged   = "auth.password.changed"
	ActionPasswordReset     = "auth.password.reset"
	ActionKeyCreated        = "api_key.created"
	ActionKeyRegenerated    = "api_key.regenerated"
	ActionKeyRevoked        = "api_key.revoked"
	ActionKeyStatusChanged  = "api_key.status_changed"
	ActionKeyUpdated        = "api_key.updated"
	ActionUserAdminToggled  = "user.admin_toggled"
	ActionUserVerifyToggled = "user.verification_toggled"
	ActionHTTPRequest       = "http.request"
)

const shipTimeout = 10 * time.Second

// Recorder ships entries in the background so request paths never wait on
// audit destinations. A Recorder with a nil shipper drops everything.
type Recorder struct {
	shipper Shipper
	now     func() time.Time
}

// NewRecorder creates a Recorder over shipper (may be nil)
func NewRecorder(shipper Shipper) *Recorder {
	return &Recorder{shipper: shipper, now: time.Now}
}

// Record stamps the entry and ships it asynchronously. Shipping errors are
// logged by the shipper.
func (r *Recorder) Record(entry *LogEntry) {
	if r == nil || r.shipper == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = r.now().UTC()
	}
	safego.Go("audit-ship", func() {
		ctx, cancel := context.WithTimeout(context.Background(), shipTimeout)
		defer cancel()
		_ = r.shipper.Ship(ctx, entry)
	})
}

// Bool returns a pointer for LogEntry.Success
func Bool(b bool) *bool {
	return &b
}
