// api_key_expiry_notifier.go implements the APIKeyExpiryNotifier background job, which
// periodically scans for active API keys approaching their expiry date and emails the
// owner once per key. The expiry_notified_at column records that the warning went out,
// so restarts never send it twice. The job does nothing when notifications are
// disabled.
package jobs

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/api-manager/api-manager/internal/config"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/api-manager/api-manager/internal/mail"
	"github.com/api-manager/api-manager/internal/telemetry"
)

// Defaults for zero-valued notification settings
const (
	DefaultExpiryCheckIntervalHours = 24
	DefaultExpiryWarningDays        = 7
)

// APIKeyExpiryNotifier periodically emails users whose API keys are about to expire.
type APIKeyExpiryNotifier struct {
	apiKeyRepo *repositories.APIKeyRepository
	sender     mail.Sender
	cfg        *config.NotificationsConfig
	interval   time.Duration
	now        func() time.Time
	stopChan   chan struct{}
	stopOnce   sync.Once
}

// NewAPIKeyExpiryNotifier creates a new APIKeyExpiryNotifier.
// The check runs every cfg.APIKeyExpiryCheckIntervalHours (default 24h).
func NewAPIKeyExpiryNotifier(
	apiKeyRepo *repositories.APIKeyRepository,
	sender mail.Sender,
	cfg *config.NotificationsConfig,
) *APIKeyExpiryNotifier {
	hours := cfg.APIKeyExpiryCheckIntervalHours
	if hours <= 0 {
		hours = DefaultExpiryCheckIntervalHours
	}
	return &APIKeyExpiryNotifier{
		apiKeyRepo: apiKeyRepo,
		sender:     sender,
		cfg:        cfg,
		interval:   time.Duration(hours) * time.Hour,
		now:        time.Now,
		stopChan:   make(chan struct{}),
	}
}

// Start runs the expiry-notification loop until ctx is cancelled or Stop is
// called. It checks once immediately, then on every interval.
func (n *APIKeyExpiryNotifier) Start(ctx context.Context) {
	if !n.cfg.Enabled {
		slog.Info("api key expiry notifier disabled", "reason", "notifications.enabled=false")
		return
	}

	ticker := time.NewTicker(n.interval)
	defer ticker.Stop()

	slog.Info("api key expiry notifier started",
		"interval", n.interval,
		"warning_days", n.warningDays())

	n.RunOnce(ctx)

	for {
		select {
		case <-ticker.C:
			n.RunOnce(ctx)
		case <-n.stopChan:
			slog.Info("api key expiry notifier stopped")
			return
		case <-ctx.Done():
			return
		}
	}
}

// Stop signals the background loop to exit. It is safe to call more than once.
func (n *APIKeyExpiryNotifier) Stop() {
	n.stopOnce.Do(func() { close(n.stopChan) })
}

func (n *APIKeyExpiryNotifier) warningDays() int {
	if n.cfg.APIKeyExpiryWarningDays <= 0 {
		return DefaultExpiryWarningDays
	}
	return n.cfg.APIKeyExpiryWarningDays
}

// RunOnce warns the owner of every key expiring within the warning window
// that has not been warned yet, and returns how many warnings were sent.
// A key whose email fails stays unmarked and is retried on the next run.
func (n *APIKeyExpiryNotifier) RunOnce(ctx context.Context) int {
	now := n.now().UTC()
	before := now.Add(time.Duration(n.warningDays()) * 24 * time.Hour)

	keys, err := n.apiKeyRepo.FindExpiringKeys(ctx, now, before)
	if err != nil {
		slog.Error("api key expiry notifier: failed to query expiring keys", "error", err)
		return 0
	}
	if len(keys) == 0 {
		return 0
	}
	slog.Info("api key expiry notifier: keys approaching expiry", "count", len(keys))

	sent := 0
	for _, key := range keys {
		if key.OwnerEmail == nil || *key.OwnerEmail == "" || key.ExpiresAt == nil {
			continue
		}
		username := ""
		if key.OwnerUsername != nil {
			username = *key.OwnerUsername
		}

		msg, err := mail.KeyExpiringEmail(username, key.DisplayName(), key.KeyPreview, *key.ExpiresAt, now)
		if err != nil {
			slog.Error("api key expiry notifier: failed to render email", "key_id", key.ID, "error", err)
			continue
		}
		if err := mail.Deliver(ctx, n.sender, *key.OwnerEmail, msg); err != nil {
			slog.Warn("api key expiry notifier: failed to send email", "key_id", key.ID, "error", err)
			continue
		}
		telemetry.APIKeyExpiryNotificationsSentTotal.Inc()
		sent++

		if err := n.apiKeyRepo.MarkExpiryNotified(ctx, key.ID, now); err != nil {
			slog.Error("api key expiry notifier: failed to mark key notified", "key_id", key.ID, "error", err)
		}
	}
	return sent
}
