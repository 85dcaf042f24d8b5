// retention_cleaner.go implements RetentionCleaner, which periodically purges
// api_usage and login_history rows older than the configured retention. The
// same purge backs the "server cleanup" command.
package jobs

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/api-manager/api-manager/internal/config"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/api-manager/api-manager/internal/safego"
	"github.com/api-manager/api-manager/internal/telemetry"
)

// Retention defaults applied when the configuration leaves a value at zero
const (
	DefaultUsageRetentionDays = 90
	DefaultLoginRetentionDays = 180
	DefaultRetentionInterval  = 24
)

// RetentionResult reports how many rows a purge removed
type RetentionResult struct {
	UsageDeleted int64
	LoginDeleted int64
}

// RetentionCleaner deletes usage and login history past their retention
type RetentionCleaner struct {
	usage     *repositories.UsageRepository
	logins    *repositories.LoginHistoryRepository
	usageDays int
	loginDays int
	interval  time.Duration
	now       func() time.Time
	stopCh    chan struct{}
	stopOnce  sync.Once
	wg        sync.WaitGroup
}

// NewRetentionCleaner creates a RetentionCleaner from the retention settings
func NewRetentionCleaner(
	usage *repositories.UsageRepository,
	logins *repositories.LoginHistoryRepository,
	cfg *config.RetentionConfig,
) *RetentionCleaner {
	c := &RetentionCleaner{
		usage:     usage,
		logins:    logins,
		usageDays: cfg.UsageDays,
		loginDays: cfg.LoginDays,
		interval:  time.Duration(cfg.IntervalHours) * time.Hour,
		now:       time.Now,
		stopCh:    make(chan struct{}),
	}
	if c.usageDays <= 0 {
		c.usageDays = DefaultUsageRetentionDays
	}
	if c.loginDays <= 0 {
		c.loginDays = DefaultLoginRetentionDays
	}
	if c.interval <= 0 {
		c.interval = DefaultRetentionInterval * time.Hour
	}
	return c
}

// Start launches the periodic purge in the background. The first purge runs
// immediately.
func (c *RetentionCleaner) Start(ctx context.Context) {
	slog.Info("retention cleaner started",
		"interval", c.interval,
		"usage_days", c.usageDays,
		"login_days", c.loginDays)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		defer safego.Recover("retention-cleaner")

		ticker := time.NewTicker(c.interval)
		defer ticker.Stop()

		c.runLogged(ctx)
		for {
			select {
			case <-ticker.C:
				c.runLogged(ctx)
			case <-c.stopCh:
				slog.Info("retention cleaner stopped")
				return
			case <-ctx.Done():
				return
			}
		}
	}()
}

// Stop ends the loop and waits for an in-flight purge to finish
func (c *RetentionCleaner) Stop() {
	c.stopOnce.Do(func() { close(c.stopCh) })
	c.wg.Wait()
}

func (c *RetentionCleaner) runLogged(ctx context.Context) {
	res, err := c.RunOnce(ctx)
	if err != nil {
		slog.Error("retention cleanup failed", "error", err)
		return
	}
	if res.UsageDeleted > 0 || res.LoginDeleted > 0 {
		slog.Info("retention cleanup completed",
			"api_usage_deleted", res.UsageDeleted,
			"login_history_deleted", res.LoginDeleted)
	}
}

// RunOnce performs a single purge. Usage is purged before login history; a
// failure on the first table skips the second.
func (c *RetentionCleaner) RunOnce(ctx context.Context) (RetentionResult, error) {
	now := c.now().UTC()
	var res RetentionResult

	n, err := c.usage.DeleteOlderThan(ctx, now.AddDate(0, 0, -c.usageDays))
	if err != nil {
		return res, fmt.Errorf("failed to purge api_usage: %w", err)
	}
	res.UsageDeleted = n
	telemetry.RetentionRowsDeletedTotal.WithLabelValues("api_usage").Add(float64(n))

	n, err = c.logins.DeleteOlderThan(ctx, now.AddDate(0, 0, -c.loginDays))
	if err != nil {
		return res, fmt.Errorf("failed to purge login_history: %w", err)
	}
	res.LoginDeleted = n
	telemetry.RetentionRowsDeletedTotal.WithLabelValues("login_history").Add(float64(n))

	return res, nil
}
