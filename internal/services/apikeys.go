// apikeys.go implements APIKeyService, the owner-scoped lifecycle of API keys:
// issue, list, status transitions, soft delete, regeneration and metadata
// updates, plus the admin status override.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/api-manager/api-manager/internal/audit"
	"github.com/api-manager/api-manager/internal/auth"
	"github.com/api-manager/api-manager/internal/config"
	"github.com/api-manager/api-manager/internal/db/models"
	"github.com/api-manager/api-manager/internal/db/repositories"
	"github.com/api-manager/api-manager/internal/mail"
	"github.com/api-manager/api-manager/internal/telemetry"
)

// Defaults applied when the configuration leaves a value at zero
const (
	DefaultMaxKeysPerUser = 10
	DefaultMaxExpiryDays  = 365

	// RecentUsageWindow is the lookback of KeyStats.RecentUsage
	RecentUsageWindow = 30 * 24 * time.Hour
)

// KeyUsagePageDefault and KeyUsagePageMax bound the per-key usage listing
const (
	KeyUsagePageDefault = 50
	KeyUsagePageMax     = 100
)

// IssuedKey is a key together with its raw secret. The secret exists only in
// this value and is never persisted or logged.
type IssuedKey struct {
	RawKey string
	Key    *models.APIKey
}

// CreateKeyInput carries the optional attributes of a new key
type CreateKeyInput struct {
	Name          string
	ExpiresInDays *int
}

// UpdateKeyInput carries a metadata update. An empty Name and a nil
// ExpiresInDays leave the respective field unchanged; ClearExpiry removes the
// expiry and takes precedence over ExpiresInDays.
type UpdateKeyInput struct {
	Name          string
	ExpiresInDays *int
	ClearExpiry   bool
}

// Actor identifies who triggered an operation, for audit records
type Actor struct {
	UserID    string
	IPAddress string
	UserAgent string
	RequestID string
}

// APIKeyService manages API keys on behalf of their owners
type APIKeyService struct {
	keys          *repositories.APIKeyRepository
	usage         *repositories.UsageRepository
	sender        mail.Sender
	audit         *audit.Recorder
	keyLength     int
	maxPerUser    int
	maxExpiryDays int
	now           func() time.Time
}

// NewAPIKeyService creates an APIKeyService
func NewAPIKeyService(
	keys *repositories.APIKeyRepository,
	usage *repositories.UsageRepository,
	sender mail.Sender,
	recorder *audit.Recorder,
	cfg *config.APIKeyConfig,
) *APIKeyService {
	s := &APIKeyService{
		keys:          keys,
		usage:         usage,
		sender:        sender,
		audit:         recorder,
		keyLength:     cfg.Length,
		maxPerUser:    cfg.MaxPerUser,
		maxExpiryDays: cfg.MaxExpiryDays,
		now:           time.Now,
	}
	if s.keyLength == 0 {
		s.keyLength = auth.DefaultAPIKeyLength
	}
	if s.maxPerUser == 0 {
		s.maxPerUser = DefaultMaxKeysPerUser
	}
	if s.maxExpiryDays == 0 {
		s.maxExpiryDays = DefaultMaxExpiryDays
	}
	return s
}

// ParseExpiryDays interprets the expires_in_days request field. nil, JSON
// null and blank strings mean "not provided". Numbers and numeric strings are
// accepted; anything else is ErrInvalidExpiry.
func ParseExpiryDays(raw interface{}) (*int, error) {
	switch v := raw.(type) {
	case nil:
		return nil, nil
	case string:
		v = strings.TrimSpace(v)
		if v == "" {
			return nil, nil
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, ErrInvalidExpiry
		}
		return &n, nil
	case float64:
		if v != math.Trunc(v) || math.IsInf(v, 0) || v > math.MaxInt32 || v < math.MinInt32 {
			return nil, ErrInvalidExpiry
		}
		n := int(v)
		return &n, nil
	case json.Number:
		n, err := strconv.Atoi(v.String())
		if err != nil {
			return nil, ErrInvalidExpiry
		}
		return &n, nil
	case int:
		return &v, nil
	default:
		return nil, ErrInvalidExpiry
	}
}

func (s *APIKeyService) expiryFromDays(days int) (time.Time, error) {
	if days <= 0 {
		return time.Time{}, withMessage(ErrInvalidExpiry, "Expiration days must be positive")
	}
	if days > s.maxExpiryDays {
		return time.Time{}, withMessage(ErrInvalidExpiry, fmt.Sprintf("Maximum expiration is %d days", s.maxExpiryDays))
	}
	return s.now().UTC().Add(time.Duration(days) * 24 * time.Hour), nil
}

func validateStatus(status string) (string, error) {
	status = strings.ToLower(strings.TrimSpace(status))
	if !models.IsValidKeyStatus(status) {
		return "", ErrInvalidStatus
	}
	return status, nil
}

// Create issues a new key for owner. The quota check and insert happen in one
// transaction. The "new key" email is sent after commit and its failure is
// only logged.
func (s *APIKeyService) Create(ctx context.Context, owner *models.User, in CreateKeyInput, actor Actor) (*IssuedKey, error) {
	key := &models.APIKey{
		UserID:    owner.ID,
		Status:    models.KeyStatusActive,
		CreatedAt: s.now().UTC(),
	}
	if name := strings.TrimSpace(in.Name); name != "" {
		key.Name = &name
	}
	if in.ExpiresInDays != nil {
		expiresAt, err := s.expiryFromDays(*in.ExpiresInDays)
		if err != nil {
			return nil, err
		}
		key.ExpiresAt = &expiresAt
	}

	rawKey, keyHash, preview, err := auth.NewAPIKey(s.keyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate api key: %w", err)
	}
	key.KeyHash = keyHash
	key.KeyPreview = preview

	if err := s.keys.CreateWithQuota(ctx, key, s.maxPerUser); err != nil {
		switch {
		case errors.Is(err, repositories.ErrQuotaExceeded):
			return nil, withMessage(ErrQuotaExceeded, fmt.Sprintf("Maximum number of API keys reached (%d)", s.maxPerUser))
		case errors.Is(err, repositories.ErrConflict):
			return nil, &Error{Kind: KindConflict, Code: ErrKeyConflict.Code, Message: ErrKeyConflict.Message, Err: err}
		default:
			return nil, fmt.Errorf("failed to create api key: %w", err)
		}
	}

	telemetry.APIKeyOperationsTotal.WithLabelValues("create").Inc()
	s.record(actor, audit.ActionKeyCreated, key.ID, nil)
	s.notifyKeyIssued(ctx, owner, key, false)

	return &IssuedKey{RawKey: rawKey, Key: key}, nil
}

// List returns the owner's keys, newest first
func (s *APIKeyService) List(ctx context.Context, ownerID string) ([]*models.APIKey, error) {
	keys, err := s.keys.ListByUser(ctx, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to list api keys: %w", err)
	}
	return keys, nil
}

// Get returns one of the owner's keys. A key owned by someone else is
// reported exactly like a missing one.
func (s *APIKeyService) Get(ctx context.Context, ownerID, keyID string) (*models.APIKey, error) {
	key, err := s.keys.GetByIDForUser(ctx, keyID, ownerID)
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	if key == nil {
		return nil, ErrKeyNotFound
	}
	return key, nil
}

// UpdateStatus moves one of the owner's keys to status. Setting the current
// status is a no-op; owners cannot bring a revoked key back.
func (s *APIKeyService) UpdateStatus(ctx context.Context, ownerID, keyID, status string, actor Actor) (*models.APIKey, error) {
	status, err := validateStatus(status)
	if err != nil {
		return nil, err
	}
	key, err := s.Get(ctx, ownerID, keyID)
	if err != nil {
		return nil, err
	}
	if key.Status == status {
		return key, nil
	}
	if key.Status == models.KeyStatusRevoked {
		return nil, ErrReactivateRevoked
	}
	return s.applyStatus(ctx, key, status, actor)
}

// Delete revokes one of the owner's keys. Usage history is kept.
func (s *APIKeyService) Delete(ctx context.Context, ownerID, keyID string, actor Actor) error {
	key, err := s.Get(ctx, ownerID, keyID)
	if err != nil {
		return err
	}
	if key.Status == models.KeyStatusRevoked {
		return nil
	}
	_, err = s.applyStatus(ctx, key, models.KeyStatusRevoked, actor)
	return err
}

// AdminUpdateStatus sets the status of any key. Unlike owners, admins may
// reactivate a revoked key; revoked_at stays set so it still cannot be
// regenerated.
func (s *APIKeyService) AdminUpdateStatus(ctx context.Context, keyID, status string, actor Actor) (*models.APIKey, error) {
	status, err := validateStatus(status)
	if err != nil {
		return nil, err
	}
	key, err := s.keys.GetByID(ctx, keyID)
	if err != nil {
		return nil, fmt.Errorf("failed to get api key: %w", err)
	}
	if key == nil {
		return nil, ErrKeyNotFound
	}
	if key.Status == status {
		return key, nil
	}
	return s.applyStatus(ctx, key, status, actor)
}

func (s *APIKeyService) applyStatus(ctx context.Context, key *models.APIKey, status string, actor Actor) (*models.APIKey, error) {
	at := s.now().UTC()
	if err := s.keys.UpdateStatus(ctx, key.ID, status, at); err != nil {
		return nil, fmt.Errorf("failed to update api key status: %w", err)
	}

	previous := key.Status
	key.Status = status
	if status == models.KeyStatusRevoked && key.RevokedAt == nil {
		key.RevokedAt = &at
	}

	action := audit.ActionKeyStatusChanged
	if status == models.KeyStatusRevoked {
		action = audit.ActionKeyRevoked
		telemetry.APIKeyOperationsTotal.WithLabelValues("revoke").Inc()
	} else {
		telemetry.APIKeyOperationsTotal.WithLabelValues("status_change").Inc()
	}
	s.record(actor, action, key.ID, map[string]interface{}{"from": previous, "to": status})
	return key, nil
}

// Regenerate replaces the secret of one of the owner's keys. The key becomes
// active with a zero usage count. Keys that are or were ever revoked cannot
// be regenerated.
func (s *APIKeyService) Regenerate(ctx context.Context, owner *models.User, keyID string, actor Actor) (*IssuedKey, error) {
	key, err := s.Get(ctx, owner.ID, keyID)
	if err != nil {
		return nil, err
	}
	if key.WasRevoked() {
		return nil, ErrInvalidState
	}

	rawKey, keyHash, preview, err := auth.NewAPIKey(s.keyLength)
	if err != nil {
		return nil, fmt.Errorf("failed to generate api key: %w", err)
	}

	ok, err := s.keys.Regenerate(ctx, key.ID, keyHash, preview)
	if err != nil {
		if errors.Is(err, repositories.ErrConflict) {
			return nil, &Error{Kind: KindConflict, Code: ErrKeyConflict.Code, Message: ErrKeyConflict.Message, Err: err}
		}
		return nil, fmt.Errorf("failed to regenerate api key: %w", err)
	}
	if !ok {
		// revoked between the read and the update
		return nil, ErrInvalidState
	}

	key.KeyHash = keyHash
	key.KeyPreview = preview
	key.Status = models.KeyStatusActive
	key.UsageCount = 0
	key.LastUsed = nil
	key.ExpiryNotifiedAt = nil

	telemetry.APIKeyOperationsTotal.WithLabelValues("regenerate").Inc()
	s.record(actor, audit.ActionKeyRegenerated, key.ID, nil)
	s.notifyKeyIssued(ctx, owner, key, true)

	return &IssuedKey{RawKey: rawKey, Key: key}, nil
}

// Update changes the name and/or expiry of one of the owner's keys
func (s *APIKeyService) Update(ctx context.Context, ownerID, keyID string, in UpdateKeyInput, actor Actor) (*models.APIKey, error) {
	var name *string
	if n := strings.TrimSpace(in.Name); n != "" {
		name = &n
	}

	setExpiry := false
	var expiresAt *time.Time
	switch {
	case in.ClearExpiry:
		setExpiry = true
	case in.ExpiresInDays != nil:
		at, err := s.expiryFromDays(*in.ExpiresInDays)
		if err != nil {
			return nil, err
		}
		setExpiry = true
		expiresAt = &at
	}

	key, err := s.Get(ctx, ownerID, keyID)
	if err != nil {
		return nil, err
	}
	if name == nil && !setExpiry {
		return key, nil
	}

	if err := s.keys.UpdateDetails(ctx, key.ID, name, setExpiry, expiresAt); err != nil {
		return nil, fmt.Errorf("failed to update api key: %w", err)
	}
	if name != nil {
		key.Name = name
	}
	if setExpiry {
		key.ExpiresAt = expiresAt
		key.ExpiryNotifiedAt = nil
	}

	telemetry.APIKeyOperationsTotal.WithLabelValues("update").Inc()
	s.record(actor, audit.ActionKeyUpdated, key.ID, map[string]interface{}{
		"name_changed":   name != nil,
		"expiry_changed": setExpiry,
	})
	return key, nil
}

// Usage returns a page of usage rows for one of the owner's keys
func (s *APIKeyService) Usage(ctx context.Context, ownerID, keyID string, page PageRequest) (*models.APIKey, []*models.APIUsage, Pagination, error) {
	key, err := s.Get(ctx, ownerID, keyID)
	if err != nil {
		return nil, nil, Pagination{}, err
	}
	rows, total, err := s.usage.ListByKey(ctx, key.ID, page.PerPage, page.Offset())
	if err != nil {
		return nil, nil, Pagination{}, fmt.Errorf("failed to list usage: %w", err)
	}
	return key, rows, page.Paginate(total), nil
}

// Stats aggregates the owner's keys. RecentUsage covers the last 30 days.
func (s *APIKeyService) Stats(ctx context.Context, ownerID string) (*models.KeyStats, error) {
	stats, err := s.keys.StatsForUser(ctx, ownerID, s.now().UTC().Add(-RecentUsageWindow))
	if err != nil {
		return nil, fmt.Errorf("failed to compute key stats: %w", err)
	}
	return stats, nil
}

func (s *APIKeyService) notifyKeyIssued(ctx context.Context, owner *models.User, key *models.APIKey, regenerated bool) {
	if s.sender == nil {
		return
	}
	msg, err := mail.KeyGeneratedEmail(key.DisplayName(), key.KeyPreview, regenerated)
	if err != nil {
		slog.Error("failed to render key notification", "key_id", key.ID, "error", err)
		return
	}
	if err := mail.Deliver(ctx, s.sender, owner.Email, msg); err != nil {
		slog.Warn("failed to send key notification", "key_id", key.ID, "user_id", owner.ID, "error", err)
	}
}

func (s *APIKeyService) record(actor Actor, action, keyID string, metadata map[string]interface{}) {
	s.audit.Record(&audit.LogEntry{
		Action:       action,
		UserID:       actor.UserID,
		ResourceType: "api_key",
		ResourceID:   keyID,
		IPAddress:    actor.IPAddress,
		UserAgent:    actor.UserAgent,
		RequestID:    actor.RequestID,
		Success:      audit.Bool(true),
		Metadata:     metadata,
	})
}
