package audit

import (
	"context"

	"github.com/api-manager/api-manager/internal/db/models"
)

// Store persists audit rows. Implemented by repositories.AuditRepository.
type Store interface {
	CreateAuditLog(ctx context.Context, log *models.AuditLog) error
}

// DatabaseShipper writes entries to the audit_logs table so administrators
// can query them through the admin API
type DatabaseShipper struct {
	store Store
}

// NewDatabaseShipper creates a shipper over store
func NewDatabaseShipper(store Store) *DatabaseShipper {
	return &DatabaseShipper{store: store}
}

// Ship implements Shipper
func (s *DatabaseShipper) Ship(ctx context.Context, entry *LogEntry) error {
	return s.store.CreateAuditLog(ctx, entryToLog(entry))
}

// Close implements Shipper. The store's connection is owned by the caller.
func (s *DatabaseShipper) Close() error {
	return nil
}

func entryToLog(entry *LogEntry) *models.AuditLog {
	log := &models.AuditLog{
		UserID:       nonEmpty(entry.UserID),
		Action:       entry.Action,
		ResourceType: nonEmpty(entry.ResourceType),
		ResourceID:   nonEmpty(entry.ResourceID),
		IPAddress:    nonEmpty(entry.IPAddress),
		UserAgent:    nonEmpty(entry.UserAgent),
		RequestID:    nonEmpty(entry.RequestID),
		Success:      entry.Success,
		Metadata:     entry.Metadata,
		CreatedAt:    entry.Timestamp,
	}
	if entry.StatusCode != 0 {
		code := entry.StatusCode
		log.StatusCode = &code
	}
	return log
}

func nonEmpty(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
