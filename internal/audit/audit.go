// Package audit appends state-change records to the append-only log.
// Appends are best-effort: a failed append is logged and never rolls
// back or fails the operation that produced it.
package audit

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/mindmux/mindmux/internal/common/logger"
	"github.com/mindmux/mindmux/internal/storage"
	v1 "github.com/mindmux/mindmux/pkg/api/v1"
)

// Service records and queries audit entries.
type Service struct {
	repo storage.AuditRepository
	log  *logger.Logger
}

// NewService creates an audit service over the store's audit repository.
func NewService(repo storage.AuditRepository, log *logger.Logger) *Service {
	return &Service{
		repo: repo,
		log:  log.WithFields(zap.String("component", "audit")),
	}
}

// Record appends one entry. Failures are swallowed after logging.
func (s *Service) Record(ctx context.Context, eventName string, kind v1.EntityKind, entityID string, changes map[string]interface{}) {
	entry := &v1.AuditEntry{
		Timestamp:  time.Now().UTC(),
		EventName:  eventName,
		EntityKind: kind,
		EntityID:   entityID,
		Changes:    changes,
	}
	if err := s.repo.Append(ctx, entry); err != nil {
		s.log.Warn("failed to append audit entry",
			zap.String("event", eventName),
			zap.String("entity_id", entityID),
			zap.Error(err))
	}
}

// List returns the newest entries, most recent first.
func (s *Service) List(ctx context.Context, limit int) ([]*v1.AuditEntry, error) {
	return s.repo.List(ctx, limit)
}

// ListByEntity returns the newest entries for one entity, most recent
// first.
func (s *Service) ListByEntity(ctx context.Context, kind v1.EntityKind, entityID string, limit int) ([]*v1.AuditEntry, error) {
	return s.repo.ListByEntity(ctx, kind, entityID, limit)
}

// ListByEvent returns the newest entries with one event name, most
// recent first.
func (s *Service) ListByEvent(ctx context.Context, eventName string, limit int) ([]*v1.AuditEntry, error) {
	return s.repo.ListByEvent(ctx, eventName, limit)
}
