package store

import (
	"context"
	"fmt"

	"github.com/0xHecker/omni-stream/pkg/coordinator/models"
)

// WriteAudit appends an audit event. Audit writes ride the caller's
// transaction-free path; failures surface so callers can decide whether to
// swallow them.
func (s *GORMStore) WriteAudit(ctx context.Context, event *models.AuditEvent) error {
	if event.ID == "" {
		event.ID = models.NewID()
	}
	if err := s.db.WithContext(ctx).Create(event).Error; err != nil {
		return fmt.Errorf("failed to write audit event: %w", err)
	}
	return nil
}
