package auditevent

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/lims/lims/internal/platform/db"
)

type Service struct {
	repo Repository
}

func NewService(repo Repository) *Service {
	return &Service{repo: repo}
}

// Record persists one audit event on its own connection, outside any
// transaction bound to ctx. A failed insert therefore cannot poison the
// caller's transaction, and the error is swallowed; auditing must not fail
// the workflow it observes.
func (s *Service) Record(ctx context.Context, entityType string, entityID uuid.UUID, action, actor, detail string) {
	_ = s.repo.Create(db.Detach(ctx), &AuditEvent{
		EntityType: entityType,
		EntityID:   entityID,
		Action:     action,
		Actor:      actor,
		Outcome:    OutcomeSuccess,
		Detail:     detail,
		Recorded:   time.Now(),
	})
}

func (s *Service) ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]*AuditEvent, int, error) {
	return s.repo.ListByEntity(ctx, entityType, entityID, limit, offset)
}

func (s *Service) List(ctx context.Context, limit, offset int) ([]*AuditEvent, int, error) {
	return s.repo.List(ctx, limit, offset)
}
