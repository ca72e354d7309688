package auditevent

import (
	"context"

	"github.com/google/uuid"
)

type Repository interface {
	Create(ctx context.Context, ev *AuditEvent) error
	ListByEntity(ctx context.Context, entityType string, entityID uuid.UUID, limit, offset int) ([]*AuditEvent, int, error)
	List(ctx context.Context, limit, offset int) ([]*AuditEvent, int, error)
}
