package order

import (
	"context"
	"errors"

	"github.com/google/uuid"
)

var (
	ErrNotFound            = errors.New("order not found")
	ErrConcurrencyConflict = errors.New("order concurrency conflict")
)

type Repository interface {
	Create(ctx context.Context, o *LabOrder) error
	GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error)
	GetByOrderNumber(ctx context.Context, number string) (*LabOrder, error)
	// Update performs a compare-and-swap on version_id.
	Update(ctx context.Context, o *LabOrder) error
	List(ctx context.Context, status string, limit, offset int) ([]*LabOrder, int, error)
	ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error)
}
