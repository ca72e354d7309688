package lab

import (
	"context"

	"github.com/google/uuid"
)

type SpecimenRepository interface {
	Create(ctx context.Context, sp *Specimen) error
	GetByID(ctx context.Context, id uuid.UUID) (*Specimen, error)
	// Update performs a compare-and-swap on version_id and returns
	// ErrConcurrencyConflict when the row changed underneath the caller.
	Update(ctx context.Context, sp *Specimen) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Specimen, error)
	// Chain returns the recollection chain containing the given specimen,
	// oldest first.
	Chain(ctx context.Context, id uuid.UUID) ([]*Specimen, error)
	// ChainHead returns the most recent specimen for (order, type).
	ChainHead(ctx context.Context, orderID uuid.UUID, typeCode string) (*Specimen, error)
}

type OrderTestRepository interface {
	Create(ctx context.Context, ot *OrderTest) error
	GetByID(ctx context.Context, id uuid.UUID) (*OrderTest, error)
	// Current returns the latest instance for (order, test code), i.e. the one
	// with the highest retest_number.
	Current(ctx context.Context, orderID uuid.UUID, testCode string) (*OrderTest, error)
	Update(ctx context.Context, ot *OrderTest) error
	ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*OrderTest, error)
	// ListBySpecimen returns every instance bound to the given specimen.
	ListBySpecimen(ctx context.Context, specimenID uuid.UUID) ([]*OrderTest, error)
	Chain(ctx context.Context, orderID uuid.UUID, testCode string) ([]*OrderTest, error)
	// OrderHasValidatedTests is the cross-entity consistency predicate: true
	// when any instance in the order has been validated.
	OrderHasValidatedTests(ctx context.Context, orderID uuid.UUID) (bool, error)
	ListEscalated(ctx context.Context, limit, offset int) ([]*OrderTest, int, error)
}

type ResultRejectionRepository interface {
	Create(ctx context.Context, rr *ResultRejection) error
	ListByChain(ctx context.Context, orderID uuid.UUID, testCode string) ([]*ResultRejection, error)
	CountByType(ctx context.Context, orderID uuid.UUID, testCode string, t RejectionType) (int, error)
}

// OrderLocker serializes workflow mutations per order. The pg implementation
// takes a row lock on the owning lab_order row for the duration of the
// enclosing transaction.
type OrderLocker interface {
	LockOrder(ctx context.Context, orderID uuid.UUID) error
}
