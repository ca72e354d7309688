package order

import (
	"context"
	"fmt"

	"github.com/google/uuid"
)

type Service struct {
	orders Repository
}

func NewService(orders Repository) *Service {
	return &Service{orders: orders}
}

// orderTransitions defines valid status transitions for LabOrder. Completed
// and cancelled orders are terminal.
var orderTransitions = map[string][]string{
	StatusActive:    {StatusCompleted, StatusCancelled},
	StatusCompleted: {},
	StatusCancelled: {},
}

// ValidateTransition checks if a status transition is valid.
func ValidateTransition(from, to string) error {
	allowed, ok := orderTransitions[from]
	if !ok {
		return fmt.Errorf("unknown from-status: %s", from)
	}
	for _, s := range allowed {
		if s == to {
			return nil
		}
	}
	return fmt.Errorf("invalid transition from %s to %s", from, to)
}

func (s *Service) Create(ctx context.Context, o *LabOrder) error {
	if o.OrderNumber == "" {
		return fmt.Errorf("order_number is required")
	}
	if o.PatientID == uuid.Nil {
		return fmt.Errorf("patient_id is required")
	}
	if o.Status == "" {
		o.Status = StatusActive
	}
	if !validStatuses[o.Status] {
		return fmt.Errorf("invalid status: %s", o.Status)
	}
	if o.Priority == "" {
		o.Priority = PriorityRoutine
	}
	if !validPriorities[o.Priority] {
		return fmt.Errorf("invalid priority: %s", o.Priority)
	}
	return s.orders.Create(ctx, o)
}

func (s *Service) Get(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return s.orders.GetByID(ctx, id)
}

func (s *Service) GetByOrderNumber(ctx context.Context, number string) (*LabOrder, error) {
	return s.orders.GetByOrderNumber(ctx, number)
}

// UpdateStatus transitions the order through the lifecycle map.
func (s *Service) UpdateStatus(ctx context.Context, id uuid.UUID, to string) (*LabOrder, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := ValidateTransition(o.Status, to); err != nil {
		return nil, err
	}
	o.Status = to
	if err := s.orders.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

// Update applies mutable fields. Status changes go through UpdateStatus.
func (s *Service) Update(ctx context.Context, id uuid.UUID, priority string, notes *string) (*LabOrder, error) {
	o, err := s.orders.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if priority != "" {
		if !validPriorities[priority] {
			return nil, fmt.Errorf("invalid priority: %s", priority)
		}
		o.Priority = priority
	}
	if notes != nil {
		o.Notes = notes
	}
	if err := s.orders.Update(ctx, o); err != nil {
		return nil, err
	}
	return o, nil
}

func (s *Service) List(ctx context.Context, status string, limit, offset int) ([]*LabOrder, int, error) {
	if status != "" && !validStatuses[status] {
		return nil, 0, fmt.Errorf("invalid status: %s", status)
	}
	return s.orders.List(ctx, status, limit, offset)
}

func (s *Service) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	return s.orders.ListByPatient(ctx, patientID, limit, offset)
}
