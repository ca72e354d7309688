package order

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
)

type mockRepo struct {
	orders map[uuid.UUID]*LabOrder
}

func newMockRepo() *mockRepo {
	return &mockRepo{orders: make(map[uuid.UUID]*LabOrder)}
}

func (m *mockRepo) Create(_ context.Context, o *LabOrder) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	o.VersionID = 1
	o.CreatedAt = time.Now()
	o.UpdatedAt = time.Now()
	m.orders[o.ID] = o
	return nil
}

func (m *mockRepo) GetByID(_ context.Context, id uuid.UUID) (*LabOrder, error) {
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	return o, nil
}

func (m *mockRepo) GetByOrderNumber(_ context.Context, number string) (*LabOrder, error) {
	for _, o := range m.orders {
		if o.OrderNumber == number {
			return o, nil
		}
	}
	return nil, ErrNotFound
}

func (m *mockRepo) Update(_ context.Context, o *LabOrder) error {
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	o.VersionID++
	m.orders[o.ID] = o
	return nil
}

func (m *mockRepo) List(_ context.Context, status string, limit, offset int) ([]*LabOrder, int, error) {
	var out []*LabOrder
	for _, o := range m.orders {
		if status == "" || o.Status == status {
			out = append(out, o)
		}
	}
	return out, len(out), nil
}

func (m *mockRepo) ListByPatient(_ context.Context, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	var out []*LabOrder
	for _, o := range m.orders {
		if o.PatientID == patientID {
			out = append(out, o)
		}
	}
	return out, len(out), nil
}

func newTestService() *Service {
	return NewService(newMockRepo())
}

func TestCreateOrder(t *testing.T) {
	svc := newTestService()
	o := &LabOrder{OrderNumber: "ORD-001", PatientID: uuid.New(), OrderedBy: "dr-a"}
	if err := svc.Create(context.Background(), o); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.Status != StatusActive {
		t.Errorf("expected default status active, got %s", o.Status)
	}
	if o.Priority != PriorityRoutine {
		t.Errorf("expected default priority routine, got %s", o.Priority)
	}
}

func TestCreateOrder_OrderNumberRequired(t *testing.T) {
	svc := newTestService()
	o := &LabOrder{PatientID: uuid.New()}
	if err := svc.Create(context.Background(), o); err == nil {
		t.Error("expected error for missing order_number")
	}
}

func TestCreateOrder_PatientIDRequired(t *testing.T) {
	svc := newTestService()
	o := &LabOrder{OrderNumber: "ORD-002"}
	if err := svc.Create(context.Background(), o); err == nil {
		t.Error("expected error for missing patient_id")
	}
}

func TestCreateOrder_InvalidPriority(t *testing.T) {
	svc := newTestService()
	o := &LabOrder{OrderNumber: "ORD-003", PatientID: uuid.New(), Priority: "whenever"}
	if err := svc.Create(context.Background(), o); err == nil {
		t.Error("expected error for invalid priority")
	}
}

func TestValidateTransition(t *testing.T) {
	if err := ValidateTransition(StatusActive, StatusCompleted); err != nil {
		t.Errorf("active -> completed should be allowed: %v", err)
	}
	if err := ValidateTransition(StatusActive, StatusCancelled); err != nil {
		t.Errorf("active -> cancelled should be allowed: %v", err)
	}
	if err := ValidateTransition(StatusCompleted, StatusActive); err == nil {
		t.Error("completed is terminal")
	}
	if err := ValidateTransition(StatusCancelled, StatusCompleted); err == nil {
		t.Error("cancelled is terminal")
	}
	if err := ValidateTransition("draft", StatusActive); err == nil {
		t.Error("unknown from-status should be rejected")
	}
}

func TestUpdateStatus(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	o := &LabOrder{OrderNumber: "ORD-004", PatientID: uuid.New()}
	svc.Create(ctx, o)

	got, err := svc.UpdateStatus(ctx, o.ID, StatusCompleted)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Status != StatusCompleted {
		t.Errorf("expected completed, got %s", got.Status)
	}

	if _, err := svc.UpdateStatus(ctx, o.ID, StatusActive); err == nil {
		t.Error("expected invalid transition error")
	}
}

func TestUpdateOrder(t *testing.T) {
	svc := newTestService()
	ctx := context.Background()
	o := &LabOrder{OrderNumber: "ORD-005", PatientID: uuid.New()}
	svc.Create(ctx, o)

	notes := "fasting sample"
	got, err := svc.Update(ctx, o.ID, PriorityStat, &notes)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got.Priority != PriorityStat {
		t.Errorf("expected stat, got %s", got.Priority)
	}
	if got.Notes == nil || *got.Notes != "fasting sample" {
		t.Error("expected notes updated")
	}
}

func TestUpdateOrder_NotFound(t *testing.T) {
	svc := newTestService()
	_, err := svc.Update(context.Background(), uuid.New(), "", nil)
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestListOrders_InvalidStatusFilter(t *testing.T) {
	svc := newTestService()
	if _, _, err := svc.List(context.Background(), "archived", 20, 0); err == nil {
		t.Error("expected error for invalid status filter")
	}
}
