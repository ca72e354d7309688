package order

import (
	"time"

	"github.com/google/uuid"
)

// LabOrder statuses.
const (
	StatusActive    = "active"
	StatusCompleted = "completed"
	StatusCancelled = "cancelled"
)

var validStatuses = map[string]bool{
	StatusActive: true, StatusCompleted: true, StatusCancelled: true,
}

// Priorities accepted on an order.
const (
	PriorityRoutine = "routine"
	PriorityUrgent  = "urgent"
	PriorityStat    = "stat"
)

var validPriorities = map[string]bool{
	PriorityRoutine: true, PriorityUrgent: true, PriorityStat: true,
}

// LabOrder is the owning aggregate for specimens and tests. Its row is also
// the lock target serializing workflow mutations per order.
type LabOrder struct {
	ID          uuid.UUID `db:"id" json:"id"`
	OrderNumber string    `db:"order_number" json:"order_number"`
	PatientID   uuid.UUID `db:"patient_id" json:"patient_id"`
	OrderedBy   string    `db:"ordered_by" json:"ordered_by"`
	Status      string    `db:"status" json:"status"`
	Priority    string    `db:"priority" json:"priority"`
	Notes       *string   `db:"notes" json:"notes,omitempty"`
	VersionID   int       `db:"version_id" json:"version_id"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
	UpdatedAt   time.Time `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (o *LabOrder) GetVersionID() int { return o.VersionID }

// SetVersionID sets the current version.
func (o *LabOrder) SetVersionID(v int) { o.VersionID = v }
