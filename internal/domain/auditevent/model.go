package auditevent

import (
	"time"

	"github.com/google/uuid"
)

// AuditEvent is one recorded workflow mutation.
type AuditEvent struct {
	ID         uuid.UUID `db:"id" json:"id"`
	EntityType string    `db:"entity_type" json:"entity_type"`
	EntityID   uuid.UUID `db:"entity_id" json:"entity_id"`
	Action     string    `db:"action" json:"action"`
	Actor      string    `db:"actor" json:"actor"`
	Outcome    string    `db:"outcome" json:"outcome"`
	Detail     string    `db:"detail" json:"detail"`
	Recorded   time.Time `db:"recorded" json:"recorded"`
}

// OutcomeSuccess is the only outcome the service records today; failed
// workflow calls return before anything is audited.
const OutcomeSuccess = "success"
