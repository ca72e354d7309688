package lab

import (
	"time"

	"github.com/google/uuid"
)

// Specimen statuses.
const (
	SpecimenPending   = "pending"
	SpecimenCollected = "collected"
	SpecimenRejected  = "rejected"
)

// OrderTest statuses. "rejected" means rejected pending action; "rejected-final"
// is the terminal outcome of an escalation final_reject.
const (
	TestPending       = "pending"
	TestEntered       = "entered"
	TestValidated     = "validated"
	TestRejected      = "rejected"
	TestRejectedFinal = "rejected-final"
)

// RejectionType selects how a rejected result is retried.
type RejectionType string

const (
	RejectionRetest    RejectionType = "re-test"
	RejectionRecollect RejectionType = "re-collect"
)

// ActionCode identifies an action offered to the caller.
type ActionCode string

const (
	ActionRetestSameSample   ActionCode = "retest_same_sample"
	ActionRecollectNewSample ActionCode = "recollect_new_sample"
	ActionEscalate           ActionCode = "escalate"
)

// Escalation resolution actions.
const (
	ResolveForceValidate   = "force_validate"
	ResolveAuthorizeRetest = "authorize_retest"
	ResolveFinalReject     = "final_reject"
)

// QCReason is a coded quality-failure reason for specimen rejection.
type QCReason string

const (
	QCHemolyzed      QCReason = "hemolyzed"
	QCClotted        QCReason = "clotted"
	QCInsufficient   QCReason = "qns" // quantity not sufficient
	QCWrongContainer QCReason = "wrong-container"
	QCMislabeled     QCReason = "mislabeled"
	QCContaminated   QCReason = "contaminated"
	QCResultRejected QCReason = "result-rejected"
)

var validQCReasons = map[QCReason]bool{
	QCHemolyzed: true, QCClotted: true, QCInsufficient: true,
	QCWrongContainer: true, QCMislabeled: true, QCContaminated: true,
	QCResultRejected: true,
}

// Specimen maps to the specimen table. The status-dependent fields are nullable
// and only populated for the status that owns them; the lifecycle manager is the
// only writer.
type Specimen struct {
	ID                uuid.UUID `db:"id" json:"id"`
	OrderID           uuid.UUID `db:"order_id" json:"order_id"`
	TypeCode          string    `db:"type_code" json:"type_code"`
	TypeDisplay       *string   `db:"type_display" json:"type_display,omitempty"`
	RequiredVolumeML  float64   `db:"required_volume_ml" json:"required_volume_ml"`
	RequiredContainer string    `db:"required_container" json:"required_container"`
	Status            string    `db:"status" json:"status"`

	// Collected
	CollectedVolumeML *float64   `db:"collected_volume_ml" json:"collected_volume_ml,omitempty"`
	ContainerType     *string    `db:"container_type" json:"container_type,omitempty"`
	ContainerColor    *string    `db:"container_color" json:"container_color,omitempty"`
	CollectedBy       *string    `db:"collected_by" json:"collected_by,omitempty"`
	CollectionNotes   *string    `db:"collection_notes" json:"collection_notes,omitempty"`
	CollectedAt       *time.Time `db:"collected_at" json:"collected_at,omitempty"`

	// Rejected
	RejectionReasons     []string   `db:"rejection_reasons" json:"rejection_reasons,omitempty"`
	RejectionNotes       *string    `db:"rejection_notes" json:"rejection_notes,omitempty"`
	RecollectionRequired bool       `db:"recollection_required" json:"recollection_required"`
	RecollectedInID      *uuid.UUID `db:"recollected_in_id" json:"recollected_in_id,omitempty"`
	RejectedBy           *string    `db:"rejected_by" json:"rejected_by,omitempty"`
	RejectedAt           *time.Time `db:"rejected_at" json:"rejected_at,omitempty"`

	// Recollection lineage. The chain is a singly linked list by id:
	// original_specimen_id points back, recollected_in_id points forward.
	IsRecollection      bool       `db:"is_recollection" json:"is_recollection"`
	OriginalSpecimenID  *uuid.UUID `db:"original_specimen_id" json:"original_specimen_id,omitempty"`
	RecollectionAttempt int        `db:"recollection_attempt" json:"recollection_attempt"`
	RecollectionNote    *string    `db:"recollection_note" json:"recollection_note,omitempty"`

	VersionID int       `db:"version_id" json:"version_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (sp *Specimen) GetVersionID() int { return sp.VersionID }

// SetVersionID sets the current version.
func (sp *Specimen) SetVersionID(v int) { sp.VersionID = v }

// OrderTest maps to the order_test table: one ordered test's result lifecycle.
// Instances of the same (order_id, test_code) form the retest chain, linked by
// retest_of_test_id and discriminated by retest_number (0 = original).
type OrderTest struct {
	ID          uuid.UUID  `db:"id" json:"id"`
	OrderID     uuid.UUID  `db:"order_id" json:"order_id"`
	TestCode    string     `db:"test_code" json:"test_code"`
	TestDisplay *string    `db:"test_display" json:"test_display,omitempty"`
	Status      string     `db:"status" json:"status"`
	SpecimenID  *uuid.UUID `db:"specimen_id" json:"specimen_id,omitempty"`

	Results     map[string]string `db:"results" json:"results,omitempty"`
	ResultNotes *string           `db:"result_notes" json:"result_notes,omitempty"`
	EnteredBy   *string           `db:"entered_by" json:"entered_by,omitempty"`
	EnteredAt   *time.Time        `db:"entered_at" json:"entered_at,omitempty"`

	ValidatedBy     *string    `db:"validated_by" json:"validated_by,omitempty"`
	ValidatedAt     *time.Time `db:"validated_at" json:"validated_at,omitempty"`
	ValidationNotes *string    `db:"validation_notes" json:"validation_notes,omitempty"`

	IsRetest       bool       `db:"is_retest" json:"is_retest"`
	RetestOfTestID *uuid.UUID `db:"retest_of_test_id" json:"retest_of_test_id,omitempty"`
	RetestNumber   int        `db:"retest_number" json:"retest_number"`
	// ExtraRetests is the allowance granted by authorize_retest resolutions,
	// carried forward along the chain.
	ExtraRetests int `db:"extra_retests" json:"extra_retests"`

	EscalationRequired bool       `db:"escalation_required" json:"escalation_required"`
	ResolvedBy         *string    `db:"resolved_by" json:"resolved_by,omitempty"`
	ResolvedAt         *time.Time `db:"resolved_at" json:"resolved_at,omitempty"`
	ResolutionAction   *string    `db:"resolution_action" json:"resolution_action,omitempty"`
	ResolutionNotes    *string    `db:"resolution_notes" json:"resolution_notes,omitempty"`

	// Critical-value notification state. Orthogonal to the rejection workflow;
	// read-only here.
	CriticalValue bool       `db:"critical_value" json:"critical_value"`
	CriticalAckBy *string    `db:"critical_ack_by" json:"critical_ack_by,omitempty"`
	CriticalAckAt *time.Time `db:"critical_ack_at" json:"critical_ack_at,omitempty"`

	VersionID int       `db:"version_id" json:"version_id"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
	UpdatedAt time.Time `db:"updated_at" json:"updated_at"`
}

// GetVersionID returns the current version.
func (ot *OrderTest) GetVersionID() int { return ot.VersionID }

// SetVersionID sets the current version.
func (ot *OrderTest) SetVersionID(v int) { ot.VersionID = v }

// Terminal reports whether no further workflow transitions apply to this instance.
func (ot *OrderTest) Terminal() bool {
	return ot.Status == TestValidated || ot.Status == TestRejectedFinal
}

// ResultRejection maps to the result_rejection table: one entry in a chain's
// ordered rejection history.
type ResultRejection struct {
	ID            uuid.UUID     `db:"id" json:"id"`
	OrderTestID   uuid.UUID     `db:"order_test_id" json:"order_test_id"`
	OrderID       uuid.UUID     `db:"order_id" json:"order_id"`
	TestCode      string        `db:"test_code" json:"test_code"`
	Reason        string        `db:"reason" json:"reason"`
	RejectionType RejectionType `db:"rejection_type" json:"rejection_type"`
	RejectedBy    string        `db:"rejected_by" json:"rejected_by"`
	RejectedAt    time.Time     `db:"rejected_at" json:"rejected_at"`
}

// AvailableAction describes one action the caller may take on a rejected item.
type AvailableAction struct {
	Action         ActionCode `json:"action"`
	Enabled        bool       `json:"enabled"`
	DisabledReason string     `json:"disabled_reason,omitempty"`
	Label          string     `json:"label"`
	Description    string     `json:"description"`
}

// RejectionOptions is derived on demand from the chain's attempt counts and the
// order-level validated flag. Never persisted.
type RejectionOptions struct {
	CanRetest                     bool              `json:"can_retest"`
	RetestAttemptsRemaining       int               `json:"retest_attempts_remaining"`
	CanRecollect                  bool              `json:"can_recollect"`
	RecollectionAttemptsRemaining int               `json:"recollection_attempts_remaining"`
	AvailableActions              []AvailableAction `json:"available_actions"`
	DefaultAction                 RejectionType     `json:"default_action"`
	EscalationRequired            bool              `json:"escalation_required"`
}

// RejectionResult is returned by RejectResult.
type RejectionResult struct {
	Success            bool          `json:"success"`
	Action             RejectionType `json:"action"`
	OriginalTestID     uuid.UUID     `json:"original_test_id"`
	NewTestID          *uuid.UUID    `json:"new_test_id,omitempty"`
	NewSpecimenID      *uuid.UUID    `json:"new_specimen_id,omitempty"`
	EscalationRequired bool          `json:"escalation_required"`
}

// RejectSpecimenResult is returned by RejectSpecimen.
type RejectSpecimenResult struct {
	Rejected *Specimen `json:"rejected_specimen"`
	New      *Specimen `json:"new_specimen,omitempty"`
}

// EscalationResolution is the admin-only terminal action on an escalated chain.
type EscalationResolution struct {
	Action          string `json:"action"`
	Notes           string `json:"notes"`
	RejectionReason string `json:"rejection_reason,omitempty"`
}

// EscalationResolveResult is returned by ResolveEscalation.
type EscalationResolveResult struct {
	Success   bool       `json:"success"`
	Action    string     `json:"action"`
	TestID    uuid.UUID  `json:"test_id"`
	NewTestID *uuid.UUID `json:"new_test_id,omitempty"`
	Status    string     `json:"status"`
}

// CollectInput carries the fields required to mark a specimen collected.
type CollectInput struct {
	VolumeML       float64 `json:"volume_ml"`
	ContainerType  string  `json:"container_type"`
	ContainerColor string  `json:"container_color"`
	Notes          string  `json:"notes"`
	Actor          string  `json:"-"`
}

// RejectSpecimenInput carries the fields of a specimen QC rejection.
type RejectSpecimenInput struct {
	Reasons             []QCReason `json:"reasons"`
	Notes               string     `json:"notes"`
	RequireRecollection bool       `json:"require_recollection"`
	Actor               string     `json:"-"`
}
