package lab

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/lims/lims/internal/platform/db"
)

type queryable interface {
	Query(ctx context.Context, sql string, args ...interface{}) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...interface{}) pgx.Row
	Exec(ctx context.Context, sql string, args ...interface{}) (pgconn.CommandTag, error)
}

func conn(ctx context.Context, pool *pgxpool.Pool) queryable {
	if tx := db.ConnFromContext(ctx); tx != nil {
		return tx
	}
	return pool
}

func mapNotFound(err error) error {
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

// =========== Specimen Repository ===========

type specimenRepoPG struct{ pool *pgxpool.Pool }

func NewSpecimenRepoPG(pool *pgxpool.Pool) SpecimenRepository { return &specimenRepoPG{pool: pool} }

const spCols = `id, order_id, type_code, type_display, required_volume_ml, required_container, status,
	collected_volume_ml, container_type, container_color, collected_by, collection_notes, collected_at,
	rejection_reasons, rejection_notes, recollection_required, recollected_in_id, rejected_by, rejected_at,
	is_recollection, original_specimen_id, recollection_attempt, recollection_note,
	version_id, created_at, updated_at`

func scanSpecimen(row pgx.Row) (*Specimen, error) {
	var sp Specimen
	err := row.Scan(&sp.ID, &sp.OrderID, &sp.TypeCode, &sp.TypeDisplay, &sp.RequiredVolumeML, &sp.RequiredContainer, &sp.Status,
		&sp.CollectedVolumeML, &sp.ContainerType, &sp.ContainerColor, &sp.CollectedBy, &sp.CollectionNotes, &sp.CollectedAt,
		&sp.RejectionReasons, &sp.RejectionNotes, &sp.RecollectionRequired, &sp.RecollectedInID, &sp.RejectedBy, &sp.RejectedAt,
		&sp.IsRecollection, &sp.OriginalSpecimenID, &sp.RecollectionAttempt, &sp.RecollectionNote,
		&sp.VersionID, &sp.CreatedAt, &sp.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &sp, nil
}

func (r *specimenRepoPG) Create(ctx context.Context, sp *Specimen) error {
	if sp.ID == uuid.Nil {
		sp.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO specimen (id, order_id, type_code, type_display, required_volume_ml, required_container, status,
			collected_volume_ml, container_type, container_color, collected_by, collection_notes, collected_at,
			rejection_reasons, rejection_notes, recollection_required, recollected_in_id, rejected_by, rejected_at,
			is_recollection, original_specimen_id, recollection_attempt, recollection_note, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,$20,$21,$22,$23,1)`,
		sp.ID, sp.OrderID, sp.TypeCode, sp.TypeDisplay, sp.RequiredVolumeML, sp.RequiredContainer, sp.Status,
		sp.CollectedVolumeML, sp.ContainerType, sp.ContainerColor, sp.CollectedBy, sp.CollectionNotes, sp.CollectedAt,
		sp.RejectionReasons, sp.RejectionNotes, sp.RecollectionRequired, sp.RecollectedInID, sp.RejectedBy, sp.RejectedAt,
		sp.IsRecollection, sp.OriginalSpecimenID, sp.RecollectionAttempt, sp.RecollectionNote)
	if err == nil {
		sp.VersionID = 1
	}
	return err
}

func (r *specimenRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*Specimen, error) {
	return scanSpecimen(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+spCols+` FROM specimen WHERE id = $1`, id))
}

func (r *specimenRepoPG) Update(ctx context.Context, sp *Specimen) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE specimen SET status=$2,
			collected_volume_ml=$3, container_type=$4, container_color=$5, collected_by=$6, collection_notes=$7, collected_at=$8,
			rejection_reasons=$9, rejection_notes=$10, recollection_required=$11, recollected_in_id=$12, rejected_by=$13, rejected_at=$14,
			version_id = version_id + 1, updated_at=NOW()
		WHERE id = $1 AND version_id = $15`,
		sp.ID, sp.Status,
		sp.CollectedVolumeML, sp.ContainerType, sp.ContainerColor, sp.CollectedBy, sp.CollectionNotes, sp.CollectedAt,
		sp.RejectionReasons, sp.RejectionNotes, sp.RecollectionRequired, sp.RecollectedInID, sp.RejectedBy, sp.RejectedAt,
		sp.VersionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("specimen %s: %w", sp.ID, ErrConcurrencyConflict)
	}
	sp.VersionID++
	return nil
}

func (r *specimenRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*Specimen, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `SELECT `+spCols+` FROM specimen WHERE order_id = $1 ORDER BY created_at`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Specimen
	for rows.Next() {
		sp, err := scanSpecimen(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, sp)
	}
	return items, rows.Err()
}

// Chain returns the full recollection chain containing the given specimen,
// oldest first. One chain exists per order and specimen type, so membership
// reduces to matching those two keys.
func (r *specimenRepoPG) Chain(ctx context.Context, id uuid.UUID) ([]*Specimen, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+spCols+` FROM specimen
		WHERE (order_id, type_code) = (SELECT order_id, type_code FROM specimen WHERE id = $1)
		ORDER BY recollection_attempt`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*Specimen
	for rows.Next() {
		sp, err := scanSpecimen(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, sp)
	}
	if len(items) == 0 {
		return nil, ErrNotFound
	}
	return items, rows.Err()
}

func (r *specimenRepoPG) ChainHead(ctx context.Context, orderID uuid.UUID, typeCode string) (*Specimen, error) {
	return scanSpecimen(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+spCols+` FROM specimen
		WHERE order_id = $1 AND type_code = $2
		ORDER BY recollection_attempt DESC LIMIT 1`, orderID, typeCode))
}

// =========== OrderTest Repository ===========

type orderTestRepoPG struct{ pool *pgxpool.Pool }

func NewOrderTestRepoPG(pool *pgxpool.Pool) OrderTestRepository { return &orderTestRepoPG{pool: pool} }

const otCols = `id, order_id, test_code, test_display, status, specimen_id,
	results, result_notes, entered_by, entered_at,
	validated_by, validated_at, validation_notes,
	is_retest, retest_of_test_id, retest_number, extra_retests,
	escalation_required, resolved_by, resolved_at, resolution_action, resolution_notes,
	critical_value, critical_ack_by, critical_ack_at,
	version_id, created_at, updated_at`

func scanOrderTest(row pgx.Row) (*OrderTest, error) {
	var ot OrderTest
	err := row.Scan(&ot.ID, &ot.OrderID, &ot.TestCode, &ot.TestDisplay, &ot.Status, &ot.SpecimenID,
		&ot.Results, &ot.ResultNotes, &ot.EnteredBy, &ot.EnteredAt,
		&ot.ValidatedBy, &ot.ValidatedAt, &ot.ValidationNotes,
		&ot.IsRetest, &ot.RetestOfTestID, &ot.RetestNumber, &ot.ExtraRetests,
		&ot.EscalationRequired, &ot.ResolvedBy, &ot.ResolvedAt, &ot.ResolutionAction, &ot.ResolutionNotes,
		&ot.CriticalValue, &ot.CriticalAckBy, &ot.CriticalAckAt,
		&ot.VersionID, &ot.CreatedAt, &ot.UpdatedAt)
	if err != nil {
		return nil, mapNotFound(err)
	}
	return &ot, nil
}

func (r *orderTestRepoPG) Create(ctx context.Context, ot *OrderTest) error {
	if ot.ID == uuid.Nil {
		ot.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO order_test (id, order_id, test_code, test_display, status, specimen_id,
			results, result_notes, entered_by, entered_at,
			validated_by, validated_at, validation_notes,
			is_retest, retest_of_test_id, retest_number, extra_retests,
			escalation_required, critical_value, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,1)`,
		ot.ID, ot.OrderID, ot.TestCode, ot.TestDisplay, ot.Status, ot.SpecimenID,
		ot.Results, ot.ResultNotes, ot.EnteredBy, ot.EnteredAt,
		ot.ValidatedBy, ot.ValidatedAt, ot.ValidationNotes,
		ot.IsRetest, ot.RetestOfTestID, ot.RetestNumber, ot.ExtraRetests,
		ot.EscalationRequired, ot.CriticalValue)
	if err == nil {
		ot.VersionID = 1
	}
	return err
}

func (r *orderTestRepoPG) GetByID(ctx context.Context, id uuid.UUID) (*OrderTest, error) {
	return scanOrderTest(conn(ctx, r.pool).QueryRow(ctx, `SELECT `+otCols+` FROM order_test WHERE id = $1`, id))
}

func (r *orderTestRepoPG) Current(ctx context.Context, orderID uuid.UUID, testCode string) (*OrderTest, error) {
	return scanOrderTest(conn(ctx, r.pool).QueryRow(ctx, `
		SELECT `+otCols+` FROM order_test
		WHERE order_id = $1 AND test_code = $2
		ORDER BY retest_number DESC LIMIT 1`, orderID, testCode))
}

func (r *orderTestRepoPG) Update(ctx context.Context, ot *OrderTest) error {
	tag, err := conn(ctx, r.pool).Exec(ctx, `
		UPDATE order_test SET status=$2, specimen_id=$3,
			results=$4, result_notes=$5, entered_by=$6, entered_at=$7,
			validated_by=$8, validated_at=$9, validation_notes=$10,
			extra_retests=$11, escalation_required=$12,
			resolved_by=$13, resolved_at=$14, resolution_action=$15, resolution_notes=$16,
			critical_value=$17, critical_ack_by=$18, critical_ack_at=$19,
			version_id = version_id + 1, updated_at=NOW()
		WHERE id = $1 AND version_id = $20`,
		ot.ID, ot.Status, ot.SpecimenID,
		ot.Results, ot.ResultNotes, ot.EnteredBy, ot.EnteredAt,
		ot.ValidatedBy, ot.ValidatedAt, ot.ValidationNotes,
		ot.ExtraRetests, ot.EscalationRequired,
		ot.ResolvedBy, ot.ResolvedAt, ot.ResolutionAction, ot.ResolutionNotes,
		ot.CriticalValue, ot.CriticalAckBy, ot.CriticalAckAt,
		ot.VersionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("order test %s: %w", ot.ID, ErrConcurrencyConflict)
	}
	ot.VersionID++
	return nil
}

func (r *orderTestRepoPG) ListByOrder(ctx context.Context, orderID uuid.UUID) ([]*OrderTest, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+otCols+` FROM order_test WHERE order_id = $1 ORDER BY test_code, retest_number`, orderID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*OrderTest
	for rows.Next() {
		ot, err := scanOrderTest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ot)
	}
	return items, rows.Err()
}

func (r *orderTestRepoPG) ListBySpecimen(ctx context.Context, specimenID uuid.UUID) ([]*OrderTest, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+otCols+` FROM order_test WHERE specimen_id = $1 ORDER BY test_code, retest_number`, specimenID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*OrderTest
	for rows.Next() {
		ot, err := scanOrderTest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ot)
	}
	return items, rows.Err()
}

func (r *orderTestRepoPG) Chain(ctx context.Context, orderID uuid.UUID, testCode string) ([]*OrderTest, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+otCols+` FROM order_test
		WHERE order_id = $1 AND test_code = $2 ORDER BY retest_number`, orderID, testCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*OrderTest
	for rows.Next() {
		ot, err := scanOrderTest(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, ot)
	}
	return items, rows.Err()
}

func (r *orderTestRepoPG) OrderHasValidatedTests(ctx context.Context, orderID uuid.UUID) (bool, error) {
	var exists bool
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT EXISTS(SELECT 1 FROM order_test WHERE order_id = $1 AND status = $2)`,
		orderID, TestValidated).Scan(&exists)
	return exists, err
}

func (r *orderTestRepoPG) ListEscalated(ctx context.Context, limit, offset int) ([]*OrderTest, int, error) {
	var total int
	if err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT COUNT(*) FROM order_test WHERE escalation_required`).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+otCols+` FROM order_test WHERE escalation_required
		ORDER BY updated_at LIMIT $1 OFFSET $2`, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*OrderTest
	for rows.Next() {
		ot, err := scanOrderTest(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, ot)
	}
	return items, total, rows.Err()
}

// =========== ResultRejection Repository ===========

type resultRejectionRepoPG struct{ pool *pgxpool.Pool }

func NewResultRejectionRepoPG(pool *pgxpool.Pool) ResultRejectionRepository {
	return &resultRejectionRepoPG{pool: pool}
}

const rrCols = `id, order_test_id, order_id, test_code, reason, rejection_type, rejected_by, rejected_at`

func (r *resultRejectionRepoPG) Create(ctx context.Context, rr *ResultRejection) error {
	if rr.ID == uuid.Nil {
		rr.ID = uuid.New()
	}
	_, err := conn(ctx, r.pool).Exec(ctx, `
		INSERT INTO result_rejection (id, order_test_id, order_id, test_code, reason, rejection_type, rejected_by, rejected_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8)`,
		rr.ID, rr.OrderTestID, rr.OrderID, rr.TestCode, rr.Reason, rr.RejectionType, rr.RejectedBy, rr.RejectedAt)
	return err
}

func (r *resultRejectionRepoPG) ListByChain(ctx context.Context, orderID uuid.UUID, testCode string) ([]*ResultRejection, error) {
	rows, err := conn(ctx, r.pool).Query(ctx, `
		SELECT `+rrCols+` FROM result_rejection
		WHERE order_id = $1 AND test_code = $2 ORDER BY rejected_at`, orderID, testCode)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var items []*ResultRejection
	for rows.Next() {
		var rr ResultRejection
		if err := rows.Scan(&rr.ID, &rr.OrderTestID, &rr.OrderID, &rr.TestCode, &rr.Reason, &rr.RejectionType, &rr.RejectedBy, &rr.RejectedAt); err != nil {
			return nil, err
		}
		items = append(items, &rr)
	}
	return items, rows.Err()
}

func (r *resultRejectionRepoPG) CountByType(ctx context.Context, orderID uuid.UUID, testCode string, t RejectionType) (int, error) {
	var count int
	err := conn(ctx, r.pool).QueryRow(ctx, `
		SELECT COUNT(*) FROM result_rejection
		WHERE order_id = $1 AND test_code = $2 AND rejection_type = $3`,
		orderID, testCode, t).Scan(&count)
	return count, err
}

// =========== Order Locker ===========

type orderLockerPG struct{ pool *pgxpool.Pool }

func NewOrderLockerPG(pool *pgxpool.Pool) OrderLocker { return &orderLockerPG{pool: pool} }

// LockOrder takes a row lock on the owning order for the duration of the
// enclosing transaction, serializing concurrent workflow mutations per order.
func (r *orderLockerPG) LockOrder(ctx context.Context, orderID uuid.UUID) error {
	var id uuid.UUID
	err := conn(ctx, r.pool).QueryRow(ctx,
		`SELECT id FROM lab_order WHERE id = $1 FOR UPDATE`, orderID).Scan(&id)
	return mapNotFound(err)
}
