package order

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

type repoPG struct{ pool *pgxpool.Pool }

func NewRepoPG(pool *pgxpool.Pool) Repository { return &repoPG{pool: pool} }

func (r *repoPG) conn(ctx context.Context) queryable {
	if tx := db.ConnFromContext(ctx); tx != nil {
		return tx
	}
	return r.pool
}

const cols = `id, order_number, patient_id, ordered_by, status, priority, notes, version_id, created_at, updated_at`

func scan(row pgx.Row) (*LabOrder, error) {
	var o LabOrder
	err := row.Scan(&o.ID, &o.OrderNumber, &o.PatientID, &o.OrderedBy, &o.Status, &o.Priority, &o.Notes,
		&o.VersionID, &o.CreatedAt, &o.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return &o, nil
}

func (r *repoPG) Create(ctx context.Context, o *LabOrder) error {
	if o.ID == uuid.Nil {
		o.ID = uuid.New()
	}
	_, err := r.conn(ctx).Exec(ctx, `
		INSERT INTO lab_order (id, order_number, patient_id, ordered_by, status, priority, notes, version_id)
		VALUES ($1,$2,$3,$4,$5,$6,$7,1)`,
		o.ID, o.OrderNumber, o.PatientID, o.OrderedBy, o.Status, o.Priority, o.Notes)
	if err == nil {
		o.VersionID = 1
	}
	return err
}

func (r *repoPG) GetByID(ctx context.Context, id uuid.UUID) (*LabOrder, error) {
	return scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM lab_order WHERE id = $1`, id))
}

func (r *repoPG) GetByOrderNumber(ctx context.Context, number string) (*LabOrder, error) {
	return scan(r.conn(ctx).QueryRow(ctx, `SELECT `+cols+` FROM lab_order WHERE order_number = $1`, number))
}

func (r *repoPG) Update(ctx context.Context, o *LabOrder) error {
	tag, err := r.conn(ctx).Exec(ctx, `
		UPDATE lab_order SET status=$2, priority=$3, notes=$4, version_id = version_id + 1, updated_at=NOW()
		WHERE id = $1 AND version_id = $5`,
		o.ID, o.Status, o.Priority, o.Notes, o.VersionID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("lab order %s: %w", o.ID, ErrConcurrencyConflict)
	}
	o.VersionID++
	return nil
}

func (r *repoPG) List(ctx context.Context, status string, limit, offset int) ([]*LabOrder, int, error) {
	where := ""
	args := []interface{}{}
	if status != "" {
		where = " WHERE status = $1"
		args = append(args, status)
	}
	var total int
	if err := r.conn(ctx).QueryRow(ctx, `SELECT COUNT(*) FROM lab_order`+where, args...).Scan(&total); err != nil {
		return nil, 0, err
	}
	args = append(args, limit, offset)
	rows, err := r.conn(ctx).Query(ctx, fmt.Sprintf(
		`SELECT `+cols+` FROM lab_order`+where+` ORDER BY created_at DESC LIMIT $%d OFFSET $%d`, len(args)-1, len(args)), args...)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*LabOrder
	for rows.Next() {
		o, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}

func (r *repoPG) ListByPatient(ctx context.Context, patientID uuid.UUID, limit, offset int) ([]*LabOrder, int, error) {
	var total int
	if err := r.conn(ctx).QueryRow(ctx,
		`SELECT COUNT(*) FROM lab_order WHERE patient_id = $1`, patientID).Scan(&total); err != nil {
		return nil, 0, err
	}
	rows, err := r.conn(ctx).Query(ctx, `
		SELECT `+cols+` FROM lab_order WHERE patient_id = $1
		ORDER BY created_at DESC LIMIT $2 OFFSET $3`, patientID, limit, offset)
	if err != nil {
		return nil, 0, err
	}
	defer rows.Close()
	var items []*LabOrder
	for rows.Next() {
		o, err := scan(rows)
		if err != nil {
			return nil, 0, err
		}
		items = append(items, o)
	}
	return items, total, rows.Err()
}
