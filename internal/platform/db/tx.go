package db

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

type contextKey string

// TxKey carries the active transaction through a request context so that
// repositories participating in the same unit of work share one transaction.
const TxKey contextKey = "db_tx"

// ConnFromContext returns the transaction bound to ctx, or nil when the caller
// is not inside a transaction and repositories should fall back to the pool.
func ConnFromContext(ctx context.Context) pgx.Tx {
	tx, _ := ctx.Value(TxKey).(pgx.Tx)
	return tx
}

// Detach returns a context with no bound transaction, so writes made under it
// go straight to the pool even when the caller is mid-transaction. Used for
// records that must survive a rollback of the surrounding unit of work.
func Detach(ctx context.Context) context.Context {
	if ConnFromContext(ctx) == nil {
		return ctx
	}
	return context.WithValue(ctx, TxKey, nil)
}

// Runner executes a function inside a database transaction. The pgx-backed
// implementation is used in production; tests substitute a passthrough.
type Runner interface {
	WithTx(ctx context.Context, fn func(ctx context.Context) error) error
}

// PoolRunner runs units of work as transactions on a pgxpool.
type PoolRunner struct {
	pool *pgxpool.Pool
}

func NewPoolRunner(pool *pgxpool.Pool) *PoolRunner {
	return &PoolRunner{pool: pool}
}

// WithTx begins a transaction, stores it in the context for repositories to
// pick up, and commits on success or rolls back on error/panic.
func (r *PoolRunner) WithTx(ctx context.Context, fn func(ctx context.Context) error) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}

	done := false
	defer func() {
		if !done {
			_ = tx.Rollback(ctx)
		}
	}()

	if err := fn(context.WithValue(ctx, TxKey, tx)); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit transaction: %w", err)
	}
	done = true
	return nil
}
