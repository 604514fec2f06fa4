// Package txn binds database units of work to logical tasks.
//
// A transaction is carried in the context.Context handed to the work function,
// so repositories called from inside the work pick it up without any
// goroutine-local state. Concurrent callers each get their own transaction.
package txn

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/canonical/sqlair"
	"github.com/rs/zerolog"

	"github.com/patrakosh/patrakosh/internal/errs"
)

type contextKey struct{}

type binding struct {
	runner *Runner
	tx     *sqlair.TX
}

// Runner begins, commits and rolls back transactions against one database.
type Runner struct {
	db     *sqlair.DB
	logger zerolog.Logger
}

// NewRunner creates a transaction runner for db.
func NewRunner(db *sqlair.DB, logger zerolog.Logger) *Runner {
	return &Runner{db: db, logger: logger.With().Str("component", "txn").Logger()}
}

// FromContext returns the transaction bound to ctx, if any.
func FromContext(ctx context.Context) (*sqlair.TX, bool) {
	b, ok := ctx.Value(contextKey{}).(*binding)
	if !ok {
		return nil, false
	}
	return b.tx, true
}

// Active reports whether ctx carries a transaction started by r.
func (r *Runner) Active(ctx context.Context) bool {
	b, ok := ctx.Value(contextKey{}).(*binding)
	return ok && b.runner == r
}

// Run executes work inside a transaction and returns its result.
//
// When work returns nil the transaction is committed. When it returns an
// error or panics the transaction is rolled back and a TransactionFailed
// error wrapping the cause is returned; if the rollback itself fails the
// result is a RollbackFailed error instead. A ctx that already carries a
// transaction of r is reused as is: no nested begin or commit happens and the
// outermost Run decides the outcome.
func Run[T any](ctx context.Context, r *Runner, work func(context.Context, *sqlair.TX) (T, error)) (result T, err error) {
	var zero T

	if b, ok := ctx.Value(contextKey{}).(*binding); ok && b.runner == r {
		return work(ctx, b.tx)
	}

	tx, err := r.db.Begin(ctx, nil)
	if err != nil {
		return zero, errs.TransactionFailed(fmt.Errorf("begin: %w", err))
	}
	txCtx := context.WithValue(ctx, contextKey{}, &binding{runner: r, tx: tx})

	defer func() {
		if p := recover(); p != nil {
			r.logger.Error().Interface("panic", p).Msg("Transaction work panicked, rolling back")
			result, err = zero, r.rollback(tx, fmt.Errorf("panic: %v", p))
		}
	}()

	result, err = work(txCtx, tx)
	if err != nil {
		return zero, r.rollback(tx, err)
	}

	if err := tx.Commit(); err != nil {
		return zero, errs.TransactionFailed(fmt.Errorf("commit: %w", err))
	}
	return result, nil
}

// RunVoid is Run for work without a result.
func RunVoid(ctx context.Context, r *Runner, work func(context.Context, *sqlair.TX) error) error {
	_, err := Run(ctx, r, func(ctx context.Context, tx *sqlair.TX) (struct{}, error) {
		return struct{}{}, work(ctx, tx)
	})
	return err
}

func (r *Runner) rollback(tx *sqlair.TX, cause error) error {
	if rbErr := tx.Rollback(); rbErr != nil && !errors.Is(rbErr, sql.ErrTxDone) {
		r.logger.Error().Err(rbErr).AnErr("cause", cause).Msg("Rollback failed")
		return errs.RollbackFailed(rbErr, cause)
	}
	r.logger.Debug().Err(cause).Msg("Transaction rolled back")
	return errs.TransactionFailed(cause)
}
