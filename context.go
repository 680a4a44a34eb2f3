package hivepg

import (
	"context"
	"errors"
)

// nativeTxContextKey is the context key for storing the native transaction type.
type nativeTxContextKey struct{}

// ErrNoTransaction is returned when TxFromContextSafely is called
// but no transaction exists in context.
var ErrNoTransaction = errors.New("hivepg: no transaction in context, only available within store transactions")

// withNativeTx stores the native transaction in context so tools running
// inside a store transaction can join it.
func withNativeTx[TTx any](ctx context.Context, tx TTx) context.Context {
	return context.WithValue(ctx, nativeTxContextKey{}, tx)
}

// TxFromContext returns the native database transaction from the context.
// It panics if the context does not contain a transaction; use
// TxFromContextSafely to handle the absent case.
//
// The type parameter TTx must match the transaction type of your driver:
//   - pgx.Tx for pgxv5.Driver
//   - *sql.Tx for databasesql.Driver
func TxFromContext[TTx any](ctx context.Context) TTx {
	tx, err := TxFromContextSafely[TTx](ctx)
	if err != nil {
		panic(err)
	}
	return tx
}

// TxFromContextSafely returns the native database transaction from the
// context, or ErrNoTransaction when none is present.
func TxFromContextSafely[TTx any](ctx context.Context) (TTx, error) {
	var zero TTx
	val := ctx.Value(nativeTxContextKey{})
	if val == nil {
		return zero, ErrNoTransaction
	}
	tx, ok := val.(TTx)
	if !ok {
		return zero, ErrNoTransaction
	}
	return tx, nil
}

// WithTestTx creates a context with a native transaction for testing tools
// that use TxFromContext.
func WithTestTx[TTx any](ctx context.Context, tx TTx) context.Context {
	return withNativeTx(ctx, tx)
}

// runContextKey carries per-run identity through the engine.
type runContextKey struct{}

// RunContext identifies the run driving the current engine execution.
type RunContext struct {
	RunID   int64
	OwnerID int64
	TraceID string
}

// withRunContext attaches run identity to a context.
func withRunContext(ctx context.Context, rc RunContext) context.Context {
	return context.WithValue(ctx, runContextKey{}, rc)
}

// RunContextFrom extracts the run identity attached by the engine. It reports
// false outside an engine execution.
func RunContextFrom(ctx context.Context) (RunContext, bool) {
	rc, ok := ctx.Value(runContextKey{}).(RunContext)
	return rc, ok
}
