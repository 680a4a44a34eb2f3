package driver

import "context"

// Row is a single result row, satisfied by both pgx.Row and *sql.Row.
type Row interface {
	Scan(dest ...any) error
}

// Rows is an iterable result set, satisfied by wrappers over pgx.Rows and
// *sql.Rows.
type Rows interface {
	// Close releases the result set.
	Close()

	// Err returns any error encountered during iteration.
	Err() error

	// Next advances to the next row, reporting whether one exists.
	Next() bool

	// Scan copies the current row's columns into dest.
	Scan(dest ...any) error
}

// Executor runs SQL against either a pool or an open transaction. The storage
// layer issues every query through this interface, which is what lets one
// PostgresStore serve both pgx/v5 and database/sql.
type Executor interface {
	// Begin opens a transaction. On an already-open transaction it opens a
	// savepoint, so WithTx nests.
	Begin(ctx context.Context) (ExecutorTx, error)

	// Exec runs a statement and returns the number of rows affected. The
	// storage layer's conditional updates depend on that count.
	Exec(ctx context.Context, sql string, args ...any) (int64, error)

	// Query runs a statement that returns rows.
	Query(ctx context.Context, sql string, args ...any) (Rows, error)

	// QueryRow runs a statement expected to return at most one row.
	QueryRow(ctx context.Context, sql string, args ...any) Row
}

// ExecutorTx is an Executor bound to an open transaction.
type ExecutorTx interface {
	Executor

	// Commit commits the transaction; for a savepoint it releases it.
	Commit(ctx context.Context) error

	// Rollback aborts the transaction; for a savepoint it rolls back to it.
	Rollback(ctx context.Context) error
}

// BatchItem is one statement in a batch.
type BatchItem struct {
	Query string
	Args  []any
}

// BatchExecutor is implemented by drivers with native batching. pgx/v5
// pipelines the statements; database/sql executes them sequentially behind
// the same interface.
type BatchExecutor interface {
	Executor

	// SendBatch runs the items and returns rows affected per item.
	SendBatch(ctx context.Context, items []BatchItem) ([]int64, error)
}
