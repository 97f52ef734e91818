package session

import "context"

// Op is one unit of work submitted through the session. Idempotent
// marks operations that are safe to run twice with the same net
// effect; only those are transparently retried after a reconnect.
type Op struct {
	SQL        string
	Args       []any
	Idempotent bool
}

// ReadOp builds an operation for a query. Reads are idempotent.
func ReadOp(sql string, args ...any) Op {
	return Op{SQL: sql, Args: args, Idempotent: true}
}

// WriteOp builds an operation for a side-effecting statement. Writes
// are never retried automatically unless the caller flips Idempotent
// (keyed INSERT IGNORE and friends).
func WriteOp(sql string, args ...any) Op {
	return Op{SQL: sql, Args: args}
}

// Result describes the outcome of an executed statement.
type Result struct {
	RowsAffected int64
	LastInsertID int64
}

// Rows is the result-set surface handed to callers. *sql.Rows
// satisfies it directly; fakes in tests provide slice-backed
// implementations.
type Rows interface {
	Next() bool
	Scan(dest ...any) error
	Err() error
	Close() error
}

// Executor is the operation surface the session exposes to callers.
type Executor interface {
	Exec(ctx context.Context, op Op) (Result, error)
	Query(ctx context.Context, op Op) (Rows, error)
}
