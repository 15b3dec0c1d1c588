package bus

import (
	"context"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Session is a capability-restricted wrapper around a pgx.Tx, handed to
// transactional handlers. It exposes only read/write query operations;
// Commit, Rollback, and raw-connection access are deliberately absent
// from this surface; the dispatcher is the sole authority for
// transaction boundaries. A handler that needs the raw
// *pgx.Tx for something this wrapper doesn't expose can call Unsafe, but
// doing so voids the transactional contract: anything it commits or
// rolls back there bypasses the dispatcher's outcome bookkeeping.
type Session struct {
	tx       pgx.Tx
	violated bool
}

func newSession(tx pgx.Tx) *Session {
	return &Session{tx: tx}
}

func (s *Session) Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error) {
	return s.tx.Exec(ctx, sql, args...)
}

func (s *Session) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	return s.tx.Query(ctx, sql, args...)
}

func (s *Session) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	return s.tx.QueryRow(ctx, sql, args...)
}

// Unsafe returns the underlying *pgx.Tx, escape-hatch only. Any call to
// Unsafe marks the session violated: the dispatcher then reports the
// dispatch as a TransactionalViolation and rolls the transaction back,
// whether or not the handler committed or rolled back the raw value.
func (s *Session) Unsafe() pgx.Tx {
	s.violated = true
	return s.tx
}

// Violated reports whether Unsafe was ever called on this session. The
// dispatcher checks this after every handler invocation to decide
// whether it can still trust the transaction's state.
func (s *Session) Violated() bool {
	return s.violated
}
