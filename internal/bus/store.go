package bus

import (
	"context"
	"time"

	"github.com/geocoder89/pgebus/internal/domain/busevent"
	"github.com/jackc/pgx/v5"
)

// EventStore is the event-store collaborator consumed by the dispatcher.
// The Postgres implementation lives in
// internal/repo/postgres; an in-memory fake lives in internal/repo/memory
// for tests that don't need a live database.
type EventStore interface {
	// InsertPending writes a new pending row and returns it. Commit
	// is the caller's responsibility when called through a transaction
	// variant; the pool-direct variant commits itself.
	InsertPending(ctx context.Context, req busevent.CreateRequest) (busevent.Event, error)

	// ClaimOne atomically selects and locks the single oldest-eligible
	// pending row, or returns busevent.ErrNotFound if the queue is empty.
	ClaimOne(ctx context.Context, workerID string, now time.Time) (busevent.Event, error)

	// MarkDone transitions a running row to done.
	MarkDone(ctx context.Context, id string) error

	// MarkFailed transitions a running row to pending (with backoff) or
	// dead, depending on remaining attempts.
	MarkFailed(ctx context.Context, id string, errMsg string, now time.Time, backoff time.Duration) error

	// RecoverStale forces stuck running rows back to pending.
	RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error)
}

// TxEventStore is the subset of EventStore a producer uses to insert a
// pending row inside its own transaction: the insert and the channel
// notification happen in the caller's transaction, and the caller, not
// the store, commits.
type TxEventStore interface {
	InsertPendingTx(ctx context.Context, tx pgx.Tx, req busevent.CreateRequest) (busevent.Event, error)
}
