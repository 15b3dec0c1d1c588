package bus

import (
	"context"

	"github.com/geocoder89/pgebus/internal/domain/busevent"
	"github.com/jackc/pgx/v5"
)

// Publish inserts a pending row and issues the channel notification
// within tx, so the notification is delivered iff tx commits. It never
// calls Commit or Rollback itself; that stays the caller's
// responsibility.
//
// The secondary Redis wake (Notifier.NotifyBestEffort) cannot be issued
// here: it isn't part of tx, so firing it before the caller's commit
// could wake a worker for a row that isn't visible yet. Callers that
// want the Redis fan-out call notifier.NotifyBestEffort(ctx) themselves
// immediately after their own tx.Commit succeeds, same as
// BusEventsRepo.InsertPending does for its self-contained transaction.
func Publish(ctx context.Context, tx pgx.Tx, store TxEventStore, notifier *Notifier, req busevent.CreateRequest) (busevent.Event, error) {
	if req.Type == "" {
		return busevent.Event{}, ErrInvalidInput
	}

	e, err := store.InsertPendingTx(ctx, tx, req)
	if err != nil {
		return busevent.Event{}, err
	}

	if err := notifier.NotifyTx(ctx, tx); err != nil {
		return busevent.Event{}, err
	}

	return e, nil
}
