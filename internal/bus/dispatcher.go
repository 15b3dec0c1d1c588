package bus

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/geocoder89/pgebus/internal/domain/busevent"
	"github.com/jackc/pgx/v5"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var tracer = otel.Tracer("pgebus")

// TxBeginner opens the transactions handed to transactional handlers.
// *pgxpool.Pool satisfies this directly.
type TxBeginner interface {
	Begin(ctx context.Context) (pgx.Tx, error)
}

// Dispatcher is the worker pool: N workers, each looping wait-for-wake
// -> attempt-claim -> dispatch-handlers -> record-outcome, draining
// bursts before parking again.
type Dispatcher struct {
	cfg     Config
	store   EventStore
	router  *Router
	tx      TxBeginner
	metrics *Metrics
	wake    *wakeBroadcaster
}

func newDispatcher(cfg Config, store EventStore, router *Router, tx TxBeginner, metrics *Metrics, wake *wakeBroadcaster) *Dispatcher {
	return &Dispatcher{cfg: cfg, store: store, router: router, tx: tx, metrics: metrics, wake: wake}
}

// Run starts cfg.NWorkers worker loops and blocks until ctx is cancelled
// and every loop has returned.
func (d *Dispatcher) Run(ctx context.Context, workerIDPrefix string) {
	done := make(chan struct{})
	remaining := d.cfg.NWorkers

	for i := 0; i < d.cfg.NWorkers; i++ {
		workerID := workerIDPrefix + "-" + strconv.Itoa(i+1)
		go func(id string) {
			d.runWorker(ctx, id)
			done <- struct{}{}
		}(workerID)
	}

	for remaining > 0 {
		<-done
		remaining--
	}
}

func (d *Dispatcher) runWorker(ctx context.Context, workerID string) {
	for {
		wakeCh := d.wake.listen()
		select {
		case <-ctx.Done():
			return
		case <-wakeCh:
		}

		// Drain: keep claiming without waiting until the queue is empty,
		// then park on the wake channel again.
		for {
			claimed := d.claimAndDispatchOne(ctx, workerID)
			if !claimed {
				break
			}
			if ctx.Err() != nil {
				return
			}
		}
	}
}

// claimAndDispatchOne attempts a single claim and, if one is obtained,
// dispatches it to completion. It returns whether a row was claimed (so
// the caller knows whether to keep draining).
func (d *Dispatcher) claimAndDispatchOne(ctx context.Context, workerID string) bool {
	claimCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	event, err := d.store.ClaimOne(claimCtx, workerID, time.Now().UTC())
	cancel()

	if err != nil {
		if err == busevent.ErrNotFound {
			return false
		}
		slog.Default().WarnContext(ctx, "bus.claim_error", "worker_id", workerID, "err", err)
		return false
	}

	if d.metrics != nil {
		d.metrics.IncClaimed()
	}

	d.dispatch(ctx, workerID, event)
	return true
}

// bookkeepingContext returns a short-lived context for outcome
// persistence (commit/rollback, mark_done/mark_failed). It detaches from
// an already-cancelled worker context so a handler that finished just as
// shutdown began can still have its outcome recorded, matching the
// supervisor's shutdown grace window; it still respects ctx's deadline
// otherwise.
func bookkeepingContext(ctx context.Context) (context.Context, context.CancelFunc) {
	if ctx.Err() != nil {
		return context.WithTimeout(context.Background(), 5*time.Second)
	}
	return context.WithTimeout(ctx, 5*time.Second)
}

func (d *Dispatcher) dispatch(ctx context.Context, workerID string, event busevent.Event) {
	start := time.Now()

	dispatchCtx, span := tracer.Start(ctx, "bus.dispatch",
		trace.WithAttributes(
			attribute.String("event.id", event.ID),
			attribute.String("event.type", event.Type),
			attribute.Int("event.attempts", event.Attempts),
			attribute.Int("event.max_attempts", event.MaxAttempts),
			attribute.String("worker.id", workerID),
		),
	)
	defer span.End()

	if d.metrics != nil {
		d.metrics.IncInFlight()
		defer d.metrics.DecInFlight()
	}

	handlers := d.router.Match(event.Type)

	if len(handlers) == 0 {
		// Explicit no-op success: an unmatched event type transitions to
		// done without invoking anything, so stray types never pile up
		// as dead rows.
		if d.metrics != nil {
			d.metrics.IncEmptyMatch()
		}
		bctx, cancel := bookkeepingContext(ctx)
		defer cancel()
		if err := d.store.MarkDone(bctx, event.ID); err != nil {
			slog.Default().ErrorContext(ctx, "bus.mark_done_failed", "event_id", event.ID, "err", err)
		}
		span.SetStatus(codes.Ok, "empty_match")
		return
	}

	transactional := false
	for _, h := range handlers {
		if h.Transactional {
			transactional = true
			break
		}
	}

	var session *Session
	var tx pgx.Tx
	if transactional {
		var err error
		tx, err = d.beginTx(ctx)
		if err != nil {
			d.fail(ctx, event, &StorageTransient{Op: "begin_tx", Err: err}, start, span)
			return
		}
		session = newSession(tx)
	}

	ectx := EventContext{EventID: event.ID, EventType: event.Type, Attempt: event.Attempts, Session: session}

	var dispatchErr error
	for _, h := range handlers {
		if err := h.Fn(dispatchCtx, ectx, event.Payload); err != nil {
			dispatchErr = &HandlerFailure{Path: h.Path, Err: err}
			break
		}
		// A transactional handler that escaped via Session.Unsafe and
		// committed or rolled back the raw tx itself has broken the
		// dispatcher's sole claim to the transaction boundary.
		// The handler's own error return (nil here) can no longer be
		// trusted to mean "safe to commit", so this is treated as a
		// failure even though the handler reported success.
		if session != nil && session.Violated() {
			dispatchErr = &HandlerFailure{Path: h.Path, Err: ErrTransactionalViolation}
			break
		}
	}

	if dispatchErr == nil {
		if tx != nil {
			bctx, cancel := bookkeepingContext(ctx)
			commitErr := tx.Commit(bctx)
			cancel()
			if commitErr != nil {
				d.fail(ctx, event, &StorageTransient{Op: "commit", Err: commitErr}, start, span)
				return
			}
		}
		d.succeed(ctx, event, start, span)
		return
	}

	if tx != nil {
		bctx, cancel := bookkeepingContext(ctx)
		_ = tx.Rollback(bctx)
		cancel()
	}
	d.fail(ctx, event, dispatchErr, start, span)
}

func (d *Dispatcher) beginTx(ctx context.Context) (pgx.Tx, error) {
	if d.tx == nil {
		return nil, errNoTxBeginner
	}
	return d.tx.Begin(ctx)
}

func (d *Dispatcher) succeed(ctx context.Context, event busevent.Event, start time.Time, span trace.Span) {
	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	if err := d.store.MarkDone(bctx, event.ID); err != nil {
		// mark_done itself failed: log and rely on stale-lock recovery.
		slog.Default().ErrorContext(ctx, "bus.mark_done_failed", "event_id", event.ID, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark_done_failed")
		return
	}

	d.record(event.Type, "done", start, span, nil)
}

func (d *Dispatcher) fail(ctx context.Context, event busevent.Event, cause error, start time.Time, span trace.Span) {
	backoff := Backoff(event.Attempts, d.cfg.BackoffBase, d.cfg.BackoffCap)

	bctx, cancel := bookkeepingContext(ctx)
	defer cancel()

	if err := d.store.MarkFailed(bctx, event.ID, cause.Error(), time.Now().UTC(), backoff); err != nil {
		slog.Default().ErrorContext(ctx, "bus.mark_failed_failed", "event_id", event.ID, "err", err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "mark_failed_failed")
		return
	}

	if d.metrics != nil {
		if event.Attempts < event.MaxAttempts {
			d.metrics.IncRetried()
		} else {
			d.metrics.IncDeadLettered()
		}
	}

	d.record(event.Type, "failed", start, span, cause)
}

func (d *Dispatcher) record(eventType, result string, start time.Time, span trace.Span, cause error) {
	duration := time.Since(start)
	if d.metrics != nil {
		d.metrics.ObserveOutcome(eventType, result, duration)
	}
	if cause != nil {
		span.RecordError(cause)
		span.SetStatus(codes.Error, cause.Error())
	} else {
		span.SetStatus(codes.Ok, result)
	}
}
