package bus

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"testing"

	"github.com/geocoder89/pgebus/internal/domain/busevent"
	"github.com/geocoder89/pgebus/internal/repo/memory"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// fakeTx is a minimal pgx.Tx conforming fake: it tracks Commit/Rollback
// calls and Exec statements, and panics on the remaining query/batch
// methods (Conn and LargeObjects return zero values), so an accidental
// new dependency on tx internals fails loudly instead of silently
// no-op'ing.
type fakeTx struct {
	committed  bool
	rolledBack bool
	execs      []string
}

func (t *fakeTx) Begin(ctx context.Context) (pgx.Tx, error) { panic("fakeTx: Begin not implemented") }

func (t *fakeTx) Commit(ctx context.Context) error {
	t.committed = true
	return nil
}

func (t *fakeTx) Rollback(ctx context.Context) error {
	t.rolledBack = true
	return nil
}

func (t *fakeTx) CopyFrom(ctx context.Context, tableName pgx.Identifier, columnNames []string, rowSrc pgx.CopyFromSource) (int64, error) {
	panic("fakeTx: CopyFrom not implemented")
}

func (t *fakeTx) SendBatch(ctx context.Context, b *pgx.Batch) pgx.BatchResults {
	panic("fakeTx: SendBatch not implemented")
}

func (t *fakeTx) LargeObjects() pgx.LargeObjects { return pgx.LargeObjects{} }

func (t *fakeTx) Prepare(ctx context.Context, name, sql string) (*pgconn.StatementDescription, error) {
	panic("fakeTx: Prepare not implemented")
}

func (t *fakeTx) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	t.execs = append(t.execs, sql)
	return pgconn.CommandTag{}, nil
}

func (t *fakeTx) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	panic("fakeTx: Query not implemented")
}

func (t *fakeTx) QueryRow(ctx context.Context, sql string, args ...any) pgx.Row {
	panic("fakeTx: QueryRow not implemented")
}

func (t *fakeTx) Conn() *pgx.Conn { return nil }

// fakeTxBeginner hands out a single fakeTx per Begin call so a test can
// hold a reference to the exact transaction a transactional handler ran
// against.
type fakeTxBeginner struct {
	tx *fakeTx
}

func (b *fakeTxBeginner) Begin(ctx context.Context) (pgx.Tx, error) {
	b.tx = &fakeTx{}
	return b.tx, nil
}

// TestDispatchTransactionalSessionCommitsOnSuccess: a transactional
// handler writes through the session,
// a second, non-transactional handler runs after it and succeeds, and
// the dispatcher commits the shared tx exactly once.
func TestDispatchTransactionalSessionCommitsOnSuccess(t *testing.T) {
	store := memory.NewBusEventsRepo()
	e, err := store.InsertPending(context.Background(), busevent.CreateRequest{Type: "order.placed", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var sawSession *Session
	var secondRan bool

	r := NewRouter()
	r.On("order.placed", true, func(_ context.Context, ectx EventContext, _ json.RawMessage) error {
		sawSession = ectx.Session
		if ectx.Session == nil {
			t.Fatalf("expected a non-nil session for a transactional handler")
		}
		_, err := ectx.Session.Exec(context.Background(), "UPDATE inventory SET reserved = reserved + 1")
		return err
	})
	r.On("order.placed", false, func(_ context.Context, ectx EventContext, _ json.RawMessage) error {
		secondRan = true
		if ectx.Session != sawSession {
			t.Fatalf("expected both handlers to observe the same session")
		}
		return nil
	})
	r.Freeze()

	beginner := &fakeTxBeginner{}
	d := newDispatcher(testCfg(), store, r, beginner, NewMetrics(nil), newWakeBroadcaster())

	if !d.claimAndDispatchOne(context.Background(), "w1") {
		t.Fatalf("expected a claim to succeed")
	}
	if !secondRan {
		t.Fatalf("expected the second handler to run")
	}
	if beginner.tx == nil {
		t.Fatalf("expected the dispatcher to begin a transaction")
	}
	if !beginner.tx.committed {
		t.Fatalf("expected the dispatcher to commit the transaction")
	}
	if beginner.tx.rolledBack {
		t.Fatalf("did not expect a rollback on the success path")
	}
	if len(beginner.tx.execs) != 1 {
		t.Fatalf("expected exactly one Exec against the shared session, got %d", len(beginner.tx.execs))
	}

	got, ok := store.Snapshot(e.ID)
	if !ok {
		t.Fatalf("event disappeared")
	}
	if got.Status != busevent.StatusDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
}

// TestDispatchTransactionalSessionRollsBackOnLaterHandlerFailure:
// when a later handler in the chain
// fails, the earlier transactional handler's writes roll back with it,
// and the event returns to pending with attempts==1.
func TestDispatchTransactionalSessionRollsBackOnLaterHandlerFailure(t *testing.T) {
	store := memory.NewBusEventsRepo()
	e, err := store.InsertPending(context.Background(), busevent.CreateRequest{Type: "order.placed", Payload: json.RawMessage(`{}`), MaxAttempts: 3})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := NewRouter()
	r.On("order.placed", true, func(_ context.Context, ectx EventContext, _ json.RawMessage) error {
		_, err := ectx.Session.Exec(context.Background(), "UPDATE inventory SET reserved = reserved + 1")
		return err
	})
	r.On("order.placed", false, func(context.Context, EventContext, json.RawMessage) error {
		return errors.New("downstream notify failed")
	})
	r.Freeze()

	beginner := &fakeTxBeginner{}
	d := newDispatcher(testCfg(), store, r, beginner, NewMetrics(nil), newWakeBroadcaster())

	if !d.claimAndDispatchOne(context.Background(), "w1") {
		t.Fatalf("expected a claim to succeed")
	}

	if beginner.tx == nil || !beginner.tx.rolledBack {
		t.Fatalf("expected the shared transaction to be rolled back")
	}
	if beginner.tx.committed {
		t.Fatalf("did not expect a commit when a later handler fails")
	}

	got, ok := store.Snapshot(e.ID)
	if !ok {
		t.Fatalf("event disappeared")
	}
	if got.Status != busevent.StatusPending {
		t.Fatalf("expected the event back to pending for retry, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", got.Attempts)
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Fatalf("expected last_error to record the failing handler's error")
	}
}

// TestDispatchTransactionalViolationFailsEvenOnHandlerSuccess: a
// transactional handler that escapes the sealed session via
// Unsafe and commits the raw tx itself is treated as a failure, even
// though it returned a nil error.
func TestDispatchTransactionalViolationFailsEvenOnHandlerSuccess(t *testing.T) {
	store := memory.NewBusEventsRepo()
	e, err := store.InsertPending(context.Background(), busevent.CreateRequest{Type: "rogue", Payload: json.RawMessage(`{}`), MaxAttempts: 3})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := NewRouter()
	r.On("rogue", true, func(ctx context.Context, ectx EventContext, _ json.RawMessage) error {
		raw := ectx.Session.Unsafe()
		if err := raw.Commit(ctx); err != nil {
			return err
		}
		return nil
	})
	r.Freeze()

	beginner := &fakeTxBeginner{}
	d := newDispatcher(testCfg(), store, r, beginner, NewMetrics(nil), newWakeBroadcaster())

	if !d.claimAndDispatchOne(context.Background(), "w1") {
		t.Fatalf("expected a claim to succeed")
	}

	got, ok := store.Snapshot(e.ID)
	if !ok {
		t.Fatalf("event disappeared")
	}
	if got.Status != busevent.StatusPending {
		t.Fatalf("expected the event back to pending after a transactional violation, got %s", got.Status)
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Fatalf("expected a non-empty last_error")
	}
	if !strings.Contains(*got.LastError, ErrTransactionalViolation.Error()) {
		t.Fatalf("expected last_error to mention the transactional violation, got %q", *got.LastError)
	}
	if !beginner.tx.rolledBack {
		t.Fatalf("expected the dispatcher to attempt a rollback after detecting the violation")
	}
}
