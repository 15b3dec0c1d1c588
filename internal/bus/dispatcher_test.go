package bus

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/geocoder89/pgebus/internal/domain/busevent"
	"github.com/geocoder89/pgebus/internal/repo/memory"
)

func testCfg() Config {
	return Config{
		NWorkers:    1,
		BackoffBase: time.Millisecond,
		BackoffCap:  10 * time.Millisecond,
	}.WithDefaults()
}

func TestDispatchHappyPath(t *testing.T) {
	store := memory.NewBusEventsRepo()
	payload := json.RawMessage(`{"msg":"hi"}`)
	e, err := store.InsertPending(context.Background(), busevent.CreateRequest{Type: "demo.hello", Payload: payload})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var gotPayload json.RawMessage
	var attempt int
	r := NewRouter()
	r.On("demo.hello", false, func(_ context.Context, ectx EventContext, p json.RawMessage) error {
		gotPayload = p
		attempt = ectx.Attempt
		return nil
	})
	r.Freeze()

	d := newDispatcher(testCfg(), store, r, nil, NewMetrics(nil), newWakeBroadcaster())
	if !d.claimAndDispatchOne(context.Background(), "w1") {
		t.Fatalf("expected a claim to succeed")
	}

	got, ok := store.Snapshot(e.ID)
	if !ok {
		t.Fatalf("event disappeared")
	}
	if got.Status != busevent.StatusDone {
		t.Fatalf("expected done, got %s", got.Status)
	}
	if got.Attempts != 1 {
		t.Fatalf("expected attempts=1, got %d", got.Attempts)
	}
	if string(gotPayload) != string(payload) {
		t.Fatalf("payload mismatch: got %s want %s", gotPayload, payload)
	}
	if attempt != 1 {
		t.Fatalf("expected handler to observe attempt=1, got %d", attempt)
	}
}

func TestDispatchRetryThenDeadLetter(t *testing.T) {
	store := memory.NewBusEventsRepo()
	e, err := store.InsertPending(context.Background(), busevent.CreateRequest{
		Type: "flaky", Payload: json.RawMessage(`{}`), MaxAttempts: 3,
	})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	var invocations int32
	r := NewRouter()
	r.On("flaky", false, func(context.Context, EventContext, json.RawMessage) error {
		atomic.AddInt32(&invocations, 1)
		return errors.New("boom")
	})
	r.Freeze()

	d := newDispatcher(testCfg(), store, r, nil, NewMetrics(nil), newWakeBroadcaster())

	for i := 0; i < 3; i++ {
		for !d.claimAndDispatchOne(context.Background(), "w1") {
			time.Sleep(time.Millisecond)
		}
		time.Sleep(15 * time.Millisecond) // clear the backoff window
	}

	got, ok := store.Snapshot(e.ID)
	if !ok {
		t.Fatalf("event disappeared")
	}
	if got.Status != busevent.StatusDead {
		t.Fatalf("expected dead after exhausting retries, got %s", got.Status)
	}
	if got.Attempts != 3 {
		t.Fatalf("expected attempts=3, got %d", got.Attempts)
	}
	if got.LastError == nil || *got.LastError == "" {
		t.Fatalf("expected last_error to be recorded")
	}
	if atomic.LoadInt32(&invocations) != 3 {
		t.Fatalf("expected exactly 3 invocations, got %d", invocations)
	}
}

func TestDispatchEmptyMatchMarksDoneWithoutInvoking(t *testing.T) {
	store := memory.NewBusEventsRepo()
	e, err := store.InsertPending(context.Background(), busevent.CreateRequest{Type: "stray.type", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	r := NewRouter()
	r.Freeze() // nothing registered

	d := newDispatcher(testCfg(), store, r, nil, NewMetrics(nil), newWakeBroadcaster())
	if !d.claimAndDispatchOne(context.Background(), "w1") {
		t.Fatalf("expected a claim to succeed")
	}

	got, _ := store.Snapshot(e.ID)
	if got.Status != busevent.StatusDone {
		t.Fatalf("expected empty-match event to be marked done, got %s", got.Status)
	}
}

func TestClaimOneExclusivityUnderConcurrency(t *testing.T) {
	store := memory.NewBusEventsRepo()
	_, err := store.InsertPending(context.Background(), busevent.CreateRequest{Type: "solo", Payload: json.RawMessage(`{}`)})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	const workers = 5
	var wg sync.WaitGroup
	var successes int32
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(id int) {
			defer wg.Done()
			_, err := store.ClaimOne(context.Background(), "w", time.Now().UTC())
			if err == nil {
				atomic.AddInt32(&successes, 1)
			} else if !errors.Is(err, busevent.ErrNotFound) {
				t.Errorf("unexpected claim error: %v", err)
			}
		}(i)
	}
	wg.Wait()

	if successes != 1 {
		t.Fatalf("expected exactly one successful claim, got %d", successes)
	}
}

func TestClaimHonorsFutureRunAt(t *testing.T) {
	store := memory.NewBusEventsRepo()
	future := time.Now().UTC().Add(time.Hour)
	_, err := store.InsertPending(context.Background(), busevent.CreateRequest{Type: "delayed", Payload: json.RawMessage(`{}`), RunAt: future})
	if err != nil {
		t.Fatalf("insert: %v", err)
	}

	_, err = store.ClaimOne(context.Background(), "w", time.Now().UTC())
	if !errors.Is(err, busevent.ErrNotFound) {
		t.Fatalf("expected ErrNotFound before run_at, got %v", err)
	}

	_, err = store.ClaimOne(context.Background(), "w", future.Add(time.Second))
	if err != nil {
		t.Fatalf("expected claim to succeed once run_at has passed: %v", err)
	}
}
