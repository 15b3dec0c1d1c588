// Package memory provides in-memory fakes for the bus collaborators,
// implementing bus.EventStore so dispatcher tests don't need a live
// Postgres.
package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/geocoder89/pgebus/internal/domain/busevent"
)

type BusEventsRepo struct {
	mu   sync.Mutex
	byID map[string]busevent.Event
}

func NewBusEventsRepo() *BusEventsRepo {
	return &BusEventsRepo{byID: make(map[string]busevent.Event)}
}

func (r *BusEventsRepo) InsertPending(ctx context.Context, req busevent.CreateRequest) (busevent.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	e := busevent.New(req)
	r.byID[e.ID] = e
	return e, nil
}

func (r *BusEventsRepo) ClaimOne(ctx context.Context, workerID string, now time.Time) (busevent.Event, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var candidates []busevent.Event
	for _, e := range r.byID {
		if e.Status == busevent.StatusPending && !e.RunAt.After(now) {
			candidates = append(candidates, e)
		}
	}
	if len(candidates) == 0 {
		return busevent.Event{}, busevent.ErrNotFound
	}

	sort.Slice(candidates, func(i, j int) bool {
		if !candidates[i].RunAt.Equal(candidates[j].RunAt) {
			return candidates[i].RunAt.Before(candidates[j].RunAt)
		}
		return candidates[i].ID < candidates[j].ID
	})

	picked := candidates[0]
	picked.Status = busevent.StatusRunning
	picked.Attempts++
	lockedAt := now
	lockedBy := workerID
	picked.LockedAt = &lockedAt
	picked.LockedBy = &lockedBy
	picked.UpdatedAt = now
	r.byID[picked.ID] = picked
	return picked, nil
}

func (r *BusEventsRepo) MarkDone(ctx context.Context, id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok || e.Status != busevent.StatusRunning {
		return busevent.ErrNotFound
	}
	e.Status = busevent.StatusDone
	e.LockedAt = nil
	e.LockedBy = nil
	e.UpdatedAt = time.Now().UTC()
	r.byID[id] = e
	return nil
}

func (r *BusEventsRepo) MarkFailed(ctx context.Context, id string, errMsg string, now time.Time, backoff time.Duration) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, ok := r.byID[id]
	if !ok || e.Status != busevent.StatusRunning {
		return busevent.ErrNotFound
	}

	msg := errMsg
	e.LastError = &msg
	e.LockedAt = nil
	e.LockedBy = nil
	e.UpdatedAt = now

	if e.Attempts < e.MaxAttempts {
		e.Status = busevent.StatusPending
		e.RunAt = now.Add(backoff)
	} else {
		e.Status = busevent.StatusDead
	}
	r.byID[id] = e
	return nil
}

func (r *BusEventsRepo) RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, e := range r.byID {
		if e.Status == busevent.StatusRunning && e.LockedAt != nil && e.LockedAt.Before(now.Add(-staleAfter)) {
			msg := "stale lock recovered"
			e.Status = busevent.StatusPending
			e.LockedAt = nil
			e.LockedBy = nil
			e.LastError = &msg
			e.UpdatedAt = now
			r.byID[id] = e
			n++
		}
	}
	return n, nil
}

// Snapshot returns a copy of the current row for assertions in tests.
func (r *BusEventsRepo) Snapshot(id string) (busevent.Event, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	e, ok := r.byID[id]
	return e, ok
}
