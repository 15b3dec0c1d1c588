package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/geocoder89/pgebus/internal/bus"
	"github.com/geocoder89/pgebus/internal/domain/busevent"
	"github.com/geocoder89/pgebus/internal/observability"
	"github.com/geocoder89/pgebus/internal/utils"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// maxLastErrorLen caps the stored last_error description so a handler
// that fails with an enormous message doesn't bloat the row.
const maxLastErrorLen = 2048

// BusEventsRepo implements bus.EventStore against a Postgres `events`
// table in a configurable schema: claim via SKIP LOCKED,
// observe-wrapped operations, NOTIFY on insert and reschedule.
type BusEventsRepo struct {
	pool     *pgxpool.Pool
	prom     *observability.Prom
	table    string // schema-qualified, already sanitized
	notifier *bus.Notifier

	// defaultMaxAttempts applies to inserts whose CreateRequest leaves
	// MaxAttempts unset; see WithDefaultMaxAttempts.
	defaultMaxAttempts int
}

func NewBusEventsRepo(pool *pgxpool.Pool, prom *observability.Prom, schema string, notifier *bus.Notifier) *BusEventsRepo {
	table := pgx.Identifier{schema, "events"}.Sanitize()
	return &BusEventsRepo{pool: pool, prom: prom, table: table, notifier: notifier}
}

// WithDefaultMaxAttempts overrides the retry budget applied to events
// whose producers don't set one, wiring the configured max_attempts
// through to inserts. Zero leaves busevent's own default in place.
func (r *BusEventsRepo) WithDefaultMaxAttempts(n int) *BusEventsRepo {
	r.defaultMaxAttempts = n
	return r
}

func (r *BusEventsRepo) applyDefaults(req busevent.CreateRequest) busevent.CreateRequest {
	if req.MaxAttempts <= 0 && r.defaultMaxAttempts > 0 {
		req.MaxAttempts = r.defaultMaxAttempts
	}
	return req
}

func (r *BusEventsRepo) observe(op string, fn func() error) error {
	if r.prom != nil {
		return r.prom.ObserveDB(op, fn)
	}
	return fn()
}

func truncateError(msg string) string {
	if len(msg) <= maxLastErrorLen {
		return msg
	}
	return msg[:maxLastErrorLen]
}

// EnsureSchema creates the configured schema if it does not already
// exist. The events table itself is the operator's responsibility
// (migrations); CREATE SCHEMA IF NOT EXISTS is a no-op against an
// already-migrated database.
func (r *BusEventsRepo) EnsureSchema(ctx context.Context, schema string) error {
	sanitizedSchema := pgx.Identifier{schema}.Sanitize()
	_, err := r.pool.Exec(ctx, "CREATE SCHEMA IF NOT EXISTS "+sanitizedSchema)
	return err
}

func (r *BusEventsRepo) InsertPending(ctx context.Context, req busevent.CreateRequest) (busevent.Event, error) {
	if strings.TrimSpace(req.Type) == "" {
		return busevent.Event{}, fmt.Errorf("event type: %w", bus.ErrInvalidInput)
	}

	e := busevent.New(r.applyDefaults(req))
	op := "busevents.insert_pending"

	err := r.observe(op, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		if err := insertEventTx(ctx, tx, r.table, e); err != nil {
			return err
		}
		if err := r.notifier.NotifyTx(ctx, tx); err != nil {
			return err
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return busevent.Event{}, err
	}
	r.notifier.NotifyBestEffort(ctx)
	return e, nil
}

// InsertPendingTx is the transaction-scoped half of the publish
// contract: it inserts the pending row and relies on the
// caller (via bus.Publish) to issue the NOTIFY and commit. Used by
// producers that want the insert to participate in their own
// transaction instead of the pool-direct InsertPending above.
func (r *BusEventsRepo) InsertPendingTx(ctx context.Context, tx pgx.Tx, req busevent.CreateRequest) (busevent.Event, error) {
	if strings.TrimSpace(req.Type) == "" {
		return busevent.Event{}, fmt.Errorf("event type: %w", bus.ErrInvalidInput)
	}

	e := busevent.New(r.applyDefaults(req))
	op := "busevents.insert_pending_tx"

	err := r.observe(op, func() error {
		return insertEventTx(ctx, tx, r.table, e)
	})
	if err != nil {
		return busevent.Event{}, err
	}
	return e, nil
}

func insertEventTx(ctx context.Context, tx pgx.Tx, table string, e busevent.Event) error {
	_, err := tx.Exec(ctx, `INSERT INTO `+table+`(
		id, type, payload, status, run_at, attempts, max_attempts,
		last_error, locked_at, locked_by, created_at, updated_at
	) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		e.ID, e.Type, e.Payload, string(e.Status), e.RunAt, e.Attempts, e.MaxAttempts,
		e.LastError, e.LockedAt, e.LockedBy, e.CreatedAt, e.UpdatedAt)
	return err
}

func (r *BusEventsRepo) ClaimOne(ctx context.Context, workerID string, now time.Time) (busevent.Event, error) {
	var e busevent.Event
	var status string
	op := "busevents.claim_one"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `
			WITH next AS (
				SELECT id
				FROM `+r.table+`
				WHERE status = 'pending' AND run_at <= $2
				ORDER BY run_at ASC, id ASC
				FOR UPDATE SKIP LOCKED
				LIMIT 1
			)
			UPDATE `+r.table+`
			SET status = 'running',
			    locked_at = $2,
			    locked_by = $1,
			    attempts = attempts + 1,
			    updated_at = $2
			WHERE id = (SELECT id FROM next)
			RETURNING id, type, payload, status, run_at, attempts, max_attempts,
			          last_error, locked_at, locked_by, created_at, updated_at
		`, workerID, now).Scan(
			&e.ID, &e.Type, &e.Payload, &status, &e.RunAt, &e.Attempts, &e.MaxAttempts,
			&e.LastError, &e.LockedAt, &e.LockedBy, &e.CreatedAt, &e.UpdatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return busevent.Event{}, busevent.ErrNotFound
		}
		return busevent.Event{}, err
	}
	e.Status = busevent.Status(status)
	return e, nil
}

func (r *BusEventsRepo) MarkDone(ctx context.Context, id string) error {
	op := "busevents.mark_done"
	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var err error
		tag, err = r.pool.Exec(ctx, `
			UPDATE `+r.table+`
			SET status = 'done', locked_at = NULL, locked_by = NULL, updated_at = NOW()
			WHERE id = $1 AND status = 'running'
		`, id)
		return err
	})
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return busevent.ErrNotFound
	}
	return nil
}

func (r *BusEventsRepo) MarkFailed(ctx context.Context, id string, errMsg string, now time.Time, backoff time.Duration) error {
	op := "busevents.mark_failed"
	truncated := truncateError(errMsg)

	var rescheduled bool
	var found bool

	err := r.observe(op, func() error {
		tx, err := r.pool.Begin(ctx)
		if err != nil {
			return err
		}
		defer func() { _ = tx.Rollback(ctx) }()

		var resultStatus string
		scanErr := tx.QueryRow(ctx, `
			UPDATE `+r.table+`
			SET status = CASE WHEN attempts < max_attempts THEN 'pending' ELSE 'dead' END,
			    run_at = CASE WHEN attempts < max_attempts THEN $2 ELSE run_at END,
			    locked_at = NULL,
			    locked_by = NULL,
			    last_error = $3,
			    updated_at = $4
			WHERE id = $1 AND status = 'running'
			RETURNING status
		`, id, now.Add(backoff), truncated, now).Scan(&resultStatus)

		if scanErr != nil {
			if errors.Is(scanErr, pgx.ErrNoRows) {
				return nil // found stays false; tx rolls back harmlessly
			}
			return scanErr
		}
		found = true
		rescheduled = resultStatus == string(busevent.StatusPending)

		// A reschedule also notifies, so other idle workers wake near
		// the new run_at.
		if rescheduled {
			if err := r.notifier.NotifyTx(ctx, tx); err != nil {
				return err
			}
		}
		return tx.Commit(ctx)
	})
	if err != nil {
		return err
	}
	if !found {
		return busevent.ErrNotFound
	}
	if rescheduled {
		r.notifier.NotifyBestEffort(ctx)
	}
	return nil
}

func (r *BusEventsRepo) RecoverStale(ctx context.Context, now time.Time, staleAfter time.Duration) (int64, error) {
	op := "busevents.recover_stale"
	var rows int64
	err := r.observe(op, func() error {
		tag, err := r.pool.Exec(ctx, `
			UPDATE `+r.table+`
			SET status = 'pending',
			    locked_at = NULL,
			    locked_by = NULL,
			    last_error = $2,
			    updated_at = $1
			WHERE status = 'running' AND locked_at < $1 - $3::interval
		`, now, "stale lock recovered", fmt.Sprintf("%d seconds", int64(staleAfter.Seconds())))
		if err != nil {
			return err
		}
		rows = tag.RowsAffected()
		return nil
	})
	return rows, err
}

// Admin surface: cursor listing, single retry, bulk dead-letter requeue.

func (r *BusEventsRepo) ListCursor(
	ctx context.Context,
	status *string,
	limit int,
	afterUpdatedAt time.Time,
	afterID string,
) (items []busevent.Event, nextCursor *string, hasMore bool, err error) {
	op := "busevents.admin.list_cursor"

	base := `SELECT id, type, payload, status, run_at, attempts, max_attempts,
		last_error, locked_at, locked_by, created_at, updated_at FROM ` + r.table

	var conds []string
	var args []any
	pos := 1

	if status != nil {
		conds = append(conds, fmt.Sprintf("status = $%d", pos))
		args = append(args, *status)
		pos++
	}
	conds = append(conds, fmt.Sprintf("(updated_at, id) < ($%d, $%d)", pos, pos+1))
	args = append(args, afterUpdatedAt, afterID)
	pos += 2

	q := base
	if len(conds) > 0 {
		q += " WHERE " + strings.Join(conds, " AND ")
	}
	limitPlusOne := limit + 1
	q += fmt.Sprintf(" ORDER BY updated_at DESC, id DESC LIMIT $%d", pos)
	args = append(args, limitPlusOne)

	var rows pgx.Rows
	err = r.observe(op, func() error {
		var qerr error
		rows, qerr = r.pool.Query(ctx, q, args...)
		return qerr
	})
	if err != nil {
		return nil, nil, false, err
	}
	defer rows.Close()

	out := make([]busevent.Event, 0, limit)
	for rows.Next() {
		var e busevent.Event
		var st string
		if scanErr := rows.Scan(
			&e.ID, &e.Type, &e.Payload, &st, &e.RunAt, &e.Attempts, &e.MaxAttempts,
			&e.LastError, &e.LockedAt, &e.LockedBy, &e.CreatedAt, &e.UpdatedAt,
		); scanErr != nil {
			return nil, nil, false, scanErr
		}
		e.Status = busevent.Status(st)
		out = append(out, e)
	}
	if rows.Err() != nil {
		return nil, nil, false, rows.Err()
	}

	if len(out) > limit {
		hasMore = true
		out = out[:limit]
		last := out[len(out)-1]
		cur, encErr := utils.EncodeBusEventCursor(last.UpdatedAt, last.ID)
		if encErr != nil {
			return nil, nil, false, encErr
		}
		nextCursor = &cur
	}
	return out, nextCursor, hasMore, nil
}

func (r *BusEventsRepo) GetByID(ctx context.Context, id string) (busevent.Event, error) {
	var e busevent.Event
	var status string
	op := "busevents.admin.get_by_id"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `SELECT id, type, payload, status, run_at, attempts, max_attempts,
			last_error, locked_at, locked_by, created_at, updated_at
			FROM `+r.table+` WHERE id = $1`, id).Scan(
			&e.ID, &e.Type, &e.Payload, &status, &e.RunAt, &e.Attempts, &e.MaxAttempts,
			&e.LastError, &e.LockedAt, &e.LockedBy, &e.CreatedAt, &e.UpdatedAt,
		)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return busevent.Event{}, busevent.ErrNotFound
		}
		return busevent.Event{}, err
	}
	e.Status = busevent.Status(status)
	return e, nil
}

var errEventNotDead = errors.New("event is not dead")

// Retry requeues a single dead event back to pending. Dead is terminal
// absent operator intervention; this is that intervention.
func (r *BusEventsRepo) Retry(ctx context.Context, id string) error {
	var status string
	op := "busevents.admin.retry.check_status"

	err := r.observe(op, func() error {
		return r.pool.QueryRow(ctx, `SELECT status FROM `+r.table+` WHERE id = $1`, id).Scan(&status)
	})
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return busevent.ErrNotFound
		}
		return err
	}
	if status != string(busevent.StatusDead) {
		return errEventNotDead
	}

	requeueOp := "busevents.admin.retry.requeue"
	return r.observe(requeueOp, func() error {
		_, err := r.pool.Exec(ctx, `
			UPDATE `+r.table+`
			SET status = 'pending', run_at = NOW(), attempts = 0,
			    locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = NOW()
			WHERE id = $1
		`, id)
		return err
	})
}

// RetryManyFailed requeues up to limit dead events back to pending.
func (r *BusEventsRepo) RetryManyFailed(ctx context.Context, limit int) (int64, error) {
	op := "busevents.admin.retry_many_failed"
	if limit <= 0 {
		limit = 50
	}
	if limit > 500 {
		limit = 500
	}

	var tag pgconn.CommandTag
	err := r.observe(op, func() error {
		var err error
		tag, err = r.pool.Exec(ctx, `
			WITH picked AS (
				SELECT id FROM `+r.table+` WHERE status = 'dead'
				ORDER BY updated_at DESC LIMIT $1
			)
			UPDATE `+r.table+`
			SET status = 'pending', run_at = NOW(), attempts = 0,
			    locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = NOW()
			WHERE id IN (SELECT id FROM picked)
		`, limit)
		return err
	})
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

