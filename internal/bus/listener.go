package bus

import (
	"context"
	"errors"
	"log/slog"
	"math/rand"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Listener owns one long-lived database connection dedicated to the push
// channel. It never touches the events table. On each received signal it
// invokes onWake, which every worker in the pool observes simultaneously
// (see wakeBroadcaster). On connection failure it reconnects with bounded
// backoff: acquire a dedicated connection, issue LISTEN, loop on
// WaitForNotification with a read deadline so context cancellation is
// observed promptly, and treat any connection error as a signal to
// reconnect.
type Listener struct {
	pool       *pgxpool.Pool
	channel    string
	minBackoff time.Duration
	maxBackoff time.Duration
	onWake     func()
}

func NewListener(pool *pgxpool.Pool, channel string, minBackoff, maxBackoff time.Duration, onWake func()) *Listener {
	return &Listener{
		pool:       pool,
		channel:    channel,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		onWake:     onWake,
	}
}

// Run blocks until ctx is cancelled, reconnecting as needed. Callers
// typically run it in its own goroutine.
func (l *Listener) Run(ctx context.Context) {
	backoff := l.minBackoff

	for {
		if ctx.Err() != nil {
			return
		}

		err := l.subscribeAndForward(ctx)
		if err == nil || ctx.Err() != nil {
			return
		}

		slog.Default().WarnContext(ctx, "bus.listener.disconnected", "channel", l.channel, "retry_in", backoff, "err", err)

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		backoff = nextBackoff(backoff, l.maxBackoff)
	}
}

func (l *Listener) subscribeAndForward(ctx context.Context) error {
	conn, err := l.pool.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	sanitized := pgx.Identifier{l.channel}.Sanitize()
	if _, err := conn.Exec(ctx, "LISTEN "+sanitized); err != nil {
		return err
	}

	slog.Default().InfoContext(ctx, "bus.listener.listening", "channel", l.channel)

	for {
		deadlineCtx, cancel := context.WithTimeout(ctx, 2*time.Minute)
		notification, err := conn.Conn().WaitForNotification(deadlineCtx)
		cancel()

		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, context.DeadlineExceeded) {
				continue // our own deadline hit only to re-check ctx; connection is fine
			}
			return err
		}

		if notification != nil {
			l.onWake()
		}
	}
}

// nextBackoff doubles current, caps it at max, then applies +/-25%
// jitter, so the result can exceed max by up to 25%.
func nextBackoff(current, max time.Duration) time.Duration {
	next := current * 2
	if next > max {
		next = max
	}
	jitter := 0.75 + rand.Float64()*0.5
	return time.Duration(float64(next) * jitter)
}
