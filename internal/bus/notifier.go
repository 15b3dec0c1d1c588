package bus

import (
	"context"
	"log/slog"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// Execer is the minimal write surface the Notifier needs: a *pgx.Tx, a
// *bus.Session, or a *pgxpool.Pool all satisfy it.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// RedisPublisher is the best-effort secondary wake fan-out: a disposable
// signal parallel to the Postgres NOTIFY channel, never required for
// correctness. Satisfied by *redisclient.Client
// (internal/queue/redisclient).
type RedisPublisher interface {
	Publish(ctx context.Context, channel string) error
}

// Notifier sends the payload-less wake signal that tells workers new
// work may be available. Signals are best-effort: if every signal were
// dropped, the Poller
// would still make progress. NotifyTx must be called inside the same
// transaction as the row mutation it's announcing, so the notification
// is delivered iff that transaction commits. NotifyBestEffort is for the
// supplementary Redis fan-out, which cannot participate in the Postgres
// transaction and is fire-and-forget.
type Notifier struct {
	Channel string
	Redis   RedisPublisher // nil disables the Redis fan-out entirely
}

func NewNotifier(channel string) *Notifier {
	return &Notifier{Channel: channel}
}

func (n *Notifier) NotifyTx(ctx context.Context, exec Execer) error {
	sanitized := pgx.Identifier{n.Channel}.Sanitize()
	_, err := exec.Exec(ctx, "NOTIFY "+sanitized)
	return err
}

// NotifyBestEffort publishes the same wake signal on the secondary Redis
// channel, if configured. Errors are logged, never returned: losing this
// signal never threatens correctness, the Postgres channel and the
// Poller both still cover it.
func (n *Notifier) NotifyBestEffort(ctx context.Context) {
	if n.Redis == nil {
		return
	}
	if err := n.Redis.Publish(ctx, n.Channel); err != nil {
		slog.Default().WarnContext(ctx, "bus.notify.redis_failed", "channel", n.Channel, "err", err)
	}
}
