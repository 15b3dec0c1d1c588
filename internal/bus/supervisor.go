package bus

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/sync/errgroup"
)

// Supervisor is the lifecycle entry point: it owns the listener, poller,
// stale-lock sweep, and worker pool as one unit, coordinated with
// errgroup.
type Supervisor struct {
	cfg     Config
	store   EventStore
	router  *Router
	pool    *pgxpool.Pool
	metrics *Metrics

	wake *wakeBroadcaster

	cancel context.CancelFunc
	group  *errgroup.Group
	runCtx context.Context
}

// NewSupervisor wires a Supervisor. pool is used both as the dedicated
// LISTEN connection source and as the TxBeginner for transactional
// handlers; router must already be frozen.
func NewSupervisor(cfg Config, store EventStore, router *Router, pool *pgxpool.Pool, reg prometheus.Registerer) *Supervisor {
	cfg = cfg.WithDefaults()
	return &Supervisor{
		cfg:     cfg,
		store:   store,
		router:  router,
		pool:    pool,
		metrics: NewMetrics(reg),
		wake:    newWakeBroadcaster(),
	}
}

// Metrics exposes the supervisor's metrics collaborator, e.g. for a
// health/metrics HTTP handler.
func (s *Supervisor) Metrics() *Metrics { return s.metrics }

// Start ensures the configured schema exists (when the store offers
// EnsureSchema), then launches the listener, poller, optional stale-lock
// sweep, and worker pool. A failure to ensure the schema is returned as
// ErrStorageFatal and nothing is started.
func (s *Supervisor) Start(ctx context.Context) error {
	if es, ok := s.store.(interface {
		EnsureSchema(ctx context.Context, schema string) error
	}); ok {
		if err := es.EnsureSchema(ctx, s.cfg.Schema); err != nil {
			return fmt.Errorf("%w: %w", ErrStorageFatal, err)
		}
	}

	runCtx, cancel := context.WithCancel(ctx)
	group, runCtx := errgroup.WithContext(runCtx)

	s.cancel = cancel
	s.group = group
	s.runCtx = runCtx

	listener := NewListener(s.pool, s.cfg.Channel, s.cfg.ListenerReconnectMinBackoff, s.cfg.ListenerReconnectMaxBackoff, s.wake.broadcast)
	poller := NewPoller(s.cfg.PollInterval, s.wake.broadcast)
	dispatcher := newDispatcher(s.cfg, s.store, s.router, s.pool, s.metrics, s.wake)

	host, _ := os.Hostname()
	workerIDPrefix := host + "-" + strconv.Itoa(os.Getpid())

	group.Go(func() error {
		listener.Run(runCtx)
		return nil
	})

	group.Go(func() error {
		poller.Run(runCtx)
		return nil
	})

	if !s.cfg.DisableStaleRecovery {
		group.Go(func() error {
			s.runStaleRecovery(runCtx)
			return nil
		})
	}

	group.Go(func() error {
		dispatcher.Run(runCtx, workerIDPrefix)
		return nil
	})

	slog.Default().InfoContext(ctx, "bus.supervisor.started",
		"workers", s.cfg.NWorkers,
		"channel", s.cfg.Channel,
		"poll_interval", s.cfg.PollInterval,
	)

	return nil
}

func (s *Supervisor) runStaleRecovery(ctx context.Context) {
	t := time.NewTicker(s.cfg.StaleAfter / 2)
	defer t.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			sctx, cancel := context.WithTimeout(ctx, 10*time.Second)
			n, err := s.store.RecoverStale(sctx, time.Now().UTC(), s.cfg.StaleAfter)
			cancel()

			if err != nil {
				slog.Default().WarnContext(ctx, "bus.stale_recovery_error", "err", err)
				continue
			}
			if n > 0 {
				slog.Default().InfoContext(ctx, "bus.stale_recovery", "recovered", n)
				s.wake.broadcast()
			}
		}
	}
}

// Stop signals shutdown and waits for in-flight dispatches to finish.
// If waitForCompletion is true it blocks up to timeout for every
// goroutine to return; rows still claimed past that point are left for
// the next stale-lock sweep. If waitForCompletion is false it cancels
// and returns immediately without waiting. Stop returns
// ErrShutdownTimeout if the wait elapsed before completion.
func (s *Supervisor) Stop(waitForCompletion bool, timeout time.Duration) error {
	if s.cancel == nil {
		return nil
	}
	s.cancel()

	if !waitForCompletion {
		return nil
	}

	done := make(chan error, 1)
	go func() {
		done <- s.group.Wait()
	}()

	select {
	case err := <-done:
		return err
	case <-time.After(timeout):
		slog.Default().Warn("bus.supervisor.shutdown_timeout", "timeout", timeout)
		return ErrShutdownTimeout
	}
}
