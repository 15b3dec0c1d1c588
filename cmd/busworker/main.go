// Command busworker boots the event-bus dispatcher: schema bootstrap,
// listener, poller, stale-lock sweep, and N transactional-aware
// workers, wired to the concrete handlers this repo registers. It runs
// as its own process so it can be scaled and restarted independently of
// the API server.
package main

import (
	"context"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geocoder89/pgebus/internal/bus"
	bushandlers "github.com/geocoder89/pgebus/internal/bus/handlers"
	"github.com/geocoder89/pgebus/internal/config"
	"github.com/geocoder89/pgebus/internal/notifications"
	"github.com/geocoder89/pgebus/internal/observability"
	"github.com/geocoder89/pgebus/internal/queue/redisclient"
	"github.com/geocoder89/pgebus/internal/repo/postgres"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}
	shutdownTracer, err := observability.InitTracer(context.Background(), "pgebus-busworker", otlpEndpoint)
	if err != nil {
		slog.Default().ErrorContext(ctx, "busworker.otel_init_failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	base := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelInfo})
	logger := slog.New(observability.NewTraceHandler(base))
	slog.SetDefault(logger)

	pool, err := pgxpool.New(ctx, cfg.DBURL)
	if err != nil {
		slog.Default().ErrorContext(ctx, "busworker.db_connect_failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	notifier := bus.NewNotifier(cfg.EventSystem.Channel)
	if redisAddr := cfg.RedisAddr; redisAddr != "" {
		rc := redisclient.New(redisclient.Config{
			Addr:     redisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		})
		notifier.Redis = rc
	}

	store := postgres.NewBusEventsRepo(pool, prom, cfg.Schema, notifier).
		WithDefaultMaxAttempts(cfg.EventSystem.MaxAttempts)
	deliveries := postgres.NewNotificationsDeliveriesRepo(pool)

	protectedNotifier := notifications.NewProtectedNotifier(notifications.NewLogNotifier(), notifications.ProtectedNotifierConfig{
		Timeout:          2 * time.Second,
		FailureThreshold: 3,
		Cooldown:         15 * time.Second,
		HalfOpenMaxCalls: 1,
	})

	router := bus.NewRouter()
	registrationHandler := &bushandlers.RegistrationConfirmation{
		Notifier:   protectedNotifier,
		Deliveries: deliveries,
	}
	router.On(bushandlers.TypeRegistrationConfirmation, false, registrationHandler.Handle)
	router.Freeze()

	busCfg := cfg.BusConfig()

	schemaCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = store.EnsureSchema(schemaCtx, busCfg.Schema)
	cancel()
	if err != nil {
		slog.Default().ErrorContext(ctx, "busworker.ensure_schema_failed", "err", err)
		os.Exit(1)
	}

	supervisor := bus.NewSupervisor(busCfg, store, router, pool, reg)

	if err := supervisor.Start(ctx); err != nil {
		slog.Default().ErrorContext(ctx, "busworker.start_failed", "err", err)
		os.Exit(1)
	}

	healthAddr := os.Getenv("BUSWORKER_HEALTH_ADDR")
	if healthAddr == "" {
		healthAddr = ":8082"
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	})
	healthSrv := &http.Server{Addr: healthAddr, Handler: mux}
	go func() {
		if err := healthSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Default().ErrorContext(ctx, "busworker.health_server_failed", "err", err)
		}
	}()

	slog.Default().InfoContext(ctx, "busworker.started", "health_addr", healthAddr, "workers", busCfg.NWorkers)

	<-ctx.Done()
	slog.Default().InfoContext(context.Background(), "busworker.shutdown_signal_received")

	if err := supervisor.Stop(true, 10*time.Second); err != nil {
		slog.Default().WarnContext(context.Background(), "busworker.shutdown_timeout", "err", err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	_ = healthSrv.Shutdown(shutdownCtx)
	cancel()

	slog.Default().InfoContext(context.Background(), "busworker.shutdown_complete")
}
