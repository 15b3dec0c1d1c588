// Command api serves the operator-facing HTTP surface: health checks,
// auth, and the admin API over the event bus. Dispatching itself runs
// in cmd/busworker; this process only reads and requeues rows.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/geocoder89/pgebus/internal/config"
	"github.com/geocoder89/pgebus/internal/db"
	httpx "github.com/geocoder89/pgebus/internal/http"
	"github.com/geocoder89/pgebus/internal/observability"
	"github.com/joho/godotenv"
)

func main() {
	_ = godotenv.Load()
	cfg := config.Load()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	log := observability.NewLogger(cfg.Env)

	otlpEndpoint := os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT")
	if otlpEndpoint == "" {
		otlpEndpoint = "localhost:4317"
	}
	shutdownTracer, err := observability.InitTracer(context.Background(), "pgebus-api", otlpEndpoint)
	if err != nil {
		log.Error("otel init failed", "err", err)
		os.Exit(1)
	}
	defer func() { _ = shutdownTracer(context.Background()) }()

	// Re-wrap the logger so every line carries trace/span ids once a
	// request span is active.
	log = slog.New(observability.NewTraceHandler(log.Handler()))
	slog.SetDefault(log)

	pool, err := db.NewPool(cfg.DBURL)
	if err != nil {
		log.Error("db connection failed", "err", err)
		os.Exit(1)
	}
	defer pool.Close()

	seedCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	err = db.EnsureAdminUser(seedCtx, pool, cfg)
	cancel()
	if err != nil {
		log.Error("failed to seed admin user", "err", err)
		os.Exit(1)
	}

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Port),
		Handler:           httpx.NewRouter(log, pool, cfg),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      15 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("server starting", "addr", srv.Addr, "env", cfg.Env)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("server failed", "err", err)
			os.Exit(1)
		}
	}()

	<-ctx.Done()
	log.Info("shutdown signal received")

	shutdownCtx, cancelShutdown := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancelShutdown()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.Error("server graceful shutdown failed", "err", err)
		_ = srv.Close() // last resort
		return
	}
	log.Info("server stopped gracefully")
}
