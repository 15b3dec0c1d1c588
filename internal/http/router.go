// Package http wires the operator-facing surface for the dispatcher: a
// health/readiness check and a JWT-guarded admin API for inspecting and
// retrying bus events.
package http

import (
	"context"
	"log/slog"
	"os"
	"time"

	"github.com/geocoder89/pgebus/internal/auth"
	"github.com/geocoder89/pgebus/internal/bus"
	"github.com/geocoder89/pgebus/internal/config"
	"github.com/geocoder89/pgebus/internal/http/handlers"
	"github.com/geocoder89/pgebus/internal/http/middlewares"
	"github.com/geocoder89/pgebus/internal/observability"
	"github.com/geocoder89/pgebus/internal/queue/redisclient"
	"github.com/geocoder89/pgebus/internal/repo/postgres"
	"github.com/gin-gonic/gin"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
)

func NewRouter(log *slog.Logger, pool *pgxpool.Pool, cfg config.Config) *gin.Engine {
	cfgEnv := os.Getenv("APP_ENV")

	if cfgEnv != "dev" {
		gin.SetMode(gin.ReleaseMode)
	}

	redis := redisclient.New(redisclient.Config{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	r := gin.New()

	reg := prometheus.NewRegistry()
	prom := observability.NewProm(reg)

	// middleware

	r.Use(gin.Recovery())
	r.Use(otelgin.Middleware("pgebus-api"))
	r.Use(middlewares.RequestID())
	r.Use(middlewares.RequestLogger(log))
	r.Use(prom.GinHandleMiddleware())
	r.Use(middlewares.CORSMiddleware([]string{
		"http://localhost:3000",
	}))
	r.Use(middlewares.SecurityHeaders())
	r.Use(middlewares.MaxBodyBytes(1 << 20)) //1MB max body
	r.Use(middlewares.RequireJSON())         // Require JSON content type for post and put requests.

	readyCheck := func() error {
		// postgres ping
		if pool != nil {

			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()
			err := pool.Ping(ctx)

			if err != nil {
				return err
			}
		}

		// Redis ping

		{
			ctx, cancel := context.WithTimeout(context.Background(), 1*time.Second)
			defer cancel()

			err := redis.Ping(ctx)

			if err != nil {
				return err
			}
		}

		return nil
	}

	// health
	h := handlers.NewHealthHandler(readyCheck)

	// wire up repositories
	usersRepo := postgres.NewUsersRepo(pool, prom)
	refreshTokensRepo := postgres.NewRefreshTokensRepo(pool)
	busNotifier := bus.NewNotifier(cfg.EventSystem.Channel)
	busEventsRepo := postgres.NewBusEventsRepo(pool, prom, cfg.Schema, busNotifier).
		WithDefaultMaxAttempts(cfg.EventSystem.MaxAttempts)

	// JWT Manager
	jwtManager := auth.NewManager(
		cfg.JWTSecret,
		time.Duration(cfg.JWTAccessTTLMinutes)*time.Minute, // 60mins
		time.Duration(cfg.JWTRefreshTTLDays)*24*time.Hour,
	)
	// Wire up handlers
	adminBusEventsHandler := handlers.NewAdminBusEventsHandler(busEventsRepo)
	authHandler := handlers.NewAuthHandler(usersRepo, usersRepo, jwtManager, refreshTokensRepo, cfg)
	authMiddleware := middlewares.NewAuthMiddleware(jwtManager)

	// rate limiter middleware

	loginLimiter := middlewares.NewRateLimiter(5, 1*time.Minute)
	signupLimiter := middlewares.NewRateLimiter(3, 1*time.Minute)
	refreshLimiter := middlewares.NewRateLimiter(10, 1*time.Minute)

	// public routes
	r.GET("/healthz", h.Healthz)
	r.GET("/readyz", h.Readyz)
	r.GET("/metrics", gin.WrapH(promhttp.HandlerFor(reg, promhttp.HandlerOpts{})))

	r.POST("/signup", signupLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.SignUp)
	r.POST("/login", loginLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.Login)
	r.POST("/auth/refresh", refreshLimiter.RateLimiterMiddleware(middlewares.KeyByIP), authHandler.Refresh)
	r.POST("/auth/logout", authHandler.Logout)

	// authenticated routes only authenticated users, can access this route.

	authed := r.Group("/")

	authed.Use(authMiddleware.RequireAuth())

	// admin authorized route set up: operator intervention on the
	// dispatcher's events table (inspect, retry dead rows).

	admin := authed.Group("/")
	admin.Use(authMiddleware.RequireRole("admin"))

	{
		admin.GET("/admin/bus-events", adminBusEventsHandler.List)
		admin.GET("/admin/bus-events/:id", adminBusEventsHandler.GetByID)
		admin.POST("/admin/bus-events/:id/retry", adminBusEventsHandler.Retry)
		admin.POST("/admin/bus-events/reprocess-dead", adminBusEventsHandler.ReprocessDead)
	}

	return r
}
