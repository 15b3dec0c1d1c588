package config

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/geocoder89/pgebus/internal/bus"
)

type Config struct {
	Env  string
	Port int

	DBURL  string
	Schema string // Postgres schema the events table lives in

	AdminEmail    string
	AdminPassword string
	AdminName     string
	AdminRole     string

	RedisAddr     string
	RedisPassword string
	RedisDB       int

	JWTSecret           string
	JWTAccessTTLMinutes int
	JWTRefreshTTLDays   int

	// EventSystem holds the dispatcher tuning knobs.
	EventSystem EventSystemConfig
}

// EventSystemConfig holds one field per EVENT_SYSTEM_* env var, same
// shape as the rest of this package's flat env-var loading.
type EventSystemConfig struct {
	Channel                     string
	NWorkers                    int
	PollIntervalSeconds         float64
	StaleAfterSeconds           int
	BackoffBaseSeconds          int
	BackoffCapSeconds           int
	MaxAttempts                 int
	DisableStaleRecovery        bool
	ListenerReconnectMinSeconds int
	ListenerReconnectMaxSeconds int
}

func Load() Config {
	env := getEnv("APP_ENV", "dev")
	port := getEnvInt("PORT", 8080)
	dbURL := buildDBURL()

	return Config{
		Env:    env,
		Port:   port,
		DBURL:  dbURL,
		Schema: getEnv("DB_SCHEMA", "pgebus"),

		AdminEmail:    getEnv("ADMIN_EMAIL", ""),
		AdminPassword: getEnv("ADMIN_PASSWORD", ""),
		AdminName:     getEnv("ADMIN_NAME", "Admin"),
		AdminRole:     getEnv("ADMIN_ROLE", "admin"),

		RedisAddr:     getEnv("REDIS_ADDR", "127.0.0.1:6379"),
		RedisPassword: getEnv("REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("REDIS_DB", 0),

		JWTSecret:           getEnv("JWT_SECRET", "dev-secret-change-me"),
		JWTAccessTTLMinutes: getEnvInt("JWT_ACCESS_TTL_MINUTES", 60),
		JWTRefreshTTLDays:   getEnvInt("JWT_REFRESH_TTL_DAYS", 30),

		EventSystem: EventSystemConfig{
			Channel:                     getEnv("EVENT_SYSTEM_CHANNEL", "events"),
			NWorkers:                    getEnvInt("EVENT_SYSTEM_N_WORKERS", 5),
			PollIntervalSeconds:         getEnvFloat("EVENT_SYSTEM_POLL_INTERVAL_SECONDS", 1.0),
			StaleAfterSeconds:           getEnvInt("EVENT_SYSTEM_STALE_AFTER_SECONDS", 300),
			BackoffBaseSeconds:          getEnvInt("EVENT_SYSTEM_BACKOFF_BASE_SECONDS", 2),
			BackoffCapSeconds:           getEnvInt("EVENT_SYSTEM_BACKOFF_CAP_SECONDS", 300),
			MaxAttempts:                 getEnvInt("EVENT_SYSTEM_MAX_ATTEMPTS", 5),
			DisableStaleRecovery:        getEnvBool("EVENT_SYSTEM_DISABLE_STALE_RECOVERY", false),
			ListenerReconnectMinSeconds: getEnvInt("EVENT_SYSTEM_LISTENER_RECONNECT_MIN_SECONDS", 1),
			ListenerReconnectMaxSeconds: getEnvInt("EVENT_SYSTEM_LISTENER_RECONNECT_MAX_SECONDS", 30),
		},
	}
}

// BusConfig translates the flat env-var EventSystemConfig into the
// bus.Config the Supervisor consumes, applying bus.Config.WithDefaults
// over anything left unset.
func (c Config) BusConfig() bus.Config {
	es := c.EventSystem
	return bus.Config{
		Schema:                      c.Schema,
		Channel:                     es.Channel,
		NWorkers:                    es.NWorkers,
		PollInterval:                time.Duration(es.PollIntervalSeconds * float64(time.Second)),
		StaleAfter:                  time.Duration(es.StaleAfterSeconds) * time.Second,
		DisableStaleRecovery:        es.DisableStaleRecovery,
		BackoffBase:                 time.Duration(es.BackoffBaseSeconds) * time.Second,
		BackoffCap:                  time.Duration(es.BackoffCapSeconds) * time.Second,
		ListenerReconnectMinBackoff: time.Duration(es.ListenerReconnectMinSeconds) * time.Second,
		ListenerReconnectMaxBackoff: time.Duration(es.ListenerReconnectMaxSeconds) * time.Second,
	}.WithDefaults()
}

func buildDBURL() string {
	host := getEnv("DB_HOST", "127.0.0.1")
	port := getEnv("DB_PORT", "5432")
	user := getEnv("DB_USER", "pgebus")
	pass := getEnv("DB_PASSWORD", "pgebus")
	name := getEnv("DB_NAME", "pgebus")
	ssl := getEnv("DB_SSLMODE", "disable")
	appName := getEnv("DB_APPLICATION_NAME", "pgebus")

	return "postgres://" + user + ":" + pass + "@" + host + ":" + port + "/" + name +
		"?sslmode=" + ssl + "&application_name=" + appName
}

func WithTimeout(duration time.Duration) (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), duration)
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}

	return fallback
}
func getEnvInt(key string, fallback int) int {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.Atoi(v)

		if err != nil {
			fmt.Println(err)
			return fallback
		}

		return num
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if v := os.Getenv(key); v != "" {
		num, err := strconv.ParseFloat(v, 64)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return num
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	if v := os.Getenv(key); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			fmt.Println(err)
			return fallback
		}
		return b
	}
	return fallback
}
