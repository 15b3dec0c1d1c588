package bus

import "time"

// Config enumerates the event_system.* options. Database
// connection/session-factory options remain the operator's concern
// (internal/config, internal/db) and are not duplicated here; the
// Supervisor is handed an already-connected *pgxpool.Pool.
type Config struct {
	// Schema is the Postgres schema the events table lives in.
	Schema string

	// Channel is the LISTEN/NOTIFY push channel name.
	Channel string

	// NWorkers is the worker pool size.
	NWorkers int

	// PollInterval is the fallback poll cadence.
	PollInterval time.Duration

	// StaleAfter is the stale-lock recovery threshold.
	StaleAfter time.Duration

	// DisableStaleRecovery turns off the periodic stale-lock sweep, for
	// deployments that handle stuck locks by operator intervention only.
	DisableStaleRecovery bool

	// BackoffBase and BackoffCap bound the retry backoff curve. The
	// retry budget itself (max_attempts) is a per-row column, defaulted
	// at insert time by the event store.
	BackoffBase time.Duration
	BackoffCap  time.Duration

	// ListenerReconnectMinBackoff/MaxBackoff bound the listener's
	// reconnect backoff after a dropped connection.
	ListenerReconnectMinBackoff time.Duration
	ListenerReconnectMaxBackoff time.Duration
}

// WithDefaults returns a copy of cfg with every zero-valued field set to
// its default.
func (cfg Config) WithDefaults() Config {
	if cfg.Schema == "" {
		cfg.Schema = "pgebus"
	}
	if cfg.Channel == "" {
		cfg.Channel = "events"
	}
	if cfg.NWorkers <= 0 {
		cfg.NWorkers = 5
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = 5 * time.Minute
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 2 * time.Second
	}
	if cfg.BackoffCap <= 0 {
		cfg.BackoffCap = 300 * time.Second
	}
	if cfg.ListenerReconnectMinBackoff <= 0 {
		cfg.ListenerReconnectMinBackoff = time.Second
	}
	if cfg.ListenerReconnectMaxBackoff <= 0 {
		cfg.ListenerReconnectMaxBackoff = 30 * time.Second
	}
	return cfg
}
