package observability

import (
	"log/slog"
	"os"
)

// NewLogger returns the process-wide JSON logger. Dev gets debug level;
// everything else logs at info.
func NewLogger(env string) *slog.Logger {
	level := slog.LevelInfo
	if env == "dev" {
		level = slog.LevelDebug
	}

	return slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
}
