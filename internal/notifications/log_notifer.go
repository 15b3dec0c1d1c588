package notifications

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"
)

// LogNotifier is the dev/test provider: it logs instead of sending.
// NOTIFIER_SLEEP_MS and NOTIFIER_FAIL simulate a slow or down provider
// for exercising the circuit breaker locally.
type LogNotifier struct{}

func NewLogNotifier() *LogNotifier { return &LogNotifier{} }

func (n *LogNotifier) SendRegistrationConfirmation(ctx context.Context, in SendRegistrationConfirmationInput) error {
	if msStr := os.Getenv("NOTIFIER_SLEEP_MS"); msStr != "" {
		if ms, _ := strconv.Atoi(msStr); ms > 0 {
			select {
			case <-time.After(time.Duration(ms) * time.Millisecond):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	if os.Getenv("NOTIFIER_FAIL") == "1" {
		return fmt.Errorf("provider down (simulated)")
	}

	slog.Default().InfoContext(ctx, "notification.registration_confirmation",
		"email", in.Email,
		"name", in.Name,
		"event_id", in.EventID,
		"registration_id", in.RegistrationID,
	)
	return nil
}
