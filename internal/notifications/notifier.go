// Package notifications holds the outbound user-facing notification
// providers the bus handlers call, plus the circuit breaker that keeps
// a failing provider from stalling the worker pool.
package notifications

import "context"

type SendRegistrationConfirmationInput struct {
	Email          string
	Name           string
	EventID        string
	RegistrationID string
}

// Notifier is the provider interface. Implementations must honor ctx
// cancellation; the circuit breaker wraps every call in a timeout.
type Notifier interface {
	SendRegistrationConfirmation(ctx context.Context, input SendRegistrationConfirmationInput) error
}
