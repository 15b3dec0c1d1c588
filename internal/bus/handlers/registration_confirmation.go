// Package bushandlers holds concrete bus.HandlerFunc implementations
// registered against the dispatcher's router, as opposed to the
// dispatcher mechanics themselves (internal/bus).
package bushandlers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/geocoder89/pgebus/internal/bus"
	notificationsdelivery "github.com/geocoder89/pgebus/internal/domain/notifications_delivery"
	"github.com/geocoder89/pgebus/internal/notifications"
	"github.com/geocoder89/pgebus/internal/repo/postgres"
)

// TypeRegistrationConfirmation is the event type this handler is
// registered against on the dispatcher's router.
const TypeRegistrationConfirmation = "registration.confirmation"

// RegistrationConfirmationPayload is the JSON body producers publish for
// TypeRegistrationConfirmation events.
type RegistrationConfirmationPayload struct {
	RegistrationID string    `json:"registrationId"`
	EventID        string    `json:"eventId"`
	Email          string    `json:"email"`
	Name           string    `json:"name"`
	RequestedAt    time.Time `json:"requestedAt"`
}

// JSON marshals the payload for a bus.Publish call.
func (p RegistrationConfirmationPayload) JSON() (json.RawMessage, error) {
	b, err := json.Marshal(p)
	if err != nil {
		return nil, err
	}
	return json.RawMessage(b), nil
}

// RegistrationConfirmation sends a confirmation notification for a
// registration event, with a send-once gate through
// NotificationsDeliveriesRepo and a circuit-breaker protected notifier.
// The gate is keyed by registration id; the dispatcher's event id is
// recorded on the delivery row.
type RegistrationConfirmation struct {
	Notifier   notifications.Notifier
	Deliveries *postgres.NotificationsDeliveriesRepo
}

// Handle is a bus.HandlerFunc. It is idempotent: a retried dispatch
// (whether from a crash mid-send or an explicit handler failure) always
// re-checks the send-once gate before issuing another notification.
func (h *RegistrationConfirmation) Handle(ctx context.Context, ectx bus.EventContext, payload json.RawMessage) error {
	var p RegistrationConfirmationPayload
	if err := json.Unmarshal(payload, &p); err != nil {
		return fmt.Errorf("invalid payload: %w", err)
	}

	if h.Notifier == nil || h.Deliveries == nil {
		return fmt.Errorf("registration confirmation handler misconfigured")
	}

	err := h.Deliveries.TryStartRegistration(ctx, ectx.EventID, p.RegistrationID, p.Email)
	if err != nil {
		if errors.Is(err, notificationsdelivery.ErrAlreadySent) {
			return nil
		}
		if errors.Is(err, notificationsdelivery.ErrInProgress) {
			return fmt.Errorf("confirmation send in progress")
		}
		return err
	}

	sendErr := h.Notifier.SendRegistrationConfirmation(ctx, notifications.SendRegistrationConfirmationInput{
		Email:          p.Email,
		Name:           p.Name,
		EventID:        p.EventID,
		RegistrationID: p.RegistrationID,
	})
	if sendErr != nil {
		if markErr := h.Deliveries.MarkRegistrationConfirmationFailed(ctx, p.RegistrationID, sendErr.Error()); markErr != nil {
			slog.Default().ErrorContext(ctx, "bus.registration_confirmation.mark_failed_failed",
				"registration_id", p.RegistrationID, "err", markErr)
		}
		if errors.Is(sendErr, notifications.ErrCircuitOpen) {
			return fmt.Errorf("notifier fail-fast: %w", sendErr)
		}
		return sendErr
	}

	if err := h.Deliveries.MarkRegistrationConfirmationSent(ctx, p.RegistrationID, nil); err != nil {
		slog.Default().ErrorContext(ctx, "bus.registration_confirmation.mark_sent_failed",
			"registration_id", p.RegistrationID, "err", err)
	}
	return nil
}
