package postgres

import (
	"context"
	"errors"
	"time"

	notificationsdelivery "github.com/geocoder89/pgebus/internal/domain/notifications_delivery"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const registrationConfirmationKind = "registration.confirmation"

// NotificationsDeliveriesRepo is the send-once gate behind outbound
// notifications. One row per (kind, registration_id); the unique
// constraint on that pair is what makes the gate atomic under
// concurrent dispatches.
type NotificationsDeliveriesRepo struct {
	pool *pgxpool.Pool
}

func NewNotificationsDeliveriesRepo(pool *pgxpool.Pool) *NotificationsDeliveriesRepo {
	return &NotificationsDeliveriesRepo{pool: pool}
}

func IsUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

// TryStartRegistration claims the right to send one registration
// confirmation. eventID records which bus event performed the send.
// Returns nil when the caller may send, ErrAlreadySent when a previous
// attempt completed, ErrInProgress when another dispatch currently
// holds the gate.
func (r *NotificationsDeliveriesRepo) TryStartRegistration(
	ctx context.Context,
	eventID string,
	registrationID string,
	recipient string,
) error {
	// Fresh registration: insert wins the gate outright.
	_, err := r.pool.Exec(ctx, `
		INSERT INTO notification_deliveries (kind, registration_id, event_id, recipient, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'sending', NOW(), NOW())
	`, registrationConfirmationKind, registrationID, eventID, recipient)
	if err == nil {
		return nil
	}
	if !IsUniqueViolation(err) {
		return err
	}

	// Row exists. A failed delivery can be re-claimed; the conditional
	// UPDATE means only one worker flips failed -> sending.
	tag, err := r.pool.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = 'sending',
		    event_id = $3,
		    recipient = $4,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE kind = $1 AND registration_id = $2 AND status = 'failed'
	`, registrationConfirmationKind, registrationID, eventID, recipient)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	// Not failed: either already sent or another dispatch is sending.
	var status string
	var sentAt *time.Time
	err = r.pool.QueryRow(ctx, `
		SELECT status, sent_at
		FROM notification_deliveries
		WHERE kind = $1 AND registration_id = $2
	`, registrationConfirmationKind, registrationID).Scan(&status, &sentAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil // row disappeared; let caller retry
		}
		return err
	}

	if sentAt != nil || status == "sent" {
		return notificationsdelivery.ErrAlreadySent
	}
	return notificationsdelivery.ErrInProgress
}

func (r *NotificationsDeliveriesRepo) MarkRegistrationConfirmationSent(
	ctx context.Context,
	registrationID string,
	providerMessageID *string,
) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = 'sent',
		    sent_at = NOW(),
		    provider_message_id = $3,
		    last_error = NULL,
		    updated_at = NOW()
		WHERE kind = $1 AND registration_id = $2
	`, registrationConfirmationKind, registrationID, providerMessageID)
	return err
}

func (r *NotificationsDeliveriesRepo) MarkRegistrationConfirmationFailed(
	ctx context.Context,
	registrationID string,
	errMsg string,
) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE notification_deliveries
		SET status = 'failed',
		    last_error = $3,
		    updated_at = NOW()
		WHERE kind = $1 AND registration_id = $2
	`, registrationConfirmationKind, registrationID, errMsg)
	return err
}
