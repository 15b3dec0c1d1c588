// Package notificationsdelivery is the send-once gate behind outbound
// user-facing notifications: one row per (kind, recipient-scoped id)
// tracks whether a notification has already been sent, is in flight, or
// previously failed, so an at-least-once dispatcher never double-sends.
package notificationsdelivery

import "errors"

// ErrAlreadySent is returned by TryStartRegistration when a delivery for this kind
// and target has already completed; the caller should treat this as a
// successful no-op.
var ErrAlreadySent = errors.New("notification already sent")

// ErrInProgress is returned by TryStartRegistration when another attempt currently
// holds the send-once gate; the caller should retry later rather than
// send concurrently.
var ErrInProgress = errors.New("notification delivery already in progress")

// Status is the lifecycle of one delivery row.
type Status string

const (
	StatusSending Status = "sending"
	StatusSent    Status = "sent"
	StatusFailed  Status = "failed"
)
