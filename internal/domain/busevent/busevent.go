// Package busevent is the durable row shape behind the event-bus dispatcher:
// one row per unit of work, claimed exactly once by a worker and driven
// through the state machine described in internal/bus.
package busevent

import (
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending Status = "pending"
	StatusRunning Status = "running"
	StatusDone    Status = "done"
	// StatusFailed is reserved for operator-driven manual flagging; the
	// dispatcher itself never assigns it. An exhausted retry budget
	// always lands on StatusDead instead.
	StatusFailed Status = "failed"
	StatusDead   Status = "dead"
)

var ErrNotFound = errors.New("event not found")

// Event is one row of the events table.
type Event struct {
	ID             string          `json:"id"`
	Type           string          `json:"type"`
	Payload        json.RawMessage `json:"payload"`
	Status         Status          `json:"status"`
	RunAt          time.Time       `json:"runAt"`
	Attempts       int             `json:"attempts"`
	MaxAttempts    int             `json:"maxAttempts"`
	LastError      *string         `json:"lastError,omitempty"`
	CreatedAt      time.Time       `json:"createdAt"`
	UpdatedAt      time.Time       `json:"updatedAt"`
	LockedAt       *time.Time      `json:"lockedAt,omitempty"`
	LockedBy       *string         `json:"lockedBy,omitempty"`
}

const DefaultMaxAttempts = 5

// CreateRequest is the producer's insert-pending request.
type CreateRequest struct {
	Type        string
	Payload     json.RawMessage
	RunAt       time.Time
	MaxAttempts int
}

// New builds a pending Event from a CreateRequest, applying defaults.
// It does not validate Type; callers that enforce InvalidInput (the
// producer helper in internal/bus) must reject an empty type first.
func New(req CreateRequest) Event {
	now := time.Now().UTC()

	maxAttempts := req.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = DefaultMaxAttempts
	}

	runAt := req.RunAt
	if runAt.IsZero() {
		runAt = now
	}

	return Event{
		ID:          uuid.NewString(),
		Type:        req.Type,
		Payload:     req.Payload,
		Status:      StatusPending,
		RunAt:       runAt,
		Attempts:    0,
		MaxAttempts: maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}
