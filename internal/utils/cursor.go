package utils

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"time"
)

// BusEventCursor is the opaque pagination cursor for
// BusEventsRepo.ListCursor, keyed on (updatedAt, id) to match the
// query's ORDER BY so keyset pagination stays stable under concurrent
// updates.
type BusEventCursor struct {
	UpdatedAt time.Time `json:"updatedAt"`
	ID        string    `json:"id"`
}

func EncodeBusEventCursor(updatedAt time.Time, id string) (string, error) {
	b, err := json.Marshal(BusEventCursor{UpdatedAt: updatedAt, ID: id})
	if err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(b), nil
}

func DecodeBusEventCursor(cursor string) (BusEventCursor, error) {
	if cursor == "" {
		return BusEventCursor{}, errors.New("empty cursor")
	}
	raw, err := base64.RawURLEncoding.DecodeString(cursor)
	if err != nil {
		return BusEventCursor{}, err
	}
	var c BusEventCursor
	if err := json.Unmarshal(raw, &c); err != nil {
		return BusEventCursor{}, err
	}
	if c.ID == "" || c.UpdatedAt.IsZero() {
		return BusEventCursor{}, errors.New("invalid cursor payload")
	}
	return c, nil
}
