package utils

import "github.com/google/uuid"

// IsUUID reports whether s parses as a UUID; path params are validated
// with it before hitting the database.
func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
