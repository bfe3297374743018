// Package uuid generates identifiers for board items and queued operations.
package uuid

import (
	"fmt"
	"regexp"

	"github.com/google/uuid"
)

// Matches both v4 (random) and v7 (time-ordered) identifiers with RFC 4122 variant bits.
var idRegex = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[47][0-9a-fA-F]{3}-[89abAB][0-9a-fA-F]{3}-[0-9a-fA-F]{12}$`)

// New generates a random UUID v4, used for image record ids.
func New() string {
	return uuid.New().String()
}

// NewOrdered generates a UUID v7 whose prefix sorts by creation time.
// Queued operation ids use it so that raw id order roughly follows enqueue order.
func NewOrdered() string {
	id, err := uuid.NewV7()
	if err != nil {
		// NewV7 only fails when the random source fails; fall back to v4.
		return uuid.New().String()
	}
	return id.String()
}

// Parse parses s and checks it is a v4 or v7 UUID.
func Parse(s string) (uuid.UUID, error) {
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("invalid UUID: %w", err)
	}
	if v := id.Version(); v != 4 && v != 7 {
		return uuid.Nil, fmt.Errorf("expected UUID v4 or v7, got v%d", v)
	}
	return id, nil
}

// IsValid checks if a string is a dashed v4 or v7 UUID.
func IsValid(s string) bool {
	return idRegex.MatchString(s)
}

// Validate returns an error if the string is not a valid id.
func Validate(s string) error {
	if !IsValid(s) {
		return fmt.Errorf("invalid id format: %q", s)
	}
	return nil
}
