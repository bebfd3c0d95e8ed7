package uuid

import (
	gid "github.com/google/uuid"
)

// New generates a new UUID v7
func New() string {
	id, err := gid.NewV7()
	if err != nil {
		panic("failed to generate uuid v7")
	}
	return id.String()
}

// NewRandom generates a new random UUID v4, used for names that must not be
// guessable from the build start time
func NewRandom() string {
	return gid.NewString()
}

// Valid reports whether s parses as a UUID
func Valid(s string) bool {
	return gid.Validate(s) == nil
}
