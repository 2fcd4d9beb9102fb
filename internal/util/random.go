package util

import "github.com/google/uuid"

// NewUUID returns a random (v4) UUID string, the ID format used by the portal schema.
func NewUUID() string {
	return uuid.NewString()
}
