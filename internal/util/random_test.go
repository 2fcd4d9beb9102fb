package util

import (
	"testing"

	"github.com/google/uuid"
)

func TestNewUUID(t *testing.T) {
	id := NewUUID()
	parsed, err := uuid.Parse(id)
	if err != nil {
		t.Fatalf("NewUUID() = %q is not a UUID: %v", id, err)
	}
	if parsed.Version() != 4 {
		t.Errorf("NewUUID() version = %d, want 4", parsed.Version())
	}
}

func TestNewUUIDUniqueness(t *testing.T) {
	const iterations = 1000
	seen := make(map[string]bool, iterations)
	for i := 0; i < iterations; i++ {
		id := NewUUID()
		if seen[id] {
			t.Fatalf("NewUUID() generated duplicate: %v", id)
		}
		seen[id] = true
	}
}
