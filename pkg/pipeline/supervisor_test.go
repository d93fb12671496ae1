package pipeline

import (
	"testing"

	"github.com/google/uuid"
)

func TestResolveSessionIDMintsWhenAbsent(t *testing.T) {
	id, err := ResolveSessionID("")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if _, err := uuid.Parse(id); err != nil {
		t.Fatalf("expected a valid uuid, got %q", id)
	}
}

func TestResolveSessionIDValidatesSupplied(t *testing.T) {
	valid := uuid.NewString()
	id, err := ResolveSessionID(valid)
	if err != nil || id != valid {
		t.Fatalf("expected supplied id to round-trip, got %q, err %v", id, err)
	}

	if _, err := ResolveSessionID("not-a-uuid"); err != ErrInvalidSessionID {
		t.Fatalf("expected ErrInvalidSessionID, got %v", err)
	}
}
