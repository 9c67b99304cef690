package common

import (
	"errors"
	"testing"
)

func TestGuardHonoursPauses(t *testing.T) {
	pauses := NewPauses()
	if err := Guard(pauses, "vault"); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	pauses.SetPaused(" Vault ", true)
	if err := Guard(pauses, "vault"); !errors.Is(err, ErrModulePaused) {
		t.Fatalf("expected ErrModulePaused, got %v", err)
	}
	pauses.SetPaused("vault", false)
	if err := Guard(pauses, "vault"); err != nil {
		t.Fatalf("expected resume, got %v", err)
	}
}

func TestGuardNilView(t *testing.T) {
	var pauses *Pauses
	if err := Guard(pauses, "vault"); err != nil {
		t.Fatalf("nil pauses should never block: %v", err)
	}
	if err := Guard(nil, "vault"); err != nil {
		t.Fatalf("nil view should never block: %v", err)
	}
}
