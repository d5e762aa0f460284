package faults

import (
	"errors"
	"fmt"
	"testing"
)

func TestKindSurvivesWrapping(t *testing.T) {
	inner := New(KindTransient, "daemon busy")
	wrapped := fmt.Errorf("create container: %w", inner)
	doubly := fmt.Errorf("start session: %w", wrapped)

	if KindOf(doubly) != KindTransient {
		t.Errorf("expected transient kind after wrapping, got %s", KindOf(doubly))
	}
	if !errors.Is(doubly, Transient) {
		t.Error("errors.Is should match the transient sentinel")
	}
	if errors.Is(doubly, Conflict) {
		t.Error("errors.Is must not match a different kind")
	}
}

func TestProtocolfCarriesRawOutput(t *testing.T) {
	raw := "unexpected banner: please insert coin"
	err := Protocolf(raw, "unrecognized login output")

	wrapped := fmt.Errorf("advance state: %w", err)
	if RawOutput(wrapped) != raw {
		t.Errorf("raw output lost through wrapping: %q", RawOutput(wrapped))
	}
	if KindOf(wrapped) != KindProtocol {
		t.Errorf("expected protocol kind, got %s", KindOf(wrapped))
	}
}

func TestKindOfUnclassified(t *testing.T) {
	if KindOf(errors.New("plain")) != KindUnknown {
		t.Error("plain errors should report unknown kind")
	}
	if KindOf(nil) != KindUnknown {
		t.Error("nil should report unknown kind")
	}
}

func TestErrorMessageFormat(t *testing.T) {
	err := Wrap(KindPermanent, errors.New("no such image"), "pull runtime image")
	want := "pull runtime image: no such image"
	if err.Error() != want {
		t.Errorf("got %q, want %q", err.Error(), want)
	}
}
