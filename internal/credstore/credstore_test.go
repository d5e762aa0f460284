package credstore

import (
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/gluk-w/sessiond/internal/faults"
)

func TestPutGetRoundTrip(t *testing.T) {
	dir := t.TempDir()
	s := New(dir, Noop{})

	cred := Credential{
		AccessToken:  "tok-123",
		RefreshToken: "ref-456",
		ExpiresAt:    time.Now().Add(time.Hour).UnixMilli(),
		Scopes:       []string{"user:inference", "user:profile"},
		Subject:      "someone@example.com",
	}
	if err := s.Put("42", "assistant", cred); err != nil {
		t.Fatalf("put: %v", err)
	}

	got, err := s.Get("42", "assistant")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got.AccessToken != cred.AccessToken || got.RefreshToken != cred.RefreshToken ||
		got.ExpiresAt != cred.ExpiresAt || got.Subject != cred.Subject {
		t.Errorf("round trip mismatch: %+v", got)
	}

	// Survives a simulated restart: a fresh store over the same directory.
	s2 := New(dir, Noop{})
	got2, err := s2.Get("42", "assistant")
	if err != nil {
		t.Fatalf("get after restart: %v", err)
	}
	if got2.AccessToken != cred.AccessToken {
		t.Error("credential did not survive restart")
	}
}

func TestGetMissingReturnsNotFound(t *testing.T) {
	s := New(t.TempDir(), Noop{})
	_, err := s.Get("42", "assistant")
	if !errors.Is(err, faults.NotFound) {
		t.Errorf("expected not-found kind, got %v", err)
	}
}

func TestDeleteIsIdempotent(t *testing.T) {
	s := New(t.TempDir(), Noop{})
	if err := s.Put("42", "github", Credential{AccessToken: "x"}); err != nil {
		t.Fatal(err)
	}
	if err := s.Delete("42", "github"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if err := s.Delete("42", "github"); err != nil {
		t.Errorf("second delete should succeed: %v", err)
	}
}

func TestListPerTenant(t *testing.T) {
	s := New(t.TempDir(), Noop{})
	s.Put("42", "assistant", Credential{AccessToken: "a"})
	s.Put("42", "github", Credential{AccessToken: "b"})
	s.Put("7", "github", Credential{AccessToken: "c"})

	providers, err := s.List("42")
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(providers) != 2 || providers[0] != "assistant" || providers[1] != "github" {
		t.Errorf("unexpected providers: %v", providers)
	}

	empty, err := s.List("999")
	if err != nil || len(empty) != 0 {
		t.Errorf("unknown tenant should list nothing: %v %v", empty, err)
	}
}

func TestRejectsPathTraversalKeys(t *testing.T) {
	s := New(t.TempDir(), Noop{})
	if err := s.Put("../evil", "assistant", Credential{}); err == nil {
		t.Error("tenant id with path separator must be rejected")
	}
	if _, err := s.Get("42", "../../etc/passwd"); err == nil {
		t.Error("provider with path separator must be rejected")
	}
}

func TestConcurrentWritesLastWins(t *testing.T) {
	s := New(t.TempDir(), Noop{})

	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.Put("42", "assistant", Credential{AccessToken: "tok"})
		}()
	}
	wg.Wait()

	got, err := s.Get("42", "assistant")
	if err != nil {
		t.Fatalf("get after concurrent puts: %v", err)
	}
	if got.AccessToken != "tok" {
		t.Errorf("file corrupted by concurrent writes: %+v", got)
	}
}

func TestExpired(t *testing.T) {
	if (Credential{}).Expired() {
		t.Error("zero expiry never expires")
	}
	if (Credential{ExpiresAt: time.Now().Add(time.Hour).UnixMilli()}).Expired() {
		t.Error("future expiry should not be expired")
	}
	if !(Credential{ExpiresAt: time.Now().Add(-time.Minute).UnixMilli()}).Expired() {
		t.Error("past expiry should be expired")
	}
}
