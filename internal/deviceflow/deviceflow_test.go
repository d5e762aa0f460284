package deviceflow

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gluk-w/sessiond/internal/config"
	"github.com/gluk-w/sessiond/internal/faults"
)

func testProvider(deviceURL, tokenURL string, pkce bool) config.Provider {
	return config.Provider{
		Name:          "github",
		ClientID:      "client-1",
		DeviceCodeURL: deviceURL,
		TokenURL:      tokenURL,
		Scopes:        []string{"repo"},
		UsePKCE:       pkce,
		PollInterval:  time.Millisecond,
	}
}

func newFakeProvider(t *testing.T, tokenResponses []map[string]interface{}) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var tokenCalls atomic.Int32

	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("device code request not form-encoded: %v", err)
		}
		if r.PostForm.Get("client_id") != "client-1" {
			t.Errorf("missing client_id in device code request")
		}
		json.NewEncoder(w).Encode(map[string]interface{}{
			"device_code":      "dev-123",
			"user_code":        "ABCD-1234",
			"verification_uri": "https://github.example/login/device",
			"expires_in":       900,
			"interval":         0,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		n := int(tokenCalls.Add(1)) - 1
		if n >= len(tokenResponses) {
			n = len(tokenResponses) - 1
		}
		json.NewEncoder(w).Encode(tokenResponses[n])
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv, &tokenCalls
}

func TestPollPendingThenSuccess(t *testing.T) {
	pending := map[string]interface{}{"error": "authorization_pending"}
	srv, calls := newFakeProvider(t, []map[string]interface{}{
		pending, pending, pending,
		{"access_token": "gho_tok", "token_type": "bearer", "scope": "repo read:org", "expires_in": 3600},
	})

	c := NewWithHTTPClient(testProvider(srv.URL+"/device/code", srv.URL+"/token", false), srv.Client())
	auth, err := c.StartDeviceAuth(context.Background())
	if err != nil {
		t.Fatalf("start: %v", err)
	}
	if auth.UserCode != "ABCD-1234" || auth.VerificationURI == "" {
		t.Fatalf("unexpected device auth: %+v", auth)
	}

	cred, err := c.PollForToken(context.Background(), auth)
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if cred.AccessToken != "gho_tok" {
		t.Errorf("got token %q", cred.AccessToken)
	}
	if len(cred.Scopes) != 2 || cred.Scopes[0] != "repo" {
		t.Errorf("got scopes %v", cred.Scopes)
	}
	if got := calls.Load(); got != 4 {
		t.Errorf("expected polling to stop after success, got %d calls", got)
	}
}

func TestSlowDownIncreasesInterval(t *testing.T) {
	if got := nextInterval(time.Second, "slow_down", 5*time.Second); got <= time.Second {
		t.Errorf("slow_down must strictly increase the interval, got %s", got)
	}
	if got := nextInterval(time.Second, "authorization_pending", 5*time.Second); got != time.Second {
		t.Errorf("authorization_pending must keep the interval, got %s", got)
	}
}

func TestSlowDownEndToEnd(t *testing.T) {
	srv, _ := newFakeProvider(t, []map[string]interface{}{
		{"error": "slow_down"},
		{"access_token": "tok", "token_type": "bearer"},
	})

	c := NewWithHTTPClient(testProvider(srv.URL+"/device/code", srv.URL+"/token", false), srv.Client())
	c.SlowDownStep = time.Millisecond

	auth, err := c.StartDeviceAuth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.PollForToken(context.Background(), auth); err != nil {
		t.Fatalf("poll after slow_down: %v", err)
	}
}

func TestExpiredWindowStopsPolling(t *testing.T) {
	srv, calls := newFakeProvider(t, []map[string]interface{}{
		{"error": "authorization_pending"},
	})

	c := NewWithHTTPClient(testProvider(srv.URL+"/device/code", srv.URL+"/token", false), srv.Client())
	auth := &DeviceAuth{
		DeviceCode: "dev-123",
		ExpiresAt:  time.Now().Add(-time.Second),
		Interval:   time.Millisecond,
	}

	_, err := c.PollForToken(context.Background(), auth)
	if !errors.Is(err, faults.UserTimeout) {
		t.Fatalf("expected user-timeout kind, got %v", err)
	}
	if calls.Load() != 0 {
		t.Errorf("must not poll past the expiry window, got %d calls", calls.Load())
	}
}

func TestAccessDeniedIsTerminal(t *testing.T) {
	srv, calls := newFakeProvider(t, []map[string]interface{}{
		{"error": "access_denied"},
	})

	c := NewWithHTTPClient(testProvider(srv.URL+"/device/code", srv.URL+"/token", false), srv.Client())
	auth, err := c.StartDeviceAuth(context.Background())
	if err != nil {
		t.Fatal(err)
	}

	_, err = c.PollForToken(context.Background(), auth)
	if !errors.Is(err, faults.Permanent) {
		t.Fatalf("expected permanent kind, got %v", err)
	}
	if calls.Load() != 1 {
		t.Errorf("access_denied must stop polling, got %d calls", calls.Load())
	}
}

func TestPKCEChallengeSentVerifierWithheld(t *testing.T) {
	var deviceForm, tokenForm map[string][]string

	mux := http.NewServeMux()
	mux.HandleFunc("/device/code", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		deviceForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]interface{}{
			"device_code": "dev", "user_code": "CODE", "verification_uri": "https://x", "expires_in": 900,
		})
	})
	mux.HandleFunc("/token", func(w http.ResponseWriter, r *http.Request) {
		r.ParseForm()
		tokenForm = r.PostForm
		json.NewEncoder(w).Encode(map[string]interface{}{"access_token": "tok"})
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	c := NewWithHTTPClient(testProvider(srv.URL+"/device/code", srv.URL+"/token", true), srv.Client())
	auth, err := c.StartDeviceAuth(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.PollForToken(context.Background(), auth); err != nil {
		t.Fatal(err)
	}

	challenge := deviceForm["code_challenge"]
	if len(challenge) != 1 || challenge[0] == "" {
		t.Fatal("authorization step must carry the pkce challenge")
	}
	if len(deviceForm["code_verifier"]) != 0 {
		t.Error("verifier must not be sent during authorization")
	}

	verifier := tokenForm["code_verifier"]
	if len(verifier) != 1 || verifier[0] == "" {
		t.Fatal("token exchange must carry the pkce verifier")
	}
	sum := sha256.Sum256([]byte(verifier[0]))
	if base64.RawURLEncoding.EncodeToString(sum[:]) != challenge[0] {
		t.Error("challenge is not the SHA-256 of the verifier")
	}
	if len(verifier[0]) < 43 {
		t.Errorf("verifier shorter than 32 bytes of entropy: %d chars", len(verifier[0]))
	}
}
