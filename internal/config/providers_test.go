package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestLoadProvidersMissingFileFallsBack(t *testing.T) {
	providers, err := LoadProviders(filepath.Join(t.TempDir(), "nope.yaml"))
	if err != nil {
		t.Fatalf("missing file should not error: %v", err)
	}
	if _, ok := FindProvider(providers, "github"); !ok {
		t.Error("defaults should include the github provider")
	}
}

func TestLoadProvidersFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	content := `providers:
  - name: github
    client_id: abc123
    device_code_url: https://github.example/device/code
    token_url: https://github.example/token
    scopes: [repo]
  - name: acme
    client_id: xyz
    device_code_url: https://acme.example/device
    token_url: https://acme.example/token
    use_pkce: true
    poll_interval: 7s
`
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}

	providers, err := LoadProviders(path)
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if len(providers) != 2 {
		t.Fatalf("expected 2 providers, got %d", len(providers))
	}

	gh, ok := FindProvider(providers, "github")
	if !ok || gh.ClientID != "abc123" {
		t.Errorf("github provider not loaded correctly: %+v", gh)
	}
	if gh.PollInterval != 5*time.Second {
		t.Errorf("expected default poll interval, got %s", gh.PollInterval)
	}

	acme, _ := FindProvider(providers, "acme")
	if !acme.UsePKCE || acme.PollInterval != 7*time.Second {
		t.Errorf("acme provider not loaded correctly: %+v", acme)
	}
}

func TestLoadProvidersRejectsIncomplete(t *testing.T) {
	path := filepath.Join(t.TempDir(), "providers.yaml")
	content := "providers:\n  - name: broken\n"
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatal(err)
	}
	if _, err := LoadProviders(path); err == nil {
		t.Error("provider without endpoints should be rejected")
	}
}
