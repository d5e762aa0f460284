// Package credstore is the durable, provider-scoped credential store.
//
// Each (tenant, provider) pair owns one file under
// <dir>/<tenant>/<provider>.json so writes to different keys never contend.
// Files are written to a temporary name and renamed into place; a crash
// mid-write never leaves a truncated record. Credential lifetime is fully
// independent of session-container lifetime.
package credstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gluk-w/sessiond/internal/faults"
)

// Credential is one provider's token set for a tenant.
type Credential struct {
	AccessToken  string   `json:"access_token"`
	RefreshToken string   `json:"refresh_token,omitempty"`
	// ExpiresAt is a unix timestamp in milliseconds; zero means no expiry.
	ExpiresAt int64    `json:"expires_at,omitempty"`
	Scopes    []string `json:"scopes,omitempty"`
	Subject   string   `json:"subject,omitempty"`
}

// Expired reports whether the access token's expiry has passed.
func (c Credential) Expired() bool {
	if c.ExpiresAt == 0 {
		return false
	}
	return time.Now().UnixMilli() >= c.ExpiresAt
}

// Cipher encrypts credential files at rest.
type Cipher interface {
	Encrypt(plaintext []byte) ([]byte, error)
	Decrypt(ciphertext []byte) ([]byte, error)
}

// Noop stores credential files unencrypted. Used in tests.
type Noop struct{}

func (Noop) Encrypt(b []byte) ([]byte, error) { return b, nil }
func (Noop) Decrypt(b []byte) ([]byte, error) { return b, nil }

var keyPattern = regexp.MustCompile(`^[A-Za-z0-9_.-]+$`)

type Store struct {
	dir    string
	cipher Cipher

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func New(dir string, cipher Cipher) *Store {
	return &Store{
		dir:    dir,
		cipher: cipher,
		locks:  make(map[string]*sync.Mutex),
	}
}

// keyLock returns the mutex serializing writes for one (tenant, provider)
// pair. Distinct pairs proceed in parallel.
func (s *Store) keyLock(tenantID, provider string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := tenantID + "/" + provider
	l, ok := s.locks[key]
	if !ok {
		l = &sync.Mutex{}
		s.locks[key] = l
	}
	return l
}

func (s *Store) path(tenantID, provider string) (string, error) {
	if !keyPattern.MatchString(tenantID) || !keyPattern.MatchString(provider) {
		return "", faults.New(faults.KindPermanent, "invalid credential key %q/%q", tenantID, provider)
	}
	return filepath.Join(s.dir, tenantID, provider+".json"), nil
}

// Put overwrites the credential for (tenantID, provider). Last write wins.
func (s *Store) Put(tenantID, provider string, cred Credential) error {
	path, err := s.path(tenantID, provider)
	if err != nil {
		return err
	}

	l := s.keyLock(tenantID, provider)
	l.Lock()
	defer l.Unlock()

	data, err := json.MarshalIndent(cred, "", "  ")
	if err != nil {
		return fmt.Errorf("encode credential: %w", err)
	}
	data, err = s.cipher.Encrypt(data)
	if err != nil {
		return fmt.Errorf("encrypt credential: %w", err)
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return fmt.Errorf("create credential directory: %w", err)
	}

	tmp, err := os.CreateTemp(dir, provider+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("write credential: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("close credential file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("rename credential file: %w", err)
	}
	return nil
}

// Get returns the stored credential, or a not-found error.
func (s *Store) Get(tenantID, provider string) (Credential, error) {
	path, err := s.path(tenantID, provider)
	if err != nil {
		return Credential{}, err
	}

	l := s.keyLock(tenantID, provider)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return Credential{}, faults.New(faults.KindNotFound, "no credential for %s/%s", tenantID, provider)
		}
		return Credential{}, fmt.Errorf("read credential: %w", err)
	}

	data, err = s.cipher.Decrypt(data)
	if err != nil {
		return Credential{}, fmt.Errorf("decrypt credential: %w", err)
	}

	var cred Credential
	if err := json.Unmarshal(data, &cred); err != nil {
		return Credential{}, fmt.Errorf("decode credential: %w", err)
	}
	return cred, nil
}

// Delete removes the stored credential. Deleting an absent credential is
// not an error.
func (s *Store) Delete(tenantID, provider string) error {
	path, err := s.path(tenantID, provider)
	if err != nil {
		return err
	}

	l := s.keyLock(tenantID, provider)
	l.Lock()
	defer l.Unlock()

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove credential: %w", err)
	}
	return nil
}

// List returns the providers with a stored credential for the tenant.
func (s *Store) List(tenantID string) ([]string, error) {
	if !keyPattern.MatchString(tenantID) {
		return nil, faults.New(faults.KindPermanent, "invalid tenant id %q", tenantID)
	}

	entries, err := os.ReadDir(filepath.Join(s.dir, tenantID))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list credentials: %w", err)
	}

	var providers []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, ".json") || strings.Contains(name, ".tmp-") {
			continue
		}
		providers = append(providers, strings.TrimSuffix(name, ".json"))
	}
	sort.Strings(providers)
	return providers, nil
}
