// Package crypto encrypts stored credential material with a fernet key that
// is generated on first use and persisted in the settings table.
package crypto

import (
	"fmt"
	"sync"
	"time"

	"github.com/fernet/fernet-go"
	"github.com/gluk-w/sessiond/internal/database"
)

var (
	mu     sync.Mutex
	cached *fernet.Key
)

func getKey() (*fernet.Key, error) {
	mu.Lock()
	defer mu.Unlock()

	if cached != nil {
		return cached, nil
	}

	keyStr, err := database.GetSetting("fernet_key")
	if err != nil {
		var k fernet.Key
		if err := k.Generate(); err != nil {
			return nil, fmt.Errorf("generate fernet key: %w", err)
		}
		if err := database.SetSetting("fernet_key", k.Encode()); err != nil {
			return nil, fmt.Errorf("save fernet key: %w", err)
		}
		cached = &k
		return cached, nil
	}

	key, err := fernet.DecodeKey(keyStr)
	if err != nil {
		return nil, fmt.Errorf("decode fernet key: %w", err)
	}
	cached = key
	return cached, nil
}

func Encrypt(plaintext []byte) ([]byte, error) {
	key, err := getKey()
	if err != nil {
		return nil, err
	}
	tok, err := fernet.EncryptAndSign(plaintext, key)
	if err != nil {
		return nil, fmt.Errorf("encrypt: %w", err)
	}
	return tok, nil
}

func Decrypt(ciphertext []byte) ([]byte, error) {
	key, err := getKey()
	if err != nil {
		return nil, err
	}
	msg := fernet.VerifyAndDecrypt(ciphertext, 0*time.Second, []*fernet.Key{key})
	if msg == nil {
		return nil, fmt.Errorf("decrypt: invalid token")
	}
	return msg, nil
}

// Cipher adapts the package functions to the credential store's cipher
// interface.
type Cipher struct{}

func (Cipher) Encrypt(b []byte) ([]byte, error) { return Encrypt(b) }
func (Cipher) Decrypt(b []byte) ([]byte, error) { return Decrypt(b) }

// Mask hides all but the last four characters of a secret for logging.
func Mask(value string) string {
	if value == "" {
		return ""
	}
	if len(value) > 4 {
		return "****" + value[len(value)-4:]
	}
	return "****"
}
