package deviceflow

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"fmt"
)

// pkceParams binds an authorization request to the client that redeems it
// (RFC 7636). A fresh verifier is generated per request; only its SHA-256
// challenge is sent during authorization, the verifier itself only during
// token exchange.
type pkceParams struct {
	verifier  string
	challenge string
}

func newPKCEParams() (*pkceParams, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return nil, fmt.Errorf("read random bytes: %w", err)
	}

	verifier := base64.RawURLEncoding.EncodeToString(raw)
	sum := sha256.Sum256([]byte(verifier))
	return &pkceParams{
		verifier:  verifier,
		challenge: base64.RawURLEncoding.EncodeToString(sum[:]),
	}, nil
}
