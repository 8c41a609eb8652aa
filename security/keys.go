package security

import (
	"crypto/sha256"
	"fmt"
	"io"

	"golang.org/x/crypto/hkdf"
)

// KeySize is the AES-256 key length in bytes.
const KeySize = 32

// DeriveKey derives a stable 32-byte at-rest encryption key from a client
// secret via HKDF-SHA256, bound to the environment and client identity.
// The same inputs always yield the same key, so material sealed before a
// restart stays readable after one without shipping a key file around.
func DeriveKey(secret []byte, environmentID, clientID string) ([]byte, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("a non-empty secret is required to derive an encryption key")
	}
	if environmentID == "" || clientID == "" {
		return nil, fmt.Errorf("environment id and client id are required to derive an encryption key")
	}

	salt := sha256.Sum256([]byte(environmentID))
	info := []byte("oauth-playground/flow-material/" + clientID)

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(hkdf.New(sha256.New, secret, salt[:], info), key); err != nil {
		return nil, fmt.Errorf("failed to derive key: %w", err)
	}
	return key, nil
}
