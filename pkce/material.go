package pkce

import (
	"crypto/rand"
	"errors"
	"fmt"

	"golang.org/x/oauth2"
)

// Challenge methods defined by RFC 7636
const (
	MethodS256  = "S256"
	MethodPlain = "plain"
)

// Verifier length bounds from RFC 7636 section 4.1
const (
	MinVerifierLength = 43
	MaxVerifierLength = 128
)

// verifierCharset is the unreserved character set permitted in code verifiers
const verifierCharset = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789-._~"

// Material is the proof key for one authorization flow: the secret verifier
// kept on this side, the challenge sent in the authorization request, and
// the method binding the two.
type Material struct {
	Verifier  string
	Challenge string
	Method    string
}

// Config controls proof-key generation
type Config struct {
	// Method selects the challenge transform. Defaults to S256; use plain
	// only against providers that cannot hash.
	Method string

	// VerifierLength is the length of the generated verifier in characters.
	// Zero uses the 43-character default. Values outside the RFC 7636
	// bounds are rejected.
	VerifierLength int
}

// Generate mints fresh proof-key material
func Generate(cfg Config) (*Material, error) {
	method := cfg.Method
	if method == "" {
		method = MethodS256
	}
	if method != MethodS256 && method != MethodPlain {
		return nil, fmt.Errorf("pkce: unsupported challenge method %q", cfg.Method)
	}

	length := cfg.VerifierLength
	if length == 0 {
		length = MinVerifierLength
	}
	if length < MinVerifierLength || length > MaxVerifierLength {
		return nil, fmt.Errorf("pkce: verifier length %d outside [%d, %d]", length, MinVerifierLength, MaxVerifierLength)
	}

	var verifier string
	if length == MinVerifierLength {
		verifier = oauth2.GenerateVerifier()
	} else {
		v, err := randomVerifier(length)
		if err != nil {
			return nil, err
		}
		verifier = v
	}

	m := &Material{Verifier: verifier, Method: method}
	switch method {
	case MethodS256:
		m.Challenge = oauth2.S256ChallengeFromVerifier(verifier)
	case MethodPlain:
		m.Challenge = verifier
	}
	return m, nil
}

func randomVerifier(length int) (string, error) {
	b := make([]byte, length)
	if _, err := rand.Read(b); err != nil {
		return "", fmt.Errorf("pkce: read random bytes: %w", err)
	}
	for i := range b {
		b[i] = verifierCharset[int(b[i])%len(verifierCharset)]
	}
	return string(b), nil
}

// Validate checks the material's internal consistency. Loaded records pass
// through here before anything trusts them, so a corrupted or truncated
// tier entry cannot produce an exchange with a verifier that no longer
// matches its challenge.
func (m *Material) Validate() error {
	if l := len(m.Verifier); l < MinVerifierLength || l > MaxVerifierLength {
		return fmt.Errorf("pkce: verifier length %d outside [%d, %d]", l, MinVerifierLength, MaxVerifierLength)
	}
	switch m.Method {
	case MethodS256:
		if oauth2.S256ChallengeFromVerifier(m.Verifier) != m.Challenge {
			return errors.New("pkce: challenge does not derive from verifier")
		}
	case MethodPlain:
		if m.Verifier != m.Challenge {
			return errors.New("pkce: plain challenge must equal verifier")
		}
	default:
		return fmt.Errorf("pkce: unsupported challenge method %q", m.Method)
	}
	return nil
}
