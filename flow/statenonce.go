package flow

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"strings"

	"golang.org/x/oauth2"

	"github.com/curtismu7/oauth-playground/faults"
)

// StateNonceManager mints and validates the state and nonce values that
// bind an authorization response back to the request that caused it.
//
// State values carry their origin in cleartext, "<namespace>-<flowType>-<random>",
// so a callback can be rejected before any lookup when the prefix does not
// match the flow awaiting it. Validation is fail-closed: no recognizable
// prefix means no acceptance, never a fallback to accepting the value.
type StateNonceManager struct {
	namespace string
}

// NewStateNonceManager creates a manager scoped to a namespace. The
// namespace also prefixes storage keys, so two engines with different
// namespaces never accept each other's callbacks.
func NewStateNonceManager(namespace string) *StateNonceManager {
	return &StateNonceManager{namespace: namespace}
}

// GenerateState mints a state value for the flow
func (m *StateNonceManager) GenerateState(flowType FlowType) (string, error) {
	if !flowType.Valid() {
		return "", faults.New(faults.CategoryValidation,
			"cannot generate state for unknown flow type "+string(flowType))
	}
	return m.statePrefix(flowType) + oauth2.GenerateVerifier(), nil
}

// ValidateState checks the state echoed in a callback against the value
// generated at flow start. The prefix check runs first and rejects values
// from other namespaces or flows outright; the full comparison is
// constant-time. A state that fails any check means the callback cannot
// be tied to this flow, which is an authentication failure, not a
// malformed input.
func (m *StateNonceManager) ValidateState(flowType FlowType, expected, got string) error {
	if expected == "" {
		return faults.New(faults.CategoryValidation,
			"no state was generated for this flow, refusing callback")
	}
	if got == "" {
		return faults.New(faults.CategoryAuthentication,
			"callback carries no state parameter")
	}
	if !strings.HasPrefix(got, m.statePrefix(flowType)) {
		return faults.New(faults.CategoryAuthentication,
			"callback state does not carry the expected flow binding")
	}
	if subtle.ConstantTimeCompare([]byte(expected), []byte(got)) != 1 {
		return faults.New(faults.CategoryAuthentication,
			"callback state does not match the generated state")
	}
	return nil
}

func (m *StateNonceManager) statePrefix(flowType FlowType) string {
	return m.namespace + "-" + string(flowType) + "-"
}

// GenerateNonce mints a nonce and the digest that gets persisted in its
// place. The cleartext nonce goes into the authorization request and is
// never stored.
func (m *StateNonceManager) GenerateNonce() (nonce, digest string) {
	n := oauth2.GenerateVerifier()
	return n, HashNonce(n)
}

// HashNonce returns the hex SHA-256 digest of a nonce
func HashNonce(nonce string) string {
	sum := sha256.Sum256([]byte(nonce))
	return hex.EncodeToString(sum[:])
}

// ValidateNonce checks the nonce claim of an ID token against the stored
// digest by recomputing the hash. When no digest was stored the flow never
// requested a nonce and any claim value is ignored. A mismatch means the
// token was minted for some other request and fails authentication.
func (m *StateNonceManager) ValidateNonce(claimNonce, storedDigest string) error {
	if storedDigest == "" {
		return nil
	}
	if claimNonce == "" {
		return faults.New(faults.CategoryAuthentication,
			"ID token carries no nonce but one was requested")
	}
	recomputed := HashNonce(claimNonce)
	if subtle.ConstantTimeCompare([]byte(recomputed), []byte(storedDigest)) != 1 {
		return faults.New(faults.CategoryAuthentication,
			"ID token nonce does not match the requested nonce")
	}
	return nil
}
