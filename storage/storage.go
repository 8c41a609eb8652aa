package storage

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"
)

// ErrNotFound is returned by a tier when a key has no record.
var ErrNotFound = errors.New("storage: record not found")

// Key identifies one authorization attempt's secret material.
// The three parts replace ad hoc string-concatenated keys: the namespace
// isolates applications sharing a host, the flow type isolates concurrent
// flows of different kinds, and the instance id isolates concurrent
// attempts of the same kind.
type Key struct {
	Namespace  string
	FlowType   string
	InstanceID string
}

// Validate checks that all parts are present and safe to embed in file
// names and bucket keys.
func (k Key) Validate() error {
	parts := []struct {
		name  string
		value string
	}{
		{"namespace", k.Namespace},
		{"flow type", k.FlowType},
		{"instance id", k.InstanceID},
	}

	for _, p := range parts {
		if p.value == "" {
			return fmt.Errorf("storage key %s is required", p.name)
		}
		if strings.ContainsAny(p.value, "/\\") || strings.Contains(p.value, "..") {
			return fmt.Errorf("storage key %s contains unsafe characters: %q", p.name, p.value)
		}
	}
	return nil
}

// String renders the composite key. Dots separate the parts because flow
// type names themselves contain dashes.
func (k Key) String() string {
	return k.Namespace + "." + k.FlowType + "." + k.InstanceID
}

// Record is the secret material persisted for one authorization attempt.
// The verifier and state are the secrets proper; challenge and method are
// carried so a read can prove internal consistency before the record is
// trusted (the challenge must re-derive from the verifier).
type Record struct {
	Verifier  string    `json:"verifier,omitempty"`
	Challenge string    `json:"challenge,omitempty"`
	Method    string    `json:"method,omitempty"`
	State     string    `json:"state,omitempty"`
	NonceHash string    `json:"nonce_hash,omitempty"`
	SavedAt   time.Time `json:"saved_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the record's lifetime has passed.
// Records without an expiry never expire.
func (r *Record) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// Tier is one redundancy level of the persistence contract. Tiers are
// consulted in priority order on read and all written on save; a tier
// reports ErrNotFound rather than inventing empty records.
// All methods accept context.Context for tracing and cancellation.
type Tier interface {
	// Name identifies the tier in logs and metrics
	Name() string

	// Save persists the record under the key, overwriting any previous record
	Save(ctx context.Context, key Key, rec *Record) error

	// Load retrieves the record, or ErrNotFound
	Load(ctx context.Context, key Key) (*Record, error)

	// Clear removes the record. Clearing an absent key is not an error.
	Clear(ctx context.Context, key Key) error
}
