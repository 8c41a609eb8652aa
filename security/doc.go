// Package security provides the cryptographic plumbing shared by the
// storage tiers and logging: AES-256-GCM sealing of flow secrets at rest,
// HKDF key derivation from the client secret, and redaction helpers so
// secrets never reach log output whole.
//
// # Encryption at Rest
//
// Durable storage tiers hold PKCE verifiers and CSRF state on disk across
// process restarts. Sealing those records binds them to a key derived from
// the environment and client identity, so a copied state directory is
// useless without the client secret.
//
//	key, err := security.DeriveKey(secret, environmentID, clientID)
//	enc, err := security.NewEncryptor(key)
//	sealed, err := enc.Seal(recordJSON)
//
// An Encryptor built from an empty key is disabled and passes data through
// unchanged, which keeps tests and public-client setups simple.
package security
