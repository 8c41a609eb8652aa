// Package pkce generates RFC 7636 proof-key material and persists it
// redundantly across the storage tiers so a verifier minted before the
// authorization redirect is still there when the code comes back, even
// after a process restart.
package pkce

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/curtismu7/oauth-playground/instrumentation"
	"github.com/curtismu7/oauth-playground/storage"
)

const (
	// DefaultTTL bounds how long saved material stays loadable
	DefaultTTL = time.Hour

	// defaultSyncWrites is how many leading tiers are written before Save returns
	defaultSyncWrites = 2

	// defaultFastReads is how many leading tiers Load consults
	defaultFastReads = 3

	// asyncWriteTimeout bounds each background tier write
	asyncWriteTimeout = 5 * time.Second
)

// StoreConfig holds the tiered store configuration
type StoreConfig struct {
	// Tiers in priority order, fastest first. At least one is required.
	Tiers []storage.Tier

	// SyncWrites is how many leading tiers Save writes before returning.
	// Writes to the remaining tiers happen in the background. Zero uses
	// the default of 2.
	SyncWrites int

	// FastReads is how many leading tiers Load consults. LoadDurable and
	// LoadRecord always consult every tier. Zero uses the default of 3.
	FastReads int

	// TTL is the material lifetime. Zero uses DefaultTTL.
	TTL time.Duration

	// Logger for tier failures and read repairs. Defaults to slog.Default().
	Logger *slog.Logger

	// Metrics records tier reads and repairs when set
	Metrics *instrumentation.Metrics
}

// Store persists proof-key material across an ordered set of tiers.
//
// Save writes the leading tiers synchronously and the rest in the
// background, so the caller holds durable-enough state before the
// authorization URL leaves the process. Loads walk the tiers fastest
// first and write hits back into the tiers that missed (read repair).
type Store struct {
	tiers      []storage.Tier
	syncWrites int
	fastReads  int
	ttl        time.Duration
	logger     *slog.Logger
	metrics    *instrumentation.Metrics

	wg sync.WaitGroup
}

// NewStore creates a tiered material store
func NewStore(cfg StoreConfig) (*Store, error) {
	if len(cfg.Tiers) == 0 {
		return nil, errors.New("pkce: at least one storage tier is required")
	}

	syncWrites := cfg.SyncWrites
	if syncWrites <= 0 {
		syncWrites = defaultSyncWrites
	}
	if syncWrites > len(cfg.Tiers) {
		syncWrites = len(cfg.Tiers)
	}

	fastReads := cfg.FastReads
	if fastReads <= 0 {
		fastReads = defaultFastReads
	}
	if fastReads > len(cfg.Tiers) {
		fastReads = len(cfg.Tiers)
	}

	ttl := cfg.TTL
	if ttl <= 0 {
		ttl = DefaultTTL
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Store{
		tiers:      cfg.Tiers,
		syncWrites: syncWrites,
		fastReads:  fastReads,
		ttl:        ttl,
		logger:     logger,
		metrics:    cfg.Metrics,
	}, nil
}

// SaveOption customizes the persisted record beyond the proof-key fields
type SaveOption func(*storage.Record)

// WithState stores the request state alongside the material so an
// interrupted flow can still validate its callback after a restart.
func WithState(state string) SaveOption {
	return func(r *storage.Record) { r.State = state }
}

// WithNonceHash stores the digest of the ID token nonce for later verification
func WithNonceHash(hash string) SaveOption {
	return func(r *storage.Record) { r.NonceHash = hash }
}

// Save persists the material under the flow key. The leading tiers are
// written before Save returns and a failure there is the caller's failure;
// the remaining tiers are written in the background and only logged.
func (s *Store) Save(ctx context.Context, key storage.Key, m *Material, opts ...SaveOption) error {
	if err := key.Validate(); err != nil {
		return err
	}
	if err := m.Validate(); err != nil {
		return err
	}

	now := time.Now()
	rec := &storage.Record{
		Verifier:  m.Verifier,
		Challenge: m.Challenge,
		Method:    m.Method,
		SavedAt:   now,
		ExpiresAt: now.Add(s.ttl),
	}
	for _, opt := range opts {
		opt(rec)
	}

	for _, tier := range s.tiers[:s.syncWrites] {
		if err := tier.Save(ctx, key, rec); err != nil {
			return fmt.Errorf("pkce: save to %s tier: %w", tier.Name(), err)
		}
	}

	// rec is never mutated after this point, so the background writers
	// can share it.
	for _, tier := range s.tiers[s.syncWrites:] {
		s.wg.Add(1)
		go s.saveAsync(tier, key, rec)
	}

	return nil
}

func (s *Store) saveAsync(tier storage.Tier, key storage.Key, rec *storage.Record) {
	defer s.wg.Done()

	ctx, cancel := context.WithTimeout(context.Background(), asyncWriteTimeout)
	defer cancel()

	if err := tier.Save(ctx, key, rec); err != nil {
		s.logger.Warn("Background tier write failed",
			"tier", tier.Name(),
			"key", key.String(),
			"error", err)
		s.metrics.RecordAsyncWriteFailure(ctx, tier.Name())
	}
}

// Load retrieves material from the fast tiers only. This is the hot path
// used while a flow is in flight in the current process.
func (s *Store) Load(ctx context.Context, key storage.Key) (*Material, error) {
	rec, err := s.loadRecord(ctx, key, s.fastReads)
	if err != nil {
		return nil, err
	}
	return materialOf(rec), nil
}

// LoadDurable retrieves material from every tier, including the slow
// durable ones. Token exchange uses this so a verifier survives the gap
// between building the authorization URL and the code coming back.
func (s *Store) LoadDurable(ctx context.Context, key storage.Key) (*Material, error) {
	rec, err := s.loadRecord(ctx, key, len(s.tiers))
	if err != nil {
		return nil, err
	}
	return materialOf(rec), nil
}

// LoadRecord retrieves the full persisted record from every tier,
// including the state and nonce digest saved alongside the material.
func (s *Store) LoadRecord(ctx context.Context, key storage.Key) (*storage.Record, error) {
	return s.loadRecord(ctx, key, len(s.tiers))
}

func (s *Store) loadRecord(ctx context.Context, key storage.Key, depth int) (*storage.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	now := time.Now()
	var lastErr error
	for i, tier := range s.tiers[:depth] {
		rec, err := tier.Load(ctx, key)
		if errors.Is(err, storage.ErrNotFound) {
			s.metrics.RecordTierRead(ctx, tier.Name(), "miss")
			continue
		}
		if err != nil {
			s.metrics.RecordTierRead(ctx, tier.Name(), "error")
			s.logger.Warn("Tier read failed",
				"tier", tier.Name(),
				"key", key.String(),
				"error", err)
			lastErr = err
			continue
		}
		if rec.Expired(now) {
			s.metrics.RecordTierRead(ctx, tier.Name(), "miss")
			_ = tier.Clear(ctx, key)
			continue
		}
		if err := materialOf(rec).Validate(); err != nil {
			// Corrupt entries are cleared so the next read does not
			// trip over them again.
			s.metrics.RecordTierRead(ctx, tier.Name(), "error")
			s.logger.Warn("Discarding inconsistent proof-key record",
				"tier", tier.Name(),
				"key", key.String(),
				"error", err)
			_ = tier.Clear(ctx, key)
			continue
		}

		s.metrics.RecordTierRead(ctx, tier.Name(), "hit")
		if i > 0 {
			s.repair(ctx, key, rec, i)
		}
		return rec, nil
	}

	if lastErr != nil {
		return nil, fmt.Errorf("pkce: load %s: %w", key.String(), lastErr)
	}
	return nil, storage.ErrNotFound
}

// repair writes a record found in a slow tier back into the faster tiers
// that missed, so the next read stops earlier.
func (s *Store) repair(ctx context.Context, key storage.Key, rec *storage.Record, upTo int) {
	for _, tier := range s.tiers[:upTo] {
		if err := tier.Save(ctx, key, rec); err != nil {
			s.logger.Warn("Read repair failed",
				"tier", tier.Name(),
				"key", key.String(),
				"error", err)
			continue
		}
		s.metrics.RecordReadRepair(ctx, tier.Name())
	}
}

// Clear removes the material from every tier. Tiers that fail are still
// skipped over so one broken tier cannot pin a verifier in the others;
// the first failure is returned.
func (s *Store) Clear(ctx context.Context, key storage.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	var firstErr error
	for _, tier := range s.tiers {
		if err := tier.Clear(ctx, key); err != nil {
			s.logger.Warn("Tier clear failed",
				"tier", tier.Name(),
				"key", key.String(),
				"error", err)
			if firstErr == nil {
				firstErr = fmt.Errorf("pkce: clear %s tier: %w", tier.Name(), err)
			}
		}
	}
	return firstErr
}

// Flush waits for outstanding background tier writes. Call on shutdown so
// the durable tiers hold everything the fast tiers do.
func (s *Store) Flush() {
	s.wg.Wait()
}

func materialOf(rec *storage.Record) *Material {
	return &Material{
		Verifier:  rec.Verifier,
		Challenge: rec.Challenge,
		Method:    rec.Method,
	}
}
