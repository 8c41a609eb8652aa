// Package memory provides the in-process cache tier. It is the fastest
// tier and the first consulted; its contents are lost on process restart.
package memory

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/curtismu7/oauth-playground/storage"
)

// Tier is an in-memory implementation of storage.Tier backed by a map.
type Tier struct {
	mu      sync.RWMutex
	records map[storage.Key]storage.Record

	cleanupInterval time.Duration
	stopCleanup     chan struct{}
	stopOnce        sync.Once
	logger          *slog.Logger
}

// Compile-time interface check
var _ storage.Tier = (*Tier)(nil)

// New creates an in-memory tier with the default cleanup interval (1 minute).
func New() *Tier {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory tier with a custom cleanup interval.
// If cleanupInterval is 0 or negative, uses the default of 1 minute.
func NewWithInterval(cleanupInterval time.Duration) *Tier {
	if cleanupInterval <= 0 {
		cleanupInterval = time.Minute
	}

	t := &Tier{
		records:         make(map[storage.Key]storage.Record),
		cleanupInterval: cleanupInterval,
		stopCleanup:     make(chan struct{}),
		logger:          slog.Default(),
	}

	go t.cleanupLoop()

	return t
}

// SetLogger sets a custom logger
func (t *Tier) SetLogger(logger *slog.Logger) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if logger != nil {
		t.logger = logger
	}
}

// Name identifies the tier in logs and metrics
func (t *Tier) Name() string {
	return "memory"
}

// Save stores a copy of the record, so later caller mutations cannot alter
// what was persisted.
func (t *Tier) Save(ctx context.Context, key storage.Key, rec *storage.Record) error {
	if err := key.Validate(); err != nil {
		return err
	}

	t.mu.Lock()
	defer t.mu.Unlock()
	t.records[key] = *rec
	return nil
}

// Load retrieves a record. Expired records report ErrNotFound; the cleanup
// loop removes them for real.
func (t *Tier) Load(ctx context.Context, key storage.Key) (*storage.Record, error) {
	t.mu.RLock()
	rec, ok := t.records[key]
	t.mu.RUnlock()

	if !ok || rec.Expired(time.Now()) {
		return nil, storage.ErrNotFound
	}

	out := rec
	return &out, nil
}

// Clear removes a record. Clearing an absent key is not an error.
func (t *Tier) Clear(ctx context.Context, key storage.Key) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.records, key)
	return nil
}

// Len reports the number of live records, for metrics callbacks.
func (t *Tier) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.records)
}

// Stop gracefully stops the cleanup goroutine
func (t *Tier) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopCleanup)
	})
}

// cleanupLoop periodically removes expired records
func (t *Tier) cleanupLoop() {
	ticker := time.NewTicker(t.cleanupInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			t.removeExpired()
		case <-t.stopCleanup:
			return
		}
	}
}

func (t *Tier) removeExpired() {
	now := time.Now()

	t.mu.Lock()
	defer t.mu.Unlock()

	removed := 0
	for key, rec := range t.records {
		if rec.Expired(now) {
			delete(t.records, key)
			removed++
		}
	}

	if removed > 0 {
		t.logger.Debug("Removed expired flow material from memory tier",
			"removed", removed,
			"remaining", len(t.records))
	}
}
