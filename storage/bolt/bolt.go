// Package bolt provides the transactional document tier backed by bbolt.
// It is the most durable and the slowest tier, consulted last; the database
// handle is opened lazily on first use so flows that never need the last
// resort never pay for it.
package bolt

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.etcd.io/bbolt"

	"github.com/curtismu7/oauth-playground/security"
	"github.com/curtismu7/oauth-playground/storage"
)

var bucketMaterial = []byte("flow_material")

// Tier stores sealed records in a single-bucket bbolt database.
type Tier struct {
	path      string
	encryptor *security.Encryptor
	logger    *slog.Logger

	mu sync.Mutex
	db *bbolt.DB
}

// Compile-time interface check
var _ storage.Tier = (*Tier)(nil)

// New creates the transactional tier at path. The database file is not
// opened until the first operation needs it. A nil encryptor stores records
// in the clear.
func New(path string, enc *security.Encryptor, logger *slog.Logger) (*Tier, error) {
	if path == "" {
		return nil, fmt.Errorf("database path is required")
	}
	if enc == nil {
		var err error
		enc, err = security.NewEncryptor(nil)
		if err != nil {
			return nil, err
		}
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &Tier{path: path, encryptor: enc, logger: logger}, nil
}

// Name identifies the tier in logs and metrics
func (t *Tier) Name() string {
	return "bolt"
}

// handle opens the database on first use. ctx bounds the wait for the file
// lock held by another process.
func (t *Tier) handle(ctx context.Context) (*bbolt.DB, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.db != nil {
		return t.db, nil
	}

	if err := os.MkdirAll(filepath.Dir(t.path), 0o700); err != nil {
		return nil, fmt.Errorf("failed to create database directory: %w", err)
	}

	timeout := 5 * time.Second
	if deadline, ok := ctx.Deadline(); ok {
		if remaining := time.Until(deadline); remaining < timeout {
			timeout = remaining
		}
	}

	db, err := bbolt.Open(t.path, 0o600, &bbolt.Options{Timeout: timeout})
	if err != nil {
		return nil, fmt.Errorf("failed to open bolt database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		_, err := tx.CreateBucketIfNotExists(bucketMaterial)
		return err
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to initialize bucket: %w", err)
	}

	t.logger.Debug("Opened bolt tier", "path", t.path)
	t.db = db
	return db, nil
}

// Save seals the record and writes it in one transaction.
func (t *Tier) Save(ctx context.Context, key storage.Key, rec *storage.Record) error {
	if err := key.Validate(); err != nil {
		return err
	}

	db, err := t.handle(ctx)
	if err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}
	sealed, err := t.encryptor.Seal(data)
	if err != nil {
		return fmt.Errorf("failed to seal record: %w", err)
	}

	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMaterial).Put([]byte(key.String()), sealed)
	})
}

// Load reads a record in one read transaction. Undecryptable values are
// treated as not found, same as the durable file tier.
func (t *Tier) Load(ctx context.Context, key storage.Key) (*storage.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	db, err := t.handle(ctx)
	if err != nil {
		return nil, err
	}

	var sealed []byte
	if err := db.View(func(tx *bbolt.Tx) error {
		v := tx.Bucket(bucketMaterial).Get([]byte(key.String()))
		if v == nil {
			return storage.ErrNotFound
		}
		sealed = make([]byte, len(v))
		copy(sealed, v)
		return nil
	}); err != nil {
		return nil, err
	}

	data, err := t.encryptor.Open(sealed)
	if err != nil {
		t.logger.Warn("Discarding undecryptable bolt record",
			"key", key.String(),
			"error", err)
		_ = t.Clear(ctx, key)
		return nil, storage.ErrNotFound
	}

	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode bolt record: %w", err)
	}

	if rec.Expired(time.Now()) {
		_ = t.Clear(ctx, key)
		return nil, storage.ErrNotFound
	}

	return &rec, nil
}

// Clear removes the record. Clearing an absent key is not an error.
func (t *Tier) Clear(ctx context.Context, key storage.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	db, err := t.handle(ctx)
	if err != nil {
		return err
	}

	return db.Update(func(tx *bbolt.Tx) error {
		return tx.Bucket(bucketMaterial).Delete([]byte(key.String()))
	})
}

// Close releases the database handle if it was ever opened.
func (t *Tier) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.db == nil {
		return nil
	}
	err := t.db.Close()
	t.db = nil
	if err != nil {
		return fmt.Errorf("failed to close bolt database: %w", err)
	}
	return nil
}
