// Package statedir provides the durable file tier. Records live in a state
// directory that survives process restarts and session turnover, sealed at
// rest because the directory outlives the session that wrote it.
package statedir

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/curtismu7/oauth-playground/security"
	"github.com/curtismu7/oauth-playground/storage"
)

const recordSuffix = ".rec"

// Tier stores sealed records as files under a durable state directory.
type Tier struct {
	dir       string
	encryptor *security.Encryptor
	logger    *slog.Logger
}

// Compile-time interface check
var _ storage.Tier = (*Tier)(nil)

// New creates the durable tier rooted at dir. A nil encryptor stores
// records in the clear; callers that hold a client secret should pass an
// encryptor built from security.DeriveKey. Leftover expired records from
// earlier runs are swept on open.
func New(dir string, enc *security.Encryptor, logger *slog.Logger) (*Tier, error) {
	if dir == "" {
		return nil, fmt.Errorf("state directory is required")
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

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create state directory: %w", err)
	}

	t := &Tier{dir: dir, encryptor: enc, logger: logger}
	t.sweepExpired()
	return t, nil
}

// Name identifies the tier in logs and metrics
func (t *Tier) Name() string {
	return "statedir"
}

func (t *Tier) path(key storage.Key) string {
	return filepath.Join(t.dir, key.String()+recordSuffix)
}

// Save seals and writes the record as an owner-only file.
func (t *Tier) Save(ctx context.Context, key storage.Key, rec *storage.Record) error {
	if err := key.Validate(); err != nil {
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

	if err := os.WriteFile(t.path(key), sealed, 0o600); err != nil {
		return fmt.Errorf("failed to write state record: %w", err)
	}
	return nil
}

// Load reads and unseals a record. A record sealed under a different key
// (for instance after the client secret rotated) is treated as not found
// rather than surfacing a decryption failure to the flow.
func (t *Tier) Load(ctx context.Context, key storage.Key) (*storage.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	sealed, err := os.ReadFile(t.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read state record: %w", err)
	}

	data, err := t.encryptor.Open(sealed)
	if err != nil {
		t.logger.Warn("Discarding undecryptable state record",
			"key", key.String(),
			"error", err)
		_ = os.Remove(t.path(key))
		return nil, storage.ErrNotFound
	}

	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode state record: %w", err)
	}

	if rec.Expired(time.Now()) {
		_ = os.Remove(t.path(key))
		return nil, storage.ErrNotFound
	}

	return &rec, nil
}

// Clear removes the record's file. Clearing an absent key is not an error.
func (t *Tier) Clear(ctx context.Context, key storage.Key) error {
	if err := key.Validate(); err != nil {
		return err
	}

	if err := os.Remove(t.path(key)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("failed to remove state record: %w", err)
	}
	return nil
}

// sweepExpired removes records whose expiry passed while no process was
// running. Undecodable files are left alone; Load quarantines those lazily.
func (t *Tier) sweepExpired() {
	entries, err := os.ReadDir(t.dir)
	if err != nil {
		t.logger.Warn("Could not sweep state directory", "dir", t.dir, "error", err)
		return
	}

	now := time.Now()
	removed := 0
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), recordSuffix) {
			continue
		}

		path := filepath.Join(t.dir, entry.Name())
		sealed, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		data, err := t.encryptor.Open(sealed)
		if err != nil {
			continue
		}
		var rec storage.Record
		if err := json.Unmarshal(data, &rec); err != nil {
			continue
		}
		if rec.Expired(now) {
			if err := os.Remove(path); err == nil {
				removed++
			}
		}
	}

	if removed > 0 {
		t.logger.Debug("Swept expired records from state directory",
			"removed", removed,
			"dir", t.dir)
	}
}
