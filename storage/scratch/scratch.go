// Package scratch provides the session-scoped file tier. Records live in a
// scratch directory that survives a process restart within the same session
// but is abandoned when the session ends, mirroring the lifetime of a
// browser tab.
package scratch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/curtismu7/oauth-playground/storage"
)

// Tier stores records as JSON files under a session directory.
type Tier struct {
	dir    string
	logger *slog.Logger
}

// Compile-time interface check
var _ storage.Tier = (*Tier)(nil)

// New creates the scratch tier rooted at dir, creating the directory with
// owner-only permissions. Reusing a directory across restarts resumes the
// session's material.
func New(dir string, logger *slog.Logger) (*Tier, error) {
	if dir == "" {
		return nil, fmt.Errorf("scratch directory is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("failed to create scratch directory: %w", err)
	}

	return &Tier{dir: dir, logger: logger}, nil
}

// Name identifies the tier in logs and metrics
func (t *Tier) Name() string {
	return "scratch"
}

// Dir returns the session directory backing this tier.
func (t *Tier) Dir() string {
	return t.dir
}

func (t *Tier) path(key storage.Key) string {
	return filepath.Join(t.dir, key.String()+".json")
}

// Save writes the record as an owner-only JSON file.
func (t *Tier) Save(ctx context.Context, key storage.Key, rec *storage.Record) error {
	if err := key.Validate(); err != nil {
		return err
	}

	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode record: %w", err)
	}

	if err := os.WriteFile(t.path(key), data, 0o600); err != nil {
		return fmt.Errorf("failed to write scratch record: %w", err)
	}
	return nil
}

// Load reads a record back. Missing or expired files report ErrNotFound;
// expired files are removed on the way out.
func (t *Tier) Load(ctx context.Context, key storage.Key) (*storage.Record, error) {
	if err := key.Validate(); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(t.path(key))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, storage.ErrNotFound
		}
		return nil, fmt.Errorf("failed to read scratch record: %w", err)
	}

	var rec storage.Record
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to decode scratch record: %w", err)
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
		return fmt.Errorf("failed to remove scratch record: %w", err)
	}
	return nil
}

// Purge deletes the whole session directory. Called when a session ends so
// abandoned material does not linger in the temp area.
func (t *Tier) Purge() error {
	if err := os.RemoveAll(t.dir); err != nil {
		return fmt.Errorf("failed to purge scratch directory: %w", err)
	}
	t.logger.Debug("Purged scratch tier", "dir", t.dir)
	return nil
}
