package statedir

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/curtismu7/oauth-playground/security"
	"github.com/curtismu7/oauth-playground/storage"
)

func testKey(instance string) storage.Key {
	return storage.Key{Namespace: "playground", FlowType: "hybrid", InstanceID: instance}
}

func newEncryptor(t *testing.T) *security.Encryptor {
	t.Helper()
	key, err := security.DeriveKey([]byte("test-secret"), "env-test", "client-test")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	enc, err := security.NewEncryptor(key)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}
	return enc
}

func TestNew_RequiresDir(t *testing.T) {
	if _, err := New("", nil, nil); err == nil {
		t.Error("New should reject an empty directory")
	}
}

func TestTier_SaveLoadClear(t *testing.T) {
	tier, err := New(t.TempDir(), newEncryptor(t), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	ctx := context.Background()

	key := testKey("flow-1")
	rec := &storage.Record{
		Verifier:  "verifier-value",
		Challenge: "challenge-value",
		Method:    "S256",
		State:     "playground-hybrid-xyz",
		NonceHash: "deadbeef",
		SavedAt:   time.Now().UTC(),
		ExpiresAt: time.Now().Add(time.Hour).UTC(),
	}

	if err := tier.Save(ctx, key, rec); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	got, err := tier.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if got.Verifier != rec.Verifier || got.NonceHash != rec.NonceHash {
		t.Errorf("Load() = %+v, want persisted record back", got)
	}

	if err := tier.Clear(ctx, key); err != nil {
		t.Fatalf("Clear() error = %v", err)
	}
	if _, err := tier.Load(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Load() after Clear() error = %v, want ErrNotFound", err)
	}
}

func TestTier_RecordsSealedOnDisk(t *testing.T) {
	dir := t.TempDir()
	tier, err := New(dir, newEncryptor(t), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}

	key := testKey("flow-sealed")
	verifier := "very-secret-verifier-material"
	if err := tier.Save(context.Background(), key, &storage.Record{Verifier: verifier}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	raw, err := os.ReadFile(filepath.Join(dir, key.String()+recordSuffix))
	if err != nil {
		t.Fatalf("ReadFile() error = %v", err)
	}
	if bytes.Contains(raw, []byte(verifier)) {
		t.Error("verifier must not appear in plaintext on disk")
	}
}

func TestTier_SurvivesRestart(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := testKey("flow-restart")

	first, err := New(dir, newEncryptor(t), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := first.Save(ctx, key, &storage.Record{Verifier: "durable", ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	// Same directory, same derived key: a process restart.
	second, err := New(dir, newEncryptor(t), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	got, err := second.Load(ctx, key)
	if err != nil {
		t.Fatalf("Load() after restart error = %v", err)
	}
	if got.Verifier != "durable" {
		t.Errorf("Verifier = %q, want %q", got.Verifier, "durable")
	}
}

func TestTier_RotatedKeyTreatedAsNotFound(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	key := testKey("flow-rotated")

	first, err := New(dir, newEncryptor(t), nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if err := first.Save(ctx, key, &storage.Record{Verifier: "old"}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	otherKey, err := security.DeriveKey([]byte("rotated-secret"), "env-test", "client-test")
	if err != nil {
		t.Fatalf("DeriveKey() error = %v", err)
	}
	otherEnc, err := security.NewEncryptor(otherKey)
	if err != nil {
		t.Fatalf("NewEncryptor() error = %v", err)
	}

	second, err := New(dir, otherEnc, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	if _, err := second.Load(ctx, key); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Load() with rotated key error = %v, want ErrNotFound", err)
	}
}

func TestNew_SweepsExpiredRecords(t *testing.T) {
	dir := t.TempDir()
	ctx := context.Background()
	enc := newEncryptor(t)

	first, err := New(dir, enc, nil)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	live := testKey("live")
	dead := testKey("dead")
	if err := first.Save(ctx, live, &storage.Record{ExpiresAt: time.Now().Add(time.Hour)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}
	if err := first.Save(ctx, dead, &storage.Record{ExpiresAt: time.Now().Add(-time.Minute)}); err != nil {
		t.Fatalf("Save() error = %v", err)
	}

	if _, err := New(dir, enc, nil); err != nil {
		t.Fatalf("New() error = %v", err)
	}

	if _, err := os.Stat(filepath.Join(dir, dead.String()+recordSuffix)); !errors.Is(err, os.ErrNotExist) {
		t.Error("expired record should be swept on open")
	}
	if _, err := os.Stat(filepath.Join(dir, live.String()+recordSuffix)); err != nil {
		t.Errorf("live record should survive the sweep: %v", err)
	}
}
