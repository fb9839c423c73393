package blobstore

import (
	"context"
	"errors"
	"io"
	"strings"
	"testing"

	"github.com/anubissbe/JarvisAI/internal/platform/logger"
)

func newTestLogger(t *testing.T) *logger.Logger {
	t.Helper()
	log, err := logger.New("development")
	if err != nil {
		t.Fatalf("logger.New returned error: %v", err)
	}
	t.Cleanup(log.Sync)
	return log
}

func TestResolveConfigFromEnvDefaultLocal(t *testing.T) {
	t.Setenv("BLOB_STORAGE_MODE", "")
	t.Setenv("BLOB_STORAGE_DIR", "")
	t.Setenv("DOCUMENT_GCS_BUCKET_NAME", "")
	t.Setenv("STORAGE_EMULATOR_HOST", "")

	cfg, err := ResolveConfigFromEnv()
	if err != nil {
		t.Fatalf("ResolveConfigFromEnv: %v", err)
	}
	if cfg.Mode != ModeLocal {
		t.Fatalf("mode: want=%q got=%q", ModeLocal, cfg.Mode)
	}
	if cfg.Dir == "" {
		t.Fatalf("dir: want default got empty")
	}
}

func TestResolveConfigFromEnvInvalidMode(t *testing.T) {
	t.Setenv("BLOB_STORAGE_MODE", "s3")

	_, err := ResolveConfigFromEnv()
	if err == nil {
		t.Fatalf("ResolveConfigFromEnv: expected error, got nil")
	}
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type want=*ConfigError got=%T", err)
	}
	if cfgErr.Code != ConfigErrorInvalidMode {
		t.Fatalf("code: want=%q got=%q", ConfigErrorInvalidMode, cfgErr.Code)
	}
}

func TestResolveConfigFromEnvGCSMissingBucket(t *testing.T) {
	t.Setenv("BLOB_STORAGE_MODE", "gcs")
	t.Setenv("DOCUMENT_GCS_BUCKET_NAME", "")

	_, err := ResolveConfigFromEnv()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type want=*ConfigError got=%T", err)
	}
	if cfgErr.Code != ConfigErrorMissingBucket {
		t.Fatalf("code: want=%q got=%q", ConfigErrorMissingBucket, cfgErr.Code)
	}
}

func TestResolveConfigFromEnvEmulatorHostValidation(t *testing.T) {
	t.Setenv("BLOB_STORAGE_MODE", "gcs_emulator")
	t.Setenv("DOCUMENT_GCS_BUCKET_NAME", "docs")
	t.Setenv("STORAGE_EMULATOR_HOST", "fake-gcs:4443")

	_, err := ResolveConfigFromEnv()
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("error type want=*ConfigError got=%T", err)
	}
	if cfgErr.Code != ConfigErrorInvalidEmulatorHost {
		t.Fatalf("code: want=%q got=%q", ConfigErrorInvalidEmulatorHost, cfgErr.Code)
	}
}

func TestLocalStoreRoundTrip(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStoreWithConfig(newTestLogger(t), Config{Mode: ModeLocal, Dir: dir})
	if err != nil {
		t.Fatalf("NewStoreWithConfig: %v", err)
	}

	ctx := context.Background()
	key := "kb-1/doc-1/upload.txt"
	content := "The quick brown fox jumps over the lazy dog."

	if err := store.Put(ctx, key, strings.NewReader(content), "text/plain"); err != nil {
		t.Fatalf("Put: %v", err)
	}

	r, err := store.Open(ctx, key)
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	got, err := io.ReadAll(r)
	if err != nil {
		t.Fatalf("ReadAll: %v", err)
	}
	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if string(got) != content {
		t.Fatalf("content: want=%q got=%q", content, string(got))
	}

	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := store.Open(ctx, key); err == nil {
		t.Fatalf("Open after delete: expected error, got nil")
	}

	// Deleting a missing key is a no-op.
	if err := store.Delete(ctx, key); err != nil {
		t.Fatalf("Delete missing: %v", err)
	}
}

func TestLocalStoreOverwrite(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStoreWithConfig(newTestLogger(t), Config{Mode: ModeLocal, Dir: dir})
	if err != nil {
		t.Fatalf("NewStoreWithConfig: %v", err)
	}

	ctx := context.Background()
	if err := store.Put(ctx, "doc.txt", strings.NewReader("v1"), ""); err != nil {
		t.Fatalf("Put v1: %v", err)
	}
	if err := store.Put(ctx, "doc.txt", strings.NewReader("v2"), ""); err != nil {
		t.Fatalf("Put v2: %v", err)
	}

	r, err := store.Open(ctx, "doc.txt")
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer r.Close()
	got, _ := io.ReadAll(r)
	if string(got) != "v2" {
		t.Fatalf("content: want=v2 got=%q", string(got))
	}
}

func TestLocalStoreRejectsTraversalKeys(t *testing.T) {
	dir := t.TempDir()
	store, err := NewStoreWithConfig(newTestLogger(t), Config{Mode: ModeLocal, Dir: dir})
	if err != nil {
		t.Fatalf("NewStoreWithConfig: %v", err)
	}

	ctx := context.Background()
	for _, key := range []string{"../escape.txt", "", "..", "a/../../b"} {
		if err := store.Put(ctx, key, strings.NewReader("x"), ""); err == nil {
			t.Fatalf("Put %q: expected error, got nil", key)
		}
	}
}
