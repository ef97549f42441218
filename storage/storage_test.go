package storage

import (
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
)

func newLocalStore(t *testing.T) (*Store, string) {
	t.Helper()
	dir := t.TempDir()
	return New(Config{LocalPath: dir}, slog.New(slog.NewTextHandler(io.Discard, nil))), dir
}

func TestObjectKey(t *testing.T) {
	s, _ := newLocalStore(t)

	tests := []struct {
		name string
		key  string
		want string
	}{
		{name: "simple", key: "notifyMeRequests", want: "kv-notifyMeRequests.json"},
		{name: "dashes and digits", key: "events-2026_v1", want: "kv-events-2026_v1.json"},
		{name: "path traversal", key: "../etc/passwd", want: ""},
		{name: "slash", key: "a/b", want: ""},
		{name: "empty", key: "", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := s.ObjectKey(tt.key); got != tt.want {
				t.Errorf("ObjectKey(%q) = %q, want %q", tt.key, got, tt.want)
			}
		})
	}
}

func TestLocalRoundTrip(t *testing.T) {
	ctx := context.Background()
	s, dir := newLocalStore(t)

	if _, err := s.Get(ctx, "notifyMeRequests"); !IsNotFound(err) {
		t.Fatalf("Get() on empty store error = %v, want not found", err)
	}

	if err := s.Set(ctx, "notifyMeRequests", []byte(`[]`)); err != nil {
		t.Fatalf("Set() error = %v", err)
	}
	if err := s.Set(ctx, "notifyMeRequests", []byte(`[{"eventId":"e1"}]`)); err != nil {
		t.Fatalf("Set() overwrite error = %v", err)
	}

	got, err := s.Get(ctx, "notifyMeRequests")
	if err != nil {
		t.Fatalf("Get() error = %v", err)
	}
	if string(got) != `[{"eventId":"e1"}]` {
		t.Errorf("Get() = %s", got)
	}

	info, err := os.Stat(filepath.Join(dir, "kv-notifyMeRequests.json"))
	if err != nil {
		t.Fatalf("stat stored file: %v", err)
	}
	if perm := info.Mode().Perm(); perm != 0o600 {
		t.Errorf("file mode = %v, want 0600", perm)
	}

	if err := s.Delete(ctx, "notifyMeRequests"); err != nil {
		t.Fatalf("Delete() error = %v", err)
	}
	if err := s.Delete(ctx, "notifyMeRequests"); err != nil {
		t.Errorf("Delete() of missing key error = %v", err)
	}
	if _, err := s.Get(ctx, "notifyMeRequests"); !IsNotFound(err) {
		t.Errorf("Get() after delete error = %v, want not found", err)
	}
}

func TestInvalidKeyRejected(t *testing.T) {
	ctx := context.Background()
	s, _ := newLocalStore(t)

	if err := s.Set(ctx, "../escape", []byte("x")); err == nil {
		t.Error("Set() accepted traversal key")
	}
	if _, err := s.Get(ctx, "../escape"); err == nil || IsNotFound(err) {
		t.Errorf("Get() traversal key error = %v, want invalid key", err)
	}
}

func TestBackend(t *testing.T) {
	s, _ := newLocalStore(t)
	if s.Backend() != "local" {
		t.Errorf("Backend() = %q", s.Backend())
	}
	if New(Config{Bucket: "b"}, slog.Default()).Backend() != "gcs" {
		t.Error("bucket config should select gcs")
	}
}
