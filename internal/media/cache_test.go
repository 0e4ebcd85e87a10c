package media

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/wartabot/wartabot/internal/common/logger"
)

type staticRef map[string]bool

func (r staticRef) ReferencedMediaPaths(ctx context.Context) (map[string]bool, error) {
	return r, nil
}

func newTestCache(t *testing.T) *Cache {
	t.Helper()
	c, err := NewCache(t.TempDir(), logger.Default())
	if err != nil {
		t.Fatalf("NewCache failed: %v", err)
	}
	return c
}

func TestAcquireWritesFile(t *testing.T) {
	c := newTestCache(t)
	h, path, err := c.Acquire([]byte("jpeg-bytes"), "jpg")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	if h == "" {
		t.Fatal("expected non-empty handle")
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("media file not readable: %v", err)
	}
	if string(data) != "jpeg-bytes" {
		t.Errorf("unexpected file content: %q", data)
	}
	if filepath.Ext(path) != ".jpg" {
		t.Errorf("expected .jpg extension, got %q", path)
	}
}

func TestAcquireLeavesNoTempFiles(t *testing.T) {
	c := newTestCache(t)
	if _, _, err := c.Acquire([]byte("x"), ".png"); err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	dirents, err := os.ReadDir(c.Dir())
	if err != nil {
		t.Fatalf("ReadDir failed: %v", err)
	}
	for _, de := range dirents {
		if de.Name()[0] == '.' {
			t.Errorf("leftover temp file %q", de.Name())
		}
	}
}

func TestDetachUnlinksAtZeroRefs(t *testing.T) {
	c := newTestCache(t)
	h, path, err := c.Acquire([]byte("x"), "jpg")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}

	if err := c.Attach(h, "flow:a"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if err := c.Attach(h, "flow:b"); err != nil {
		t.Fatalf("Attach failed: %v", err)
	}
	if got := c.Owners(h); got != 2 {
		t.Errorf("expected 2 owners, got %d", got)
	}

	c.Detach(h, "flow:a", false)
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("file removed while still owned: %v", err)
	}

	c.Detach(h, "flow:b", false)
	if _, err := os.Stat(path); !os.IsNotExist(err) {
		t.Errorf("expected file unlinked at zero refs, stat err = %v", err)
	}
}

func TestDetachPersistedKeepsFile(t *testing.T) {
	c := newTestCache(t)
	h, path, err := c.Acquire([]byte("x"), "jpg")
	if err != nil {
		t.Fatalf("Acquire failed: %v", err)
	}
	_ = c.Attach(h, "flow:a")
	c.Detach(h, "flow:a", true)
	if _, err := os.Stat(path); err != nil {
		t.Errorf("persisted media must survive detach: %v", err)
	}
}

func TestAttachUnknownHandle(t *testing.T) {
	c := newTestCache(t)
	if err := c.Attach(Handle("nope.jpg"), "flow:a"); err == nil {
		t.Error("expected error for unknown handle")
	}
}

func TestReconcileRemovesOldOrphans(t *testing.T) {
	c := newTestCache(t)

	orphan := filepath.Join(c.Dir(), "orphan.jpg")
	if err := os.WriteFile(orphan, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(orphan, old, old); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	kept := filepath.Join(c.Dir(), "kept.jpg")
	if err := os.WriteFile(kept, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}
	if err := os.Chtimes(kept, old, old); err != nil {
		t.Fatalf("Chtimes failed: %v", err)
	}

	fresh := filepath.Join(c.Dir(), "fresh.jpg")
	if err := os.WriteFile(fresh, []byte("x"), 0o644); err != nil {
		t.Fatalf("WriteFile failed: %v", err)
	}

	removed, err := c.Reconcile(context.Background(), staticRef{kept: true}, 24*time.Hour)
	if err != nil {
		t.Fatalf("Reconcile failed: %v", err)
	}
	if removed != 1 {
		t.Errorf("expected 1 removed, got %d", removed)
	}
	if _, err := os.Stat(orphan); !os.IsNotExist(err) {
		t.Error("expected orphan removed")
	}
	if _, err := os.Stat(kept); err != nil {
		t.Error("referenced file must be kept")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("file younger than grace must be kept")
	}
}
