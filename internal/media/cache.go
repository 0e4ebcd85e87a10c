// Package media owns downloaded image/video files on disk. Every file is
// tracked by an opaque handle with reference-counted ownership: a flow
// state owns its handles until a broadcast record takes them over or the
// flow terminates.
package media

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/wartabot/wartabot/internal/common/logger"
)

// Handle is an opaque reference to a cached file.
type Handle string

// Referencer reports which absolute media paths are pinned by persisted
// records (broadcast rows and serialized flow states).
type Referencer interface {
	ReferencedMediaPaths(ctx context.Context) (map[string]bool, error)
}

type entry struct {
	path   string
	owners map[string]bool
}

// Cache is the on-disk media cache.
type Cache struct {
	dir    string
	logger *logger.Logger

	mu      sync.Mutex
	entries map[Handle]*entry
}

// NewCache creates the cache rooted at dir, creating it if needed.
func NewCache(dir string, log *logger.Logger) (*Cache, error) {
	dir = expandHome(dir)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create media dir: %w", err)
	}
	return &Cache{
		dir:     dir,
		logger:  log.WithFields(zap.String("component", "media-cache")),
		entries: make(map[Handle]*entry),
	}, nil
}

// Dir returns the cache root directory.
func (c *Cache) Dir() string {
	return c.dir
}

// Acquire writes data atomically (temp file then rename) and registers a
// new handle with no owners yet.
func (c *Cache) Acquire(data []byte, ext string) (Handle, string, error) {
	if !strings.HasPrefix(ext, ".") && ext != "" {
		ext = "." + ext
	}
	name := uuid.New().String() + ext
	path := filepath.Join(c.dir, name)

	tmp, err := os.CreateTemp(c.dir, ".tmp-*")
	if err != nil {
		return "", "", fmt.Errorf("failed to create temp file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return "", "", fmt.Errorf("failed to write media: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", "", fmt.Errorf("failed to close temp file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return "", "", fmt.Errorf("failed to finalize media file: %w", err)
	}

	h := Handle(name)
	c.mu.Lock()
	c.entries[h] = &entry{path: path, owners: make(map[string]bool)}
	c.mu.Unlock()

	c.logger.Debug("acquired media", zap.String("handle", name), zap.Int("bytes", len(data)))
	return h, path, nil
}

// Adopt registers an existing file path under a new handle, used when a
// persisted record's media survives a restart and a flow takes it back.
func (c *Cache) Adopt(path string) (Handle, error) {
	if _, err := os.Stat(path); err != nil {
		return "", fmt.Errorf("media file missing: %w", err)
	}
	h := Handle(filepath.Base(path))
	c.mu.Lock()
	if _, ok := c.entries[h]; !ok {
		c.entries[h] = &entry{path: path, owners: make(map[string]bool)}
	}
	c.mu.Unlock()
	return h, nil
}

// Path resolves a handle to its absolute path.
func (c *Cache) Path(h Handle) (string, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[h]
	if !ok {
		return "", false
	}
	return e.path, true
}

// Attach records owner as holding the handle.
func (c *Cache) Attach(h Handle, owner string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[h]
	if !ok {
		return fmt.Errorf("unknown media handle %q", h)
	}
	e.owners[owner] = true
	return nil
}

// Detach drops owner's hold on the handle. When the reference count
// reaches zero the file is unlinked unless persisted is true.
func (c *Cache) Detach(h Handle, owner string, persisted bool) {
	c.mu.Lock()
	e, ok := c.entries[h]
	if !ok {
		c.mu.Unlock()
		return
	}
	delete(e.owners, owner)
	remove := len(e.owners) == 0 && !persisted
	if remove {
		delete(c.entries, h)
	}
	c.mu.Unlock()

	if remove {
		if err := os.Remove(e.path); err != nil && !os.IsNotExist(err) {
			c.logger.Warn("failed to unlink media", zap.String("path", e.path), zap.Error(err))
		} else {
			c.logger.Debug("released media", zap.String("handle", string(h)))
		}
	}
}

// Release forgets the handle without unlinking, used when ownership of the
// file moves to a persisted record.
func (c *Cache) Release(h Handle) {
	c.mu.Lock()
	delete(c.entries, h)
	c.mu.Unlock()
}

// Owners returns the current reference count for a handle.
func (c *Cache) Owners(h Handle) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.entries[h]
	if !ok {
		return 0
	}
	return len(e.owners)
}

// Reconcile scans the media directory at startup and unlinks files that
// are referenced by no persisted record and are older than grace. Young
// orphans are kept to tolerate crash races.
func (c *Cache) Reconcile(ctx context.Context, ref Referencer, grace time.Duration) (int, error) {
	referenced, err := ref.ReferencedMediaPaths(ctx)
	if err != nil {
		return 0, fmt.Errorf("failed to load referenced media paths: %w", err)
	}

	dirents, err := os.ReadDir(c.dir)
	if err != nil {
		return 0, fmt.Errorf("failed to read media dir: %w", err)
	}

	cutoff := time.Now().Add(-grace)
	removed := 0
	for _, de := range dirents {
		if de.IsDir() {
			continue
		}
		path := filepath.Join(c.dir, de.Name())
		if referenced[path] {
			continue
		}
		info, err := de.Info()
		if err != nil {
			continue
		}
		if info.ModTime().After(cutoff) {
			continue
		}
		if err := os.Remove(path); err != nil {
			c.logger.Warn("reconcile: failed to unlink orphan", zap.String("path", path), zap.Error(err))
			continue
		}
		removed++
		c.logger.Info("reconcile: removed orphaned media", zap.String("path", path))
	}
	return removed, nil
}

func expandHome(dir string) string {
	if strings.HasPrefix(dir, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, dir[2:])
		}
	}
	return dir
}
