package sideindex

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"

	apperrors "github.com/jordigilh/memvid-export-api/internal/errors"
)

// SidecarPath returns the sidecar path for a capsule path, per spec.md
// §4.5.2: "<capsule-file-name>.index.v1.sqlite" alongside the capsule.
func SidecarPath(capsulePath string) string {
	return capsulePath + ".index." + SchemaVersion + ".sqlite"
}

// RebuildSource produces a DerivationInput for a capsule path on the
// rebuild path, when no usable sidecar exists. cmd/exportd wires in
// capsule.NewRebuildSource, which reopens the capsule archive; tests can
// fake it directly.
type RebuildSource interface {
	Load(capsulePath string) (DerivationInput, error)
}

// Cache is the process-wide, reader-writer-locked map of loaded indices
// keyed by capsule path, guarded by a singleflight group so concurrent
// get_or_load calls for the same path collapse into one load (spec.md
// §4.5.3, §5).
type Cache struct {
	mu      sync.RWMutex
	entries map[string]*Index

	group singleflight.Group

	source RebuildSource
	log    *logrus.Logger
}

func NewCache(source RebuildSource, log *logrus.Logger) *Cache {
	return &Cache{
		entries: make(map[string]*Index),
		source:  source,
		log:     log,
	}
}

// GetOrLoad returns the cached index for capsulePath, loading (or
// rebuilding) it if absent. Concurrent calls for the same path share one
// in-flight load via singleflight.
func (c *Cache) GetOrLoad(capsulePath string) (*Index, error) {
	c.mu.RLock()
	if idx, ok := c.entries[capsulePath]; ok {
		c.mu.RUnlock()
		return idx, nil
	}
	c.mu.RUnlock()

	v, err, _ := c.group.Do(capsulePath, func() (interface{}, error) {
		// Double-checked: another caller may have populated the cache
		// while we waited to enter the singleflight critical section.
		c.mu.RLock()
		if idx, ok := c.entries[capsulePath]; ok {
			c.mu.RUnlock()
			return idx, nil
		}
		c.mu.RUnlock()

		idx, loadErr := c.loadOrRebuild(capsulePath)
		if loadErr != nil {
			return nil, loadErr
		}

		c.mu.Lock()
		c.entries[capsulePath] = idx
		c.mu.Unlock()
		return idx, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(*Index), nil
}

func (c *Cache) loadOrRebuild(capsulePath string) (*Index, error) {
	sidecarPath := SidecarPath(capsulePath)

	if _, err := os.Stat(sidecarPath); err == nil {
		idx, loadErr := c.tryLoadSidecar(sidecarPath, capsulePath)
		if loadErr == nil {
			return idx, nil
		}
		if c.log != nil {
			c.log.WithError(loadErr).WithField("capsulePath", capsulePath).
				Warn("sidecar load failed, rebuilding from capsule")
		}
	}

	return c.rebuild(capsulePath, sidecarPath)
}

func (c *Cache) tryLoadSidecar(sidecarPath, capsulePath string) (*Index, error) {
	store, err := OpenStore(sidecarPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()
	return store.Load(capsulePath)
}

func (c *Cache) rebuild(capsulePath, sidecarPath string) (*Index, error) {
	if c.source == nil {
		return nil, apperrors.New(apperrors.ErrorTypeInternal, "no rebuild source configured").WithDetails(capsulePath)
	}
	input, err := c.source.Load(capsulePath)
	if err != nil {
		return nil, err
	}

	idx := Derive(input, c.log)
	idx.CapsulePath = capsulePath
	idx.SidecarPath = sidecarPath

	if err := os.MkdirAll(filepath.Dir(sidecarPath), 0o755); err != nil {
		return nil, apperrors.Wrap(err, apperrors.ErrorTypeInternal, "create sidecar directory")
	}

	store, err := OpenStore(sidecarPath)
	if err != nil {
		return nil, err
	}
	defer store.Close()

	if err := store.Persist(idx); err != nil {
		return nil, err
	}
	return idx, nil
}

// Invalidate drops a cached entry so the next GetOrLoad for that capsule
// path loads it again.
func (c *Cache) Invalidate(capsulePath string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, capsulePath)
}

// Len reports how many capsules currently have a cached index, for tests
// and operational introspection.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// IsSidecarPath reports whether p looks like a generated sidecar path
// rather than a capsule path, by checking for the sidecar suffix.
func IsSidecarPath(p string) bool {
	return strings.HasSuffix(p, ".index."+SchemaVersion+".sqlite")
}
