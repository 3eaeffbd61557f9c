// Package cache keeps the metadata index in memory and persists it to
// metadata.json in the data directory.
//
// Readers get deep copies under a read lock. Writers are serialised by a
// separate mutex that is held across persistence, so a slow disk never blocks
// lookups.
package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"

	"github.com/dmitrijs2005/msgvault/internal/client/models"
	"github.com/dmitrijs2005/msgvault/internal/common"
	"github.com/dmitrijs2005/msgvault/internal/filex"
	"github.com/dmitrijs2005/msgvault/internal/logging"
)

// FileName is the name of the persisted index inside the data directory.
const FileName = "metadata.json"

// Cache is the process-wide owner of the metadata index.
type Cache struct {
	dir    string
	logger logging.Logger

	// writeMu serialises loading and every write.
	writeMu sync.Mutex

	mu     sync.RWMutex
	store  *models.MetadataStore
	loaded bool
}

// New creates a cache for dataDir. Nothing is read until EnsureLoaded.
func New(dataDir string, logger logging.Logger) *Cache {
	return &Cache{dir: dataDir, logger: logger}
}

// Path returns the location of the persisted index.
func (c *Cache) Path() string {
	return filepath.Join(c.dir, FileName)
}

func (c *Cache) isLoaded() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.loaded
}

// EnsureLoaded reads the index from disk on first use. Later calls return
// immediately. A failed load leaves the cache unloaded so it can be retried.
func (c *Cache) EnsureLoaded(ctx context.Context) error {
	if c.isLoaded() {
		return nil
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.isLoaded() {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	store, dirty, err := c.load()
	if err != nil {
		return err
	}

	if dirty {
		c.logger.Info(ctx, "upgrading metadata index", "path", c.Path(), "version", store.Version)
		if err := c.persist(store); err != nil {
			return err
		}
	}

	c.mu.Lock()
	c.store = store
	c.loaded = true
	c.mu.Unlock()

	c.logger.Debug(ctx, "metadata index loaded", "files", len(store.Files), "folders", len(store.Folders))
	return nil
}

func (c *Cache) load() (*models.MetadataStore, bool, error) {
	if _, err := filex.EnsureDir(c.dir); err != nil {
		return nil, false, fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
	}

	data, err := os.ReadFile(c.Path())
	if errors.Is(err, fs.ErrNotExist) {
		return models.NewStore(), false, nil
	}
	if err != nil {
		return nil, false, fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
	}

	var store models.MetadataStore
	if err := json.Unmarshal(data, &store); err != nil {
		return nil, false, fmt.Errorf("%w: %s: %w", common.ErrCorruptState, c.Path(), err)
	}
	if store.Version == 0 {
		store.Version = models.SchemaLegacy
	}

	reconciled := store.Reconcile()
	normalized := store.Normalize()

	return &store, reconciled || normalized, nil
}

// ReadCopy returns a deep copy of the current index.
func (c *Cache) ReadCopy(ctx context.Context) (*models.MetadataStore, error) {
	if err := c.EnsureLoaded(ctx); err != nil {
		return nil, err
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.store.Clone(), nil
}

// Replace swaps in store and persists it. The in-memory index is updated
// even when persistence fails; the error is still returned.
func (c *Cache) Replace(ctx context.Context, store *models.MetadataStore) error {
	if err := c.EnsureLoaded(ctx); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	return c.replaceLocked(store.Clone())
}

// Mutate applies fn to a copy of the index and replaces the index with the
// result, all under the writer lock. If fn fails nothing changes. fn must
// not block on the network.
func (c *Cache) Mutate(ctx context.Context, fn func(*models.MetadataStore) error) error {
	if err := c.EnsureLoaded(ctx); err != nil {
		return err
	}

	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	c.mu.RLock()
	working := c.store.Clone()
	c.mu.RUnlock()

	if err := fn(working); err != nil {
		return err
	}

	return c.replaceLocked(working)
}

func (c *Cache) replaceLocked(store *models.MetadataStore) error {
	store.Version = models.SchemaCurrent

	c.mu.Lock()
	c.store = store
	c.mu.Unlock()

	return c.persist(store)
}

func (c *Cache) persist(store *models.MetadataStore) error {
	data, err := json.MarshalIndent(store, "", "  ")
	if err != nil {
		return fmt.Errorf("encode metadata: %w", err)
	}

	if err := filex.WriteFileAtomic(c.Path(), data, 0o600); err != nil {
		return fmt.Errorf("%w: %w", common.ErrStorageUnavailable, err)
	}
	return nil
}
