package tiercache

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sort"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"golang.org/x/sync/errgroup"

	"tiercache/internal/cache"
	"tiercache/internal/logging"
)

var (
	// ErrCacheExists is returned when a cache name is already registered
	ErrCacheExists = errors.New("cache already exists")

	// ErrCacheNotFound is returned for an unknown cache name
	ErrCacheNotFound = errors.New("cache not found")
)

// Manager is an explicit registry of caches sharing one disk store path.
// Create as many as needed; nothing is global.
type Manager struct {
	name    string
	id      string
	dir     string
	autoDir bool

	mu       sync.RWMutex
	caches   map[string]*Cache
	shutdown bool
}

// NewManager creates a manager. Without a DiskStorePath a temporary directory
// is created; it is removed on Shutdown and cannot hold persistent caches.
func NewManager(config ManagerConfig) (*Manager, error) {
	m := &Manager{
		name:   config.Name,
		id:     uuid.New().String(),
		dir:    config.DiskStorePath,
		caches: make(map[string]*Cache),
	}
	if m.name == "" {
		m.name = "manager-" + m.id[:8]
	}
	if m.dir == "" {
		dir, err := os.MkdirTemp("", "tiercache-"+m.id[:8]+"-")
		if err != nil {
			return nil, fmt.Errorf("failed to create disk store path: %w", err)
		}
		m.dir, m.autoDir = dir, true
	} else if err := os.MkdirAll(m.dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create disk store path: %w", err)
	}

	logging.Info(nil, logging.ComponentManager, logging.ActionStart, "Cache manager started", map[string]interface{}{
		"manager":   m.name,
		"instance":  m.id,
		"disk_path": m.dir,
		"temporary": m.autoDir,
	})
	return m, nil
}

// Name returns the manager name
func (m *Manager) Name() string { return m.name }

// InstanceID identifies this manager instance in logs
func (m *Manager) InstanceID() string { return m.id }

// DiskStorePath returns the directory holding the caches' disk files
func (m *Manager) DiskStorePath() string { return m.dir }

// CreateCache builds and registers a cache
func (m *Manager) CreateCache(config CacheConfig) (*Cache, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.shutdown {
		return nil, fmt.Errorf("manager %s: %w", m.name, cache.ErrStoreClosed)
	}
	if _, ok := m.caches[config.Name]; ok {
		return nil, fmt.Errorf("cache %q: %w", config.Name, ErrCacheExists)
	}
	if config.DiskPersistent && m.autoDir {
		return nil, fmt.Errorf("cache %s: manager %s has no disk store path for persistence: %w", config.Name, m.name, cache.ErrConfigurationConflict)
	}

	c, err := newCache(config, m.dir, m.autoDir)
	if err != nil {
		return nil, err
	}
	m.caches[config.Name] = c
	return c, nil
}

// Cache returns a registered cache
func (m *Manager) Cache(name string) (*Cache, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.caches[name]
	return c, ok
}

// CacheNames returns the registered names in sorted order
func (m *Manager) CacheNames() []string {
	m.mu.RLock()
	names := make([]string, 0, len(m.caches))
	for name := range m.caches {
		names = append(names, name)
	}
	m.mu.RUnlock()
	sort.Strings(names)
	return names
}

// RemoveCache unregisters and disposes a cache
func (m *Manager) RemoveCache(ctx context.Context, name string) error {
	m.mu.Lock()
	c, ok := m.caches[name]
	delete(m.caches, name)
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("cache %q: %w", name, ErrCacheNotFound)
	}
	return c.Dispose(ctx)
}

// Shutdown disposes every cache concurrently. The manager accepts no new caches afterwards.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	if m.shutdown {
		m.mu.Unlock()
		return nil
	}
	m.shutdown = true
	caches := m.caches
	m.caches = make(map[string]*Cache)
	m.mu.Unlock()
	defer logging.StartTimer(ctx, logging.ComponentManager, logging.ActionStop, "Cache manager shutdown finished")()

	// every cache is disposed even when another fails; Wait reports only the
	// first error, so each goroutine keeps its own
	var g errgroup.Group
	errs := make([]error, len(caches))
	i := 0
	for _, c := range caches {
		c, slot := c, &errs[i]
		i++
		g.Go(func() error {
			*slot = c.Dispose(ctx)
			return *slot
		})
	}
	_ = g.Wait()
	err := multierr.Combine(errs...)

	if m.autoDir {
		if rmErr := os.RemoveAll(m.dir); rmErr != nil {
			err = multierr.Append(err, fmt.Errorf("failed to remove disk store path: %w", rmErr))
		}
	}

	fields := map[string]interface{}{
		"manager": m.name,
		"caches":  len(caches),
	}
	if err != nil {
		logging.Error(ctx, logging.ComponentManager, logging.ActionStop, "Cache manager shut down with errors", err, fields)
	} else {
		logging.Info(ctx, logging.ComponentManager, logging.ActionStop, "Cache manager shut down", fields)
	}
	return err
}
