package tiercache

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"tiercache/internal/cache"
	"tiercache/internal/logging"
	"tiercache/internal/persistence"
	"tiercache/internal/storage"
	"tiercache/internal/tiered"
	"tiercache/internal/writebehind"
)

// Cache is a named tiered cache with optional write-behind to an external Writer
type Cache struct {
	name      string
	core      *tiered.Store
	store     cache.Store
	queue     *writebehind.Queue
	stats     *cache.Statistics
	listeners *cache.Listeners
	observers observers
	clock     func() time.Time

	// writeLocks order a key's store mutation and its write-behind enqueue
	writeLocks [writeLockStripes]sync.Mutex

	// mu serializes configuration changes
	mu     sync.Mutex
	config CacheConfig
	tti    atomic.Duration
	ttl    atomic.Duration

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

const writeLockStripes = 64

// Report is a point-in-time view of a cache for management tools
type Report struct {
	Name        string                 `json:"name"`
	Statistics  Snapshot               `json:"statistics"`
	Memory      cache.TierStats        `json:"memory"`
	Disk        *persistence.DiskStats `json:"disk,omitempty"`
	WriteBehind *writebehind.Stats     `json:"write_behind,omitempty"`
}

// NewCache builds a standalone cache. Disk tiers live in diskDir; an empty
// diskDir gives each disk tier its own temporary directory.
func NewCache(config CacheConfig, diskDir string) (*Cache, error) {
	return newCache(config, diskDir, false)
}

func newCache(config CacheConfig, diskDir string, autoDir bool) (*Cache, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if config.DiskPersistent && (autoDir || diskDir == "") {
		return nil, fmt.Errorf("cache %s: persistent disk tier needs an explicit disk store path: %w", config.Name, cache.ErrConfigurationConflict)
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.ExpiryInterval == 0 {
		config.ExpiryInterval = DefaultExpiryInterval
	}
	if config.StatisticsInterval <= 0 {
		config.StatisticsInterval = DefaultStatisticsInterval
	}

	policy, err := cache.NewPolicy(config.EvictionPolicy, config.SampleSize)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", config.Name, err)
	}

	c := &Cache{
		name:      config.Name,
		stats:     &cache.Statistics{},
		listeners: &cache.Listeners{},
		clock:     config.Clock,
		config:    config,
		stop:      make(chan struct{}),
	}
	for _, fn := range config.Listeners {
		c.listeners.Add(fn)
	}
	c.tti.Store(config.TimeToIdle)
	c.ttl.Store(config.TimeToLive)

	tieredConfig := tiered.Config{
		Name: config.Name,
		Memory: storage.MemoryStoreConfig{
			MaxEntries: config.MaxEntriesLocalHeap,
			MaxBytes:   config.MaxBytesLocalHeap,
			Policy:     policy,
		},
		DiskMode:       config.DiskMode,
		ExpiryInterval: config.ExpiryInterval,
		Stats:          c.stats,
		Listeners:      c.listeners,
		Clock:          config.Clock,
	}
	if tieredConfig.ExpiryInterval < 0 {
		tieredConfig.ExpiryInterval = 0
	}
	if config.DiskMode != DiskNone {
		disk := persistence.DefaultDiskStoreConfig(config.Name)
		disk.Directory = diskDir
		disk.Persistent = config.DiskPersistent
		disk.MaxEntries = config.MaxEntriesLocalDisk
		disk.MaxBytes = config.MaxBytesLocalDisk
		disk.Compress = config.DiskCompress
		disk.Policy = policy
		if config.DiskSpoolSize > 0 {
			disk.SpoolSize = config.DiskSpoolSize
		}
		tieredConfig.Disk = &disk
	}

	core, err := tiered.New(tieredConfig)
	if err != nil {
		return nil, err
	}
	c.core = core
	c.store = core
	if config.OperationTimeout > 0 {
		c.store = tiered.WithNonstop(tiered.WithTimeout(core, config.OperationTimeout), config.Nonstop, core)
	}

	if config.Writer != nil {
		wb := config.WriteBehind
		userDropped := wb.OnDropped
		wb.OnDropped = func(ops []writebehind.Operation, err error) {
			for _, op := range ops {
				c.stats.Observe(cache.Event{Kind: cache.EventWriterFailure, Key: op.Key, Err: err})
				c.listeners.Notify(cache.Event{Kind: cache.EventWriterFailure, Key: op.Key, Err: err})
			}
			if userDropped != nil {
				userDropped(ops, err)
			}
		}
		queue, err := writebehind.NewQueue(config.Name, config.Writer, wb)
		if err != nil {
			_ = core.Dispose(context.Background())
			return nil, fmt.Errorf("cache %s: %w", config.Name, err)
		}
		c.queue = queue
	}

	c.wg.Add(1)
	go c.sampleLoop(config.StatisticsInterval)

	logging.Info(nil, logging.ComponentCache, logging.ActionStart, "Cache created", map[string]interface{}{
		"cache":           config.Name,
		"eviction_policy": policy.Name(),
		"max_entries":     config.MaxEntriesLocalHeap,
		"disk_mode":       config.DiskMode.String(),
		"persistent":      config.DiskPersistent,
		"write_behind":    config.Writer != nil,
	})
	return c, nil
}

// Name returns the cache name
func (c *Cache) Name() string {
	return c.name
}

// Get returns the entry for key or ErrNotFound
func (c *Cache) Get(ctx context.Context, key string) (*Entry, error) {
	return c.store.Get(ctx, key)
}

// Put stores entry. Entries without their own expiry take the cache defaults.
// With write-behind configured the write is queued for the Writer.
func (c *Cache) Put(ctx context.Context, entry *Entry) error {
	if entry == nil || entry.Key == "" {
		return fmt.Errorf("cache %s: entry with empty key: %w", c.name, cache.ErrConfigurationConflict)
	}
	e := entry
	if e.TimeToIdle == 0 && e.TimeToLive == 0 {
		e = entry.Clone()
		e.TimeToIdle = c.tti.Load()
		e.TimeToLive = c.ttl.Load()
	}
	if c.queue == nil {
		return c.store.Put(ctx, e)
	}
	l := c.writeLock(e.Key)
	l.Lock()
	defer l.Unlock()
	if err := c.store.Put(ctx, e); err != nil {
		return err
	}
	return c.queue.Write(ctx, e.Key, e.Value)
}

// writeLock is held across a store mutation and its enqueue so the Writer
// sees a key's operations in the order the cache applied them.
func (c *Cache) writeLock(key string) *sync.Mutex {
	return &c.writeLocks[xxhash.Sum64String(key)%writeLockStripes]
}

// PutValue stores value under key with the cache's default expiry
func (c *Cache) PutValue(ctx context.Context, key string, value []byte) error {
	return c.Put(ctx, cache.NewEntry(key, value, c.clock().UnixMilli()))
}

// Remove deletes key from every tier and, with write-behind, from the Writer
func (c *Cache) Remove(ctx context.Context, key string) error {
	if c.queue == nil {
		return c.store.Remove(ctx, key)
	}
	l := c.writeLock(key)
	l.Lock()
	defer l.Unlock()
	if err := c.store.Remove(ctx, key); err != nil {
		return err
	}
	return c.queue.Delete(ctx, key)
}

// RemoveAll empties the cache. The Writer is not told.
func (c *Cache) RemoveAll(ctx context.Context) error {
	return c.store.RemoveAll(ctx)
}

// Size returns the number of distinct keys across tiers
func (c *Cache) Size() int {
	return c.store.Size()
}

// MemorySize returns the number of entries in the memory tier
func (c *Cache) MemorySize() int {
	return c.core.MemorySize()
}

// DiskSize returns the number of entries in the disk tier
func (c *Cache) DiskSize() int {
	return c.core.DiskSize()
}

// Flush makes the disk tier durable
func (c *Cache) Flush(ctx context.Context) error {
	return c.store.Flush(ctx)
}

// AddListener registers a listener for cache events
func (c *Cache) AddListener(fn Listener) {
	c.listeners.Add(fn)
}

// AddConfigObserver registers an observer for runtime configuration changes
func (c *Cache) AddConfigObserver(fn ConfigObserver) {
	c.observers.add(fn)
}

// Statistics returns the counters and the rates derived by the last sample
func (c *Cache) Statistics() Snapshot {
	return c.stats.Snapshot()
}

// Report collects statistics and tier occupancy
func (c *Cache) Report() Report {
	r := Report{
		Name:       c.name,
		Statistics: c.stats.Snapshot(),
		Memory:     c.core.MemoryStats(),
	}
	if disk, ok := c.core.DiskStats(); ok {
		r.Disk = &disk
	}
	if c.queue != nil {
		wb := c.queue.Stats()
		r.WriteBehind = &wb
	}
	return r
}

// Config returns the current configuration, including applied runtime changes
func (c *Cache) Config() CacheConfig {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.config
}

func (c *Cache) sampleLoop(interval time.Duration) {
	defer c.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case now := <-ticker.C:
			c.sample(now)
		case <-c.stop:
			return
		}
	}
}

func (c *Cache) sample(now time.Time) {
	if c.queue != nil {
		c.stats.QueueLength.Store(int64(c.queue.Len()))
	}
	c.stats.Sample(now)
}

// Dispose drains write-behind, stops background work and closes the tiers
func (c *Cache) Dispose(ctx context.Context) error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(c.stop)
	c.wg.Wait()

	var result error
	if c.queue != nil {
		result = multierr.Append(result, c.queue.Dispose(ctx))
	}
	result = multierr.Append(result, c.store.Dispose(ctx))

	fields := map[string]interface{}{"cache": c.name}
	if result != nil {
		logging.Error(ctx, logging.ComponentCache, logging.ActionStop, "Cache disposed with errors", result, fields)
	} else {
		logging.Info(ctx, logging.ComponentCache, logging.ActionStop, "Cache disposed", fields)
	}
	return result
}

// SetMaxEntriesLocalHeap changes the memory tier entry bound; 0 is unbounded
func (c *Cache) SetMaxEntriesLocalHeap(n int) error {
	return c.change(ChangeMaxEntriesLocalHeap, int64(n), func(cfg *CacheConfig) (int64, error) {
		old := int64(cfg.MaxEntriesLocalHeap)
		if err := c.core.SetMemoryMaxEntries(n); err != nil {
			return old, err
		}
		cfg.MaxEntriesLocalHeap = n
		return old, nil
	})
}

// SetMaxBytesLocalHeap changes the memory tier byte budget; 0 is unbounded
func (c *Cache) SetMaxBytesLocalHeap(n int64) error {
	return c.change(ChangeMaxBytesLocalHeap, n, func(cfg *CacheConfig) (int64, error) {
		old := cfg.MaxBytesLocalHeap
		if err := c.core.SetMemoryMaxBytes(n); err != nil {
			return old, err
		}
		cfg.MaxBytesLocalHeap = n
		return old, nil
	})
}

// SetMaxEntriesLocalDisk changes the disk tier entry bound online
func (c *Cache) SetMaxEntriesLocalDisk(n int) error {
	return c.change(ChangeMaxEntriesLocalDisk, int64(n), func(cfg *CacheConfig) (int64, error) {
		old := int64(cfg.MaxEntriesLocalDisk)
		if err := c.core.SetDiskMaxEntries(n); err != nil {
			return old, err
		}
		cfg.MaxEntriesLocalDisk = n
		return old, nil
	})
}

// SetMaxBytesLocalDisk changes the disk tier byte budget online
func (c *Cache) SetMaxBytesLocalDisk(n int64) error {
	return c.change(ChangeMaxBytesLocalDisk, n, func(cfg *CacheConfig) (int64, error) {
		old := cfg.MaxBytesLocalDisk
		if err := c.core.SetDiskMaxBytes(n); err != nil {
			return old, err
		}
		cfg.MaxBytesLocalDisk = n
		return old, nil
	})
}

// SetTimeToIdle changes the default idle expiry of entries put from now on
func (c *Cache) SetTimeToIdle(d time.Duration) error {
	return c.change(ChangeTimeToIdle, int64(d), func(cfg *CacheConfig) (int64, error) {
		old := int64(cfg.TimeToIdle)
		if cfg.Eternal {
			return old, fmt.Errorf("cache %s is eternal: %w", c.name, cache.ErrConfigurationConflict)
		}
		cfg.TimeToIdle = d
		c.tti.Store(d)
		return old, nil
	})
}

// SetTimeToLive changes the default lifetime of entries put from now on
func (c *Cache) SetTimeToLive(d time.Duration) error {
	return c.change(ChangeTimeToLive, int64(d), func(cfg *CacheConfig) (int64, error) {
		old := int64(cfg.TimeToLive)
		if cfg.Eternal {
			return old, fmt.Errorf("cache %s is eternal: %w", c.name, cache.ErrConfigurationConflict)
		}
		cfg.TimeToLive = d
		c.ttl.Store(d)
		return old, nil
	})
}

// change validates and applies one configuration change, then tells observers
func (c *Cache) change(kind ChangeKind, value int64, apply func(cfg *CacheConfig) (int64, error)) error {
	if c.closed.Load() {
		return cache.ErrStoreClosed
	}
	if value < 0 {
		return fmt.Errorf("cache %s: %s must not be negative: %w", c.name, kind, cache.ErrConfigurationConflict)
	}

	c.mu.Lock()
	old, err := apply(&c.config)
	c.mu.Unlock()
	if err != nil {
		if !errors.Is(err, cache.ErrConfigurationConflict) {
			err = fmt.Errorf("cache %s: %s: %v: %w", c.name, kind, err, cache.ErrConfigurationConflict)
		}
		logging.Warn(nil, logging.ComponentCache, logging.ActionConfigChange, "Configuration change rejected", map[string]interface{}{
			"cache": c.name,
			"kind":  kind.String(),
			"value": value,
			"error": err.Error(),
		})
		return err
	}

	logging.Info(nil, logging.ComponentCache, logging.ActionConfigChange, "Configuration changed", map[string]interface{}{
		"cache": c.name,
		"kind":  kind.String(),
		"old":   old,
		"new":   value,
	})
	c.observers.notify(ConfigChange{Cache: c.name, Kind: kind, Old: old, New: value})
	return nil
}
