package tiered

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"
	"go.uber.org/atomic"
	"go.uber.org/multierr"

	"tiercache/internal/cache"
	"tiercache/internal/logging"
	"tiercache/internal/persistence"
	"tiercache/internal/storage"
)

// DiskMode selects how the disk tier relates to the memory tier
type DiskMode int

const (
	// DiskNone keeps entries in memory only; memory victims are dropped
	DiskNone DiskMode = iota
	// DiskOverflow holds only what memory evicted; promotion removes the disk copy
	DiskOverflow
	// DiskDurable writes every put through to disk; promotion leaves the disk copy
	DiskDurable
)

func (m DiskMode) String() string {
	switch m {
	case DiskOverflow:
		return "overflow"
	case DiskDurable:
		return "durable"
	default:
		return "none"
	}
}

// ParseDiskMode converts a configuration string to a DiskMode
func ParseDiskMode(s string) (DiskMode, error) {
	switch strings.ToLower(s) {
	case "", "none":
		return DiskNone, nil
	case "overflow":
		return DiskOverflow, nil
	case "durable":
		return DiskDurable, nil
	default:
		return DiskNone, fmt.Errorf("unknown disk mode %q: %w", s, cache.ErrConfigurationConflict)
	}
}

const lockStripes = 64

// Config wires the tiers of one cache
type Config struct {
	Name           string
	Memory         storage.MemoryStoreConfig
	Disk           *persistence.DiskStoreConfig // nil for memory-only caches
	DiskMode       DiskMode
	ExpiryInterval time.Duration // 0 disables the background sweep
	Stats          *cache.Statistics
	Listeners      *cache.Listeners
	Clock          func() time.Time
}

// Store composes the memory and disk tiers into one logical store. Every
// operation on a key holds that key's stripe lock, so moves of one key between
// tiers are atomic with respect to other operations on it.
type Store struct {
	config Config
	memory *storage.MemoryStore
	disk   *persistence.DiskStore
	stats  *cache.Statistics
	locks  [lockStripes]sync.Mutex

	closed atomic.Bool
	stop   chan struct{}
	wg     sync.WaitGroup
}

// New opens the tiers and starts the expiry sweep
func New(config Config) (*Store, error) {
	if config.DiskMode == DiskNone && config.Disk != nil {
		return nil, fmt.Errorf("cache %s: disk tier configured with disk mode none: %w", config.Name, cache.ErrConfigurationConflict)
	}
	if config.DiskMode != DiskNone && config.Disk == nil {
		return nil, fmt.Errorf("cache %s: disk mode %s needs a disk tier: %w", config.Name, config.DiskMode, cache.ErrConfigurationConflict)
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	if config.Stats == nil {
		config.Stats = &cache.Statistics{}
	}

	s := &Store{config: config, stats: config.Stats, stop: make(chan struct{})}

	memListeners := &cache.Listeners{}
	memListeners.Add(s.onMemoryEvent)
	memConfig := config.Memory
	memConfig.Name = config.Name
	memConfig.Clock = config.Clock
	memConfig.Listeners = memListeners
	memory, err := storage.NewMemoryStore(memConfig)
	if err != nil {
		return nil, fmt.Errorf("cache %s: %w", config.Name, err)
	}
	s.memory = memory

	if config.Disk != nil {
		diskListeners := &cache.Listeners{}
		diskListeners.Add(s.emit)
		diskConfig := *config.Disk
		if diskConfig.Name == "" {
			diskConfig.Name = config.Name
		}
		diskConfig.Clock = config.Clock
		diskConfig.Listeners = diskListeners
		disk, err := persistence.OpenDiskStore(diskConfig)
		if err != nil {
			return nil, fmt.Errorf("cache %s: %w", config.Name, err)
		}
		s.disk = disk
	}

	if config.ExpiryInterval > 0 {
		s.wg.Add(1)
		go s.sweepLoop(config.ExpiryInterval)
	}
	return s, nil
}

func (s *Store) emit(ev cache.Event) {
	s.stats.Observe(ev)
	s.config.Listeners.Notify(ev)
}

// Memory victims that move to disk are reported as spills by spill itself.
func (s *Store) onMemoryEvent(ev cache.Event) {
	if ev.Kind == cache.EventEvicted && s.disk != nil {
		return
	}
	s.emit(ev)
}

func (s *Store) lockFor(key string) *sync.Mutex {
	return &s.locks[xxhash.Sum64String(key)%lockStripes]
}

// spill handles a memory victim. It runs under the memory tier lock.
func (s *Store) spill(victim *cache.Entry) {
	if s.config.DiskMode != DiskOverflow {
		return
	}
	if err := s.disk.Put(victim); err != nil {
		logging.Error(nil, logging.ComponentTiered, logging.ActionSpill, "Failed to spill entry to disk", err, map[string]interface{}{
			"cache": s.config.Name,
			"key":   victim.Key,
		})
		s.emit(cache.Event{Kind: cache.EventEvicted, Key: victim.Key, Tier: "memory", Err: err})
		return
	}
	s.emit(cache.Event{Kind: cache.EventSpilled, Key: victim.Key, Tier: "disk"})
}

// Get returns the entry from memory, or promotes it from disk
func (s *Store) Get(_ context.Context, key string) (*cache.Entry, error) {
	if s.closed.Load() {
		return nil, cache.ErrStoreClosed
	}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	if e, ok := s.memory.Get(key); ok {
		s.stats.Hits.Inc()
		s.stats.MemoryHits.Inc()
		return e, nil
	}
	if s.disk == nil {
		s.stats.Misses.Inc()
		return nil, cache.ErrNotFound
	}

	e, ok, err := s.disk.Get(key)
	if err != nil && !errors.Is(err, cache.ErrCorruption) {
		return nil, fmt.Errorf("cache %s: %w", s.config.Name, err)
	}
	if !ok {
		s.stats.Misses.Inc()
		return nil, cache.ErrNotFound
	}
	s.stats.Hits.Inc()
	s.stats.DiskHits.Inc()
	s.promote(e)
	return e.Clone(), nil
}

// promote moves a disk hit into memory. In overflow mode the disk copy is
// removed first so a concurrent spill of the same key cannot be undone.
func (s *Store) promote(e *cache.Entry) {
	removeFromDisk := s.config.DiskMode == DiskOverflow && e.PinnedToStore != cache.PinDisk
	if removeFromDisk {
		if _, err := s.disk.Remove(e.Key); err != nil {
			return
		}
	}
	if err := s.memory.Put(e.Clone(), s.spill); err != nil {
		// memory is full of pinned entries; the entry stays on disk
		if removeFromDisk {
			if err := s.disk.Put(e); err != nil {
				logging.Error(nil, logging.ComponentTiered, logging.ActionPromote, "Failed to restore entry to disk", err, map[string]interface{}{
					"cache": s.config.Name,
					"key":   e.Key,
				})
			}
		}
		return
	}
	s.emit(cache.Event{Kind: cache.EventPromoted, Key: e.Key, Tier: "memory"})
}

// Put stores the entry in memory. Victims spill to disk in overflow mode; an
// entry that finds only pinned victims goes straight to disk when there is one.
func (s *Store) Put(_ context.Context, entry *cache.Entry) error {
	if s.closed.Load() {
		return cache.ErrStoreClosed
	}
	e := entry.Clone()
	l := s.lockFor(e.Key)
	l.Lock()
	defer l.Unlock()

	var dropOverflowCopy func() error
	if s.disk != nil {
		switch {
		case e.PinnedToStore == cache.PinDisk || s.config.DiskMode == DiskDurable:
			if err := s.disk.Put(e); err != nil {
				return fmt.Errorf("cache %s: %w", s.config.Name, err)
			}
		default:
			// runs under the memory tier lock, so the old value can no longer
			// be spilled once its disk copy is gone
			dropOverflowCopy = func() error {
				if _, err := s.disk.Remove(e.Key); err != nil {
					return fmt.Errorf("cache %s: %w", s.config.Name, err)
				}
				return nil
			}
		}
	}

	err := s.memory.PutWith(e, s.spill, dropOverflowCopy)
	if errors.Is(err, cache.ErrCapacityExceeded) && s.disk != nil {
		s.memory.Remove(e.Key)
		if e.PinnedToStore != cache.PinDisk && s.config.DiskMode != DiskDurable {
			if err := s.disk.Put(e); err != nil {
				return fmt.Errorf("cache %s: %w", s.config.Name, err)
			}
		}
		s.emit(cache.Event{Kind: cache.EventSpilled, Key: e.Key, Tier: "disk"})
		err = nil
	}
	if err != nil {
		return err
	}
	s.stats.Puts.Inc()
	return nil
}

// Remove deletes the key from both tiers; removing an absent key is a no-op
func (s *Store) Remove(_ context.Context, key string) error {
	if s.closed.Load() {
		return cache.ErrStoreClosed
	}
	l := s.lockFor(key)
	l.Lock()
	defer l.Unlock()

	_, found := s.memory.Remove(key)
	if s.disk != nil {
		onDisk, err := s.disk.Remove(key)
		if err != nil {
			return fmt.Errorf("cache %s: %w", s.config.Name, err)
		}
		found = found || onDisk
	}
	if found {
		s.stats.Removes.Inc()
		s.emit(cache.Event{Kind: cache.EventRemoved, Key: key})
	}
	return nil
}

// RemoveAll empties both tiers
func (s *Store) RemoveAll(ctx context.Context) error {
	if s.closed.Load() {
		return cache.ErrStoreClosed
	}
	for i := range s.locks {
		s.locks[i].Lock()
	}
	defer func() {
		for i := range s.locks {
			s.locks[i].Unlock()
		}
	}()

	s.memory.RemoveAll()
	if s.disk != nil {
		return s.disk.RemoveAll(ctx)
	}
	return nil
}

// Size is the number of distinct keys across both tiers
func (s *Store) Size() int {
	if s.disk == nil {
		return s.memory.Len()
	}
	n := s.disk.Len()
	for _, k := range s.memory.Keys() {
		if !s.disk.Contains(k) {
			n++
		}
	}
	return n
}

// Flush makes the disk tier durable. Persistent overflow caches first copy
// memory-resident entries to disk so that a restart finds them.
func (s *Store) Flush(ctx context.Context) error {
	if s.closed.Load() {
		return cache.ErrStoreClosed
	}
	if s.disk == nil {
		return nil
	}
	s.copyMemoryToDisk()
	return s.disk.Flush(ctx)
}

func (s *Store) copyMemoryToDisk() {
	if s.config.DiskMode != DiskOverflow || !s.config.Disk.Persistent {
		return
	}
	for _, k := range s.memory.Keys() {
		l := s.lockFor(k)
		l.Lock()
		if e, ok := s.memory.Peek(k); ok {
			if err := s.disk.Put(e); err != nil {
				logging.Error(nil, logging.ComponentTiered, logging.ActionFlush, "Failed to copy entry to disk", err, map[string]interface{}{
					"cache": s.config.Name,
					"key":   k,
				})
			}
		}
		l.Unlock()
	}
}

// Dispose stops the sweep and closes the disk tier
func (s *Store) Dispose(ctx context.Context) error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	close(s.stop)
	s.wg.Wait()

	var result error
	if s.disk != nil {
		s.copyMemoryToDisk()
		result = multierr.Append(result, s.disk.Dispose(ctx))
	}
	s.memory.RemoveAll()
	return result
}

// GetLocal reads the memory tier only, without updating access metadata
func (s *Store) GetLocal(key string) (*cache.Entry, bool) {
	return s.memory.Peek(key)
}

// ExpireNow sweeps both tiers for expired entries
func (s *Store) ExpireNow(ctx context.Context) error {
	expired := s.memory.ExpireEntries()
	if len(expired) > 0 {
		logging.Debug(ctx, logging.ComponentTiered, logging.ActionExpire, "Expired memory entries", map[string]interface{}{
			"cache": s.config.Name,
			"count": len(expired),
		})
	}
	if s.disk != nil {
		return s.disk.Expire(ctx)
	}
	return nil
}

func (s *Store) sweepLoop(interval time.Duration) {
	defer s.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			if err := s.ExpireNow(context.Background()); err != nil && !errors.Is(err, cache.ErrStoreClosed) {
				logging.Warn(nil, logging.ComponentTiered, logging.ActionExpire, "Expiry sweep failed", map[string]interface{}{
					"cache": s.config.Name,
					"error": err.Error(),
				})
			}
		case <-s.stop:
			return
		}
	}
}

// SetMemoryMaxEntries resizes the memory tier, spilling or dropping victims
func (s *Store) SetMemoryMaxEntries(n int) error {
	return s.memory.SetMaxEntries(n, s.spill)
}

// SetMemoryMaxBytes resizes the memory tier's byte budget
func (s *Store) SetMemoryMaxBytes(n int64) error {
	return s.memory.SetMaxBytes(n, s.spill)
}

// SetDiskMaxEntries resizes the disk tier online
func (s *Store) SetDiskMaxEntries(n int) error {
	if s.disk == nil {
		return fmt.Errorf("cache %s has no disk tier: %w", s.config.Name, cache.ErrConfigurationConflict)
	}
	return s.disk.ChangeCapacity(n)
}

// SetDiskMaxBytes resizes the disk tier's byte budget online
func (s *Store) SetDiskMaxBytes(n int64) error {
	if s.disk == nil {
		return fmt.Errorf("cache %s has no disk tier: %w", s.config.Name, cache.ErrConfigurationConflict)
	}
	return s.disk.SetMaxBytes(n)
}

// MemorySize returns the number of memory-resident entries
func (s *Store) MemorySize() int {
	return s.memory.Len()
}

// DiskSize returns the number of entries on disk or spooled
func (s *Store) DiskSize() int {
	if s.disk == nil {
		return 0
	}
	return s.disk.Len()
}

// MemoryStats reports memory tier occupancy
func (s *Store) MemoryStats() cache.TierStats {
	return s.memory.Stats()
}

// DiskStats reports disk tier occupancy; ok is false for memory-only caches
func (s *Store) DiskStats() (persistence.DiskStats, bool) {
	if s.disk == nil {
		return persistence.DiskStats{}, false
	}
	return s.disk.Stats(), true
}

// Statistics returns the counters this store updates
func (s *Store) Statistics() *cache.Statistics {
	return s.stats
}
