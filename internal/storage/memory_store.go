package storage

import (
	"fmt"
	"sync"
	"time"

	"pgregory.net/rand"

	"tiercache/internal/cache"
	"tiercache/internal/logging"
)

// EvictFunc receives each victim removed by capacity pressure. It runs with the
// tier lock held, so a concurrent reader never sees the victim missing from
// both the memory tier and wherever the callback moves it.
type EvictFunc func(victim *cache.Entry)

// MemoryStoreConfig holds configuration for MemoryStore
type MemoryStoreConfig struct {
	Name       string
	MaxEntries int   // 0 = unbounded
	MaxBytes   int64 // 0 = unbounded
	Policy     cache.EvictionPolicy
	Clock      func() time.Time
	Listeners  *cache.Listeners
}

// MemoryStore is the bounded in-memory tier
type MemoryStore struct {
	config     MemoryStoreConfig
	mutex      sync.Mutex
	items      map[string]*cache.Entry
	maxEntries int
	memPool    *MemoryPool
	policy     cache.EvictionPolicy

	// evictable keys, kept in a slice for O(1) random sampling
	evictable []string
	position  map[string]int
	rng       *rand.Rand
}

// NewMemoryStore creates a memory tier
func NewMemoryStore(config MemoryStoreConfig) (*MemoryStore, error) {
	if config.MaxEntries < 0 || config.MaxBytes < 0 {
		return nil, fmt.Errorf("negative memory tier bound: %w", cache.ErrConfigurationConflict)
	}
	if config.Policy == nil {
		config.Policy = cache.NewLRUPolicy(cache.DefaultSampleSize)
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}
	initial := cache.GetInitialCapacity(config.MaxEntries, cache.DefaultLoadFactor)
	if initial > 1<<16 {
		initial = 1 << 16
	}
	return &MemoryStore{
		config:     config,
		items:      make(map[string]*cache.Entry, initial),
		maxEntries: config.MaxEntries,
		memPool:    NewMemoryPool(config.Name, config.MaxBytes),
		policy:     config.Policy,
		evictable:  make([]string, 0, initial),
		position:   make(map[string]int, initial),
		rng:        rand.New(),
	}, nil
}

func (s *MemoryStore) now() int64 {
	return s.config.Clock().UnixMilli()
}

// Get returns a copy of the entry, updating its access metadata.
// Expired entries are removed and reported as misses.
func (s *MemoryStore) Get(key string) (*cache.Entry, bool) {
	now := s.now()
	s.mutex.Lock()
	e, ok := s.items[key]
	if !ok {
		s.mutex.Unlock()
		return nil, false
	}
	if e.IsExpired(now) {
		s.removeLocked(key)
		s.mutex.Unlock()
		s.config.Listeners.Notify(cache.Event{Kind: cache.EventExpired, Key: key, Tier: "memory"})
		return nil, false
	}
	e.Touch(now)
	s.policy.OnAccess(e)
	c := e.Clone()
	s.mutex.Unlock()
	return c, true
}

// Peek returns a copy of the entry without touching metadata or expiry
func (s *MemoryStore) Peek(key string) (*cache.Entry, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	if e, ok := s.items[key]; ok {
		return e.Clone(), true
	}
	return nil, false
}

// Contains reports whether the key is resident
func (s *MemoryStore) Contains(key string) bool {
	s.mutex.Lock()
	_, ok := s.items[key]
	s.mutex.Unlock()
	return ok
}

// Put inserts or replaces an entry, evicting victims until it fits. The store
// keeps the pointer; callers must not modify the entry afterwards.
// When no evictable victim remains ErrCapacityExceeded is returned and the
// tier is left as it was before the call, minus any victims already evicted.
// A replaced entry stays resident until its successor is charged.
func (s *MemoryStore) Put(entry *cache.Entry, onEvict EvictFunc) error {
	return s.PutWith(entry, onEvict, nil)
}

// PutWith is Put with a callback that runs under the tier lock once the entry
// is resident, before any other writer can evict it.
func (s *MemoryStore) PutWith(entry *cache.Entry, onEvict EvictFunc, onStored func() error) error {
	var victims []*cache.Entry
	defer func() {
		for _, v := range victims {
			s.config.Listeners.Notify(cache.Event{Kind: cache.EventEvicted, Key: v.Key, Tier: "memory"})
		}
	}()

	s.mutex.Lock()
	defer s.mutex.Unlock()

	size := entry.Size()
	if max := s.memPool.MaxSize(); max > 0 && size > max {
		return fmt.Errorf("entry of %d bytes exceeds memory tier budget %d: %w", size, max, cache.ErrCapacityExceeded)
	}

	existing, replacing := s.items[entry.Key]
	var freed int64
	if replacing {
		// exclude the key being replaced from victim selection
		s.untrack(entry.Key)
		freed = existing.Size()
	}

	for s.needsRoom(replacing, size-freed) {
		victim, ok := s.policy.SelectVictim(memorySampler{s})
		if !ok {
			if replacing && existing.Evictable(cache.PinMemory) {
				s.track(entry.Key)
			}
			return fmt.Errorf("memory tier %s: %w", s.config.Name, cache.ErrCapacityExceeded)
		}
		s.removeLocked(victim.Key)
		victims = append(victims, victim)
		if onEvict != nil {
			onEvict(victim)
		}
	}

	if err := s.memPool.Swap(freed, size); err != nil {
		if replacing && existing.Evictable(cache.PinMemory) {
			s.track(entry.Key)
		}
		return fmt.Errorf("memory tier %s: %w", s.config.Name, err)
	}
	if replacing {
		entry.Version = existing.Version + 1
	}
	s.items[entry.Key] = entry
	if entry.Evictable(cache.PinMemory) {
		s.track(entry.Key)
	}
	s.policy.OnInsert(entry)
	if onStored != nil {
		return onStored()
	}
	return nil
}

func (s *MemoryStore) needsRoom(replacing bool, extraBytes int64) bool {
	if !replacing && s.maxEntries > 0 && len(s.items) >= s.maxEntries {
		return true
	}
	return !s.memPool.Fits(extraBytes)
}

// Remove deletes the entry and returns it
func (s *MemoryStore) Remove(key string) (*cache.Entry, bool) {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return s.removeLocked(key)
}

// RemoveAll empties the tier and returns how many entries were dropped
func (s *MemoryStore) RemoveAll() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	n := len(s.items)
	s.items = make(map[string]*cache.Entry)
	s.evictable = s.evictable[:0]
	s.position = make(map[string]int)
	s.memPool.Reset()
	return n
}

// ExpireEntries removes every expired entry and returns them
func (s *MemoryStore) ExpireEntries() []*cache.Entry {
	now := s.now()
	s.mutex.Lock()
	var expired []*cache.Entry
	for key, e := range s.items {
		if e.IsExpired(now) {
			s.removeLocked(key)
			expired = append(expired, e)
		}
	}
	s.mutex.Unlock()

	for _, e := range expired {
		s.config.Listeners.Notify(cache.Event{Kind: cache.EventExpired, Key: e.Key, Tier: "memory"})
	}
	if len(expired) > 0 {
		logging.Debug(nil, logging.ComponentMemory, logging.ActionCleanup, "Expired memory entries", map[string]interface{}{
			"store": s.config.Name,
			"count": len(expired),
		})
	}
	return expired
}

// SetMaxEntries changes the count bound, evicting immediately when shrinking
func (s *MemoryStore) SetMaxEntries(n int, onEvict EvictFunc) error {
	if n < 0 {
		return fmt.Errorf("max entries %d: %w", n, cache.ErrConfigurationConflict)
	}
	s.mutex.Lock()
	s.maxEntries = n
	s.mutex.Unlock()
	return s.shrink(onEvict)
}

// SetMaxBytes changes the byte bound, evicting immediately when shrinking
func (s *MemoryStore) SetMaxBytes(n int64, onEvict EvictFunc) error {
	s.mutex.Lock()
	err := s.memPool.Resize(n)
	s.mutex.Unlock()
	if err != nil {
		return fmt.Errorf("%v: %w", err, cache.ErrConfigurationConflict)
	}
	return s.shrink(onEvict)
}

// shrink evicts until both bounds hold or only pinned entries remain
func (s *MemoryStore) shrink(onEvict EvictFunc) error {
	var victims []*cache.Entry
	s.mutex.Lock()
	for (s.maxEntries > 0 && len(s.items) > s.maxEntries) || s.memPool.Overflow() > 0 {
		victim, ok := s.policy.SelectVictim(memorySampler{s})
		if !ok {
			break
		}
		s.removeLocked(victim.Key)
		victims = append(victims, victim)
		if onEvict != nil {
			onEvict(victim)
		}
	}
	s.mutex.Unlock()

	for _, v := range victims {
		s.config.Listeners.Notify(cache.Event{Kind: cache.EventEvicted, Key: v.Key, Tier: "memory"})
	}
	return nil
}

// Len returns the number of resident entries
func (s *MemoryStore) Len() int {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return len(s.items)
}

// Bytes returns the approximate resident size
func (s *MemoryStore) Bytes() int64 {
	return s.memPool.CurrentUsage()
}

// Keys returns a snapshot of the resident keys
func (s *MemoryStore) Keys() []string {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	keys := make([]string, 0, len(s.items))
	for k := range s.items {
		keys = append(keys, k)
	}
	return keys
}

// Stats reports the tier's current occupancy
func (s *MemoryStore) Stats() cache.TierStats {
	s.mutex.Lock()
	defer s.mutex.Unlock()
	return cache.TierStats{
		Name:           s.config.Name,
		EvictionPolicy: s.policy.Name(),
		Entries:        len(s.items),
		MaxEntries:     s.maxEntries,
		Bytes:          s.memPool.CurrentUsage(),
		MaxBytes:       s.memPool.MaxSize(),
		Pressure:       s.memPool.MemoryPressure(),
	}
}

func (s *MemoryStore) removeLocked(key string) (*cache.Entry, bool) {
	e, ok := s.items[key]
	if !ok {
		return nil, false
	}
	delete(s.items, key)
	s.untrack(key)
	s.memPool.Release(e.Size())
	return e, true
}

func (s *MemoryStore) track(key string) {
	if _, ok := s.position[key]; ok {
		return
	}
	s.position[key] = len(s.evictable)
	s.evictable = append(s.evictable, key)
}

func (s *MemoryStore) untrack(key string) {
	i, ok := s.position[key]
	if !ok {
		return
	}
	last := len(s.evictable) - 1
	if i != last {
		moved := s.evictable[last]
		s.evictable[i] = moved
		s.position[moved] = i
	}
	s.evictable = s.evictable[:last]
	delete(s.position, key)
}

// memorySampler views the evictable entries; only used with the store lock held
type memorySampler struct {
	s *MemoryStore
}

func (m memorySampler) Len() int {
	return len(m.s.evictable)
}

func (m memorySampler) Sample(n int) []*cache.Entry {
	keys := m.s.evictable
	if len(keys) <= n {
		out := make([]*cache.Entry, len(keys))
		for i, k := range keys {
			out[i] = m.s.items[k]
		}
		return out
	}
	out := make([]*cache.Entry, n)
	for i := range out {
		out[i] = m.s.items[keys[m.s.rng.Intn(len(keys))]]
	}
	return out
}
