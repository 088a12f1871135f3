package tiercache

import (
	"fmt"
	"time"

	"tiercache/internal/cache"
	"tiercache/internal/tiered"
	"tiercache/internal/writebehind"
)

// Types shared with the engine packages
type (
	Entry             = cache.Entry
	Event             = cache.Event
	EventKind         = cache.EventKind
	Listener          = cache.Listener
	Snapshot          = cache.Snapshot
	PinStore          = cache.PinStore
	Writer            = writebehind.Writer
	KeyValue          = writebehind.KeyValue
	Operation         = writebehind.Operation
	DroppedError      = writebehind.DroppedError
	WriteBehindConfig = writebehind.Config
	DiskMode          = tiered.DiskMode
	NonstopBehavior   = tiered.NonstopBehavior
)

const (
	DiskNone     = tiered.DiskNone
	DiskOverflow = tiered.DiskOverflow
	DiskDurable  = tiered.DiskDurable

	NonstopException  = tiered.NonstopException
	NonstopNoop       = tiered.NonstopNoop
	NonstopLocalReads = tiered.NonstopLocalReads

	PinNone   = cache.PinNone
	PinMemory = cache.PinMemory
	PinDisk   = cache.PinDisk
)

// ParsePinStore converts "none", "memory" or "disk" to a PinStore
var ParsePinStore = cache.ParsePinStore

var (
	ErrNotFound              = cache.ErrNotFound
	ErrCapacityExceeded      = cache.ErrCapacityExceeded
	ErrCorruption            = cache.ErrCorruption
	ErrConfigurationConflict = cache.ErrConfigurationConflict
	ErrStoreClosed           = cache.ErrStoreClosed
	ErrTimeout               = cache.ErrTimeout
)

const (
	// DefaultExpiryInterval is how often a cache sweeps its tiers for expired entries
	DefaultExpiryInterval = 120 * time.Second

	// DefaultStatisticsInterval is the tick of the per-cache statistics sampler
	DefaultStatisticsInterval = time.Second
)

// CacheConfig describes one cache. Zero bounds mean unbounded.
type CacheConfig struct {
	Name string

	MaxEntriesLocalHeap int
	MaxBytesLocalHeap   int64
	EvictionPolicy      string // lru, lfu or fifo
	SampleSize          int

	DiskMode            DiskMode
	MaxEntriesLocalDisk int
	MaxBytesLocalDisk   int64
	DiskPersistent      bool
	DiskSpoolSize       int
	DiskCompress        bool

	Eternal        bool
	TimeToIdle     time.Duration
	TimeToLive     time.Duration
	ExpiryInterval time.Duration // 0 uses DefaultExpiryInterval; negative disables the sweep

	OperationTimeout time.Duration // 0 disables the timeout decorator
	Nonstop          NonstopBehavior

	Writer      Writer
	WriteBehind WriteBehindConfig

	StatisticsInterval time.Duration
	Listeners          []Listener
	Clock              func() time.Time
}

// DefaultCacheConfig returns a memory-only LRU cache configuration
func DefaultCacheConfig(name string) CacheConfig {
	return CacheConfig{
		Name:                name,
		MaxEntriesLocalHeap: 10000,
		EvictionPolicy:      cache.PolicyLRU,
		SampleSize:          cache.DefaultSampleSize,
		ExpiryInterval:      DefaultExpiryInterval,
		WriteBehind:         writebehind.DefaultConfig(),
		StatisticsInterval:  DefaultStatisticsInterval,
	}
}

// Validate rejects contradictory settings
func (c CacheConfig) Validate() error {
	switch {
	case c.Name == "":
		return fmt.Errorf("cache name is required: %w", cache.ErrConfigurationConflict)
	case c.MaxEntriesLocalHeap < 0, c.MaxBytesLocalHeap < 0, c.MaxEntriesLocalDisk < 0, c.MaxBytesLocalDisk < 0:
		return fmt.Errorf("cache %s: capacity bounds must not be negative: %w", c.Name, cache.ErrConfigurationConflict)
	case c.TimeToIdle < 0, c.TimeToLive < 0:
		return fmt.Errorf("cache %s: expiry durations must not be negative: %w", c.Name, cache.ErrConfigurationConflict)
	case c.Eternal && (c.TimeToIdle > 0 || c.TimeToLive > 0):
		return fmt.Errorf("cache %s: eternal caches cannot set time to idle or live: %w", c.Name, cache.ErrConfigurationConflict)
	case c.DiskPersistent && c.DiskMode == DiskNone:
		return fmt.Errorf("cache %s: persistence needs a disk tier: %w", c.Name, cache.ErrConfigurationConflict)
	case !cache.IsValidPolicy(c.EvictionPolicy):
		return fmt.Errorf("cache %s: unknown eviction policy %q: %w", c.Name, c.EvictionPolicy, cache.ErrConfigurationConflict)
	}
	if c.Writer != nil {
		if err := c.WriteBehind.Validate(); err != nil {
			return fmt.Errorf("cache %s: %v: %w", c.Name, err, cache.ErrConfigurationConflict)
		}
	}
	return nil
}

// ManagerConfig configures a Manager
type ManagerConfig struct {
	Name string
	// DiskStorePath is the parent directory of every cache's disk files. When
	// empty a temporary directory is created and persistence is refused.
	DiskStorePath string
}
