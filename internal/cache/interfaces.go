package cache

import (
	"context"
	"time"
)

// PinStore names the tier an entry is pinned to
type PinStore int

const (
	PinNone PinStore = iota
	PinMemory
	PinDisk
)

func (p PinStore) String() string {
	switch p {
	case PinMemory:
		return "memory"
	case PinDisk:
		return "disk"
	default:
		return "none"
	}
}

// ParsePinStore converts a configuration string to a PinStore
func ParsePinStore(s string) (PinStore, bool) {
	switch s {
	case "", "none":
		return PinNone, true
	case "memory", "heap":
		return PinMemory, true
	case "disk":
		return PinDisk, true
	default:
		return PinNone, false
	}
}

// Entry represents a cache entry with metadata.
// Timestamps are unix milliseconds.
type Entry struct {
	Key            string
	Value          []byte
	CreationTime   int64
	LastAccessTime int64
	LastUpdateTime int64
	HitCount       uint64
	TimeToIdle     time.Duration
	TimeToLive     time.Duration
	Pinned         bool
	PinnedToStore  PinStore
	Version        uint64
}

// entryOverhead approximates the fixed per-entry metadata footprint
const entryOverhead = 64

// NewEntry creates an entry stamped with the given time
func NewEntry(key string, value []byte, nowMs int64) *Entry {
	return &Entry{
		Key:            key,
		Value:          value,
		CreationTime:   nowMs,
		LastAccessTime: nowMs,
		LastUpdateTime: nowMs,
	}
}

// IsExpired reports whether the entry has outlived its idle or live time
func (e *Entry) IsExpired(nowMs int64) bool {
	if e.TimeToIdle > 0 && nowMs-e.LastAccessTime > e.TimeToIdle.Milliseconds() {
		return true
	}
	if e.TimeToLive > 0 && nowMs-e.CreationTime > e.TimeToLive.Milliseconds() {
		return true
	}
	return false
}

// Evictable reports whether capacity pressure may remove the entry from the given tier
func (e *Entry) Evictable(tier PinStore) bool {
	return !e.Pinned && e.PinnedToStore != tier
}

// Size is the approximate serialized size in bytes
func (e *Entry) Size() int64 {
	return int64(len(e.Key)+len(e.Value)) + entryOverhead
}

// Touch records a successful read
func (e *Entry) Touch(nowMs int64) {
	e.LastAccessTime = nowMs
	e.HitCount++
}

// Clone returns a deep copy of the entry
func (e *Entry) Clone() *Entry {
	c := *e
	if e.Value != nil {
		c.Value = append([]byte(nil), e.Value...)
	}
	return &c
}

// Store is the capability shared by the tiered core and its decorators
type Store interface {
	Get(ctx context.Context, key string) (*Entry, error)
	Put(ctx context.Context, entry *Entry) error
	Remove(ctx context.Context, key string) error
	RemoveAll(ctx context.Context) error
	Size() int

	Flush(ctx context.Context) error
	Dispose(ctx context.Context) error
}

// Sampler exposes a random view over the evictable entries of a tier
type Sampler interface {
	Len() int
	// Sample returns up to n evictable entries; all of them when Len() <= n
	Sample(n int) []*Entry
}

// EvictionPolicy selects victims from a tier
type EvictionPolicy interface {
	Name() string
	SelectVictim(s Sampler) (*Entry, bool)
	OnAccess(entry *Entry)
	OnInsert(entry *Entry)
}

// TierStats provides point-in-time metrics about a single tier
type TierStats struct {
	Name           string `json:"name"`
	EvictionPolicy string `json:"eviction_policy"`
	Entries        int    `json:"entries"`
	MaxEntries     int    `json:"max_entries"`
	Bytes          int64  `json:"bytes"`
	MaxBytes       int64  `json:"max_bytes"`

	// Pressure is Bytes/MaxBytes for byte-bounded tiers
	Pressure float64 `json:"pressure,omitempty"`
}
