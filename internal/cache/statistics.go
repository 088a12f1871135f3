package cache

import (
	"time"

	"go.uber.org/atomic"
)

// Statistics holds the plain counters a cache exposes to management layers
type Statistics struct {
	Hits        atomic.Uint64
	MemoryHits  atomic.Uint64
	DiskHits    atomic.Uint64
	Misses      atomic.Uint64
	Puts        atomic.Uint64
	Removes     atomic.Uint64
	Evictions   atomic.Uint64
	Expirations atomic.Uint64
	Spills      atomic.Uint64
	Promotions  atomic.Uint64
	WriterDrops atomic.Uint64
	QueueLength atomic.Int64
	Corruptions atomic.Uint64
	lastSampled atomic.Time
	hitRatio    atomic.Float64
	putRate     atomic.Float64
	getRate     atomic.Float64
	prevPuts    atomic.Uint64
	prevGets    atomic.Uint64
}

// Snapshot is an immutable copy of the counters and derived rates
type Snapshot struct {
	Hits        uint64  `json:"hits"`
	MemoryHits  uint64  `json:"memory_hits"`
	DiskHits    uint64  `json:"disk_hits"`
	Misses      uint64  `json:"misses"`
	Puts        uint64  `json:"puts"`
	Removes     uint64  `json:"removes"`
	Evictions   uint64  `json:"evictions"`
	Expirations uint64  `json:"expirations"`
	Spills      uint64  `json:"spills"`
	Promotions  uint64  `json:"promotions"`
	WriterDrops uint64  `json:"writer_drops"`
	QueueLength int64   `json:"write_behind_queue_length"`
	Corruptions uint64  `json:"corruptions"`
	HitRatio    float64 `json:"hit_ratio"`
	PutsPerSec  float64 `json:"puts_per_second"`
	GetsPerSec  float64 `json:"gets_per_second"`
}

// Observe translates an engine event into counter updates
func (s *Statistics) Observe(ev Event) {
	switch ev.Kind {
	case EventEvicted:
		s.Evictions.Inc()
	case EventExpired:
		s.Expirations.Inc()
	case EventSpilled:
		s.Spills.Inc()
	case EventPromoted:
		s.Promotions.Inc()
	case EventCorruptionRecovered:
		s.Corruptions.Inc()
	case EventWriterFailure:
		s.WriterDrops.Inc()
	}
}

// Sample recomputes the derived statistics. It is driven by a single
// scheduled task per cache.
func (s *Statistics) Sample(now time.Time) {
	hits, misses := s.Hits.Load(), s.Misses.Load()
	if total := hits + misses; total > 0 {
		s.hitRatio.Store(float64(hits) / float64(total))
	}
	puts, gets := s.Puts.Load(), hits+misses
	prev := s.lastSampled.Load()
	if !prev.IsZero() {
		if elapsed := now.Sub(prev).Seconds(); elapsed > 0 {
			s.putRate.Store(float64(puts-s.prevPuts.Load()) / elapsed)
			s.getRate.Store(float64(gets-s.prevGets.Load()) / elapsed)
		}
	}
	s.prevPuts.Store(puts)
	s.prevGets.Store(gets)
	s.lastSampled.Store(now)
}

// Snapshot copies the current counters
func (s *Statistics) Snapshot() Snapshot {
	return Snapshot{
		Hits:        s.Hits.Load(),
		MemoryHits:  s.MemoryHits.Load(),
		DiskHits:    s.DiskHits.Load(),
		Misses:      s.Misses.Load(),
		Puts:        s.Puts.Load(),
		Removes:     s.Removes.Load(),
		Evictions:   s.Evictions.Load(),
		Expirations: s.Expirations.Load(),
		Spills:      s.Spills.Load(),
		Promotions:  s.Promotions.Load(),
		WriterDrops: s.WriterDrops.Load(),
		QueueLength: s.QueueLength.Load(),
		Corruptions: s.Corruptions.Load(),
		HitRatio:    s.hitRatio.Load(),
		PutsPerSec:  s.putRate.Load(),
		GetsPerSec:  s.getRate.Load(),
	}
}
