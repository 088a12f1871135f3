package cache

import (
	"fmt"
	"strings"
)

// DefaultSampleSize is the number of entries examined per eviction.
// Tiers holding fewer evictable entries are scanned exhaustively.
const DefaultSampleSize = 30

// Policy names
const (
	PolicyLRU  = "lru"
	PolicyLFU  = "lfu"
	PolicyFIFO = "fifo"
)

// samplingPolicy picks the "smallest" entry of a random sample.
// LRU and LFU are probabilistic: the victim is the best candidate of the
// sample, not necessarily of the whole tier.
type samplingPolicy struct {
	name       string
	sampleSize int
	less       func(a, b *Entry) bool
}

// NewLRUPolicy evicts the least recently accessed entry of a sample
func NewLRUPolicy(sampleSize int) EvictionPolicy {
	return &samplingPolicy{name: PolicyLRU, sampleSize: normalizeSample(sampleSize), less: func(a, b *Entry) bool {
		if a.LastAccessTime != b.LastAccessTime {
			return a.LastAccessTime < b.LastAccessTime
		}
		return a.HitCount < b.HitCount
	}}
}

// NewLFUPolicy evicts the least frequently read entry of a sample
func NewLFUPolicy(sampleSize int) EvictionPolicy {
	return &samplingPolicy{name: PolicyLFU, sampleSize: normalizeSample(sampleSize), less: func(a, b *Entry) bool {
		if a.HitCount != b.HitCount {
			return a.HitCount < b.HitCount
		}
		return a.LastAccessTime < b.LastAccessTime
	}}
}

// NewFIFOPolicy evicts the oldest created entry of a sample
func NewFIFOPolicy(sampleSize int) EvictionPolicy {
	return &samplingPolicy{name: PolicyFIFO, sampleSize: normalizeSample(sampleSize), less: func(a, b *Entry) bool {
		return a.CreationTime < b.CreationTime
	}}
}

// NewPolicy resolves a policy by name
func NewPolicy(name string, sampleSize int) (EvictionPolicy, error) {
	switch strings.ToLower(name) {
	case PolicyLRU, "":
		return NewLRUPolicy(sampleSize), nil
	case PolicyLFU:
		return NewLFUPolicy(sampleSize), nil
	case PolicyFIFO:
		return NewFIFOPolicy(sampleSize), nil
	default:
		return nil, fmt.Errorf("unknown eviction policy %q: %w", name, ErrConfigurationConflict)
	}
}

// IsValidPolicy reports whether NewPolicy accepts the name
func IsValidPolicy(name string) bool {
	switch strings.ToLower(name) {
	case "", PolicyLRU, PolicyLFU, PolicyFIFO:
		return true
	}
	return false
}

func normalizeSample(n int) int {
	if n <= 0 {
		return DefaultSampleSize
	}
	return n
}

func (p *samplingPolicy) Name() string { return p.name }

func (p *samplingPolicy) SampleSize() int { return p.sampleSize }

func (p *samplingPolicy) SelectVictim(s Sampler) (*Entry, bool) {
	if s.Len() == 0 {
		return nil, false
	}
	var victim *Entry
	for _, e := range s.Sample(p.sampleSize) {
		if victim == nil || p.less(e, victim) {
			victim = e
		}
	}
	return victim, victim != nil
}

// Entry metadata is maintained by the tier; the sampling policies keep no state.
func (p *samplingPolicy) OnAccess(*Entry) {}

func (p *samplingPolicy) OnInsert(*Entry) {}
