package storage

import (
	"fmt"
	"time"

	"go.uber.org/atomic"

	"tiercache/internal/logging"
)

// MemoryPool accounts the approximate bytes held by a tier against a byte budget.
// A zero maximum means the pool is unbounded. The owning tier serializes Swap
// and Resize under its own lock.
type MemoryPool struct {
	name         string
	maxSize      atomic.Int64
	currentUsage atomic.Int64

	lastPressure atomic.Time

	onWarningPressure  func(float64)
	onCriticalPressure func(float64)
}

// Pressure levels, as a fraction of the budget, that trigger a warning
const (
	warningPressure  = 0.85
	criticalPressure = 0.95
)

// NewMemoryPool creates a pool with the given byte budget
func NewMemoryPool(name string, maxSize int64) *MemoryPool {
	pool := &MemoryPool{name: name}
	pool.maxSize.Store(maxSize)
	pool.onWarningPressure = pool.defaultWarningHandler
	pool.onCriticalPressure = pool.defaultCriticalHandler
	return pool
}

// Fits reports whether size more bytes would stay within budget
func (mp *MemoryPool) Fits(size int64) bool {
	max := mp.maxSize.Load()
	return max <= 0 || mp.currentUsage.Load()+size <= max
}

// Overflow returns how many bytes the pool is above budget
func (mp *MemoryPool) Overflow() int64 {
	max := mp.maxSize.Load()
	if max <= 0 {
		return 0
	}
	if over := mp.currentUsage.Load() - max; over > 0 {
		return over
	}
	return 0
}

// Swap releases one charge and reserves another in a single step. A
// replacement either lands completely or leaves the usage untouched; a plain
// reservation releases 0.
func (mp *MemoryPool) Swap(release, reserve int64) error {
	if release < 0 || reserve < 0 {
		return fmt.Errorf("invalid swap sizes: release %d, reserve %d", release, reserve)
	}
	if !mp.Fits(reserve - release) {
		return fmt.Errorf("reservation would exceed pool limit: %d - %d + %d > %d",
			mp.currentUsage.Load(), release, reserve, mp.maxSize.Load())
	}
	mp.checkMemoryPressure(mp.currentUsage.Add(reserve - release))
	return nil
}

// Release returns size bytes to the pool
func (mp *MemoryPool) Release(size int64) {
	mp.currentUsage.Sub(size)
}

// Reset empties the pool
func (mp *MemoryPool) Reset() {
	mp.currentUsage.Store(0)
}

// CurrentUsage returns current usage in bytes
func (mp *MemoryPool) CurrentUsage() int64 {
	return mp.currentUsage.Load()
}

// MaxSize returns the byte budget
func (mp *MemoryPool) MaxSize() int64 {
	return mp.maxSize.Load()
}

// MemoryPressure calculates current pressure (0.0 to 1.0+); unbounded pools report 0
func (mp *MemoryPool) MemoryPressure() float64 {
	max := mp.maxSize.Load()
	if max <= 0 {
		return 0
	}
	return float64(mp.currentUsage.Load()) / float64(max)
}

func (mp *MemoryPool) checkMemoryPressure(usage int64) {
	max := mp.maxSize.Load()
	if max <= 0 {
		return
	}
	pressure := float64(usage) / float64(max)

	// Rate limit notifications to one per second
	if last := mp.lastPressure.Load(); time.Since(last) < time.Second {
		return
	}
	if pressure >= criticalPressure {
		mp.lastPressure.Store(time.Now())
		mp.onCriticalPressure(pressure)
	} else if pressure >= warningPressure {
		mp.lastPressure.Store(time.Now())
		mp.onWarningPressure(pressure)
	}
}

// Resize changes the byte budget. Shrinking below current usage is allowed;
// the owning tier evicts until Overflow returns 0.
func (mp *MemoryPool) Resize(newMaxSize int64) error {
	if newMaxSize < 0 {
		return fmt.Errorf("invalid pool size: %d", newMaxSize)
	}
	mp.maxSize.Store(newMaxSize)
	return nil
}

func (mp *MemoryPool) defaultWarningHandler(pressure float64) {
	logging.Warn(nil, logging.ComponentMemory, logging.ActionPressure, "Memory tier at warning pressure", map[string]interface{}{
		"pool":     mp.name,
		"pressure": pressure,
	})
}

func (mp *MemoryPool) defaultCriticalHandler(pressure float64) {
	logging.Warn(nil, logging.ComponentMemory, logging.ActionPressure, "Memory tier at critical pressure", map[string]interface{}{
		"pool":     mp.name,
		"pressure": pressure,
	})
}
