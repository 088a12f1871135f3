package cache

import "math"

// DefaultLoadFactor is the load factor used to pre-size tier maps
const DefaultLoadFactor = 0.75

// GetInitialCapacity returns the map size needed to hold maxSize entries
// at the given load factor without growing.
func GetInitialCapacity(maxSize int, loadFactor float64) int {
	if maxSize <= 0 {
		return 0
	}
	if loadFactor <= 0 || math.IsNaN(loadFactor) {
		loadFactor = DefaultLoadFactor
	}
	c := math.Ceil(float64(maxSize) / loadFactor)
	if c >= math.MaxInt32 {
		return math.MaxInt32
	}
	return int(c)
}
