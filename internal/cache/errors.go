package cache

import "errors"

var (
	// ErrNotFound is returned when a key is absent from every tier
	ErrNotFound = errors.New("key not found")

	// ErrCapacityExceeded is returned when a put finds no evictable victim and cannot spill
	ErrCapacityExceeded = errors.New("capacity exceeded: every entry is pinned")

	// ErrCorruption marks an unreadable disk index or record
	ErrCorruption = errors.New("disk store corruption")

	// ErrConfigurationConflict rejects a configuration change without applying it
	ErrConfigurationConflict = errors.New("configuration conflict")

	// ErrStoreClosed is returned by operations on a disposed store
	ErrStoreClosed = errors.New("store is closed")

	// ErrTimeout is returned by the timeout decorator
	ErrTimeout = errors.New("operation timed out")
)
