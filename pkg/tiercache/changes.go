package tiercache

import "sync"

// ChangeKind enumerates the runtime configuration changes a cache accepts
type ChangeKind int

const (
	ChangeMaxEntriesLocalHeap ChangeKind = iota
	ChangeMaxBytesLocalHeap
	ChangeMaxEntriesLocalDisk
	ChangeMaxBytesLocalDisk
	ChangeTimeToIdle
	ChangeTimeToLive
)

func (k ChangeKind) String() string {
	switch k {
	case ChangeMaxEntriesLocalHeap:
		return "max_entries_local_heap"
	case ChangeMaxBytesLocalHeap:
		return "max_bytes_local_heap"
	case ChangeMaxEntriesLocalDisk:
		return "max_entries_local_disk"
	case ChangeMaxBytesLocalDisk:
		return "max_bytes_local_disk"
	case ChangeTimeToIdle:
		return "time_to_idle"
	case ChangeTimeToLive:
		return "time_to_live"
	default:
		return "unknown"
	}
}

// ConfigChange reports an applied change. Old and New are entry counts, bytes
// or nanoseconds depending on Kind.
type ConfigChange struct {
	Cache string
	Kind  ChangeKind
	Old   int64
	New   int64
}

// ConfigObserver is called synchronously after a change has been applied
type ConfigObserver func(ConfigChange)

type observers struct {
	mu  sync.RWMutex
	fns []ConfigObserver
}

func (o *observers) add(fn ConfigObserver) {
	if fn == nil {
		return
	}
	o.mu.Lock()
	o.fns = append(o.fns, fn)
	o.mu.Unlock()
}

func (o *observers) notify(change ConfigChange) {
	o.mu.RLock()
	fns := o.fns
	o.mu.RUnlock()
	for _, fn := range fns {
		fn(change)
	}
}
