package cache

import "sync"

// EventKind enumerates the notifications the engine emits
type EventKind int

const (
	EventPut EventKind = iota
	EventRemoved
	EventEvicted
	EventExpired
	EventSpilled
	EventPromoted
	EventCorruptionRecovered
	EventWriterFailure
)

func (k EventKind) String() string {
	switch k {
	case EventPut:
		return "put"
	case EventRemoved:
		return "removed"
	case EventEvicted:
		return "evicted"
	case EventExpired:
		return "expired"
	case EventSpilled:
		return "spilled"
	case EventPromoted:
		return "promoted"
	case EventCorruptionRecovered:
		return "corruption_recovered"
	case EventWriterFailure:
		return "writer_failure"
	default:
		return "unknown"
	}
}

// Event describes something that happened to a key in a tier
type Event struct {
	Kind EventKind
	Key  string
	Tier string
	Err  error
}

// Listener receives events synchronously on the goroutine that caused them.
// Listeners must not call back into the store that emitted the event.
type Listener func(Event)

// Listeners is a registry of event listeners
type Listeners struct {
	mu  sync.RWMutex
	fns []Listener
}

// Add registers a listener
func (l *Listeners) Add(fn Listener) {
	if fn == nil {
		return
	}
	l.mu.Lock()
	l.fns = append(l.fns, fn)
	l.mu.Unlock()
}

// Notify delivers an event to every listener
func (l *Listeners) Notify(ev Event) {
	if l == nil {
		return
	}
	l.mu.RLock()
	fns := l.fns
	l.mu.RUnlock()
	for _, fn := range fns {
		fn(ev)
	}
}
