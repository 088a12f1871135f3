package tiered

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"tiercache/internal/cache"
	"tiercache/internal/logging"
)

// WithTimeout bounds Get, Put, Remove and RemoveAll. An operation that does not
// finish in time returns ErrTimeout; the underlying call is left to complete.
// Size, Flush and Dispose pass through unbounded.
func WithTimeout(inner cache.Store, timeout time.Duration) cache.Store {
	if timeout <= 0 {
		return inner
	}
	return &timeoutStore{inner: inner, timeout: timeout}
}

type timeoutStore struct {
	inner   cache.Store
	timeout time.Duration
}

func (t *timeoutStore) run(ctx context.Context, op string, fn func(ctx context.Context) error) error {
	ctx, cancel := context.WithTimeout(ctx, t.timeout)
	defer cancel()

	done := make(chan error, 1)
	go func() {
		done <- fn(ctx)
	}()

	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		logging.Debug(ctx, logging.ComponentTiered, logging.ActionTimeout, "Store operation timed out", map[string]interface{}{
			"operation": op,
			"timeout":   t.timeout.String(),
		})
		return fmt.Errorf("%s after %s: %w", op, t.timeout, cache.ErrTimeout)
	}
}

func (t *timeoutStore) Get(ctx context.Context, key string) (*cache.Entry, error) {
	var e *cache.Entry
	err := t.run(ctx, "get", func(ctx context.Context) error {
		var err error
		e, err = t.inner.Get(ctx, key)
		return err
	})
	if err != nil {
		return nil, err
	}
	return e, nil
}

func (t *timeoutStore) Put(ctx context.Context, entry *cache.Entry) error {
	return t.run(ctx, "put", func(ctx context.Context) error {
		return t.inner.Put(ctx, entry)
	})
}

func (t *timeoutStore) Remove(ctx context.Context, key string) error {
	return t.run(ctx, "remove", func(ctx context.Context) error {
		return t.inner.Remove(ctx, key)
	})
}

func (t *timeoutStore) RemoveAll(ctx context.Context) error {
	return t.run(ctx, "remove_all", t.inner.RemoveAll)
}

func (t *timeoutStore) Size() int                         { return t.inner.Size() }
func (t *timeoutStore) Flush(ctx context.Context) error   { return t.inner.Flush(ctx) }
func (t *timeoutStore) Dispose(ctx context.Context) error { return t.inner.Dispose(ctx) }

// NonstopBehavior decides what a timed-out operation does instead of failing
type NonstopBehavior int

const (
	// NonstopException returns ErrTimeout to the caller
	NonstopException NonstopBehavior = iota
	// NonstopNoop turns timed-out reads into misses and drops timed-out writes
	NonstopNoop
	// NonstopLocalReads serves timed-out reads from the local memory tier
	NonstopLocalReads
)

func (b NonstopBehavior) String() string {
	switch b {
	case NonstopNoop:
		return "noop"
	case NonstopLocalReads:
		return "localReads"
	default:
		return "exception"
	}
}

// ParseNonstopBehavior converts a configuration string to a NonstopBehavior
func ParseNonstopBehavior(s string) (NonstopBehavior, error) {
	switch strings.ToLower(s) {
	case "", "exception":
		return NonstopException, nil
	case "noop":
		return NonstopNoop, nil
	case "localreads", "local_reads":
		return NonstopLocalReads, nil
	default:
		return NonstopException, fmt.Errorf("unknown nonstop behavior %q: %w", s, cache.ErrConfigurationConflict)
	}
}

// LocalReader serves reads without touching slower tiers
type LocalReader interface {
	GetLocal(key string) (*cache.Entry, bool)
}

// WithNonstop applies behavior to operations of inner that fail with
// ErrTimeout. It is meant to wrap a WithTimeout store.
func WithNonstop(inner cache.Store, behavior NonstopBehavior, local LocalReader) cache.Store {
	if behavior == NonstopLocalReads && local == nil {
		behavior = NonstopNoop
	}
	return &nonstopStore{inner: inner, behavior: behavior, local: local}
}

type nonstopStore struct {
	inner    cache.Store
	behavior NonstopBehavior
	local    LocalReader
}

func (n *nonstopStore) Get(ctx context.Context, key string) (*cache.Entry, error) {
	e, err := n.inner.Get(ctx, key)
	if err == nil || !errors.Is(err, cache.ErrTimeout) {
		return e, err
	}
	switch n.behavior {
	case NonstopNoop:
		return nil, cache.ErrNotFound
	case NonstopLocalReads:
		if e, ok := n.local.GetLocal(key); ok {
			return e, nil
		}
		return nil, cache.ErrNotFound
	default:
		return nil, err
	}
}

func (n *nonstopStore) write(err error) error {
	if err != nil && errors.Is(err, cache.ErrTimeout) && n.behavior != NonstopException {
		return nil
	}
	return err
}

func (n *nonstopStore) Put(ctx context.Context, entry *cache.Entry) error {
	return n.write(n.inner.Put(ctx, entry))
}

func (n *nonstopStore) Remove(ctx context.Context, key string) error {
	return n.write(n.inner.Remove(ctx, key))
}

func (n *nonstopStore) RemoveAll(ctx context.Context) error {
	return n.write(n.inner.RemoveAll(ctx))
}

func (n *nonstopStore) Size() int                         { return n.inner.Size() }
func (n *nonstopStore) Flush(ctx context.Context) error   { return n.inner.Flush(ctx) }
func (n *nonstopStore) Dispose(ctx context.Context) error { return n.inner.Dispose(ctx) }
