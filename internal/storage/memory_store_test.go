package storage

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tiercache/internal/cache"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Unix(1_700_000_000, 0)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, maxEntries int, maxBytes int64, policy string, clock *fakeClock) *MemoryStore {
	t.Helper()
	p, err := cache.NewPolicy(policy, 0)
	require.NoError(t, err)
	store, err := NewMemoryStore(MemoryStoreConfig{
		Name:       "test",
		MaxEntries: maxEntries,
		MaxBytes:   maxBytes,
		Policy:     p,
		Clock:      clock.Now,
	})
	require.NoError(t, err)
	return store
}

func entryAt(clock *fakeClock, key, value string) *cache.Entry {
	return cache.NewEntry(key, []byte(value), clock.Now().UnixMilli())
}

func TestMemoryStore_EvictionBeforeOverflow(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, 3, 0, cache.PolicyLRU, clock)

	var evicted []string
	onEvict := func(v *cache.Entry) { evicted = append(evicted, v.Key) }
	for i := 0; i < 4; i++ {
		clock.Advance(time.Millisecond)
		require.NoError(t, store.Put(entryAt(clock, fmt.Sprintf("k%d", i), "v"), onEvict))
	}

	require.Equal(t, []string{"k0"}, evicted)
	require.Equal(t, 3, store.Len())
}

func TestMemoryStore_GetUpdatesMetadata(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, 0, 0, cache.PolicyLFU, clock)
	require.NoError(t, store.Put(entryAt(clock, "a", "1"), nil))

	clock.Advance(time.Second)
	e, ok := store.Get("a")
	require.True(t, ok)
	require.EqualValues(t, 1, e.HitCount)
	require.Equal(t, clock.Now().UnixMilli(), e.LastAccessTime)

	// returned entries are copies
	e.Value[0] = 'x'
	again, _ := store.Peek("a")
	require.Equal(t, "1", string(again.Value))
}

func TestMemoryStore_ReplaceDoesNotEvict(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, 2, 0, cache.PolicyLRU, clock)
	require.NoError(t, store.Put(entryAt(clock, "a", "1"), nil))
	require.NoError(t, store.Put(entryAt(clock, "b", "1"), nil))

	evictions := 0
	require.NoError(t, store.Put(entryAt(clock, "a", "2"), func(*cache.Entry) { evictions++ }))
	require.Zero(t, evictions)

	e, ok := store.Get("a")
	require.True(t, ok)
	require.Equal(t, "2", string(e.Value))
	require.EqualValues(t, 1, e.Version)
}

func TestMemoryStore_AllPinnedRejectsPut(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, 2, 0, cache.PolicyLRU, clock)
	for _, k := range []string{"a", "b"} {
		e := entryAt(clock, k, "v")
		e.Pinned = true
		require.NoError(t, store.Put(e, nil))
	}

	err := store.Put(entryAt(clock, "c", "v"), nil)
	require.ErrorIs(t, err, cache.ErrCapacityExceeded)
	require.Equal(t, 2, store.Len())
	require.False(t, store.Contains("c"))
}

func TestMemoryStore_ByteBound(t *testing.T) {
	clock := newFakeClock()
	one := entryAt(clock, "k0", "0123456789").Size()
	store := newTestStore(t, 0, one*3, cache.PolicyFIFO, clock)

	for i := 0; i < 10; i++ {
		clock.Advance(time.Millisecond)
		require.NoError(t, store.Put(entryAt(clock, fmt.Sprintf("k%d", i), "0123456789"), nil))
		require.LessOrEqual(t, store.Bytes(), one*3)
	}
	require.Equal(t, 3, store.Len())
	require.ElementsMatch(t, []string{"k7", "k8", "k9"}, store.Keys())

	err := store.Put(entryAt(clock, "huge", string(make([]byte, one*4))), nil)
	require.ErrorIs(t, err, cache.ErrCapacityExceeded)
}

func TestMemoryStore_ShrinkEvictsImmediately(t *testing.T) {
	clock := newFakeClock()
	store := newTestStore(t, 10, 0, cache.PolicyFIFO, clock)
	for i := 0; i < 10; i++ {
		clock.Advance(time.Millisecond)
		require.NoError(t, store.Put(entryAt(clock, fmt.Sprintf("k%d", i), "v"), nil))
	}

	var evicted []string
	require.NoError(t, store.SetMaxEntries(4, func(v *cache.Entry) { evicted = append(evicted, v.Key) }))
	require.Equal(t, 4, store.Len())
	require.Len(t, evicted, 6)
	require.ElementsMatch(t, []string{"k6", "k7", "k8", "k9"}, store.Keys())

	require.ErrorIs(t, store.SetMaxEntries(-1, nil), cache.ErrConfigurationConflict)
}

func TestMemoryStore_Expiry(t *testing.T) {
	clock := newFakeClock()
	var listeners cache.Listeners
	var expired []string
	listeners.Add(func(ev cache.Event) {
		if ev.Kind == cache.EventExpired {
			expired = append(expired, ev.Key)
		}
	})
	store, err := NewMemoryStore(MemoryStoreConfig{Name: "ttl", Clock: clock.Now, Listeners: &listeners})
	require.NoError(t, err)

	idle := entryAt(clock, "idle", "v")
	idle.TimeToIdle = time.Second
	live := entryAt(clock, "live", "v")
	live.TimeToLive = 3 * time.Second
	require.NoError(t, store.Put(idle, nil))
	require.NoError(t, store.Put(live, nil))
	require.NoError(t, store.Put(entryAt(clock, "forever", "v"), nil))

	clock.Advance(1500 * time.Millisecond)
	_, ok := store.Get("idle")
	require.False(t, ok)

	clock.Advance(2 * time.Second)
	swept := store.ExpireEntries()
	require.Len(t, swept, 1)
	require.Equal(t, "live", swept[0].Key)
	require.Equal(t, []string{"idle", "live"}, expired)
	require.Equal(t, 1, store.Len())
}

func TestMemoryStore_CapacityInvariant(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		clock := newFakeClock()
		maxEntries := rapid.IntRange(1, 8).Draw(t, "maxEntries")
		policy := rapid.SampledFrom([]string{cache.PolicyLRU, cache.PolicyLFU, cache.PolicyFIFO}).Draw(t, "policy")
		p, _ := cache.NewPolicy(policy, 0)
		store, err := NewMemoryStore(MemoryStoreConfig{Name: "prop", MaxEntries: maxEntries, Policy: p, Clock: clock.Now})
		if err != nil {
			t.Fatal(err)
		}

		pinned := map[string]bool{}
		ops := rapid.IntRange(1, 100).Draw(t, "ops")
		for i := 0; i < ops; i++ {
			clock.Advance(time.Millisecond)
			key := fmt.Sprintf("k%d", rapid.IntRange(0, 15).Draw(t, "key"))
			switch rapid.IntRange(0, 3).Draw(t, "op") {
			case 0, 1:
				e := entryAt(clock, key, "v")
				e.Pinned = rapid.IntRange(0, 9).Draw(t, "pin") == 0
				err := store.Put(e, func(v *cache.Entry) {
					if pinned[v.Key] {
						t.Fatalf("pinned entry %s evicted", v.Key)
					}
				})
				if err == nil {
					if e.Pinned {
						pinned[key] = true
					} else {
						delete(pinned, key)
					}
				}
			case 2:
				store.Get(key)
			case 3:
				if _, ok := store.Remove(key); ok {
					delete(pinned, key)
				}
			}
			if store.Len() > maxEntries {
				t.Fatalf("size %d exceeds max %d", store.Len(), maxEntries)
			}
		}
		for key := range pinned {
			if !store.Contains(key) {
				t.Fatalf("pinned entry %s lost", key)
			}
		}
	})
}

// bottomQuartileRate reports how often the policy's victim, chosen from
// entries ranked 0..n-1 by their LastAccessTime and HitCount, ranks below n/4.
func bottomQuartileRate(t *testing.T, policy cache.EvictionPolicy, n, trials int) float64 {
	t.Helper()
	store, err := NewMemoryStore(MemoryStoreConfig{Name: "sampling", Policy: policy})
	require.NoError(t, err)
	for i := 0; i < n; i++ {
		e := cache.NewEntry(fmt.Sprintf("k%d", i), []byte("v"), int64(i))
		e.LastAccessTime = int64(i)
		e.HitCount = uint64(i)
		require.NoError(t, store.Put(e, nil))
	}

	hits := 0
	store.mutex.Lock()
	defer store.mutex.Unlock()
	for i := 0; i < trials; i++ {
		victim, ok := policy.SelectVictim(memorySampler{store})
		require.True(t, ok)
		if victim.HitCount < uint64(n/4) {
			hits++
		}
	}
	return float64(hits) / float64(trials)
}

func TestMemoryStore_SampledVictimsComeFromBottomQuartile(t *testing.T) {
	for _, tt := range []struct {
		name    string
		policy  cache.EvictionPolicy
		minRate float64
	}{
		// a sample of k misses the bottom quartile with probability 0.75^k
		{"lru-10", cache.NewLRUPolicy(10), 0.90},
		{"lfu-10", cache.NewLFUPolicy(10), 0.90},
		{"lru-30", cache.NewLRUPolicy(30), 0.99},
		{"lfu-30", cache.NewLFUPolicy(30), 0.99},
	} {
		t.Run(tt.name, func(t *testing.T) {
			rate := bottomQuartileRate(t, tt.policy, 1000, 1000)
			require.GreaterOrEqual(t, rate, tt.minRate)
		})
	}
}

func TestMemoryStore_EvictionAtScaleKeepsRecentEntries(t *testing.T) {
	clock := newFakeClock()
	store, err := NewMemoryStore(MemoryStoreConfig{Name: "scale", MaxEntries: 200, Policy: cache.NewLRUPolicy(10), Clock: clock.Now})
	require.NoError(t, err)

	evicted := 0
	for i := 0; i < 1000; i++ {
		clock.Advance(time.Millisecond)
		require.NoError(t, store.Put(entryAt(clock, fmt.Sprintf("k%d", i), "v"), func(*cache.Entry) { evicted++ }))
	}
	require.Equal(t, 200, store.Len())
	require.Equal(t, 800, evicted)
	require.True(t, store.Contains("k999"))

	// sampled LRU can spare an old entry, but not many
	old := 0
	for _, k := range store.Keys() {
		var i int
		_, err := fmt.Sscanf(k, "k%d", &i)
		require.NoError(t, err)
		if i < 700 {
			old++
		}
	}
	require.Less(t, old, 10)
}

func TestMemoryStore_FailedReplaceKeepsOldValue(t *testing.T) {
	clock := newFakeClock()
	one := entryAt(clock, "k0", "0123456789").Size()
	store := newTestStore(t, 0, one*2, cache.PolicyLRU, clock)
	pinned := entryAt(clock, "p0", "0123456789")
	pinned.Pinned = true
	require.NoError(t, store.Put(pinned, nil))
	require.NoError(t, store.Put(entryAt(clock, "k0", "0123456789"), nil))

	err := store.Put(entryAt(clock, "k0", "0123456789-longer"), nil)
	require.ErrorIs(t, err, cache.ErrCapacityExceeded)

	e, ok := store.Peek("k0")
	require.True(t, ok)
	require.Equal(t, "0123456789", string(e.Value))
	require.Equal(t, one*2, store.Bytes())

	// the old value is still a candidate victim
	require.NoError(t, store.SetMaxBytes(one, nil))
	require.False(t, store.Contains("k0"))
}

func TestMemoryStore_ConcurrentResizeKeepsAccounting(t *testing.T) {
	clock := newFakeClock()
	one := entryAt(clock, "k0", "0123456789").Size()
	store := newTestStore(t, 0, one*8, cache.PolicyLRU, clock)
	for i := 0; i < 4; i++ {
		e := entryAt(clock, fmt.Sprintf("p%d", i), "0123456789")
		e.Pinned = true
		require.NoError(t, store.Put(e, nil))
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			_ = store.SetMaxBytes(one*4, nil)
			_ = store.SetMaxBytes(one*8, nil)
		}
	}()
	go func() {
		defer wg.Done()
		for i := 0; i < 500; i++ {
			if err := store.Put(entryAt(clock, fmt.Sprintf("k%d", i%4), "0123456789"), nil); err != nil {
				require.ErrorIs(t, err, cache.ErrCapacityExceeded)
			}
		}
	}()
	wg.Wait()

	require.LessOrEqual(t, store.Bytes(), one*8)
	require.Equal(t, int64(store.Len())*one, store.Bytes())
	for i := 0; i < 4; i++ {
		require.True(t, store.Contains(fmt.Sprintf("p%d", i)))
	}
}
