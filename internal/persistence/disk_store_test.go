package persistence

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"tiercache/internal/cache"
)

func openTestStore(t *testing.T, config DiskStoreConfig) *DiskStore {
	t.Helper()
	store, err := OpenDiskStore(config)
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Dispose(context.Background()) })
	return store
}

func testEntry(key, value string) *cache.Entry {
	return cache.NewEntry(key, []byte(value), time.Now().UnixMilli())
}

func mustGet(t *testing.T, store *DiskStore, key string) *cache.Entry {
	t.Helper()
	e, ok, err := store.Get(key)
	require.NoError(t, err)
	require.True(t, ok, "expected %s on disk", key)
	return e
}

func TestDiskStore_PutGetRemove(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, DiskStoreConfig{Name: "basic", Directory: t.TempDir()})

	require.NoError(t, store.Put(testEntry("a", "alpha")))
	// visible while still spooled
	require.Equal(t, "alpha", string(mustGet(t, store, "a").Value))

	require.NoError(t, store.Flush(ctx))
	require.Equal(t, "alpha", string(mustGet(t, store, "a").Value))
	require.Equal(t, 1, store.Len())

	require.NoError(t, store.Put(testEntry("a", "beta")))
	require.NoError(t, store.Flush(ctx))
	require.Equal(t, "beta", string(mustGet(t, store, "a").Value))
	require.Equal(t, 1, store.Len())

	removed, err := store.Remove("a")
	require.NoError(t, err)
	require.True(t, removed)
	_, ok, err := store.Get("a")
	require.NoError(t, err)
	require.False(t, ok)

	removed, err = store.Remove("missing")
	require.NoError(t, err)
	require.False(t, removed)

	require.NoError(t, store.Flush(ctx))
	require.Zero(t, store.Len())
	require.Zero(t, store.Bytes())
}

func TestDiskStore_PersistentRoundTrip(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	config := DiskStoreConfig{Name: "durable", Directory: dir, Persistent: true}

	store, err := OpenDiskStore(config)
	require.NoError(t, err)
	for i := 0; i < 50; i++ {
		require.NoError(t, store.Put(testEntry(fmt.Sprintf("k%d", i), fmt.Sprintf("v%d", i))))
	}
	_, err = store.Remove("k7")
	require.NoError(t, err)
	require.NoError(t, store.Flush(ctx))
	require.NoError(t, store.Dispose(ctx))

	reopened := openTestStore(t, config)
	require.Equal(t, StateReady, reopened.State())
	require.Equal(t, 49, reopened.Len())
	require.Equal(t, "v42", string(mustGet(t, reopened, "k42").Value))
	_, ok, err := reopened.Get("k7")
	require.NoError(t, err)
	require.False(t, ok)

	// the index is consumed on load and rewritten by the next flush
	_, indexPath := reopened.Paths()
	_, err = os.Stat(indexPath)
	require.True(t, os.IsNotExist(err))
	require.NoError(t, reopened.Flush(ctx))
	_, err = os.Stat(indexPath)
	require.NoError(t, err)
}

func TestDiskStore_CorruptIndexRebuildsEmpty(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	var listeners cache.Listeners
	var recovered []cache.Event
	var mu sync.Mutex
	listeners.Add(func(ev cache.Event) {
		mu.Lock()
		defer mu.Unlock()
		if ev.Kind == cache.EventCorruptionRecovered {
			recovered = append(recovered, ev)
		}
	})
	config := DiskStoreConfig{Name: "corrupt", Directory: dir, Persistent: true, Listeners: &listeners}

	store, err := OpenDiskStore(config)
	require.NoError(t, err)
	require.NoError(t, store.Put(testEntry("k", "v")))
	require.NoError(t, store.Dispose(ctx))

	dataPath, indexPath := store.Paths()
	require.NoError(t, os.WriteFile(indexPath, []byte("definitely not an index"), 0o644))
	// keep the index newer than the data file so only the parse fails
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(indexPath, future, future))

	reopened := openTestStore(t, config)
	require.Equal(t, StateReady, reopened.State())
	require.Zero(t, reopened.Len())
	st, err := os.Stat(dataPath)
	require.NoError(t, err)
	require.Zero(t, st.Size())
	require.Len(t, recovered, 1)
	require.ErrorIs(t, recovered[0].Err, cache.ErrCorruption)

	// the rebuilt store is usable
	require.NoError(t, reopened.Put(testEntry("fresh", "value")))
	require.NoError(t, reopened.Flush(ctx))
	require.Equal(t, "value", string(mustGet(t, reopened, "fresh").Value))
}

func TestDiskStore_StaleIndexRebuilds(t *testing.T) {
	ctx := context.Background()
	config := DiskStoreConfig{Name: "stale", Directory: t.TempDir(), Persistent: true}

	store, err := OpenDiskStore(config)
	require.NoError(t, err)
	require.NoError(t, store.Put(testEntry("k", "v")))
	require.NoError(t, store.Dispose(ctx))

	dataPath, _ := store.Paths()
	future := time.Now().Add(time.Hour)
	require.NoError(t, os.Chtimes(dataPath, future, future))

	reopened := openTestStore(t, config)
	require.Zero(t, reopened.Len())
	size, err := reopened.DataFileSize()
	require.NoError(t, err)
	require.Zero(t, size)
}

func TestDiskStore_NonPersistentDiscardsFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	config := DiskStoreConfig{Name: "scratch", Directory: dir}

	store, err := OpenDiskStore(config)
	require.NoError(t, err)
	require.NoError(t, store.Put(testEntry("k", "v")))
	require.NoError(t, store.Flush(ctx))
	dataPath, _ := store.Paths()
	require.NoError(t, store.Dispose(ctx))
	_, err = os.Stat(dataPath)
	require.True(t, os.IsNotExist(err))

	reopened := openTestStore(t, config)
	require.Zero(t, reopened.Len())
}

func TestDiskStore_ConfigurationConflicts(t *testing.T) {
	_, err := OpenDiskStore(DiskStoreConfig{Name: "auto", Persistent: true})
	require.ErrorIs(t, err, cache.ErrConfigurationConflict)

	_, err = OpenDiskStore(DiskStoreConfig{Name: "neg", Directory: t.TempDir(), MaxEntries: -1})
	require.ErrorIs(t, err, cache.ErrConfigurationConflict)
}

func TestDiskStore_AutoDirectoryRemovedOnDispose(t *testing.T) {
	store, err := OpenDiskStore(DiskStoreConfig{Name: "auto"})
	require.NoError(t, err)
	require.NoError(t, store.Put(testEntry("k", "v")))
	dir := store.dir
	require.NoError(t, store.Dispose(context.Background()))
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err))
	require.Equal(t, StateClosed, store.State())
	require.ErrorIs(t, store.Put(testEntry("k", "v")), cache.ErrStoreClosed)
}

func TestDiskStore_LockedByOtherOpener(t *testing.T) {
	dir := t.TempDir()
	openTestStore(t, DiskStoreConfig{Name: "locked", Directory: dir})
	_, err := OpenDiskStore(DiskStoreConfig{Name: "locked", Directory: dir})
	require.ErrorIs(t, err, ErrLocked)
}

func TestDiskStore_FreeSpaceReuse(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, DiskStoreConfig{Name: "reuse", Directory: t.TempDir()})

	value := string(bytes.Repeat([]byte("x"), 256))
	for _, k := range []string{"k1", "k2", "k3"} {
		require.NoError(t, store.Put(testEntry(k, value)))
	}
	require.NoError(t, store.Flush(ctx))
	before, err := store.DataFileSize()
	require.NoError(t, err)

	_, err = store.Remove("k2")
	require.NoError(t, err)
	require.NoError(t, store.Flush(ctx))
	after, err := store.DataFileSize()
	require.NoError(t, err)
	require.Equal(t, before, after, "removal never shrinks the data file")

	require.NoError(t, store.Put(testEntry("k4", value)))
	require.NoError(t, store.Flush(ctx))
	reused, err := store.DataFileSize()
	require.NoError(t, err)
	require.Equal(t, before, reused, "same-sized record reuses the freed range")
	require.Equal(t, value, string(mustGet(t, store, "k4").Value))
	require.Equal(t, value, string(mustGet(t, store, "k3").Value))
}

func TestDiskStore_CapacityEviction(t *testing.T) {
	ctx := context.Background()
	var listeners cache.Listeners
	var mu sync.Mutex
	evicted := 0
	listeners.Add(func(ev cache.Event) {
		if ev.Kind == cache.EventEvicted {
			mu.Lock()
			evicted++
			mu.Unlock()
		}
	})
	store := openTestStore(t, DiskStoreConfig{Name: "bounded", Directory: t.TempDir(), MaxEntries: 3, Listeners: &listeners})

	for i := 0; i < 10; i++ {
		require.NoError(t, store.Put(testEntry(fmt.Sprintf("k%d", i), "v")))
	}
	require.NoError(t, store.Flush(ctx))
	require.Equal(t, 3, store.Len())
	require.True(t, store.Contains("k9"), "the key just written is never the victim")
	mu.Lock()
	require.Equal(t, 7, evicted)
	mu.Unlock()
}

func TestDiskStore_ChangeCapacity(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, DiskStoreConfig{Name: "resize", Directory: t.TempDir()})
	for i := 0; i < 10; i++ {
		require.NoError(t, store.Put(testEntry(fmt.Sprintf("k%d", i), "v")))
	}
	require.NoError(t, store.Flush(ctx))

	require.NoError(t, store.ChangeCapacity(4))
	require.NoError(t, store.Flush(ctx))
	require.Equal(t, 4, store.Len())

	require.NoError(t, store.ChangeCapacity(8))
	require.NoError(t, store.Put(testEntry("extra", "v")))
	require.NoError(t, store.Flush(ctx))
	require.Equal(t, 5, store.Len())

	require.ErrorIs(t, store.ChangeCapacity(-1), cache.ErrConfigurationConflict)
}

func TestDiskStore_PinnedEntriesSurviveEviction(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, DiskStoreConfig{Name: "pinned", Directory: t.TempDir(), MaxEntries: 2})

	pinned := testEntry("pinned", "v")
	pinned.PinnedToStore = cache.PinDisk
	require.NoError(t, store.Put(pinned))
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(testEntry(fmt.Sprintf("k%d", i), "v")))
	}
	require.NoError(t, store.Flush(ctx))
	require.True(t, store.Contains("pinned"))
	require.Equal(t, 2, store.Len())
}

func TestDiskStore_Compression(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	config := DiskStoreConfig{Name: "lz4", Directory: dir, Persistent: true, Compress: true}
	store, err := OpenDiskStore(config)
	require.NoError(t, err)

	value := bytes.Repeat([]byte("compressible "), 1000)
	require.NoError(t, store.Put(cache.NewEntry("big", value, time.Now().UnixMilli())))
	require.NoError(t, store.Flush(ctx))
	size, err := store.DataFileSize()
	require.NoError(t, err)
	require.Less(t, size, int64(len(value)))
	require.NoError(t, store.Dispose(ctx))

	reopened := openTestStore(t, config)
	require.Equal(t, value, mustGet(t, reopened, "big").Value)
}

func TestDiskStore_Expiry(t *testing.T) {
	ctx := context.Background()
	now := time.Now()
	var mu sync.Mutex
	clock := func() time.Time {
		mu.Lock()
		defer mu.Unlock()
		return now
	}
	store := openTestStore(t, DiskStoreConfig{Name: "ttl", Directory: t.TempDir(), Clock: clock})

	e := cache.NewEntry("short", []byte("v"), now.UnixMilli())
	e.TimeToLive = time.Second
	require.NoError(t, store.Put(e))
	require.NoError(t, store.Put(cache.NewEntry("long", []byte("v"), now.UnixMilli())))
	require.NoError(t, store.Flush(ctx))

	mu.Lock()
	now = now.Add(2 * time.Second)
	mu.Unlock()
	require.NoError(t, store.Expire(ctx))
	require.NoError(t, store.Flush(ctx))
	require.Equal(t, 1, store.Len())
	require.False(t, store.Contains("short"))
}

func TestDiskStore_RemoveAll(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, DiskStoreConfig{Name: "clear", Directory: t.TempDir()})
	for i := 0; i < 5; i++ {
		require.NoError(t, store.Put(testEntry(fmt.Sprintf("k%d", i), "v")))
	}
	require.NoError(t, store.RemoveAll(ctx))
	require.Zero(t, store.Len())
	require.Zero(t, store.Bytes())

	require.NoError(t, store.Put(testEntry("after", "v")))
	require.NoError(t, store.Flush(ctx))
	require.Equal(t, 1, store.Len())
}

func TestDiskStore_ConcurrentWriters(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, DiskStoreConfig{Name: "concurrent", Directory: t.TempDir(), SpoolSize: 8})

	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				key := fmt.Sprintf("g%d-k%d", g, i%10)
				_ = store.Put(testEntry(key, fmt.Sprintf("%d", i)))
				if i%7 == 0 {
					_, _ = store.Remove(key)
				}
				_, _, _ = store.Get(key)
			}
		}(g)
	}
	wg.Wait()
	require.NoError(t, store.Flush(ctx))
	require.LessOrEqual(t, store.Len(), 80)
	for g := 0; g < 8; g++ {
		e, ok, err := store.Get(fmt.Sprintf("g%d-k9", g))
		require.NoError(t, err)
		require.True(t, ok)
		require.Equal(t, "99", string(e.Value))
	}
}

func TestDiskStore_EvictionBeyondSampleSize(t *testing.T) {
	ctx := context.Background()
	var listeners cache.Listeners
	var mu sync.Mutex
	evicted := map[string]bool{}
	listeners.Add(func(ev cache.Event) {
		if ev.Kind == cache.EventEvicted {
			mu.Lock()
			evicted[ev.Key] = true
			mu.Unlock()
		}
	})
	store := openTestStore(t, DiskStoreConfig{
		Name:       "sampled",
		Directory:  t.TempDir(),
		MaxEntries: 100,
		Policy:     cache.NewFIFOPolicy(10),
		Listeners:  &listeners,
	})

	for i := 0; i < 500; i++ {
		e := cache.NewEntry(fmt.Sprintf("k%d", i), []byte("v"), int64(i))
		if i%50 == 0 {
			e.PinnedToStore = cache.PinDisk
		}
		require.NoError(t, store.Put(e))
	}
	require.NoError(t, store.Flush(ctx))

	require.Equal(t, 100, store.Len())
	require.True(t, store.Contains("k499"))
	mu.Lock()
	defer mu.Unlock()
	require.Len(t, evicted, 400)
	for i := 0; i < 500; i += 50 {
		require.False(t, evicted[fmt.Sprintf("k%d", i)], "pinned k%d evicted", i)
	}
	stale := 0
	for i := 0; i < 300; i++ {
		if i%50 != 0 && !evicted[fmt.Sprintf("k%d", i)] {
			stale++
		}
	}
	require.Less(t, stale, 10)
}

func TestDiskStore_SampledVictimsComeFromBottomQuartile(t *testing.T) {
	ctx := context.Background()
	store := openTestStore(t, DiskStoreConfig{Name: "quartile", Directory: t.TempDir()})
	const n = 1000
	for i := 0; i < n; i++ {
		e := cache.NewEntry(fmt.Sprintf("k%d", i), []byte("v"), int64(i))
		e.LastAccessTime = int64(i)
		e.HitCount = uint64(i)
		require.NoError(t, store.Put(e))
	}
	require.NoError(t, store.Flush(ctx))

	for _, tt := range []struct {
		name    string
		policy  cache.EvictionPolicy
		minRate float64
	}{
		{"lru-10", cache.NewLRUPolicy(10), 0.90},
		{"lfu-10", cache.NewLFUPolicy(10), 0.90},
		{"lfu-30", cache.NewLFUPolicy(30), 0.99},
	} {
		t.Run(tt.name, func(t *testing.T) {
			store.mu.RLock()
			defer store.mu.RUnlock()
			hits := 0
			for i := 0; i < n; i++ {
				victim, ok := tt.policy.SelectVictim(diskSampler{s: store})
				require.True(t, ok)
				if victim.CreationTime < n/4 {
					hits++
				}
			}
			require.GreaterOrEqual(t, float64(hits)/n, tt.minRate)
		})
	}
}

func TestDiskStore_MutationsAfterDisposeAreRejected(t *testing.T) {
	dir := t.TempDir()
	config := DiskStoreConfig{Name: "closing", Directory: dir, Persistent: true, SpoolSize: 4}
	store, err := OpenDiskStore(config)
	require.NoError(t, err)

	// each writer owns its keys and remembers the last mutation the store accepted
	const writers = 4
	present := make([]map[string]bool, writers)
	started := make(chan struct{}, writers)
	var wg sync.WaitGroup
	for g := 0; g < writers; g++ {
		present[g] = map[string]bool{}
		wg.Add(1)
		go func(g int) {
			defer wg.Done()
			for i := 0; ; i++ {
				if i == 20 {
					started <- struct{}{}
				}
				key := fmt.Sprintf("g%d-k%d", g, i%8)
				if i%3 == 2 {
					if _, err := store.Remove(key); err != nil {
						return
					}
					present[g][key] = false
					continue
				}
				if err := store.Put(testEntry(key, "v")); err != nil {
					return
				}
				present[g][key] = true
			}
		}(g)
	}
	for g := 0; g < writers; g++ {
		<-started
	}
	require.NoError(t, store.Dispose(context.Background()))
	wg.Wait()

	_, err = store.Remove("g0-k0")
	require.ErrorIs(t, err, cache.ErrStoreClosed)
	require.ErrorIs(t, store.Put(testEntry("late", "v")), cache.ErrStoreClosed)

	reopened := openTestStore(t, config)
	for g := 0; g < writers; g++ {
		for key, want := range present[g] {
			require.Equal(t, want, reopened.Contains(key), key)
		}
	}
}
