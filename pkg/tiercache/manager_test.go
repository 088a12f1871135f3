package tiercache

import (
	"context"
	"fmt"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"go.uber.org/multierr"
)

func TestManager_Registry(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ManagerConfig{Name: "registry", DiskStorePath: t.TempDir()})
	require.NoError(t, err)
	defer m.Shutdown(ctx)

	_, err = m.CreateCache(DefaultCacheConfig("users"))
	require.NoError(t, err)
	_, err = m.CreateCache(DefaultCacheConfig("orders"))
	require.NoError(t, err)

	_, err = m.CreateCache(DefaultCacheConfig("users"))
	require.ErrorIs(t, err, ErrCacheExists)

	require.Equal(t, []string{"orders", "users"}, m.CacheNames())
	c, ok := m.Cache("users")
	require.True(t, ok)
	require.Equal(t, "users", c.Name())

	require.NoError(t, m.RemoveCache(ctx, "orders"))
	require.ErrorIs(t, m.RemoveCache(ctx, "orders"), ErrCacheNotFound)
	require.Equal(t, []string{"users"}, m.CacheNames())
}

func TestManager_IndependentInstances(t *testing.T) {
	ctx := context.Background()
	a, err := NewManager(ManagerConfig{Name: "a"})
	require.NoError(t, err)
	b, err := NewManager(ManagerConfig{Name: "b"})
	require.NoError(t, err)
	require.NotEqual(t, a.InstanceID(), b.InstanceID())

	ca, err := a.CreateCache(DefaultCacheConfig("shared"))
	require.NoError(t, err)
	cb, err := b.CreateCache(DefaultCacheConfig("shared"))
	require.NoError(t, err)

	require.NoError(t, ca.PutValue(ctx, "k", []byte("a")))
	_, err = cb.Get(ctx, "k")
	require.ErrorIs(t, err, ErrNotFound)

	require.NoError(t, a.Shutdown(ctx))
	require.NoError(t, b.Shutdown(ctx))
}

func TestManager_TemporaryPathRefusesPersistence(t *testing.T) {
	ctx := context.Background()
	m, err := NewManager(ManagerConfig{})
	require.NoError(t, err)
	dir := m.DiskStorePath()

	config := DefaultCacheConfig("durable")
	config.DiskMode = DiskOverflow
	config.DiskPersistent = true
	_, err = m.CreateCache(config)
	require.ErrorIs(t, err, ErrConfigurationConflict)

	config.DiskPersistent = false
	_, err = m.CreateCache(config)
	require.NoError(t, err)

	require.NoError(t, m.Shutdown(ctx))
	_, err = os.Stat(dir)
	require.True(t, os.IsNotExist(err), "temporary disk store path is removed on shutdown")

	_, err = m.CreateCache(DefaultCacheConfig("late"))
	require.ErrorIs(t, err, ErrStoreClosed)
}

func TestManager_PersistentCacheSurvivesRestart(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()
	config := DefaultCacheConfig("durable")
	config.MaxEntriesLocalHeap = 2
	config.DiskMode = DiskOverflow
	config.DiskPersistent = true

	m, err := NewManager(ManagerConfig{DiskStorePath: dir})
	require.NoError(t, err)
	c, err := m.CreateCache(config)
	require.NoError(t, err)
	for _, k := range []string{"a", "b", "c", "d"} {
		require.NoError(t, c.PutValue(ctx, k, []byte(k)))
	}
	require.NoError(t, m.Shutdown(ctx))

	m, err = NewManager(ManagerConfig{DiskStorePath: dir})
	require.NoError(t, err)
	defer m.Shutdown(ctx)
	c, err = m.CreateCache(config)
	require.NoError(t, err)

	require.Equal(t, 4, c.Size())
	for _, k := range []string{"a", "b", "c", "d"} {
		e, err := c.Get(ctx, k)
		require.NoError(t, err)
		require.Equal(t, k, string(e.Value))
	}
}

// stuckWriter never completes a write before its context ends
type stuckWriter struct{}

func (stuckWriter) Write(ctx context.Context, _ string, _ []byte) error {
	<-ctx.Done()
	return ctx.Err()
}

func (w stuckWriter) WriteAll(ctx context.Context, _ []KeyValue) error {
	return w.Write(ctx, "", nil)
}

func (w stuckWriter) Delete(ctx context.Context, _ string) error {
	return w.Write(ctx, "", nil)
}

func (w stuckWriter) DeleteAll(ctx context.Context, _ []string) error {
	return w.Write(ctx, "", nil)
}

func TestManager_ShutdownReportsEveryCache(t *testing.T) {
	m, err := NewManager(ManagerConfig{Name: "stuck", DiskStorePath: t.TempDir()})
	require.NoError(t, err)

	for i := 0; i < 3; i++ {
		config := DefaultCacheConfig(fmt.Sprintf("c%d", i))
		config.Writer = stuckWriter{}
		config.WriteBehind = WriteBehindConfig{MaxWriteDelay: time.Millisecond}
		c, err := m.CreateCache(config)
		require.NoError(t, err)
		require.NoError(t, c.PutValue(context.Background(), "k", []byte("v")))
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err = m.Shutdown(ctx)
	require.Error(t, err)
	require.Len(t, multierr.Errors(err), 3)
	require.Empty(t, m.CacheNames())
	require.NoError(t, m.Shutdown(context.Background()))
}
