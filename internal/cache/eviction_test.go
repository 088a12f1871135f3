package cache

import (
	"fmt"
	"math"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"
)

// sliceSampler hands back every entry it holds, skipping pinned ones
type sliceSampler []*Entry

func (s sliceSampler) evictable() []*Entry {
	var out []*Entry
	for _, e := range s {
		if e.Evictable(PinMemory) {
			out = append(out, e)
		}
	}
	return out
}

func (s sliceSampler) Len() int { return len(s.evictable()) }

func (s sliceSampler) Sample(n int) []*Entry {
	all := s.evictable()
	if len(all) > n {
		return all[:n]
	}
	return all
}

func TestPolicies_SelectVictim(t *testing.T) {
	entries := sliceSampler{
		{Key: "a", CreationTime: 3, LastAccessTime: 10, HitCount: 7},
		{Key: "b", CreationTime: 1, LastAccessTime: 30, HitCount: 9},
		{Key: "c", CreationTime: 2, LastAccessTime: 20, HitCount: 1},
	}

	tests := []struct {
		policy EvictionPolicy
		want   string
	}{
		{NewLRUPolicy(0), "a"},
		{NewLFUPolicy(0), "c"},
		{NewFIFOPolicy(0), "b"},
	}
	for _, tt := range tests {
		t.Run(tt.policy.Name(), func(t *testing.T) {
			victim, ok := tt.policy.SelectVictim(entries)
			require.True(t, ok)
			require.Equal(t, tt.want, victim.Key)
		})
	}
}

func TestPolicies_NoVictimWhenAllPinned(t *testing.T) {
	entries := sliceSampler{
		{Key: "a", Pinned: true},
		{Key: "b", PinnedToStore: PinMemory},
	}
	for _, name := range []string{PolicyLRU, PolicyLFU, PolicyFIFO} {
		p, err := NewPolicy(name, 0)
		require.NoError(t, err)
		_, ok := p.SelectVictim(entries)
		require.False(t, ok, name)
	}
}

func TestNewPolicy_Unknown(t *testing.T) {
	_, err := NewPolicy("random", 0)
	require.ErrorIs(t, err, ErrConfigurationConflict)

	p, err := NewPolicy("LFU", 0)
	require.NoError(t, err)
	require.Equal(t, PolicyLFU, p.Name())
	require.Equal(t, DefaultSampleSize, p.(*samplingPolicy).SampleSize())
}

func TestPolicies_NeverSelectPinned(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		n := rapid.IntRange(1, 60).Draw(t, "n")
		var entries sliceSampler
		for i := 0; i < n; i++ {
			entries = append(entries, &Entry{
				Key:            fmt.Sprintf("k%d", i),
				CreationTime:   rapid.Int64Range(0, 1000).Draw(t, "created"),
				LastAccessTime: rapid.Int64Range(0, 1000).Draw(t, "accessed"),
				HitCount:       rapid.Uint64Range(0, 50).Draw(t, "hits"),
				Pinned:         rapid.Bool().Draw(t, "pinned"),
			})
		}
		name := rapid.SampledFrom([]string{PolicyLRU, PolicyLFU, PolicyFIFO}).Draw(t, "policy")
		p, err := NewPolicy(name, rapid.IntRange(1, 40).Draw(t, "sample"))
		if err != nil {
			t.Fatal(err)
		}
		victim, ok := p.SelectVictim(entries)
		if entries.Len() == 0 {
			if ok {
				t.Fatalf("selected %s with no evictable entries", victim.Key)
			}
			return
		}
		if !ok || victim.Pinned {
			t.Fatalf("bad victim %+v ok=%v", victim, ok)
		}
	})
}

func TestGetInitialCapacity(t *testing.T) {
	tests := []struct {
		name string
		max  int
		lf   float64
		want int
	}{
		{"zero", 0, 0.75, 0},
		{"negative", -10, 0.75, 0},
		{"exact", 75, 0.75, 100},
		{"rounds up", 10, 0.75, 14},
		{"unit load factor", 10, 1, 10},
		{"clamped", math.MaxInt32, 0.5, math.MaxInt32},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			require.Equal(t, tt.want, GetInitialCapacity(tt.max, tt.lf))
		})
	}
}

func TestEntry_IsExpired(t *testing.T) {
	e := NewEntry("k", []byte("v"), 1000)
	require.False(t, e.IsExpired(1_000_000))

	e.TimeToIdle = 2 * time.Millisecond
	require.False(t, e.IsExpired(1002))
	require.True(t, e.IsExpired(1003))

	e = NewEntry("k", nil, 1000)
	e.TimeToLive = 5 * time.Millisecond
	e.Touch(1004)
	require.False(t, e.IsExpired(1005))
	require.True(t, e.IsExpired(1006))
	require.EqualValues(t, 1, e.HitCount)
}
