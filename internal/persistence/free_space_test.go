package persistence

import (
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"
	"pgregory.net/rapid"

	"tiercache/internal/cache"
)

func TestFreeSpace_BestFit(t *testing.T) {
	f := newFreeSpace()
	f.release(0, 100)
	f.release(200, 30)
	f.release(300, 50)

	off, ok := f.allocate(40)
	require.True(t, ok)
	require.EqualValues(t, 300, off, "smallest range that fits")

	off, ok = f.allocate(30)
	require.True(t, ok)
	require.EqualValues(t, 200, off)

	_, ok = f.allocate(101)
	require.False(t, ok)

	if diff := cmp.Diff([]extent{{off: 0, len: 100}, {off: 340, len: 10}}, f.ranges(), cmp.AllowUnexported(extent{})); diff != "" {
		t.Errorf("free ranges mismatch (-want +got):\n%s", diff)
	}
}

func TestFreeSpace_Coalesce(t *testing.T) {
	f := newFreeSpace()
	f.release(10, 10)
	f.release(30, 10)
	f.release(20, 10)
	require.Equal(t, 1, f.count())
	require.EqualValues(t, 30, f.bytes())

	off, ok := f.allocate(30)
	require.True(t, ok)
	require.EqualValues(t, 10, off)
	require.Zero(t, f.count())
}

// Allocations never overlap each other and free bytes are conserved.
func TestFreeSpace_NoOverlap(t *testing.T) {
	rapid.Check(t, func(t *rapid.T) {
		const size = 4096
		f := newFreeSpace()
		f.release(0, size)
		type alloc struct{ off, n int64 }
		var live []alloc
		var used int64

		steps := rapid.IntRange(1, 200).Draw(t, "steps")
		for i := 0; i < steps; i++ {
			if len(live) > 0 && rapid.Bool().Draw(t, "free") {
				j := rapid.IntRange(0, len(live)-1).Draw(t, "victim")
				a := live[j]
				live = append(live[:j], live[j+1:]...)
				f.release(a.off, a.n)
				used -= a.n
				continue
			}
			n := rapid.Int64Range(1, 256).Draw(t, "n")
			off, ok := f.allocate(n)
			if !ok {
				continue
			}
			for _, a := range live {
				if off < a.off+a.n && a.off < off+n {
					t.Fatalf("allocation [%d,%d) overlaps [%d,%d)", off, off+n, a.off, a.off+a.n)
				}
			}
			if off < 0 || off+n > size {
				t.Fatalf("allocation [%d,%d) outside file", off, off+n)
			}
			live = append(live, alloc{off, n})
			used += n
		}
		if f.bytes()+used != size {
			t.Fatalf("free %d + used %d != %d", f.bytes(), used, size)
		}
	})
}

func TestRecord_DetectsCorruption(t *testing.T) {
	var codec recordCodec
	e := cache.NewEntry("key", []byte("value"), 1234)
	e.TimeToLive = 5000
	e.Version = 3
	rec, err := codec.encode(e)
	require.NoError(t, err)

	decoded, err := decodeRecord(rec, "key")
	require.NoError(t, err)
	require.Equal(t, e, decoded)

	_, err = decodeRecord(rec, "other")
	require.ErrorIs(t, err, cache.ErrCorruption)

	rec[len(rec)-1] ^= 0xff
	_, err = decodeRecord(rec, "key")
	require.ErrorIs(t, err, cache.ErrCorruption)

	_, err = decodeRecord(rec[:10], "key")
	require.ErrorIs(t, err, cache.ErrCorruption)
}
