package persistence

import "github.com/google/btree"

// extent is a contiguous byte range of the data file
type extent struct {
	off int64
	len int64
}

func lessBySize(a, b extent) bool {
	if a.len != b.len {
		return a.len < b.len
	}
	return a.off < b.off
}

func lessByOffset(a, b extent) bool {
	return a.off < b.off
}

// freeSpace tracks reclaimed ranges of the data file for best-fit reuse.
// Adjacent ranges are coalesced on release. It is owned by the disk writer.
type freeSpace struct {
	bySize *btree.BTreeG[extent]
	byOff  *btree.BTreeG[extent]
	total  int64
}

func newFreeSpace() *freeSpace {
	return &freeSpace{
		bySize: btree.NewG(16, lessBySize),
		byOff:  btree.NewG(16, lessByOffset),
	}
}

// allocate takes the smallest free range that can hold n bytes
func (f *freeSpace) allocate(n int64) (int64, bool) {
	var found extent
	ok := false
	f.bySize.AscendGreaterOrEqual(extent{len: n}, func(e extent) bool {
		found, ok = e, true
		return false
	})
	if !ok {
		return 0, false
	}
	f.remove(found)
	if rest := found.len - n; rest > 0 {
		f.insert(extent{off: found.off + n, len: rest})
	}
	return found.off, true
}

// release returns a range, merging it with its neighbours
func (f *freeSpace) release(off, n int64) {
	if n <= 0 {
		return
	}
	merged := extent{off: off, len: n}
	f.byOff.DescendLessOrEqual(extent{off: off}, func(prev extent) bool {
		if prev.off+prev.len == off {
			f.remove(prev)
			merged = extent{off: prev.off, len: prev.len + merged.len}
		}
		return false
	})
	f.byOff.AscendGreaterOrEqual(extent{off: off + n}, func(next extent) bool {
		if next.off == off+n {
			f.remove(next)
			merged.len += next.len
		}
		return false
	})
	f.insert(merged)
}

func (f *freeSpace) insert(e extent) {
	f.bySize.ReplaceOrInsert(e)
	f.byOff.ReplaceOrInsert(e)
	f.total += e.len
}

func (f *freeSpace) remove(e extent) {
	f.bySize.Delete(e)
	f.byOff.Delete(e)
	f.total -= e.len
}

func (f *freeSpace) reset() {
	f.bySize.Clear(false)
	f.byOff.Clear(false)
	f.total = 0
}

// ranges returns the free extents in offset order
func (f *freeSpace) ranges() []extent {
	out := make([]extent, 0, f.byOff.Len())
	f.byOff.Ascend(func(e extent) bool {
		out = append(out, e)
		return true
	})
	return out
}

func (f *freeSpace) count() int { return f.byOff.Len() }

func (f *freeSpace) bytes() int64 { return f.total }
