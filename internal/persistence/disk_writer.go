package persistence

import (
	"fmt"
	"sort"
	"time"

	"go.uber.org/multierr"

	"tiercache/internal/cache"
	"tiercache/internal/logging"
)

// run is the single disk writer. It alone touches the free space, the file
// tail and the key index; readers only take the read lock.
func (s *DiskStore) run() {
	defer close(s.done)
	for op := range s.spool {
		switch op.kind {
		case opPut:
			s.writeEntry(op)
		case opRemove:
			s.applyRemove(op)
		case opFlush:
			op.done <- s.checkpoint()
		case opClear:
			s.clear()
			op.done <- nil
		case opEvict:
			s.evictToCapacity("", -1)
		case opExpire:
			s.expire()
		case opShutdown:
			op.done <- s.checkpoint()
			return
		}
	}
}

// current reports whether op is still the latest spooled mutation of its key.
// Must be called with s.mu held.
func (s *DiskStore) current(op spoolOp) bool {
	p, ok := s.pending[op.key]
	return ok && p.seq == op.seq
}

func (s *DiskStore) writeEntry(op spoolOp) {
	s.mu.RLock()
	live := s.current(op)
	s.mu.RUnlock()
	if !live {
		return
	}

	rec, err := s.codec.encode(op.entry)
	if err != nil {
		s.fail(op, err)
		return
	}
	n := int64(len(rec))
	off, reused := s.free.allocate(n)
	if !reused {
		off = s.fileEnd
	}
	if _, err := s.data.WriteAt(rec, off); err != nil {
		if reused {
			s.free.release(off, n)
		}
		s.fail(op, fmt.Errorf("failed to write %q at offset %d: %w", op.key, off, err))
		return
	}
	if !reused {
		s.fileEnd += n
	}
	s.writes.Inc()

	loc := newLocation(op.entry, off, n)
	s.mu.Lock()
	if !s.current(op) {
		s.mu.Unlock()
		s.free.release(off, n)
		return
	}
	delete(s.pending, op.key)
	old := s.index[op.key]
	s.index[op.key] = loc
	s.untrack(op.key)
	if !loc.pinned {
		s.track(op.key)
	}
	s.mu.Unlock()

	s.usedBytes.Add(n)
	if old != nil {
		s.free.release(old.off, old.length)
		s.usedBytes.Sub(old.length)
	}
	s.evictToCapacity(op.key, maxEvictPerWrite)
}

// fail drops a spooled write. The key's previous disk copy is discarded too,
// since it no longer matches what the caller last stored.
func (s *DiskStore) fail(op spoolOp, err error) {
	s.writeErrors.Inc()
	s.errs = append(s.errs, err)
	logging.Error(nil, logging.ComponentDisk, logging.ActionWrite, "Disk write failed", err, map[string]interface{}{
		"store": s.config.Name,
		"key":   op.key,
	})

	s.mu.Lock()
	if !s.current(op) {
		s.mu.Unlock()
		return
	}
	delete(s.pending, op.key)
	old := s.index[op.key]
	delete(s.index, op.key)
	s.untrack(op.key)
	s.mu.Unlock()
	if old != nil {
		s.free.release(old.off, old.length)
		s.usedBytes.Sub(old.length)
	}
}

func (s *DiskStore) applyRemove(op spoolOp) {
	s.mu.Lock()
	if !s.current(op) {
		s.mu.Unlock()
		return
	}
	delete(s.pending, op.key)
	old := s.index[op.key]
	delete(s.index, op.key)
	s.untrack(op.key)
	s.mu.Unlock()
	if old != nil {
		s.free.release(old.off, old.length)
		s.usedBytes.Sub(old.length)
	}
}

func (s *DiskStore) overCapacity() bool {
	if max := s.maxEntries.Load(); max > 0 {
		s.mu.RLock()
		n := len(s.index)
		s.mu.RUnlock()
		if int64(n) > max {
			return true
		}
	}
	max := s.maxBytes.Load()
	return max > 0 && s.usedBytes.Load() > max
}

// evictToCapacity removes victims chosen by the policy until the store fits,
// at most limit of them (unbounded when limit < 0). The excluded key is never
// chosen.
func (s *DiskStore) evictToCapacity(exclude string, limit int) {
	evicted := 0
	for s.overCapacity() && (limit < 0 || evicted < limit) {
		s.mu.Lock()
		victim, ok := s.config.Policy.SelectVictim(diskSampler{s: s, exclude: exclude})
		if !ok {
			s.mu.Unlock()
			return
		}
		loc := s.index[victim.Key]
		delete(s.index, victim.Key)
		s.untrack(victim.Key)
		s.mu.Unlock()

		s.free.release(loc.off, loc.length)
		s.usedBytes.Sub(loc.length)
		evicted++
		s.config.Listeners.Notify(cache.Event{Kind: cache.EventEvicted, Key: victim.Key, Tier: "disk"})
	}
	if evicted > 0 {
		logging.Debug(nil, logging.ComponentDisk, logging.ActionEvict, "Evicted disk entries", map[string]interface{}{
			"store": s.config.Name,
			"count": evicted,
		})
	}
}

func (s *DiskStore) expire() {
	now := s.config.Clock().UnixMilli()
	s.mu.RLock()
	var keys []string
	for k, loc := range s.index {
		if loc.expired(now) {
			keys = append(keys, k)
		}
	}
	s.mu.RUnlock()

	for _, k := range keys {
		s.mu.Lock()
		loc, ok := s.index[k]
		if _, spooled := s.pending[k]; spooled || !ok || !loc.expired(now) {
			s.mu.Unlock()
			continue
		}
		delete(s.index, k)
		s.untrack(k)
		s.mu.Unlock()

		s.free.release(loc.off, loc.length)
		s.usedBytes.Sub(loc.length)
		s.config.Listeners.Notify(cache.Event{Kind: cache.EventExpired, Key: k, Tier: "disk"})
	}
}

// clear drops every indexed entry. The data file keeps its length; its whole
// extent becomes free space.
func (s *DiskStore) clear() {
	s.mu.Lock()
	s.index = make(map[string]*location)
	s.evictable = nil
	s.position = make(map[string]int)
	s.mu.Unlock()

	s.free.reset()
	s.free.release(0, s.fileEnd)
	s.usedBytes.Store(0)
}

// checkpoint syncs the data file, writes the index of persistent stores and
// reports write errors accumulated since the previous checkpoint.
func (s *DiskStore) checkpoint() error {
	errs := s.errs
	s.errs = nil
	if err := s.data.Sync(); err != nil {
		errs = append(errs, fmt.Errorf("failed to sync data file: %w", err))
	}
	if s.config.Persistent {
		if err := s.writeIndex(); err != nil {
			errs = append(errs, err)
		}
	}
	return multierr.Combine(errs...)
}

func (s *DiskStore) writeIndex() error {
	st, err := s.data.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat data file: %w", err)
	}

	s.mu.RLock()
	records := make([]IndexRecord, 0, len(s.index))
	for k, loc := range s.index {
		records = append(records, IndexRecord{
			Key:        k,
			Offset:     loc.off,
			Length:     loc.length,
			Hits:       loc.hits.Load(),
			Created:    loc.created,
			LastAccess: loc.lastAccess.Load(),
			TimeToIdle: loc.tti,
			TimeToLive: loc.ttl,
			Pinned:     loc.pinned,
		})
	}
	s.mu.RUnlock()
	sort.Slice(records, func(i, j int) bool { return records[i].Offset < records[j].Offset })

	header := IndexHeader{
		Version:    indexVersion,
		Name:       s.config.Name,
		CreatedAt:  time.Now(),
		EntryCount: len(records),
		DataSize:   st.Size(),
	}
	return writeIndexFile(s.indexPath, header, records)
}

// diskSampler views evictable disk entries; used by the writer with s.mu held
type diskSampler struct {
	s       *DiskStore
	exclude string
}

func (d diskSampler) Len() int {
	n := len(d.s.evictable)
	if _, ok := d.s.position[d.exclude]; ok {
		n--
	}
	return n
}

func (d diskSampler) Sample(n int) []*cache.Entry {
	keys := d.s.evictable
	out := make([]*cache.Entry, 0, n)
	if len(keys) <= n+1 {
		for _, k := range keys {
			if k != d.exclude {
				out = append(out, d.entry(k))
			}
		}
		return out
	}
	for len(out) < n {
		k := keys[d.s.rng.Intn(len(keys))]
		if k != d.exclude {
			out = append(out, d.entry(k))
		}
	}
	return out
}

func (d diskSampler) entry(key string) *cache.Entry {
	loc := d.s.index[key]
	return &cache.Entry{
		Key:            key,
		CreationTime:   loc.created,
		LastAccessTime: loc.lastAccess.Load(),
		HitCount:       loc.hits.Load(),
	}
}
