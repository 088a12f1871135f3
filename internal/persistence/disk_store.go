package persistence

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"go.uber.org/atomic"
	"go.uber.org/multierr"
	"pgregory.net/rand"

	"tiercache/internal/cache"
	"tiercache/internal/logging"
)

// State is the lifecycle state of a disk store
type State int32

const (
	StateOpening State = iota
	StateRebuilding
	StateReady
	StateDisposing
	StateClosed
)

func (s State) String() string {
	switch s {
	case StateOpening:
		return "opening"
	case StateRebuilding:
		return "rebuilding"
	case StateReady:
		return "ready"
	case StateDisposing:
		return "disposing"
	case StateClosed:
		return "closed"
	default:
		return "unknown"
	}
}

const (
	// maxEvictPerWrite bounds the capacity evictions done after a single write
	maxEvictPerWrite = 5

	// an index older than its data file by more than this is stale
	staleIndexTolerance = time.Second
)

// DiskStoreConfig defines disk tier behavior
type DiskStoreConfig struct {
	Name            string        `yaml:"name" json:"name"`
	Directory       string        `yaml:"directory" json:"directory"`
	Persistent      bool          `yaml:"persistent" json:"persistent"`
	MaxEntries      int           `yaml:"max_entries" json:"max_entries"` // 0 = unbounded
	MaxBytes        int64         `yaml:"max_bytes" json:"max_bytes"`     // 0 = unbounded
	SpoolSize       int           `yaml:"spool_size" json:"spool_size"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout" json:"shutdown_timeout"`
	Compress        bool          `yaml:"compress" json:"compress"`

	Policy    cache.EvictionPolicy `yaml:"-" json:"-"`
	Clock     func() time.Time     `yaml:"-" json:"-"`
	Listeners *cache.Listeners     `yaml:"-" json:"-"`
}

// DefaultDiskStoreConfig returns defaults for a non-persistent, unbounded disk tier
func DefaultDiskStoreConfig(name string) DiskStoreConfig {
	return DiskStoreConfig{
		Name:            name,
		SpoolSize:       1024,
		ShutdownTimeout: time.Minute,
	}
}

// DiskStats provides metrics about the disk tier
type DiskStats struct {
	cache.TierStats
	State        string `json:"state"`
	DataFileSize int64  `json:"data_file_size"`
	Pending      int    `json:"pending"`
	Writes       uint64 `json:"writes"`
	Reads        uint64 `json:"reads"`
	WriteErrors  uint64 `json:"write_errors"`
	Rebuilds     uint64 `json:"rebuilds"`
}

// location is the in-memory index record of one key
type location struct {
	off        int64
	length     int64
	hits       atomic.Uint64
	lastAccess atomic.Int64
	created    int64
	tti        time.Duration
	ttl        time.Duration
	pinned     bool
}

func newLocation(e *cache.Entry, off, length int64) *location {
	loc := &location{
		off:     off,
		length:  length,
		created: e.CreationTime,
		tti:     e.TimeToIdle,
		ttl:     e.TimeToLive,
		pinned:  !e.Evictable(cache.PinDisk),
	}
	loc.hits.Store(e.HitCount)
	loc.lastAccess.Store(e.LastAccessTime)
	return loc
}

func (l *location) expired(nowMs int64) bool {
	e := cache.Entry{CreationTime: l.created, LastAccessTime: l.lastAccess.Load(), TimeToIdle: l.tti, TimeToLive: l.ttl}
	return e.IsExpired(nowMs)
}

type opKind int

const (
	opPut opKind = iota
	opRemove
	opFlush
	opClear
	opEvict
	opExpire
	opShutdown
)

type spoolOp struct {
	kind  opKind
	key   string
	seq   uint64
	entry *cache.Entry
	done  chan error
}

// pendingOp is a spooled mutation not yet applied; a nil entry is a removal
type pendingOp struct {
	seq   uint64
	entry *cache.Entry
}

// DiskStore is the persistent tier: a data file of checksummed records, a
// best-fit free-space index and an in-memory key index. All file writes and
// index mutations happen on a single writer goroutine fed by the spool.
type DiskStore struct {
	config    DiskStoreConfig
	dir       string
	dataPath  string
	indexPath string
	autoDir   bool
	lock      *fileLock
	data      *os.File
	state     atomic.Int32

	// gate is held shared while an operation is spooled. Dispose takes it
	// exclusively to close intake before the shutdown marker is queued.
	gate sync.RWMutex

	mu        sync.RWMutex
	index     map[string]*location
	pending   map[string]pendingOp
	evictable []string
	position  map[string]int
	seq       uint64

	maxEntries atomic.Int64
	maxBytes   atomic.Int64
	usedBytes  atomic.Int64

	// owned by the writer goroutine
	free    *freeSpace
	fileEnd int64
	codec   recordCodec
	errs    []error
	rng     *rand.Rand

	spool chan spoolOp
	done  chan struct{}

	writes      atomic.Uint64
	reads       atomic.Uint64
	writeErrors atomic.Uint64
	rebuilds    atomic.Uint64
}

// OpenDiskStore opens or creates a disk tier, reloading a persisted index when
// one is valid and rebuilding an empty store when it is not.
func OpenDiskStore(config DiskStoreConfig) (*DiskStore, error) {
	if config.Persistent && config.Directory == "" {
		return nil, fmt.Errorf("persistent disk store %q requires an explicit directory: %w", config.Name, cache.ErrConfigurationConflict)
	}
	if config.MaxEntries < 0 || config.MaxBytes < 0 {
		return nil, fmt.Errorf("negative disk tier bound: %w", cache.ErrConfigurationConflict)
	}
	if config.Name == "" {
		config.Name = "cache"
	}
	if config.SpoolSize <= 0 {
		config.SpoolSize = 1024
	}
	if config.ShutdownTimeout <= 0 {
		config.ShutdownTimeout = time.Minute
	}
	if config.Policy == nil {
		config.Policy = cache.NewLFUPolicy(cache.DefaultSampleSize)
	}
	if config.Clock == nil {
		config.Clock = time.Now
	}

	dir, autoDir := config.Directory, false
	if dir == "" {
		tmp, err := os.MkdirTemp("", "tiercache-")
		if err != nil {
			return nil, fmt.Errorf("failed to create temporary disk store directory: %w", err)
		}
		dir, autoDir = tmp, true
	} else if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create disk store directory: %w", err)
	}

	base := filepath.Join(dir, sanitizeName(config.Name))
	lock, err := lockFile(base + ".lock")
	if err != nil {
		if autoDir {
			_ = os.RemoveAll(dir)
		}
		return nil, err
	}

	s := &DiskStore{
		config:    config,
		dir:       dir,
		dataPath:  base + ".data",
		indexPath: base + ".index",
		autoDir:   autoDir,
		lock:      lock,
		index:     make(map[string]*location),
		pending:   make(map[string]pendingOp),
		position:  make(map[string]int),
		free:      newFreeSpace(),
		codec:     recordCodec{compress: config.Compress},
		rng:       rand.New(),
		spool:     make(chan spoolOp, config.SpoolSize),
		done:      make(chan struct{}),
	}
	s.maxEntries.Store(int64(config.MaxEntries))
	s.maxBytes.Store(config.MaxBytes)
	s.state.Store(int32(StateOpening))

	if err := s.open(); err != nil {
		if s.data != nil {
			_ = s.data.Close()
		}
		_ = lock.unlock(false)
		if autoDir {
			_ = os.RemoveAll(dir)
		}
		return nil, err
	}

	go s.run()
	s.state.Store(int32(StateReady))

	logging.Info(nil, logging.ComponentDisk, logging.ActionStart, "Disk store opened", map[string]interface{}{
		"store":      config.Name,
		"path":       s.dataPath,
		"persistent": config.Persistent,
		"entries":    len(s.index),
	})
	return s, nil
}

func sanitizeName(name string) string {
	out := []rune(name)
	for i, r := range out {
		if r == '/' || r == '\\' || r == ':' || r == 0 {
			out[i] = '_'
		}
	}
	return string(out)
}

func (s *DiskStore) open() error {
	if !s.config.Persistent {
		for _, p := range []string{s.dataPath, s.indexPath} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				return fmt.Errorf("failed to remove stale file %s: %w", p, err)
			}
		}
	}

	f, err := os.OpenFile(s.dataPath, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open data file: %w", err)
	}
	s.data = f
	if !s.config.Persistent {
		return nil
	}

	st, err := f.Stat()
	if err != nil {
		return fmt.Errorf("failed to stat data file: %w", err)
	}
	idx, err := s.loadIndex(st)
	if err != nil {
		if errors.Is(err, cache.ErrCorruption) {
			return s.rebuild(err)
		}
		return err
	}
	if idx != nil {
		s.restore(idx, st.Size())
	}
	return nil
}

func (s *DiskStore) loadIndex(data os.FileInfo) (*indexFile, error) {
	ist, err := os.Stat(s.indexPath)
	if os.IsNotExist(err) {
		if data.Size() == 0 {
			return nil, nil
		}
		return nil, fmt.Errorf("data file has no index: %w", cache.ErrCorruption)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to stat index file: %w", err)
	}
	if data.ModTime().After(ist.ModTime().Add(staleIndexTolerance)) {
		return nil, fmt.Errorf("index file is older than data file: %w", cache.ErrCorruption)
	}
	idx, err := readIndexFile(s.indexPath, data.Size())
	if err != nil && !errors.Is(err, cache.ErrCorruption) {
		return nil, fmt.Errorf("failed to read index file: %w", err)
	}
	return idx, err
}

// restore installs a loaded index. The index file is removed afterwards so a
// crash before the next clean flush forces a rebuild instead of a stale reload.
func (s *DiskStore) restore(idx *indexFile, dataSize int64) {
	now := s.config.Clock().UnixMilli()
	var end int64
	expired := 0
	for _, r := range idx.Records {
		if r.Offset > end {
			s.free.release(end, r.Offset-end)
		}
		end = r.Offset + r.Length

		loc := &location{
			off:     r.Offset,
			length:  r.Length,
			created: r.Created,
			tti:     r.TimeToIdle,
			ttl:     r.TimeToLive,
			pinned:  r.Pinned,
		}
		loc.hits.Store(r.Hits)
		loc.lastAccess.Store(r.LastAccess)
		if loc.expired(now) {
			s.free.release(r.Offset, r.Length)
			expired++
			continue
		}
		s.index[r.Key] = loc
		if !loc.pinned {
			s.track(r.Key)
		}
		s.usedBytes.Add(r.Length)
	}
	if dataSize > end {
		s.free.release(end, dataSize-end)
	}
	s.fileEnd = dataSize
	_ = os.Remove(s.indexPath)

	logging.Info(nil, logging.ComponentDisk, logging.ActionRestore, "Disk index reloaded", map[string]interface{}{
		"store":   s.config.Name,
		"entries": len(s.index),
		"expired": expired,
		"free":    s.free.bytes(),
	})
}

// rebuild discards all prior data after a corrupt or stale index
func (s *DiskStore) rebuild(cause error) error {
	s.state.Store(int32(StateRebuilding))
	logging.Warn(nil, logging.ComponentDisk, logging.ActionRebuild, "Disk index unusable, discarding data file", map[string]interface{}{
		"store": s.config.Name,
		"path":  s.dataPath,
		"cause": cause.Error(),
	})

	if err := s.data.Truncate(0); err != nil {
		return fmt.Errorf("failed to truncate data file: %w", err)
	}
	if err := os.Remove(s.indexPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove index file: %w", err)
	}
	s.index = make(map[string]*location)
	s.evictable = nil
	s.position = make(map[string]int)
	s.free.reset()
	s.fileEnd = 0
	s.usedBytes.Store(0)
	s.rebuilds.Inc()
	s.config.Listeners.Notify(cache.Event{Kind: cache.EventCorruptionRecovered, Tier: "disk", Err: cause})
	return nil
}

// State returns the lifecycle state
func (s *DiskStore) State() State {
	return State(s.state.Load())
}

func (s *DiskStore) readable() bool {
	st := s.State()
	return st == StateReady || st == StateDisposing
}

// Get reads an entry. Spooled writes are visible before they reach the file.
func (s *DiskStore) Get(key string) (*cache.Entry, bool, error) {
	if !s.readable() {
		return nil, false, cache.ErrStoreClosed
	}
	now := s.config.Clock().UnixMilli()

	s.mu.RLock()
	if p, ok := s.pending[key]; ok {
		s.mu.RUnlock()
		if p.entry == nil {
			return nil, false, nil
		}
		e := p.entry.Clone()
		if e.IsExpired(now) {
			s.expireKey(key)
			return nil, false, nil
		}
		e.Touch(now)
		return e, true, nil
	}
	loc, ok := s.index[key]
	if !ok {
		s.mu.RUnlock()
		return nil, false, nil
	}
	if loc.expired(now) {
		s.mu.RUnlock()
		s.expireKey(key)
		return nil, false, nil
	}
	buf := make([]byte, loc.length)
	_, err := s.data.ReadAt(buf, loc.off)
	s.mu.RUnlock()
	s.reads.Inc()
	if err != nil {
		return nil, false, fmt.Errorf("failed to read %q from disk: %w", key, err)
	}

	e, err := decodeRecord(buf, key)
	if err != nil {
		logging.Error(nil, logging.ComponentDisk, logging.ActionRead, "Discarding unreadable disk record", err, map[string]interface{}{
			"store": s.config.Name,
			"key":   key,
		})
		_, _ = s.Remove(key)
		return nil, false, err
	}
	e.HitCount = loc.hits.Inc()
	loc.lastAccess.Store(now)
	e.LastAccessTime = now
	return e, true, nil
}

// Contains reports whether the key is on disk or spooled
func (s *DiskStore) Contains(key string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if p, ok := s.pending[key]; ok {
		return p.entry != nil
	}
	_, ok := s.index[key]
	return ok
}

// Put spools an entry for writing. Write failures are reported by the next Flush.
func (s *DiskStore) Put(entry *cache.Entry) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.State() != StateReady {
		return cache.ErrStoreClosed
	}
	e := entry.Clone()
	s.mu.Lock()
	s.seq++
	op := spoolOp{kind: opPut, key: e.Key, seq: s.seq, entry: e}
	s.pending[e.Key] = pendingOp{seq: op.seq, entry: e}
	s.mu.Unlock()
	return s.send(context.Background(), op)
}

// Remove spools a removal and reports whether the key was present
func (s *DiskStore) Remove(key string) (bool, error) {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.State() != StateReady {
		return false, cache.ErrStoreClosed
	}
	s.mu.Lock()
	present := false
	if p, ok := s.pending[key]; ok {
		present = p.entry != nil
	} else {
		_, present = s.index[key]
	}
	if !present {
		s.mu.Unlock()
		return false, nil
	}
	s.seq++
	op := spoolOp{kind: opRemove, key: key, seq: s.seq}
	s.pending[key] = pendingOp{seq: op.seq}
	s.mu.Unlock()
	return true, s.send(context.Background(), op)
}

func (s *DiskStore) expireKey(key string) {
	if ok, _ := s.Remove(key); ok {
		s.config.Listeners.Notify(cache.Event{Kind: cache.EventExpired, Key: key, Tier: "disk"})
	}
}

// RemoveAll empties the tier and waits for the spool to apply it
func (s *DiskStore) RemoveAll(ctx context.Context) error {
	return s.barrier(ctx, opClear)
}

// Flush blocks until every write spooled before the call is on disk, syncs the
// data file and, for persistent stores, writes the index file.
func (s *DiskStore) Flush(ctx context.Context) error {
	return s.barrier(ctx, opFlush)
}

// Expire schedules removal of expired entries
func (s *DiskStore) Expire(ctx context.Context) error {
	return s.submit(ctx, spoolOp{kind: opExpire})
}

// ChangeCapacity sets the entry bound. Shrinking schedules evictions; growing
// only raises the threshold.
func (s *DiskStore) ChangeCapacity(maxEntries int) error {
	if maxEntries < 0 {
		return fmt.Errorf("disk max entries %d: %w", maxEntries, cache.ErrConfigurationConflict)
	}
	old := s.maxEntries.Swap(int64(maxEntries))
	if maxEntries > 0 && (old == 0 || int64(maxEntries) < old) {
		return s.submit(context.Background(), spoolOp{kind: opEvict})
	}
	return nil
}

// SetMaxBytes sets the byte bound, scheduling evictions when shrinking
func (s *DiskStore) SetMaxBytes(maxBytes int64) error {
	if maxBytes < 0 {
		return fmt.Errorf("disk max bytes %d: %w", maxBytes, cache.ErrConfigurationConflict)
	}
	old := s.maxBytes.Swap(maxBytes)
	if maxBytes > 0 && (old == 0 || maxBytes < old) {
		return s.submit(context.Background(), spoolOp{kind: opEvict})
	}
	return nil
}

func (s *DiskStore) barrier(ctx context.Context, kind opKind) error {
	done := make(chan error, 1)
	if err := s.submit(ctx, spoolOp{kind: kind, done: done}); err != nil {
		return err
	}
	select {
	case err := <-done:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// submit spools op while the store is ready
func (s *DiskStore) submit(ctx context.Context, op spoolOp) error {
	s.gate.RLock()
	defer s.gate.RUnlock()
	if s.State() != StateReady {
		return cache.ErrStoreClosed
	}
	return s.send(ctx, op)
}

func (s *DiskStore) send(ctx context.Context, op spoolOp) error {
	select {
	case s.spool <- op:
		return nil
	case <-s.done:
		return cache.ErrStoreClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dispose drains the spool, bounded by the shutdown timeout, then closes the
// files. Files are deleted unless the store is persistent.
func (s *DiskStore) Dispose(ctx context.Context) error {
	s.gate.Lock()
	disposing := s.state.CompareAndSwap(int32(StateReady), int32(StateDisposing))
	s.gate.Unlock()
	if !disposing {
		return nil
	}
	ctx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()

	var result error
	done := make(chan error, 1)
	if err := s.send(ctx, spoolOp{kind: opShutdown, done: done}); err != nil {
		result = multierr.Append(result, err)
	} else {
		select {
		case err := <-done:
			result = multierr.Append(result, err)
		case <-ctx.Done():
			logging.Warn(ctx, logging.ComponentDisk, logging.ActionStop, "Disk spool did not drain before shutdown timeout", map[string]interface{}{
				"store":   s.config.Name,
				"pending": len(s.spool),
			})
			result = multierr.Append(result, fmt.Errorf("disk spool not drained: %w", ctx.Err()))
		}
	}

	result = multierr.Append(result, s.data.Close())
	if !s.config.Persistent {
		for _, p := range []string{s.dataPath, s.indexPath} {
			if err := os.Remove(p); err != nil && !os.IsNotExist(err) {
				result = multierr.Append(result, err)
			}
		}
	}
	result = multierr.Append(result, s.lock.unlock(!s.config.Persistent))
	if s.autoDir {
		result = multierr.Append(result, os.RemoveAll(s.dir))
	}
	s.state.Store(int32(StateClosed))

	logging.Info(ctx, logging.ComponentDisk, logging.ActionStop, "Disk store closed", map[string]interface{}{
		"store":      s.config.Name,
		"persistent": s.config.Persistent,
	})
	return result
}

// Len returns the number of entries on disk or spooled
func (s *DiskStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := len(s.index)
	for k, p := range s.pending {
		_, onDisk := s.index[k]
		switch {
		case p.entry != nil && !onDisk:
			n++
		case p.entry == nil && onDisk:
			n--
		}
	}
	return n
}

// Bytes returns the size of the records referenced by the index
func (s *DiskStore) Bytes() int64 {
	return s.usedBytes.Load()
}

// DataFileSize returns the current length of the data file
func (s *DiskStore) DataFileSize() (int64, error) {
	st, err := os.Stat(s.dataPath)
	if err != nil {
		return 0, err
	}
	return st.Size(), nil
}

// Paths returns the data and index file locations
func (s *DiskStore) Paths() (data, index string) {
	return s.dataPath, s.indexPath
}

// Stats reports the tier's current occupancy and counters
func (s *DiskStore) Stats() DiskStats {
	size, _ := s.DataFileSize()
	s.mu.RLock()
	pending := len(s.pending)
	s.mu.RUnlock()
	return DiskStats{
		TierStats: cache.TierStats{
			Name:           s.config.Name,
			EvictionPolicy: s.config.Policy.Name(),
			Entries:        s.Len(),
			MaxEntries:     int(s.maxEntries.Load()),
			Bytes:          s.usedBytes.Load(),
			MaxBytes:       s.maxBytes.Load(),
		},
		State:        s.State().String(),
		DataFileSize: size,
		Pending:      pending,
		Writes:       s.writes.Load(),
		Reads:        s.reads.Load(),
		WriteErrors:  s.writeErrors.Load(),
		Rebuilds:     s.rebuilds.Load(),
	}
}

func (s *DiskStore) track(key string) {
	if _, ok := s.position[key]; ok {
		return
	}
	s.position[key] = len(s.evictable)
	s.evictable = append(s.evictable, key)
}

func (s *DiskStore) untrack(key string) {
	i, ok := s.position[key]
	if !ok {
		return
	}
	last := len(s.evictable) - 1
	if i != last {
		moved := s.evictable[last]
		s.evictable[i] = moved
		s.position[moved] = i
	}
	s.evictable = s.evictable[:last]
	delete(s.position, key)
}
