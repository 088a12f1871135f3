package writebehind

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/atomic"
	"golang.org/x/time/rate"

	"tiercache/internal/logging"
)

// ErrQueueStopped is returned by operations on a disposed queue
var ErrQueueStopped = errors.New("write-behind queue is stopped")

// OpKind distinguishes writes from deletes
type OpKind int

const (
	OpWrite OpKind = iota
	OpDelete
)

func (k OpKind) String() string {
	if k == OpDelete {
		return "delete"
	}
	return "write"
}

// Operation is one pending mutation for the external writer
type Operation struct {
	Kind      OpKind
	Key       string
	Value     []byte
	CreatedAt time.Time
}

// KeyValue is one element of a batched write
type KeyValue struct {
	Key   string
	Value []byte
}

// Writer is the external system of record
type Writer interface {
	Write(ctx context.Context, key string, value []byte) error
	WriteAll(ctx context.Context, batch []KeyValue) error
	Delete(ctx context.Context, key string) error
	DeleteAll(ctx context.Context, keys []string) error
}

// DroppedError reports operations abandoned after exhausting their retries
type DroppedError struct {
	Ops      []Operation
	Attempts int
	Err      error
}

func (e *DroppedError) Error() string {
	return fmt.Sprintf("dropped %d write-behind operation(s) after %d attempt(s): %v", len(e.Ops), e.Attempts, e.Err)
}

func (e *DroppedError) Unwrap() error { return e.Err }

// Config holds write-behind settings
type Config struct {
	MinWriteDelay      time.Duration `yaml:"min_write_delay"`
	MaxWriteDelay      time.Duration `yaml:"max_write_delay"`
	WriteBatching      bool          `yaml:"write_batching"`
	BatchSize          int           `yaml:"batch_size"`
	Coalescing         bool          `yaml:"coalescing"`
	RetryAttempts      int           `yaml:"retry_attempts"`
	RetryDelay         time.Duration `yaml:"retry_delay"`
	RateLimitPerSecond int           `yaml:"rate_limit_per_second"` // 0 = unlimited
	MaxQueueSize       int           `yaml:"max_queue_size"`        // 0 = unbounded

	// OnDropped receives operations abandoned after retries; err is a *DroppedError
	OnDropped func(ops []Operation, err error) `yaml:"-"`
}

// DefaultConfig returns the defaults used when a cache enables write-behind
func DefaultConfig() Config {
	return Config{
		MinWriteDelay: time.Second,
		MaxWriteDelay: time.Second,
		BatchSize:     1,
		RetryDelay:    time.Second,
	}
}

// Validate checks the configuration for contradictions
func (c Config) Validate() error {
	switch {
	case c.MinWriteDelay < 0:
		return fmt.Errorf("min write delay must not be negative")
	case c.MaxWriteDelay < c.MinWriteDelay:
		return fmt.Errorf("max write delay %v is below min write delay %v", c.MaxWriteDelay, c.MinWriteDelay)
	case c.WriteBatching && c.BatchSize < 1:
		return fmt.Errorf("batch size must be at least 1 when batching")
	case c.RetryAttempts < 0:
		return fmt.Errorf("retry attempts must not be negative")
	case c.RetryDelay < 0:
		return fmt.Errorf("retry delay must not be negative")
	case c.RateLimitPerSecond < 0:
		return fmt.Errorf("rate limit must not be negative")
	case c.MaxQueueSize < 0:
		return fmt.Errorf("max queue size must not be negative")
	}
	return nil
}

// State of the queue's flush loop
type State int32

const (
	StateIdle State = iota
	StateAccumulating
	StateFlushing
	StateRetrying
	StateStopped
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateAccumulating:
		return "accumulating"
	case StateFlushing:
		return "flushing"
	case StateRetrying:
		return "retrying"
	case StateStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// slot holds a pending operation; superseded slots are marked dead in place
type slot struct {
	op   Operation
	dead bool
}

// Stats are the queue's counters
type Stats struct {
	Written   uint64 `json:"written"`
	Deleted   uint64 `json:"deleted"`
	Calls     uint64 `json:"calls"`
	Failures  uint64 `json:"failures"`
	Dropped   uint64 `json:"dropped"`
	Coalesced uint64 `json:"coalesced"`
	Pending   int    `json:"pending"`
	InFlight  int    `json:"in_flight"`
}

// Queue delivers cache mutations to a Writer asynchronously. One background
// goroutine flushes; callers block only when the queue is full.
type Queue struct {
	name    string
	config  Config
	writer  Writer
	limiter *rate.Limiter

	mu         sync.Mutex
	pending    []*slot
	byKey      map[string]*slot
	live       int
	inFlight   int
	stopping   bool
	spaceFreed chan struct{}
	wake       chan struct{}

	state  atomic.Int32
	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	written   atomic.Uint64
	deleted   atomic.Uint64
	calls     atomic.Uint64
	failures  atomic.Uint64
	dropped   atomic.Uint64
	coalesced atomic.Uint64
}

// NewQueue validates the configuration and starts the flush loop
func NewQueue(name string, writer Writer, config Config) (*Queue, error) {
	if writer == nil {
		return nil, fmt.Errorf("write-behind queue %s: nil writer", name)
	}
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("write-behind queue %s: %w", name, err)
	}
	if !config.WriteBatching {
		config.BatchSize = 1
	}
	ctx, cancel := context.WithCancel(context.Background())
	q := &Queue{
		name:       name,
		config:     config,
		writer:     writer,
		byKey:      make(map[string]*slot),
		spaceFreed: make(chan struct{}),
		wake:       make(chan struct{}, 1),
		ctx:        ctx,
		cancel:     cancel,
		done:       make(chan struct{}),
	}
	if config.RateLimitPerSecond > 0 {
		q.limiter = rate.NewLimiter(rate.Limit(config.RateLimitPerSecond), 1)
	}
	go q.run()
	return q, nil
}

// Write enqueues a write of key
func (q *Queue) Write(ctx context.Context, key string, value []byte) error {
	return q.enqueue(ctx, Operation{Kind: OpWrite, Key: key, Value: value, CreatedAt: time.Now()})
}

// Delete enqueues a delete of key
func (q *Queue) Delete(ctx context.Context, key string) error {
	return q.enqueue(ctx, Operation{Kind: OpDelete, Key: key, CreatedAt: time.Now()})
}

// enqueue appends op, superseding a pending op for the same key when
// coalescing. It blocks while pending plus in-flight operations fill the queue.
func (q *Queue) enqueue(ctx context.Context, op Operation) error {
	q.mu.Lock()
	for {
		if q.stopping {
			q.mu.Unlock()
			return ErrQueueStopped
		}
		if q.config.Coalescing {
			if old, ok := q.byKey[op.Key]; ok {
				old.dead = true
				q.live--
				q.coalesced.Inc()
				break
			}
		}
		if q.config.MaxQueueSize == 0 || q.live+q.inFlight < q.config.MaxQueueSize {
			break
		}
		freed := q.spaceFreed
		q.mu.Unlock()
		select {
		case <-freed:
		case <-ctx.Done():
			return ctx.Err()
		}
		q.mu.Lock()
	}

	s := &slot{op: op}
	q.pending = append(q.pending, s)
	if q.config.Coalescing {
		q.byKey[op.Key] = s
	}
	q.live++
	if q.State() == StateIdle {
		q.state.Store(int32(StateAccumulating))
	}
	q.mu.Unlock()
	q.signal()
	return nil
}

func (q *Queue) signal() {
	select {
	case q.wake <- struct{}{}:
	default:
	}
}

// releaseLocked frees n in-flight slots and wakes blocked callers
func (q *Queue) releaseLocked(n int) {
	q.inFlight -= n
	close(q.spaceFreed)
	q.spaceFreed = make(chan struct{})
}

// headLocked drops dead slots from the front and returns the oldest live one
func (q *Queue) headLocked() *slot {
	for len(q.pending) > 0 && q.pending[0].dead {
		q.pending[0] = nil
		q.pending = q.pending[1:]
	}
	if len(q.pending) == 0 {
		return nil
	}
	return q.pending[0]
}

// nextFlush reports whether a batch is ready and otherwise how long to wait.
// A negative wait means "until woken".
func (q *Queue) nextFlush(now time.Time) (bool, time.Duration) {
	head := q.headLocked()
	if head == nil {
		return false, -1
	}
	if q.stopping {
		return true, 0
	}
	age := now.Sub(head.op.CreatedAt)
	if age < q.config.MinWriteDelay {
		return false, q.config.MinWriteDelay - age
	}
	if !q.config.WriteBatching || q.live >= q.config.BatchSize || age >= q.config.MaxWriteDelay {
		return true, 0
	}
	return false, q.config.MaxWriteDelay - age
}

// takeLocked removes up to BatchSize operations from the front once the
// oldest one is due. Without batching every pending operation is taken and
// sent one by one.
func (q *Queue) takeLocked() []Operation {
	limit := q.config.BatchSize
	if !q.config.WriteBatching {
		limit = q.live
	}
	var ops []Operation
	for len(ops) < limit {
		head := q.headLocked()
		if head == nil {
			break
		}
		ops = append(ops, head.op)
		q.pending[0] = nil
		q.pending = q.pending[1:]
		if q.byKey[head.op.Key] == head {
			delete(q.byKey, head.op.Key)
		}
	}
	q.live -= len(ops)
	q.inFlight += len(ops)
	return ops
}

func (q *Queue) run() {
	defer close(q.done)
	timer := time.NewTimer(time.Hour)
	timer.Stop()
	for {
		q.mu.Lock()
		ready, wait := q.nextFlush(time.Now())
		for !ready {
			if q.stopping && q.live == 0 {
				q.state.Store(int32(StateStopped))
				q.mu.Unlock()
				return
			}
			if q.live == 0 {
				q.state.Store(int32(StateIdle))
			}
			q.mu.Unlock()
			if wait >= 0 {
				timer.Reset(wait)
			}
			select {
			case <-q.wake:
			case <-timer.C:
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			q.mu.Lock()
			ready, wait = q.nextFlush(time.Now())
		}
		ops := q.takeLocked()
		q.state.Store(int32(StateFlushing))
		q.mu.Unlock()

		q.process(ops)

		q.mu.Lock()
		if q.live > 0 {
			q.state.Store(int32(StateAccumulating))
		}
		q.mu.Unlock()
	}
}

// process delivers ops. Batches are split into runs of the same kind so that
// operations on one key reach the writer in submission order.
func (q *Queue) process(ops []Operation) {
	if !q.config.WriteBatching {
		for i := range ops {
			q.deliver(ops[i : i+1])
		}
		return
	}
	start := 0
	for i := 1; i <= len(ops); i++ {
		if i == len(ops) || ops[i].Kind != ops[start].Kind {
			q.deliver(ops[start:i])
			start = i
		}
	}
}

// deliver calls the writer with retries, then releases the ops' queue space
func (q *Queue) deliver(ops []Operation) {
	defer func() {
		q.mu.Lock()
		q.releaseLocked(len(ops))
		q.mu.Unlock()
	}()

	attempts := 0
	for {
		attempts++
		err := q.call(ops)
		if err == nil {
			if ops[0].Kind == OpWrite {
				q.written.Add(uint64(len(ops)))
			} else {
				q.deleted.Add(uint64(len(ops)))
			}
			return
		}
		q.failures.Inc()
		if attempts > q.config.RetryAttempts {
			q.drop(ops, attempts, err)
			return
		}
		logging.Warn(q.ctx, logging.ComponentWriteBehind, logging.ActionRetry, "External writer failed, retrying", map[string]interface{}{
			"queue":    q.name,
			"ops":      len(ops),
			"attempt":  attempts,
			"error":    err.Error(),
			"delay_ms": q.config.RetryDelay.Milliseconds(),
		})
		q.state.Store(int32(StateRetrying))
		select {
		case <-time.After(q.config.RetryDelay):
		case <-q.ctx.Done():
		}
		q.state.Store(int32(StateFlushing))
	}
}

func (q *Queue) call(ops []Operation) error {
	if q.limiter != nil {
		if err := q.limiter.Wait(q.ctx); err != nil {
			return err
		}
	}
	q.calls.Inc()
	if len(ops) == 1 && !q.config.WriteBatching {
		op := ops[0]
		if op.Kind == OpWrite {
			return q.writer.Write(q.ctx, op.Key, op.Value)
		}
		return q.writer.Delete(q.ctx, op.Key)
	}
	if ops[0].Kind == OpWrite {
		batch := make([]KeyValue, len(ops))
		for i, op := range ops {
			batch[i] = KeyValue{Key: op.Key, Value: op.Value}
		}
		return q.writer.WriteAll(q.ctx, batch)
	}
	keys := make([]string, len(ops))
	for i, op := range ops {
		keys[i] = op.Key
	}
	return q.writer.DeleteAll(q.ctx, keys)
}

func (q *Queue) drop(ops []Operation, attempts int, err error) {
	q.dropped.Add(uint64(len(ops)))
	dropErr := &DroppedError{Ops: ops, Attempts: attempts, Err: err}
	logging.Error(q.ctx, logging.ComponentWriteBehind, logging.ActionDrop, "Dropping write-behind operations after retries", err, map[string]interface{}{
		"queue":    q.name,
		"ops":      len(ops),
		"attempts": attempts,
		"first":    ops[0].Key,
	})
	if q.config.OnDropped != nil {
		q.config.OnDropped(ops, dropErr)
	}
}

// Len returns pending plus in-flight operations
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.live + q.inFlight
}

// State returns the flush loop state
func (q *Queue) State() State {
	return State(q.state.Load())
}

// Stats returns the queue counters
func (q *Queue) Stats() Stats {
	q.mu.Lock()
	pending, inFlight := q.live, q.inFlight
	q.mu.Unlock()
	return Stats{
		Written:   q.written.Load(),
		Deleted:   q.deleted.Load(),
		Calls:     q.calls.Load(),
		Failures:  q.failures.Load(),
		Dropped:   q.dropped.Load(),
		Coalesced: q.coalesced.Load(),
		Pending:   pending,
		InFlight:  inFlight,
	}
}

// Dispose stops accepting operations and drains the queue, ignoring write
// delays but honoring retries. If ctx ends first, in-progress writer calls and
// retry waits are cancelled and the remaining operations are dropped in the
// background.
func (q *Queue) Dispose(ctx context.Context) error {
	q.mu.Lock()
	if q.stopping {
		q.mu.Unlock()
		return nil
	}
	q.stopping = true
	// wake callers blocked on a full queue so they observe the stop
	close(q.spaceFreed)
	q.spaceFreed = make(chan struct{})
	q.mu.Unlock()
	q.signal()

	select {
	case <-q.done:
		q.cancel()
		logging.Info(ctx, logging.ComponentWriteBehind, logging.ActionStop, "Write-behind queue drained", map[string]interface{}{
			"queue":   q.name,
			"written": q.written.Load(),
			"deleted": q.deleted.Load(),
			"dropped": q.dropped.Load(),
		})
		return nil
	case <-ctx.Done():
		q.cancel()
		return fmt.Errorf("write-behind queue %s not drained: %w", q.name, ctx.Err())
	}
}
