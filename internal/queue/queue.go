// Package queue holds the latest version of every in-flight record and
// releases each one exactly once, when it is finalized or when its deadline
// passes.
package queue

import (
	"container/heap"
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

const (
	DefaultGCLimit      = 10000
	DefaultTombstoneTTL = 15 * time.Minute
)

type entry struct {
	rec *domain.Record
	seq uint64
}

// Queue is a deadline-ordered map of records keyed by identity. It is safe
// for any number of producers and consumers.
type Queue struct {
	mu        sync.Mutex
	current   map[uuid.UUID]entry
	delivered map[uuid.UUID]time.Time
	items     itemHeap
	notify    chan struct{}
	seq       uint64
	ops       int
	closed    bool
	drained   bool

	capacity     int
	gcLimit      int
	tombstoneTTL time.Duration
	instr        port.Instrumentation
	logger       *slog.Logger
	now          func() time.Time
}

// Option configures a Queue.
type Option func(*Queue)

// WithCapacity bounds the number of distinct live identities. Zero means unbounded.
func WithCapacity(n int) Option {
	return func(q *Queue) { q.capacity = n }
}

// WithGCLimit sets how many enqueue and dequeue calls run between automatic
// heap compactions.
func WithGCLimit(n int) Option {
	return func(q *Queue) {
		if n > 0 {
			q.gcLimit = n
		}
	}
}

// WithTombstoneTTL sets how long a delivered identity keeps rejecting late
// versions of itself.
func WithTombstoneTTL(d time.Duration) Option {
	return func(q *Queue) {
		if d > 0 {
			q.tombstoneTTL = d
		}
	}
}

func WithInstrumentation(instr port.Instrumentation) Option {
	return func(q *Queue) {
		if instr != nil {
			q.instr = instr
		}
	}
}

func WithLogger(logger *slog.Logger) Option {
	return func(q *Queue) {
		if logger != nil {
			q.logger = logger
		}
	}
}

func New(opts ...Option) *Queue {
	q := &Queue{
		current:      make(map[uuid.UUID]entry),
		delivered:    make(map[uuid.UUID]time.Time),
		notify:       make(chan struct{}),
		gcLimit:      DefaultGCLimit,
		tombstoneTTL: DefaultTombstoneTTL,
		instr:        port.NoopInstrumentation{},
		logger:       slog.New(slog.DiscardHandler),
		now:          time.Now,
	}
	for _, opt := range opts {
		opt(q)
	}
	return q
}

// Enqueue stores a snapshot of rec if its identity is new or if it outranks
// the stored version. Older or equal versions, and versions of an identity
// that was already delivered, are dropped silently. It returns
// domain.ErrQueueFull for a new identity over capacity, and
// domain.ErrShutdown once Drain has run, since nothing would deliver it.
func (q *Queue) Enqueue(rec *domain.Record) error {
	ctx := context.Background()

	q.mu.Lock()
	defer q.mu.Unlock()

	if q.drained {
		return domain.ErrShutdown
	}

	id := rec.ID()
	if _, done := q.delivered[id]; done {
		q.instr.IncrementStale(ctx)
		return nil
	}
	prev, exists := q.current[id]
	if exists && rec.Rank() <= prev.rec.Rank() {
		q.instr.IncrementStale(ctx)
		return nil
	}
	if !exists && q.capacity > 0 && len(q.current) >= q.capacity {
		q.instr.IncrementQueueFull(ctx)
		return domain.ErrQueueFull
	}

	q.seq++
	snap := rec.Clone()
	q.current[id] = entry{rec: snap, seq: q.seq}
	heap.Push(&q.items, item{deadline: snap.Deadline(), id: id, seq: q.seq})
	q.instr.IncrementEnqueued(ctx)
	q.instr.RecordQueueDepth(ctx, int64(len(q.current)))
	q.broadcastLocked()
	q.tickLocked()
	return nil
}

// Dequeue blocks until a record is ready and removes it. It returns
// domain.ErrShutdown once Close has been called, or ctx.Err() when ctx ends.
func (q *Queue) Dequeue(ctx context.Context) (*domain.Record, error) {
	for {
		q.mu.Lock()
		if q.closed {
			q.mu.Unlock()
			return nil, domain.ErrShutdown
		}
		rec, wait := q.popReadyLocked()
		if rec != nil {
			q.instr.RecordQueueDepth(ctx, int64(len(q.current)))
			q.tickLocked()
			q.mu.Unlock()
			return rec, nil
		}
		notify := q.notify
		q.mu.Unlock()

		var timeout <-chan time.Time
		var timer *time.Timer
		if wait >= 0 {
			timer = time.NewTimer(wait)
			timeout = timer.C
		}
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil, ctx.Err()
		case <-notify:
		case <-timeout:
		}
		if timer != nil {
			timer.Stop()
		}
	}
}

// popReadyLocked discards stale heap entries and pops the earliest live record
// if it is due. Otherwise it returns how long to wait, or -1 when only
// records without a deadline remain.
func (q *Queue) popReadyLocked() (*domain.Record, time.Duration) {
	now := q.now()
	for q.items.Len() > 0 {
		top := q.items[0]
		e, ok := q.current[top.id]
		if !ok || e.seq != top.seq {
			heap.Pop(&q.items)
			continue
		}
		if top.deadline.IsZero() {
			return nil, -1
		}
		if top.deadline.After(now) {
			return nil, top.deadline.Sub(now)
		}
		heap.Pop(&q.items)
		delete(q.current, top.id)
		q.delivered[top.id] = now
		return e.rec, 0
	}
	return nil, -1
}

// Close wakes every blocked consumer; subsequent Dequeue calls return
// domain.ErrShutdown. Enqueue keeps accepting records until Drain flushes
// them.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return
	}
	q.closed = true
	q.broadcastLocked()
}

// Drain removes and returns every live record in delivery order, ready or
// not. Later Enqueue calls are refused.
func (q *Queue) Drain() []*domain.Record {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.drained = true

	now := q.now()
	out := make([]*domain.Record, 0, len(q.current))
	for q.items.Len() > 0 {
		top := heap.Pop(&q.items).(item)
		e, ok := q.current[top.id]
		if !ok || e.seq != top.seq {
			continue
		}
		delete(q.current, top.id)
		q.delivered[top.id] = now
		out = append(out, e.rec)
	}
	q.instr.RecordQueueDepth(context.Background(), 0)
	return out
}

// GarbageCollect rebuilds the heap from live entries only and forgets
// delivered identities older than the tombstone TTL.
func (q *Queue) GarbageCollect() {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.gcLocked()
}

func (q *Queue) gcLocked() {
	before := q.items.Len()
	items := make(itemHeap, 0, len(q.current))
	for id, e := range q.current {
		items = append(items, item{deadline: e.rec.Deadline(), id: id, seq: e.seq})
	}
	heap.Init(&items)
	q.items = items

	cutoff := q.now().Add(-q.tombstoneTTL)
	pruned := 0
	for id, at := range q.delivered {
		if at.Before(cutoff) {
			delete(q.delivered, id)
			pruned++
		}
	}
	q.ops = 0

	q.logger.Debug("queue compacted",
		slog.Int("queue.heap_before", before),
		slog.Int("queue.heap_after", q.items.Len()),
		slog.Int("queue.tombstones_pruned", pruned),
	)
}

// Len returns the number of live identities.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.current)
}

// HeapLen returns the number of heap entries, including stale ones.
func (q *Queue) HeapLen() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.items.Len()
}

func (q *Queue) broadcastLocked() {
	close(q.notify)
	q.notify = make(chan struct{})
}

func (q *Queue) tickLocked() {
	q.ops++
	if q.ops >= q.gcLimit {
		q.gcLocked()
	}
}
