package queue

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
)

func dequeueWithin(t *testing.T, q *Queue, d time.Duration) *domain.Record {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), d)
	defer cancel()
	rec, err := q.Dequeue(ctx)
	require.NoError(t, err)
	return rec
}

func TestQueue_ImmediateDeliveryOnFinalize(t *testing.T) {
	t.Parallel()
	q := New()
	rec := domain.NewRecord(time.Hour, domain.F("Operation", "query"))
	require.NoError(t, q.Enqueue(rec))

	rec.Finalize()
	require.NoError(t, q.Enqueue(rec))

	start := time.Now()
	got := dequeueWithin(t, q, time.Second)
	assert.Less(t, time.Since(start), 500*time.Millisecond)
	assert.Equal(t, rec.ID(), got.ID())
	assert.True(t, got.IsFinal())
	assert.Zero(t, q.Len())
}

func TestQueue_DeadlineOrder(t *testing.T) {
	t.Parallel()
	q := New()
	slow := domain.NewRecord(60*time.Millisecond, domain.F("n", 3))
	fast := domain.NewRecord(20*time.Millisecond, domain.F("n", 1))
	mid := domain.NewRecord(40*time.Millisecond, domain.F("n", 2))
	for _, r := range []*domain.Record{slow, fast, mid} {
		require.NoError(t, q.Enqueue(r))
	}

	var order []any
	for range 3 {
		got := dequeueWithin(t, q, time.Second)
		n, _ := got.Get("n")
		order = append(order, n)
		assert.False(t, time.Now().Before(got.Deadline()), "delivered before its deadline")
	}
	assert.Equal(t, []any{1, 2, 3}, order)
}

func TestQueue_FinalizedBeforeLaterDeadlines(t *testing.T) {
	t.Parallel()
	q := New()
	waiting := domain.NewRecord(time.Hour)
	require.NoError(t, q.Enqueue(waiting))

	done := domain.NewRecord(time.Hour)
	done.Finalize()
	require.NoError(t, q.Enqueue(done))

	got := dequeueWithin(t, q, time.Second)
	assert.Equal(t, done.ID(), got.ID())
	assert.Equal(t, 1, q.Len())
}

func TestQueue_TiesAreFIFO(t *testing.T) {
	t.Parallel()
	q := New()
	deadline := time.Now().Add(-time.Second)
	var ids []uuid.UUID
	for range 5 {
		r := domain.NewRecord(0)
		r.SetDeadline(deadline)
		ids = append(ids, r.ID())
		require.NoError(t, q.Enqueue(r))
	}
	for _, want := range ids {
		assert.Equal(t, want, dequeueWithin(t, q, time.Second).ID())
	}
}

func TestQueue_Superseding(t *testing.T) {
	t.Parallel()
	q := New()
	rec := domain.NewRecord(30 * time.Millisecond)
	require.NoError(t, q.Enqueue(rec))

	rec.Update(domain.Patch{})
	older := rec.Clone()
	rec.Update(domain.Patch{})
	require.NoError(t, q.Enqueue(rec))
	require.NoError(t, q.Enqueue(older), "stale versions are dropped silently")

	got := dequeueWithin(t, q, time.Second)
	assert.Equal(t, int64(2), got.Iteration())
	assert.Zero(t, q.Len())
}

func TestQueue_SupersedingMovesDeadline(t *testing.T) {
	t.Parallel()
	q := New()
	rec := domain.NewRecord(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(rec))

	rec.Update(domain.Patch{Timeout: 80 * time.Millisecond})
	require.NoError(t, q.Enqueue(rec))

	start := time.Now()
	got := dequeueWithin(t, q, time.Second)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
	assert.Equal(t, int64(1), got.Iteration())
}

func TestQueue_SnapshotIsolatesProducer(t *testing.T) {
	t.Parallel()
	q := New()
	rec := domain.NewRecord(0, domain.F("MatchedCount", 1))
	rec.Finalize()
	require.NoError(t, q.Enqueue(rec))

	rec.Set("MatchedCount", 99)

	got := dequeueWithin(t, q, time.Second)
	v, _ := got.Get("MatchedCount")
	assert.Equal(t, 1, v)
}

func TestQueue_Capacity(t *testing.T) {
	t.Parallel()
	q := New(WithCapacity(2))
	a := domain.NewRecord(time.Hour)
	b := domain.NewRecord(time.Hour)
	require.NoError(t, q.Enqueue(a))
	require.NoError(t, q.Enqueue(b))

	err := q.Enqueue(domain.NewRecord(time.Hour))
	require.ErrorIs(t, err, domain.ErrQueueFull)
	assert.Equal(t, 2, q.Len())

	a.Update(domain.Patch{})
	assert.NoError(t, q.Enqueue(a), "replacing a live identity never fails")

	a.Finalize()
	require.NoError(t, q.Enqueue(a))
	dequeueWithin(t, q, time.Second)
	assert.NoError(t, q.Enqueue(domain.NewRecord(time.Hour)))
}

func TestQueue_NoDeadlineWaitsForFinalize(t *testing.T) {
	t.Parallel()
	q := New()
	rec := domain.NewRecord(0)
	require.NoError(t, q.Enqueue(rec))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := q.Dequeue(ctx)
	require.ErrorIs(t, err, context.DeadlineExceeded)

	rec.Finalize()
	require.NoError(t, q.Enqueue(rec))
	assert.Equal(t, rec.ID(), dequeueWithin(t, q, time.Second).ID())
}

func TestQueue_BlockedConsumerWakesOnEnqueue(t *testing.T) {
	t.Parallel()
	q := New()
	require.NoError(t, q.Enqueue(domain.NewRecord(time.Hour)))

	result := make(chan *domain.Record, 1)
	go func() {
		rec, err := q.Dequeue(context.Background())
		if err == nil {
			result <- rec
		}
	}()

	time.Sleep(20 * time.Millisecond)
	done := domain.NewRecord(time.Hour)
	done.Finalize()
	require.NoError(t, q.Enqueue(done))

	select {
	case rec := <-result:
		assert.Equal(t, done.ID(), rec.ID())
	case <-time.After(time.Second):
		t.Fatal("consumer was not woken by an earlier deadline")
	}
}

func TestQueue_CloseWakesConsumers(t *testing.T) {
	t.Parallel()
	q := New()
	errs := make(chan error, 3)
	for range 3 {
		go func() {
			_, err := q.Dequeue(context.Background())
			errs <- err
		}()
	}
	time.Sleep(20 * time.Millisecond)
	q.Close()
	q.Close()

	for range 3 {
		select {
		case err := <-errs:
			assert.ErrorIs(t, err, domain.ErrShutdown)
		case <-time.After(time.Second):
			t.Fatal("consumer still blocked after Close")
		}
	}
}

func TestQueue_ContextCancel(t *testing.T) {
	t.Parallel()
	q := New()
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(20 * time.Millisecond)
		cancel()
	}()
	_, err := q.Dequeue(ctx)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestQueue_Drain(t *testing.T) {
	t.Parallel()
	q := New()
	open := domain.NewRecord(0)
	later := domain.NewRecord(time.Hour)
	soon := domain.NewRecord(time.Minute)
	for _, r := range []*domain.Record{open, later, soon} {
		require.NoError(t, q.Enqueue(r))
	}
	q.Close()

	drained := q.Drain()
	require.Len(t, drained, 3)
	assert.Equal(t, soon.ID(), drained[0].ID())
	assert.Equal(t, later.ID(), drained[1].ID())
	assert.Equal(t, open.ID(), drained[2].ID())
	assert.Zero(t, q.Len())
	assert.Empty(t, q.Drain())
}

func TestQueue_EnqueueAfterDrainIsRefused(t *testing.T) {
	t.Parallel()
	q := New()
	q.Close()
	require.NoError(t, q.Enqueue(domain.NewRecord(time.Hour)), "closed queues still take records for Drain")
	require.Len(t, q.Drain(), 1)

	late := domain.NewRecord(0)
	late.Finalize()
	assert.ErrorIs(t, q.Enqueue(late), domain.ErrShutdown)
	assert.Zero(t, q.Len())
}

func TestQueue_DeliveredIdentityRejectsLateVersions(t *testing.T) {
	t.Parallel()
	q := New()
	rec := domain.NewRecord(10 * time.Millisecond)
	require.NoError(t, q.Enqueue(rec))
	got := dequeueWithin(t, q, time.Second)
	assert.False(t, got.IsFinal(), "delivered by deadline")

	rec.Finalize()
	require.NoError(t, q.Enqueue(rec))
	assert.Zero(t, q.Len())
}

func TestQueue_TombstonesExpire(t *testing.T) {
	t.Parallel()
	q := New(WithTombstoneTTL(time.Minute))
	rec := domain.NewRecord(0)
	rec.Finalize()
	require.NoError(t, q.Enqueue(rec))
	dequeueWithin(t, q, time.Second)

	q.mu.Lock()
	q.now = func() time.Time { return time.Now().Add(2 * time.Minute) }
	q.mu.Unlock()
	q.GarbageCollect()

	q.mu.Lock()
	q.now = time.Now
	q.mu.Unlock()
	require.NoError(t, q.Enqueue(rec))
	assert.Equal(t, 1, q.Len())
}

func TestQueue_GarbageCollect(t *testing.T) {
	t.Parallel()
	q := New()
	rec := domain.NewRecord(time.Hour)
	for range 50 {
		rec.Update(domain.Patch{})
		require.NoError(t, q.Enqueue(rec))
	}
	assert.Equal(t, 50, q.HeapLen())

	q.GarbageCollect()
	assert.Equal(t, 1, q.HeapLen())
	assert.Equal(t, 1, q.Len())
}

func TestQueue_AutomaticGarbageCollect(t *testing.T) {
	t.Parallel()
	q := New(WithGCLimit(10))
	rec := domain.NewRecord(time.Hour)
	for range 95 {
		rec.Update(domain.Patch{})
		require.NoError(t, q.Enqueue(rec))
	}
	assert.LessOrEqual(t, q.HeapLen(), 10)
	assert.Equal(t, 1, q.Len())
}

func TestQueue_ExactlyOnceUnderConcurrency(t *testing.T) {
	t.Parallel()
	const (
		producers = 8
		perProd   = 50
		versions  = 5
		consumers = 4
	)
	q := New(WithGCLimit(100))

	var (
		mu   sync.Mutex
		seen = make(map[uuid.UUID]*domain.Record)
		dups int
	)
	total := producers * perProd
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	var cwg sync.WaitGroup
	for range consumers {
		cwg.Add(1)
		go func() {
			defer cwg.Done()
			for {
				rec, err := q.Dequeue(ctx)
				if err != nil {
					return
				}
				mu.Lock()
				if _, ok := seen[rec.ID()]; ok {
					dups++
				}
				seen[rec.ID()] = rec
				if len(seen) == total {
					q.Close()
				}
				mu.Unlock()
			}
		}()
	}

	var pwg sync.WaitGroup
	for range producers {
		pwg.Add(1)
		go func() {
			defer pwg.Done()
			for range perProd {
				rec := domain.NewRecord(time.Hour)
				var old []*domain.Record
				for v := range versions {
					rec.Update(domain.Patch{Fields: []domain.Field{domain.F("v", v)}})
					old = append(old, rec.Clone())
					assert.NoError(t, q.Enqueue(rec))
				}
				rec.Finalize()
				assert.NoError(t, q.Enqueue(rec))
				for _, o := range old {
					assert.NoError(t, q.Enqueue(o))
				}
			}
		}()
	}
	pwg.Wait()
	cwg.Wait()

	assert.Zero(t, dups)
	require.Len(t, seen, total)
	for _, rec := range seen {
		assert.True(t, rec.IsFinal())
		assert.Equal(t, int64(versions), rec.Iteration())
	}
}
