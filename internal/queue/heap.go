package queue

import (
	"time"

	"github.com/google/uuid"
)

// item is one heap entry. It is live only while seq matches the seq of the
// stored entry for id; anything else is skipped on pop.
type item struct {
	deadline time.Time
	id       uuid.UUID
	seq      uint64
}

// before orders by deadline, with the zero deadline sorting last, then by
// insertion sequence.
func (a item) before(b item) bool {
	switch {
	case a.deadline.IsZero() && !b.deadline.IsZero():
		return false
	case !a.deadline.IsZero() && b.deadline.IsZero():
		return true
	case !a.deadline.Equal(b.deadline):
		return a.deadline.Before(b.deadline)
	}
	return a.seq < b.seq
}

// itemHeap implements container/heap.Interface.
type itemHeap []item

func (h itemHeap) Len() int           { return len(h) }
func (h itemHeap) Less(i, j int) bool { return h[i].before(h[j]) }
func (h itemHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *itemHeap) Push(x any) { *h = append(*h, x.(item)) }

func (h *itemHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}
