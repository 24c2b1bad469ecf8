package audit

import (
	"context"
	"errors"
	"sync"

	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

// Recent keeps the last N deliveries in memory.
type Recent struct {
	mu      sync.Mutex
	entries []port.Delivery
	next    int
	length  int
}

func NewRecent(size int) *Recent {
	if size < 1 {
		size = 1
	}
	return &Recent{entries: make([]port.Delivery, size)}
}

func (r *Recent) Write(_ context.Context, d port.Delivery) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[r.next] = d
	if r.length < len(r.entries) {
		r.length++
	}
	r.next = (r.next + 1) % len(r.entries)
	return nil
}

// Deliveries returns up to limit kept deliveries, newest first. A limit of
// zero or less returns all of them.
func (r *Recent) Deliveries(limit int) []port.Delivery {
	r.mu.Lock()
	defer r.mu.Unlock()

	if limit <= 0 || limit > r.length {
		limit = r.length
	}
	out := make([]port.Delivery, 0, limit)
	for i := 1; i <= limit; i++ {
		idx := (r.next - i + len(r.entries)) % len(r.entries)
		out = append(out, r.entries[idx])
	}
	return out
}

func (r *Recent) Close() error { return nil }

// Multi fans every delivery out to several sinks. Errors are joined and do
// not stop later sinks from receiving the record.
type Multi []port.RecordSink

func (m Multi) Write(ctx context.Context, d port.Delivery) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ctx, d); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
