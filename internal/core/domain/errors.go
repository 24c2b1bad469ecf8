package domain

import "errors"

var (
	// ErrQueueFull is returned when a new identity would exceed the queue capacity.
	// Replacing an identity already in the queue never returns it.
	ErrQueueFull = errors.New("delivery queue is full")

	// ErrShutdown is returned by a blocked consumer once the queue has been closed.
	ErrShutdown = errors.New("delivery queue is shut down")

	ErrUnknownTransform = errors.New("unknown transform")
	ErrUnknownPredicate = errors.New("unknown predicate")
)
