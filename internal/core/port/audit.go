package port

import (
	"context"
	"log/slog"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
)

// Delivery is one record released by the delivery queue, together with why
// it was released and the level it is logged at.
type Delivery struct {
	Record *domain.Record
	Name   string
	Reason string
	Level  slog.Level
}

// RecordSink writes delivered records to a backend.
type RecordSink interface {
	Write(ctx context.Context, d Delivery) error
	Close() error
}

// RecordEmitter accepts record versions from producers. Implementations must
// not retain r: they either snapshot it or serialize it before returning.
type RecordEmitter interface {
	Emit(ctx context.Context, r *domain.Record) error
}
