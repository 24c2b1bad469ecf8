// Package audit holds the sinks delivered records are written to.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

// fileEntry is the NDJSON-serializable form of a delivered record.
type fileEntry struct {
	Timestamp string         `json:"ts"`
	Level     string         `json:"level"`
	Name      string         `json:"name,omitempty"`
	Reason    string         `json:"reason"`
	Record    *domain.Record `json:"record"`
}

// FileSink writes delivered records as NDJSON (one JSON object per line) to a file.
type FileSink struct {
	mu   sync.Mutex
	file *os.File
	enc  *json.Encoder
}

// NewFileSink opens (or creates) the file at path for append-only writing.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	return &FileSink{
		file: f,
		enc:  json.NewEncoder(f),
	}, nil
}

func (s *FileSink) Write(_ context.Context, d port.Delivery) error {
	fe := fileEntry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		Level:     d.Level.String(),
		Name:      d.Name,
		Reason:    d.Reason,
		Record:    d.Record,
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(fe); err != nil {
		return fmt.Errorf("writing record %s: %w", d.Record.ID(), err)
	}
	return nil
}

func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

// NoopSink discards all records.
type NoopSink struct{}

func (NoopSink) Write(context.Context, port.Delivery) error { return nil }
func (NoopSink) Close() error                               { return nil }
