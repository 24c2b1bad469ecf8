package audit

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

// TextSink writes one "time level name - fields" line per record.
type TextSink struct {
	mu   sync.Mutex
	w    io.Writer
	full bool
	now  func() time.Time
}

// NewTextSink writes to w. With full set every public field is rendered;
// otherwise only the record's default keys are.
func NewTextSink(w io.Writer, full bool) *TextSink {
	return &TextSink{w: w, full: full, now: time.Now}
}

func (s *TextSink) Write(_ context.Context, d port.Delivery) error {
	body := d.Record.String()
	if s.full {
		body = d.Record.Full()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	_, err := fmt.Fprintf(s.w, "%s %s %s - %s\n",
		s.now().Format(domain.TimeLayout), d.Level, d.Name, body)
	return err
}

// Close closes the underlying writer if it is an io.Closer.
func (s *TextSink) Close() error {
	if c, ok := s.w.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
