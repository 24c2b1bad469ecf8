package delivery

import (
	"fmt"
	"log/slog"
	"strings"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

// Levels assigns a log level to a delivered record depending on how far it
// got before it was released.
type Levels struct {
	// First applies to records drained at shutdown before any progress.
	First slog.Level
	// Update applies to records drained at shutdown after some progress.
	Update  slog.Level
	Final   slog.Level
	Timeout slog.Level
}

func DefaultLevels() Levels {
	return Levels{
		First:   slog.LevelDebug,
		Update:  slog.LevelDebug,
		Final:   slog.LevelInfo,
		Timeout: slog.LevelInfo,
	}
}

func (l Levels) For(r *domain.Record, reason string) slog.Level {
	switch {
	case r.IsFinal():
		return l.Final
	case reason == port.ReasonTimeout:
		return l.Timeout
	case r.Iteration() == 0:
		return l.First
	default:
		return l.Update
	}
}

// ParseLevel accepts slog level names in any case plus "warning".
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("invalid log level %q", s)
	}
}
