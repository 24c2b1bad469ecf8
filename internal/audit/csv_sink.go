package audit

import (
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"sync"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

// CSVSink writes one row per delivered record with a fixed set of columns.
// The WatchID and Iteration columns are filled from the record identity.
type CSVSink struct {
	mu      sync.Mutex
	file    *os.File
	w       *csv.Writer
	columns []string
}

// NewCSVSink opens path for appending. When addHeader is set and the file is
// empty, the column names are written first.
func NewCSVSink(path string, columns []string, addHeader bool) (*CSVSink, error) {
	if len(columns) == 0 {
		return nil, errors.New("csv sink needs at least one column")
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}
	s := &CSVSink{file: f, w: csv.NewWriter(f), columns: columns}

	if addHeader {
		info, err := f.Stat()
		if err != nil {
			_ = f.Close()
			return nil, fmt.Errorf("stat %s: %w", path, err)
		}
		if info.Size() == 0 {
			if err := s.writeRow(columns); err != nil {
				_ = f.Close()
				return nil, err
			}
		}
	}
	return s, nil
}

func (s *CSVSink) Write(_ context.Context, d port.Delivery) error {
	row := make([]string, len(s.columns))
	for i, col := range s.columns {
		row[i] = csvCell(d.Record, col)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeRow(row)
}

func (s *CSVSink) writeRow(row []string) error {
	if err := s.w.Write(row); err != nil {
		return fmt.Errorf("writing csv row: %w", err)
	}
	s.w.Flush()
	return s.w.Error()
}

func (s *CSVSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.w.Flush()
	return errors.Join(s.w.Error(), s.file.Close())
}

func csvCell(r *domain.Record, col string) string {
	switch col {
	case domain.FieldWatchID:
		return r.ID().String()
	case domain.FieldIteration:
		return r.IterationLabel()
	}
	v, ok := r.Get(col)
	if !ok || v == nil {
		return ""
	}
	if s, ok := v.(string); ok {
		return s
	}
	return domain.FormatValue(v)
}

// AggregateStats reports what AggregateCSV kept.
type AggregateStats struct {
	InputRows  int
	OutputRows int
	Errors     int
}

// AggregateCSV copies the header and, for every WatchID, only the row with
// the highest Iteration. A "final" iteration outranks every number. Rows
// too short to carry both columns are counted as errors and dropped.
func AggregateCSV(in io.ReadSeeker, out io.Writer) (AggregateStats, error) {
	var stats AggregateStats
	r := csv.NewReader(in)
	r.FieldsPerRecord = -1

	header, err := r.Read()
	if err != nil {
		return stats, fmt.Errorf("reading csv header: %w", err)
	}
	idCol, iterCol := -1, -1
	for i, name := range header {
		switch name {
		case domain.FieldWatchID:
			idCol = i
		case domain.FieldIteration:
			iterCol = i
		}
	}
	if idCol < 0 {
		return stats, fmt.Errorf("%s column not found in header", domain.FieldWatchID)
	}

	// best holds the winning rank per id; with no Iteration column the last
	// row per id wins.
	best := make(map[string]int64)
	counts := make(map[string]int)
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("reading csv: %w", err)
		}
		stats.InputRows++
		if idCol >= len(row) || iterCol >= len(row) {
			stats.Errors++
			continue
		}
		id := row[idCol]
		counts[id]++
		if iterCol < 0 {
			best[id] = int64(counts[id])
			continue
		}
		rank := iterationRank(row[iterCol])
		if prev, ok := best[id]; !ok || rank > prev {
			best[id] = rank
		}
	}

	if _, err := in.Seek(0, io.SeekStart); err != nil {
		return stats, fmt.Errorf("rewinding csv: %w", err)
	}
	r = csv.NewReader(in)
	r.FieldsPerRecord = -1
	w := csv.NewWriter(out)
	if _, err := r.Read(); err != nil {
		return stats, fmt.Errorf("reading csv header: %w", err)
	}
	if err := w.Write(header); err != nil {
		return stats, err
	}

	seen := make(map[string]int)
	written := make(map[string]bool)
	for {
		row, err := r.Read()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return stats, fmt.Errorf("reading csv: %w", err)
		}
		if idCol >= len(row) || iterCol >= len(row) {
			continue
		}
		id := row[idCol]
		seen[id]++
		var rank int64
		if iterCol < 0 {
			rank = int64(seen[id])
		} else {
			rank = iterationRank(row[iterCol])
		}
		if rank != best[id] || written[id] {
			continue
		}
		written[id] = true
		if err := w.Write(row); err != nil {
			return stats, err
		}
		stats.OutputRows++
	}
	w.Flush()
	return stats, w.Error()
}

func iterationRank(s string) int64 {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return 1<<63 - 1
	}
	return n
}
