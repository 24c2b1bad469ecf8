package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/guillermoBallester/pgwatch/internal/core/domain"
	"github.com/guillermoBallester/pgwatch/internal/core/port"
)

func delivery(rec *domain.Record, reason string) port.Delivery {
	return port.Delivery{Record: rec, Name: "pgwatch", Reason: reason, Level: slog.LevelInfo}
}

func TestNewFileSink_CreatesFile(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fs, err := NewFileSink(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, fs.Close()) }()

	_, err = os.Stat(path)
	assert.NoError(t, err)
}

func TestNewFileSink_InvalidPath(t *testing.T) {
	t.Parallel()
	_, err := NewFileSink("/nonexistent/dir/audit.jsonl")
	require.Error(t, err)
}

func TestFileSink_Write_NDJSON(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fs, err := NewFileSink(path)
	require.NoError(t, err)

	rec := domain.NewRecord(time.Minute, domain.F("Operation", "query"), domain.F("MatchedCount", 3))
	rec.Finalize()
	require.NoError(t, fs.Write(context.Background(), delivery(rec, port.ReasonFinal)))
	require.NoError(t, fs.Close())

	data, err := os.ReadFile(path)
	require.NoError(t, err)

	var entry fileEntry
	require.NoError(t, json.Unmarshal(data, &entry))

	assert.Equal(t, "INFO", entry.Level)
	assert.Equal(t, "pgwatch", entry.Name)
	assert.Equal(t, port.ReasonFinal, entry.Reason)
	assert.NotEmpty(t, entry.Timestamp)
	require.NotNil(t, entry.Record)
	assert.Equal(t, rec.ID(), entry.Record.ID())
	assert.True(t, entry.Record.IsFinal())
	op, _ := entry.Record.Get("Operation")
	assert.Equal(t, "query", op)
}

func TestFileSink_ConcurrentWrites(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")
	fs, err := NewFileSink(path)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for i := range 50 {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			rec := domain.NewRecord(0, domain.F("Statement", fmt.Sprintf("SELECT %d", n)))
			assert.NoError(t, fs.Write(context.Background(), delivery(rec, port.ReasonTimeout)))
		}(i)
	}
	wg.Wait()
	require.NoError(t, fs.Close())

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	scanner := bufio.NewScanner(f)
	var count int
	for scanner.Scan() {
		var entry fileEntry
		require.NoError(t, json.Unmarshal(scanner.Bytes(), &entry), "line %d: %s", count+1, scanner.Text())
		count++
	}
	assert.Equal(t, 50, count)
}

func TestFileSink_Append(t *testing.T) {
	t.Parallel()
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	for range 2 {
		fs, err := NewFileSink(path)
		require.NoError(t, err)
		require.NoError(t, fs.Write(context.Background(), delivery(domain.NewRecord(0), port.ReasonFinal)))
		require.NoError(t, fs.Close())
	}

	f, err := os.Open(path)
	require.NoError(t, err)
	defer func() { require.NoError(t, f.Close()) }()

	scanner := bufio.NewScanner(f)
	var count int
	for scanner.Scan() {
		count++
	}
	assert.Equal(t, 2, count)
}

func TestFileSink_WriteAfterClose(t *testing.T) {
	t.Parallel()
	fs, err := NewFileSink(filepath.Join(t.TempDir(), "audit.jsonl"))
	require.NoError(t, err)
	require.NoError(t, fs.Close())

	err = fs.Write(context.Background(), delivery(domain.NewRecord(0), port.ReasonFinal))
	assert.Error(t, err)
}

func TestNoopSink(t *testing.T) {
	t.Parallel()
	s := NoopSink{}
	assert.NoError(t, s.Write(context.Background(), delivery(domain.NewRecord(0), port.ReasonFinal)))
	assert.NoError(t, s.Close())
}
