package domain

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewRecord_Defaults(t *testing.T) {
	t.Parallel()
	before := time.Now()
	r := NewRecord(time.Minute, F("Operation", "exec"), F("DB", "app"))

	assert.Equal(t, int64(0), r.Iteration())
	assert.False(t, r.IsFinal())
	assert.Equal(t, []string{"Operation", "DB"}, r.Keys())
	assert.WithinDuration(t, before.Add(time.Minute), r.Deadline(), time.Second)
	assert.WithinDuration(t, before, r.CreatedAt(), time.Second)
	assert.Equal(t, uuid.Version(7), r.ID().Version())
}

func TestNewRecord_NoTimeout(t *testing.T) {
	t.Parallel()
	r := NewRecord(0)
	assert.True(t, r.Deadline().IsZero())
}

func TestNewRecord_UniqueIDs(t *testing.T) {
	t.Parallel()
	a, b := NewRecord(0), NewRecord(0)
	assert.NotEqual(t, a.ID(), b.ID())
}

func TestRecord_UpdateIncrementsIteration(t *testing.T) {
	t.Parallel()
	r := NewRecord(time.Minute)
	for i := 1; i <= 3; i++ {
		require.True(t, r.Update(Patch{Fields: []Field{F("MatchedCount", i)}}))
		assert.Equal(t, int64(i), r.Iteration())
		assert.Equal(t, int64(i), r.Rank())
	}
	v, ok := r.Get("MatchedCount")
	require.True(t, ok)
	assert.Equal(t, 3, v)
}

func TestRecord_UpdateReschedules(t *testing.T) {
	t.Parallel()
	r := NewRecord(time.Hour)
	r.Update(Patch{Timeout: time.Second})
	assert.WithinDuration(t, time.Now().Add(time.Second), r.Deadline(), 500*time.Millisecond)

	prev := r.Deadline()
	r.Update(Patch{})
	assert.Equal(t, prev, r.Deadline(), "zero timeout keeps the deadline")
}

func TestRecord_TransformFailureKeepsPreviousValue(t *testing.T) {
	t.Parallel()
	failing := func(any) (any, error) { return nil, errors.New("boom") }
	panicking := func(any) (any, error) { panic("boom") }

	r := NewRecord(0, F("Count", 1))
	ok := r.Update(Patch{Fields: []Field{
		{Key: "Count", Value: 5, Transform: failing},
		{Key: "Missing", Value: 5, Transform: panicking},
		F("Other", "x"),
	}})

	require.True(t, ok, "update is never aborted")
	assert.Equal(t, int64(1), r.Iteration())
	v, _ := r.Get("Count")
	assert.Equal(t, 1, v)
	_, present := r.Get("Missing")
	assert.False(t, present)
	v, _ = r.Get("Other")
	assert.Equal(t, "x", v)
}

func TestRecord_TransformApplied(t *testing.T) {
	t.Parallel()
	r := NewRecord(0, Field{Key: "Args", Value: []any{1, 2, 3}, Transform: Length})
	v, _ := r.Get("Args")
	assert.Equal(t, 3, v)
}

func TestRecord_EmptyKeyRunsTransformOnly(t *testing.T) {
	t.Parallel()
	called := false
	r := NewRecord(0, Field{Value: 1, Transform: func(v any) (any, error) {
		called = true
		return v, nil
	}})
	assert.True(t, called)
	assert.Zero(t, r.Len())
}

func TestRecord_FinalizeIdempotent(t *testing.T) {
	t.Parallel()
	r := NewRecord(time.Hour)
	r.Update(Patch{})

	require.True(t, r.Finalize())
	assert.True(t, r.IsFinal())
	assert.Equal(t, int64(math.MaxInt64), r.Rank())
	deadline := r.Deadline()
	iteration := r.Iteration()

	assert.False(t, r.Finalize())
	assert.True(t, r.IsFinal())
	assert.Equal(t, deadline, r.Deadline())
	assert.Equal(t, iteration, r.Iteration())
}

func TestRecord_FinalizePullsDeadlineForward(t *testing.T) {
	t.Parallel()
	r := NewRecord(time.Hour)
	r.Finalize()
	assert.WithinDuration(t, time.Now(), r.Deadline(), time.Second)

	none := NewRecord(0)
	none.Finalize()
	assert.False(t, none.Deadline().IsZero())
}

func TestRecord_FinalizeKeepsEarlierDeadline(t *testing.T) {
	t.Parallel()
	r := NewRecord(0)
	past := time.Now().Add(-time.Minute)
	r.SetDeadline(past)
	r.Finalize()
	assert.Equal(t, past, r.Deadline())
}

func TestRecord_FinalIsFrozen(t *testing.T) {
	t.Parallel()
	r := NewRecord(0, F("A", 1))
	r.Finalize()
	deadline := r.Deadline()

	assert.False(t, r.Update(Patch{Fields: []Field{F("A", 2)}, Timeout: time.Hour}))
	r.SetTimeout(time.Hour)
	r.SetDeadline(time.Now().Add(time.Hour))

	v, _ := r.Get("A")
	assert.Equal(t, 1, v)
	assert.Equal(t, deadline, r.Deadline())
	assert.Equal(t, int64(0), r.Iteration())
}

func TestRecord_CloneIsIndependent(t *testing.T) {
	t.Parallel()
	r := NewRecord(time.Minute, F("A", 1))
	r.DefaultKeys = []string{"A"}
	c := r.Clone()

	r.Update(Patch{Fields: []Field{F("A", 2), F("B", 3)}})
	r.DefaultKeys[0] = "B"

	v, _ := c.Get("A")
	assert.Equal(t, 1, v)
	_, ok := c.Get("B")
	assert.False(t, ok)
	assert.Equal(t, int64(0), c.Iteration())
	assert.Equal(t, r.ID(), c.ID())
	assert.Equal(t, []string{"A"}, c.DefaultKeys)
}

func TestRecord_String(t *testing.T) {
	t.Parallel()
	ts := time.Date(2024, 3, 1, 12, 30, 45, 123_000_000, time.UTC)
	r := NewRecord(0,
		F("Operation", "exec"),
		F("Duration", 0.5),
		F("StartTime", ts),
		F("Args", []any{1, "a"}),
		F("_hidden", true),
	)

	assert.Equal(t,
		`Operation="exec" Duration=0.500 StartTime="2024-03-01 12:30:45,123" Args=[1,"a"] _hidden=true`,
		r.String())

	r.DefaultKeys = []string{"Duration", "Operation", "Unset"}
	assert.Equal(t, `Duration=0.500 Operation="exec"`, r.String())
}

func TestRecord_Full(t *testing.T) {
	t.Parallel()
	r := NewRecord(0, F("Operation", "exec"), F("_hidden", true))
	r.DefaultKeys = []string{}

	assert.Equal(t, `WatchID="`+r.ID().String()+`" Iteration=0 Operation="exec"`, r.Full())

	r.Finalize()
	assert.Contains(t, r.Full(), "Iteration=final")
}

func TestRecord_JSONRoundTrip(t *testing.T) {
	t.Parallel()
	r := NewRecord(time.Minute, F("Operation", "query"), F("MatchedCount", 3))
	r.Update(Patch{})
	r.DefaultKeys = []string{"Operation"}

	data, err := json.Marshal(r)
	require.NoError(t, err)

	var got Record
	require.NoError(t, json.Unmarshal(data, &got))
	assert.Equal(t, r.ID(), got.ID())
	assert.Equal(t, r.Iteration(), got.Iteration())
	assert.Equal(t, r.IsFinal(), got.IsFinal())
	assert.True(t, r.Deadline().Equal(got.Deadline()))
	assert.Equal(t, r.Keys(), got.Keys())
	assert.Equal(t, []string{"Operation"}, got.DefaultKeys)
	assert.Equal(t, r.CreatedAt().UnixMilli(), got.CreatedAt().UnixMilli())
}

func TestRecord_UnmarshalRejectsMissingID(t *testing.T) {
	t.Parallel()
	var r Record
	err := json.Unmarshal([]byte(`{"iteration":1,"fields":{}}`), &r)
	require.Error(t, err)
}

func TestFormatValue(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name string
		in   any
		want string
	}{
		{"int", 42, "42"},
		{"float", 1.23456, "1.235"},
		{"string", "a b", `"a b"`},
		{"nil", nil, "null"},
		{"bool", true, "true"},
		{"map", map[string]any{"k": 1}, `{"k":1}`},
		{"duration", 1500 * time.Millisecond, "1.500"},
		{"error", errors.New("bad"), `"bad"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, FormatValue(tt.in))
		})
	}
}
