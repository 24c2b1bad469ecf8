package domain

import (
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/google/uuid"
	orderedmap "github.com/wk8/go-ordered-map/v2"
)

// TransformFunc converts a raw field value into the value stored on a record.
type TransformFunc func(value any) (any, error)

// Field is a single named attribute applied to a record. When Transform is set
// it is run on Value first; if it fails the record keeps its previous value.
// An empty Key still runs Transform but stores nothing.
type Field struct {
	Key       string
	Value     any
	Transform TransformFunc
}

// F is shorthand for a Field without a transform.
func F(key string, value any) Field {
	return Field{Key: key, Value: value}
}

// resolve runs the transform, absorbing both errors and panics.
func (f Field) resolve() (v any, ok bool) {
	if f.Transform == nil {
		return f.Value, true
	}
	defer func() {
		if p := recover(); p != nil {
			v, ok = nil, false
		}
	}()
	out, err := f.Transform(f.Value)
	if err != nil {
		return nil, false
	}
	return out, true
}

// Patch is one progress step applied by Update.
type Patch struct {
	Fields []Field
	// Timeout, when positive, reschedules the deadline to now+Timeout.
	Timeout time.Duration
}

// Record is a mutable audit event describing one in-flight or completed
// operation. It has no locking of its own: a record is owned by one goroutine
// at a time, and the delivery queue keeps its own snapshot on enqueue.
type Record struct {
	id        uuid.UUID
	iteration int64
	final     bool
	deadline  time.Time
	fields    *orderedmap.OrderedMap[string, any]

	// DefaultKeys selects the fields rendered by String. Nil renders every field.
	DefaultKeys []string
}

// NewRecord creates a record at iteration 0 due after timeout. A timeout of
// zero or less means the record waits for Finalize indefinitely.
func NewRecord(timeout time.Duration, fields ...Field) *Record {
	r := &Record{
		id:     uuid.Must(uuid.NewV7()),
		fields: orderedmap.New[string, any](),
	}
	for _, f := range fields {
		r.applyField(f)
	}
	r.SetTimeout(timeout)
	return r
}

// RestoreRecord rebuilds a record received from another process.
func RestoreRecord(id uuid.UUID, iteration int64, final bool, deadline time.Time, fields ...Field) *Record {
	r := &Record{
		id:        id,
		iteration: iteration,
		final:     final,
		deadline:  deadline,
		fields:    orderedmap.New[string, any](),
	}
	for _, f := range fields {
		r.applyField(f)
	}
	return r
}

func (r *Record) ID() uuid.UUID { return r.id }

// CreatedAt is read back from the UUIDv7 timestamp so that a restored record
// reports the same creation time as the original.
func (r *Record) CreatedAt() time.Time {
	ms := binary.BigEndian.Uint64(r.id[:8]) >> 16
	return time.UnixMilli(int64(ms))
}

// Iteration returns the mutation counter. It stops moving once the record is final.
func (r *Record) Iteration() int64 { return r.iteration }

func (r *Record) IsFinal() bool { return r.final }

// Deadline returns the time the record becomes due. The zero time means no deadline.
func (r *Record) Deadline() time.Time { return r.deadline }

// Rank orders versions of the same record: a final record outranks every
// non-final one.
func (r *Record) Rank() int64 {
	if r.final {
		return math.MaxInt64
	}
	return r.iteration
}

// Update applies p, bumps the iteration and optionally reschedules the
// deadline. It returns false without touching anything when r is final.
func (r *Record) Update(p Patch) bool {
	if r.final {
		return false
	}
	for _, f := range p.Fields {
		r.applyField(f)
	}
	r.iteration++
	if p.Timeout > 0 {
		r.deadline = time.Now().Add(p.Timeout)
	}
	return true
}

// Finalize marks the record complete and makes it due immediately. It
// reports whether this call made the transition.
func (r *Record) Finalize() bool {
	if r.final {
		return false
	}
	r.final = true
	now := time.Now()
	if r.deadline.IsZero() || r.deadline.After(now) {
		r.deadline = now
	}
	return true
}

// SetTimeout reschedules the deadline relative to now. Final records keep
// their deadline.
func (r *Record) SetTimeout(timeout time.Duration) {
	if r.final {
		return
	}
	if timeout <= 0 {
		r.deadline = time.Time{}
		return
	}
	r.deadline = time.Now().Add(timeout)
}

// SetDeadline reschedules the deadline to an absolute time. Final records keep
// their deadline.
func (r *Record) SetDeadline(t time.Time) {
	if r.final {
		return
	}
	r.deadline = t
}

// Set writes a field without counting as a progress step.
func (r *Record) Set(key string, value any) {
	r.fields.Set(key, value)
}

func (r *Record) Get(key string) (any, bool) {
	return r.fields.Get(key)
}

func (r *Record) Delete(key string) {
	r.fields.Delete(key)
}

func (r *Record) Len() int { return r.fields.Len() }

// Keys returns field names in insertion order.
func (r *Record) Keys() []string {
	keys := make([]string, 0, r.fields.Len())
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		keys = append(keys, pair.Key)
	}
	return keys
}

// Range calls fn for every field in insertion order until fn returns false.
func (r *Record) Range(fn func(key string, value any) bool) {
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		if !fn(pair.Key, pair.Value) {
			return
		}
	}
}

// Clone copies the record and its field map. Field values are shared and must
// be treated as immutable; producers replace values rather than mutate them.
func (r *Record) Clone() *Record {
	c := &Record{
		id:        r.id,
		iteration: r.iteration,
		final:     r.final,
		deadline:  r.deadline,
		fields:    orderedmap.New[string, any](r.fields.Len()),
	}
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		c.fields.Set(pair.Key, pair.Value)
	}
	if r.DefaultKeys != nil {
		c.DefaultKeys = append([]string(nil), r.DefaultKeys...)
	}
	return c
}

func (r *Record) applyField(f Field) {
	v, ok := f.resolve()
	if !ok || f.Key == "" {
		return
	}
	r.fields.Set(f.Key, v)
}

// recordJSON is the wire form used between processes and by the NDJSON sink.
type recordJSON struct {
	ID          uuid.UUID                           `json:"id"`
	Iteration   int64                               `json:"iteration"`
	Final       bool                                `json:"final"`
	Deadline    *time.Time                          `json:"deadline,omitempty"`
	CreatedAt   time.Time                           `json:"created_at"`
	DefaultKeys []string                            `json:"default_keys,omitempty"`
	Fields      *orderedmap.OrderedMap[string, any] `json:"fields"`
}

func (r *Record) MarshalJSON() ([]byte, error) {
	out := recordJSON{
		ID:          r.id,
		Iteration:   r.iteration,
		Final:       r.final,
		CreatedAt:   r.CreatedAt().UTC(),
		DefaultKeys: r.DefaultKeys,
		Fields:      r.fields,
	}
	if !r.deadline.IsZero() {
		d := r.deadline.UTC()
		out.Deadline = &d
	}
	return json.Marshal(out)
}

func (r *Record) UnmarshalJSON(data []byte) error {
	in := recordJSON{Fields: orderedmap.New[string, any]()}
	if err := json.Unmarshal(data, &in); err != nil {
		return fmt.Errorf("decoding record: %w", err)
	}
	if in.ID == uuid.Nil {
		return fmt.Errorf("decoding record: missing id")
	}
	r.id = in.ID
	r.iteration = in.Iteration
	r.final = in.Final
	r.deadline = time.Time{}
	if in.Deadline != nil {
		r.deadline = *in.Deadline
	}
	r.DefaultKeys = in.DefaultKeys
	r.fields = in.Fields
	return nil
}
