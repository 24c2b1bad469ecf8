package domain

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"
)

// Reserved field names stamped into every rendered record.
const (
	FieldWatchID   = "WatchID"
	FieldIteration = "Iteration"
	FieldTimedOut  = "TimedOut"
)

// TimeLayout renders timestamps with millisecond precision.
const TimeLayout = "2006-01-02 15:04:05,000"

// IterationLabel is the rendered iteration: the counter, or "final".
func (r *Record) IterationLabel() string {
	if r.final {
		return "final"
	}
	return strconv.FormatInt(r.iteration, 10)
}

// String renders DefaultKeys (or every field) as space separated key=value pairs.
func (r *Record) String() string {
	keys := r.DefaultKeys
	if keys == nil {
		keys = r.Keys()
	}
	return r.render(keys)
}

// Full renders the identity, the iteration and every field whose name does
// not start with an underscore.
func (r *Record) Full() string {
	keys := make([]string, 0, r.fields.Len())
	for pair := r.fields.Oldest(); pair != nil; pair = pair.Next() {
		if strings.HasPrefix(pair.Key, "_") {
			continue
		}
		keys = append(keys, pair.Key)
	}
	var b strings.Builder
	b.WriteString(FieldWatchID + "=" + strconv.Quote(r.id.String()))
	b.WriteString(" " + FieldIteration + "=" + r.IterationLabel())
	if len(keys) > 0 {
		b.WriteByte(' ')
		b.WriteString(r.render(keys))
	}
	return b.String()
}

func (r *Record) render(keys []string) string {
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		v, ok := r.fields.Get(k)
		if !ok {
			continue
		}
		parts = append(parts, k+"="+FormatValue(v))
	}
	return strings.Join(parts, " ")
}

// FormatValue renders a single field value: floats with three decimals,
// timestamps with TimeLayout, everything else JSON encoded.
func FormatValue(v any) string {
	switch val := v.(type) {
	case float64:
		return strconv.FormatFloat(val, 'f', 3, 64)
	case float32:
		return strconv.FormatFloat(float64(val), 'f', 3, 32)
	case time.Time:
		return strconv.Quote(val.Format(TimeLayout))
	case time.Duration:
		return strconv.FormatFloat(val.Seconds(), 'f', 3, 64)
	case error:
		return strconv.Quote(val.Error())
	case fmt.Stringer:
		return strconv.Quote(val.String())
	}
	b, err := json.Marshal(v)
	if err != nil {
		return strconv.Quote(fmt.Sprint(v))
	}
	return string(b)
}
