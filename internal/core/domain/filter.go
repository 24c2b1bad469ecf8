package domain

import (
	"fmt"
	"math"
	"strconv"
)

// PredicateFunc decides whether a record should be delivered.
type PredicateFunc func(r *Record, args map[string]any) (bool, error)

// MutatorFunc rewrites a record in place before delivery.
type MutatorFunc func(r *Record, args map[string]any) error

var Predicates = map[string]PredicateFunc{
	"always":       func(*Record, map[string]any) (bool, error) { return true, nil },
	"final_only":   func(r *Record, _ map[string]any) (bool, error) { return r.IsFinal(), nil },
	"field_exists": fieldExists,
	"field_gt":     compareField(func(a, b float64) bool { return a > b }),
	"field_lt":     compareField(func(a, b float64) bool { return a < b }),
	"field_eq":     fieldEquals,
}

var Mutators = map[string]MutatorFunc{
	"drop_fields":       dropFields,
	"mask_fields":       maskFields,
	"rename":            renameField,
	"drop_nil_defaults": dropNilDefaults,
}

// Filter is one configured delivery step: an optional predicate followed by
// an optional mutation. When either fails the filter yields OnError.
type Filter struct {
	Name      string
	Predicate PredicateFunc
	Mutate    MutatorFunc
	Args      map[string]any
	OnError   bool
}

// NewFilter resolves predicate and mutator names against the registries.
// Either name may be empty but not both.
func NewFilter(predicate, mutate string, args map[string]any, onError bool) (Filter, error) {
	if predicate == "" && mutate == "" {
		return Filter{}, fmt.Errorf("filter needs a predicate or a transform")
	}
	f := Filter{Args: args, OnError: onError, Name: predicate}
	if predicate != "" {
		fn, ok := Predicates[predicate]
		if !ok {
			return Filter{}, fmt.Errorf("%w: %q", ErrUnknownPredicate, predicate)
		}
		f.Predicate = fn
	}
	if mutate != "" {
		fn, ok := Mutators[mutate]
		if !ok {
			return Filter{}, fmt.Errorf("%w: %q", ErrUnknownTransform, mutate)
		}
		f.Mutate = fn
		if f.Name == "" {
			f.Name = mutate
		}
	}
	return f, nil
}

// Apply runs the filter on r and reports whether r should still be delivered.
func (f Filter) Apply(r *Record) (keep bool) {
	defer func() {
		if p := recover(); p != nil {
			keep = f.OnError
		}
	}()
	if f.Predicate != nil {
		ok, err := f.Predicate(r, f.Args)
		if err != nil {
			return f.OnError
		}
		if !ok {
			return false
		}
	}
	if f.Mutate != nil {
		if err := f.Mutate(r, f.Args); err != nil {
			return f.OnError
		}
	}
	return true
}

// ToFloat converts numeric field values, including numeric strings. NaN and
// infinities are not numbers here.
func ToFloat(v any) (float64, bool) {
	f, ok := toFloat(v)
	if !ok || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}

func toFloat(v any) (float64, bool) {
	switch n := v.(type) {
	case int:
		return float64(n), true
	case int8:
		return float64(n), true
	case int16:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	case uint:
		return float64(n), true
	case uint8:
		return float64(n), true
	case uint16:
		return float64(n), true
	case uint32:
		return float64(n), true
	case uint64:
		return float64(n), true
	case float32:
		return float64(n), true
	case float64:
		return n, true
	case string:
		f, err := strconv.ParseFloat(n, 64)
		return f, err == nil
	}
	return 0, false
}

func stringArg(args map[string]any, name string) (string, error) {
	v, ok := args[name]
	if !ok {
		return "", fmt.Errorf("missing argument %q", name)
	}
	s, ok := v.(string)
	if !ok {
		return "", fmt.Errorf("argument %q: expected string, got %T", name, v)
	}
	return s, nil
}

func stringsArg(args map[string]any, name string) ([]string, error) {
	switch v := args[name].(type) {
	case []string:
		return v, nil
	case []any:
		out := make([]string, 0, len(v))
		for _, item := range v {
			s, ok := item.(string)
			if !ok {
				return nil, fmt.Errorf("argument %q: expected strings, got %T", name, item)
			}
			out = append(out, s)
		}
		return out, nil
	case string:
		return []string{v}, nil
	case nil:
		return nil, fmt.Errorf("missing argument %q", name)
	default:
		return nil, fmt.Errorf("argument %q: expected list, got %T", name, v)
	}
}

func fieldExists(r *Record, args map[string]any) (bool, error) {
	field, err := stringArg(args, "field")
	if err != nil {
		return false, err
	}
	_, ok := r.Get(field)
	return ok, nil
}

func compareField(cmp func(a, b float64) bool) PredicateFunc {
	return func(r *Record, args map[string]any) (bool, error) {
		field, err := stringArg(args, "field")
		if err != nil {
			return false, err
		}
		want, ok := ToFloat(args["value"])
		if !ok {
			return false, fmt.Errorf("argument \"value\": not a number")
		}
		raw, ok := r.Get(field)
		if !ok {
			return false, fmt.Errorf("field %q not set", field)
		}
		got, ok := ToFloat(raw)
		if !ok {
			return false, fmt.Errorf("field %q: not a number", field)
		}
		return cmp(got, want), nil
	}
}

func fieldEquals(r *Record, args map[string]any) (bool, error) {
	field, err := stringArg(args, "field")
	if err != nil {
		return false, err
	}
	raw, ok := r.Get(field)
	if !ok {
		return false, nil
	}
	want := args["value"]
	if a, ok := ToFloat(raw); ok {
		if b, ok := ToFloat(want); ok {
			return a == b, nil
		}
	}
	return fmt.Sprint(raw) == fmt.Sprint(want), nil
}

func dropFields(r *Record, args map[string]any) error {
	fields, err := stringsArg(args, "fields")
	if err != nil {
		return err
	}
	for _, f := range fields {
		r.Delete(f)
	}
	return nil
}

func maskFields(r *Record, args map[string]any) error {
	fields, err := stringsArg(args, "fields")
	if err != nil {
		return err
	}
	name, _ := args["mask"].(string)
	mask, err := ParseMask(name)
	if err != nil {
		return err
	}
	MaskRecord(r, fields, mask)
	return nil
}

func renameField(r *Record, args map[string]any) error {
	from, err := stringArg(args, "from")
	if err != nil {
		return err
	}
	to, err := stringArg(args, "to")
	if err != nil {
		return err
	}
	v, ok := r.Get(from)
	if !ok {
		return nil
	}
	r.Delete(from)
	r.Set(to, v)
	for i, k := range r.DefaultKeys {
		if k == from {
			r.DefaultKeys[i] = to
		}
	}
	return nil
}

// dropNilDefaults hides default keys whose value is nil so that unset result
// counters do not clutter the rendered line.
func dropNilDefaults(r *Record, _ map[string]any) error {
	if r.DefaultKeys == nil {
		return nil
	}
	keys := r.DefaultKeys[:0]
	for _, k := range r.DefaultKeys {
		if v, ok := r.Get(k); ok && v == nil {
			continue
		}
		keys = append(keys, k)
	}
	r.DefaultKeys = keys
	return nil
}
