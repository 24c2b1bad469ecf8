package domain

import (
	"fmt"
	"reflect"
	"sort"

	pg_query "github.com/pganalyze/pg_query_go/v6"
)

// Transforms holds the casts that watch configs may refer to by name.
var Transforms = map[string]TransformFunc{
	"one_if_not_none": OneIfNotNone,
	"len":             Length,
	"normalize_sql":   NormalizeSQL,
	"fingerprint_sql": FingerprintSQL,
	"string":          Stringify,
	"redact":          maskTransform(MaskRedact),
	"hash":            maskTransform(MaskHash),
	"partial":         maskTransform(MaskPartial),
}

// LookupTransform resolves a cast by name. The empty name resolves to nil,
// which stores values unchanged.
func LookupTransform(name string) (TransformFunc, error) {
	if name == "" {
		return nil, nil
	}
	fn, ok := Transforms[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownTransform, name)
	}
	return fn, nil
}

// TransformNames lists the registered casts, sorted.
func TransformNames() []string {
	names := make([]string, 0, len(Transforms))
	for name := range Transforms {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// OneIfNotNone returns 0 for nil and 1 for anything else.
func OneIfNotNone(v any) (any, error) {
	if v == nil {
		return 0, nil
	}
	return 1, nil
}

// Length returns the length of a string, slice, array or map.
func Length(v any) (any, error) {
	if v == nil {
		return 0, nil
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Array, reflect.Map:
		return rv.Len(), nil
	}
	return nil, fmt.Errorf("len: unsupported type %T", v)
}

// NormalizeSQL replaces literal constants in a statement with placeholders.
func NormalizeSQL(v any) (any, error) {
	sql, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("normalize_sql: expected string, got %T", v)
	}
	out, err := pg_query.Normalize(sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	return out, nil
}

// FingerprintSQL returns the pg_query fingerprint of a statement, which is
// equal for statements differing only in constants.
func FingerprintSQL(v any) (any, error) {
	sql, ok := v.(string)
	if !ok {
		return nil, fmt.Errorf("fingerprint_sql: expected string, got %T", v)
	}
	out, err := pg_query.Fingerprint(sql)
	if err != nil {
		return nil, fmt.Errorf("%w: %w", ErrParseFailed, err)
	}
	return out, nil
}

func Stringify(v any) (any, error) {
	if v == nil {
		return "", nil
	}
	return fmt.Sprint(v), nil
}

func maskTransform(m MaskType) TransformFunc {
	return func(v any) (any, error) {
		return ApplyMask(v, m), nil
	}
}
