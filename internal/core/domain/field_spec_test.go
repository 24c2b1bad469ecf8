package domain

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestFieldSpec_Resolve(t *testing.T) {
	t.Parallel()
	failing := func(any) (any, error) { return nil, errors.New("boom") }

	tests := []struct {
		name     string
		spec     FieldSpec
		arg      string
		in       any
		wantKey  string
		wantVal  any
		wantKeep bool
	}{
		{"keeps name", FieldSpec{}, "sql", "select 1", "sql", "select 1", true},
		{"renames", FieldSpec{To: "Statement"}, "sql", "select 1", "Statement", "select 1", true},
		{"casts", FieldSpec{To: "ArgCount", Cast: Length}, "args", []any{1, 2}, "ArgCount", 2, true},
		{"failed cast keeps raw value", FieldSpec{Cast: failing}, "x", 7, "x", 7, true},
		{"constant value", FieldSpec{Value: "pg", HasValue: true}, "db", "ignored", "db", "pg", true},
		{"omitted", FieldSpec{To: OmitField}, "args", 1, "", nil, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			f, ok := tt.spec.Resolve(tt.arg, tt.in)
			assert.Equal(t, tt.wantKeep, ok)
			if !ok {
				return
			}
			assert.Equal(t, tt.wantKey, f.Key)
			assert.Equal(t, tt.wantVal, f.Value)
		})
	}
}

func TestFieldSpec_OmittedStillCasts(t *testing.T) {
	t.Parallel()
	called := 0
	spec := FieldSpec{To: OmitField, Cast: func(v any) (any, error) {
		called++
		return v, nil
	}}
	_, ok := spec.Resolve("args", 1)
	assert.False(t, ok)
	assert.Equal(t, 1, called)
}

func TestOperationSpec_ArgFields(t *testing.T) {
	t.Parallel()
	op := OperationSpec{
		Args: []ArgSpec{
			{Name: "sql", FieldSpec: FieldSpec{To: "Statement"}},
			{Name: "args", FieldSpec: FieldSpec{To: "ArgCount", Cast: Length}},
			{Name: "RowsAffected"},
		},
		Result:    FieldSpec{To: "RowsAffected"},
		Undefined: &FieldSpec{},
	}

	fields := op.ArgFields([]Arg{
		{Name: "sql", Value: "select 1"},
		{Name: "args", Value: []any{1}},
		{Name: "extra", Value: true},
	})

	assert.Equal(t, []Field{
		F("Statement", "select 1"),
		F("ArgCount", 1),
		F("extra", true),
	}, fields)
}

func TestOperationSpec_UndefinedDroppedByDefault(t *testing.T) {
	t.Parallel()
	op := OperationSpec{Args: []ArgSpec{{Name: "sql"}}}
	fields := op.ArgFields([]Arg{{Name: "sql", Value: "x"}, {Name: "extra", Value: 1}})
	assert.Equal(t, []Field{F("sql", "x")}, fields)
}

func TestOperationSpec_ResultFields(t *testing.T) {
	t.Parallel()
	op := OperationSpec{Result: FieldSpec{To: "MatchedCount", Cast: OneIfNotNone}}
	assert.Equal(t, []Field{F("MatchedCount", 1)}, op.ResultFields("row"))
	assert.Equal(t, []Field{F("MatchedCount", 0)}, op.ResultFields(nil))

	assert.Nil(t, OperationSpec{}.ResultFields(3))
}

func TestOperationSpec_ResultOverriddenByArg(t *testing.T) {
	t.Parallel()
	op := OperationSpec{
		Args:   []ArgSpec{{Name: "Rows", FieldSpec: FieldSpec{To: "Affected"}}},
		Result: FieldSpec{To: "Rows"},
	}
	assert.Equal(t, []Field{F("Affected", int64(4))}, op.ResultFields(int64(4)))
}

func TestOperationSpec_Merge(t *testing.T) {
	t.Parallel()
	base := OperationSpec{
		Args:   []ArgSpec{{Name: "sql", FieldSpec: FieldSpec{To: "Statement"}}},
		Result: FieldSpec{To: "RowsAffected"},
	}
	merged := base.Merge(OperationSpec{
		Args: []ArgSpec{
			{Name: "sql", FieldSpec: FieldSpec{To: OmitField}},
			{Name: "args", FieldSpec: FieldSpec{To: "ArgCount"}},
		},
	})

	assert.Len(t, merged.Args, 2)
	assert.Equal(t, OmitField, merged.Args[0].To)
	assert.Equal(t, "RowsAffected", merged.Result.To)
	assert.Equal(t, "Statement", base.Args[0].To, "merge does not mutate the receiver")
}
