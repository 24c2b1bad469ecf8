package domain

import "slices"

// OmitField as a FieldSpec target runs the cast but records nothing.
const OmitField = "-"

// FieldSpec maps one operation argument or result onto a record field.
type FieldSpec struct {
	// To names the record field. Empty keeps the argument name.
	To string
	// Cast is applied to the value. A failing cast keeps the raw value.
	Cast     TransformFunc
	CastName string
	// Value replaces the runtime value when HasValue is set.
	Value    any
	HasValue bool
}

// Resolve turns an argument value into a record field. It reports false when
// the mapping omits the field; the cast has still run by then.
func (s FieldSpec) Resolve(arg string, v any) (Field, bool) {
	if s.HasValue {
		v = s.Value
	}
	if s.Cast != nil {
		if out, ok := (Field{Value: v, Transform: s.Cast}).resolve(); ok {
			v = out
		}
	}
	name := s.To
	if name == "" {
		name = arg
	}
	if name == "" || name == OmitField {
		return Field{}, false
	}
	return F(name, v), true
}

// Arg is a named argument of an intercepted operation.
type Arg struct {
	Name  string
	Value any
}

// ArgSpec pairs an argument name with its FieldSpec.
type ArgSpec struct {
	Name string
	FieldSpec
}

// OperationSpec describes which arguments and which result of an operation
// end up on its record.
type OperationSpec struct {
	Args []ArgSpec
	// Result maps the operation result. An empty To drops it.
	Result FieldSpec
	// Undefined, when set, maps arguments that Args does not mention.
	Undefined *FieldSpec
}

func (o OperationSpec) lookup(name string) (FieldSpec, bool) {
	for _, a := range o.Args {
		if a.Name == name {
			return a.FieldSpec, true
		}
	}
	return FieldSpec{}, false
}

// ArgFields resolves the fields recorded when the operation starts.
func (o OperationSpec) ArgFields(args []Arg) []Field {
	values := make(map[string]any, len(args))
	for _, a := range args {
		values[a.Name] = a.Value
	}
	var out []Field
	for _, spec := range o.Args {
		if o.Result.To != "" && spec.Name == o.Result.To {
			continue
		}
		if f, ok := spec.Resolve(spec.Name, values[spec.Name]); ok {
			out = append(out, f)
		}
	}
	if o.Undefined == nil {
		return out
	}
	for _, a := range args {
		if _, ok := o.lookup(a.Name); ok {
			continue
		}
		if f, ok := o.Undefined.Resolve(a.Name, a.Value); ok {
			out = append(out, f)
		}
	}
	return out
}

// ResultFields resolves the fields recorded when the operation returns. An
// argument spec reusing the result field name is applied on top of the
// result spec.
func (o OperationSpec) ResultFields(result any) []Field {
	f, ok := o.Result.Resolve("", result)
	if !ok {
		return nil
	}
	if override, found := o.lookup(o.Result.To); found {
		if g, ok := override.Resolve(o.Result.To, f.Value); ok {
			return []Field{g}
		}
		return nil
	}
	return []Field{f}
}

// Merge returns o with the argument specs of other replacing or extending its
// own, and other's result and undefined specs taking precedence when set.
func (o OperationSpec) Merge(other OperationSpec) OperationSpec {
	out := OperationSpec{
		Args:      slices.Clone(o.Args),
		Result:    o.Result,
		Undefined: o.Undefined,
	}
	for _, a := range other.Args {
		idx := slices.IndexFunc(out.Args, func(x ArgSpec) bool { return x.Name == a.Name })
		if idx >= 0 {
			out.Args[idx] = a
		} else {
			out.Args = append(out.Args, a)
		}
	}
	if other.Result.To != "" || other.Result.Cast != nil {
		out.Result = other.Result
	}
	if other.Undefined != nil {
		out.Undefined = other.Undefined
	}
	return out
}
