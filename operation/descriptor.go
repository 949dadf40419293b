package operation

import (
	"reflect"
	"strings"

	"github.com/juju/errors"
)

// Validator is implemented by request types that check their own content
// beyond required fields.
type Validator interface {
	Validate() error
}

// Descriptor describes the shape of a request or response: a Go struct type
// plus the indexes of fields tagged `rpc:"required"`.
type Descriptor struct {
	typ      reflect.Type
	required [][]int
}

// Empty describes operations that take or return nothing.
var Empty = TypeOf[struct{}]()

// TypeOf returns the descriptor of T. T is normally a struct type; pointer
// types are dereferenced.
func TypeOf[T any]() Descriptor {
	return describe(reflect.TypeOf((*T)(nil)).Elem())
}

func describe(t reflect.Type) Descriptor {
	for t.Kind() == reflect.Pointer {
		t = t.Elem()
	}
	d := Descriptor{typ: t}
	if t.Kind() != reflect.Struct {
		return d
	}
	for _, f := range reflect.VisibleFields(t) {
		if !f.IsExported() {
			continue
		}
		if tagged(f.Tag.Get("rpc"), "required") {
			d.required = append(d.required, f.Index)
		}
	}
	return d
}

func tagged(tag, option string) bool {
	for _, part := range strings.Split(tag, ",") {
		if strings.TrimSpace(part) == option {
			return true
		}
	}
	return false
}

// Type returns the described Go type.
func (d Descriptor) Type() reflect.Type {
	return d.typ
}

func (d Descriptor) String() string {
	if d.typ == nil {
		return "<none>"
	}
	return d.typ.String()
}

// Equal reports whether two descriptors describe the same type.
func (d Descriptor) Equal(other Descriptor) bool {
	return d.typ == other.typ
}

// Check verifies that v conforms to the descriptor: its type is the
// described type or a non-nil pointer to it, its required fields are set,
// and its Validate method (if any) succeeds.
func (d Descriptor) Check(v any) error {
	if d.typ == nil {
		return errors.Annotate(ErrInvalidRequestShape, "descriptor has no type")
	}
	if v == nil {
		return errors.Annotatef(ErrInvalidRequestShape, "nil value, want %s", d.typ)
	}
	rv := reflect.ValueOf(v)
	if rv.Kind() == reflect.Pointer {
		if rv.IsNil() {
			return errors.Annotatef(ErrInvalidRequestShape, "nil %s", rv.Type())
		}
		rv = rv.Elem()
	}
	if rv.Type() != d.typ {
		return errors.Annotatef(ErrInvalidRequestShape, "got %T, want %s", v, d.typ)
	}
	for _, index := range d.required {
		field, err := rv.FieldByIndexErr(index)
		if err != nil || field.IsZero() {
			name := d.typ.FieldByIndex(index).Name
			return errors.Annotatef(ErrInvalidRequestShape, "%s.%s is required", d.typ.Name(), name)
		}
	}
	validator, ok := v.(Validator)
	if !ok {
		// pointer-receiver Validate on a request passed by value
		p := reflect.New(d.typ)
		p.Elem().Set(rv)
		validator, ok = p.Interface().(Validator)
	}
	if ok {
		if err := validator.Validate(); err != nil {
			return errors.Annotatef(ErrInvalidRequestShape, "%s: %v", d.typ.Name(), err)
		}
	}
	return nil
}

// New returns a pointer to a fresh zero value of the described type.
func (d Descriptor) New() any {
	return reflect.New(d.typ).Interface()
}
