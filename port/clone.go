package port

import (
	"fmt"
	"reflect"
	"time"

	"google.golang.org/protobuf/proto"
)

// maxCloneDepth bounds recursion, guarding against self-referential slices.
const maxCloneDepth = 1000

// Transferable is a value whose ownership moves to the receiving side when
// listed in the transfer list of [Port.Post]. It is passed by identity
// rather than copied.
type Transferable interface {
	// CheckTransfer returns an error if the value cannot currently be
	// transferred.
	CheckTransfer() error
}

// Shareable is a value passed by reference rather than copied, because it is
// designed for concurrent access from several threads (for example
// sharedmem.Region).
type Shareable interface {
	Shared()
}

// Cloneable lets a type control its own deep copy. CloneWith receives the
// cloner's recursive clone function, to be used for nested values, so
// transfer lists and sharing rules still apply.
type Cloneable interface {
	CloneWith(clone func(any) (any, error)) (any, error)
}

// Cloner is used to isolate message payloads between threads. Because all
// threads share one address space, a posted value must not be mutated
// concurrently by sender and receiver.
type Cloner interface {
	// Clone returns a deep copy of value. Values listed in transfer are
	// passed through by identity.
	Clone(value any, transfer []Transferable) (any, error)
}

// CloneFunc creates a Cloner from a clone function.
func CloneFunc(fn func(value any, transfer []Transferable) (any, error)) Cloner {
	return funcCloner(fn)
}

type funcCloner func(value any, transfer []Transferable) (any, error)

func (f funcCloner) Clone(value any, transfer []Transferable) (any, error) { return f(value, transfer) }

// DataCloneError is returned when a value cannot be transported between
// threads.
type DataCloneError struct {
	Value  any
	Reason string
}

func (e *DataCloneError) Error() string {
	return fmt.Sprintf("port: could not clone value of type %T: %s", e.Value, e.Reason)
}

// Code returns the stable error code.
func (e *DataCloneError) Code() string {
	return "ERR_DATA_CLONE"
}

// ValueCloner is the default Cloner, a structured clone for Go values:
//
//   - nil, booleans, numbers, strings, [time.Time] and [time.Duration] are copied
//   - slices, arrays, maps, pointers and structs with only exported fields
//     are deep copied, preserving aliasing of pointers and maps
//   - [proto.Message] values are copied with [proto.Clone]
//   - [Transferable] values are passed through only if listed in transfer
//   - [Shareable] values are passed through by reference
//   - [Cloneable] values copy themselves
//
// Anything else (functions, channels, unsafe pointers, structs with
// unexported fields) fails with a [*DataCloneError].
type ValueCloner struct{}

// Clone implements Cloner.
func (ValueCloner) Clone(value any, transfer []Transferable) (any, error) {
	c := &cloneState{
		transfer: make(map[Transferable]struct{}, len(transfer)),
		seen:     make(map[seenKey]reflect.Value),
	}
	for _, t := range transfer {
		c.transfer[t] = struct{}{}
	}
	return c.clone(value)
}

type seenKey struct {
	typ reflect.Type
	ptr uintptr
}

type cloneState struct {
	transfer map[Transferable]struct{}
	seen     map[seenKey]reflect.Value
	depth    int
}

func (c *cloneState) clone(value any) (any, error) {
	switch v := value.(type) {
	case nil:
		return nil, nil
	case bool, string,
		int, int8, int16, int32, int64,
		uint, uint8, uint16, uint32, uint64, uintptr,
		float32, float64, complex64, complex128,
		time.Time, time.Duration:
		return v, nil
	case []byte:
		if v == nil {
			return v, nil
		}
		return append([]byte(nil), v...), nil
	}
	if out, ok, err := c.special(value); ok {
		return out, err
	}
	out, err := c.cloneValue(reflect.ValueOf(value))
	if err != nil {
		return nil, err
	}
	return out.Interface(), nil
}

// special handles the types with their own transport semantics.
func (c *cloneState) special(value any) (any, bool, error) {
	switch v := value.(type) {
	case time.Time:
		return v, true, nil
	case Transferable:
		if _, ok := c.transfer[v]; !ok {
			return nil, true, &DataCloneError{Value: value, Reason: "transferable value missing from the transfer list"}
		}
		return v, true, nil
	case Shareable:
		return v, true, nil
	case proto.Message:
		return proto.Clone(v), true, nil
	case Cloneable:
		c.depth++
		defer func() { c.depth-- }()
		if c.depth > maxCloneDepth {
			return nil, true, &DataCloneError{Value: value, Reason: "value is nested too deeply"}
		}
		out, err := v.CloneWith(c.clone)
		return out, true, err
	}
	return nil, false, nil
}

func (c *cloneState) cloneValue(rv reflect.Value) (reflect.Value, error) {
	if !rv.IsValid() {
		return rv, nil
	}

	c.depth++
	defer func() { c.depth-- }()
	if c.depth > maxCloneDepth {
		return reflect.Value{}, &DataCloneError{Value: safeInterface(rv), Reason: "value is nested too deeply"}
	}

	if rv.Kind() != reflect.Interface && rv.CanInterface() {
		if out, ok, err := c.special(rv.Interface()); ok {
			if err != nil {
				return reflect.Value{}, err
			}
			return convert(out, rv.Type())
		}
	}

	switch rv.Kind() {
	case reflect.Bool,
		reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64,
		reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64, reflect.Uintptr,
		reflect.Float32, reflect.Float64, reflect.Complex64, reflect.Complex128,
		reflect.String:
		return rv, nil

	case reflect.Interface:
		if rv.IsNil() {
			return reflect.Zero(rv.Type()), nil
		}
		inner, err := c.cloneValue(rv.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out := reflect.New(rv.Type()).Elem()
		out.Set(inner)
		return out, nil

	case reflect.Pointer:
		if rv.IsNil() {
			return reflect.Zero(rv.Type()), nil
		}
		key := seenKey{typ: rv.Type(), ptr: rv.Pointer()}
		if out, ok := c.seen[key]; ok {
			return out, nil
		}
		out := reflect.New(rv.Type().Elem())
		c.seen[key] = out
		elem, err := c.cloneValue(rv.Elem())
		if err != nil {
			return reflect.Value{}, err
		}
		out.Elem().Set(elem)
		return out, nil

	case reflect.Map:
		if rv.IsNil() {
			return reflect.Zero(rv.Type()), nil
		}
		key := seenKey{typ: rv.Type(), ptr: rv.Pointer()}
		if out, ok := c.seen[key]; ok {
			return out, nil
		}
		out := reflect.MakeMapWithSize(rv.Type(), rv.Len())
		c.seen[key] = out
		iter := rv.MapRange()
		for iter.Next() {
			k, err := c.cloneValue(iter.Key())
			if err != nil {
				return reflect.Value{}, err
			}
			v, err := c.cloneValue(iter.Value())
			if err != nil {
				return reflect.Value{}, err
			}
			out.SetMapIndex(k, v)
		}
		return out, nil

	case reflect.Slice:
		if rv.IsNil() {
			return reflect.Zero(rv.Type()), nil
		}
		out := reflect.MakeSlice(rv.Type(), rv.Len(), rv.Len())
		for i := 0; i < rv.Len(); i++ {
			v, err := c.cloneValue(rv.Index(i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(v)
		}
		return out, nil

	case reflect.Array:
		out := reflect.New(rv.Type()).Elem()
		for i := 0; i < rv.Len(); i++ {
			v, err := c.cloneValue(rv.Index(i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Index(i).Set(v)
		}
		return out, nil

	case reflect.Struct:
		typ := rv.Type()
		out := reflect.New(typ).Elem()
		for i := 0; i < typ.NumField(); i++ {
			if !typ.Field(i).IsExported() {
				return reflect.Value{}, &DataCloneError{
					Value:  safeInterface(rv),
					Reason: fmt.Sprintf("struct field %s is unexported", typ.Field(i).Name),
				}
			}
			v, err := c.cloneValue(rv.Field(i))
			if err != nil {
				return reflect.Value{}, err
			}
			out.Field(i).Set(v)
		}
		return out, nil

	default:
		return reflect.Value{}, &DataCloneError{
			Value:  safeInterface(rv),
			Reason: fmt.Sprintf("%s values cannot be cloned", rv.Kind()),
		}
	}
}

// convert adapts a special-cased result back to the static type it was
// found as.
func convert(out any, typ reflect.Type) (reflect.Value, error) {
	if out == nil {
		switch typ.Kind() {
		case reflect.Interface, reflect.Pointer, reflect.Map, reflect.Slice:
			return reflect.Zero(typ), nil
		}
		return reflect.Value{}, &DataCloneError{Reason: fmt.Sprintf("clone of %s produced nil", typ)}
	}
	v := reflect.ValueOf(out)
	if v.Type() == typ {
		return v, nil
	}
	if !v.Type().AssignableTo(typ) {
		return reflect.Value{}, &DataCloneError{Value: out, Reason: fmt.Sprintf("clone produced %s, want %s", v.Type(), typ)}
	}
	n := reflect.New(typ).Elem()
	n.Set(v)
	return n, nil
}

func safeInterface(rv reflect.Value) any {
	if rv.IsValid() && rv.CanInterface() {
		return rv.Interface()
	}
	return nil
}
