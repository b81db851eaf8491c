// Package value implements the structured value used to move parameters and
// results across the thread boundary. A Value never references engine state,
// so it can be built on one goroutine and read on another.
package value

import (
	"encoding/json"
	"math"
	"reflect"
	"sort"
	"strconv"
	"time"

	"github.com/go-errors/errors"
)

// Kind is the variant tag of a Value.
type Kind uint8

const (
	Null Kind = iota
	Bool
	Int
	Float
	String
	Sequence
	Map
)

var kindNames = [...]string{"null", "bool", "int", "float", "string", "sequence", "map"}

func (k Kind) String() string {
	if int(k) < len(kindNames) {
		return kindNames[k]
	}
	return "kind(" + strconv.Itoa(int(k)) + ")"
}

// ErrUnsupported is returned by From for Go values that have no structured
// representation (functions, channels, maps with non-string keys ...).
var ErrUnsupported = errors.New("unsupported value type")

// MaxDepth bounds nesting; engines export cyclic objects as cyclic Go maps.
const MaxDepth = 256

// Value is an immutable tagged union. The zero Value is null.
type Value struct {
	kind Kind
	b    bool
	i    int64
	f    float64
	s    string
	seq  []Value
	m    map[string]Value
}

func NewBool(b bool) Value { return Value{kind: Bool, b: b} }
func NewInt(i int64) Value { return Value{kind: Int, i: i} }
func NewFloat(f float64) Value { return Value{kind: Float, f: f} }
func NewString(s string) Value { return Value{kind: String, s: s} }
func NewNull() Value { return Value{} }

// NewSequence copies items into a new sequence value.
func NewSequence(items ...Value) Value {
	seq := make([]Value, len(items))
	copy(seq, items)
	return Value{kind: Sequence, seq: seq}
}

// NewMap copies entries into a new map value.
func NewMap(entries map[string]Value) Value {
	m := make(map[string]Value, len(entries))
	for k, v := range entries {
		m[k] = v
	}
	return Value{kind: Map, m: m}
}

func (v Value) Kind() Kind { return v.kind }
func (v Value) IsNull() bool { return v.kind == Null }
func (v Value) IsNumber() bool { return v.kind == Int || v.kind == Float }

// Bool reports the boolean payload, false for every other kind.
func (v Value) Bool() bool { return v.kind == Bool && v.b }

// Int returns the numeric payload truncated to an integer.
func (v Value) Int() int64 {
	switch v.kind {
	case Int:
		return v.i
	case Float:
		return int64(v.f)
	}
	return 0
}

// Float returns the numeric payload as a float.
func (v Value) Float() float64 {
	switch v.kind {
	case Int:
		return float64(v.i)
	case Float:
		return v.f
	}
	return 0
}

// Str returns the string payload, "" for every other kind.
func (v Value) Str() string {
	if v.kind == String {
		return v.s
	}
	return ""
}

// Len is the number of items of a sequence or entries of a map.
func (v Value) Len() int {
	switch v.kind {
	case Sequence:
		return len(v.seq)
	case Map:
		return len(v.m)
	}
	return 0
}

// Index returns the i-th item of a sequence, null when out of range.
func (v Value) Index(i int) Value {
	if v.kind != Sequence || i < 0 || i >= len(v.seq) {
		return Value{}
	}
	return v.seq[i]
}

// Get returns the map entry for key.
func (v Value) Get(key string) (Value, bool) {
	if v.kind != Map {
		return Value{}, false
	}
	e, ok := v.m[key]
	return e, ok
}

// Keys returns the sorted keys of a map value.
func (v Value) Keys() []string {
	if v.kind != Map {
		return nil
	}
	keys := make([]string, 0, len(v.m))
	for k := range v.m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Export converts v into plain Go values: nil, bool, int64, float64, string,
// []interface{} and map[string]interface{}. The result shares nothing with v.
func (v Value) Export() interface{} {
	switch v.kind {
	case Bool:
		return v.b
	case Int:
		return v.i
	case Float:
		return v.f
	case String:
		return v.s
	case Sequence:
		out := make([]interface{}, len(v.seq))
		for i, item := range v.seq {
			out[i] = item.Export()
		}
		return out
	case Map:
		out := make(map[string]interface{}, len(v.m))
		for k, e := range v.m {
			out[k] = e.Export()
		}
		return out
	}
	return nil
}

// Equal compares two values structurally. Int and Float compare by number.
func (v Value) Equal(o Value) bool {
	if v.IsNumber() && o.IsNumber() {
		if v.kind == Int && o.kind == Int {
			return v.i == o.i
		}
		return v.Float() == o.Float()
	}
	if v.kind != o.kind {
		return false
	}
	switch v.kind {
	case Null:
		return true
	case Bool:
		return v.b == o.b
	case String:
		return v.s == o.s
	case Sequence:
		if len(v.seq) != len(o.seq) {
			return false
		}
		for i := range v.seq {
			if !v.seq[i].Equal(o.seq[i]) {
				return false
			}
		}
		return true
	case Map:
		if len(v.m) != len(o.m) {
			return false
		}
		for k, e := range v.m {
			oe, ok := o.m[k]
			if !ok || !e.Equal(oe) {
				return false
			}
		}
		return true
	}
	return false
}

func (v Value) String() string {
	b, err := v.MarshalJSON()
	if err != nil {
		return "<" + v.kind.String() + ">"
	}
	return string(b)
}

// From builds a Value out of a Go value. Map entries holding functions are
// dropped and sequence items holding functions become null, the way
// JSON.stringify treats them; a function at the top level is ErrUnsupported.
func From(x interface{}) (Value, error) {
	if isFunc(x) {
		return Value{}, errors.Errorf("%w: func", ErrUnsupported)
	}
	return from(x, 0)
}

// MustFrom is From for literals known to be representable.
func MustFrom(x interface{}) Value {
	v, err := From(x)
	if err != nil {
		panic(err)
	}
	return v
}

func from(x interface{}, depth int) (Value, error) {
	if depth > MaxDepth {
		return Value{}, errors.Errorf("%w: nesting deeper than %d", ErrUnsupported, MaxDepth)
	}
	switch t := x.(type) {
	case nil:
		return Value{}, nil
	case Value:
		return t, nil
	case *Value:
		if t == nil {
			return Value{}, nil
		}
		return *t, nil
	case bool:
		return NewBool(t), nil
	case int:
		return NewInt(int64(t)), nil
	case int8:
		return NewInt(int64(t)), nil
	case int16:
		return NewInt(int64(t)), nil
	case int32:
		return NewInt(int64(t)), nil
	case int64:
		return NewInt(t), nil
	case uint8:
		return NewInt(int64(t)), nil
	case uint16:
		return NewInt(int64(t)), nil
	case uint32:
		return NewInt(int64(t)), nil
	case uint:
		return fromUint(uint64(t)), nil
	case uint64:
		return fromUint(t), nil
	case float32:
		return NewFloat(float64(t)), nil
	case float64:
		return NewFloat(t), nil
	case string:
		return NewString(t), nil
	case json.Number:
		return fromNumber(string(t))
	case time.Time:
		return NewString(t.UTC().Format(time.RFC3339Nano)), nil
	case []byte:
		seq := make([]Value, len(t))
		for i, b := range t {
			seq[i] = NewInt(int64(b))
		}
		return Value{kind: Sequence, seq: seq}, nil
	case []interface{}:
		seq := make([]Value, len(t))
		for i, item := range t {
			if isFunc(item) {
				continue
			}
			e, err := from(item, depth+1)
			if err != nil {
				return Value{}, err
			}
			seq[i] = e
		}
		return Value{kind: Sequence, seq: seq}, nil
	case map[string]interface{}:
		m := make(map[string]Value, len(t))
		for k, item := range t {
			if isFunc(item) {
				continue
			}
			e, err := from(item, depth+1)
			if err != nil {
				return Value{}, errors.Errorf("%s: %w", k, err)
			}
			m[k] = e
		}
		return Value{kind: Map, m: m}, nil
	}
	return fromReflect(reflect.ValueOf(x), depth)
}

func fromUint(u uint64) Value {
	if u > math.MaxInt64 {
		return NewFloat(float64(u))
	}
	return NewInt(int64(u))
}

func fromNumber(s string) (Value, error) {
	if i, err := strconv.ParseInt(s, 10, 64); err == nil {
		return NewInt(i), nil
	}
	f, err := strconv.ParseFloat(s, 64)
	if err != nil {
		return Value{}, errors.Errorf("%w: number %q", ErrUnsupported, s)
	}
	return NewFloat(f), nil
}

func fromReflect(rv reflect.Value, depth int) (Value, error) {
	switch rv.Kind() {
	case reflect.Ptr, reflect.Interface:
		if rv.IsNil() {
			return Value{}, nil
		}
		return from(rv.Elem().Interface(), depth+1)
	case reflect.Slice, reflect.Array:
		items := make([]interface{}, rv.Len())
		for i := range items {
			items[i] = rv.Index(i).Interface()
		}
		return from(items, depth)
	case reflect.Map:
		if rv.Type().Key().Kind() != reflect.String {
			return Value{}, errors.Errorf("%w: %s", ErrUnsupported, rv.Type())
		}
		entries := make(map[string]interface{}, rv.Len())
		iter := rv.MapRange()
		for iter.Next() {
			entries[iter.Key().String()] = iter.Value().Interface()
		}
		return from(entries, depth)
	case reflect.Struct:
		b, err := jsonAPI.Marshal(rv.Interface())
		if err != nil {
			return Value{}, errors.Errorf("%w: %s", ErrUnsupported, err)
		}
		var v Value
		err = v.UnmarshalJSON(b)
		return v, err
	case reflect.String:
		return NewString(rv.String()), nil
	case reflect.Bool:
		return NewBool(rv.Bool()), nil
	case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
		return NewInt(rv.Int()), nil
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return fromUint(rv.Uint()), nil
	case reflect.Float32, reflect.Float64:
		return NewFloat(rv.Float()), nil
	}
	return Value{}, errors.Errorf("%w: %s", ErrUnsupported, rv.Kind())
}

func isFunc(x interface{}) bool {
	return x != nil && reflect.TypeOf(x).Kind() == reflect.Func
}
