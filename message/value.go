package message

import (
	"bytes"
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"
)

// Type is the dynamic type tag of a Value. The numeric values double as the
// binary codec tags.
type Type uint8

const (
	TypeNull   Type = 0
	TypeInt    Type = 1
	TypeFloat  Type = 2
	TypeString Type = 3
	TypeBool   Type = 4
	TypeBytes  Type = 5
	TypeList   Type = 6
	TypeMap    Type = 7
)

var typeNames = [...]string{"null", "int", "float", "string", "bool", "bytes", "list", "map"}

func (t Type) String() string {
	if int(t) < len(typeNames) {
		return typeNames[t]
	}
	return fmt.Sprintf("type(%d)", uint8(t))
}

// ParseType maps a schema type name to a Type. "double" is accepted as an
// alias of float.
func ParseType(name string) (Type, bool) {
	name = strings.ToLower(name)
	if name == "double" {
		return TypeFloat, true
	}
	for i, n := range typeNames {
		if n == name {
			return Type(i), true
		}
	}
	return TypeNull, false
}

// Value is a dynamically typed parameter value: a scalar, a string, raw
// bytes, or a nested list or map of values. The zero Value is null.
//
// Values own their contents. Constructors copy slices and maps handed to
// them, so a Value never aliases caller memory.
type Value struct {
	typ  Type
	num  int64 // int, bool (0/1)
	flt  float64
	str  string
	raw  []byte
	list []Value
	m    Map
}

func Null() Value { return Value{} }

func Int(v int64) Value { return Value{typ: TypeInt, num: v} }

func Float(v float64) Value { return Value{typ: TypeFloat, flt: v} }

func String(v string) Value { return Value{typ: TypeString, str: v} }

func Bytes(v []byte) Value { return Value{typ: TypeBytes, raw: append([]byte{}, v...)} }

func MapValue(m Map) Value { return Value{typ: TypeMap, m: m.Clone()} }

func List(items ...Value) Value {
	l := make([]Value, len(items))
	for i, it := range items {
		l[i] = it.Clone()
	}
	return Value{typ: TypeList, list: l}
}

func Bool(v bool) Value {
	if v {
		return Value{typ: TypeBool, num: 1}
	}
	return Value{typ: TypeBool}
}

// FromAny converts a native Go value. Maps with string keys are converted
// with their keys sorted so the result is deterministic.
func FromAny(v any) (Value, error) {
	switch x := v.(type) {
	case nil:
		return Null(), nil
	case Value:
		return x.Clone(), nil
	case Map:
		return MapValue(x), nil
	case int:
		return Int(int64(x)), nil
	case int8:
		return Int(int64(x)), nil
	case int16:
		return Int(int64(x)), nil
	case int32:
		return Int(int64(x)), nil
	case int64:
		return Int(x), nil
	case uint8:
		return Int(int64(x)), nil
	case uint16:
		return Int(int64(x)), nil
	case uint32:
		return Int(int64(x)), nil
	case uint:
		if uint64(x) > math.MaxInt64 {
			return Null(), fmt.Errorf("uint %d overflows int64", x)
		}
		return Int(int64(x)), nil
	case uint64:
		if x > math.MaxInt64 {
			return Null(), fmt.Errorf("uint64 %d overflows int64", x)
		}
		return Int(int64(x)), nil
	case float32:
		return Float(float64(x)), nil
	case float64:
		return Float(x), nil
	case string:
		return String(x), nil
	case bool:
		return Bool(x), nil
	case []byte:
		return Bytes(x), nil
	case []string:
		l := make([]Value, len(x))
		for i, s := range x {
			l[i] = String(s)
		}
		return Value{typ: TypeList, list: l}, nil
	case []any:
		l := make([]Value, len(x))
		for i, it := range x {
			c, err := FromAny(it)
			if err != nil {
				return Null(), err
			}
			l[i] = c
		}
		return Value{typ: TypeList, list: l}, nil
	case map[string]any:
		keys := make([]string, 0, len(x))
		for k := range x {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		var m Map
		for _, k := range keys {
			c, err := FromAny(x[k])
			if err != nil {
				return Null(), err
			}
			m.Set(k, c)
		}
		return Value{typ: TypeMap, m: m}, nil
	default:
		return Null(), fmt.Errorf("unsupported native type %T", v)
	}
}

// MustFromAny is FromAny for literals in tests and examples.
func MustFromAny(v any) Value {
	r, err := FromAny(v)
	if err != nil {
		panic(err)
	}
	return r
}

func (v Value) Type() Type   { return v.typ }
func (v Value) IsNull() bool { return v.typ == TypeNull }

// Raw accessors. They return the zero value when the type does not match.
func (v Value) IntValue() int64     { return v.num }
func (v Value) FloatValue() float64 { return v.flt }
func (v Value) StringValue() string { return v.str }
func (v Value) BoolValue() bool     { return v.typ == TypeBool && v.num != 0 }

// BytesValue returns the raw bytes. The slice must not be modified.
func (v Value) BytesValue() []byte { return v.raw }

// ListValue returns the list items. The slice must not be modified.
func (v Value) ListValue() []Value { return v.list }

// MapValue returns the nested map. It must not be modified.
func (v Value) MapValue() Map { return v.m }

// Clone returns a deep copy of v.
func (v Value) Clone() Value {
	switch v.typ {
	case TypeBytes:
		v.raw = append([]byte{}, v.raw...)
	case TypeList:
		l := make([]Value, len(v.list))
		for i, it := range v.list {
			l[i] = it.Clone()
		}
		v.list = l
	case TypeMap:
		v.m = v.m.Clone()
	}
	return v
}

// Equal reports whether v and o hold the same type and contents. Floats are
// compared bitwise so NaN equals itself.
func (v Value) Equal(o Value) bool {
	if v.typ != o.typ {
		return false
	}
	switch v.typ {
	case TypeNull:
		return true
	case TypeInt, TypeBool:
		return v.num == o.num
	case TypeFloat:
		return math.Float64bits(v.flt) == math.Float64bits(o.flt)
	case TypeString:
		return v.str == o.str
	case TypeBytes:
		return bytes.Equal(v.raw, o.raw)
	case TypeList:
		if len(v.list) != len(o.list) {
			return false
		}
		for i := range v.list {
			if !v.list[i].Equal(o.list[i]) {
				return false
			}
		}
		return true
	case TypeMap:
		return v.m.Equal(o.m)
	}
	return false
}

func (v Value) String() string {
	switch v.typ {
	case TypeNull:
		return "null"
	case TypeInt:
		return strconv.FormatInt(v.num, 10)
	case TypeFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64)
	case TypeString:
		return strconv.Quote(v.str)
	case TypeBool:
		return strconv.FormatBool(v.num != 0)
	case TypeBytes:
		return fmt.Sprintf("bytes[%d]", len(v.raw))
	case TypeList:
		parts := make([]string, len(v.list))
		for i, it := range v.list {
			parts[i] = it.String()
		}
		return "[" + strings.Join(parts, ",") + "]"
	case TypeMap:
		return v.m.String()
	}
	return "?"
}
