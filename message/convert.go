package message

import (
	"math"
	"strconv"
	"strings"
)

// ConversionError reports a value that cannot be coerced to the requested type.
type ConversionError struct {
	From   Type
	To     Type
	Reason string
}

func (e *ConversionError) Error() string {
	s := "cannot convert " + e.From.String() + " to " + e.To.String()
	if e.Reason != "" {
		s += ": " + e.Reason
	}
	return s
}

func convErr(from, to Type, reason string) error {
	return &ConversionError{From: from, To: to, Reason: reason}
}

// Coercion is best effort between scalars (numbers, numeric strings, bools)
// and never crosses shapes: a list or map never becomes a scalar and vice
// versa.

func (v Value) AsInt() (int64, error) {
	switch v.typ {
	case TypeInt, TypeBool:
		return v.num, nil
	case TypeFloat:
		if v.flt != math.Trunc(v.flt) || v.flt >= math.MaxInt64 || v.flt < math.MinInt64 {
			return 0, convErr(v.typ, TypeInt, "not an integral value")
		}
		return int64(v.flt), nil
	case TypeString:
		n, err := strconv.ParseInt(strings.TrimSpace(v.str), 10, 64)
		if err != nil {
			return 0, convErr(v.typ, TypeInt, strconv.Quote(v.str)+" is not an integer")
		}
		return n, nil
	}
	return 0, convErr(v.typ, TypeInt, "")
}

func (v Value) AsFloat() (float64, error) {
	switch v.typ {
	case TypeFloat:
		return v.flt, nil
	case TypeInt:
		return float64(v.num), nil
	case TypeString:
		f, err := strconv.ParseFloat(strings.TrimSpace(v.str), 64)
		if err != nil {
			return 0, convErr(v.typ, TypeFloat, strconv.Quote(v.str)+" is not a number")
		}
		return f, nil
	}
	return 0, convErr(v.typ, TypeFloat, "")
}

func (v Value) AsString() (string, error) {
	switch v.typ {
	case TypeString:
		return v.str, nil
	case TypeInt:
		return strconv.FormatInt(v.num, 10), nil
	case TypeFloat:
		return strconv.FormatFloat(v.flt, 'g', -1, 64), nil
	case TypeBool:
		return strconv.FormatBool(v.num != 0), nil
	}
	return "", convErr(v.typ, TypeString, "")
}

func (v Value) AsBool() (bool, error) {
	switch v.typ {
	case TypeBool, TypeInt:
		return v.num != 0, nil
	case TypeString:
		b, err := strconv.ParseBool(strings.TrimSpace(v.str))
		if err != nil {
			return false, convErr(v.typ, TypeBool, strconv.Quote(v.str)+" is not a boolean")
		}
		return b, nil
	}
	return false, convErr(v.typ, TypeBool, "")
}

// AsBytes returns a copy of the bytes; strings convert to their UTF-8 bytes.
func (v Value) AsBytes() ([]byte, error) {
	switch v.typ {
	case TypeBytes:
		return append([]byte{}, v.raw...), nil
	case TypeString:
		return []byte(v.str), nil
	}
	return nil, convErr(v.typ, TypeBytes, "")
}

// AsList returns a deep copy of the list items.
func (v Value) AsList() ([]Value, error) {
	if v.typ != TypeList {
		return nil, convErr(v.typ, TypeList, "")
	}
	return v.Clone().list, nil
}

// AsMap returns a deep copy of the nested map.
func (v Value) AsMap() (Map, error) {
	if v.typ != TypeMap {
		return nil, convErr(v.typ, TypeMap, "")
	}
	return v.m.Clone(), nil
}

// Convert coerces v to t and returns the converted value. TypeNull accepts
// anything unchanged.
func (v Value) Convert(t Type) (Value, error) {
	switch t {
	case TypeNull:
		return v.Clone(), nil
	case TypeInt:
		n, err := v.AsInt()
		return Int(n), err
	case TypeFloat:
		f, err := v.AsFloat()
		return Float(f), err
	case TypeString:
		s, err := v.AsString()
		return String(s), err
	case TypeBool:
		b, err := v.AsBool()
		return Bool(b), err
	case TypeBytes:
		b, err := v.AsBytes()
		return Value{typ: TypeBytes, raw: b}, err
	case TypeList:
		l, err := v.AsList()
		return Value{typ: TypeList, list: l}, err
	case TypeMap:
		m, err := v.AsMap()
		return Value{typ: TypeMap, m: m}, err
	}
	return Null(), convErr(v.typ, t, "unknown target type")
}
