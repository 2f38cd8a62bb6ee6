package message

import (
	"strings"

	"github.com/samber/lo"
)

// Map is an insertion ordered mapping from parameter name to Value. The zero
// Map is empty and ready to use.
type Map []lo.Tuple2[string, Value]

// MapOf builds a Map from alternating name/value pairs:
//
//	MapOf("name", message.String("VestniK"), "age", message.Int(7))
//
// It panics on a malformed pair list.
func MapOf(pairs ...any) Map {
	if len(pairs)%2 != 0 {
		panic("message.MapOf: odd number of arguments")
	}
	var m Map
	for i := 0; i < len(pairs); i += 2 {
		m.Set(pairs[i].(string), MustFromAny(pairs[i+1]))
	}
	return m
}

// Set stores value under key, replacing an existing entry in place.
func (m *Map) Set(key string, value Value) {
	for i, kv := range *m {
		if kv.A == key {
			(*m)[i].B = value
			return
		}
	}
	*m = append(*m, lo.Tuple2[string, Value]{A: key, B: value})
}

func (m Map) Get(key string) (v Value, ok bool) {
	for _, kv := range m {
		if kv.A == key {
			return kv.B, true
		}
	}
	return
}

// Delete removes key and reports whether it was present.
func (m *Map) Delete(key string) bool {
	for i, kv := range *m {
		if kv.A == key {
			*m = append((*m)[:i], (*m)[i+1:]...)
			return true
		}
	}
	return false
}

func (m Map) Len() int { return len(m) }

func (m Map) Keys() []string {
	return lo.Map(m, func(kv lo.Tuple2[string, Value], _ int) string { return kv.A })
}

// Clone returns a deep copy. The clone of an empty Map is an empty, non-nil Map.
func (m Map) Clone() Map {
	c := make(Map, len(m))
	for i, kv := range m {
		c[i] = lo.Tuple2[string, Value]{A: kv.A, B: kv.B.Clone()}
	}
	return c
}

// Equal compares entries in order.
func (m Map) Equal(o Map) bool {
	if len(m) != len(o) {
		return false
	}
	for i := range m {
		if m[i].A != o[i].A || !m[i].B.Equal(o[i].B) {
			return false
		}
	}
	return true
}

func (m Map) String() string {
	var sb strings.Builder
	sb.WriteByte('{')
	for i, kv := range m {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(kv.A)
		sb.WriteByte(':')
		sb.WriteString(kv.B.String())
	}
	sb.WriteByte('}')
	return sb.String()
}
