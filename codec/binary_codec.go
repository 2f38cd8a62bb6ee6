package codec

import (
	"encoding/binary"
	"math"
	"strconv"
	"unicode/utf8"

	"remote-signal/message"
)

// BinaryCodec is a compact length prefixed encoding. All integers are big
// endian.
//
//	type        int8      0=RemoteCall, 1=Error
//	errorKind   int8
//	description str       uint32 length + UTF-8 bytes
//	service     str
//	method      str
//	params      map       uint32 count + (str name, value)*
//
//	value = tag uint8 + payload:
//	  0 null, 1 int64, 2 float64 bits, 3 str, 4 bool (1 byte),
//	  5 bytes (uint32 length + raw), 6 list (uint32 count + values), 7 map
type BinaryCodec struct{}

// maxDepth bounds nested lists/maps on decode.
const maxDepth = 64

func (c *BinaryCodec) Type() Type {
	return TypeBinary
}

func (c *BinaryCodec) Encode(msg *message.Message) ([]byte, error) {
	if msg.Kind != message.KindRemoteCall && msg.Kind != message.KindError {
		return nil, &UnsupportedTypeError{Codec: TypeBinary, Why: "unknown message kind " + msg.Kind.String()}
	}
	if err := checkNames(TypeBinary, msg); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 2+12+len(msg.Description)+len(msg.Service)+len(msg.Method)+4+16*len(msg.Params))
	buf = append(buf, byte(msg.Kind), byte(msg.ErrorKind))
	buf = appendString(buf, msg.Description)
	buf = appendString(buf, msg.Service)
	buf = appendString(buf, msg.Method)
	return appendMap(buf, msg.Params, "")
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(s)))
	return append(buf, s...)
}

func appendMap(buf []byte, m message.Map, path string) ([]byte, error) {
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(m)))
	var err error
	for _, kv := range m {
		name := kv.A
		if path != "" {
			name = path + "." + kv.A
		}
		if !utf8.ValidString(kv.A) {
			return nil, invalidUTF8(TypeBinary, name, message.TypeMap)
		}
		buf = appendString(buf, kv.A)
		if buf, err = appendValue(buf, kv.B, name); err != nil {
			return nil, err
		}
	}
	return buf, nil
}

func appendValue(buf []byte, v message.Value, path string) ([]byte, error) {
	buf = append(buf, byte(v.Type()))
	switch v.Type() {
	case message.TypeNull:
	case message.TypeInt:
		buf = binary.BigEndian.AppendUint64(buf, uint64(v.IntValue()))
	case message.TypeFloat:
		buf = binary.BigEndian.AppendUint64(buf, math.Float64bits(v.FloatValue()))
	case message.TypeString:
		s := v.StringValue()
		if !utf8.ValidString(s) {
			return nil, invalidUTF8(TypeBinary, path, v.Type())
		}
		buf = appendString(buf, s)
	case message.TypeBool:
		if v.BoolValue() {
			buf = append(buf, 1)
		} else {
			buf = append(buf, 0)
		}
	case message.TypeBytes:
		raw := v.BytesValue()
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(raw)))
		buf = append(buf, raw...)
	case message.TypeList:
		items := v.ListValue()
		buf = binary.BigEndian.AppendUint32(buf, uint32(len(items)))
		var err error
		for i, it := range items {
			if buf, err = appendValue(buf, it, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return nil, err
			}
		}
	case message.TypeMap:
		return appendMap(buf, v.MapValue(), path)
	default:
		return nil, &UnsupportedTypeError{Codec: TypeBinary, Param: path, Type: v.Type()}
	}
	return buf, nil
}

func (c *BinaryCodec) Decode(data []byte) (*message.Message, error) {
	r := &binReader{data: data}
	typ := message.Kind(r.u8())
	kind := message.ErrorKind(r.u8())
	desc := r.str()
	service := r.str()
	method := r.str()
	params := r.mapv(0)
	if r.err != nil {
		return nil, r.err
	}
	if r.off != len(data) {
		return nil, parseErrorf(TypeBinary, "%d trailing bytes", len(data)-r.off)
	}
	switch typ {
	case message.KindRemoteCall:
		if service == "" || method == "" {
			return nil, parseErrorf(TypeBinary, "remote call without service or method")
		}
	case message.KindError:
	default:
		return nil, parseErrorf(TypeBinary, "unknown message type %d", typ)
	}
	if kind < 0 || kind > message.MaxErrorKind {
		return nil, parseErrorf(TypeBinary, "unknown error kind %d", kind)
	}
	return &message.Message{
		Kind:        typ,
		ErrorKind:   kind,
		Description: desc,
		Service:     service,
		Method:      method,
		Params:      params,
	}, nil
}

// binReader reads sequentially and remembers the first error; after an error
// every read returns a zero value.
type binReader struct {
	data []byte
	off  int
	err  error
}

func (r *binReader) need(n int) bool {
	if r.err != nil {
		return false
	}
	if n < 0 || len(r.data)-r.off < n {
		r.err = parseErrorf(TypeBinary, "unexpected end of data at offset %d", r.off)
		return false
	}
	return true
}

func (r *binReader) u8() byte {
	if !r.need(1) {
		return 0
	}
	b := r.data[r.off]
	r.off++
	return b
}

func (r *binReader) u32() uint32 {
	if !r.need(4) {
		return 0
	}
	v := binary.BigEndian.Uint32(r.data[r.off:])
	r.off += 4
	return v
}

func (r *binReader) u64() uint64 {
	if !r.need(8) {
		return 0
	}
	v := binary.BigEndian.Uint64(r.data[r.off:])
	r.off += 8
	return v
}

// raw returns a copy of the next n bytes.
func (r *binReader) raw(n uint32) []byte {
	if uint64(n) > uint64(len(r.data)) || !r.need(int(n)) {
		r.fail("length %d exceeds input", n)
		return nil
	}
	b := make([]byte, n)
	copy(b, r.data[r.off:])
	r.off += int(n)
	return b
}

func (r *binReader) str() string {
	n := r.u32()
	if r.err != nil {
		return ""
	}
	if uint64(n) > uint64(len(r.data)) || !r.need(int(n)) {
		r.fail("string length %d exceeds input", n)
		return ""
	}
	s := string(r.data[r.off : r.off+int(n)])
	r.off += int(n)
	if !utf8.ValidString(s) {
		r.fail("invalid UTF-8 string")
		return ""
	}
	return s
}

// count reads an element count and rejects counts that cannot possibly fit
// in the remaining input (every element takes at least size bytes).
func (r *binReader) count(size int) int {
	n := r.u32()
	if r.err != nil {
		return 0
	}
	if uint64(n)*uint64(size) > uint64(len(r.data)-r.off) {
		r.fail("element count %d exceeds input", n)
		return 0
	}
	return int(n)
}

func (r *binReader) mapv(depth int) message.Map {
	n := r.count(5) // name length + tag
	m := make(message.Map, 0, n)
	for i := 0; i < n && r.err == nil; i++ {
		k := r.str()
		v := r.value(depth)
		m.Set(k, v)
	}
	return m
}

func (r *binReader) value(depth int) message.Value {
	if depth > maxDepth {
		r.fail("nesting deeper than %d", maxDepth)
		return message.Null()
	}
	tag := message.Type(r.u8())
	if r.err != nil {
		return message.Null()
	}
	switch tag {
	case message.TypeNull:
		return message.Null()
	case message.TypeInt:
		return message.Int(int64(r.u64()))
	case message.TypeFloat:
		return message.Float(math.Float64frombits(r.u64()))
	case message.TypeString:
		return message.String(r.str())
	case message.TypeBool:
		switch r.u8() {
		case 0:
			return message.Bool(false)
		case 1:
			return message.Bool(true)
		}
		r.fail("invalid bool")
	case message.TypeBytes:
		return message.Bytes(r.raw(r.u32()))
	case message.TypeList:
		n := r.count(1)
		items := make([]message.Value, 0, n)
		for i := 0; i < n && r.err == nil; i++ {
			items = append(items, r.value(depth+1))
		}
		return message.List(items...)
	case message.TypeMap:
		return message.MapValue(r.mapv(depth + 1))
	default:
		r.fail("unknown value tag %d", tag)
	}
	return message.Null()
}

func (r *binReader) fail(format string, args ...any) {
	if r.err == nil {
		r.err = parseErrorf(TypeBinary, format, args...)
	}
}
