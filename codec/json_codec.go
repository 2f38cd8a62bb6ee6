package codec

import (
	"math"
	"strconv"
	"strings"
	"unicode/utf8"

	"github.com/valyala/fastjson"

	"remote-signal/message"
)

// JSONCodec encodes messages as a two level JSON object:
//
//	{"RemoteCall": {"service": "Hello", "method": "setName", "params": {"name": "VestniK"}}}
//	{"Error": {"errorCode": 2, "description": "...", "service": "Hello", "method": ""}}
//
// Parameter values carry no type metadata. Integers, floats, strings, bools,
// null, lists and maps survive a round trip; floats are always written with a
// fraction or exponent so they read back as floats. Raw bytes, NaN and
// infinities have no JSON form and fail to encode.
//
// Object key order is preserved in both directions.
type JSONCodec struct{}

const (
	jsonKeyCall  = "RemoteCall"
	jsonKeyError = "Error"
)

var jsonParsers fastjson.ParserPool

func (c *JSONCodec) Type() Type {
	return TypeJSON
}

// Encode writes the JSON text directly. fastjson's own marshaller quotes
// strings with Go escapes (\x01, \a) that JSON parsers reject, so only
// decoding goes through fastjson.
func (c *JSONCodec) Encode(msg *message.Message) ([]byte, error) {
	if err := checkNames(TypeJSON, msg); err != nil {
		return nil, err
	}
	buf := make([]byte, 0, 64+len(msg.Description)+len(msg.Service)+len(msg.Method)+16*len(msg.Params))
	switch msg.Kind {
	case message.KindRemoteCall:
		buf = append(buf, `{"`+jsonKeyCall+`":{"service":`...)
		buf = appendJSONString(buf, msg.Service)
		buf = append(buf, `,"method":`...)
		buf = appendJSONString(buf, msg.Method)
		buf = append(buf, `,"params":`...)
		var err error
		if buf, err = appendJSONMap(buf, msg.Params, ""); err != nil {
			return nil, err
		}
	case message.KindError:
		// service and method are always present, even when empty, so peers
		// that expect them do not have to special case their absence.
		buf = append(buf, `{"`+jsonKeyError+`":{"errorCode":`...)
		buf = strconv.AppendInt(buf, int64(msg.ErrorKind), 10)
		buf = append(buf, `,"description":`...)
		buf = appendJSONString(buf, msg.Description)
		buf = append(buf, `,"service":`...)
		buf = appendJSONString(buf, msg.Service)
		buf = append(buf, `,"method":`...)
		buf = appendJSONString(buf, msg.Method)
	default:
		return nil, &UnsupportedTypeError{Codec: TypeJSON, Why: "unknown message kind " + msg.Kind.String()}
	}
	return append(buf, "}}"...), nil
}

func appendJSONMap(buf []byte, m message.Map, path string) ([]byte, error) {
	buf = append(buf, '{')
	var err error
	for i, kv := range m {
		name := kv.A
		if path != "" {
			name = path + "." + kv.A
		}
		if !utf8.ValidString(kv.A) {
			return nil, invalidUTF8(TypeJSON, name, message.TypeMap)
		}
		if i > 0 {
			buf = append(buf, ',')
		}
		buf = appendJSONString(buf, kv.A)
		buf = append(buf, ':')
		if buf, err = appendJSONValue(buf, kv.B, name); err != nil {
			return nil, err
		}
	}
	return append(buf, '}'), nil
}

func appendJSONValue(buf []byte, v message.Value, path string) ([]byte, error) {
	switch v.Type() {
	case message.TypeNull:
		return append(buf, "null"...), nil
	case message.TypeInt:
		return strconv.AppendInt(buf, v.IntValue(), 10), nil
	case message.TypeFloat:
		f := v.FloatValue()
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return nil, &UnsupportedTypeError{Codec: TypeJSON, Param: path, Type: v.Type(), Why: "not a finite number"}
		}
		s := strconv.FormatFloat(f, 'g', -1, 64)
		if !strings.ContainsAny(s, ".eE") {
			s += ".0"
		}
		return append(buf, s...), nil
	case message.TypeString:
		s := v.StringValue()
		if !utf8.ValidString(s) {
			return nil, invalidUTF8(TypeJSON, path, v.Type())
		}
		return appendJSONString(buf, s), nil
	case message.TypeBool:
		return strconv.AppendBool(buf, v.BoolValue()), nil
	case message.TypeList:
		buf = append(buf, '[')
		var err error
		for i, it := range v.ListValue() {
			if i > 0 {
				buf = append(buf, ',')
			}
			if buf, err = appendJSONValue(buf, it, path+"["+strconv.Itoa(i)+"]"); err != nil {
				return nil, err
			}
		}
		return append(buf, ']'), nil
	case message.TypeMap:
		return appendJSONMap(buf, v.MapValue(), path)
	}
	return nil, &UnsupportedTypeError{Codec: TypeJSON, Param: path, Type: v.Type()}
}

const hexDigits = "0123456789abcdef"

// appendJSONString quotes s per RFC 8259. s must be valid UTF-8.
func appendJSONString(buf []byte, s string) []byte {
	buf = append(buf, '"')
	start := 0
	for i := 0; i < len(s); i++ {
		b := s[i]
		if b >= 0x20 && b != '"' && b != '\\' {
			continue
		}
		buf = append(buf, s[start:i]...)
		switch b {
		case '"', '\\':
			buf = append(buf, '\\', b)
		case '\n':
			buf = append(buf, '\\', 'n')
		case '\r':
			buf = append(buf, '\\', 'r')
		case '\t':
			buf = append(buf, '\\', 't')
		default:
			buf = append(buf, '\\', 'u', '0', '0', hexDigits[b>>4], hexDigits[b&0xf])
		}
		start = i + 1
	}
	buf = append(buf, s[start:]...)
	return append(buf, '"')
}

func (c *JSONCodec) Decode(data []byte) (*message.Message, error) {
	p := jsonParsers.Get()
	defer jsonParsers.Put(p)

	root, err := p.ParseBytes(data)
	if err != nil {
		return nil, parseErrorf(TypeJSON, "%v", err)
	}
	obj, err := root.Object()
	if err != nil {
		return nil, parseErrorf(TypeJSON, "top level value is not an object")
	}
	if obj.Len() != 1 {
		return nil, parseErrorf(TypeJSON, "expected exactly one of %q or %q", jsonKeyCall, jsonKeyError)
	}
	if body := obj.Get(jsonKeyCall); body != nil {
		return decodeJSONCall(body)
	}
	if body := obj.Get(jsonKeyError); body != nil {
		return decodeJSONError(body)
	}
	return nil, parseErrorf(TypeJSON, "expected %q or %q", jsonKeyCall, jsonKeyError)
}

func decodeJSONCall(body *fastjson.Value) (*message.Message, error) {
	if body.Type() != fastjson.TypeObject {
		return nil, parseErrorf(TypeJSON, "%s is not an object", jsonKeyCall)
	}
	service, err := jsonString(body, "service", true)
	if err != nil {
		return nil, err
	}
	method, err := jsonString(body, "method", true)
	if err != nil {
		return nil, err
	}
	msg := &message.Message{
		Kind:    message.KindRemoteCall,
		Service: service,
		Method:  method,
		Params:  message.Map{},
	}
	params := body.Get("params")
	if params == nil || params.Type() == fastjson.TypeNull {
		return msg, nil
	}
	if params.Type() != fastjson.TypeObject {
		return nil, parseErrorf(TypeJSON, "params is not an object")
	}
	v, err := fromJSON(params, 0)
	if err != nil {
		return nil, err
	}
	msg.Params = v.MapValue()
	return msg, nil
}

func decodeJSONError(body *fastjson.Value) (*message.Message, error) {
	if body.Type() != fastjson.TypeObject {
		return nil, parseErrorf(TypeJSON, "%s is not an object", jsonKeyError)
	}
	code := body.Get("errorCode")
	if code == nil {
		return nil, parseErrorf(TypeJSON, "error without errorCode")
	}
	n, err := code.Int()
	if err != nil || n < 0 || n > int(message.MaxErrorKind) {
		return nil, parseErrorf(TypeJSON, "invalid errorCode %s", code.String())
	}
	if body.Get("description") == nil {
		return nil, parseErrorf(TypeJSON, "error without description")
	}
	desc, err := jsonString(body, "description", false)
	if err != nil {
		return nil, err
	}
	// service and method are optional for peers that never send them.
	service, err := jsonString(body, "service", false)
	if err != nil {
		return nil, err
	}
	method, err := jsonString(body, "method", false)
	if err != nil {
		return nil, err
	}
	return &message.Message{
		Kind:        message.KindError,
		ErrorKind:   message.ErrorKind(n),
		Description: desc,
		Service:     service,
		Method:      method,
		Params:      message.Map{},
	}, nil
}

// jsonString reads a string field. Absent optional fields read as "".
func jsonString(obj *fastjson.Value, key string, required bool) (string, error) {
	v := obj.Get(key)
	if v == nil {
		if required {
			return "", parseErrorf(TypeJSON, "missing %q", key)
		}
		return "", nil
	}
	b, err := v.StringBytes()
	if err != nil {
		return "", parseErrorf(TypeJSON, "%q is not a string", key)
	}
	if required && len(b) == 0 {
		return "", parseErrorf(TypeJSON, "empty %q", key)
	}
	if !utf8.Valid(b) {
		return "", parseErrorf(TypeJSON, "%q is not valid UTF-8", key)
	}
	return string(b), nil
}

// fromJSON copies a parsed value out of the parser's memory.
func fromJSON(v *fastjson.Value, depth int) (message.Value, error) {
	if depth > maxDepth {
		return message.Null(), parseErrorf(TypeJSON, "nesting deeper than %d", maxDepth)
	}
	switch v.Type() {
	case fastjson.TypeNull:
		return message.Null(), nil
	case fastjson.TypeTrue:
		return message.Bool(true), nil
	case fastjson.TypeFalse:
		return message.Bool(false), nil
	case fastjson.TypeString:
		b, _ := v.StringBytes()
		if !utf8.Valid(b) {
			return message.Null(), parseErrorf(TypeJSON, "invalid UTF-8 string")
		}
		return message.String(string(b)), nil
	case fastjson.TypeNumber:
		raw := v.String()
		if !strings.ContainsAny(raw, ".eEnNiI") {
			if n, err := strconv.ParseInt(raw, 10, 64); err == nil {
				return message.Int(n), nil
			}
		}
		f, err := v.Float64()
		if err != nil {
			return message.Null(), parseErrorf(TypeJSON, "bad number %s", raw)
		}
		return message.Float(f), nil
	case fastjson.TypeArray:
		arr, _ := v.Array()
		items := make([]message.Value, len(arr))
		for i, it := range arr {
			c, err := fromJSON(it, depth+1)
			if err != nil {
				return message.Null(), err
			}
			items[i] = c
		}
		return message.List(items...), nil
	case fastjson.TypeObject:
		obj, _ := v.Object()
		m := message.Map{}
		var err error
		obj.Visit(func(key []byte, item *fastjson.Value) {
			if err != nil {
				return
			}
			if !utf8.Valid(key) {
				err = parseErrorf(TypeJSON, "invalid UTF-8 key")
				return
			}
			var c message.Value
			if c, err = fromJSON(item, depth+1); err == nil {
				m.Set(string(key), c)
			}
		})
		if err != nil {
			return message.Null(), err
		}
		return message.MapValue(m), nil
	}
	return message.Null(), parseErrorf(TypeJSON, "unexpected JSON type %s", v.Type())
}
