// Package codec converts messages to and from a wire format.
//
// Two formats are provided: JSONCodec (human readable, loses nothing but
// raw bytes) and BinaryCodec (compact, length prefixed). They do not
// understand each other; a router picks one and every peer must use the same.
package codec

import (
	"strings"

	"github.com/pkg/errors"

	"remote-signal/message"
)

type Type byte

const (
	TypeJSON   Type = 0
	TypeBinary Type = 1
)

func (t Type) String() string {
	switch t {
	case TypeJSON:
		return "json"
	case TypeBinary:
		return "binary"
	}
	return "unknown"
}

// ParseType accepts the names returned by Type.String.
func ParseType(name string) (Type, error) {
	switch strings.ToLower(name) {
	case "json":
		return TypeJSON, nil
	case "binary", "bin":
		return TypeBinary, nil
	}
	return 0, errors.Errorf("unknown codec %q", name)
}

// Codec turns a Message into bytes and back.
//
// Decode must return a Message that shares no memory with data.
type Codec interface {
	// Encode fails with *UnsupportedTypeError when a parameter cannot be
	// represented in the format.
	Encode(msg *message.Message) ([]byte, error)
	// Decode fails with *ParseError on malformed or incomplete input.
	Decode(data []byte) (*message.Message, error)
	Type() Type
}

// Get returns the codec for t.
func Get(t Type) (Codec, error) {
	switch t {
	case TypeJSON:
		return &JSONCodec{}, nil
	case TypeBinary:
		return &BinaryCodec{}, nil
	}
	return nil, errors.Errorf("unsupported codec type: %d", t)
}
