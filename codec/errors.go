package codec

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/pkg/errors"

	"remote-signal/message"
)

// ParseError is returned by Decode when the input is not a well formed
// message. It maps to message.ErrorParsingFailed.
type ParseError struct {
	Codec  Type
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("%s codec: parsing failed: %s", e.Codec, e.Reason)
}

func (e *ParseError) Kind() message.ErrorKind { return message.ErrorParsingFailed }

func parseErrorf(c Type, format string, args ...any) error {
	// Reasons may quote raw input and end up in a ParsingFailed reply, which
	// must itself be encodable.
	return &ParseError{Codec: c, Reason: strings.ToValidUTF8(fmt.Sprintf(format, args...), "\uFFFD")}
}

// UnsupportedTypeError is returned by Encode when a parameter value cannot be
// represented in the target format.
type UnsupportedTypeError struct {
	Codec Type
	Param string
	Type  message.Type
	Why   string
}

func (e *UnsupportedTypeError) Error() string {
	if e.Param == "" && e.Why != "" {
		return fmt.Sprintf("%s codec: cannot encode: %s", e.Codec, e.Why)
	}
	s := fmt.Sprintf("%s codec: unsupported %s value in parameter %q", e.Codec, e.Type, e.Param)
	if e.Why != "" {
		s += ": " + e.Why
	}
	return s
}

func invalidUTF8(c Type, param string, t message.Type) error {
	return &UnsupportedTypeError{Codec: c, Param: param, Type: t, Why: "invalid UTF-8"}
}

// checkNames rejects a message whose service, method or description is not
// valid UTF-8. Neither format can carry such a string.
func checkNames(c Type, msg *message.Message) error {
	for _, f := range []struct{ name, s string }{
		{"service", msg.Service},
		{"method", msg.Method},
		{"description", msg.Description},
	} {
		if !utf8.ValidString(f.s) {
			return &UnsupportedTypeError{Codec: c, Why: "invalid UTF-8 in " + f.name}
		}
	}
	return nil
}

// AsParseError unwraps err to a *ParseError.
func AsParseError(err error) (*ParseError, bool) {
	var pe *ParseError
	ok := errors.As(err, &pe)
	return pe, ok
}

// IsUnsupportedType reports whether err is, or wraps, an *UnsupportedTypeError.
func IsUnsupportedType(err error) bool {
	var ue *UnsupportedTypeError
	return errors.As(err, &ue)
}
