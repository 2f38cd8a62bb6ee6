// Package message defines the in-memory message exchanged between routers.
//
// A Message is either a remote call ("invoke method M of service S with
// these parameters") or an error report. It is format agnostic: the codec
// layer turns it into bytes, the protocol layer wraps those bytes in a frame.
//
// Messages are short lived. One is built per call, handed to exactly one
// encode or one dispatch, and dropped.
package message

import "fmt"

// Kind discriminates the two shapes a Message can take.
type Kind int8

const (
	KindRemoteCall Kind = 0
	KindError      Kind = 1
)

func (k Kind) String() string {
	switch k {
	case KindRemoteCall:
		return "RemoteCall"
	case KindError:
		return "Error"
	default:
		return fmt.Sprintf("Kind(%d)", int8(k))
	}
}

// ErrorKind classifies an error message. The numbering is part of both wire
// formats and must not change.
type ErrorKind int8

const (
	ErrorNone            ErrorKind = 0
	ErrorParsingFailed   ErrorKind = 1 // Malformed bytes on the receiving side
	ErrorUnknownService  ErrorKind = 2 // No handler registered under the called name
	ErrorIncorrectMethod ErrorKind = 3 // Handler rejected the method or its arguments
	ErrorOther           ErrorKind = 4 // Peer reported, never answered automatically
)

// MaxErrorKind is the highest ErrorKind a decoder accepts.
const MaxErrorKind = ErrorOther

func (k ErrorKind) String() string {
	switch k {
	case ErrorNone:
		return "None"
	case ErrorParsingFailed:
		return "ParsingFailed"
	case ErrorUnknownService:
		return "UnknownService"
	case ErrorIncorrectMethod:
		return "IncorrectMethod"
	case ErrorOther:
		return "Other"
	default:
		return fmt.Sprintf("ErrorKind(%d)", int8(k))
	}
}

// Message carries a single remote call or error.
//
//   - RemoteCall: Service and Method name the target, Params holds the arguments.
//   - Error: ErrorKind and Description describe the failure, Service and Method
//     optionally name where it happened.
type Message struct {
	Kind        Kind
	ErrorKind   ErrorKind
	Description string
	Service     string
	Method      string
	Params      Map
}

// NewCall builds a remote call. params is copied.
func NewCall(service, method string, params Map) *Message {
	return &Message{
		Kind:    KindRemoteCall,
		Service: service,
		Method:  method,
		Params:  params.Clone(),
	}
}

// NewError builds an error message without origin.
func NewError(kind ErrorKind, description string) *Message {
	return &Message{
		Kind:        KindError,
		ErrorKind:   kind,
		Description: description,
	}
}

// WithOrigin sets the service and method the error refers to and returns m.
func (m *Message) WithOrigin(service, method string) *Message {
	m.Service = service
	m.Method = method
	return m
}

func (m *Message) IsError() bool { return m.Kind == KindError }

// Clone returns a deep copy of m.
func (m *Message) Clone() *Message {
	c := *m
	c.Params = m.Params.Clone()
	return &c
}

func (m *Message) String() string {
	if m.IsError() {
		return fmt.Sprintf("Error{%s %q service=%q method=%q}", m.ErrorKind, m.Description, m.Service, m.Method)
	}
	return fmt.Sprintf("RemoteCall{%s.%s params=%d}", m.Service, m.Method, m.Params.Len())
}
