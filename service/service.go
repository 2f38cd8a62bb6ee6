// Package service defines what a router dispatches to.
//
// A Service is addressed by name. The router hands it every remote call whose
// service name matches; the service decides what the method means and
// reports a bad method or bad arguments with an *IncorrectMethodError, which
// the router turns into an error message for the peer.
//
// Services that want to send messages of their own (signals) implement
// Attacher: the router gives them an Emitter when they are registered and
// takes it away again when they are unregistered, replaced or the router
// closes.
package service

import (
	"fmt"

	"github.com/pkg/errors"

	"remote-signal/message"
)

// Service handles remote calls addressed to Name.
type Service interface {
	Name() string
	// ProcessMessage runs the call synchronously. Returning an
	// *IncorrectMethodError makes the router reply with an IncorrectMethod
	// error; any other error is only logged.
	ProcessMessage(call *message.Message) error
}

// Emitter sends a message to every peer of the owning router.
type Emitter interface {
	Send(msg *message.Message) error
}

// Attacher is implemented by services that send messages themselves.
// Attach(nil) means the service no longer has an owner.
type Attacher interface {
	Attach(e Emitter)
}

// ErrNotAttached is returned when a service emits without an owner.
var ErrNotAttached = errors.New("service is not attached to a router")

// IncorrectMethodError reports an unknown method or arguments that do not
// fit the method.
type IncorrectMethodError struct {
	Service string
	Method  string
	Reason  string
}

func (e *IncorrectMethodError) Error() string {
	return fmt.Sprintf("incorrect method %s.%s: %s", e.Service, e.Method, e.Reason)
}

// IncorrectMethod builds an *IncorrectMethodError.
func IncorrectMethod(service, method, format string, args ...any) error {
	return &IncorrectMethodError{
		Service: service,
		Method:  method,
		Reason:  fmt.Sprintf(format, args...),
	}
}

// AsIncorrectMethod unwraps err to an *IncorrectMethodError.
func AsIncorrectMethod(err error) (*IncorrectMethodError, bool) {
	var ie *IncorrectMethodError
	ok := errors.As(err, &ie)
	return ie, ok
}
