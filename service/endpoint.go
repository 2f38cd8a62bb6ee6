package service

import (
	"sync/atomic"

	"github.com/pkg/errors"

	"remote-signal/message"
)

// HandlerFunc runs one inbound call. Arguments arrive already coerced to the
// declared parameter types.
type HandlerFunc func(args Args) error

// Handlers maps inbound method (or signal) names to their handlers.
type Handlers map[string]HandlerFunc

// Endpoint is a Service driven by a Desc instead of compiled code.
//
// The service side (NewService) accepts the described methods and emits the
// described signals. The client side (NewClient) is the mirror image: it
// accepts signals and emits method calls. Both are registered with a router
// under Desc.Name.
type Endpoint struct {
	desc     *Desc
	inbound  []MethodDesc
	outbound []MethodDesc
	handlers Handlers
	owner    atomic.Pointer[Emitter]
}

// NewService builds the implementation side of desc. Every method needs a
// handler.
func NewService(desc *Desc, handlers Handlers) (*Endpoint, error) {
	return newEndpoint(desc, desc.Methods, desc.Signals, handlers)
}

// NewClient builds the caller side of desc. Every signal needs a handler.
func NewClient(desc *Desc, handlers Handlers) (*Endpoint, error) {
	return newEndpoint(desc, desc.Signals, desc.Methods, handlers)
}

func newEndpoint(desc *Desc, inbound, outbound []MethodDesc, handlers Handlers) (*Endpoint, error) {
	if err := desc.Validate(); err != nil {
		return nil, err
	}
	for _, m := range inbound {
		if handlers[m.Name] == nil {
			return nil, errors.Errorf("service %s: no handler for %q", desc.Name, m.Name)
		}
	}
	for name := range handlers {
		if _, ok := findMethod(inbound, name); !ok {
			return nil, errors.Errorf("service %s: handler for undeclared %q", desc.Name, name)
		}
	}
	h := make(Handlers, len(handlers))
	for k, v := range handlers {
		h[k] = v
	}
	return &Endpoint{desc: desc, inbound: inbound, outbound: outbound, handlers: h}, nil
}

func (e *Endpoint) Name() string { return e.desc.Name }

func (e *Endpoint) Desc() *Desc { return e.desc }

// ProcessMessage coerces every declared parameter before the handler runs,
// so a call with bad arguments has no side effects at all. Undeclared extra
// parameters are dropped.
func (e *Endpoint) ProcessMessage(call *message.Message) error {
	md, ok := findMethod(e.inbound, call.Method)
	if !ok {
		return IncorrectMethod(e.desc.Name, call.Method, "Unknown method %s", call.Method)
	}
	params, err := coerce(e.desc.Name, md, call.Params)
	if err != nil {
		return err
	}
	return e.handlers[md.Name](NewArgs(e.desc.Name, md.Name, params))
}

// Attach stores the router this endpoint emits through; nil detaches it.
func (e *Endpoint) Attach(em Emitter) {
	if em == nil {
		e.owner.Store(nil)
		return
	}
	e.owner.Store(&em)
}

// Attached reports whether the endpoint currently has an owner.
func (e *Endpoint) Attached() bool {
	return e.owner.Load() != nil
}

// Emit sends an outbound call (a signal on the service side, a method call
// on the client side) through the owning router.
func (e *Endpoint) Emit(name string, params message.Map) error {
	md, ok := findMethod(e.outbound, name)
	if !ok {
		return IncorrectMethod(e.desc.Name, name, "Unknown method %s", name)
	}
	coerced, err := coerce(e.desc.Name, md, params)
	if err != nil {
		return err
	}
	owner := e.owner.Load()
	if owner == nil {
		return ErrNotAttached
	}
	return (*owner).Send(message.NewCall(e.desc.Name, name, coerced))
}

func coerce(service string, md MethodDesc, params message.Map) (message.Map, error) {
	out := make(message.Map, 0, len(md.Params))
	for _, p := range md.Params {
		v, ok := params.Get(p.Name)
		if !ok {
			return nil, IncorrectMethod(service, md.Name, "missing parameter %q", p.Name)
		}
		t, err := p.ValueType()
		if err != nil {
			return nil, IncorrectMethod(service, md.Name, "%v", err)
		}
		cv, err := v.Convert(t)
		if err != nil {
			return nil, IncorrectMethod(service, md.Name, "parameter %q: %v", p.Name, err)
		}
		out.Set(p.Name, cv)
	}
	return out, nil
}
