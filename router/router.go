// Package router connects services to devices.
//
// A Router owns a service registry, the codec in use and a set of devices.
// Every frame a device receives goes through the same pipeline:
//
//	frame → Codec.Decode ─┬─ parse failure  → ParsingFailed error reply
//	                      ├─ Error message  → Errors() channel, no reply
//	                      └─ RemoteCall → middleware chain → service lookup
//	                                          ├─ not found       → UnknownService reply
//	                                          ├─ IncorrectMethod → IncorrectMethod reply
//	                                          └─ other error     → logged only
//
// Outbound messages (replies and everything services emit) are encoded once
// and written to every live device.
//
// At most one dispatch runs at a time per router. Services can therefore
// keep unsynchronized state, and a slow service stalls its whole router.
// Independent routers run in parallel.
package router

import (
	"context"
	"fmt"
	"io"
	"reflect"
	"sort"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/samber/lo"

	"remote-signal/codec"
	"remote-signal/device"
	"remote-signal/message"
	"remote-signal/middleware"
	"remote-signal/service"
	"remote-signal/xlog"
)

var (
	ErrEmptyName  = errors.New("service name is empty")
	ErrNilService = errors.New("service is nil")
	ErrClosed     = errors.New("router closed")

	// ErrNotComparable rejects services whose dynamic type cannot be a map
	// key, such as func types. Register them through a pointer.
	ErrNotComparable = errors.New("service type is not comparable")
)

// owners maps every registered service instance to the router holding it.
// ownersMu is taken before any Router.mu, so moving a service from one
// router to another is a single step for every observer.
var (
	ownersMu sync.Mutex
	owners   = map[service.Service]*Router{}
)

// Router dispatches inbound calls to services and fans outbound messages
// out to devices.
type Router struct {
	log           xlog.Logger
	heartbeat     time.Duration
	replyToOrigin bool
	middlewares   []middleware.Middleware
	handler       middleware.HandlerFunc // Built once in New: chain(dispatch)
	errs          chan *message.Message

	dispatching sync.Mutex // Held for the whole pipeline of one frame

	mu       sync.Mutex
	codec    codec.Codec
	services map[string]service.Service
	devices  []*device.Manager
	closed   bool
	done     chan struct{}
}

type Option func(*Router)

// WithCodec sets the initial codec. Without one the router is inert until
// SetCodec is called.
func WithCodec(c codec.Codec) Option {
	return func(r *Router) {
		r.codec = c
	}
}

func WithLogger(l xlog.Logger) Option {
	return func(r *Router) {
		r.log = l
	}
}

// WithMiddleware appends middlewares to the dispatch chain. They run after
// the built-in panic recovery, in the order given.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(r *Router) {
		r.middlewares = append(r.middlewares, mws...)
	}
}

// WithHeartbeat makes every device added later send heartbeat frames.
func WithHeartbeat(interval time.Duration) Option {
	return func(r *Router) {
		r.heartbeat = interval
	}
}

// WithErrorBuffer sets the capacity of the Errors channel (default 16).
func WithErrorBuffer(n int) Option {
	return func(r *Router) {
		r.errs = make(chan *message.Message, n)
	}
}

// WithReplyToOrigin sends the router's own error replies (ParsingFailed,
// UnknownService, IncorrectMethod) only to the device the offending frame
// came from instead of to every device. Messages passed to Send are always
// broadcast.
func WithReplyToOrigin() Option {
	return func(r *Router) {
		r.replyToOrigin = true
	}
}

func New(opts ...Option) *Router {
	r := &Router{
		log:      xlog.Component("router"),
		errs:     make(chan *message.Message, 16),
		services: make(map[string]service.Service),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(r)
	}
	mws := append([]middleware.Middleware{middleware.RecoverMiddleware()}, r.middlewares...)
	r.handler = middleware.Chain(mws...)(r.dispatch)
	return r
}

// SetCodec swaps the codec. Frames already being processed keep the codec
// they started with. nil makes the router inert.
func (r *Router) SetCodec(c codec.Codec) {
	r.mu.Lock()
	r.codec = c
	r.mu.Unlock()
}

func (r *Router) Codec() codec.Codec {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.codec
}

// Errors delivers Error messages received from peers. When nobody drains
// it, errors beyond the buffer are dropped with a warning.
func (r *Router) Errors() <-chan *message.Message {
	return r.errs
}

// Register adds svc under svc.Name(), replacing any service registered
// under that name. A service owned by another router is removed there
// first. Services implementing service.Attacher get the router as their
// Emitter; a replaced service is detached.
func (r *Router) Register(svc service.Service) error {
	if svc == nil {
		return ErrNilService
	}
	name := svc.Name()
	if name == "" {
		return ErrEmptyName
	}

	ownersMu.Lock()
	defer ownersMu.Unlock()

	// Close takes ownersMu too, so closed cannot flip until we are done.
	if r.isClosed() {
		return ErrClosed
	}
	if !isComparable(svc) {
		return errors.Wrapf(ErrNotComparable, "service %q (%T)", name, svc)
	}
	if prev := owners[svc]; prev != nil && prev != r {
		prev.remove(svc)
	}

	r.mu.Lock()
	old := r.services[name]
	r.services[name] = svc
	r.mu.Unlock()

	if old != nil && !sameValue(old, svc) {
		release(old)
	}
	owners[svc] = r
	if a, ok := svc.(service.Attacher); ok {
		a.Attach(r)
	}
	r.log.Debug().Str("service", name).Msg("service registered")
	return nil
}

// Unregister removes the service registered under name and returns it, or
// nil when there is none.
func (r *Router) Unregister(name string) service.Service {
	ownersMu.Lock()
	defer ownersMu.Unlock()

	r.mu.Lock()
	svc, ok := r.services[name]
	if ok {
		delete(r.services, name)
	}
	r.mu.Unlock()
	if !ok {
		return nil
	}
	release(svc)
	r.log.Debug().Str("service", name).Msg("service unregistered")
	return svc
}

// UnregisterService removes svc only if it is the exact instance registered
// under its name.
func (r *Router) UnregisterService(svc service.Service) bool {
	if svc == nil {
		return false
	}
	ownersMu.Lock()
	defer ownersMu.Unlock()

	if !r.remove(svc) {
		return false
	}
	release(svc)
	return true
}

// remove drops svc from the registry if it is registered under its name.
// Callers hold ownersMu.
func (r *Router) remove(svc service.Service) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	name := svc.Name()
	cur, ok := r.services[name]
	if !ok || !sameValue(cur, svc) {
		return false
	}
	delete(r.services, name)
	return true
}

func (r *Router) isClosed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.closed
}

func (r *Router) Lookup(name string) (service.Service, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	svc, ok := r.services[name]
	return svc, ok
}

// Services returns the registered names in sorted order.
func (r *Router) Services() []string {
	r.mu.Lock()
	names := lo.Keys(r.services)
	r.mu.Unlock()
	sort.Strings(names)
	return names
}

// AddDevice starts reading frames from rwc. Adding the same transport twice
// returns the existing device. The device is dropped from the router when it
// is torn down.
func (r *Router) AddDevice(rwc io.ReadWriteCloser) *device.Manager {
	r.mu.Lock()
	for _, d := range r.devices {
		if sameValue(d.Transport(), rwc) {
			r.mu.Unlock()
			return d
		}
	}
	opts := []device.Option{device.WithLogger(r.log)}
	if r.heartbeat > 0 {
		opts = append(opts, device.WithHeartbeat(r.heartbeat))
	}
	d := device.New(rwc, r.deliver, opts...)
	if r.closed {
		r.mu.Unlock()
		d.Close()
		return d
	}
	r.devices = append(r.devices, d)
	r.mu.Unlock()

	d.Start()
	go r.watch(d)
	r.log.Debug().Int("devices", r.deviceCount()).Msg("device added")
	return d
}

// Devices returns the devices currently bound to the router.
func (r *Router) Devices() []*device.Manager {
	r.mu.Lock()
	defer r.mu.Unlock()
	return lo.Filter(r.devices, func(d *device.Manager, _ int) bool { return !d.Closed() })
}

func (r *Router) deviceCount() int {
	return len(r.Devices())
}

func (r *Router) watch(d *device.Manager) {
	<-d.Done()
	r.removeDevice(d)
	if err := d.Err(); err != nil {
		r.log.Warn().Err(err).Msg("device lost")
	} else {
		r.log.Debug().Msg("device closed")
	}
}

func (r *Router) removeDevice(d *device.Manager) {
	r.mu.Lock()
	r.devices = lo.Without(r.devices, d)
	r.mu.Unlock()
}

func (r *Router) deliver(d *device.Manager, frame []byte) {
	r.receive(d, frame)
}

// Receive runs the inbound pipeline for one encoded message.
func (r *Router) Receive(frame []byte) {
	r.receive(nil, frame)
}

func (r *Router) receive(origin *device.Manager, frame []byte) {
	r.dispatching.Lock()
	defer r.dispatching.Unlock()

	c := r.Codec()
	if c == nil {
		r.log.Debug().Int("bytes", len(frame)).Msg("no codec, frame dropped")
		return
	}

	msg, err := c.Decode(frame)
	if err != nil {
		r.log.Warn().Err(err).Msg("malformed message")
		r.reply(origin, message.NewError(message.ErrorParsingFailed, err.Error()))
		return
	}

	if msg.IsError() {
		r.pushError(msg)
		return
	}

	err = r.handler(context.Background(), msg)
	if err == nil {
		return
	}
	var unknown *unknownServiceError
	if errors.As(err, &unknown) {
		r.log.Warn().Str("service", msg.Service).Msg("call to unknown service")
		reply := message.NewError(message.ErrorUnknownService, fmt.Sprintf("Unknown service: \"%s\"", msg.Service))
		r.reply(origin, reply.WithOrigin(msg.Service, ""))
		return
	}
	if ie, ok := service.AsIncorrectMethod(err); ok {
		// The error may name a signal the handler emitted; the reply always
		// names the call that failed.
		reply := message.NewError(message.ErrorIncorrectMethod, ie.Reason)
		r.reply(origin, reply.WithOrigin(msg.Service, msg.Method))
		return
	}
	r.log.Warn().Err(err).
		Str("service", msg.Service).
		Str("method", msg.Method).
		Msg("call failed")
}

type unknownServiceError struct {
	name string
}

func (e *unknownServiceError) Error() string {
	return fmt.Sprintf("unknown service %q", e.name)
}

// dispatch is the innermost handler of the middleware chain.
func (r *Router) dispatch(_ context.Context, call *message.Message) error {
	svc, ok := r.Lookup(call.Service)
	if !ok {
		return &unknownServiceError{name: call.Service}
	}
	return svc.ProcessMessage(call)
}

func (r *Router) pushError(msg *message.Message) {
	r.log.Debug().Stringer("error", msg).Msg("error message received")
	select {
	case r.errs <- msg:
	default:
		r.log.Warn().Stringer("error", msg).Msg("error channel full, error dropped")
	}
}

func (r *Router) reply(origin *device.Manager, msg *message.Message) {
	var err error
	if r.replyToOrigin && origin != nil {
		err = r.sendTo([]*device.Manager{origin}, msg)
	} else {
		err = r.Send(msg)
	}
	if err != nil {
		xlog.ErrStack(&r.log, err).Stringer("reply", msg).Msg("cannot send error reply")
	}
}

// Send encodes msg once and writes it to every live device. Without a codec
// it does nothing. An encode failure is returned; a device that fails to
// write is dropped and does not fail the send.
func (r *Router) Send(msg *message.Message) error {
	r.mu.Lock()
	devices := append([]*device.Manager(nil), r.devices...)
	r.mu.Unlock()
	return r.sendTo(devices, msg)
}

func (r *Router) sendTo(devices []*device.Manager, msg *message.Message) error {
	c := r.Codec()
	if c == nil {
		return nil
	}
	body, err := c.Encode(msg)
	if err != nil {
		return errors.Wrapf(err, "encode %s", msg)
	}
	for _, d := range devices {
		if d.Closed() {
			continue
		}
		if err := d.Send(c.Type(), body); err != nil {
			r.log.Debug().Err(err).Msg("write failed, device dropped")
			r.removeDevice(d)
		}
	}
	return nil
}

// Done is closed when the router is closed.
func (r *Router) Done() <-chan struct{} {
	return r.done
}

// Close detaches every service and closes every device. A closed router
// rejects registrations and new devices.
func (r *Router) Close() error {
	ownersMu.Lock()
	r.mu.Lock()
	if !r.closed {
		close(r.done)
	}
	r.closed = true
	services := r.services
	r.services = make(map[string]service.Service)
	devices := r.devices
	r.devices = nil
	r.mu.Unlock()
	for _, svc := range services {
		release(svc)
	}
	ownersMu.Unlock()

	for _, d := range devices {
		d.Close()
	}
	return nil
}

// release is called with ownersMu held.
func release(svc service.Service) {
	delete(owners, svc)
	if a, ok := svc.(service.Attacher); ok {
		a.Attach(nil)
	}
}

func isComparable(v any) bool {
	return reflect.TypeOf(v).Comparable()
}

// sameValue compares two interface values without panicking on
// uncomparable dynamic types.
func sameValue(a, b any) bool {
	if reflect.TypeOf(a) != reflect.TypeOf(b) || !isComparable(a) {
		return false
	}
	return a == b
}
