package router

import (
	"bytes"
	"net"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pkg/errors"
	"github.com/rs/zerolog"

	"remote-signal/codec"
	"remote-signal/message"
	"remote-signal/middleware"
	"remote-signal/protocol"
	"remote-signal/service"
)

const setNameCall = `{"RemoteCall":{"service":"Hello","method":"setName","params":{"name":"VestniK"}}}`

// hello is a hand written service: setName stores the name, anything else is
// an incorrect method.
type hello struct {
	name  string
	calls int
}

func (h *hello) Name() string { return "Hello" }

func (h *hello) ProcessMessage(call *message.Message) error {
	switch call.Method {
	case "setName":
		v, ok := call.Params.Get("name")
		if !ok {
			return service.IncorrectMethod("Hello", call.Method, "missing parameter %q", "name")
		}
		s, err := v.AsString()
		if err != nil {
			return service.IncorrectMethod("Hello", call.Method, "%v", err)
		}
		h.name = s
		h.calls++
		return nil
	case "panic":
		panic("handler exploded")
	}
	return service.IncorrectMethod("Hello", call.Method, "Unknown method %s", call.Method)
}

// peer is the far end of a device: it records every frame the router writes.
type peer struct {
	conn   net.Conn
	local  net.Conn
	frames chan []byte
}

func newPeer(t *testing.T, r *Router) *peer {
	t.Helper()
	local, remote := net.Pipe()
	p := &peer{conn: remote, local: local, frames: make(chan []byte, 32)}
	go func() {
		defer close(p.frames)
		for {
			h, body, err := protocol.Decode(remote)
			if err != nil {
				return
			}
			if h.Kind == protocol.FrameHeartbeat {
				continue
			}
			p.frames <- body
		}
	}()
	r.AddDevice(local)
	t.Cleanup(func() { remote.Close() })
	return p
}

func (p *peer) send(t *testing.T, body string) {
	t.Helper()
	if err := protocol.Encode(p.conn, &protocol.Header{}, []byte(body)); err != nil {
		t.Fatalf("peer send: %v", err)
	}
}

func (p *peer) expect(t *testing.T, c codec.Codec) *message.Message {
	t.Helper()
	select {
	case body, ok := <-p.frames:
		if !ok {
			t.Fatal("peer connection closed")
		}
		msg, err := c.Decode(body)
		if err != nil {
			t.Fatalf("peer cannot decode %q: %v", body, err)
		}
		return msg
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for outbound message")
		return nil
	}
}

func (p *peer) expectNone(t *testing.T) {
	t.Helper()
	select {
	case body, ok := <-p.frames:
		if ok {
			t.Fatalf("unexpected outbound message %q", body)
		}
	case <-time.After(100 * time.Millisecond):
	}
}

func newJSONRouter(opts ...Option) *Router {
	return New(append([]Option{WithCodec(&codec.JSONCodec{})}, opts...)...)
}

func TestSetNameScenario(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	h := &hello{}
	if err := r.Register(h); err != nil {
		t.Fatal(err)
	}
	p := newPeer(t, r)

	r.Receive([]byte(setNameCall))

	if h.name != "VestniK" {
		t.Fatalf("name = %q, want VestniK", h.name)
	}
	p.expectNone(t)
}

func TestSetNameOverDevice(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	done := make(chan string, 1)
	svc, err := service.NewService(helloDesc(t), service.Handlers{
		"setName": func(a service.Args) error {
			name, err := a.String("name")
			done <- name
			return err
		},
	})
	if err != nil {
		t.Fatal(err)
	}
	if err := r.Register(svc); err != nil {
		t.Fatal(err)
	}
	p := newPeer(t, r)
	p.send(t, setNameCall)

	select {
	case name := <-done:
		if name != "VestniK" {
			t.Fatalf("name = %q", name)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("handler was not called")
	}
	p.expectNone(t)
}

func TestUnknownServiceScenario(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	p := newPeer(t, r)

	r.Receive([]byte(setNameCall))

	msg := p.expect(t, r.Codec())
	if msg.Kind != message.KindError || msg.ErrorKind != message.ErrorUnknownService {
		t.Fatalf("expect UnknownService error, got %v", msg)
	}
	if msg.Service != "Hello" {
		t.Fatalf("service = %q, want Hello", msg.Service)
	}
	if msg.Description != `Unknown service: "Hello"` {
		t.Fatalf("description = %q", msg.Description)
	}
	p.expectNone(t)
}

func TestIncorrectMethodReply(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	h := &hello{}
	r.Register(h)
	p := newPeer(t, r)

	r.Receive([]byte(`{"RemoteCall":{"service":"Hello","method":"wrong","params":{"name":"x"}}}`))

	msg := p.expect(t, r.Codec())
	if msg.ErrorKind != message.ErrorIncorrectMethod {
		t.Fatalf("expect IncorrectMethod, got %v", msg)
	}
	if msg.Service != "Hello" || msg.Method != "wrong" {
		t.Fatalf("origin = %s.%s", msg.Service, msg.Method)
	}
	if !strings.Contains(msg.Description, "Unknown method wrong") {
		t.Fatalf("description = %q", msg.Description)
	}
	if h.calls != 0 || h.name != "" {
		t.Fatal("rejected call changed handler state")
	}
	p.expectNone(t)
}

// A handler whose own emit fails validation gets the reply addressed to the
// call it was handling, not to the signal it tried to send.
func TestIncorrectMethodReplyNamesCall(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	var svc *service.Endpoint
	svc = newHelloEndpoint(t, func(service.Args) error {
		return svc.Emit("greeting", nil)
	})
	r.Register(svc)
	p := newPeer(t, r)

	r.Receive([]byte(setNameCall))

	msg := p.expect(t, r.Codec())
	if msg.ErrorKind != message.ErrorIncorrectMethod {
		t.Fatalf("expect IncorrectMethod, got %v", msg)
	}
	if msg.Service != "Hello" || msg.Method != "setName" {
		t.Fatalf("origin = %s.%s, want Hello.setName", msg.Service, msg.Method)
	}
	if !strings.Contains(msg.Description, "text") {
		t.Fatalf("description = %q", msg.Description)
	}
	p.expectNone(t)
}

// encodeFails decodes JSON but can encode nothing.
type encodeFails struct {
	*codec.JSONCodec
}

func (encodeFails) Encode(*message.Message) ([]byte, error) {
	return nil, &codec.UnsupportedTypeError{Codec: codec.TypeJSON, Why: "closed for writing"}
}

func TestFailedReplyLogsStack(t *testing.T) {
	var buf bytes.Buffer
	r := New(WithCodec(encodeFails{&codec.JSONCodec{}}), WithLogger(zerolog.New(&buf)))
	defer r.Close()

	r.Receive([]byte(setNameCall))

	out := buf.String()
	if !strings.Contains(out, "cannot send error reply") || !strings.Contains(out, `"stack":[`) {
		t.Fatalf("expect failed reply logged with stack, got %s", out)
	}
}

func TestParseFailureReply(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	p := newPeer(t, r)

	r.Receive([]byte(`{"RemoteCall":`))

	msg := p.expect(t, r.Codec())
	if msg.ErrorKind != message.ErrorParsingFailed {
		t.Fatalf("expect ParsingFailed, got %v", msg)
	}
	if msg.Description == "" {
		t.Fatal("parse failure reply has no description")
	}
}

func TestErrorMessageIsSurfacedNotAnswered(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	p := newPeer(t, r)

	r.Receive([]byte(`{"Error":{"errorCode":4,"description":"peer is sad"}}`))

	select {
	case msg := <-r.Errors():
		if msg.ErrorKind != message.ErrorOther || msg.Description != "peer is sad" {
			t.Fatalf("unexpected error %v", msg)
		}
	default:
		t.Fatal("error message was not surfaced")
	}
	p.expectNone(t)
}

func TestErrorChannelOverflowDrops(t *testing.T) {
	r := newJSONRouter(WithErrorBuffer(1))
	defer r.Close()
	for i := 0; i < 3; i++ {
		r.Receive([]byte(`{"Error":{"errorCode":2,"description":"x"}}`))
	}
	if n := len(r.Errors()); n != 1 {
		t.Fatalf("buffered errors = %d, want 1", n)
	}
}

func TestNoCodecIsInert(t *testing.T) {
	r := New()
	defer r.Close()
	h := &hello{}
	r.Register(h)
	p := newPeer(t, r)

	r.Receive([]byte(setNameCall))
	r.Receive([]byte("garbage"))
	if err := r.Send(message.NewCall("Hello", "setName", message.MapOf("name", "x"))); err != nil {
		t.Fatalf("Send without codec must not fail, got %v", err)
	}
	if h.calls != 0 {
		t.Fatal("inert router dispatched a call")
	}
	p.expectNone(t)

	r.SetCodec(&codec.JSONCodec{})
	r.Receive([]byte(setNameCall))
	if h.name != "VestniK" {
		t.Fatal("router did not wake up after SetCodec")
	}
}

func TestCodecSwap(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	p := newPeer(t, r)

	call := message.NewCall("Hello", "setName", message.MapOf("name", "VestniK"))
	r.Send(call)
	if got := p.expect(t, &codec.JSONCodec{}); !got.Params.Equal(call.Params) {
		t.Fatalf("json frame = %v", got)
	}

	r.SetCodec(&codec.BinaryCodec{})
	r.Send(call)
	if got := p.expect(t, &codec.BinaryCodec{}); got.Method != "setName" {
		t.Fatalf("binary frame = %v", got)
	}
}

func TestSendEncodeFailure(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	p := newPeer(t, r)

	err := r.Send(message.NewCall("Blob", "put", message.MapOf("data", []byte{1})))
	if !codec.IsUnsupportedType(err) {
		t.Fatalf("expect UnsupportedTypeError, got %v", err)
	}
	p.expectNone(t)
}

func TestBroadcastToAllDevices(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	p1, p2 := newPeer(t, r), newPeer(t, r)

	r.Receive([]byte(setNameCall))

	for _, p := range []*peer{p1, p2} {
		if msg := p.expect(t, r.Codec()); msg.ErrorKind != message.ErrorUnknownService {
			t.Fatalf("unexpected %v", msg)
		}
	}
}

func TestReplyToOrigin(t *testing.T) {
	r := newJSONRouter(WithReplyToOrigin())
	defer r.Close()
	p1, p2 := newPeer(t, r), newPeer(t, r)

	p1.send(t, setNameCall)
	if msg := p1.expect(t, r.Codec()); msg.ErrorKind != message.ErrorUnknownService {
		t.Fatalf("unexpected %v", msg)
	}
	p2.expectNone(t)

	// Send still fans out.
	r.Send(message.NewCall("S", "m", nil))
	p1.expect(t, r.Codec())
	p2.expect(t, r.Codec())
}

func TestOwnershipTransfer(t *testing.T) {
	a, b := newJSONRouter(), newJSONRouter()
	defer a.Close()
	defer b.Close()
	h := &hello{}

	if err := a.Register(h); err != nil {
		t.Fatal(err)
	}
	if err := b.Register(h); err != nil {
		t.Fatal(err)
	}
	if _, ok := a.Lookup("Hello"); ok {
		t.Fatal("Hello still registered in the first router")
	}
	if got, ok := b.Lookup("Hello"); !ok || got != h {
		t.Fatal("Hello missing from the second router")
	}

	a.Receive([]byte(setNameCall))
	if h.calls != 0 {
		t.Fatal("first router still dispatches to the moved service")
	}
	b.Receive([]byte(setNameCall))
	if h.calls != 1 {
		t.Fatal("second router does not dispatch to the moved service")
	}
}

func TestOwnershipTransferMovesEmitter(t *testing.T) {
	a, b := newJSONRouter(), newJSONRouter()
	defer a.Close()
	defer b.Close()
	pa, pb := newPeer(t, a), newPeer(t, b)

	svc := newHelloEndpoint(t, nil)
	a.Register(svc)
	b.Register(svc)

	if err := svc.Emit("greeting", message.MapOf("text", "hi")); err != nil {
		t.Fatal(err)
	}
	if msg := pb.expect(t, b.Codec()); msg.Method != "greeting" {
		t.Fatalf("unexpected %v", msg)
	}
	pa.expectNone(t)
}

// No observer may see the service in both routers, or in neither.
func TestOwnershipTransferIsAtomic(t *testing.T) {
	a, b := newJSONRouter(), newJSONRouter()
	defer a.Close()
	defer b.Close()
	h := &hello{}
	a.Register(h)

	stop := make(chan struct{})
	var bad atomic.Int32
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-stop:
				return
			default:
			}
			ownersMu.Lock()
			_, inA := a.Lookup("Hello")
			_, inB := b.Lookup("Hello")
			ownersMu.Unlock()
			if inA == inB {
				bad.Add(1)
			}
		}
	}()
	for i := 0; i < 200; i++ {
		if i%2 == 0 {
			b.Register(h)
		} else {
			a.Register(h)
		}
	}
	close(stop)
	wg.Wait()
	if bad.Load() != 0 {
		t.Fatalf("service observed in both or neither router %d times", bad.Load())
	}
}

func TestRegisterValidation(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	if err := r.Register(nil); err != ErrNilService {
		t.Fatalf("expect ErrNilService, got %v", err)
	}
	if err := r.Register(namedService("")); err != ErrEmptyName {
		t.Fatalf("expect ErrEmptyName, got %v", err)
	}
	// 不可比较的值类型无法记录归属，只能通过指针注册
	svc := funcService{name: "Func", fn: func(*message.Message) error { return nil }}
	if err := r.Register(svc); !errors.Is(err, ErrNotComparable) {
		t.Fatalf("expect ErrNotComparable, got %v", err)
	}
	if _, ok := r.Lookup("Func"); ok {
		t.Fatal("rejected service was registered")
	}
	if err := r.Register(&svc); err != nil {
		t.Fatalf("pointer registration failed: %v", err)
	}
}

func TestRegisterReplaceDetachesOld(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	first, second := newHelloEndpoint(t, nil), newHelloEndpoint(t, nil)

	r.Register(first)
	r.Register(second)

	if first.Attached() {
		t.Fatal("replaced service is still attached")
	}
	if !second.Attached() {
		t.Fatal("new service is not attached")
	}
	if got, _ := r.Lookup("Hello"); got != second {
		t.Fatal("registry does not hold the replacement")
	}
	if r.UnregisterService(first) {
		t.Fatal("replaced instance unregistered the replacement")
	}
}

func TestUnregister(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	svc := newHelloEndpoint(t, nil)
	r.Register(svc)
	r.Register(namedService("Other"))

	if got := r.Services(); strings.Join(got, ",") != "Hello,Other" {
		t.Fatalf("Services() = %v", got)
	}
	if got := r.Unregister("Hello"); got != svc {
		t.Fatalf("Unregister returned %v", got)
	}
	if svc.Attached() {
		t.Fatal("unregistered service is still attached")
	}
	if got := r.Unregister("Hello"); got != nil {
		t.Fatalf("second Unregister returned %v", got)
	}

	// Re-registering after a move away must still be possible.
	r.Register(svc)
	if !r.UnregisterService(svc) {
		t.Fatal("UnregisterService failed for the registered instance")
	}
	if r.UnregisterService(svc) {
		t.Fatal("UnregisterService succeeded twice")
	}
}

func TestUnregisterByInstanceChecksIdentity(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	registered, impostor := &hello{}, &hello{}
	r.Register(registered)

	if r.UnregisterService(impostor) {
		t.Fatal("removed a different instance with the same name")
	}
	if _, ok := r.Lookup("Hello"); !ok {
		t.Fatal("registered instance is gone")
	}
	if !r.UnregisterService(registered) {
		t.Fatal("could not remove the registered instance")
	}
}

func TestAddDeviceIsIdempotent(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	local, remote := net.Pipe()
	defer remote.Close()

	d1 := r.AddDevice(local)
	d2 := r.AddDevice(local)
	if d1 != d2 {
		t.Fatal("same transport produced two devices")
	}
	if n := len(r.Devices()); n != 1 {
		t.Fatalf("devices = %d, want 1", n)
	}
}

func TestStaleDeviceIsSkipped(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	live := newPeer(t, r)
	dead := newPeer(t, r)

	devices := r.Devices()
	if len(devices) != 2 {
		t.Fatalf("devices = %d", len(devices))
	}
	dead.conn.Close()
	for _, d := range devices {
		if d.Transport() == dead.local {
			<-d.Done()
		}
	}

	if err := r.Send(message.NewCall("S", "m", nil)); err != nil {
		t.Fatalf("send with a stale device failed: %v", err)
	}
	live.expect(t, r.Codec())

	deadline := time.Now().Add(2 * time.Second)
	for len(r.Devices()) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("stale device was not purged")
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestPanicIsNotAnswered(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	h := &hello{}
	r.Register(h)
	p := newPeer(t, r)

	r.Receive([]byte(`{"RemoteCall":{"service":"Hello","method":"panic"}}`))
	p.expectNone(t)

	r.Receive([]byte(setNameCall))
	if h.name != "VestniK" {
		t.Fatal("router stopped dispatching after a panic")
	}
}

func TestRateLimitedCallsAreDropped(t *testing.T) {
	r := newJSONRouter(WithMiddleware(middleware.RateLimitMiddleware(0, 1)))
	defer r.Close()
	h := &hello{}
	r.Register(h)
	p := newPeer(t, r)

	r.Receive([]byte(setNameCall))
	r.Receive([]byte(setNameCall))

	if h.calls != 1 {
		t.Fatalf("calls = %d, want 1", h.calls)
	}
	p.expectNone(t)
}

// At most one dispatch may run at a time on a router.
func TestDispatchIsSerialized(t *testing.T) {
	r := newJSONRouter()
	defer r.Close()
	var inFlight, overlaps atomic.Int32
	svc := &funcService{name: "Slow", fn: func(*message.Message) error {
		if inFlight.Add(1) > 1 {
			overlaps.Add(1)
		}
		time.Sleep(time.Millisecond)
		inFlight.Add(-1)
		return nil
	}}
	r.Register(svc)

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Receive([]byte(`{"RemoteCall":{"service":"Slow","method":"m"}}`))
		}()
	}
	wg.Wait()
	if overlaps.Load() != 0 {
		t.Fatalf("%d overlapping dispatches", overlaps.Load())
	}
}

func TestCloseDetachesEverything(t *testing.T) {
	r := newJSONRouter()
	svc := newHelloEndpoint(t, nil)
	r.Register(svc)
	p := newPeer(t, r)

	r.Close()
	r.Close()

	select {
	case <-r.Done():
	default:
		t.Fatal("Done not closed")
	}
	if svc.Attached() {
		t.Fatal("service still attached after Close")
	}
	if len(r.Services()) != 0 {
		t.Fatal("services left after Close")
	}
	select {
	case _, ok := <-p.frames:
		if ok {
			t.Fatal("unexpected frame")
		}
	case <-time.After(2 * time.Second):
		t.Fatal("device was not closed")
	}
	if err := r.Register(svc); err != ErrClosed {
		t.Fatalf("expect ErrClosed, got %v", err)
	}

	// A closed router gives up ownership, so another router can take over.
	other := newJSONRouter()
	defer other.Close()
	if err := other.Register(svc); err != nil {
		t.Fatal(err)
	}
}

// Service and client endpoints talk to each other through two routers
// joined by a pipe.
func TestEndpointsAcrossRouters(t *testing.T) {
	for _, c := range []codec.Codec{&codec.JSONCodec{}, &codec.BinaryCodec{}} {
		t.Run(c.Type().String(), func(t *testing.T) {
			server, client := New(WithCodec(c)), New(WithCodec(c))
			defer server.Close()
			defer client.Close()

			var svc *service.Endpoint
			svc = newHelloEndpoint(t, func(a service.Args) error {
				name, err := a.String("name")
				if err != nil {
					return err
				}
				return svc.Emit("greeting", message.MapOf("text", "Hello, "+name))
			})
			greetings := make(chan string, 1)
			cli, err := service.NewClient(helloDesc(t), service.Handlers{
				"greeting": func(a service.Args) error {
					text, err := a.String("text")
					greetings <- text
					return err
				},
			})
			if err != nil {
				t.Fatal(err)
			}
			server.Register(svc)
			client.Register(cli)

			x, y := net.Pipe()
			server.AddDevice(x)
			client.AddDevice(y)

			if err := cli.Emit("setName", message.MapOf("name", "VestniK")); err != nil {
				t.Fatal(err)
			}
			select {
			case text := <-greetings:
				if text != "Hello, VestniK" {
					t.Fatalf("greeting = %q", text)
				}
			case <-time.After(2 * time.Second):
				t.Fatal("no greeting received")
			}
		})
	}
}

func helloDesc(t *testing.T) *service.Desc {
	t.Helper()
	d, err := service.ParseDesc([]byte(`
name: Hello
methods:
  - name: setName
    params: [{name: name, type: string}]
signals:
  - name: greeting
    params: [{name: text, type: string}]
`))
	if err != nil {
		t.Fatal(err)
	}
	return d
}

func newHelloEndpoint(t *testing.T, setName service.HandlerFunc) *service.Endpoint {
	t.Helper()
	if setName == nil {
		setName = func(service.Args) error { return nil }
	}
	svc, err := service.NewService(helloDesc(t), service.Handlers{"setName": setName})
	if err != nil {
		t.Fatal(err)
	}
	return svc
}

type namedService string

func (n namedService) Name() string { return string(n) }

func (n namedService) ProcessMessage(*message.Message) error { return nil }

type funcService struct {
	name string
	fn   func(*message.Message) error
}

func (f funcService) Name() string { return f.name }

func (f funcService) ProcessMessage(call *message.Message) error { return f.fn(call) }
