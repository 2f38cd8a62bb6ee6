// Package transport turns network connections into router devices.
//
// Server accepts TCP connections (optionally multiplexed with yamux),
// websocket upgrades and arbitrary io.ReadWriteCloser streams, and attaches
// each one to a router:
//
//	Accept conn ─┬─ plain          → ServeConn(conn)
//	             └─ yamux session  → Accept stream → ServeConn(stream)
//	ServeConn → router.AddDevice → device read loop → router.Receive
//
// A Server either shares one router between all connections (replies and
// signals reach every peer) or builds a router per connection with a
// RouterFactory (each peer gets its own services and only its own replies).
package transport

import (
	"context"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
	"github.com/samber/lo"

	"remote-signal/device"
	"remote-signal/registry"
	"remote-signal/router"
	"remote-signal/xlog"
)

var ErrServerClosed = errors.New("transport: server closed")

// RouterFactory builds the router serving a single connection.
type RouterFactory func() (*router.Router, error)

// Server attaches accepted connections to routers and announces the hosted
// services in a registry.
type Server struct {
	router  *router.Router // Shared router, nil when factory is set
	factory RouterFactory
	log     xlog.Logger

	multiplex bool // Accepted TCP connections carry yamux sessions

	registry      registry.Registry // nil if not using discovery
	advertiseAddr string            // Address announced in the registry; differs from the listen address (":7300")
	ttl           int64
	services      []string // Announced names; defaults to the shared router's services
	codecName     string

	mu        sync.Mutex
	listeners []net.Listener
	sessions  map[*device.Manager]*router.Router
	muxes     map[*yamux.Session]struct{}
	shutdown  atomic.Bool
	wg        sync.WaitGroup // Tracks connection goroutines for graceful shutdown
}

type ServerOption func(*Server)

func WithServerLogger(l xlog.Logger) ServerOption {
	return func(s *Server) { s.log = l }
}

// WithYamux expects every accepted TCP connection to be a yamux session and
// serves each stream as its own device.
func WithYamux() ServerOption {
	return func(s *Server) { s.multiplex = true }
}

// WithRegistry announces the hosted services under advertiseAddr while the
// server is listening.
func WithRegistry(reg registry.Registry, advertiseAddr string, ttl int64) ServerOption {
	return func(s *Server) {
		s.registry = reg
		s.advertiseAddr = advertiseAddr
		s.ttl = ttl
	}
}

// WithServices overrides the announced service names. Required for
// announcing when routers come from a RouterFactory.
func WithServices(names ...string) ServerOption {
	return func(s *Server) { s.services = names }
}

// WithCodecName records the codec peers must speak in announced instances.
func WithCodecName(name string) ServerOption {
	return func(s *Server) { s.codecName = name }
}

// NewServer serves every connection with the shared router r.
func NewServer(r *router.Router, opts ...ServerOption) *Server {
	return newServer(r, nil, opts)
}

// NewPerConnServer builds a fresh router for every connection and closes it
// when the connection ends.
func NewPerConnServer(factory RouterFactory, opts ...ServerOption) *Server {
	return newServer(nil, factory, opts)
}

func newServer(r *router.Router, factory RouterFactory, opts []ServerOption) *Server {
	s := &Server{
		router:   r,
		factory:  factory,
		log:      xlog.Component("transport"),
		ttl:      10,
		sessions: make(map[*device.Manager]*router.Router),
		muxes:    make(map[*yamux.Session]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Serve listens on the given address and serves it until Shutdown.
func (s *Server) Serve(network, address string) error {
	l, err := net.Listen(network, address)
	if err != nil {
		return errors.Wrapf(err, "listen %s", address)
	}
	return s.ServeListener(l)
}

// ServeListener runs the accept loop on l. It returns nil after Shutdown.
func (s *Server) ServeListener(l net.Listener) error {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		l.Close()
		return ErrServerClosed
	}
	s.listeners = append(s.listeners, l)
	s.mu.Unlock()

	s.log.Info().Str("addr", l.Addr().String()).Bool("yamux", s.multiplex).Msg("listening")
	if err := s.announce(context.Background()); err != nil {
		s.log.Warn().Err(err).Msg("service announcement failed")
	}

	// Accept loop: one goroutine per connection
	for {
		conn, err := l.Accept()
		if err != nil {
			// During shutdown, listener.Close() causes Accept to return an error.
			if s.shutdown.Load() {
				return nil
			}
			return errors.Wrap(err, "accept")
		}
		if s.multiplex {
			s.serveYamux(conn)
			continue
		}
		if _, err := s.ServeConn(conn); err != nil {
			s.log.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("connection rejected")
		}
	}
}

// Addr returns the address of the first listener, or nil before Serve.
func (s *Server) Addr() net.Addr {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.listeners) == 0 {
		return nil
	}
	return s.listeners[0].Addr()
}

// ServeConn attaches rwc to a router and returns its device. The device
// lives until the peer goes away or the server shuts down.
func (s *Server) ServeConn(rwc io.ReadWriteCloser) (*device.Manager, error) {
	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		rwc.Close()
		return nil, ErrServerClosed
	}
	s.wg.Add(1)
	s.mu.Unlock()

	r := s.router
	if s.factory != nil {
		var err error
		if r, err = s.factory(); err != nil {
			s.wg.Done()
			rwc.Close()
			return nil, errors.Wrap(err, "build router")
		}
	}

	d := r.AddDevice(rwc)
	s.mu.Lock()
	s.sessions[d] = r
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		<-d.Done()
		s.mu.Lock()
		delete(s.sessions, d)
		s.mu.Unlock()
		if s.factory != nil {
			r.Close()
		}
		s.log.Debug().Err(d.Err()).Msg("connection closed")
	}()
	return d, nil
}

// Routers returns the routers currently serving connections.
func (s *Server) Routers() []*router.Router {
	s.mu.Lock()
	defer s.mu.Unlock()
	return lo.Uniq(lo.Values(s.sessions))
}

func (s *Server) announce(ctx context.Context) error {
	if s.registry == nil {
		return nil
	}
	inst := registry.Instance{Addr: s.advertiseAddr, Weight: 1, Codec: s.codecName}
	for _, name := range s.announcedNames() {
		if err := s.registry.Register(ctx, name, inst, s.ttl); err != nil {
			return errors.Wrapf(err, "announce %s", name)
		}
	}
	return nil
}

func (s *Server) announcedNames() []string {
	if s.services != nil || s.router == nil {
		return s.services
	}
	return s.router.Services()
}

// Shutdown performs graceful shutdown:
//  1. Deregister all services (clients stop discovering this server)
//  2. Set shutdown flag (so Accept error is recognized as intentional)
//  3. Close the listeners and every live device
//  4. Wait for connection goroutines to finish, or ctx to end
func (s *Server) Shutdown(ctx context.Context) error {
	if s.registry != nil {
		for _, name := range s.announcedNames() {
			if err := s.registry.Deregister(ctx, name, s.advertiseAddr); err != nil {
				s.log.Warn().Err(err).Str("service", name).Msg("deregister failed")
			}
		}
	}

	s.mu.Lock()
	s.shutdown.Store(true)
	listeners := s.listeners
	devices := lo.Keys(s.sessions)
	muxes := lo.Keys(s.muxes)
	s.mu.Unlock()

	for _, l := range listeners {
		l.Close()
	}
	for _, m := range muxes {
		m.Close()
	}
	for _, d := range devices {
		d.Close()
	}

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "waiting for connections to close")
	}
}
