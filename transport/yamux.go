package transport

import (
	"context"
	"io"
	"net"
	"os"
	"time"

	"github.com/hashicorp/yamux"
	"github.com/pkg/errors"
)

var yamuxConfig = &yamux.Config{
	AcceptBacklog:          256,
	EnableKeepAlive:        true,
	KeepAliveInterval:      30 * time.Second,
	ConnectionWriteTimeout: 10 * time.Second,
	MaxStreamWindowSize:    512 * 1024,
	StreamCloseTimeout:     5 * time.Minute,
	StreamOpenTimeout:      75 * time.Second,
	LogOutput:              os.Stderr,
}

func yamuxCloseGraceful(session *yamux.Session) {
	session.GoAway()
	go func() {
		select {
		case <-time.After(yamuxConfig.StreamCloseTimeout):
		case <-session.CloseChan():
		}
		session.Close()
	}()
}

// serveYamux accepts streams on conn until the session ends. Every stream
// becomes a device of its own.
func (s *Server) serveYamux(conn net.Conn) {
	session, err := yamux.Server(conn, yamuxConfig)
	if err != nil {
		s.log.Warn().Err(err).Msg("yamux handshake failed")
		conn.Close()
		return
	}

	s.mu.Lock()
	if s.shutdown.Load() {
		s.mu.Unlock()
		session.Close()
		return
	}
	s.muxes[session] = struct{}{}
	s.wg.Add(1)
	s.mu.Unlock()

	go func() {
		defer s.wg.Done()
		defer func() {
			s.mu.Lock()
			delete(s.muxes, session)
			s.mu.Unlock()
			yamuxCloseGraceful(session)
		}()
		for {
			stream, err := session.Accept()
			if err != nil {
				return
			}
			if _, err := s.ServeConn(stream); err != nil {
				return
			}
		}
	}()
}

// Mux is the dialing side of a yamux session. Every stream it opens is an
// independent device on the remote server.
type Mux struct {
	session *yamux.Session
}

// DialYamux connects to a server started WithYamux.
func DialYamux(ctx context.Context, network, addr string) (*Mux, error) {
	conn, err := Dial(ctx, network, addr)
	if err != nil {
		return nil, err
	}
	session, err := yamux.Client(conn, yamuxConfig)
	if err != nil {
		conn.Close()
		return nil, errors.Wrap(err, "yamux client")
	}
	return &Mux{session: session}, nil
}

// Open starts a new stream.
func (m *Mux) Open() (io.ReadWriteCloser, error) {
	stream, err := m.session.Open()
	if err != nil {
		return nil, errors.Wrap(err, "open stream")
	}
	return stream, nil
}

// NumStreams returns the number of open streams.
func (m *Mux) NumStreams() int { return m.session.NumStreams() }

// Close stops accepting new streams and closes the session once the open
// ones are done.
func (m *Mux) Close() error {
	yamuxCloseGraceful(m.session)
	return nil
}
