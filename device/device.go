// Package device turns a byte stream into a stream of frames.
//
// A Manager owns one io.ReadWriteCloser (a TCP connection, a websocket, a
// yamux stream, a NATS subject pair ...). A background goroutine reads
// frames and hands every message body to the deliver callback; Send writes
// one frame under a mutex so concurrent senders never interleave bytes.
//
//	peer ──bytes──→ readLoop ──frame body──→ deliver(m, body)
//	Send(codec, body) ──sending mutex──→ protocol.Encode ──→ peer
//
// Once the stream fails or is closed the Manager is dead for good: Done is
// closed, further Sends fail with ErrClosed.
package device

import (
	"errors"
	"io"
	"net"
	"sync"
	"time"

	pkgerr "github.com/pkg/errors"

	"remote-signal/codec"
	"remote-signal/protocol"
	"remote-signal/xlog"
)

// ErrClosed is returned by Send after the device has been torn down.
var ErrClosed = errors.New("device closed")

// DeliverFunc receives the body of every message frame, in arrival order,
// from the read goroutine. The body is owned by the callee.
type DeliverFunc func(m *Manager, body []byte)

// Manager frames messages over one transport.
type Manager struct {
	rwc       io.ReadWriteCloser
	deliver   DeliverFunc
	heartbeat time.Duration
	log       xlog.Logger

	sending sync.Mutex // Serializes frame writes; a frame is header + body in one Write

	once sync.Once
	done chan struct{}
	err  error // Cause of teardown, written before done is closed
}

type Option func(*Manager)

// WithHeartbeat makes the device send an empty heartbeat frame every
// interval. Peers consume heartbeats silently.
func WithHeartbeat(interval time.Duration) Option {
	return func(m *Manager) {
		m.heartbeat = interval
	}
}

func WithLogger(l xlog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// New wraps rwc. Nothing is read until Start is called.
func New(rwc io.ReadWriteCloser, deliver DeliverFunc, opts ...Option) *Manager {
	m := &Manager{
		rwc:     rwc,
		deliver: deliver,
		log:     xlog.Component("device"),
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Start launches the read loop and, if configured, the heartbeat loop.
func (m *Manager) Start() {
	go m.readLoop()
	if m.heartbeat > 0 {
		go m.heartbeatLoop(m.heartbeat)
	}
}

// Transport returns the wrapped stream.
func (m *Manager) Transport() io.ReadWriteCloser {
	return m.rwc
}

// Send writes body as one message frame tagged with the codec type.
// A write error tears the device down.
func (m *Manager) Send(ct codec.Type, body []byte) error {
	return m.writeFrame(&protocol.Header{CodecType: byte(ct), Kind: protocol.FrameMessage}, body)
}

func (m *Manager) writeFrame(h *protocol.Header, body []byte) error {
	m.sending.Lock()
	defer m.sending.Unlock()
	if m.Closed() {
		return ErrClosed
	}
	if err := protocol.Encode(m.rwc, h, body); err != nil {
		err = pkgerr.Wrap(err, "write frame")
		m.teardown(err)
		return err
	}
	return nil
}

// Done is closed once the device is torn down.
func (m *Manager) Done() <-chan struct{} {
	return m.done
}

func (m *Manager) Closed() bool {
	select {
	case <-m.done:
		return true
	default:
		return false
	}
}

// Err returns the error that tore the device down. It is nil while the
// device is alive, after Close, and after the peer closed the stream cleanly.
func (m *Manager) Err() error {
	select {
	case <-m.done:
		return m.err
	default:
		return nil
	}
}

// Close tears the device down and closes the underlying stream.
func (m *Manager) Close() error {
	m.teardown(nil)
	return nil
}

func (m *Manager) teardown(cause error) {
	m.once.Do(func() {
		m.err = cause
		close(m.done)
		m.rwc.Close()
		if cause != nil {
			m.log.Debug().Err(cause).Msg("device torn down")
		} else {
			m.log.Debug().Msg("device closed")
		}
	})
}

// readLoop is the only reader of the stream; frame boundaries only make
// sense when reads are sequential.
func (m *Manager) readLoop() {
	for {
		header, body, err := protocol.Decode(m.rwc)
		if err != nil {
			if isClosedErr(err) {
				err = nil
			} else {
				err = pkgerr.Wrap(err, "read frame")
			}
			m.teardown(err)
			return
		}
		if header.Kind == protocol.FrameHeartbeat {
			continue
		}
		m.deliver(m, body)
	}
}

func (m *Manager) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-m.done:
			return
		case <-ticker.C:
			if err := m.writeFrame(&protocol.Header{Kind: protocol.FrameHeartbeat}, nil); err != nil {
				return
			}
		}
	}
}

// isClosedErr reports errors that mean "the stream ended" rather than "the
// stream is broken".
func isClosedErr(err error) bool {
	return errors.Is(err, io.EOF) ||
		errors.Is(err, io.ErrClosedPipe) ||
		errors.Is(err, net.ErrClosed)
}
