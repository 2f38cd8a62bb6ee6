package transport

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pkg/errors"
)

// Subprotocol is negotiated on every websocket connection.
const Subprotocol = "remote-signal"

var upgrader = websocket.Upgrader{
	ReadBufferSize:  32 * 1024,
	WriteBufferSize: 32 * 1024,
	Subprotocols:    []string{Subprotocol},
	CheckOrigin:     func(*http.Request) bool { return true },
}

// WebsocketHandler upgrades requests and serves the resulting connection.
// Each websocket message carries exactly one frame.
func (s *Server) WebsocketHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		wc, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			s.log.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("websocket upgrade failed")
			return
		}
		if wc.Subprotocol() != Subprotocol {
			s.log.Warn().Str("subprotocol", wc.Subprotocol()).Msg("unsupported subprotocol")
			wc.SetReadDeadline(time.Now().Add(5 * time.Second))
			wc.CloseHandler()(websocket.CloseProtocolError, "unsupported subprotocol")
			wc.Close()
			return
		}
		if _, err := s.ServeConn(&wsConn{conn: wc}); err != nil {
			s.log.Warn().Err(err).Msg("websocket connection rejected")
		}
	})
}

// DialWebsocket connects to a WebsocketHandler, e.g. "ws://host:7301/rs".
func DialWebsocket(ctx context.Context, url string) (net.Conn, error) {
	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: 10 * time.Second,
		ReadBufferSize:   32 * 1024,
		WriteBufferSize:  32 * 1024,
		Subprotocols:     []string{Subprotocol},
	}
	wc, _, err := dialer.DialContext(ctx, url, nil)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", url)
	}
	return &wsConn{conn: wc}, nil
}

// wsConn exposes a websocket as a byte stream.
type wsConn struct {
	conn   *websocket.Conn
	closed atomic.Bool
	buf    bytes.Buffer
}

func (w *wsConn) LocalAddr() net.Addr {
	return w.conn.LocalAddr()
}
func (w *wsConn) RemoteAddr() net.Addr {
	return w.conn.RemoteAddr()
}
func (w *wsConn) SetDeadline(t time.Time) error {
	return w.conn.NetConn().SetDeadline(t)
}
func (w *wsConn) SetReadDeadline(t time.Time) error {
	return w.conn.SetReadDeadline(t)
}
func (w *wsConn) SetWriteDeadline(t time.Time) error {
	return w.conn.SetWriteDeadline(t)
}

func (w *wsConn) Write(in []byte) (n int, err error) {
	if w.closed.Load() {
		return 0, net.ErrClosed
	}
	if err := w.conn.WriteMessage(websocket.BinaryMessage, in); err != nil {
		return 0, err
	}
	return len(in), nil
}

func (w *wsConn) Read(out []byte) (n int, err error) {
	// If there's data in the buffer, return it.
	n, _ = w.buf.Read(out)
	if n > 0 || len(out) == 0 {
		return n, nil
	}

	for {
		ty, in, err := w.conn.ReadMessage()
		if err != nil {
			if w.closed.Load() || websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				return 0, net.ErrClosed
			}
			return 0, err
		}
		if ty != websocket.BinaryMessage && ty != websocket.TextMessage {
			continue
		} else if len(in) == 0 {
			continue
		}

		n = copy(out, in)
		// If there's still data in the message, put it back in the buffer.
		if len(in) > n {
			w.buf.Write(in[n:])
		}
		return n, nil
	}
}

func (w *wsConn) Close() error {
	if w.closed.Swap(true) {
		return nil
	}
	w.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(time.Second))
	return w.conn.Close()
}
