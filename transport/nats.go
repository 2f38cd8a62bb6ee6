package transport

import (
	"bytes"
	"io"
	"net"
	"sync"

	"github.com/nats-io/nats.go"
	"github.com/pkg/errors"
)

// NATSConn is a device transport over a pair of NATS subjects: frames are
// published to one subject and read from the other. One NATS message
// carries exactly one frame.
//
// Every subscriber of a subject sees every frame, so a NATS device behaves
// like a bus: all clients on a subject receive every reply and signal.
type NATSConn struct {
	nc   *nats.Conn
	sub  *nats.Subscription
	msgs chan *nats.Msg
	out  string

	buf       bytes.Buffer
	done      chan struct{}
	closeOnce sync.Once
}

// NewNATSConn reads frames from in and publishes them to out.
func NewNATSConn(nc *nats.Conn, in, out string) (*NATSConn, error) {
	c := &NATSConn{
		nc:   nc,
		msgs: make(chan *nats.Msg, 1024),
		out:  out,
		done: make(chan struct{}),
	}
	sub, err := nc.ChanSubscribe(in, c.msgs)
	if err != nil {
		return nil, errors.Wrapf(err, "subscribe %s", in)
	}
	// The subscription must reach the server before the peer publishes.
	if err := nc.Flush(); err != nil {
		sub.Unsubscribe()
		return nil, errors.Wrap(err, "flush subscription")
	}
	c.sub = sub
	return c, nil
}

// NATSServerConn is the service side of subject: it reads "<subject>.in"
// and writes "<subject>.out".
func NATSServerConn(nc *nats.Conn, subject string) (*NATSConn, error) {
	return NewNATSConn(nc, subject+".in", subject+".out")
}

// NATSClientConn mirrors NATSServerConn.
func NATSClientConn(nc *nats.Conn, subject string) (*NATSConn, error) {
	return NewNATSConn(nc, subject+".out", subject+".in")
}

func (c *NATSConn) Read(out []byte) (int, error) {
	n, _ := c.buf.Read(out)
	if n > 0 || len(out) == 0 {
		return n, nil
	}
	for {
		select {
		case msg := <-c.msgs:
			if len(msg.Data) == 0 {
				continue
			}
			n = copy(out, msg.Data)
			if len(msg.Data) > n {
				c.buf.Write(msg.Data[n:])
			}
			return n, nil
		case <-c.done:
			return 0, io.EOF
		}
	}
}

func (c *NATSConn) Write(p []byte) (int, error) {
	select {
	case <-c.done:
		return 0, net.ErrClosed
	default:
	}
	if err := c.nc.Publish(c.out, p); err != nil {
		return 0, errors.Wrapf(err, "publish %s", c.out)
	}
	return len(p), nil
}

// Close unsubscribes. The NATS connection itself stays open.
func (c *NATSConn) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.done)
		err = c.sub.Unsubscribe()
	})
	return err
}
