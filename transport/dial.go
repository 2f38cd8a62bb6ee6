package transport

import (
	"context"
	"net"

	"github.com/pkg/errors"
)

// Dial opens a plain stream connection to a Server.
func Dial(ctx context.Context, network, addr string) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, network, addr)
	if err != nil {
		return nil, errors.Wrapf(err, "dial %s", addr)
	}
	return conn, nil
}
