// Package client connects a local router to remote services found in a
// registry.
//
//	Connect("Hello") → registry.Discover → Balancer.Pick → dial → router.AddDevice
//
// Connections are cached per address, so every service hosted at the same
// address shares one device.
package client

import (
	"context"
	"io"
	"strings"
	"sync"

	"github.com/pkg/errors"

	"remote-signal/codec"
	"remote-signal/device"
	"remote-signal/loadbalance"
	"remote-signal/registry"
	"remote-signal/router"
	"remote-signal/transport"
	"remote-signal/xlog"
)

// DialFunc opens the stream to one instance address.
type DialFunc func(ctx context.Context, addr string) (io.ReadWriteCloser, error)

type Client struct {
	registry registry.Registry // find service instances from the registry
	balancer loadbalance.Balancer
	router   *router.Router
	dial     DialFunc
	log      xlog.Logger

	mu      sync.Mutex
	devices map[string]*device.Manager // Instance address → device
}

type Option func(*Client)

func WithBalancer(b loadbalance.Balancer) Option {
	return func(c *Client) { c.balancer = b }
}

func WithDialer(d DialFunc) Option {
	return func(c *Client) { c.dial = d }
}

func WithLogger(l xlog.Logger) Option {
	return func(c *Client) { c.log = l }
}

// New attaches discovered instances to r. Without WithBalancer instances
// are picked round robin.
func New(reg registry.Registry, r *router.Router, opts ...Option) *Client {
	c := &Client{
		registry: reg,
		balancer: &loadbalance.RoundRobinBalancer{},
		router:   r,
		dial:     DefaultDial,
		log:      xlog.Component("client"),
		devices:  make(map[string]*device.Manager),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// DefaultDial dials websocket URLs (ws://, wss://) with DialWebsocket and
// everything else as TCP.
func DefaultDial(ctx context.Context, addr string) (io.ReadWriteCloser, error) {
	if strings.HasPrefix(addr, "ws://") || strings.HasPrefix(addr, "wss://") {
		return transport.DialWebsocket(ctx, addr)
	}
	return transport.Dial(ctx, "tcp", strings.TrimPrefix(addr, "tcp://"))
}

// Connect makes sure the router has a live device to an instance of
// service and returns it.
//
// An instance announcing a codec must match the router's codec. A router
// without a codec adopts the instance's.
func (c *Client) Connect(ctx context.Context, service string) (*device.Manager, error) {
	instances, err := c.registry.Discover(ctx, service)
	if err != nil {
		return nil, err
	}
	inst, err := c.balancer.Pick(instances)
	if err != nil {
		return nil, errors.Wrapf(err, "pick instance of %s", service)
	}
	if err := c.adoptCodec(inst); err != nil {
		return nil, err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if d, ok := c.devices[inst.Addr]; ok && !d.Closed() {
		return d, nil
	}

	rwc, err := c.dial(ctx, inst.Addr)
	if err != nil {
		return nil, err
	}
	d := c.router.AddDevice(rwc)
	c.devices[inst.Addr] = d
	c.log.Debug().Str("service", service).Str("addr", inst.Addr).Str("balancer", c.balancer.Name()).Msg("connected")
	return d, nil
}

func (c *Client) adoptCodec(inst registry.Instance) error {
	if inst.Codec == "" {
		return nil
	}
	t, err := codec.ParseType(inst.Codec)
	if err != nil {
		return errors.Wrapf(err, "instance %s", inst.Addr)
	}
	if cur := c.router.Codec(); cur != nil {
		if cur.Type() != t {
			return errors.Errorf("instance %s speaks %s, router uses %s", inst.Addr, t, cur.Type())
		}
		return nil
	}
	cd, err := codec.Get(t)
	if err != nil {
		return err
	}
	c.router.SetCodec(cd)
	return nil
}

// Close closes every device the client opened. The router stays usable.
func (c *Client) Close() error {
	c.mu.Lock()
	devices := c.devices
	c.devices = make(map[string]*device.Manager)
	c.mu.Unlock()
	for _, d := range devices {
		d.Close()
	}
	return nil
}
