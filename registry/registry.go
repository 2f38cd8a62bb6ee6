// Package registry announces where services can be reached and finds them
// again.
//
// A server announces every service name it hosts together with the address
// peers should dial and the codec it speaks. Clients discover the instances
// of a service name and pick one with a loadbalance.Balancer.
package registry

import "context"

// Instance is one reachable endpoint for a service name.
type Instance struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
	Codec   string `json:"codec,omitempty"` // Codec name the endpoint speaks, "" = json
}

type Registry interface {
	// Register announces inst under service. The entry disappears ttl
	// seconds after the announcer stops renewing it.
	Register(ctx context.Context, service string, inst Instance, ttl int64) error
	Deregister(ctx context.Context, service string, addr string) error
	Discover(ctx context.Context, service string) ([]Instance, error)
	// Watch emits the full instance list after every change until ctx is
	// done, then closes the channel.
	Watch(ctx context.Context, service string) <-chan []Instance
	Close() error
}
