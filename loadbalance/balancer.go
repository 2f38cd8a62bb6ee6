// Package loadbalance picks which instance of a discovered service a client
// dials.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances
//   - ConsistentHash:  sticky placement, so a peer keeps landing on the
//     router that holds its service state
package loadbalance

import (
	"github.com/pkg/errors"

	"remote-signal/registry"
)

var ErrNoInstances = errors.New("no instances available")

// Balancer is the interface for load balancing strategies.
// The client calls Pick() before each dial; it must be goroutine-safe.
type Balancer interface {
	Pick(instances []registry.Instance) (registry.Instance, error)

	// Name returns the strategy name (for logging/debugging).
	Name() string
}

// New returns the balancer registered under name. key is only used by
// consistent hashing.
func New(name, key string) (Balancer, error) {
	switch name {
	case "", "round_robin":
		return &RoundRobinBalancer{}, nil
	case "weighted_random":
		return &WeightedRandomBalancer{}, nil
	case "consistent_hash":
		return NewConsistentHashBalancer(key), nil
	}
	return nil, errors.Errorf("unknown balancer %q", name)
}
