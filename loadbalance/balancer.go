// Package loadbalance chooses which endpoint of a service receives a call.
//
// Three strategies are implemented:
//   - RoundRobin:      stateless services, equal-capacity instances
//   - WeightedRandom:  heterogeneous instances
//   - ConsistentHash:  affinity, the same key keeps reaching the same instance
package loadbalance

import (
	"github.com/juju/errors"

	"async-rpc/discovery"
)

// ErrNoInstances is returned when Pick is given an empty list.
const ErrNoInstances = errors.ConstError("no instances available")

// Balancer picks one endpoint per call. Implementations are goroutine-safe.
type Balancer interface {
	// Pick selects one of endpoints. key identifies the call; only
	// key-based strategies look at it.
	Pick(key string, endpoints []discovery.Endpoint) (*discovery.Endpoint, error)

	// Name returns the strategy name (for logging/configuration).
	Name() string
}

// New returns the balancer registered under name.
func New(name string) (Balancer, error) {
	switch name {
	case "", "RoundRobin", "round-robin":
		return &RoundRobinBalancer{}, nil
	case "WeightedRandom", "weighted-random":
		return &WeightedRandomBalancer{}, nil
	case "ConsistentHash", "consistent-hash":
		return NewConsistentHashBalancer(), nil
	}
	return nil, errors.NotValidf("balancer %q", name)
}
