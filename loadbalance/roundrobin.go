package loadbalance

import (
	"sync/atomic"

	"github.com/juju/errors"

	"async-rpc/discovery"
)

// RoundRobinBalancer hands out endpoints in order with a lock-free counter.
type RoundRobinBalancer struct {
	counter atomic.Uint64
}

func (b *RoundRobinBalancer) Pick(_ string, endpoints []discovery.Endpoint) (*discovery.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errors.Trace(ErrNoInstances)
	}
	index := (b.counter.Add(1) - 1) % uint64(len(endpoints))
	return &endpoints[index], nil
}

func (b *RoundRobinBalancer) Name() string {
	return "RoundRobin"
}
