package transport

import (
	"context"
	"sync"

	"github.com/juju/errors"

	"async-rpc/discovery"
	"async-rpc/loadbalance"
	"async-rpc/message"
)

// Balanced routes each call to one instance of a service: it discovers the
// live endpoints, lets the balancer pick one (keyed by operation name) and
// sends through that endpoint's pool.
type Balanced struct {
	service  string
	registry discovery.Registry
	balancer loadbalance.Balancer
	cfg      PoolConfig

	mu     sync.Mutex
	pools  map[string]*Pool
	closed bool
}

// NewBalanced returns a transport for service.
func NewBalanced(service string, reg discovery.Registry, bal loadbalance.Balancer, cfg PoolConfig) *Balanced {
	return &Balanced{
		service:  service,
		registry: reg,
		balancer: bal,
		cfg:      cfg.withDefaults(),
		pools:    make(map[string]*Pool),
	}
}

// Send implements Transport.
func (b *Balanced) Send(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	endpoints, err := b.registry.Discover(ctx, b.service)
	if err != nil {
		return nil, connectivity(err, "discovering %s", b.service)
	}
	if len(endpoints) == 0 {
		return nil, connectivity(ErrNoEndpoints, "service %s", b.service)
	}
	ep, err := b.balancer.Pick(req.Operation, endpoints)
	if err != nil {
		return nil, connectivity(err, "picking %s endpoint", b.service)
	}
	pool, err := b.pool(ep.Addr)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return pool.Send(ctx, req)
}

func (b *Balanced) pool(addr string) (*Pool, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, connectivity(ErrTransportClosed, "service %s", b.service)
	}
	p, ok := b.pools[addr]
	if !ok {
		p = NewPool(addr, b.cfg)
		b.pools[addr] = p
	}
	return p, nil
}

// Close closes every pool.
func (b *Balanced) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for addr, p := range b.pools {
		p.Close()
		delete(b.pools, addr)
	}
	return nil
}
