package transport

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"async-rpc/codec"
	"async-rpc/message"
)

// PoolConfig sizes the per-address connection pools.
type PoolConfig struct {
	Size      int             // multiplexed connections per address
	Codec     codec.CodecType // envelope codec on the wire
	Heartbeat time.Duration   // zero uses DefaultHeartbeat, negative disables
}

func (c PoolConfig) withDefaults() PoolConfig {
	if c.Size <= 0 {
		c.Size = 1
	}
	if c.Heartbeat == 0 {
		c.Heartbeat = DefaultHeartbeat
	}
	return c
}

// Pool spreads calls to one address over a fixed number of multiplexed
// connections, picked round-robin. Connections are dialled lazily and
// redialled once they break.
type Pool struct {
	addr string
	cfg  PoolConfig
	dial func(ctx context.Context) (*ClientTransport, error)

	next   atomic.Uint32
	mu     sync.Mutex
	conns  []*ClientTransport
	closed bool
}

// NewPool returns an empty pool for addr.
func NewPool(addr string, cfg PoolConfig) *Pool {
	cfg = cfg.withDefaults()
	p := &Pool{
		addr:  addr,
		cfg:   cfg,
		conns: make([]*ClientTransport, cfg.Size),
	}
	p.dial = func(ctx context.Context) (*ClientTransport, error) {
		return Dial(ctx, addr, cfg.Codec, cfg.Heartbeat)
	}
	return p
}

// Get returns a live connection, dialling the selected slot if needed.
// The dial runs without holding the pool lock; when two callers race to
// fill a slot the first one installed wins and the other is closed.
func (p *Pool) Get(ctx context.Context) (*ClientTransport, error) {
	slot := int(p.next.Add(1)-1) % len(p.conns)

	if ct, err := p.live(slot); ct != nil || err != nil {
		return ct, err
	}
	ct, err := p.dial(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		ct.Close()
		return nil, connectivity(ErrTransportClosed, "pool %s", p.addr)
	}
	if cur := p.conns[slot]; cur != nil && !cur.Closed() {
		ct.Close()
		return cur, nil
	}
	p.conns[slot] = ct
	return ct, nil
}

func (p *Pool) live(slot int) (*ClientTransport, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, connectivity(ErrTransportClosed, "pool %s", p.addr)
	}
	if ct := p.conns[slot]; ct != nil && !ct.Closed() {
		return ct, nil
	}
	return nil, nil
}

// Send implements Transport.
func (p *Pool) Send(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	ct, err := p.Get(ctx)
	if err != nil {
		return nil, errors.Trace(err)
	}
	return ct.Send(ctx, req)
}

// Close closes every connection; later calls fail.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.closed = true
	for i, ct := range p.conns {
		if ct != nil {
			ct.Close()
			p.conns[i] = nil
		}
	}
	return nil
}
