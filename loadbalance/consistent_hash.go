package loadbalance

import (
	"hash/crc32"
	"slices"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/juju/errors"

	"async-rpc/discovery"
)

// ConsistentHashBalancer maps keys to endpoints on a hash ring, so a key
// keeps reaching the same endpoint until the endpoint set changes.
//
// Each endpoint owns replicas virtual nodes, hashed from "{addr}#{i}", which
// spreads a few endpoints evenly over the ring.
//
//	Hash Ring:
//	                  0
//	                ╱   ╲
//	              ╱       ╲
//	         B ●               ● A
//	           │    key ◆──►   │   (clockwise to nearest node → A)
//	         C ●               ● A' (virtual node of A)
//	              ╲       ╱
//	                ╲   ╱
//
// The ring is rebuilt whenever Pick sees a different endpoint set.
type ConsistentHashBalancer struct {
	replicas int

	mu        sync.Mutex
	signature string // sorted addresses the ring was built from
	ring      []uint32
	nodes     map[uint32]discovery.Endpoint
}

// NewConsistentHashBalancer creates a balancer with 100 virtual nodes per endpoint.
func NewConsistentHashBalancer() *ConsistentHashBalancer {
	return &ConsistentHashBalancer{
		replicas: 100,
		nodes:    make(map[uint32]discovery.Endpoint),
	}
}

// Add places an endpoint on the ring.
func (b *ConsistentHashBalancer) Add(ep discovery.Endpoint) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.add(ep)
	slices.Sort(b.ring)
}

func (b *ConsistentHashBalancer) add(ep discovery.Endpoint) {
	for i := 0; i < b.replicas; i++ {
		hash := crc32.ChecksumIEEE([]byte(ep.Addr + "#" + strconv.Itoa(i)))
		if _, taken := b.nodes[hash]; !taken {
			b.ring = append(b.ring, hash)
		}
		b.nodes[hash] = ep
	}
}

func (b *ConsistentHashBalancer) rebuild(endpoints []discovery.Endpoint) {
	addrs := make([]string, len(endpoints))
	for i, ep := range endpoints {
		addrs[i] = ep.Addr
	}
	slices.Sort(addrs)
	sig := strings.Join(addrs, ",")
	if sig == b.signature {
		return
	}
	b.signature = sig
	b.ring = b.ring[:0]
	clear(b.nodes)
	for _, ep := range endpoints {
		b.add(ep)
	}
	slices.Sort(b.ring)
}

// Pick hashes key and walks clockwise to the first virtual node, wrapping
// around past the largest hash. A nil endpoints list uses the ring as built
// by Add.
func (b *ConsistentHashBalancer) Pick(key string, endpoints []discovery.Endpoint) (*discovery.Endpoint, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if endpoints != nil {
		if len(endpoints) == 0 {
			return nil, errors.Trace(ErrNoInstances)
		}
		b.rebuild(endpoints)
	}
	if len(b.ring) == 0 {
		return nil, errors.Trace(ErrNoInstances)
	}

	hash := crc32.ChecksumIEEE([]byte(key))
	idx := sort.Search(len(b.ring), func(i int) bool {
		return b.ring[i] >= hash
	})
	if idx == len(b.ring) {
		idx = 0
	}

	ep := b.nodes[b.ring[idx]]
	return &ep, nil
}

func (b *ConsistentHashBalancer) Name() string {
	return "ConsistentHash"
}
