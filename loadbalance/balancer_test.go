package loadbalance

import (
	"fmt"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"async-rpc/discovery"
)

var testEndpoints = []discovery.Endpoint{
	{Addr: ":8001", Weight: 10, Version: "1.0"},
	{Addr: ":8002", Weight: 5, Version: "1.0"},
	{Addr: ":8003", Weight: 10, Version: "1.0"},
}

func TestRoundRobin(t *testing.T) {
	b := &RoundRobinBalancer{}

	var results []string
	for i := 0; i < 3; i++ {
		ep, err := b.Pick("", testEndpoints)
		require.NoError(t, err)
		results = append(results, ep.Addr)
	}
	assert.Equal(t, []string{":8001", ":8002", ":8003"}, results)

	ep, err := b.Pick("", testEndpoints)
	require.NoError(t, err)
	assert.Equal(t, results[0], ep.Addr, "wraps around")
}

func TestEmptyEndpoints(t *testing.T) {
	for _, b := range []Balancer{&RoundRobinBalancer{}, &WeightedRandomBalancer{}, NewConsistentHashBalancer()} {
		_, err := b.Pick("k", []discovery.Endpoint{})
		assert.True(t, errors.Is(err, ErrNoInstances), b.Name())
	}
}

func TestWeightedRandom(t *testing.T) {
	b := &WeightedRandomBalancer{}

	counts := map[string]int{}
	for i := 0; i < 10000; i++ {
		ep, err := b.Pick("", testEndpoints)
		require.NoError(t, err)
		counts[ep.Addr]++
	}

	// weights 10:5:10, so :8001 should be picked about twice as often as :8002
	ratio := float64(counts[":8001"]) / float64(counts[":8002"])
	assert.InDelta(t, 2.0, ratio, 0.5)
}

func TestWeightedRandomZeroWeights(t *testing.T) {
	b := &WeightedRandomBalancer{}
	eps := []discovery.Endpoint{{Addr: ":1"}, {Addr: ":2"}}
	seen := map[string]bool{}
	for i := 0; i < 200; i++ {
		ep, err := b.Pick("", eps)
		require.NoError(t, err)
		seen[ep.Addr] = true
	}
	assert.Len(t, seen, 2)
}

func TestConsistentHash(t *testing.T) {
	b := NewConsistentHashBalancer()

	ep1, err := b.Pick("user-123", testEndpoints)
	require.NoError(t, err)
	ep2, err := b.Pick("user-123", testEndpoints)
	require.NoError(t, err)
	assert.Equal(t, ep1.Addr, ep2.Addr)

	seen := map[string]bool{}
	for i := 0; i < 100; i++ {
		ep, err := b.Pick(fmt.Sprintf("key-%d", i), testEndpoints)
		require.NoError(t, err)
		seen[ep.Addr] = true
	}
	assert.GreaterOrEqual(t, len(seen), 2)
}

func TestConsistentHashFollowsEndpointSet(t *testing.T) {
	b := NewConsistentHashBalancer()
	_, err := b.Pick("k", nil)
	assert.True(t, errors.Is(err, ErrNoInstances))

	for i := range testEndpoints {
		b.Add(testEndpoints[i])
	}
	ep, err := b.Pick("user-123", nil)
	require.NoError(t, err)

	// removing a different endpoint leaves the key where it was
	var rest []discovery.Endpoint
	for _, other := range testEndpoints {
		if other.Addr != ep.Addr {
			rest = append(rest, other)
		}
	}
	kept := append([]discovery.Endpoint{*ep}, rest[0])
	again, err := b.Pick("user-123", kept)
	require.NoError(t, err)
	assert.Equal(t, ep.Addr, again.Addr)

	// removing the owner moves it
	moved, err := b.Pick("user-123", rest)
	require.NoError(t, err)
	assert.NotEqual(t, ep.Addr, moved.Addr)
}

func TestNew(t *testing.T) {
	for _, name := range []string{"RoundRobin", "WeightedRandom", "ConsistentHash"} {
		b, err := New(name)
		require.NoError(t, err)
		assert.Equal(t, name, b.Name())
	}
	_, err := New("fastest")
	assert.True(t, errors.Is(err, errors.NotValid))
}
