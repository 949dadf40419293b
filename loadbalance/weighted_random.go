package loadbalance

import (
	"math/rand"

	"github.com/juju/errors"

	"async-rpc/discovery"
)

// WeightedRandomBalancer picks an endpoint with probability proportional to
// its weight. Endpoints with a non-positive weight count as weight 1.
type WeightedRandomBalancer struct{}

func (b *WeightedRandomBalancer) Pick(_ string, endpoints []discovery.Endpoint) (*discovery.Endpoint, error) {
	if len(endpoints) == 0 {
		return nil, errors.Trace(ErrNoInstances)
	}

	total := 0
	for _, ep := range endpoints {
		total += weight(ep)
	}

	r := rand.Intn(total)
	for i := range endpoints {
		r -= weight(endpoints[i])
		if r < 0 {
			return &endpoints[i], nil
		}
	}
	return &endpoints[len(endpoints)-1], nil
}

func weight(ep discovery.Endpoint) int {
	if ep.Weight <= 0 {
		return 1
	}
	return ep.Weight
}

func (b *WeightedRandomBalancer) Name() string {
	return "WeightedRandom"
}
