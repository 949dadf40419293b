// Package discovery tracks which addresses serve a service.
package discovery

import (
	"context"
	"time"

	"github.com/juju/errors"
)

// ErrNotRegistered is returned when deregistering an unknown endpoint.
const ErrNotRegistered = errors.ConstError("endpoint not registered")

// Endpoint is one reachable instance of a service.
type Endpoint struct {
	Addr    string `json:"addr"`
	Weight  int    `json:"weight"` // Weight for load balancing
	Version string `json:"version,omitempty"`
}

// Registry stores the endpoints of services.
type Registry interface {
	// Register advertises ep under service. The entry expires after ttl
	// unless the registry keeps it alive.
	Register(ctx context.Context, service string, ep Endpoint, ttl time.Duration) error
	Deregister(ctx context.Context, service, addr string) error
	Discover(ctx context.Context, service string) ([]Endpoint, error)
	// Watch emits the full endpoint list of service whenever it changes,
	// starting with the current one. The channel closes when ctx ends.
	Watch(ctx context.Context, service string) (<-chan []Endpoint, error)
}
