package discovery

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/juju/errors"
)

// Static is an in-memory Registry. It ignores TTLs and suits tests, single
// process deployments and fixed endpoint lists from configuration.
type Static struct {
	mu       sync.Mutex
	services map[string][]Endpoint
	watchers map[string][]chan []Endpoint
}

// NewStatic returns a registry pre-filled with endpoints for service.
func NewStatic(service string, endpoints ...Endpoint) *Static {
	s := &Static{
		services: make(map[string][]Endpoint),
		watchers: make(map[string][]chan []Endpoint),
	}
	if len(endpoints) > 0 {
		s.services[service] = slices.Clone(endpoints)
	}
	return s
}

func (s *Static) Register(_ context.Context, service string, ep Endpoint, _ time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	eps := s.services[service]
	if i := slices.IndexFunc(eps, func(e Endpoint) bool { return e.Addr == ep.Addr }); i >= 0 {
		eps[i] = ep
	} else {
		eps = append(eps, ep)
	}
	s.services[service] = eps
	s.notify(service)
	return nil
}

func (s *Static) Deregister(_ context.Context, service, addr string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	eps := s.services[service]
	i := slices.IndexFunc(eps, func(e Endpoint) bool { return e.Addr == addr })
	if i < 0 {
		return errors.Annotatef(ErrNotRegistered, "%s/%s", service, addr)
	}
	s.services[service] = slices.Delete(eps, i, i+1)
	s.notify(service)
	return nil
}

func (s *Static) Discover(ctx context.Context, service string) ([]Endpoint, error) {
	if err := ctx.Err(); err != nil {
		return nil, errors.Trace(err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.services[service]), nil
}

func (s *Static) Watch(ctx context.Context, service string) (<-chan []Endpoint, error) {
	ch := make(chan []Endpoint, 1)
	s.mu.Lock()
	ch <- slices.Clone(s.services[service])
	s.watchers[service] = append(s.watchers[service], ch)
	s.mu.Unlock()

	context.AfterFunc(ctx, func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.watchers[service] = slices.DeleteFunc(s.watchers[service], func(c chan []Endpoint) bool { return c == ch })
		close(ch)
	})
	return ch, nil
}

// notify replaces any unread update with the latest list. Callers hold mu.
func (s *Static) notify(service string) {
	for _, ch := range s.watchers[service] {
		select {
		case <-ch:
		default:
		}
		ch <- slices.Clone(s.services[service])
	}
}
