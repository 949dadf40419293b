// Package operation holds the declarative table of remote operations: for
// each operation name, the request and response shapes and the closed set of
// error kinds the operation may fail with.
//
// The table replaces per-operation client methods. A generated client
// surface is a thin layer of typed wrappers over one generic Invoke that
// looks operations up here.
package operation

import (
	"slices"
	"sync"

	"github.com/juju/errors"

	"async-rpc/fault"
)

const (
	// ErrUnknownOperation is returned when a name is not registered.
	ErrUnknownOperation = errors.ConstError("unknown operation")
	// ErrDuplicateOperation is returned when a name is registered twice.
	ErrDuplicateOperation = errors.ConstError("duplicate operation")
	// ErrInvalidRequestShape is returned when a request does not match the
	// operation's request descriptor.
	ErrInvalidRequestShape = errors.ConstError("invalid request shape")
	// ErrRegistrySealed is returned by Register once the registry is in use.
	ErrRegistrySealed = errors.ConstError("operation registry sealed")
)

// Contract is the immutable description of one remote operation.
type Contract struct {
	Name     string
	Request  Descriptor
	Response Descriptor
	Errors   []fault.Kind // Declared error kinds, in documentation order
	Doc      string
}

// OperationName implements fault.Declarer.
func (c Contract) OperationName() string {
	return c.Name
}

// Declares implements fault.Declarer.
func (c Contract) Declares(k fault.Kind) bool {
	return slices.Contains(c.Errors, k)
}

// Registry maps operation names to contracts. It is filled at startup and
// sealed before dispatch begins; lookups are safe from any goroutine.
type Registry struct {
	mu     sync.RWMutex
	ops    map[string]Contract
	sealed bool
}

// NewRegistry returns a registry holding the given contracts.
func NewRegistry(contracts ...Contract) (*Registry, error) {
	r := &Registry{ops: make(map[string]Contract, len(contracts))}
	for _, c := range contracts {
		if err := r.Register(c); err != nil {
			return nil, errors.Trace(err)
		}
	}
	return r, nil
}

// Register adds a contract. The contract is copied; later changes to the
// caller's Errors slice do not affect the registry.
func (r *Registry) Register(c Contract) error {
	if c.Name == "" {
		return errors.NotValidf("empty operation name")
	}
	if c.Request.Type() == nil {
		c.Request = Empty
	}
	if c.Response.Type() == nil {
		c.Response = Empty
	}
	c.Errors = slices.Clone(c.Errors)

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.sealed {
		return errors.Annotatef(ErrRegistrySealed, "registering %q", c.Name)
	}
	if r.ops == nil {
		r.ops = make(map[string]Contract)
	}
	if _, ok := r.ops[c.Name]; ok {
		return errors.Annotatef(ErrDuplicateOperation, "%q", c.Name)
	}
	r.ops[c.Name] = c
	return nil
}

// MustRegister is Register for static tables; it panics on error.
func (r *Registry) MustRegister(contracts ...Contract) {
	for _, c := range contracts {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

// Lookup returns the contract registered under name.
func (r *Registry) Lookup(name string) (Contract, error) {
	r.mu.RLock()
	c, ok := r.ops[name]
	r.mu.RUnlock()
	if !ok {
		return Contract{}, errors.Annotatef(ErrUnknownOperation, "%q", name)
	}
	c.Errors = slices.Clone(c.Errors)
	return c, nil
}

// Names returns the registered operation names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.ops))
	for name := range r.ops {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Len returns the number of registered operations.
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.ops)
}

// Seal forbids further registration.
func (r *Registry) Seal() {
	r.mu.Lock()
	r.sealed = true
	r.mu.Unlock()
}
