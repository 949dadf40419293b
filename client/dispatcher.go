// Package client implements the asynchronous request dispatcher. A caller
// names an operation and passes a request value; the dispatcher checks the
// request against the operation's contract, sends it through a Transport
// on its own goroutine and hands back a future straight away.
package client

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"
	jsoniter "github.com/json-iterator/go"
	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"async-rpc/fault"
	"async-rpc/future"
	"async-rpc/message"
	"async-rpc/middleware"
	"async-rpc/operation"
	"async-rpc/transport"
)

const (
	// ErrResponseTypeMismatch is returned by Invoke when the requested
	// response type differs from the operation's response descriptor.
	ErrResponseTypeMismatch = errors.ConstError("response type mismatch")
	// ErrDispatcherClosed is returned for calls made after Close.
	ErrDispatcherClosed = errors.ConstError("dispatcher closed")
)

// PayloadCodec encodes request values and decodes response payloads.
// jsoniter.API satisfies it.
type PayloadCodec interface {
	Marshal(v any) ([]byte, error)
	Unmarshal(data []byte, v any) error
}

// PendingCall is an accepted call that has not resolved yet.
type PendingCall struct {
	ID          uuid.UUID
	Contract    operation.Contract
	SubmittedAt time.Time

	state  func() future.State
	cancel func() bool
}

// State returns the state of the call's future.
func (c *PendingCall) State() future.State {
	return c.state()
}

// Dispatcher turns operation invocations into transport sends. It is safe
// for concurrent use.
type Dispatcher struct {
	ops       *operation.Registry
	transport transport.Transport

	logger      zerolog.Logger
	clock       clock.Clock
	classifier  *fault.Classifier
	maxInFlight int64
	sem         *semaphore.Weighted
	middlewares []middleware.Middleware
	metrics     *Collector
	payload     PayloadCodec

	mu      sync.Mutex
	closed  bool
	pending map[uuid.UUID]*PendingCall
	wg      sync.WaitGroup
}

// New returns a dispatcher for the operations in ops, sending through t.
// The registry is sealed.
func New(ops *operation.Registry, t transport.Transport, opts ...Option) *Dispatcher {
	d := &Dispatcher{
		ops:        ops,
		logger:     log.Logger,
		clock:      clock.WallClock,
		classifier: fault.DefaultClassifier,
		payload:    jsoniter.ConfigCompatibleWithStandardLibrary,
		pending:    make(map[uuid.UUID]*PendingCall),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.maxInFlight > 0 {
		d.sem = semaphore.NewWeighted(d.maxInFlight)
	}
	d.transport = transport.Wrap(t, d.middlewares...)
	ops.Seal()
	return d
}

// Invoke starts a call of the named operation. On success the future
// resolves to a pointer to a fresh value of the operation's response type.
//
// Errors returned here are synchronous: the operation is unknown, the
// request does not fit the contract, or the dispatcher is closed. No call
// is made in those cases. Every later failure is delivered through the
// future as a *fault.Error.
func (d *Dispatcher) Invoke(ctx context.Context, name string, req any, callbacks ...future.Callback[any]) (*future.Future[any], error) {
	c, payload, err := d.prepare(name, req)
	if err != nil {
		return nil, errors.Trace(err)
	}
	decode := func(data []byte) (any, error) {
		resp := c.Response.New()
		if len(data) == 0 {
			return resp, nil
		}
		return resp, errors.Trace(d.payload.Unmarshal(data, resp))
	}
	return start(ctx, d, c, payload, decode, callbacks)
}

func (d *Dispatcher) prepare(name string, req any) (operation.Contract, []byte, error) {
	c, err := d.ops.Lookup(name)
	if err != nil {
		return c, nil, errors.Trace(err)
	}
	if err := c.Request.Check(req); err != nil {
		return c, nil, errors.Annotatef(err, "invoking %q", name)
	}
	payload, err := d.payload.Marshal(req)
	if err != nil {
		return c, nil, errors.Annotatef(operation.ErrInvalidRequestShape, "encoding %q request: %v", name, err)
	}
	return c, payload, nil
}

// start registers a pending call and sends it on a new goroutine.
//
// The send runs under a context detached from ctx's cancellation but
// bounded by its deadline: cancelling ctx cancels the future, and the
// future's cancel hook is what stops the send. A deadline instead lets the
// transport fail with a timeout, which classifies as TransportFailure.
func start[T any](ctx context.Context, d *Dispatcher, c operation.Contract, payload []byte, decode func([]byte) (T, error), callbacks []future.Callback[T]) (*future.Future[T], error) {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil, errors.Annotatef(ErrDispatcherClosed, "invoking %q", c.Name)
	}

	callCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	if deadline, ok := ctx.Deadline(); ok {
		var cancelDeadline context.CancelFunc
		callCtx, cancelDeadline = context.WithDeadline(callCtx, deadline)
		parent := cancel
		cancel = func() {
			cancelDeadline()
			parent()
		}
	}

	f, p := future.New[T](cancel)
	call := &PendingCall{
		ID:          uuid.New(),
		Contract:    c,
		SubmittedAt: d.clock.Now(),
		state:       f.State,
		cancel:      f.Cancel,
	}
	d.pending[call.ID] = call
	d.wg.Add(1)
	d.mu.Unlock()
	d.metrics.started()

	stop := context.AfterFunc(ctx, func() {
		if errors.Is(ctx.Err(), context.Canceled) {
			f.Cancel()
		}
	})
	f.OnComplete(func(_ T, err error) {
		stop()
		cancel()
		d.mu.Lock()
		delete(d.pending, call.ID)
		d.mu.Unlock()
		d.metrics.finished(c.Name, outcome(f.State(), err), d.clock.Now().Sub(call.SubmittedAt))
	})
	for _, cb := range callbacks {
		f.OnComplete(cb)
	}

	go func() {
		defer d.wg.Done()
		run(callCtx, d, call, payload, p, decode)
	}()
	return f, nil
}

func run[T any](ctx context.Context, d *Dispatcher, call *PendingCall, payload []byte, p *future.Promise[T], decode func([]byte) (T, error)) {
	requestID := call.ID.String()
	logger := d.logger.With().Str("op", call.Contract.Name).Str("request_id", requestID).Logger()

	err := func() error {
		if d.sem != nil {
			if err := d.sem.Acquire(ctx, 1); err != nil {
				return errors.Annotate(err, "waiting for a send slot")
			}
			defer d.sem.Release(1)
		}

		reply, err := d.transport.Send(ctx, message.Request(call.Contract.Name, requestID, payload))
		if err != nil {
			return err
		}
		if reply == nil {
			return errors.New("transport returned no reply")
		}
		if reply.Failed() {
			return reply.Fault()
		}
		v, err := decode(reply.Payload)
		if err != nil {
			return errors.Annotatef(err, "decoding %s response", call.Contract.Name)
		}
		if p.Succeed(v) {
			logger.Debug().Msg("call succeeded")
		}
		return nil
	}()
	if err == nil {
		return
	}

	fe := d.classifier.Classify(call.Contract, err)
	fe.RequestID = requestID
	if p.Fail(fe) {
		logger.Debug().Str("kind", string(fe.Kind)).Err(err).Msg("call failed")
	}
}

func outcome(state future.State, err error) string {
	switch state {
	case future.Succeeded:
		return "success"
	case future.Cancelled:
		return "cancelled"
	}
	if k := fault.KindOf(err); k != "" {
		return string(k)
	}
	return string(fault.ServiceFault)
}

// InFlight returns the number of accepted calls not yet resolved.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.pending)
}

// Pending returns the unresolved call with the given id.
func (d *Dispatcher) Pending(id uuid.UUID) (*PendingCall, bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	call, ok := d.pending[id]
	return call, ok
}

// Close rejects new calls, cancels the ones in flight and waits until their
// goroutines have returned or ctx is done. The transport is not closed.
func (d *Dispatcher) Close(ctx context.Context) error {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return nil
	}
	d.closed = true
	calls := make([]*PendingCall, 0, len(d.pending))
	for _, call := range d.pending {
		calls = append(calls, call)
	}
	d.mu.Unlock()

	for _, call := range calls {
		call.cancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return errors.Annotate(ctx.Err(), "waiting for in-flight calls")
	}
}
