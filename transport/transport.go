// Package transport moves request envelopes to a service and brings replies
// back.
//
// A Transport returns a Go error only when no answer could be obtained or
// the service refused the call outside the envelope (an HTTP error status,
// for example, arrives as a *fault.RemoteError). A fault the service
// answered with inside the envelope comes back as a reply whose ErrorCode is
// set. The dispatcher treats both through the same classifier.
package transport

import (
	"context"

	"github.com/juju/errors"

	"async-rpc/fault"
	"async-rpc/message"
	"async-rpc/middleware"
)

const (
	// ErrTransportClosed is returned by Send after Close or a broken connection.
	ErrTransportClosed = errors.ConstError("transport closed")
	// ErrNoEndpoints is returned when discovery finds no instance of a service.
	ErrNoEndpoints = errors.ConstError("no endpoints available")
)

// Transport sends one request and waits for its reply. Implementations are
// safe for concurrent use.
type Transport interface {
	Send(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)
}

// Func adapts a plain function, typically a test double, to Transport.
type Func func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)

func (f Func) Send(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	return f(ctx, req)
}

// Wrap returns t with client-side middleware applied, first middleware
// outermost.
func Wrap(t Transport, mws ...middleware.Middleware) Transport {
	if len(mws) == 0 {
		return t
	}
	return Func(middleware.Chain(mws...)(t.Send))
}

// Loopback serves requests in-process with a server-side handler. Handler
// errors become fault replies the way a remote server would encode them.
func Loopback(h middleware.HandlerFunc) Transport {
	return Func(func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		if err := ctx.Err(); err != nil {
			return nil, errors.Trace(err)
		}
		reply, err := h(ctx, req)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return nil, errors.Trace(ctxErr)
			}
			reply = req.Reply()
			reply.SetFault(err)
		}
		if reply == nil {
			reply = req.Reply()
		}
		return reply, nil
	})
}

// connectivity marks err so the classifier reports it as TransportFailure.
func connectivity(err error, format string, args ...any) error {
	return errors.WithType(errors.Annotatef(err, format, args...), fault.ErrConnectivity)
}
