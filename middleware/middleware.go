// Package middleware provides the onion-model handler chain shared by the
// client dispatcher and the server.
//
// A HandlerFunc moves one envelope. A service fault travels either as a reply
// whose ErrorCode is set or as a *fault.RemoteError; any other error is a
// failure outside the service's answer (broken connection, timeout).
package middleware

import (
	"context"

	"async-rpc/message"
)

type HandlerFunc func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error)

type Middleware func(next HandlerFunc) HandlerFunc

// Chain composes middlewares so that the first one is outermost:
// Chain(A, B, C)(h) == A(B(C(h))).
func Chain(middlewares ...Middleware) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		for i := len(middlewares) - 1; i >= 0; i-- {
			next = middlewares[i](next)
		}
		return next
	}
}

// outcome folds a handler result into a single raw error: the Go error if
// any, else the reply's fault, else nil.
func outcome(reply *message.RPCMessage, err error) error {
	if err != nil {
		return err
	}
	if reply != nil && reply.Failed() {
		return reply.Fault()
	}
	return nil
}
