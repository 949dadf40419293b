package middleware

import (
	"context"
	"time"

	"github.com/juju/errors"

	"async-rpc/message"
)

// Timeout bounds a call. When the bound passes first the caller gets an error
// matching context.DeadlineExceeded; next keeps running with a cancelled
// context until it notices.
func Timeout(timeout time.Duration) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			ctx, cancel := context.WithTimeout(ctx, timeout)
			defer cancel()

			type result struct {
				reply *message.RPCMessage
				err   error
			}
			done := make(chan result, 1)
			go func() {
				reply, err := next(ctx, req)
				done <- result{reply, err}
			}()

			select {
			case r := <-done:
				return r.reply, r.err
			case <-ctx.Done():
				return nil, errors.Annotatef(ctx.Err(), "%s timed out after %s", req.Operation, timeout)
			}
		}
	}
}
