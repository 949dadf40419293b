package middleware

import (
	"context"

	"github.com/juju/errors"
	"golang.org/x/time/rate"

	"async-rpc/fault"
	"async-rpc/message"
)

// ThrottlingCode is the fault code RateLimit rejects calls with.
const ThrottlingCode = "ThrottlingException"

// RateLimit is the server-side token bucket. Calls over the limit are refused
// with a ThrottlingException carrying the time until a token is available.
func RateLimit(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			res := limiter.Reserve()
			if !res.OK() {
				return nil, fault.Remote(ThrottlingCode, "rate limit exceeded")
			}
			if delay := res.Delay(); delay > 0 {
				res.Cancel()
				return nil, &fault.RemoteError{
					Code:       ThrottlingCode,
					Message:    "rate limit exceeded",
					RetryAfter: delay,
				}
			}
			return next(ctx, req)
		}
	}
}

// Throttle is the client-side counterpart: it delays calls until the bucket
// allows them instead of refusing them.
func Throttle(r float64, burst int) Middleware {
	limiter := rate.NewLimiter(rate.Limit(r), burst)
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			if err := limiter.Wait(ctx); err != nil {
				return nil, errors.Annotatef(err, "throttling %s", req.Operation)
			}
			return next(ctx, req)
		}
	}
}
