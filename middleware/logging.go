package middleware

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"async-rpc/message"
)

// Logging records every call with its operation, request id and duration.
// Successful calls log at debug level, service faults at info and transport
// failures at warn.
func Logging(logger zerolog.Logger) Middleware {
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			start := time.Now()
			reply, err := next(ctx, req)

			var ev *zerolog.Event
			switch {
			case err != nil:
				ev = logger.Warn().Err(err)
			case reply != nil && reply.Failed():
				ev = logger.Info().Str("code", reply.ErrorCode).Str("error", reply.Error)
			default:
				ev = logger.Debug()
			}
			ev.Str("op", req.Operation).
				Str("request_id", req.RequestID).
				Dur("duration", time.Since(start)).
				Msg("rpc call")
			return reply, err
		}
	}
}
