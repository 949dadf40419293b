package client

import (
	"time"

	"github.com/juju/clock"
	"github.com/rs/zerolog"

	"async-rpc/fault"
	"async-rpc/middleware"
)

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithLogger sets the dispatcher's logger. The default is the global zerolog
// logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithClock sets the clock used to stamp submissions and measure latency.
func WithClock(c clock.Clock) Option {
	return func(d *Dispatcher) {
		d.clock = c
	}
}

// WithClassifier replaces the default fault classifier, typically to add
// service-specific fault codes.
func WithClassifier(c *fault.Classifier) Option {
	return func(d *Dispatcher) {
		d.classifier = c
	}
}

// WithRetry adds a retry middleware at this point of the chain. It decides
// retryability with the dispatcher's classifier, whichever option sets it.
func WithRetry(maxRetries uint64, baseDelay time.Duration) Option {
	return func(d *Dispatcher) {
		d.middlewares = append(d.middlewares, func(next middleware.HandlerFunc) middleware.HandlerFunc {
			return middleware.Retry(maxRetries, baseDelay, middleware.RetryClassifier(d.classifier))(next)
		})
	}
}

// WithMaxInFlight bounds how many calls are on the wire at once. Further
// accepted calls wait for a slot; Invoke itself never blocks. Zero means
// no bound.
func WithMaxInFlight(n int64) Option {
	return func(d *Dispatcher) {
		d.maxInFlight = n
	}
}

// WithMiddleware wraps the transport, first middleware outermost.
func WithMiddleware(mws ...middleware.Middleware) Option {
	return func(d *Dispatcher) {
		d.middlewares = append(d.middlewares, mws...)
	}
}

// WithMetrics records call metrics in c.
func WithMetrics(c *Collector) Option {
	return func(d *Dispatcher) {
		d.metrics = c
	}
}

// WithPayloadCodec sets the codec for request and response payloads. The
// default is JSON.
func WithPayloadCodec(c PayloadCodec) Option {
	return func(d *Dispatcher) {
		d.payload = c
	}
}
