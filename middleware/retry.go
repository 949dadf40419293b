package middleware

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/juju/errors"
	"github.com/rs/zerolog/log"

	"async-rpc/fault"
	"async-rpc/message"
)

// RetryOption configures Retry.
type RetryOption func(*retryConfig)

type retryConfig struct {
	classifier *fault.Classifier
}

// RetryClassifier decides retryability with c instead of
// fault.DefaultClassifier, so service-specific codes are honoured.
func RetryClassifier(c *fault.Classifier) RetryOption {
	return func(rc *retryConfig) {
		if c != nil {
			rc.classifier = c
		}
	}
}

// Retry re-sends a call whose failure is retryable (Throttled or
// TransportFailure) with exponential backoff, at most maxRetries times. A
// retry-after hint from the service is honoured when it is longer than the
// computed delay. The last outcome is returned unchanged.
func Retry(maxRetries uint64, baseDelay time.Duration, opts ...RetryOption) Middleware {
	rc := retryConfig{classifier: fault.DefaultClassifier}
	for _, opt := range opts {
		opt(&rc)
	}
	return func(next HandlerFunc) HandlerFunc {
		return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
			var (
				reply   *message.RPCMessage
				sendErr error
				hint    time.Duration
			)
			attempt := func() error {
				reply, sendErr = next(ctx, req)
				raw := outcome(reply, sendErr)
				if raw == nil {
					return nil
				}
				if !rc.classifier.Retryable(raw) {
					return backoff.Permanent(raw)
				}
				hint = fault.RetryAfterOf(raw)
				return raw
			}

			exp := backoff.NewExponentialBackOff()
			exp.InitialInterval = baseDelay
			exp.MaxElapsedTime = 0
			policy := backoff.WithContext(&hinted{
				BackOff: backoff.WithMaxRetries(exp, maxRetries),
				hint:    &hint,
			}, ctx)

			notify := func(err error, wait time.Duration) {
				log.Debug().Err(err).
					Str("op", req.Operation).
					Str("request_id", req.RequestID).
					Dur("wait", wait).
					Msg("retrying call")
			}
			if err := backoff.RetryNotify(attempt, policy, notify); err != nil && ctx.Err() != nil && errors.Is(err, ctx.Err()) {
				return nil, errors.Trace(err)
			}
			return reply, sendErr
		}
	}
}

// hinted stretches each backoff interval to the latest retry-after hint.
type hinted struct {
	backoff.BackOff
	hint *time.Duration
}

func (h *hinted) NextBackOff() time.Duration {
	d := h.BackOff.NextBackOff()
	if d == backoff.Stop {
		return d
	}
	if *h.hint > d {
		d = *h.hint
	}
	return d
}
