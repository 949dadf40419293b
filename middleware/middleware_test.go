package middleware

import (
	"bytes"
	"context"
	"io"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"async-rpc/fault"
	"async-rpc/message"
)

func echoHandler(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	reply := req.Reply()
	reply.Payload = []byte("ok")
	return reply, nil
}

func slowHandler(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	select {
	case <-time.After(200 * time.Millisecond):
		return echoHandler(ctx, req)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// scripted replays outcomes in order and counts calls.
type scripted struct {
	calls    atomic.Int32
	outcomes []func(req *message.RPCMessage) (*message.RPCMessage, error)
}

func (s *scripted) handle(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	n := int(s.calls.Add(1)) - 1
	if n >= len(s.outcomes) {
		n = len(s.outcomes) - 1
	}
	return s.outcomes[n](req)
}

func ok(req *message.RPCMessage) (*message.RPCMessage, error) {
	return echoHandler(context.Background(), req)
}

func coded(code string, retryAfterMs uint32) func(*message.RPCMessage) (*message.RPCMessage, error) {
	return func(req *message.RPCMessage) (*message.RPCMessage, error) {
		reply := req.Reply()
		reply.ErrorCode = code
		reply.Error = "refused"
		reply.RetryAfterMs = retryAfterMs
		return reply, nil
	}
}

func broken(req *message.RPCMessage) (*message.RPCMessage, error) {
	return nil, errors.Trace(io.ErrUnexpectedEOF)
}

func request() *message.RPCMessage {
	return message.Request("Echo", "req-1", []byte(`{"text":"hi"}`))
}

func TestLogging(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf).Level(zerolog.DebugLevel)

	handler := Logging(logger)(echoHandler)
	reply, err := handler(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "ok", string(reply.Payload))
	assert.Contains(t, buf.String(), `"op":"Echo"`)
	assert.Contains(t, buf.String(), `"request_id":"req-1"`)

	buf.Reset()
	_, err = Logging(logger)(func(_ context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		return broken(req)
	})(context.Background(), request())
	require.Error(t, err)
	assert.Contains(t, buf.String(), `"level":"warn"`)
}

func TestTimeoutPass(t *testing.T) {
	handler := Timeout(500 * time.Millisecond)(echoHandler)
	reply, err := handler(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, reply.Failed())
}

func TestTimeoutExceeded(t *testing.T) {
	handler := Timeout(50 * time.Millisecond)(slowHandler)
	_, err := handler(context.Background(), request())
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Contains(t, err.Error(), "timed out")
	assert.Equal(t, fault.TransportFailure, fault.DefaultClassifier.Classify(nil, err).Kind)
}

func TestRateLimit(t *testing.T) {
	// rate=1 per second, burst=2: two calls pass, the third is refused
	handler := RateLimit(1, 2)(echoHandler)

	for i := 0; i < 2; i++ {
		_, err := handler(context.Background(), request())
		require.NoError(t, err, "request %d", i)
	}

	_, err := handler(context.Background(), request())
	require.Error(t, err)
	assert.Equal(t, ThrottlingCode, fault.CodeOf(err))
	assert.Greater(t, fault.RetryAfterOf(err), time.Duration(0))
	assert.True(t, fault.DefaultClassifier.Retryable(err))
}

func TestThrottleWaits(t *testing.T) {
	handler := Throttle(20, 1)(echoHandler)
	start := time.Now()
	for i := 0; i < 3; i++ {
		_, err := handler(context.Background(), request())
		require.NoError(t, err)
	}
	assert.GreaterOrEqual(t, time.Since(start), 80*time.Millisecond)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := handler(ctx, request())
	assert.Error(t, err)
}

func TestRetryRecoversFromTransientFailures(t *testing.T) {
	s := &scripted{outcomes: []func(*message.RPCMessage) (*message.RPCMessage, error){
		broken,
		coded("ThrottlingException", 0),
		ok,
	}}
	handler := Retry(3, time.Millisecond)(s.handle)

	reply, err := handler(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, reply.Failed())
	assert.Equal(t, int32(3), s.calls.Load())
}

func TestRetryStopsOnPermanentFault(t *testing.T) {
	s := &scripted{outcomes: []func(*message.RPCMessage) (*message.RPCMessage, error){
		coded("InvalidParameterException", 0),
		ok,
	}}
	handler := Retry(3, time.Millisecond)(s.handle)

	reply, err := handler(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "InvalidParameterException", reply.ErrorCode)
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestRetryUsesGivenClassifier(t *testing.T) {
	outcomes := []func(*message.RPCMessage) (*message.RPCMessage, error){
		coded("LimitExceededException", 0),
		ok,
	}

	s := &scripted{outcomes: outcomes}
	reply, err := Retry(3, time.Millisecond)(s.handle)(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, "LimitExceededException", reply.ErrorCode)
	assert.Equal(t, int32(1), s.calls.Load())

	c := fault.NewClassifier(map[string]fault.Kind{"LimitExceededException": fault.Throttled})
	s = &scripted{outcomes: outcomes}
	reply, err = Retry(3, time.Millisecond, RetryClassifier(c))(s.handle)(context.Background(), request())
	require.NoError(t, err)
	assert.False(t, reply.Failed())
	assert.Equal(t, int32(2), s.calls.Load())
}

func TestRetryGivesUpWithLastOutcome(t *testing.T) {
	s := &scripted{outcomes: []func(*message.RPCMessage) (*message.RPCMessage, error){broken}}
	handler := Retry(2, time.Millisecond)(s.handle)

	_, err := handler(context.Background(), request())
	assert.True(t, errors.Is(err, io.ErrUnexpectedEOF))
	assert.Equal(t, int32(3), s.calls.Load())
}

func TestRetryHonoursRetryAfter(t *testing.T) {
	s := &scripted{outcomes: []func(*message.RPCMessage) (*message.RPCMessage, error){
		coded("ThrottlingException", 60),
		ok,
	}}
	handler := Retry(1, time.Millisecond)(s.handle)

	start := time.Now()
	_, err := handler(context.Background(), request())
	require.NoError(t, err)
	assert.GreaterOrEqual(t, time.Since(start), 60*time.Millisecond)
}

func TestRetryStopsWhenContextEnds(t *testing.T) {
	s := &scripted{outcomes: []func(*message.RPCMessage) (*message.RPCMessage, error){
		coded("ThrottlingException", 10_000),
	}}
	handler := Retry(5, time.Millisecond)(s.handle)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	defer cancel()
	_, err := handler(ctx, request())
	assert.True(t, errors.Is(err, context.DeadlineExceeded))
	assert.Equal(t, int32(1), s.calls.Load())
}

func TestChainOrder(t *testing.T) {
	var trace []string
	mark := func(name string) Middleware {
		return func(next HandlerFunc) HandlerFunc {
			return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
				trace = append(trace, name+">")
				reply, err := next(ctx, req)
				trace = append(trace, "<"+name)
				return reply, err
			}
		}
	}

	handler := Chain(mark("a"), mark("b"), Timeout(500*time.Millisecond))(echoHandler)
	_, err := handler(context.Background(), request())
	require.NoError(t, err)
	assert.Equal(t, []string{"a>", "b>", "<b", "<a"}, trace)
}
