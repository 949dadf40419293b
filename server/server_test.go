package server

import (
	"bytes"
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"async-rpc/codec"
	"async-rpc/discovery"
	"async-rpc/fault"
	"async-rpc/message"
	"async-rpc/middleware"
	"async-rpc/protocol"
	"async-rpc/transport"
)

type Args struct {
	A, B int
}

type Reply struct {
	Result int
}

type Arith struct{}

func (a *Arith) Add(ctx context.Context, args *Args, reply *Reply) error {
	reply.Result = args.A + args.B
	return nil
}

func (a *Arith) Div(args *Args, reply *Reply) error {
	if args.B == 0 {
		return fault.Remote("InvalidParameterException", "divide by zero")
	}
	reply.Result = args.A / args.B
	return nil
}

// not an RPC method
func (a *Arith) Helper() {}

type EchoRequest struct {
	Text string `json:"text"`
}

type EchoResponse struct {
	Text string `json:"text"`
}

func echo(_ context.Context, req *EchoRequest) (*EchoResponse, error) {
	return &EchoResponse{Text: req.Text}, nil
}

func newTestServer(t *testing.T, opts ...Option) *Server {
	t.Helper()
	s := NewServer(opts...)
	require.NoError(t, s.Register(&Arith{}))
	require.NoError(t, HandleFunc(s, "Echo", echo))
	return s
}

// serve starts s on a loopback port and returns a client transport for it.
func serve(t *testing.T, s *Server, codecType codec.CodecType) *transport.ClientTransport {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	served := make(chan error, 1)
	go func() { served <- s.ServeListener(l) }()
	t.Cleanup(func() {
		assert.NoError(t, s.Shutdown(time.Second))
		assert.NoError(t, <-served)
	})

	ct, err := transport.Dial(context.Background(), l.Addr().String(), codecType, -1)
	require.NoError(t, err)
	t.Cleanup(func() { ct.Close() })
	return ct
}

func call(t *testing.T, tr transport.Transport, op string, payload string) *message.RPCMessage {
	t.Helper()
	reply, err := tr.Send(context.Background(), message.Request(op, "req-"+op, []byte(payload)))
	require.NoError(t, err)
	return reply
}

func TestRegisterNamesOperations(t *testing.T) {
	s := newTestServer(t)
	assert.Equal(t, []string{"Arith.Add", "Arith.Div", "Echo"}, s.Operations())

	err := s.Register(&Arith{})
	assert.True(t, errors.Is(err, ErrDuplicateHandler))

	assert.True(t, errors.Is(s.Register(Arith{}), errors.NotValid))
	assert.True(t, errors.Is(s.Register(&struct{}{}), errors.NotValid))
}

func TestServeOverTCP(t *testing.T) {
	for _, ct := range []codec.CodecType{codec.CodecTypeJSON, codec.CodecTypeBinary} {
		t.Run(ct.String(), func(t *testing.T) {
			tr := serve(t, newTestServer(t), ct)

			reply := call(t, tr, "Arith.Add", `{"A":1,"B":2}`)
			require.False(t, reply.Failed(), reply.Error)
			assert.JSONEq(t, `{"Result":3}`, string(reply.Payload))
			assert.Equal(t, "req-Arith.Add", reply.RequestID)

			reply = call(t, tr, "Echo", `{"text":"hi"}`)
			assert.JSONEq(t, `{"text":"hi"}`, string(reply.Payload))

			reply = call(t, tr, "Arith.Div", `{"A":1,"B":0}`)
			assert.Equal(t, "InvalidParameterException", reply.ErrorCode)
			assert.Equal(t, "divide by zero", reply.Error)

			reply = call(t, tr, "Nope", `{}`)
			assert.Equal(t, CodeUnknownOperation, reply.ErrorCode)

			reply = call(t, tr, "Echo", `{"text":`)
			assert.Equal(t, CodeSerialization, reply.ErrorCode)
		})
	}
}

func TestConcurrentCallsOnOneConnection(t *testing.T) {
	tr := serve(t, newTestServer(t), codec.CodecTypeJSON)

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			args, _ := json.Marshal(Args{A: n, B: n})
			reply, err := tr.Send(context.Background(), message.Request("Arith.Add", "", args))
			if !assert.NoError(t, err) {
				return
			}
			var r Reply
			assert.NoError(t, json.Unmarshal(reply.Payload, &r))
			assert.Equal(t, n*2, r.Result)
		}(i)
	}
	wg.Wait()
}

func TestMiddlewareFaults(t *testing.T) {
	s := newTestServer(t)
	s.Use(middleware.RateLimit(1, 1))
	tr := serve(t, s, codec.CodecTypeJSON)

	assert.False(t, call(t, tr, "Echo", `{}`).Failed())
	reply := call(t, tr, "Echo", `{}`)
	assert.Equal(t, middleware.ThrottlingCode, reply.ErrorCode)
	assert.NotZero(t, reply.RetryAfterMs)
}

func TestCancelFrameCancelsHandler(t *testing.T) {
	s := newTestServer(t)
	started := make(chan struct{})
	cancelled := make(chan struct{})
	require.NoError(t, s.Handle("Block", func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		close(started)
		<-ctx.Done()
		close(cancelled)
		return nil, ctx.Err()
	}))
	tr := serve(t, s, codec.CodecTypeJSON)

	ctx, cancel := context.WithCancel(context.Background())
	errc := make(chan error, 1)
	go func() {
		_, err := tr.Send(ctx, message.Request("Block", "", nil))
		errc <- err
	}()

	<-started
	cancel()
	assert.True(t, errors.Is(<-errc, context.Canceled))
	select {
	case <-cancelled:
	case <-time.After(2 * time.Second):
		t.Fatal("handler context was not cancelled")
	}

	// the connection stays usable
	assert.False(t, call(t, tr, "Arith.Add", `{"A":1,"B":1}`).Failed())
}

func TestAdvertisesInRegistry(t *testing.T) {
	reg := discovery.NewStatic("Arith")
	s := newTestServer(t, WithRegistry(reg, "Arith", "127.0.0.1:7777", time.Second))

	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.ServeListener(l) }()

	assert.Eventually(t, func() bool {
		eps, _ := reg.Discover(context.Background(), "Arith")
		return len(eps) == 1 && eps[0].Addr == "127.0.0.1:7777"
	}, time.Second, 10*time.Millisecond)

	require.NoError(t, s.Shutdown(time.Second))
	require.NoError(t, <-served)
	eps, err := reg.Discover(context.Background(), "Arith")
	require.NoError(t, err)
	assert.Empty(t, eps)
}

func TestShutdownWaitsForInFlight(t *testing.T) {
	s := NewServer()
	release := make(chan struct{})
	require.NoError(t, s.Handle("Slow", func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		<-release
		return req.Reply(), nil
	}))
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	served := make(chan error, 1)
	go func() { served <- s.ServeListener(l) }()

	tr, err := transport.Dial(context.Background(), l.Addr().String(), codec.CodecTypeJSON, -1)
	require.NoError(t, err)
	defer tr.Close()
	go tr.Send(context.Background(), message.Request("Slow", "", nil))

	assert.Eventually(t, func() bool {
		s.mu.RLock()
		defer s.mu.RUnlock()
		return len(s.conns) == 1
	}, time.Second, 5*time.Millisecond)
	time.Sleep(20 * time.Millisecond)

	err = s.Shutdown(50 * time.Millisecond)
	assert.True(t, errors.Is(err, ErrShutdownTimeout))
	close(release)
	assert.NoError(t, <-served)
}

func TestRequestsAfterShutdownBeginAreRejected(t *testing.T) {
	s := NewServer()
	started := make(chan struct{})
	release := make(chan struct{})
	require.NoError(t, s.Handle("Slow", func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		close(started)
		<-release
		return req.Reply(), nil
	}))
	var late atomic.Int32
	require.NoError(t, s.Handle("Late", func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		late.Add(1)
		return req.Reply(), nil
	}))
	tr := serve(t, s, codec.CodecTypeJSON)

	go tr.Send(context.Background(), message.Request("Slow", "", nil))
	<-started

	stopped := make(chan error, 1)
	go func() { stopped <- s.Shutdown(5 * time.Second) }()
	require.Eventually(t, s.shutdown.Load, time.Second, time.Millisecond)

	reply, err := tr.Send(context.Background(), message.Request("Late", "r-late", nil))
	require.NoError(t, err)
	assert.Equal(t, CodeUnavailable, reply.ErrorCode)
	assert.Equal(t, "r-late", reply.RequestID)
	assert.Zero(t, late.Load())

	close(release)
	assert.NoError(t, <-stopped)
}

func TestHTTPRejectsOversizeBody(t *testing.T) {
	srv := httptest.NewServer(newTestServer(t).HTTPHandler())
	defer srv.Close()

	body := bytes.Repeat([]byte(" "), int(protocol.MaxBodyLen)+1)
	resp, err := http.Post(srv.URL+transport.OperationPath+"Echo", "application/json", bytes.NewReader(body))
	require.NoError(t, err)
	defer resp.Body.Close()

	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	var herr transport.HTTPError
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&herr))
	assert.Equal(t, CodeSerialization, herr.Type)
	assert.Contains(t, herr.Message, "exceeds")
}

func TestHTTPBinding(t *testing.T) {
	s := newTestServer(t)
	s.Use(middleware.RateLimit(1000, 1000))
	require.NoError(t, HandleFunc(s, "Busy", func(context.Context, *EchoRequest) (*EchoResponse, error) {
		return nil, &fault.RemoteError{Code: "ThrottlingException", Message: "slow down", RetryAfter: 1500 * time.Millisecond}
	}))
	srv := httptest.NewServer(s.HTTPHandler())
	defer srv.Close()

	tr := transport.NewHTTPTransport(srv.URL, srv.Client())

	reply := call(t, tr, "Echo", `{"text":"hi"}`)
	assert.JSONEq(t, `{"text":"hi"}`, string(reply.Payload))

	_, err := tr.Send(context.Background(), message.Request("Busy", "", nil))
	var re *fault.RemoteError
	require.ErrorAs(t, err, &re)
	assert.Equal(t, "ThrottlingException", re.Code)
	assert.Equal(t, "slow down", re.Message)
	assert.Equal(t, http.StatusTooManyRequests, re.StatusCode)
	assert.Equal(t, 2*time.Second, re.RetryAfter)

	_, err = tr.Send(context.Background(), message.Request("Arith.Div", "", []byte(`{"A":1,"B":0}`)))
	require.ErrorAs(t, err, &re)
	assert.Equal(t, http.StatusBadRequest, re.StatusCode)

	_, err = tr.Send(context.Background(), message.Request("Nope", "", nil))
	require.ErrorAs(t, err, &re)
	assert.Equal(t, CodeUnknownOperation, re.Code)
	assert.Equal(t, http.StatusInternalServerError, re.StatusCode)

	resp, err := srv.Client().Get(srv.URL + "/v1/operations")
	require.NoError(t, err)
	defer resp.Body.Close()
	var names []string
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&names))
	assert.Contains(t, names, "Echo")
}
