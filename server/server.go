// Package server hosts operation handlers behind the TCP frame protocol and,
// optionally, the JSON/HTTP binding.
//
// Request processing pipeline:
//
//	Accept conn → handleConn (single goroutine reads frames)
//	  → request frame: go handleRequest (parallel processing)
//	    → Codec.Decode → Middleware Chain → operation handler → Codec.Encode → write response
//	  → cancel frame: cancel the matching handler's context
package server

import (
	"context"
	"net"
	"reflect"
	"sort"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"
	jsoniter "github.com/json-iterator/go"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"async-rpc/codec"
	"async-rpc/discovery"
	"async-rpc/fault"
	"async-rpc/message"
	"async-rpc/middleware"
	"async-rpc/protocol"
)

const (
	// ErrDuplicateHandler is returned when an operation name is handled twice.
	ErrDuplicateHandler = errors.ConstError("duplicate handler")
	// ErrShutdownTimeout is returned when in-flight requests outlive Shutdown's timeout.
	ErrShutdownTimeout = errors.ConstError("timeout waiting for ongoing requests to finish")
)

// Fault codes produced by the server itself.
const (
	CodeUnknownOperation = "UnknownOperationException"
	CodeSerialization    = "SerializationException"
	CodeUnavailable      = "ServiceUnavailable"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Server dispatches requests to handlers registered by operation name.
type Server struct {
	mu          sync.RWMutex
	handlers    map[string]middleware.HandlerFunc
	middlewares []middleware.Middleware

	entryOnce sync.Once
	entry     middleware.HandlerFunc // middleware(...(dispatch)), built on first use

	logger zerolog.Logger

	registry  discovery.Registry
	service   string
	advertise string
	ttl       time.Duration

	listener net.Listener
	conns    map[net.Conn]struct{}
	wg       sync.WaitGroup // in-flight requests; Add only under mu with shutdown unset
	shutdown atomic.Bool
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the server's logger. The default is the global zerolog logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithRegistry advertises the server as an endpoint of service while it is
// serving. advertise is the routable address clients dial, which differs
// from a listen address such as ":8080".
func WithRegistry(reg discovery.Registry, service, advertise string, ttl time.Duration) Option {
	return func(s *Server) {
		s.registry = reg
		s.service = service
		s.advertise = advertise
		s.ttl = ttl
	}
}

// NewServer creates a server with no handlers.
func NewServer(opts ...Option) *Server {
	s := &Server{
		handlers: make(map[string]middleware.HandlerFunc),
		conns:    make(map[net.Conn]struct{}),
		logger:   log.Logger,
		ttl:      10 * time.Second,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Register exposes the RPC methods of rcvr as operations named "Type.Method".
func (s *Server) Register(rcvr any) error {
	svc, err := newService(rcvr)
	if err != nil {
		return errors.Trace(err)
	}
	names := make([]string, 0, len(svc.method))
	for name := range svc.method {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		if err := s.Handle(svc.name+"."+name, reflectHandler(svc, svc.method[name])); err != nil {
			return errors.Trace(err)
		}
	}
	return nil
}

func reflectHandler(svc *service, m *methodType) middleware.HandlerFunc {
	return func(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
		argv := reflect.New(m.ArgType)
		if len(req.Payload) > 0 {
			if err := json.Unmarshal(req.Payload, argv.Interface()); err != nil {
				return nil, fault.Remote(CodeSerialization, "decoding %s request: %v", req.Operation, err)
			}
		}
		replyv := reflect.New(m.ReplyType)
		if err := svc.call(ctx, m, argv, replyv); err != nil {
			return nil, err
		}
		payload, err := json.Marshal(replyv.Interface())
		if err != nil {
			return nil, errors.Annotatef(err, "encoding %s reply", req.Operation)
		}
		reply := req.Reply()
		reply.Payload = payload
		return reply, nil
	}
}

// Handle registers h for operation name.
func (s *Server) Handle(name string, h middleware.HandlerFunc) error {
	if name == "" || h == nil {
		return errors.NotValidf("handler for %q", name)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.handlers[name]; ok {
		return errors.Annotatef(ErrDuplicateHandler, "%q", name)
	}
	s.handlers[name] = h
	return nil
}

// HandleFunc registers a typed handler: the request payload is decoded into
// a fresh Req and the returned Resp becomes the reply payload.
func HandleFunc[Req, Resp any](s *Server, name string, fn func(ctx context.Context, req *Req) (*Resp, error)) error {
	return s.Handle(name, func(ctx context.Context, msg *message.RPCMessage) (*message.RPCMessage, error) {
		req := new(Req)
		if len(msg.Payload) > 0 {
			if err := json.Unmarshal(msg.Payload, req); err != nil {
				return nil, fault.Remote(CodeSerialization, "decoding %s request: %v", msg.Operation, err)
			}
		}
		resp, err := fn(ctx, req)
		if err != nil {
			return nil, err
		}
		reply := msg.Reply()
		if resp != nil {
			if reply.Payload, err = json.Marshal(resp); err != nil {
				return nil, errors.Annotatef(err, "encoding %s reply", msg.Operation)
			}
		}
		return reply, nil
	})
}

// Operations returns the handled operation names in sorted order.
func (s *Server) Operations() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	names := make([]string, 0, len(s.handlers))
	for name := range s.handlers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Use registers a middleware. Middlewares apply in the order they are added
// and must be added before the server handles its first request.
func (s *Server) Use(mw middleware.Middleware) {
	s.mu.Lock()
	s.middlewares = append(s.middlewares, mw)
	s.mu.Unlock()
}

// Handler returns the middleware-wrapped dispatch function. It is what the
// TCP and HTTP front ends call, and can back a transport.Loopback.
func (s *Server) Handler() middleware.HandlerFunc {
	s.entryOnce.Do(func() {
		s.mu.RLock()
		mws := append([]middleware.Middleware(nil), s.middlewares...)
		s.mu.RUnlock()
		// Chain(A, B, C)(h) → A(B(C(h))): A.before → B.before → C.before → h → C.after → B.after → A.after
		s.entry = middleware.Chain(mws...)(s.dispatch)
	})
	return s.entry
}

func (s *Server) dispatch(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	s.mu.RLock()
	h, ok := s.handlers[req.Operation]
	s.mu.RUnlock()
	if !ok {
		return nil, fault.Remote(CodeUnknownOperation, "unknown operation %q", req.Operation)
	}
	return h(ctx, req)
}

// Serve listens on address and serves until Shutdown.
func (s *Server) Serve(network, address string) error {
	listener, err := net.Listen(network, address)
	if err != nil {
		return errors.Trace(err)
	}
	return s.ServeListener(listener)
}

// ServeListener serves connections accepted from l until Shutdown. With a
// registry configured, the server is advertised once it is accepting.
func (s *Server) ServeListener(l net.Listener) error {
	s.mu.Lock()
	s.listener = l
	s.mu.Unlock()
	handler := s.Handler()

	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		err := s.registry.Register(ctx, s.service, discovery.Endpoint{Addr: s.advertise, Weight: 1}, s.ttl)
		cancel()
		if err != nil {
			l.Close()
			return errors.Annotatef(err, "advertising %s", s.advertise)
		}
		s.logger.Info().Str("service", s.service).Str("addr", s.advertise).Msg("registered endpoint")
	}

	s.logger.Info().Str("addr", l.Addr().String()).Msg("serving")
	for {
		conn, err := l.Accept()
		if err != nil {
			// Shutdown closes the listener; that Accept error is expected.
			if s.shutdown.Load() {
				return nil
			}
			return errors.Trace(err)
		}
		s.mu.Lock()
		s.conns[conn] = struct{}{}
		s.mu.Unlock()
		go s.handleConn(conn, handler)
	}
}

// handleConn is the only reader of conn. Requests run in their own
// goroutines and share writeMu so their responses do not interleave.
func (s *Server) handleConn(conn net.Conn, handler middleware.HandlerFunc) {
	connCtx, cancelConn := context.WithCancel(context.Background())
	defer func() {
		cancelConn()
		conn.Close()
		s.mu.Lock()
		delete(s.conns, conn)
		s.mu.Unlock()
	}()

	writeMu := &sync.Mutex{}
	var callsMu sync.Mutex
	calls := make(map[uint32]context.CancelFunc)

	for {
		header, body, err := protocol.Decode(conn)
		if err != nil {
			if errors.Is(err, protocol.ErrFrame) {
				s.logger.Warn().Err(err).Str("remote", conn.RemoteAddr().String()).Msg("dropping connection")
			}
			return
		}

		switch header.MsgType {
		case protocol.MsgTypeHeartbeat:
			continue
		case protocol.MsgTypeCancel:
			callsMu.Lock()
			if cancel, ok := calls[header.Seq]; ok {
				cancel()
				delete(calls, header.Seq)
			}
			callsMu.Unlock()
			continue
		case protocol.MsgTypeResponse:
			continue
		}

		if !s.admit() {
			s.reject(header, body, conn, writeMu)
			continue
		}

		ctx, cancel := context.WithCancel(connCtx)
		callsMu.Lock()
		calls[header.Seq] = cancel
		callsMu.Unlock()

		go func(header *protocol.Header, body []byte) {
			defer s.wg.Done()
			defer func() {
				callsMu.Lock()
				delete(calls, header.Seq)
				callsMu.Unlock()
				cancel()
			}()
			s.handleRequest(ctx, handler, header, body, conn, writeMu)
		}(header, body)
	}
}

// admit counts a new in-flight request unless Shutdown has begun.
func (s *Server) admit() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.shutdown.Load() {
		return false
	}
	s.wg.Add(1)
	return true
}

// reject answers a request that arrived after Shutdown began without running it.
func (s *Server) reject(header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))
	var req message.RPCMessage
	_ = c.Decode(body, &req)
	reply := req.Reply()
	reply.SetFault(fault.Remote(CodeUnavailable, "server is shutting down"))
	s.writeReply(c, header, &req, reply, conn, writeMu)
}

func (s *Server) handleRequest(ctx context.Context, handler middleware.HandlerFunc, header *protocol.Header, body []byte, conn net.Conn, writeMu *sync.Mutex) {
	c := codec.GetCodec(codec.CodecType(header.CodecType))

	var req message.RPCMessage
	var reply *message.RPCMessage
	if err := c.Decode(body, &req); err != nil {
		reply = req.Reply()
		reply.SetFault(fault.Remote(CodeSerialization, "decoding envelope: %v", err))
	} else {
		var err error
		reply, err = handler(ctx, &req)
		if ctx.Err() != nil {
			// cancelled by the client or the connection is gone
			return
		}
		if err != nil {
			reply = req.Reply()
			reply.SetFault(err)
		} else if reply == nil {
			reply = req.Reply()
		}
	}

	s.writeReply(c, header, &req, reply, conn, writeMu)
}

func (s *Server) writeReply(c codec.Codec, header *protocol.Header, req, reply *message.RPCMessage, conn net.Conn, writeMu *sync.Mutex) {
	result, err := c.Encode(reply)
	if err != nil {
		s.logger.Error().Err(err).Str("op", req.Operation).Msg("encoding reply")
		reply = req.Reply()
		reply.SetFault(err)
		if result, err = c.Encode(reply); err != nil {
			return
		}
	}

	writeMu.Lock()
	defer writeMu.Unlock()
	err = protocol.Encode(conn, &protocol.Header{
		CodecType: header.CodecType,
		MsgType:   protocol.MsgTypeResponse,
		Seq:       header.Seq,
	}, result)
	if err != nil {
		s.logger.Debug().Err(err).Str("op", req.Operation).Msg("writing reply")
	}
}

// Addr returns the listener's address, or nil before serving starts.
func (s *Server) Addr() net.Addr {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.listener == nil {
		return nil
	}
	return s.listener.Addr()
}

// Shutdown performs graceful shutdown:
//  1. Deregister from discovery so clients stop routing here
//  2. Close the listener
//  3. Wait for in-flight requests, at most timeout
//  4. Close the remaining connections
func (s *Server) Shutdown(timeout time.Duration) error {
	if s.registry != nil {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		if err := s.registry.Deregister(ctx, s.service, s.advertise); err != nil {
			s.logger.Warn().Err(err).Str("service", s.service).Msg("deregistering endpoint")
		}
		cancel()
	}

	// The flag goes first so Serve sees the Accept error as intentional.
	// Setting it under mu orders it against admit's wg.Add.
	s.mu.Lock()
	s.shutdown.Store(true)
	if s.listener != nil {
		s.listener.Close()
	}
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	var err error
	select {
	case <-done:
	case <-time.After(timeout):
		err = errors.Trace(ErrShutdownTimeout)
	}

	s.mu.Lock()
	for conn := range s.conns {
		conn.Close()
	}
	s.mu.Unlock()
	return err
}
