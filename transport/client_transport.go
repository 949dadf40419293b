package transport

import (
	"context"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/juju/errors"

	"async-rpc/codec"
	"async-rpc/message"
	"async-rpc/protocol"
)

// DefaultHeartbeat is the keepalive interval used when none is configured.
const DefaultHeartbeat = 30 * time.Second

// ClientTransport multiplexes concurrent calls over one TCP connection. Each
// request gets a sequence number; recvLoop routes every response to the
// caller waiting on that number.
//
//	goroutine-1 ──Send(seq=1)──┐
//	goroutine-2 ──Send(seq=2)──┼──→ single TCP conn ──→ Server
//	goroutine-3 ──Send(seq=3)──┘
//
//	recvLoop:  ←── response(seq=2) → pending[2] → goroutine-2 wakes up
//
// A caller whose context ends stops waiting, and a cancel frame tells the
// server to abandon the handler.
type ClientTransport struct {
	conn    net.Conn
	codec   codec.CodecType
	seq     uint32     // guarded by sending
	pending sync.Map   // map[uint32]chan result
	sending sync.Mutex // one frame at a time on conn

	closed    atomic.Bool
	closeOnce sync.Once
	done      chan struct{}
	cause     error // why the transport closed; set before done is closed
}

type result struct {
	reply *message.RPCMessage
	err   error
}

// Dial connects to addr and returns a running transport.
func Dial(ctx context.Context, addr string, codecType codec.CodecType, heartbeat time.Duration) (*ClientTransport, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, connectivity(err, "dialing %s", addr)
	}
	return NewClientTransport(conn, codecType, heartbeat), nil
}

// NewClientTransport takes ownership of conn and starts the receive loop and,
// when heartbeat is positive, the heartbeat loop.
func NewClientTransport(conn net.Conn, codecType codec.CodecType, heartbeat time.Duration) *ClientTransport {
	t := &ClientTransport{
		conn:  conn,
		codec: codecType,
		done:  make(chan struct{}),
	}
	go t.recvLoop()
	if heartbeat > 0 {
		go t.heartbeatLoop(heartbeat)
	}
	return t
}

// Send writes req and waits for the matching response or for ctx to end.
func (t *ClientTransport) Send(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	if t.closed.Load() {
		return nil, t.closedError()
	}
	body, err := codec.GetCodec(t.codec).Encode(req)
	if err != nil {
		return nil, errors.Annotatef(err, "encoding %s", req.Operation)
	}

	// Register before writing so recvLoop cannot see the response first.
	ch := make(chan result, 1)
	t.sending.Lock()
	t.seq++
	seq := t.seq
	t.pending.Store(seq, ch)
	err = protocol.Encode(t.conn, &protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeRequest,
		Seq:       seq,
	}, body)
	t.sending.Unlock()
	if err != nil {
		t.pending.Delete(seq)
		t.fail(err)
		return nil, connectivity(err, "sending %s", req.Operation)
	}
	// fail may have drained the table before our Store.
	if t.closed.Load() {
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			return nil, t.closedError()
		}
	}

	select {
	case r := <-ch:
		return r.reply, r.err
	case <-ctx.Done():
		if _, ok := t.pending.LoadAndDelete(seq); ok {
			t.sendCancel(seq)
			return nil, errors.Trace(ctx.Err())
		}
		// the response won the race
		r := <-ch
		return r.reply, r.err
	}
}

func (t *ClientTransport) sendCancel(seq uint32) {
	t.sending.Lock()
	defer t.sending.Unlock()
	err := protocol.Encode(t.conn, &protocol.Header{
		CodecType: byte(t.codec),
		MsgType:   protocol.MsgTypeCancel,
		Seq:       seq,
	}, nil)
	if err != nil {
		go t.fail(err)
	}
}

// recvLoop is the only reader of conn; frame boundaries depend on it.
func (t *ClientTransport) recvLoop() {
	for {
		header, body, err := protocol.Decode(t.conn)
		if err != nil {
			t.fail(err)
			return
		}
		if header.MsgType != protocol.MsgTypeResponse {
			continue
		}

		value, ok := t.pending.LoadAndDelete(header.Seq)
		if !ok {
			continue // caller gave up
		}
		ch := value.(chan result)

		var reply message.RPCMessage
		if err := codec.GetCodec(codec.CodecType(header.CodecType)).Decode(body, &reply); err != nil {
			ch <- result{err: errors.Annotate(err, "decoding response")}
			continue
		}
		ch <- result{reply: &reply}
	}
}

// heartbeatLoop writes empty heartbeat frames so idle connections are kept
// open and dead ones are noticed.
func (t *ClientTransport) heartbeatLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-t.done:
			return
		case <-ticker.C:
		}
		t.sending.Lock()
		err := protocol.Encode(t.conn, &protocol.Header{MsgType: protocol.MsgTypeHeartbeat}, nil)
		t.sending.Unlock()
		if err != nil {
			t.fail(err)
			return
		}
	}
}

// fail closes the transport once and releases every waiting caller.
func (t *ClientTransport) fail(cause error) {
	t.closeOnce.Do(func() {
		t.cause = cause
		t.closed.Store(true)
		close(t.done)
		t.conn.Close()
	})
	err := t.closedError()
	t.pending.Range(func(key, value any) bool {
		if _, ok := t.pending.LoadAndDelete(key); ok {
			value.(chan result) <- result{err: err}
		}
		return true
	})
}

func (t *ClientTransport) closedError() error {
	<-t.done
	if t.cause == nil || errors.Is(t.cause, ErrTransportClosed) {
		return connectivity(ErrTransportClosed, "%s", t.conn.RemoteAddr())
	}
	return connectivity(t.cause, "connection to %s lost", t.conn.RemoteAddr())
}

// Close shuts the connection. Calls still waiting fail with a connectivity
// error.
func (t *ClientTransport) Close() error {
	t.fail(ErrTransportClosed)
	return nil
}

// Closed reports whether the transport can no longer send.
func (t *ClientTransport) Closed() bool {
	return t.closed.Load()
}

// Done is closed when the transport shuts down.
func (t *ClientTransport) Done() <-chan struct{} {
	return t.done
}

// Conn returns the underlying TCP connection.
func (t *ClientTransport) Conn() net.Conn {
	return t.conn
}
