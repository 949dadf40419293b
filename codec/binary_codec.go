package codec

import (
	"encoding/binary"
	"math"

	"github.com/juju/errors"

	"async-rpc/message"
)

// ErrTruncated is returned when a binary body ends before a declared field.
const ErrTruncated = errors.ConstError("truncated binary message")

// BinaryCodec lays an RPCMessage out as length-prefixed fields, big-endian:
//
//	op(u16+n) requestID(u16+n) payload(u32+n) errorCode(u16+n) error(u16+n) retryAfterMs(u32)
type BinaryCodec struct{}

func (c *BinaryCodec) Encode(v any) ([]byte, error) {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return nil, errors.Trace(ErrNotMessage)
	}
	for _, s := range []string{msg.Operation, msg.RequestID, msg.ErrorCode, msg.Error} {
		if len(s) > math.MaxUint16 {
			return nil, errors.NotValidf("field of %d bytes", len(s))
		}
	}
	if uint64(len(msg.Payload)) > math.MaxUint32 {
		return nil, errors.NotValidf("payload of %d bytes", len(msg.Payload))
	}

	total := 2 + len(msg.Operation) + 2 + len(msg.RequestID) + 4 + len(msg.Payload) +
		2 + len(msg.ErrorCode) + 2 + len(msg.Error) + 4
	buf := make([]byte, 0, total)

	buf = appendString(buf, msg.Operation)
	buf = appendString(buf, msg.RequestID)
	buf = binary.BigEndian.AppendUint32(buf, uint32(len(msg.Payload)))
	buf = append(buf, msg.Payload...)
	buf = appendString(buf, msg.ErrorCode)
	buf = appendString(buf, msg.Error)
	buf = binary.BigEndian.AppendUint32(buf, msg.RetryAfterMs)
	return buf, nil
}

func appendString(buf []byte, s string) []byte {
	buf = binary.BigEndian.AppendUint16(buf, uint16(len(s)))
	return append(buf, s...)
}

func (c *BinaryCodec) Decode(data []byte, v any) error {
	msg, ok := v.(*message.RPCMessage)
	if !ok {
		return errors.Trace(ErrNotMessage)
	}

	r := reader{data: data}
	msg.Operation = r.string16()
	msg.RequestID = r.string16()
	if n := r.uint32(); r.err == nil {
		msg.Payload = r.bytes(int(n))
	}
	msg.ErrorCode = r.string16()
	msg.Error = r.string16()
	msg.RetryAfterMs = r.uint32()
	return r.err
}

func (c *BinaryCodec) Type() CodecType {
	return CodecTypeBinary
}

// reader consumes data front to back and records the first short read.
type reader struct {
	data []byte
	err  error
}

func (r *reader) take(n int) []byte {
	if r.err != nil {
		return nil
	}
	if n < 0 || n > len(r.data) {
		r.err = errors.Annotatef(ErrTruncated, "need %d bytes, have %d", n, len(r.data))
		return nil
	}
	b := r.data[:n]
	r.data = r.data[n:]
	return b
}

func (r *reader) uint16() uint16 {
	if b := r.take(2); b != nil {
		return binary.BigEndian.Uint16(b)
	}
	return 0
}

func (r *reader) uint32() uint32 {
	if b := r.take(4); b != nil {
		return binary.BigEndian.Uint32(b)
	}
	return 0
}

func (r *reader) string16() string {
	n := r.uint16()
	return string(r.take(int(n)))
}

func (r *reader) bytes(n int) []byte {
	b := r.take(n)
	if len(b) == 0 {
		return nil
	}
	return append([]byte(nil), b...)
}
