// Package protocol implements the binary frame protocol of the TCP transport.
//
// It solves TCP's sticky packet problem by using a fixed-size 14-byte header
// followed by a variable-length body. The receiver reads the header first to
// determine the body length, then reads exactly that many bytes.
//
// Frame format:
//
//	0      3  4  5  6         10        14
//	┌──────┬──┬──┬──┬─────────┬─────────┬───────────────┐
//	│magic │v │ct│mt│   seq   │ bodyLen │    body ...    │
//	│ arp  │01│  │  │ uint32  │ uint32  │ bodyLen bytes  │
//	└──────┴──┴──┴──┴─────────┴─────────┴───────────────┘
package protocol

import (
	"encoding/binary"
	"io"

	"github.com/juju/errors"
)

// Magic number bytes: "arp" (async-rpc protocol). A mismatch rejects
// non-protocol connections, such as HTTP clients hitting the wrong port.
const (
	MagicNumber byte = 0x61 // 'a'
	MagicByte2  byte = 0x72 // 'r'
	MagicByte3  byte = 0x70 // 'p'
	Version     byte = 0x01
	HeaderSize  int  = 14 // 3 (magic) + 1 (version) + 1 (codec) + 1 (msgType) + 4 (seq) + 4 (bodyLen)

	// MaxBodyLen bounds the allocation a peer can demand with one header.
	MaxBodyLen uint32 = 16 << 20
)

// ErrFrame marks a malformed frame. The connection it arrived on is no
// longer in a known state and must be closed.
const ErrFrame = errors.ConstError("malformed frame")

// MsgType distinguishes request, response, heartbeat and cancel frames.
type MsgType byte

const (
	MsgTypeRequest   MsgType = 0 // Client → Server RPC request
	MsgTypeResponse  MsgType = 1 // Server → Client RPC response
	MsgTypeHeartbeat MsgType = 2 // KeepAlive probe (no body)
	MsgTypeCancel    MsgType = 3 // Client → Server: abandon the call with this Seq (no body)
)

func (t MsgType) valid() bool {
	return t <= MsgTypeCancel
}

// Codec type constants, mirrored from codec package to avoid circular import.
const (
	CodecTypeJSON   byte = 0
	CodecTypeBinary byte = 1
)

// Header is the fixed 14-byte frame header.
type Header struct {
	CodecType byte    // Envelope codec: 0=JSON, 1=Binary
	MsgType   MsgType // Request, Response, Heartbeat or Cancel
	Seq       uint32  // Correlates a response or cancel with its request
	BodyLen   uint32
}

// Encode writes a complete frame to w and sets h.BodyLen from body.
// Callers sharing a writer must serialize calls, or frames interleave.
func Encode(w io.Writer, h *Header, body []byte) error {
	if uint64(len(body)) > uint64(MaxBodyLen) {
		return errors.Annotatef(ErrFrame, "body of %d bytes exceeds limit", len(body))
	}
	h.BodyLen = uint32(len(body))
	buf := make([]byte, HeaderSize, HeaderSize+len(body))

	copy(buf[0:3], []byte{MagicNumber, MagicByte2, MagicByte3})
	buf[3] = Version
	buf[4] = h.CodecType
	buf[5] = byte(h.MsgType)
	binary.BigEndian.PutUint32(buf[6:10], h.Seq)
	binary.BigEndian.PutUint32(buf[10:14], h.BodyLen)

	// one write per frame; a failed partial write leaves no orphan header
	_, err := w.Write(append(buf, body...))
	return errors.Trace(err)
}

// Decode reads one frame from r. Header violations are reported as ErrFrame;
// read failures are returned traced but otherwise unchanged, so io.EOF still
// matches errors.Is.
func Decode(r io.Reader) (*Header, []byte, error) {
	headerBuf := make([]byte, HeaderSize)
	if _, err := io.ReadFull(r, headerBuf); err != nil {
		return nil, nil, errors.Trace(err)
	}

	if headerBuf[0] != MagicNumber || headerBuf[1] != MagicByte2 || headerBuf[2] != MagicByte3 {
		return nil, nil, errors.Annotatef(ErrFrame, "invalid magic number: %x", headerBuf[0:3])
	}

	if headerBuf[3] != Version {
		return nil, nil, errors.Annotatef(ErrFrame, "unsupported version: %d", headerBuf[3])
	}

	if headerBuf[4] != CodecTypeJSON && headerBuf[4] != CodecTypeBinary {
		return nil, nil, errors.Annotatef(ErrFrame, "unsupported codec type: %d", headerBuf[4])
	}

	msgType := MsgType(headerBuf[5])
	if !msgType.valid() {
		return nil, nil, errors.Annotatef(ErrFrame, "unsupported message type: %d", msgType)
	}

	seq := binary.BigEndian.Uint32(headerBuf[6:10])
	bodyLen := binary.BigEndian.Uint32(headerBuf[10:14])
	if bodyLen > MaxBodyLen {
		return nil, nil, errors.Annotatef(ErrFrame, "body length %d exceeds limit", bodyLen)
	}

	body := make([]byte, bodyLen)
	if _, err := io.ReadFull(r, body); err != nil {
		return nil, nil, errors.Trace(err)
	}

	return &Header{
		CodecType: headerBuf[4],
		MsgType:   msgType,
		Seq:       seq,
		BodyLen:   bodyLen,
	}, body, nil
}
