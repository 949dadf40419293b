// Package message defines the envelope exchanged between client and server.
//
// RPCMessage is the unit every transport moves. It gets serialized by the
// codec layer and, on the TCP transport, wrapped in a protocol frame.
package message

import (
	stderrors "errors"
	"time"

	"async-rpc/fault"
)

// RPCMessage carries the data for a single call or its reply.
//
//   - On request:  Operation and RequestID are set, Payload holds the encoded request.
//   - On response: Payload holds the encoded response, or ErrorCode/Error describe a fault.
type RPCMessage struct {
	Operation    string `json:"operation"`           // Registered operation name, e.g. "Echo"
	RequestID    string `json:"requestId,omitempty"` // Caller-assigned correlation id
	Payload      []byte `json:"payload,omitempty"`    // Encoded request or response body
	ErrorCode    string `json:"errorCode,omitempty"` // Service fault code, e.g. "ThrottlingException"
	Error        string `json:"error,omitempty"`     // Fault message
	RetryAfterMs uint32 `json:"retryAfterMs,omitempty"`
}

// Request builds a request envelope.
func Request(op, requestID string, payload []byte) *RPCMessage {
	return &RPCMessage{Operation: op, RequestID: requestID, Payload: payload}
}

// Failed reports whether the message is a fault reply.
func (m *RPCMessage) Failed() bool {
	return m.ErrorCode != "" || m.Error != ""
}

// Fault returns the reply's fault, or nil for a successful reply.
func (m *RPCMessage) Fault() *fault.RemoteError {
	if !m.Failed() {
		return nil
	}
	return &fault.RemoteError{
		Code:       m.ErrorCode,
		Message:    m.Error,
		RetryAfter: time.Duration(m.RetryAfterMs) * time.Millisecond,
	}
}

// SetFault fills the reply's fault fields from a handler error.
func (m *RPCMessage) SetFault(err error) {
	m.Payload = nil
	m.ErrorCode = fault.CodeOf(err)
	m.Error = err.Error()
	var re *fault.RemoteError
	if stderrors.As(err, &re) && re != nil && re.Message != "" {
		m.Error = re.Message
	}
	if d := fault.RetryAfterOf(err); d > 0 {
		m.RetryAfterMs = uint32(d / time.Millisecond)
	}
}

// Reply returns an empty reply correlated with m.
func (m *RPCMessage) Reply() *RPCMessage {
	return &RPCMessage{Operation: m.Operation, RequestID: m.RequestID}
}
