// Package fault defines the failure taxonomy surfaced to callers of an
// asynchronous RPC and the classifier that normalizes raw transport or
// service failures into it.
//
// Every failure delivered through a future carries exactly one Kind. The
// Kind is either one of the kinds declared by the operation, or one of the
// two catch-alls: TransportFailure (the request never got a usable answer)
// and ServiceFault (the service answered with something unexpected).
package fault

// Kind is a normalized failure classification, independent of the transport
// that produced the failure. Operations may declare their own kinds beyond
// the predefined ones, e.g. Kind("ContactNotFound").
type Kind string

const (
	InvalidInput     Kind = "InvalidInput"     // Request rejected by the service as malformed
	NotFound         Kind = "NotFound"         // Addressed resource does not exist
	Throttled        Kind = "Throttled"        // Caller exceeded a rate limit; retry later
	Conflict         Kind = "Conflict"         // Resource state conflicts with the request
	TransportFailure Kind = "TransportFailure" // Connectivity or timeout, no usable answer
	ServiceFault     Kind = "ServiceFault"     // Unexpected or unparseable service response
)

// Retryable reports whether a call failing with this kind may succeed when
// re-sent unchanged.
func (k Kind) Retryable() bool {
	return k == Throttled || k == TransportFailure
}

// CatchAll reports whether k is one of the kinds every operation may
// surface without declaring it.
func (k Kind) CatchAll() bool {
	return k == TransportFailure || k == ServiceFault
}

func (k Kind) String() string {
	return string(k)
}

// Declarer is the part of an operation contract the classifier needs.
type Declarer interface {
	// OperationName returns the registered name of the operation.
	OperationName() string
	// Declares reports whether the operation lists k among its error kinds.
	Declares(k Kind) bool
}
