package fault

import (
	stderrors "errors"
	"fmt"
	"strings"
	"time"

	"github.com/juju/errors"
)

// ErrConnectivity marks an error as a connectivity condition. Transports wrap
// their broken-connection errors with errors.WithType(err, ErrConnectivity) so
// the classifier maps them to TransportFailure without knowing the transport.
const ErrConnectivity = errors.ConstError("connectivity failure")

// Error is a classified failure of one call. It is what futures and
// callbacks deliver.
type Error struct {
	Kind       Kind
	Operation  string
	Code       string        // Raw service fault code, empty for local failures
	Message    string        // Human-readable description
	RetryAfter time.Duration // Hint from the service, zero when absent
	RequestID  string
	cause      error
}

func (e *Error) Error() string {
	var b strings.Builder
	if e.Operation != "" {
		b.WriteString(e.Operation)
		b.WriteString(": ")
	}
	b.WriteString(string(e.Kind))
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Code != "" && e.Code != string(e.Kind) {
		fmt.Fprintf(&b, " (%s)", e.Code)
	}
	return b.String()
}

// Unwrap returns the raw failure this error was classified from.
func (e *Error) Unwrap() error {
	return e.cause
}

// Retryable reports whether the failure kind allows re-sending the call.
func (e *Error) Retryable() bool {
	return e.Kind.Retryable()
}

// RemoteError is a service fault as it arrived on the wire, before
// classification.
type RemoteError struct {
	Code       string
	Message    string
	RetryAfter time.Duration
	StatusCode int // HTTP status when the fault came over HTTP
}

func (e *RemoteError) Error() string {
	if e == nil {
		return "<nil remote error>"
	}
	switch {
	case e.Code != "" && e.Message != "":
		return e.Message + " (" + e.Code + ")"
	case e.Code != "":
		return e.Code
	case e.Message != "":
		return e.Message
	}
	return "remote error"
}

// Remote builds a coded fault. Servers return it from handlers so that the
// code reaches the client verbatim.
func Remote(code, format string, args ...any) *RemoteError {
	return &RemoteError{Code: code, Message: fmt.Sprintf(format, args...)}
}

// KindOf returns the kind of a classified error, or "" if err is not one.
func KindOf(err error) Kind {
	var fe *Error
	if stderrors.As(err, &fe) {
		return fe.Kind
	}
	return ""
}

// IsKind reports whether err is a classified error of kind k.
func IsKind(err error, k Kind) bool {
	return err != nil && KindOf(err) == k
}

// CodeOf returns the wire code for an error returned by a server handler.
// Coded faults keep their code, classified errors report their kind and
// anything else becomes InternalServiceException.
func CodeOf(err error) string {
	var re *RemoteError
	if stderrors.As(err, &re) && re != nil && re.Code != "" {
		return re.Code
	}
	var fe *Error
	if stderrors.As(err, &fe) {
		if fe.Code != "" {
			return fe.Code
		}
		return string(fe.Kind)
	}
	return "InternalServiceException"
}

// RetryAfterOf returns the retry hint carried by err, if any.
func RetryAfterOf(err error) time.Duration {
	var fe *Error
	if stderrors.As(err, &fe) {
		return fe.RetryAfter
	}
	var re *RemoteError
	if stderrors.As(err, &re) && re != nil {
		return re.RetryAfter
	}
	return 0
}
