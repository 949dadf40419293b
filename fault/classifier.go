package fault

import (
	"context"
	stderrors "errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"syscall"
)

// defaultCodes maps service fault codes onto the predefined kinds. The codes
// follow the "<Name>Exception" convention of JSON web service APIs.
var defaultCodes = map[string]Kind{
	"InvalidParameterException": InvalidInput,
	"InvalidRequestException":   InvalidInput,
	"ValidationException":       InvalidInput,
	"SerializationException":    InvalidInput,

	"ResourceNotFoundException": NotFound,
	"UserNotFoundException":     NotFound,
	"ContactNotFoundException":  NotFound,

	"ThrottlingException":           Throttled,
	"TooManyRequestsException":      Throttled,
	"RequestLimitExceeded":          Throttled,
	"ProvisionedThroughputExceeded": Throttled,

	"DuplicateResourceException": Conflict,
	"ResourceConflictException":  Conflict,
	"ConflictException":          Conflict,
	"ResourceInUseException":     Conflict,

	"InternalServiceException": ServiceFault,
	"InternalFailure":          ServiceFault,
	"ServiceUnavailable":       ServiceFault,
}

// Classifier maps raw failures onto the declared kinds of an operation.
// It is immutable after construction and safe for concurrent use.
type Classifier struct {
	codes map[string]Kind
}

// NewClassifier returns a classifier using the default code table extended
// (or overridden) by extra.
func NewClassifier(extra map[string]Kind) *Classifier {
	codes := make(map[string]Kind, len(defaultCodes)+len(extra))
	for code, kind := range defaultCodes {
		codes[code] = kind
	}
	for code, kind := range extra {
		codes[code] = kind
	}
	return &Classifier{codes: codes}
}

// DefaultClassifier uses only the default code table.
var DefaultClassifier = NewClassifier(nil)

// Classify returns the classified form of raw for operation op. It never
// panics and always returns a non-nil error whose Kind is declared by op or
// is TransportFailure / ServiceFault.
func (c *Classifier) Classify(op Declarer, raw error) (fe *Error) {
	name := ""
	defer func() {
		// raw errors come from arbitrary transports; a panicking Error()
		// must still yield a classification.
		if r := recover(); r != nil {
			fe = &Error{
				Kind:      ServiceFault,
				Operation: name,
				Message:   fmt.Sprintf("unclassifiable failure: %v", r),
				cause:     raw,
			}
		}
	}()
	if op != nil {
		name = op.OperationName()
	}

	if raw == nil {
		return &Error{Kind: ServiceFault, Operation: name, Message: "call failed without a cause"}
	}

	var classified *Error
	if stderrors.As(raw, &classified) && classified != nil {
		out := *classified
		out.Operation = name
		if !allowed(op, out.Kind) {
			out.Kind = ServiceFault
		}
		return &out
	}

	var remote *RemoteError
	if stderrors.As(raw, &remote) && remote != nil {
		return &Error{
			Kind:       c.remoteKind(op, remote),
			Operation:  name,
			Code:       remote.Code,
			Message:    remote.Message,
			RetryAfter: remote.RetryAfter,
			cause:      raw,
		}
	}

	if isConnectivity(raw) {
		return &Error{Kind: TransportFailure, Operation: name, Message: raw.Error(), cause: raw}
	}

	return &Error{Kind: ServiceFault, Operation: name, Message: raw.Error(), cause: raw}
}

// Retryable reports whether raw would classify as a retryable kind for an
// operation declaring all predefined kinds. Used before classification, e.g.
// by retry middleware.
func (c *Classifier) Retryable(raw error) bool {
	return c.Classify(anyKind{}, raw).Retryable()
}

func (c *Classifier) remoteKind(op Declarer, remote *RemoteError) Kind {
	code := remote.Code
	if code == "" {
		if k := statusKind(remote.StatusCode); k != "" && allowed(op, k) {
			return k
		}
		return ServiceFault
	}
	// Operation-specific kinds match the code directly, with or without
	// the conventional suffix.
	for _, candidate := range []Kind{Kind(code), Kind(strings.TrimSuffix(code, "Exception"))} {
		if op != nil && op.Declares(candidate) {
			return candidate
		}
	}
	if k, ok := c.codes[code]; ok && allowed(op, k) {
		return k
	}
	return ServiceFault
}

// CodeKind returns the predefined kind a fault code maps to, or ServiceFault
// for codes outside the table.
func (c *Classifier) CodeKind(code string) Kind {
	if k, ok := c.codes[code]; ok {
		return k
	}
	switch k := Kind(strings.TrimSuffix(code, "Exception")); k {
	case InvalidInput, NotFound, Throttled, Conflict, TransportFailure:
		return k
	}
	return ServiceFault
}

// HTTPStatus is the status the JSON/HTTP binding answers a fault of kind k
// with. It is the inverse of the status mapping used for code-less faults.
func HTTPStatus(k Kind) int {
	switch k {
	case InvalidInput:
		return http.StatusBadRequest
	case NotFound:
		return http.StatusNotFound
	case Conflict:
		return http.StatusConflict
	case Throttled:
		return http.StatusTooManyRequests
	case TransportFailure:
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}

func statusKind(status int) Kind {
	switch status {
	case http.StatusBadRequest:
		return InvalidInput
	case http.StatusNotFound:
		return NotFound
	case http.StatusConflict:
		return Conflict
	case http.StatusTooManyRequests:
		return Throttled
	}
	return ""
}

func allowed(op Declarer, k Kind) bool {
	if k.CatchAll() {
		return true
	}
	return op != nil && op.Declares(k)
}

func isConnectivity(err error) bool {
	if stderrors.Is(err, ErrConnectivity) ||
		stderrors.Is(err, context.DeadlineExceeded) ||
		stderrors.Is(err, io.EOF) ||
		stderrors.Is(err, io.ErrUnexpectedEOF) ||
		stderrors.Is(err, io.ErrClosedPipe) ||
		stderrors.Is(err, net.ErrClosed) ||
		stderrors.Is(err, syscall.ECONNREFUSED) ||
		stderrors.Is(err, syscall.ECONNRESET) ||
		stderrors.Is(err, syscall.EPIPE) {
		return true
	}
	var netErr net.Error
	if stderrors.As(err, &netErr) {
		return true
	}
	var opErr *net.OpError
	return stderrors.As(err, &opErr)
}

type anyKind struct{}

func (anyKind) OperationName() string { return "" }

func (anyKind) Declares(k Kind) bool {
	switch k {
	case InvalidInput, NotFound, Throttled, Conflict:
		return true
	}
	return false
}
