package transport

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-cleanhttp"
	"github.com/juju/errors"
	jsoniter "github.com/json-iterator/go"

	"async-rpc/fault"
	"async-rpc/message"
	"async-rpc/protocol"
)

// RequestIDHeader carries the call's request id in both directions.
const RequestIDHeader = "X-Request-Id"

// OperationPath is the route prefix of the JSON/HTTP binding.
const OperationPath = "/v1/operations/"

// HTTPError is the body of a non-2xx reply.
type HTTPError struct {
	Type    string `json:"__type"`
	Message string `json:"message"`
}

// HTTPTransport sends calls as JSON over HTTP: POST {base}/v1/operations/{name}
// with the payload as body. Faults come back as an error status with an
// HTTPError body and an optional Retry-After header in seconds.
type HTTPTransport struct {
	base   string
	client *http.Client
}

// NewHTTPTransport returns a transport for the service at baseURL. A nil
// client uses a pooled client from go-cleanhttp.
func NewHTTPTransport(baseURL string, client *http.Client) *HTTPTransport {
	if client == nil {
		client = cleanhttp.DefaultPooledClient()
	}
	return &HTTPTransport{base: strings.TrimRight(baseURL, "/"), client: client}
}

// Send implements Transport.
func (t *HTTPTransport) Send(ctx context.Context, req *message.RPCMessage) (*message.RPCMessage, error) {
	payload := req.Payload
	if len(payload) == 0 {
		payload = []byte("{}")
	}
	endpoint := t.base + OperationPath + url.PathEscape(req.Operation)
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return nil, errors.Annotatef(err, "building request for %s", req.Operation)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if req.RequestID != "" {
		httpReq.Header.Set(RequestIDHeader, req.RequestID)
	}

	resp, err := t.client.Do(httpReq)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return nil, errors.Trace(ctxErr)
		}
		return nil, connectivity(err, "posting %s", req.Operation)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, int64(protocol.MaxBodyLen)+1))
	if err != nil {
		return nil, connectivity(err, "reading %s reply", req.Operation)
	}
	if len(body) > int(protocol.MaxBodyLen) {
		return nil, &fault.RemoteError{
			Code:       "SerializationException",
			Message:    fmt.Sprintf("%s reply exceeds %d bytes", req.Operation, protocol.MaxBodyLen),
			StatusCode: resp.StatusCode,
		}
	}

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		reply := req.Reply()
		reply.Payload = body
		return reply, nil
	}

	var herr HTTPError
	if len(body) > 0 {
		// a non-JSON error page still yields a status-based fault
		_ = jsoniter.Unmarshal(body, &herr)
	}
	if herr.Message == "" {
		herr.Message = http.StatusText(resp.StatusCode)
	}
	return nil, &fault.RemoteError{
		Code:       errorType(herr.Type),
		Message:    herr.Message,
		RetryAfter: retryAfter(resp.Header.Get("Retry-After")),
		StatusCode: resp.StatusCode,
	}
}

// errorType strips the namespace some services put in front of the code,
// as in "com.example#ThrottlingException".
func errorType(t string) string {
	if i := strings.LastIndexByte(t, '#'); i >= 0 {
		t = t[i+1:]
	}
	if i := strings.IndexByte(t, ':'); i >= 0 {
		t = t[:i]
	}
	return t
}

func retryAfter(v string) time.Duration {
	if v == "" {
		return 0
	}
	if secs, err := strconv.Atoi(strings.TrimSpace(v)); err == nil && secs > 0 {
		return time.Duration(secs) * time.Second
	}
	if at, err := http.ParseTime(v); err == nil {
		if d := time.Until(at); d > 0 {
			return d
		}
	}
	return 0
}
