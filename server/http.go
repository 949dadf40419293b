package server

import (
	"io"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"

	"async-rpc/fault"
	"async-rpc/message"
	"async-rpc/protocol"
	"async-rpc/transport"
)

// HTTPHandler exposes the same handlers as JSON over HTTP:
//
//	POST {OperationPath}{name}   body = request payload, 200 body = response payload
//	GET  /v1/operations          list of operation names
//
// Faults are answered with the status of their kind, a Retry-After header
// when the fault carries one, and a transport.HTTPError body.
func (s *Server) HTTPHandler() http.Handler {
	handler := s.Handler()
	r := mux.NewRouter()

	r.HandleFunc(transport.OperationPath+"{name}", func(w http.ResponseWriter, req *http.Request) {
		body, err := io.ReadAll(io.LimitReader(req.Body, int64(protocol.MaxBodyLen)+1))
		if err != nil {
			writeFault(w, fault.Remote(CodeSerialization, "reading body: %v", err))
			return
		}
		if len(body) > int(protocol.MaxBodyLen) {
			writeFault(w, fault.Remote(CodeSerialization, "request body exceeds %d bytes", protocol.MaxBodyLen))
			return
		}
		msg := &message.RPCMessage{
			Operation: mux.Vars(req)["name"],
			RequestID: req.Header.Get(transport.RequestIDHeader),
			Payload:   body,
		}

		reply, err := handler(req.Context(), msg)
		if err != nil {
			reply = msg.Reply()
			reply.SetFault(err)
		}
		if reply == nil {
			reply = msg.Reply()
		}
		if msg.RequestID != "" {
			w.Header().Set(transport.RequestIDHeader, msg.RequestID)
		}
		if reply.Failed() {
			writeReplyFault(w, reply)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		payload := reply.Payload
		if len(payload) == 0 {
			payload = []byte("{}")
		}
		_, _ = w.Write(payload)
	}).Methods(http.MethodPost)

	r.HandleFunc("/v1/operations", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(s.Operations())
	}).Methods(http.MethodGet)

	return r
}

func writeFault(w http.ResponseWriter, err error) {
	reply := &message.RPCMessage{}
	reply.SetFault(err)
	writeReplyFault(w, reply)
}

func writeReplyFault(w http.ResponseWriter, reply *message.RPCMessage) {
	if reply.RetryAfterMs > 0 {
		retry := time.Duration(reply.RetryAfterMs) * time.Millisecond
		secs := int((retry + time.Second - 1) / time.Second)
		w.Header().Set("Retry-After", strconv.Itoa(secs))
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(fault.HTTPStatus(fault.DefaultClassifier.CodeKind(reply.ErrorCode)))
	_ = json.NewEncoder(w).Encode(transport.HTTPError{Type: reply.ErrorCode, Message: reply.Error})
}
