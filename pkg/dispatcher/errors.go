package dispatcher

import (
	"bufio"
	"encoding/json"
	"errors"
	"net"
	"net/http"
)

// JSON-RPC error codes used at the dispatch boundary.
const (
	InternalError     = -32603
	ServerUnavailable = -32000
)

// ErrNoRoute is reported when no route matches and no default chain is set.
var ErrNoRoute = errors.New("no route")

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type rpcErrorResponse struct {
	JSONRPC string   `json:"jsonrpc"`
	Error   rpcError `json:"error"`
	ID      any      `json:"id"`
}

// writeError encodes err in the style the route kind's clients expect:
// JSON-RPC error objects for async protocol servers, {"error": ...} otherwise.
func writeError(w http.ResponseWriter, kind Kind, status, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if kind == KindAsync {
		_ = json.NewEncoder(w).Encode(rpcErrorResponse{
			JSONRPC: "2.0",
			Error:   rpcError{Code: code, Message: message},
			ID:      nil,
		})
		return
	}
	_ = json.NewEncoder(w).Encode(map[string]string{"error": message})
}

// statusRecorder captures the response status while keeping the streaming
// and hijacking capabilities protocol servers rely on.
type statusRecorder struct {
	http.ResponseWriter
	status      int
	wroteHeader bool
}

func (r *statusRecorder) WriteHeader(status int) {
	if !r.wroteHeader {
		r.status = status
		r.wroteHeader = true
	}
	r.ResponseWriter.WriteHeader(status)
}

func (r *statusRecorder) Write(b []byte) (int, error) {
	if !r.wroteHeader {
		r.status = http.StatusOK
		r.wroteHeader = true
	}
	return r.ResponseWriter.Write(b)
}

func (r *statusRecorder) Flush() {
	if f, ok := r.ResponseWriter.(http.Flusher); ok {
		f.Flush()
	}
}

func (r *statusRecorder) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	h, ok := r.ResponseWriter.(http.Hijacker)
	if !ok {
		return nil, nil, errors.New("response writer does not support hijacking")
	}
	r.wroteHeader = true
	r.status = http.StatusSwitchingProtocols
	return h.Hijack()
}

func (r *statusRecorder) Unwrap() http.ResponseWriter {
	return r.ResponseWriter
}
