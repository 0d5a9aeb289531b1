package rpc

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/Bidon15/nsigner"
	"github.com/Bidon15/nsigner/internal/metrics"
)

const (
	// maxBodySize bounds a request body, batches included.
	maxBodySize = 1 << 20
	// maxBatchSize bounds the entries of one batch. Entries run in order and
	// each may wait for the user, so a long batch holds the connection.
	maxBatchSize = 32
)

// MethodHandler is a function that handles a JSON-RPC method call.
type MethodHandler func(ctx context.Context, params json.RawMessage) (interface{}, *Error)

// Handler dispatches JSON-RPC 2.0 calls to registered signer methods.
type Handler struct {
	mu      sync.RWMutex
	methods map[string]MethodHandler
	logger  *slog.Logger
}

// NewHandler creates an empty Handler.
func NewHandler(logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		methods: make(map[string]MethodHandler),
		logger:  logger,
	}
}

// RegisterMethod registers a method handler.
func (h *Handler) RegisterMethod(name string, handler MethodHandler) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.methods[name] = handler
}

// RegisteredMethods returns the registered method names, sorted.
func (h *Handler) RegisteredMethods() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()

	names := make([]string, 0, len(h.methods))
	for name := range h.methods {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ServeHTTP implements http.Handler. A body whose first non-space byte is
// '[' is a batch.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		h.writeResponse(w, errorResponse(nil, ErrInvalidRequest("only POST method is allowed")))
		return
	}
	defer r.Body.Close()

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBodySize))
	if err != nil {
		h.writeResponse(w, errorResponse(nil, ErrInvalidRequest(fmt.Sprintf("request body: %v", err))))
		return
	}

	body = bytes.TrimLeft(body, " \t\r\n")
	if len(body) > 0 && body[0] == '[' {
		h.serveBatch(w, r.Context(), body)
		return
	}

	req, rpcErr := decodeCall(body)
	if rpcErr != nil {
		if rpcErr.Code == ErrCodeInvalidRequest {
			h.writeResponse(w, errorResponse(req.ID, rpcErr))
			return
		}
		h.writeResponse(w, errorResponse(nil, ErrParseError("invalid JSON")))
		return
	}
	h.writeResponse(w, h.dispatch(r.Context(), req))
}

// serveBatch answers each entry in order. A malformed entry gets its own
// invalid-request response and does not spoil the rest of the batch.
func (h *Handler) serveBatch(w http.ResponseWriter, ctx context.Context, body []byte) {
	var entries []json.RawMessage
	if err := json.Unmarshal(body, &entries); err != nil {
		h.writeResponse(w, errorResponse(nil, ErrParseError("invalid JSON")))
		return
	}
	switch {
	case len(entries) == 0:
		h.writeResponse(w, errorResponse(nil, ErrInvalidRequest("batch request cannot be empty")))
		return
	case len(entries) > maxBatchSize:
		h.writeResponse(w, errorResponse(nil, ErrInvalidRequest(fmt.Sprintf("batch exceeds %d entries", maxBatchSize))))
		return
	}

	responses := make([]Response, 0, len(entries))
	for _, raw := range entries {
		req, rpcErr := decodeCall(raw)
		if rpcErr != nil {
			if rpcErr.Code == ErrCodeParse {
				rpcErr = ErrInvalidRequest("batch entry must be a request object")
			}
			responses = append(responses, errorResponse(req.ID, rpcErr))
			continue
		}
		responses = append(responses, h.dispatch(ctx, req))
	}
	writeJSON(w, http.StatusOK, responses, h.logger)
}

// decodeCall parses one request object. A parse failure returns a parse
// error; a well-formed object that is not a valid call returns an invalid
// request error along with whatever id it carried.
func decodeCall(raw []byte) (Request, *Error) {
	var req Request
	if err := json.Unmarshal(raw, &req); err != nil {
		return Request{}, ErrParseError("invalid JSON")
	}
	if req.JSONRPC != "2.0" {
		return req, ErrInvalidRequest("jsonrpc must be '2.0'")
	}
	if req.Method == "" {
		return req, ErrInvalidRequest("method is required")
	}
	return req, nil
}

// dispatch runs one call and records its outcome.
func (h *Handler) dispatch(ctx context.Context, req Request) Response {
	h.mu.RLock()
	fn, ok := h.methods[req.Method]
	h.mu.RUnlock()

	start := time.Now()
	var (
		result interface{}
		rpcErr *Error
	)
	if ok {
		result, rpcErr = fn(ctx, req.Params)
	} else {
		rpcErr = ErrMethodNotFound(req.Method)
	}

	code := Outcome(rpcErr)
	label := req.Method
	if !ok {
		label = "unknown"
	}
	metrics.RPCCalls.WithLabelValues(label, code).Inc()
	h.logCall(req, code, time.Since(start))

	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr)
	}
	return Response{JSONRPC: "2.0", Result: result, ID: req.ID}
}

func (h *Handler) logCall(req Request, code string, elapsed time.Duration) {
	attrs := []slog.Attr{
		slog.String("method", req.Method),
		slog.String("outcome", code),
		slog.Duration("elapsed", elapsed),
	}
	if app := appID(req.Params); app != "" {
		attrs = append(attrs, slog.String("app_id", app))
	}

	level := slog.LevelInfo
	switch code {
	case "ok":
		level = slog.LevelDebug
	case nsigner.CodeInternal:
		level = slog.LevelError
	case "method_not_found", nsigner.CodeMalformedRequest:
		level = slog.LevelWarn
	}
	h.logger.LogAttrs(context.Background(), level, "rpc call", attrs...)
}

// appID pulls the calling application out of params for logging.
func appID(params json.RawMessage) string {
	if len(params) == 0 || params[0] != '{' {
		return ""
	}
	var p struct {
		AppID string `json:"app_id"`
	}
	_ = json.Unmarshal(params, &p)
	return p.AppID
}

// Outcome names the result of a call: "ok", the nsigner code carried by an
// application error, or the protocol failure.
func Outcome(e *Error) string {
	if e == nil {
		return "ok"
	}
	switch e.Code {
	case ErrCodeParse:
		return "parse_error"
	case ErrCodeInvalidRequest:
		return "invalid_request"
	case ErrCodeMethodNotFound:
		return "method_not_found"
	}
	if code, ok := e.Data.(string); ok && code != "" {
		return code
	}
	return nsigner.CodeInternal
}

func errorResponse(id interface{}, e *Error) Response {
	return Response{JSONRPC: "2.0", Error: e, ID: id}
}

// writeResponse writes a single response. Parse and invalid-request errors
// use 400; every other outcome, failures included, is a 200.
func (h *Handler) writeResponse(w http.ResponseWriter, resp Response) {
	status := http.StatusOK
	if resp.Error != nil && (resp.Error.Code == ErrCodeParse || resp.Error.Code == ErrCodeInvalidRequest) {
		status = http.StatusBadRequest
	}
	writeJSON(w, status, resp, h.logger)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error("failed to encode response", slog.String("error", err.Error()))
	}
}

// HealthHandler reports liveness and the number of registered methods.
func (h *Handler) HealthHandler() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h.mu.RLock()
		n := len(h.methods)
		h.mu.RUnlock()
		writeJSON(w, http.StatusOK, map[string]interface{}{"status": "ok", "methods": n}, h.logger)
	}
}
