// Package rpcframe implements the localhost RPC surface every worker
// exposes: HTTP with path-prefix token authentication, a WebSocket upgrade
// for push notifications, and a typed error envelope. A Frame's handler
// table is built once at construction time and never mutated through a
// package-level registry.
package rpcframe

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/net/websocket"

	"github.com/moggie-project/moggie-worker/internal/logging"
	"github.com/moggie-project/moggie-worker/internal/metrics"
)

// Handler answers one RPC method. It returns a JSON-marshalable result or
// an *ApiError (use NewApiError to build one; returning a plain error is
// also accepted and is wrapped as an "unhandled-exception" ApiError).
type Handler func(ctx context.Context, req *Request) (any, error)

// Request carries the decoded request body plus routing metadata.
type Request struct {
	Method string
	Path   string
	Body   json.RawMessage
	Raw    *http.Request
}

// Methods registered as public (HandleFunc's public flag, or a
// PublicMethods list passed through Expose) skip secret-path
// authentication. They must never be registered with a handler that
// mutates state.
type Frame struct {
	secret   string
	handlers map[string]Handler
	public   map[string]bool
	metrics  metrics.Collector
	schemas  *SchemaRegistry
	mu       sync.RWMutex
	wsConns  map[*websocket.Conn]struct{}
}

// NewFrame builds a Frame bound to secret, the random path-prefix token
// clients must present on every request. Handlers are registered via
// Expose/HandleFunc before Serve starts accepting traffic; there is no
// global registry to race against concurrent construction of other Frames.
func NewFrame(secret string, collector metrics.Collector) *Frame {
	if collector == nil {
		collector = &metrics.NoopCollector{}
	}
	return &Frame{
		secret:   secret,
		handlers: make(map[string]Handler),
		public:   make(map[string]bool),
		metrics:  collector,
		wsConns:  make(map[*websocket.Conn]struct{}),
	}
}

// SetSchemas attaches a SchemaRegistry whose compiled schemas gate the
// WebSocket request bodies matched by method name, per spec.md §6's
// typed WebSocket request family. HTTP requests are unaffected; they are
// validated by each handler's own JSON decoding.
func (f *Frame) SetSchemas(reg *SchemaRegistry) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.schemas = reg
}

// HandleFunc registers a handler for method (e.g. "ping", "search").
// public=true exempts it from the secret path-prefix check; public
// handlers must never mutate state.
func (f *Frame) HandleFunc(method string, public bool, h Handler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.handlers[method] = h
	f.public[method] = public
}

// Expose registers every method of a RemoteObject under its declared name,
// mirroring the original's "Python-style object graph" exposure (spec
// §4.2) without reflection: the object lists its own methods.
type RemoteObject interface {
	RPCMethods() map[string]Handler
}

// PublicMethods is an optional RemoteObject extension: objects exposing a
// method that must be reachable without the secret path prefix (e.g. a
// liveness "ping") list its name here. Every such method must be safe to
// call unauthenticated — it must never mutate state.
type PublicMethods interface {
	PublicRPCMethods() []string
}

// Expose registers all handlers a RemoteObject declares.
func (f *Frame) Expose(obj RemoteObject) {
	public := map[string]bool{}
	if p, ok := obj.(PublicMethods); ok {
		for _, name := range p.PublicRPCMethods() {
			public[name] = true
		}
	}
	for name, h := range obj.RPCMethods() {
		f.HandleFunc(name, public[name], h)
	}
}

// ServeHTTP dispatches path-prefix-authenticated requests and the
// WebSocket upgrade at /<secret>/rpc.
func (f *Frame) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	logger := logging.FromContext(r.Context())

	trimmed := strings.TrimPrefix(r.URL.Path, "/")
	parts := strings.SplitN(trimmed, "/", 2)

	var method string
	authenticated := false
	if len(parts) == 2 && parts[0] == f.secret {
		authenticated = true
		method = parts[1]
	} else if len(parts) == 1 {
		method = parts[0]
	} else {
		method = parts[1]
	}

	if method == "rpc" && r.Header.Get("Upgrade") == "websocket" {
		if !authenticated {
			logger.Warn("rpc: bad secret", "path", r.URL.Path)
			w.WriteHeader(http.StatusForbidden)
			json.NewEncoder(w).Encode(NewApiError("permission-denied", "Bad secret", nil))
			return
		}
		f.serveWebSocket(w, r)
		return
	}

	f.mu.RLock()
	handler, ok := f.handlers[method]
	isPublic := f.public[method]
	f.mu.RUnlock()

	if !ok {
		f.writeError(w, NewApiError("not-found", "no such method", nil))
		f.metrics.RPCRequest(method, false)
		return
	}
	if !authenticated && !isPublic {
		logger.Warn("rpc: bad secret", "path", r.URL.Path)
		w.WriteHeader(http.StatusForbidden)
		json.NewEncoder(w).Encode(NewApiError("permission-denied", "Bad secret", nil))
		f.metrics.RPCRequest(method, false)
		return
	}

	var body json.RawMessage
	if r.Body != nil {
		_ = json.NewDecoder(r.Body).Decode(&body)
	}

	result, err := handler(r.Context(), &Request{Method: method, Path: r.URL.Path, Body: body, Raw: r})
	if err != nil {
		f.writeError(w, asApiError(err))
		f.metrics.RPCRequest(method, false)
		return
	}
	f.metrics.RPCRequest(method, true)

	w.Header().Set("Content-Type", "application/json")
	if s, ok := result.(string); ok {
		w.Write([]byte(s))
		return
	}
	json.NewEncoder(w).Encode(result)
}

func (f *Frame) writeError(w http.ResponseWriter, apiErr *ApiError) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(apiErr.httpStatus())
	json.NewEncoder(w).Encode(apiErr)
}

// wsMessage is the newline-delimited JSON envelope exchanged over the
// WebSocket connection once upgraded (spec §4.2): every message carries a
// req_id and the server never reorders responses sharing one.
type wsMessage struct {
	ReqID  string          `json:"req_id"`
	Method string          `json:"method,omitempty"`
	Body   json.RawMessage `json:"body,omitempty"`
	Result any             `json:"result,omitempty"`
	Error  *ApiError       `json:"error,omitempty"`
}

func (f *Frame) serveWebSocket(w http.ResponseWriter, r *http.Request) {
	websocket.Handler(func(ws *websocket.Conn) {
		f.mu.Lock()
		f.wsConns[ws] = struct{}{}
		f.mu.Unlock()
		defer func() {
			f.mu.Lock()
			delete(f.wsConns, ws)
			f.mu.Unlock()
			ws.Close()
		}()

		dec := json.NewDecoder(ws)
		for {
			var msg wsMessage
			if err := dec.Decode(&msg); err != nil {
				f.metrics.WebSocketDropped("decode-error")
				return
			}

			f.mu.RLock()
			handler, ok := f.handlers[msg.Method]
			schemas := f.schemas
			f.mu.RUnlock()

			resp := wsMessage{ReqID: msg.ReqID}
			switch {
			case !ok:
				resp.Error = NewApiError("not-found", "no such method", nil)
			case schemas != nil && schemas.Validate(msg.Method, msg.Body) != nil:
				resp.Error = NewApiError("invalid-argument", schemas.Validate(msg.Method, msg.Body).Error(), nil)
			default:
				result, err := handler(r.Context(), &Request{Method: msg.Method, Body: msg.Body, Raw: r})
				if err != nil {
					resp.Error = asApiError(err)
				} else {
					resp.Result = result
				}
			}
			enc := json.NewEncoder(ws)
			if err := enc.Encode(resp); err != nil {
				f.metrics.WebSocketDropped("write-error")
				return
			}
		}
	}).ServeHTTP(w, r)
}

// Broadcast pushes an unsolicited notification (req_id "") to every open
// WebSocket connection; failures drop that one connection rather than
// blocking the others.
func (f *Frame) Broadcast(method string, payload any) {
	f.mu.RLock()
	conns := make([]*websocket.Conn, 0, len(f.wsConns))
	for c := range f.wsConns {
		conns = append(conns, c)
	}
	f.mu.RUnlock()

	msg := wsMessage{ReqID: "", Method: method, Result: payload}
	for _, c := range conns {
		if err := json.NewEncoder(c).Encode(msg); err != nil {
			f.metrics.WebSocketDropped("broadcast-error")
			_ = c.Close()
		}
	}
}
