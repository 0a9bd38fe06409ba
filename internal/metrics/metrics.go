// Package metrics provides interfaces and implementations for collecting
// worker metrics: RPC traffic, authentication attempts, index operations,
// and WebSocket backpressure drops.
package metrics

import "context"

// Collector defines the interface for recording worker metrics. Every
// worker process (app, openpgp, recovery, smtp-bridge) holds one.
type Collector interface {
	// Connection metrics.
	ConnectionOpened()
	ConnectionClosed()
	TLSConnectionEstablished()

	// RPC metrics.
	RPCRequest(method string, ok bool)
	AuthAttempt(contextName string, success bool)

	// Index / search metrics.
	MessageIndexed(contextName string)
	SearchPerformed(contextName string)

	// WebSocket backpressure, surfaced as internal_websocket_error per
	// spec.md §5 ("Backpressure").
	WebSocketDropped(reason string)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
