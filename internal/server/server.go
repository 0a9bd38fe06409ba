// Package server provides the localhost TCP transport shared by every
// worker's RPC frame: a listener bound to 127.0.0.1, optional TLS, and a
// connection-count limiter. The protocol on top (HTTP + WebSocket upgrade)
// lives in internal/rpcframe.
package server

import (
	"crypto/tls"
	"fmt"
	"net"
)

// Config describes how to bind a worker's localhost listener.
type Config struct {
	Address        string
	TLSConfig      *tls.Config // nil: plain TCP
	MaxConnections int         // 0: unlimited
}

// Listen binds Address and wraps it with TLS and a connection limiter
// according to Config. The returned net.Listener is what an *http.Server
// should Serve on.
func Listen(cfg Config) (net.Listener, error) {
	ln, err := net.Listen("tcp", cfg.Address)
	if err != nil {
		return nil, fmt.Errorf("server: listen %s: %w", cfg.Address, err)
	}
	if cfg.TLSConfig != nil {
		ln = tls.NewListener(ln, cfg.TLSConfig)
	}
	if cfg.MaxConnections > 0 {
		ln = newLimitedListener(ln, cfg.MaxConnections)
	}
	return ln, nil
}
