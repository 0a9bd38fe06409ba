package metrics

import (
	"context"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	connectionsTotal   prometheus.Counter
	connectionsActive  prometheus.Gauge
	tlsConnectionTotal prometheus.Counter

	rpcRequestsTotal   *prometheus.CounterVec
	authAttemptsTotal  *prometheus.CounterVec
	messagesIndexed    *prometheus.CounterVec
	searchesPerformed  *prometheus.CounterVec
	websocketDropped   *prometheus.CounterVec
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moggie_connections_total",
			Help: "Total number of RPC connections opened.",
		}),
		connectionsActive: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "moggie_connections_active",
			Help: "Number of currently active RPC connections.",
		}),
		tlsConnectionTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "moggie_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}),
		rpcRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moggie_rpc_requests_total",
			Help: "Total number of RPC requests dispatched.",
		}, []string{"method", "result"}),
		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moggie_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"context", "result"}),
		messagesIndexed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moggie_messages_indexed_total",
			Help: "Total number of messages indexed into the metadata store.",
		}, []string{"context"}),
		searchesPerformed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moggie_searches_total",
			Help: "Total number of search requests served.",
		}, []string{"context"}),
		websocketDropped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "moggie_internal_websocket_error_total",
			Help: "Total number of WebSocket notifications dropped due to backpressure.",
		}, []string{"reason"}),
	}

	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionTotal,
		c.rpcRequestsTotal,
		c.authAttemptsTotal,
		c.messagesIndexed,
		c.searchesPerformed,
		c.websocketDropped,
	)

	return c
}

func (c *PrometheusCollector) ConnectionOpened() {
	c.connectionsTotal.Inc()
	c.connectionsActive.Inc()
}

func (c *PrometheusCollector) ConnectionClosed() {
	c.connectionsActive.Dec()
}

func (c *PrometheusCollector) TLSConnectionEstablished() {
	c.tlsConnectionTotal.Inc()
}

func (c *PrometheusCollector) RPCRequest(method string, ok bool) {
	result := "error"
	if ok {
		result = "ok"
	}
	c.rpcRequestsTotal.WithLabelValues(method, result).Inc()
}

func (c *PrometheusCollector) AuthAttempt(contextName string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(contextName, result).Inc()
}

func (c *PrometheusCollector) MessageIndexed(contextName string) {
	c.messagesIndexed.WithLabelValues(contextName).Inc()
}

func (c *PrometheusCollector) SearchPerformed(contextName string) {
	c.searchesPerformed.WithLabelValues(contextName).Inc()
}

func (c *PrometheusCollector) WebSocketDropped(reason string) {
	c.websocketDropped.WithLabelValues(reason).Inc()
}

// PrometheusServer exposes the default registry on an HTTP endpoint.
type PrometheusServer struct {
	addr string
	path string
	srv  *http.Server
}

// NewPrometheusServer builds a metrics server bound to addr, serving path.
func NewPrometheusServer(addr, path string) *PrometheusServer {
	return &PrometheusServer{addr: addr, path: path}
}

// Start begins serving metrics. It blocks until ctx is canceled.
func (s *PrometheusServer) Start(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle(s.path, promhttp.Handler())
	s.srv = &http.Server{Addr: s.addr, Handler: mux}

	errCh := make(chan error, 1)
	go func() { errCh <- s.srv.ListenAndServe() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return context.Canceled
		}
		return err
	}
}

// Shutdown gracefully stops the metrics server.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	if s.srv == nil {
		return nil
	}
	return s.srv.Shutdown(ctx)
}
