package metrics

// NoopCollector is a no-op implementation of the Collector interface.
type NoopCollector struct{}

func (n *NoopCollector) ConnectionOpened()                             {}
func (n *NoopCollector) ConnectionClosed()                             {}
func (n *NoopCollector) TLSConnectionEstablished()                     {}
func (n *NoopCollector) RPCRequest(method string, ok bool)             {}
func (n *NoopCollector) AuthAttempt(contextName string, success bool)  {}
func (n *NoopCollector) MessageIndexed(contextName string)             {}
func (n *NoopCollector) SearchPerformed(contextName string)            {}
func (n *NoopCollector) WebSocketDropped(reason string)                {}
