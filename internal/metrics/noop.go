package metrics

// NoopCollector is a no-op implementation of the Collector interface.
// All methods are empty stubs that do nothing.
type NoopCollector struct{}

// ConnectionOpened is a no-op.
func (n *NoopCollector) ConnectionOpened(protocol string) {}

// ConnectionClosed is a no-op.
func (n *NoopCollector) ConnectionClosed(protocol string) {}

// TLSConnectionEstablished is a no-op.
func (n *NoopCollector) TLSConnectionEstablished(protocol string) {}

// AuthAttempt is a no-op.
func (n *NoopCollector) AuthAttempt(protocol string, success bool) {}

// CommandProcessed is a no-op.
func (n *NoopCollector) CommandProcessed(protocol string, command string) {}

// MessageAccepted is a no-op.
func (n *NoopCollector) MessageAccepted(disposition string, sizeBytes int64) {}

// MessageRejected is a no-op.
func (n *NoopCollector) MessageRejected(reason string) {}

// GraphRequest is a no-op.
func (n *NoopCollector) GraphRequest(operation string, result string, seconds float64) {}

// TokenRefresh is a no-op.
func (n *NoopCollector) TokenRefresh(success bool) {}

// QueueDepth is a no-op.
func (n *NoopCollector) QueueDepth(count int) {}

// QueueFlush is a no-op.
func (n *NoopCollector) QueueFlush(result string) {}

// Reachability is a no-op.
func (n *NoopCollector) Reachability(reachable bool) {}
