// Package metrics provides interfaces and implementations for collecting
// mail gateway metrics. This package defines the Collector interface for
// recording metrics and the Server interface for exposing them.
package metrics

import "context"

// Collector defines the interface for recording gateway metrics.
// Protocol labels are "smtp" or "pop3".
type Collector interface {
	// Connection metrics
	ConnectionOpened(protocol string)
	ConnectionClosed(protocol string)
	TLSConnectionEstablished(protocol string)

	// Authentication metrics
	AuthAttempt(protocol string, success bool)

	// Command metrics
	CommandProcessed(protocol string, command string)

	// Submission metrics. disposition is "sent" for inline delivery or
	// "queued" when the message was spooled for later flushing.
	MessageAccepted(disposition string, sizeBytes int64)
	MessageRejected(reason string)

	// Graph traffic, labeled by operation and outcome class
	// ("ok", "retryable", "auth", "permanent").
	GraphRequest(operation string, result string, seconds float64)

	// Token lifecycle
	TokenRefresh(success bool)

	// Queue state
	QueueDepth(n int)
	QueueFlush(result string)

	// Upstream reachability
	Reachability(reachable bool)
}

// Server defines the interface for a metrics HTTP server.
type Server interface {
	// Start begins serving metrics. It blocks until the context is canceled
	// or an error occurs.
	Start(ctx context.Context) error

	// Shutdown gracefully stops the metrics server.
	Shutdown(ctx context.Context) error
}
