package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// PrometheusCollector implements the Collector interface using Prometheus metrics.
type PrometheusCollector struct {
	// Connection metrics
	connectionsTotal    *prometheus.CounterVec
	connectionsActive   *prometheus.GaugeVec
	tlsConnectionsTotal *prometheus.CounterVec

	// Authentication metrics
	authAttemptsTotal *prometheus.CounterVec

	// Command metrics
	commandsTotal *prometheus.CounterVec

	// Submission metrics
	messagesAcceptedTotal *prometheus.CounterVec
	messagesRejectedTotal *prometheus.CounterVec
	messageSizeBytes      prometheus.Histogram

	// Graph metrics
	graphRequestsTotal   *prometheus.CounterVec
	graphRequestDuration *prometheus.HistogramVec
	tokenRefreshTotal    *prometheus.CounterVec

	// Queue metrics
	queueDepth      prometheus.Gauge
	queueFlushTotal *prometheus.CounterVec

	// Reachability
	reachable prometheus.Gauge
}

// NewPrometheusCollector creates a new PrometheusCollector with all metrics registered.
func NewPrometheusCollector(reg prometheus.Registerer) *PrometheusCollector {
	c := &PrometheusCollector{
		connectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365gw_connections_total",
			Help: "Total number of client connections opened.",
		}, []string{"protocol"}),
		connectionsActive: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "m365gw_connections_active",
			Help: "Number of currently active client connections.",
		}, []string{"protocol"}),
		tlsConnectionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365gw_tls_connections_total",
			Help: "Total number of TLS connections established.",
		}, []string{"protocol"}),

		authAttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365gw_auth_attempts_total",
			Help: "Total number of authentication attempts.",
		}, []string{"protocol", "result"}),

		commandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365gw_commands_total",
			Help: "Total number of protocol commands processed.",
		}, []string{"protocol", "command"}),

		messagesAcceptedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365gw_messages_accepted_total",
			Help: "Total number of messages accepted for submission.",
		}, []string{"disposition"}),
		messagesRejectedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365gw_messages_rejected_total",
			Help: "Total number of messages rejected.",
		}, []string{"reason"}),
		messageSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "m365gw_message_size_bytes",
			Help:    "Size of accepted messages in bytes.",
			Buckets: []float64{1024, 10240, 102400, 1048576, 3145728, 10485760, 41943040, 83886080, 157286400},
		}),

		graphRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365gw_graph_requests_total",
			Help: "Total number of Microsoft Graph requests.",
		}, []string{"operation", "result"}),
		graphRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "m365gw_graph_request_duration_seconds",
			Help:    "Duration of Microsoft Graph requests.",
			Buckets: prometheus.DefBuckets,
		}, []string{"operation"}),
		tokenRefreshTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365gw_token_refresh_total",
			Help: "Total number of token refresh attempts.",
		}, []string{"result"}),

		queueDepth: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "m365gw_queue_depth",
			Help: "Number of messages waiting in the outbound queue.",
		}),
		queueFlushTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "m365gw_queue_flush_total",
			Help: "Total number of queue flush attempts.",
		}, []string{"result"}),

		reachable: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "m365gw_graph_reachable",
			Help: "Whether Microsoft Graph is currently reachable (1) or not (0).",
		}),
	}

	// Register all metrics
	reg.MustRegister(
		c.connectionsTotal,
		c.connectionsActive,
		c.tlsConnectionsTotal,
		c.authAttemptsTotal,
		c.commandsTotal,
		c.messagesAcceptedTotal,
		c.messagesRejectedTotal,
		c.messageSizeBytes,
		c.graphRequestsTotal,
		c.graphRequestDuration,
		c.tokenRefreshTotal,
		c.queueDepth,
		c.queueFlushTotal,
		c.reachable,
	)

	return c
}

// ConnectionOpened increments the connection counter and active gauge.
func (c *PrometheusCollector) ConnectionOpened(protocol string) {
	c.connectionsTotal.WithLabelValues(protocol).Inc()
	c.connectionsActive.WithLabelValues(protocol).Inc()
}

// ConnectionClosed decrements the active connections gauge.
func (c *PrometheusCollector) ConnectionClosed(protocol string) {
	c.connectionsActive.WithLabelValues(protocol).Dec()
}

// TLSConnectionEstablished increments the TLS connection counter.
func (c *PrometheusCollector) TLSConnectionEstablished(protocol string) {
	c.tlsConnectionsTotal.WithLabelValues(protocol).Inc()
}

// AuthAttempt increments the authentication attempts counter.
func (c *PrometheusCollector) AuthAttempt(protocol string, success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.authAttemptsTotal.WithLabelValues(protocol, result).Inc()
}

// CommandProcessed increments the command counter.
func (c *PrometheusCollector) CommandProcessed(protocol string, command string) {
	c.commandsTotal.WithLabelValues(protocol, command).Inc()
}

// MessageAccepted increments the accepted counter and observes message size.
func (c *PrometheusCollector) MessageAccepted(disposition string, sizeBytes int64) {
	c.messagesAcceptedTotal.WithLabelValues(disposition).Inc()
	c.messageSizeBytes.Observe(float64(sizeBytes))
}

// MessageRejected increments the message rejected counter.
func (c *PrometheusCollector) MessageRejected(reason string) {
	c.messagesRejectedTotal.WithLabelValues(reason).Inc()
}

// GraphRequest records one Graph request with its outcome and duration.
func (c *PrometheusCollector) GraphRequest(operation string, result string, seconds float64) {
	c.graphRequestsTotal.WithLabelValues(operation, result).Inc()
	c.graphRequestDuration.WithLabelValues(operation).Observe(seconds)
}

// TokenRefresh increments the token refresh counter.
func (c *PrometheusCollector) TokenRefresh(success bool) {
	result := "failure"
	if success {
		result = "success"
	}
	c.tokenRefreshTotal.WithLabelValues(result).Inc()
}

// QueueDepth sets the queue depth gauge.
func (c *PrometheusCollector) QueueDepth(n int) {
	c.queueDepth.Set(float64(n))
}

// QueueFlush increments the queue flush counter.
func (c *PrometheusCollector) QueueFlush(result string) {
	c.queueFlushTotal.WithLabelValues(result).Inc()
}

// Reachability sets the reachability gauge.
func (c *PrometheusCollector) Reachability(reachable bool) {
	if reachable {
		c.reachable.Set(1)
	} else {
		c.reachable.Set(0)
	}
}
