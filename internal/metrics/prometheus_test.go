package metrics

import (
	"context"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

func TestPrometheusCollectorImplementsInterface(t *testing.T) {
	reg := prometheus.NewRegistry()
	var _ Collector = NewPrometheusCollector(reg)
}

func TestPrometheusServerImplementsInterface(t *testing.T) {
	var _ Server = NewPrometheusServer(":0", "/metrics")
}

func TestPrometheusCollectorMethods(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	// All methods should execute without panic
	c.ConnectionOpened("smtp")
	c.ConnectionClosed("smtp")
	c.TLSConnectionEstablished("pop3")
	c.AuthAttempt("smtp", true)
	c.AuthAttempt("pop3", false)
	c.CommandProcessed("smtp", "EHLO")
	c.CommandProcessed("pop3", "RETR")
	c.MessageAccepted("sent", 1024)
	c.MessageAccepted("queued", 2048)
	c.MessageRejected("size")
	c.GraphRequest("sendMail", "ok", 0.2)
	c.GraphRequest("listMessages", "retryable", 1.5)
	c.TokenRefresh(true)
	c.TokenRefresh(false)
	c.QueueDepth(3)
	c.QueueFlush("sent")
	c.QueueFlush("retried")
	c.Reachability(true)
	c.Reachability(false)

	// Gather metrics to verify they were recorded
	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	// Check that metrics were registered
	metricNames := make(map[string]bool)
	for _, mf := range mfs {
		metricNames[mf.GetName()] = true
	}

	expectedMetrics := []string{
		"m365gw_connections_total",
		"m365gw_connections_active",
		"m365gw_tls_connections_total",
		"m365gw_auth_attempts_total",
		"m365gw_commands_total",
		"m365gw_messages_accepted_total",
		"m365gw_messages_rejected_total",
		"m365gw_message_size_bytes",
		"m365gw_graph_requests_total",
		"m365gw_graph_request_duration_seconds",
		"m365gw_token_refresh_total",
		"m365gw_queue_depth",
		"m365gw_queue_flush_total",
		"m365gw_graph_reachable",
	}

	for _, name := range expectedMetrics {
		if !metricNames[name] {
			t.Errorf("expected metric %q not found", name)
		}
	}
}

func TestPrometheusCollectorConnectionMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	// Open some connections
	c.ConnectionOpened("smtp")
	c.ConnectionOpened("smtp")
	c.ConnectionOpened("smtp")

	// Close one
	c.ConnectionClosed("smtp")

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range mfs {
		switch mf.GetName() {
		case "m365gw_connections_total":
			if len(mf.GetMetric()) == 0 {
				t.Error("connections_total has no metrics")
				continue
			}
			v := mf.GetMetric()[0].GetCounter().GetValue()
			if v != 3 {
				t.Errorf("connections_total = %v, want 3", v)
			}
		case "m365gw_connections_active":
			if len(mf.GetMetric()) == 0 {
				t.Error("connections_active has no metrics")
				continue
			}
			v := mf.GetMetric()[0].GetGauge().GetValue()
			if v != 2 {
				t.Errorf("connections_active = %v, want 2", v)
			}
		}
	}
}

func TestPrometheusCollectorAuthMetrics(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.AuthAttempt("smtp", true)
	c.AuthAttempt("smtp", false)
	c.AuthAttempt("pop3", true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() == "m365gw_auth_attempts_total" {
			// Two results for smtp plus one for pop3
			if len(mf.GetMetric()) != 3 {
				t.Errorf("auth_attempts_total has %d metric entries, want 3", len(mf.GetMetric()))
			}
		}
	}
}

func TestPrometheusCollectorReachability(t *testing.T) {
	reg := prometheus.NewRegistry()
	c := NewPrometheusCollector(reg)

	c.Reachability(true)

	mfs, err := reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() == "m365gw_graph_reachable" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 1 {
				t.Errorf("graph_reachable = %v, want 1", v)
			}
		}
	}

	c.Reachability(false)

	mfs, err = reg.Gather()
	if err != nil {
		t.Fatalf("failed to gather metrics: %v", err)
	}

	for _, mf := range mfs {
		if mf.GetName() == "m365gw_graph_reachable" {
			if v := mf.GetMetric()[0].GetGauge().GetValue(); v != 0 {
				t.Errorf("graph_reachable = %v, want 0", v)
			}
		}
	}
}

func TestPrometheusServerStartStop(t *testing.T) {
	server := NewPrometheusServer("127.0.0.1:0", "/metrics")

	ctx, cancel := context.WithCancel(context.Background())

	// Start server in background
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start(ctx)
	}()

	// Give server time to start
	time.Sleep(50 * time.Millisecond)

	// Shutdown
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		t.Errorf("Shutdown() error = %v", err)
	}

	cancel()

	// Check that Start returned without error
	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() error = %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Error("Start() did not return after shutdown")
	}
}

func TestNewReturnsNoopWhenDisabled(t *testing.T) {
	cfg := Config{
		Enabled: false,
		Address: ":9100",
		Path:    "/metrics",
	}

	collector, server := New(cfg)

	if _, ok := collector.(*NoopCollector); !ok {
		t.Errorf("New() with Enabled=false returned collector type %T, want *NoopCollector", collector)
	}
	if _, ok := server.(*NoopServer); !ok {
		t.Errorf("New() with Enabled=false returned server type %T, want *NoopServer", server)
	}
}
