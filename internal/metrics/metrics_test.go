package metrics

import (
	"context"
	"testing"
)

func TestNoopCollectorImplementsInterface(t *testing.T) {
	var _ Collector = &NoopCollector{}
}

func TestNoopServerImplementsInterface(t *testing.T) {
	var _ Server = &NoopServer{}
}

func TestNoopCollectorMethods(t *testing.T) {
	c := &NoopCollector{}

	// All methods should execute without panic
	c.ConnectionOpened("smtp")
	c.ConnectionClosed("smtp")
	c.TLSConnectionEstablished("pop3")
	c.AuthAttempt("smtp", true)
	c.AuthAttempt("pop3", false)
	c.CommandProcessed("smtp", "EHLO")
	c.MessageAccepted("sent", 1024)
	c.MessageRejected("domain")
	c.GraphRequest("sendMail", "ok", 0.1)
	c.TokenRefresh(true)
	c.QueueDepth(0)
	c.QueueFlush("sent")
	c.Reachability(true)
}

func TestNoopServerStart(t *testing.T) {
	s := &NoopServer{}
	ctx := context.Background()

	err := s.Start(ctx)
	if err != nil {
		t.Errorf("Start() error = %v, want nil", err)
	}
}

func TestNoopServerShutdown(t *testing.T) {
	s := &NoopServer{}
	ctx := context.Background()

	err := s.Shutdown(ctx)
	if err != nil {
		t.Errorf("Shutdown() error = %v, want nil", err)
	}
}

func TestNewDisabled(t *testing.T) {
	// The enabled path registers against the default registry, so it is
	// exercised once in TestPrometheusCollectorMethods via a private
	// registry instead of here.
	collector, server := New(Config{Enabled: false, Address: ":9100", Path: "/metrics"})

	if collector == nil {
		t.Fatal("New() returned nil collector")
	}

	if server == nil {
		t.Fatal("New() returned nil server")
	}

	collector.ConnectionOpened("smtp")
	collector.ConnectionClosed("smtp")

	ctx := context.Background()
	if err := server.Start(ctx); err != nil {
		t.Errorf("server.Start() error = %v", err)
	}
	if err := server.Shutdown(ctx); err != nil {
		t.Errorf("server.Shutdown() error = %v", err)
	}
}
