// Package server provides the raw connection plumbing for the POP3
// listeners: TCP/TLS accept loops, per-connection buffering and
// timeouts, and the TLS upgrade used by STLS.
package server

import (
	"context"
	"crypto/tls"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/infodancer/m365gw/internal/config"
)

// defaultIdleTimeout closes connections with no activity; POP3 clients
// poll and disconnect, so ten minutes is generous.
const defaultIdleTimeout = 10 * time.Minute

// defaultCommandTimeout bounds a single command read.
const defaultCommandTimeout = 5 * time.Minute

// Server coordinates the POP3 listeners and hands connections to the
// protocol handler.
type Server struct {
	listeners []*Listener
	logger    *slog.Logger
	mu        sync.Mutex
}

// Config holds configuration for creating a new Server.
type Config struct {
	// Listeners must all be pop3 or pop3s mode.
	Listeners []config.ListenerConfig
	// TLSConfig is required when any listener is pop3s; on pop3
	// listeners it enables STLS.
	TLSConfig      *tls.Config
	IdleTimeout    time.Duration
	CommandTimeout time.Duration
	LogTransaction bool
	Logger         *slog.Logger
	Handler        ConnectionHandler
}

// New creates a Server with one Listener per configured address.
func New(sc Config) (*Server, error) {
	logger := sc.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if sc.IdleTimeout == 0 {
		sc.IdleTimeout = defaultIdleTimeout
	}
	if sc.CommandTimeout == 0 {
		sc.CommandTimeout = defaultCommandTimeout
	}

	s := &Server{logger: logger}

	for _, lc := range sc.Listeners {
		switch lc.Mode {
		case config.ModePop3, config.ModePop3s:
		default:
			continue
		}
		if lc.Mode == config.ModePop3s && sc.TLSConfig == nil {
			return nil, fmt.Errorf("listener %s: pop3s requires TLS material", lc.Address)
		}

		s.listeners = append(s.listeners, NewListener(ListenerConfig{
			Address:        lc.Address,
			Mode:           lc.Mode,
			TLSConfig:      sc.TLSConfig,
			IdleTimeout:    sc.IdleTimeout,
			CommandTimeout: sc.CommandTimeout,
			LogTransaction: sc.LogTransaction,
			Logger:         logger,
			Handler:        sc.Handler,
		}))
	}

	return s, nil
}

// ListenerCount returns the number of configured listeners.
func (s *Server) ListenerCount() int {
	return len(s.listeners)
}

// Run starts all listeners and blocks until the context is cancelled.
func (s *Server) Run(ctx context.Context) error {
	s.logger.Info("starting pop3 listeners", slog.Int("count", len(s.listeners)))

	var wg sync.WaitGroup
	errChan := make(chan error, len(s.listeners))

	for _, l := range s.listeners {
		wg.Add(1)
		go func(listener *Listener) {
			defer wg.Done()
			if err := listener.Start(ctx); err != nil && err != context.Canceled {
				errChan <- fmt.Errorf("listener %s: %w", listener.Address(), err)
			}
		}(l)
	}

	<-ctx.Done()
	s.logger.Info("pop3 listeners shutting down")

	wg.Wait()

	close(errChan)
	var firstErr error
	for err := range errChan {
		if firstErr == nil {
			firstErr = err
		}
		s.logger.Error("listener error", slog.String("error", err.Error()))
	}
	if firstErr != nil {
		return firstErr
	}
	return ctx.Err()
}

// Shutdown stops accepting new connections.
func (s *Server) Shutdown() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, l := range s.listeners {
		_ = l.Close()
	}
}

// Logger returns the server's logger.
func (s *Server) Logger() *slog.Logger {
	return s.logger
}
