package metrics

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// PrometheusServer serves the Prometheus scrape endpoint over HTTP. The
// endpoint binds to the LAN-facing metrics address from the configuration
// and carries no other routes.
type PrometheusServer struct {
	server *http.Server
	logger *slog.Logger
}

// NewPrometheusServer creates a PrometheusServer exposing the default
// registry at the given address and path.
func NewPrometheusServer(address, path string) *PrometheusServer {
	mux := http.NewServeMux()
	mux.Handle(path, promhttp.Handler())

	return &PrometheusServer{
		server: &http.Server{
			Addr:              address,
			Handler:           mux,
			ReadHeaderTimeout: 10 * time.Second,
		},
		logger: slog.Default().With(slog.String("component", "metrics")),
	}
}

// Start serves the scrape endpoint until the context is cancelled or the
// listener fails. A graceful Shutdown yields a nil return.
func (s *PrometheusServer) Start(ctx context.Context) error {
	s.logger.Info("metrics endpoint listening", slog.String("address", s.server.Addr))

	errCh := make(chan error, 1)
	go func() {
		err := s.server.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error("metrics endpoint failed",
				slog.String("address", s.server.Addr),
				slog.String("error", err.Error()))
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		return nil
	case err := <-errCh:
		return err
	}
}

// Shutdown stops accepting scrapes and drains in-flight requests.
func (s *PrometheusServer) Shutdown(ctx context.Context) error {
	s.logger.Info("metrics endpoint stopping", slog.String("address", s.server.Addr))
	return s.server.Shutdown(ctx)
}
