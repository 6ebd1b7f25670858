package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/infodancer/m365gw/internal/config"
)

// maxLineLength bounds command and DATA lines. RFC 5321 allows 998 bytes
// of text plus CRLF; anything longer earns a 500.
const maxLineLength = 1000

// serverEntry holds a go-smtp server and its listener mode.
type serverEntry struct {
	server *gosmtp.Server
	mode   config.ListenerMode
}

// Server runs the SMTP and SMTPS listeners over one shared Backend.
type Server struct {
	entries []serverEntry
	backend *Backend
	logger  *slog.Logger
	wg      sync.WaitGroup
}

// ServerConfig holds configuration for creating a Server.
type ServerConfig struct {
	Backend   *Backend
	Listeners []config.ListenerConfig
	Hostname  string
	// TLSConfig enables STARTTLS on plain listeners and is required for
	// smtps listeners. Without it, AUTH is allowed in cleartext: the
	// deployment target is a trusted LAN segment.
	TLSConfig      *tls.Config
	MaxMessageSize int64
	ReadTimeout    time.Duration
	WriteTimeout   time.Duration
	Logger         *slog.Logger
}

// NewServer creates a Server with one go-smtp instance per listener.
func NewServer(cfg ServerConfig) (*Server, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 5 * time.Minute
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 5 * time.Minute
	}

	srv := &Server{
		entries: make([]serverEntry, 0, len(cfg.Listeners)),
		backend: cfg.Backend,
		logger:  logger,
	}

	for _, listener := range cfg.Listeners {
		switch listener.Mode {
		case config.ModeSmtp, config.ModeSmtps:
		default:
			continue
		}

		s := gosmtp.NewServer(cfg.Backend)
		s.Addr = listener.Address
		s.Domain = cfg.Hostname
		s.ReadTimeout = cfg.ReadTimeout
		s.WriteTimeout = cfg.WriteTimeout
		s.MaxMessageBytes = cfg.MaxMessageSize
		s.MaxLineLength = maxLineLength
		s.MaxRecipients = 100
		s.EnableSMTPUTF8 = true

		switch listener.Mode {
		case config.ModeSmtp:
			s.TLSConfig = cfg.TLSConfig
			// Without TLS material there is nothing to upgrade to;
			// cleartext AUTH is the deployment's explicit choice then.
			s.AllowInsecureAuth = cfg.TLSConfig == nil

		case config.ModeSmtps:
			if cfg.TLSConfig == nil {
				return nil, fmt.Errorf("listener %s: smtps requires TLS material", listener.Address)
			}
			s.TLSConfig = cfg.TLSConfig
		}

		srv.entries = append(srv.entries, serverEntry{server: s, mode: listener.Mode})
		logger.Info("configured listener",
			slog.String("address", listener.Address),
			slog.String("mode", string(listener.Mode)))
	}

	return srv, nil
}

// Run starts all listeners and blocks until ctx is cancelled, then shuts
// them down gracefully.
func (s *Server) Run(ctx context.Context) error {
	if s.backend != nil {
		s.backend.BindContext(ctx)
	}

	errChan := make(chan error, len(s.entries))

	for _, entry := range s.entries {
		s.wg.Add(1)
		go func(entry serverEntry) {
			defer s.wg.Done()

			var err error
			if entry.mode == config.ModeSmtps {
				s.logger.Info("starting smtps listener", slog.String("address", entry.server.Addr))
				err = entry.server.ListenAndServeTLS()
			} else {
				s.logger.Info("starting smtp listener", slog.String("address", entry.server.Addr))
				err = entry.server.ListenAndServe()
			}
			if err != nil && !errors.Is(err, gosmtp.ErrServerClosed) {
				errChan <- fmt.Errorf("server %s: %w", entry.server.Addr, err)
			}
		}(entry)
	}

	<-ctx.Done()
	s.logger.Info("shutting down smtp listeners")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	for _, entry := range s.entries {
		if err := entry.server.Shutdown(shutdownCtx); err != nil {
			s.logger.Error("shutting down listener",
				slog.String("address", entry.server.Addr),
				slog.String("error", err.Error()))
		}
	}
	s.wg.Wait()

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
