// Package gateway wires the protocol servers, the Graph client, the token
// source, and the outbound queue into one runnable unit.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/infodancer/m365gw/internal/config"
	"github.com/infodancer/m365gw/internal/graph"
	"github.com/infodancer/m365gw/internal/mailbox"
	"github.com/infodancer/m365gw/internal/metrics"
	"github.com/infodancer/m365gw/internal/netcheck"
	"github.com/infodancer/m365gw/internal/oauth"
	"github.com/infodancer/m365gw/internal/pop3"
	"github.com/infodancer/m365gw/internal/queue"
	"github.com/infodancer/m365gw/internal/server"
	"github.com/infodancer/m365gw/internal/smtp"
)

// ErrAuthRequired indicates that no usable token is stored and an
// interactive device-code login is needed before the gateway can serve.
var ErrAuthRequired = errors.New("interactive login required")

// Gateway owns every long-running component of the mail gateway.
type Gateway struct {
	cfg        config.Config
	logger     *slog.Logger
	collector  metrics.Collector
	metricsSrv metrics.Server

	store   *oauth.Store
	source  *oauth.Source
	graph   *graph.Client
	watcher *netcheck.Watcher
	queue   *queue.Queue
	flusher *queue.Flusher

	smtpSrv *smtp.Server
	pop3Srv *server.Server
}

// New builds the full component graph from the configuration. It opens
// the queue directory and loads TLS material but does not touch the
// network; Run does that.
func New(cfg config.Config, logger *slog.Logger) (*Gateway, error) {
	if logger == nil {
		logger = slog.Default()
	}

	collector, metricsSrv := metrics.New(metrics.Config{
		Enabled: cfg.Metrics.Enabled,
		Address: cfg.Metrics.Address,
		Path:    cfg.Metrics.Path,
	})

	tlsCfg, err := cfg.LoadTLS()
	if err != nil {
		return nil, err
	}

	proxy, err := cfg.ProxyURL()
	if err != nil {
		return nil, err
	}
	if proxy != nil {
		logger.Info("routing upstream traffic through proxy",
			slog.String("proxy", config.SanitizeURL(proxy)))
	}

	store := oauth.NewStore(cfg.TokenPath, cfg.User)

	// The identity endpoint sits on the far side of the same proxy as
	// Graph itself.
	var idHTTP *http.Client
	if proxy != nil {
		idHTTP = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
			Timeout:   time.Minute,
		}
	}
	idClient, err := oauth.NewClient(oauth.ClientConfig{
		ClientID:   cfg.ClientID,
		TenantID:   cfg.TenantID,
		HTTPClient: idHTTP,
		Logger:     logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating identity client: %w", err)
	}

	source, err := oauth.NewSource(oauth.SourceConfig{
		Store:     store,
		Client:    idClient,
		Collector: collector,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating token source: %w", err)
	}

	gclient, err := graph.NewClient(graph.ClientConfig{
		Tokens:    source,
		Proxy:     proxy,
		Collector: collector,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating graph client: %w", err)
	}

	watcher := netcheck.NewWatcher(netcheck.Config{
		Prober:    gclient,
		Collector: collector,
		Logger:    logger,
	})

	q, err := queue.Open(cfg.QueueDir, queue.Options{
		Collector: collector,
		Logger:    logger,
	})
	if err != nil {
		return nil, fmt.Errorf("opening queue: %w", err)
	}
	flusher := queue.NewFlusher(q, gclient, watcher)

	registry := mailbox.NewRegistry(cfg.Mailboxes)

	hostname, err := os.Hostname()
	if err != nil || hostname == "" {
		hostname = "m365gw"
	}

	backend := smtp.NewBackend(smtp.BackendConfig{
		Hostname:       hostname,
		Registry:       registry,
		Sender:         gclient,
		Queue:          q,
		Reachable:      watcher.Reachable,
		AllowedDomains: cfg.AllowedDomains,
		Collector:      collector,
		Logger:         logger,
	})
	smtpSrv, err := smtp.NewServer(smtp.ServerConfig{
		Backend:        backend,
		Listeners:      cfg.Listeners(),
		Hostname:       hostname,
		TLSConfig:      tlsCfg,
		MaxMessageSize: cfg.AttachmentLimitBytes(),
		Logger:         logger,
	})
	if err != nil {
		return nil, fmt.Errorf("creating smtp server: %w", err)
	}

	pop3Handler := pop3.Handler(pop3.HandlerConfig{
		Hostname:  hostname,
		Auth:      registry,
		Store:     gclient,
		TLSConfig: tlsCfg,
		Collector: collector,
	})
	pop3Srv, err := server.New(server.Config{
		Listeners: cfg.Listeners(),
		TLSConfig: tlsCfg,
		Logger:    logger,
		Handler:   pop3Handler,
	})
	if err != nil {
		return nil, fmt.Errorf("creating pop3 server: %w", err)
	}

	return &Gateway{
		cfg:        cfg,
		logger:     logger,
		collector:  collector,
		metricsSrv: metricsSrv,
		store:      store,
		source:     source,
		graph:      gclient,
		watcher:    watcher,
		queue:      q,
		flusher:    flusher,
		smtpSrv:    smtpSrv,
		pop3Srv:    pop3Srv,
	}, nil
}

// CheckStartup verifies the stored token before the listeners come up.
// It returns ErrAuthRequired when the operator must run an interactive
// login; any other error is a refresh failure worth aborting on.
func (g *Gateway) CheckStartup(ctx context.Context) error {
	access, err := g.source.Token(ctx)
	if err != nil {
		if errors.Is(err, oauth.ErrNoToken) || errors.Is(err, oauth.ErrReauthRequired) {
			return fmt.Errorf("%w: %v", ErrAuthRequired, err)
		}
		return fmt.Errorf("startup token check: %w", err)
	}
	if err := oauth.VerifyScopes(access); err != nil {
		return fmt.Errorf("%w: %v", ErrAuthRequired, err)
	}
	return nil
}

// TokenStore exposes the token store for CLI subcommands.
func (g *Gateway) TokenStore() *oauth.Store {
	return g.store
}

// Graph exposes the Graph client for CLI subcommands.
func (g *Gateway) Graph() *graph.Client {
	return g.graph
}

// Run starts every component and blocks until ctx is cancelled or one of
// them fails. A clean cancellation returns nil.
func (g *Gateway) Run(ctx context.Context) error {
	g.logger.Info("starting gateway",
		slog.Int("listeners", len(g.cfg.Listeners())),
		slog.Int("queue_depth", g.queue.Depth()),
	)

	grp, ctx := errgroup.WithContext(ctx)

	grp.Go(func() error { return ignoreCanceled(g.watcher.Run(ctx)) })
	grp.Go(func() error { return ignoreCanceled(g.source.Run(ctx)) })
	grp.Go(func() error { return ignoreCanceled(g.flusher.Run(ctx)) })
	grp.Go(func() error { return ignoreCanceled(g.smtpSrv.Run(ctx)) })

	if g.pop3Srv.ListenerCount() > 0 {
		grp.Go(func() error { return ignoreCanceled(g.pop3Srv.Run(ctx)) })
	}

	if g.cfg.Metrics.Enabled {
		grp.Go(func() error { return ignoreCanceled(g.metricsSrv.Start(ctx)) })
		grp.Go(func() error {
			<-ctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return g.metricsSrv.Shutdown(shutdownCtx)
		})
	}

	err := grp.Wait()
	g.logger.Info("gateway stopped")
	return err
}

func ignoreCanceled(err error) error {
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}
