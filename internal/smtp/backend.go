// Package smtp implements the gateway's submission side on top of
// emersion/go-smtp: ESMTP with STARTTLS and AUTH, relaying accepted mail
// to Microsoft Graph or the durable queue.
package smtp

import (
	"context"
	"log/slog"
	"net"
	"strings"
	"sync"

	gosmtp "github.com/emersion/go-smtp"

	"github.com/infodancer/m365gw/internal/mailbox"
	"github.com/infodancer/m365gw/internal/metrics"
)

// Sender submits a message inline to the upstream service.
type Sender interface {
	SendMail(ctx context.Context, from string, rcpts []string, raw []byte) error
}

// Enqueuer spools a message for later delivery.
type Enqueuer interface {
	Enqueue(sender string, rcpts []string, raw []byte) error
}

// Backend implements the go-smtp Backend interface and carries everything
// sessions share: the account registry, the delivery paths, and policy.
type Backend struct {
	hostname       string
	registry       *mailbox.Registry
	sender         Sender
	queue          Enqueuer
	reachable      func() bool
	allowedDomains map[string]bool
	anyDomain      bool
	collector      metrics.Collector
	logger         *slog.Logger

	mu      sync.Mutex
	baseCtx context.Context
}

// BindContext installs the server lifetime context. Sessions derive their
// contexts from it, so shutdown cancels in-flight dispatches.
func (b *Backend) BindContext(ctx context.Context) {
	b.mu.Lock()
	b.baseCtx = ctx
	b.mu.Unlock()
}

func (b *Backend) context() context.Context {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.baseCtx == nil {
		return context.Background()
	}
	return b.baseCtx
}

// BackendConfig holds configuration for creating a Backend.
type BackendConfig struct {
	Hostname string
	Registry *mailbox.Registry
	Sender   Sender
	Queue    Enqueuer
	// Reachable reports whether the upstream endpoint is currently up;
	// nil means always reachable.
	Reachable func() bool
	// AllowedDomains restricts RCPT domains. Empty or containing "*"
	// means unrestricted.
	AllowedDomains []string
	Collector      metrics.Collector
	Logger         *slog.Logger
}

// NewBackend creates a Backend.
func NewBackend(cfg BackendConfig) *Backend {
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Reachable == nil {
		cfg.Reachable = func() bool { return true }
	}

	b := &Backend{
		hostname:  cfg.Hostname,
		registry:  cfg.Registry,
		sender:    cfg.Sender,
		queue:     cfg.Queue,
		reachable: cfg.Reachable,
		collector: cfg.Collector,
		logger:    cfg.Logger,
	}

	b.allowedDomains = make(map[string]bool, len(cfg.AllowedDomains))
	b.anyDomain = len(cfg.AllowedDomains) == 0
	for _, d := range cfg.AllowedDomains {
		if d == "*" {
			b.anyDomain = true
			continue
		}
		b.allowedDomains[strings.ToLower(d)] = true
	}
	return b
}

// domainAllowed checks an address against the RCPT domain allowlist.
func (b *Backend) domainAllowed(addr string) bool {
	if b.anyDomain {
		return true
	}
	idx := strings.LastIndex(addr, "@")
	if idx < 0 {
		return false
	}
	return b.allowedDomains[strings.ToLower(addr[idx+1:])]
}

// NewSession is called for each new connection.
func (b *Backend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	b.collector.ConnectionOpened("smtp")
	clientIP := extractIPFromConn(c.Conn())

	ctx, cancel := context.WithCancel(b.context())
	return &Session{
		backend:  b,
		conn:     c,
		clientIP: clientIP,
		ctx:      ctx,
		cancel:   cancel,
		logger:   b.logger.With(slog.String("client_ip", clientIP)),
	}, nil
}

// extractIPFromConn extracts the IP address string from a net.Conn.
func extractIPFromConn(conn net.Conn) string {
	if conn == nil {
		return ""
	}
	addr := conn.RemoteAddr()
	if addr == nil {
		return ""
	}
	switch v := addr.(type) {
	case *net.TCPAddr:
		return v.IP.String()
	default:
		host, _, err := net.SplitHostPort(addr.String())
		if err != nil {
			return addr.String()
		}
		return host
	}
}
