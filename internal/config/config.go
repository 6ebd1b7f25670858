// Package config provides configuration management for the mail gateway.
package config

import (
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"regexp"
	"strconv"
	"strings"
)

// ListenerMode defines the protocol and TLS posture of a listener.
type ListenerMode string

const (
	// ModeSmtp is cleartext SMTP with optional STARTTLS.
	ModeSmtp ListenerMode = "smtp"
	// ModeSmtps is SMTP over implicit TLS.
	ModeSmtps ListenerMode = "smtps"
	// ModePop3 is cleartext POP3 with optional STLS.
	ModePop3 ListenerMode = "pop3"
	// ModePop3s is POP3 over implicit TLS.
	ModePop3s ListenerMode = "pop3s"
)

// Config holds the complete gateway configuration snapshot. It is loaded
// once at startup and treated as immutable for the process lifetime.
type Config struct {
	User              string          `json:"user"`
	ClientID          string          `json:"client_id"`
	TenantID          string          `json:"tenant_id"`
	HTTPSProxy        ProxyConfig     `json:"https_proxy"`
	Bind              string          `json:"bind"`
	SMTPPort          int             `json:"smtp_port"`
	SMTPSPort         int             `json:"smtps_port"`
	POP3Port          int             `json:"pop3_port"`
	POP3SPort         int             `json:"pop3s_port"`
	TLS               TLSConfig       `json:"tls"`
	Mailboxes         []MailboxConfig `json:"mailboxes"`
	AllowedDomains    []string        `json:"allowed_domains"`
	AttachmentLimitMB int             `json:"attachment_limit_mb"`
	QueueDir          string          `json:"queue_dir"`
	TokenPath         string          `json:"token_path"`
	Logging           LoggingConfig   `json:"logging"`
	Metrics           MetricsConfig   `json:"metrics"`
}

// ProxyConfig holds an optional outbound HTTPS proxy. Credentials given
// here are merged into the URL when the proxy is applied.
type ProxyConfig struct {
	URL      string `json:"url"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// TLSConfig holds the certificate material for TLS-bearing listeners.
type TLSConfig struct {
	CertFile string `json:"tls_cert"`
	KeyFile  string `json:"tls_key"`
}

// MailboxConfig is one entry of the client-facing mailbox allowlist.
// Password is a bcrypt hash. MarkRead defaults to true when omitted.
type MailboxConfig struct {
	Username         string `json:"username"`
	Password         string `json:"password"`
	SourceFolder     string `json:"source_folder,omitempty"`
	MarkRead         *bool  `json:"mark_read,omitempty"`
	DeleteAfterFetch bool   `json:"delete_after_fetch,omitempty"`
}

// LoggingConfig holds the optional log file and level.
type LoggingConfig struct {
	LogFile  string `json:"log_file"`
	LogLevel string `json:"log_level"`
}

// MetricsConfig holds configuration for Prometheus metrics.
type MetricsConfig struct {
	Enabled bool   `json:"enabled"`
	Address string `json:"address"`
	Path    string `json:"path"`
}

// ListenerConfig pairs a bind address with a listener mode.
type ListenerConfig struct {
	Address string
	Mode    ListenerMode
}

// DefaultSMTPPort is used when no listener ports are configured at all.
const DefaultSMTPPort = 10025

// AttachmentLimitCeilingMB is the hard upper bound for attachment_limit_mb.
const AttachmentLimitCeilingMB = 150

// Default returns a Config with sensible default values.
func Default() Config {
	return Config{
		Bind:              "127.0.0.1",
		SMTPPort:          DefaultSMTPPort,
		AttachmentLimitMB: 80,
		Logging: LoggingConfig{
			LogLevel: "info",
		},
		Metrics: MetricsConfig{
			Enabled: false,
			Address: ":9100",
			Path:    "/metrics",
		},
	}
}

var emailPattern = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

// IsValidEmail reports whether s looks like an email address. The check is
// deliberately loose; Graph is the authority on addressing.
func IsValidEmail(s string) bool {
	return emailPattern.MatchString(s)
}

// Validate checks that the configuration is valid and returns an error if not.
func (c *Config) Validate() error {
	if c.User == "" {
		return errors.New("user is required")
	}
	if !IsValidEmail(c.User) {
		return fmt.Errorf("user %q must be an email address", c.User)
	}
	if c.ClientID == "" {
		return errors.New("client_id is required")
	}
	if c.TenantID == "" {
		return errors.New("tenant_id is required")
	}
	if c.Bind == "" {
		return errors.New("bind address is required")
	}

	ports := map[int]string{}
	for _, p := range []struct {
		name string
		port int
	}{
		{"smtp_port", c.SMTPPort},
		{"smtps_port", c.SMTPSPort},
		{"pop3_port", c.POP3Port},
		{"pop3s_port", c.POP3SPort},
	} {
		if p.port == 0 {
			continue
		}
		if p.port < 1 || p.port > 65535 {
			return fmt.Errorf("%s %d out of range", p.name, p.port)
		}
		if other, ok := ports[p.port]; ok {
			return fmt.Errorf("%s and %s share port %d", other, p.name, p.port)
		}
		ports[p.port] = p.name
	}
	if len(ports) == 0 {
		return errors.New("at least one listener port is required")
	}

	if (c.SMTPSPort != 0 || c.POP3SPort != 0) && !c.TLSEnabled() {
		return errors.New("tls material is required for smtps_port/pop3s_port")
	}
	if c.TLS.CertFile != "" && c.TLS.KeyFile == "" {
		return errors.New("tls_key is required when tls_cert is set")
	}
	if c.TLS.KeyFile != "" && c.TLS.CertFile == "" {
		return errors.New("tls_cert is required when tls_key is set")
	}

	if len(c.Mailboxes) == 0 {
		return errors.New("at least one mailbox is required")
	}
	for i, m := range c.Mailboxes {
		if m.Username == "" || m.Password == "" {
			return fmt.Errorf("mailboxes[%d]: username and password are required", i)
		}
		if !IsValidEmail(m.Username) {
			return fmt.Errorf("mailboxes[%d]: username %q must be an email address", i, m.Username)
		}
	}

	for i, d := range c.AllowedDomains {
		if d == "" {
			return fmt.Errorf("allowed_domains[%d] is empty", i)
		}
	}

	if c.AttachmentLimitMB <= 0 {
		return errors.New("attachment_limit_mb must be positive")
	}
	if c.AttachmentLimitMB > AttachmentLimitCeilingMB {
		return fmt.Errorf("attachment_limit_mb %d exceeds ceiling %d", c.AttachmentLimitMB, AttachmentLimitCeilingMB)
	}

	if c.QueueDir == "" {
		return errors.New("queue_dir is required")
	}
	if c.TokenPath == "" {
		return errors.New("token_path is required")
	}

	if c.Metrics.Enabled {
		if c.Metrics.Address == "" {
			return errors.New("metrics address is required when metrics are enabled")
		}
		if c.Metrics.Path == "" {
			return errors.New("metrics path is required when metrics are enabled")
		}
	}

	return nil
}

// TLSEnabled reports whether certificate material is configured.
func (c *Config) TLSEnabled() bool {
	return c.TLS.CertFile != "" && c.TLS.KeyFile != ""
}

// LoadTLS loads the configured certificate pair. The gateway requires
// TLS 1.2 or newer on every TLS-bearing listener.
func (c *Config) LoadTLS() (*tls.Config, error) {
	if !c.TLSEnabled() {
		return nil, nil
	}
	cert, err := tls.LoadX509KeyPair(c.TLS.CertFile, c.TLS.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading TLS key pair: %w", err)
	}
	return &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}, nil
}

// Listeners enumerates the enabled listeners in a stable order.
func (c *Config) Listeners() []ListenerConfig {
	var out []ListenerConfig
	add := func(port int, mode ListenerMode) {
		if port != 0 {
			out = append(out, ListenerConfig{
				Address: net.JoinHostPort(c.Bind, strconv.Itoa(port)),
				Mode:    mode,
			})
		}
	}
	add(c.SMTPPort, ModeSmtp)
	add(c.SMTPSPort, ModeSmtps)
	add(c.POP3Port, ModePop3)
	add(c.POP3SPort, ModePop3s)
	return out
}

// AttachmentLimitBytes returns the configured message size limit in bytes.
func (c *Config) AttachmentLimitBytes() int64 {
	return int64(c.AttachmentLimitMB) * 1024 * 1024
}

// Mailbox returns the allowlist entry for the given username, matched
// case-insensitively, or nil when the username is not configured.
func (c *Config) Mailbox(username string) *MailboxConfig {
	for i := range c.Mailboxes {
		if strings.EqualFold(c.Mailboxes[i].Username, username) {
			return &c.Mailboxes[i]
		}
	}
	return nil
}

// Folder returns the mailbox's source folder, defaulting to Inbox.
func (m *MailboxConfig) Folder() string {
	if m.SourceFolder == "" {
		return "Inbox"
	}
	return m.SourceFolder
}

// MarkReadEnabled reports whether fetched messages marked for deletion
// should be flagged read on QUIT. Defaults to true.
func (m *MailboxConfig) MarkReadEnabled() bool {
	if m.MarkRead == nil {
		return true
	}
	return *m.MarkRead
}
