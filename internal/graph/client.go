// Package graph performs the authenticated Microsoft Graph calls behind
// every gateway operation: submitting outbound mail, listing and fetching
// mailbox messages, and probing endpoint reachability.
package graph

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/infodancer/m365gw/internal/metrics"
)

// DefaultBaseURL is the Graph v1.0 endpoint.
const DefaultBaseURL = "https://graph.microsoft.com/v1.0"

// requestTimeout bounds every Graph call end to end.
const requestTimeout = 60 * time.Second

// probeTimeout bounds the reachability probe.
const probeTimeout = 10 * time.Second

// maxResponseBytes caps JSON response reads. Raw MIME fetches are bounded
// separately by the configured attachment limit.
const maxResponseBytes = 4 << 20

// TokenSource supplies bearer tokens for Graph calls.
type TokenSource interface {
	// Token returns a currently valid access token.
	Token(ctx context.Context) (string, error)
	// ForceRefresh replaces a token the service rejected. When another
	// caller already replaced it, the replacement is returned without a
	// new exchange.
	ForceRefresh(ctx context.Context, stale string) (string, error)
}

// Client issues authenticated requests against Microsoft Graph.
type Client struct {
	base       string
	tokens     TokenSource
	httpClient *http.Client
	rawLimit   int64
	collector  metrics.Collector
	logger     *slog.Logger
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	Tokens TokenSource
	// BaseURL overrides the Graph endpoint; used in tests.
	BaseURL string
	// Proxy optionally routes all Graph traffic through an HTTPS proxy.
	Proxy *url.URL
	// HTTPClient overrides the default client; used in tests.
	HTTPClient *http.Client
	// RawMessageLimit bounds raw MIME fetches, defaulting to 160 MiB.
	RawMessageLimit int64
	Collector       metrics.Collector
	Logger          *slog.Logger
}

// NewClient creates a Graph client.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Tokens == nil {
		return nil, errors.New("token source is required")
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = DefaultBaseURL
	}
	if cfg.HTTPClient == nil {
		transport := &http.Transport{}
		if cfg.Proxy != nil {
			transport.Proxy = http.ProxyURL(cfg.Proxy)
		}
		cfg.HTTPClient = &http.Client{
			Transport: transport,
			Timeout:   requestTimeout,
		}
	}
	if cfg.RawMessageLimit <= 0 {
		cfg.RawMessageLimit = 160 << 20
	}
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		base:       strings.TrimSuffix(cfg.BaseURL, "/"),
		tokens:     cfg.Tokens,
		httpClient: cfg.HTTPClient,
		rawLimit:   cfg.RawMessageLimit,
		collector:  cfg.Collector,
		logger:     cfg.Logger,
	}, nil
}

// Probe checks whether the Graph endpoint is reachable: DNS resolution of
// the Graph host, then a minimal request. Any HTTP status counts as
// reachable, including 401/403/405; only transport-level failures do not.
func (c *Client) Probe(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, probeTimeout)
	defer cancel()

	u, err := url.Parse(c.base)
	if err != nil {
		return fmt.Errorf("parsing Graph base URL: %w", err)
	}
	if _, err := net.DefaultResolver.LookupHost(ctx, u.Hostname()); err != nil {
		return fmt.Errorf("resolving %s: %w", u.Hostname(), err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, c.base+"/me", nil)
	if err != nil {
		return fmt.Errorf("creating probe request: %w", err)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("probing Graph: %w", err)
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<10))
	return nil
}

// request performs one authenticated Graph call. On a 401 the token is
// force-refreshed and the request retried once; a second rejection is
// classified as an auth failure. The returned error, when non-nil, is
// always a classified *Error (possibly wrapping a transport error).
func (c *Client) request(ctx context.Context, op, method, urlStr string, body []byte, header http.Header) ([]byte, int, error) {
	started := time.Now()
	data, status, err := c.requestOnce(ctx, op, method, urlStr, body, header)

	result := "ok"
	if err != nil {
		result = string(ClassOf(err))
	}
	c.collector.GraphRequest(op, result, time.Since(started).Seconds())
	return data, status, err
}

func (c *Client) requestOnce(ctx context.Context, op, method, urlStr string, body []byte, header http.Header) ([]byte, int, error) {
	token, err := c.tokens.Token(ctx)
	if err != nil {
		return nil, 0, &Error{Class: ClassAuth, Op: op, Message: err.Error()}
	}

	data, status, err := c.send(ctx, op, method, urlStr, body, header, token)
	if err != nil || status != http.StatusUnauthorized {
		if err == nil && status >= 400 {
			return nil, status, c.classify(op, status, data)
		}
		return data, status, err
	}

	// Stale token rejected mid-lifetime; refresh once and retry.
	c.logger.Debug("graph call rejected, refreshing token", "op", op)
	token, err = c.tokens.ForceRefresh(ctx, token)
	if err != nil {
		return nil, 0, &Error{Class: ClassAuth, Op: op, Message: err.Error()}
	}

	data, status, err = c.send(ctx, op, method, urlStr, body, header, token)
	if err != nil {
		return nil, 0, err
	}
	if status >= 400 {
		return nil, status, c.classify(op, status, data)
	}
	return data, status, nil
}

// send performs a single HTTP exchange. Transport failures come back as
// retryable errors; HTTP responses of any status are returned to the
// caller for classification.
func (c *Client) send(ctx context.Context, op, method, urlStr string, body []byte, header http.Header, token string) ([]byte, int, error) {
	var reqBody io.Reader
	if body != nil {
		reqBody = bytes.NewReader(body)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, reqBody)
	if err != nil {
		return nil, 0, &Error{Class: ClassPermanent, Op: op, Message: fmt.Sprintf("creating request: %v", err)}
	}
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("Accept", "application/json")
	if req.Header.Get("Content-Type") == "" && body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Set(k, v)
		}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, &Error{Class: ClassRetryable, Op: op, Message: err.Error()}
	}
	defer func() {
		_ = resp.Body.Close()
	}()

	limit := int64(maxResponseBytes)
	if strings.HasSuffix(urlStr, "/$value") {
		limit = c.rawLimit
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, limit))
	if err != nil {
		return nil, 0, &Error{Class: ClassRetryable, Op: op, Message: fmt.Sprintf("reading response: %v", err)}
	}
	return data, resp.StatusCode, nil
}

// graphErrorBody is the Graph error response envelope.
type graphErrorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// classify maps an HTTP error status to a classified Error.
func (c *Client) classify(op string, status int, body []byte) *Error {
	e := &Error{Op: op, Status: status}

	var gb graphErrorBody
	if err := json.Unmarshal(body, &gb); err == nil {
		e.Code = gb.Error.Code
		e.Message = gb.Error.Message
	}
	if e.Message == "" {
		e.Message = http.StatusText(status)
	}

	switch {
	case status == http.StatusTooManyRequests || status >= 500:
		e.Class = ClassRetryable
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		e.Class = ClassAuth
	default:
		e.Class = ClassPermanent
	}
	return e
}

// userURL builds a /users/{principal} URL below the Graph base.
func (c *Client) userURL(principal string, parts ...string) string {
	var sb strings.Builder
	sb.WriteString(c.base)
	sb.WriteString("/users/")
	sb.WriteString(url.PathEscape(principal))
	for _, p := range parts {
		sb.WriteString("/")
		sb.WriteString(url.PathEscape(p))
	}
	return sb.String()
}
