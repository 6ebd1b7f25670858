package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Client talks to the Microsoft identity platform endpoints for one
// application registration.
type Client struct {
	clientID   string
	authority  string
	httpClient *http.Client
	logger     *slog.Logger
}

// ClientConfig holds configuration for creating a Client.
type ClientConfig struct {
	ClientID string
	TenantID string
	// Authority overrides the token endpoint base URL; used in tests.
	// Defaults to the Microsoft identity platform for the tenant.
	Authority string
	// HTTPClient optionally overrides the default HTTP client, e.g. to
	// route through the configured outbound proxy.
	HTTPClient *http.Client
	Logger     *slog.Logger
}

// NewClient creates a Client for the identity platform.
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.ClientID == "" {
		return nil, errors.New("client ID is required")
	}
	if cfg.Authority == "" {
		if cfg.TenantID == "" {
			return nil, errors.New("tenant ID is required")
		}
		cfg.Authority = "https://login.microsoftonline.com/" + url.PathEscape(cfg.TenantID)
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: 60 * time.Second}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Client{
		clientID:   cfg.ClientID,
		authority:  strings.TrimSuffix(cfg.Authority, "/"),
		httpClient: cfg.HTTPClient,
		logger:     cfg.Logger,
	}, nil
}

// DeviceCode is the device authorization response. Message carries the
// operator instructions verbatim from the identity platform.
type DeviceCode struct {
	UserCode        string `json:"user_code"`
	DeviceCode      string `json:"device_code"`
	VerificationURI string `json:"verification_uri"`
	ExpiresIn       int    `json:"expires_in"`
	Interval        int    `json:"interval"`
	Message         string `json:"message"`
}

// tokenResponse is the shared token endpoint response shape. Error fields
// are set on non-2xx responses.
type tokenResponse struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	ExpiresIn    int    `json:"expires_in"`
	Scope        string `json:"scope"`
	Error        string `json:"error"`
	ErrorDesc    string `json:"error_description"`
}

// BeginDeviceLogin requests a device code covering the login scopes.
func (c *Client) BeginDeviceLogin(ctx context.Context) (*DeviceCode, error) {
	form := url.Values{
		"client_id": {c.clientID},
		"scope":     {strings.Join(loginScopes, " ")},
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.authority+"/oauth2/v2.0/devicecode", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("creating device code request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("requesting device code: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("reading device code response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("device code request failed: %s", errorSummary(resp.StatusCode, body))
	}

	var dc DeviceCode
	if err := json.Unmarshal(body, &dc); err != nil {
		return nil, fmt.Errorf("decoding device code response: %w", err)
	}
	if dc.DeviceCode == "" || dc.UserCode == "" {
		return nil, errors.New("device code response missing codes")
	}
	if dc.Interval <= 0 {
		dc.Interval = 5
	}
	return &dc, nil
}

// WaitForDeviceLogin polls the token endpoint until the operator
// completes the login, the device code expires, or the context is
// canceled.
func (c *Client) WaitForDeviceLogin(ctx context.Context, dc *DeviceCode) (*Token, error) {
	form := url.Values{
		"client_id":   {c.clientID},
		"grant_type":  {"urn:ietf:params:oauth:grant-type:device_code"},
		"device_code": {dc.DeviceCode},
	}

	interval := time.Duration(dc.Interval) * time.Second
	deadline := time.Now().Add(time.Duration(dc.ExpiresIn) * time.Second)

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(interval):
		}
		if time.Now().After(deadline) {
			return nil, errors.New("device code expired before login completed")
		}

		tr, status, err := c.postToken(ctx, form)
		if err != nil {
			return nil, err
		}
		if status == http.StatusOK {
			return tokenFromResponse(tr), nil
		}

		switch tr.Error {
		case "authorization_pending":
			continue
		case "slow_down":
			interval += 5 * time.Second
		case "expired_token":
			return nil, errors.New("device code expired before login completed")
		case "access_denied":
			return nil, errors.New("login was declined")
		default:
			return nil, fmt.Errorf("device login failed: %s", tr.errorText(status))
		}
	}
}

// Refresh exchanges the refresh token for a new access token. When the
// endpoint does not rotate the refresh token, the previous one is kept.
func (c *Client) Refresh(ctx context.Context, tok *Token) (*Token, error) {
	if tok == nil || tok.RefreshToken == "" {
		return nil, ErrReauthRequired
	}

	form := url.Values{
		"client_id":     {c.clientID},
		"grant_type":    {"refresh_token"},
		"refresh_token": {tok.RefreshToken},
		"scope":         {strings.Join(loginScopes, " ")},
	}

	tr, status, err := c.postToken(ctx, form)
	if err != nil {
		return nil, err
	}
	if status != http.StatusOK {
		if tr.Error == "invalid_grant" || tr.Error == "interaction_required" {
			return nil, fmt.Errorf("%w: %s", ErrReauthRequired, tr.errorText(status))
		}
		return nil, fmt.Errorf("token refresh failed: %s", tr.errorText(status))
	}

	fresh := tokenFromResponse(tr)
	if fresh.RefreshToken == "" {
		fresh.RefreshToken = tok.RefreshToken
	}
	return fresh, nil
}

// postToken posts a form to the token endpoint and decodes the response.
// Transport failures return an error; protocol errors are returned in the
// tokenResponse with the HTTP status.
func (c *Client) postToken(ctx context.Context, form url.Values) (*tokenResponse, int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost,
		c.authority+"/oauth2/v2.0/token", strings.NewReader(form.Encode()))
	if err != nil {
		return nil, 0, fmt.Errorf("creating token request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, 0, fmt.Errorf("requesting token: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, 0, fmt.Errorf("reading token response: %w", err)
	}

	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err != nil {
		return nil, 0, fmt.Errorf("decoding token response (HTTP %d): %w", resp.StatusCode, err)
	}
	return &tr, resp.StatusCode, nil
}

func (tr *tokenResponse) errorText(status int) string {
	if tr.Error == "" {
		return fmt.Sprintf("HTTP %d", status)
	}
	if tr.ErrorDesc == "" {
		return tr.Error
	}
	return tr.Error + ": " + tr.ErrorDesc
}

func errorSummary(status int, body []byte) string {
	var tr tokenResponse
	if err := json.Unmarshal(body, &tr); err == nil && tr.Error != "" {
		return tr.errorText(status)
	}
	return fmt.Sprintf("HTTP %d", status)
}

func tokenFromResponse(tr *tokenResponse) *Token {
	now := time.Now()
	return &Token{
		AccessToken:  tr.AccessToken,
		RefreshToken: tr.RefreshToken,
		ExpiresAt:    now.Add(time.Duration(tr.ExpiresIn) * time.Second),
		Scope:        tr.Scope,
		LastRefresh:  now,
	}
}
