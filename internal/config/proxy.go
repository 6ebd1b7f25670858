package config

import (
	"fmt"
	"net/url"
	"os"
)

// ProxyURL resolves the outbound proxy for Graph traffic. The HTTPS_PROXY
// environment variable (either case) takes precedence over the configured
// proxy. Credentials from the https_proxy section are merged into the URL
// unless it already carries userinfo. Returns nil when no proxy applies.
func (c *Config) ProxyURL() (*url.URL, error) {
	raw := os.Getenv("HTTPS_PROXY")
	if raw == "" {
		raw = os.Getenv("https_proxy")
	}
	fromEnv := raw != ""
	if raw == "" {
		raw = c.HTTPSProxy.URL
	}
	if raw == "" {
		return nil, nil
	}

	u, err := url.Parse(raw)
	if err != nil {
		return nil, fmt.Errorf("parsing proxy URL: %w", err)
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("proxy URL %s: scheme must be http or https", SanitizeURL(u))
	}
	if u.Host == "" {
		return nil, fmt.Errorf("proxy URL has no host")
	}
	if !fromEnv && u.User == nil && c.HTTPSProxy.Username != "" {
		u.User = url.UserPassword(c.HTTPSProxy.Username, c.HTTPSProxy.Password)
	}
	return u, nil
}

// SanitizeURL returns the URL with any password masked, safe for logging.
func SanitizeURL(u *url.URL) string {
	if u == nil {
		return ""
	}
	return u.Redacted()
}
