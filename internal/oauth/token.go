// Package oauth acquires and maintains the delegated Microsoft identity
// tokens the gateway presents on every Graph call. Tokens are obtained
// interactively through the device authorization grant, persisted
// encrypted at rest, and refreshed before expiry.
package oauth

import (
	"errors"
	"time"
)

// Common errors returned by the token store and source.
var (
	// ErrNoToken means no token has been stored yet; interactive login
	// is required before the gateway can serve.
	ErrNoToken = errors.New("no stored token")
	// ErrCorruptToken means the stored token could not be decrypted,
	// typically because the file was copied from another host or user.
	// Callers treat it as absent.
	ErrCorruptToken = errors.New("token store corrupt or bound to another host")
	// ErrReauthRequired means the refresh token was rejected upstream
	// and a new interactive login is required.
	ErrReauthRequired = errors.New("interactive login required")
	// ErrScopeMissing means the access token does not carry every Graph
	// scope the gateway needs.
	ErrScopeMissing = errors.New("required Graph scope missing")
)

// RequiredScopes are the delegated Graph permissions every stored token
// must carry: sending as the signed-in user and shared mailboxes, and
// read/write for fetching and deleting fetched mail.
var RequiredScopes = []string{
	"Mail.Send",
	"Mail.Send.Shared",
	"Mail.ReadWrite",
	"Mail.ReadWrite.Shared",
}

// loginScopes extends RequiredScopes with the identity scopes requested
// during device login. offline_access yields the refresh token.
var loginScopes = append([]string{"User.Read", "offline_access"}, RequiredScopes...)

// Token is the persisted delegated token state.
type Token struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	Scope        string    `json:"scope"`
	LastRefresh  time.Time `json:"last_refresh"`
}

// Valid reports whether the access token is present and unexpired.
func (t *Token) Valid() bool {
	return t != nil && t.AccessToken != "" && time.Now().Before(t.ExpiresAt)
}

// ExpiresWithin reports whether the token expires within d.
func (t *Token) ExpiresWithin(d time.Duration) bool {
	if t == nil || t.AccessToken == "" {
		return true
	}
	return time.Now().Add(d).After(t.ExpiresAt)
}
