package oauth

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwt"
)

// TokenInfo summarizes an access token for operator display.
type TokenInfo struct {
	Subject   string
	UPN       string
	Audience  []string
	Scopes    []string
	IssuedAt  time.Time
	ExpiresAt time.Time
}

// TokenScopes returns the delegated scopes carried by the access token.
// The token is parsed without signature verification: the gateway is the
// OAuth client here, not a resource server, so possession of the token is
// the trust anchor.
func TokenScopes(accessToken string) ([]string, error) {
	tok, err := jwt.ParseInsecure([]byte(accessToken))
	if err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}
	raw, ok := tok.Get("scp")
	if !ok {
		return nil, errors.New("access token carries no scp claim")
	}
	s, ok := raw.(string)
	if !ok {
		return nil, fmt.Errorf("unexpected scp claim type %T", raw)
	}
	return strings.Fields(s), nil
}

// VerifyScopes checks that the access token carries every Graph scope the
// gateway requires.
func VerifyScopes(accessToken string) error {
	scopes, err := TokenScopes(accessToken)
	if err != nil {
		return err
	}

	have := make(map[string]bool, len(scopes))
	for _, s := range scopes {
		have[s] = true
	}

	var missing []string
	for _, want := range RequiredScopes {
		if !have[want] {
			missing = append(missing, want)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("%w: %s", ErrScopeMissing, strings.Join(missing, ", "))
	}
	return nil
}

// Inspect parses an access token without verification and returns its
// display summary.
func Inspect(accessToken string) (*TokenInfo, error) {
	tok, err := jwt.ParseInsecure([]byte(accessToken))
	if err != nil {
		return nil, fmt.Errorf("parsing access token: %w", err)
	}

	info := &TokenInfo{
		Subject:   tok.Subject(),
		Audience:  tok.Audience(),
		IssuedAt:  tok.IssuedAt(),
		ExpiresAt: tok.Expiration(),
	}

	for _, claim := range []string{"upn", "preferred_username", "unique_name"} {
		if raw, ok := tok.Get(claim); ok {
			if s, ok := raw.(string); ok && s != "" {
				info.UPN = s
				break
			}
		}
	}

	if raw, ok := tok.Get("scp"); ok {
		if s, ok := raw.(string); ok {
			info.Scopes = strings.Fields(s)
		}
	}

	return info, nil
}
