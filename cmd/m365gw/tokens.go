package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/infodancer/m365gw/internal/logging"
	"github.com/infodancer/m365gw/internal/oauth"
)

func runCheckToken() {
	cfg, _ := loadConfig()
	logger := logging.NewLogger(cfg.Logging.LogLevel)

	store := oauth.NewStore(cfg.TokenPath, cfg.User)
	client, err := newIdentityClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating identity client: %v\n", err)
		os.Exit(exitConfigError)
	}

	source, err := oauth.NewSource(oauth.SourceConfig{
		Store:  store,
		Client: client,
		Logger: logger,
	})
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating token source: %v\n", err)
		os.Exit(exitConfigError)
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	access, err := source.Token(ctx)
	if err != nil {
		if errors.Is(err, oauth.ErrNoToken) {
			fmt.Fprintln(os.Stderr, "no token stored; run 'm365gw login'")
		} else if errors.Is(err, oauth.ErrReauthRequired) {
			fmt.Fprintf(os.Stderr, "token can no longer be refreshed: %v\nrun 'm365gw login'\n", err)
		} else {
			fmt.Fprintf(os.Stderr, "token check failed: %v\n", err)
		}
		os.Exit(exitAuthRequired)
	}

	if err := oauth.VerifyScopes(access); err != nil {
		fmt.Fprintf(os.Stderr, "token is missing required scopes: %v\nrun 'm365gw login'\n", err)
		os.Exit(exitAuthRequired)
	}

	if info, err := oauth.Inspect(access); err == nil {
		fmt.Printf("token OK for %s, expires %s\n", info.UPN,
			info.ExpiresAt.Local().Format(time.RFC1123))
	} else {
		fmt.Println("token OK")
	}
}

func runShowToken() {
	cfg, _ := loadConfig()

	store := oauth.NewStore(cfg.TokenPath, cfg.User)
	tok, err := store.Load()
	if err != nil {
		if errors.Is(err, oauth.ErrNoToken) {
			fmt.Fprintln(os.Stderr, "no token stored; run 'm365gw login'")
		} else {
			fmt.Fprintf(os.Stderr, "error loading token: %v\n", err)
		}
		os.Exit(exitAuthRequired)
	}

	fmt.Printf("store:          %s\n", store.Path())
	fmt.Printf("access token:   %s (redacted)\n", redactToken(tok.AccessToken))
	fmt.Printf("refresh token:  %s (redacted)\n", redactToken(tok.RefreshToken))
	fmt.Printf("expires:        %s\n", tok.ExpiresAt.Local().Format(time.RFC1123))
	if !tok.LastRefresh.IsZero() {
		fmt.Printf("last refresh:   %s\n", tok.LastRefresh.Local().Format(time.RFC1123))
	}

	info, err := oauth.Inspect(tok.AccessToken)
	if err != nil {
		fmt.Fprintf(os.Stderr, "cannot parse access token claims: %v\n", err)
		return
	}
	if info.UPN != "" {
		fmt.Printf("user:           %s\n", info.UPN)
	}
	fmt.Printf("scopes:         %s\n", strings.Join(info.Scopes, " "))
}

// redactToken keeps a short recognizable prefix and drops the rest.
func redactToken(token string) string {
	if len(token) <= 12 {
		return "********"
	}
	return token[:12] + "..."
}
