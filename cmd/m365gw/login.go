package main

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/infodancer/m365gw/internal/config"
	"github.com/infodancer/m365gw/internal/logging"
	"github.com/infodancer/m365gw/internal/oauth"
)

// newIdentityClient builds an identity-platform client honoring the
// configured outbound proxy.
func newIdentityClient(cfg config.Config, logger *slog.Logger) (*oauth.Client, error) {
	proxy, err := cfg.ProxyURL()
	if err != nil {
		return nil, err
	}

	var httpClient *http.Client
	if proxy != nil {
		httpClient = &http.Client{
			Transport: &http.Transport{Proxy: http.ProxyURL(proxy)},
			Timeout:   time.Minute,
		}
	}

	return oauth.NewClient(oauth.ClientConfig{
		ClientID:   cfg.ClientID,
		TenantID:   cfg.TenantID,
		HTTPClient: httpClient,
		Logger:     logger,
	})
}

func runLogin() {
	cfg, _ := loadConfig()
	logger := logging.NewLogger(cfg.Logging.LogLevel)

	client, err := newIdentityClient(cfg, logger)
	if err != nil {
		fmt.Fprintf(os.Stderr, "error creating identity client: %v\n", err)
		os.Exit(exitConfigError)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	dc, err := client.BeginDeviceLogin(ctx)
	if err != nil {
		fmt.Fprintf(os.Stderr, "device login failed: %v\n", err)
		os.Exit(exitAuthRequired)
	}

	if dc.Message != "" {
		fmt.Println(dc.Message)
	} else {
		fmt.Printf("To sign in, open %s in a browser and enter the code %s\n",
			dc.VerificationURI, dc.UserCode)
	}
	fmt.Println("Waiting for the login to complete...")

	tok, err := client.WaitForDeviceLogin(ctx, dc)
	if err != nil {
		fmt.Fprintf(os.Stderr, "device login failed: %v\n", err)
		os.Exit(exitAuthRequired)
	}

	if err := oauth.VerifyScopes(tok.AccessToken); err != nil {
		fmt.Fprintf(os.Stderr, "login succeeded but the token is unusable: %v\n", err)
		fmt.Fprintln(os.Stderr, "grant the gateway's delegated permissions and sign in again")
		os.Exit(exitAuthRequired)
	}

	store := oauth.NewStore(cfg.TokenPath, cfg.User)
	if err := store.Save(tok); err != nil {
		fmt.Fprintf(os.Stderr, "error saving token: %v\n", err)
		os.Exit(exitConfigError)
	}

	fmt.Printf("Login complete. Token stored at %s\n", store.Path())
}
