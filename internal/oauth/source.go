package oauth

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/infodancer/m365gw/internal/metrics"
)

// refreshWindow is how close to expiry a token may get before the source
// refreshes it proactively.
const refreshWindow = 5 * time.Minute

// refreshPollInterval is how often the background refresher re-checks the
// cached token.
const refreshPollInterval = time.Minute

// Source hands out valid access tokens to Graph callers. It loads the
// stored token lazily, refreshes through the identity client when expiry
// is near, and coalesces concurrent refreshes.
type Source struct {
	store     *Store
	client    *Client
	collector metrics.Collector
	logger    *slog.Logger

	mu  sync.Mutex
	tok *Token

	group singleflight.Group
}

// SourceConfig holds dependencies for creating a Source.
type SourceConfig struct {
	Store     *Store
	Client    *Client
	Collector metrics.Collector
	Logger    *slog.Logger
}

// NewSource creates a Source.
func NewSource(cfg SourceConfig) (*Source, error) {
	if cfg.Store == nil {
		return nil, errors.New("token store is required")
	}
	if cfg.Client == nil {
		return nil, errors.New("identity client is required")
	}
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Source{
		store:     cfg.Store,
		client:    cfg.Client,
		collector: cfg.Collector,
		logger:    cfg.Logger,
	}, nil
}

// Token returns a valid access token, refreshing first when the cached
// one is missing, expired, or within the refresh window.
func (s *Source) Token(ctx context.Context) (string, error) {
	tok, err := s.current()
	if err != nil {
		return "", err
	}
	if !tok.ExpiresWithin(refreshWindow) {
		return tok.AccessToken, nil
	}
	return s.refresh(ctx)
}

// ForceRefresh fetches a fresh access token after a caller saw stale
// rejected upstream. When another goroutine already replaced stale, the
// replacement is returned without a second round trip.
func (s *Source) ForceRefresh(ctx context.Context, stale string) (string, error) {
	s.mu.Lock()
	if s.tok != nil && s.tok.AccessToken != stale && s.tok.Valid() {
		fresh := s.tok.AccessToken
		s.mu.Unlock()
		return fresh, nil
	}
	s.mu.Unlock()
	return s.refresh(ctx)
}

// Run refreshes the token in the background so interactive traffic rarely
// pays for a refresh. It returns when the context is canceled.
func (s *Source) Run(ctx context.Context) error {
	ticker := time.NewTicker(refreshPollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		}

		tok, err := s.current()
		if err != nil {
			if errors.Is(err, ErrNoToken) {
				continue
			}
			s.logger.Warn("token check failed", "error", err)
			continue
		}
		if !tok.ExpiresWithin(refreshWindow) {
			continue
		}

		if _, err := s.refresh(ctx); err != nil {
			if errors.Is(err, ErrReauthRequired) {
				s.logger.Error("refresh token rejected, interactive login required", "error", err)
			} else {
				s.logger.Warn("background token refresh failed", "error", err)
			}
		}
	}
}

// current returns the cached token, loading it from the store on first
// use. A corrupt store is treated as absent.
func (s *Source) current() (*Token, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.tok != nil {
		return s.tok, nil
	}

	tok, err := s.store.Load()
	if err != nil {
		if errors.Is(err, ErrCorruptToken) {
			s.logger.Warn("stored token unreadable, treating as absent", "path", s.store.Path())
			return nil, fmt.Errorf("%w: %s", ErrNoToken, err)
		}
		return nil, err
	}
	s.tok = tok
	return tok, nil
}

// refresh exchanges the refresh token for a new access token, persists
// it, and updates the cache. Concurrent callers share one exchange.
func (s *Source) refresh(ctx context.Context) (string, error) {
	v, err, _ := s.group.Do("refresh", func() (interface{}, error) {
		tok, err := s.current()
		if err != nil {
			return nil, err
		}

		fresh, err := s.client.Refresh(ctx, tok)
		if err != nil {
			s.collector.TokenRefresh(false)
			return nil, err
		}

		if err := s.store.Save(fresh); err != nil {
			s.logger.Warn("persisting refreshed token failed", "error", err)
		}

		s.mu.Lock()
		s.tok = fresh
		s.mu.Unlock()

		s.collector.TokenRefresh(true)
		s.logger.Info("access token refreshed", "expires_at", fresh.ExpiresAt)
		return fresh.AccessToken, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}
