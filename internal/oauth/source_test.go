package oauth

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"
)

func newTestSource(t *testing.T, fake *fakeIdentity, stored *Token) (*Source, *Store) {
	t.Helper()

	server := fake.server(t)
	t.Cleanup(server.Close)

	store := NewStore(filepath.Join(t.TempDir(), "tokens.enc"), "upstream@example.com")
	if stored != nil {
		if err := store.Save(stored); err != nil {
			t.Fatalf("seeding token store: %v", err)
		}
	}

	src, err := NewSource(SourceConfig{
		Store:  store,
		Client: newTestClient(t, server.URL),
	})
	if err != nil {
		t.Fatalf("NewSource() error = %v", err)
	}
	return src, store
}

func TestSourceTokenFresh(t *testing.T) {
	fake := &fakeIdentity{}
	src, _ := newTestSource(t, fake, &Token{
		AccessToken:  "stored-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	got, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if got != "stored-access" {
		t.Errorf("Token() = %q, want 'stored-access'", got)
	}

	fake.mu.Lock()
	calls := fake.refreshCalls
	fake.mu.Unlock()
	if calls != 0 {
		t.Errorf("refresh calls = %d, want 0 for a fresh token", calls)
	}
}

func TestSourceTokenRefreshesNearExpiry(t *testing.T) {
	fake := &fakeIdentity{}
	src, store := newTestSource(t, fake, &Token{
		AccessToken:  "stale-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    time.Now().Add(2 * time.Minute),
	})

	got, err := src.Token(context.Background())
	if err != nil {
		t.Fatalf("Token() error = %v", err)
	}
	if got != "fresh-access" {
		t.Errorf("Token() = %q, want 'fresh-access'", got)
	}

	// The refreshed token must be persisted.
	persisted, err := store.Load()
	if err != nil {
		t.Fatalf("Load() after refresh error = %v", err)
	}
	if persisted.AccessToken != "fresh-access" {
		t.Errorf("persisted access token = %q, want 'fresh-access'", persisted.AccessToken)
	}
}

func TestSourceTokenMissing(t *testing.T) {
	fake := &fakeIdentity{}
	src, _ := newTestSource(t, fake, nil)

	if _, err := src.Token(context.Background()); !errors.Is(err, ErrNoToken) {
		t.Errorf("Token() error = %v, want ErrNoToken", err)
	}
}

func TestSourceForceRefreshSkipsWhenAlreadyReplaced(t *testing.T) {
	fake := &fakeIdentity{}
	src, _ := newTestSource(t, fake, &Token{
		AccessToken:  "current-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	// Prime the cache.
	if _, err := src.Token(context.Background()); err != nil {
		t.Fatal(err)
	}

	// A caller still holding an older token should get the cached
	// replacement without another exchange.
	got, err := src.ForceRefresh(context.Background(), "older-access")
	if err != nil {
		t.Fatalf("ForceRefresh() error = %v", err)
	}
	if got != "current-access" {
		t.Errorf("ForceRefresh() = %q, want 'current-access'", got)
	}

	fake.mu.Lock()
	calls := fake.refreshCalls
	fake.mu.Unlock()
	if calls != 0 {
		t.Errorf("refresh calls = %d, want 0", calls)
	}
}

func TestSourceForceRefreshExchanges(t *testing.T) {
	fake := &fakeIdentity{}
	src, _ := newTestSource(t, fake, &Token{
		AccessToken:  "current-access",
		RefreshToken: "stored-refresh",
		ExpiresAt:    time.Now().Add(time.Hour),
	})

	if _, err := src.Token(context.Background()); err != nil {
		t.Fatal(err)
	}

	// The caller's rejected token is the cached one, so a real refresh
	// must happen.
	got, err := src.ForceRefresh(context.Background(), "current-access")
	if err != nil {
		t.Fatalf("ForceRefresh() error = %v", err)
	}
	if got != "fresh-access" {
		t.Errorf("ForceRefresh() = %q, want 'fresh-access'", got)
	}

	fake.mu.Lock()
	calls := fake.refreshCalls
	fake.mu.Unlock()
	if calls != 1 {
		t.Errorf("refresh calls = %d, want 1", calls)
	}
}

func TestSourceReauthRequired(t *testing.T) {
	fake := &fakeIdentity{refreshError: "invalid_grant"}
	src, _ := newTestSource(t, fake, &Token{
		AccessToken:  "stale-access",
		RefreshToken: "revoked",
		ExpiresAt:    time.Now().Add(time.Minute),
	})

	if _, err := src.Token(context.Background()); !errors.Is(err, ErrReauthRequired) {
		t.Errorf("Token() error = %v, want ErrReauthRequired", err)
	}
}
