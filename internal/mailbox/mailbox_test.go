package mailbox

import (
	"errors"
	"testing"

	"github.com/infodancer/m365gw/internal/config"
)

func newTestRegistry(t *testing.T) *Registry {
	t.Helper()

	hash, err := HashPassword("s3cret")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}

	markRead := false
	return NewRegistry([]config.MailboxConfig{
		{Username: "alerts@example.com", Password: hash},
		{
			Username:         "scanner@example.com",
			Password:         hash,
			SourceFolder:     "Scans",
			MarkRead:         &markRead,
			DeleteAfterFetch: true,
		},
	})
}

func TestAuthenticate(t *testing.T) {
	r := newTestRegistry(t)

	tests := []struct {
		name     string
		username string
		password string
		wantErr  bool
	}{
		{"valid credentials", "alerts@example.com", "s3cret", false},
		{"case-insensitive username", "Alerts@Example.COM", "s3cret", false},
		{"wrong password", "alerts@example.com", "nope", true},
		{"unknown user", "ghost@example.com", "s3cret", true},
		{"empty password", "alerts@example.com", "", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			box, err := r.Authenticate(tt.username, tt.password)
			if (err != nil) != tt.wantErr {
				t.Fatalf("Authenticate() error = %v, wantErr %v", err, tt.wantErr)
			}
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidCredentials) {
					t.Errorf("error = %v, want ErrInvalidCredentials", err)
				}
				return
			}
			if box == nil {
				t.Fatal("Authenticate() returned nil mailbox on success")
			}
			if box.Username != "alerts@example.com" {
				t.Errorf("username = %q, want 'alerts@example.com'", box.Username)
			}
		})
	}
}

func TestMailboxFlags(t *testing.T) {
	r := newTestRegistry(t)

	box, ok := r.Lookup("alerts@example.com")
	if !ok {
		t.Fatal("expected alerts mailbox")
	}
	if box.SourceFolder != "Inbox" {
		t.Errorf("source folder = %q, want 'Inbox'", box.SourceFolder)
	}
	if !box.MarkRead {
		t.Error("mark_read should default to true")
	}
	if box.DeleteAfterFetch {
		t.Error("delete_after_fetch should default to false")
	}

	box, ok = r.Lookup("scanner@example.com")
	if !ok {
		t.Fatal("expected scanner mailbox")
	}
	if box.SourceFolder != "Scans" {
		t.Errorf("source folder = %q, want 'Scans'", box.SourceFolder)
	}
	if box.MarkRead {
		t.Error("mark_read should be false when configured off")
	}
	if !box.DeleteAfterFetch {
		t.Error("delete_after_fetch should be true when configured on")
	}
}

func TestLookupUnknown(t *testing.T) {
	r := newTestRegistry(t)

	if _, ok := r.Lookup("ghost@example.com"); ok {
		t.Error("expected lookup miss for unknown user")
	}
}

func TestLookupReturnsCopy(t *testing.T) {
	r := newTestRegistry(t)

	first, _ := r.Lookup("alerts@example.com")
	first.SourceFolder = "Mutated"

	second, _ := r.Lookup("alerts@example.com")
	if second.SourceFolder != "Inbox" {
		t.Errorf("registry entry mutated through returned pointer: %q", second.SourceFolder)
	}
}

func TestHashPassword(t *testing.T) {
	hash, err := HashPassword("hunter2")
	if err != nil {
		t.Fatalf("HashPassword() error = %v", err)
	}
	if hash == "hunter2" {
		t.Error("hash must not equal the plaintext")
	}

	r := NewRegistry([]config.MailboxConfig{
		{Username: "a@example.com", Password: hash},
	})
	if _, err := r.Authenticate("a@example.com", "hunter2"); err != nil {
		t.Errorf("round-trip authenticate failed: %v", err)
	}
}

func TestHashPasswordEmpty(t *testing.T) {
	if _, err := HashPassword(""); err == nil {
		t.Error("expected error for empty password")
	}
}
