// Package mailbox maintains the client-facing account allowlist and
// verifies client credentials against it. Every account corresponds to a
// shared mailbox (or the upstream mailbox itself) in the M365 tenant;
// passwords are local to the gateway and stored as bcrypt hashes.
package mailbox

import (
	"errors"
	"strings"

	"golang.org/x/crypto/bcrypt"

	"github.com/infodancer/m365gw/internal/config"
)

// ErrInvalidCredentials is returned when a username/password pair does
// not match the allowlist. Unknown users and wrong passwords are not
// distinguished.
var ErrInvalidCredentials = errors.New("invalid credentials")

// dummyHash is compared against when the username is unknown so that
// authentication burns a bcrypt verification either way.
const dummyHash = "$2a$10$N9qo8uLOickgx2ZMRZoMyeIjZAgcfl7p92ldGxad68LJZdL17lhWy"

// Mailbox describes one authenticated gateway account.
type Mailbox struct {
	// Username is the account address as configured.
	Username string
	// SourceFolder is the Graph folder POP3 sessions list, default Inbox.
	SourceFolder string
	// MarkRead indicates whether fetched-and-deleted messages are
	// flagged read upstream on QUIT.
	MarkRead bool
	// DeleteAfterFetch indicates whether DELE-marked messages are
	// deleted upstream on QUIT.
	DeleteAfterFetch bool
}

// Registry holds the configured mailboxes keyed by lowercased username.
type Registry struct {
	entries map[string]entry
}

type entry struct {
	hash string
	box  Mailbox
}

// NewRegistry builds a Registry from the configured mailbox list.
func NewRegistry(boxes []config.MailboxConfig) *Registry {
	r := &Registry{entries: make(map[string]entry, len(boxes))}
	for _, b := range boxes {
		r.entries[strings.ToLower(b.Username)] = entry{
			hash: b.Password,
			box: Mailbox{
				Username:         b.Username,
				SourceFolder:     b.Folder(),
				MarkRead:         b.MarkReadEnabled(),
				DeleteAfterFetch: b.DeleteAfterFetch,
			},
		}
	}
	return r
}

// Authenticate verifies a username/password pair and returns the mailbox
// on success.
func (r *Registry) Authenticate(username, password string) (*Mailbox, error) {
	e, ok := r.entries[strings.ToLower(username)]
	if !ok {
		// Equalize timing for unknown usernames.
		_ = bcrypt.CompareHashAndPassword([]byte(dummyHash), []byte(password))
		return nil, ErrInvalidCredentials
	}
	if err := bcrypt.CompareHashAndPassword([]byte(e.hash), []byte(password)); err != nil {
		return nil, ErrInvalidCredentials
	}
	box := e.box
	return &box, nil
}

// Lookup returns the mailbox for a username without verifying credentials.
func (r *Registry) Lookup(username string) (*Mailbox, bool) {
	e, ok := r.entries[strings.ToLower(username)]
	if !ok {
		return nil, false
	}
	box := e.box
	return &box, true
}

// Len returns the number of configured mailboxes.
func (r *Registry) Len() int {
	return len(r.entries)
}

// HashPassword produces a bcrypt hash suitable for the mailboxes section
// of the configuration file.
func HashPassword(password string) (string, error) {
	if password == "" {
		return "", errors.New("password must not be empty")
	}
	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return "", err
	}
	return string(hash), nil
}
