package pop3

import (
	"context"
	"crypto/tls"
	"time"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/m365gw/internal/config"
	"github.com/infodancer/m365gw/internal/graph"
	"github.com/infodancer/m365gw/internal/mailbox"
)

// maxAuthFailures is the number of failed authentication attempts before
// the connection is dropped.
const maxAuthFailures = 3

// MessageStore is the upstream mailbox access the session engine needs.
// *graph.Client satisfies it.
type MessageStore interface {
	ListMessages(ctx context.Context, mailbox, folder string, since time.Time) ([]graph.MessageInfo, error)
	FetchMIME(ctx context.Context, mailbox, id string) ([]byte, error)
	MarkRead(ctx context.Context, mailbox, id string) error
	Delete(ctx context.Context, mailbox, id, etag string) error
}

// State represents the current state in the POP3 state machine.
type State int

const (
	// StateAuthorization is the initial state where authentication is required.
	StateAuthorization State = iota

	// StateTransaction is the state after successful authentication.
	StateTransaction

	// StateUpdate is the state after QUIT from Transaction, where deletion
	// marks are committed upstream.
	StateUpdate
)

// String returns the string representation of the state.
func (s State) String() string {
	switch s {
	case StateAuthorization:
		return "AUTHORIZATION"
	case StateTransaction:
		return "TRANSACTION"
	case StateUpdate:
		return "UPDATE"
	default:
		return "UNKNOWN"
	}
}

// TLSState represents the current TLS encryption state of the connection.
type TLSState int

const (
	// TLSStateNone indicates no TLS protection (pop3 before STLS).
	TLSStateNone TLSState = iota

	// TLSStateActive indicates TLS is active (after STLS, or implicit pop3s).
	TLSStateActive
)

// String returns the string representation of the TLS state.
func (ts TLSState) String() string {
	switch ts {
	case TLSStateNone:
		return "NONE"
	case TLSStateActive:
		return "ACTIVE"
	default:
		return "UNKNOWN"
	}
}

// Session represents a POP3 session with state tracking.
type Session struct {
	// State machine
	state    State
	tlsState TLSState

	// Configuration
	hostname     string
	listenerMode config.ListenerMode
	tlsConfig    *tls.Config

	// Authentication state
	username     string
	authFailures int

	// SASL state for multi-step exchanges
	saslServer sasl.Server
	saslMech   string
	saslBox    *mailbox.Mailbox // result of the SASL credential callback

	// Transaction state
	box        *mailbox.Mailbox
	store      MessageStore
	messages   []graph.MessageInfo // frozen at authentication
	deletedSet map[int]bool        // 1-based message numbers marked deleted
	retrCache  map[string][]byte   // raw MIME by graph message id
}

// NewSession creates a new POP3 session.
func NewSession(hostname string, mode config.ListenerMode, tlsConfig *tls.Config, isTLS bool) *Session {
	tlsState := TLSStateNone
	if mode == config.ModePop3s || isTLS {
		tlsState = TLSStateActive
	}

	return &Session{
		state:        StateAuthorization,
		tlsState:     tlsState,
		hostname:     hostname,
		listenerMode: mode,
		tlsConfig:    tlsConfig,
	}
}

// State returns the current POP3 state.
func (s *Session) State() State {
	return s.state
}

// TLSState returns the current TLS state.
func (s *Session) TLSState() TLSState {
	return s.tlsState
}

// SetTLSActive marks the connection as using TLS. Called after a
// successful STLS upgrade; any authentication progress is discarded.
func (s *Session) SetTLSActive() {
	s.tlsState = TLSStateActive
	s.username = ""
	s.ClearSASL()
}

// IsTLSActive returns true if TLS is currently active.
func (s *Session) IsTLSActive() bool {
	return s.tlsState == TLSStateActive
}

// AuthAllowed reports whether authentication may proceed: always under
// TLS, and in cleartext only when no TLS material is configured. Without
// material there is nothing to upgrade to; cleartext credentials are the
// deployment's explicit choice then, matching the submission side.
func (s *Session) AuthAllowed() bool {
	return s.tlsState == TLSStateActive || s.tlsConfig == nil
}

// CanSTLS returns true if the STLS command is available: AUTHORIZATION
// state on a cleartext pop3 listener with TLS material configured.
func (s *Session) CanSTLS() bool {
	return s.state == StateAuthorization &&
		s.listenerMode == config.ModePop3 &&
		s.tlsState == TLSStateNone &&
		s.tlsConfig != nil
}

// TLSConfig returns the TLS configuration for STLS.
func (s *Session) TLSConfig() *tls.Config {
	return s.tlsConfig
}

// SetUsername stores the username from the USER command.
func (s *Session) SetUsername(username string) {
	s.username = username
}

// Username returns the stored username.
func (s *Session) Username() string {
	return s.username
}

// RecordAuthFailure counts a failed authentication attempt.
func (s *Session) RecordAuthFailure() {
	s.authFailures++
}

// AuthExhausted reports whether the session has burned through its
// allowed authentication attempts and should be dropped.
func (s *Session) AuthExhausted() bool {
	return s.authFailures >= maxAuthFailures
}

// IsAuthenticated returns true if in StateTransaction or StateUpdate.
func (s *Session) IsAuthenticated() bool {
	return s.state == StateTransaction || s.state == StateUpdate
}

// Mailbox returns the authenticated mailbox, or nil before authentication.
func (s *Session) Mailbox() *mailbox.Mailbox {
	return s.box
}

// Store returns the message store for this session.
func (s *Session) Store() MessageStore {
	return s.store
}

// EnterUpdate transitions to StateUpdate (QUIT received in Transaction).
func (s *Session) EnterUpdate() {
	if s.state == StateTransaction {
		s.state = StateUpdate
	}
}

// SetSASLServer sets the active SASL server for a multi-step exchange.
func (s *Session) SetSASLServer(mech string, server sasl.Server) {
	s.saslMech = mech
	s.saslServer = server
}

// SASLServer returns the active SASL server, or nil if none.
func (s *Session) SASLServer() sasl.Server {
	return s.saslServer
}

// SASLMech returns the current SASL mechanism name.
func (s *Session) SASLMech() string {
	return s.saslMech
}

// ClearSASL clears the SASL state after completion or cancellation.
func (s *Session) ClearSASL() {
	s.saslServer = nil
	s.saslMech = ""
	s.saslBox = nil
}

// IsSASLInProgress returns true if a SASL exchange is in progress.
func (s *Session) IsSASLInProgress() bool {
	return s.saslServer != nil
}

// Capabilities returns the capability list for the current session state.
// USER and SASL are only advertised where authentication is permitted:
// under TLS, or in cleartext when no TLS material is configured.
func (s *Session) Capabilities() []string {
	caps := []string{"TOP", "UIDL", "RESP-CODES"}

	if s.AuthAllowed() {
		caps = append([]string{"USER"}, caps...)
		caps = append(caps, "SASL PLAIN LOGIN")
	}

	if s.CanSTLS() {
		caps = append(caps, "STLS")
	}

	return caps
}

// BindMaildrop loads the message list for the given mailbox and, on
// success, transitions the session to TRANSACTION. The list is frozen for
// the rest of the session; messages arriving upstream afterwards appear
// only on the next connection.
func (s *Session) BindMaildrop(ctx context.Context, store MessageStore, box *mailbox.Mailbox) error {
	messages, err := store.ListMessages(ctx, box.Username, box.SourceFolder, time.Time{})
	if err != nil {
		return err
	}

	s.box = box
	s.store = store
	s.messages = messages
	s.deletedSet = make(map[int]bool)
	s.retrCache = make(map[string][]byte)
	s.state = StateTransaction
	return nil
}

// MessageCount returns the count of non-deleted messages.
func (s *Session) MessageCount() int {
	count := 0
	for i := range s.messages {
		if !s.deletedSet[i+1] { // 1-based numbering
			count++
		}
	}
	return count
}

// TotalSize returns the total size of non-deleted messages in bytes.
func (s *Session) TotalSize() int64 {
	var total int64
	for i, msg := range s.messages {
		if !s.deletedSet[i+1] {
			total += msg.Size
		}
	}
	return total
}

// GetMessage returns message info by 1-based message number.
func (s *Session) GetMessage(msgNum int) (*graph.MessageInfo, error) {
	if s.box == nil {
		return nil, ErrMaildropNotInitialized
	}
	if msgNum < 1 || msgNum > len(s.messages) {
		return nil, ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return nil, ErrMessageDeleted
	}
	return &s.messages[msgNum-1], nil
}

// FetchMessage returns the raw MIME bytes for a message, fetching through
// the store on first access and serving repeats (TOP after RETR, RETR
// retries) from the session cache.
func (s *Session) FetchMessage(ctx context.Context, msgNum int) ([]byte, error) {
	msg, err := s.GetMessage(msgNum)
	if err != nil {
		return nil, err
	}
	if raw, ok := s.retrCache[msg.ID]; ok {
		return raw, nil
	}
	raw, err := s.store.FetchMIME(ctx, s.box.Username, msg.ID)
	if err != nil {
		return nil, err
	}
	s.retrCache[msg.ID] = raw
	return raw, nil
}

// MarkDeleted marks a message for deletion by 1-based message number. The
// mark is session-local until QUIT commits it.
func (s *Session) MarkDeleted(msgNum int) error {
	if s.box == nil {
		return ErrMaildropNotInitialized
	}
	if msgNum < 1 || msgNum > len(s.messages) {
		return ErrNoSuchMessage
	}
	if s.deletedSet[msgNum] {
		return ErrMessageDeleted
	}
	s.deletedSet[msgNum] = true
	return nil
}

// ResetDeletions clears all deletion marks (RSET command).
func (s *Session) ResetDeletions() {
	s.deletedSet = make(map[int]bool)
}

// DeletedMessages returns the messages marked for deletion, in listing order.
func (s *Session) DeletedMessages() []graph.MessageInfo {
	var marked []graph.MessageInfo
	for i, msg := range s.messages {
		if s.deletedSet[i+1] {
			marked = append(marked, msg)
		}
	}
	return marked
}

// AllMessages returns (msgNum, info) pairs for all non-deleted messages,
// for LIST and UIDL.
func (s *Session) AllMessages() []struct {
	MsgNum int
	Info   graph.MessageInfo
} {
	var result []struct {
		MsgNum int
		Info   graph.MessageInfo
	}
	for i, msg := range s.messages {
		if !s.deletedSet[i+1] {
			result = append(result, struct {
				MsgNum int
				Info   graph.MessageInfo
			}{MsgNum: i + 1, Info: msg})
		}
	}
	return result
}
