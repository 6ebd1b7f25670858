package pop3

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-sasl"

	"github.com/infodancer/m365gw/internal/mailbox"
)

// Authenticator verifies client credentials against the mailbox
// allowlist. *mailbox.Registry satisfies it.
type Authenticator interface {
	Authenticate(username, password string) (*mailbox.Mailbox, error)
}

// capaCommand implements the CAPA command (RFC 2449).
type capaCommand struct{}

func (c *capaCommand) Name() string {
	return "CAPA"
}

func (c *capaCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "CAPA command takes no arguments"}, nil
	}

	return Response{
		OK:      true,
		Message: "Capability list follows",
		Lines:   sess.Capabilities(),
	}, nil
}

// stlsCommand implements the STLS command (RFC 2595). On +OK the handler
// performs the actual TLS upgrade.
type stlsCommand struct{}

func (s *stlsCommand) Name() string {
	return "STLS"
}

func (s *stlsCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "STLS command takes no arguments"}, nil
	}

	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if !sess.CanSTLS() {
		if sess.IsTLSActive() {
			return Response{OK: false, Message: "Already using TLS"}, nil
		}
		return Response{OK: false, Message: "TLS not available"}, nil
	}

	return Response{OK: true, Message: "Begin TLS negotiation"}, nil
}

// userCommand implements the USER command (RFC 1939).
type userCommand struct{}

func (u *userCommand) Name() string {
	return "USER"
}

func (u *userCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if !sess.AuthAllowed() {
		return Response{OK: false, Message: "TLS required for authentication"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "USER command requires username argument"}, nil
	}

	username := args[0]
	if username == "" {
		return Response{OK: false, Message: "Username cannot be empty"}, nil
	}

	sess.SetUsername(username)

	return Response{OK: true, Message: fmt.Sprintf("User %s accepted", username)}, nil
}

// passCommand implements the PASS command (RFC 1939). On success it binds
// the maildrop: the message list is fetched once and frozen for the
// session.
type passCommand struct {
	auth  Authenticator
	store MessageStore
}

func (p *passCommand) Name() string {
	return "PASS"
}

func (p *passCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if !sess.AuthAllowed() {
		return Response{OK: false, Message: "TLS required for authentication"}, nil
	}

	username := sess.Username()
	if username == "" {
		return Response{OK: false, Message: "No username specified"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "PASS command requires password argument"}, nil
	}

	box, err := p.auth.Authenticate(username, args[0])
	if err != nil {
		// Generic error to prevent user enumeration
		conn.Logger().Info("authentication failed",
			"username", username,
			"error", err.Error(),
		)
		sess.RecordAuthFailure()
		return Response{OK: false, Message: "[AUTH] Authentication failed"}, nil
	}

	return bindMaildrop(ctx, sess, conn, p.store, box)
}

// bindMaildrop loads the message list and transitions to TRANSACTION.
// Shared by PASS and AUTH.
func bindMaildrop(ctx context.Context, sess *Session, conn ConnectionLogger, store MessageStore, box *mailbox.Mailbox) (Response, error) {
	if err := sess.BindMaildrop(ctx, store, box); err != nil {
		conn.Logger().Error("failed to list maildrop",
			"username", box.Username,
			"folder", box.SourceFolder,
			"error", err.Error(),
		)
		return Response{OK: false, Message: "[SYS/TEMP] Mailbox temporarily unavailable"}, nil
	}

	conn.Logger().Info("authentication successful",
		"username", box.Username,
		"folder", box.SourceFolder,
		"messages", sess.MessageCount(),
	)

	return Response{OK: true, Message: fmt.Sprintf("Logged in as %s", box.Username)}, nil
}

// authCommand implements the AUTH command (RFC 5034) with the PLAIN and
// LOGIN mechanisms. Multi-step exchanges park a sasl.Server on the
// session; the handler routes subsequent lines to ProcessSASLResponse.
type authCommand struct {
	auth  Authenticator
	store MessageStore
}

func (a *authCommand) Name() string {
	return "AUTH"
}

func (a *authCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateAuthorization {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if !sess.AuthAllowed() {
		return Response{OK: false, Message: "TLS required for authentication"}, nil
	}

	if len(args) == 0 {
		// AUTH with no mechanism lists the supported ones.
		return Response{
			OK:      true,
			Message: "Supported mechanisms follow",
			Lines:   SupportedSASLMechanisms(),
		}, nil
	}
	if len(args) > 2 {
		return Response{OK: false, Message: "AUTH command takes mechanism and optional initial response"}, nil
	}

	mech := strings.ToUpper(args[0])
	server, err := a.newServer(sess, mech)
	if err != nil {
		return Response{OK: false, Message: "Unsupported SASL mechanism"}, nil
	}
	sess.SetSASLServer(mech, server)

	if len(args) == 2 {
		// Initial response supplied with the command
		return a.ProcessSASLResponse(ctx, sess, conn, args[1])
	}

	// No initial response: issue the first challenge.
	challenge, done, err := server.Next(nil)
	if err != nil || done {
		sess.ClearSASL()
		return Response{OK: false, Message: "[AUTH] Authentication failed"}, nil
	}
	return Response{Continuation: true, Challenge: EncodeSASLChallenge(challenge)}, nil
}

// newServer builds a sasl.Server whose credential callback stashes the
// authenticated mailbox on the session for completion.
func (a *authCommand) newServer(sess *Session, mech string) (sasl.Server, error) {
	verify := func(username, password string) error {
		box, err := a.auth.Authenticate(username, password)
		if err != nil {
			return err
		}
		sess.saslBox = box
		return nil
	}

	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			if identity != "" && identity != username {
				return mailbox.ErrInvalidCredentials
			}
			return verify(username, password)
		}), nil
	case sasl.Login:
		return newLoginServer(verify), nil
	default:
		return nil, fmt.Errorf("unsupported mechanism %q", mech)
	}
}

// ProcessSASLResponse feeds one client line into the active SASL
// exchange. A lone "*" cancels the exchange per RFC 5034.
func (a *authCommand) ProcessSASLResponse(ctx context.Context, sess *Session, conn ConnectionLogger, line string) (Response, error) {
	server := sess.SASLServer()
	if server == nil {
		return Response{OK: false, Message: "No authentication in progress"}, nil
	}

	if line == "*" {
		sess.ClearSASL()
		return Response{OK: false, Message: "Authentication cancelled"}, nil
	}

	response, err := DecodeSASLResponse(line)
	if err != nil {
		sess.ClearSASL()
		sess.RecordAuthFailure()
		return Response{OK: false, Message: "Invalid base64 response"}, nil
	}

	challenge, done, err := server.Next(response)
	if err != nil {
		conn.Logger().Info("authentication failed",
			"mechanism", sess.SASLMech(),
			"error", err.Error(),
		)
		sess.ClearSASL()
		sess.RecordAuthFailure()
		return Response{OK: false, Message: "[AUTH] Authentication failed"}, nil
	}

	if !done {
		return Response{Continuation: true, Challenge: EncodeSASLChallenge(challenge)}, nil
	}

	box := sess.saslBox
	sess.ClearSASL()
	if box == nil {
		sess.RecordAuthFailure()
		return Response{OK: false, Message: "[AUTH] Authentication failed"}, nil
	}

	return bindMaildrop(ctx, sess, conn, a.store, box)
}

// apopCommand rejects APOP (RFC 1939 optional); the gateway stores only
// bcrypt hashes, so the shared-secret digest scheme cannot be supported.
type apopCommand struct{}

func (a *apopCommand) Name() string {
	return "APOP"
}

func (a *apopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	return Response{OK: false, Message: "APOP not supported"}, nil
}

// quitCommand implements the QUIT command (RFC 1939). In TRANSACTION it
// enters UPDATE; the handler commits deletion marks before closing.
type quitCommand struct{}

func (q *quitCommand) Name() string {
	return "QUIT"
}

func (q *quitCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "QUIT command takes no arguments"}, nil
	}

	var message string
	switch sess.State() {
	case StateAuthorization:
		message = "Goodbye"
	case StateTransaction:
		sess.EnterUpdate()
		message = "Logging out"
	default:
		message = "Goodbye"
	}

	return Response{OK: true, Message: message}, nil
}

// RegisterAuthCommands registers all authentication-related commands.
func RegisterAuthCommands(auth Authenticator, store MessageStore) {
	RegisterCommand(&capaCommand{})
	RegisterCommand(&stlsCommand{})
	RegisterCommand(&userCommand{})
	RegisterCommand(&passCommand{auth: auth, store: store})
	RegisterCommand(&authCommand{auth: auth, store: store})
	RegisterCommand(&apopCommand{})
	RegisterCommand(&quitCommand{})
}
