package smtp

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/infodancer/m365gw/internal/graph"
)

// maxAuthFailures is the number of consecutive failed AUTH attempts
// before the connection is dropped.
const maxAuthFailures = 3

// dataWindow bounds the inline dispatch of one accepted message. It is
// wider than the per-line read timeout; a slow upstream falls back to the
// queue instead of stalling the connection indefinitely.
const dataWindow = 10 * time.Minute

// Session implements the go-smtp Session and AuthSession interfaces. One
// instance exists per connection; a STARTTLS upgrade resets it, so
// authentication never survives the plaintext-to-TLS transition.
type Session struct {
	backend      *Backend
	conn         *gosmtp.Conn
	clientIP     string
	authUser     string
	from         string
	recipients   []string
	authFailures int
	ctx          context.Context
	cancel       context.CancelFunc
	logger       *slog.Logger
}

// context returns the connection-scoped context, derived from the server
// lifetime so shutdown cancels in-flight work.
func (s *Session) context() context.Context {
	if s.ctx == nil {
		return context.Background()
	}
	return s.ctx
}

// AuthMechanisms returns the offered authentication mechanisms.
func (s *Session) AuthMechanisms() []string {
	if s.backend.registry == nil {
		return nil
	}
	return []string{sasl.Plain, sasl.Login}
}

// Auth handles an AUTH command.
func (s *Session) Auth(mech string) (sasl.Server, error) {
	switch mech {
	case sasl.Plain:
		return sasl.NewPlainServer(func(identity, username, password string) error {
			return s.verify(username, password)
		}), nil
	case sasl.Login:
		return newLoginServer(s.verify), nil
	default:
		return nil, gosmtp.ErrAuthUnknownMechanism
	}
}

// verify checks credentials against the mailbox registry.
func (s *Session) verify(username, password string) error {
	box, err := s.backend.registry.Authenticate(username, password)
	if err != nil {
		s.backend.collector.AuthAttempt("smtp", false)
		s.authFailures++
		s.logger.Warn("authentication failed",
			slog.String("username", username),
			slog.Int("failures", s.authFailures))

		if s.authFailures >= maxAuthFailures {
			// Flush the reply, then drop the line.
			conn := s.conn
			time.AfterFunc(200*time.Millisecond, func() { _ = conn.Close() })
			return &gosmtp.SMTPError{
				Code:         421,
				EnhancedCode: gosmtp.EnhancedCode{4, 7, 0},
				Message:      "Too many authentication failures, closing connection",
			}
		}
		return &gosmtp.SMTPError{
			Code:         535,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 8},
			Message:      "Authentication credentials invalid",
		}
	}

	s.authUser = box.Username
	s.authFailures = 0
	s.backend.collector.AuthAttempt("smtp", true)
	s.logger.Info("authenticated", slog.String("username", box.Username))
	return nil
}

// Mail handles MAIL FROM. The envelope sender must match the
// authenticated account; this gateway never relays third-party
// identities.
func (s *Session) Mail(from string, opts *gosmtp.MailOptions) error {
	s.backend.collector.CommandProcessed("smtp", "MAIL")

	if s.authUser == "" {
		return &gosmtp.SMTPError{
			Code:         530,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 0},
			Message:      "Authentication required",
		}
	}
	if !strings.EqualFold(strings.TrimSpace(from), s.authUser) {
		s.backend.collector.MessageRejected("sender_mismatch")
		s.logger.Warn("sender does not match authenticated user",
			slog.String("from", from), slog.String("user", s.authUser))
		return &gosmtp.SMTPError{
			Code:         553,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "Sender address must match authenticated user",
		}
	}

	s.from = from
	s.logger.Debug("MAIL FROM", slog.String("from", from))
	return nil
}

// Rcpt handles RCPT TO, enforcing the recipient domain allowlist.
func (s *Session) Rcpt(to string, opts *gosmtp.RcptOptions) error {
	s.backend.collector.CommandProcessed("smtp", "RCPT")

	if !s.backend.domainAllowed(to) {
		s.backend.collector.MessageRejected("domain_not_allowed")
		s.logger.Warn("recipient domain not allowed", slog.String("to", to))
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      "Recipient domain not permitted",
		}
	}

	s.recipients = append(s.recipients, to)
	s.logger.Debug("RCPT TO", slog.String("to", to))
	return nil
}

// Data accepts the message and dispatches it: inline to Graph while the
// endpoint is reachable, to the durable queue otherwise. Retryable Graph
// failures also land in the queue; only a permanent rejection surfaces to
// the client as a 5xx.
func (s *Session) Data(r io.Reader) error {
	s.backend.collector.CommandProcessed("smtp", "DATA")

	message, err := io.ReadAll(r)
	if err != nil {
		s.logger.Warn("reading message data", slog.String("error", err.Error()))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "Error reading message",
		}
	}

	from, rcpts := s.from, s.recipients

	if !s.backend.reachable() {
		return s.enqueue(from, rcpts, message, "endpoint unreachable")
	}

	ctx, cancel := context.WithTimeout(s.context(), dataWindow)
	defer cancel()

	sendErr := s.backend.sender.SendMail(ctx, from, rcpts, message)
	if sendErr == nil {
		s.backend.collector.MessageAccepted("sent", int64(len(message)))
		s.logger.Info("message relayed",
			slog.Int("size", len(message)), slog.Int("recipients", len(rcpts)))
		return nil
	}

	if graph.IsPermanent(sendErr) {
		s.backend.collector.MessageRejected("graph_permanent")
		s.logger.Warn("message rejected upstream", slog.String("error", sendErr.Error()))
		return permanentToSMTP(sendErr)
	}

	// Retryable or auth failure: the client gets its 250, the queue owns
	// the message from here.
	return s.enqueue(from, rcpts, message, sendErr.Error())
}

// enqueue spools the message and accepts it on behalf of the queue.
func (s *Session) enqueue(from string, rcpts []string, message []byte, cause string) error {
	if err := s.backend.queue.Enqueue(from, rcpts, message); err != nil {
		s.backend.collector.MessageRejected("queue_error")
		s.logger.Error("spooling message", slog.String("error", err.Error()))
		return &gosmtp.SMTPError{
			Code:         451,
			EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
			Message:      "Temporary delivery failure, try again later",
		}
	}
	s.backend.collector.MessageAccepted("queued", int64(len(message)))
	s.logger.Info("message queued for later delivery",
		slog.Int("size", len(message)), slog.String("cause", cause))
	return nil
}

// permanentToSMTP maps a permanent Graph rejection onto an SMTP reply:
// 552 for size, 550 for policy rejections, 554 otherwise.
func permanentToSMTP(err error) *gosmtp.SMTPError {
	var ge *graph.Error
	code, enhanced := 554, gosmtp.EnhancedCode{5, 0, 0}
	msg := "Transaction failed"

	if errors.As(err, &ge) {
		switch {
		case ge.Status == http.StatusRequestEntityTooLarge:
			code, enhanced = 552, gosmtp.EnhancedCode{5, 3, 4}
			msg = "Message exceeds size limit"
		case ge.Status == http.StatusForbidden || ge.Code == "ErrorSendAsDenied" || ge.Code == "ErrorAccessDenied":
			code, enhanced = 550, gosmtp.EnhancedCode{5, 7, 1}
			msg = "Submission not permitted"
		default:
			msg = "Message rejected: " + ge.Message
		}
	}
	return &gosmtp.SMTPError{Code: code, EnhancedCode: enhanced, Message: msg}
}

// Reset is called on RSET and after each transaction.
func (s *Session) Reset() {
	s.from = ""
	s.recipients = nil
	s.logger.Debug("session reset")
}

// Logout is called when the client quits or the connection closes.
func (s *Session) Logout() error {
	if s.cancel != nil {
		s.cancel()
	}
	s.backend.collector.ConnectionClosed("smtp")
	s.logger.Debug("session logout")
	return nil
}
