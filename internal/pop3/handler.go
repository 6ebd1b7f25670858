package pop3

import (
	"context"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/infodancer/m365gw/internal/config"
	"github.com/infodancer/m365gw/internal/logging"
	"github.com/infodancer/m365gw/internal/metrics"
	"github.com/infodancer/m365gw/internal/server"
)

// HandlerConfig carries the dependencies of the POP3 protocol handler.
type HandlerConfig struct {
	Hostname  string
	Auth      Authenticator
	Store     MessageStore
	TLSConfig *tls.Config
	Collector metrics.Collector
}

// Handler creates the POP3 protocol handler. It registers the command set
// and returns the per-connection entry point for the listener.
func Handler(cfg HandlerConfig) server.ConnectionHandler {
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}

	RegisterAuthCommands(cfg.Auth, cfg.Store)
	RegisterTransactionCommands()

	return func(ctx context.Context, conn *server.Connection) {
		handleConnection(ctx, conn, cfg)
	}
}

// handleConnection manages a single POP3 connection.
func handleConnection(ctx context.Context, conn *server.Connection, cfg HandlerConfig) {
	logger := logging.FromContext(ctx)
	collector := cfg.Collector

	collector.ConnectionOpened("pop3")
	defer collector.ConnectionClosed("pop3")

	// A connection that is already TLS came from a pop3s listener.
	listenerMode := config.ModePop3
	if conn.IsTLS() {
		listenerMode = config.ModePop3s
		collector.TLSConnectionEstablished("pop3")
	}

	sess := NewSession(cfg.Hostname, listenerMode, cfg.TLSConfig, conn.IsTLS())

	logger.Info("starting POP3 session",
		"state", sess.State().String(),
		"tls_state", sess.TLSState().String(),
	)

	greeting := fmt.Sprintf("+OK %s POP3 gateway ready\r\n", cfg.Hostname)
	if _, err := conn.Writer().WriteString(greeting); err != nil {
		logger.Error("failed to send greeting", "error", err.Error())
		return
	}
	if err := conn.Flush(); err != nil {
		logger.Error("failed to flush greeting", "error", err.Error())
		return
	}

	for {
		select {
		case <-ctx.Done():
			logger.Info("context cancelled, closing connection")
			return
		default:
		}

		if conn.IsClosed() {
			logger.Info("connection closed")
			return
		}

		if err := conn.SetCommandTimeout(); err != nil {
			logger.Error("failed to set command timeout", "error", err.Error())
			return
		}

		line, err := conn.Reader().ReadString('\n')
		if err != nil {
			if err == io.EOF {
				logger.Info("client closed connection")
				return
			}
			logger.Error("error reading command", "error", err.Error())
			return
		}

		if err := conn.ResetIdleTimeout(); err != nil {
			logger.Error("failed to reset idle timeout", "error", err.Error())
			return
		}

		line = strings.TrimSpace(line)
		if line == "" {
			continue
		}

		// A SASL exchange in progress consumes raw lines, not commands.
		if sess.IsSASLInProgress() {
			if !processSASLLine(ctx, conn, sess, collector, line) {
				return
			}
			continue
		}

		cmdName, args, err := ParseCommand(line)
		if err != nil {
			sendResponse(conn, Response{OK: false, Message: "Invalid command"})
			continue
		}

		cmd, ok := GetCommand(cmdName)
		if !ok {
			sendResponse(conn, Response{OK: false, Message: "Unknown command"})
			continue
		}

		logger.Debug("executing command",
			"command", cmdName,
			"args_count", len(args),
		)

		collector.CommandProcessed("pop3", cmdName)

		resp, err := cmd.Execute(ctx, sess, conn, args)
		if err != nil {
			logger.Error("command execution error",
				"command", cmdName,
				"error", err.Error(),
			)
			sendResponse(conn, Response{OK: false, Message: "Internal server error"})
			continue
		}

		if !sendResponse(conn, resp) {
			return
		}

		// PASS completes immediately; AUTH completes when the response is
		// terminal (success or a non-continuation failure).
		if cmdName == "PASS" || (cmdName == "AUTH" && len(args) > 0 && !resp.Continuation) {
			collector.AuthAttempt("pop3", resp.OK)
		}

		if !resp.OK && sess.AuthExhausted() {
			logger.Warn("too many authentication failures, dropping connection")
			return
		}

		switch cmdName {
		case "STLS":
			if resp.OK {
				if err := upgradeToTLS(ctx, conn, sess); err != nil {
					logger.Error("TLS upgrade failed", "error", err.Error())
					return
				}
				collector.TLSConnectionEstablished("pop3")
				logger.Info("TLS upgrade successful",
					"tls_state", sess.TLSState().String(),
				)
			}

		case "QUIT":
			if sess.State() == StateUpdate {
				commitDeletions(ctx, sess, logger)
			}
			logger.Info("QUIT command received, closing connection")
			return
		}
	}
}

// processSASLLine routes one line into the active SASL exchange. Returns
// false when the connection should be closed.
func processSASLLine(ctx context.Context, conn *server.Connection, sess *Session, collector metrics.Collector, line string) bool {
	logger := logging.FromContext(ctx)

	authCmd, ok := GetCommand("AUTH")
	if !ok {
		logger.Error("AUTH command not registered")
		sess.ClearSASL()
		return sendResponse(conn, Response{OK: false, Message: "Internal server error"})
	}
	auth, ok := authCmd.(*authCommand)
	if !ok {
		logger.Error("AUTH command has wrong type")
		sess.ClearSASL()
		return sendResponse(conn, Response{OK: false, Message: "Internal server error"})
	}

	resp, err := auth.ProcessSASLResponse(ctx, sess, conn, line)
	if err != nil {
		logger.Error("SASL processing error", "error", err.Error())
		sess.ClearSASL()
		return sendResponse(conn, Response{OK: false, Message: "Internal server error"})
	}

	if !sendResponse(conn, resp) {
		return false
	}

	if !resp.Continuation {
		collector.AuthAttempt("pop3", resp.OK)
	}

	if !resp.OK && sess.AuthExhausted() {
		logger.Warn("too many authentication failures, dropping connection")
		return false
	}

	return true
}

// commitDeletions applies the session's deletion marks upstream. Errors
// are logged only; the client has already committed and gets its +OK.
func commitDeletions(ctx context.Context, sess *Session, logger *slog.Logger) {
	box := sess.Mailbox()
	store := sess.Store()
	if box == nil || store == nil {
		return
	}

	marked := sess.DeletedMessages()
	for _, msg := range marked {
		if box.MarkRead {
			if err := store.MarkRead(ctx, box.Username, msg.ID); err != nil {
				logger.Error("failed to mark message read",
					"id", msg.ID,
					"error", err.Error(),
				)
			}
		}
		if box.DeleteAfterFetch {
			if err := store.Delete(ctx, box.Username, msg.ID, msg.Etag); err != nil {
				logger.Error("failed to delete message",
					"id", msg.ID,
					"error", err.Error(),
				)
			}
		}
	}
	if len(marked) > 0 {
		logger.Info("committed deletion marks",
			"count", len(marked),
			"mark_read", box.MarkRead,
			"delete", box.DeleteAfterFetch,
		)
	}
}

// upgradeToTLS performs the TLS upgrade after a successful STLS.
func upgradeToTLS(ctx context.Context, conn *server.Connection, sess *Session) error {
	logger := logging.FromContext(ctx)

	tlsConfig := sess.TLSConfig()
	if tlsConfig == nil {
		return fmt.Errorf("no TLS configuration available")
	}

	logger.Info("upgrading connection to TLS")

	if err := conn.UpgradeToTLS(tlsConfig); err != nil {
		return fmt.Errorf("TLS handshake failed: %w", err)
	}

	sess.SetTLSActive()
	return nil
}

// sendResponse writes a response to the client. Returns false when the
// connection is no longer usable.
func sendResponse(conn *server.Connection, resp Response) bool {
	if _, err := conn.Writer().WriteString(resp.String()); err != nil {
		return false
	}
	return conn.Flush() == nil
}
