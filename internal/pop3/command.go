package pop3

import (
	"context"
	"errors"
	"log/slog"
	"strings"
)

// ConnectionLogger gives commands access to the connection-scoped logger.
type ConnectionLogger interface {
	Logger() *slog.Logger
}

// Command is one POP3 verb. Implementations are stateless; everything a
// command needs lives on the Session or arrives through its dependencies
// at registration.
type Command interface {
	// Name returns the verb, e.g. "USER", "RETR", "QUIT".
	Name() string

	// Execute runs the command. The returned Response carries the bare
	// message; the +OK/-ERR prefix is added during serialization.
	Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error)
}

// Response is a POP3 reply before serialization.
type Response struct {
	// OK selects the +OK or -ERR status.
	OK bool

	// Message is the status line text, without the prefix.
	Message string

	// Lines is the multi-line payload (CAPA, LIST, RETR and friends).
	// When present it follows the status line, dot-stuffed and terminated
	// by a lone ".".
	Lines []string

	// Continuation marks a SASL challenge reply, serialized as
	// "+ <Challenge>" instead of a status line.
	Continuation bool

	// Challenge is the base64 SASL challenge; only read when
	// Continuation is set.
	Challenge string
}

// String serializes the response for the wire, CRLF line endings and
// RFC 1939 byte-stuffing included.
func (r Response) String() string {
	if r.Continuation {
		return "+ " + r.Challenge + "\r\n"
	}

	status := "-ERR"
	if r.OK {
		status = "+OK"
	}

	var sb strings.Builder
	sb.WriteString(status)
	if r.Message != "" {
		sb.WriteByte(' ')
		sb.WriteString(r.Message)
	}
	sb.WriteString("\r\n")

	if len(r.Lines) > 0 {
		for _, line := range r.Lines {
			if strings.HasPrefix(line, ".") {
				sb.WriteByte('.')
			}
			sb.WriteString(line)
			sb.WriteString("\r\n")
		}
		sb.WriteString(".\r\n")
	}

	return sb.String()
}

// commandRegistry maps uppercase verbs to their implementations.
var commandRegistry = make(map[string]Command)

// RegisterCommand adds a command to the registry, replacing any earlier
// registration of the same verb.
func RegisterCommand(cmd Command) {
	commandRegistry[strings.ToUpper(cmd.Name())] = cmd
}

// GetCommand looks up a command by verb, case-insensitively.
func GetCommand(name string) (Command, bool) {
	cmd, ok := commandRegistry[strings.ToUpper(name)]
	return cmd, ok
}

// ParseCommand splits a client line into an uppercase verb and its
// arguments. Surrounding whitespace is insignificant.
func ParseCommand(line string) (string, []string, error) {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return "", nil, errors.New("empty command")
	}

	args := fields[1:]
	if len(args) == 0 {
		args = nil
	}
	return strings.ToUpper(fields[0]), args, nil
}
