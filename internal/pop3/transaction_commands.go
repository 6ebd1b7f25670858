package pop3

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
)

// statCommand implements the STAT command (RFC 1939).
type statCommand struct{}

func (s *statCommand) Name() string {
	return "STAT"
}

func (s *statCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) > 0 {
		return Response{OK: false, Message: "STAT command takes no arguments"}, nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %d", sess.MessageCount(), sess.TotalSize())}, nil
}

// listCommand implements the LIST command (RFC 1939).
// Without arguments, lists all messages. With argument, lists one message.
type listCommand struct{}

func (l *listCommand) Name() string {
	return "LIST"
}

func (l *listCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) == 0 {
		messages := sess.AllMessages()
		lines := make([]string, len(messages))
		for i, m := range messages {
			lines[i] = fmt.Sprintf("%d %d", m.MsgNum, m.Info.Size)
		}
		return Response{
			OK:      true,
			Message: fmt.Sprintf("%d messages (%d octets)", sess.MessageCount(), sess.TotalSize()),
			Lines:   lines,
		}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "LIST command takes at most one argument"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		return messageLookupError(err), nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %d", msgNum, msg.Size)}, nil
}

// uidlCommand implements the UIDL command (RFC 1939 extension). The UIDL
// is the Graph message id, which is stable across sessions.
type uidlCommand struct{}

func (u *uidlCommand) Name() string {
	return "UIDL"
}

func (u *uidlCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) == 0 {
		messages := sess.AllMessages()
		lines := make([]string, len(messages))
		for i, m := range messages {
			lines[i] = fmt.Sprintf("%d %s", m.MsgNum, m.Info.ID)
		}
		return Response{OK: true, Message: "", Lines: lines}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "UIDL command takes at most one argument"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	msg, err := sess.GetMessage(msgNum)
	if err != nil {
		return messageLookupError(err), nil
	}

	return Response{OK: true, Message: fmt.Sprintf("%d %s", msgNum, msg.ID)}, nil
}

// retrCommand implements the RETR command (RFC 1939). The raw MIME is
// fetched from the upstream mailbox and cached for the session.
type retrCommand struct{}

func (r *retrCommand) Name() string {
	return "RETR"
}

func (r *retrCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "RETR command requires message number"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	raw, err := sess.FetchMessage(ctx, msgNum)
	if err != nil {
		if errors.Is(err, ErrNoSuchMessage) || errors.Is(err, ErrMessageDeleted) {
			return messageLookupError(err), nil
		}
		conn.Logger().Error("failed to fetch message",
			"msgNum", msgNum,
			"error", err.Error(),
		)
		return Response{OK: false, Message: "[SYS/TEMP] Failed to retrieve message"}, nil
	}

	return Response{
		OK:      true,
		Message: fmt.Sprintf("%d octets", len(raw)),
		Lines:   splitMessageLines(string(raw)),
	}, nil
}

// topCommand implements the TOP command (RFC 1939, required by RFC 2449
// capability). Returns headers plus n body lines from the cached fetch.
type topCommand struct{}

func (t *topCommand) Name() string {
	return "TOP"
}

func (t *topCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) != 2 {
		return Response{OK: false, Message: "TOP command requires message number and line count"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	lineCount, err := strconv.Atoi(args[1])
	if err != nil || lineCount < 0 {
		return Response{OK: false, Message: "Invalid line count"}, nil
	}

	raw, err := sess.FetchMessage(ctx, msgNum)
	if err != nil {
		if errors.Is(err, ErrNoSuchMessage) || errors.Is(err, ErrMessageDeleted) {
			return messageLookupError(err), nil
		}
		conn.Logger().Error("failed to fetch message",
			"msgNum", msgNum,
			"error", err.Error(),
		)
		return Response{OK: false, Message: "[SYS/TEMP] Failed to retrieve message"}, nil
	}

	lines, err := extractTopLines(raw, lineCount)
	if err != nil {
		conn.Logger().Error("failed to parse message",
			"msgNum", msgNum,
			"error", err.Error(),
		)
		return Response{OK: false, Message: "Failed to read message"}, nil
	}

	return Response{OK: true, Message: "", Lines: lines}, nil
}

// deleCommand implements the DELE command (RFC 1939). The mark is
// session-local; nothing is touched upstream until QUIT.
type deleCommand struct{}

func (d *deleCommand) Name() string {
	return "DELE"
}

func (d *deleCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) != 1 {
		return Response{OK: false, Message: "DELE command requires message number"}, nil
	}

	msgNum, err := strconv.Atoi(args[0])
	if err != nil {
		return Response{OK: false, Message: "Invalid message number"}, nil
	}

	if err := sess.MarkDeleted(msgNum); err != nil {
		return messageLookupError(err), nil
	}

	return Response{OK: true, Message: fmt.Sprintf("message %d deleted", msgNum)}, nil
}

// rsetCommand implements the RSET command (RFC 1939).
type rsetCommand struct{}

func (r *rsetCommand) Name() string {
	return "RSET"
}

func (r *rsetCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if sess.State() != StateTransaction {
		return Response{OK: false, Message: "Command not valid in this state"}, nil
	}

	if len(args) > 0 {
		return Response{OK: false, Message: "RSET command takes no arguments"}, nil
	}

	sess.ResetDeletions()

	return Response{OK: true, Message: fmt.Sprintf("maildrop has %d messages", sess.MessageCount())}, nil
}

// noopCommand implements the NOOP command (RFC 1939).
type noopCommand struct{}

func (n *noopCommand) Name() string {
	return "NOOP"
}

func (n *noopCommand) Execute(ctx context.Context, sess *Session, conn ConnectionLogger, args []string) (Response, error) {
	if len(args) > 0 {
		return Response{OK: false, Message: "NOOP command takes no arguments"}, nil
	}

	return Response{OK: true, Message: ""}, nil
}

// messageLookupError maps session lookup errors to client responses.
func messageLookupError(err error) Response {
	switch {
	case errors.Is(err, ErrMessageDeleted):
		return Response{OK: false, Message: "Message already deleted"}
	case errors.Is(err, ErrNoSuchMessage):
		return Response{OK: false, Message: "No such message"}
	default:
		return Response{OK: false, Message: "Failed to retrieve message"}
	}
}

// splitMessageLines splits message content into lines for a multi-line
// response. Handles both LF and CRLF line endings.
func splitMessageLines(content string) []string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	content = strings.ReplaceAll(content, "\r", "\n")

	rawLines := strings.Split(content, "\n")

	// Drop the trailing empty element from a trailing newline
	if len(rawLines) > 0 && rawLines[len(rawLines)-1] == "" {
		rawLines = rawLines[:len(rawLines)-1]
	}

	return rawLines
}

// extractTopLines extracts headers and n lines of body from a message.
func extractTopLines(raw []byte, bodyLines int) ([]string, error) {
	scanner := bufio.NewScanner(bytes.NewReader(raw))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	var lines []string
	inBody := false
	bodyCount := 0

	for scanner.Scan() {
		line := scanner.Text()

		if !inBody {
			lines = append(lines, line)
			if line == "" {
				// Blank line ends the headers
				inBody = true
			}
		} else {
			if bodyCount >= bodyLines {
				break
			}
			lines = append(lines, line)
			bodyCount++
		}
	}

	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}

// RegisterTransactionCommands registers all transaction-related commands.
func RegisterTransactionCommands() {
	RegisterCommand(&statCommand{})
	RegisterCommand(&listCommand{})
	RegisterCommand(&uidlCommand{})
	RegisterCommand(&retrCommand{})
	RegisterCommand(&topCommand{})
	RegisterCommand(&deleCommand{})
	RegisterCommand(&rsetCommand{})
	RegisterCommand(&noopCommand{})
}
