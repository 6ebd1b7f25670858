package pop3

import "errors"

// Protocol errors for the POP3 engine.
var (
	// ErrInvalidState is returned when a command is not valid in the current state.
	ErrInvalidState = errors.New("command not valid in current state")

	// ErrTLSRequired is returned when authentication is attempted without TLS.
	ErrTLSRequired = errors.New("TLS required for authentication")

	// ErrNoSuchMessage is returned when a message number doesn't exist.
	ErrNoSuchMessage = errors.New("no such message")

	// ErrMessageDeleted is returned when accessing a message marked for deletion.
	ErrMessageDeleted = errors.New("message already deleted")

	// ErrMaildropNotInitialized is returned when the message list is accessed
	// before authentication completed.
	ErrMaildropNotInitialized = errors.New("maildrop not initialized")
)
