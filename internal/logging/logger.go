// Package logging provides centralized logging for the mail gateway.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"sync/atomic"
)

// contextKey is used for storing loggers in context.
type contextKey struct{}

var loggerKey = contextKey{}

// connectionCounter is used to generate unique connection IDs.
var connectionCounter atomic.Uint64

// parseLevel maps a config level string to a slog.Level, defaulting to info.
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// NewLogger creates a new slog.Logger writing to stderr at the specified level.
func NewLogger(level string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}
	handler := slog.NewTextHandler(os.Stderr, opts)
	return slog.New(handler)
}

// NewFileLogger creates a logger that writes to both stderr and the given
// log file. The returned closer owns the file handle. An empty path means
// stderr only. If the file cannot be opened the logger falls back to
// stderr only and the error is returned so the caller can report it.
func NewFileLogger(level, path string) (*slog.Logger, io.Closer, error) {
	if path == "" {
		return NewLogger(level), nopCloser{}, nil
	}

	opts := &slog.HandlerOptions{
		Level: parseLevel(level),
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0640)
	if err != nil {
		handler := slog.NewTextHandler(os.Stderr, opts)
		return slog.New(handler), nil, fmt.Errorf("opening log file: %w", err)
	}

	handler := slog.NewTextHandler(io.MultiWriter(os.Stderr, f), opts)
	return slog.New(handler), f, nil
}

type nopCloser struct{}

func (nopCloser) Close() error { return nil }

// WithConnection returns a new logger with connection-specific attributes.
// It generates a unique connection ID for log correlation.
func WithConnection(logger *slog.Logger, remoteAddr string) *slog.Logger {
	connID := connectionCounter.Add(1)
	return logger.With(
		slog.Uint64("conn_id", connID),
		slog.String("remote_addr", remoteAddr),
	)
}

// WithListener returns a new logger with listener-specific attributes.
func WithListener(logger *slog.Logger, address string, mode string) *slog.Logger {
	return logger.With(
		slog.String("listener", address),
		slog.String("mode", mode),
	)
}

// WithMailbox returns a new logger scoped to an authenticated mailbox.
func WithMailbox(logger *slog.Logger, username string) *slog.Logger {
	return logger.With(slog.String("mailbox", username))
}

// FromContext retrieves the logger from the context.
// Returns the default logger if none is found.
func FromContext(ctx context.Context) *slog.Logger {
	if logger, ok := ctx.Value(loggerKey).(*slog.Logger); ok {
		return logger
	}
	return slog.Default()
}

// NewContext returns a new context with the logger attached.
func NewContext(ctx context.Context, logger *slog.Logger) context.Context {
	return context.WithValue(ctx, loggerKey, logger)
}

// TransactionWriter wraps an io.Writer to log all data written.
// Used for debugging full protocol transactions.
type TransactionWriter struct {
	w      io.Writer
	logger *slog.Logger
	prefix string
}

// NewTransactionWriter creates a writer that logs all data.
func NewTransactionWriter(w io.Writer, logger *slog.Logger, prefix string) *TransactionWriter {
	return &TransactionWriter{
		w:      w,
		logger: logger,
		prefix: prefix,
	}
}

// Write writes data and logs it.
func (tw *TransactionWriter) Write(p []byte) (n int, err error) {
	n, err = tw.w.Write(p)
	if n > 0 {
		tw.logger.Debug("transaction",
			slog.String("direction", tw.prefix),
			slog.String("data", string(p[:n])),
		)
	}
	return n, err
}

// TransactionReader wraps an io.Reader to log all data read.
type TransactionReader struct {
	r      io.Reader
	logger *slog.Logger
	prefix string
}

// NewTransactionReader creates a reader that logs all data.
func NewTransactionReader(r io.Reader, logger *slog.Logger, prefix string) *TransactionReader {
	return &TransactionReader{
		r:      r,
		logger: logger,
		prefix: prefix,
	}
}

// Read reads data and logs it.
func (tr *TransactionReader) Read(p []byte) (n int, err error) {
	n, err = tr.r.Read(p)
	if n > 0 {
		tr.logger.Debug("transaction",
			slog.String("direction", tr.prefix),
			slog.String("data", string(p[:n])),
		)
	}
	return n, err
}
