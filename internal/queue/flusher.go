package queue

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/infodancer/m365gw/internal/graph"
	"github.com/infodancer/m365gw/internal/netcheck"
)

// maxBackoff caps the retry delay after a retryable delivery failure.
const maxBackoff = 15 * time.Minute

// restartBackoff caps the delay before restarting a failed flush pass.
const restartBackoff = 60 * time.Second

// Sender submits one message to the upstream service. *graph.Client
// satisfies it.
type Sender interface {
	SendMail(ctx context.Context, from string, rcpts []string, raw []byte) error
}

// Reachability is the slice of the netcheck watcher the flusher needs.
type Reachability interface {
	Reachable() bool
	Subscribe() <-chan netcheck.Event
}

// Flusher drains the queue while the Graph endpoint is reachable. One
// entry is in flight at a time, in strict enqueue order.
type Flusher struct {
	queue  *Queue
	sender Sender
	net    Reachability
}

// NewFlusher creates a Flusher over q.
func NewFlusher(q *Queue, sender Sender, net Reachability) *Flusher {
	return &Flusher{queue: q, sender: sender, net: net}
}

// Run drains the queue until ctx is cancelled. It sleeps while the
// endpoint is unreachable and wakes on the reachability edge. A pass that
// fails on queue-directory errors restarts with backoff rather than
// killing the gateway.
func (f *Flusher) Run(ctx context.Context) error {
	events := f.net.Subscribe()
	restartDelay := time.Second

	for {
		if !f.net.Reachable() {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-events:
			}
			continue
		}

		err := f.flushPass(ctx)
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			f.queue.logger.Error("queue flush pass failed", "error", err,
				"restart_in", restartDelay)
			if !sleepCtx(ctx, restartDelay) {
				return ctx.Err()
			}
			restartDelay = min(restartDelay*2, restartBackoff)
			continue
		}
		restartDelay = time.Second

		// Queue drained (or endpoint went away). Wait for new work or a
		// reachability edge; enqueues while reachable are picked up on
		// the next tick.
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-events:
		case <-time.After(5 * time.Second):
		}
	}
}

// flushPass walks the pending entries once, oldest first, stopping early
// when the endpoint drops or a retryable failure imposes backoff.
func (f *Flusher) flushPass(ctx context.Context) error {
	names, err := f.queue.pending()
	if err != nil {
		return err
	}

	for _, name := range names {
		if ctx.Err() != nil || !f.net.Reachable() {
			return nil
		}
		backoff, err := f.deliver(ctx, name)
		if err != nil {
			return err
		}
		if backoff > 0 {
			if !sleepCtx(ctx, backoff) {
				return nil
			}
			return nil // restart the pass from the head
		}
	}
	return nil
}

// deliver submits one entry. The returned duration is non-zero when a
// retryable failure calls for backoff before the next attempt.
func (f *Flusher) deliver(ctx context.Context, path string) (time.Duration, error) {
	inflight := strings.TrimSuffix(path, pendingSuffix) + sendingSuffix
	if err := os.Rename(path, inflight); err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("marking %s in-flight: %w", filepath.Base(path), err)
	}

	data, err := os.ReadFile(inflight)
	if err != nil {
		return 0, fmt.Errorf("reading %s: %w", filepath.Base(inflight), err)
	}
	entry, err := decodeEntry(data)
	if err != nil {
		// Unparseable entries cannot be retried; park them for the
		// operator.
		f.queue.logger.Error("corrupt queue entry", "entry", filepath.Base(path), "error", err)
		return 0, f.moveToFailed(inflight, "corrupt entry: "+err.Error(), nil)
	}

	if f.queue.alreadySent(entry.Fingerprint) {
		f.queue.logger.Info("skipping already-delivered entry",
			"entry", filepath.Base(path), "fingerprint", entry.Fingerprint[:12])
		if err := os.Remove(inflight); err != nil {
			return 0, fmt.Errorf("removing duplicate %s: %w", filepath.Base(inflight), err)
		}
		f.queue.collector.QueueFlush("duplicate")
		f.queue.reportDepth()
		return 0, nil
	}

	sendErr := f.sender.SendMail(ctx, entry.Sender, entry.Recipients, entry.Raw)
	if sendErr == nil {
		f.queue.markSent(entry.Fingerprint)
		if err := os.Remove(inflight); err != nil {
			return 0, fmt.Errorf("removing sent %s: %w", filepath.Base(inflight), err)
		}
		f.queue.logger.Info("queued message delivered",
			"entry", filepath.Base(path), "sender", entry.Sender, "attempts", entry.Attempts+1)
		f.queue.collector.QueueFlush("ok")
		f.queue.reportDepth()
		return 0, nil
	}

	if graph.IsPermanent(sendErr) {
		f.queue.logger.Warn("queued message rejected permanently",
			"entry", filepath.Base(path), "error", sendErr)
		f.queue.collector.QueueFlush("permanent")
		return 0, f.moveToFailed(inflight, sendErr.Error(), entry)
	}

	// Retryable (or auth) failure: put the entry back with the attempt
	// recorded and back off exponentially.
	entry.Attempts++
	entry.LastError = sendErr.Error()
	if reencoded, err := entry.encode(); err == nil {
		_ = os.WriteFile(inflight, reencoded, 0600)
	}
	if err := os.Rename(inflight, path); err != nil {
		return 0, fmt.Errorf("restoring %s: %w", filepath.Base(path), err)
	}
	f.queue.collector.QueueFlush("retry")

	backoff := time.Duration(1<<uint(min(entry.Attempts, 20))) * time.Second / 2
	backoff = min(backoff, maxBackoff)
	f.queue.logger.Warn("queued message delivery failed",
		"entry", filepath.Base(path), "error", sendErr,
		"attempts", entry.Attempts, "backoff", backoff)
	return backoff, nil
}

// moveToFailed parks an entry under failed/ with the error recorded.
func (f *Flusher) moveToFailed(inflight, cause string, entry *Entry) error {
	base := strings.TrimSuffix(filepath.Base(inflight), sendingSuffix) + pendingSuffix
	dest := filepath.Join(f.queue.dir, failedDir, base)

	if entry != nil {
		entry.LastError = cause
		if data, err := entry.encode(); err == nil {
			_ = os.WriteFile(inflight, data, 0600)
		}
	}
	if err := os.Rename(inflight, dest); err != nil {
		return fmt.Errorf("parking %s: %w", base, err)
	}
	f.queue.reportDepth()
	return nil
}

// sleepCtx sleeps for d, returning false when ctx was cancelled first.
func sleepCtx(ctx context.Context, d time.Duration) bool {
	select {
	case <-ctx.Done():
		return false
	case <-time.After(d):
		return true
	}
}
