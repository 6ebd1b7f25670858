// Package queue is the durable store for outbound mail the gateway could
// not deliver inline. Entries are single files in a spool directory; a
// background flusher drains them in enqueue order once the Graph endpoint
// is reachable again. A fingerprint set over recently delivered messages
// keeps a crash between "Graph accepted" and "file removed" from turning
// into a duplicate send.
package queue

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/infodancer/m365gw/internal/metrics"
)

const (
	pendingSuffix = ".msg"
	sendingSuffix = ".sending"
	failedDir     = "failed"
)

// Queue is the on-disk spool. Enqueue may be called from any session
// goroutine; everything else belongs to the flusher.
type Queue struct {
	dir       string
	collector metrics.Collector
	logger    *slog.Logger

	mu     sync.Mutex
	recent *recentLog
}

// Options holds configuration for opening a Queue.
type Options struct {
	Collector metrics.Collector
	Logger    *slog.Logger
}

// Open prepares the spool directory: creates it and the failed/
// subdirectory, resets in-flight entries left by a crash back to pending,
// and rehydrates the recent-sent fingerprint log.
func Open(dir string, opts Options) (*Queue, error) {
	if opts.Collector == nil {
		opts.Collector = &metrics.NoopCollector{}
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	if err := os.MkdirAll(filepath.Join(dir, failedDir), 0700); err != nil {
		return nil, fmt.Errorf("creating queue directory: %w", err)
	}

	q := &Queue{dir: dir, collector: opts.Collector, logger: opts.Logger}

	recovered, err := q.recoverInFlight()
	if err != nil {
		return nil, err
	}
	if recovered > 0 {
		q.logger.Info("recovered in-flight queue entries", "count", recovered)
	}

	q.recent, err = loadRecentLog(filepath.Join(dir, "recent.log"))
	if err != nil {
		// A damaged log costs at most one duplicate per entry; delivery
		// matters more than the dedup window.
		q.logger.Warn("recent-sent log unreadable, starting cold", "error", err)
		q.recent = newRecentLog(filepath.Join(dir, "recent.log"))
	}

	q.reportDepth()
	return q, nil
}

// recoverInFlight renames .sending files back to .msg.
func (q *Queue) recoverInFlight() (int, error) {
	names, err := filepath.Glob(filepath.Join(q.dir, "*"+sendingSuffix))
	if err != nil {
		return 0, fmt.Errorf("scanning queue directory: %w", err)
	}
	for _, name := range names {
		restored := strings.TrimSuffix(name, sendingSuffix) + pendingSuffix
		if err := os.Rename(name, restored); err != nil {
			return 0, fmt.Errorf("restoring %s: %w", filepath.Base(name), err)
		}
	}
	return len(names), nil
}

// Enqueue durably appends one message to the spool. The file lands under
// a timestamped name so lexicographic order is enqueue order; write goes
// to a temp file first and renames into place so a crash never leaves a
// half-written pending entry.
func (q *Queue) Enqueue(sender string, rcpts []string, raw []byte) error {
	e := &Entry{
		header: header{
			Sender:      sender,
			Recipients:  append([]string(nil), rcpts...),
			EnqueuedAt:  time.Now().UTC(),
			Fingerprint: Fingerprint(sender, rcpts, raw),
		},
		Raw: raw,
	}
	data, err := e.encode()
	if err != nil {
		return err
	}

	name := fmt.Sprintf("%d-%s", time.Now().UnixNano(), uuid.NewString())
	tmp := filepath.Join(q.dir, name+".tmp")
	final := filepath.Join(q.dir, name+pendingSuffix)

	if err := writeFileSync(tmp, data); err != nil {
		return fmt.Errorf("writing queue entry: %w", err)
	}
	if err := os.Rename(tmp, final); err != nil {
		_ = os.Remove(tmp)
		return fmt.Errorf("committing queue entry: %w", err)
	}

	q.logger.Info("message queued", "sender", sender, "recipients", len(rcpts),
		"size", len(raw), "entry", name+pendingSuffix)
	q.reportDepth()
	return nil
}

// Depth counts pending entries.
func (q *Queue) Depth() int {
	names, err := q.pending()
	if err != nil {
		return 0
	}
	return len(names)
}

// pending lists pending entry paths in lexicographic (enqueue) order.
func (q *Queue) pending() ([]string, error) {
	names, err := filepath.Glob(filepath.Join(q.dir, "*"+pendingSuffix))
	if err != nil {
		return nil, fmt.Errorf("scanning queue directory: %w", err)
	}
	sort.Strings(names)
	return names, nil
}

// markSent records a delivered fingerprint in the recent-sent window.
func (q *Queue) markSent(fingerprint string) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if err := q.recent.add(fingerprint); err != nil {
		q.logger.Warn("persisting recent-sent log", "error", err)
	}
}

// alreadySent reports whether a fingerprint was delivered recently.
func (q *Queue) alreadySent(fingerprint string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.recent.contains(fingerprint)
}

func (q *Queue) reportDepth() {
	q.collector.QueueDepth(q.Depth())
}

// writeFileSync writes data with 0600 and fsyncs before closing, so the
// following rename publishes fully durable content.
func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0600)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}
