// Package netcheck tracks whether the Graph endpoint is reachable. A
// background watcher probes on a fixed interval and publishes state
// transitions so the queue flusher can wake the moment connectivity
// returns instead of polling.
package netcheck

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/infodancer/m365gw/internal/metrics"
)

// DefaultInterval is the probe cadence.
const DefaultInterval = 60 * time.Second

// Prober checks endpoint reachability. A nil return means reachable; the
// probe must treat any HTTP response, including auth rejections, as
// reachable and fail only on transport-level errors.
type Prober interface {
	Probe(ctx context.Context) error
}

// Event is one reachability transition.
type Event struct {
	Reachable bool
	At        time.Time
}

// Watcher probes the Graph endpoint periodically and tracks the current
// reachability state.
type Watcher struct {
	prober    Prober
	interval  time.Duration
	collector metrics.Collector
	logger    *slog.Logger

	mu        sync.Mutex
	reachable bool
	since     time.Time
	started   bool
	subs      []chan Event
}

// Config holds configuration for creating a Watcher.
type Config struct {
	Prober Prober
	// Interval overrides the probe cadence; used in tests.
	Interval  time.Duration
	Collector metrics.Collector
	Logger    *slog.Logger
}

// NewWatcher creates a Watcher. The initial state is unreachable until the
// first probe completes; Run probes immediately on start.
func NewWatcher(cfg Config) *Watcher {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultInterval
	}
	if cfg.Collector == nil {
		cfg.Collector = &metrics.NoopCollector{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Watcher{
		prober:    cfg.Prober,
		interval:  cfg.Interval,
		collector: cfg.Collector,
		logger:    cfg.Logger,
		since:     time.Now(),
	}
}

// Reachable reports the current reachability state.
func (w *Watcher) Reachable() bool {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.reachable
}

// Since returns the time of the last state transition.
func (w *Watcher) Since() time.Time {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.since
}

// Subscribe returns a channel receiving reachability transitions. The
// channel is buffered; a subscriber that falls behind loses intermediate
// transitions but always observes the edge it is waiting for, because a
// new edge is only dropped when the previous one is still undelivered.
func (w *Watcher) Subscribe() <-chan Event {
	ch := make(chan Event, 1)
	w.mu.Lock()
	w.subs = append(w.subs, ch)
	w.mu.Unlock()
	return ch
}

// Run probes until ctx is cancelled. The first probe fires immediately so
// startup does not wait a full interval to learn the endpoint state.
func (w *Watcher) Run(ctx context.Context) error {
	w.check(ctx)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.check(ctx)
		}
	}
}

// check runs one probe and records any state transition.
func (w *Watcher) check(ctx context.Context) {
	err := w.prober.Probe(ctx)
	if ctx.Err() != nil {
		return
	}
	reachable := err == nil

	w.mu.Lock()
	changed := reachable != w.reachable || !w.started
	w.started = true
	if changed {
		w.reachable = reachable
		w.since = time.Now()
	}
	subs := w.subs
	w.mu.Unlock()

	w.collector.Reachability(reachable)
	if !changed {
		return
	}

	if reachable {
		w.logger.Info("graph endpoint reachable")
	} else {
		w.logger.Warn("graph endpoint unreachable", "error", err)
	}
	ev := Event{Reachable: reachable, At: time.Now()}
	for _, ch := range subs {
		select {
		case ch <- ev:
		default:
			// Subscriber still holds the previous edge; it will re-check
			// Reachable() when it drains.
		}
	}
}
