package netcheck

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

// scriptedProber returns errors from a script, repeating the final entry.
type scriptedProber struct {
	script []error
	calls  atomic.Int32
}

func (p *scriptedProber) Probe(ctx context.Context) error {
	i := int(p.calls.Add(1)) - 1
	if i >= len(p.script) {
		i = len(p.script) - 1
	}
	return p.script[i]
}

func TestWatcherInitialProbe(t *testing.T) {
	p := &scriptedProber{script: []error{nil}}
	w := NewWatcher(Config{Prober: p, Interval: time.Hour})

	if w.Reachable() {
		t.Error("Reachable() = true before first probe")
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = w.Run(ctx)
		close(done)
	}()

	waitFor(t, func() bool { return w.Reachable() })
	cancel()
	<-done

	if got := p.calls.Load(); got != 1 {
		t.Errorf("probe calls = %d, want 1 (immediate probe only)", got)
	}
}

func TestWatcherTransitions(t *testing.T) {
	down := errors.New("lookup graph.microsoft.com: no such host")
	p := &scriptedProber{script: []error{down, nil, nil, down}}
	w := NewWatcher(Config{Prober: p, Interval: 5 * time.Millisecond})

	events := w.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	ev := recvEvent(t, events)
	if ev.Reachable {
		t.Error("first transition should be unreachable")
	}

	ev = recvEvent(t, events)
	if !ev.Reachable {
		t.Error("second transition should be reachable")
	}
	if !w.Reachable() {
		t.Error("Reachable() = false after up transition")
	}

	ev = recvEvent(t, events)
	if ev.Reachable {
		t.Error("third transition should be unreachable again")
	}
	waitFor(t, func() bool { return !w.Reachable() })
}

func TestWatcherNoEventWithoutTransition(t *testing.T) {
	p := &scriptedProber{script: []error{nil}}
	w := NewWatcher(Config{Prober: p, Interval: 2 * time.Millisecond})
	events := w.Subscribe()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go func() { _ = w.Run(ctx) }()

	// First probe produces the startup transition.
	recvEvent(t, events)

	// Subsequent identical probes must stay quiet.
	waitFor(t, func() bool { return p.calls.Load() >= 4 })
	select {
	case ev := <-events:
		t.Errorf("unexpected event %+v for unchanged state", ev)
	default:
	}
}

func recvEvent(t *testing.T, ch <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-ch:
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("timed out waiting for reachability event")
		return Event{}
	}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}
