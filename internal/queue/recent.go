package queue

import (
	"bufio"
	"fmt"
	"os"
	"strings"
)

// recentWindow bounds the recent-sent fingerprint set.
const recentWindow = 1024

// recentLog is the persisted window of recently delivered fingerprints,
// one hex fingerprint per line, oldest first. It is rewritten atomically
// on every addition; at 1024 entries of 64 bytes that is cheap relative
// to the Graph call that precedes it.
type recentLog struct {
	path  string
	order []string
	set   map[string]struct{}
}

func newRecentLog(path string) *recentLog {
	return &recentLog{path: path, set: make(map[string]struct{})}
}

// loadRecentLog rehydrates the window from disk. A missing file is an
// empty window, not an error.
func loadRecentLog(path string) (*recentLog, error) {
	l := newRecentLog(path)

	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return l, nil
	}
	if err != nil {
		return nil, fmt.Errorf("opening recent-sent log: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		fp := strings.TrimSpace(scanner.Text())
		if fp == "" {
			continue
		}
		l.append(fp)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("reading recent-sent log: %w", err)
	}
	return l, nil
}

func (l *recentLog) contains(fp string) bool {
	_, ok := l.set[fp]
	return ok
}

// add appends a fingerprint, evicting the oldest past the window, and
// rewrites the log file.
func (l *recentLog) add(fp string) error {
	if l.contains(fp) {
		return nil
	}
	l.append(fp)
	return l.persist()
}

func (l *recentLog) append(fp string) {
	if l.contains(fp) {
		return
	}
	l.order = append(l.order, fp)
	l.set[fp] = struct{}{}
	for len(l.order) > recentWindow {
		delete(l.set, l.order[0])
		l.order = l.order[1:]
	}
}

func (l *recentLog) persist() error {
	var sb strings.Builder
	for _, fp := range l.order {
		sb.WriteString(fp)
		sb.WriteByte('\n')
	}
	tmp := l.path + ".tmp"
	_ = os.Remove(tmp) // leftover from a crash mid-persist
	if err := writeFileSync(tmp, []byte(sb.String())); err != nil {
		return err
	}
	return os.Rename(tmp, l.path)
}
