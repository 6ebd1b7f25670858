package queue

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
	"time"
)

// header is the metadata block stored ahead of the raw MIME in a queue
// file. It stays small so a human can read it with head(1).
type header struct {
	Sender      string    `json:"sender"`
	Recipients  []string  `json:"recipients"`
	Attempts    int       `json:"attempts"`
	LastError   string    `json:"last_error,omitempty"`
	EnqueuedAt  time.Time `json:"enqueued_at"`
	Fingerprint string    `json:"fingerprint"`
}

// Entry is one queued outbound message.
type Entry struct {
	header
	Raw []byte
}

// Fingerprint content-addresses a message by envelope sender, sorted
// recipients, and raw MIME. Recipient order does not matter: the same
// message relayed twice with reordered RCPTs is still the same message.
func Fingerprint(sender string, rcpts []string, raw []byte) string {
	sorted := make([]string, len(rcpts))
	copy(sorted, rcpts)
	sort.Strings(sorted)

	h := sha256.New()
	h.Write([]byte(sender))
	h.Write([]byte{0})
	for _, r := range sorted {
		h.Write([]byte(r))
		h.Write([]byte{0})
	}
	h.Write(raw)
	return hex.EncodeToString(h.Sum(nil))
}

// encode serializes an entry: one JSON header line, a blank line, then the
// raw MIME bytes.
func (e *Entry) encode() ([]byte, error) {
	hdr, err := json.Marshal(e.header)
	if err != nil {
		return nil, fmt.Errorf("encoding queue header: %w", err)
	}
	buf := make([]byte, 0, len(hdr)+2+len(e.Raw))
	buf = append(buf, hdr...)
	buf = append(buf, '\n', '\n')
	buf = append(buf, e.Raw...)
	return buf, nil
}

// decodeEntry parses a queue file back into an Entry.
func decodeEntry(data []byte) (*Entry, error) {
	sep := bytes.Index(data, []byte("\n\n"))
	if sep < 0 {
		return nil, fmt.Errorf("queue entry missing header separator")
	}
	var e Entry
	if err := json.Unmarshal(data[:sep], &e.header); err != nil {
		return nil, fmt.Errorf("decoding queue header: %w", err)
	}
	e.Raw = data[sep+2:]
	return &e, nil
}
