package audit

import (
	"context"
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// evictedStatus marks a tombstone line. The file is append-only, so an
// eviction is recorded as one more entry; Replay drops every event for a
// tombstoned command.
const evictedStatus = "_evicted"

// chainedEntry is the on-disk form: an Event plus the hash-chain value.
// SHA256(prevHash + json_without_hash) makes after-the-fact tampering with
// earlier lines detectable.
type chainedEntry struct {
	Event
	EntryHash string `json:"entry_hash"`
}

// FileSink writes append-only, hash-chained audit events to a JSON-lines
// file. It is the durable log for the memory store backend; the histogram
// is not persisted here; Replay rebuilds it in the projection.
type FileSink struct {
	mu       sync.Mutex
	path     string
	file     *os.File
	prevHash string
}

// NewFileSink opens (or creates) the audit log file at path. The directory
// is created with 0700, the file with 0600. Existing entries are scanned to
// recover the last hash for chain continuity.
func NewFileSink(path string) (*FileSink, error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return nil, fmt.Errorf("audit: create dir %s: %w", dir, err)
	}

	prevHash := ""
	if data, err := os.ReadFile(path); err == nil && len(data) > 0 {
		lines := splitLines(data)
		for i := len(lines) - 1; i >= 0; i-- {
			if len(lines[i]) == 0 {
				continue
			}
			var entry chainedEntry
			if json.Unmarshal(lines[i], &entry) == nil {
				prevHash = entry.EntryHash
			}
			break
		}
	}

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY|os.O_CREATE, 0600)
	if err != nil {
		return nil, fmt.Errorf("audit: open %s: %w", path, err)
	}
	return &FileSink{path: path, file: f, prevHash: prevHash}, nil
}

// Append writes one event. The prev/next statuses are ignored: counting is
// the projection's job for this backend.
func (s *FileSink) Append(ctx context.Context, ev Event, prevStatus, newStatus string) error {
	return s.write(ev)
}

// Remove appends a tombstone for commandID.
func (s *FileSink) Remove(ctx context.Context, commandID, lastStatus string) error {
	return s.write(Event{
		CommandID: commandID,
		Timestamp: time.Now().UTC(),
		Status:    evictedStatus,
	})
}

// Replay streams every retained event in write order, skipping events for
// commands that were later tombstoned. Malformed lines are skipped rather
// than aborting the whole rehydration.
func (s *FileSink) Replay(ctx context.Context, fn func(Event) error) error {
	s.mu.Lock()
	data, err := os.ReadFile(s.path)
	s.mu.Unlock()
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("audit: read %s: %w", s.path, err)
	}

	lines := splitLines(data)
	entries := make([]Event, 0, len(lines))
	evicted := make(map[string]bool)
	for _, line := range lines {
		if len(line) == 0 {
			continue
		}
		var entry chainedEntry
		if err := json.Unmarshal(line, &entry); err != nil {
			continue
		}
		if entry.Status == evictedStatus {
			evicted[entry.CommandID] = true
			continue
		}
		entries = append(entries, entry.Event)
	}
	for _, ev := range entries {
		if evicted[ev.CommandID] {
			continue
		}
		if err := fn(ev); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.file.Close()
}

func (s *FileSink) write(ev Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}

	raw, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("audit: marshal: %w", err)
	}
	h := sha256.Sum256(append([]byte(s.prevHash), raw...))
	entry := chainedEntry{Event: ev, EntryHash: fmt.Sprintf("%x", h)}
	s.prevHash = entry.EntryHash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	line = append(line, '\n')
	if _, err := s.file.Write(line); err != nil {
		return fmt.Errorf("audit: write: %w", err)
	}
	return nil
}

// splitLines splits data into JSON-lines (byte slices).
func splitLines(data []byte) [][]byte {
	var lines [][]byte
	start := 0
	for i, b := range data {
		if b == '\n' {
			lines = append(lines, data[start:i])
			start = i + 1
		}
	}
	if start < len(data) {
		lines = append(lines, data[start:])
	}
	return lines
}
