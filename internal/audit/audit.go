// Package audit records a tamper-evident journal of patch application.
package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/msipatch/internal/logging"
)

var log = logging.L("audit")

// Event types written to the apply journal.
const (
	EventApplyStarted       = "apply_started"
	EventTransformCommitted = "transform_committed"
	EventTransformFault     = "transform_fault"
	EventPatchInapplicable  = "patch_inapplicable"
	EventApplyCompleted     = "apply_completed"
)

// genesisHash is the prevHash of the first entry in a new journal.
const genesisHash = "genesis"

// criticalEvents are event types that require fsync after writing.
var criticalEvents = map[string]bool{
	EventTransformCommitted: true,
	EventTransformFault:     true,
	EventApplyCompleted:     true,
}

// ErrChainBroken is returned by Verify when an entry does not link to its
// predecessor or its hash does not match its contents.
var ErrChainBroken = errors.New("journal hash chain broken")

// Entry is a single journal record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Patch     string         `json:"patch,omitempty"`
	Transform string         `json:"transform,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger appends JSONL entries linked by a SHA-256 hash chain. Reopening an
// existing journal continues the chain from its last entry.
type Logger struct {
	mu       sync.Mutex
	file     *os.File
	filePath string
	prevHash string
	dropped  atomic.Int64
	now      func() time.Time
}

// NewLogger opens (or creates) the journal at path.
func NewLogger(path string) (*Logger, error) {
	if path == "" {
		return nil, errors.New("journal path is empty")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create journal dir: %w", err)
	}

	prev, err := lastHash(path)
	if err != nil {
		return nil, err
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return nil, fmt.Errorf("open journal: %w", err)
	}

	log.Debug("apply journal opened", "path", path)
	return &Logger{
		file:     f,
		filePath: path,
		prevHash: prev,
		now:      time.Now,
	}, nil
}

// Path returns the journal file path, or "" for a nil logger.
func (l *Logger) Path() string {
	if l == nil {
		return ""
	}
	return l.filePath
}

// Log writes a single entry. The chain only advances after a successful
// write, so a failed write never leaves a gap. Safe to call on a nil receiver.
func (l *Logger) Log(eventType, patch, transform string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		l.dropped.Add(1)
		return
	}

	entry := Entry{
		Timestamp: l.now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Patch:     patch,
		Transform: transform,
		Details:   details,
		PrevHash:  l.prevHash,
	}

	entryHash, err := computeHash(entry)
	if err != nil {
		log.Error("failed to compute journal entry hash", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	entry.EntryHash = entryHash

	data, err := json.Marshal(entry)
	if err != nil {
		log.Error("failed to marshal journal entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	data = append(data, '\n')

	if _, err := l.file.Write(data); err != nil {
		log.Error("failed to write journal entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}
	l.prevHash = entry.EntryHash

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync journal entry", "error", err, "eventType", eventType)
		}
	}
}

// Close closes the journal file. Safe to call on a nil receiver.
func (l *Logger) Close() error {
	if l == nil {
		return nil
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.file == nil {
		return nil
	}
	err := l.file.Close()
	l.file = nil
	return err
}

// DroppedCount returns the number of entries that failed to write, or -1 for
// a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

// ReadEntries returns every entry in the journal at path.
func ReadEntries(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	var entries []Entry
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	line := 0
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(scanner.Bytes(), &e); err != nil {
			return nil, fmt.Errorf("%s:%d: %w", path, line, err)
		}
		entries = append(entries, e)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read journal: %w", err)
	}
	return entries, nil
}

// Verify checks the hash chain of the journal at path and returns the number
// of entries checked.
func Verify(path string) (int, error) {
	entries, err := ReadEntries(path)
	if err != nil {
		return 0, err
	}

	prev := genesisHash
	for i, e := range entries {
		if e.PrevHash != prev {
			return i, fmt.Errorf("%w: entry %d links to %q, want %q", ErrChainBroken, i, e.PrevHash, prev)
		}
		want, err := computeHash(e)
		if err != nil {
			return i, err
		}
		if e.EntryHash != want {
			return i, fmt.Errorf("%w: entry %d hash mismatch", ErrChainBroken, i)
		}
		prev = e.EntryHash
	}
	return len(entries), nil
}

// computeHash produces the SHA-256 hash for an entry. Fields are
// length-prefixed so distinct field splits cannot collide. Empty details are
// hashed as absent since they are omitted from the written line.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.Patch, entry.Transform, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if len(entry.Details) > 0 {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func lastHash(path string) (string, error) {
	entries, err := ReadEntries(path)
	if errors.Is(err, os.ErrNotExist) {
		return genesisHash, nil
	}
	if err != nil {
		return "", fmt.Errorf("resume journal: %w", err)
	}
	if len(entries) == 0 {
		return genesisHash, nil
	}
	return entries[len(entries)-1].EntryHash, nil
}
