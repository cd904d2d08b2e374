package audit

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilLoggerLogDoesNotPanic(t *testing.T) {
	var l *Logger
	l.Log(EventApplyStarted, "a.msp", "", map[string]any{"key": "value"})
}

func TestNilLoggerCloseDoesNotPanic(t *testing.T) {
	var l *Logger
	if err := l.Close(); err != nil {
		t.Fatalf("nil Close() returned error: %v", err)
	}
}

func TestNilLoggerDroppedCountReturnsNegOne(t *testing.T) {
	var l *Logger
	if got := l.DroppedCount(); got != -1 {
		t.Fatalf("nil DroppedCount() = %d, want -1", got)
	}
	if l.Path() != "" {
		t.Fatalf("nil Path() = %q", l.Path())
	}
}

func TestWorkingLoggerDroppedCountReturnsZero(t *testing.T) {
	l := newTestLogger(t)
	defer l.Close()
	if got := l.DroppedCount(); got != 0 {
		t.Fatalf("DroppedCount() = %d, want 0", got)
	}
}

func TestNewLoggerRequiresPath(t *testing.T) {
	if _, err := NewLogger(""); err == nil {
		t.Fatal("expected error for empty path")
	}
}

func TestLogWritesJSONLEntry(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventTransformCommitted, "a.msp", "RTM.1", map[string]any{"sequence": 0})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}

	entry := entries[0]
	if entry.EventType != EventTransformCommitted {
		t.Fatalf("eventType = %q, want %q", entry.EventType, EventTransformCommitted)
	}
	if entry.Patch != "a.msp" || entry.Transform != "RTM.1" {
		t.Fatalf("patch/transform = %q/%q", entry.Patch, entry.Transform)
	}
	if entry.PrevHash != genesisHash {
		t.Fatalf("prevHash = %q, want genesis", entry.PrevHash)
	}
	if entry.EntryHash == "" {
		t.Fatal("entryHash is empty")
	}
}

func TestHashChainLinking(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventApplyStarted, "", "", map[string]any{"patches": 2})
	l.Log(EventTransformCommitted, "a.msp", "RTM.1", nil)
	l.Log(EventApplyCompleted, "", "", map[string]any{"committed": 1})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[0].PrevHash != genesisHash {
		t.Fatalf("entry[0].PrevHash = %q, want genesis", entries[0].PrevHash)
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d].PrevHash = %q, want entry[%d].EntryHash = %q",
				i, entries[i].PrevHash, i-1, entries[i-1].EntryHash)
		}
	}

	n, err := Verify(l.filePath)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 3 {
		t.Fatalf("Verify checked %d entries, want 3", n)
	}
}

func TestReopenContinuesChain(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventApplyStarted, "", "", nil)
	l.Close()

	reopened, err := NewLogger(l.filePath)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	reopened.Log(EventApplyCompleted, "", "", nil)
	reopened.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[1].PrevHash != entries[0].EntryHash {
		t.Fatal("reopened journal did not continue the chain")
	}
	if _, err := Verify(l.filePath); err != nil {
		t.Fatalf("Verify: %v", err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventTransformFault, "a.msp", "RTM.1", map[string]any{"error": "row exists"})
	l.Log(EventApplyCompleted, "", "", nil)
	l.Close()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(data), "row exists", "all good", 1)
	if err := os.WriteFile(l.filePath, []byte(tampered), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	n, err := Verify(l.filePath)
	if !errors.Is(err, ErrChainBroken) {
		t.Fatalf("Verify = %v, want ErrChainBroken", err)
	}
	if n != 0 {
		t.Fatalf("Verify stopped at %d, want 0", n)
	}
}

func TestCriticalEventsSet(t *testing.T) {
	for _, e := range []string{EventTransformCommitted, EventTransformFault, EventApplyCompleted} {
		if !criticalEvents[e] {
			t.Errorf("event %q should be in criticalEvents", e)
		}
	}
	for _, e := range []string{EventApplyStarted, EventPatchInapplicable} {
		if criticalEvents[e] {
			t.Errorf("event %q should NOT be in criticalEvents", e)
		}
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	l := newTestLogger(t)

	// swap in a read-only handle so Write fails
	l.file.Close()
	f, err := os.Open(l.filePath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	l.file = f

	l.Log(EventTransformCommitted, "a.msp", "RTM.1", nil)

	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	if l.prevHash != genesisHash {
		t.Fatal("chain advanced after failed write")
	}
	l.Close()

	l.Log(EventApplyCompleted, "", "", nil)
	if got := l.DroppedCount(); got != 2 {
		t.Fatalf("DroppedCount() after Close = %d, want 2", got)
	}
}

func TestLengthPrefixedHashConsistency(t *testing.T) {
	a, err := computeHash(Entry{Timestamp: "t", EventType: "e", Patch: "a|b", PrevHash: "p"})
	if err != nil {
		t.Fatalf("computeHash: %v", err)
	}
	b, err := computeHash(Entry{Timestamp: "t", EventType: "e", Patch: "a", Transform: "|b", PrevHash: "p"})
	if err != nil {
		t.Fatalf("computeHash: %v", err)
	}
	if a == b {
		t.Fatal("distinct field splits produced the same hash")
	}
}

func TestVerifyAcceptsEmptyDetails(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventPatchInapplicable, "a.msp", "", map[string]any{})
	l.Log(EventApplyStarted, "", "", nil)
	l.Log(EventApplyCompleted, "", "", map[string]any{"applied": 1})
	l.Close()

	n, err := Verify(l.filePath)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 3 {
		t.Fatalf("Verify counted %d entries, want 3", n)
	}
}

// --- helpers ---

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "journal", "apply.jsonl"))
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	entries, err := ReadEntries(filePath)
	if err != nil {
		t.Fatalf("ReadEntries: %v", err)
	}
	return entries
}
