package audit

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func TestNilLoggerLogDoesNotPanic(t *testing.T) {
	var l *Logger
	l.Log(EventLoginFailed, ":0", "alice", map[string]any{"key": "value"})
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
}

func TestLogWritesJSONLEntry(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventLoginSucceeded, ":0", "alice", map[string]any{"session": "plasma"})
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.EventType != EventLoginSucceeded || e.Display != ":0" || e.User != "alice" {
		t.Fatalf("unexpected entry %+v", e)
	}
	if e.PrevHash != genesis {
		t.Fatalf("prevHash = %q, want genesis", e.PrevHash)
	}
	if e.EntryHash == "" {
		t.Fatal("entryHash is empty")
	}
	if e.Details["session"] != "plasma" {
		t.Fatalf("details = %v", e.Details)
	}
}

func TestHashChainLinks(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventDisplayStarted, ":0", "", nil)
	l.Log(EventLoginFailed, ":0", "bob", nil)
	l.Log(EventLoginSucceeded, ":0", "alice", nil)
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	for i := 1; i < len(entries); i++ {
		if entries[i].PrevHash != entries[i-1].EntryHash {
			t.Fatalf("entry[%d] does not link to entry[%d]", i, i-1)
		}
	}

	n, err := Verify(l.filePath)
	if err != nil {
		t.Fatalf("Verify: %v", err)
	}
	if n != 3 {
		t.Fatalf("Verify read %d entries, want 3", n)
	}
}

func TestNewLoggerContinuesChain(t *testing.T) {
	path := filepath.Join(t.TempDir(), "audit.jsonl")

	l, err := NewLogger(path, 1, 1)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	l.Log(EventDisplayStarted, ":0", "", nil)
	l.Close()

	l, err = NewLogger(path, 1, 1)
	if err != nil {
		t.Fatalf("NewLogger reopen: %v", err)
	}
	l.Log(EventDisplayStopped, ":0", "", map[string]any{"reason": "shutdown"})
	l.Close()

	if n, err := Verify(path); err != nil || n != 2 {
		t.Fatalf("Verify = %d, %v; want 2, nil", n, err)
	}
}

func TestVerifyDetectsTampering(t *testing.T) {
	l := newTestLogger(t)
	l.Log(EventLoginFailed, ":0", "bob", nil)
	l.Log(EventLoginSucceeded, ":0", "alice", nil)
	l.Close()

	data, err := os.ReadFile(l.filePath)
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	tampered := strings.Replace(string(data), `"user":"bob"`, `"user":"eve"`, 1)
	if err := os.WriteFile(l.filePath, []byte(tampered), 0600); err != nil {
		t.Fatalf("write: %v", err)
	}

	if _, err := Verify(l.filePath); err == nil {
		t.Fatal("Verify accepted a tampered entry")
	}
}

func TestRotationSentinelLinksFiles(t *testing.T) {
	l := newTestLogger(t)
	l.maxSize = 400

	for i := 0; i < 10; i++ {
		l.Log(EventLoginFailed, ":0", "bob", map[string]any{"attempt": i})
	}
	l.Close()

	entries := readEntries(t, l.filePath)
	if len(entries) == 0 {
		t.Fatal("no entries in current log file after rotation")
	}
	if entries[0].EventType != EventLogRotated {
		t.Fatalf("first entry after rotation = %q, want %q", entries[0].EventType, EventLogRotated)
	}
	if prevFile, _ := entries[0].Details["previousFile"].(string); prevFile == "" {
		t.Fatal("sentinel has no previousFile")
	}

	backup := readEntries(t, l.filePath+".1")
	if len(backup) == 0 {
		t.Fatal("no entries in backup file")
	}
	if entries[0].PrevHash != backup[len(backup)-1].EntryHash {
		t.Fatal("sentinel does not link to the last entry of the previous file")
	}

	if _, err := Verify(l.filePath); err != nil {
		t.Fatalf("Verify current file: %v", err)
	}
}

func TestCriticalEvents(t *testing.T) {
	for _, e := range []string{EventLoginSucceeded, EventSessionStarted, EventSessionEnded} {
		if !criticalEvents[e] {
			t.Errorf("event %q should be critical", e)
		}
	}
	if criticalEvents[EventLoginFailed] {
		t.Errorf("event %q should not be critical", EventLoginFailed)
	}
}

func TestDroppedCountIncrementsOnWriteFailure(t *testing.T) {
	l := newTestLogger(t)

	l.file.Close()
	f, err := os.Open(l.filePath)
	if err != nil {
		t.Fatalf("open read-only: %v", err)
	}
	l.file = f
	before := l.prevHash

	l.Log(EventLoginFailed, ":0", "bob", nil)

	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
	if l.prevHash != before {
		t.Fatal("chain advanced after a failed write")
	}
	l.file.Close()
}

func TestLogAfterCloseDropped(t *testing.T) {
	l := newTestLogger(t)
	l.Close()
	l.Log(EventLoginFailed, ":0", "bob", nil)
	if got := l.DroppedCount(); got != 1 {
		t.Fatalf("DroppedCount() = %d, want 1", got)
	}
}

func newTestLogger(t *testing.T) *Logger {
	t.Helper()
	l, err := NewLogger(filepath.Join(t.TempDir(), "audit.jsonl"), 50, 3)
	if err != nil {
		t.Fatalf("NewLogger: %v", err)
	}
	return l
}

func readEntries(t *testing.T, filePath string) []Entry {
	t.Helper()
	data, err := os.ReadFile(filePath)
	if err != nil {
		t.Fatalf("read log file: %v", err)
	}
	trimmed := strings.TrimSpace(string(data))
	if trimmed == "" {
		return nil
	}
	var entries []Entry
	for _, line := range strings.Split(trimmed, "\n") {
		var e Entry
		if err := json.Unmarshal([]byte(line), &e); err != nil {
			t.Fatalf("unmarshal line %q: %v", line, err)
		}
		entries = append(entries, e)
	}
	return entries
}
