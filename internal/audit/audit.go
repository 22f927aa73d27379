package audit

import (
	"bufio"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/breeze-rmm/breeze-dm/internal/logging"
)

var log = logging.L("audit")

// Event types.
const (
	EventDisplayStarted = "display_started"
	EventDisplayStopped = "display_stopped"
	EventLoginSucceeded = "login_succeeded"
	EventLoginFailed    = "login_failed"
	EventSessionStarted = "session_started"
	EventSessionEnded   = "session_ended"
	EventLogRotated     = "log_rotated"
)

const genesis = "genesis"

// criticalEvents are fsynced after writing.
var criticalEvents = map[string]bool{
	EventLoginSucceeded: true,
	EventSessionStarted: true,
	EventSessionEnded:   true,
}

// Entry is a single audit record.
type Entry struct {
	Timestamp string         `json:"timestamp"`
	EventType string         `json:"eventType"`
	Display   string         `json:"display,omitempty"`
	User      string         `json:"user,omitempty"`
	Details   map[string]any `json:"details,omitempty"`
	PrevHash  string         `json:"prevHash"`
	EntryHash string         `json:"entryHash"`
}

// Logger writes a JSONL login trail where every entry carries the SHA-256
// of its predecessor. After rotation the first entry of the new file is a
// log_rotated sentinel linking to the last entry of the old one.
type Logger struct {
	mu         sync.Mutex
	file       *os.File
	filePath   string
	maxSize    int64
	maxBackups int
	written    int64
	prevHash   string
	dropped    atomic.Int64
}

// NewLogger opens path for appending. The chain continues from the last
// entry already in the file.
func NewLogger(path string, maxSizeMB, maxBackups int) (*Logger, error) {
	if maxSizeMB <= 0 {
		maxSizeMB = 50
	}
	if maxBackups <= 0 {
		maxBackups = 3
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("create audit dir: %w", err)
	}

	l := &Logger{
		filePath:   path,
		maxSize:    int64(maxSizeMB) << 20,
		maxBackups: maxBackups,
		prevHash:   genesis,
	}
	if last, err := lastHash(path); err != nil {
		log.Warn("audit log unreadable, starting a new chain", "path", path, "error", err)
	} else if last != "" {
		l.prevHash = last
	}
	if err := l.openFile(); err != nil {
		return nil, err
	}

	log.Info("audit logger started", "path", path)
	return l, nil
}

// Log appends an entry. The chain only advances after a successful write
// so a failed write does not leave a gap. Safe on a nil receiver.
func (l *Logger) Log(eventType, display, user string, details map[string]any) {
	if l == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	entry := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: eventType,
		Display:   display,
		User:      user,
		Details:   details,
		PrevHash:  l.prevHash,
	}
	if err := l.writeLocked(&entry, true); err != nil {
		log.Error("failed to write audit entry", "error", err, "eventType", eventType)
		l.dropped.Add(1)
		return
	}

	if criticalEvents[eventType] {
		if err := l.file.Sync(); err != nil {
			log.Error("failed to fsync audit entry", "error", err, "eventType", eventType)
		}
	}
}

// Close closes the file. Safe on a nil receiver.
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

// DroppedCount returns the number of entries that failed to write, or -1
// for a nil logger.
func (l *Logger) DroppedCount() int64 {
	if l == nil {
		return -1
	}
	return l.dropped.Load()
}

func (l *Logger) writeLocked(entry *Entry, mayRotate bool) error {
	if l.file == nil {
		return os.ErrClosed
	}
	hash, err := computeHash(*entry)
	if err != nil {
		return err
	}
	entry.EntryHash = hash

	data, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("marshal entry: %w", err)
	}
	data = append(data, '\n')

	if mayRotate && l.written+int64(len(data)) > l.maxSize {
		if err := l.rotate(); err != nil {
			return fmt.Errorf("rotate: %w", err)
		}
		// The sentinel moved the chain; rehash against it.
		entry.PrevHash = l.prevHash
		return l.writeLocked(entry, false)
	}

	n, err := l.file.Write(data)
	if err != nil {
		return err
	}
	l.written += int64(n)
	l.prevHash = entry.EntryHash
	return nil
}

// computeHash length-prefixes every field so no two field combinations
// serialize alike.
func computeHash(entry Entry) (string, error) {
	h := sha256.New()
	for _, field := range []string{entry.Timestamp, entry.EventType, entry.Display, entry.User, entry.PrevHash} {
		fmt.Fprintf(h, "%d:%s", len(field), field)
	}
	if entry.Details != nil {
		detailBytes, err := json.Marshal(entry.Details)
		if err != nil {
			return "", fmt.Errorf("marshal details for hash: %w", err)
		}
		fmt.Fprintf(h, "%d:", len(detailBytes))
		h.Write(detailBytes)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func (l *Logger) openFile() error {
	f, err := os.OpenFile(l.filePath, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return fmt.Errorf("stat audit log: %w", err)
	}
	l.file = f
	l.written = info.Size()
	return nil
}

func (l *Logger) rotate() error {
	prev := l.prevHash
	if l.file != nil {
		l.file.Close()
		l.file = nil
	}

	for i := l.maxBackups; i >= 2; i-- {
		src, dst := l.backupName(i-1), l.backupName(i)
		if i == l.maxBackups {
			if err := os.Remove(dst); err != nil && !os.IsNotExist(err) {
				log.Warn("audit rotation: failed to remove oldest backup", "path", dst, "error", err)
			}
		}
		if err := os.Rename(src, dst); err != nil && !os.IsNotExist(err) {
			log.Warn("audit rotation: failed to rename backup", "src", src, "dst", dst, "error", err)
		}
	}
	if err := os.Rename(l.filePath, l.backupName(1)); err != nil && !os.IsNotExist(err) {
		log.Warn("audit rotation: failed to rename current log", "error", err)
	}
	if err := l.openFile(); err != nil {
		return err
	}

	sentinel := Entry{
		Timestamp: time.Now().UTC().Format(time.RFC3339Nano),
		EventType: EventLogRotated,
		PrevHash:  prev,
		Details:   map[string]any{"previousFile": l.backupName(1)},
	}
	if err := l.writeLocked(&sentinel, false); err != nil {
		log.Error("rotation sentinel write failed, hash chain broken", "error", err)
		l.dropped.Add(1)
		l.prevHash = "chain-broken"
	}
	return nil
}

func (l *Logger) backupName(index int) string {
	return fmt.Sprintf("%s.%d", l.filePath, index)
}

// Verify checks the hash chain of one audit file and returns the number of
// entries read. The first entry may link to anything (genesis or a
// previous file); every later entry must link to its predecessor.
func Verify(path string) (int, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	var prev string
	n := 0
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return n, fmt.Errorf("entry %d: %w", n+1, err)
		}
		want, err := computeHash(e)
		if err != nil {
			return n, fmt.Errorf("entry %d: %w", n+1, err)
		}
		if want != e.EntryHash {
			return n, fmt.Errorf("entry %d: hash mismatch", n+1)
		}
		if n > 0 && e.PrevHash != prev {
			return n, fmt.Errorf("entry %d: chain broken", n+1)
		}
		prev = e.EntryHash
		n++
	}
	return n, sc.Err()
}

func lastHash(path string) (string, error) {
	f, err := os.Open(path)
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", err
	}
	defer f.Close()

	var last string
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for sc.Scan() {
		var e Entry
		if json.Unmarshal(sc.Bytes(), &e) == nil && e.EntryHash != "" {
			last = e.EntryHash
		}
	}
	return last, sc.Err()
}
