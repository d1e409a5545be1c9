package audit

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/ppiankov/procwatch/internal/model"
)

// GenesisHash is the prev_hash for the first entry in a new audit log.
const GenesisHash = "sha256:0000000000000000000000000000000000000000000000000000000000000000"

// maxLine bounds one JSONL line when scanning.
const maxLine = 1 << 20

// Log is an append-only JSONL log of monitoring events. Each entry's
// prev_hash is the hash of the previous line.
type Log struct {
	path string

	mu   sync.Mutex
	file *os.File
	tail link
}

// link is the chain position the next entry attaches to.
type link struct {
	hash string
	seq  uint64
}

// Open opens or creates the log at path and recovers the chain tail from
// the last line.
func Open(path string) (*Log, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("audit: create directory: %w", err)
	}

	tail, err := readTail(path)
	if err != nil {
		return nil, err
	}

	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, fmt.Errorf("audit: open file: %w", err)
	}
	return &Log{path: path, file: file, tail: tail}, nil
}

// readTail returns the link after the last line of an existing log.
func readTail(path string) (link, error) {
	tail := link{hash: GenesisHash}
	var last []byte
	err := walk(path, func(_ int, line []byte) error {
		last = append(last[:0], line...)
		return nil
	})
	switch {
	case os.IsNotExist(err):
		return tail, nil
	case err != nil:
		return tail, fmt.Errorf("audit: read existing log: %w", err)
	case len(last) == 0:
		return tail, nil
	}

	var e AuditEntry
	if err := json.Unmarshal(last, &e); err != nil {
		return tail, fmt.Errorf("audit: last entry unreadable: %w", err)
	}
	return link{hash: HashLine(last), seq: e.Seq}, nil
}

// Record appends entry, filling Seq, PrevHash and an empty Timestamp.
// Each line is synced before Record returns.
func (l *Log) Record(entry AuditEntry) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if entry.Timestamp == "" {
		entry.Timestamp = time.Now().UTC().Format(TimestampFormat)
	}
	entry.Seq = l.tail.seq + 1
	entry.PrevHash = l.tail.hash

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("audit: marshal entry: %w", err)
	}
	if _, err := l.file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("audit: write entry: %w", err)
	}
	if err := l.file.Sync(); err != nil {
		return fmt.Errorf("audit: sync: %w", err)
	}

	l.tail = link{hash: HashLine(line), seq: entry.Seq}
	return nil
}

// Publish records ev. It lets the log serve as an engine event sink.
func (l *Log) Publish(_ context.Context, ev model.MonitoringEvent) error {
	entry, err := EntryFromEvent(ev)
	if err != nil {
		return fmt.Errorf("audit: encode event %s: %w", ev.ID, err)
	}
	return l.Record(entry)
}

// Len returns the number of entries in the log.
func (l *Log) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return int(l.tail.seq)
}

// Path returns the log file path.
func (l *Log) Path() string { return l.path }

// Close closes the underlying file.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.file.Close()
}

// HashLine returns "sha256:<hex>" of the given bytes.
func HashLine(line []byte) string {
	h := sha256.Sum256(line)
	return "sha256:" + hex.EncodeToString(h[:])
}

// walk calls fn for every line of path with its 1-based number. line is
// only valid during the call.
func walk(path string, fn func(n int, line []byte) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	s := bufio.NewScanner(f)
	s.Buffer(make([]byte, 0, 64*1024), maxLine)
	n := 0
	for s.Scan() {
		n++
		if err := fn(n, s.Bytes()); err != nil {
			return err
		}
	}
	return s.Err()
}
