// Package auditlog records the job lifecycle as an append-only event trail.
//
// Each event is one tab-separated line:
//
//	<RFC3339Nano UTC timestamp>\t<KIND>\t<title>
//
// The file is opened once in append mode, never truncated, and fsynced after
// every entry so the trail survives a crash of the process.
package auditlog

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// Kind is an audit event kind.
type Kind string

// Event kinds.
const (
	KindBegin    Kind = "BEGIN"
	KindSubmit   Kind = "SUBMIT"
	KindSkip     Kind = "SKIP"
	KindPoll     Kind = "POLL"
	KindFailSub  Kind = "FAIL-SUB"
	KindFailMax  Kind = "FAIL-MAX"
	KindRetrieve Kind = "RETRIEVE"
	KindFailRet  Kind = "FAIL-RET"
	KindFailPer  Kind = "FAIL-PER"
	KindEnd      Kind = "END"
)

// DefaultFileName is the audit file name inside the output directory.
const DefaultFileName = "ipsbatch.audit.tsv"

// ErrClosed is returned by Log after Close.
var ErrClosed = errors.New("audit log is closed")

// Logger is the audit sink used by the orchestrator.
type Logger interface {
	Log(kind Kind, title string) error
}

// Entry is one parsed audit line.
type Entry struct {
	Time  time.Time
	Kind  Kind
	Title string
}

// Log is a file-backed, append-only audit log.
type Log struct {
	mu     sync.Mutex
	f      *os.File
	path   string
	now    func() time.Time
	closed bool
}

// Ensure Log implements Logger.
var _ Logger = (*Log)(nil)

// Open opens path for appending, creating it if needed.
func Open(path string) (*Log, error) {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_APPEND|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("open audit log: %w", err)
	}
	return &Log{f: f, path: path, now: time.Now}, nil
}

// Path returns the file path of the log.
func (l *Log) Path() string {
	return l.path
}

// Log appends one event and flushes it to stable storage.
func (l *Log) Log(kind Kind, title string) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return ErrClosed
	}

	line := formatEntry(Entry{Time: l.now(), Kind: kind, Title: title})
	if err := writeAll(l.f, []byte(line)); err != nil {
		return fmt.Errorf("write audit entry: %w", err)
	}
	if err := l.f.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Close releases the file. Further Log calls return ErrClosed.
func (l *Log) Close() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		return nil
	}
	l.closed = true
	return l.f.Close()
}

func formatEntry(e Entry) string {
	// Tabs and newlines in titles would break the line format.
	title := strings.NewReplacer("\t", " ", "\n", " ", "\r", " ").Replace(e.Title)
	return e.Time.UTC().Format(time.RFC3339Nano) + "\t" + string(e.Kind) + "\t" + title + "\n"
}

func writeAll(w io.Writer, data []byte) error {
	for len(data) > 0 {
		n, err := w.Write(data)
		if err != nil {
			return err
		}
		data = data[n:]
	}
	return nil
}

// ReadEntries parses an audit stream. Malformed lines are reported with
// their line number.
func ReadEntries(r io.Reader) ([]Entry, error) {
	var entries []Entry
	sc := bufio.NewScanner(r)
	lineNo := 0
	for sc.Scan() {
		lineNo++
		line := sc.Text()
		if line == "" {
			continue
		}
		parts := strings.SplitN(line, "\t", 3)
		if len(parts) != 3 {
			return entries, fmt.Errorf("audit line %d: expected 3 fields, got %d", lineNo, len(parts))
		}
		ts, err := time.Parse(time.RFC3339Nano, parts[0])
		if err != nil {
			return entries, fmt.Errorf("audit line %d: %w", lineNo, err)
		}
		entries = append(entries, Entry{Time: ts, Kind: Kind(parts[1]), Title: parts[2]})
	}
	if err := sc.Err(); err != nil {
		return entries, err
	}
	return entries, nil
}

// ReadFile parses the audit file at path.
func ReadFile(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = f.Close() }()
	return ReadEntries(f)
}

// Memory is an in-memory Logger for tests and dry runs.
type Memory struct {
	mu      sync.Mutex
	entries []Entry
}

// Ensure Memory implements Logger.
var _ Logger = (*Memory)(nil)

// Log records the event.
func (m *Memory) Log(kind Kind, title string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = append(m.entries, Entry{Time: time.Now().UTC(), Kind: kind, Title: title})
	return nil
}

// Entries returns a copy of the recorded events.
func (m *Memory) Entries() []Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

// Count returns how many events of kind were recorded.
func (m *Memory) Count(kind Kind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.entries {
		if e.Kind == kind {
			n++
		}
	}
	return n
}
