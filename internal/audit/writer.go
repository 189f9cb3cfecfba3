// Package audit keeps a short window of recent tool calls, rejections and
// hook outcomes for status output. Older events are dropped.
package audit

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/poni-dev/poni/internal/state"
)

const (
	fileName = "audit.jsonl"
	fileMode = 0600
	dirMode  = 0755

	// DefaultLimit is the number of events kept after compaction.
	DefaultLimit = 500
	// compaction runs once the file holds this many events past the limit
	slack = 100
)

// Event types.
const (
	TypeToolCall  = "tool_call"
	TypeHook      = "lifecycle_hook"
	TypeRejection = "rejected_call"
)

// Event is one record written as a single JSON line. Detail never carries
// tool output.
type Event struct {
	Time     time.Time `json:"time" yaml:"time"`
	Type     string    `json:"type" yaml:"type"`
	Tool     string    `json:"tool,omitempty" yaml:"tool,omitempty"`
	Outcome  string    `json:"outcome,omitempty" yaml:"outcome,omitempty"`
	Rule     string    `json:"rule,omitempty" yaml:"rule,omitempty"`
	Detail   string    `json:"detail,omitempty" yaml:"detail,omitempty"`
	Duration int64     `json:"duration_ms,omitempty" yaml:"duration_ms,omitempty"`
}

// Writer appends events to <stateDir>/audit.jsonl and keeps at most limit
// of them. A nil writer discards.
type Writer struct {
	path  string
	limit int

	mu    sync.Mutex
	lines int // -1 until counted
}

func NewWriter(stateDir string) *Writer {
	return &Writer{path: filepath.Join(stateDir, fileName), limit: DefaultLimit, lines: -1}
}

// Path returns the log location.
func (w *Writer) Path() string {
	if w == nil {
		return ""
	}
	return w.path
}

// Append writes one event as one line.
func (w *Writer) Append(event Event) error {
	if w == nil {
		return nil
	}
	if event.Time.IsZero() {
		event.Time = time.Now().UTC()
	}
	encoded, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal audit event: %w", err)
	}
	encoded = append(encoded, '\n')

	w.mu.Lock()
	defer w.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(w.path), dirMode); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}
	if w.lines < 0 {
		n, err := countLines(w.path)
		if err != nil {
			return err
		}
		w.lines = n
	}

	file, err := os.OpenFile(w.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, fileMode)
	if err != nil {
		return fmt.Errorf("open audit file: %w", err)
	}
	_, err = file.Write(encoded)
	if cerr := file.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("append audit event: %w", err)
	}
	w.lines++

	if w.lines > w.limit+slack {
		return w.compact()
	}
	return nil
}

// compact rewrites the file with the newest limit events.
func (w *Writer) compact() error {
	data, err := os.ReadFile(w.path)
	if err != nil {
		return fmt.Errorf("read audit file: %w", err)
	}
	lines := bytes.SplitAfter(bytes.TrimRight(data, "\n"), []byte("\n"))
	if len(lines) > w.limit {
		lines = lines[len(lines)-w.limit:]
	}
	kept := bytes.Join(lines, nil)
	if len(kept) > 0 && kept[len(kept)-1] != '\n' {
		kept = append(kept, '\n')
	}
	if err := state.WriteAtomic(w.path, kept); err != nil {
		return err
	}
	w.lines = len(lines)
	return nil
}

// Recent returns up to n of the newest events in the log at stateDir, oldest
// first. A missing log yields none. Malformed lines are skipped.
func Recent(stateDir string, n int) ([]Event, error) {
	file, err := os.Open(filepath.Join(stateDir, fileName))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open audit file: %w", err)
	}
	defer file.Close()

	var events []Event
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		var ev Event
		if json.Unmarshal(scanner.Bytes(), &ev) != nil {
			continue
		}
		events = append(events, ev)
		if n > 0 && len(events) > n {
			events = events[1:]
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read audit file: %w", err)
	}
	return events, nil
}

func countLines(path string) (int, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read audit file: %w", err)
	}
	return bytes.Count(data, []byte("\n")), nil
}
