// Package dlq implements the dead-letter queue: file-backed storage of
// events that failed delivery, with filterable listing and replay.
package dlq

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
)

// Entry is one dead-lettered event.
type Entry struct {
	Event      *event.AnalyticsEventV1 `json:"event"`
	Error      string                  `json:"error"`
	Timestamp  int64                   `json:"timestamp"` // unix millis
	RetryCount int                     `json:"retryCount"`
}

// Filter narrows readEntries/replay to a subset of entries. Zero-value
// fields are not applied. Non-zero fields AND together.
type Filter struct {
	EventID       string
	EventType     string
	RunID         string
	ErrorContains string
	FromTimestamp int64 // unix millis, inclusive
	ToTimestamp   int64 // unix millis, inclusive; 0 means unbounded
}

func (f Filter) matches(e Entry) bool {
	if f.EventID != "" && (e.Event == nil || e.Event.ID != f.EventID) {
		return false
	}
	if f.EventType != "" && (e.Event == nil || e.Event.Type != f.EventType) {
		return false
	}
	if f.RunID != "" && (e.Event == nil || e.Event.RunID != f.RunID) {
		return false
	}
	if f.ErrorContains != "" && !strings.Contains(e.Error, f.ErrorContains) {
		return false
	}
	if f.FromTimestamp != 0 && e.Timestamp < f.FromTimestamp {
		return false
	}
	if f.ToTimestamp != 0 && e.Timestamp > f.ToTimestamp {
		return false
	}
	return true
}

// Stats summarizes the DLQ directory's contents.
type Stats struct {
	TotalFiles   int
	TotalEntries int
}

// Queue is the dead-letter queue, rooted at a directory of
// dlq-<iso-ts>.jsonl files.
type Queue struct {
	dir    string
	logger *slog.Logger
	now    func() time.Time

	mu  sync.Mutex
	cur *os.File
	enc *json.Encoder
}

// New creates a Queue rooted at dir, probing that it is writable.
func New(logger *slog.Logger, dir string) (*Queue, error) {
	if dir == "" {
		return nil, fmt.Errorf("dlq: dir must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(dir, 0o700); err != nil {
		return nil, fmt.Errorf("dlq: create directory: %w", err)
	}
	probe := filepath.Join(dir, ".dlq_probe")
	f, err := os.Create(probe)
	if err != nil {
		return nil, fmt.Errorf("dlq: directory not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(probe)

	return &Queue{dir: dir, logger: logger, now: time.Now}, nil
}

// Insert appends an entry to the current DLQ file, opening a new file
// on first use or after the previous file was closed via Close.
func (q *Queue) Insert(ev *event.AnalyticsEventV1, cause error, retryCount int) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.cur == nil {
		if err := q.openFile(); err != nil {
			return err
		}
	}

	entry := Entry{
		Event:      ev,
		Error:      cause.Error(),
		Timestamp:  q.now().UnixMilli(),
		RetryCount: retryCount,
	}
	if err := q.enc.Encode(entry); err != nil {
		return fmt.Errorf("dlq: write entry: %w", err)
	}
	return nil
}

func (q *Queue) openFile() error {
	path := filepath.Join(q.dir, fmt.Sprintf("dlq-%s.jsonl", q.now().UTC().Format("2006-01-02T15-04-05.000Z")))
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("dlq: create file: %w", err)
	}
	q.cur = f
	q.enc = json.NewEncoder(f)
	return nil
}

// ListFiles returns the absolute paths of every dlq-*.jsonl file,
// oldest first by name (names are lexically sortable ISO timestamps).
func (q *Queue) ListFiles() ([]string, error) {
	entries, err := os.ReadDir(q.dir)
	if err != nil {
		return nil, fmt.Errorf("dlq: list dir: %w", err)
	}
	var files []string
	for _, e := range entries {
		if filepath.Ext(e.Name()) == ".jsonl" {
			files = append(files, filepath.Join(q.dir, e.Name()))
		}
	}
	return files, nil
}

// ReadEntries reads every entry in file matching filter, in file order.
func (q *Queue) ReadEntries(file string, filter Filter) ([]Entry, error) {
	f, err := os.Open(file)
	if err != nil {
		return nil, fmt.Errorf("dlq: open %s: %w", file, err)
	}
	defer f.Close()

	var out []Entry
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		var e Entry
		if err := json.Unmarshal(sc.Bytes(), &e); err != nil {
			return out, fmt.Errorf("dlq: decode entry in %s: %w", file, err)
		}
		if filter.matches(e) {
			out = append(out, e)
		}
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("dlq: scan %s: %w", file, err)
	}
	return out, nil
}

// Replay returns the events (not the full entries) matching filter in
// file. It never deletes anything.
func (q *Queue) Replay(file string, filter Filter) ([]*event.AnalyticsEventV1, error) {
	entries, err := q.ReadEntries(file, filter)
	if err != nil {
		return nil, err
	}
	out := make([]*event.AnalyticsEventV1, 0, len(entries))
	for _, e := range entries {
		out = append(out, e.Event)
	}
	return out, nil
}

// RemoveFile deletes a DLQ file, e.g. after its entries have been
// successfully replayed downstream.
func (q *Queue) RemoveFile(file string) error {
	q.mu.Lock()
	if q.cur != nil && q.cur.Name() == file {
		q.mu.Unlock()
		return fmt.Errorf("dlq: cannot remove currently open file %s", file)
	}
	q.mu.Unlock()
	if err := os.Remove(file); err != nil {
		return fmt.Errorf("dlq: remove %s: %w", file, err)
	}
	return nil
}

// GetStats summarizes every file in the DLQ directory.
func (q *Queue) GetStats() (Stats, error) {
	files, err := q.ListFiles()
	if err != nil {
		return Stats{}, err
	}
	stats := Stats{TotalFiles: len(files)}
	for _, f := range files {
		entries, err := q.ReadEntries(f, Filter{})
		if err != nil {
			return stats, err
		}
		stats.TotalEntries += len(entries)
	}
	return stats, nil
}

// Close closes the currently open DLQ file, if any. The next Insert
// opens a fresh file.
func (q *Queue) Close() error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.cur == nil {
		return nil
	}
	err := q.cur.Close()
	q.cur = nil
	q.enc = nil
	return err
}
