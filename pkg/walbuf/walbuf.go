// Package walbuf implements the durable write-ahead buffer: append-only
// JSONL segments with a sidecar index, rotated by size or age, guarded
// by an in-process dedup cache.
package walbuf

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
)

const (
	defaultSegmentBytes   = 1 << 20 // 1 MiB
	defaultSegmentMaxAge  = 60 * time.Second
	defaultDedupCapacity  = 10_000
	dedupEvictionFraction = 0.1
)

// IndexEntry is one line of a segment's sidecar .idx file.
type IndexEntry struct {
	EventID string `json:"eventId"`
	Offset  int64  `json:"offset"`
	Size    int64  `json:"size"`
}

// Outcome reports what append did with an event.
type Outcome int

const (
	Accepted Outcome = iota
	Duplicate
)

func (o Outcome) String() string {
	if o == Duplicate {
		return "duplicate"
	}
	return "accepted"
}

// Config configures a Buffer's rotation and dedup behavior.
type Config struct {
	Dir           string
	SegmentBytes  int64
	SegmentMaxAge time.Duration
	FsyncOnRotate bool
	DedupCapacity int
	Now           func() time.Time
}

func (c Config) withDefaults() Config {
	if c.SegmentBytes <= 0 {
		c.SegmentBytes = defaultSegmentBytes
	}
	if c.SegmentMaxAge <= 0 {
		c.SegmentMaxAge = defaultSegmentMaxAge
	}
	if c.DedupCapacity <= 0 {
		c.DedupCapacity = defaultDedupCapacity
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// segment tracks the currently open data+index file pair.
type segment struct {
	base     string
	data     *os.File
	index    *os.File
	indexEnc *json.Encoder
	size     int64
	count    int64
	openedAt time.Time
	firstTS  time.Time
}

// Buffer is the durable append-only event buffer. Safe for concurrent use.
type Buffer struct {
	cfg    Config
	logger *slog.Logger

	mu  sync.Mutex
	cur *segment

	dedupMu  sync.Mutex
	dedup    map[string]int64
	dedupSeq int64
}

// New creates a Buffer rooted at cfg.Dir, probing that the directory is
// writable before returning.
func New(logger *slog.Logger, cfg Config) (*Buffer, error) {
	cfg = cfg.withDefaults()
	if cfg.Dir == "" {
		return nil, fmt.Errorf("walbuf: Dir must not be empty")
	}
	if logger == nil {
		logger = slog.Default()
	}
	if err := os.MkdirAll(cfg.Dir, 0o700); err != nil {
		return nil, fmt.Errorf("walbuf: create directory: %w", err)
	}
	probe := filepath.Join(cfg.Dir, ".walbuf_probe")
	f, err := os.Create(probe)
	if err != nil {
		return nil, fmt.Errorf("walbuf: directory not writable: %w", err)
	}
	_ = f.Close()
	_ = os.Remove(probe)

	return &Buffer{
		cfg:    cfg,
		logger: logger,
		dedup:  make(map[string]int64, cfg.DedupCapacity),
	}, nil
}

// Append writes ev to the current segment, deduplicating by ev.ID within
// the buffer's process lifetime.
func (b *Buffer) Append(ev *event.AnalyticsEventV1) (Outcome, error) {
	if b.seenBefore(ev.ID) {
		return Duplicate, nil
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	if err := b.ensureSegment(); err != nil {
		return Accepted, err
	}

	line, err := json.Marshal(ev)
	if err != nil {
		return Accepted, fmt.Errorf("walbuf: marshal event: %w", err)
	}
	line = append(line, '\n')

	if b.wouldExceed(int64(len(line))) {
		if err := b.rotate(); err != nil {
			return Accepted, fmt.Errorf("walbuf: rotate before append: %w", err)
		}
		if err := b.ensureSegment(); err != nil {
			return Accepted, err
		}
	}

	offset := b.cur.size
	n, err := b.cur.data.Write(line)
	if err != nil {
		return Accepted, fmt.Errorf("walbuf: write event: %w", err)
	}
	b.cur.size += int64(n)
	b.cur.count++

	entry := IndexEntry{EventID: ev.ID, Offset: offset, Size: int64(n) - 1} // exclude trailing newline
	if err := b.cur.indexEnc.Encode(entry); err != nil {
		return Accepted, fmt.Errorf("walbuf: write index entry: %w", err)
	}

	b.recordSeen(ev.ID)
	return Accepted, nil
}

// QueueDepth returns the event count of the currently open segment, the
// signal the backpressure controller derives its level from. Zero if no
// segment is open.
func (b *Buffer) QueueDepth() int64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return 0
	}
	return b.cur.count
}

// CurrentSegment returns the base path (without extension) of the
// currently open segment, or "" if none is open yet.
func (b *Buffer) CurrentSegment() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return ""
	}
	return b.cur.base
}

// ListSegments returns the base paths of every segment in the buffer
// directory, oldest first.
func (b *Buffer) ListSegments() ([]string, error) {
	entries, err := os.ReadDir(b.cfg.Dir)
	if err != nil {
		return nil, fmt.Errorf("walbuf: list dir: %w", err)
	}
	seen := make(map[string]bool)
	var bases []string
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".jsonl" {
			continue
		}
		base := name[:len(name)-len(".jsonl")]
		if !seen[base] {
			seen[base] = true
			bases = append(bases, filepath.Join(b.cfg.Dir, base))
		}
	}
	return bases, nil
}

// ReadSegment loads every event in the segment's data file, in order.
func (b *Buffer) ReadSegment(base string) ([]*event.AnalyticsEventV1, error) {
	f, err := os.Open(base + ".jsonl")
	if err != nil {
		return nil, fmt.Errorf("walbuf: open segment data: %w", err)
	}
	defer f.Close()

	var out []*event.AnalyticsEventV1
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16<<20)
	for sc.Scan() {
		var ev event.AnalyticsEventV1
		if err := json.Unmarshal(sc.Bytes(), &ev); err != nil {
			return out, fmt.Errorf("walbuf: decode event in %s: %w", base, err)
		}
		out = append(out, &ev)
	}
	if err := sc.Err(); err != nil {
		return out, fmt.Errorf("walbuf: scan segment: %w", err)
	}
	return out, nil
}

// ReadIndex loads the sidecar index entries for a segment, in append order.
func (b *Buffer) ReadIndex(base string) ([]IndexEntry, error) {
	f, err := os.Open(base + ".idx")
	if err != nil {
		return nil, fmt.Errorf("walbuf: open segment index: %w", err)
	}
	defer f.Close()

	var out []IndexEntry
	dec := json.NewDecoder(f)
	for {
		var e IndexEntry
		if err := dec.Decode(&e); err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return out, fmt.Errorf("walbuf: decode index entry: %w", err)
		}
		out = append(out, e)
	}
	return out, nil
}

// ClearDedupCache drops every entry from the in-process dedup cache.
func (b *Buffer) ClearDedupCache() {
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()
	b.dedup = make(map[string]int64, b.cfg.DedupCapacity)
	b.dedupSeq = 0
}

// Close syncs and closes the current segment, if any.
func (b *Buffer) Close() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cur == nil {
		return nil
	}
	return b.closeCurrent()
}

func (b *Buffer) seenBefore(id string) bool {
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()
	_, ok := b.dedup[id]
	return ok
}

func (b *Buffer) recordSeen(id string) {
	b.dedupMu.Lock()
	defer b.dedupMu.Unlock()
	b.dedupSeq++
	b.dedup[id] = b.dedupSeq
	if len(b.dedup) > b.cfg.DedupCapacity {
		b.evictOldestLocked()
	}
}

// evictOldestLocked removes ~10% of the oldest entries by insertion
// sequence. Must hold dedupMu.
func (b *Buffer) evictOldestLocked() {
	toEvict := int(float64(len(b.dedup)) * dedupEvictionFraction)
	if toEvict < 1 {
		toEvict = 1
	}
	type idSeq struct {
		id  string
		seq int64
	}
	ordered := make([]idSeq, 0, len(b.dedup))
	for id, seq := range b.dedup {
		ordered = append(ordered, idSeq{id, seq})
	}
	for i := 0; i < len(ordered); i++ {
		for j := i + 1; j < len(ordered); j++ {
			if ordered[j].seq < ordered[i].seq {
				ordered[i], ordered[j] = ordered[j], ordered[i]
			}
		}
	}
	for i := 0; i < toEvict && i < len(ordered); i++ {
		delete(b.dedup, ordered[i].id)
	}
}

// ensureSegment opens a fresh segment if none is currently open. Must
// hold mu.
func (b *Buffer) ensureSegment() error {
	if b.cur != nil {
		return nil
	}
	return b.rotate()
}

// wouldExceed reports whether writing n more bytes, or the segment's
// current age, calls for rotation before the write. Must hold mu.
func (b *Buffer) wouldExceed(n int64) bool {
	if b.cur == nil {
		return false
	}
	if b.cur.size+n > b.cfg.SegmentBytes {
		return true
	}
	if b.cfg.Now().Sub(b.cur.firstTS) > b.cfg.SegmentMaxAge {
		return true
	}
	return false
}

// rotate closes the current segment (if any) and opens a new one. A
// current segment that holds no events yet is kept instead. The new
// segment never reuses an existing file: if segment-<ms> already exists,
// the number is raised until the name is free. Must hold mu.
func (b *Buffer) rotate() error {
	if b.cur != nil {
		if b.cur.count == 0 {
			return nil
		}
		if err := b.closeCurrent(); err != nil {
			return err
		}
	}

	now := b.cfg.Now()
	ms := now.UnixMilli()
	base := filepath.Join(b.cfg.Dir, fmt.Sprintf("segment-%d", ms))
	for {
		if _, err := os.Stat(base + ".jsonl"); err != nil {
			break
		}
		ms++
		base = filepath.Join(b.cfg.Dir, fmt.Sprintf("segment-%d", ms))
	}

	data, err := os.OpenFile(base+".jsonl", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		return fmt.Errorf("walbuf: create segment data file: %w", err)
	}
	idx, err := os.OpenFile(base+".idx", os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o600)
	if err != nil {
		_ = data.Close()
		return fmt.Errorf("walbuf: create segment index file: %w", err)
	}

	b.cur = &segment{
		base:     base,
		data:     data,
		index:    idx,
		indexEnc: json.NewEncoder(idx),
		openedAt: now,
		firstTS:  now,
	}
	b.logger.Debug("walbuf: opened segment", "base", base)
	return nil
}

// closeCurrent syncs (if configured) and closes the open segment files.
// Must hold mu.
func (b *Buffer) closeCurrent() error {
	seg := b.cur
	b.cur = nil

	if b.cfg.FsyncOnRotate {
		if err := seg.data.Sync(); err != nil {
			b.logger.Warn("walbuf: data sync failed", "segment", seg.base, "error", err)
		}
		if err := seg.index.Sync(); err != nil {
			b.logger.Warn("walbuf: index sync failed", "segment", seg.base, "error", err)
		}
	}
	dataErr := seg.data.Close()
	idxErr := seg.index.Close()
	if dataErr != nil {
		return fmt.Errorf("walbuf: close segment data: %w", dataErr)
	}
	if idxErr != nil {
		return fmt.Errorf("walbuf: close segment index: %w", idxErr)
	}
	return nil
}
