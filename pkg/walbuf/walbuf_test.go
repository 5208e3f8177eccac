package walbuf

import (
	"io"
	"log/slog"
	"path/filepath"
	"testing"
	"time"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newEvent(id string) *event.AnalyticsEventV1 {
	return &event.AnalyticsEventV1{
		ID:       id,
		Schema:   event.Schema,
		Type:     "test.event",
		TS:       event.NowRFC3339(),
		IngestTS: event.NowRFC3339(),
		Source:   event.Source{Product: "p", Version: "1"},
		RunID:    "run",
	}
}

func TestAppendWritesEventAndIndex(t *testing.T) {
	dir := t.TempDir()
	buf, err := New(testLogger(), Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()

	outcome, err := buf.Append(newEvent("evt-1"))
	if err != nil {
		t.Fatalf("Append: %v", err)
	}
	if outcome != Accepted {
		t.Fatalf("expected Accepted, got %v", outcome)
	}

	segs, err := buf.ListSegments()
	if err != nil || len(segs) != 1 {
		t.Fatalf("expected 1 segment, got %v (err %v)", segs, err)
	}

	events, err := buf.ReadSegment(segs[0])
	if err != nil || len(events) != 1 || events[0].ID != "evt-1" {
		t.Fatalf("unexpected events: %v (err %v)", events, err)
	}

	idx, err := buf.ReadIndex(segs[0])
	if err != nil || len(idx) != 1 || idx[0].EventID != "evt-1" {
		t.Fatalf("unexpected index: %v (err %v)", idx, err)
	}
}

func TestAppendDeduplicatesWithinProcess(t *testing.T) {
	dir := t.TempDir()
	buf, err := New(testLogger(), Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()

	if _, err := buf.Append(newEvent("dup")); err != nil {
		t.Fatalf("first append: %v", err)
	}
	outcome, err := buf.Append(newEvent("dup"))
	if err != nil {
		t.Fatalf("second append: %v", err)
	}
	if outcome != Duplicate {
		t.Fatalf("expected Duplicate, got %v", outcome)
	}
}

func TestAppendRotatesOnSize(t *testing.T) {
	dir := t.TempDir()
	buf, err := New(testLogger(), Config{Dir: dir, SegmentBytes: 1})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()

	if _, err := buf.Append(newEvent("a")); err != nil {
		t.Fatalf("append a: %v", err)
	}
	if _, err := buf.Append(newEvent("b")); err != nil {
		t.Fatalf("append b: %v", err)
	}

	segs, err := buf.ListSegments()
	if err != nil || len(segs) != 2 {
		t.Fatalf("expected 2 segments after size-triggered rotation, got %v (err %v)", segs, err)
	}
}

func TestAppendRotatesOnAge(t *testing.T) {
	dir := t.TempDir()
	now := time.Unix(1000, 0)
	clock := func() time.Time { return now }

	buf, err := New(testLogger(), Config{Dir: dir, SegmentMaxAge: time.Millisecond, Now: clock})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()

	if _, err := buf.Append(newEvent("a")); err != nil {
		t.Fatalf("append a: %v", err)
	}
	now = now.Add(time.Second)
	if _, err := buf.Append(newEvent("b")); err != nil {
		t.Fatalf("append b: %v", err)
	}

	segs, err := buf.ListSegments()
	if err != nil || len(segs) != 2 {
		t.Fatalf("expected 2 segments after age-triggered rotation, got %v (err %v)", segs, err)
	}
}

func TestClearDedupCacheAllowsReAppend(t *testing.T) {
	dir := t.TempDir()
	buf, err := New(testLogger(), Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()

	if _, err := buf.Append(newEvent("x")); err != nil {
		t.Fatalf("append: %v", err)
	}
	buf.ClearDedupCache()
	outcome, err := buf.Append(newEvent("x"))
	if err != nil {
		t.Fatalf("re-append: %v", err)
	}
	if outcome != Accepted {
		t.Fatalf("expected Accepted after cache clear, got %v", outcome)
	}
}

func TestDedupEvictsOldestOnOverflow(t *testing.T) {
	dir := t.TempDir()
	buf, err := New(testLogger(), Config{Dir: dir, DedupCapacity: 10})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	defer buf.Close()

	for i := 0; i < 20; i++ {
		id := filepath.Join("evt", string(rune('a'+i)))
		if _, err := buf.Append(newEvent(id)); err != nil {
			t.Fatalf("append %d: %v", i, err)
		}
	}
	buf.dedupMu.Lock()
	size := len(buf.dedup)
	buf.dedupMu.Unlock()
	if size > buf.cfg.DedupCapacity {
		t.Fatalf("expected eviction to keep cache near capacity, got size %d for capacity %d", size, buf.cfg.DedupCapacity)
	}
}

func TestCloseIsIdempotentWithoutAppend(t *testing.T) {
	dir := t.TempDir()
	buf, err := New(testLogger(), Config{Dir: dir})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	if err := buf.Close(); err != nil {
		t.Fatalf("Close on empty buffer: %v", err)
	}
}
