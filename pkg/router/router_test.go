package router

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"
	"testing"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
)

type fakeSink struct {
	id       string
	writeErr error
	closed   bool
	mu       sync.Mutex
	written  []*event.AnalyticsEventV1
}

func (f *fakeSink) ID() string                                          { return f.id }
func (f *fakeSink) Init(context.Context) error                          { return nil }
func (f *fakeSink) Close() error                                        { f.closed = true; return nil }
func (f *fakeSink) GetIdempotencyKey(ev *event.AnalyticsEventV1) string { return ev.ID }

func (f *fakeSink) Write(_ context.Context, events []*event.AnalyticsEventV1) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.writeErr != nil {
		return f.writeErr
	}
	f.written = append(f.written, events...)
	return nil
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func evt(id string) *event.AnalyticsEventV1 {
	return &event.AnalyticsEventV1{ID: id, Schema: event.Schema, Type: "t", TS: event.NowRFC3339(), IngestTS: event.NowRFC3339(), Source: event.Source{Product: "p", Version: "1"}, RunID: "r"}
}

func TestRouteDeliversToAllSinks(t *testing.T) {
	r := New(testLogger())
	a := &fakeSink{id: "a"}
	b := &fakeSink{id: "b"}
	r.Register(a)
	r.Register(b)

	results := r.Route(context.Background(), []*event.AnalyticsEventV1{evt("1")})
	if len(results) != 2 {
		t.Fatalf("expected 2 results, got %d", len(results))
	}
	if len(a.written) != 1 || len(b.written) != 1 {
		t.Fatalf("expected both sinks to receive the event: a=%d b=%d", len(a.written), len(b.written))
	}
}

func TestRouteIsolatesSinkFailures(t *testing.T) {
	r := New(testLogger())
	failing := &fakeSink{id: "failing", writeErr: errors.New("boom")}
	ok := &fakeSink{id: "ok"}
	r.Register(failing)
	r.Register(ok)

	results := r.Route(context.Background(), []*event.AnalyticsEventV1{evt("1")})

	var sawFailure, sawSuccess bool
	for _, res := range results {
		if res.SinkID == "failing" && res.Err != nil {
			sawFailure = true
		}
		if res.SinkID == "ok" && res.Err == nil {
			sawSuccess = true
		}
	}
	if !sawFailure || !sawSuccess {
		t.Fatalf("expected one sink to fail and the other to succeed independently: %+v", results)
	}
	if len(ok.written) != 1 {
		t.Fatal("expected the non-failing sink to still receive the event")
	}
}

func TestCloseClosesAllSinksAndClearsMap(t *testing.T) {
	r := New(testLogger())
	a := &fakeSink{id: "a"}
	b := &fakeSink{id: "b"}
	r.Register(a)
	r.Register(b)

	if err := r.Close(); err != nil {
		t.Fatalf("Close: %v", err)
	}
	if !a.closed || !b.closed {
		t.Fatal("expected both sinks to be closed")
	}
	if len(r.SinkIDs()) != 0 {
		t.Fatalf("expected sink map cleared after close, got %v", r.SinkIDs())
	}
}
