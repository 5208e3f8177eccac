package sinks

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/resilience"
)

func evtHTTP(id string) *event.AnalyticsEventV1 {
	return &event.AnalyticsEventV1{ID: id, Schema: event.Schema, Type: "t", TS: event.NowRFC3339(), IngestTS: event.NowRFC3339(), Source: event.Source{Product: "p", Version: "1"}, RunID: "r"}
}

func TestHTTPSinkRetriesThenSucceeds(t *testing.T) {
	// Transport fails once with a network error, then returns 200:
	// exactly two invocations, breaker stays closed.
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := atomic.AddInt32(&calls, 1)
		if n == 1 {
			// Simulate a transient failure by hanging up without a response.
			hj, ok := w.(http.Hijacker)
			if !ok {
				w.WriteHeader(http.StatusInternalServerError)
				return
			}
			conn, _, _ := hj.Hijack()
			conn.Close()
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPConfig{
		URL:   srv.URL,
		Retry: resilience.BackoffOpts{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Factor: 2, MaxAttempts: 3},
	})
	if err := sink.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := sink.Write(context.Background(), []*event.AnalyticsEventV1{evtHTTP("a")}); err != nil {
		t.Fatalf("Write: %v", err)
	}

	if got := atomic.LoadInt32(&calls); got != 2 {
		t.Fatalf("expected exactly 2 transport invocations, got %d", got)
	}
	if sink.breaker.State() != resilience.StateClosed {
		t.Fatalf("expected breaker to remain closed, got %v", sink.breaker.State())
	}
}

func TestHTTPSinkSetsIdempotencyHeaderToFirstEventID(t *testing.T) {
	var gotHeader string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotHeader = r.Header.Get("Idempotency-Key")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPConfig{URL: srv.URL})
	if err := sink.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := sink.Write(context.Background(), []*event.AnalyticsEventV1{evtHTTP("first"), evtHTTP("second")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if gotHeader != "first" {
		t.Fatalf("expected idempotency header 'first', got %q", gotHeader)
	}
}

func TestHTTPSinkBearerAuth(t *testing.T) {
	var gotAuth string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPConfig{URL: srv.URL, Auth: &HTTPAuth{Kind: AuthBearer, Token: "tok123"}})
	if err := sink.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := sink.Write(context.Background(), []*event.AnalyticsEventV1{evtHTTP("a")}); err != nil {
		t.Fatalf("Write: %v", err)
	}
	if gotAuth != "Bearer tok123" {
		t.Fatalf("expected Bearer auth header, got %q", gotAuth)
	}
}

func TestHTTPSinkBreakerOpensAndFailsFast(t *testing.T) {
	// A transport that always fails trips the breaker once retries are
	// exhausted; the next write fails fast without hitting it.
	var calls int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&calls, 1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPConfig{
		URL:     srv.URL,
		Retry:   resilience.BackoffOpts{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2, MaxAttempts: 3},
		Breaker: resilience.BreakerOpts{FailThreshold: 2, Timeout: time.Minute},
	})
	if err := sink.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}

	if err := sink.Write(context.Background(), []*event.AnalyticsEventV1{evtHTTP("a")}); err == nil {
		t.Fatal("expected Write to fail after exhausted retries")
	}
	if sink.breaker.State() != resilience.StateOpen {
		t.Fatalf("expected breaker open, got %v", sink.breaker.State())
	}

	before := atomic.LoadInt32(&calls)
	if err := sink.Write(context.Background(), []*event.AnalyticsEventV1{evtHTTP("b")}); err == nil {
		t.Fatal("expected fail-fast while breaker is open")
	}
	if got := atomic.LoadInt32(&calls); got != before {
		t.Fatalf("expected no transport calls while open, got %d extra", got-before)
	}
}

func TestHTTPSinkNon2xxIsFailure(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	sink := NewHTTPSink(HTTPConfig{
		URL:   srv.URL,
		Retry: resilience.BackoffOpts{InitialDelay: time.Millisecond, MaxDelay: time.Millisecond, Factor: 2, MaxAttempts: 1},
	})
	if err := sink.Init(context.Background()); err != nil {
		t.Fatalf("Init: %v", err)
	}
	if err := sink.Write(context.Background(), []*event.AnalyticsEventV1{evtHTTP("a")}); err == nil {
		t.Fatal("expected error for non-2xx response")
	}
}
