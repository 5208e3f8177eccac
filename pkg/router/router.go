// Package router fans an event batch out to every registered sink
// concurrently, isolating each sink's failures from the others.
package router

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/fn"
	"github.com/kb-labs/analytics-pipeline/pkg/sinks"
)

// Result is one sink's outcome from a Route call.
type Result struct {
	SinkID string
	Err    error
}

// Router holds every registered sink adapter. It is the only component
// that knows about all sinks at once.
type Router struct {
	logger *slog.Logger

	mu    sync.RWMutex
	sinks map[string]sinks.Sink
}

// New creates an empty Router.
func New(logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	return &Router{logger: logger, sinks: make(map[string]sinks.Sink)}
}

// Register adds a sink to the router, keyed by its ID.
func (r *Router) Register(s sinks.Sink) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sinks[s.ID()] = s
}

// Route writes events to every registered sink concurrently. Individual
// sink failures are logged and returned in the result slice but never
// propagated as a function error — one sink's failure must not impair
// another's write.
func (r *Router) Route(ctx context.Context, events []*event.AnalyticsEventV1) []Result {
	r.mu.RLock()
	targets := make([]sinks.Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		targets = append(targets, s)
	}
	r.mu.RUnlock()

	fns := make([]func() Result, len(targets))
	for i, s := range targets {
		s := s
		fns[i] = func() Result {
			err := s.Write(ctx, events)
			if err != nil {
				r.logger.Error("router: sink write failed", "sink", s.ID(), "error", err)
			}
			return Result{SinkID: s.ID(), Err: err}
		}
	}

	return fn.FanOut(fns...)
}

// SinkByID returns the registered sink for id, if any. Exposed so
// ownership stays with the router while other components (e.g. metrics
// wiring that reads a sink's breaker state) can still reach it.
func (r *Router) SinkByID(id string) (sinks.Sink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[id]
	return s, ok
}

// WriteOne writes events to exactly one registered sink, looked up by
// ID. Used by per-sink batchers so they never hold a sink reference
// directly — the router remains the sole owner of every adapter.
func (r *Router) WriteOne(ctx context.Context, sinkID string, events []*event.AnalyticsEventV1) error {
	r.mu.RLock()
	s, ok := r.sinks[sinkID]
	r.mu.RUnlock()
	if !ok {
		return fmt.Errorf("router: no sink registered for id %q", sinkID)
	}
	if err := s.Write(ctx, events); err != nil {
		r.logger.Error("router: sink write failed", "sink", sinkID, "error", err)
		return err
	}
	return nil
}

// Close closes every registered sink concurrently and clears the map.
func (r *Router) Close() error {
	r.mu.Lock()
	targets := make([]sinks.Sink, 0, len(r.sinks))
	for _, s := range r.sinks {
		targets = append(targets, s)
	}
	r.sinks = make(map[string]sinks.Sink)
	r.mu.Unlock()

	fns := make([]func() error, len(targets))
	for i, s := range targets {
		s := s
		fns[i] = func() error { return s.Close() }
	}
	errs := fn.FanOut(fns...)
	for _, err := range errs {
		if err != nil {
			return err
		}
	}
	return nil
}

// SinkIDs returns the IDs of every currently registered sink.
func (r *Router) SinkIDs() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	ids := make([]string, 0, len(r.sinks))
	for id := range r.sinks {
		ids = append(ids, id)
	}
	return ids
}
