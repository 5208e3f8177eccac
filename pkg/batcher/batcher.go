// Package batcher accumulates events per sink until a size or age
// threshold is reached, then flushes them as one batch.
package batcher

import (
	"sync"
	"time"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
)

const (
	defaultMaxSize = 100
	defaultMaxAge  = 5 * time.Second
)

// Opts configures a Batcher's flush thresholds. Closing flushes any
// remainder by default; set SkipFlushOnClose to opt out.
type Opts struct {
	MaxSize          int
	MaxAge           time.Duration
	SkipFlushOnClose bool
	Now              func() time.Time
}

func (o Opts) withDefaults() Opts {
	if o.MaxSize <= 0 {
		o.MaxSize = defaultMaxSize
	}
	if o.MaxAge <= 0 {
		o.MaxAge = defaultMaxAge
	}
	if o.Now == nil {
		o.Now = time.Now
	}
	return o
}

// FlushFunc is invoked with a batch in add-order whenever a threshold
// is crossed, or on Close unless SkipFlushOnClose is set.
type FlushFunc func(batch []*event.AnalyticsEventV1) error

// Batcher is a single sink's pending-batch accumulator. Safe for
// concurrent use; Add may be called from many goroutines while a
// background ticker (driven by the caller via MaybeFlushByAge) enforces
// the age threshold.
type Batcher struct {
	opts  Opts
	flush FlushFunc

	mu       sync.Mutex
	pending  []*event.AnalyticsEventV1
	oldestAt time.Time
	closed   bool
}

// New creates a Batcher that calls flush whenever size or age thresholds
// are crossed.
func New(opts Opts, flush FlushFunc) *Batcher {
	return &Batcher{opts: opts.withDefaults(), flush: flush}
}

// Add appends ev to the pending batch, flushing immediately if MaxSize
// is reached.
func (b *Batcher) Add(ev *event.AnalyticsEventV1) error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	if len(b.pending) == 0 {
		b.oldestAt = b.opts.Now()
	}
	b.pending = append(b.pending, ev)
	full := len(b.pending) >= b.opts.MaxSize
	b.mu.Unlock()

	if full {
		return b.Flush()
	}
	return nil
}

// MaybeFlushByAge flushes the pending batch if the oldest buffered
// event has aged past MaxAge. Callers drive this from a ticker.
func (b *Batcher) MaybeFlushByAge() error {
	b.mu.Lock()
	if len(b.pending) == 0 || b.closed {
		b.mu.Unlock()
		return nil
	}
	due := b.opts.Now().Sub(b.oldestAt) >= b.opts.MaxAge
	b.mu.Unlock()

	if due {
		return b.Flush()
	}
	return nil
}

// Flush forces an immediate flush of whatever is pending, regardless
// of thresholds. A no-op if nothing is pending.
func (b *Batcher) Flush() error {
	b.mu.Lock()
	if len(b.pending) == 0 {
		b.mu.Unlock()
		return nil
	}
	batch := b.pending
	b.pending = nil
	b.mu.Unlock()

	return b.flush(batch)
}

// Close drains the batcher. Unless SkipFlushOnClose is set, any pending
// batch is flushed first. Close is idempotent.
func (b *Batcher) Close() error {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return nil
	}
	b.closed = true
	b.mu.Unlock()

	if !b.opts.SkipFlushOnClose {
		return b.Flush()
	}
	return nil
}

// Pending returns the number of events currently buffered, for
// backpressure depth reporting.
func (b *Batcher) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.pending)
}
