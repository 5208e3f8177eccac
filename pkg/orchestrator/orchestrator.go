// Package orchestrator wires the event validator, middleware chain,
// backpressure controller, WAL buffer, per-sink batchers, router, DLQ,
// and metrics collector into the single emit path callers use.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/kb-labs/analytics-pipeline/pkg/backpressure"
	"github.com/kb-labs/analytics-pipeline/pkg/batcher"
	"github.com/kb-labs/analytics-pipeline/pkg/bus"
	"github.com/kb-labs/analytics-pipeline/pkg/dlq"
	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/metrics"
	"github.com/kb-labs/analytics-pipeline/pkg/middleware"
	"github.com/kb-labs/analytics-pipeline/pkg/router"
	"github.com/kb-labs/analytics-pipeline/pkg/sinks"
	"github.com/kb-labs/analytics-pipeline/pkg/walbuf"
)

// EmitResult is always returned from Emit; queued=false carries a
// human-facing reason instead of an error, per the "emit never throws"
// contract.
type EmitResult struct {
	Queued bool
	Reason string
}

const ageFlushInterval = 250 * time.Millisecond

// Orchestrator owns the buffer, DLQ, middleware chain, backpressure
// controller, router, metrics collector, and one batcher per sink. It
// is the only component that performs the full emit path.
//
// Initialization happens once in New, which fails fast on any
// configuration or I/O error rather than lazily re-attempting inside
// Emit.
type Orchestrator struct {
	cfg    Config
	logger *slog.Logger
	now    func() time.Time

	buffer *walbuf.Buffer
	dlq    *dlq.Queue
	chain  *middleware.Chain
	bp     *backpressure.Controller
	router *router.Router
	bus    *bus.Bus
	coll   *metrics.Collector

	batchers map[string]*batcher.Batcher

	// queueDepth reports the current buffer depth for backpressure and
	// snapshotting. Defaults to the event count of the buffer's current
	// segment;
	// replaceable so load can be simulated without a real buffer.
	queueDepth func() int64

	closeOnce sync.Once
	stopCh    chan struct{}
	wg        sync.WaitGroup
}

// New builds every owned component from cfg and registers every
// configured sink. The returned Orchestrator is ready for Emit calls.
func New(cfg Config, logger *slog.Logger) (*Orchestrator, error) {
	if logger == nil {
		logger = slog.Default()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}

	buf, err := walbuf.New(logger, walbuf.Config{
		Dir:           cfg.Buffer.Dir,
		SegmentBytes:  cfg.Buffer.SegmentBytes,
		SegmentMaxAge: cfg.Buffer.SegmentMaxAge,
		FsyncOnRotate: cfg.Buffer.FsyncOnRotate,
		Now:           now,
	})
	if err != nil {
		return nil, fmt.Errorf("orchestrator: init buffer: %w", err)
	}

	dlqQueue, err := dlq.New(logger, cfg.DLQDir)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: init dlq: %w", err)
	}

	chain, err := middleware.NewChain(cfg.Middleware)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: init middleware chain: %w", err)
	}

	bp, err := backpressure.New(cfg.Backpressure)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: init backpressure: %w", err)
	}

	embeddedBus, err := bus.New(cfg.Bus.EmbeddedPort)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: init bus: %w", err)
	}

	r := router.New(logger)
	coll := metrics.NewCollector()

	o := &Orchestrator{
		cfg:      cfg,
		logger:   logger,
		now:      now,
		buffer:   buf,
		dlq:      dlqQueue,
		chain:    chain,
		bp:       bp,
		router:   r,
		bus:      embeddedBus,
		coll:     coll,
		batchers: make(map[string]*batcher.Batcher),
		stopCh:   make(chan struct{}),
	}
	o.queueDepth = buf.QueueDepth

	ctx := context.Background()
	for _, sinkCfg := range cfg.Sinks {
		s, err := buildSink(sinkCfg)
		if err != nil {
			_ = embeddedBus.Close()
			return nil, err
		}
		if err := s.Init(ctx); err != nil {
			_ = embeddedBus.Close()
			return nil, fmt.Errorf("orchestrator: init sink %s: %w", s.ID(), err)
		}
		r.Register(s)
		if err := o.wireSink(s); err != nil {
			_ = embeddedBus.Close()
			return nil, err
		}
	}

	return o, nil
}

// wireSink creates the sink's batcher, subscribes it to the bus
// dispatch subject, and starts its age-flush ticker.
func (o *Orchestrator) wireSink(s sinks.Sink) error {
	sinkID := s.ID()
	b := batcher.New(batcher.Opts{
		MaxSize: o.cfg.Batcher.MaxSize,
		MaxAge:  o.cfg.Batcher.MaxAge,
		Now:     o.now,
	}, func(batch []*event.AnalyticsEventV1) error {
		return o.flushBatch(sinkID, batch)
	})
	o.batchers[sinkID] = b

	_, err := o.bus.SubscribeEvents(bus.DispatchSubject(sinkID), func(_ context.Context, ev *event.AnalyticsEventV1) {
		if err := b.Add(ev); err != nil {
			o.logger.Error("orchestrator: batcher add failed", "sink", sinkID, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("orchestrator: subscribe sink %s: %w", sinkID, err)
	}

	o.wg.Add(1)
	go o.ageFlushLoop(sinkID, b)
	return nil
}

func (o *Orchestrator) ageFlushLoop(sinkID string, b *batcher.Batcher) {
	defer o.wg.Done()
	ticker := time.NewTicker(ageFlushInterval)
	defer ticker.Stop()
	for {
		select {
		case <-o.stopCh:
			return
		case <-ticker.C:
			if err := b.MaybeFlushByAge(); err != nil {
				o.logger.Error("orchestrator: age-triggered flush failed", "sink", sinkID, "error", err)
			}
		}
	}
}

// flushBatch writes a batch to one sink through the router, recording
// metrics and diverting the whole batch to the DLQ on failure.
func (o *Orchestrator) flushBatch(sinkID string, batch []*event.AnalyticsEventV1) error {
	o.coll.RecordBatch(len(batch))
	start := o.now()
	err := o.router.WriteOne(context.Background(), sinkID, batch)
	latency := o.now().Sub(start)

	if s, ok := o.router.SinkByID(sinkID); ok {
		if bsAware, ok := s.(interface{ BreakerState() string }); ok {
			o.coll.SetCircuitBreakerState(sinkID, bsAware.BreakerState())
		}
	}

	if err != nil {
		o.coll.RecordSinkError(sinkID, latency)
		for _, ev := range batch {
			if dlqErr := o.dlq.Insert(ev, err, 0); dlqErr != nil {
				o.logger.Error("orchestrator: dlq insert failed", "sink", sinkID, "error", dlqErr)
			}
		}
		return err
	}
	o.coll.RecordSinkSuccess(sinkID, latency)
	return nil
}

// Emit validates, transforms, and durably buffers ev, then schedules
// asynchronous fan-out to every configured sink. It never panics or
// returns an error to the caller — every failure mode surfaces as
// EmitResult.Queued == false with a human-facing Reason.
func (o *Orchestrator) Emit(ctx context.Context, input map[string]any) (result EmitResult) {
	defer func() {
		if r := recover(); r != nil {
			o.logger.Error("orchestrator: emit panicked", "panic", r)
			result = EmitResult{Queued: false, Reason: fmt.Sprintf("Internal error: %v", r)}
		}
	}()

	if !o.cfg.Enabled {
		return EmitResult{Queued: false, Reason: "Analytics disabled"}
	}

	filled := o.fillDefaults(input)
	ev, failures := event.Validate(filled)
	if len(failures) > 0 {
		return EmitResult{Queued: false, Reason: fmt.Sprintf("Validation failed: %s", failures[0].Error())}
	}

	mid, midErr := o.chain.Run(ctx, ev).Unwrap()
	if midErr != nil {
		o.insertDLQBestEffort(ev, midErr)
		return EmitResult{Queued: false, Reason: fmt.Sprintf("Internal error: %v", midErr)}
	}
	if mid.Dropped {
		o.coll.RecordEvent()
		return EmitResult{Queued: false, Reason: "Dropped by sampling"}
	}
	ev = mid.Event

	o.bp.SetDepth(o.queueDepth())
	if !o.bp.ShouldAccept() {
		return EmitResult{Queued: false, Reason: fmt.Sprintf("Backpressure %s: dropped", o.bp.State().Level)}
	}

	appendOutcome, err := o.buffer.Append(ev)
	if err != nil {
		o.logger.Error("orchestrator: buffer append failed", "error", err)
		o.insertDLQBestEffort(ev, err)
		return EmitResult{Queued: false, Reason: fmt.Sprintf("Internal error: %v", err)}
	}
	if appendOutcome == walbuf.Duplicate {
		return EmitResult{Queued: false, Reason: "Duplicate event"}
	}

	o.coll.RecordEvent()
	for _, sinkID := range o.router.SinkIDs() {
		if pubErr := o.bus.PublishEvent(ctx, bus.DispatchSubject(sinkID), ev); pubErr != nil {
			o.logger.Error("orchestrator: bus publish failed", "sink", sinkID, "error", pubErr)
		}
	}

	return EmitResult{Queued: true}
}

func (o *Orchestrator) insertDLQBestEffort(ev *event.AnalyticsEventV1, cause error) {
	if ev == nil {
		return
	}
	if err := o.dlq.Insert(ev, cause, 0); err != nil {
		o.logger.Error("orchestrator: dlq insert failed", "error", err)
	}
}

// fillDefaults fills the required fields the caller omitted, per the
// emit path's step 3: new UUIDv7 id, schema literal, default type,
// current timestamps, source fallback, and a generated runId.
func (o *Orchestrator) fillDefaults(input map[string]any) map[string]any {
	out := make(map[string]any, len(input)+6)
	for k, v := range input {
		out[k] = v
	}

	if id, ok := out["id"].(string); !ok || id == "" {
		out["id"] = uuid.Must(uuid.NewV7()).String()
	}
	if schema, ok := out["schema"].(string); !ok || schema == "" {
		out["schema"] = event.Schema
	}
	if typ, ok := out["type"].(string); !ok || typ == "" {
		out["type"] = "unknown"
	}
	now := o.now()
	if ts, ok := out["ts"].(string); !ok || ts == "" {
		out["ts"] = now.Format(time.RFC3339)
	}
	if its, ok := out["ingestTs"].(string); !ok || its == "" {
		out["ingestTs"] = now.Format(time.RFC3339)
	}
	if _, ok := out["source"]; !ok {
		out["source"] = map[string]any{
			"product": o.cfg.DefaultSource.Product,
			"version": o.cfg.DefaultSource.Version,
		}
	}
	if runID, ok := out["runId"].(string); !ok || runID == "" {
		out["runId"] = fmt.Sprintf("run_%d", now.UnixMilli())
	}
	return out
}

// Snapshot returns the current metrics snapshot (rates, percentiles,
// error rate, queue depth, breaker states).
func (o *Orchestrator) Snapshot() metrics.Snapshot {
	o.coll.SetQueueDepth(o.queueDepth())
	return o.coll.GetSnapshot()
}

// BufferDir and DLQDir expose read-only paths for external
// tailing/compaction collaborators.
func (o *Orchestrator) BufferDir() string { return o.cfg.Buffer.Dir }
func (o *Orchestrator) DLQDir() string    { return o.cfg.DLQDir }

// Close flushes every batcher, closes the router (and so every sink),
// shuts down the bus, and closes the buffer and DLQ. Idempotent.
func (o *Orchestrator) Close() error {
	var outErr error
	o.closeOnce.Do(func() {
		close(o.stopCh)
		o.wg.Wait()

		for sinkID, b := range o.batchers {
			if err := b.Close(); err != nil {
				o.logger.Error("orchestrator: batcher close failed", "sink", sinkID, "error", err)
				outErr = err
			}
		}
		if err := o.router.Close(); err != nil && outErr == nil {
			outErr = err
		}
		if err := o.bus.Close(); err != nil && outErr == nil {
			outErr = err
		}
		if err := o.buffer.Close(); err != nil && outErr == nil {
			outErr = err
		}
		if err := o.dlq.Close(); err != nil && outErr == nil {
			outErr = err
		}
	})
	return outErr
}
