package metrics

import (
	"math"
	"sort"
	"sync"
	"time"
)

const sampleRingCapacity = 1000

// ring is a fixed-capacity ring buffer of the last N float64 samples.
type ring struct {
	buf  []float64
	next int
	full bool
}

func newRing(capacity int) *ring {
	return &ring{buf: make([]float64, capacity)}
}

func (r *ring) add(v float64) {
	r.buf[r.next] = v
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *ring) values() []float64 {
	if !r.full {
		out := make([]float64, r.next)
		copy(out, r.buf[:r.next])
		return out
	}
	out := make([]float64, len(r.buf))
	copy(out, r.buf)
	return out
}

// percentile implements pX(sorted) = sorted[ceil(|sorted|*X)-1], clamped
// to bounds; empty input returns 0.
func percentile(values []float64, x float64) float64 {
	if len(values) == 0 {
		return 0
	}
	sorted := make([]float64, len(values))
	copy(sorted, values)
	sort.Float64s(sorted)

	idx := int(math.Ceil(float64(len(sorted))*x)) - 1
	if idx < 0 {
		idx = 0
	}
	if idx >= len(sorted) {
		idx = len(sorted) - 1
	}
	return sorted[idx]
}

// PercentileSet bundles p50/p95/p99 for a sampled distribution.
type PercentileSet struct {
	P50, P95, P99 float64
}

func percentilesOf(values []float64) PercentileSet {
	return PercentileSet{
		P50: percentile(values, 0.50),
		P95: percentile(values, 0.95),
		P99: percentile(values, 0.99),
	}
}

// sinkStats tracks per-sink counters and latency samples.
type sinkStats struct {
	mu                  sync.Mutex
	successCount        int64
	errorCount          int64
	sendLatency         *ring
	circuitBreakerState string
}

func newSinkStats() *sinkStats {
	return &sinkStats{sendLatency: newRing(sampleRingCapacity)}
}

// Collector aggregates per-sink and global metrics for periodic
// snapshotting. It is distinct from Registry: Registry exposes the
// Prometheus text format for scraping, Collector serves the richer
// percentile/queue-depth snapshot consumed by admin tooling.
type Collector struct {
	mu sync.Mutex

	sinks           map[string]*sinkStats
	eventTimestamps []time.Time // within a rolling 60s window
	batchSizes      *ring
	queueDepth      int64
	now             func() time.Time
}

// NewCollector creates an empty Collector.
func NewCollector() *Collector {
	return &Collector{
		sinks:      make(map[string]*sinkStats),
		batchSizes: newRing(sampleRingCapacity),
		now:        time.Now,
	}
}

func (c *Collector) sinkStatsFor(sinkID string) *sinkStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sinks[sinkID]
	if !ok {
		s = newSinkStats()
		c.sinks[sinkID] = s
	}
	return s
}

// RecordEvent notes that one event was accepted into the pipeline, for
// eventsPerSecond computation.
func (c *Collector) RecordEvent() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.eventTimestamps = append(c.eventTimestamps, c.now())
	c.pruneEventsLocked()
}

func (c *Collector) pruneEventsLocked() {
	cutoff := c.now().Add(-60 * time.Second)
	i := 0
	for i < len(c.eventTimestamps) && c.eventTimestamps[i].Before(cutoff) {
		i++
	}
	c.eventTimestamps = c.eventTimestamps[i:]
}

// RecordBatch notes a flushed batch's size.
func (c *Collector) RecordBatch(size int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.batchSizes.add(float64(size))
}

// RecordSinkSuccess records a successful sink write and its latency.
func (c *Collector) RecordSinkSuccess(sinkID string, latency time.Duration) {
	s := c.sinkStatsFor(sinkID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.successCount++
	s.sendLatency.add(latency.Seconds())
}

// RecordSinkError records a failed sink write and its latency.
func (c *Collector) RecordSinkError(sinkID string, latency time.Duration) {
	s := c.sinkStatsFor(sinkID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.errorCount++
	s.sendLatency.add(latency.Seconds())
}

// SetCircuitBreakerState records a sink's current breaker state string.
func (c *Collector) SetCircuitBreakerState(sinkID, state string) {
	s := c.sinkStatsFor(sinkID)
	s.mu.Lock()
	defer s.mu.Unlock()
	s.circuitBreakerState = state
}

// SetQueueDepth records the last reported buffer queue depth.
func (c *Collector) SetQueueDepth(depth int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.queueDepth = depth
}

// Snapshot is the point-in-time metrics view returned by GetSnapshot.
type Snapshot struct {
	EventsPerSecond      float64
	BatchSize            PercentileSet
	SendLatency          PercentileSet
	ErrorRate            float64
	QueueDepth           int64
	CircuitBreakerStates map[string]string
}

// GetSnapshot computes eventsPerSecond, batch/latency percentiles,
// errorRate, queueDepth, and per-sink breaker states as of now.
func (c *Collector) GetSnapshot() Snapshot {
	c.mu.Lock()
	c.pruneEventsLocked()
	eventsPerSecond := float64(len(c.eventTimestamps)) / 60.0
	batchValues := c.batchSizes.values()
	queueDepth := c.queueDepth

	type sinkRef struct {
		id   string
		data *sinkStats
	}
	refs := make([]sinkRef, 0, len(c.sinks))
	for id, s := range c.sinks {
		refs = append(refs, sinkRef{id: id, data: s})
	}
	c.mu.Unlock()

	var totalSuccess, totalErrors int64
	var allLatency []float64
	states := make(map[string]string, len(refs))
	for _, ref := range refs {
		ref.data.mu.Lock()
		totalSuccess += ref.data.successCount
		totalErrors += ref.data.errorCount
		allLatency = append(allLatency, ref.data.sendLatency.values()...)
		states[ref.id] = ref.data.circuitBreakerState
		ref.data.mu.Unlock()
	}

	errorRate := 0.0
	if totalSuccess+totalErrors > 0 {
		errorRate = float64(totalErrors) / float64(totalSuccess+totalErrors)
	}

	return Snapshot{
		EventsPerSecond:      eventsPerSecond,
		BatchSize:            percentilesOf(batchValues),
		SendLatency:          percentilesOf(allLatency),
		ErrorRate:            errorRate,
		QueueDepth:           queueDepth,
		CircuitBreakerStates: states,
	}
}
