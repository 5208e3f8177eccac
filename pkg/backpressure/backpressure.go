// Package backpressure derives an accept/drop/pause decision and a
// sampling rate from the buffer's current queue depth.
package backpressure

import (
	"fmt"
	"math/rand"
	"sync"
)

// Level is the derived backpressure state.
type Level string

const (
	Normal   Level = "normal"
	High     Level = "high"
	Critical Level = "critical"
)

// Opts configures the controller's thresholds and per-level sampling rates.
type Opts struct {
	High         int64
	Critical     int64
	HighRate     float64
	CriticalRate float64
	Rand         func() float64 // overridable for deterministic tests
}

var DefaultOpts = Opts{
	High:         20_000,
	Critical:     50_000,
	HighRate:     0.5,
	CriticalRate: 0.1,
}

func (o Opts) withDefaults() Opts {
	if o.High == 0 {
		o.High = DefaultOpts.High
	}
	if o.Critical == 0 {
		o.Critical = DefaultOpts.Critical
	}
	if o.HighRate == 0 {
		o.HighRate = DefaultOpts.HighRate
	}
	if o.CriticalRate == 0 {
		o.CriticalRate = DefaultOpts.CriticalRate
	}
	if o.Rand == nil {
		o.Rand = rand.Float64
	}
	return o
}

// State is a snapshot of the controller's derived decision at a point
// in time.
type State struct {
	Level        Level
	SamplingRate float64
	ShouldPause  bool
}

// Controller derives backpressure decisions from an externally-reported
// queue depth. Safe for concurrent use.
type Controller struct {
	opts Opts

	mu        sync.Mutex
	depth     int64
	dropCount int64
}

// New validates opts (High must be strictly less than Critical) and
// returns a Controller.
func New(opts Opts) (*Controller, error) {
	opts = opts.withDefaults()
	if opts.High >= opts.Critical {
		return nil, fmt.Errorf("backpressure: high threshold (%d) must be less than critical threshold (%d)", opts.High, opts.Critical)
	}
	return &Controller{opts: opts}, nil
}

// SetDepth updates the observed queue depth. Call this whenever the
// buffer's current segment event count changes.
func (c *Controller) SetDepth(depth int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.depth = depth
}

// State returns the controller's current derived level and sampling rate.
func (c *Controller) State() State {
	c.mu.Lock()
	depth := c.depth
	c.mu.Unlock()
	return c.stateForDepth(depth)
}

func (c *Controller) stateForDepth(depth int64) State {
	switch {
	case depth >= c.opts.Critical:
		return State{Level: Critical, SamplingRate: c.opts.CriticalRate, ShouldPause: true}
	case depth >= c.opts.High:
		return State{Level: High, SamplingRate: c.opts.HighRate, ShouldPause: false}
	default:
		return State{Level: Normal, SamplingRate: 1.0, ShouldPause: false}
	}
}

// ShouldAccept applies the shouldAccept() contract: paused states always
// reject; otherwise accept with probability equal to the sampling rate.
// Rejections increment the controller's drop counter.
func (c *Controller) ShouldAccept() bool {
	st := c.State()
	if st.ShouldPause {
		c.incrementDropCount()
		return false
	}
	if st.SamplingRate >= 1.0 {
		return true
	}
	if c.opts.Rand() < (1 - st.SamplingRate) {
		c.incrementDropCount()
		return false
	}
	return true
}

func (c *Controller) incrementDropCount() {
	c.mu.Lock()
	c.dropCount++
	c.mu.Unlock()
}

// DropCount returns the number of ShouldAccept calls that rejected.
func (c *Controller) DropCount() int64 {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dropCount
}
