package middleware

import (
	"context"
	"math/rand"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/fn"
)

// SamplingConfig controls per-event-type sampling rates. A rate of 1.0
// keeps every event; 0.0 drops every event.
type SamplingConfig struct {
	Default float64
	ByEvent map[string]float64
	Rand    func() float64 // overridable for deterministic tests
}

type sampler struct {
	cfg SamplingConfig
}

func newSampler(cfg SamplingConfig) *sampler {
	if cfg.Rand == nil {
		cfg.Rand = rand.Float64
	}
	if cfg.Default == 0 {
		cfg.Default = 1.0
	}
	return &sampler{cfg: cfg}
}

func (s *sampler) stage(_ context.Context, ev *event.AnalyticsEventV1) fn.Result[Outcome] {
	rate := s.cfg.Default
	if r, ok := s.cfg.ByEvent[ev.Type]; ok {
		rate = r
	}
	if rate >= 1.0 {
		return keep(ev)
	}
	if rate <= 0.0 {
		return drop("sampled")
	}
	if s.cfg.Rand() < rate {
		return keep(ev)
	}
	return drop("sampled")
}
