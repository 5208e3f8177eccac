// Package middleware implements the redact -> hash-PII -> sample -> enrich
// chain applied to every event before it reaches the buffer.
package middleware

import (
	"context"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/fn"
)

// Outcome is what a middleware stage produces: either a transformed event
// or a drop (sampling only — never an error condition).
type Outcome struct {
	Event      *event.AnalyticsEventV1
	Dropped    bool
	DropReason string
}

func keep(ev *event.AnalyticsEventV1) fn.Result[Outcome] {
	return fn.Ok(Outcome{Event: ev})
}

func drop(reason string) fn.Result[Outcome] {
	return fn.Ok(Outcome{Dropped: true, DropReason: reason})
}

// Stage transforms an event into an Outcome. It never mutates its input.
type Stage func(context.Context, *event.AnalyticsEventV1) fn.Result[Outcome]

// Chain composes stages in strict redact -> hash-PII -> sample -> enrich
// order, short-circuiting as soon as a stage drops the event or errors.
type Chain struct {
	stages []Stage
}

// NewChain builds the fixed-order chain from a Config.
func NewChain(cfg Config) (*Chain, error) {
	enrich, err := newEnricher(cfg.Enrich)
	if err != nil {
		return nil, err
	}
	return &Chain{
		stages: []Stage{
			newRedactor(cfg.Redact).stage,
			newPIIHasher(cfg.PII).stage,
			newSampler(cfg.Sampling).stage,
			enrich.stage,
		},
	}, nil
}

// Run applies every stage in order to a deep copy of ev.
func (c *Chain) Run(ctx context.Context, ev *event.AnalyticsEventV1) fn.Result[Outcome] {
	cur := ev.Clone()
	for _, s := range c.stages {
		r := s(ctx, cur)
		if r.IsErr() {
			return r
		}
		out, _ := r.Unwrap()
		if out.Dropped {
			return r
		}
		cur = out.Event
	}
	return fn.Ok(Outcome{Event: cur})
}
