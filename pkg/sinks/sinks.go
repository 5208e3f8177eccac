// Package sinks defines the common sink-adapter contract and the four
// concrete adapters: filesystem JSONL, HTTP, object storage, and
// embedded SQL.
package sinks

import (
	"context"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
)

// Sink is the common contract every adapter implements. Adapters must be
// idempotent against replay: writing the same event again must not
// produce duplicate effects observable downstream.
type Sink interface {
	ID() string
	Init(ctx context.Context) error
	Write(ctx context.Context, events []*event.AnalyticsEventV1) error
	Close() error
	GetIdempotencyKey(ev *event.AnalyticsEventV1) string
}

// idKey is the default GetIdempotencyKey every adapter uses unless it
// documents otherwise.
func idKey(ev *event.AnalyticsEventV1) string {
	return ev.ID
}
