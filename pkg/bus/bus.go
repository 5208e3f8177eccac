// Package bus is the orchestrator's internal event-dispatch channel: an
// embedded NATS server plus a typed client, used so that sink dispatch
// after buffer append is a genuine publish/subscribe hop rather than a
// bare Go channel send.
package bus

import (
	"context"
	"fmt"
	"time"

	natsserver "github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/natsutil"
)

// DispatchSubject returns the subject a sink's batcher worker
// subscribes to for incoming events.
func DispatchSubject(sinkID string) string {
	return "analytics.dispatch." + sinkID
}

// Bus runs an embedded NATS server in-process and holds the client
// connection used to publish/subscribe. It is purely an in-process
// queuing mechanism: no other process ever connects to it.
type Bus struct {
	srv *natsserver.Server
	nc  *nats.Conn
}

// New starts an embedded NATS server bound to port (use -1 for an
// OS-assigned port, the default for an in-process-only bus) and
// connects a client to it.
func New(port int) (*Bus, error) {
	opts := &natsserver.Options{
		Port:      port,
		NoLog:     true,
		NoSigs:    true,
		JetStream: false,
	}
	srv, err := natsserver.NewServer(opts)
	if err != nil {
		return nil, fmt.Errorf("bus: create embedded nats server: %w", err)
	}
	srv.Start()
	if !srv.ReadyForConnections(5 * time.Second) {
		return nil, fmt.Errorf("bus: embedded nats server not ready")
	}

	nc, err := nats.Connect(srv.ClientURL())
	if err != nil {
		srv.Shutdown()
		return nil, fmt.Errorf("bus: connect embedded nats client: %w", err)
	}

	return &Bus{srv: srv, nc: nc}, nil
}

// ClientURL returns the embedded server's connect URL, mainly for tests.
func (b *Bus) ClientURL() string { return b.srv.ClientURL() }

// PublishEvent fire-and-forgets ev onto subject. Errors are the caller's
// to log; they never block or retry — dispatch failures do not affect
// durability, since the event already landed in the WAL buffer.
func (b *Bus) PublishEvent(ctx context.Context, subject string, ev *event.AnalyticsEventV1) error {
	return natsutil.Publish(ctx, b.nc, subject, ev)
}

// SubscribeEvents registers handler for every event published to
// subject. Malformed messages are dropped by natsutil.Subscribe.
func (b *Bus) SubscribeEvents(subject string, handler func(context.Context, *event.AnalyticsEventV1)) (*nats.Subscription, error) {
	return natsutil.Subscribe(b.nc, subject, handler)
}

// Close drains the client connection and shuts down the embedded
// server. Idempotent.
func (b *Bus) Close() error {
	if b.nc != nil {
		if err := b.nc.Drain(); err != nil {
			b.nc.Close()
		}
		b.nc = nil
	}
	if b.srv != nil {
		b.srv.Shutdown()
		b.srv.WaitForShutdown()
		b.srv = nil
	}
	return nil
}
