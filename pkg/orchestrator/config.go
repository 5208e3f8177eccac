package orchestrator

import (
	"fmt"
	"log/slog"
	"time"

	"github.com/kb-labs/analytics-pipeline/pkg/backpressure"
	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/middleware"
	"github.com/kb-labs/analytics-pipeline/pkg/sinks"
)

// SinkType is the tagged discriminator for SinkConfig. Dispatch on it is
// confined to buildSink below — callers never compare it directly.
type SinkType string

const (
	SinkFS     SinkType = "fs"
	SinkHTTP   SinkType = "http"
	SinkS3     SinkType = "s3"
	SinkSQLite SinkType = "sqlite"
)

// SinkConfig is a tagged sum: exactly one of FS/HTTP/S3/SQL should be
// set, matching Type. ID is an optional operator-facing label kept for
// configuration-file readability; the adapters themselves derive their
// own IDs from their connection details.
type SinkConfig struct {
	Type SinkType
	ID   string

	FS   *sinks.FSConfig
	HTTP *sinks.HTTPConfig
	S3   *sinks.S3Config
	SQL  *sinks.SQLConfig
}

// buildSink is the single registry mapping a SinkConfig's tag to a
// constructor. No other code path switches on SinkType.
func buildSink(cfg SinkConfig) (sinks.Sink, error) {
	switch cfg.Type {
	case SinkFS:
		if cfg.FS == nil {
			return nil, fmt.Errorf("orchestrator: sink %q: fs config required", cfg.Type)
		}
		return sinks.NewFSSink(*cfg.FS), nil
	case SinkHTTP:
		if cfg.HTTP == nil {
			return nil, fmt.Errorf("orchestrator: sink %q: http config required", cfg.Type)
		}
		return sinks.NewHTTPSink(*cfg.HTTP), nil
	case SinkS3:
		if cfg.S3 == nil {
			return nil, fmt.Errorf("orchestrator: sink %q: s3 config required", cfg.Type)
		}
		return sinks.NewS3Sink(*cfg.S3), nil
	case SinkSQLite:
		if cfg.SQL == nil {
			return nil, fmt.Errorf("orchestrator: sink %q: sqlite config required", cfg.Type)
		}
		return sinks.NewSQLSink(*cfg.SQL), nil
	default:
		return nil, fmt.Errorf("orchestrator: unknown sink type %q", cfg.Type)
	}
}

// BufferConfig is the buffer.{segmentBytes, segmentMaxAgeMs, fsyncOnRotate}
// surface named in the configuration surface.
type BufferConfig struct {
	Dir           string
	SegmentBytes  int64
	SegmentMaxAge time.Duration
	FsyncOnRotate bool
}

// BatcherConfig is the size/age flush policy shared by every sink's
// batcher unless overridden per sink.
type BatcherConfig struct {
	MaxSize int
	MaxAge  time.Duration
}

// BusConfig configures the embedded NATS dispatch bus.
type BusConfig struct {
	EmbeddedPort int // -1 = OS-assigned, the default
}

// Config is the fully-resolved AnalyticsConfig the orchestrator is
// constructed from — the one value the out-of-scope config-file loader
// and CLI surface hand to the core at initialization.
type Config struct {
	Enabled bool

	Buffer       BufferConfig
	Backpressure backpressure.Opts
	Batcher      BatcherConfig
	Bus          BusConfig
	Middleware   middleware.Config
	Sinks        []SinkConfig

	DLQDir string

	DefaultSource event.Source

	Logger *slog.Logger
	Now    func() time.Time
}
