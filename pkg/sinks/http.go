package sinks

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"golang.org/x/time/rate"

	"github.com/kb-labs/analytics-pipeline/pkg/event"
	"github.com/kb-labs/analytics-pipeline/pkg/resilience"
)

type authKind string

const (
	AuthBearer authKind = "bearer"
	AuthBasic  authKind = "basic"
	AuthAPIKey authKind = "apikey"
)

// HTTPAuth configures the outbound Authorization header.
type HTTPAuth struct {
	Kind     authKind
	Token    string
	Username string
	Password string
}

// HTTPConfig configures the HTTP sink.
type HTTPConfig struct {
	URL               string
	Method            string // POST (default) or PUT
	Headers           map[string]string
	Auth              *HTTPAuth
	Timeout           time.Duration
	IdempotencyHeader string
	Retry             resilience.BackoffOpts
	Breaker           resilience.BreakerOpts

	// RatePerSecond caps outbound requests to this endpoint; zero means
	// unlimited. RateBurst defaults to 1 when RatePerSecond is set.
	RatePerSecond float64
	RateBurst     int

	Now func() time.Time
}

const defaultIdempotencyHeader = "Idempotency-Key"

func (c HTTPConfig) withDefaults() HTTPConfig {
	if c.Method == "" {
		c.Method = http.MethodPost
	}
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.IdempotencyHeader == "" {
		c.IdempotencyHeader = defaultIdempotencyHeader
	}
	if c.Now == nil {
		c.Now = time.Now
	}
	return c
}

// HTTPSink posts batches of events as JSON to a configured endpoint,
// wrapped in a breaker + jittered-backoff retry policy.
type HTTPSink struct {
	cfg     HTTPConfig
	client  *http.Client
	breaker *resilience.Breaker
	backoff *resilience.Backoff
	limiter *rate.Limiter
}

// NewHTTPSink constructs an HTTPSink. Call Init before Write.
func NewHTTPSink(cfg HTTPConfig) *HTTPSink {
	cfg = cfg.withDefaults()
	s := &HTTPSink{
		cfg: cfg,
		client: &http.Client{
			Timeout:   cfg.Timeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
		breaker: resilience.NewBreaker(cfg.Breaker),
		backoff: resilience.NewBackoff(cfg.Retry),
	}
	if cfg.RatePerSecond > 0 {
		burst := cfg.RateBurst
		if burst <= 0 {
			burst = 1
		}
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSecond), burst)
	}
	return s
}

func (s *HTTPSink) ID() string { return "http:" + s.cfg.URL }

func (s *HTTPSink) Init(_ context.Context) error {
	if s.cfg.URL == "" {
		return fmt.Errorf("sinks: http sink requires URL")
	}
	return nil
}

func (s *HTTPSink) Write(ctx context.Context, events []*event.AnalyticsEventV1) error {
	body, err := json.Marshal(events)
	if err != nil {
		return fmt.Errorf("sinks: http marshal batch: %w", err)
	}

	idemKey := ""
	if len(events) > 0 {
		idemKey = events[0].ID
	}
	if idemKey == "" {
		idemKey = fmt.Sprintf("batch_%d", s.cfg.Now().UnixMilli())
	}

	return s.backoff.Do(ctx, func(ctx context.Context, attempt int) error {
		return s.breaker.Call(ctx, func(ctx context.Context) error {
			return s.send(ctx, body, idemKey)
		})
	})
}

func (s *HTTPSink) send(ctx context.Context, body []byte, idemKey string) error {
	if s.limiter != nil {
		if err := s.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("sinks: http rate limiter: %w", err)
		}
	}

	req, err := http.NewRequestWithContext(ctx, s.cfg.Method, s.cfg.URL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sinks: http build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(s.cfg.IdempotencyHeader, idemKey)
	for k, v := range s.cfg.Headers {
		req.Header.Set(k, v)
	}
	s.applyAuth(req)

	resp, err := s.client.Do(req)
	if err != nil {
		return fmt.Errorf("sinks: http request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("sinks: http non-2xx response: %d", resp.StatusCode)
	}
	return nil
}

func (s *HTTPSink) applyAuth(req *http.Request) {
	if s.cfg.Auth == nil {
		return
	}
	switch s.cfg.Auth.Kind {
	case AuthBearer:
		req.Header.Set("Authorization", "Bearer "+s.cfg.Auth.Token)
	case AuthBasic:
		creds := base64.StdEncoding.EncodeToString([]byte(s.cfg.Auth.Username + ":" + s.cfg.Auth.Password))
		req.Header.Set("Authorization", "Basic "+creds)
	case AuthAPIKey:
		req.Header.Set("X-API-Key", s.cfg.Auth.Token)
	}
}

// BreakerState exposes the sink's circuit-breaker state for metrics
// collection (closed/open/half-open).
func (s *HTTPSink) BreakerState() string { return s.breaker.State().String() }

func (s *HTTPSink) Close() error { return nil }

func (s *HTTPSink) GetIdempotencyKey(ev *event.AnalyticsEventV1) string { return idKey(ev) }
