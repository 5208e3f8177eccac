package resilience

import (
	"context"
	"math/rand"
	"time"
)

// BackoffOpts configures jittered exponential backoff for sink retries.
type BackoffOpts struct {
	// InitialDelay is the delay before the first retry.
	InitialDelay time.Duration
	// MaxDelay caps the computed delay (including jitter).
	MaxDelay time.Duration
	// Factor multiplies the delay on each subsequent attempt.
	Factor float64
	// Jitter is the fraction of the delay to randomize by, applied as
	// uniform(-Jitter*delay, +Jitter*delay). Zero disables jitter.
	Jitter float64
	// MaxAttempts bounds the number of calls to f (including the first).
	// Zero means attempts continue until the computed delay would exceed
	// MaxDelay, at which point the final attempt still runs once more.
	MaxAttempts int
}

// DefaultBackoffOpts matches the documented default retry policy.
var DefaultBackoffOpts = BackoffOpts{
	InitialDelay: 100 * time.Millisecond,
	MaxDelay:     10 * time.Second,
	Factor:       2,
	Jitter:       0.1,
	MaxAttempts:  0,
}

func (o BackoffOpts) withDefaults() BackoffOpts {
	if o.InitialDelay <= 0 {
		o.InitialDelay = DefaultBackoffOpts.InitialDelay
	}
	if o.MaxDelay <= 0 {
		o.MaxDelay = DefaultBackoffOpts.MaxDelay
	}
	if o.Factor <= 0 {
		o.Factor = DefaultBackoffOpts.Factor
	}
	if o.MaxAttempts <= 0 {
		o.MaxAttempts = maxAttemptsFor(o)
	}
	return o
}

// maxAttemptsFor derives how many attempts keep the nominal (unjittered)
// delay from exceeding MaxDelay, so total sleep stays bounded.
func maxAttemptsFor(o BackoffOpts) int {
	attempts := 1
	delay := o.InitialDelay
	for delay < o.MaxDelay && attempts < 64 {
		delay = time.Duration(float64(delay) * o.Factor)
		attempts++
	}
	return attempts
}

// delayForAttempt computes the delay before retrying after attempt k
// (1-indexed), per: min(maxMs, initialMs*factor^(k-1) + uniform(-jitter*d, +jitter*d)).
func delayForAttempt(o BackoffOpts, k int) time.Duration {
	nominal := float64(o.InitialDelay)
	for i := 1; i < k; i++ {
		nominal *= o.Factor
	}
	if nominal > float64(o.MaxDelay) {
		nominal = float64(o.MaxDelay)
	}
	delay := nominal
	if o.Jitter > 0 {
		spread := nominal * o.Jitter
		delay = nominal + (rand.Float64()*2-1)*spread
	}
	if delay < 0 {
		delay = 0
	}
	if delay > float64(o.MaxDelay) {
		delay = float64(o.MaxDelay)
	}
	return time.Duration(delay)
}

// Backoff drives a bounded number of attempts at f, sleeping between
// failures according to BackoffOpts. It does not consult a circuit
// breaker itself; sinks/http.go wraps each attempt in Breaker.Call, so
// while that breaker is open every attempt fails with ErrCircuitOpen
// without reaching the transport.
type Backoff struct {
	opts BackoffOpts
}

// NewBackoff creates a Backoff with defaults applied for unset fields.
func NewBackoff(opts BackoffOpts) *Backoff {
	return &Backoff{opts: opts.withDefaults()}
}

// Attempts returns the maximum number of attempts this policy will make.
func (b *Backoff) Attempts() int { return b.opts.MaxAttempts }

// Do retries f until it succeeds or attempts are exhausted, sleeping with
// jittered exponential backoff between attempts. Returns the last error.
func (b *Backoff) Do(ctx context.Context, f func(ctx context.Context, attempt int) error) error {
	var lastErr error
	for attempt := 1; attempt <= b.opts.MaxAttempts; attempt++ {
		lastErr = f(ctx, attempt)
		if lastErr == nil {
			return nil
		}
		if attempt == b.opts.MaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delayForAttempt(b.opts, attempt)):
		}
	}
	return lastErr
}
