package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestBackoffRetriesThenSucceeds(t *testing.T) {
	b := NewBackoff(BackoffOpts{InitialDelay: time.Millisecond, MaxDelay: 10 * time.Millisecond, Factor: 2})
	calls := 0
	err := b.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		if calls < 2 {
			return errors.New("transient")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success, got %v", err)
	}
	if calls != 2 {
		t.Fatalf("expected 2 calls, got %d", calls)
	}
}

func TestBackoffExhaustsAttempts(t *testing.T) {
	b := NewBackoff(BackoffOpts{InitialDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond, Factor: 2, MaxAttempts: 3})
	calls := 0
	failErr := errors.New("always fails")
	err := b.Do(context.Background(), func(ctx context.Context, attempt int) error {
		calls++
		return failErr
	})
	if !errors.Is(err, failErr) {
		t.Fatalf("expected failErr, got %v", err)
	}
	if calls != 3 {
		t.Fatalf("expected 3 calls, got %d", calls)
	}
}

func TestBackoffDelayBounded(t *testing.T) {
	opts := BackoffOpts{InitialDelay: 100 * time.Millisecond, MaxDelay: 200 * time.Millisecond, Factor: 2, Jitter: 0.1}.withDefaults()
	for k := 1; k <= 5; k++ {
		d := delayForAttempt(opts, k)
		if d < 0 || d > opts.MaxDelay {
			t.Fatalf("attempt %d: delay %v out of bounds [0, %v]", k, d, opts.MaxDelay)
		}
	}
}

func TestBackoffContextCancel(t *testing.T) {
	b := NewBackoff(BackoffOpts{InitialDelay: 50 * time.Millisecond, MaxDelay: time.Second, Factor: 2, MaxAttempts: 5})
	ctx, cancel := context.WithCancel(context.Background())
	calls := 0
	go func() {
		time.Sleep(5 * time.Millisecond)
		cancel()
	}()
	err := b.Do(ctx, func(ctx context.Context, attempt int) error {
		calls++
		return errors.New("fail")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", err)
	}
}
