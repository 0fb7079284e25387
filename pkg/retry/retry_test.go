package retry

import (
	"context"
	"errors"
	"testing"
	"time"
)

var errTemporary = errors.New("temporary")

func isTemporary(err error) bool { return errors.Is(err, errTemporary) }

func recordingSleeper(delays *[]time.Duration) Sleeper {
	return func(ctx context.Context, d time.Duration) error {
		*delays = append(*delays, d)
		return nil
	}
}

func TestPolicyDelay(t *testing.T) {
	p := DefaultPolicy()
	expected := []time.Duration{time.Second, 2 * time.Second, 4 * time.Second}
	for i, want := range expected {
		if got := p.Delay(i + 1); got != want {
			t.Fatalf("attempt %d: expected %v got %v", i+1, want, got)
		}
	}

	p.MaxBackoff = 3 * time.Second
	if got := p.Delay(3); got != 3*time.Second {
		t.Fatalf("expected delay capped at 3s got %v", got)
	}
}

func TestDoSucceedsAfterTransientFailures(t *testing.T) {
	var delays []time.Duration
	r := New(DefaultPolicy(), isTemporary, WithSleeper(recordingSleeper(&delays)))

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts < 3 {
			return errTemporary
		}
		return nil
	})
	if err != nil {
		t.Fatalf("expected success got %v", err)
	}
	if attempts != 3 {
		t.Fatalf("expected 3 attempts got %d", attempts)
	}
	if len(delays) != 2 || delays[0] != time.Second || delays[1] != 2*time.Second {
		t.Fatalf("unexpected delays %v", delays)
	}
}

func TestDoStopsOnPermanentError(t *testing.T) {
	var delays []time.Duration
	r := New(DefaultPolicy(), isTemporary, WithSleeper(recordingSleeper(&delays)))

	permanent := errors.New("constraint violation")
	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return permanent
	})
	if !errors.Is(err, permanent) {
		t.Fatalf("expected permanent error got %v", err)
	}
	if attempts != 1 {
		t.Fatalf("expected 1 attempt got %d", attempts)
	}
	if len(delays) != 0 {
		t.Fatalf("expected no sleeps got %v", delays)
	}
}

func TestDoExhausted(t *testing.T) {
	var delays []time.Duration
	r := New(DefaultPolicy(), isTemporary, WithSleeper(recordingSleeper(&delays)))

	attempts := 0
	err := r.Do(context.Background(), func(ctx context.Context) error {
		attempts++
		return errTemporary
	})
	var exhausted *ExhaustedError
	if !errors.As(err, &exhausted) {
		t.Fatalf("expected ExhaustedError got %v", err)
	}
	if exhausted.Attempts != 3 || attempts != 3 {
		t.Fatalf("expected 3 attempts got %d/%d", exhausted.Attempts, attempts)
	}
	if !errors.Is(err, errTemporary) {
		t.Fatalf("expected cause to unwrap")
	}
}

func TestDoCancelledDuringBackoff(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := New(Policy{MaxAttempts: 3, InitialBackoff: time.Hour, Factor: 2}, isTemporary)
	err := r.Do(ctx, func(ctx context.Context) error { return errTemporary })
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("expected context.Canceled got %v", err)
	}
}
