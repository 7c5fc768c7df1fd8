package supervisor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phxrealty/ingest/internal/supervisor"
)

func TestDelayForReturnsConfiguredSequence(t *testing.T) {
	policy := supervisor.DefaultRetryPolicy()

	delay, ok := policy.DelayFor(supervisor.KindNetwork, 1)
	if !ok || delay != time.Second {
		t.Fatalf("DelayFor(network, 1) = %v, %v, want 1s, true", delay, ok)
	}
	delay, ok = policy.DelayFor(supervisor.KindNetwork, 3)
	if !ok || delay != 4*time.Second {
		t.Fatalf("DelayFor(network, 3) = %v, %v, want 4s, true", delay, ok)
	}
}

func TestDelayForNonRetryableKindIsNeverOK(t *testing.T) {
	policy := supervisor.DefaultRetryPolicy()
	if _, ok := policy.DelayFor(supervisor.KindValidation, 1); ok {
		t.Fatal("DelayFor(validation, 1) ok = true, want false")
	}
}

func TestDoRetriesUntilSuccess(t *testing.T) {
	policy := supervisor.RetryPolicy{
		MaxAttempts: 3,
		Delays: map[supervisor.Kind][]time.Duration{
			supervisor.KindNetwork: {time.Millisecond, time.Millisecond, time.Millisecond},
		},
	}

	attempts := 0
	err := policy.Do(context.Background(), supervisor.KindNetwork, func(ctx context.Context, attempt int) (time.Duration, error) {
		attempts++
		if attempt < 3 {
			return 0, errors.New("transient")
		}
		return 0, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if attempts != 3 {
		t.Fatalf("attempts = %d, want 3", attempts)
	}
}

func TestDoStopsOnNonRetryableKind(t *testing.T) {
	policy := supervisor.DefaultRetryPolicy()
	attempts := 0
	err := policy.Do(context.Background(), supervisor.KindNetwork, func(ctx context.Context, attempt int) (time.Duration, error) {
		attempts++
		return 0, supervisor.Wrap(supervisor.KindValidation, "adapt", "missing field", nil)
	})
	if err == nil {
		t.Fatal("Do with validation error = nil, want error")
	}
	if attempts != 1 {
		t.Fatalf("attempts = %d, want 1 (no retry on validation)", attempts)
	}
}

func TestDoHonorsRetryAfterHint(t *testing.T) {
	policy := supervisor.RetryPolicy{MaxAttempts: 2, Delays: map[supervisor.Kind][]time.Duration{
		supervisor.KindRateLimit: {time.Hour},
	}}
	attempts := 0
	start := time.Now()
	err := policy.Do(context.Background(), supervisor.KindRateLimit, func(ctx context.Context, attempt int) (time.Duration, error) {
		attempts++
		if attempt == 1 {
			return 5 * time.Millisecond, errors.New("rate limited")
		}
		return 0, nil
	})
	if err != nil {
		t.Fatalf("Do: %v", err)
	}
	if elapsed := time.Since(start); elapsed > time.Second {
		t.Fatalf("Do took %v, want well under the 1h policy delay (hint should override)", elapsed)
	}
	if attempts != 2 {
		t.Fatalf("attempts = %d, want 2", attempts)
	}
}

func TestDoRespectsContextCancellation(t *testing.T) {
	policy := supervisor.RetryPolicy{MaxAttempts: 3, Delays: map[supervisor.Kind][]time.Duration{
		supervisor.KindNetwork: {time.Hour},
	}}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := policy.Do(ctx, supervisor.KindNetwork, func(ctx context.Context, attempt int) (time.Duration, error) {
		return 0, errors.New("transient")
	})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Do with cancelled context = %v, want context.Canceled", err)
	}
}
