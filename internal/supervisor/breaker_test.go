package supervisor_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/phxrealty/ingest/internal/supervisor"
)

func TestBreakerTripsAfterConsecutiveFailures(t *testing.T) {
	registry := supervisor.NewBreakerRegistry(supervisor.BreakerConfig{
		FailureThreshold: 2,
		Window:           time.Minute,
		Cooldown:         time.Hour,
	})
	ctx := context.Background()
	failing := func(ctx context.Context) (any, error) { return nil, errors.New("boom") }

	for i := 0; i < 2; i++ {
		if _, err := registry.Execute(ctx, "llm", failing); err == nil {
			t.Fatalf("call %d: err = nil, want failure", i)
		}
	}

	_, err := registry.Execute(ctx, "llm", func(ctx context.Context) (any, error) {
		t.Fatal("underlying function invoked while breaker should be open")
		return nil, nil
	})
	if !errors.Is(err, supervisor.ErrCircuitOpen) {
		t.Fatalf("err = %v, want ErrCircuitOpen", err)
	}
	if supervisor.KindOf(err) != supervisor.KindRateLimit {
		t.Fatalf("kind = %s, want rate_limit", supervisor.KindOf(err))
	}
}

func TestBreakerStateReportsClosedForUnknownResource(t *testing.T) {
	registry := supervisor.NewBreakerRegistry(supervisor.DefaultBreakerConfig())
	if state := registry.State("never-used"); state != "closed" {
		t.Fatalf("state = %s, want closed", state)
	}
}

func TestBreakerIsolatesResourcesIndependently(t *testing.T) {
	registry := supervisor.NewBreakerRegistry(supervisor.BreakerConfig{
		FailureThreshold: 1,
		Window:           time.Minute,
		Cooldown:         time.Hour,
	})
	ctx := context.Background()
	registry.Execute(ctx, "llm", func(ctx context.Context) (any, error) { return nil, errors.New("boom") })

	if state := registry.State("llm"); state != "open" {
		t.Fatalf("llm breaker state = %s, want open", state)
	}
	if state := registry.State("assessor_api"); state != "closed" {
		t.Fatalf("assessor_api breaker state = %s, want closed (unaffected by llm)", state)
	}
}
