package supervisor

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/sony/gobreaker"
)

// ErrCircuitOpen is surfaced when a breaker short-circuits a call
// without contacting the underlying resource. Callers should treat it
// as retryable after the breaker's cooldown, the same as a rate-limit
// signal.
var ErrCircuitOpen = errors.New("supervisor: circuit breaker open")

// BreakerConfig tunes one logical resource's circuit breaker.
type BreakerConfig struct {
	FailureThreshold uint32
	Window           time.Duration
	Cooldown         time.Duration
}

// DefaultBreakerConfig trips after 5 consecutive failures within a
// minute and cools down for 30 seconds before probing again.
func DefaultBreakerConfig() BreakerConfig {
	return BreakerConfig{FailureThreshold: 5, Window: time.Minute, Cooldown: 30 * time.Second}
}

// BreakerRegistry owns one gobreaker.CircuitBreaker per logical
// resource name (e.g. "llm", "assessor_api"), constructing it lazily
// on first use with the registry's default config.
type BreakerRegistry struct {
	config   BreakerConfig
	mu       sync.Mutex
	breakers map[string]*gobreaker.CircuitBreaker[any]
}

// NewBreakerRegistry builds a registry; every resource name it sees
// gets a breaker configured with config.
func NewBreakerRegistry(config BreakerConfig) *BreakerRegistry {
	return &BreakerRegistry{
		config:   config,
		breakers: make(map[string]*gobreaker.CircuitBreaker[any]),
	}
}

func (r *BreakerRegistry) breakerFor(resource string) *gobreaker.CircuitBreaker[any] {
	r.mu.Lock()
	defer r.mu.Unlock()
	if b, ok := r.breakers[resource]; ok {
		return b
	}
	settings := gobreaker.Settings{
		Name:    resource,
		Timeout: r.config.Cooldown,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= r.config.FailureThreshold
		},
	}
	if r.config.Window > 0 {
		settings.Interval = r.config.Window
	}
	b := gobreaker.NewCircuitBreaker[any](settings)
	r.breakers[resource] = b
	return b
}

// Execute runs fn through the named resource's breaker. When the
// breaker is open, fn is never invoked and Execute returns
// ErrCircuitOpen wrapped as a rate_limit-kind Error.
func (r *BreakerRegistry) Execute(ctx context.Context, resource string, fn func(ctx context.Context) (any, error)) (any, error) {
	breaker := r.breakerFor(resource)
	result, err := breaker.Execute(func() (any, error) {
		return fn(ctx)
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return nil, Wrap(KindRateLimit, resource, "circuit open", ErrCircuitOpen)
	}
	return result, err
}

// State returns the current state of the named resource's breaker
// ("closed", "open", or "half-open"); resources never seen report
// "closed" since no breaker has yet been allocated for them.
func (r *BreakerRegistry) State(resource string) string {
	r.mu.Lock()
	b, ok := r.breakers[resource]
	r.mu.Unlock()
	if !ok {
		return "closed"
	}
	switch b.State() {
	case gobreaker.StateOpen:
		return "open"
	case gobreaker.StateHalfOpen:
		return "half-open"
	default:
		return "closed"
	}
}
