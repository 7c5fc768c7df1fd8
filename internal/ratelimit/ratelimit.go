// Package ratelimit implements a per-source sliding-window rate
// limiter with observer notifications, the collection layer's first
// line of defense against tripping a source's own throttling.
package ratelimit

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// Observer receives notifications for rate limit events. Each
// notification is delivered to each observer on its own goroutine,
// after the limiter's mutex is released; a panicking observer is
// recovered and does not affect admission.
type Observer interface {
	OnRequestMade(source string, at time.Time)
	OnRateLimitHit(source string, wait time.Duration)
	OnRateLimitReset(source string)
}

// Usage reports point-in-time statistics for one source.
type Usage struct {
	Source             string
	CurrentRequests    int
	EffectiveLimit     int
	RequestsRemaining  int
	UtilizationPercent float64
	IsRateLimited      bool
	NextAvailable      time.Duration
	WindowDuration     time.Duration
}

// Limiter is a thread-safe, per-source sliding-window rate limiter.
// A single instance can be shared across every source; each source's
// window is tracked independently but all sources share the same
// configured effective limit.
type Limiter struct {
	requestsPerMinute int
	safetyMargin      float64
	windowDuration    time.Duration
	effectiveLimit    int

	logger *slog.Logger

	mu        sync.Mutex
	requests  map[string][]time.Time
	observers []Observer

	// now is overridable for deterministic tests.
	now func() time.Time
}

// Option configures a Limiter at construction time.
type Option func(*Limiter)

// WithLogger overrides the limiter's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(l *Limiter) { l.logger = logger }
}

// WithClock overrides the limiter's time source; intended for tests.
func WithClock(now func() time.Time) Option {
	return func(l *Limiter) { l.now = now }
}

// New builds a Limiter. requestsPerMinute is the nominal source quota;
// safetyMargin (0.0–1.0) shaves a buffer off it so the limiter trips
// before the source's own enforcement does; windowDuration overrides
// the default 60s window (zero means 60s).
func New(requestsPerMinute int, safetyMargin float64, windowDuration time.Duration, opts ...Option) *Limiter {
	if windowDuration <= 0 {
		windowDuration = 60 * time.Second
	}
	l := &Limiter{
		requestsPerMinute: requestsPerMinute,
		safetyMargin:      safetyMargin,
		windowDuration:    windowDuration,
		effectiveLimit:    int(float64(requestsPerMinute) * (1 - safetyMargin)),
		logger:            slog.Default(),
		requests:          make(map[string][]time.Time),
		now:               time.Now,
	}
	for _, opt := range opts {
		opt(l)
	}
	l.logger.Info("rate limiter initialized",
		"requests_per_minute", requestsPerMinute,
		"safety_margin_percent", safetyMargin*100,
		"effective_limit", l.effectiveLimit,
		"window_duration_seconds", windowDuration.Seconds(),
	)
	return l
}

// AddObserver registers observer for notifications, ignoring duplicate
// registration of the same observer value.
func (l *Limiter) AddObserver(observer Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, o := range l.observers {
		if o == observer {
			return
		}
	}
	l.observers = append(l.observers, observer)
}

// RemoveObserver unregisters observer, if present.
func (l *Limiter) RemoveObserver(observer Observer) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, o := range l.observers {
		if o == observer {
			l.observers = append(l.observers[:i], l.observers[i+1:]...)
			return
		}
	}
}

// WaitIfNeeded checks whether a request against source can proceed
// immediately. If the sliding window for source is under the
// effective limit, it records the request and returns zero. Otherwise
// it returns the duration the caller should wait before retrying,
// without blocking itself — waiting, if desired, is the caller's
// responsibility via ctx.
func (l *Limiter) WaitIfNeeded(ctx context.Context, source string) time.Duration {
	l.mu.Lock()
	now := l.now()
	l.cleanup(source, now)

	current := len(l.requests[source])
	if current < l.effectiveLimit {
		l.requests[source] = append(l.requests[source], now)
		l.mu.Unlock()
		l.notifyRequestMade(source, now)
		l.logger.Debug("request allowed immediately",
			"source", source,
			"current_requests", current+1,
			"effective_limit", l.effectiveLimit,
		)
		return 0
	}

	var wait time.Duration
	if len(l.requests[source]) > 0 {
		oldest := l.requests[source][0]
		wait = oldest.Add(l.windowDuration).Sub(now)
		if wait < 0 {
			wait = 0
		}
	}
	l.mu.Unlock()

	l.notifyRateLimitHit(source, wait)
	l.logger.Info("rate limit hit",
		"source", source,
		"wait_time_seconds", wait.Seconds(),
		"current_requests", current,
		"effective_limit", l.effectiveLimit,
	)
	return wait
}

// Block is a convenience wrapper that calls WaitIfNeeded in a loop,
// actually sleeping between attempts, until a request is admitted or
// ctx is cancelled.
func (l *Limiter) Block(ctx context.Context, source string) error {
	for {
		wait := l.WaitIfNeeded(ctx, source)
		if wait <= 0 {
			return nil
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-timer.C:
		}
	}
}

// ResetSource clears all tracked requests for source and notifies
// observers of the reset.
func (l *Limiter) ResetSource(source string) {
	l.mu.Lock()
	_, existed := l.requests[source]
	delete(l.requests, source)
	l.mu.Unlock()
	if existed {
		l.notifyRateLimitReset(source)
		l.logger.Info("rate limit reset for source", "source", source)
	}
}

// GetCurrentUsage returns usage statistics for source.
func (l *Limiter) GetCurrentUsage(source string) Usage {
	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	l.cleanup(source, now)
	current := len(l.requests[source])

	var next time.Duration
	if current >= l.effectiveLimit && len(l.requests[source]) > 0 {
		oldest := l.requests[source][0]
		next = oldest.Add(l.windowDuration).Sub(now)
		if next < 0 {
			next = 0
		}
	}

	remaining := l.effectiveLimit - current
	if remaining < 0 {
		remaining = 0
	}
	util := 0.0
	if l.effectiveLimit > 0 {
		util = float64(current) / float64(l.effectiveLimit) * 100
	}

	return Usage{
		Source:             source,
		CurrentRequests:    current,
		EffectiveLimit:     l.effectiveLimit,
		RequestsRemaining:  remaining,
		UtilizationPercent: util,
		IsRateLimited:      current >= l.effectiveLimit,
		NextAvailable:      next,
		WindowDuration:     l.windowDuration,
	}
}

// cleanup drops timestamps for source that have aged out of the
// sliding window. Callers must hold l.mu.
func (l *Limiter) cleanup(source string, now time.Time) {
	requests := l.requests[source]
	if len(requests) == 0 {
		return
	}
	windowStart := now.Add(-l.windowDuration)
	i := 0
	for i < len(requests) && requests[i].Before(windowStart) {
		i++
	}
	if i > 0 {
		l.requests[source] = append([]time.Time{}, requests[i:]...)
	}
}

// dispatch runs fn against every observer concurrently; a panicking
// observer is recovered and logged, never propagated to the caller or
// allowed to affect admission semantics.
func (l *Limiter) dispatch(name string, fn func(Observer)) {
	l.mu.Lock()
	observers := append([]Observer(nil), l.observers...)
	l.mu.Unlock()
	for _, o := range observers {
		go func(o Observer) {
			defer func() {
				if r := recover(); r != nil && l.logger != nil {
					l.logger.Error("rate limit observer panicked", "notification", name, "panic", r)
				}
			}()
			fn(o)
		}(o)
	}
}

func (l *Limiter) notifyRequestMade(source string, at time.Time) {
	l.dispatch("request_made", func(o Observer) { o.OnRequestMade(source, at) })
}

func (l *Limiter) notifyRateLimitHit(source string, wait time.Duration) {
	l.dispatch("rate_limit_hit", func(o Observer) { o.OnRateLimitHit(source, wait) })
}

func (l *Limiter) notifyRateLimitReset(source string) {
	l.dispatch("rate_limit_reset", func(o Observer) { o.OnRateLimitReset(source) })
}
