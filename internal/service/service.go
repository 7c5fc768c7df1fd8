// Package service implements the long-running ProcessingService
// daemon: a bounded work queue, a worker pool draining it into the
// processing pipeline, and an HTTP surface for enqueue, health, and
// metrics.
package service

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/phxrealty/ingest/internal/pipeline"
	"github.com/phxrealty/ingest/internal/repository"
)

// workItem is one unit of raw source data pushed onto the queue.
type workItem struct {
	source string
	data   map[string]json.RawMessage
}

// Config tunes queue capacity and worker concurrency.
type Config struct {
	QueueCapacity int
	Workers       int
	DrainTimeout  time.Duration
}

// DefaultConfig mirrors the pipeline's own defaults: a modest queue
// and worker count suitable for a single-process deployment.
func DefaultConfig() Config {
	return Config{QueueCapacity: 200, Workers: 8, DrainTimeout: 30 * time.Second}
}

// Service is the ProcessingService daemon: a bounded queue, a pool of
// workers draining it through the pipeline, and the counters the
// health and metrics endpoints report from.
type Service struct {
	config   Config
	pipeline *pipeline.Pipeline
	repo     repository.Repository
	logger   *slog.Logger
	now      func() time.Time

	queue   chan workItem
	wg      sync.WaitGroup
	cancel  context.CancelFunc
	closeMu sync.Mutex
	closed  bool

	mu        sync.Mutex
	processed int64
	succeeded int64
	failed    int64
}

// New builds a Service. It does not start accepting work until Start
// is called.
func New(config Config, pl *pipeline.Pipeline, repo repository.Repository, opts ...Option) *Service {
	s := &Service{
		config:   config,
		pipeline: pl,
		repo:     repo,
		logger:   slog.Default(),
		now:      time.Now,
		queue:    make(chan workItem, config.QueueCapacity),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Option configures a Service at construction.
type Option func(*Service)

// WithLogger overrides the service's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Service) { s.logger = logger }
}

// WithClock overrides the service's time source; intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// Start launches the worker pool. Workers run until ctx is cancelled
// or Shutdown is called.
func (s *Service) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	for i := 0; i < s.config.Workers; i++ {
		s.wg.Add(1)
		go s.worker(ctx, i)
	}
}

func (s *Service) worker(ctx context.Context, id int) {
	defer s.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case item, ok := <-s.queue:
			if !ok {
				return
			}
			s.process(ctx, item)
		}
	}
}

func (s *Service) process(ctx context.Context, item workItem) {
	result := s.pipeline.ProcessJSON(ctx, item.data, item.source)

	s.mu.Lock()
	s.processed++
	if result.IsValid {
		s.succeeded++
	} else {
		s.failed++
	}
	s.mu.Unlock()

	if !result.IsValid {
		s.logger.Warn("service: pipeline item invalid", "source", item.source, "error", result.Error)
		return
	}
	if _, _, err := s.repo.Upsert(ctx, *result.Property); err != nil {
		s.logger.Error("service: upsert failed", "source", item.source, "property_id", result.Property.PropertyID, "error", err)
	}
}

// EnqueueResult reports where an accepted item landed in the queue.
type EnqueueResult struct {
	QueuePosition int
}

// ErrQueueFull is returned by Enqueue when the bounded queue has no
// room; callers must never block waiting for space.
var ErrQueueFull = &queueFullError{}

type queueFullError struct{}

func (*queueFullError) Error() string { return "service: queue is full" }

// Enqueue submits a raw record for processing. It never blocks: if the
// queue is full, it returns ErrQueueFull immediately.
func (s *Service) Enqueue(source string, data map[string]json.RawMessage) (EnqueueResult, error) {
	s.closeMu.Lock()
	closed := s.closed
	s.closeMu.Unlock()
	if closed {
		return EnqueueResult{}, ErrQueueFull
	}

	select {
	case s.queue <- workItem{source: source, data: data}:
		return EnqueueResult{QueuePosition: len(s.queue)}, nil
	default:
		return EnqueueResult{}, ErrQueueFull
	}
}

// Metrics is a point-in-time snapshot of queue and processing counts.
type Metrics struct {
	QueueDepth    int
	QueueCapacity int
	Processed     int64
	Succeeded     int64
	Failed        int64
}

// Snapshot returns the service's current metrics.
func (s *Service) Snapshot() Metrics {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Metrics{
		QueueDepth:    len(s.queue),
		QueueCapacity: cap(s.queue),
		Processed:     s.processed,
		Succeeded:     s.succeeded,
		Failed:        s.failed,
	}
}

// Shutdown stops accepting new work, waits up to DrainTimeout for the
// queue to empty, then cancels any still-running workers.
func (s *Service) Shutdown(ctx context.Context) error {
	s.closeMu.Lock()
	if s.closed {
		s.closeMu.Unlock()
		return nil
	}
	s.closed = true
	close(s.queue)
	s.closeMu.Unlock()

	drained := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(drained)
	}()

	timeout := s.config.DrainTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-drained:
		if s.cancel != nil {
			s.cancel()
		}
		return nil
	case <-timer.C:
		if s.cancel != nil {
			s.cancel()
		}
		<-drained
		return context.DeadlineExceeded
	case <-ctx.Done():
		if s.cancel != nil {
			s.cancel()
		}
		return ctx.Err()
	}
}
