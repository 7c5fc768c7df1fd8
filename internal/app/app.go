// Package app wires together configuration and every runtime
// component into a single Deps struct that cmd/ingestd's verbs share.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/phxrealty/ingest/internal/adapter"
	"github.com/phxrealty/ingest/internal/assessor"
	"github.com/phxrealty/ingest/internal/collector"
	"github.com/phxrealty/ingest/internal/config"
	"github.com/phxrealty/ingest/internal/extractcache"
	"github.com/phxrealty/ingest/internal/llmextract"
	"github.com/phxrealty/ingest/internal/pipeline"
	"github.com/phxrealty/ingest/internal/proxypool"
	"github.com/phxrealty/ingest/internal/ratelimit"
	"github.com/phxrealty/ingest/internal/repository"
	"github.com/phxrealty/ingest/internal/repository/memrepo"
	"github.com/phxrealty/ingest/internal/scraper"
	"github.com/phxrealty/ingest/internal/service"
	"github.com/phxrealty/ingest/internal/session"
	"github.com/phxrealty/ingest/internal/supervisor"
)

// Deps holds every runtime dependency cmd/ingestd's verbs inject into
// their Run functions.
type Deps struct {
	Config *config.Config
	Logger *slog.Logger

	Mongo      *mongo.Client
	Repository repository.Repository

	Limiter    *ratelimit.Limiter
	ProxyPool  *proxypool.Pool
	Sessions   *session.Store
	Assessor   *assessor.Client
	Scraper    *scraper.Scraper
	Cache      *extractcache.Cache
	Extractor  *llmextract.Extractor
	Supervisor *supervisor.Supervisor
	Pipeline   *pipeline.Pipeline
	Collector  *collector.Collector

	Service  *service.Service
	Handlers *service.Handlers

	// Close releases file handles and connections opened during New.
	Close func(ctx context.Context) error
}

// New resolves cfg into a fully wired Deps. The caller is responsible
// for calling Deps.Close during shutdown.
func New(ctx context.Context, cfg *config.Config, logger *slog.Logger) (*Deps, error) {
	if logger == nil {
		logger = slog.Default()
	}

	var closers []func(ctx context.Context) error
	closeAll := func(ctx context.Context) error {
		var firstErr error
		for i := len(closers) - 1; i >= 0; i-- {
			if err := closers[i](ctx); err != nil && firstErr == nil {
				firstErr = err
			}
		}
		return firstErr
	}

	limiter := ratelimit.New(int(cfg.Rate*60), 0.1, time.Minute, ratelimit.WithLogger(logger))

	identities := make([]proxypool.Identity, 0, len(cfg.ProxyAddresses))
	for i, addr := range cfg.ProxyAddresses {
		identities = append(identities, proxypool.Identity{
			ID:      fmt.Sprintf("proxy-%d", i),
			Address: addr,
		})
	}
	pool := proxypool.New(identities, cfg.ProxyFailThreshold, cfg.ProxyBanThreshold, cfg.ProxyCooldown)

	sessionStore, err := session.Open(cfg.SessionPath(), cfg.SessionMaxAge)
	if err != nil {
		return nil, fmt.Errorf("opening session store: %w", err)
	}
	closers = append(closers, func(ctx context.Context) error { return sessionStore.Close() })

	dlq, err := supervisor.OpenDLQ(cfg.DLQPath())
	if err != nil {
		closeAll(ctx)
		return nil, fmt.Errorf("opening dead-letter queue: %w", err)
	}
	closers = append(closers, func(ctx context.Context) error { return dlq.Close() })

	breakerConfig := supervisor.BreakerConfig{
		FailureThreshold: uint32(cfg.BreakerFailureThreshold),
		Window:           cfg.BreakerWindow,
		Cooldown:         cfg.BreakerCooldown,
	}
	sup := supervisor.New(supervisor.DefaultRetryPolicy(), breakerConfig, dlq)
	breakers := sup.Breakers

	assessorClient, err := assessor.NewClient(
		cfg.AssessorBaseURL, cfg.AssessorAPIKey, cfg.Timeout,
		cfg.MaxConns, cfg.MaxPerHost, limiter, sup,
		assessor.WithLogger(logger),
	)
	if err != nil {
		closeAll(ctx)
		return nil, fmt.Errorf("constructing assessor client: %w", err)
	}

	htmlScraper := scraper.New(
		scraper.DefaultConfig("maricopa_assessor", "maricopa_assessor"),
		pool, sessionStore, limiter,
		scraper.NewChromeBrowser(cfg.Timeout),
		scraper.WithLogger(logger),
	)

	cache, err := extractcache.New(cfg.CacheMaxEntries, cfg.CacheTTL)
	if err != nil {
		closeAll(ctx)
		return nil, fmt.Errorf("constructing extraction cache: %w", err)
	}

	extractor, err := llmextract.New(
		cfg.OllamaServerURL, cfg.OllamaModel, cache, breakers, cfg.Timeout,
		llmextract.WithLogger(logger),
	)
	if err != nil {
		closeAll(ctx)
		return nil, fmt.Errorf("constructing LLM extractor: %w", err)
	}

	source := adapter.MaricopaSource{CollectorVersion: "ingestd"}
	pipelineConfig := pipeline.DefaultConfig()
	pipelineConfig.MaxConcurrent = int64(cfg.MaxConcurrent)
	pipelineConfig.BatchSize = cfg.BatchSize
	pipelineConfig.ItemTimeout = cfg.ItemTimeout
	pl := pipeline.New(source, extractor, pipelineConfig)

	var repo repository.Repository
	var mongoClient *mongo.Client
	if cfg.MongoURI != "" {
		mongoClient, err = mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
		if err != nil {
			closeAll(ctx)
			return nil, fmt.Errorf("connecting to mongo: %w", err)
		}
		closers = append(closers, func(ctx context.Context) error { return mongoClient.Disconnect(ctx) })

		mongoRepo, err := repository.NewMongoRepository(ctx, mongoClient.Database(cfg.DatabaseName))
		if err != nil {
			closeAll(ctx)
			return nil, fmt.Errorf("constructing repository: %w", err)
		}
		repo = mongoRepo
	} else {
		repo = memrepo.New()
	}

	coll := collector.New(assessorClient, htmlScraper, pl, repo, sup, collector.WithLogger(logger))

	svc := service.New(service.Config{
		QueueCapacity: cfg.QueueCapacity,
		Workers:       cfg.Workers,
		DrainTimeout:  cfg.Timeout,
	}, pl, repo, service.WithLogger(logger))

	var healthChecker service.HealthChecker
	if mongoRepo, ok := repo.(*repository.MongoRepository); ok {
		healthChecker = mongoRepo
	} else if mr, ok := repo.(*memrepo.Repository); ok {
		healthChecker = mr
	}
	handlers := service.NewHandlers(svc, breakers, healthChecker, prometheus.NewRegistry())

	return &Deps{
		Config:     cfg,
		Logger:     logger,
		Mongo:      mongoClient,
		Repository: repo,
		Limiter:    limiter,
		ProxyPool:  pool,
		Sessions:   sessionStore,
		Assessor:   assessorClient,
		Scraper:    htmlScraper,
		Cache:      cache,
		Extractor:  extractor,
		Supervisor: sup,
		Pipeline:   pl,
		Collector:  coll,
		Service:    svc,
		Handlers:   handlers,
		Close:      closeAll,
	}, nil
}
