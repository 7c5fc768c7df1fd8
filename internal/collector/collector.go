// Package collector implements the strategy-level orchestration that
// ties a raw-data source (assessor API or anti-bot scraper) to the
// processing pipeline and the repository, one configured ZIP code at
// a time.
package collector

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"time"

	"github.com/phxrealty/ingest/internal/domain"
	"github.com/phxrealty/ingest/internal/pipeline"
	"github.com/phxrealty/ingest/internal/repository"
	"github.com/phxrealty/ingest/internal/scraper"
	"github.com/phxrealty/ingest/internal/supervisor"
)

// PagedSource is the paginated JSON API surface a Collector drives
// until a page comes back empty (the assessor client satisfies this).
type PagedSource interface {
	SearchByZipcode(ctx context.Context, zip string, page int) ([]map[string]json.RawMessage, error)
}

// HTMLSource is the anti-bot scraper surface a Collector drives for
// sites with no JSON API; it fetches one rendered page per URL.
type HTMLSource interface {
	Fetch(ctx context.Context, url string) (scraper.FetchResult, error)
}

// Config validates a single collection run. At least one of
// PagedSource/HTMLURLs must be usable with the wired source.
type Config struct {
	Zipcodes   []string
	SourceTag  string
	HTMLURLs   map[string][]string // zipcode -> listing URLs to scrape
	MaxPages   int                 // safety ceiling on SearchByZipcode pagination; 0 means unbounded
	DLQOnFinal bool                // dead-letter items that exhaust retries
}

// Validate checks the invariants the contract requires before a run
// starts: non-empty zip list and a usable retry policy.
func (c Config) Validate(retry supervisor.RetryPolicy) error {
	if len(c.Zipcodes) == 0 {
		return errors.New("collector: zipcodes must not be empty")
	}
	if retry.MaxAttempts <= 0 {
		return errors.New("collector: retry policy must allow at least one attempt")
	}
	for _, zip := range c.Zipcodes {
		if zip == "" {
			return errors.New("collector: zipcodes must not contain an empty entry")
		}
	}
	return nil
}

// Collector wires SourceClient/AntiBotScraper, the ProcessingPipeline,
// the Repository, and the ErrorSupervisor together for one run.
type Collector struct {
	paged      PagedSource
	html       HTMLSource
	pipeline   *pipeline.Pipeline
	repo       repository.Repository
	supervisor *supervisor.Supervisor
	logger     *slog.Logger
	now        func() time.Time
}

// Option configures a Collector at construction.
type Option func(*Collector)

// WithLogger overrides the collector's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Collector) { c.logger = logger }
}

// WithClock overrides the collector's time source; intended for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Collector) { c.now = now }
}

// New builds a Collector. paged and html may each be nil if a run
// never exercises that surface (e.g. a scraper-only or API-only
// deployment); at least one should be non-nil to do any useful work.
func New(paged PagedSource, html HTMLSource, pl *pipeline.Pipeline, repo repository.Repository, sup *supervisor.Supervisor, opts ...Option) *Collector {
	c := &Collector{
		paged:      paged,
		html:       html,
		pipeline:   pl,
		repo:       repo,
		supervisor: sup,
		logger:     slog.Default(),
		now:        time.Now,
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RunReport summarizes one Run invocation.
type RunReport struct {
	Zipcodes []domain.DailyReport
}

// Run executes the collection strategy across every configured ZIP
// code: paginate the API source to exhaustion, scrape any configured
// HTML URLs, pipeline every raw item, upsert successes into the
// repository, and route failures to the supervisor (retry inline, or
// dead-letter once retries are exhausted).
func (c *Collector) Run(ctx context.Context, config Config) (RunReport, error) {
	if err := config.Validate(c.supervisor.Retry); err != nil {
		return RunReport{}, err
	}

	report := RunReport{Zipcodes: make([]domain.DailyReport, 0, len(config.Zipcodes))}
	for _, zip := range config.Zipcodes {
		select {
		case <-ctx.Done():
			return report, ctx.Err()
		default:
		}
		report.Zipcodes = append(report.Zipcodes, c.runZipcode(ctx, zip, config))
	}
	return report, nil
}

func (c *Collector) runZipcode(ctx context.Context, zip string, config Config) domain.DailyReport {
	start := c.now()
	daily := domain.DailyReport{ReportDate: start, Zipcode: zip}

	if c.paged != nil {
		daily.SourcesUsed = append(daily.SourcesUsed, config.SourceTag)
		c.collectPaged(ctx, zip, config, &daily)
	}
	if c.html != nil {
		if urls := config.HTMLURLs[zip]; len(urls) > 0 {
			daily.SourcesUsed = append(daily.SourcesUsed, "scraper")
			c.collectHTML(ctx, zip, urls, config, &daily)
		}
	}

	daily.DurationSeconds = c.now().Sub(start).Seconds()
	return daily
}

func (c *Collector) collectPaged(ctx context.Context, zip string, config Config, daily *domain.DailyReport) {
	for page := 1; ; page++ {
		if config.MaxPages > 0 && page > config.MaxPages {
			c.logger.Warn("collector: page ceiling reached", "zipcode", zip, "max_pages", config.MaxPages)
			return
		}
		records, err := c.paged.SearchByZipcode(ctx, zip, page)
		if err != nil {
			c.logger.Error("collector: search_by_zipcode failed", "zipcode", zip, "page", page, "error", err)
			daily.Errors++
			c.handleFailure(zip, config, "assessor_api", nil, err)
			return
		}
		if len(records) == 0 {
			return
		}
		for _, record := range records {
			result := c.pipeline.ProcessJSON(ctx, record, config.SourceTag)
			c.absorb(zip, config, "assessor_api", record, result, daily)
		}
	}
}

func (c *Collector) collectHTML(ctx context.Context, zip string, urls []string, config Config, daily *domain.DailyReport) {
	for _, url := range urls {
		fetchResult, err := c.html.Fetch(ctx, url)
		if err != nil {
			c.logger.Error("collector: scraper fetch failed", "zipcode", zip, "url", url, "error", err)
			daily.Errors++
			c.handleFailure(zip, config, "scraper", []byte(url), err)
			continue
		}
		result := c.pipeline.ProcessHTML(ctx, string(fetchResult.Body), "scraper")
		c.absorb(zip, config, "scraper", []byte(url), result, daily)
	}
}

// absorb applies a pipeline Result: upsert on success, route to the
// supervisor on failure.
func (c *Collector) absorb(zip string, config Config, source string, payload []byte, result pipeline.Result, daily *domain.DailyReport) {
	if !result.IsValid {
		daily.Errors++
		c.handleFailure(zip, config, source, payload, errors.New(result.Error))
		return
	}

	ctx := context.Background()
	_, wasCreated, err := c.repo.Upsert(ctx, *result.Property)
	if err != nil {
		daily.Errors++
		c.logger.Error("collector: upsert failed", "zipcode", zip, "property_id", result.Property.PropertyID, "error", err)
		c.handleFailure(zip, config, source, payload, err)
		return
	}
	daily.PropertiesFound++
	if wasCreated {
		daily.PropertiesNew++
	} else {
		daily.PropertiesUpdated++
	}
}

// handleFailure routes an already-retry-exhausted item to the
// dead-letter queue (retries themselves happen inline inside the
// source client or scraper via supervisor.RetryPolicy.Do, so any
// failure reaching here is final).
func (c *Collector) handleFailure(zip string, config Config, source string, payload []byte, cause error) {
	if !config.DLQOnFinal || c.supervisor.DLQ == nil {
		return
	}
	item := domain.DeadLetterItem{
		Source:       source,
		Zipcode:      zip,
		Payload:      payload,
		ErrorKind:    mapKind(supervisor.KindOf(cause)),
		ErrorMessage: cause.Error(),
		Attempts:     1,
	}
	if _, err := c.supervisor.DLQ.Enqueue(item); err != nil {
		c.logger.Error("collector: dead-lettering failed", "zipcode", zip, "source", source, "error", err)
	}
}

func mapKind(kind supervisor.Kind) domain.ErrorKind {
	switch kind {
	case supervisor.KindNetwork:
		return domain.ErrorKindNetwork
	case supervisor.KindRateLimit:
		return domain.ErrorKindRateLimit
	case supervisor.KindParsing:
		return domain.ErrorKindParse
	case supervisor.KindValidation:
		return domain.ErrorKindValidation
	case supervisor.KindExtraction:
		return domain.ErrorKindLLM
	default:
		return domain.ErrorKindUnknown
	}
}
