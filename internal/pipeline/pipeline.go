// Package pipeline orchestrates Adapter, LLMExtractor, and Validator
// over batches of raw source items under bounded concurrency, giving
// every item an independent success/failure outcome so one bad record
// never takes down its peers.
package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"

	"github.com/phxrealty/ingest/internal/adapter"
	"github.com/phxrealty/ingest/internal/domain"
	"github.com/phxrealty/ingest/internal/llmextract"
	"github.com/phxrealty/ingest/internal/validator"
)

// Result is the outcome of processing one item.
type Result struct {
	Property         *domain.Property
	IsValid          bool
	ConfidenceScore  float64
	Errors           []string
	Warnings         []string
	ExtractionMethod llmextract.Method
	Error            string
	ProcessingTime   time.Duration
}

// Config tunes batch processing.
type Config struct {
	BatchSize     int
	MaxConcurrent int64
	ItemTimeout   time.Duration
}

// DefaultConfig returns reasonable batch tuning.
func DefaultConfig() Config {
	return Config{BatchSize: 50, MaxConcurrent: 10, ItemTimeout: 30 * time.Second}
}

// Item is one unit of work: either rendered HTML (from AntiBotScraper,
// fed to the LLM extractor as narrative text) or a raw JSON record
// (from SourceClient, fed to the Adapter).
type Item struct {
	HTML string
	JSON map[string]json.RawMessage
}

// Pipeline wires Adapter + LLMExtractor + Validator together.
type Pipeline struct {
	source    adapter.Source
	extractor *llmextract.Extractor
	config    Config
	sem       *semaphore.Weighted
	now       func() time.Time
}

// New builds a Pipeline. source performs per-source field extraction
// for JSON items; extractor handles free-text narrative extraction for
// HTML items.
func New(source adapter.Source, extractor *llmextract.Extractor, config Config) *Pipeline {
	if config.MaxConcurrent <= 0 {
		config.MaxConcurrent = 1
	}
	return &Pipeline{
		source:    source,
		extractor: extractor,
		config:    config,
		sem:       semaphore.NewWeighted(config.MaxConcurrent),
		now:       time.Now,
	}
}

// ProcessHTML extracts and validates one rendered HTML item via the
// LLM extractor + regex fallback.
func (p *Pipeline) ProcessHTML(ctx context.Context, html, sourceTag string) Result {
	return p.processOne(ctx, Item{HTML: html}, sourceTag)
}

// ProcessJSON adapts and validates one structured source record.
func (p *Pipeline) ProcessJSON(ctx context.Context, obj map[string]json.RawMessage, sourceTag string) Result {
	return p.processOne(ctx, Item{JSON: obj}, sourceTag)
}

// ProcessBatch processes items concurrently, bounded by
// Config.MaxConcurrent, preserving input order in the returned slice.
// One item's failure never prevents its peers from completing.
func (p *Pipeline) ProcessBatch(ctx context.Context, items []Item, sourceTag string) []Result {
	results := make([]Result, len(items))
	var wg sync.WaitGroup

	for i, item := range items {
		if err := p.sem.Acquire(ctx, 1); err != nil {
			results[i] = Result{IsValid: false, Error: "context cancelled before item started"}
			continue
		}
		wg.Add(1)
		go func(idx int, it Item) {
			defer wg.Done()
			defer p.sem.Release(1)
			results[idx] = p.processOne(ctx, it, sourceTag)
		}(i, item)
	}

	wg.Wait()
	return results
}

func (p *Pipeline) processOne(ctx context.Context, item Item, sourceTag string) Result {
	start := p.now()
	itemCtx, cancel := context.WithTimeout(ctx, p.config.ItemTimeout)
	defer cancel()

	result := p.runItem(itemCtx, item, sourceTag)
	result.ProcessingTime = p.now().Sub(start)

	if itemCtx.Err() != nil && result.Error == "" && !result.IsValid {
		result.Error = "timeout"
	}
	return result
}

func (p *Pipeline) runItem(ctx context.Context, item Item, sourceTag string) Result {
	switch {
	case item.JSON != nil:
		property, err := adapter.Adapt(p.source, item.JSON, p.now())
		if err != nil {
			return Result{IsValid: false, Error: fmt.Sprintf("adapt: %v", err)}
		}
		return validate(property)

	case item.HTML != "":
		extraction, err := p.extractor.Extract(ctx, item.HTML, sourceTag)
		if err != nil {
			if ctx.Err() != nil {
				return Result{IsValid: false, Error: "timeout"}
			}
			return Result{IsValid: false, Error: fmt.Sprintf("extract: %v", err)}
		}
		property := propertyFromExtraction(extraction, sourceTag, p.now())
		result := validate(property)
		result.ExtractionMethod = extraction.Method
		result.ConfidenceScore = minFloat(result.ConfidenceScore, extraction.Confidence)
		return result

	default:
		return Result{IsValid: false, Error: "empty item: neither html nor json payload present"}
	}
}

func validate(property domain.Property) Result {
	outcome := validator.Validate(property, time.Now())
	return Result{
		Property:        &property,
		IsValid:         outcome.IsValid,
		ConfidenceScore: outcome.ConfidenceScore,
		Errors:          outcome.Errors,
		Warnings:        outcome.Warnings,
	}
}

func propertyFromExtraction(extraction llmextract.Result, sourceTag string, now time.Time) domain.Property {
	fields := extraction.Fields
	streetNumber, streetName, _ := adapter.SplitSitusAddress(fields.Street)
	property := domain.Property{
		Address: domain.Address{
			StreetNumber: streetNumber,
			StreetName:   streetName,
			City:         fields.City,
			State:        fields.State,
			Zipcode:      fields.Zipcode,
		},
		PropertyType: domain.PropertyTypeUnknown,
		Features: domain.Features{
			Bedrooms:   fields.Bedrooms,
			Bathrooms:  fields.Bathrooms,
			SquareFeet: fields.SquareFeet,
			YearBuilt:  fields.YearBuilt,
			Pool:       domain.TristateUnknown,
			Fireplace:  domain.TristateUnknown,
		},
		Sources: []domain.DataCollectionMetadata{{
			Source:       sourceTag,
			CollectedAt:  now,
			QualityScore: extraction.Confidence,
		}},
		FirstSeen:   now,
		LastUpdated: now,
		IsActive:    true,
	}
	if fields.Price != nil {
		property.PriceHistory = []domain.PropertyPrice{{
			Amount:          *fields.Price,
			ObservationDate: now,
			PriceType:       domain.PriceTypeListing,
			Source:          sourceTag,
			Confidence:      extraction.Confidence,
		}}
	}
	property.PropertyID = domain.BuildPropertyID(sourceTag, fields.Street, fields.Zipcode)
	property.RecomputeCurrentPrice()
	return property
}

func minFloat(a, b float64) float64 {
	if a < b {
		return a
	}
	return b
}

// Metrics is a read-only snapshot of batch processing statistics.
type Metrics struct {
	TotalProcessed        int
	Successful            int
	Failed                int
	SuccessRate           float64
	AverageProcessingTime time.Duration
	AverageConfidence     float64
}

// Summarize computes a Metrics snapshot over a set of Results.
func Summarize(results []Result) Metrics {
	m := Metrics{TotalProcessed: len(results)}
	if len(results) == 0 {
		return m
	}

	var totalTime time.Duration
	var totalConfidence float64
	for _, r := range results {
		if r.IsValid {
			m.Successful++
		} else {
			m.Failed++
		}
		totalTime += r.ProcessingTime
		totalConfidence += r.ConfidenceScore
	}

	m.SuccessRate = float64(m.Successful) / float64(m.TotalProcessed)
	m.AverageProcessingTime = totalTime / time.Duration(m.TotalProcessed)
	m.AverageConfidence = totalConfidence / float64(m.TotalProcessed)
	return m
}
