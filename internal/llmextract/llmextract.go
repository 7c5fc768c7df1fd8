// Package llmextract extracts structured property fields from
// unstructured source text (MLS remarks, listing bodies) using a
// local LLM endpoint, falling back to deterministic regex extraction
// when the model's output cannot be parsed or the call times out.
package llmextract

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tmc/langchaingo/llms"
	"github.com/tmc/langchaingo/llms/ollama"

	"github.com/phxrealty/ingest/internal/extractcache"
	"github.com/phxrealty/ingest/internal/supervisor"
)

// PromptVersion is embedded in the cache key so a prompt revision
// never serves a stale cached extraction from a prior wording.
const PromptVersion = "v1"

// resource is the circuit-breaker/fallback resource name for LLM
// calls, matching the component contract's "llm" logical resource.
const resource = "llm"

// Method records which extraction path produced a Result.
type Method string

const (
	MethodLLM      Method = "llm"
	MethodFallback Method = "fallback"
)

// ExtractionTimeout is returned when the LLM call times out and the
// regex fallback also fails to produce a usable result.
type ExtractionTimeout struct {
	SourceTag string
}

func (e *ExtractionTimeout) Error() string {
	return fmt.Sprintf("llmextract: extraction timed out for source %q and fallback failed", e.SourceTag)
}

// Fields is the structured payload an extraction produces, each
// pointer nil when the corresponding field was not found.
type Fields struct {
	Street     string   `json:"street,omitempty"`
	City       string   `json:"city,omitempty"`
	State      string   `json:"state,omitempty"`
	Zipcode    string   `json:"zipcode,omitempty"`
	Price      *float64 `json:"price,omitempty"`
	Bedrooms   *int     `json:"bedrooms,omitempty"`
	Bathrooms  *float64 `json:"bathrooms,omitempty"`
	SquareFeet *int     `json:"square_feet,omitempty"`
	YearBuilt  *int     `json:"year_built,omitempty"`
}

// Result is the outcome of one extraction call.
type Result struct {
	Fields     Fields  `json:"fields"`
	Method     Method  `json:"method"`
	Confidence float64 `json:"confidence"`
}

// Extractor mediates LLM calls through a cache-aside layer and falls
// back to regex extraction on parse failure or timeout.
type Extractor struct {
	model    llms.Model
	modelTag string
	cache    *extractcache.Cache
	breakers *supervisor.BreakerRegistry
	timeout  time.Duration
	logger   *slog.Logger
}

// Option configures an Extractor at construction.
type Option func(*Extractor)

// WithLogger overrides the extractor's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(e *Extractor) { e.logger = logger }
}

// New builds an Extractor backed by a local Ollama endpoint.
func New(ollamaServerURL, modelTag string, cache *extractcache.Cache, breakers *supervisor.BreakerRegistry, timeout time.Duration, opts ...Option) (*Extractor, error) {
	model, err := ollama.New(ollama.WithServerURL(ollamaServerURL), ollama.WithModel(modelTag))
	if err != nil {
		return nil, fmt.Errorf("llmextract: building ollama client: %w", err)
	}
	e := &Extractor{
		model:    model,
		modelTag: modelTag,
		cache:    cache,
		breakers: breakers,
		timeout:  timeout,
		logger:   slog.Default(),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e, nil
}

// Extract submits text for structured extraction, consulting the
// cache first. sourceTag identifies the caller's collection source
// for logging and breaker accounting.
func (e *Extractor) Extract(ctx context.Context, text, sourceTag string) (Result, error) {
	key := extractcache.Key([]byte(text), PromptVersion)

	raw, hit, err := e.cache.GetOrLoad(ctx, key, func(ctx context.Context) ([]byte, string, error) {
		result, extractErr := e.extractUncached(ctx, text, sourceTag)
		if extractErr != nil {
			return nil, "", extractErr
		}
		encoded, encErr := json.Marshal(result)
		if encErr != nil {
			return nil, "", encErr
		}
		return encoded, e.modelTag, nil
	})
	if err != nil {
		return Result{}, err
	}

	var result Result
	if err := json.Unmarshal(raw, &result); err != nil {
		return Result{}, fmt.Errorf("llmextract: decoding cached result: %w", err)
	}
	if hit {
		e.logger.Debug("extraction cache hit", "source", sourceTag)
	}
	return result, nil
}

// extractUncached always attempts a fresh extraction; it is only
// reached from within the cache's single-flight section. A failed LLM
// call degrades to the regex fallback; when that also finds nothing,
// the error from extractUncachedOrErr (an *ExtractionTimeout if the
// call ran out of time) is logged and returned.
func (e *Extractor) extractUncached(ctx context.Context, text, sourceTag string) (Result, error) {
	result, err := e.extractUncachedOrErr(ctx, text, sourceTag)
	if err != nil {
		e.logger.Warn("llm extraction failed, no usable result", "source", sourceTag, "error", err)
		return Result{}, err
	}
	return result, nil
}

func (e *Extractor) extractUncachedOrErr(ctx context.Context, text, sourceTag string) (Result, error) {
	callCtx, cancel := context.WithTimeout(ctx, e.timeout)
	defer cancel()

	raw, llmErr := e.callLLM(callCtx, text)
	if llmErr == nil {
		if fields, parseErr := parseJSONFields(raw); parseErr == nil {
			return Result{Fields: fields, Method: MethodLLM, Confidence: 0.9}, nil
		}
	}

	fields, ok := regexFallback(text)
	if !ok {
		if callCtx.Err() != nil {
			return Result{}, &ExtractionTimeout{SourceTag: sourceTag}
		}
		return Result{}, supervisor.Wrap(supervisor.KindExtraction, "llmextract.Extract", "llm output unparseable and fallback found nothing", llmErr)
	}
	return Result{Fields: fields, Method: MethodFallback, Confidence: supervisor.CapFallbackConfidence(0.5)}, nil
}

func (e *Extractor) callLLM(ctx context.Context, text string) (string, error) {
	prompt := buildPrompt(text)
	result, err := e.breakers.Execute(ctx, resource, func(ctx context.Context) (any, error) {
		response, err := llms.GenerateFromSinglePrompt(ctx, e.model, prompt)
		if err != nil {
			return nil, supervisor.Wrap(supervisor.KindExtraction, "llmextract.callLLM", "ollama call failed", err)
		}
		return response, nil
	})
	if err != nil {
		return "", err
	}
	return result.(string), nil
}

func buildPrompt(text string) string {
	return "Extract address, price, bedrooms, bathrooms, square_feet, and year_built " +
		"as a single JSON object with keys street, city, state, zipcode, price, bedrooms, " +
		"bathrooms, square_feet, year_built. Respond with JSON only.\n\nText:\n" + text
}

func parseJSONFields(raw string) (Fields, error) {
	trimmed := strings.TrimSpace(raw)
	start := strings.IndexByte(trimmed, '{')
	end := strings.LastIndexByte(trimmed, '}')
	if start < 0 || end < start {
		return Fields{}, fmt.Errorf("llmextract: no JSON object found in response")
	}
	var fields Fields
	if err := json.Unmarshal([]byte(trimmed[start:end+1]), &fields); err != nil {
		return Fields{}, err
	}
	return fields, nil
}

var (
	addressPattern = regexp.MustCompile(`(\d+\s+[A-Za-z0-9.' ]+?(?:Street|St|Avenue|Ave|Road|Rd|Drive|Dr|Lane|Ln|Court|Ct|Boulevard|Blvd|Way|Place|Pl))[,]?\s+([A-Za-z ]+),?\s+(AZ)\s+(\d{5})`)
	pricePattern   = regexp.MustCompile(`\$\s?([\d,]+(?:\.\d+)?)`)
	bedBathPattern = regexp.MustCompile(`(\d+)\s*bed(?:room)?s?[^\d]+(\d+(?:\.\d)?)\s*bath(?:room)?s?`)
	sqftPattern    = regexp.MustCompile(`([\d,]+)\s*(?:sq\s*\.?\s*ft|square feet)`)
	yearPattern    = regexp.MustCompile(`[Bb]uilt\s+(?:in\s+)?(\d{4})`)
)

// regexFallback deterministically extracts address, price, bed/bath,
// square_feet, and year_built from free text when the LLM's output
// cannot be parsed. ok is false if nothing at all was recognized.
func regexFallback(text string) (Fields, bool) {
	var fields Fields
	found := false

	if m := addressPattern.FindStringSubmatch(text); m != nil {
		fields.Street, fields.City, fields.State, fields.Zipcode = m[1], strings.TrimSpace(m[2]), m[3], m[4]
		found = true
	}
	if m := pricePattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.ParseFloat(strings.ReplaceAll(m[1], ",", ""), 64); err == nil {
			fields.Price = &v
			found = true
		}
	}
	if m := bedBathPattern.FindStringSubmatch(text); m != nil {
		if beds, err := strconv.Atoi(m[1]); err == nil {
			fields.Bedrooms = &beds
			found = true
		}
		if baths, err := strconv.ParseFloat(m[2], 64); err == nil {
			fields.Bathrooms = &baths
			found = true
		}
	}
	if m := sqftPattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(strings.ReplaceAll(m[1], ",", "")); err == nil {
			fields.SquareFeet = &v
			found = true
		}
	}
	if m := yearPattern.FindStringSubmatch(text); m != nil {
		if v, err := strconv.Atoi(m[1]); err == nil {
			fields.YearBuilt = &v
			found = true
		}
	}

	return fields, found
}
