package pipeline_test

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/phxrealty/ingest/internal/adapter"
	"github.com/phxrealty/ingest/internal/extractcache"
	"github.com/phxrealty/ingest/internal/llmextract"
	"github.com/phxrealty/ingest/internal/pipeline"
	"github.com/phxrealty/ingest/internal/supervisor"
)

// newFallbackExtractor points at a port nothing listens on, so the LLM
// call fails immediately and every extraction falls through to the
// deterministic regex path without actually waiting out a timeout.
func newFallbackExtractor(t *testing.T) *llmextract.Extractor {
	t.Helper()
	cache, err := extractcache.New(10, time.Minute)
	if err != nil {
		t.Fatalf("extractcache.New: %v", err)
	}
	breakers := supervisor.NewBreakerRegistry(supervisor.DefaultBreakerConfig())
	extractor, err := llmextract.New("http://127.0.0.1:1", "test-model", cache, breakers, 2*time.Second)
	if err != nil {
		t.Fatalf("llmextract.New: %v", err)
	}
	return extractor
}

func rawRecord(t *testing.T, fields map[string]string) map[string]json.RawMessage {
	t.Helper()
	body, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal fields: %v", err)
	}
	return map[string]json.RawMessage{"record": body}
}

func sampleFields(apn string) map[string]string {
	return map[string]string{
		"apn":                      apn,
		"situs_address":            "789 Oak Street",
		"situs_city":               "Phoenix",
		"situs_zip":                "85033",
		"property_type":            "single_family",
		"bedrooms":                 "3",
		"bathrooms":                "2.0",
		"livable_sqft":             "1,850",
		"year_built":               "2010",
		"assessed_full_cash_value": "425000",
		"assessed_date":            "2025-01-15",
	}
}

// poisonSource always fails extraction, so batch tests can assert that
// one bad item never cancels its peers.
type poisonSource struct{}

func (poisonSource) Tag() string { return "poison" }
func (poisonSource) Extract(raw map[string]json.RawMessage) (adapter.Record, error) {
	return adapter.Record{}, fmt.Errorf("poison: always fails")
}

func TestProcessJSONHappyPath(t *testing.T) {
	p := pipeline.New(adapter.MaricopaSource{CollectorVersion: "test"}, nil, pipeline.DefaultConfig())

	result := p.ProcessJSON(context.Background(), rawRecord(t, sampleFields("1")), "maricopa_assessor")
	if !result.IsValid {
		t.Fatalf("result not valid: errors=%v", result.Errors)
	}
	if result.Property == nil {
		t.Fatal("result.Property is nil")
	}
	if result.Property.Address.Zipcode != "85033" {
		t.Fatalf("zipcode = %s, want 85033", result.Property.Address.Zipcode)
	}
	if result.ProcessingTime < 0 {
		t.Fatal("processing time is negative")
	}
}

func TestProcessJSONSurfacesAdaptFailure(t *testing.T) {
	p := pipeline.New(poisonSource{}, nil, pipeline.DefaultConfig())

	result := p.ProcessJSON(context.Background(), rawRecord(t, sampleFields("1")), "poison")
	if result.IsValid {
		t.Fatal("result valid, want invalid for a source that always fails extraction")
	}
	if result.Error == "" {
		t.Fatal("result.Error is empty, want an adapt failure message")
	}
}

func TestProcessBatchPreservesOrderAndIsolatesFailures(t *testing.T) {
	source := adapter.MaricopaSource{CollectorVersion: "test"}
	config := pipeline.DefaultConfig()
	config.MaxConcurrent = 2
	p := pipeline.New(source, nil, config)

	items := make([]pipeline.Item, 0, 6)
	for i := 0; i < 6; i++ {
		fields := sampleFields(fmt.Sprintf("apn-%d", i))
		if i%2 == 1 {
			// sabotage every other item so it fails validation/adapt
			// without affecting its neighbors.
			fields["situs_zip"] = ""
		}
		items = append(items, pipeline.Item{JSON: rawRecord(t, fields)})
	}

	results := p.ProcessBatch(context.Background(), items, "maricopa_assessor")
	if len(results) != len(items) {
		t.Fatalf("got %d results, want %d", len(results), len(items))
	}
	for i, r := range results {
		wantValid := i%2 == 0
		if r.IsValid != wantValid {
			t.Errorf("item %d: valid = %v, want %v", i, r.IsValid, wantValid)
		}
	}
}

func TestProcessHTMLFallsBackToRegexAndValidates(t *testing.T) {
	extractor := newFallbackExtractor(t)
	p := pipeline.New(adapter.MaricopaSource{CollectorVersion: "test"}, extractor, pipeline.DefaultConfig())

	html := `789 Oak Street, Phoenix, AZ 85033 — $425,000 — 3 bed 2 bath — 1,850 sq ft — Built 2010`
	result := p.ProcessHTML(context.Background(), html, "maricopa_assessor")

	if !result.IsValid {
		t.Fatalf("result not valid: errors=%v", result.Errors)
	}
	if result.ExtractionMethod != llmextract.MethodFallback {
		t.Fatalf("extraction method = %q, want %q", result.ExtractionMethod, llmextract.MethodFallback)
	}
	if result.Property == nil {
		t.Fatal("result.Property is nil")
	}
	if result.Property.Address.StreetNumber != "789" {
		t.Errorf("street_number = %q, want 789", result.Property.Address.StreetNumber)
	}
	if result.Property.Address.StreetName != "Oak Street" {
		t.Errorf("street_name = %q, want Oak Street", result.Property.Address.StreetName)
	}
}

func TestProcessEmptyItemIsInvalid(t *testing.T) {
	p := pipeline.New(adapter.MaricopaSource{}, nil, pipeline.DefaultConfig())
	results := p.ProcessBatch(context.Background(), []pipeline.Item{{}}, "maricopa_assessor")
	if len(results) != 1 {
		t.Fatalf("got %d results, want 1", len(results))
	}
	if results[0].IsValid {
		t.Fatal("empty item reported valid")
	}
	if results[0].Error == "" {
		t.Fatal("empty item has no error message")
	}
}

func TestSummarizeComputesAggregateMetrics(t *testing.T) {
	results := []pipeline.Result{
		{IsValid: true, ConfidenceScore: 0.9, ProcessingTime: 10 * time.Millisecond},
		{IsValid: true, ConfidenceScore: 0.7, ProcessingTime: 20 * time.Millisecond},
		{IsValid: false, ConfidenceScore: 0.2, ProcessingTime: 5 * time.Millisecond},
	}
	m := pipeline.Summarize(results)

	if m.TotalProcessed != 3 {
		t.Fatalf("total_processed = %d, want 3", m.TotalProcessed)
	}
	if m.Successful != 2 || m.Failed != 1 {
		t.Fatalf("successful=%d failed=%d, want 2/1", m.Successful, m.Failed)
	}
	wantRate := 2.0 / 3.0
	if diff := m.SuccessRate - wantRate; diff > 1e-9 || diff < -1e-9 {
		t.Fatalf("success_rate = %v, want %v", m.SuccessRate, wantRate)
	}
	wantAvg := (10 + 20 + 5) * time.Millisecond / 3
	if m.AverageProcessingTime != wantAvg {
		t.Fatalf("average_processing_time = %v, want %v", m.AverageProcessingTime, wantAvg)
	}
}

func TestSummarizeOnEmptyResultsIsZeroValued(t *testing.T) {
	m := pipeline.Summarize(nil)
	if m.TotalProcessed != 0 || m.SuccessRate != 0 {
		t.Fatalf("m = %+v, want zero-valued metrics for empty input", m)
	}
}
