package collector_test

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/phxrealty/ingest/internal/adapter"
	"github.com/phxrealty/ingest/internal/collector"
	"github.com/phxrealty/ingest/internal/pipeline"
	"github.com/phxrealty/ingest/internal/repository/memrepo"
	"github.com/phxrealty/ingest/internal/scraper"
	"github.com/phxrealty/ingest/internal/supervisor"
)

func rawRecord(t *testing.T, apn, zip string) map[string]json.RawMessage {
	t.Helper()
	fields := map[string]string{
		"apn":                      apn,
		"situs_address":            apn + " Oak Street",
		"situs_city":               "Phoenix",
		"situs_zip":                zip,
		"property_type":            "single_family",
		"bedrooms":                 "3",
		"bathrooms":                "2.0",
		"livable_sqft":             "1,850",
		"year_built":               "2010",
		"assessed_full_cash_value": "425000",
		"assessed_date":            "2025-01-15",
	}
	body, err := json.Marshal(fields)
	if err != nil {
		t.Fatalf("marshal fields: %v", err)
	}
	return map[string]json.RawMessage{"record": body}
}

// pagedSource serves one page of records then an empty page,
// exercising the collector's exhaustion-detection loop.
type pagedSource struct {
	pages  map[int][]map[string]json.RawMessage
	failOn int
	calls  []int
}

func (p *pagedSource) SearchByZipcode(ctx context.Context, zip string, page int) ([]map[string]json.RawMessage, error) {
	p.calls = append(p.calls, page)
	if p.failOn != 0 && page == p.failOn {
		return nil, fmt.Errorf("upstream exploded on page %d", page)
	}
	return p.pages[page], nil
}

type htmlSource struct {
	results map[string]scraper.FetchResult
	err     error
}

func (h *htmlSource) Fetch(ctx context.Context, url string) (scraper.FetchResult, error) {
	if h.err != nil {
		return scraper.FetchResult{}, h.err
	}
	return h.results[url], nil
}

func newSupervisor(t *testing.T) *supervisor.Supervisor {
	t.Helper()
	dlq, err := supervisor.OpenDLQ(filepath.Join(t.TempDir(), "dlq.db"))
	if err != nil {
		t.Fatalf("OpenDLQ: %v", err)
	}
	t.Cleanup(func() { dlq.Close() })
	return supervisor.New(supervisor.DefaultRetryPolicy(), supervisor.DefaultBreakerConfig(), dlq)
}

func TestRunValidatesEmptyZipcodeList(t *testing.T) {
	repo := memrepo.New()
	c := collector.New(nil, nil, pipeline.New(adapter.MaricopaSource{}, nil, pipeline.DefaultConfig()), repo, newSupervisor(t))

	_, err := c.Run(context.Background(), collector.Config{})
	if err == nil {
		t.Fatal("Run with empty zipcodes returned nil error")
	}
}

func TestRunPaginatesUntilExhaustionAndUpsertsResults(t *testing.T) {
	source := &pagedSource{pages: map[int][]map[string]json.RawMessage{
		1: {rawRecord(t, "1", "85048"), rawRecord(t, "2", "85048")},
		2: {rawRecord(t, "3", "85048")},
	}}
	repo := memrepo.New()
	pl := pipeline.New(adapter.MaricopaSource{CollectorVersion: "test"}, nil, pipeline.DefaultConfig())
	c := collector.New(source, nil, pl, repo, newSupervisor(t))

	report, err := c.Run(context.Background(), collector.Config{Zipcodes: []string{"85048"}, SourceTag: "maricopa_assessor"})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Zipcodes) != 1 {
		t.Fatalf("got %d zip reports, want 1", len(report.Zipcodes))
	}
	daily := report.Zipcodes[0]
	if daily.PropertiesFound != 3 {
		t.Fatalf("properties_found = %d, want 3", daily.PropertiesFound)
	}
	if daily.PropertiesNew != 3 {
		t.Fatalf("properties_new = %d, want 3", daily.PropertiesNew)
	}
	// page 3 must have been requested and found empty, terminating the loop.
	if len(source.calls) != 3 {
		t.Fatalf("pages requested = %v, want 3 calls (1, 2, 3-empty)", source.calls)
	}
}

func TestRunDeadLettersExhaustedFailures(t *testing.T) {
	source := &pagedSource{failOn: 1}
	repo := memrepo.New()
	pl := pipeline.New(adapter.MaricopaSource{}, nil, pipeline.DefaultConfig())
	sup := newSupervisor(t)
	c := collector.New(source, nil, pl, repo, sup)

	report, err := c.Run(context.Background(), collector.Config{
		Zipcodes: []string{"85048"}, SourceTag: "maricopa_assessor", DLQOnFinal: true,
	})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Zipcodes[0].Errors != 1 {
		t.Fatalf("errors = %d, want 1", report.Zipcodes[0].Errors)
	}
	items, err := sup.DLQ.List(time.Time{})
	if err != nil {
		t.Fatalf("DLQ.List: %v", err)
	}
	if len(items) != 1 {
		t.Fatalf("dlq items = %d, want 1", len(items))
	}
	if items[0].Source != "assessor_api" {
		t.Fatalf("dlq item source = %s, want assessor_api", items[0].Source)
	}
}

func TestRunSkipsHTMLSourceWhenNoURLsConfiguredForZip(t *testing.T) {
	repo := memrepo.New()
	pl := pipeline.New(adapter.MaricopaSource{}, nil, pipeline.DefaultConfig())
	html := &htmlSource{results: map[string]scraper.FetchResult{}}
	c := collector.New(nil, html, pl, repo, newSupervisor(t))

	report, err := c.Run(context.Background(), collector.Config{Zipcodes: []string{"85048"}})
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if len(report.Zipcodes[0].SourcesUsed) != 0 {
		t.Fatalf("sources_used = %v, want empty (no URLs configured)", report.Zipcodes[0].SourcesUsed)
	}
}
