package scraper_test

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/phxrealty/ingest/internal/proxypool"
	"github.com/phxrealty/ingest/internal/ratelimit"
	"github.com/phxrealty/ingest/internal/scraper"
	"github.com/phxrealty/ingest/internal/session"
)

type scriptedBrowser struct {
	results []scraper.FetchResult
	errs    []error
	call    int
	byAddr  map[string]int // tracks which proxy address served which call, for assertions
	addrs   []string
}

func (b *scriptedBrowser) Fetch(ctx context.Context, url string, cookies []scraper.Cookie, userAgent, proxyAddr string) (scraper.FetchResult, []scraper.Cookie, error) {
	i := b.call
	b.call++
	b.addrs = append(b.addrs, proxyAddr)
	if i >= len(b.results) {
		i = len(b.results) - 1
	}
	var err error
	if i < len(b.errs) {
		err = b.errs[i]
	}
	return b.results[i], nil, err
}

func (b *scriptedBrowser) InjectCaptchaToken(ctx context.Context, token string) error { return nil }
func (b *scriptedBrowser) Close()                                                    {}

type fakeSolver struct {
	token string
	err   error
}

func (s fakeSolver) Solve(ctx context.Context, challenge scraper.CaptchaChallenge) (string, error) {
	return s.token, s.err
}

func newHarness(t *testing.T, browser *scriptedBrowser, opts ...scraper.Option) *scraper.Scraper {
	t.Helper()
	pool := proxypool.New([]proxypool.Identity{
		{ID: "id-1", Address: "proxy-1:8080", UserAgent: "agent-1"},
		{ID: "id-2", Address: "proxy-2:8080", UserAgent: "agent-2"},
	}, 2, 3, time.Minute)

	store, err := session.Open(filepath.Join(t.TempDir(), "sessions.db"), time.Hour)
	if err != nil {
		t.Fatalf("session.Open: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	limiter := ratelimit.New(10000, 0, time.Minute)

	cfg := scraper.DefaultConfig("example-site", "example-site")
	cfg.MaxAttempts = 4
	cfg.CaptchaWaitBudget = time.Second
	cfg.MaintenanceWait = 10 * time.Millisecond
	cfg.MaintenanceJitter = time.Millisecond
	cfg.RateLimitDefaultWait = time.Millisecond

	return scraper.New(cfg, pool, store, limiter, browser, opts...)
}

func TestFetchSucceedsOnCleanFirstResponse(t *testing.T) {
	browser := &scriptedBrowser{results: []scraper.FetchResult{
		{StatusCode: 200, Body: "<html>listing</html>"},
	}}
	s := newHarness(t, browser)

	result, err := s.Fetch(context.Background(), "https://example.com/listing/1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", result.StatusCode)
	}
	if browser.call != 1 {
		t.Fatalf("browser called %d times, want 1", browser.call)
	}
}

func TestFetchRecoversFromBlockedIPBySwitchingIdentity(t *testing.T) {
	browser := &scriptedBrowser{results: []scraper.FetchResult{
		{StatusCode: 403, Body: `<div id="challenge-form"></div>`},
		{StatusCode: 200, Body: "<html>listing</html>"},
	}}
	s := newHarness(t, browser)

	result, err := s.Fetch(context.Background(), "https://example.com/listing/1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", result.StatusCode)
	}
	if len(browser.addrs) != 2 || browser.addrs[0] == browser.addrs[1] {
		t.Fatalf("addresses used = %v, want two distinct addresses", browser.addrs)
	}
}

func TestFetchFailsPermanentlyOnNotFound(t *testing.T) {
	browser := &scriptedBrowser{results: []scraper.FetchResult{
		{StatusCode: 404},
	}}
	s := newHarness(t, browser)

	_, err := s.Fetch(context.Background(), "https://example.com/listing/missing")
	var fetchErr *scraper.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fetchErr.Reason != scraper.FailPermanent {
		t.Fatalf("reason = %s, want permanent", fetchErr.Reason)
	}
	if browser.call != 1 {
		t.Fatalf("browser called %d times for not_found, want 1 (no retry)", browser.call)
	}
}

func TestFetchFailsWhenRetryCeilingExceeded(t *testing.T) {
	always429 := make([]scraper.FetchResult, 0, 10)
	for i := 0; i < 10; i++ {
		always429 = append(always429, scraper.FetchResult{StatusCode: 429})
	}
	browser := &scriptedBrowser{results: always429}
	s := newHarness(t, browser)

	_, err := s.Fetch(context.Background(), "https://example.com/listing/1")
	var fetchErr *scraper.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fetchErr.Reason != scraper.FailRetryCeiling {
		t.Fatalf("reason = %s, want retry_ceiling_exceeded", fetchErr.Reason)
	}
}

func TestFetchSolvesCaptchaWhenSolverConfigured(t *testing.T) {
	browser := &scriptedBrowser{results: []scraper.FetchResult{
		{StatusCode: 200, Body: `<div class="g-recaptcha" data-sitekey="abc"></div>`},
		{StatusCode: 200, Body: "<html>listing</html>"},
	}}
	s := newHarness(t, browser, scraper.WithSolver(fakeSolver{token: "solved-token"}))

	result, err := s.Fetch(context.Background(), "https://example.com/listing/1")
	if err != nil {
		t.Fatalf("Fetch: %v", err)
	}
	if result.StatusCode != 200 {
		t.Fatalf("status = %d, want 200", result.StatusCode)
	}
	if browser.call != 2 {
		t.Fatalf("browser called %d times, want 2 (navigate, retry after solve)", browser.call)
	}
}

func TestFetchFailsWhenCaptchaSolverMissing(t *testing.T) {
	browser := &scriptedBrowser{results: []scraper.FetchResult{
		{StatusCode: 200, Body: `<div class="g-recaptcha" data-sitekey="abc"></div>`},
	}}
	s := newHarness(t, browser) // default NoopSolver

	_, err := s.Fetch(context.Background(), "https://example.com/listing/1")
	var fetchErr *scraper.FetchError
	if !errors.As(err, &fetchErr) {
		t.Fatalf("err = %v, want *FetchError", err)
	}
	if fetchErr.Condition != scraper.ConditionCaptcha {
		t.Fatalf("condition = %s, want captcha", fetchErr.Condition)
	}
}
