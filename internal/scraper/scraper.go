// Package scraper drives a headless browser against anti-bot-hardened
// targets, classifying and recovering from the error conditions those
// targets throw up (rate limiting, IP blocks, expired sessions,
// CAPTCHAs, maintenance windows) before handing back rendered HTML.
package scraper

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math/rand"
	"sync"
	"time"

	"github.com/phxrealty/ingest/internal/proxypool"
	"github.com/phxrealty/ingest/internal/ratelimit"
	"github.com/phxrealty/ingest/internal/session"
)

var errUnsolvedCaptcha = errors.New("scraper: no captcha solver configured")

// FetchState names one state in a fetch attempt's state machine.
type FetchState string

const (
	StateStart         FetchState = "start"
	StateNavigate      FetchState = "navigate"
	StateErrorDetected FetchState = "error_detected"
	StateRecover       FetchState = "recover"
	StateOK            FetchState = "ok"
	StateFail          FetchState = "fail"
)

// FailReason explains why a Fetch ended in StateFail.
type FailReason string

const (
	FailUnhandledCondition FailReason = "unhandled_condition"
	FailRetryCeiling       FailReason = "retry_ceiling_exceeded"
	FailPermanent          FailReason = "permanent"
)

// FetchError is returned when a fetch attempt ends in StateFail.
type FetchError struct {
	URL       string
	Condition Condition
	Reason    FailReason
	Attempts  int
}

func (e *FetchError) Error() string {
	return fmt.Sprintf("scraper: fetch of %s failed after %d attempt(s): condition=%s reason=%s",
		e.URL, e.Attempts, e.Condition, e.Reason)
}

// Config tunes recovery behavior.
type Config struct {
	SiteName             string
	SourceTag            string
	MaxAttempts          int           // per-attempt retry ceiling before FAIL
	CaptchaWaitBudget    time.Duration // bounded total wait for a solver response
	CaptchaHourlyCap     int           // captcha solves permitted per rolling hour
	MaintenanceWait      time.Duration
	MaintenanceJitter    time.Duration
	RateLimitDefaultWait time.Duration // used when a 429 carries no Retry-After
}

// DefaultConfig returns reasonable recovery tuning.
func DefaultConfig(siteName, sourceTag string) Config {
	return Config{
		SiteName:             siteName,
		SourceTag:            sourceTag,
		MaxAttempts:          5,
		CaptchaWaitBudget:    60 * time.Second,
		CaptchaHourlyCap:     10,
		MaintenanceWait:      5 * time.Minute,
		MaintenanceJitter:    30 * time.Second,
		RateLimitDefaultWait: 5 * time.Second,
	}
}

// Scraper drives fetch attempts through ProxyPool, SessionStore, and
// RateLimiter, recovering from detected error conditions per the
// configured recovery table.
type Scraper struct {
	config  Config
	pool    *proxypool.Pool
	session *session.Store
	limiter *ratelimit.Limiter
	browser Browser
	solver  CaptchaSolver
	logger  *slog.Logger
	now     func() time.Time

	mu            sync.Mutex
	captchaSolves []time.Time
}

// Option configures a Scraper at construction.
type Option func(*Scraper)

// WithLogger overrides the scraper's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Scraper) { s.logger = logger }
}

// WithSolver installs a CaptchaSolver; without it, captcha conditions
// are always unrecoverable.
func WithSolver(solver CaptchaSolver) Option {
	return func(s *Scraper) { s.solver = solver }
}

// WithClock overrides the scraper's time source; intended for tests.
func WithClock(now func() time.Time) Option {
	return func(s *Scraper) { s.now = now }
}

// New builds a Scraper.
func New(config Config, pool *proxypool.Pool, store *session.Store, limiter *ratelimit.Limiter, browser Browser, opts ...Option) *Scraper {
	s := &Scraper{
		config:  config,
		pool:    pool,
		session: store,
		limiter: limiter,
		browser: browser,
		solver:  NoopSolver{},
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Fetch runs the START→NAVIGATE→(OK|ERROR_DETECTED→RECOVER→NAVIGATE|FAIL)
// state machine for url, returning the rendered page on OK or a
// *FetchError on FAIL.
func (s *Scraper) Fetch(ctx context.Context, url string) (FetchResult, error) {
	identity, err := s.pool.Acquire()
	if err != nil {
		return FetchResult{}, fmt.Errorf("scraper: acquiring identity: %w", err)
	}

	artifacts, _, err := s.session.Load(s.config.SiteName, identity.ID)
	if err != nil {
		s.logger.Warn("session load failed, continuing without prior session", "error", err)
	}
	cookies := decodeCookies(artifacts)

	state := StateNavigate
	attempts := 0
	var lastCondition Condition
	var lastResult FetchResult

	for {
		switch state {
		case StateNavigate:
			attempts++
			if attempts > s.config.MaxAttempts {
				s.pool.Report(identity.ID, proxypool.OutcomeFailure)
				return FetchResult{}, &FetchError{URL: url, Condition: lastCondition, Reason: FailRetryCeiling, Attempts: attempts - 1}
			}

			if wait := s.limiter.WaitIfNeeded(ctx, s.config.SourceTag); wait > 0 {
				timer := time.NewTimer(wait)
				select {
				case <-ctx.Done():
					timer.Stop()
					return FetchResult{}, ctx.Err()
				case <-timer.C:
				}
			}

			result, respCookies, fetchErr := s.browser.Fetch(ctx, url, cookies, identity.UserAgent, identity.Address)
			if fetchErr != nil {
				s.pool.Report(identity.ID, proxypool.OutcomeFailure)
				return FetchResult{}, fmt.Errorf("scraper: %w", fetchErr)
			}
			cookies = respCookies
			s.saveSession(identity.ID, respCookies)

			condition := classify(result)
			if condition == ConditionNone {
				s.pool.Report(identity.ID, proxypool.OutcomeSuccess)
				return result, nil
			}
			lastCondition = condition
			lastResult = result
			state = StateErrorDetected

		case StateErrorDetected:
			if lastCondition == ConditionNotFound {
				return FetchResult{}, &FetchError{URL: url, Condition: lastCondition, Reason: FailPermanent, Attempts: attempts}
			}
			state = StateRecover

		case StateRecover:
			recovered, recoverErr := s.recover(ctx, lastCondition, &identity, lastResult)
			if recoverErr != nil {
				s.pool.Report(identity.ID, proxypool.OutcomeFailure)
				return FetchResult{}, &FetchError{URL: url, Condition: lastCondition, Reason: FailUnhandledCondition, Attempts: attempts}
			}
			if !recovered {
				s.pool.Report(identity.ID, proxypool.OutcomeFailure)
				return FetchResult{}, &FetchError{URL: url, Condition: lastCondition, Reason: FailUnhandledCondition, Attempts: attempts}
			}
			state = StateNavigate
		}
	}
}

func (s *Scraper) recover(ctx context.Context, condition Condition, identity *proxypool.Identity, result FetchResult) (bool, error) {
	switch condition {
	case ConditionRateLimit:
		s.limiter.WaitIfNeeded(ctx, s.config.SourceTag)
		wait := retryAfterOrDefault(result, s.config.RateLimitDefaultWait)
		return s.sleep(ctx, wait), nil

	case ConditionBlockedIP:
		s.pool.Report(identity.ID, proxypool.OutcomeFailure)
		next, err := s.pool.Acquire()
		if err != nil {
			return false, err
		}
		*identity = next
		return true, nil

	case ConditionSessionExpired:
		s.session.Invalidate(s.config.SiteName, identity.ID)
		return true, nil

	case ConditionCaptcha:
		if !s.allowCaptchaSolve() {
			return false, fmt.Errorf("scraper: captcha hourly budget exhausted")
		}
		challenge := detectCaptcha(result)
		solveCtx, cancel := context.WithTimeout(ctx, s.config.CaptchaWaitBudget)
		defer cancel()
		token, err := s.solver.Solve(solveCtx, challenge)
		if err != nil {
			return false, fmt.Errorf("scraper: captcha solve: %w", err)
		}
		if err := s.browser.InjectCaptchaToken(ctx, token); err != nil {
			return false, fmt.Errorf("scraper: injecting captcha token: %w", err)
		}
		return true, nil

	case ConditionMaintenance:
		jitter := time.Duration(rand.Int63n(int64(s.config.MaintenanceJitter + 1)))
		s.logger.Warn("target in maintenance, waiting", "wait", s.config.MaintenanceWait+jitter)
		return s.sleep(ctx, s.config.MaintenanceWait+jitter), nil

	default:
		return false, fmt.Errorf("scraper: no recovery defined for condition %q", condition)
	}
}

func (s *Scraper) sleep(ctx context.Context, d time.Duration) bool {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

func (s *Scraper) allowCaptchaSolve() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	cutoff := now.Add(-time.Hour)
	kept := s.captchaSolves[:0]
	for _, t := range s.captchaSolves {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	s.captchaSolves = kept
	if len(s.captchaSolves) >= s.config.CaptchaHourlyCap {
		return false
	}
	s.captchaSolves = append(s.captchaSolves, now)
	return true
}

func (s *Scraper) saveSession(identityID string, cookies []Cookie) {
	data, err := encodeCookies(cookies)
	if err != nil {
		return
	}
	_ = s.session.Save(s.config.SiteName, identityID, session.Artifacts{Cookies: data})
}

func encodeCookies(cookies []Cookie) ([]byte, error) {
	return json.Marshal(cookies)
}

func decodeCookies(artifacts session.Artifacts) []Cookie {
	if len(artifacts.Cookies) == 0 {
		return nil
	}
	var cookies []Cookie
	if err := json.Unmarshal(artifacts.Cookies, &cookies); err != nil {
		return nil
	}
	return cookies
}

func retryAfterOrDefault(result FetchResult, def time.Duration) time.Duration {
	for k, v := range result.Headers {
		if k == "Retry-After" || k == "retry-after" {
			if secs, err := time.ParseDuration(v + "s"); err == nil {
				return secs
			}
		}
	}
	return def
}
