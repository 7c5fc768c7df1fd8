// Package assessor implements the HTTPS JSON client for a county
// assessor API (the SourceClient component). Every outbound call
// consults the shared rate limiter first, retries transient failures
// through the shared supervisor, and redacts credentials from every
// log line and error it produces.
package assessor

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/phxrealty/ingest/internal/ratelimit"
	"github.com/phxrealty/ingest/internal/supervisor"
)

// sourceTag is the fixed rate-limiter and circuit-breaker resource
// name every assessor call is billed against.
const sourceTag = "assessor_api"

var sensitiveFieldPattern = regexp.MustCompile(`(?i)(api_key|token|auth(?:orization)?|password|secret)`)
var sensitiveQueryPattern = regexp.MustCompile(`(?i)([?&](?:api_key|token|auth(?:orization)?|password|secret)=)[^&]*`)

// Redact masks any sensitive query parameter value in s.
func Redact(s string) string {
	return sensitiveQueryPattern.ReplaceAllString(s, "$1[REDACTED]")
}

// Client is the assessor API HTTPS client.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	limiter    *ratelimit.Limiter
	breakers   *supervisor.BreakerRegistry
	retry      supervisor.RetryPolicy
	logger     *slog.Logger
}

// Option configures a Client at construction.
type Option func(*Client)

// WithLogger overrides the client's structured logger.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Client) { c.logger = logger }
}

// WithHTTPClient overrides the underlying *http.Client (connection
// pooling limits, custom transport for tests).
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// NewClient builds a Client. baseURL must use HTTPS; construction
// fails otherwise. maxConns/maxPerHost bound the shared transport's
// connection pool.
func NewClient(baseURL, apiKey string, timeout time.Duration, maxConns, maxPerHost int, limiter *ratelimit.Limiter, sup *supervisor.Supervisor, opts ...Option) (*Client, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parsing base url: %w", err)
	}
	if u.Scheme != "https" {
		return nil, fmt.Errorf("assessor: base url must use https, got %q", u.Scheme)
	}

	transport := &http.Transport{
		MaxConnsPerHost:     maxPerHost,
		MaxIdleConnsPerHost: maxPerHost,
		MaxIdleConns:        maxConns,
	}

	c := &Client{
		baseURL:    strings.TrimSuffix(baseURL, "/"),
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout, Transport: transport},
		limiter:    limiter,
		breakers:   sup.Breakers,
		retry:      sup.Retry,
		logger:     slog.Default(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// statusError carries the HTTP status and a sanitized body excerpt
// for classification by the caller.
type statusError struct {
	status int
	body   string
}

func (e *statusError) Error() string {
	return fmt.Sprintf("HTTP %d: %s", e.status, e.body)
}

// get performs one GET request to endpoint, consulting the rate
// limiter and retrying transient failures through the supervisor's
// retry policy and circuit breaker.
func (c *Client) get(ctx context.Context, endpoint string, params url.Values, out any) error {
	_, err := c.breakers.Execute(ctx, sourceTag, func(ctx context.Context) (any, error) {
		return nil, c.retry.Do(ctx, supervisor.KindNetwork, func(ctx context.Context, attempt int) (time.Duration, error) {
			return c.attempt(ctx, endpoint, params, out)
		})
	})
	return err
}

func (c *Client) attempt(ctx context.Context, endpoint string, params url.Values, out any) (time.Duration, error) {
	wait := c.limiter.WaitIfNeeded(ctx, sourceTag)
	if wait > 0 {
		timer := time.NewTimer(wait)
		defer timer.Stop()
		select {
		case <-ctx.Done():
			return 0, ctx.Err()
		case <-timer.C:
		}
	}

	reqURL := c.baseURL + "/" + strings.TrimPrefix(endpoint, "/") + "?" + params.Encode()
	c.logger.Debug("assessor request", "url", Redact(reqURL))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return 0, supervisor.Wrap(supervisor.KindInternal, "assessor.get", "building request", err)
	}
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	req.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return 0, supervisor.Wrap(supervisor.KindNetwork, "assessor.get", "request failed", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return 0, supervisor.Wrap(supervisor.KindNetwork, "assessor.get", "reading response body", err)
	}
	c.logger.Debug("assessor response", "status", resp.StatusCode, "bytes", len(body))

	switch {
	case resp.StatusCode == http.StatusUnauthorized:
		return 0, supervisor.Wrap(supervisor.KindAuth, "assessor.get", "credentials rejected", &statusError{resp.StatusCode, Redact(string(body))})
	case resp.StatusCode == http.StatusForbidden:
		return 0, supervisor.Wrap(supervisor.KindPermission, "assessor.get", "action forbidden", &statusError{resp.StatusCode, Redact(string(body))})
	case resp.StatusCode == http.StatusNotFound:
		return 0, supervisor.Wrap(supervisor.KindNotFound, "assessor.get", "resource absent", &statusError{resp.StatusCode, Redact(string(body))})
	case resp.StatusCode == http.StatusTooManyRequests:
		retryAfter := parseRetryAfter(resp.Header.Get("Retry-After"))
		return retryAfter, supervisor.Wrap(supervisor.KindRateLimit, "assessor.get", "upstream rate limited", &statusError{resp.StatusCode, Redact(string(body))})
	case resp.StatusCode >= 500:
		return 0, supervisor.Wrap(supervisor.KindNetwork, "assessor.get", "upstream server error", &statusError{resp.StatusCode, Redact(string(body))})
	case resp.StatusCode != http.StatusOK:
		return 0, supervisor.Wrap(supervisor.KindParsing, "assessor.get", "unexpected status", &statusError{resp.StatusCode, Redact(string(body))})
	}

	if err := json.Unmarshal(body, out); err != nil {
		return 0, supervisor.Wrap(supervisor.KindParsing, "assessor.get", "decoding response", err)
	}
	return 0, nil
}

func parseRetryAfter(header string) time.Duration {
	if header == "" {
		return 0
	}
	if secs, err := strconv.Atoi(header); err == nil {
		return time.Duration(secs) * time.Second
	}
	if when, err := http.ParseTime(header); err == nil {
		if d := time.Until(when); d > 0 {
			return d
		}
	}
	return 0
}

// SanitizeContext redacts values of any key matching the credential
// pattern from a structured logging/error context map, for embedding
// in DLQ payloads or error attributes.
func SanitizeContext(ctx map[string]string) map[string]string {
	out := make(map[string]string, len(ctx))
	for k, v := range ctx {
		if sensitiveFieldPattern.MatchString(k) {
			out[k] = "[REDACTED]"
			continue
		}
		out[k] = v
	}
	return out
}
