package domain

import "time"

// DailyReport summarizes one collection run for a single ZIP code.
type DailyReport struct {
	ReportDate        time.Time      `json:"report_date" bson:"report_date"`
	Zipcode           string         `json:"zipcode" bson:"zipcode"`
	PropertiesFound   int            `json:"properties_found" bson:"properties_found"`
	PropertiesNew     int            `json:"properties_new" bson:"properties_new"`
	PropertiesUpdated int            `json:"properties_updated" bson:"properties_updated"`
	Errors            int            `json:"errors" bson:"errors"`
	DeadLettered      int            `json:"dead_lettered" bson:"dead_lettered"`
	SourcesUsed       []string       `json:"sources_used" bson:"sources_used"`
	DurationSeconds   float64        `json:"duration_seconds" bson:"duration_seconds"`
	PriceStats        *PriceStats    `json:"price_stats,omitempty" bson:"price_stats,omitempty"`
}

// PriceStats holds the summary statistics Repository.GetPriceStatistics
// computes over a zipcode's current_price values.
type PriceStats struct {
	Count  int     `json:"count" bson:"count"`
	Mean   float64 `json:"mean" bson:"mean"`
	Median float64 `json:"median" bson:"median"`
	Min    float64 `json:"min" bson:"min"`
	Max    float64 `json:"max" bson:"max"`
}

// ErrorKind classifies a failure for routing and retry-policy lookup in
// the ErrorSupervisor.
type ErrorKind string

const (
	ErrorKindNetwork       ErrorKind = "network"
	ErrorKindRateLimit     ErrorKind = "rate_limit"
	ErrorKindCaptcha       ErrorKind = "captcha"
	ErrorKindParse         ErrorKind = "parse"
	ErrorKindValidation    ErrorKind = "validation"
	ErrorKindLLM           ErrorKind = "llm"
	ErrorKindRepository    ErrorKind = "repository"
	ErrorKindConfiguration ErrorKind = "configuration"
	ErrorKindCircuitOpen   ErrorKind = "circuit_open"
	ErrorKindUnknown       ErrorKind = "unknown"
)

// DeadLetterItem records a permanently-failed unit of work for later
// inspection or replay.
type DeadLetterItem struct {
	ID           string          `json:"id" bson:"id"`
	Source       string          `json:"source" bson:"source"`
	Zipcode      string          `json:"zipcode" bson:"zipcode"`
	Payload      []byte          `json:"payload" bson:"payload"`
	ErrorKind    ErrorKind       `json:"error_kind" bson:"error_kind"`
	ErrorMessage string          `json:"error_message" bson:"error_message"`
	Attempts     int             `json:"attempts" bson:"attempts"`
	FirstFailure time.Time       `json:"first_failure" bson:"first_failure"`
	LastFailure  time.Time       `json:"last_failure" bson:"last_failure"`
}

// ExtractionCacheEntry is a cached LLM extraction result keyed by the
// content hash of the scraped input.
type ExtractionCacheEntry struct {
	ContentHash string    `json:"content_hash" bson:"content_hash"`
	Result      []byte    `json:"result" bson:"result"`
	Model       string    `json:"model" bson:"model"`
	CreatedAt   time.Time `json:"created_at" bson:"created_at"`
	HitCount    int       `json:"hit_count" bson:"hit_count"`
}
