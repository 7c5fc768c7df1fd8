package scraper

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
)

// Condition names one of the site-specific error states a fetch
// attempt can land in.
type Condition string

const (
	ConditionNone           Condition = ""
	ConditionRateLimit      Condition = "rate_limit"
	ConditionBlockedIP      Condition = "blocked_ip"
	ConditionSessionExpired Condition = "session_expired"
	ConditionCaptcha        Condition = "captcha"
	ConditionMaintenance    Condition = "maintenance"
	ConditionNotFound       Condition = "not_found"
)

// FetchResult is the raw outcome of one navigation, independent of
// which browser driver produced it.
type FetchResult struct {
	StatusCode int
	Headers    map[string]string
	Body       string
	FinalURL   string
}

// CaptchaChallenge describes a detected CAPTCHA widget for hand-off to
// a solver.
type CaptchaChallenge struct {
	Kind     string // "recaptcha_v2", "hcaptcha", "image", or "unknown"; reCAPTCHA v3 is not detected
	SiteKey  string
	ImageURL string
	PageURL  string
}

// classify inspects a FetchResult's status code, headers, final URL,
// CSS selectors, and body text for the configured error conditions,
// returning the first match in the order of the switch below. It
// returns ConditionNone when nothing matches.
func classify(result FetchResult) Condition {
	header := func(name string) string {
		for k, v := range result.Headers {
			if strings.EqualFold(k, name) {
				return v
			}
		}
		return ""
	}

	doc, _ := goquery.NewDocumentFromReader(strings.NewReader(result.Body))
	bodyLower := strings.ToLower(result.Body)

	switch {
	case result.StatusCode == 429:
		return ConditionRateLimit
	case header("Retry-After") != "" && result.StatusCode >= 400:
		return ConditionRateLimit
	case result.StatusCode == 403 && hasAny(doc, ".cf-challenge", "#challenge-form", ".cf-error-details"):
		return ConditionBlockedIP
	case result.StatusCode == 403:
		return ConditionBlockedIP
	case strings.Contains(result.FinalURL, "/login") || strings.Contains(result.FinalURL, "/signin"):
		return ConditionSessionExpired
	case hasAny(doc, ".g-recaptcha", "#recaptcha", ".h-captcha", "iframe[src*='captcha']"):
		return ConditionCaptcha
	case result.StatusCode == 503 && strings.Contains(bodyLower, "maintenance"):
		return ConditionMaintenance
	case result.StatusCode == 404 || result.StatusCode == 410:
		return ConditionNotFound
	case strings.Contains(bodyLower, "listing not found") || strings.Contains(bodyLower, "no longer available"):
		return ConditionNotFound
	default:
		return ConditionNone
	}
}

func hasAny(doc *goquery.Document, selectors ...string) bool {
	if doc == nil {
		return false
	}
	for _, sel := range selectors {
		if doc.Find(sel).Length() > 0 {
			return true
		}
	}
	return false
}

// detectCaptcha extracts the challenge details classify already knows
// are present, so the solver has enough context to act.
func detectCaptcha(result FetchResult) CaptchaChallenge {
	doc, _ := goquery.NewDocumentFromReader(strings.NewReader(result.Body))
	challenge := CaptchaChallenge{PageURL: result.FinalURL}
	if doc == nil {
		return challenge
	}
	if el := doc.Find(".g-recaptcha").First(); el.Length() > 0 {
		challenge.Kind = "recaptcha_v2"
		challenge.SiteKey, _ = el.Attr("data-sitekey")
		return challenge
	}
	if el := doc.Find(".h-captcha").First(); el.Length() > 0 {
		challenge.Kind = "hcaptcha"
		challenge.SiteKey, _ = el.Attr("data-sitekey")
		return challenge
	}
	if el := doc.Find("iframe[src*='captcha']").First(); el.Length() > 0 {
		challenge.Kind = "image"
		challenge.ImageURL, _ = el.Attr("src")
		return challenge
	}
	challenge.Kind = "unknown"
	return challenge
}
