package scraper

import "testing"

func TestClassifyDetectsRateLimitByStatus(t *testing.T) {
	got := classify(FetchResult{StatusCode: 429})
	if got != ConditionRateLimit {
		t.Fatalf("classify = %s, want rate_limit", got)
	}
}

func TestClassifyDetectsBlockedIPByCloudflareMarkers(t *testing.T) {
	got := classify(FetchResult{StatusCode: 403, Body: `<div id="challenge-form"></div>`})
	if got != ConditionBlockedIP {
		t.Fatalf("classify = %s, want blocked_ip", got)
	}
}

func TestClassifyDetectsSessionExpiredByRedirectURL(t *testing.T) {
	got := classify(FetchResult{StatusCode: 200, FinalURL: "https://example.com/login?next=/listing/1"})
	if got != ConditionSessionExpired {
		t.Fatalf("classify = %s, want session_expired", got)
	}
}

func TestClassifyDetectsCaptchaWidget(t *testing.T) {
	got := classify(FetchResult{StatusCode: 200, Body: `<div class="g-recaptcha" data-sitekey="abc123"></div>`})
	if got != ConditionCaptcha {
		t.Fatalf("classify = %s, want captcha", got)
	}
}

func TestClassifyDetectsMaintenance(t *testing.T) {
	got := classify(FetchResult{StatusCode: 503, Body: "Site under maintenance, check back soon"})
	if got != ConditionMaintenance {
		t.Fatalf("classify = %s, want maintenance", got)
	}
}

func TestClassifyDetectsNotFound(t *testing.T) {
	got := classify(FetchResult{StatusCode: 404})
	if got != ConditionNotFound {
		t.Fatalf("classify = %s, want not_found", got)
	}
}

func TestClassifyReturnsNoneForCleanResponse(t *testing.T) {
	got := classify(FetchResult{StatusCode: 200, Body: "<html><body>listing details</body></html>"})
	if got != ConditionNone {
		t.Fatalf("classify = %s, want none", got)
	}
}

func TestDetectCaptchaExtractsRecaptchaSiteKey(t *testing.T) {
	result := FetchResult{Body: `<div class="g-recaptcha" data-sitekey="site-key-xyz"></div>`}
	challenge := detectCaptcha(result)
	if challenge.Kind != "recaptcha_v2" {
		t.Fatalf("kind = %s, want recaptcha_v2", challenge.Kind)
	}
	if challenge.SiteKey != "site-key-xyz" {
		t.Fatalf("site key = %s, want site-key-xyz", challenge.SiteKey)
	}
}
